package commands

import (
	"github.com/devicelab-dev/flutter-driver/pkg/core"
)

// tokenArg returns args[i] as an element token.
func tokenArg(args []interface{}, i int) (string, error) {
	if i >= len(args) || args[i] == nil {
		return "", core.ErrInvalidArgument.WithMessagef("missing element argument at position %d", i)
	}
	s, ok := args[i].(string)
	if !ok {
		return "", core.ErrInvalidArgument.WithMessagef("element argument must be a string token, got %T", args[i])
	}
	return s, nil
}

// optionsArg returns args[i] as an options object; absent means empty.
func optionsArg(args []interface{}, i int) (map[string]interface{}, error) {
	if i >= len(args) || args[i] == nil {
		return map[string]interface{}{}, nil
	}
	m, ok := args[i].(map[string]interface{})
	if !ok {
		return nil, core.ErrInvalidArgument.WithMessagef("options must be an object, got %T", args[i])
	}
	return m, nil
}

// numberOpt reads a numeric option. ok is false when the key is absent.
func numberOpt(opts map[string]interface{}, key string) (v float64, ok bool, err error) {
	raw, present := opts[key]
	if !present || raw == nil {
		return 0, false, nil
	}
	n, isNum := toNumber(raw)
	if !isNum {
		return 0, false, core.ErrInvalidArgument.WithMessagef("%s must be a number, got %T", key, raw)
	}
	return n, true, nil
}

func toNumber(raw interface{}) (float64, bool) {
	switch n := raw.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func numberOptDefault(opts map[string]interface{}, key string, def float64) (float64, error) {
	v, ok, err := numberOpt(opts, key)
	if err != nil {
		return 0, err
	}
	if !ok {
		return def, nil
	}
	return v, nil
}

func requiredNumber(opts map[string]interface{}, key string) (float64, error) {
	v, ok, err := numberOpt(opts, key)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, core.ErrInvalidArgument.WithMessagef("%s is required", key)
	}
	return v, nil
}

func boolOptDefault(opts map[string]interface{}, key string, def bool) (bool, error) {
	raw, present := opts[key]
	if !present || raw == nil {
		return def, nil
	}
	b, ok := raw.(bool)
	if !ok {
		return false, core.ErrInvalidArgument.WithMessagef("%s must be a boolean, got %T", key, raw)
	}
	return b, nil
}
