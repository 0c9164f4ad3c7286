// Package commands implements the "flutter:<name>" commands that a client
// sends through the generic execute endpoint.
package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/devicelab-dev/flutter-driver/pkg/core"
	"github.com/devicelab-dev/flutter-driver/pkg/logger"
)

// Target is the VM service connection the commands run against.
// *observatory.Conn satisfies it.
type Target interface {
	Call(ctx context.Context, method string, params interface{}) (json.RawMessage, error)
	ExecuteSocketCommand(ctx context.Context, params map[string]interface{}) (map[string]interface{}, error)
	ExecuteElementCommand(ctx context.Context, command, token string, extra map[string]interface{}) (interface{}, error)
	IsolateID() string
}

type handler func(ctx context.Context, t Target, args []interface{}) (interface{}, error)

var commandPattern = regexp.MustCompile(`^\s*flutter\s*:(.+)`)

var handlers = map[string]handler{
	"checkHealth":                checkHealth,
	"clearTimeline":              clearTimeline,
	"forceGC":                    forceGC,
	"getRenderTree":              getRenderTree,
	"getBottomLeft":              offset("bottomLeft"),
	"getBottomRight":             offset("bottomRight"),
	"getCenter":                  offset("center"),
	"getTopLeft":                 offset("topLeft"),
	"getTopRight":                offset("topRight"),
	"getRenderObjectDiagnostics": getRenderObjectDiagnostics,
	"getSemanticsId":             getSemanticsID,
	"waitForAbsent":              waitForAbsent,
	"waitFor":                    waitFor,
	"scroll":                     scroll,
	"scrollUntilVisible":         scrollUntilVisible,
	"scrollIntoView":             scrollIntoView,
	"enterText":                  enterText,
	"longTap":                    longTap,
	"waitForFirstFrame":          waitForFirstFrame,
}

// Names returns the supported command names, sorted.
func Names() []string {
	names := make([]string, 0, len(handlers))
	for name := range handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Parse extracts the command name from "flutter:<name>".
func Parse(raw string) (string, error) {
	m := commandPattern.FindStringSubmatch(raw)
	if m == nil {
		return "", core.ErrUnsupportedCommand.WithMessagef("command not support: %q", raw)
	}
	return strings.TrimSpace(m[1]), nil
}

// Execute runs the flutter command named by raw with args.
func Execute(ctx context.Context, t Target, raw string, args []interface{}) (interface{}, error) {
	name, err := Parse(raw)
	if err != nil {
		return nil, err
	}
	h, ok := handlers[name]
	if !ok {
		return nil, core.ErrUnsupportedCommand.WithMessagef("command not support: %q", raw)
	}
	logger.Debug("Executing flutter command %s", name)
	return h(ctx, t, args)
}

// field returns key from a map-shaped element command response.
func field(resp interface{}, command, key string) (interface{}, error) {
	m, ok := resp.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("%s: unexpected response %v", command, resp)
	}
	return m[key], nil
}

func checkHealth(ctx context.Context, t Target, _ []interface{}) (interface{}, error) {
	resp, err := t.ExecuteElementCommand(ctx, "get_health", "", nil)
	if err != nil {
		return nil, err
	}
	return field(resp, "get_health", "status")
}

func getRenderTree(ctx context.Context, t Target, _ []interface{}) (interface{}, error) {
	resp, err := t.ExecuteElementCommand(ctx, "get_render_tree", "", nil)
	if err != nil {
		return nil, err
	}
	return field(resp, "get_render_tree", "tree")
}

func offset(offsetType string) handler {
	return func(ctx context.Context, t Target, args []interface{}) (interface{}, error) {
		token, err := tokenArg(args, 0)
		if err != nil {
			return nil, err
		}
		return t.ExecuteElementCommand(ctx, "get_offset", token, map[string]interface{}{"offsetType": offsetType})
	}
}

func getRenderObjectDiagnostics(ctx context.Context, t Target, args []interface{}) (interface{}, error) {
	token, err := tokenArg(args, 0)
	if err != nil {
		return nil, err
	}
	opts, err := optionsArg(args, 1)
	if err != nil {
		return nil, err
	}
	depth, err := numberOptDefault(opts, "subtreeDepth", 0)
	if err != nil {
		return nil, err
	}
	props, err := boolOptDefault(opts, "includeProperties", true)
	if err != nil {
		return nil, err
	}
	return t.ExecuteElementCommand(ctx, "get_diagnostics_tree", token, map[string]interface{}{
		"diagnosticsType":   "renderObject",
		"includeProperties": props,
		"subtreeDepth":      depth,
	})
}

func getSemanticsID(ctx context.Context, t Target, args []interface{}) (interface{}, error) {
	token, err := tokenArg(args, 0)
	if err != nil {
		return nil, err
	}
	resp, err := t.ExecuteElementCommand(ctx, "get_semantics_id", token, nil)
	if err != nil {
		return nil, err
	}
	return field(resp, "get_semantics_id", "id")
}

func enterText(ctx context.Context, t Target, args []interface{}) (interface{}, error) {
	if len(args) == 0 {
		return nil, core.ErrInvalidArgument.WithMessage("enterText requires the text to enter")
	}
	text, ok := args[0].(string)
	if !ok {
		return nil, core.ErrInvalidArgument.WithMessagef("enterText text must be a string, got %T", args[0])
	}
	return t.ExecuteSocketCommand(ctx, map[string]interface{}{"command": "enter_text", "text": text})
}

func waitForFirstFrame(ctx context.Context, t Target, _ []interface{}) (interface{}, error) {
	return t.ExecuteElementCommand(ctx, "waitForCondition", "", map[string]interface{}{
		"conditionName": "FirstFrameRasterizedCondition",
	})
}

// requireSuccess checks a VM service reply of the form {"type": "Success"}.
func requireSuccess(raw json.RawMessage, what string) error {
	var reply struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &reply); err != nil || reply.Type != "Success" {
		return fmt.Errorf("could not %s, response was %s", what, raw)
	}
	return nil
}

func forceGC(ctx context.Context, t Target, _ []interface{}) (interface{}, error) {
	raw, err := t.Call(ctx, "_collectAllGarbage", map[string]interface{}{"isolateId": t.IsolateID()})
	if err != nil {
		return nil, err
	}
	return nil, requireSuccess(raw, "forceGC")
}

// clearTimelineMethods are the private and public names of the same RPC.
// A given VM knows only one of them.
var clearTimelineMethods = []string{"_clearVMTimeline", "clearVMTimeline"}

type callResult struct {
	raw json.RawMessage
	err error
}

// clearTimeline issues both method names at once. The first call that
// succeeds decides the outcome and the other is cancelled; it fails only when
// every call fails.
func clearTimeline(ctx context.Context, t Target, _ []interface{}) (interface{}, error) {
	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan callResult, len(clearTimelineMethods))
	for _, method := range clearTimelineMethods {
		go func(method string) {
			raw, err := t.Call(raceCtx, method, nil)
			results <- callResult{raw: raw, err: err}
		}(method)
	}

	var errs []error
	for range clearTimelineMethods {
		r := <-results
		if r.err != nil {
			errs = append(errs, r.err)
			continue
		}
		return nil, requireSuccess(r.raw, "clearTimeline")
	}
	return nil, fmt.Errorf("could not clearTimeline: %w", errors.Join(errs...))
}
