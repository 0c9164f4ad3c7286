// Package finder builds and decodes element reference tokens.
//
// A token is the base64 encoding of the JSON finder object the Flutter
// driver extension understands, e.g. {"finderType":"ByValueKey",...}.
// Tokens are opaque to clients; the transport decodes them and merges the
// fields into the extension command.
package finder

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
)

// Serialize encodes finder fields as a token.
func Serialize(fields map[string]interface{}) string {
	data, err := json.Marshal(fields)
	if err != nil {
		// map[string]interface{} built from strings and bools always marshals
		panic(fmt.Sprintf("finder: marshal %v: %v", fields, err))
	}
	return base64.StdEncoding.EncodeToString(data)
}

// Deserialize decodes a token into finder fields. An empty token yields no fields.
func Deserialize(token string) (map[string]interface{}, error) {
	if token == "" {
		return map[string]interface{}{}, nil
	}
	data, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		// Some clients strip padding
		data, err = base64.RawStdEncoding.DecodeString(token)
		if err != nil {
			return nil, fmt.Errorf("invalid element token %q: %w", token, err)
		}
	}
	var fields map[string]interface{}
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("invalid element token %q: %w", token, err)
	}
	if fields == nil {
		fields = map[string]interface{}{}
	}
	return fields, nil
}

// ByValueKey matches a widget by its ValueKey. key is a string or an int.
func ByValueKey(key interface{}) string {
	switch k := key.(type) {
	case int:
		return Serialize(map[string]interface{}{
			"finderType":     "ByValueKey",
			"keyValueString": strconv.Itoa(k),
			"keyValueType":   "int",
		})
	default:
		return Serialize(map[string]interface{}{
			"finderType":     "ByValueKey",
			"keyValueString": fmt.Sprint(k),
			"keyValueType":   "String",
		})
	}
}

// ByText matches Text widgets with exactly this text.
func ByText(text string) string {
	return Serialize(map[string]interface{}{"finderType": "ByText", "text": text})
}

// ByType matches widgets by runtime type name.
func ByType(typeName string) string {
	return Serialize(map[string]interface{}{"finderType": "ByType", "type": typeName})
}

// ByTooltip matches widgets by tooltip message.
func ByTooltip(message string) string {
	return Serialize(map[string]interface{}{"finderType": "ByTooltipMessage", "text": message})
}

// BySemanticsLabel matches widgets by semantics label.
func BySemanticsLabel(label string) string {
	return Serialize(map[string]interface{}{"finderType": "BySemanticsLabel", "label": label, "isRegExp": false})
}

// PageBack matches the back button of the current page.
func PageBack() string {
	return Serialize(map[string]interface{}{"finderType": "PageBack"})
}

// Ancestor matches ancestors of `of` that satisfy `matching`.
func Ancestor(of, matching string, matchRoot, firstMatchOnly bool) (string, error) {
	return relative("Ancestor", of, matching, matchRoot, firstMatchOnly)
}

// Descendant matches descendants of `of` that satisfy `matching`.
func Descendant(of, matching string, matchRoot, firstMatchOnly bool) (string, error) {
	return relative("Descendant", of, matching, matchRoot, firstMatchOnly)
}

func relative(finderType, of, matching string, matchRoot, firstMatchOnly bool) (string, error) {
	ofFields, err := Deserialize(of)
	if err != nil {
		return "", err
	}
	matchingFields, err := Deserialize(matching)
	if err != nil {
		return "", err
	}
	ofJSON, _ := json.Marshal(ofFields)
	matchingJSON, _ := json.Marshal(matchingFields)
	return Serialize(map[string]interface{}{
		"finderType":     finderType,
		"of":             string(ofJSON),
		"matching":       string(matchingJSON),
		"matchRoot":      matchRoot,
		"firstMatchOnly": firstMatchOnly,
	}), nil
}
