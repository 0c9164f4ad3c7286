package flutter

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/devicelab-dev/flutter-driver/pkg/commands"
	"github.com/devicelab-dev/flutter-driver/pkg/core"
	"github.com/devicelab-dev/flutter-driver/pkg/observatory"
)

func elementArg(args []interface{}, i int) (string, error) {
	if i >= len(args) {
		return "", core.ErrInvalidArgument.WithMessage("missing element")
	}
	el, ok := args[i].(string)
	if !ok {
		return "", core.ErrInvalidArgument.WithMessagef("element must be a string token, got %T", args[i])
	}
	return el, nil
}

// getText(el) returns the text of a Text or EditableText widget.
func getText(ctx context.Context, _ *Driver, conn *observatory.Conn, args []interface{}) (interface{}, error) {
	el, err := elementArg(args, 0)
	if err != nil {
		return nil, err
	}
	resp, err := conn.ExecuteElementCommand(ctx, "get_text", el, nil)
	if err != nil {
		return nil, err
	}
	m, ok := resp.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("get_text: unexpected response %v", resp)
	}
	return m["text"], nil
}

// textValue accepts a string or a list of string fragments.
func textValue(v interface{}) (string, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case []string:
		return strings.Join(t, ""), nil
	case []interface{}:
		var b strings.Builder
		for _, part := range t {
			s, ok := part.(string)
			if !ok {
				return "", core.ErrInvalidArgument.WithMessagef("text fragments must be strings, got %T", part)
			}
			b.WriteString(s)
		}
		return b.String(), nil
	default:
		return "", core.ErrInvalidArgument.WithMessagef("text must be a string, got %T", v)
	}
}

// setValue(text, el) focuses el with a tap, then enters text.
func setValue(ctx context.Context, _ *Driver, conn *observatory.Conn, args []interface{}) (interface{}, error) {
	if len(args) == 0 {
		return nil, core.ErrInvalidArgument.WithMessage("setValue requires text")
	}
	text, err := textValue(args[0])
	if err != nil {
		return nil, err
	}
	el, err := elementArg(args, 1)
	if err != nil {
		return nil, err
	}
	return enterText(ctx, conn, el, text)
}

func enterText(ctx context.Context, conn *observatory.Conn, el, text string) (interface{}, error) {
	if _, err := conn.ExecuteElementCommand(ctx, "tap", el, nil); err != nil {
		return nil, err
	}
	return conn.ExecuteSocketCommand(ctx, map[string]interface{}{"command": "enter_text", "text": text})
}

// clearValue(el) replaces the content of el with the empty string.
func clearValue(ctx context.Context, _ *Driver, conn *observatory.Conn, args []interface{}) (interface{}, error) {
	el, err := elementArg(args, 0)
	if err != nil {
		return nil, err
	}
	return enterText(ctx, conn, el, "")
}

func click(ctx context.Context, _ *Driver, conn *observatory.Conn, args []interface{}) (interface{}, error) {
	el, err := elementArg(args, 0)
	if err != nil {
		return nil, err
	}
	return conn.ExecuteElementCommand(ctx, "tap", el, nil)
}

// longTap(el, {durationMilliseconds, frequency}) holds el in place.
func longTap(ctx context.Context, _ *Driver, conn *observatory.Conn, args []interface{}) (interface{}, error) {
	return commands.Execute(ctx, conn, "flutter:longTap", args)
}

// getScreenshot returns the app's screenshot as base64 PNG.
func getScreenshot(ctx context.Context, _ *Driver, conn *observatory.Conn, _ []interface{}) (interface{}, error) {
	raw, err := conn.Call(ctx, "_flutter.screenshot", nil)
	if err != nil {
		return nil, err
	}
	var reply struct {
		Screenshot string `json:"screenshot"`
	}
	if err := json.Unmarshal(raw, &reply); err != nil {
		return nil, fmt.Errorf("decode screenshot: %w", err)
	}
	return reply.Screenshot, nil
}
