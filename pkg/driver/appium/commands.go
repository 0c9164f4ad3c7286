package appium

import (
	"context"

	"github.com/devicelab-dev/flutter-driver/pkg/core"
)

type nativeCommand func(ctx context.Context, c *Client, args []interface{}) (interface{}, error)

// commands maps command names to the Appium endpoints that serve them.
// Argument order follows the WebDriver command signatures, e.g.
// setValue(value, elementId).
var commands = map[string]nativeCommand{
	"findElement": func(ctx context.Context, c *Client, args []interface{}) (interface{}, error) {
		strategy, selector, err := twoStrings(args)
		if err != nil {
			return nil, err
		}
		id, err := c.FindElement(ctx, strategy, selector)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{w3cElementKey: id, "ELEMENT": id}, nil
	},
	"findElements": func(ctx context.Context, c *Client, args []interface{}) (interface{}, error) {
		strategy, selector, err := twoStrings(args)
		if err != nil {
			return nil, err
		}
		ids, err := c.FindElements(ctx, strategy, selector)
		if err != nil {
			return nil, err
		}
		elements := make([]interface{}, 0, len(ids))
		for _, id := range ids {
			elements = append(elements, map[string]interface{}{w3cElementKey: id, "ELEMENT": id})
		}
		return elements, nil
	},
	"click": func(ctx context.Context, c *Client, args []interface{}) (interface{}, error) {
		id, err := stringArg(args, 0, "elementId")
		if err != nil {
			return nil, err
		}
		return nil, c.ClickElement(ctx, id)
	},
	"clear": func(ctx context.Context, c *Client, args []interface{}) (interface{}, error) {
		id, err := stringArg(args, 0, "elementId")
		if err != nil {
			return nil, err
		}
		return nil, c.ClearElement(ctx, id)
	},
	"getText": func(ctx context.Context, c *Client, args []interface{}) (interface{}, error) {
		id, err := stringArg(args, 0, "elementId")
		if err != nil {
			return nil, err
		}
		return c.GetElementText(ctx, id)
	},
	"getAttribute": func(ctx context.Context, c *Client, args []interface{}) (interface{}, error) {
		name, id, err := twoStrings(args)
		if err != nil {
			return nil, err
		}
		return c.GetElementAttribute(ctx, id, name)
	},
	"setValue": func(ctx context.Context, c *Client, args []interface{}) (interface{}, error) {
		text, id, err := twoStrings(args)
		if err != nil {
			return nil, err
		}
		return nil, c.SetElementValue(ctx, id, text)
	},
	"getPageSource": func(ctx context.Context, c *Client, _ []interface{}) (interface{}, error) {
		return c.Source(ctx)
	},
	"getScreenshot": func(ctx context.Context, c *Client, _ []interface{}) (interface{}, error) {
		return c.Screenshot(ctx)
	},
	"getWindowRect": func(ctx context.Context, c *Client, _ []interface{}) (interface{}, error) {
		return c.WindowRect(ctx)
	},
	"back": func(ctx context.Context, c *Client, _ []interface{}) (interface{}, error) {
		return nil, c.Back(ctx)
	},
	"hideKeyboard": func(ctx context.Context, c *Client, _ []interface{}) (interface{}, error) {
		return nil, c.HideKeyboard(ctx)
	},
	"execute": func(ctx context.Context, c *Client, args []interface{}) (interface{}, error) {
		script, err := stringArg(args, 0, "script")
		if err != nil {
			return nil, err
		}
		var scriptArgs []interface{}
		if len(args) > 1 {
			switch v := args[1].(type) {
			case []interface{}:
				scriptArgs = v
			case nil:
			default:
				scriptArgs = []interface{}{v}
			}
		}
		return c.ExecuteScript(ctx, script, scriptArgs)
	},
	"getContexts": func(ctx context.Context, c *Client, _ []interface{}) (interface{}, error) {
		return c.Contexts(ctx)
	},
}

func stringArg(args []interface{}, i int, name string) (string, error) {
	if i >= len(args) {
		return "", core.ErrInvalidArgument.WithMessagef("missing %s", name)
	}
	s, ok := args[i].(string)
	if !ok {
		return "", core.ErrInvalidArgument.WithMessagef("%s must be a string, got %T", name, args[i])
	}
	return s, nil
}

func twoStrings(args []interface{}) (string, string, error) {
	a, err := stringArg(args, 0, "first argument")
	if err != nil {
		return "", "", err
	}
	b, err := stringArg(args, 1, "second argument")
	if err != nil {
		return "", "", err
	}
	return a, b, nil
}
