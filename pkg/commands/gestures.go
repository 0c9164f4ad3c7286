package commands

import (
	"context"
	"fmt"

	"github.com/devicelab-dev/flutter-driver/pkg/core"
	"github.com/devicelab-dev/flutter-driver/pkg/logger"
)

const (
	defaultFrequency = 60
	// scrollStepMillis is the duration of each scroll while scrollUntilVisible
	// waits for its item.
	scrollStepMillis = 100
)

// waitArgs reads (element, durationMilliseconds?) as sent by waitFor and
// waitForAbsent.
func waitArgs(args []interface{}) (string, map[string]interface{}, error) {
	token, err := tokenArg(args, 0)
	if err != nil {
		return "", nil, err
	}
	extra := map[string]interface{}{}
	if len(args) > 1 && args[1] != nil {
		ms, ok := toNumber(args[1])
		if !ok {
			return "", nil, core.ErrInvalidArgument.WithMessagef("durationMilliseconds must be a number, got %T", args[1])
		}
		extra["timeout"] = ms
	}
	return token, extra, nil
}

func waitFor(ctx context.Context, t Target, args []interface{}) (interface{}, error) {
	token, extra, err := waitArgs(args)
	if err != nil {
		return nil, err
	}
	if _, err := t.ExecuteElementCommand(ctx, "waitFor", token, extra); err != nil {
		return nil, err
	}
	return token, nil
}

func waitForAbsent(ctx context.Context, t Target, args []interface{}) (interface{}, error) {
	token, extra, err := waitArgs(args)
	if err != nil {
		return nil, err
	}
	if _, err := t.ExecuteElementCommand(ctx, "waitForAbsent", token, extra); err != nil {
		return nil, err
	}
	return token, nil
}

type scrollOptions struct {
	dx, dy     float64
	durationMs float64
	frequency  float64
}

func parseScrollOptions(opts map[string]interface{}) (scrollOptions, error) {
	var (
		so  scrollOptions
		err error
	)
	if so.dx, err = requiredNumber(opts, "dx"); err != nil {
		return so, err
	}
	if so.dy, err = requiredNumber(opts, "dy"); err != nil {
		return so, err
	}
	if so.durationMs, err = requiredNumber(opts, "durationMilliseconds"); err != nil {
		return so, err
	}
	if so.frequency, err = numberOptDefault(opts, "frequency", defaultFrequency); err != nil {
		return so, err
	}
	return so, nil
}

// sendScroll issues the scroll gesture. duration goes on the wire in
// microseconds.
func sendScroll(ctx context.Context, t Target, token string, so scrollOptions) (interface{}, error) {
	return t.ExecuteElementCommand(ctx, "scroll", token, map[string]interface{}{
		"dx":        so.dx,
		"dy":        so.dy,
		"duration":  so.durationMs * 1000,
		"frequency": so.frequency,
	})
}

func scroll(ctx context.Context, t Target, args []interface{}) (interface{}, error) {
	token, err := tokenArg(args, 0)
	if err != nil {
		return nil, err
	}
	opts, err := optionsArg(args, 1)
	if err != nil {
		return nil, err
	}
	so, err := parseScrollOptions(opts)
	if err != nil {
		return nil, err
	}
	if so.dx == 0 && so.dy == 0 {
		return nil, core.ErrInvalidArgument.WithMessagef("%v is not a valid options: dx and dy cannot both be 0", opts)
	}
	return sendScroll(ctx, t, token, so)
}

// longTap is a zero-distance scroll held for durationMilliseconds.
func longTap(ctx context.Context, t Target, args []interface{}) (interface{}, error) {
	token, err := tokenArg(args, 0)
	if err != nil {
		return nil, err
	}
	opts, err := optionsArg(args, 1)
	if err != nil {
		return nil, err
	}
	so := scrollOptions{}
	if so.durationMs, err = requiredNumber(opts, "durationMilliseconds"); err != nil {
		return nil, err
	}
	if so.frequency, err = numberOptDefault(opts, "frequency", defaultFrequency); err != nil {
		return nil, err
	}
	return sendScroll(ctx, t, token, so)
}

func scrollIntoView(ctx context.Context, t Target, args []interface{}) (interface{}, error) {
	token, err := tokenArg(args, 0)
	if err != nil {
		return nil, err
	}
	opts, err := optionsArg(args, 1)
	if err != nil {
		return nil, err
	}
	return sendScrollIntoView(ctx, t, token, opts)
}

func sendScrollIntoView(ctx context.Context, t Target, token string, opts map[string]interface{}) (interface{}, error) {
	alignment, err := numberOptDefault(opts, "alignment", 0)
	if err != nil {
		return nil, err
	}
	extra := map[string]interface{}{"alignment": alignment}
	timeout, ok, err := numberOpt(opts, "timeout")
	if err != nil {
		return nil, err
	}
	if ok {
		extra["timeout"] = timeout
	}
	return t.ExecuteElementCommand(ctx, "scrollIntoView", token, extra)
}

// scrollUntilVisible scrolls the scrollable el in short steps while a waitFor
// on opts.item runs alongside, then brings the item into view.
func scrollUntilVisible(ctx context.Context, t Target, args []interface{}) (interface{}, error) {
	token, err := tokenArg(args, 0)
	if err != nil {
		return nil, err
	}
	opts, err := optionsArg(args, 1)
	if err != nil {
		return nil, err
	}
	item, ok := opts["item"].(string)
	if !ok || item == "" {
		return nil, core.ErrInvalidArgument.WithMessagef("%v is not a valid options: item is required", opts)
	}
	alignment, err := numberOptDefault(opts, "alignment", 0)
	if err != nil {
		return nil, err
	}
	dx, err := numberOptDefault(opts, "dxScroll", 0)
	if err != nil {
		return nil, err
	}
	dy, err := numberOptDefault(opts, "dyScroll", 0)
	if err != nil {
		return nil, err
	}
	if dx == 0 && dy == 0 {
		return nil, core.ErrInvalidArgument.WithMessagef("%v is not a valid options: dxScroll and dyScroll cannot both be 0", opts)
	}

	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	visible := make(chan error, 1)
	go func() {
		_, err := t.ExecuteElementCommand(waitCtx, "waitFor", item, nil)
		visible <- err
	}()

	step := scrollOptions{dx: dx, dy: dy, durationMs: scrollStepMillis, frequency: defaultFrequency}
	for scrolls := 0; ; scrolls++ {
		select {
		case err := <-visible:
			if err != nil {
				return nil, fmt.Errorf("waiting for item to become visible: %w", err)
			}
			logger.Debug("Item visible after %d scrolls", scrolls)
			return sendScrollIntoView(ctx, t, item, map[string]interface{}{"alignment": alignment})
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		if _, err := sendScroll(ctx, t, token, step); err != nil {
			return nil, err
		}
	}
}
