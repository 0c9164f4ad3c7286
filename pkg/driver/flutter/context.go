package flutter

import (
	"context"

	"github.com/devicelab-dev/flutter-driver/pkg/core"
)

// Automation contexts.
const (
	ContextFlutter = "FLUTTER"
	ContextNative  = "NATIVE_APP"
)

// Locator strategies understood in the FLUTTER context.
var flutterLocatorStrategies = []string{"key", "css selector"}

// GetCurrentContext returns the active context.
func (d *Driver) GetCurrentContext() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.context
}

// SetContext switches the active context. The name is not validated.
func (d *Driver) SetContext(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.context = name
}

// GetContexts lists the backend's contexts followed by FLUTTER.
func (d *Driver) GetContexts(ctx context.Context) ([]string, error) {
	d.mu.Lock()
	backend := d.backend
	d.mu.Unlock()

	if backend == nil {
		return []string{ContextFlutter}, nil
	}
	native, err := backend.Contexts(ctx)
	if err != nil {
		return nil, err
	}
	return append(append([]string(nil), native...), ContextFlutter), nil
}

// contextCommands are always served by this driver.
var contextCommands = map[string]bool{
	"getCurrentContext": true,
	"setContext":        true,
	"getContexts":       true,
}

// DriverShouldDoProxyCmd reports whether cmd goes to the native backend.
func (d *Driver) DriverShouldDoProxyCmd(cmd string) bool {
	d.mu.Lock()
	backend, current := d.backend, d.context
	d.mu.Unlock()

	switch {
	case backend == nil:
		return false
	case current == ContextFlutter:
		return false
	case contextCommands[cmd]:
		return false
	case !backend.Implements(cmd):
		return false
	default:
		return true
	}
}

// ValidateLocatorStrategy checks strategy against the active context.
func (d *Driver) ValidateLocatorStrategy(strategy string) error {
	d.mu.Lock()
	backend, current := d.backend, d.context
	d.mu.Unlock()

	if current == ContextNative && backend != nil {
		return backend.ValidateLocatorStrategy(strategy)
	}
	for _, s := range flutterLocatorStrategies {
		if s == strategy {
			return nil
		}
	}
	return core.ErrInvalidArgument.WithMessagef("locator strategy %q is not supported in the %s context", strategy, current)
}
