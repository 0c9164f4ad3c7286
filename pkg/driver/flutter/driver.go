// Package flutter is the Flutter automation driver. A session pairs a native
// backend session (XCUITest or UiAutomator2) with a VM service connection to
// the app, and routes every command to one or the other based on the active
// context.
package flutter

import (
	"context"
	"io"
	"sync"

	"github.com/devicelab-dev/flutter-driver/pkg/commands"
	"github.com/devicelab-dev/flutter-driver/pkg/core"
	"github.com/devicelab-dev/flutter-driver/pkg/device"
	"github.com/devicelab-dev/flutter-driver/pkg/logger"
	"github.com/devicelab-dev/flutter-driver/pkg/observatory"
	"github.com/devicelab-dev/flutter-driver/pkg/tunnel"
)

// PortForwarder maps a local port to a device port (adb forward).
type PortForwarder interface {
	Forward(localPort, remotePort int) error
	RemoveForward(localPort int) error
}

// Options configures a Driver. Only Backends is required.
type Options struct {
	// Backends creates the native backend for a platform.
	Backends core.BackendFactory
	// Connect opens the VM service connection. Default: observatory.Connect.
	Connect func(ctx context.Context, uri string, opts observatory.ConnectOptions) (*observatory.Conn, error)
	// Forwarder returns the adb forwarder for an Android device.
	// Default: device.New.
	Forwarder func(udid string) (PortForwarder, error)
	// StartTunnel exposes a real iOS device port locally.
	// Default: tunnel.Start over usbmuxd.
	StartTunnel func(ctx context.Context, port int, udid string) (io.Closer, error)
}

func (o Options) withDefaults() Options {
	if o.Connect == nil {
		o.Connect = observatory.Connect
	}
	if o.Forwarder == nil {
		o.Forwarder = func(udid string) (PortForwarder, error) {
			return device.New(udid)
		}
	}
	if o.StartTunnel == nil {
		o.StartTunnel = func(ctx context.Context, port int, udid string) (io.Closer, error) {
			return tunnel.Start(ctx, port, tunnel.USBMuxDialer{UDID: udid}, tunnel.Options{})
		}
	}
	return o
}

// Driver holds at most one session.
type Driver struct {
	opts Options

	mu          sync.Mutex
	id          string
	caps        *core.Capabilities
	context     string
	backend     core.NativeBackend
	conn        *observatory.Conn
	tunnel      io.Closer
	forwarder   PortForwarder
	forwardPort int

	timeout *CommandTimeout
}

// New creates a Driver with no session.
func New(opts Options) *Driver {
	d := &Driver{
		opts:    opts.withDefaults(),
		context: ContextFlutter,
	}
	d.timeout = NewCommandTimeout(core.DefaultNewCommandTimeout, d.onCommandTimeout)
	return d
}

func (d *Driver) onCommandTimeout() {
	logger.Warn("Shutting down because no new command arrived within %v", d.timeout.Duration())
	if err := d.DeleteSession(context.Background()); err != nil {
		logger.Warn("Deleting timed out session: %v", err)
	}
}

// SessionID returns the active session id, empty when none.
func (d *Driver) SessionID() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.id
}

// Backend returns the attached native backend, nil when none.
func (d *Driver) Backend() core.NativeBackend {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.backend
}

// Conn returns the VM service connection, nil when none.
func (d *Driver) Conn() *observatory.Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conn
}

type localCommand func(ctx context.Context, d *Driver, conn *observatory.Conn, args []interface{}) (interface{}, error)

// localCommands are served against the VM service connection.
var localCommands = map[string]localCommand{
	"execute":           execute,
	"executeAsync":      execute,
	"getContexts":       getContexts,
	"getCurrentContext": getCurrentContext,
	"setContext":        setContext,
	"getText":           getText,
	"setValue":          setValue,
	"clear":             clearValue,
	"click":             click,
	"tapEl":             click,
	"longTap":           longTap,
	"getScreenshot":     getScreenshot,
	"deleteSession":     deleteSession,
}

// ExecuteCommand runs cmd on the native backend or against the app,
// depending on the active context.
func (d *Driver) ExecuteCommand(ctx context.Context, cmd string, args ...interface{}) (interface{}, error) {
	d.mu.Lock()
	conn, backend := d.conn, d.backend
	d.mu.Unlock()

	// A dropped VM service still allows deleteSession and native commands;
	// VM-side handlers report the closed connection themselves.
	if conn == nil {
		logger.Debug("Command Error '%s'", cmd)
		return nil, core.ErrNoSuchDriver.WithMessagef("driver is not ready, cannot execute %s", cmd)
	}

	if findCommands[cmd] {
		if err := d.validateFindArgs(args); err != nil {
			return nil, err
		}
	}

	if d.DriverShouldDoProxyCmd(cmd) {
		logger.Debug("Executing proxied driver command '%s'", cmd)
		// only this driver's timer runs; the backend's is disabled at session start
		d.timeout.Clear()
		result, err := backend.ExecuteCommand(ctx, cmd, args...)
		d.timeout.Start()
		return result, err
	}

	h, ok := localCommands[cmd]
	if !ok {
		return nil, core.ErrUnsupportedCommand.WithMessagef("command %q is not supported in the %s context", cmd, d.GetCurrentContext())
	}
	logger.Debug("Executing Flutter driver command '%s'", cmd)
	d.timeout.Clear()
	result, err := h(ctx, d, conn, args)
	if cmd != "deleteSession" && d.SessionID() != "" {
		d.timeout.Start()
	}
	return result, err
}

// findCommands take a locator strategy as their first argument.
var findCommands = map[string]bool{
	"findElement":             true,
	"findElements":            true,
	"findElementFromElement":  true,
	"findElementsFromElement": true,
}

func (d *Driver) validateFindArgs(args []interface{}) error {
	if len(args) == 0 {
		return core.ErrInvalidArgument.WithMessage("locator strategy is required")
	}
	strategy, ok := args[0].(string)
	if !ok {
		return core.ErrInvalidArgument.WithMessagef("locator strategy must be a string, got %T", args[0])
	}
	return d.ValidateLocatorStrategy(strategy)
}

func execute(ctx context.Context, _ *Driver, conn *observatory.Conn, args []interface{}) (interface{}, error) {
	if len(args) == 0 {
		return nil, core.ErrInvalidArgument.WithMessage("execute requires a command")
	}
	raw, ok := args[0].(string)
	if !ok {
		return nil, core.ErrInvalidArgument.WithMessagef("execute command must be a string, got %T", args[0])
	}
	var rest []interface{}
	if len(args) > 1 {
		switch v := args[1].(type) {
		case []interface{}:
			rest = v
		case nil:
		default:
			rest = args[1:]
		}
	}
	return commands.Execute(ctx, conn, raw, rest)
}

func getContexts(ctx context.Context, d *Driver, _ *observatory.Conn, _ []interface{}) (interface{}, error) {
	return d.GetContexts(ctx)
}

func getCurrentContext(_ context.Context, d *Driver, _ *observatory.Conn, _ []interface{}) (interface{}, error) {
	return d.GetCurrentContext(), nil
}

func deleteSession(ctx context.Context, d *Driver, _ *observatory.Conn, _ []interface{}) (interface{}, error) {
	return nil, d.DeleteSession(ctx)
}

func setContext(_ context.Context, d *Driver, _ *observatory.Conn, args []interface{}) (interface{}, error) {
	if len(args) == 0 {
		return nil, core.ErrInvalidArgument.WithMessage("setContext requires a context name")
	}
	name, ok := args[0].(string)
	if !ok {
		return nil, core.ErrInvalidArgument.WithMessagef("context name must be a string, got %T", args[0])
	}
	d.SetContext(name)
	return nil, nil
}
