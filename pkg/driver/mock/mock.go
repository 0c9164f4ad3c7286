// Package mock provides a native backend for testing without Appium or a
// device.
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/devicelab-dev/flutter-driver/pkg/core"
)

// Backend is a scriptable implementation of core.NativeBackend.
type Backend struct {
	// Configuration
	Config Config

	// Internal state
	mu          sync.Mutex
	active      bool
	createCalls int
	deleteCalls int
	createdCaps map[string]interface{}
	executed    []Call
}

// Config configures mock backend behavior.
type Config struct {
	// Platform and device to report
	Platform   string
	DeviceID   string
	RealDevice bool

	// Contexts returned by Contexts. Default: NATIVE_APP.
	Contexts []string
	// LogLines returned by LogLines, e.g. a VM service banner.
	LogLines []string
	// Commands the backend implements. Default: DefaultCommands.
	Commands []string
	// Results maps a command to the value ExecuteCommand returns for it.
	Results map[string]interface{}
	// Strategies accepted by ValidateLocatorStrategy. Default: xpath, id.
	Strategies []string

	// CreateDelay adds artificial delay to CreateSession
	CreateDelay time.Duration
	// Errors to inject
	CreateErr error
	DeleteErr error
	LogErr    error
}

// Call records one ExecuteCommand invocation.
type Call struct {
	Command string
	Args    []interface{}
}

// DefaultCommands are implemented when Config.Commands is empty.
var DefaultCommands = []string{"findElement", "click", "getText", "getPageSource"}

// New creates a new mock backend.
func New(cfg Config) *Backend {
	if cfg.Platform == "" {
		cfg.Platform = core.PlatformAndroid
	}
	if cfg.DeviceID == "" {
		cfg.DeviceID = "mock-device"
	}
	if cfg.Contexts == nil {
		cfg.Contexts = []string{"NATIVE_APP"}
	}
	if len(cfg.Commands) == 0 {
		cfg.Commands = DefaultCommands
	}
	if len(cfg.Strategies) == 0 {
		cfg.Strategies = []string{"xpath", "id"}
	}
	return &Backend{Config: cfg}
}

// Factory returns a core.BackendFactory that hands out b for any platform
// and records the platform it was asked for in b.Config.Platform.
func Factory(b *Backend) core.BackendFactory {
	return func(platform string) (core.NativeBackend, error) {
		b.mu.Lock()
		b.Config.Platform = platform
		b.mu.Unlock()
		return b, nil
	}
}

// CreateSession simulates starting a native session.
func (b *Backend) CreateSession(ctx context.Context, caps map[string]interface{}) error {
	b.mu.Lock()
	b.createCalls++
	delay := b.Config.CreateDelay
	b.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if b.Config.CreateErr != nil {
		return b.Config.CreateErr
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.createdCaps = caps
	b.active = true
	return nil
}

// ExecuteCommand records the call and returns the configured result.
func (b *Backend) ExecuteCommand(ctx context.Context, cmd string, args ...interface{}) (interface{}, error) {
	if !b.Implements(cmd) {
		return nil, core.ErrUnsupportedCommand.WithMessagef("mock backend does not implement %q", cmd)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.executed = append(b.executed, Call{Command: cmd, Args: args})
	if r, ok := b.Config.Results[cmd]; ok {
		if err, isErr := r.(error); isErr {
			return nil, err
		}
		return r, nil
	}
	return fmt.Sprintf("native:%s", cmd), nil
}

// DeleteSession simulates ending the native session.
func (b *Backend) DeleteSession(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deleteCalls++
	b.active = false
	return b.Config.DeleteErr
}

// ValidateLocatorStrategy accepts Config.Strategies.
func (b *Backend) ValidateLocatorStrategy(strategy string) error {
	for _, s := range b.Config.Strategies {
		if s == strategy {
			return nil
		}
	}
	return core.ErrInvalidArgument.WithMessagef("locator strategy %q is not supported", strategy)
}

// Implements reports whether cmd is in Config.Commands.
func (b *Backend) Implements(cmd string) bool {
	for _, c := range b.Config.Commands {
		if c == cmd {
			return true
		}
	}
	return false
}

// Contexts returns Config.Contexts.
func (b *Backend) Contexts(ctx context.Context) ([]string, error) {
	return append([]string(nil), b.Config.Contexts...), nil
}

// LogLines returns Config.LogLines.
func (b *Backend) LogLines(ctx context.Context) ([]string, error) {
	if b.Config.LogErr != nil {
		return nil, b.Config.LogErr
	}
	return append([]string(nil), b.Config.LogLines...), nil
}

// IsRealDevice returns Config.RealDevice.
func (b *Backend) IsRealDevice() bool {
	return b.Config.RealDevice
}

// UDID returns Config.DeviceID.
func (b *Backend) UDID() string {
	return b.Config.DeviceID
}

// Active reports whether a session is currently open.
func (b *Backend) Active() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.active
}

// CreateCalls returns how many times CreateSession ran.
func (b *Backend) CreateCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.createCalls
}

// DeleteCalls returns how many times DeleteSession ran.
func (b *Backend) DeleteCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.deleteCalls
}

// CreatedCaps returns the capabilities of the last successful CreateSession.
func (b *Backend) CreatedCaps() map[string]interface{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.createdCaps
}

// Executed returns every recorded ExecuteCommand call.
func (b *Backend) Executed() []Call {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Call(nil), b.executed...)
}

var _ core.NativeBackend = (*Backend)(nil)
