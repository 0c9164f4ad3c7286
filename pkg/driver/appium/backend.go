package appium

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/devicelab-dev/flutter-driver/pkg/core"
	"github.com/devicelab-dev/flutter-driver/pkg/logger"
)

// Native automation engines behind each platform.
const (
	AutomationXCUITest     = "XCUITest"
	AutomationUiAutomator2 = "UiAutomator2"
)

var commonStrategies = []string{"id", "xpath", "name", "class name", "accessibility id"}

var platformStrategies = map[string][]string{
	core.PlatformIOS:     {"-ios predicate string", "-ios class chain"},
	core.PlatformAndroid: {"-android uiautomator", "-android datamatcher", "-android viewtag"},
}

// Backend is the native automation backend for one platform.
type Backend struct {
	client     *Client
	platform   string
	udid       string
	realDevice bool
}

// NewBackend creates a backend for platform ("ios" or "android") talking to
// the Appium server at serverURL.
func NewBackend(serverURL, platform string) (*Backend, error) {
	platform = strings.ToLower(platform)
	if _, ok := platformStrategies[platform]; !ok {
		return nil, core.ErrUnsupportedPlatform.WithMessagef("unsupported platform %q", platform)
	}
	return &Backend{client: NewClient(serverURL), platform: platform}, nil
}

// Factory returns a core.BackendFactory bound to serverURL.
func Factory(serverURL string) core.BackendFactory {
	return func(platform string) (core.NativeBackend, error) {
		return NewBackend(serverURL, platform)
	}
}

// Platform returns ios or android.
func (b *Backend) Platform() string {
	return b.platform
}

// AutomationName returns the native engine used for the platform.
func (b *Backend) AutomationName() string {
	if b.platform == core.PlatformIOS {
		return AutomationXCUITest
	}
	return AutomationUiAutomator2
}

// Client returns the underlying Appium client.
func (b *Backend) Client() *Client {
	return b.client
}

// CreateSession starts a native session. The automation name is replaced by
// the platform's native engine.
func (b *Backend) CreateSession(ctx context.Context, caps map[string]interface{}) error {
	native := make(map[string]interface{}, len(caps)+1)
	for k, v := range caps {
		native[k] = v
	}
	delete(native, "appium:automationName")
	native["automationName"] = b.AutomationName()

	logger.Info("Creating %s session on %s", b.AutomationName(), b.client.serverURL)
	if err := b.client.CreateSession(ctx, native); err != nil {
		return err
	}

	// UiAutomator2 reports the serial it picked as deviceUDID.
	b.udid = firstString(b.client.Capabilities(), udidKeys...)
	if b.udid == "" {
		b.udid = firstString(caps, udidKeys...)
	}
	b.realDevice = detectRealDevice(b.platform, b.udid, b.client.Capabilities())
	logger.Info("Native session %s started (udid=%q, realDevice=%v)", b.client.SessionID(), b.udid, b.realDevice)
	return nil
}

// detectRealDevice prefers an explicit realDevice capability. Otherwise iOS
// simulators are recognised by their canonical UUID udid and Android
// emulators by their emulator- serial.
func detectRealDevice(platform, udid string, caps map[string]interface{}) bool {
	for _, key := range []string{"realDevice", "appium:realDevice"} {
		if v, ok := caps[key].(bool); ok {
			return v
		}
	}
	if udid == "" {
		return false
	}
	if platform == core.PlatformIOS {
		_, err := uuid.Parse(udid)
		return err != nil || len(udid) != 36
	}
	return !strings.HasPrefix(udid, "emulator-")
}

var udidKeys = []string{"udid", "appium:udid", "deviceUDID", "appium:deviceUDID"}

func firstString(m map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// DeleteSession ends the native session.
func (b *Backend) DeleteSession(ctx context.Context) error {
	return b.client.DeleteSession(ctx)
}

// ExecuteCommand runs a native command by name.
func (b *Backend) ExecuteCommand(ctx context.Context, cmd string, args ...interface{}) (interface{}, error) {
	h, ok := commands[cmd]
	if !ok {
		return nil, core.ErrUnsupportedCommand.WithMessagef("native backend does not implement %q", cmd)
	}
	if b.client.SessionID() == "" {
		return nil, core.ErrNoSuchDriver.WithMessage("native session is not started")
	}
	return h(ctx, b.client, args)
}

// Implements reports whether cmd is a native command.
func (b *Backend) Implements(cmd string) bool {
	_, ok := commands[cmd]
	return ok
}

// ValidateLocatorStrategy accepts the strategies the platform engine knows.
func (b *Backend) ValidateLocatorStrategy(strategy string) error {
	for _, s := range commonStrategies {
		if s == strategy {
			return nil
		}
	}
	for _, s := range platformStrategies[b.platform] {
		if s == strategy {
			return nil
		}
	}
	return core.ErrInvalidArgument.WithMessagef("locator strategy %q is not supported for %s", strategy, b.platform)
}

// Contexts lists the native session's contexts.
func (b *Backend) Contexts(ctx context.Context) ([]string, error) {
	return b.client.Contexts(ctx)
}

// LogLines returns the device log (syslog on iOS, logcat on Android).
func (b *Backend) LogLines(ctx context.Context) ([]string, error) {
	logType := "logcat"
	if b.platform == core.PlatformIOS {
		logType = "syslog"
	}
	lines, err := b.client.Logs(ctx, logType)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", logType, err)
	}
	return lines, nil
}

// IsRealDevice reports whether the session runs on physical hardware.
func (b *Backend) IsRealDevice() bool {
	return b.realDevice
}

// UDID returns the device identifier of the session.
func (b *Backend) UDID() string {
	return b.udid
}

var _ core.NativeBackend = (*Backend)(nil)
