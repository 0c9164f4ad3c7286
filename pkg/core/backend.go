package core

import (
	"context"
)

// NativeBackend is the native-platform automation driver a session proxies to
// when it is not in the FLUTTER context. Implementations: Appium-hosted
// XCUITest (iOS) and UiAutomator2 (Android).
type NativeBackend interface {
	// CreateSession starts the native session with the given capabilities
	CreateSession(ctx context.Context, caps map[string]interface{}) error

	// ExecuteCommand runs a named automation command unchanged
	ExecuteCommand(ctx context.Context, cmd string, args ...interface{}) (interface{}, error)

	// DeleteSession ends the native session. Safe to call when no session exists.
	DeleteSession(ctx context.Context) error

	// ValidateLocatorStrategy rejects strategies the native driver can't handle
	ValidateLocatorStrategy(strategy string) error

	// Implements reports whether ExecuteCommand knows cmd
	Implements(cmd string) bool

	// Contexts returns the native context identifiers (NATIVE_APP, WEBVIEW_*)
	Contexts(ctx context.Context) ([]string, error)

	// LogLines returns the device log (iOS syslog / Android logcat), oldest first
	LogLines(ctx context.Context) ([]string, error)

	// IsRealDevice reports whether the session drives physical hardware
	IsRealDevice() bool

	// UDID returns the device identifier the session is bound to
	UDID() string
}

// BackendFactory builds an unstarted NativeBackend for a platform (ios, android).
type BackendFactory func(platform string) (NativeBackend, error)
