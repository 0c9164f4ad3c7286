package core

import (
	"fmt"
	"strings"
	"time"
)

// Supported platforms
const (
	PlatformIOS     = "ios"
	PlatformAndroid = "android"
)

// AutomationName is the automationName value that selects this driver.
const AutomationName = "Flutter"

// Capability defaults, used when the caller does not set them.
const (
	DefaultRetryBackoff      = 3 * time.Second
	DefaultMaxRetryCount     = 10
	DefaultNewCommandTimeout = 60 * time.Second
)

// Capabilities are the session capabilities this driver consumes.
// Raw keeps every capability so the native backend receives them unchanged.
type Capabilities struct {
	PlatformName      string        // as given by the client, e.g. "iOS"
	Platform          string        // normalized: ios, android
	AutomationName    string
	DeviceName        string
	App               string
	AVD               string
	UDID              string
	RetryBackoff      time.Duration // retryBackoffTime, milliseconds on the wire
	MaxRetryCount     int
	NewCommandTimeout time.Duration // newCommandTimeout, seconds on the wire; 0 disables

	Raw map[string]interface{}
}

// ParseCapabilities validates raw capabilities.
// The platform is checked first so an unsupported platform fails before
// anything else is looked at.
func ParseCapabilities(raw map[string]interface{}) (*Capabilities, error) {
	caps := &Capabilities{
		RetryBackoff:      DefaultRetryBackoff,
		MaxRetryCount:     DefaultMaxRetryCount,
		NewCommandTimeout: DefaultNewCommandTimeout,
		Raw:               raw,
	}

	platformName, ok, err := stringCap(raw, "platformName")
	if err != nil {
		return nil, err
	}
	if !ok || platformName == "" {
		return nil, ErrInvalidCapabilities.WithMessage("platformName capability is required")
	}
	caps.PlatformName = platformName
	caps.Platform = strings.ToLower(platformName)
	if caps.Platform != PlatformIOS && caps.Platform != PlatformAndroid {
		return nil, ErrUnsupportedPlatform.WithMessagef("unsupported platformName: %s", platformName)
	}

	automation, ok, err := stringCap(raw, "automationName")
	if err != nil {
		return nil, err
	}
	if !ok || !strings.EqualFold(automation, AutomationName) {
		return nil, ErrInvalidCapabilities.WithMessagef("automationName must be %q, got %q", AutomationName, automation)
	}
	caps.AutomationName = automation

	for key, dst := range map[string]*string{
		"deviceName": &caps.DeviceName,
		"app":        &caps.App,
		"avd":        &caps.AVD,
		"udid":       &caps.UDID,
	} {
		v, _, err := stringCap(raw, key)
		if err != nil {
			return nil, err
		}
		*dst = v
	}

	if strings.EqualFold(caps.DeviceName, "android") && caps.AVD == "" {
		return nil, ErrInvalidCapabilities.WithMessage("the desired capabilities must include avd")
	}

	if v, ok, err := numberCap(raw, "retryBackoffTime"); err != nil {
		return nil, err
	} else if ok {
		caps.RetryBackoff = time.Duration(v * float64(time.Millisecond))
	}
	if v, ok, err := numberCap(raw, "maxRetryCount"); err != nil {
		return nil, err
	} else if ok {
		if v < 1 {
			return nil, ErrInvalidCapabilities.WithMessagef("maxRetryCount must be at least 1, got %v", v)
		}
		caps.MaxRetryCount = int(v)
	}
	if v, ok, err := numberCap(raw, "newCommandTimeout"); err != nil {
		return nil, err
	} else if ok {
		caps.NewCommandTimeout = time.Duration(v * float64(time.Second))
	}

	return caps, nil
}

// NativeCapabilities returns a copy of the raw capabilities for the native
// backend. The backend's own command timeout is disabled because the session
// runs its own.
func (c *Capabilities) NativeCapabilities() map[string]interface{} {
	out := make(map[string]interface{}, len(c.Raw)+1)
	for k, v := range c.Raw {
		out[k] = v
	}
	delete(out, "appium:newCommandTimeout")
	out["newCommandTimeout"] = 0
	return out
}

// lookup finds key directly or with the W3C "appium:" vendor prefix.
func lookup(raw map[string]interface{}, key string) (interface{}, bool) {
	if v, ok := raw[key]; ok {
		return v, true
	}
	v, ok := raw["appium:"+key]
	return v, ok
}

func stringCap(raw map[string]interface{}, key string) (string, bool, error) {
	v, ok := lookup(raw, key)
	if !ok || v == nil {
		return "", false, nil
	}
	s, isString := v.(string)
	if !isString {
		return "", false, ErrInvalidCapabilities.WithMessagef("%s must be a string, got %T", key, v)
	}
	return s, true, nil
}

func numberCap(raw map[string]interface{}, key string) (float64, bool, error) {
	v, ok := lookup(raw, key)
	if !ok || v == nil {
		return 0, false, nil
	}
	switch n := v.(type) {
	case int:
		return float64(n), true, nil
	case int64:
		return float64(n), true, nil
	case float64:
		return n, true, nil
	case float32:
		return float64(n), true, nil
	default:
		return 0, false, ErrInvalidCapabilities.WithMessage(fmt.Sprintf("%s must be a number, got %T", key, v))
	}
}
