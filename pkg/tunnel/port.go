package tunnel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/devicelab-dev/flutter-driver/pkg/core"
	"github.com/devicelab-dev/flutter-driver/pkg/logger"
)

// Port polling defaults.
const (
	DefaultPollInterval = 300 * time.Millisecond
	DefaultPortTimeout  = 15 * time.Second
)

var errPortInUse = errors.New("port in use")

// portBusy reports whether something on this host accepts connections on
// 127.0.0.1:port.
func portBusy(port int) bool {
	conn, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), time.Second)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// WaitForPortAvailable polls every interval until nothing listens on
// 127.0.0.1:port. It fails with core.ErrPortBusy when the port is still taken
// after timeout.
func WaitForPortAvailable(ctx context.Context, port int, interval, timeout time.Duration) error {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if timeout <= 0 {
		timeout = DefaultPortTimeout
	}
	pollCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	check := func() error {
		if portBusy(port) {
			return errPortInUse
		}
		return nil
	}
	notify := func(error, time.Duration) {
		logger.Debug("Port #%d is busy, polling again", port)
	}

	b := backoff.WithContext(backoff.NewConstantBackOff(interval), pollCtx)
	if err := backoff.RetryNotify(check, b, notify); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("waiting for port #%d: %w", port, ctx.Err())
		}
		return core.ErrPortBusy.WithMessagef(
			"port #%d is busy. Did you quit the previous driver session(s) that bound to the same port?", port)
	}
	return nil
}
