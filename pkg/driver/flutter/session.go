package flutter

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/devicelab-dev/flutter-driver/pkg/core"
	"github.com/devicelab-dev/flutter-driver/pkg/logger"
	"github.com/devicelab-dev/flutter-driver/pkg/observatory"
)

// CreateSession validates caps, starts the native session and connects to the
// app's VM service. It returns the session id and the accepted capabilities.
// On failure everything attached so far is released and the first error is
// returned.
func (d *Driver) CreateSession(ctx context.Context, raw map[string]interface{}) (string, map[string]interface{}, error) {
	caps, err := core.ParseCapabilities(raw)
	if err != nil {
		logger.Error("%v", err)
		return "", nil, err
	}

	d.mu.Lock()
	if d.id != "" {
		existing := d.id
		d.mu.Unlock()
		return "", nil, core.ErrInvalidArgument.WithMessagef("session %s already exists; delete it first", existing)
	}
	d.id = uuid.New().String()
	d.caps = caps
	d.context = ContextFlutter
	id := d.id
	d.mu.Unlock()

	logger.Info("Starting a %s session %s", caps.Platform, id)
	if err := d.startSession(ctx, caps); err != nil {
		logger.Error("Session %s failed to start: %v", id, err)
		if delErr := d.DeleteSession(context.Background()); delErr != nil {
			logger.Warn("Cleanup after failed start: %v", delErr)
		}
		return "", nil, err
	}

	d.timeout.SetDuration(caps.NewCommandTimeout)
	d.timeout.Start()

	accepted := make(map[string]interface{}, len(raw))
	for k, v := range raw {
		accepted[k] = v
	}
	return id, accepted, nil
}

// startSession runs the native session and the transport setup side by side.
// The transport branch waits for the native session because the VM service
// address is read from the device log.
func (d *Driver) startSession(ctx context.Context, caps *core.Capabilities) error {
	backend, err := d.opts.Backends(caps.Platform)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	backendReady := make(chan struct{})

	g.Go(func() error {
		logger.Info("Starting an %s proxy session", caps.Platform)
		if err := backend.CreateSession(gctx, caps.NativeCapabilities()); err != nil {
			return fmt.Errorf("create native session: %w", err)
		}
		d.mu.Lock()
		d.backend = backend
		d.mu.Unlock()
		close(backendReady)
		return nil
	})

	g.Go(func() error {
		select {
		case <-backendReady:
		case <-gctx.Done():
			return gctx.Err()
		}
		conn, err := d.connectTransport(gctx, caps, backend)
		if err != nil {
			return err
		}
		logger.Info("Attached to isolate %s at %s", conn.IsolateID(), conn.URI())
		d.mu.Lock()
		d.conn = conn
		d.mu.Unlock()
		return nil
	})

	return g.Wait()
}

// connectTransport finds the VM service address in the device log, makes
// it reachable from this host and connects.
func (d *Driver) connectTransport(ctx context.Context, caps *core.Capabilities, backend core.NativeBackend) (*observatory.Conn, error) {
	lines, err := backend.LogLines(ctx)
	if err != nil {
		return nil, core.ErrConnection.WithMessage("cannot read device log").WithCause(err)
	}
	uri, err := observatory.ParseObservatoryURI(lines)
	if err != nil {
		return nil, err
	}
	port, err := observatory.Port(uri)
	if err != nil {
		return nil, err
	}

	switch caps.Platform {
	case core.PlatformIOS:
		if !backend.IsRealDevice() {
			logger.Info("Running on iOS simulator")
			break
		}
		logger.Info("Running on iOS real device")
		t, err := d.opts.StartTunnel(ctx, port, backend.UDID())
		if err != nil {
			return nil, err
		}
		d.mu.Lock()
		d.tunnel = t
		d.mu.Unlock()
	case core.PlatformAndroid:
		fw, err := d.opts.Forwarder(backend.UDID())
		if err != nil {
			return nil, fmt.Errorf("adb: %w", err)
		}
		logger.Debug("adb -s %s forward tcp:%d tcp:%d", backend.UDID(), port, port)
		if err := fw.Forward(port, port); err != nil {
			return nil, err
		}
		d.mu.Lock()
		d.forwarder, d.forwardPort = fw, port
		d.mu.Unlock()
	}

	return d.opts.Connect(ctx, uri.String(), observatory.ConnectOptions{
		Backoff:    caps.RetryBackoff,
		MaxRetries: caps.MaxRetryCount,
	})
}

// DeleteSession ends the native session and releases the tunnel, the port
// forward and the VM service connection. Calling it with no session is a
// no-op.
func (d *Driver) DeleteSession(ctx context.Context) error {
	d.timeout.Clear()

	d.mu.Lock()
	id := d.id
	backend, conn := d.backend, d.conn
	tun := d.tunnel
	fw, fport := d.forwarder, d.forwardPort
	d.id, d.caps = "", nil
	d.backend, d.conn, d.tunnel = nil, nil, nil
	d.forwarder, d.forwardPort = nil, 0
	d.context = ContextFlutter
	d.mu.Unlock()

	if id != "" {
		logger.Debug("Deleting Flutter Driver session %s", id)
	}

	var errs []error
	if backend != nil {
		if err := backend.DeleteSession(ctx); err != nil {
			errs = append(errs, fmt.Errorf("delete native session: %w", err))
		}
	}
	if tun != nil {
		if err := tun.Close(); err != nil {
			logger.Debug("Closing tunnel: %v", err)
		}
	}
	if conn != nil {
		if err := conn.Close(); err != nil {
			logger.Debug("Closing VM service connection: %v", err)
		}
	}
	if fw != nil {
		if err := fw.RemoveForward(fport); err != nil {
			logger.Debug("Removing forward of port %d: %v", fport, err)
		}
	}
	return errors.Join(errs...)
}
