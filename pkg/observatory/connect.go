package observatory

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/coder/websocket"

	"github.com/devicelab-dev/flutter-driver/pkg/core"
	"github.com/devicelab-dev/flutter-driver/pkg/logger"
)

// DefaultAttemptTimeout bounds one dial plus handshake.
const DefaultAttemptTimeout = 30 * time.Second

// Dialer opens the websocket to a VM service.
type Dialer func(ctx context.Context, uri string) (*websocket.Conn, error)

// ConnectOptions configures Connect.
type ConnectOptions struct {
	Backoff        time.Duration // sleep before every attempt after the first
	MaxRetries     int           // total attempts; values < 1 mean core.DefaultMaxRetryCount
	AttemptTimeout time.Duration // per-attempt bound; 0 means DefaultAttemptTimeout
	Dialer         Dialer        // nil means DialWebsocket
}

func (o ConnectOptions) withDefaults() ConnectOptions {
	if o.MaxRetries < 1 {
		o.MaxRetries = core.DefaultMaxRetryCount
	}
	if o.AttemptTimeout <= 0 {
		o.AttemptTimeout = DefaultAttemptTimeout
	}
	if o.Dialer == nil {
		o.Dialer = DialWebsocket
	}
	return o
}

// DialWebsocket is the default Dialer.
func DialWebsocket(ctx context.Context, uri string) (*websocket.Conn, error) {
	ws, _, err := websocket.Dial(ctx, uri, nil)
	if err != nil {
		return nil, fmt.Errorf("dial websocket: %w", err)
	}
	ws.SetReadLimit(maxMessageSize)
	return ws, nil
}

// Connect dials the VM service at uri and binds to the main isolate.
// It makes exactly opts.MaxRetries attempts, sleeping opts.Backoff between
// them, and returns the first Ready connection. When every attempt fails the
// error is core.ErrConnection ("failed to connect N times").
func Connect(ctx context.Context, uri string, opts ConnectOptions) (*Conn, error) {
	opts = opts.withDefaults()

	var b backoff.BackOff = &backoff.StopBackOff{}
	if opts.MaxRetries > 1 {
		// WithMaxRetries counts retries, not attempts; 0 would mean unlimited
		b = backoff.WithMaxRetries(backoff.NewConstantBackOff(opts.Backoff), uint64(opts.MaxRetries-1))
	}
	b = backoff.WithContext(b, ctx)

	var (
		conn    *Conn
		lastErr error
		attempt int
	)
	operation := func() error {
		attempt++
		logger.Info("Attempt #%d", attempt)
		c, err := connectOnce(ctx, uri, opts)
		if err != nil {
			lastErr = err
			return err
		}
		conn = c
		return nil
	}
	notify := func(err error, next time.Duration) {
		logger.Info("Waiting %.1f seconds before trying...", next.Seconds())
	}

	if err := backoff.RetryNotify(operation, b, notify); err != nil {
		if ctx.Err() != nil {
			return nil, core.ErrConnection.WithMessagef("connecting to %s cancelled after %d attempts", uri, attempt).WithCause(ctx.Err())
		}
		return nil, core.ErrConnection.
			WithMessagef("failed to connect %d times. Aborting", attempt).
			WithCause(lastErr).
			WithDetails(map[string]interface{}{"uri": uri, "attempts": attempt})
	}
	return conn, nil
}

// connectOnce is a single attempt: dial, then handshake. Any failure leaves
// no open socket behind.
func connectOnce(ctx context.Context, uri string, opts ConnectOptions) (*Conn, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, opts.AttemptTimeout)
	defer cancel()

	logger.Info("Connecting to Dart Observatory: %s", uri)
	ws, err := dialOnce(attemptCtx, uri, opts.Dialer)
	if err != nil {
		logger.Error("%v", err)
		logger.Error("Check Dart Observatory URI %s", uri)
		return nil, core.ErrConnection.WithMessagef("could not open %s", uri).WithCause(err)
	}

	c := newConn(uri, ws)
	logger.Info("Connected to %s", uri)
	if err := c.handshake(attemptCtx); err != nil {
		c.shutdown(StateFailed, err, func() { ws.CloseNow() })
		return nil, err
	}
	c.setState(StateReady)
	return c, nil
}

type dialResult struct {
	ws  *websocket.Conn
	err error
}

// dialOnce races the dial (open or error) against the attempt deadline
// (timeout). Exactly one outcome is taken; a socket that opens after the
// deadline won is closed.
func dialOnce(ctx context.Context, uri string, dial Dialer) (*websocket.Conn, error) {
	results := make(chan dialResult, 1)
	go func() {
		ws, err := dial(ctx, uri)
		results <- dialResult{ws: ws, err: err}
	}()

	select {
	case r := <-results:
		if r.err != nil {
			return nil, r.err
		}
		return r.ws, nil
	case <-ctx.Done():
		go func() {
			if r := <-results; r.ws != nil {
				r.ws.CloseNow()
			}
		}()
		return nil, fmt.Errorf("connection to %s timed out: %w", uri, ctx.Err())
	}
}

type isolateRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type vmInfo struct {
	Isolates []isolateRef `json:"isolates"`
}

// handshake binds the connection to the main isolate and checks that the
// app registered the driver extension.
func (c *Conn) handshake(ctx context.Context) error {
	c.setState(StateHandshaking)

	raw, err := c.Call(ctx, "getVM", nil)
	if err != nil {
		return core.ErrHandshake.WithMessage("getVM failed").WithCause(err)
	}
	var vm vmInfo
	if err := json.Unmarshal(raw, &vm); err != nil {
		return core.ErrHandshake.WithMessage("cannot decode getVM response").WithCause(err)
	}
	logger.Info("Listing all isolates: %s", raw)

	var main *isolateRef
	for i := range vm.Isolates {
		if vm.Isolates[i].Name == MainIsolateName {
			main = &vm.Isolates[i]
			break
		}
	}
	if main == nil {
		logger.Error("Cannot get Dart main isolate info")
		return core.ErrHandshake.WithMessage("cannot get Dart main isolate info")
	}
	c.isolateID = main.ID

	raw, err = c.Call(ctx, "getIsolate", map[string]interface{}{"isolateId": c.isolateID})
	if err != nil {
		return core.ErrHandshake.WithMessage("getIsolate failed").WithCause(err)
	}
	var isolate struct {
		Type          string          `json:"type"`
		ExtensionRPCs json.RawMessage `json:"extensionRPCs"`
	}
	if len(raw) == 0 || string(raw) == "null" {
		logger.Error("Cannot get main Dart Isolate")
		return core.ErrHandshake.WithMessage("cannot get main Dart isolate")
	}
	if err := json.Unmarshal(raw, &isolate); err != nil {
		return core.ErrHandshake.WithMessage("cannot decode getIsolate response").WithCause(err)
	}

	var extensions []string
	if len(isolate.ExtensionRPCs) == 0 || string(isolate.ExtensionRPCs) == "null" ||
		json.Unmarshal(isolate.ExtensionRPCs, &extensions) != nil {
		logger.Error("Cannot get Dart extensionRPCs from isolate %s", raw)
		return core.ErrHandshake.WithMessagef("cannot get Dart extensionRPCs from isolate %s", c.isolateID)
	}
	for _, ext := range extensions {
		if ext == DriverExtension {
			return nil
		}
	}
	msg := fmt.Sprintf("%q is not found in \"extensionRPCs\" %v", DriverExtension, extensions)
	logger.Error("%s", msg)
	return core.ErrHandshake.WithMessage(msg)
}
