// Package observatory implements the JSON-RPC transport to the Dart VM
// service (formerly "Observatory") of a Flutter app: connecting with retry,
// the isolate handshake, request/response correlation and the
// ext.flutter.driver command envelope.
package observatory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/coder/websocket"

	"github.com/devicelab-dev/flutter-driver/pkg/core"
	"github.com/devicelab-dev/flutter-driver/pkg/finder"
	"github.com/devicelab-dev/flutter-driver/pkg/logger"
)

// DriverExtension is the extension RPC the app registers when it enables
// flutter_driver. Its presence is what makes an isolate drivable.
const DriverExtension = "ext.flutter.driver"

// MainIsolateName is the isolate the handshake binds to.
const MainIsolateName = "main"

// VM service responses (render trees, diagnostics) easily exceed the
// websocket library's 32 KiB default.
const maxMessageSize = 64 << 20

// State is the lifecycle state of a Conn.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateHandshaking
	StateReady
	StateClosed
	StateFailed
)

// String returns the string representation of State
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Request is a JSON-RPC 2.0 request envelope.
type Request struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      string      `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
}

// Response is a JSON-RPC 2.0 response envelope. Frames without an ID are
// stream notifications.
type Response struct {
	ID     interface{}     `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *RPCError       `json:"error,omitempty"`
}

// RPCError is the error object of a failed JSON-RPC call.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	if len(e.Data) > 0 {
		return fmt.Sprintf("rpc error %d: %s (%s)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Conn is one websocket connection to a VM service, bound to the main isolate.
// Call, ExecuteSocketCommand and ExecuteElementCommand are safe for
// concurrent use.
type Conn struct {
	uri       string
	ws        *websocket.Conn
	isolateID string

	state  atomic.Int32
	nextID atomic.Int64

	mu       sync.Mutex
	pending  map[string]chan *Response
	done     chan struct{}
	closeErr error
	once     sync.Once
}

func newConn(uri string, ws *websocket.Conn) *Conn {
	c := &Conn{
		uri:     uri,
		ws:      ws,
		pending: make(map[string]chan *Response),
		done:    make(chan struct{}),
	}
	c.setState(StateConnecting)
	go c.readLoop()
	return c
}

// URI returns the VM service endpoint.
func (c *Conn) URI() string {
	return c.uri
}

// IsolateID returns the id of the main isolate.
func (c *Conn) IsolateID() string {
	return c.isolateID
}

// State returns the connection state.
func (c *Conn) State() State {
	return State(c.state.Load())
}

// Ready reports whether the connection can serve calls.
func (c *Conn) Ready() bool {
	return c.State() == StateReady
}

func (c *Conn) setState(s State) {
	c.state.Store(int32(s))
}

// Close closes the websocket. Pending calls fail. Safe to call more than once.
func (c *Conn) Close() error {
	var err error
	c.shutdown(StateClosed, errors.New("connection closed"), func() {
		err = c.ws.Close(websocket.StatusNormalClosure, "")
	})
	return err
}

// shutdown moves the Conn to a terminal state exactly once and releases
// every pending call.
func (c *Conn) shutdown(s State, cause error, closeSocket func()) {
	c.once.Do(func() {
		c.mu.Lock()
		c.closeErr = cause
		c.pending = nil
		c.mu.Unlock()
		c.setState(s)
		close(c.done)
		if closeSocket != nil {
			closeSocket()
		}
		logger.Info("Connection to %s closed", c.uri)
	})
}

func (c *Conn) readLoop() {
	for {
		_, data, err := c.ws.Read(context.Background())
		if err != nil {
			state := StateFailed
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				state = StateClosed
			}
			c.shutdown(state, err, func() { c.ws.CloseNow() })
			return
		}

		var resp Response
		if err := json.Unmarshal(data, &resp); err != nil {
			logger.Warn("Ignoring malformed VM service frame: %v", err)
			continue
		}
		if resp.ID == nil {
			continue // stream notification
		}

		key := idKey(resp.ID)
		c.mu.Lock()
		ch, ok := c.pending[key]
		delete(c.pending, key)
		c.mu.Unlock()
		if ok {
			ch <- &resp
		}
	}
}

func idKey(id interface{}) string {
	switch v := id.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatInt(int64(v), 10)
	default:
		return fmt.Sprint(v)
	}
}

// Call sends method with params and waits for the correlated response.
// Every failure, transport or RPC, is returned wrapped with the method name.
func (c *Conn) Call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	if params == nil {
		params = map[string]interface{}{}
	}
	id := strconv.FormatInt(c.nextID.Add(1), 10)
	ch := make(chan *Response, 1)

	c.mu.Lock()
	if c.pending == nil {
		err := c.closeErr
		c.mu.Unlock()
		return nil, c.callError(method, err)
	}
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		if c.pending != nil {
			delete(c.pending, id)
		}
		c.mu.Unlock()
	}()

	data, err := json.Marshal(Request{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	if err := c.ws.Write(ctx, websocket.MessageText, data); err != nil {
		return nil, c.callError(method, err)
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			logger.Error("Call %s failed: %v", method, resp.Error)
			return nil, fmt.Errorf("call %s: %w", method, resp.Error)
		}
		return resp.Result, nil
	case <-c.done:
		c.mu.Lock()
		err := c.closeErr
		c.mu.Unlock()
		return nil, c.callError(method, err)
	case <-ctx.Done():
		return nil, c.callError(method, ctx.Err())
	}
}

func (c *Conn) callError(method string, cause error) error {
	err := core.ErrConnection.WithMessagef("call %s on %s failed", method, c.uri).WithCause(cause)
	logger.Error("%v", err)
	return err
}

// ExecuteSocketCommand invokes the flutter driver extension on the main
// isolate and returns its decoded result.
func (c *Conn) ExecuteSocketCommand(ctx context.Context, params map[string]interface{}) (map[string]interface{}, error) {
	args := make(map[string]interface{}, len(params)+1)
	for k, v := range params {
		args[k] = v
	}
	args["isolateId"] = c.isolateID

	raw, err := c.Call(ctx, DriverExtension, args)
	if err != nil {
		return nil, err
	}
	var result map[string]interface{}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decode %s result: %w", DriverExtension, err)
	}
	return result, nil
}

// ExecuteElementCommand sends a driver extension command addressed to the
// element identified by token (may be empty). Later sources win on key
// collisions: command, then element fields, then extra.
// A response with isError set fails with core.ErrElementCommand carrying the
// whole response in Details["response"].
func (c *Conn) ExecuteElementCommand(ctx context.Context, command, token string, extra map[string]interface{}) (interface{}, error) {
	fields, err := finder.Deserialize(token)
	if err != nil {
		return nil, core.ErrInvalidArgument.WithCause(err)
	}

	envelope := map[string]interface{}{"command": command}
	for k, v := range fields {
		envelope[k] = v
	}
	for k, v := range extra {
		envelope[k] = v
	}

	if b, err := json.Marshal(envelope); err == nil {
		logger.Debug(">>> %s", b)
	}
	data, err := c.ExecuteSocketCommand(ctx, envelope)
	if err != nil {
		return nil, err
	}
	if b, err := json.Marshal(data); err == nil {
		logger.Debug("<<< %s | previous command %s", b, command)
	}

	if isError, _ := data["isError"].(bool); isError {
		pretty, _ := json.MarshalIndent(data, "", "  ")
		return nil, core.ErrElementCommand.
			WithMessagef("cannot execute command %s, server response %s", command, pretty).
			WithDetails(map[string]interface{}{"command": command, "response": data})
	}
	return data["response"], nil
}
