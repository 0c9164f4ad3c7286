// Package tunnel exposes a port of a USB-attached iOS device on the local
// loopback interface, so the VM service of an app running on the device is
// reachable as 127.0.0.1:<port>.
package tunnel

import (
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/devicelab-dev/flutter-driver/pkg/core"
	"github.com/devicelab-dev/flutter-driver/pkg/logger"
)

// Options tunes Start. Zero values mean the package defaults.
type Options struct {
	PollInterval time.Duration
	PortTimeout  time.Duration
}

// Tunnel accepts local connections on 127.0.0.1:Port and relays each one to
// the same port on the device.
type Tunnel struct {
	port   int
	ln     net.Listener
	dialer DeviceDialer

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	relays map[*relay]struct{}
	closed bool
	wg     sync.WaitGroup
}

// Start waits for port to be free locally, then listens on it.
func Start(ctx context.Context, port int, dialer DeviceDialer, opts Options) (*Tunnel, error) {
	if err := WaitForPortAvailable(ctx, port, opts.PollInterval, opts.PortTimeout); err != nil {
		return nil, err
	}

	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return nil, core.ErrPortBusy.WithMessagef("listen on port #%d", port).WithCause(err)
	}

	tctx, cancel := context.WithCancel(context.Background())
	t := &Tunnel{
		port:   port,
		ln:     ln,
		dialer: dialer,
		ctx:    tctx,
		cancel: cancel,
		relays: make(map[*relay]struct{}),
	}
	t.wg.Add(1)
	go t.acceptLoop()
	logger.Info("Forwarding 127.0.0.1:%d to device port %d", port, port)
	return t, nil
}

// Port returns the local (and device) port.
func (t *Tunnel) Port() int {
	return t.port
}

// Addr returns the local listen address.
func (t *Tunnel) Addr() net.Addr {
	return t.ln.Addr()
}

// Close stops accepting and tears down every live relay. Safe to call more
// than once.
func (t *Tunnel) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	live := make([]*relay, 0, len(t.relays))
	for r := range t.relays {
		live = append(live, r)
	}
	t.mu.Unlock()

	t.cancel()
	err := t.ln.Close()
	for _, r := range live {
		r.close()
	}
	t.wg.Wait()
	logger.Info("Stopped forwarding port %d", t.port)
	return err
}

func (t *Tunnel) acceptLoop() {
	defer t.wg.Done()
	for {
		local, err := t.ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				logger.Error("Tunnel on port %d stopped accepting: %v", t.port, err)
			}
			return
		}
		t.wg.Add(1)
		go t.handle(local)
	}
}

// handle dials the device for one local connection. A failed dial drops only
// that connection.
func (t *Tunnel) handle(local net.Conn) {
	defer t.wg.Done()

	remote, err := t.dialer.DialDevice(t.ctx, t.port)
	if err != nil {
		connErr := core.ErrTunnelConnect.WithMessagef("cannot reach device port %d", t.port).WithCause(err)
		logger.Warn("%v", connErr)
		local.Close()
		return
	}

	r := &relay{local: local, remote: remote}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		r.close()
		return
	}
	t.relays[r] = struct{}{}
	t.mu.Unlock()

	r.run()

	t.mu.Lock()
	delete(t.relays, r)
	t.mu.Unlock()
}

// relay copies bytes both ways between a local connection and the device.
type relay struct {
	local  net.Conn
	remote io.ReadWriteCloser
	once   sync.Once
}

// run returns once both directions have stopped. Whichever direction ends
// first, on EOF or error, closes both ends so the other unblocks.
func (r *relay) run() {
	done := make(chan struct{}, 2)
	go func() {
		io.Copy(r.remote, r.local)
		r.close()
		done <- struct{}{}
	}()
	go func() {
		io.Copy(r.local, r.remote)
		r.close()
		done <- struct{}{}
	}()
	<-done
	<-done
}

func (r *relay) close() {
	r.once.Do(func() {
		r.local.Close()
		r.remote.Close()
	})
}
