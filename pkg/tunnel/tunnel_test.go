package tunnel

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/devicelab-dev/flutter-driver/pkg/core"
)

// freePort returns a port nothing listens on.
func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

// echoDevice stands in for the device side: it echoes every line back.
func echoDevice(t *testing.T) (net.Listener, DialerFunc) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				io.Copy(c, c)
			}()
		}
	}()
	dial := func(ctx context.Context, _ int) (io.ReadWriteCloser, error) {
		var d net.Dialer
		return d.DialContext(ctx, "tcp", ln.Addr().String())
	}
	return ln, dial
}

func fastOptions() Options {
	return Options{PollInterval: 20 * time.Millisecond, PortTimeout: 200 * time.Millisecond}
}

func dialTunnel(t *testing.T, tun *Tunnel) net.Conn {
	t.Helper()
	c, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(tun.Port())), time.Second)
	if err != nil {
		t.Fatalf("dial tunnel: %v", err)
	}
	return c
}

func TestWaitForPortAvailable_Free(t *testing.T) {
	port := freePort(t)
	if err := WaitForPortAvailable(context.Background(), port, 20*time.Millisecond, 200*time.Millisecond); err != nil {
		t.Errorf("WaitForPortAvailable() = %v, want nil", err)
	}
}

func TestWaitForPortAvailable_Busy(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	start := time.Now()
	err = WaitForPortAvailable(context.Background(), port, 20*time.Millisecond, 200*time.Millisecond)
	if !errors.Is(err, core.ErrPortBusy) {
		t.Fatalf("WaitForPortAvailable() = %v, want ErrPortBusy", err)
	}
	if elapsed := time.Since(start); elapsed < 150*time.Millisecond {
		t.Errorf("gave up after %v, want about the full timeout", elapsed)
	}
}

func TestWaitForPortAvailable_FreedWhilePolling(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	time.AfterFunc(100*time.Millisecond, func() { ln.Close() })

	if err := WaitForPortAvailable(context.Background(), port, 20*time.Millisecond, 2*time.Second); err != nil {
		t.Errorf("WaitForPortAvailable() = %v, want nil once the port is released", err)
	}
}

func TestStart_PortBusy(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	_, dial := echoDevice(t)
	if _, err := Start(context.Background(), port, dial, fastOptions()); !errors.Is(err, core.ErrPortBusy) {
		t.Errorf("Start() error = %v, want ErrPortBusy", err)
	}
}

func TestTunnel_RoundTrip(t *testing.T) {
	_, dial := echoDevice(t)
	tun, err := Start(context.Background(), freePort(t), dial, fastOptions())
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer tun.Close()

	// two clients at once, each with its own relay
	for i := 0; i < 2; i++ {
		c := dialTunnel(t, tun)
		defer c.Close()
		msg := "ping " + strconv.Itoa(i) + "\n"
		if _, err := c.Write([]byte(msg)); err != nil {
			t.Fatalf("write: %v", err)
		}
		c.SetReadDeadline(time.Now().Add(2 * time.Second))
		got, err := bufio.NewReader(c).ReadString('\n')
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if got != msg {
			t.Errorf("echo = %q, want %q", got, msg)
		}
	}
}

func TestTunnel_DialFailureDropsOnlyThatConnection(t *testing.T) {
	_, echo := echoDevice(t)
	var calls atomic.Int32
	dial := DialerFunc(func(ctx context.Context, port int) (io.ReadWriteCloser, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("device port not open yet")
		}
		return echo(ctx, port)
	})

	tun, err := Start(context.Background(), freePort(t), dial, fastOptions())
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer tun.Close()

	first := dialTunnel(t, tun)
	defer first.Close()
	first.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := first.Read(make([]byte, 1)); err == nil {
		t.Fatal("first connection should be closed after the device dial failed")
	}

	second := dialTunnel(t, tun)
	defer second.Close()
	second.Write([]byte("still alive\n"))
	second.SetReadDeadline(time.Now().Add(2 * time.Second))
	got, err := bufio.NewReader(second).ReadString('\n')
	if err != nil {
		t.Fatalf("second connection read: %v", err)
	}
	if got != "still alive\n" {
		t.Errorf("echo = %q", got)
	}
}

func TestTunnel_DeviceCloseClosesLocal(t *testing.T) {
	deviceSide := make(chan net.Conn, 1)
	dial := DialerFunc(func(ctx context.Context, _ int) (io.ReadWriteCloser, error) {
		a, b := net.Pipe()
		deviceSide <- b
		return a, nil
	})
	tun, err := Start(context.Background(), freePort(t), dial, fastOptions())
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer tun.Close()

	local := dialTunnel(t, tun)
	defer local.Close()

	dev := <-deviceSide
	dev.Close()

	local.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = local.Read(make([]byte, 1))
	if err == nil {
		t.Fatal("local read succeeded after device closed")
	}
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		t.Fatal("local side was not closed when the device side ended")
	}
}

func TestTunnel_LocalCloseClosesDevice(t *testing.T) {
	deviceSide := make(chan net.Conn, 1)
	dial := DialerFunc(func(ctx context.Context, _ int) (io.ReadWriteCloser, error) {
		a, b := net.Pipe()
		deviceSide <- b
		return a, nil
	})
	tun, err := Start(context.Background(), freePort(t), dial, fastOptions())
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer tun.Close()

	local := dialTunnel(t, tun)
	dev := <-deviceSide
	defer dev.Close()
	local.Close()

	dev.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = dev.Read(make([]byte, 1))
	if err != io.EOF && !errors.Is(err, io.ErrClosedPipe) {
		t.Errorf("device read error = %v, want EOF or closed pipe", err)
	}
}

func TestTunnel_CloseTearsDownRelays(t *testing.T) {
	_, dial := echoDevice(t)
	port := freePort(t)
	tun, err := Start(context.Background(), port, dial, fastOptions())
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	c := dialTunnel(t, tun)
	defer c.Close()
	c.Write([]byte("x\n"))
	c.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := bufio.NewReader(c).ReadString('\n'); err != nil {
		t.Fatalf("relay not established: %v", err)
	}

	if err := tun.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := tun.Close(); err != nil {
		t.Errorf("second Close = %v, want nil", err)
	}

	c.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := c.Read(make([]byte, 1)); err == nil {
		t.Error("client connection still open after Close")
	}
	if portBusy(port) {
		t.Error("port still accepting after Close")
	}
}
