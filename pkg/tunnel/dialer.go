package tunnel

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"

	ios "github.com/danielpaulus/go-ios/ios"
)

// DeviceDialer opens a byte stream to a TCP port on the device.
type DeviceDialer interface {
	DialDevice(ctx context.Context, port int) (io.ReadWriteCloser, error)
}

// DialerFunc adapts a function to DeviceDialer.
type DialerFunc func(ctx context.Context, port int) (io.ReadWriteCloser, error)

// DialDevice calls f.
func (f DialerFunc) DialDevice(ctx context.Context, port int) (io.ReadWriteCloser, error) {
	return f(ctx, port)
}

// USBMuxDialer reaches an iOS device port over usbmuxd.
type USBMuxDialer struct {
	UDID string
}

// DialDevice connects to port on the device through usbmuxd.
func (d USBMuxDialer) DialDevice(ctx context.Context, port int) (io.ReadWriteCloser, error) {
	entry, err := ios.GetDevice(d.UDID)
	if err != nil {
		return nil, fmt.Errorf("find device %s: %w", d.UDID, err)
	}
	mux, err := ios.NewUsbMuxConnectionSimple()
	if err != nil {
		return nil, fmt.Errorf("connect usbmuxd: %w", err)
	}
	if err := mux.Connect(entry.DeviceID, uint16(port)); err != nil {
		mux.ReleaseDeviceConnection().Close()
		return nil, fmt.Errorf("connect to port %d on %s: %w", port, d.UDID, err)
	}
	return &deviceStream{conn: mux.ReleaseDeviceConnection()}, nil
}

// deviceStream exposes a usbmux device connection as an io.ReadWriteCloser.
type deviceStream struct {
	conn ios.DeviceConnectionInterface
}

func (s *deviceStream) Read(p []byte) (int, error)  { return s.conn.Reader().Read(p) }
func (s *deviceStream) Write(p []byte) (int, error) { return s.conn.Writer().Write(p) }
func (s *deviceStream) Close() error                { return s.conn.Close() }

// TCPDialer reaches the device port over the network, e.g. a device on the
// same LAN.
type TCPDialer struct {
	Host string
}

// DialDevice dials Host:port.
func (d TCPDialer) DialDevice(ctx context.Context, port int) (io.ReadWriteCloser, error) {
	var dialer net.Dialer
	return dialer.DialContext(ctx, "tcp", net.JoinHostPort(d.Host, strconv.Itoa(port)))
}
