package cli

import (
	"fmt"
	"os"
	"os/signal"

	"github.com/urfave/cli/v2"

	"github.com/devicelab-dev/flutter-driver/pkg/logger"
	"github.com/devicelab-dev/flutter-driver/pkg/tunnel"
)

var tunnelCommand = &cli.Command{
	Name:  "tunnel",
	Usage: "Relay a local port to the same port on a real iOS device",
	Description: `Listens on 127.0.0.1:<port> and forwards every connection to <port>
on the device over usbmuxd, until interrupted.

Examples:
  flutter-driver tunnel --udid 00008030-001A2D4C0E91802E --port 43567
  flutter-driver tunnel --host 192.168.1.20 --port 43567`,
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "udid",
			Usage:   "Device UDID (usbmuxd)",
			EnvVars: []string{"FLUTTER_DRIVER_UDID"},
		},
		&cli.StringFlag{
			Name:  "host",
			Usage: "Reach the device over TCP at this host instead of usbmuxd",
		},
		&cli.IntFlag{
			Name:     "port",
			Aliases:  []string{"p"},
			Usage:    "VM service port (local and device)",
			Required: true,
		},
		&cli.DurationFlag{
			Name:  "port-timeout",
			Usage: "How long to wait for the local port to become free",
			Value: tunnel.DefaultPortTimeout,
		},
	},
	Action: runTunnel,
}

func tunnelDialer(udid, host string) (tunnel.DeviceDialer, error) {
	switch {
	case host != "":
		return tunnel.TCPDialer{Host: host}, nil
	case udid != "":
		return tunnel.USBMuxDialer{UDID: udid}, nil
	default:
		return nil, fmt.Errorf("--udid or --host is required")
	}
}

func runTunnel(c *cli.Context) error {
	dialer, err := tunnelDialer(c.String("udid"), c.String("host"))
	if err != nil {
		return err
	}
	port := c.Int("port")

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt)
	defer stop()

	t, err := tunnel.Start(ctx, port, dialer, tunnel.Options{PortTimeout: c.Duration("port-timeout")})
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "Relaying %s to device port %d (Ctrl+C to stop)\n", t.Addr(), port)

	<-ctx.Done()
	logger.Info("Stopping tunnel on port %d", port)
	return t.Close()
}
