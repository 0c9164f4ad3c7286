package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/devicelab-dev/flutter-driver/pkg/device"
	"github.com/devicelab-dev/flutter-driver/pkg/observatory"
)

const defaultLogcatLines = 500

var discoverCommand = &cli.Command{
	Name:  "discover",
	Usage: "Print the Dart VM service URI announced in a device log",
	Description: `Reads a saved log file, or the adb logcat buffer of an Android device,
and prints the websocket URI of the most recent VM service banner.

Examples:
  flutter-driver discover --from device.log
  flutter-driver discover --serial emulator-5554`,
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:      "from",
			Usage:     "Log file to scan",
			TakesFile: true,
		},
		&cli.StringFlag{
			Name:    "serial",
			Aliases: []string{"s"},
			Usage:   "Android device serial to read logcat from (empty picks the only device)",
		},
		&cli.IntFlag{
			Name:  "lines",
			Usage: "Number of logcat lines to scan",
			Value: defaultLogcatLines,
		},
	},
	Action: runDiscover,
}

func runDiscover(c *cli.Context) error {
	var (
		lines []string
		err   error
	)
	if path := c.String("from"); path != "" {
		lines, err = readLogFile(path)
	} else {
		var dev *device.AndroidDevice
		dev, err = device.New(c.String("serial"))
		if err == nil {
			lines, err = dev.Logcat(c.Context, c.Int("lines"))
		}
	}
	if err != nil {
		return err
	}

	uri, err := observatory.ParseObservatoryURI(lines)
	if err != nil {
		return err
	}
	fmt.Fprintln(c.App.Writer, uri.String())
	return nil
}

func readLogFile(path string) ([]string, error) {
	data, err := os.ReadFile(path) //#nosec G304 -- user-provided log file
	if err != nil {
		return nil, fmt.Errorf("failed to read log file: %w", err)
	}
	return strings.Split(strings.ReplaceAll(string(data), "\r\n", "\n"), "\n"), nil
}
