// Package cli provides the command-line interface for flutter-driver.
package cli

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/devicelab-dev/flutter-driver/pkg/config"
	"github.com/devicelab-dev/flutter-driver/pkg/driver/appium"
	"github.com/devicelab-dev/flutter-driver/pkg/driver/flutter"
	"github.com/devicelab-dev/flutter-driver/pkg/logger"
)

// Version is set at build time.
var Version = "dev"

// GlobalFlags are available to all commands.
var GlobalFlags = []cli.Flag{
	&cli.StringFlag{
		Name:    "appium-url",
		Usage:   "Appium server hosting the native backend (overrides config.yaml)",
		EnvVars: []string{"APPIUM_URL"},
	},
	&cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "Path to config.yaml (default: <home>/config.yaml)",
		EnvVars: []string{"FLUTTER_DRIVER_CONFIG"},
	},
	&cli.StringFlag{
		Name:    "log-file",
		Usage:   "Write logs to this file instead of stderr",
		EnvVars: []string{"FLUTTER_DRIVER_LOG_FILE"},
	},
	&cli.StringFlag{
		Name:    "log-level",
		Usage:   "Minimum log level (debug, info, warn, error)",
		EnvVars: []string{"FLUTTER_DRIVER_LOG_LEVEL"},
	},
	&cli.BoolFlag{
		Name:    "verbose",
		Usage:   "Enable debug logging",
		EnvVars: []string{"FLUTTER_DRIVER_VERBOSE"},
	},
}

// driverOptions builds the Driver wiring for a run. Replaced in tests.
var driverOptions = func(cfg *config.Config) flutter.Options {
	return flutter.Options{Backends: appium.Factory(cfg.AppiumURL)}
}

// Execute runs the CLI.
func Execute() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:    "flutter-driver",
		Usage:   "Automate Flutter apps through the Dart VM service",
		Version: Version,
		Description: `flutter-driver pairs a native automation session (XCUITest or
UiAutomator2, hosted by an Appium server) with a connection to the app's
Dart VM service, and routes each command to one or the other.

Examples:
  flutter-driver exec --caps caps.yaml flutter:checkHealth
  flutter-driver exec --caps caps.yaml 'flutter:waitFor=["@key:counter", 5000]' 'getText=["@key:counter"]'
  flutter-driver discover --from device.log
  flutter-driver tunnel --udid 00008030-001A2D4C0E91802E --port 43567`,
		Flags:  GlobalFlags,
		Before: setupLogging,
		After: func(*cli.Context) error {
			logger.Close()
			return nil
		},
		Commands: []*cli.Command{
			execCommand,
			contextsCommand,
			tunnelCommand,
			discoverCommand,
		},
	}
}

// loadConfig reads the config file named by --config, or the one in the
// home directory, and applies flag overrides.
func loadConfig(c *cli.Context) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if path := c.String("config"); path != "" {
		cfg, err = config.Load(path)
	} else {
		cfg, err = config.LoadDefault()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if url := c.String("appium-url"); url != "" {
		cfg.AppiumURL = url
	}
	if file := c.String("log-file"); file != "" {
		cfg.LogFile = file
	}
	if level := c.String("log-level"); level != "" {
		cfg.LogLevel = level
	}
	return cfg, nil
}

func setupLogging(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	if cfg.LogFile != "" {
		if err := logger.Init(cfg.LogFile); err != nil {
			return err
		}
	} else {
		logger.InitWriter(c.App.ErrWriter)
	}

	level := logger.ParseLevel(cfg.LogLevel)
	if c.Bool("verbose") {
		level = logger.LevelDebug
	}
	logger.SetLevel(level)
	return nil
}
