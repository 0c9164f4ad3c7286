package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/devicelab-dev/flutter-driver/pkg/commands"
	"github.com/devicelab-dev/flutter-driver/pkg/config"
	"github.com/devicelab-dev/flutter-driver/pkg/driver/flutter"
	"github.com/devicelab-dev/flutter-driver/pkg/finder"
	"github.com/devicelab-dev/flutter-driver/pkg/logger"
)

var sessionFlags = []cli.Flag{
	&cli.StringFlag{
		Name:     "caps",
		Usage:    "Capabilities file (YAML or JSON)",
		Required: true,
		EnvVars:  []string{"FLUTTER_DRIVER_CAPS"},
	},
	&cli.DurationFlag{
		Name:  "timeout",
		Usage: "Abort the whole run after this long (0 = no limit)",
	},
}

var execCommand = &cli.Command{
	Name:        "exec",
	Usage:       "Create a session, run commands in order, then delete the session",
	ArgsUsage:   "<command>[=<json args>] ...",
	Description: execDescription(),
	Flags:       sessionFlags,
	Action:      runExec,
}

var contextsCommand = &cli.Command{
	Name:   "contexts",
	Usage:  "Create a session and print the available contexts",
	Flags:  sessionFlags,
	Action: runContexts,
}

func execDescription() string {
	return `Each argument is one command. Arguments follow '=' as a JSON array
(or a single JSON value). Names starting with "flutter:" run through the
execute command. String arguments of the form @key:, @text:, @type:,
@tooltip: or @label: are turned into element tokens, and "@pageBack" finds
the back button. A JSON object {"@ancestor": {"of": ..., "matching": ...}}
(or "@descendant", with optional "matchRoot" and "firstMatchOnly") builds a
relative finder from two of those.

Flutter commands: ` + strings.Join(commands.Names(), ", ") + `

Examples:
  flutter-driver exec --caps caps.yaml flutter:checkHealth
  flutter-driver exec --caps caps.yaml 'flutter:scroll=["@type:ListView", {"dx": 0, "dy": -300, "durationMilliseconds": 200}]'
  flutter-driver exec --caps caps.yaml 'getText=[{"@descendant": {"of": "@key:row-3", "matching": "@type:Text"}}]'
  flutter-driver exec --caps caps.yaml 'setContext=["NATIVE_APP"]' getPageSource`
}

// step is one command of an exec run.
type step struct {
	Command string
	Args    []interface{}
}

// parseStep parses "<command>[=<json>]".
func parseStep(s string) (step, error) {
	name, raw, hasArgs := strings.Cut(s, "=")
	name = strings.TrimSpace(name)
	if name == "" {
		return step{}, fmt.Errorf("empty command in %q", s)
	}

	var args []interface{}
	if hasArgs && strings.TrimSpace(raw) != "" {
		var v interface{}
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			return step{}, fmt.Errorf("invalid arguments for %s: %w", name, err)
		}
		if list, ok := v.([]interface{}); ok {
			args = list
		} else {
			args = []interface{}{v}
		}
	}
	for i, a := range args {
		resolved, err := resolveArg(a)
		if err != nil {
			return step{}, fmt.Errorf("argument %d of %s: %w", i, name, err)
		}
		args[i] = resolved
	}

	if strings.HasPrefix(name, "flutter:") {
		return step{Command: "execute", Args: []interface{}{name, args}}, nil
	}
	return step{Command: name, Args: args}, nil
}

// resolveArg turns @finder shorthands into element tokens. Other values pass
// through unchanged.
func resolveArg(v interface{}) (interface{}, error) {
	switch a := v.(type) {
	case string:
		return resolveFinder(a)
	case map[string]interface{}:
		if len(a) != 1 {
			return v, nil
		}
		if spec, ok := a["@ancestor"]; ok {
			return relativeFinder(finder.Ancestor, spec)
		}
		if spec, ok := a["@descendant"]; ok {
			return relativeFinder(finder.Descendant, spec)
		}
	}
	return v, nil
}

func resolveFinder(s string) (interface{}, error) {
	if !strings.HasPrefix(s, "@") {
		return s, nil
	}
	if s == "@pageBack" {
		return finder.PageBack(), nil
	}
	kind, value, found := strings.Cut(s[1:], ":")
	if !found {
		return s, nil
	}
	switch kind {
	case "key":
		if n, err := strconv.Atoi(value); err == nil {
			return finder.ByValueKey(n), nil
		}
		return finder.ByValueKey(value), nil
	case "text":
		return finder.ByText(value), nil
	case "type":
		return finder.ByType(value), nil
	case "tooltip":
		return finder.ByTooltip(value), nil
	case "label":
		return finder.BySemanticsLabel(value), nil
	default:
		return nil, fmt.Errorf("unknown finder %q", "@"+kind)
	}
}

type relativeFunc func(of, matching string, matchRoot, firstMatchOnly bool) (string, error)

// relativeFinder builds an ancestor or descendant token from
// {"of": ..., "matching": ..., "matchRoot": bool, "firstMatchOnly": bool}.
func relativeFinder(build relativeFunc, spec interface{}) (interface{}, error) {
	m, ok := spec.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("relative finder must be an object, got %T", spec)
	}
	tokens := make(map[string]string, 2)
	for _, key := range []string{"of", "matching"} {
		resolved, err := resolveArg(m[key])
		if err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		token, ok := resolved.(string)
		if !ok || token == "" {
			return nil, fmt.Errorf("relative finder needs %q as a finder", key)
		}
		tokens[key] = token
	}
	matchRoot, _ := m["matchRoot"].(bool)
	firstMatchOnly, _ := m["firstMatchOnly"].(bool)
	return build(tokens["of"], tokens["matching"], matchRoot, firstMatchOnly)
}

func runExec(c *cli.Context) error {
	if c.NArg() < 1 {
		return fmt.Errorf("at least one command is required")
	}
	steps := make([]step, 0, c.NArg())
	for _, arg := range c.Args().Slice() {
		s, err := parseStep(arg)
		if err != nil {
			return err
		}
		steps = append(steps, s)
	}

	return withSession(c, func(ctx context.Context, d *flutter.Driver) error {
		enc := json.NewEncoder(c.App.Writer)
		for _, s := range steps {
			start := time.Now()
			value, err := d.ExecuteCommand(ctx, s.Command, s.Args...)
			if err != nil {
				return fmt.Errorf("%s failed: %w", s.Command, err)
			}
			logger.Info("%s finished in %s", s.Command, time.Since(start).Round(time.Millisecond))
			if err := enc.Encode(map[string]interface{}{"command": s.Command, "value": value}); err != nil {
				return err
			}
		}
		return nil
	})
}

func runContexts(c *cli.Context) error {
	return withSession(c, func(ctx context.Context, d *flutter.Driver) error {
		contexts, err := d.GetContexts(ctx)
		if err != nil {
			return err
		}
		for _, name := range contexts {
			fmt.Fprintln(c.App.Writer, name)
		}
		return nil
	})
}

// withSession runs fn inside a session created from the --caps file merged
// over the configured capability defaults. The session is always deleted.
func withSession(c *cli.Context, fn func(ctx context.Context, d *flutter.Driver) error) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	caps, err := config.LoadCapabilities(c.String("caps"))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt)
	defer stop()
	if timeout := c.Duration("timeout"); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	d := flutter.New(driverOptions(cfg))
	id, _, err := d.CreateSession(ctx, cfg.MergeCapabilities(caps))
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	logger.Info("Session %s created", id)
	defer func() {
		// ctx may already be done; cleanup still has to reach the device.
		if err := d.DeleteSession(context.Background()); err != nil {
			logger.Warn("Session cleanup: %v", err)
		}
	}()

	return fn(ctx, d)
}
