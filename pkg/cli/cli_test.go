package cli

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/go-cmp/cmp"
	"github.com/urfave/cli/v2"

	"github.com/devicelab-dev/flutter-driver/pkg/config"
	"github.com/devicelab-dev/flutter-driver/pkg/driver/flutter"
	"github.com/devicelab-dev/flutter-driver/pkg/driver/mock"
	"github.com/devicelab-dev/flutter-driver/pkg/finder"
	"github.com/devicelab-dev/flutter-driver/pkg/observatory"
)

// runApp runs the CLI with args and returns what it wrote to stdout.
func runApp(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("FLUTTER_DRIVER_HOME", t.TempDir())
	config.ResetHome()
	t.Cleanup(config.ResetHome)

	var out bytes.Buffer
	app := newApp()
	app.Writer = &out
	app.ErrWriter = io.Discard
	err := app.Run(append([]string{"flutter-driver"}, args...))
	return out.String(), err
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestParseStep(t *testing.T) {
	tests := []struct {
		in   string
		want step
	}{
		{"getPageSource", step{Command: "getPageSource"}},
		{"setContext=\"NATIVE_APP\"", step{Command: "setContext", Args: []interface{}{"NATIVE_APP"}}},
		{"setContext=[\"FLUTTER\"]", step{Command: "setContext", Args: []interface{}{"FLUTTER"}}},
		{"flutter:checkHealth", step{Command: "execute", Args: []interface{}{"flutter:checkHealth", []interface{}(nil)}}},
		{
			"flutter:waitFor=[\"@key:counter\", 5000]",
			step{Command: "execute", Args: []interface{}{"flutter:waitFor", []interface{}{finder.ByValueKey("counter"), float64(5000)}}},
		},
		{
			"getText=[\"@text:Counter: 1\"]",
			step{Command: "getText", Args: []interface{}{finder.ByText("Counter: 1")}},
		},
		{"getText=", step{Command: "getText"}},
	}

	for _, tt := range tests {
		got, err := parseStep(tt.in)
		if err != nil {
			t.Errorf("parseStep(%q) error: %v", tt.in, err)
			continue
		}
		if diff := cmp.Diff(tt.want, got); diff != "" {
			t.Errorf("parseStep(%q) mismatch (-want +got):\n%s", tt.in, diff)
		}
	}
}

func TestParseStep_Errors(t *testing.T) {
	for _, in := range []string{"", "=[1]", "click=[", "click=[\"@bogus:x\"]"} {
		if _, err := parseStep(in); err == nil {
			t.Errorf("parseStep(%q) expected error", in)
		}
	}
}

func TestResolveArg(t *testing.T) {
	tests := []struct {
		in   interface{}
		want interface{}
	}{
		{"@key:7", finder.ByValueKey(7)},
		{"@key:counter", finder.ByValueKey("counter")},
		{"@type:ListView", finder.ByType("ListView")},
		{"@tooltip:Increment", finder.ByTooltip("Increment")},
		{"@label:Submit", finder.BySemanticsLabel("Submit")},
		{"plain text", "plain text"},
		{"@no-colon", "@no-colon"},
		{float64(3), float64(3)},
	}
	for _, tt := range tests {
		got, err := resolveArg(tt.in)
		if err != nil {
			t.Errorf("resolveArg(%v) error: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("resolveArg(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestResolveArg_RelativeFinders(t *testing.T) {
	of, matching := finder.ByValueKey("row-3"), finder.ByType("Text")
	wantDescendant, _ := finder.Descendant(of, matching, false, true)
	wantAncestor, _ := finder.Ancestor(of, matching, true, false)

	tests := []struct {
		in   interface{}
		want interface{}
	}{
		{"@pageBack", finder.PageBack()},
		{
			map[string]interface{}{"@descendant": map[string]interface{}{
				"of": "@key:row-3", "matching": "@type:Text", "firstMatchOnly": true,
			}},
			wantDescendant,
		},
		{
			map[string]interface{}{"@ancestor": map[string]interface{}{
				"of": of, "matching": "@type:Text", "matchRoot": true,
			}},
			wantAncestor,
		},
	}
	for _, tt := range tests {
		got, err := resolveArg(tt.in)
		if err != nil {
			t.Errorf("resolveArg(%v) error: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("resolveArg(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}

	opts := map[string]interface{}{"dx": float64(0), "dy": float64(-300)}
	got, err := resolveArg(opts)
	if err != nil {
		t.Fatalf("resolveArg(options) error: %v", err)
	}
	if diff := cmp.Diff(opts, got); diff != "" {
		t.Errorf("plain objects must pass through (-want +got):\n%s", diff)
	}

	for _, bad := range []interface{}{
		map[string]interface{}{"@ancestor": "not an object"},
		map[string]interface{}{"@descendant": map[string]interface{}{"of": "@key:row-3"}},
		map[string]interface{}{"@descendant": map[string]interface{}{"of": "@bogus:x", "matching": "@type:Text"}},
	} {
		if _, err := resolveArg(bad); err == nil {
			t.Errorf("resolveArg(%v) expected error", bad)
		}
	}
}

func TestExecDescription_ListsFlutterCommands(t *testing.T) {
	desc := execDescription()
	for _, name := range []string{"checkHealth", "scrollUntilVisible", "waitForFirstFrame"} {
		if !strings.Contains(desc, name) {
			t.Errorf("exec help does not list %s", name)
		}
	}
}

func TestApp_HelpAndVersion(t *testing.T) {
	for _, args := range [][]string{{"--help"}, {"--version"}, {"exec", "--help"}, {"tunnel", "--help"}} {
		if _, err := runApp(t, args...); err != nil {
			t.Errorf("%v failed: %v", args, err)
		}
	}
	out, err := runApp(t, "-v")
	if err != nil {
		t.Fatalf("-v failed: %v", err)
	}
	if !strings.Contains(out, Version) {
		t.Errorf("-v printed %q, want the version", out)
	}
}

func TestTunnelDialer(t *testing.T) {
	if _, err := tunnelDialer("", ""); err == nil {
		t.Error("expected error without --udid or --host")
	}
	if d, _ := tunnelDialer("00008030-001A2D4C0E91802E", "10.0.0.5"); d == nil {
		t.Error("expected a dialer")
	}
}

func TestDiscover_FromFile(t *testing.T) {
	log := writeFile(t, "device.log", strings.Join([]string{
		"I/flutter: Observatory listening on http://127.0.0.1:40001/old=/",
		"I/flutter: The Dart VM service is listening on http://127.0.0.1:43567/Xk3z0Tqn=/",
		"I/flutter: app started",
	}, "\r\n"))

	out, err := runApp(t, "discover", "--from", log)
	if err != nil {
		t.Fatalf("discover failed: %v", err)
	}
	if got, want := strings.TrimSpace(out), "ws://127.0.0.1:43567/Xk3z0Tqn=/ws"; got != want {
		t.Errorf("discover printed %q, want %q", got, want)
	}
}

func TestDiscover_NoBanner(t *testing.T) {
	log := writeFile(t, "device.log", "nothing to see\n")
	if _, err := runApp(t, "discover", "--from", log); err == nil {
		t.Error("expected error when no VM service banner is present")
	}
}

func TestDiscover_MissingFile(t *testing.T) {
	if _, err := runApp(t, "discover", "--from", filepath.Join(t.TempDir(), "missing.log")); err == nil {
		t.Error("expected error for missing log file")
	}
}

func TestLoadConfig_FlagOverrides(t *testing.T) {
	cfgPath := writeFile(t, "config.yaml", "appiumURL: http://grid:4723\nlogLevel: warn\n")
	logPath := filepath.Join(t.TempDir(), "driver.log")

	var got *config.Config
	app := newApp()
	app.Writer = io.Discard
	app.ErrWriter = io.Discard
	app.Commands = append(app.Commands, &cli.Command{
		Name: "probe",
		Action: func(c *cli.Context) error {
			var err error
			got, err = loadConfig(c)
			return err
		},
	})

	args := []string{"flutter-driver", "--config", cfgPath, "--appium-url", "http://local:4723", "--log-file", logPath, "probe"}
	if err := app.Run(args); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if got.AppiumURL != "http://local:4723" {
		t.Errorf("AppiumURL = %q, want flag value", got.AppiumURL)
	}
	if got.LogLevel != "warn" {
		t.Errorf("LogLevel = %q, want value from config file", got.LogLevel)
	}
	if _, err := os.Stat(logPath); err != nil {
		t.Errorf("--log-file not honoured: %v", err)
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	if _, err := runApp(t, "--config", filepath.Join(t.TempDir(), "nope.yaml"), "discover"); err == nil {
		t.Error("expected error for missing config file")
	}
}

// fakeVMService answers the handshake and the health check.
func fakeVMService(t *testing.T) string {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer ws.CloseNow()
		for {
			var req observatory.Request
			if err := wsjson.Read(r.Context(), ws, &req); err != nil {
				return
			}
			resp := map[string]interface{}{"jsonrpc": "2.0", "id": req.ID}
			switch req.Method {
			case "getVM":
				resp["result"] = map[string]interface{}{"isolates": []interface{}{
					map[string]interface{}{"id": "isolates/1", "name": "main"},
				}}
			case "getIsolate":
				resp["result"] = map[string]interface{}{"extensionRPCs": []string{observatory.DriverExtension}}
			case observatory.DriverExtension:
				resp["result"] = map[string]interface{}{"isError": false, "response": map[string]interface{}{"status": "ok"}}
			default:
				resp["error"] = map[string]interface{}{"code": -32601, "message": "Method not found"}
			}
			if err := wsjson.Write(r.Context(), ws, resp); err != nil {
				return
			}
		}
	}))
	t.Cleanup(server.Close)
	return fmt.Sprintf("flutter: Observatory listening on %s/Xk3z0Tqn=/", server.URL)
}

func useMockBackend(t *testing.T, cfg mock.Config) *mock.Backend {
	t.Helper()
	backend := mock.New(cfg)
	orig := driverOptions
	driverOptions = func(*config.Config) flutter.Options {
		return flutter.Options{Backends: mock.Factory(backend)}
	}
	t.Cleanup(func() { driverOptions = orig })
	return backend
}

const simulatorCaps = `platformName: iOS
automationName: Flutter
deviceName: iPhone 15
retryBackoffTime: 10
maxRetryCount: 2
`

func TestExec_RunsStepsInOneSession(t *testing.T) {
	backend := useMockBackend(t, mock.Config{
		LogLines: []string{fakeVMService(t)},
		Results:  map[string]interface{}{"getPageSource": "<hierarchy/>"},
	})
	caps := writeFile(t, "caps.yaml", simulatorCaps)

	out, err := runApp(t, "exec", "--caps", caps,
		"flutter:checkHealth",
		"setContext=[\"NATIVE_APP\"]",
		"getPageSource",
	)
	if err != nil {
		t.Fatalf("exec failed: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(out), "\n")
	want := []string{
		`{"command":"execute","value":"ok"}`,
		`{"command":"setContext","value":null}`,
		`{"command":"getPageSource","value":"<hierarchy/>"}`,
	}
	if diff := cmp.Diff(want, lines); diff != "" {
		t.Errorf("exec output mismatch (-want +got):\n%s", diff)
	}
	if backend.CreateCalls() != 1 || backend.DeleteCalls() != 1 {
		t.Errorf("create/delete calls = %d/%d, want 1/1", backend.CreateCalls(), backend.DeleteCalls())
	}
}

func TestExec_StepFailureStillDeletesSession(t *testing.T) {
	backend := useMockBackend(t, mock.Config{LogLines: []string{fakeVMService(t)}})
	caps := writeFile(t, "caps.yaml", simulatorCaps)

	_, err := runApp(t, "exec", "--caps", caps, "flutter:doesNotExist")
	if err == nil {
		t.Fatal("expected error for unsupported flutter command")
	}
	if backend.Active() {
		t.Error("native session left active after failure")
	}
}

func TestExec_RequiresCommands(t *testing.T) {
	caps := writeFile(t, "caps.yaml", simulatorCaps)
	if _, err := runApp(t, "exec", "--caps", caps); err == nil {
		t.Error("expected error without commands")
	}
}

func TestContexts(t *testing.T) {
	useMockBackend(t, mock.Config{
		LogLines: []string{fakeVMService(t)},
		Contexts: []string{"NATIVE_APP", "WEBVIEW_1"},
	})
	caps := writeFile(t, "caps.yaml", simulatorCaps)

	out, err := runApp(t, "contexts", "--caps", caps)
	if err != nil {
		t.Fatalf("contexts failed: %v", err)
	}
	if diff := cmp.Diff("NATIVE_APP\nWEBVIEW_1\nFLUTTER\n", out); diff != "" {
		t.Errorf("contexts output mismatch (-want +got):\n%s", diff)
	}
}
