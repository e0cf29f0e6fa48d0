package pluginhost

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cjmills/pluginhost/internal/pluginmanifest"
	"github.com/cjmills/pluginhost/pkg/pluginsdk"
)

// TestMain re-execs this test binary as a plugin child when invoked
// with GO_WANT_HELPER_PROCESS=1, the same self-exec idiom the standard
// library's own exec tests use to avoid shipping a separate helper
// binary.
func TestMain(m *testing.M) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") == "1" {
		runHelperPlugin()
		os.Exit(0)
	}
	os.Exit(m.Run())
}

type helperHandler struct {
	slow bool
}

func (h *helperHandler) Initialize(config map[string]any) error { return nil }
func (h *helperHandler) Execute(kwargs map[string]any) (any, error) {
	if h.slow {
		time.Sleep(2 * time.Second)
	}
	if action, _ := kwargs["action"].(string); action == "fail" {
		return nil, errTest
	}
	return map[string]any{"echo": kwargs}, nil
}
func (h *helperHandler) GetSchema() (any, error)                  { return map[string]any{}, nil }
func (h *helperHandler) GetCurrentConfig() (map[string]any, error) { return map[string]any{}, nil }
func (h *helperHandler) IsAvailable() (bool, error)                { return true, nil }
func (h *helperHandler) Shutdown() error                           { return nil }

var errTest = fmt.Errorf("intentional handler failure")

func runHelperPlugin() {
	h := &helperHandler{slow: os.Getenv("HELPER_SLOW") == "1"}
	_ = pluginsdk.Serve(pluginsdk.Identity{Name: "helper", Version: "1.0.0"}, h)
}

func helperEntryPoint() pluginmanifest.EntryPoint {
	return pluginmanifest.EntryPoint{
		Command: os.Args[0],
		Args:    []string{"-test.run=TestMain"},
	}
}

func newHelperCmd() *exec.Cmd {
	cmd := exec.Command(os.Args[0], "-test.run=TestMain")
	cmd.Env = append(os.Environ(), "GO_WANT_HELPER_PROCESS=1")
	return cmd
}

func TestProxySpawnAndExecute(t *testing.T) {
	meta := pluginmanifest.Meta{Name: "helper", Version: "1.0.0", EntryPoint: helperEntryPoint()}
	p := New(meta, WithSpawnTimeout(5*time.Second), WithCallTimeout(5*time.Second))
	p.cmdFactory = func() *exec.Cmd { return newHelperCmd() }

	ctx := context.Background()
	require.NoError(t, p.Spawn(ctx, map[string]any{}))
	defer p.Shutdown(ctx)

	raw, err := p.Execute(ctx, map[string]any{"n": float64(1)}, time.Second)
	require.NoError(t, err)

	var result map[string]any
	require.NoError(t, json.Unmarshal(raw, &result))
	require.Contains(t, result, "echo")
}

func TestProxyCallTimeoutDoesNotKillChild(t *testing.T) {
	meta := pluginmanifest.Meta{Name: "helper", Version: "1.0.0", EntryPoint: helperEntryPoint()}
	p := New(meta, WithSpawnTimeout(5*time.Second))
	p.cmdFactory = func() *exec.Cmd {
		cmd := newHelperCmd()
		cmd.Env = append(cmd.Env, "HELPER_SLOW=1")
		return cmd
	}

	ctx := context.Background()
	require.NoError(t, p.Spawn(ctx, map[string]any{}))
	defer p.Shutdown(ctx)

	_, err := p.Execute(ctx, map[string]any{}, 50*time.Millisecond)
	require.Error(t, err)

	broken, _ := p.Broken()
	require.False(t, broken, "a slow call must not break the proxy")
}

func TestProxyShutdownIsIdempotent(t *testing.T) {
	meta := pluginmanifest.Meta{Name: "helper", Version: "1.0.0", EntryPoint: helperEntryPoint()}
	p := New(meta, WithSpawnTimeout(5*time.Second))
	p.cmdFactory = func() *exec.Cmd { return newHelperCmd() }

	ctx := context.Background()
	require.NoError(t, p.Spawn(ctx, map[string]any{}))
	require.NoError(t, p.Shutdown(ctx))
	require.NoError(t, p.Shutdown(ctx))
}
