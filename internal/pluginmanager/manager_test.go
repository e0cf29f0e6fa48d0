package pluginmanager

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cjmills/pluginhost/internal/pluginerrors"
	"github.com/cjmills/pluginhost/internal/pluginmanifest"
)

type fakeProxy struct {
	spawnErr    error
	executeErr  error
	callErr     error
	shutdownErr error
	shutdownCalls int
	lastKwargs  map[string]any
}

func (f *fakeProxy) Spawn(ctx context.Context, initialConfig map[string]any) error { return f.spawnErr }

func (f *fakeProxy) Call(ctx context.Context, method string, payload any, timeout time.Duration) (json.RawMessage, error) {
	if f.callErr != nil {
		return nil, f.callErr
	}
	return json.RawMessage(`{}`), nil
}

func (f *fakeProxy) Execute(ctx context.Context, kwargs map[string]any, timeout time.Duration) (json.RawMessage, error) {
	f.lastKwargs = kwargs
	if f.executeErr != nil {
		return nil, f.executeErr
	}
	raw, _ := json.Marshal(map[string]any{"ok": true})
	return raw, nil
}

func (f *fakeProxy) Shutdown(ctx context.Context) error {
	f.shutdownCalls++
	return f.shutdownErr
}

func testMeta(name, resourceClass string) pluginmanifest.Meta {
	return pluginmanifest.Meta{
		Name:          name,
		Version:       "1.0.0",
		EntryPoint:    pluginmanifest.EntryPoint{Command: "true"},
		ResourceClass: resourceClass,
		ConfigSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"model": map[string]any{"type": "string", "default": "base"},
			},
		},
	}
}

func newTestManager(t *testing.T, fp *fakeProxy) *Manager {
	t.Helper()
	reg := pluginmanifest.NewRegistry(t.TempDir())
	return New(reg, WithProxyFactory(func(pluginmanifest.Meta) proxyHandle { return fp }))
}

func TestLoadAndExecutePlugin(t *testing.T) {
	fp := &fakeProxy{}
	m := newTestManager(t, fp)
	ctx := context.Background()

	require.NoError(t, m.LoadPlugin(ctx, testMeta("p", "cpu"), map[string]any{}))

	raw, err := m.ExecutePlugin(ctx, "p", map[string]any{"x": 1})
	require.NoError(t, err)
	require.Contains(t, string(raw), "ok")
}

func TestLoadPluginRejectsDuplicateName(t *testing.T) {
	fp := &fakeProxy{}
	m := newTestManager(t, fp)
	ctx := context.Background()

	require.NoError(t, m.LoadPlugin(ctx, testMeta("p", "cpu"), map[string]any{}))
	err := m.LoadPlugin(ctx, testMeta("p", "cpu"), map[string]any{})
	require.True(t, pluginerrors.Is(err, pluginerrors.CodeAlreadyLoaded))
}

func TestExecuteOnUnloadedPluginFails(t *testing.T) {
	m := newTestManager(t, &fakeProxy{})
	_, err := m.ExecutePlugin(context.Background(), "nope", map[string]any{})
	require.True(t, pluginerrors.Is(err, pluginerrors.CodeNotLoaded))
}

func TestDisablePluginBlocksExecute(t *testing.T) {
	fp := &fakeProxy{}
	m := newTestManager(t, fp)
	ctx := context.Background()
	require.NoError(t, m.LoadPlugin(ctx, testMeta("p", "cpu"), map[string]any{}))

	require.NoError(t, m.DisablePlugin("p"))
	_, err := m.ExecutePlugin(ctx, "p", map[string]any{})
	require.True(t, pluginerrors.Is(err, pluginerrors.CodeDisabled))

	require.NoError(t, m.EnablePlugin("p"))
	_, err = m.ExecutePlugin(ctx, "p", map[string]any{})
	require.NoError(t, err)
}

func TestUnloadPluginIdempotentOnAbsent(t *testing.T) {
	m := newTestManager(t, &fakeProxy{})
	require.False(t, m.UnloadPlugin(context.Background(), "missing"))
}

func TestUpdatePluginConfigRetainsOldOnValidationFailure(t *testing.T) {
	fp := &fakeProxy{}
	m := newTestManager(t, fp)
	ctx := context.Background()
	meta := testMeta("p", "cpu")
	meta.ConfigSchema = map[string]any{
		"type": "object",
		"properties": map[string]any{
			"preserve_newlines": map[string]any{"type": "boolean"},
		},
	}
	require.NoError(t, m.LoadPlugin(ctx, meta, map[string]any{"preserve_newlines": true}))

	err := m.UpdatePluginConfig(ctx, "p", map[string]any{"preserve_newlines": "yes"})
	require.Error(t, err)

	cfg, err := m.GetPluginConfig("p")
	require.NoError(t, err)
	require.Equal(t, true, cfg["preserve_newlines"])
}

func TestLoadPluginFailsClosedWhenSpawnErrors(t *testing.T) {
	fp := &fakeProxy{spawnErr: assertAnError}
	m := newTestManager(t, fp)

	err := m.LoadPlugin(context.Background(), testMeta("p", "cpu"), map[string]any{})
	require.Error(t, err)

	_, getErr := m.GetPluginConfig("p")
	require.True(t, pluginerrors.Is(getErr, pluginerrors.CodeNotLoaded))
}

var assertAnError = pluginerrors.SpawnError("p", "boom", nil)
