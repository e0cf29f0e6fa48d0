package pluginmanifest

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeManifest(t *testing.T, root, dir, content string) {
	t.Helper()
	pluginDir := filepath.Join(root, dir)
	require.NoError(t, os.MkdirAll(pluginDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(pluginDir, ManifestFileName), []byte(content), 0o644))
}

func TestDiscoverManifestsBasic(t *testing.T) {
	root := t.TempDir()
	writeManifest(t, root, "vad", `
name: cjm-media-plugin-silero-vad
version: "1.0.0"
entry_point:
  command: python
  args: ["-m", "cjm_vad_plugin"]
resource_class: cpu
capabilities: ["streaming"]
db_path: /tmp/vad.db
`)

	reg := NewRegistry(root)
	require.NoError(t, reg.DiscoverManifests(context.Background()))

	meta, ok := reg.Get("cjm-media-plugin-silero-vad")
	require.True(t, ok)
	require.Equal(t, "1.0.0", meta.Version)
	require.True(t, meta.HasCapability("streaming"))
	require.Len(t, reg.All(), 1)
}

func TestDiscoverManifestsSkipsMalformedAndDuplicates(t *testing.T) {
	root := t.TempDir()
	writeManifest(t, root, "good", `
name: ok-plugin
version: "1.0.0"
entry_point: {command: ok}
`)
	writeManifest(t, root, "bad", `not: [valid, yaml, :`)
	writeManifest(t, root, "missing-fields", `name: incomplete`)
	writeManifest(t, root, "zz-duplicate", `
name: ok-plugin
version: "2.0.0"
entry_point: {command: dup}
`)

	reg := NewRegistry(root)
	require.NoError(t, reg.DiscoverManifests(context.Background()))

	require.Len(t, reg.All(), 1)
	meta, ok := reg.Get("ok-plugin")
	require.True(t, ok)
	require.Equal(t, "1.0.0", meta.Version)
}

func TestDiscoverManifestsIsIdempotent(t *testing.T) {
	root := t.TempDir()
	writeManifest(t, root, "p", `
name: p
version: "1"
entry_point: {command: p}
`)
	reg := NewRegistry(root)
	require.NoError(t, reg.DiscoverManifests(context.Background()))
	require.NoError(t, reg.DiscoverManifests(context.Background()))
	require.Len(t, reg.All(), 1)
}

func TestDiscoverManifestsMissingRootIsNotAnError(t *testing.T) {
	reg := NewRegistry(filepath.Join(t.TempDir(), "does-not-exist"))
	require.NoError(t, reg.DiscoverManifests(context.Background()))
	require.Empty(t, reg.All())
}
