package pluginmanifest

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/cjmills/pluginhost/internal/pluginerrors"
)

// ManifestFileName is the well-known file identifying a plugin
// directory, per the external interfaces section of the spec this
// registry implements.
const ManifestFileName = "plugin.yaml"

// Registry holds the set of discovered plugin manifests, keyed by name.
// It never loads or spawns anything; it is pure filesystem bookkeeping.
type Registry struct {
	mu         sync.RWMutex
	pluginRoot string
	discovered map[string]Meta
	logger     *slog.Logger
}

// Option configures a Registry at construction time.
type Option func(*Registry)

// WithLogger overrides the default slog logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// NewRegistry creates a Registry rooted at pluginRoot. DiscoverManifests
// must be called at least once before Get/All return anything.
func NewRegistry(pluginRoot string, opts ...Option) *Registry {
	r := &Registry{
		pluginRoot: pluginRoot,
		discovered: make(map[string]Meta),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// DiscoverManifests walks the plugin root looking for manifest files,
// one directory level deep, per §4.A: malformed manifests are logged
// and skipped, never abort the scan, and duplicate names keep the
// first one discovered. The call is idempotent — each invocation
// replaces the previously discovered set with a fresh scan.
func (r *Registry) DiscoverManifests(ctx context.Context) error {
	entries, err := os.ReadDir(r.pluginRoot)
	if err != nil {
		if os.IsNotExist(err) {
			r.mu.Lock()
			r.discovered = make(map[string]Meta)
			r.mu.Unlock()
			return nil
		}
		return pluginerrors.ManifestError("read plugin root", err)
	}

	fresh := make(map[string]Meta)
	for _, entry := range entries {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if !entry.IsDir() {
			continue
		}
		manifestPath := filepath.Join(r.pluginRoot, entry.Name(), ManifestFileName)
		meta, err := loadManifest(manifestPath)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			r.logger.Warn("skipping malformed manifest", "path", manifestPath, "error", err)
			continue
		}
		if _, exists := fresh[meta.Name]; exists {
			r.logger.Warn("skipping duplicate plugin name", "name", meta.Name, "path", manifestPath)
			continue
		}
		fresh[meta.Name] = meta
	}

	r.mu.Lock()
	r.discovered = fresh
	r.mu.Unlock()
	return nil
}

func loadManifest(path string) (Meta, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Meta{}, err
	}
	var meta Meta
	if err := yaml.Unmarshal(data, &meta); err != nil {
		return Meta{}, pluginerrors.ManifestError("parse "+path, err)
	}
	if err := validate(meta); err != nil {
		return Meta{}, pluginerrors.ManifestError(path, err)
	}
	meta.SourcePath = path
	return meta, nil
}

// Get returns the discovered metadata for name, or false if unknown.
func (r *Registry) Get(name string) (Meta, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.discovered[name]
	return m, ok
}

// All returns a snapshot of every discovered plugin, sorted by name is
// not guaranteed — callers that need stable order should sort.
func (r *Registry) All() []Meta {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Meta, 0, len(r.discovered))
	for _, m := range r.discovered {
		out = append(out, m)
	}
	return out
}
