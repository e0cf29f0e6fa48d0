// Package pluginmanager implements the Plugin Manager façade: the
// top-level API that resolves a plugin name to a running Plugin Proxy,
// validates configuration against a plugin's declared schema, and
// exposes the synchronous and asynchronous execute calls every other
// component (in particular internal/jobqueue) is built on top of.
package pluginmanager

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/cjmills/pluginhost/internal/pluginerrors"
	"github.com/cjmills/pluginhost/internal/pluginhost"
	"github.com/cjmills/pluginhost/internal/pluginmanifest"
	"github.com/cjmills/pluginhost/internal/schema"
)

// proxyHandle is the subset of *pluginhost.Proxy the Manager depends
// on. Defining it as an interface lets tests substitute a fake child
// instead of spawning a real OS process for every unit test.
type proxyHandle interface {
	Spawn(ctx context.Context, initialConfig map[string]any) error
	Call(ctx context.Context, method string, payload any, timeout time.Duration) (json.RawMessage, error)
	Execute(ctx context.Context, kwargs map[string]any, timeout time.Duration) (json.RawMessage, error)
	Shutdown(ctx context.Context) error
}

var _ proxyHandle = (*pluginhost.Proxy)(nil)

// Scheduler is notified around every execute, whether it originated
// from the queue or a direct call. The null implementation does
// nothing; see internal/jobqueue for the queue-aware variant.
type Scheduler interface {
	OnExecuteBegin(pluginName string)
	OnExecuteEnd(pluginName string, ok bool)
}

type nullScheduler struct{}

func (nullScheduler) OnExecuteBegin(string)     {}
func (nullScheduler) OnExecuteEnd(string, bool) {}

// NullScheduler is the default, no-op Scheduler.
var NullScheduler Scheduler = nullScheduler{}

// LoadedPlugin is a snapshot of one currently-loaded plugin.
type LoadedPlugin struct {
	Meta    pluginmanifest.Meta
	Config  map[string]any
	Enabled bool
}

type loadedPlugin struct {
	meta      pluginmanifest.Meta
	proxy     proxyHandle
	validator *schema.Validator
	config    map[string]any
	enabled   bool
}

// ProxyFactory lets callers (and tests) substitute how a Proxy is
// constructed, the same seam the teacher's Manager used around its
// LazyLoader interface.
type ProxyFactory func(meta pluginmanifest.Meta) proxyHandle

// Manager is the Plugin Manager façade.
type Manager struct {
	registry  *pluginmanifest.Registry
	scheduler Scheduler
	logger    *slog.Logger
	newProxy  ProxyFactory
	callTimeout time.Duration

	mu             sync.RWMutex
	plugins        map[string]*loadedPlugin
	systemMonitor  string
}

// Option configures a Manager at construction time.
type Option func(*Manager)

func WithScheduler(s Scheduler) Option        { return func(m *Manager) { m.scheduler = s } }
func WithLogger(l *slog.Logger) Option        { return func(m *Manager) { m.logger = l } }
func WithProxyFactory(f ProxyFactory) Option  { return func(m *Manager) { m.newProxy = f } }
func WithCallTimeout(d time.Duration) Option  { return func(m *Manager) { m.callTimeout = d } }

// New creates a Manager backed by registry.
func New(registry *pluginmanifest.Registry, opts ...Option) *Manager {
	m := &Manager{
		registry:    registry,
		scheduler:   NullScheduler,
		logger:      slog.Default(),
		callTimeout: 60 * time.Second,
		plugins:     make(map[string]*loadedPlugin),
	}
	if m.newProxy == nil {
		m.newProxy = func(meta pluginmanifest.Meta) proxyHandle {
			return pluginhost.New(meta, pluginhost.WithLogger(m.logger))
		}
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// LoadPlugin validates config against the plugin's schema, spawns a
// proxy, sends initialize, and records the LoadedPlugin on success. On
// any failure the proxy is torn down and an error is returned.
func (m *Manager) LoadPlugin(ctx context.Context, meta pluginmanifest.Meta, config map[string]any) error {
	m.mu.Lock()
	if _, exists := m.plugins[meta.Name]; exists {
		m.mu.Unlock()
		return pluginerrors.AlreadyLoadedError(meta.Name)
	}
	m.mu.Unlock()

	validator, err := schema.Compile(meta.ConfigSchema)
	if err != nil {
		return pluginerrors.ConfigValidationError(meta.Name, err.Error())
	}
	merged, ok, msg := validator.ValidateWithDefaults(config)
	if !ok {
		return pluginerrors.ConfigValidationError(meta.Name, msg)
	}

	proxy := m.newProxy(meta)
	if err := proxy.Spawn(ctx, merged); err != nil {
		return err
	}

	if _, err := proxy.Call(ctx, "initialize", merged, m.callTimeout); err != nil {
		_ = proxy.Shutdown(ctx)
		return err
	}

	m.mu.Lock()
	m.plugins[meta.Name] = &loadedPlugin{
		meta:      meta,
		proxy:     proxy,
		validator: validator,
		config:    merged,
		enabled:   true,
	}
	m.mu.Unlock()

	m.logger.Info("plugin loaded", "plugin", meta.Name, "version", meta.Version)
	return nil
}

// UnloadPlugin shuts down the proxy and removes the entry. Returns
// false (not an error) if the plugin was not loaded.
func (m *Manager) UnloadPlugin(ctx context.Context, name string) bool {
	m.mu.Lock()
	lp, ok := m.plugins[name]
	if ok {
		delete(m.plugins, name)
	}
	m.mu.Unlock()
	if !ok {
		return false
	}
	if err := lp.proxy.Shutdown(ctx); err != nil {
		m.logger.Warn("error shutting down plugin", "plugin", name, "error", err)
	}
	return true
}

// UnloadAll unloads every plugin, best-effort; errors are logged, never
// raised.
func (m *Manager) UnloadAll(ctx context.Context) {
	m.mu.RLock()
	names := make([]string, 0, len(m.plugins))
	for name := range m.plugins {
		names = append(names, name)
	}
	m.mu.RUnlock()
	for _, name := range names {
		m.UnloadPlugin(ctx, name)
	}
}

func (m *Manager) get(name string) (*loadedPlugin, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	lp, ok := m.plugins[name]
	if !ok {
		return nil, pluginerrors.NotLoadedError(name)
	}
	return lp, nil
}

// ExecutePlugin is the synchronous convenience wrapper; it blocks until
// the proxy returns.
func (m *Manager) ExecutePlugin(ctx context.Context, name string, kwargs map[string]any) (json.RawMessage, error) {
	return m.executePlugin(ctx, name, kwargs)
}

// ExecutePluginAsync has the exact same contract as ExecutePlugin; it
// is the entry point internal/jobqueue's dispatcher calls. The name
// reflects the spec's API, not a different code path — both suspend
// the caller cooperatively via ctx and channels either way.
func (m *Manager) ExecutePluginAsync(ctx context.Context, name string, kwargs map[string]any) (json.RawMessage, error) {
	return m.executePlugin(ctx, name, kwargs)
}

func (m *Manager) executePlugin(ctx context.Context, name string, kwargs map[string]any) (json.RawMessage, error) {
	lp, err := m.get(name)
	if err != nil {
		return nil, err
	}
	if !lp.enabled {
		return nil, pluginerrors.DisabledError(name)
	}

	m.scheduler.OnExecuteBegin(name)
	result, err := lp.proxy.Execute(ctx, kwargs, m.callTimeout)
	m.scheduler.OnExecuteEnd(name, err == nil)
	return result, err
}

// GetPluginConfig returns the plugin's currently effective config map.
func (m *Manager) GetPluginConfig(name string) (map[string]any, error) {
	lp, err := m.get(name)
	if err != nil {
		return nil, err
	}
	return lp.config, nil
}

// UpdatePluginConfig merges partial into the current config, validates
// the result, and — only on success — re-initializes the child with
// the merged config. On validation failure the old config is retained.
func (m *Manager) UpdatePluginConfig(ctx context.Context, name string, partial map[string]any) error {
	m.mu.Lock()
	lp, ok := m.plugins[name]
	m.mu.Unlock()
	if !ok {
		return pluginerrors.NotLoadedError(name)
	}

	candidate := make(map[string]any, len(lp.config)+len(partial))
	for k, v := range lp.config {
		candidate[k] = v
	}
	for k, v := range partial {
		candidate[k] = v
	}

	merged, ok2, msg := lp.validator.ValidateWithDefaults(candidate)
	if !ok2 {
		return pluginerrors.ConfigValidationError(name, msg)
	}

	if _, err := lp.proxy.Call(ctx, "initialize", merged, m.callTimeout); err != nil {
		return err
	}

	m.mu.Lock()
	lp.config = merged
	m.mu.Unlock()
	return nil
}

// ValidatePluginConfig reports whether cfg would satisfy name's schema
// without mutating anything.
func (m *Manager) ValidatePluginConfig(name string, cfg map[string]any) (bool, string) {
	lp, err := m.get(name)
	if err != nil {
		return false, err.Error()
	}
	_, ok, msg := lp.validator.ValidateWithDefaults(cfg)
	return ok, msg
}

// EnablePlugin / DisablePlugin toggle the gate ExecutePlugin checks. A
// disabled plugin remains loaded.
func (m *Manager) EnablePlugin(name string) error  { return m.setEnabled(name, true) }
func (m *Manager) DisablePlugin(name string) error { return m.setEnabled(name, false) }

func (m *Manager) setEnabled(name string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	lp, ok := m.plugins[name]
	if !ok {
		return pluginerrors.NotLoadedError(name)
	}
	lp.enabled = enabled
	return nil
}

// CheckStreamingSupport reports whether name declared the "streaming"
// capability.
func (m *Manager) CheckStreamingSupport(name string) (bool, error) {
	lp, err := m.get(name)
	if err != nil {
		return false, err
	}
	return lp.meta.HasCapability("streaming"), nil
}

// GetStreamingPlugins lists the names of every loaded plugin that
// declared the "streaming" capability.
func (m *Manager) GetStreamingPlugins() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for name, lp := range m.plugins {
		if lp.meta.HasCapability("streaming") {
			out = append(out, name)
		}
	}
	return out
}

// GetAllPluginSchemas returns every loaded plugin's config_schema,
// keyed by name.
func (m *Manager) GetAllPluginSchemas() map[string]map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]map[string]any, len(m.plugins))
	for name, lp := range m.plugins {
		out[name] = lp.meta.ConfigSchema
	}
	return out
}

// RegisterSystemMonitor designates name as the plugin GetGlobalStats
// routes through.
func (m *Manager) RegisterSystemMonitor(name string) {
	m.mu.Lock()
	m.systemMonitor = name
	m.mu.Unlock()
}

// GetGlobalStats calls execute(action="get_stats") on the registered
// system-monitor plugin.
func (m *Manager) GetGlobalStats(ctx context.Context) (json.RawMessage, error) {
	m.mu.RLock()
	name := m.systemMonitor
	m.mu.RUnlock()
	if name == "" {
		return nil, pluginerrors.UnknownPluginError("<no system monitor registered>")
	}
	return m.ExecutePlugin(ctx, name, map[string]any{"action": "get_stats"})
}

// ListPlugins returns a snapshot of every loaded plugin's public state.
func (m *Manager) ListPlugins() []LoadedPlugin {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]LoadedPlugin, 0, len(m.plugins))
	for _, lp := range m.plugins {
		out = append(out, LoadedPlugin{Meta: lp.meta, Config: lp.config, Enabled: lp.enabled})
	}
	return out
}

// ResourceClass returns the resource_class of a loaded plugin, used by
// internal/jobqueue to enforce exclusivity. Returns "", NotLoadedError
// if the plugin is absent.
func (m *Manager) ResourceClass(name string) (string, error) {
	lp, err := m.get(name)
	if err != nil {
		return "", err
	}
	return lp.meta.ResourceClass, nil
}

// IsLoadedAndEnabled reports whether name can currently accept work —
// used by the Job Queue's Submit to fail fast.
func (m *Manager) IsLoadedAndEnabled(name string) (bool, error) {
	lp, err := m.get(name)
	if err != nil {
		return false, err
	}
	if !lp.enabled {
		return false, pluginerrors.DisabledError(name)
	}
	return true, nil
}
