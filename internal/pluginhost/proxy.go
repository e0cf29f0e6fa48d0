// Package pluginhost implements the Plugin Proxy: one instance per
// loaded plugin, owning the child process, the framed transport defined
// in internal/hostrpc, and the request/response correlation table.
package pluginhost

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/cjmills/pluginhost/internal/hostrpc"
	"github.com/cjmills/pluginhost/internal/pluginerrors"
	"github.com/cjmills/pluginhost/internal/pluginmanifest"
)

// Option configures a Proxy at construction time.
type Option func(*Proxy)

func WithSpawnTimeout(d time.Duration) Option    { return func(p *Proxy) { p.spawnTimeout = d } }
func WithCallTimeout(d time.Duration) Option     { return func(p *Proxy) { p.defaultCallTimeout = d } }
func WithShutdownGrace(d time.Duration) Option   { return func(p *Proxy) { p.shutdownGrace = d } }
func WithLogger(l *slog.Logger) Option           { return func(p *Proxy) { p.logger = l } }

type waiter chan hostrpc.Response

// Proxy is the sole conduit to one child plugin process.
type Proxy struct {
	meta   pluginmanifest.Meta
	logger *slog.Logger

	spawnTimeout       time.Duration
	defaultCallTimeout time.Duration
	shutdownGrace      time.Duration

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	writeMu sync.Mutex

	mu      sync.Mutex
	waiters map[uint64]waiter
	broken  bool
	brokenErr error

	nextID uint64

	done chan struct{} // closed exactly once, when the proxy becomes broken

	// cmdFactory overrides how the child *exec.Cmd is constructed. Tests
	// use it to re-exec the test binary as a fake plugin; production
	// code leaves it nil and Spawn builds the command from meta.EntryPoint.
	cmdFactory func() *exec.Cmd
}

// New constructs a Proxy for meta. Spawn must be called before Call.
func New(meta pluginmanifest.Meta, opts ...Option) *Proxy {
	p := &Proxy{
		meta:               meta,
		logger:             slog.Default(),
		spawnTimeout:       30 * time.Second,
		defaultCallTimeout: 60 * time.Second,
		shutdownGrace:      5 * time.Second,
		waiters:            make(map[uint64]waiter),
		done:               make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Meta returns the manifest this proxy was constructed from.
func (p *Proxy) Meta() pluginmanifest.Meta { return p.meta }

// Spawn launches the child process and performs the hello/ready
// handshake. On any failure the child is killed and an error wrapping
// pluginerrors.CodeSpawn is returned.
func (p *Proxy) Spawn(ctx context.Context, initialConfig map[string]any) error {
	spawnCtx, cancel := context.WithTimeout(ctx, p.spawnTimeout)
	defer cancel()

	var cmd *exec.Cmd
	if p.cmdFactory != nil {
		cmd = p.cmdFactory()
	} else {
		cmd = exec.Command(p.meta.EntryPoint.Command, p.meta.EntryPoint.Args...)
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return pluginerrors.SpawnError(p.meta.Name, "open stdin pipe", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return pluginerrors.SpawnError(p.meta.Name, "open stdout pipe", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return pluginerrors.SpawnError(p.meta.Name, "open stderr pipe", err)
	}

	childLogger := hclog.New(&hclog.LoggerOptions{
		Name:  "plugin." + p.meta.Name,
		Level: hclog.Debug,
	})

	if err := cmd.Start(); err != nil {
		return pluginerrors.SpawnError(p.meta.Name, "start child process", err)
	}

	p.cmd = cmd
	p.stdin = stdin
	go relayChildLogs(childLogger, stderr)

	reader := bufio.NewReader(stdout)

	if err := hostrpc.WriteFrame(stdin, hostrpc.HelloFrame{
		ProtocolVersion: hostrpc.ProtocolVersion,
		Config:          initialConfig,
	}); err != nil {
		p.killNow()
		return pluginerrors.SpawnError(p.meta.Name, "write hello frame", err)
	}

	readyCh := make(chan hostrpc.ReadyFrame, 1)
	errCh := make(chan error, 1)
	go func() {
		var ready hostrpc.ReadyFrame
		if err := hostrpc.ReadFrame(reader, &ready); err != nil {
			errCh <- err
			return
		}
		readyCh <- ready
	}()

	var ready hostrpc.ReadyFrame
	select {
	case ready = <-readyCh:
	case err := <-errCh:
		p.killNow()
		return pluginerrors.SpawnError(p.meta.Name, "read ready frame", err)
	case <-spawnCtx.Done():
		p.killNow()
		return pluginerrors.SpawnError(p.meta.Name, "handshake timed out", spawnCtx.Err())
	}

	if ready.Name != p.meta.Name || ready.Version != p.meta.Version {
		p.killNow()
		return pluginerrors.SpawnError(p.meta.Name, fmt.Sprintf(
			"handshake identity mismatch: manifest declares %s@%s, child reported %s@%s",
			p.meta.Name, p.meta.Version, ready.Name, ready.Version), nil)
	}

	go p.readLoop(reader)
	go p.watchExit()

	return nil
}

func relayChildLogs(logger hclog.Logger, r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		logger.Debug(scanner.Text())
	}
}

func (p *Proxy) readLoop(r *bufio.Reader) {
	for {
		var resp hostrpc.Response
		if err := hostrpc.ReadFrame(r, &resp); err != nil {
			p.markBroken(pluginerrors.TransportError(p.meta.Name, "transport read failed", err))
			return
		}
		p.deliver(resp)
	}
}

func (p *Proxy) watchExit() {
	err := p.cmd.Wait()
	msg := "child exited"
	if err != nil {
		msg = fmt.Sprintf("child exited: %v", err)
	} else {
		msg = "child exited: status 0"
	}
	p.markBroken(pluginerrors.TransportError(p.meta.Name, msg, err))
}

func (p *Proxy) deliver(resp hostrpc.Response) {
	p.mu.Lock()
	ch, ok := p.waiters[resp.RequestID]
	if ok {
		delete(p.waiters, resp.RequestID)
	}
	p.mu.Unlock()

	if !ok {
		// Unknown request_id: either a late response to a call that
		// already timed out (discarded silently, per the spec) or a
		// genuine protocol violation. We cannot tell them apart from
		// here, so we do not mark the proxy broken for this alone.
		p.logger.Debug("discarding response for unknown request id", "plugin", p.meta.Name, "request_id", resp.RequestID)
		return
	}
	ch <- resp
}

func (p *Proxy) markBroken(err error) {
	p.mu.Lock()
	if p.broken {
		p.mu.Unlock()
		return
	}
	p.broken = true
	p.brokenErr = err
	waiters := p.waiters
	p.waiters = make(map[uint64]waiter)
	p.mu.Unlock()

	for _, ch := range waiters {
		ch <- hostrpc.Response{Error: err.Error()}
	}
	close(p.done)
	p.logger.Warn("plugin proxy broken", "plugin", p.meta.Name, "error", err)
}

// Broken reports whether the proxy has stopped accepting calls.
func (p *Proxy) Broken() (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.broken, p.brokenErr
}

// Call issues one request/response round trip. On timeout, the waiter
// is removed and a TimeoutError is returned — the child is not killed,
// and a response that arrives afterward is discarded by deliver.
func (p *Proxy) Call(ctx context.Context, method string, payload any, timeout time.Duration) (json.RawMessage, error) {
	p.mu.Lock()
	if p.broken {
		err := p.brokenErr
		p.mu.Unlock()
		return nil, err
	}
	id := atomic.AddUint64(&p.nextID, 1)
	ch := make(waiter, 1)
	p.waiters[id] = ch
	p.mu.Unlock()

	if timeout <= 0 {
		timeout = p.defaultCallTimeout
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		p.removeWaiter(id)
		return nil, fmt.Errorf("pluginhost: marshal payload for %q: %w", method, err)
	}

	req := hostrpc.Request{RequestID: id, Method: method, Payload: raw}

	p.writeMu.Lock()
	writeErr := hostrpc.WriteFrame(p.stdin, req)
	p.writeMu.Unlock()
	if writeErr != nil {
		p.removeWaiter(id)
		return nil, pluginerrors.TransportError(p.meta.Name, "write request frame", writeErr)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		if resp.RequestID != id {
			// Sent by markBroken: the proxy broke with this call outstanding.
			p.mu.Lock()
			err := p.brokenErr
			p.mu.Unlock()
			return nil, err
		}
		if resp.Error != "" {
			return nil, pluginerrors.PluginError(p.meta.Name, resp.Error)
		}
		return resp.Result, nil
	case <-timer.C:
		p.removeWaiter(id)
		return nil, pluginerrors.TimeoutError(p.meta.Name, method)
	case <-ctx.Done():
		p.removeWaiter(id)
		return nil, ctx.Err()
	case <-p.done:
		p.mu.Lock()
		err := p.brokenErr
		p.mu.Unlock()
		return nil, err
	}
}

func (p *Proxy) removeWaiter(id uint64) {
	p.mu.Lock()
	delete(p.waiters, id)
	p.mu.Unlock()
}

// Execute is the thin wrapper over Call("execute", ...) the Manager and
// Job Queue invoke; kwargs may carry an "action" key to select a
// sub-verb inside the child, left opaque and unvalidated per the spec.
func (p *Proxy) Execute(ctx context.Context, kwargs map[string]any, timeout time.Duration) (json.RawMessage, error) {
	return p.Call(ctx, "execute", kwargs, timeout)
}

// Shutdown sends a shutdown frame, waits shutdownGrace for clean exit,
// then escalates to SIGTERM and finally SIGKILL. Idempotent.
func (p *Proxy) Shutdown(ctx context.Context) error {
	if broken, _ := p.Broken(); broken {
		return nil
	}

	_, _ = p.Call(ctx, "shutdown", map[string]any{}, p.shutdownGrace)
	exited := make(chan struct{})
	go func() {
		<-p.done
		close(exited)
	}()

	select {
	case <-exited:
		return nil
	case <-time.After(p.shutdownGrace):
	}

	if p.cmd != nil && p.cmd.Process != nil {
		_ = p.cmd.Process.Signal(syscall.SIGTERM)
	}

	select {
	case <-exited:
		return nil
	case <-time.After(p.shutdownGrace):
	}

	p.killNow()
	return nil
}

func (p *Proxy) killNow() {
	if p.cmd != nil && p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
}
