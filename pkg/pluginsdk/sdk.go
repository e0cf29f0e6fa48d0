// Package pluginsdk is the child-process half of the plugin worker
// protocol described in the host's internal/hostrpc package. A plugin
// binary links this package, implements Handler, and calls Serve from
// main — nothing else is required to speak the host's framed protocol.
package pluginsdk

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/cjmills/pluginhost/internal/hostrpc"
)

// Handler is implemented by a plugin's business logic. Methods may
// return an error; Serve turns it into a {error: ...} response frame.
// A handler must never call os.Exit — the host controls the child's
// lifetime via the shutdown handshake.
type Handler interface {
	Initialize(config map[string]any) error
	Execute(kwargs map[string]any) (any, error)
	GetSchema() (any, error)
	GetCurrentConfig() (map[string]any, error)
	IsAvailable() (bool, error)
	Shutdown() error
}

// Identity is the name/version a plugin reports during the handshake;
// the host rejects the connection if it doesn't match the manifest.
type Identity struct {
	Name    string
	Version string
}

// Serve runs the worker loop to completion: performs the handshake on
// stdin/stdout, then services request frames one at a time until a
// shutdown request arrives or the stdin pipe closes. It returns nil on
// a clean shutdown.
func Serve(id Identity, h Handler) error {
	return ServeIO(id, h, os.Stdin, os.Stdout)
}

// ServeIO is Serve with explicit streams, for tests.
func ServeIO(id Identity, h Handler, in io.Reader, out io.Writer) error {
	r := bufio.NewReader(in)

	var hello hostrpc.HelloFrame
	if err := hostrpc.ReadFrame(r, &hello); err != nil {
		return fmt.Errorf("pluginsdk: read hello: %w", err)
	}
	if hello.ProtocolVersion != hostrpc.ProtocolVersion {
		return fmt.Errorf("pluginsdk: unsupported protocol version %d", hello.ProtocolVersion)
	}
	if err := hostrpc.WriteFrame(out, hostrpc.ReadyFrame{Name: id.Name, Version: id.Version}); err != nil {
		return fmt.Errorf("pluginsdk: write ready: %w", err)
	}

	for {
		var req hostrpc.Request
		if err := hostrpc.ReadFrame(r, &req); err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("pluginsdk: read request: %w", err)
		}

		resp := dispatch(h, req)
		if err := hostrpc.WriteFrame(out, resp); err != nil {
			return fmt.Errorf("pluginsdk: write response: %w", err)
		}
		if req.Method == "shutdown" && resp.Error == "" {
			return nil
		}
	}
}

func dispatch(h Handler, req hostrpc.Request) (resp hostrpc.Response) {
	resp.RequestID = req.RequestID

	defer func() {
		if r := recover(); r != nil {
			resp = hostrpc.Response{RequestID: req.RequestID, Error: fmt.Sprintf("panic: %v", r)}
		}
	}()

	switch req.Method {
	case "initialize":
		var cfg map[string]any
		if len(req.Payload) > 0 {
			if err := json.Unmarshal(req.Payload, &cfg); err != nil {
				return errResponse(req.RequestID, err)
			}
		}
		if err := h.Initialize(cfg); err != nil {
			return errResponse(req.RequestID, err)
		}
		return okResponse(req.RequestID, struct{}{})

	case "execute":
		var kwargs map[string]any
		if len(req.Payload) > 0 {
			if err := json.Unmarshal(req.Payload, &kwargs); err != nil {
				return errResponse(req.RequestID, err)
			}
		}
		result, err := h.Execute(kwargs)
		if err != nil {
			return errResponse(req.RequestID, err)
		}
		return okResponse(req.RequestID, result)

	case "get_schema":
		schema, err := h.GetSchema()
		if err != nil {
			return errResponse(req.RequestID, err)
		}
		return okResponse(req.RequestID, schema)

	case "get_current_config":
		cfg, err := h.GetCurrentConfig()
		if err != nil {
			return errResponse(req.RequestID, err)
		}
		return okResponse(req.RequestID, cfg)

	case "is_available":
		ok, err := h.IsAvailable()
		if err != nil {
			return errResponse(req.RequestID, err)
		}
		return okResponse(req.RequestID, ok)

	case "shutdown":
		if err := h.Shutdown(); err != nil {
			return errResponse(req.RequestID, err)
		}
		return okResponse(req.RequestID, struct{}{})

	default:
		return errResponse(req.RequestID, fmt.Errorf("unknown method %q", req.Method))
	}
}

func okResponse(id uint64, v any) hostrpc.Response {
	raw, err := json.Marshal(v)
	if err != nil {
		return hostrpc.Response{RequestID: id, Error: err.Error()}
	}
	return hostrpc.Response{RequestID: id, Result: raw}
}

func errResponse(id uint64, err error) hostrpc.Response {
	return hostrpc.Response{RequestID: id, Error: err.Error()}
}
