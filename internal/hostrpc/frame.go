// Package hostrpc defines the wire contract between a Plugin Proxy and a
// child plugin process: a length-prefixed, self-synchronizing frame
// stream carrying JSON request/response envelopes over the child's
// stdio. Both internal/pluginhost (host side) and pkg/pluginsdk (child
// side) import this package so the two halves of the handshake can never
// drift apart.
package hostrpc

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// MaxFrameSize guards against a corrupt or malicious length prefix
// causing an unbounded allocation.
const MaxFrameSize = 64 << 20 // 64 MiB

// Request is one frame sent from host to child.
type Request struct {
	RequestID uint64          `json:"request_id"`
	Method    string          `json:"method"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Response is one frame sent from child to host. Exactly one of Result
// or Error is populated.
type Response struct {
	RequestID uint64          `json:"request_id"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// HelloFrame is the very first message the host writes during the
// handshake.
type HelloFrame struct {
	ProtocolVersion int               `json:"protocol_version"`
	Config          map[string]any    `json:"config,omitempty"`
}

// ReadyFrame is the child's handshake reply.
type ReadyFrame struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

const ProtocolVersion = 1

// WriteFrame writes a 4-byte big-endian length prefix followed by the
// JSON-encoded payload. Safe for concurrent use only if the caller
// serializes writes externally (net/http-style writers are not
// goroutine-safe and neither is this).
func WriteFrame(w io.Writer, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("hostrpc: marshal frame: %w", err)
	}
	if len(body) > MaxFrameSize {
		return fmt.Errorf("hostrpc: frame of %d bytes exceeds max %d", len(body), MaxFrameSize)
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(body)))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("hostrpc: write length prefix: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("hostrpc: write payload: %w", err)
	}
	return nil
}

// ReadFrame blocks until one full length-prefixed frame is available on
// r and unmarshals it into v. Returns io.EOF (possibly wrapped) when the
// stream closes cleanly between frames.
func ReadFrame(r *bufio.Reader, v any) error {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return err
	}
	size := binary.BigEndian.Uint32(header[:])
	if size > MaxFrameSize {
		return fmt.Errorf("hostrpc: frame of %d bytes exceeds max %d", size, MaxFrameSize)
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return fmt.Errorf("hostrpc: read payload: %w", err)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("hostrpc: unmarshal frame: %w", err)
	}
	return nil
}
