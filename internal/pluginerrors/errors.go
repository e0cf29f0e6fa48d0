// Package pluginerrors defines the namespaced error kinds surfaced by the
// plugin host. Each kind carries a stable code ("plugin:not_loaded") so
// callers can match on Code() instead of string-matching messages, the
// same convention GoatKit used for its API error registry, minus the
// HTTP-status field this runtime has no use for.
package pluginerrors

import "fmt"

// Code identifies a class of failure independent of the offending plugin
// or the specific message text.
type Code string

const (
	CodeManifest          Code = "plugin:manifest_invalid"
	CodeConfigValidation  Code = "plugin:config_invalid"
	CodeNotLoaded         Code = "plugin:not_loaded"
	CodeDisabled          Code = "plugin:disabled"
	CodeAlreadyLoaded     Code = "plugin:already_loaded"
	CodeSpawn             Code = "plugin:spawn_failed"
	CodeTransport         Code = "plugin:transport_broken"
	CodeTimeout           Code = "plugin:call_timeout"
	CodePlugin            Code = "plugin:handler_error"
	CodeUnknownPlugin     Code = "plugin:unknown"
)

// Error is the concrete type behind every error this package constructs.
// It wraps an optional underlying cause so %w unwrapping keeps working.
type Error struct {
	Code    Code
	Plugin  string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Plugin == "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.Code, e.Plugin, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

func newErr(code Code, plugin, message string, cause error) *Error {
	return &Error{Code: code, Plugin: plugin, Message: message, Cause: cause}
}

func ManifestError(message string, cause error) *Error {
	return newErr(CodeManifest, "", message, cause)
}

func ConfigValidationError(plugin, message string) *Error {
	return newErr(CodeConfigValidation, plugin, message, nil)
}

func NotLoadedError(plugin string) *Error {
	return newErr(CodeNotLoaded, plugin, "plugin is not loaded", nil)
}

func DisabledError(plugin string) *Error {
	return newErr(CodeDisabled, plugin, "plugin is disabled", nil)
}

func AlreadyLoadedError(plugin string) *Error {
	return newErr(CodeAlreadyLoaded, plugin, "plugin is already loaded", nil)
}

func SpawnError(plugin, message string, cause error) *Error {
	return newErr(CodeSpawn, plugin, message, cause)
}

func TransportError(plugin, message string, cause error) *Error {
	return newErr(CodeTransport, plugin, message, cause)
}

func TimeoutError(plugin, method string) *Error {
	return newErr(CodeTimeout, plugin, fmt.Sprintf("call to %q timed out", method), nil)
}

func PluginError(plugin, message string) *Error {
	return newErr(CodePlugin, plugin, message, nil)
}

func UnknownPluginError(plugin string) *Error {
	return newErr(CodeUnknownPlugin, plugin, "no such plugin", nil)
}

// Is supports errors.Is(err, pluginerrors.CodeNotLoaded) style matching
// by comparing codes rather than pointer identity.
func Is(err error, code Code) bool {
	var e *Error
	for err != nil {
		if ce, ok := err.(*Error); ok {
			e = ce
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return e != nil && e.Code == code
}
