package rpc

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/butler-platform/butlerd/pkg/fault"
)

// ToolError is a structured error returned by a remote tool: the decoded
// form of a wire {"error":{"class":..., "message":...}} body. Unwrap maps
// the class back onto the local fault sentinels, so errors.Is keeps working
// across the RPC boundary.
type ToolError struct {
	Class   string `json:"class"`
	Message string `json:"message"`
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("%s: %s", e.Class, e.Message)
}

// Unwrap returns the local sentinel matching the wire class. Conflicts map
// to ErrCASConflict; classes with no sentinel equivalent unwrap to nil.
func (e *ToolError) Unwrap() error {
	switch e.Class {
	case fault.ClassValidation:
		return fault.ErrInvalidInput
	case fault.ClassNotFound:
		return fault.ErrNotFound
	case fault.ClassConflict:
		return fault.ErrCASConflict
	case fault.ClassButlerUnreachable:
		return fault.ErrButlerUnreachable
	case fault.ClassShuttingDown:
		return fault.ErrShuttingDown
	default:
		return nil
	}
}

// HasClass reports whether err carries the given wire class.
func HasClass(err error, class string) bool {
	var te *ToolError
	return errors.As(err, &te) && te.Class == class
}

// wireError is the error object inside a failure envelope.
type wireError struct {
	Class   string `json:"class"`
	Message string `json:"message"`
}

// errorBody is the full failure envelope: {"error":{"class":..., "message":...}}.
type errorBody struct {
	Error wireError `json:"error"`
}

// statusForClass maps a wire error class to its HTTP status. The body is
// authoritative for callers; the status exists for proxies and dashboards.
func statusForClass(class string) int {
	switch class {
	case fault.ClassValidation:
		return http.StatusUnprocessableEntity
	case fault.ClassNotFound:
		return http.StatusNotFound
	case fault.ClassConflict:
		return http.StatusConflict
	case fault.ClassShuttingDown, fault.ClassButlerUnreachable, fault.ClassTargetUnavailable:
		return http.StatusServiceUnavailable
	case fault.ClassOverloadRejected:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// decodeToolError builds a ToolError from a decoded "error" value. Shapes
// that are not {"class":..., "message":...} degrade to internal_error.
func decodeToolError(v any) *ToolError {
	te := &ToolError{Class: fault.ClassInternal}
	m, ok := v.(map[string]any)
	if !ok {
		te.Message = fmt.Sprintf("%v", v)
		return te
	}
	if class, ok := m["class"].(string); ok && class != "" {
		te.Class = class
	}
	if msg, ok := m["message"].(string); ok {
		te.Message = msg
	}
	return te
}
