package blockchain

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is matched by every NotFoundError
var ErrNotFound = errors.New("not found")

// RPCError is the JSON-RPC 2.0 error object
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("RPC error %d: %s", e.Code, e.Message)
}

// UpstreamError is a transient failure that survived every retry
type UpstreamError struct {
	Method   string
	Attempts int
	Err      error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream %s failed after %d attempt(s): %v", e.Method, e.Attempts, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// ParseError means the upstream answered but the payload had the wrong shape
type ParseError struct {
	What string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s: %v", e.What, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// NotFoundError means the requested object does not exist upstream
type NotFoundError struct {
	Kind string // "transaction", "account", ...
	Key  string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.Key)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// IsUpstream reports whether err is (or wraps) an UpstreamError
func IsUpstream(err error) bool {
	var ue *UpstreamError
	return errors.As(err, &ue)
}

// IsParse reports whether err is (or wraps) a ParseError
func IsParse(err error) bool {
	var pe *ParseError
	return errors.As(err, &pe)
}

// Describe converts an error into a short human-readable explanation
func Describe(err error) string {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, ErrNotFound):
		return "not found upstream"
	case errors.Is(err, context.DeadlineExceeded):
		return "upstream timeout"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	case IsParse(err):
		return "malformed upstream payload"
	}

	raw := err.Error()
	switch {
	case contains(raw, "429"), contains(raw, "rate limit"), contains(raw, "too many requests"):
		return "rate limited by RPC"
	case contains(raw, "connection refused"), contains(raw, "no such host"):
		return "RPC connection failed"
	case contains(raw, "timeout"):
		return "upstream timeout"
	case contains(raw, "http status 5"):
		return "RPC server error"
	case contains(raw, "invalid address"):
		return "invalid address"
	}

	if IsUpstream(err) {
		return "upstream unavailable"
	}
	return "unexpected error"
}

func contains(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
