package responder

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Sentinel errors for the fatal, connection-ending conditions spec.md
// §7 lists. Non-fatal conditions (an unrecognized record type) are
// handled inline and never surface as an error at all.
var (
	// ErrInvalidRole is returned when a BeginRequest names a role
	// outside {Responder, Authorizer, Filter}. Per spec.md's redesign
	// note in §9, this is connection-fatal, distinct from a handler
	// returning request.ResultUnknownRole().
	ErrInvalidRole = errors.New("responder: invalid role number")

	// ErrMalformedParams is returned when a PARAMS stream fails to
	// decode; per spec.md §7 this aborts the request and closes the
	// connection.
	ErrMalformedParams = errors.New("responder: malformed params stream")

	// ErrTooManyRequests is returned when a BeginRequest would push a
	// connection's concurrent in-flight request count past its
	// configured MaxReqs. Connection-fatal: spec.md §3 defines
	// CantMpxConn/Overloaded EndRequest statuses for this but says this
	// core never emits them, so the bound is enforced by ending the
	// connection rather than by replying per-request.
	ErrTooManyRequests = errors.New("responder: too many concurrent requests")
)

// ConnError wraps a fatal connection error with the connection's
// correlation id, for log/metric correlation, grounded in the
// teacher's exitError/ExitCode pattern in cmd/main.go.
type ConnError struct {
	ConnID uuid.UUID
	Err    error
}

func (e *ConnError) Error() string {
	return fmt.Sprintf("responder: connection %s: %v", e.ConnID, e.Err)
}

func (e *ConnError) Unwrap() error { return e.Err }
