// Package request defines the logical FastCGI request the responder
// package hands to an application handler: an assembled parameter map,
// fully-buffered stdin/data streams, and a bound writer for stdout and
// stderr.
package request

import (
	"bytes"
	"context"
	"fmt"
	"sync/atomic"

	"github.com/fcgigo/responder/params"
	"github.com/fcgigo/responder/record"
)

// Writer is the per-request handle a Request hands out for its stdout
// and stderr streams. It is implemented by the responder package's
// shared, mutex-guarded connection writer; request never constructs one
// itself, only stores and uses it.
type Writer interface {
	// Write sends len(p) bytes on the given stream as one or more
	// framed records, splitting as needed to stay within a record's
	// content-length limit.
	Write(stream record.Type, p []byte) (int, error)
	// CloseStream emits a zero-length record closing the given stream.
	CloseStream(stream record.Type) error
	// EndRequest emits the EndRequest record for this request's id and
	// marks the id free for reuse by the connection.
	EndRequest(body record.EndRequestBody) error
}

// Result is what a Handler returns to conclude a request.
type Result struct {
	unknownRole bool
	appStatus   uint32
}

// Complete reports successful handling with the given application exit
// status (conventionally 0 for success, as in a process exit code).
func Complete(appStatus uint32) Result {
	return Result{appStatus: appStatus}
}

// ResultUnknownRole reports that the handler cannot service the role the
// request was opened with. The responder replies with
// protocol_status=UnknownRole rather than RequestComplete.
func ResultUnknownRole() Result {
	return Result{unknownRole: true}
}

func (r Result) endRequestBody() record.EndRequestBody {
	if r.unknownRole {
		return record.EndRequestBody{AppStatus: 0, ProtocolStatus: record.StatusUnknownRole}
	}
	return record.EndRequestBody{AppStatus: r.appStatus, ProtocolStatus: record.StatusRequestComplete}
}

// Handler is the application callback invoked once per Request, after
// its parameter stream has sealed and its stdin/data streams have been
// fully assembled.
type Handler func(ctx context.Context, req *Request) (Result, error)

// Request is one logical FastCGI request multiplexed on a connection.
// A Request is only ever read by the handler goroutine it was handed
// to; the fields below are safe to read without additional locking once
// the Request reaches the handler, per spec.md's invariant that
// per-request state becomes read-only after its sealing transition —
// except Aborted, which may still change concurrently.
type Request struct {
	ID       uint16
	Role     record.Role
	KeepConn bool
	Params   *params.Pairs

	stdin *bytes.Reader
	data  *bytes.Reader

	aborted atomic.Bool
	writer  Writer
}

// New constructs a sealed Request ready to hand to a Handler. stdin and
// data are the fully-assembled stream bytes.
func New(id uint16, role record.Role, keepConn bool, p *params.Pairs, stdin, data []byte, w Writer) *Request {
	return &Request{
		ID:       id,
		Role:     role,
		KeepConn: keepConn,
		Params:   p,
		stdin:    bytes.NewReader(stdin),
		data:     bytes.NewReader(data),
		writer:   w,
	}
}

// Stdin returns a reader over the fully-assembled standard input
// stream. Safe to call once; the returned reader is shared across calls
// and its position is not reset.
func (r *Request) Stdin() *bytes.Reader { return r.stdin }

// Data returns a reader over the fully-assembled FCGI_DATA stream.
// Only meaningful when Role is RoleFilter; empty otherwise.
func (r *Request) Data() *bytes.Reader { return r.data }

// Param looks up a parameter by name, case-insensitively.
func (r *Request) Param(name string) ([]byte, bool) { return r.Params.Get(name) }

// ParamString looks up a parameter and returns it as a string, only if
// it is valid UTF-8.
func (r *Request) ParamString(name string) (string, bool) { return r.Params.GetString(name) }

// Aborted reports whether an AbortRequest has arrived for this request.
// The core never forcibly cancels a running handler; a handler that
// wants to stop early should poll this between units of work, per
// spec.md §9's cooperative-cancellation design note.
func (r *Request) Aborted() bool { return r.aborted.Load() }

// MarkAborted is called by the responder's read loop when an
// AbortRequest record arrives for this id, whether or not Process has
// been called yet. Process checks Aborted() before ever invoking the
// handler, per spec.md §4.3.
func (r *Request) MarkAborted() { r.aborted.Store(true) }

// Stdout writes p to the stdout stream, chunked into records as needed.
func (r *Request) Stdout(p []byte) (int, error) { return r.writer.Write(record.TypeStdout, p) }

// Stderr writes p to the stderr stream, chunked into records as needed.
func (r *Request) Stderr(p []byte) (int, error) { return r.writer.Write(record.TypeStderr, p) }

// Process runs handler, then emits the closing stdout/stderr records and
// exactly one EndRequest, per spec.md §4.7. If the request was already
// aborted before being handed off, the handler is not run and only the
// EndRequest is emitted. If the handler returns an error, Process returns
// it and emits neither the closing records nor an EndRequest.
func (r *Request) Process(ctx context.Context, handler Handler) error {
	if r.Aborted() {
		return r.writer.EndRequest(record.EndRequestBody{
			AppStatus:      0,
			ProtocolStatus: record.StatusRequestComplete,
		})
	}

	result, err := handler(ctx, r)
	if err != nil {
		return fmt.Errorf("request: handler for id %d: %w", r.ID, err)
	}

	if cerr := r.writer.CloseStream(record.TypeStdout); cerr != nil {
		return fmt.Errorf("request: closing stdout for id %d: %w", r.ID, cerr)
	}
	if cerr := r.writer.CloseStream(record.TypeStderr); cerr != nil {
		return fmt.Errorf("request: closing stderr for id %d: %w", r.ID, cerr)
	}
	if eerr := r.writer.EndRequest(result.endRequestBody()); eerr != nil {
		return fmt.Errorf("request: ending request %d: %w", r.ID, eerr)
	}
	return nil
}
