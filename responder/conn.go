// Package responder implements the server side of the FastCGI protocol:
// accepting connections, multiplexing concurrent requests on each one,
// and driving application handlers via the request package. It is the
// library a FastCGI application process embeds in place of a raw
// net/http server, the way caddyhttp/fastcgi is the client side talking
// to one.
package responder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fcgigo/responder/params"
	"github.com/fcgigo/responder/record"
	"github.com/fcgigo/responder/request"
)

// connState tracks where a single multiplexed request sits in the
// lifecycle spec.md §4 describes: a BeginRequest opens it, PARAMS and
// STDIN/DATA records feed it, and once both streams are sealed it moves
// to ready and is handed to the handler goroutine.
type connState uint8

const (
	stateAwaitingParams connState = iota
	stateAwaitingBody
	stateReady
)

// pendingRequest accumulates the records for one in-flight request id
// until both its PARAMS and STDIN (and, for RoleFilter, DATA) streams
// have seen their closing zero-length record.
type pendingRequest struct {
	role     record.Role
	keepConn bool
	state    connState

	paramsBuf []byte
	paramsEnd bool

	stdinBuf []byte
	stdinEnd bool

	dataBuf []byte
	dataEnd bool

	aborted bool              // AbortRequest arrived before dispatch
	req     *request.Request // set once sealed and dispatched
}

// sealed reports whether enough records have arrived to dispatch this
// request. Normally that means params, stdin, and (for Filter) data
// have all seen their closing record. But an AbortRequest arriving
// before the body streams close must still produce an immediate
// EndRequest without ever invoking the handler (spec.md §8 scenario 4),
// so an aborted request is sealed as soon as its params are sealed.
func (p *pendingRequest) sealed() bool {
	if !p.paramsEnd {
		return false
	}
	if p.aborted {
		return true
	}
	if !p.stdinEnd {
		return false
	}
	if p.role == record.RoleFilter && !p.dataEnd {
		return false
	}
	return true
}

// Config bounds a Conn's resource usage, echoed back verbatim by the
// GetValues management query per spec.md §4.6.
type Config struct {
	// MaxConns is the value reported for FCGI_MAX_CONNS. It does not
	// itself limit anything; Listen's concurrency is bounded separately.
	MaxConns int
	// MaxReqs is both the value reported for FCGI_MAX_REQS and the
	// concurrent in-flight request limit enforced per connection.
	MaxReqs int
	// ReadTimeout and WriteTimeout, if non-zero, are applied to the
	// underlying connection via SetReadDeadline/SetWriteDeadline before
	// each record read and each batch of record writes.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig reports 10 for both FCGI_MAX_CONNS and FCGI_MAX_REQS, so
// a connection served without WithConfig accepts up to 10 concurrent
// requests. FCGI_MPXS_CONNS is always answered "1" since this package
// always supports multiplexed requests on one connection.
func DefaultConfig() Config {
	return Config{MaxConns: 10, MaxReqs: 10}
}

// Conn drives the record-level protocol state machine for one accepted
// network connection: decoding records, assembling requests, and
// dispatching sealed ones to Handler. Construct one with Serve rather
// than directly.
type Conn struct {
	id      uuid.UUID
	nc      net.Conn
	cfg     Config
	log     *zap.Logger
	metrics *Metrics
	handler request.Handler

	out *outbox

	mu       sync.Mutex
	pending  map[uint16]*pendingRequest
	inflight sync.WaitGroup
}

// Serve runs the protocol state machine on nc until the connection
// closes or a fatal error occurs, per spec.md §4. It blocks until
// finished; callers that accept connections in a loop should run it in
// its own goroutine (see Listen, which does this for a whole listener).
// nc is closed before Serve returns.
func Serve(ctx context.Context, nc net.Conn, handler request.Handler, opts ...Option) error {
	c := &Conn{
		id:      uuid.New(),
		nc:      nc,
		cfg:     DefaultConfig(),
		log:     zap.NewNop(),
		metrics: nil,
		handler: handler,
		pending: make(map[uint16]*pendingRequest),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.out = newOutbox(nc)
	c.out.timeout = c.cfg.WriteTimeout

	defer nc.Close()
	c.metrics.connOpened()
	defer c.metrics.connClosed()

	log := c.log.With(zap.String("conn_id", c.id.String()))
	log.Debug("connection accepted")

	err := c.readLoop(ctx)
	c.inflight.Wait()
	if err != nil && !errors.Is(err, io.EOF) {
		log.Warn("connection ended with error", zap.Error(err))
		return &ConnError{ConnID: c.id, Err: err}
	}
	log.Debug("connection closed")
	return nil
}

// Option configures a Conn constructed by Serve.
type Option func(*Conn)

// WithConfig overrides the default resource-reporting Config.
func WithConfig(cfg Config) Option { return func(c *Conn) { c.cfg = cfg } }

// WithLogger attaches a zap logger. A nil logger is ignored, leaving
// the no-op default in place.
func WithLogger(log *zap.Logger) Option {
	return func(c *Conn) {
		if log != nil {
			c.log = log
		}
	}
}

// WithMetrics attaches a Metrics collector. A nil value leaves metrics
// disabled; Metrics's methods are nil-safe so the hot path never needs
// to branch on whether metrics are enabled.
func WithMetrics(m *Metrics) Option { return func(c *Conn) { c.metrics = m } }

func (c *Conn) readLoop(ctx context.Context) error {
	for {
		if c.cfg.ReadTimeout > 0 {
			if err := c.nc.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout)); err != nil {
				return fmt.Errorf("responder: setting read deadline: %w", err)
			}
		}

		rec, err := record.Decode(c.nc)
		if err != nil {
			// io.EOF covers a clean peer shutdown; net.ErrClosed covers a
			// real socket this side closed itself (e.g. after a
			// non-KEEP_CONN request ends); io.ErrClosedPipe covers the
			// same case for an in-process net.Pipe connection, as used in
			// this package's own tests.
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
				return nil
			}
			if errors.Is(err, record.ErrInvalidVersion) {
				return err
			}
			return fmt.Errorf("responder: decoding record: %w", err)
		}

		c.metrics.recordDecoded(rec.Header.Type.String())

		if err := c.handleRecord(ctx, rec); err != nil {
			return err
		}
	}
}

func (c *Conn) handleRecord(ctx context.Context, rec *record.Record) error {
	if rec.Header.RequestID == 0 {
		return c.handleManagementRecord(rec)
	}

	switch rec.Header.Type {
	case record.TypeBeginRequest:
		return c.handleBeginRequest(rec)
	case record.TypeAbortRequest:
		return c.handleAbortRequest(ctx, rec.Header.RequestID)
	case record.TypeParams:
		return c.handleParams(ctx, rec)
	case record.TypeStdin:
		return c.handleStdin(ctx, rec)
	case record.TypeData:
		return c.handleData(ctx, rec)
	default:
		return c.handleUnknownType(rec.Header.Type)
	}
}

func (c *Conn) handleManagementRecord(rec *record.Record) error {
	switch rec.Header.Type {
	case record.TypeGetValues:
		return c.handleGetValues(rec.Content)
	default:
		return c.handleUnknownType(rec.Header.Type)
	}
}

func (c *Conn) handleBeginRequest(rec *record.Record) error {
	body, err := record.DecodeBeginRequestBody(rec.Content)
	if err != nil {
		return fmt.Errorf("responder: %w", err)
	}
	switch body.Role {
	case record.RoleResponder, record.RoleAuthorizer, record.RoleFilter:
	default:
		return fmt.Errorf("%w: %d", ErrInvalidRole, body.Role)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cfg.MaxReqs > 0 && len(c.pending) >= c.cfg.MaxReqs {
		return fmt.Errorf("%w: id %d would exceed MaxReqs=%d", ErrTooManyRequests, rec.Header.RequestID, c.cfg.MaxReqs)
	}
	c.pending[rec.Header.RequestID] = &pendingRequest{
		role:     body.Role,
		keepConn: body.Flags&record.FlagKeepConn != 0,
		state:    stateAwaitingParams,
	}
	return nil
}

func (c *Conn) handleAbortRequest(ctx context.Context, id uint16) error {
	c.mu.Lock()
	p, ok := c.pending[id]
	var liveReq *request.Request
	dispatchNow := false
	if ok {
		if p.req != nil {
			liveReq = p.req
		} else {
			p.aborted = true
			dispatchNow = p.sealed()
		}
	}
	c.mu.Unlock()

	if liveReq != nil {
		liveReq.MarkAborted()
		return nil
	}
	if dispatchNow {
		return c.dispatch(ctx, id, p)
	}
	return nil
}

func (c *Conn) handleParams(ctx context.Context, rec *record.Record) error {
	c.mu.Lock()
	p, ok := c.pending[rec.Header.RequestID]
	if !ok {
		c.mu.Unlock()
		return nil // record for an id we never opened; ignore per spec.md §7
	}
	if len(rec.Content) == 0 {
		p.paramsEnd = true
	} else {
		p.paramsBuf = append(p.paramsBuf, rec.Content...)
	}
	sealed := p.sealed()
	c.mu.Unlock()

	if sealed {
		return c.dispatch(ctx, rec.Header.RequestID, p)
	}
	return nil
}

func (c *Conn) handleStdin(ctx context.Context, rec *record.Record) error {
	c.mu.Lock()
	p, ok := c.pending[rec.Header.RequestID]
	if !ok {
		c.mu.Unlock()
		return nil
	}
	if len(rec.Content) == 0 {
		p.stdinEnd = true
	} else {
		p.stdinBuf = append(p.stdinBuf, rec.Content...)
	}
	sealed := p.sealed()
	c.mu.Unlock()

	if sealed {
		return c.dispatch(ctx, rec.Header.RequestID, p)
	}
	return nil
}

func (c *Conn) handleData(ctx context.Context, rec *record.Record) error {
	c.mu.Lock()
	p, ok := c.pending[rec.Header.RequestID]
	if !ok {
		c.mu.Unlock()
		return nil
	}
	if len(rec.Content) == 0 {
		p.dataEnd = true
	} else {
		p.dataBuf = append(p.dataBuf, rec.Content...)
	}
	sealed := p.sealed()
	c.mu.Unlock()

	if sealed {
		return c.dispatch(ctx, rec.Header.RequestID, p)
	}
	return nil
}

// dispatch seals a pendingRequest into a *request.Request and runs its
// handler on its own goroutine, so that one slow request never blocks
// the read loop from servicing the rest of the multiplexed connection,
// per spec.md §4.5.
func (c *Conn) dispatch(ctx context.Context, id uint16, p *pendingRequest) error {
	decodedParams, err := params.Decode(p.paramsBuf)
	if err != nil {
		return fmt.Errorf("%w: request %d: %w", ErrMalformedParams, id, err)
	}

	c.mu.Lock()
	if p.state == stateReady {
		c.mu.Unlock()
		return nil // already dispatched; a duplicate close record arrived
	}
	p.state = stateReady
	c.mu.Unlock()

	rw := c.out.handle(id, func(endedID uint16) {
		c.mu.Lock()
		delete(c.pending, endedID)
		c.mu.Unlock()
	})
	req := request.New(id, p.role, p.keepConn, decodedParams, p.stdinBuf, p.dataBuf, rw)

	c.mu.Lock()
	p.req = req
	wasAborted := p.aborted
	c.mu.Unlock()
	if wasAborted {
		req.MarkAborted()
	}

	c.inflight.Add(1)
	go func() {
		defer c.inflight.Done()
		if err := req.Process(ctx, c.handler); err != nil {
			c.log.Error("request processing failed",
				zap.String("conn_id", c.id.String()),
				zap.Uint16("request_id", id),
				zap.Error(err))
			c.metrics.requestCompleted("error")
			return
		}
		c.metrics.requestCompleted("complete")

		if !p.keepConn {
			// spec.md: "EndRequest must be emitted exactly once, followed
			// by connection closure iff !keep_conn". Closing here makes
			// the read loop's next Decode fail and return.
			c.nc.Close()
		}
	}()
	return nil
}

// Listen accepts connections on ln until ctx is cancelled, serving each
// with handler via Serve. It returns once ctx is done and every
// in-flight Serve call has returned. maxConcurrent bounds how many
// connections are served at once; Accept keeps running and simply
// blocks handing a connection off once the bound is reached. A
// non-positive maxConcurrent means unbounded.
func Listen(ctx context.Context, ln net.Listener, handler request.Handler, maxConcurrent int, opts ...Option) error {
	lifecycle, gctx := errgroup.WithContext(ctx)
	conns, connsCtx := errgroup.WithContext(gctx)
	if maxConcurrent > 0 {
		conns.SetLimit(maxConcurrent)
	}

	lifecycle.Go(func() error {
		<-gctx.Done()
		return ln.Close()
	})

	lifecycle.Go(func() error {
		for {
			nc, err := ln.Accept()
			if err != nil {
				if gctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("responder: accept: %w", err)
			}
			conns.Go(func() error {
				return Serve(connsCtx, nc, handler, opts...)
			})
		}
	})

	lifecycleErr := lifecycle.Wait()
	connsErr := conns.Wait()

	if lifecycleErr != nil && !errors.Is(lifecycleErr, context.Canceled) {
		return lifecycleErr
	}
	if connsErr != nil && !errors.Is(connsErr, context.Canceled) {
		return connsErr
	}
	return nil
}
