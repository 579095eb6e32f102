package responder

import (
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/fcgigo/responder/record"
)

// maxWrite mirrors the teacher FCGI client's maxWrite: the largest chunk
// written into a single record's content, leaving headroom under
// record.MaxContentLength for callers that round up oddly.
const maxWrite = 65500

// outbox is the single writer shared by every request multiplexed on one
// connection. FastCGI interleaves records from concurrent requests on
// the same byte stream, so all writes must go through one mutex; it is
// grounded in the teacher's bufWriter/streamWriter split in
// caddyhttp/fastcgi/fcgiclient.go, generalized here to many request ids
// sharing one writer instead of one FCGIClient owning one request.
type outbox struct {
	mu      sync.Mutex
	w       io.Writer
	conn    net.Conn // non-nil when w supports write deadlines
	timeout time.Duration
}

func newOutbox(w io.Writer) *outbox {
	o := &outbox{w: w}
	if nc, ok := w.(net.Conn); ok {
		o.conn = nc
	}
	return o
}

// deadline applies the configured write timeout, if any, to the
// underlying connection. Must be called with mu held.
func (o *outbox) deadline() {
	if o.conn == nil || o.timeout <= 0 {
		return
	}
	_ = o.conn.SetWriteDeadline(time.Now().Add(o.timeout))
}

// handle returns a request.Writer bound to one request id, sharing this
// outbox's mutex and underlying connection.
func (o *outbox) handle(id uint16, onEnd func(id uint16)) *requestWriter {
	return &requestWriter{outbox: o, id: id, onEnd: onEnd}
}

// writeStream frames p as one or more records of typ for id, splitting
// at maxWrite boundaries the way streamWriter.Write does.
func (o *outbox) writeStream(typ record.Type, id uint16, p []byte) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.deadline()

	written := 0
	for len(p) > 0 {
		n := len(p)
		if n > maxWrite {
			n = maxWrite
		}
		if err := record.Encode(o.w, typ, id, p[:n]); err != nil {
			return written, fmt.Errorf("responder: writing %s for request %d: %w", typ, id, err)
		}
		written += n
		p = p[n:]
	}
	return written, nil
}

// closeStream emits the zero-length record that ends a stream.
func (o *outbox) closeStream(typ record.Type, id uint16) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.deadline()
	if err := record.Encode(o.w, typ, id, nil); err != nil {
		return fmt.Errorf("responder: closing %s for request %d: %w", typ, id, err)
	}
	return nil
}

// endRequest emits the EndRequest record for id.
func (o *outbox) endRequest(id uint16, body record.EndRequestBody) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.deadline()
	if err := record.Encode(o.w, record.TypeEndRequest, id, body.Encode()); err != nil {
		return fmt.Errorf("responder: ending request %d: %w", id, err)
	}
	return nil
}

// requestWriter implements request.Writer, scoping every call to one
// request id on the shared outbox.
type requestWriter struct {
	outbox *outbox
	id     uint16
	onEnd  func(id uint16)
}

func (rw *requestWriter) Write(stream record.Type, p []byte) (int, error) {
	return rw.outbox.writeStream(stream, rw.id, p)
}

func (rw *requestWriter) CloseStream(stream record.Type) error {
	return rw.outbox.closeStream(stream, rw.id)
}

func (rw *requestWriter) EndRequest(body record.EndRequestBody) error {
	err := rw.outbox.endRequest(rw.id, body)
	if rw.onEnd != nil {
		rw.onEnd(rw.id)
	}
	return err
}
