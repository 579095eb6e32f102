package responder

import (
	"strconv"

	"github.com/fcgigo/responder/params"
	"github.com/fcgigo/responder/record"
)

// These constants name the three values FastCGI defines for GetValues,
// per FastCGI 1.0 section 4.2. Any other name is simply omitted from
// the result, matching the spec's "omit unrecognized names" rule rather
// than erroring.
const (
	varMaxConns  = "FCGI_MAX_CONNS"
	varMaxReqs   = "FCGI_MAX_REQS"
	varMpxsConns = "FCGI_MPXS_CONNS"
)

// handleGetValues answers a management GetValues query (request id 0)
// with a GetValuesResult record echoing only the names it recognizes,
// per spec.md §4.6.
func (c *Conn) handleGetValues(content []byte) error {
	query, err := params.Decode(content)
	if err != nil {
		return c.out.endManagement(record.TypeGetValuesResult, nil)
	}

	var reply []params.Pair
	query.Each(func(name string, _ []byte) {
		switch name {
		case "fcgi_max_conns":
			reply = append(reply, params.Pair{Name: []byte(varMaxConns), Value: []byte(strconv.Itoa(c.cfg.MaxConns))})
		case "fcgi_max_reqs":
			reply = append(reply, params.Pair{Name: []byte(varMaxReqs), Value: []byte(strconv.Itoa(c.cfg.MaxReqs))})
		case "fcgi_mpxs_conns":
			reply = append(reply, params.Pair{Name: []byte(varMpxsConns), Value: []byte("1")})
		}
	})

	return c.out.endManagement(record.TypeGetValuesResult, params.Encode(reply))
}

// handleUnknownType answers any record type this responder doesn't
// recognize with an UnknownType record naming the offending type, per
// FastCGI 1.0 section 4.2. This is never fatal. The body is the fixed
// 8-byte layout: the offending type byte followed by 7 reserved bytes.
func (c *Conn) handleUnknownType(typ record.Type) error {
	body := make([]byte, 8)
	body[0] = byte(typ)
	return c.out.endManagement(record.TypeUnknownType, body)
}

// endManagement writes a management-record reply on request id 0.
func (o *outbox) endManagement(typ record.Type, content []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.deadline()
	return record.Encode(o.w, typ, 0, content)
}
