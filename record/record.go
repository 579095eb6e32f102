// Package record implements the FastCGI record framing layer: the 8-byte
// header plus content and padding that every other FastCGI message is
// built from. See FastCGI 1.0, section 3.3.
package record

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Type identifies a FastCGI record type.
type Type uint8

// Record types recognized on the wire. Unknown values decode fine; only
// the responder layer decides what to do with a type it doesn't know.
const (
	TypeBeginRequest    Type = 1
	TypeAbortRequest    Type = 2
	TypeEndRequest      Type = 3
	TypeParams          Type = 4
	TypeStdin           Type = 5
	TypeStdout          Type = 6
	TypeStderr          Type = 7
	TypeData            Type = 8
	TypeGetValues       Type = 9
	TypeGetValuesResult Type = 10
	TypeUnknownType     Type = 11
)

func (t Type) String() string {
	switch t {
	case TypeBeginRequest:
		return "BEGIN_REQUEST"
	case TypeAbortRequest:
		return "ABORT_REQUEST"
	case TypeEndRequest:
		return "END_REQUEST"
	case TypeParams:
		return "PARAMS"
	case TypeStdin:
		return "STDIN"
	case TypeStdout:
		return "STDOUT"
	case TypeStderr:
		return "STDERR"
	case TypeData:
		return "DATA"
	case TypeGetValues:
		return "GET_VALUES"
	case TypeGetValuesResult:
		return "GET_VALUES_RESULT"
	case TypeUnknownType:
		return "UNKNOWN_TYPE"
	default:
		return fmt.Sprintf("TYPE(%d)", uint8(t))
	}
}

// Role identifies which of the three FastCGI roles a BeginRequest asked
// the responder to play.
type Role uint16

const (
	RoleResponder  Role = 1
	RoleAuthorizer Role = 2
	RoleFilter     Role = 3
)

// ProtocolStatus is the protocol_status field of an EndRequest body.
type ProtocolStatus uint8

const (
	StatusRequestComplete ProtocolStatus = 0
	StatusCantMpxConn     ProtocolStatus = 1
	StatusOverloaded      ProtocolStatus = 2
	StatusUnknownRole     ProtocolStatus = 3
)

// FlagKeepConn is the BeginRequest flags bit asking the responder to
// leave the connection open after EndRequest.
const FlagKeepConn uint8 = 1

// Version1 is the only version this package understands.
const Version1 uint8 = 1

// HeaderLen is the fixed size of a record header in bytes.
const HeaderLen = 8

// MaxContentLength is the largest content a single record can carry.
const MaxContentLength = 0xFFFF

var (
	// ErrInvalidVersion is returned when a decoded header's version byte
	// is not Version1. Per spec this is a fatal, connection-ending error.
	ErrInvalidVersion = errors.New("record: invalid version")
)

// Header is the fixed 8-byte prefix of every FastCGI record.
type Header struct {
	Version       uint8
	Type          Type
	RequestID     uint16
	ContentLength uint16
	PaddingLength uint8
	Reserved      uint8
}

// Record is a fully decoded FastCGI frame: header plus content. Padding
// bytes are never retained past decode.
type Record struct {
	Header  Header
	Content []byte
}

// pad is a shared scratch buffer of zero bytes, written out for padding.
// Not synchronized: callers only ever read its contents.
var pad [255]byte

// Decode reads exactly one record from r. A short read of the header
// itself surfaces as io.ErrUnexpectedEOF via io.ReadFull's contract; a
// version mismatch is ErrInvalidVersion.
func Decode(r io.Reader) (*Record, error) {
	var hdr [HeaderLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("record: reading header: %w", err)
	}

	h := Header{
		Version:       hdr[0],
		Type:          Type(hdr[1]),
		RequestID:     binary.BigEndian.Uint16(hdr[2:4]),
		ContentLength: binary.BigEndian.Uint16(hdr[4:6]),
		PaddingLength: hdr[6],
		Reserved:      hdr[7],
	}
	if h.Version != Version1 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidVersion, h.Version)
	}

	n := int(h.ContentLength) + int(h.PaddingLength)
	buf := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, fmt.Errorf("record: reading content+padding: %w", err)
		}
	}

	return &Record{Header: h, Content: buf[:h.ContentLength]}, nil
}

// Encode writes a single record of the given type, request id and
// content to w, choosing a padding length that rounds the frame up to
// an 8-byte boundary. content must be at most MaxContentLength bytes;
// callers that have more to send must split it themselves (see
// responder's stream writer).
func Encode(w io.Writer, typ Type, id uint16, content []byte) error {
	if len(content) > MaxContentLength {
		return fmt.Errorf("record: content length %d exceeds max %d", len(content), MaxContentLength)
	}

	padLen := uint8(-len(content) & 7)

	var hdr [HeaderLen]byte
	hdr[0] = Version1
	hdr[1] = uint8(typ)
	binary.BigEndian.PutUint16(hdr[2:4], id)
	binary.BigEndian.PutUint16(hdr[4:6], uint16(len(content)))
	hdr[6] = padLen
	hdr[7] = 0

	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("record: writing header: %w", err)
	}
	if len(content) > 0 {
		if _, err := w.Write(content); err != nil {
			return fmt.Errorf("record: writing content: %w", err)
		}
	}
	if padLen > 0 {
		if _, err := w.Write(pad[:padLen]); err != nil {
			return fmt.Errorf("record: writing padding: %w", err)
		}
	}
	return nil
}

// BeginRequestBody is the 8-byte body of a BeginRequest record.
type BeginRequestBody struct {
	Role  Role
	Flags uint8
}

// DecodeBeginRequestBody parses the content of a BeginRequest record.
func DecodeBeginRequestBody(content []byte) (BeginRequestBody, error) {
	if len(content) < 8 {
		return BeginRequestBody{}, fmt.Errorf("record: short BeginRequest body: %d bytes", len(content))
	}
	return BeginRequestBody{
		Role:  Role(binary.BigEndian.Uint16(content[0:2])),
		Flags: content[2],
	}, nil
}

// EndRequestBody is the 8-byte body of an EndRequest record.
type EndRequestBody struct {
	AppStatus      uint32
	ProtocolStatus ProtocolStatus
}

// Encode serializes an EndRequest body.
func (b EndRequestBody) Encode() []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint32(buf[0:4], b.AppStatus)
	buf[4] = uint8(b.ProtocolStatus)
	return buf
}
