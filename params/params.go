// Package params implements the FastCGI name-value pair encoding used
// for the PARAMS stream and for GetValues/GetValuesResult. See FastCGI
// 1.0, section 3.4.
package params

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// ErrMalformed is returned when a name-value stream is truncated: a
// length prefix claims more bytes than remain in the buffer.
var ErrMalformed = errors.New("params: malformed name-value stream")

// Pair is a single decoded name-value pair, in the order it appeared on
// the wire.
type Pair struct {
	Name  []byte
	Value []byte
}

// Pairs is an ordered collection of name-value pairs with case-insensitive
// lookup by name, the way spec.md describes FastCGI parameter lookup.
type Pairs struct {
	ordered []Pair
	index   map[string]int // lowercased name -> index into ordered
}

// NewPairs returns an empty, ready-to-use Pairs value.
func NewPairs() *Pairs {
	return &Pairs{index: make(map[string]int)}
}

// Add appends a pair, storing the name's original bytes but indexing it
// case-insensitively. A name already present (in any casing) keeps its
// position and original name; only its value is replaced.
func (p *Pairs) Add(name, value []byte) {
	key := strings.ToLower(string(name))
	if idx, ok := p.index[key]; ok {
		p.ordered[idx].Value = value
		return
	}
	p.index[key] = len(p.ordered)
	p.ordered = append(p.ordered, Pair{Name: name, Value: value})
}

// Get looks up a value by name, case-insensitively.
func (p *Pairs) Get(name string) ([]byte, bool) {
	if p == nil {
		return nil, false
	}
	idx, ok := p.index[strings.ToLower(name)]
	if !ok {
		return nil, false
	}
	return p.ordered[idx].Value, true
}

// GetString looks up a value by name and returns it as a string only if
// it is valid UTF-8, matching spec.md §6's "string view of the value
// when UTF-8 valid".
func (p *Pairs) GetString(name string) (string, bool) {
	v, ok := p.Get(name)
	if !ok {
		return "", false
	}
	if !isValidUTF8(v) {
		return "", false
	}
	return string(v), true
}

// Len reports the number of distinct names stored.
func (p *Pairs) Len() int {
	if p == nil {
		return 0
	}
	return len(p.ordered)
}

// Each iterates all pairs in the order they were added, yielding the
// lowercased name and the original value bytes.
func (p *Pairs) Each(fn func(name string, value []byte)) {
	if p == nil {
		return
	}
	for _, pr := range p.ordered {
		fn(strings.ToLower(string(pr.Name)), pr.Value)
	}
}

func isValidUTF8(b []byte) bool {
	return utf8.Valid(b)
}

// Decode parses a complete name-value pair stream (the concatenation of
// one or more PARAMS/GetValues record bodies) into a Pairs value. An
// empty slice yields an empty result. A truncated length prefix or a
// declared length exceeding the remaining bytes is ErrMalformed.
func Decode(data []byte) (*Pairs, error) {
	out := NewPairs()
	for len(data) > 0 {
		nameLen, n, err := readLength(data)
		if err != nil {
			return nil, err
		}
		data = data[n:]

		valueLen, n, err := readLength(data)
		if err != nil {
			return nil, err
		}
		data = data[n:]

		total := nameLen + valueLen
		if total < 0 || total > len(data) {
			return nil, fmt.Errorf("%w: pair needs %d bytes, %d remain", ErrMalformed, total, len(data))
		}

		name := append([]byte(nil), data[:nameLen]...)
		value := append([]byte(nil), data[nameLen:nameLen+valueLen]...)
		out.Add(name, value)
		data = data[total:]
	}
	return out, nil
}

// readLength reads one length prefix (1 or 4 bytes depending on the
// high bit of the first byte) and returns the decoded length and the
// number of bytes consumed.
func readLength(data []byte) (length, consumed int, err error) {
	if len(data) < 1 {
		return 0, 0, fmt.Errorf("%w: truncated length prefix", ErrMalformed)
	}
	if data[0]>>7 == 0 {
		return int(data[0]), 1, nil
	}
	if len(data) < 4 {
		return 0, 0, fmt.Errorf("%w: truncated 4-byte length prefix", ErrMalformed)
	}
	v := binary.BigEndian.Uint32(data[:4]) &^ (1 << 31)
	return int(v), 4, nil
}

// Encode writes name-value pairs in wire order, using the short
// (1-byte) length form for lengths up to 127 and the long (4-byte, high
// bit set) form otherwise.
func Encode(pairs []Pair) []byte {
	var buf []byte
	for _, p := range pairs {
		buf = appendLength(buf, len(p.Name))
		buf = appendLength(buf, len(p.Value))
		buf = append(buf, p.Name...)
		buf = append(buf, p.Value...)
	}
	return buf
}

func appendLength(buf []byte, n int) []byte {
	if n <= 127 {
		return append(buf, byte(n))
	}
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], uint32(n)|(1<<31))
	return append(buf, tmp[:]...)
}
