package record

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		typ     Type
		id      uint16
		content []byte
	}{
		{"empty content", TypeParams, 1, nil},
		{"small content", TypeStdout, 1, []byte("TEST1234")},
		{"exactly 8 bytes, no padding needed", TypeStdin, 42, bytes.Repeat([]byte{0x01}, 8)},
		{"length not a multiple of 8 requires padding", TypeData, 7, []byte("THIS_IS_DATA")},
		{"max content length", TypeStdout, 1, bytes.Repeat([]byte{0xAB}, MaxContentLength)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, Encode(&buf, tt.typ, tt.id, tt.content))

			rec, err := Decode(&buf)
			require.NoError(t, err)
			assert.Equal(t, tt.typ, rec.Header.Type)
			assert.Equal(t, tt.id, rec.Header.RequestID)
			assert.Equal(t, tt.content, rec.Content)
			assert.Equal(t, 0, buf.Len(), "decode must consume the whole frame including padding")
		})
	}
}

func TestEncodePaddingRoundsToEightBytes(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, TypeStdout, 1, []byte("TEST1234")))
	// header(8) + content(8) + padding(0) = 16
	assert.Equal(t, 16, buf.Len())

	buf.Reset()
	require.NoError(t, Encode(&buf, TypeStdout, 1, []byte("abc")))
	// header(8) + content(3) + padding(5) = 16
	assert.Equal(t, 16, buf.Len())
}

func TestEncodeRejectsOversizeContent(t *testing.T) {
	var buf bytes.Buffer
	err := Encode(&buf, TypeStdout, 1, make([]byte, MaxContentLength+1))
	assert.Error(t, err)
}

func TestDecodeInvalidVersion(t *testing.T) {
	hdr := []byte{2, uint8(TypeStdout), 0, 1, 0, 0, 0, 0}
	_, err := Decode(bytes.NewReader(hdr))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidVersion)
}

func TestDecodeUnexpectedEOFMidHeader(t *testing.T) {
	_, err := Decode(bytes.NewReader([]byte{1, 2, 3}))
	require.Error(t, err)
	assert.NotErrorIs(t, err, io.EOF, "a short header is a protocol error, not a clean EOF")
}

func TestDecodeCleanEOFBetweenRecords(t *testing.T) {
	_, err := Decode(bytes.NewReader(nil))
	assert.ErrorIs(t, err, io.EOF)
}

func TestDecodeUnknownTypePreserved(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, Type(99), 1, nil))
	rec, err := Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, Type(99), rec.Header.Type)
}

func TestBeginEndRequestBodies(t *testing.T) {
	body := BeginRequestBody{Role: RoleFilter, Flags: FlagKeepConn}
	content := []byte{0, uint8(body.Role), body.Flags, 0, 0, 0, 0, 0}
	decoded, err := DecodeBeginRequestBody(content)
	require.NoError(t, err)
	assert.Equal(t, body, decoded)

	_, err = DecodeBeginRequestBody([]byte{0, 1})
	assert.Error(t, err)

	end := EndRequestBody{AppStatus: 0xDEADBEEF, ProtocolStatus: StatusRequestComplete}
	assert.Equal(t, []byte{0xDE, 0xAD, 0xBE, 0xEF, 0, 0, 0, 0}, end.Encode())
}

func TestTypeString(t *testing.T) {
	assert.Equal(t, "STDOUT", TypeStdout.String())
	assert.Equal(t, "TYPE(99)", Type(99).String())
}
