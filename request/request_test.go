package request

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fcgigo/responder/params"
	"github.com/fcgigo/responder/record"
)

// fakeWriter records every call for assertion without needing a real
// connection.
type fakeWriter struct {
	writes  []struct {
		stream record.Type
		p      []byte
	}
	closed []record.Type
	ended  *record.EndRequestBody
	writeErr error
}

func (w *fakeWriter) Write(stream record.Type, p []byte) (int, error) {
	if w.writeErr != nil {
		return 0, w.writeErr
	}
	cp := append([]byte(nil), p...)
	w.writes = append(w.writes, struct {
		stream record.Type
		p      []byte
	}{stream, cp})
	return len(p), nil
}

func (w *fakeWriter) CloseStream(stream record.Type) error {
	w.closed = append(w.closed, stream)
	return nil
}

func (w *fakeWriter) EndRequest(body record.EndRequestBody) error {
	b := body
	w.ended = &b
	return nil
}

func TestProcessCompleteHappyPath(t *testing.T) {
	p := params.NewPairs()
	p.Add([]byte("SERVER_PORT"), []byte("80"))
	w := &fakeWriter{}
	stdin := make([]byte, 100)
	for i := range stdin {
		stdin[i] = byte(i)
	}
	req := New(1, record.RoleResponder, false, p, stdin, nil, w)

	err := req.Process(context.Background(), func(ctx context.Context, r *Request) (Result, error) {
		v, ok := r.ParamString("server_port")
		require.True(t, ok)
		assert.Equal(t, "80", v)

		got, err := io.ReadAll(r.Stdin())
		require.NoError(t, err)
		assert.Equal(t, stdin, got)

		_, err = r.Stdout([]byte("TEST1234"))
		require.NoError(t, err)
		return Complete(0xDEADBEEF), nil
	})
	require.NoError(t, err)

	require.Len(t, w.writes, 1)
	assert.Equal(t, record.TypeStdout, w.writes[0].stream)
	assert.Equal(t, []byte("TEST1234"), w.writes[0].p)
	assert.Equal(t, []record.Type{record.TypeStdout, record.TypeStderr}, w.closed)
	require.NotNil(t, w.ended)
	assert.Equal(t, uint32(0xDEADBEEF), w.ended.AppStatus)
	assert.Equal(t, record.StatusRequestComplete, w.ended.ProtocolStatus)
}

func TestProcessUnknownRole(t *testing.T) {
	w := &fakeWriter{}
	req := New(1, record.RoleFilter, false, params.NewPairs(), nil, nil, w)

	err := req.Process(context.Background(), func(ctx context.Context, r *Request) (Result, error) {
		return ResultUnknownRole(), nil
	})
	require.NoError(t, err)
	require.NotNil(t, w.ended)
	assert.Equal(t, record.StatusUnknownRole, w.ended.ProtocolStatus)
}

func TestProcessSkipsHandlerWhenPreAborted(t *testing.T) {
	w := &fakeWriter{}
	req := New(1, record.RoleResponder, false, params.NewPairs(), nil, nil, w)
	req.MarkAborted()

	called := false
	err := req.Process(context.Background(), func(ctx context.Context, r *Request) (Result, error) {
		called = true
		return Complete(0), nil
	})
	require.NoError(t, err)
	assert.False(t, called, "handler must not run once pre-aborted")
	require.NotNil(t, w.ended)
	assert.Equal(t, uint32(0), w.ended.AppStatus)
	assert.Empty(t, w.writes)
	assert.Empty(t, w.closed, "aborted-before-process path skips stream closers too")
}

func TestAbortedObservableDuringHandler(t *testing.T) {
	w := &fakeWriter{}
	req := New(1, record.RoleResponder, false, params.NewPairs(), nil, nil, w)

	var sawAbort bool
	err := req.Process(context.Background(), func(ctx context.Context, r *Request) (Result, error) {
		req.MarkAborted() // simulate the reader loop marking it mid-handler
		sawAbort = r.Aborted()
		return Complete(0), nil
	})
	require.NoError(t, err)
	assert.True(t, sawAbort)
}

func TestProcessPropagatesHandlerError(t *testing.T) {
	w := &fakeWriter{}
	req := New(1, record.RoleResponder, false, params.NewPairs(), nil, nil, w)

	wantErr := errors.New("boom")
	err := req.Process(context.Background(), func(ctx context.Context, r *Request) (Result, error) {
		return Result{}, wantErr
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, wantErr)
	assert.Nil(t, w.ended, "EndRequest must not be sent when the handler itself errors")
}

func TestDataStreamForFilterRole(t *testing.T) {
	w := &fakeWriter{}
	req := New(1, record.RoleFilter, false, params.NewPairs(), nil, []byte("THIS_IS_DATA"), w)

	err := req.Process(context.Background(), func(ctx context.Context, r *Request) (Result, error) {
		got, err := io.ReadAll(r.Data())
		require.NoError(t, err)
		assert.Equal(t, "THIS_IS_DATA", string(got))
		return Complete(0), nil
	})
	require.NoError(t, err)
}
