package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeRequestRejectsNonObjects(t *testing.T) {
	for _, line := range []string{`[]`, `"list_tools"`, `42`, `null`, `not json`, `{broken`} {
		_, err := DecodeRequest([]byte(line))
		assert.ErrorIs(t, err, ErrNotObject, "line %q", line)
	}
}

func TestDecodeRequestCallTool(t *testing.T) {
	req, err := DecodeRequest([]byte(`{"method":"call_tool","params":{"name":"svc","arguments":{"hours":6}},"id":"7"}`))
	require.NoError(t, err)
	assert.Equal(t, MethodCallTool, req.Method)
	require.NotNil(t, req.Params)
	assert.Equal(t, "svc", req.Params.Name)
	assert.EqualValues(t, 6, req.Params.Arguments["hours"])
	require.NotNil(t, req.ID)
	assert.Equal(t, "7", *req.ID)
}

func TestResponseAlwaysCarriesAllKeys(t *testing.T) {
	for _, resp := range []Response{OK(nil, nil), Fail(StringID("x"), "boom")} {
		raw, err := json.Marshal(resp)
		require.NoError(t, err)
		var m map[string]any
		require.NoError(t, json.Unmarshal(raw, &m))
		for _, k := range []string{"success", "data", "error", "id"} {
			assert.Contains(t, m, k)
		}
	}
}

func TestOKWithNilDataIsEmptyObject(t *testing.T) {
	resp := OK(nil, nil)
	assert.True(t, resp.Success)
	assert.Equal(t, map[string]any{}, resp.Data)
	assert.Nil(t, resp.Error)
}

func TestFailHasNoData(t *testing.T) {
	resp := Failf(StringID("1"), "unknown %q", "x")
	assert.False(t, resp.Success)
	assert.Nil(t, resp.Data)
	assert.Equal(t, `unknown "x"`, resp.ErrorText())
}

func TestLineReaderSkipsBlankLines(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString("\n  \n")
	require.NoError(t, WriteLine(&buf, Request{Method: MethodListTools}))
	buf.WriteString("\n")
	require.NoError(t, WriteLine(&buf, Request{Method: MethodCallTool}))

	lr := NewLineReader(&buf)
	first, err := lr.Next()
	require.NoError(t, err)
	assert.Contains(t, string(first), MethodListTools)
	second, err := lr.Next()
	require.NoError(t, err)
	assert.Contains(t, string(second), MethodCallTool)
	_, err = lr.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestLineReaderRejectsOversizedLine(t *testing.T) {
	lr := NewLineReader(strings.NewReader(strings.Repeat("x", MaxLineSize+10) + "\n"))
	_, err := lr.Next()
	require.Error(t, err)
	assert.False(t, errors.Is(err, io.EOF))
}

// echoServer answers each request line with a canned response on the other
// end of a pipe.
func echoServer(t *testing.T, conn net.Conn, answer func(Request) Response) {
	t.Helper()
	go func() {
		defer conn.Close()
		lr := NewLineReader(conn)
		for {
			line, err := lr.Next()
			if err != nil {
				return
			}
			req, err := DecodeRequest(line)
			if err != nil {
				_ = WriteLine(conn, Fail(nil, UnsupportedRequest))
				continue
			}
			if err := WriteLine(conn, answer(req)); err != nil {
				return
			}
		}
	}()
}

func TestClientListToolsAndCall(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	echoServer(t, serverConn, func(req Request) Response {
		switch req.Method {
		case MethodListTools:
			return OK(req.ID, []Tool{{Name: "service_a", Description: "A"}})
		case MethodCallTool:
			return OK(req.ID, map[string]any{"echo": req.Params.Arguments["v"]})
		}
		return Fail(req.ID, "unknown method")
	})

	c := NewClient(clientConn)
	defer func() { _ = c.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tools, err := c.ListTools(ctx)
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.Equal(t, "service_a", tools[0].Name)

	resp, err := c.Call(ctx, "service_a", map[string]any{"v": "hi"})
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, map[string]any{"echo": "hi"}, resp.Data)
	require.NotNil(t, resp.ID)
}

func TestClientHonoursContextCancel(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer serverConn.Close()

	c := NewClient(clientConn)
	defer func() { _ = c.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	// Nobody reads serverConn, so the write blocks until the deadline fires.
	_, err := c.Call(ctx, "service_a", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
