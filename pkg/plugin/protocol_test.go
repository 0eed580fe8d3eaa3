package plugin

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseHandshakeValid(t *testing.T) {
	tests := []struct {
		input   string
		network string
		address string
	}{
		{"1|unix|/tmp/plug.sock", "unix", "/tmp/plug.sock"},
		{"1|tcp|127.0.0.1:9001\n", "tcp", "127.0.0.1:9001"},
	}
	for _, tc := range tests {
		hs, err := ParseHandshake(tc.input)
		if !assert.NoError(t, err, "ParseHandshake(%q)", tc.input) {
			continue
		}
		assert.Equal(t, HandshakeVersion, hs.Version)
		assert.Equal(t, tc.network, hs.Network)
		assert.Equal(t, tc.address, hs.Address)
		again, err := ParseHandshake(hs.String())
		assert.NoError(t, err)
		assert.Equal(t, hs, again, "String() does not parse back")
	}
}

func TestParseHandshakeInvalid(t *testing.T) {
	bad := []string{
		"",
		"garbage",
		"2|unix|/tmp/x.sock",    // wrong version
		"1|http|localhost:8080", // unsupported network
		"1|unix",                // missing address
		"1|unix|",               // empty address
		"x|unix|/tmp/x.sock",
	}
	for _, input := range bad {
		_, err := ParseHandshake(input)
		assert.Error(t, err, "ParseHandshake(%q)", input)
	}
}

func TestMessageFraming(t *testing.T) {
	var buf bytes.Buffer
	in := Request{Method: MethodInvoke, ID: "c1", Capability: "disk", Args: map[string]any{"ip_list": []any{"10.0.0.1"}}}
	require.NoError(t, WriteMessage(&buf, in))
	assert.Equal(t, buf.Len()-4, int(binary.BigEndian.Uint32(buf.Bytes()[:4])), "length prefix")
	var out Request
	require.NoError(t, ReadMessage(&buf, &out))
	assert.Equal(t, in, out)
}

func TestReadMessageRejectsOversize(t *testing.T) {
	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, MaxMessageSize+1)
	var v Response
	err := ReadMessage(bytes.NewReader(header), &v)
	assert.ErrorContains(t, err, "too large")
}

type diskPlugin struct{}

func (diskPlugin) Capabilities() CapabilitiesMsg {
	return CapabilitiesMsg{
		Name:         "disk",
		Capabilities: []CapabilityMsg{{Name: "service_003_disk_inspection"}},
	}
}

func (diskPlugin) Invoke(_ context.Context, capability string, args map[string]any) (any, error) {
	switch args["mode"] {
	case "fail":
		return nil, errors.New("ssh refused")
	case "panic":
		panic("boom")
	}
	return map[string]any{"capability": capability, "usage": 42}, nil
}

func roundTrip(t *testing.T, conn net.Conn, req Request) Response {
	t.Helper()
	require.NoError(t, WriteMessage(conn, req))
	var resp Response
	require.NoError(t, ReadMessage(conn, &resp))
	return resp
}

func TestServeConnection(t *testing.T) {
	host, plug := net.Pipe()
	defer func() { _ = host.Close() }()
	go ServeConnection(diskPlugin{}, plug)

	resp := roundTrip(t, host, Request{Method: MethodCapabilities})
	require.NotNil(t, resp.Caps)
	assert.True(t, resp.Caps.Offers("service_003_disk_inspection"))
	assert.False(t, resp.Caps.Offers("other"))

	resp = roundTrip(t, host, Request{Method: MethodInvoke, ID: "1", Capability: "service_003_disk_inspection"})
	assert.Equal(t, "1", resp.CallID)
	assert.Empty(t, resp.Error)
	assert.Equal(t, map[string]any{"capability": "service_003_disk_inspection", "usage": float64(42)}, resp.Data)

	resp = roundTrip(t, host, Request{Method: MethodInvoke, ID: "2", Args: map[string]any{"mode": "fail"}})
	assert.Equal(t, "ssh refused", resp.Error)
	assert.Nil(t, resp.Data)

	resp = roundTrip(t, host, Request{Method: MethodInvoke, ID: "3", Args: map[string]any{"mode": "panic"}})
	assert.Equal(t, "3", resp.CallID)
	assert.Contains(t, resp.Error, "boom")

	resp = roundTrip(t, host, Request{Method: "execute"})
	assert.Equal(t, `unknown method "execute"`, resp.Error)
}
