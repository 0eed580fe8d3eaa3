package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/aitachi/envom/internal/capability"
	"github.com/aitachi/envom/internal/dispatch"
	"github.com/aitachi/envom/internal/server"
	wire "github.com/aitachi/envom/pkg/dispatch"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func startDispatch(t *testing.T) string {
	t.Helper()
	b := capability.NewBuilder()
	require.NoError(t, capability.DeclareCatalogue(b))
	d := dispatch.New(b.Build())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = server.New(d, zaptest.NewLogger(t)).Serve(ctx, ln)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return ln.Addr().String()
}

func TestVersion(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "envom ")
}

func TestToolsAndCall(t *testing.T) {
	addr := startDispatch(t)

	out, err := run(t, "tools", "--addr", addr)
	require.NoError(t, err)
	assert.Contains(t, out, "NAME")
	assert.Contains(t, out, capability.DiskInspection)

	out, err = run(t, "call", capability.DiskInspection, "--addr", addr, "--args", `{"ip_list":["10.0.0.1"]}`)
	require.NoError(t, err)
	var resp wire.Response
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, "placeholder", resp.Data.(map[string]any)["status"])

	_, err = run(t, "call", "service_999_missing", "--addr", addr)
	assert.ErrorContains(t, err, "service_999_missing")
}

func TestCallRejectsBadArgs(t *testing.T) {
	_, err := run(t, "call", capability.DiskInspection, "--args", "[1]")
	assert.ErrorContains(t, err, "JSON object")
}

func TestAskUsesFallbackWithoutOracle(t *testing.T) {
	out, err := run(t, "ask", "发送给", "张三", "说", "磁盘告警")
	require.NoError(t, err)
	assert.Contains(t, out, capability.WechatNotification)
}

func TestServeRejectsUnknownOption(t *testing.T) {
	_, err := run(t, "serve", "--set", "nosuch=1")
	assert.Error(t, err)
}
