package plugin

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	pkg "github.com/aitachi/envom/pkg/plugin"
)

// fakePluginServer serves handler on a Unix socket until cleanup.
func fakePluginServer(t *testing.T, handler pkg.Handler) (network, address string) {
	t.Helper()
	// short path: t.TempDir can exceed the socket path limit
	dir, err := os.MkdirTemp("", "envom-pl-*")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	sockPath := filepath.Join(dir, "p.sock")

	ln, err := net.Listen("unix", sockPath)
	require.NoError(t, err)
	go func() { _ = pkg.ServeListener(ln, handler) }()
	t.Cleanup(func() { _ = ln.Close() })
	return "unix", sockPath
}

type monitorHandler struct {
	block chan struct{}
}

func (h *monitorHandler) Capabilities() pkg.CapabilitiesMsg {
	return pkg.CapabilitiesMsg{
		Name:        "monitor",
		Description: "Memory and disk collectors",
		Capabilities: []pkg.CapabilityMsg{
			{
				Name: "service_002_memory_inspection",
				Parameters: []pkg.ParameterMsg{
					{Name: "ip_list", Type: "array", Required: true},
				},
			},
			{Name: "service_003_disk_inspection"},
		},
	}
}

func (h *monitorHandler) Invoke(_ context.Context, capability string, args map[string]any) (any, error) {
	if args["wait"] == true && h.block != nil {
		<-h.block
	}
	ips, _ := args["ip_list"].([]any)
	if len(ips) == 0 {
		return nil, errors.New("ip_list is empty")
	}
	return map[string]any{"capability": capability, "checked": len(ips)}, nil
}

func dialMonitor(t *testing.T, h *monitorHandler) *Client {
	t.Helper()
	network, addr := fakePluginServer(t, h)
	client, err := Dial(network, addr, defaultDialTimeout)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestClientDialAndCapabilities(t *testing.T) {
	client := dialMonitor(t, &monitorHandler{})

	assert.Equal(t, "monitor", client.Name())
	caps := client.Capabilities()
	require.Len(t, caps.Capabilities, 2)
	assert.True(t, caps.Capabilities[0].Parameters[0].Required, "ip_list should be required")
}

func TestClientInvoke(t *testing.T) {
	client := dialMonitor(t, &monitorHandler{})

	h := client.Handler("service_002_memory_inspection")
	for i := 0; i < 3; i++ {
		got, err := h.Invoke(context.Background(), map[string]any{"ip_list": []any{"10.0.0.1", "10.0.0.2"}})
		require.NoError(t, err, "call %d", i)
		data := got.(map[string]any)
		assert.Equal(t, "service_002_memory_inspection", data["capability"])
		assert.Equal(t, float64(2), data["checked"])
	}

	_, err := h.Invoke(context.Background(), map[string]any{})
	assert.EqualError(t, err, "ip_list is empty")
}

func TestClientRecoversAfterTimeout(t *testing.T) {
	block := make(chan struct{})
	client := dialMonitor(t, &monitorHandler{block: block})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := client.Invoke(ctx, "service_002_memory_inspection", map[string]any{"wait": true, "ip_list": []any{"x"}})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	close(block)

	args := map[string]any{"ip_list": []any{"10.0.0.1"}}
	got, err := client.Invoke(context.Background(), "service_002_memory_inspection", args)
	require.NoError(t, err, "call after a timeout must redial")
	assert.Equal(t, float64(1), got.(map[string]any)["checked"])

	_, err = client.Handler("service_003_disk_inspection").Invoke(context.Background(), args)
	assert.NoError(t, err, "sibling capability on the same plugin")
}

func TestClientClosedRejectsCalls(t *testing.T) {
	client := dialMonitor(t, &monitorHandler{})
	require.NoError(t, client.Close())

	_, err := client.Invoke(context.Background(), "service_003_disk_inspection", map[string]any{"ip_list": []any{"x"}})
	assert.ErrorIs(t, err, net.ErrClosed)
}

func TestClientReportsUnreachablePlugin(t *testing.T) {
	network, addr := fakePluginServer(t, &monitorHandler{})
	client, err := Dial(network, addr, time.Second)
	require.NoError(t, err)
	defer func() { _ = client.Close() }()

	// plugin went away: drop the live connection and the socket
	client.mu.Lock()
	client.drop()
	client.address = filepath.Join(t.TempDir(), "gone.sock")
	client.mu.Unlock()

	_, err = client.Invoke(context.Background(), "service_003_disk_inspection", map[string]any{"ip_list": []any{"x"}})
	assert.ErrorContains(t, err, "plugin monitor unavailable")
}

func TestDialFailsWithoutPlugin(t *testing.T) {
	_, err := Dial("unix", filepath.Join(t.TempDir(), "absent.sock"), time.Second)
	assert.Error(t, err)
}

func tcpPlugin(t *testing.T, handler pkg.Handler) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	go func() { _ = pkg.ServeListener(ln, handler) }()
	return "tcp://" + ln.Addr().String()
}

func TestManagerSharesPlugin(t *testing.T) {
	target := tcpPlugin(t, &monitorHandler{})
	m := NewManager(zaptest.NewLogger(t))
	defer m.StopAll()

	mem, err := m.Bind(context.Background(), "service_002_memory_inspection", target)
	require.NoError(t, err)
	disk, err := m.Bind(context.Background(), "service_003_disk_inspection", target)
	require.NoError(t, err)
	assert.Equal(t, []string{target}, m.List())

	args := map[string]any{"ip_list": []any{"10.0.0.9"}}
	_, err = mem.Invoke(context.Background(), args)
	assert.NoError(t, err)
	_, err = disk.Invoke(context.Background(), args)
	assert.NoError(t, err)
}

func TestManagerBindFailures(t *testing.T) {
	target := tcpPlugin(t, &monitorHandler{})
	m := NewManager(zaptest.NewLogger(t))
	defer m.StopAll()

	_, err := m.Bind(context.Background(), "service_012_wechat_notification", target)
	assert.ErrorContains(t, err, "does not offer")

	_, err = m.Bind(context.Background(), "x", filepath.Join(t.TempDir(), "no-such-plugin"))
	assert.Error(t, err, "missing binary")

	_, err = m.Bind(context.Background(), "x", "tcp://127.0.0.1:1")
	assert.Error(t, err, "unreachable remote")
}

func TestDetectPluginMode(t *testing.T) {
	cases := map[string]pluginMode{
		"/opt/envom/plugins/disk": modeBinary,
		"tcp://10.0.0.5:7000":     modeRemote,
		"TCP://host:1":            modeRemote,
	}
	for in, want := range cases {
		assert.Equal(t, want, detectPluginMode(in), in)
	}
}
