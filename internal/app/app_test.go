package app

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/aitachi/envom/internal/agent"
	"github.com/aitachi/envom/internal/artifact"
	"github.com/aitachi/envom/internal/capability"
	"github.com/aitachi/envom/internal/config"
	"github.com/aitachi/envom/internal/pipeline"
	"github.com/aitachi/envom/internal/plan"
	"github.com/aitachi/envom/internal/requestpkg"
	pkg "github.com/aitachi/envom/pkg/plugin"
)

func build(t *testing.T, cfg *config.Config) *App {
	t.Helper()
	a, err := New(context.Background(), cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestDefaultConfigServesPlaceholders(t *testing.T) {
	a := build(t, config.Default())

	assert.Equal(t, len(capability.Catalogue()), a.Registry.Len())
	entry, ok := a.Registry.Pipeline()
	require.True(t, ok)
	assert.Equal(t, capability.FullInspection, entry.Name())
	assert.Len(t, a.Registry.Placeholders(), len(capability.Catalogue())-1)

	reply := a.Agent.Handle(context.Background(), "发送给 张三 说 磁盘告警")
	assert.Equal(t, agent.ReplyReport, reply.Kind)
	require.NotNil(t, reply.Summary)
	assert.Equal(t, 1, reply.Summary.Succeeded)
	assert.Equal(t, "placeholder", reply.Summary.Steps[0].Data.(map[string]any)["status"])
}

func TestPipelineRunsThroughDispatcher(t *testing.T) {
	a := build(t, config.Default())

	data, err := a.Dispatcher.Call(context.Background(), capability.FullInspection, nil)
	require.NoError(t, err)
	st := data.(*pipeline.State)
	assert.Equal(t, pipeline.StatusCompleted, st.Status)
	assert.Equal(t, 5, st.Iteration)

	var last pipeline.State
	require.NoError(t, artifact.GetJSON(context.Background(), a.Store, pipeline.LastRunKey, &last))
	assert.Equal(t, st.RunID, last.RunID)
}

func TestBackendsAreBound(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "disk.lua")
	require.NoError(t, os.WriteFile(script, []byte(`
function invoke(params)
  return { message = "disk ok", hosts = #params.ip_list }
end`), 0600))

	monitor := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"nginx":"up"}`))
	}))
	defer monitor.Close()

	pkgDir := filepath.Join(dir, "packages")
	require.NoError(t, os.MkdirAll(pkgDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(pkgDir, "monitor.yaml"), []byte(
		"packages:\n  - capability: service_009_service_monitoring\n    url: "+monitor.URL+"\n"), 0600))

	cfg := config.Default()
	cfg.RequestPackagesDir = pkgDir
	cfg.Capabilities = map[string]config.CapabilityConfig{
		capability.DiskInspection: {Lua: script, TimeoutSeconds: 3},
	}
	a := build(t, cfg)

	entry, _ := a.Registry.Lookup(capability.DiskInspection)
	assert.Equal(t, capability.KindHandler, entry.Kind)
	assert.Equal(t, 3*time.Second, entry.Timeout)

	data, err := a.Dispatcher.Call(context.Background(), capability.DiskInspection, map[string]any{"ip_list": []any{"10.0.0.1", "10.0.0.2"}})
	require.NoError(t, err)
	assert.Equal(t, int64(2), data.(map[string]any)["hosts"])

	data, err = a.Dispatcher.Call(context.Background(), capability.ServiceMonitoring, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"nginx": "up"}, data.(map[string]any)["body"])
}

type gpuPlugin struct{}

func (gpuPlugin) Capabilities() pkg.CapabilitiesMsg {
	return pkg.CapabilitiesMsg{Name: "gpu", Capabilities: []pkg.CapabilityMsg{{Name: "service_016_gpu_inspection"}}}
}

func (gpuPlugin) Invoke(_ context.Context, _ string, args map[string]any) (any, error) {
	return map[string]any{"message": "gpu ok", "ip_list": args["ip_list"]}, nil
}

func TestExtraCapabilityFromPlugin(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = ln.Close() }()
	go func() { _ = pkg.ServeListener(ln, gpuPlugin{}) }()

	cfg := config.Default()
	cfg.Capabilities = map[string]config.CapabilityConfig{
		"service_016_gpu_inspection": {
			ServiceID:   "016",
			Description: "GPU 巡检",
			Keywords:    []string{"GPU巡检"},
			Parameters:  []capability.Parameter{{Name: "ip_list", Type: "array", Default: []any{}}},
			Plugin:      "tcp://" + ln.Addr().String(),
		},
	}
	a := build(t, cfg)

	assert.Equal(t, len(capability.Catalogue())+1, a.Registry.Len())
	reply := a.Agent.Handle(context.Background(), "做一次GPU巡检")
	require.Equal(t, agent.ReplyReport, reply.Kind)
	assert.Equal(t, "service_016_gpu_inspection", reply.Plan.MatchedCapability)
	assert.Contains(t, reply.Text, "gpu ok")
}

func TestFailedBindingsBecomePlaceholders(t *testing.T) {
	cfg := config.Default()
	cfg.Capabilities = map[string]config.CapabilityConfig{
		capability.DiskInspection:     {Lua: filepath.Join(t.TempDir(), "missing.lua")},
		capability.WechatNotification: {Request: &requestpkg.Package{Method: "POST"}},
		capability.MemoryInspection:   {Plugin: filepath.Join(t.TempDir(), "no-plugin")},
		capability.FullInspection:     {Lua: "ignored.lua"},
	}
	a := build(t, cfg)

	for _, name := range []string{capability.DiskInspection, capability.WechatNotification, capability.MemoryInspection} {
		entry, ok := a.Registry.Lookup(name)
		require.True(t, ok)
		assert.Equal(t, capability.KindPlaceholder, entry.Kind, name)
		assert.Error(t, entry.WiringError, name)
	}
	entry, _ := a.Registry.Lookup(capability.FullInspection)
	assert.Equal(t, capability.KindPipeline, entry.Kind)

	data, err := a.Dispatcher.Call(context.Background(), capability.DiskInspection, map[string]any{"ip_list": []any{"x"}})
	require.NoError(t, err)
	assert.Equal(t, "placeholder", data.(map[string]any)["status"])
}

func TestNewRejectsBadConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Intent.DefaultCapability = "service_404_missing"
	_, err := New(context.Background(), cfg, nil)
	assert.ErrorContains(t, err, "default_capability")

	cfg = config.Default()
	cfg.Pipeline.MaxIterations = -1
	_, err = New(context.Background(), cfg, nil)
	assert.Error(t, err)

	cfg = config.Default()
	cfg.Artifacts.Backend = "redis"
	cfg.Artifacts.Redis.Addr = "127.0.0.1:1"
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = New(ctx, cfg, nil)
	assert.Error(t, err)
}

func TestRunStopsOnCancel(t *testing.T) {
	a := build(t, config.Default())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx, "127.0.0.1:0") }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestRunReportsListenFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = ln.Close() }()

	a := build(t, config.Default())
	err = a.Run(context.Background(), ln.Addr().String())
	require.Error(t, err)
	var opErr *net.OpError
	assert.True(t, errors.As(err, &opErr))
}

func TestOracleFailsOverToFallbackEndpoint(t *testing.T) {
	limited := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":{"message":"slow down"}}`, http.StatusTooManyRequests)
	}))
	defer limited.Close()

	decision := `{"intent":"日报","matched_service":"service_007_daily_report","confidence":0.9,` +
		`"execution_plan":[{"tool":"service_007_daily_report","params":{},"order":1,"reason":"用户要日报"}]}`
	backup := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []any{map[string]any{"message": map[string]any{"role": "assistant", "content": decision}}},
		})
	}))
	defer backup.Close()

	cfg := config.Default()
	cfg.Oracle.Endpoint = limited.URL
	cfg.Oracle.Fallbacks = []config.OracleEndpoint{{Endpoint: backup.URL}}
	a := build(t, cfg)

	p := a.Resolver.Resolve(context.Background(), "帮我看看今天的情况")
	assert.Equal(t, plan.SourceOracle, p.Source)
	assert.Equal(t, capability.DailyReport, p.MatchedCapability)
	require.Len(t, p.Steps, 1)
}
