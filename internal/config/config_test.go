package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aitachi/envom/internal/capability"
)

const testYAML = `
server:
  listen: 0.0.0.0:9000
  admin_listen: 127.0.0.1:9090
log:
  level: debug
  format: console
oracle:
  endpoint: "${ENVOM_TEST_ORACLE}/v1"
  api: anthropic-messages
  api_key: "${ENVOM_TEST_KEY}"
  model: claude-haiku
  timeout_seconds: 12
  temperature: 0.2
  rules:
    - 工作时间内禁止重启生产服务
dispatch:
  step_timeout_seconds: 45
pipeline:
  max_iterations: 8
artifacts:
  backend: redis
  redis:
    addr: 127.0.0.1:6379
    db: 2
capabilities:
  service_012_wechat_notification:
    request:
      method: POST
      url: "{{env.WECHAT_URL}}/send"
      body: '{"touser":"{{args.to_user}}"}'
    timeout_seconds: 5
  service_003_disk_inspection:
    lua: scripts/disk.lua
  service_002_memory_inspection:
    plugin: tcp://10.0.0.4:7000
  service_016_gpu_inspection:
    service_id: "016"
    description: GPU 巡检
    keywords: [GPU, 显卡]
    parameters:
      - name: ip_list
        type: array
        required: true
    plugin: /opt/envom/plugins/gpu
`

func TestParseConfig(t *testing.T) {
	t.Setenv("ENVOM_TEST_ORACLE", "http://llm.local:8000")
	t.Setenv("ENVOM_TEST_KEY", "sk-test")

	cfg, err := Parse([]byte(testYAML))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "0.0.0.0:9000", cfg.Server.Listen)
	assert.Equal(t, "127.0.0.1:9090", cfg.Server.AdminListen)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, "http://llm.local:8000/v1", cfg.Oracle.Endpoint)
	assert.Equal(t, "sk-test", cfg.Oracle.APIKey)
	assert.Equal(t, 12*time.Second, cfg.Oracle.Timeout())
	require.NotNil(t, cfg.Oracle.Temperature)
	assert.InDelta(t, 0.2, *cfg.Oracle.Temperature, 1e-9)
	assert.Equal(t, []string{"工作时间内禁止重启生产服务"}, cfg.Oracle.Rules)
	assert.Equal(t, 45*time.Second, cfg.Dispatch.StepTimeout())
	assert.Equal(t, 8, cfg.Pipeline.MaxIterations)
	assert.Equal(t, 2, cfg.Artifacts.Redis.DB)
	assert.Equal(t, "envom:", cfg.Artifacts.Redis.Prefix)

	wechat := cfg.Capabilities[capability.WechatNotification]
	assert.Equal(t, "request", wechat.Backend())
	assert.Equal(t, "POST", wechat.Request.Method)
	assert.Equal(t, "{{env.WECHAT_URL}}/send", wechat.Request.URL)
	assert.Equal(t, 5*time.Second, wechat.Timeout())
	assert.Equal(t, "lua", cfg.Capabilities[capability.DiskInspection].Backend())
	assert.Equal(t, "plugin", cfg.Capabilities[capability.MemoryInspection].Backend())

	gpu := cfg.Capabilities["service_016_gpu_inspection"].Descriptor("service_016_gpu_inspection")
	assert.Equal(t, "016", gpu.ServiceID)
	assert.Equal(t, []string{"GPU", "显卡"}, gpu.Keywords)
	require.Len(t, gpu.Parameters, 1)
	assert.True(t, gpu.Parameters[0].Required)
}

func TestUnsetEnvIsKept(t *testing.T) {
	cfg, err := Parse([]byte(`oracle: {api_key: "${ENVOM_SURELY_UNSET}"}`))
	require.NoError(t, err)
	assert.Equal(t, "${ENVOM_SURELY_UNSET}", cfg.Oracle.APIKey)
}

func TestDefaults(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, DefaultListen, cfg.Server.Listen)
	assert.Empty(t, cfg.Server.AdminListen)
	assert.Empty(t, cfg.Oracle.Endpoint)
	assert.Equal(t, DefaultOracleAPI, cfg.Oracle.API)
	assert.Equal(t, DefaultMaxIterations, cfg.Pipeline.MaxIterations)
	assert.Equal(t, 30*time.Second, cfg.Dispatch.StepTimeout())
	assert.Equal(t, capability.FullInspection, cfg.Intent.DefaultCapability)
	assert.Equal(t, "memory", cfg.Artifacts.Backend)

	parsed, err := Parse([]byte("{}"))
	require.NoError(t, err)
	assert.Equal(t, cfg, parsed)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"iterations", func(c *Config) { c.Pipeline.MaxIterations = -1 }, "max_iterations"},
		{"step timeout", func(c *Config) { c.Dispatch.StepTimeoutSeconds = -5 }, "step_timeout_seconds"},
		{"oracle timeout", func(c *Config) { c.Oracle.TimeoutSeconds = -1 }, "oracle.timeout_seconds"},
		{"oracle api", func(c *Config) { c.Oracle.API = "grpc" }, `oracle.api "grpc"`},
		{"oracle cooldown", func(c *Config) { c.Oracle.CooldownSeconds = -1 }, "oracle.cooldown_seconds"},
		{"fallback endpoint", func(c *Config) {
			c.Oracle.Fallbacks = []OracleEndpoint{{API: "openai-completions"}}
		}, "oracle.fallbacks[0].endpoint"},
		{"fallback api", func(c *Config) {
			c.Oracle.Fallbacks = []OracleEndpoint{{Endpoint: "http://b", API: "soap"}}
		}, `oracle.fallbacks[0].api "soap"`},
		{"log format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
		{"backend", func(c *Config) { c.Artifacts.Backend = "etcd" }, `artifacts.backend "etcd"`},
		{"redis addr", func(c *Config) { c.Artifacts.Backend = "redis" }, "artifacts.redis.addr"},
		{"sqlite dir", func(c *Config) { c.Artifacts.Backend = "sqlite" }, "artifacts.data_dir"},
		{"postgres dsn", func(c *Config) { c.Artifacts.Backend = "postgres" }, "postgres_dsn"},
		{"two backends", func(c *Config) {
			c.Capabilities = map[string]CapabilityConfig{"x": {Lua: "a.lua", Plugin: "/bin/p"}}
		}, "set only one"},
		{"capability timeout", func(c *Config) {
			c.Capabilities = map[string]CapabilityConfig{"x": {TimeoutSeconds: -1}}
		}, "capabilities.x.timeout_seconds"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestZeroIterationsBecomesDefault(t *testing.T) {
	cfg, err := Parse([]byte("pipeline: {max_iterations: 0}"))
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxIterations, cfg.Pipeline.MaxIterations)
}

func TestSetRecognizedOptions(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.SetAll([]string{
		"oracleEndpoint=http://10.0.0.2:8000/v1",
		"maxIterations=5",
		"stepTimeoutSeconds=10",
		"oracleTimeoutSeconds=3",
	}))
	assert.Equal(t, "http://10.0.0.2:8000/v1", cfg.Oracle.Endpoint)
	assert.Equal(t, 5, cfg.Pipeline.MaxIterations)
	assert.Equal(t, 10*time.Second, cfg.Dispatch.StepTimeout())
	assert.Equal(t, 3*time.Second, cfg.Oracle.Timeout())

	assert.Error(t, cfg.Set("maxIterations", "many"))
	assert.Error(t, cfg.Set("verbose", "true"))
	assert.Error(t, cfg.SetAll([]string{"maxIterations"}))
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "envom.yaml")
	require.NoError(t, os.WriteFile(path, []byte("pipeline:\n  max_iterations: 3\n"), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Pipeline.MaxIterations)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte("pipeline: [oops"), 0600))
	_, err = Load(path)
	assert.Error(t, err)
}
