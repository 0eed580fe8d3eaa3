package lua

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "capability.lua")
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	return path
}

func load(t *testing.T, body string) *Handler {
	t.Helper()
	h, err := Load(writeScript(t, body))
	require.NoError(t, err)
	return h
}

func TestInvokeReturnsTable(t *testing.T) {
	h := load(t, `
function invoke(params)
  local hosts = {}
  for i, ip in ipairs(params.ip_list) do
    hosts[i] = ip .. ":ok"
  end
  return { message = "checked " .. #hosts .. " hosts", hosts = hosts, threshold = params.threshold }
end
`)

	got, err := h.Invoke(context.Background(), map[string]any{
		"ip_list":   []any{"10.0.0.1", "10.0.0.2"},
		"threshold": 70,
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"message":   "checked 2 hosts",
		"hosts":     []any{"10.0.0.1:ok", "10.0.0.2:ok"},
		"threshold": int64(70),
	}, got)
}

func TestInvokeReturnsError(t *testing.T) {
	h := load(t, `function invoke(params) return nil, "no hosts configured" end`)
	_, err := h.Invoke(context.Background(), nil)
	assert.EqualError(t, err, "no hosts configured")
}

func TestInvokeRuntimeError(t *testing.T) {
	h := load(t, `function invoke(params) error("kaboom") end`)
	_, err := h.Invoke(context.Background(), map[string]any{})
	assert.ErrorContains(t, err, "kaboom")
}

func TestInvokeReadsEnv(t *testing.T) {
	t.Setenv("ENVOM_LUA_TEST", "corp-42")
	h := load(t, `function invoke(params) return { corp = os.getenv("ENVOM_LUA_TEST") } end`)
	got, err := h.Invoke(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "corp-42", got.(map[string]any)["corp"])
}

func TestInvokeNoReturn(t *testing.T) {
	h := load(t, `function invoke(params) end`)
	got, err := h.Invoke(context.Background(), nil)
	assert.NoError(t, err)
	assert.Nil(t, got)
}

func TestInvokeHonoursContext(t *testing.T) {
	h := load(t, `function invoke(params) while true do end end`)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := h.Invoke(ctx, nil)
	assert.Error(t, err, "cancelled script")
}

func TestLoadRejectsBadScripts(t *testing.T) {
	cases := map[string]string{
		"missing invoke": `function prepare(text) return text end`,
		"not a function": `invoke = 3`,
		"syntax error":   `function invoke(params) return {`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeScript(t, body))
			assert.Error(t, err)
		})
	}
	_, err := Load(filepath.Join(t.TempDir(), "absent.lua"))
	assert.Error(t, err, "missing file")
}
