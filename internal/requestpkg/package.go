// Package requestpkg implements capabilities declared as a single templated
// HTTP request, so simple integrations need no compiled plugin.
package requestpkg

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"regexp"
	"strings"
	"time"
)

// maxResponseBytes caps how much of a response body is kept.
const maxResponseBytes = 1 << 20

// Package is one HTTP request with URL/body/headers templated with
// {{env.X}} and {{args.Y}}.
type Package struct {
	Capability  string            `yaml:"capability"`   // only used in package files
	Method      string            `yaml:"method"`       // GET, POST, etc.
	URL         string            `yaml:"url"`          // template: {{env.WECHAT_URL}}/cgi-bin/message/send
	Body        string            `yaml:"body"`         // optional JSON/body template
	Headers     map[string]string `yaml:"headers"`      // optional, values are templates
	RequiredEnv []string          `yaml:"required_env"` // e.g. ["WECHAT_CORP_ID"]
}

var (
	envRe  = regexp.MustCompile(`\{\{env\.(\w+)\}\}`)
	argsRe = regexp.MustCompile(`\{\{args\.(\w+)\}\}`)
)

// Substitute replaces {{env.X}} and {{args.Y}} in s. Missing env vars are
// empty; missing args are left as literal. Strings are inserted as is and
// other values as JSON.
func Substitute(s string, args map[string]any) string {
	s = envRe.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envRe.FindStringSubmatch(match)[1])
	})
	return argsRe.ReplaceAllStringFunc(s, func(match string) string {
		v, ok := args[argsRe.FindStringSubmatch(match)[1]]
		if !ok {
			return match
		}
		return format(v)
	})
}

func format(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case nil:
		return ""
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(raw)
}

// Handler runs one Package per call.
type Handler struct {
	pkg    Package
	client *http.Client
}

// NewHandler validates pkg. A nil client gets a 30 second timeout.
func NewHandler(pkg Package, client *http.Client) (*Handler, error) {
	if strings.TrimSpace(pkg.URL) == "" {
		return nil, errors.New("request package has no url")
	}
	if pkg.Method == "" {
		pkg.Method = http.MethodGet
	}
	pkg.Method = strings.ToUpper(pkg.Method)
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Handler{pkg: pkg, client: client}, nil
}

// Invoke sends the request. A 2xx answer yields {status_code, body}, with
// the body decoded when it is JSON.
func (h *Handler) Invoke(ctx context.Context, args map[string]any) (any, error) {
	for _, name := range h.pkg.RequiredEnv {
		if os.Getenv(name) == "" {
			return nil, fmt.Errorf("required env %q is not set", name)
		}
	}

	url := Substitute(h.pkg.URL, args)
	if url == "" {
		return nil, errors.New("URL is empty after substitution")
	}

	var body io.Reader
	if h.pkg.Body != "" {
		body = strings.NewReader(Substitute(h.pkg.Body, args))
	}
	req, err := http.NewRequestWithContext(ctx, h.pkg.Method, url, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, v := range h.pkg.Headers {
		req.Header.Set(k, Substitute(v, args))
	}
	if body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(raw))
	}

	var decoded any = string(raw)
	if len(raw) > 0 && json.Valid(raw) {
		var v any
		if json.Unmarshal(raw, &v) == nil {
			decoded = v
		}
	}
	return map[string]any{
		"status_code": resp.StatusCode,
		"body":        decoded,
	}, nil
}
