package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	anthropicDefaultBaseURL = "https://api.anthropic.com"
	anthropicMessagesPath   = "/v1/messages"
	anthropicAPIVersion     = "2023-06-01"
	anthropicMaxTokens      = 1024
)

// AnthropicProvider implements Provider for the Anthropic Messages API.
type AnthropicProvider struct {
	id       string
	endpoint string
	apiKey   string
	client   *http.Client
}

// AnthropicOption configures an AnthropicProvider.
type AnthropicOption func(*AnthropicProvider)

// WithAnthropicHTTPClient sets a custom HTTP client.
func WithAnthropicHTTPClient(c *http.Client) AnthropicOption {
	return func(p *AnthropicProvider) { p.client = c }
}

// NewAnthropicProvider creates a provider for the Anthropic API.
func NewAnthropicProvider(id, endpoint, apiKey string, opts ...AnthropicOption) *AnthropicProvider {
	if endpoint == "" {
		endpoint = anthropicDefaultBaseURL
	}
	endpoint = strings.TrimRight(endpoint, "/")
	if !strings.HasSuffix(endpoint, anthropicMessagesPath) {
		endpoint += anthropicMessagesPath
	}
	p := &AnthropicProvider{
		id:       id,
		endpoint: endpoint,
		apiKey:   apiKey,
		client:   &http.Client{Timeout: 120 * time.Second},
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *AnthropicProvider) ID() string { return p.id }

// -- Anthropic wire types --

type anthRequest struct {
	Model       string        `json:"model"`
	System      string        `json:"system,omitempty"`
	Messages    []anthMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature *float64      `json:"temperature,omitempty"`
}

type anthMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthResponse struct {
	ID      string             `json:"id"`
	Model   string             `json:"model"`
	Content []anthContentBlock `json:"content"`
	Usage   anthUsage          `json:"usage"`
	Error   *anthError         `json:"error,omitempty"`
}

type anthContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type anthUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Complete sends a non-streaming messages request. System messages are
// lifted into the top-level system field.
func (p *AnthropicProvider) Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	var system []string
	msgs := make([]anthMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		if m.Role == RoleSystem {
			system = append(system, m.Content)
			continue
		}
		msgs = append(msgs, anthMessage{Role: string(m.Role), Content: m.Content})
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = anthropicMaxTokens
	}

	body, err := json.Marshal(anthRequest{
		Model:       req.Model,
		System:      strings.Join(system, "\n\n"),
		Messages:    msgs,
		MaxTokens:   maxTokens,
		Temperature: req.Temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)

	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer func() { _ = httpResp.Body.Close() }()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, &StatusError{Provider: "anthropic", StatusCode: httpResp.StatusCode, Body: truncateBody(respBody)}
	}

	var anthResp anthResponse
	if err := json.Unmarshal(respBody, &anthResp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	if anthResp.Error != nil {
		return nil, fmt.Errorf("anthropic error [%s]: %s", anthResp.Error.Type, anthResp.Error.Message)
	}

	var parts []string
	for _, b := range anthResp.Content {
		if b.Type == "text" {
			parts = append(parts, b.Text)
		}
	}
	return &CompletionResponse{
		ID:      anthResp.ID,
		Model:   anthResp.Model,
		Content: strings.Join(parts, "\n\n"),
		Usage: Usage{
			InputTokens:  anthResp.Usage.InputTokens,
			OutputTokens: anthResp.Usage.OutputTokens,
		},
	}, nil
}
