package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenAIComplete(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var req oaiRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "Qwen3-32B-AWQ", req.Model)
		assert.False(t, req.Stream)
		require.Len(t, req.Messages, 2)
		assert.Equal(t, "system", req.Messages[0].Role)
		require.NotNil(t, req.Temperature)
		assert.InDelta(t, 0.3, *req.Temperature, 1e-9)

		_ = json.NewEncoder(w).Encode(oaiResponse{
			ID:      "chatcmpl-123",
			Model:   "Qwen3-32B-AWQ",
			Choices: []oaiChoice{{Message: oaiMessage{Role: "assistant", Content: `{"next_service": null}`}}},
			Usage:   oaiUsage{PromptTokens: 10, CompletionTokens: 5},
		})
	}))
	defer server.Close()

	temp := 0.3
	p := NewOpenAIProvider("vllm", server.URL+"/v1", "test-key")
	resp, err := p.Complete(context.Background(), &CompletionRequest{
		Model: "Qwen3-32B-AWQ",
		Messages: []Message{
			{Role: RoleSystem, Content: "Answer in JSON."},
			{Role: RoleUser, Content: "next?"},
		},
		Temperature: &temp,
	})
	require.NoError(t, err)
	assert.Equal(t, "chatcmpl-123", resp.ID)
	assert.Equal(t, `{"next_service": null}`, resp.Content)
	assert.Equal(t, Usage{InputTokens: 10, OutputTokens: 5}, resp.Usage)
}

func TestOpenAIStatusError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`overloaded`))
	}))
	defer server.Close()

	p := NewOpenAIProvider("vllm", server.URL, "")
	_, err := p.Complete(context.Background(), &CompletionRequest{Messages: []Message{{Role: RoleUser, Content: "hi"}}})
	require.Error(t, err)

	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusServiceUnavailable, se.StatusCode)
	assert.True(t, se.Temporary())
	assert.False(t, se.IsAuth())
	assert.Contains(t, err.Error(), "overloaded")
}

func TestOpenAIErrorInBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(oaiResponse{Error: &oaiError{Type: "invalid_request_error", Message: "bad model"}})
	}))
	defer server.Close()

	_, err := NewOpenAIProvider("vllm", server.URL, "").Complete(context.Background(), &CompletionRequest{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad model")
}

func TestOpenAINoChoices(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"id":"x","choices":[]}`))
	}))
	defer server.Close()

	_, err := NewOpenAIProvider("vllm", server.URL, "").Complete(context.Background(), &CompletionRequest{})
	assert.Error(t, err)
}

func TestOpenAINoAPIKey(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(oaiResponse{Choices: []oaiChoice{{Message: oaiMessage{Content: "ok"}}}})
	}))
	defer server.Close()

	resp, err := NewOpenAIProvider("ollama", server.URL, "").Complete(context.Background(), &CompletionRequest{})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
}

func TestOpenAIEndpointResolution(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"", openAIDefaultBaseURL + openAICompletionsPath},
		{"https://api.example.com/v1/", "https://api.example.com/v1/chat/completions"},
		{"http://10.0.0.5:8000/v1/chat/completions", "http://10.0.0.5:8000/v1/chat/completions"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NewOpenAIProvider("x", tt.in, "").Endpoint(), tt.in)
	}
}

func TestOpenAIContextCancel(t *testing.T) {
	block := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { <-block }))
	defer server.Close()
	defer close(block)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewOpenAIProvider("vllm", server.URL, "").Complete(ctx, &CompletionRequest{})
	assert.ErrorIs(t, err, context.Canceled)
}
