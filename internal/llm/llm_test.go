package llm

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"bare object", `{"ranking":[1,0]}`, `{"ranking":[1,0]}`},
		{"json fence", "```json\n{\"ranking\": [2, 0]}\n```", `{"ranking": [2, 0]}`},
		{"plain fence", "```\n[1,2]\n```", `[1,2]`},
		{"prose around", `Sure! Here it is: {"hasIssues": true} Hope that helps.`, `{"hasIssues": true}`},
		{"bare array with prose", `Ranking: [2, 1, 0].`, `[2, 1, 0]`},
		{"no json", `I cannot rank these.`, `I cannot rank these.`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractJSON(tt.in))
		})
	}
}

func TestOllamaClient_Generate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)

		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		var req chatRequest
		require.NoError(t, json.Unmarshal(body, &req))

		assert.Equal(t, "mistral", req.Model)
		assert.Equal(t, "json", req.Format)
		assert.False(t, req.Stream)
		assert.Equal(t, "5m", req.KeepAlive)
		assert.Equal(t, []chatMessage{{Role: "system", Content: "be terse"}, {Role: "user", Content: "rank"}}, req.Messages)
		require.NotNil(t, req.Options)
		assert.Equal(t, 64, req.Options.NumPredict)
		assert.Nil(t, req.Options.Temperature)

		_ = json.NewEncoder(w).Encode(chatResponse{Message: chatMessage{Role: "assistant", Content: `{"ranking":[0]}`}, Done: true})
	}))
	defer server.Close()

	client := NewOllamaClient(WithBaseURL(server.URL+"/"), WithModel("mistral"), WithKeepAlive("5m"))
	out, err := client.Generate(context.Background(), "rank", GenerateOptions{
		SystemPrompt: "be terse",
		MaxTokens:    64,
		JSON:         true,
	})
	require.NoError(t, err)
	assert.Equal(t, `{"ranking":[0]}`, out)
}

func TestOllamaClient_GenerateError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	_, err := NewOllamaClient(WithBaseURL(server.URL)).Generate(context.Background(), "hi", GenerateOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestOllamaClient_EmptyCompletion(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"model":"llama3.2","message":{"role":"assistant","content":"  "},"done":true,"done_reason":"length"}`))
	}))
	defer server.Close()

	_, err := NewOllamaClient(WithBaseURL(server.URL)).Generate(context.Background(), "hi", GenerateOptions{Temperature: 0.3})
	assert.ErrorIs(t, err, ErrEmptyCompletion)
}

func TestOpenAIClient_Generate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)

		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "gpt-4o-mini", req["model"])
		format, ok := req["response_format"].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, "json_object", format["type"])

		messages, ok := req["messages"].([]any)
		require.True(t, ok)
		assert.Len(t, messages, 2)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"c1","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"{\"ranking\":[1,0]}"},"finish_reason":"stop"}],"usage":{"prompt_tokens":5,"completion_tokens":4,"total_tokens":9}}`))
	}))
	defer server.Close()

	client := NewOpenAIClient(OpenAIConfig{APIKey: "k", BaseURL: server.URL + "/v1"})
	out, err := client.Generate(context.Background(), "rank", GenerateOptions{SystemPrompt: "sys", JSON: true})
	require.NoError(t, err)
	assert.Equal(t, `{"ranking":[1,0]}`, out)
}
