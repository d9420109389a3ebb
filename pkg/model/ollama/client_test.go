package ollama

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/maude-dev/maude/pkg/model"
)

func TestClientStreamPostsChatRequest(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var captured ChatRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != chatPath {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if r.Method != http.MethodPost {
			t.Errorf("unexpected method: %s", r.Method)
		}
		mu.Lock()
		err := json.NewDecoder(r.Body).Decode(&captured)
		mu.Unlock()
		if err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/x-ndjson")
		_, _ = io.WriteString(w, `{"message":{"role":"assistant","content":"hi"},"done":false}`+"\n")
		_, _ = io.WriteString(w, `{"done":true,"done_reason":"stop","prompt_eval_count":3,"eval_count":1}`+"\n")
	}))
	defer server.Close()

	client := New(Config{
		BaseURL:   server.URL + "/",
		KeepAlive: "5m",
		Options:   map[string]any{"temperature": "0.2", "num_ctx": 4096.0},
	})
	body, err := client.Stream(context.Background(), model.Request{
		Model:  "llama3.1:8b",
		System: "be brief",
		Messages: []model.Message{
			{Role: "user", Content: "hello", Images: []string{"aGVsbG8="}},
			{Role: "assistant", ToolCalls: []model.ToolCall{{ID: "call_1", Name: "search", Arguments: map[string]any{"q": "x"}}}},
			{Role: "tool", Content: "3 results", ToolName: "search", ToolCallID: "call_1"},
		},
		Tools:  []model.ToolDefinition{{Name: "search", Description: "search things"}},
		Stream: true,
	})
	require.NoError(t, err)
	defer body.Close()

	raw, err := io.ReadAll(body)
	require.NoError(t, err)
	require.Contains(t, string(raw), `"content":"hi"`)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, "llama3.1:8b", captured.Model)
	require.True(t, captured.Stream)
	require.Equal(t, "5m", captured.KeepAlive)
	require.Equal(t, 0.2, captured.Options["temperature"])
	require.EqualValues(t, 4096, captured.Options["num_ctx"])
	require.Len(t, captured.Messages, 4)
	require.Equal(t, "system", captured.Messages[0].Role)
	require.Equal(t, []string{"aGVsbG8="}, captured.Messages[1].Images)
	require.Len(t, captured.Messages[2].ToolCalls, 1)
	require.Equal(t, "search", captured.Messages[2].ToolCalls[0].Function.Name)
	require.JSONEq(t, `{"q":"x"}`, string(captured.Messages[2].ToolCalls[0].Function.Arguments))
	require.Equal(t, "search", captured.Messages[3].ToolName)
	require.Len(t, captured.Tools, 1)
	require.Equal(t, "function", captured.Tools[0].Type)
	require.Equal(t, "object", captured.Tools[0].Function.Parameters["type"])
}

func TestClientStreamSurfacesStatusAndBody(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{"error":"model \"nope\" not found, try pulling it first"}`)
	}))
	defer server.Close()

	client := New(Config{BaseURL: server.URL})
	_, err := client.Stream(context.Background(), model.Request{Model: "nope", Stream: true})
	require.Error(t, err)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	require.Contains(t, apiErr.Body, "not found")
	require.Contains(t, apiErr.Error(), "404")
	require.Contains(t, apiErr.Error(), `model "nope" not found`)
}

func TestClientStreamRequiresModel(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}).Stream(context.Background(), model.Request{})
	require.Error(t, err)
	require.True(t, strings.Contains(err.Error(), "model name"))
}

func TestClientStreamConnectionFailure(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := server.URL
	server.Close()

	_, err := New(Config{BaseURL: url}).Stream(context.Background(), model.Request{Model: "llama3.1"})
	require.Error(t, err)
	var apiErr *APIError
	require.False(t, errors.As(err, &apiErr))
}

func TestToolCapable(t *testing.T) {
	t.Parallel()

	client := New(Config{})
	cases := map[string]bool{
		"llama3.1":                 true,
		"llama3.1:8b":              true,
		"library/qwen2.5-coder:7b": true,
		"mistral-nemo:latest":      true,
		"llama3:8b":                false,
		"gemma2":                   false,
		"":                         false,
	}
	for name, want := range cases {
		require.Equalf(t, want, client.ToolCapable(name), "model %q", name)
	}

	custom := New(Config{ToolFamilies: []string{"*"}})
	require.True(t, custom.ToolCapable("anything"))
}

func TestTranslateToolsSkipsUnnamed(t *testing.T) {
	t.Parallel()

	tools := TranslateTools([]model.ToolDefinition{
		{Name: " "},
		{Name: "read_file", Parameters: map[string]any{"type": "object", "required": []any{"path"}}},
	})
	require.Len(t, tools, 1)
	require.Equal(t, "read_file", tools[0].Function.Name)
	require.Equal(t, []any{"path"}, tools[0].Function.Parameters["required"])
	require.Nil(t, TranslateTools(nil))
}
