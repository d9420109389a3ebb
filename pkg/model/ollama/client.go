// Package ollama implements model.Backend over the Ollama /api/chat
// newline-delimited JSON streaming protocol.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/maude-dev/maude/pkg/model"
)

// Ensure Client implements model.Backend.
var _ model.Backend = (*Client)(nil)

// Config describes how to reach one Ollama endpoint.
type Config struct {
	BaseURL      string
	KeepAlive    string
	Options      map[string]any
	ToolFamilies []string
	Headers      map[string]string
	HTTPClient   *http.Client
}

// Client talks to a single Ollama endpoint. It is safe for concurrent use
// and is meant to be shared across conversations.
type Client struct {
	client    *http.Client
	baseURL   string
	headers   map[string]string
	options   map[string]any
	keepAlive string
	families  []string
}

// New builds a client from cfg, filling defaults for empty fields.
func New(cfg Config) *Client {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	families := cfg.ToolFamilies
	if len(families) == 0 {
		families = DefaultToolFamilies
	}
	headers := map[string]string{
		"Content-Type": "application/json",
		"Accept":       "application/x-ndjson",
		"User-Agent":   userAgent,
	}
	for k, v := range cfg.Headers {
		if strings.TrimSpace(k) == "" || v == "" {
			continue
		}
		headers[k] = v
	}
	return &Client{
		client:    client,
		baseURL:   sanitizeBaseURL(cfg.BaseURL),
		headers:   headers,
		options:   parseOptions(cfg.Options),
		keepAlive: strings.TrimSpace(cfg.KeepAlive),
		families:  append([]string(nil), families...),
	}
}

// BaseURL reports the endpoint the client posts to.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// ToolCapable reports whether the named model accepts tool schemas.
func (c *Client) ToolCapable(model string) bool {
	return toolCapable(c.families, model)
}

// Stream issues one streaming chat call. A non-success status is returned
// as *APIError carrying the status code and response body. On success the
// caller owns the returned body.
func (c *Client) Stream(ctx context.Context, req model.Request) (io.ReadCloser, error) {
	if strings.TrimSpace(req.Model) == "" {
		return nil, errors.New("ollama: model name is required")
	}
	payload := c.buildPayload(req)
	resp, err := c.doRequest(ctx, payload)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		defer resp.Body.Close()
		return nil, readAPIError(resp)
	}
	return resp.Body, nil
}

func (c *Client) buildPayload(req model.Request) ChatRequest {
	payload := ChatRequest{
		Model:     strings.TrimSpace(req.Model),
		Messages:  toChatMessages(req.System, req.Messages),
		Tools:     TranslateTools(req.Tools),
		Stream:    req.Stream,
		Options:   c.options,
		KeepAlive: c.keepAlive,
	}
	if len(payload.Messages) == 0 {
		payload.Messages = []ChatMessage{{Role: "user", Content: ""}}
	}
	return payload
}

func (c *Client) doRequest(ctx context.Context, payload ChatRequest) (*http.Response, error) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(payload); err != nil {
		return nil, fmt.Errorf("encode ollama request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+chatPath, &buf)
	if err != nil {
		return nil, fmt.Errorf("create ollama request: %w", err)
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama request: %w", err)
	}
	return resp, nil
}

func toChatMessages(system string, msgs []model.Message) []ChatMessage {
	out := make([]ChatMessage, 0, len(msgs)+1)
	if s := strings.TrimSpace(system); s != "" {
		out = append(out, ChatMessage{Role: "system", Content: s})
	}
	for _, msg := range msgs {
		role := normalizeRole(msg.Role)
		entry := ChatMessage{
			Role:    role,
			Content: msg.Content,
			Images:  append([]string(nil), msg.Images...),
		}
		if role == "assistant" {
			entry.ToolCalls = encodeToolCalls(msg.ToolCalls)
		}
		if role == "tool" {
			entry.ToolName = msg.ToolName
		}
		out = append(out, entry)
	}
	return out
}

func encodeToolCalls(calls []model.ToolCall) []ToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]ToolCall, 0, len(calls))
	for _, call := range calls {
		name := strings.TrimSpace(call.Name)
		if name == "" {
			continue
		}
		out = append(out, ToolCall{
			ID: call.NativeID,
			Function: FunctionCall{
				Name:      name,
				Arguments: encodeArguments(call.Arguments),
			},
		})
	}
	return out
}

func encodeArguments(args map[string]any) json.RawMessage {
	if len(args) == 0 {
		return json.RawMessage(`{}`)
	}
	data, err := json.Marshal(args)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return data
}

func normalizeRole(role string) string {
	trimmed := strings.ToLower(strings.TrimSpace(role))
	switch trimmed {
	case "assistant", "user", "system", "tool":
		return trimmed
	default:
		return "user"
	}
}

func sanitizeBaseURL(base string) string {
	trimmed := strings.TrimRight(strings.TrimSpace(base), "/")
	if trimmed == "" {
		return defaultBaseURL
	}
	return trimmed
}

func readAPIError(resp *http.Response) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return fmt.Errorf("ollama api status %d: %w", resp.StatusCode, err)
	}
	body = bytes.TrimSpace(body)
	apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(body)}
	if len(body) == 0 {
		apiErr.Message = resp.Status
		return apiErr
	}
	var parsed errorResponse
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error != "" {
		apiErr.Message = parsed.Error
	}
	return apiErr
}
