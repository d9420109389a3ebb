package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"goa.design/clue/health"
	"goa.design/clue/log"

	"github.com/maude-dev/maude/pkg/agent"
	"github.com/maude-dev/maude/pkg/event"
	"github.com/maude-dev/maude/pkg/model/ollama"
	"github.com/maude-dev/maude/pkg/store"
)

type chatFunc func(context.Context, agent.ChatRequest, event.Sink) (agent.Result, error)

func (f chatFunc) Chat(ctx context.Context, req agent.ChatRequest, sink event.Sink) (agent.Result, error) {
	return f(ctx, req, sink)
}

type fakePinger struct {
	name string
	err  error
}

func (p fakePinger) Name() string               { return p.name }
func (p fakePinger) Ping(context.Context) error { return p.err }

var _ health.Pinger = fakePinger{}

func quietContext() context.Context {
	return log.Context(context.Background(), log.WithOutput(io.Discard))
}

func postChat(t *testing.T, h http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestChatStreamsSSE(t *testing.T) {
	var got agent.ChatRequest
	srv := New(quietContext(), chatFunc(func(ctx context.Context, req agent.ChatRequest, sink event.Sink) (agent.Result, error) {
		got = req
		em := event.NewEmitter(sink, "msg_1", "llama3.2")
		if err := em.Start(ctx); err != nil {
			return agent.Result{}, err
		}
		return agent.Result{}, em.Finish(ctx, event.StopEndTurn)
	}), Options{})

	rec := postChat(t, srv, `{"conversation_id":"c1","message":"hi","model":"qwen3"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}
	body := rec.Body.String()
	for _, want := range []string{"event: stream_start\n", `"id":"msg_1"`, "event: turn_end\n", "event: stream_end\n"} {
		if !strings.Contains(body, want) {
			t.Fatalf("body missing %q: %s", want, body)
		}
	}
	if got.ConversationID != "c1" || got.Message != "hi" || got.Model != "qwen3" {
		t.Fatalf("request not decoded: %+v", got)
	}
}

func TestChatRejectsBadRequests(t *testing.T) {
	called := false
	srv := New(quietContext(), chatFunc(func(context.Context, agent.ChatRequest, event.Sink) (agent.Result, error) {
		called = true
		return agent.Result{}, nil
	}), Options{MaxBodyBytes: 64})

	cases := []struct {
		name   string
		method string
		body   string
		status int
	}{
		{name: "method", method: http.MethodGet, status: http.StatusMethodNotAllowed},
		{name: "json", method: http.MethodPost, body: `{"message":`, status: http.StatusBadRequest},
		{name: "empty", method: http.MethodPost, body: `{"message":"  "}`, status: http.StatusBadRequest},
		{name: "too large", method: http.MethodPost, body: fmt.Sprintf(`{"message":%q}`, strings.Repeat("x", 128)), status: http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(tc.method, "/api/chat", strings.NewReader(tc.body))
			rec := httptest.NewRecorder()
			srv.ServeHTTP(rec, req)
			if rec.Code != tc.status {
				t.Fatalf("status = %d, want %d", rec.Code, tc.status)
			}
			var payload map[string]string
			if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil || payload["error"] == "" {
				t.Fatalf("expected JSON error body, got %s", rec.Body.String())
			}
		})
	}
	if called {
		t.Fatal("chat should not run for rejected requests")
	}
}

func TestChatErrorBeforeFirstEvent(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{err: fmt.Errorf("%w: model is required", agent.ErrInvalidRequest), status: http.StatusBadRequest},
		{err: errors.New("agent: load history: connection refused"), status: http.StatusInternalServerError},
	}
	for _, tc := range cases {
		srv := New(quietContext(), chatFunc(func(context.Context, agent.ChatRequest, event.Sink) (agent.Result, error) {
			return agent.Result{}, tc.err
		}), Options{Heartbeat: time.Hour})
		rec := postChat(t, srv, `{"message":"hi"}`)
		if rec.Code != tc.status {
			t.Fatalf("status = %d, want %d", rec.Code, tc.status)
		}
		if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
			t.Fatalf("unexpected content type %q", ct)
		}
		if !strings.Contains(rec.Body.String(), tc.err.Error()) {
			t.Fatalf("body missing error: %s", rec.Body.String())
		}
	}
}

func TestChatHeartbeatThenLateError(t *testing.T) {
	srv := New(quietContext(), chatFunc(func(ctx context.Context, _ agent.ChatRequest, _ event.Sink) (agent.Result, error) {
		time.Sleep(60 * time.Millisecond)
		return agent.Result{}, errors.New("store offline")
	}), Options{Heartbeat: 10 * time.Millisecond})

	rec := postChat(t, srv, `{"message":"hi"}`)
	body := rec.Body.String()
	if !strings.Contains(body, ": heartbeat") {
		t.Fatalf("expected heartbeat comment: %s", body)
	}
	if !strings.Contains(body, "event: error\n") || !strings.Contains(body, "store offline") {
		t.Fatalf("expected in-band error: %s", body)
	}
}

func TestChatClientDisconnectCancelsRun(t *testing.T) {
	done := make(chan struct{})
	srv := New(quietContext(), chatFunc(func(ctx context.Context, _ agent.ChatRequest, _ event.Sink) (agent.Result, error) {
		<-ctx.Done()
		close(done)
		return agent.Result{}, ctx.Err()
	}), Options{})
	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader(`{"message":"bye"}`)).WithContext(ctx)
	finished := make(chan struct{})
	go func() {
		srv.ServeHTTP(httptest.NewRecorder(), req)
		close(finished)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("chat context not canceled")
	}
	<-finished
}

func TestHealthReportsPingers(t *testing.T) {
	ok := New(quietContext(), nil, Options{Pingers: []health.Pinger{fakePinger{name: "transcript-mongo"}}})
	rec := httptest.NewRecorder()
	ok.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("healthy status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "transcript-mongo") {
		t.Fatalf("health body missing dependency: %s", rec.Body.String())
	}

	bad := New(quietContext(), nil, Options{Pingers: []health.Pinger{fakePinger{name: "transcript-redis", err: errors.New("down")}}})
	rec = httptest.NewRecorder()
	bad.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("unhealthy status = %d", rec.Code)
	}
}

func TestChatEndToEndOverOllama(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		_, _ = io.WriteString(w, `{"message":{"role":"assistant","content":"Hel"},"done":false}`+"\n")
		_, _ = io.WriteString(w, `{"message":{"role":"assistant","content":"lo"},"done":false}`+"\n")
		_, _ = io.WriteString(w, `{"message":{"role":"assistant","content":""},"done":true,"done_reason":"stop","prompt_eval_count":5,"eval_count":2}`+"\n")
	}))
	defer backend.Close()

	mem := store.NewMemory()
	rt, err := agent.NewRuntime(agent.Options{
		Backend:      ollama.New(ollama.Config{BaseURL: backend.URL}),
		Store:        mem,
		DefaultModel: "llama3.2",
	})
	if err != nil {
		t.Fatalf("runtime: %v", err)
	}
	api := httptest.NewServer(New(quietContext(), rt, Options{}))
	defer api.Close()

	resp, err := http.Post(api.URL+"/api/chat", "application/json", strings.NewReader(`{"conversation_id":"c9","message":"greet me"}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	data, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d body %s", resp.StatusCode, data)
	}
	var deltas []string
	for _, line := range strings.Split(string(data), "\n") {
		payload, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		var frame struct {
			Type string `json:"type"`
			Text string `json:"text"`
		}
		if err := json.Unmarshal([]byte(payload), &frame); err != nil {
			t.Fatalf("bad frame %q: %v", payload, err)
		}
		if frame.Type == "delta" {
			deltas = append(deltas, frame.Text)
		}
	}
	if strings.Join(deltas, "|") != "Hel|lo" {
		t.Fatalf("unexpected deltas %v", deltas)
	}
	records, err := mem.LoadMessages(context.Background(), "c9")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(records) != 2 || store.ContentText(records[1].Content) != "Hello" {
		t.Fatalf("unexpected transcript: %+v", records)
	}
}
