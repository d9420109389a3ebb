// Package server exposes the conversation runtime over HTTP: canonical
// events stream as SSE from POST /api/chat and GET /health reports the
// state of the transcript store.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"goa.design/clue/health"
	"goa.design/clue/log"

	"github.com/maude-dev/maude/pkg/agent"
	"github.com/maude-dev/maude/pkg/event"
)

const defaultMaxBody = 1 << 20

// Chatter runs one chat call and streams its events to sink.
type Chatter interface {
	Chat(ctx context.Context, req agent.ChatRequest, sink event.Sink) (agent.Result, error)
}

// Options tunes the HTTP surface.
type Options struct {
	// Heartbeat is the SSE comment interval; zero uses the writer default.
	Heartbeat time.Duration
	// Pingers are checked by /health.
	Pingers []health.Pinger
	// MaxBodyBytes bounds the request body; zero means 1 MiB.
	MaxBodyBytes int64
}

// Server routes HTTP requests to a Chatter.
type Server struct {
	chat    Chatter
	opts    Options
	mux     *http.ServeMux
	handler http.Handler
}

// New creates a Server with pre-wired routes. ctx carries the logger used
// by the request logging middleware.
func New(ctx context.Context, chat Chatter, opts Options) *Server {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = defaultMaxBody
	}
	srv := &Server{
		chat: chat,
		opts: opts,
		mux:  http.NewServeMux(),
	}
	srv.routes()
	srv.handler = log.HTTP(ctx)(srv.mux)
	return srv
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/chat", s.handleChat)
	s.mux.Handle("/health", health.Handler(health.NewChecker(s.opts.Pingers...)))
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	defer r.Body.Close()
	var req agent.ChatRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.opts.MaxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	if strings.TrimSpace(req.Message) == "" && len(req.Images) == 0 {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	tw := &trackingWriter{ResponseWriter: w}
	sse := event.NewSSEWriter(tw)
	defer sse.Close()
	counted := &countingSink{next: sse}

	go sse.Heartbeat(ctx, s.opts.Heartbeat)

	res, err := s.chat.Chat(ctx, req, counted)
	cancel()
	if err == nil || counted.n.Load() > 0 || errors.Is(err, context.Canceled) {
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Debug(ctx, log.KV{K: "msg", V: "chat ended with error"}, log.KV{K: "err", V: err.Error()}, log.KV{K: "stop_reason", V: res.StopReason})
		}
		return
	}
	status, kind := http.StatusInternalServerError, event.ErrorKindInternal
	if errors.Is(err, agent.ErrInvalidRequest) {
		status, kind = http.StatusBadRequest, event.ErrorKindRequest
	}
	log.Error(r.Context(), err, log.KV{K: "msg", V: "chat rejected"}, log.KV{K: "conversation", V: req.ConversationID})
	sse.Close()
	if !tw.wrote.Load() {
		writeError(w, status, err.Error())
		return
	}
	// a heartbeat already committed the response; report in band
	_ = event.NewSSEWriter(tw).Send(r.Context(), event.Event{
		Type: event.TypeError,
		Data: event.ErrorData{Kind: kind, Message: err.Error()},
	})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Del("Cache-Control")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// trackingWriter records whether anything reached the client.
type trackingWriter struct {
	http.ResponseWriter
	wrote atomic.Bool
}

func (t *trackingWriter) Write(p []byte) (int, error) {
	t.wrote.Store(true)
	return t.ResponseWriter.Write(p)
}

func (t *trackingWriter) Flush() {
	if f, ok := t.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

type countingSink struct {
	next event.Sink
	n    atomic.Int64
}

func (c *countingSink) Send(ctx context.Context, evt event.Event) error {
	if err := c.next.Send(ctx, evt); err != nil {
		return err
	}
	c.n.Add(1)
	return nil
}
