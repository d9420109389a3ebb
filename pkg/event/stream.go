package event

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

const (
	defaultHeartbeat = 15 * time.Second
	heartbeatComment = ": heartbeat %d\n\n"
)

// SSEWriter 将规范事件按 Server-Sent Events 帧写入单个响应，写入串行化以保证顺序。
type SSEWriter struct {
	mu      sync.Mutex
	w       io.Writer
	flusher http.Flusher
	closed  bool
}

// NewSSEWriter wraps w. When w is an http.ResponseWriter the SSE headers
// are set and every frame is flushed.
func NewSSEWriter(w io.Writer) *SSEWriter {
	s := &SSEWriter{w: w}
	if rw, ok := w.(http.ResponseWriter); ok {
		headers := rw.Header()
		headers.Set("Content-Type", "text/event-stream")
		headers.Set("Cache-Control", "no-cache")
		headers.Set("Connection", "keep-alive")
		headers.Set("X-Accel-Buffering", "no")
	}
	if f, ok := w.(http.Flusher); ok {
		s.flusher = f
	}
	return s
}

// Send implements Sink.
func (s *SSEWriter) Send(ctx context.Context, evt Event) error {
	if s == nil {
		return errors.New("event: writer is nil")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	frame, err := encodeFrame(evt)
	if err != nil {
		return err
	}
	return s.write(frame)
}

// Heartbeat writes SSE comments every interval until ctx is done or the
// writer fails. Comments keep idle proxies from dropping the connection
// during long tool runs; clients ignore them.
func (s *SSEWriter) Heartbeat(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = defaultHeartbeat
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if err := s.write([]byte(fmt.Sprintf(heartbeatComment, now.Unix()))); err != nil {
				return
			}
		}
	}
}

// Close rejects further writes.
func (s *SSEWriter) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

func (s *SSEWriter) write(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSinkClosed
	}
	if _, err := s.w.Write(frame); err != nil {
		s.closed = true
		return fmt.Errorf("event: write frame: %w", err)
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}

func encodeFrame(evt Event) ([]byte, error) {
	if err := evt.Validate(); err != nil {
		return nil, err
	}
	body, err := json.Marshal(evt)
	if err != nil {
		return nil, fmt.Errorf("event: marshal SSE payload: %w", err)
	}
	return []byte(fmt.Sprintf("event: %s\ndata: %s\n\n", evt.Type, body)), nil
}
