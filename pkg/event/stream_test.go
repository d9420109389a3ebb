package event

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"
)

func TestSSEWriterRejectsInvalidAndClosed(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	sse := NewSSEWriter(&buf)
	ctx := context.Background()
	if err := sse.Send(ctx, Event{Type: Type("progress")}); err == nil {
		t.Fatal("expected unknown type to be rejected")
	}
	sse.Close()
	if err := sse.Send(ctx, Event{Type: TypeStreamEnd}); !errors.Is(err, ErrSinkClosed) {
		t.Fatalf("expected ErrSinkClosed, got %v", err)
	}
	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if err := NewSSEWriter(&buf).Send(cancelled, Event{Type: TypeStreamEnd}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context error, got %v", err)
	}
	if buf.Len() != 0 {
		t.Fatalf("nothing should be written, got %q", buf.String())
	}
}

func TestSSEWriterHeartbeatStopsWhenClosed(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	sse := NewSSEWriter(&buf)
	sse.Close()
	stopped := make(chan struct{})
	go func() {
		sse.Heartbeat(context.Background(), time.Millisecond)
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("heartbeat should stop once the writer is closed")
	}
	if buf.Len() != 0 {
		t.Fatalf("closed writer produced output %q", buf.String())
	}
}
