package event

import (
	"context"
	"errors"
	"sync"
)

// ErrSinkClosed 表示 sink 已关闭，后续事件被拒绝。
var ErrSinkClosed = errors.New("event: sink closed")

// Sink receives canonical events for exactly one call, in order. A Send
// error means the consumer is gone; producers stop emitting.
type Sink interface {
	Send(ctx context.Context, evt Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, evt Event) error

// Send implements Sink.
func (f SinkFunc) Send(ctx context.Context, evt Event) error {
	return f(ctx, evt)
}

// ChanSink relays events over a channel. Send blocks while the buffer is
// full and gives up when ctx is done.
type ChanSink struct {
	ch     chan Event
	mu     sync.RWMutex
	closed bool
	once   sync.Once
}

// NewChanSink 创建带缓冲的通道 sink。
func NewChanSink(buffer int) *ChanSink {
	if buffer < 0 {
		buffer = 0
	}
	return &ChanSink{ch: make(chan Event, buffer)}
}

// Events exposes the receive side.
func (s *ChanSink) Events() <-chan Event {
	return s.ch
}

// Send implements Sink.
func (s *ChanSink) Send(ctx context.Context, evt Event) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrSinkClosed
	}
	select {
	case s.ch <- evt:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close closes the channel once. Later Sends return ErrSinkClosed.
func (s *ChanSink) Close() {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.ch)
		s.mu.Unlock()
	})
}

// Recorder keeps every event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
	err    error
}

// Send implements Sink.
func (r *Recorder) Send(_ context.Context, evt Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.events = append(r.events, evt)
	return nil
}

// FailWith makes later Sends return err, simulating a departed consumer.
func (r *Recorder) FailWith(err error) {
	r.mu.Lock()
	r.err = err
	r.mu.Unlock()
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Types returns the recorded event types in order.
func (r *Recorder) Types() []Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Type, len(r.events))
	for i, evt := range r.events {
		out[i] = evt.Type
	}
	return out
}

// Tee forwards every event to primary and then to each mirror. Only
// primary failures are reported; mirror failures detach that mirror.
func Tee(primary Sink, mirrors ...Sink) Sink {
	live := make([]Sink, 0, len(mirrors))
	for _, m := range mirrors {
		if m != nil {
			live = append(live, m)
		}
	}
	if len(live) == 0 {
		return primary
	}
	return &teeSink{primary: primary, mirrors: live}
}

type teeSink struct {
	primary Sink
	mu      sync.Mutex
	mirrors []Sink
}

func (t *teeSink) Send(ctx context.Context, evt Event) error {
	if err := t.primary.Send(ctx, evt); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	kept := t.mirrors[:0]
	for _, m := range t.mirrors {
		if err := m.Send(ctx, evt); err == nil {
			kept = append(kept, m)
		}
	}
	t.mirrors = kept
	return nil
}
