package model

import (
	"context"
	"fmt"
	"io"

	"golang.org/x/time/rate"
)

type limitedBackend struct {
	next    Backend
	limiter *rate.Limiter
}

// WithRateLimit wraps a backend so every Stream call first waits for a
// token from limiter. A nil limiter returns next unchanged.
func WithRateLimit(next Backend, limiter *rate.Limiter) Backend {
	if next == nil || limiter == nil {
		return next
	}
	return &limitedBackend{next: next, limiter: limiter}
}

// NewLimiter builds a limiter allowing rps calls per second with the given
// burst. Non-positive rps disables limiting.
func NewLimiter(rps float64, burst int) *rate.Limiter {
	if rps <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(rps), burst)
}

func (b *limitedBackend) Stream(ctx context.Context, req Request) (io.ReadCloser, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("model: rate limit: %w", err)
	}
	return b.next.Stream(ctx, req)
}

func (b *limitedBackend) Interpret(record []byte) []NativeEvent {
	return b.next.Interpret(record)
}

func (b *limitedBackend) ToolCapable(model string) bool {
	return b.next.ToolCapable(model)
}
