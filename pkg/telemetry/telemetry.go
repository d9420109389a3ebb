// Package telemetry wires OpenTelemetry tracing and masks sensitive values
// before they are attached to spans.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/maude-dev/maude"

// Config describes how the manager builds its tracer.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	// Endpoint is an OTLP/HTTP traces URL. Empty keeps spans in process
	// unless TracerProvider is set.
	Endpoint string
	// SampleRatio in (0,1] samples that share of traces; zero samples all.
	SampleRatio float64
	// TracerProvider overrides the provider built from Endpoint.
	TracerProvider trace.TracerProvider
	Filter         FilterConfig
}

// Manager owns the tracer and the masking filter.
type Manager struct {
	tracer   trace.Tracer
	provider trace.TracerProvider
	owned    *sdktrace.TracerProvider
	filter   *Filter
	once     sync.Once
}

// NewManager builds a manager from cfg.
func NewManager(cfg Config) (*Manager, error) {
	filter, err := NewFilter(cfg.Filter)
	if err != nil {
		return nil, err
	}
	m := &Manager{filter: filter, provider: cfg.TracerProvider}
	if m.provider == nil && strings.TrimSpace(cfg.Endpoint) != "" {
		exp, err := otlptracehttp.New(context.Background(), otlptracehttp.WithEndpointURL(cfg.Endpoint))
		if err != nil {
			return nil, fmt.Errorf("telemetry: otlp exporter: %w", err)
		}
		attrs := []attribute.KeyValue{attribute.String("service.name", serviceName(cfg.ServiceName))}
		if cfg.ServiceVersion != "" {
			attrs = append(attrs, attribute.String("service.version", cfg.ServiceVersion))
		}
		if cfg.Environment != "" {
			attrs = append(attrs, attribute.String("deployment.environment", cfg.Environment))
		}
		sampler := sdktrace.AlwaysSample()
		if cfg.SampleRatio > 0 && cfg.SampleRatio < 1 {
			sampler = sdktrace.TraceIDRatioBased(cfg.SampleRatio)
		}
		m.owned = sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exp),
			sdktrace.WithResource(resource.NewSchemaless(attrs...)),
			sdktrace.WithSampler(sdktrace.ParentBased(sampler)),
		)
		m.provider = m.owned
	}
	if m.provider == nil {
		m.provider = otel.GetTracerProvider()
	}
	m.tracer = m.provider.Tracer(instrumentationName)
	return m, nil
}

func serviceName(name string) string {
	if strings.TrimSpace(name) == "" {
		return "maude"
	}
	return name
}

// StartSpan opens a span on the manager's tracer.
func (m *Manager) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if m == nil || m.tracer == nil {
		return otel.Tracer(instrumentationName).Start(ctx, name, opts...)
	}
	return m.tracer.Start(ctx, name, opts...)
}

// MaskText applies the filter to s.
func (m *Manager) MaskText(s string) string {
	if m == nil {
		return s
	}
	return m.filter.Mask(s)
}

// SanitizeAttributes masks string and string-slice attribute values.
func (m *Manager) SanitizeAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	if m == nil {
		return attrs
	}
	return m.filter.Attributes(attrs...)
}

// Shutdown flushes and stops a provider built by the manager. Providers
// passed in through Config are left to their owner.
func (m *Manager) Shutdown(ctx context.Context) error {
	if m == nil || m.owned == nil {
		return nil
	}
	var err error
	m.once.Do(func() {
		err = m.owned.Shutdown(ctx)
	})
	return err
}

var defaultManager atomic.Pointer[Manager]

// SetDefault installs m for the package-level helpers. nil resets it.
func SetDefault(m *Manager) {
	defaultManager.Store(m)
}

// Default returns the manager installed by SetDefault, if any.
func Default() *Manager {
	return defaultManager.Load()
}

// StartSpan opens a span on the default manager, falling back to the global
// provider.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Default().StartSpan(ctx, name, opts...)
}

// EndSpan records err on span, sets its status and ends it.
func EndSpan(span trace.Span, err error) {
	if span == nil {
		return
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		span.RecordError(err)
		span.SetStatus(codes.Error, MaskText(err.Error()))
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// MaskText masks s with the default manager's filter.
func MaskText(s string) string {
	if m := Default(); m != nil {
		return m.MaskText(s)
	}
	return defaultFilter.Mask(s)
}

// SanitizeAttributes masks attrs with the default manager's filter.
func SanitizeAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	if m := Default(); m != nil {
		return m.SanitizeAttributes(attrs...)
	}
	return defaultFilter.Attributes(attrs...)
}
