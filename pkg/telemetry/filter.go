package telemetry

import (
	"fmt"
	"regexp"

	"go.opentelemetry.io/otel/attribute"
)

const defaultMask = "***"

// builtinPatterns catch API keys and bearer tokens.
var builtinPatterns = []string{
	`sk-[A-Za-z0-9_\-]{6,}`,
	`(?i)bearer\s+[A-Za-z0-9._\-]+`,
	`(?i)(api[_-]?key|token|secret)\s*[=:]\s*\S+`,
}

var defaultFilter = mustFilter(FilterConfig{})

// FilterConfig adds patterns on top of the built-in ones.
type FilterConfig struct {
	Mask     string
	Patterns []string
}

// Filter replaces sensitive substrings with a mask.
type Filter struct {
	mask     string
	patterns []*regexp.Regexp
}

// NewFilter compiles the built-in and configured patterns.
func NewFilter(cfg FilterConfig) (*Filter, error) {
	mask := cfg.Mask
	if mask == "" {
		mask = defaultMask
	}
	f := &Filter{mask: mask}
	for _, expr := range append(append([]string(nil), builtinPatterns...), cfg.Patterns...) {
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("telemetry: filter pattern %q: %w", expr, err)
		}
		f.patterns = append(f.patterns, re)
	}
	return f, nil
}

func mustFilter(cfg FilterConfig) *Filter {
	f, err := NewFilter(cfg)
	if err != nil {
		panic(err)
	}
	return f
}

// Mask returns s with every match replaced.
func (f *Filter) Mask(s string) string {
	if f == nil || s == "" {
		return s
	}
	for _, re := range f.patterns {
		s = re.ReplaceAllString(s, f.mask)
	}
	return s
}

// Attributes masks string-valued attributes; others pass through.
func (f *Filter) Attributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, len(attrs))
	for _, kv := range attrs {
		switch kv.Value.Type() {
		case attribute.STRING:
			out = append(out, attribute.String(string(kv.Key), f.Mask(kv.Value.AsString())))
		case attribute.STRINGSLICE:
			vals := kv.Value.AsStringSlice()
			masked := make([]string, len(vals))
			for i, v := range vals {
				masked[i] = f.Mask(v)
			}
			out = append(out, attribute.StringSlice(string(kv.Key), masked))
		default:
			out = append(out, kv)
		}
	}
	return out
}
