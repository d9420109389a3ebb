package ollama

import (
	"strconv"
	"strings"
)

// DefaultToolFamilies lists model families known to accept the tools field.
var DefaultToolFamilies = []string{
	"llama3.1",
	"llama3.2",
	"llama3.3",
	"llama4",
	"qwen2.5",
	"qwen3",
	"mistral",
	"mistral-nemo",
	"mistral-small",
	"command-r",
	"firefunction",
	"hermes3",
	"granite3",
	"nemotron",
	"smollm2",
	"gpt-oss",
}

var knownOptions = map[string]string{
	"temperature":    "float",
	"top_p":          "float",
	"min_p":          "float",
	"repeat_penalty": "float",
	"top_k":          "int",
	"num_ctx":        "int",
	"num_predict":    "int",
	"seed":           "int",
	"stop":           "strings",
}

// parseOptions normalizes free-form option values into the types the
// backend expects. Unknown keys are passed through untouched.
func parseOptions(extra map[string]any) map[string]any {
	if len(extra) == 0 {
		return nil
	}
	out := make(map[string]any, len(extra))
	for key, val := range extra {
		name := strings.ToLower(strings.TrimSpace(key))
		if name == "" || val == nil {
			continue
		}
		switch knownOptions[name] {
		case "float":
			if v, ok := toFloat(val); ok {
				out[name] = v
			}
		case "int":
			if v, ok := toInt(val); ok {
				out[name] = v
			}
		case "strings":
			if v := toStrings(val); len(v) > 0 {
				out[name] = v
			}
		default:
			out[name] = val
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// toolCapable reports whether model belongs to one of families. The tag
// after ':' and any namespace before '/' are ignored.
func toolCapable(families []string, model string) bool {
	name := strings.ToLower(strings.TrimSpace(model))
	if idx := strings.LastIndexByte(name, '/'); idx >= 0 {
		name = name[idx+1:]
	}
	if idx := strings.IndexByte(name, ':'); idx >= 0 {
		name = name[:idx]
	}
	if name == "" {
		return false
	}
	for _, family := range families {
		family = strings.ToLower(strings.TrimSpace(family))
		if family == "" {
			continue
		}
		if family == "*" {
			return true
		}
		if strings.HasPrefix(name, family) && isVersionTail(name[len(family):]) {
			return true
		}
	}
	return false
}

func isVersionTail(rest string) bool {
	if rest == "" {
		return true
	}
	c := rest[0]
	return c == '.' || c == '-' || c == '_' || (c >= '0' && c <= '9')
}

func toFloat(val any) (float64, bool) {
	switch v := val.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func toInt(val any) (int, bool) {
	switch v := val.(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(v))
		return i, err == nil
	default:
		return 0, false
	}
}

func toStrings(val any) []string {
	switch v := val.(type) {
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	case []string:
		return append([]string(nil), v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
