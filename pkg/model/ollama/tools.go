package ollama

import (
	"strings"

	"github.com/maude-dev/maude/pkg/model"
)

// TranslateTools converts backend-agnostic definitions into the function
// schema shape /api/chat accepts. Definitions without a name are dropped.
func TranslateTools(defs []model.ToolDefinition) []Tool {
	if len(defs) == 0 {
		return nil
	}
	out := make([]Tool, 0, len(defs))
	for _, def := range defs {
		name := strings.TrimSpace(def.Name)
		if name == "" {
			continue
		}
		params := def.Parameters
		if len(params) == 0 {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out = append(out, Tool{
			Type: "function",
			Function: ToolFunction{
				Name:        name,
				Description: def.Description,
				Parameters:  params,
			},
		})
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
