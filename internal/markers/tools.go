package markers

import (
	"fmt"
	"strings"
)

var toolNames = map[string]string{
	"search_knowledge":      "Knowledge search",
	"rag_search":            "Knowledge search",
	"search_knowledge_base": "Knowledge search",
}

var previewKeys = []string{"query", "question", "keyword"}

func ToolDisplayName(name string) string {
	if display, ok := toolNames[name]; ok {
		return display
	}
	return name
}

// ArgsPreview returns the most descriptive argument of a tool call, or "".
func ArgsPreview(args map[string]any) string {
	for _, key := range previewKeys {
		v, ok := args[key]
		if !ok || v == nil {
			continue
		}
		s := strings.TrimSpace(fmt.Sprint(v))
		if s != "" {
			return s
		}
	}
	return ""
}

// Label is the one-line description of a tool call used by text renderers.
func (t ToolCall) Label() string {
	label := ToolDisplayName(t.Name)
	if preview := ArgsPreview(t.Args); preview != "" {
		label += ": " + preview
	}
	return label
}
