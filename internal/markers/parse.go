// Package markers splits assistant message text into display blocks.
//
// The assistant's streamed text carries two inline markers:
//
//	[[TOOL:<id>:<name>:<running|completed>:<argsJson>]]
//	[[TOOL_END:<id>:<name>]]
//
// A start marker becomes a tool block; an end marker anywhere in the text
// marks the call with the same id as completed and is otherwise dropped.
package markers

import (
	"encoding/json"
	"regexp"
	"strings"
)

type ToolStatus string

const (
	StatusRunning   ToolStatus = "running"
	StatusCompleted ToolStatus = "completed"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type ToolCall struct {
	ID     string
	Name   string
	Args   map[string]any
	Status ToolStatus
}

// Block is either a text block (Tool == nil) or a tool block.
type Block struct {
	Text string
	Tool *ToolCall
}

func (b Block) IsTool() bool {
	return b.Tool != nil
}

var (
	toolStartRE = regexp.MustCompile(`\[\[TOOL:(\d+):([^:]+):(running|completed):(.+?)\]\]`)
	toolEndRE   = regexp.MustCompile(`\[\[TOOL_END:(\d+):([^\]]+)\]\]`)
)

// Parse returns the ordered blocks of an assistant message. It is pure and
// cheap enough to call on every streamed token.
func Parse(content string) []Block {
	completed := map[string]bool{}
	for _, m := range toolEndRE.FindAllStringSubmatch(content, -1) {
		completed[m[1]] = true
	}
	text := toolEndRE.ReplaceAllString(content, "")

	blocks := []Block{}
	last := 0
	for _, loc := range toolStartRE.FindAllStringSubmatchIndex(text, -1) {
		blocks = appendText(blocks, text[last:loc[0]])

		id := text[loc[2]:loc[3]]
		status := ToolStatus(text[loc[6]:loc[7]])
		if completed[id] {
			status = StatusCompleted
		}
		blocks = append(blocks, Block{Tool: &ToolCall{
			ID:     "tool_" + id,
			Name:   text[loc[4]:loc[5]],
			Args:   parseArgs(text[loc[8]:loc[9]]),
			Status: status,
		}})
		last = loc[1]
	}
	return appendText(blocks, text[last:])
}

// ToolEnd reports whether marker is exactly one end marker. id has the
// "tool_<digits>" form of ToolCall.ID.
func ToolEnd(marker string) (id, name string, ok bool) {
	m := toolEndRE.FindStringSubmatch(marker)
	if m == nil || m[0] != marker {
		return "", "", false
	}
	return "tool_" + m[1], m[2], true
}

// ParseMessage treats user messages as one literal text block; markers are
// only meaningful in assistant output.
func ParseMessage(role, content string) []Block {
	if role == RoleUser {
		return []Block{{Text: content}}
	}
	return Parse(content)
}

// PlainText joins the text blocks of content, dropping tool markers.
func PlainText(content string) string {
	var parts []string
	for _, b := range Parse(content) {
		if !b.IsTool() {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n\n")
}

func appendText(blocks []Block, s string) []Block {
	s = strings.TrimSpace(s)
	if s == "" {
		return blocks
	}
	return append(blocks, Block{Text: s})
}

func parseArgs(raw string) map[string]any {
	args := map[string]any{}
	if err := json.Unmarshal([]byte(raw), &args); err != nil || args == nil {
		return map[string]any{}
	}
	return args
}
