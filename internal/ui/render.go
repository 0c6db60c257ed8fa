package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"

	"kbchat/internal/api"
	"kbchat/internal/highlight"
	"kbchat/internal/markers"
)

const streamCursor = "▌"

type markdownRenderer struct {
	style string
	width int
	term  *glamour.TermRenderer
}

func newMarkdownRenderer(style string, width int) *markdownRenderer {
	if width < 20 {
		width = 20
	}
	r := &markdownRenderer{style: style, width: width}
	term, err := glamour.NewTermRenderer(
		glamour.WithStandardStyle(style),
		glamour.WithWordWrap(width),
	)
	if err == nil {
		r.term = term
	}
	return r
}

func (r *markdownRenderer) markdown(md string) string {
	if len(md) > 500_000 || r.term == nil {
		return md
	}
	out, err := r.term.Render(md)
	if err != nil {
		return md
	}
	return strings.Trim(out, "\n")
}

// message renders one chat message. User content is shown literally;
// assistant content is split into markdown text blocks and tool cards.
func (r *markdownRenderer) message(role, content string, streaming bool) string {
	var b strings.Builder
	if role == markers.RoleUser {
		b.WriteString(userHeaderStyle.Render("You"))
		b.WriteString("\n")
		b.WriteString(lipgloss.NewStyle().Width(r.width).PaddingLeft(2).Render(content))
		return b.String()
	}

	b.WriteString(assistantHeaderStyle.Render("Assistant"))
	for _, blk := range markers.ParseMessage(role, content) {
		b.WriteString("\n")
		if blk.IsTool() {
			b.WriteString(toolCard(*blk.Tool, r.width))
			continue
		}
		b.WriteString(r.markdown(blk.Text))
	}
	if streaming {
		b.WriteString(" " + streamCursor)
	}
	return b.String()
}

func toolCard(t markers.ToolCall, width int) string {
	completed := t.Status == markers.StatusCompleted
	icon := "⟳"
	state := "running"
	if completed {
		icon = "✓"
		state = "done"
	}
	line := fmt.Sprintf("%s %s", icon, markers.ToolDisplayName(t.Name))
	if preview := markers.ArgsPreview(t.Args); preview != "" {
		line += dimStyle.Render(" · " + preview)
	}
	line += dimStyle.Render(" (" + state + ")")
	inner := width - 6
	if inner < 10 {
		inner = 10
	}
	return toolCardStyle(completed).Render(ansi.Truncate(line, inner, "…"))
}

// citationRef is one rendered [n] reference, in transcript order.
type citationRef struct {
	span markers.Span
	msg  int
	line int
}

// styleCitations styles every [n] in rendered and appends a ref per match.
// selected is the global ordinal of the ref to emphasise. onClick receives
// the cited id for refs belonging to message msg.
func styleCitations(rendered string, msg, baseLine, selected int, onClick markers.SourceClickFunc, refs []citationRef) (string, []citationRef) {
	lines := strings.Split(rendered, "\n")
	match := highlight.Pattern(markers.CitationPattern)
	for i, line := range lines {
		res := highlight.ApplyJoined(line, match, func(s string) string {
			spans := markers.BindCitations(s, onClick)
			if len(spans) != 1 || !spans[0].IsRef {
				return s
			}
			refs = append(refs, citationRef{span: spans[0], msg: msg, line: baseLine + i})
			if len(refs)-1 == selected {
				return selectedCitationStyle.Render(s)
			}
			return citationStyle.Render(s)
		})
		lines[i] = res.Text
	}
	return strings.Join(lines, "\n"), refs
}

func hasSource(sources []api.Source, id int) bool {
	for _, s := range sources {
		if s.ID == id {
			return true
		}
	}
	return false
}

// renderSources lists sources, emphasising selectedID. It also returns the
// line the selected entry starts on, or -1.
func renderSources(sources []api.Source, selectedID, width int) (string, int) {
	if len(sources) == 0 {
		return dimStyle.Render("No sources for this answer."), -1
	}
	if width < 16 {
		width = 16
	}
	var b strings.Builder
	b.WriteString(sourceTitleStyle.Render(fmt.Sprintf("Sources (%d)", len(sources))))
	b.WriteString("\n\n")
	selectedLine := -1
	for i, s := range sources {
		if i > 0 {
			b.WriteString("\n\n")
		}
		title := fmt.Sprintf("[%d] %s", s.ID, safeValue(s.Source))
		body := lipgloss.NewStyle().Width(width - 3).Render(strings.TrimSpace(s.Content))
		entry := sourceTitleStyle.Render(ansi.Truncate(title, width-3, "…")) + "\n" + body
		if s.ID == selectedID {
			selectedLine = strings.Count(b.String(), "\n")
			b.WriteString(selectedSourceStyle.Render(entry))
		} else {
			b.WriteString(plainSourceStyle.Render(entry))
		}
	}
	return b.String(), selectedLine
}

func safeValue(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "n/a"
	}
	return s
}

func shorten(s string, n int) string {
	s = strings.TrimSpace(s)
	if ansi.StringWidth(s) <= n {
		return s
	}
	if n <= 3 {
		return ansi.Truncate(s, n, "")
	}
	return ansi.Truncate(s, n, "...")
}
