package export

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"kbchat/internal/api"
	"kbchat/internal/markers"
)

type Exporter struct {
	dir string
	cwd string
	now func() time.Time
}

func New(dir string) (*Exporter, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("resolve cwd: %w", err)
	}
	return &Exporter{dir: strings.TrimSpace(dir), cwd: cwd, now: time.Now}, nil
}

// Export writes conv and msgs as markdown and returns the file path.
func (e *Exporter) Export(conv api.Conversation, msgs []api.Message) (string, error) {
	path := e.OutputPath(conv.ID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create export directory: %w", err)
	}

	body := BuildTranscriptMarkdown(msgs)
	md := BuildConversationMarkdown(conv, len(msgs), body, e.now().UTC())
	if err := os.WriteFile(path, []byte(md), 0o644); err != nil {
		return "", fmt.Errorf("write export file: %w", err)
	}
	return path, nil
}

func (e *Exporter) OutputPath(conversationID int64) string {
	dir := e.dir
	if dir == "" {
		dir = "exports"
	}
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(e.cwd, dir)
	}
	name := "conversation-new"
	if conversationID > 0 {
		name = fmt.Sprintf("conversation-%d", conversationID)
	}
	return filepath.Join(dir, name+".md")
}

func BuildTranscriptMarkdown(msgs []api.Message) string {
	var b strings.Builder
	for _, m := range msgs {
		switch m.Role {
		case markers.RoleUser:
			content := strings.TrimSpace(m.Content)
			if content == "" {
				continue
			}
			b.WriteString("## You\n\n")
			b.WriteString(content + "\n\n")
		default:
			blocks := markers.ParseMessage(m.Role, m.Content)
			if len(blocks) == 0 && len(m.Sources) == 0 {
				continue
			}
			b.WriteString("## Assistant\n\n")
			for _, blk := range blocks {
				if blk.IsTool() {
					b.WriteString(toolLine(*blk.Tool) + "\n\n")
					continue
				}
				b.WriteString(blk.Text + "\n\n")
			}
			writeSources(&b, m.Sources)
		}
	}
	return strings.TrimSpace(b.String()) + "\n"
}

func toolLine(t markers.ToolCall) string {
	return fmt.Sprintf("> **%s** (%s)", t.Label(), t.Status)
}

func writeSources(b *strings.Builder, sources []api.Source) {
	if len(sources) == 0 {
		return
	}
	b.WriteString("### Sources\n\n")
	for _, s := range sources {
		b.WriteString(fmt.Sprintf("- [%d] %s", s.ID, safeValue(s.Source)))
		if excerpt := excerpt(s.Content, 160); excerpt != "" {
			b.WriteString(": " + excerpt)
		}
		b.WriteString("\n")
	}
	b.WriteString("\n")
}

func BuildConversationMarkdown(conv api.Conversation, messageCount int, transcript string, now time.Time) string {
	var b strings.Builder
	title := safeValue(conv.Title)
	b.WriteString("# " + title + "\n\n")
	b.WriteString("Exported: " + now.Format(time.RFC3339) + "\n\n")
	b.WriteString("```text\n")
	if conv.ID > 0 {
		b.WriteString(fmt.Sprintf("conversation_id: %d\n", conv.ID))
	} else {
		b.WriteString("conversation_id: n/a\n")
	}
	b.WriteString(fmt.Sprintf("message_count: %d\n", messageCount))
	b.WriteString("created_at: " + conv.CreatedAt.Format(time.RFC3339) + "\n")
	b.WriteString("```\n\n")
	b.WriteString(transcript)
	if !strings.HasSuffix(transcript, "\n") {
		b.WriteString("\n")
	}
	return b.String()
}

func excerpt(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-3]) + "..."
}

func safeValue(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "n/a"
	}
	return s
}
