package export

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kbchat/internal/api"
)

func sampleMessages() []api.Message {
	return []api.Message{
		{Role: "user", Content: "How do channels work?"},
		{
			Role:    "assistant",
			Content: `Checking. [[TOOL:1:search_knowledge:running:{"query":"channels"}]] Channels pass values [1].[[TOOL_END:1:search_knowledge]]`,
			Sources: []api.Source{{ID: 1, Source: "go.md", Content: "Channels are typed\nconduits."}},
		},
	}
}

func TestBuildTranscriptMarkdown(t *testing.T) {
	out := BuildTranscriptMarkdown(sampleMessages())

	assert.Contains(t, out, "## You\n\nHow do channels work?")
	assert.Contains(t, out, "## Assistant\n\nChecking.")
	assert.Contains(t, out, "> **Knowledge search: channels** (completed)")
	assert.Contains(t, out, "Channels pass values [1].")
	assert.Contains(t, out, "### Sources\n\n- [1] go.md: Channels are typed conduits.")
	assert.NotContains(t, out, "TOOL_END")
	assert.True(t, strings.HasSuffix(out, "\n"))
}

func TestBuildTranscriptMarkdownUserMarkersLiteral(t *testing.T) {
	out := BuildTranscriptMarkdown([]api.Message{{Role: "user", Content: "what is [[TOOL:1:x:running:{}]]?"}})
	assert.Contains(t, out, "what is [[TOOL:1:x:running:{}]]?")
}

func TestBuildConversationMarkdown(t *testing.T) {
	now := time.Date(2025, 5, 6, 7, 8, 9, 0, time.UTC)
	md := BuildConversationMarkdown(api.Conversation{ID: 42, Title: ""}, 2, "body", now)
	assert.True(t, strings.HasPrefix(md, "# n/a\n\nExported: 2025-05-06T07:08:09Z"))
	assert.Contains(t, md, "conversation_id: 42")
	assert.Contains(t, md, "message_count: 2")
	assert.Contains(t, md, "created_at: n/a")
	assert.True(t, strings.HasSuffix(md, "body\n"))
}

func TestExportWritesFile(t *testing.T) {
	dir := t.TempDir()
	e, err := New(filepath.Join(dir, "out"))
	require.NoError(t, err)
	e.now = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }

	path, err := e.Export(api.Conversation{ID: 7, Title: "Channels"}, sampleMessages())
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "out", "conversation-7.md"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "# Channels")
	assert.Contains(t, string(data), "Exported: 2025-01-01T00:00:00Z")
}

func TestOutputPathRelativeAndUnsaved(t *testing.T) {
	e := &Exporter{cwd: "/work"}
	assert.Equal(t, filepath.Join("/work", "exports", "conversation-new.md"), e.OutputPath(0))
	e.dir = "notes"
	assert.Equal(t, filepath.Join("/work", "notes", "conversation-3.md"), e.OutputPath(3))
}

func TestExcerpt(t *testing.T) {
	assert.Equal(t, "a b", excerpt(" a\n\tb ", 10))
	assert.Equal(t, "abcdefg...", excerpt("abcdefghijklmnop", 10))
}
