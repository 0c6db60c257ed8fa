package ui

import (
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/x/ansi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kbchat/internal/api"
	"kbchat/internal/index"
	"kbchat/internal/markers"
)

func TestFilterConversationsRanksTitlesThenMessages(t *testing.T) {
	all := []index.Conversation{
		{ID: 1, Title: "Kubernetes upgrade"},
		{ID: 2, Title: "Lunch ideas"},
		{ID: 3, Title: "kube networking"},
		{ID: 4, Title: "Release notes"},
	}

	assert.Equal(t, all, filterConversations(all, "  ", nil))

	got := filterConversations(all, "kube", []int64{4, 3, 99})
	ids := make([]int64, 0, len(got))
	for _, c := range got {
		ids = append(ids, c.ID)
	}
	require.Len(t, ids, 3)
	assert.ElementsMatch(t, []int64{1, 3}, ids[:2])
	assert.Equal(t, int64(4), ids[2], "message matches follow title matches without duplicates")
}

func TestStyleCitationsRecordsLinesAndHandlers(t *testing.T) {
	var clicked []int
	onClick := func(id int) { clicked = append(clicked, id) }

	out, refs := styleCitations("see [1] and [2]\nplain\nthen [10]", 3, 5, -1, onClick, nil)
	assert.Contains(t, out, "plain")
	require.Len(t, refs, 3)
	assert.Equal(t, []int{5, 5, 7}, []int{refs[0].line, refs[1].line, refs[2].line})
	assert.Equal(t, 10, refs[2].span.SourceID)
	assert.Equal(t, 3, refs[0].msg)

	refs[2].span.Activate()
	refs[0].span.Activate()
	assert.Equal(t, []int{10, 1}, clicked)

	_, more := styleCitations("[4]", 4, 0, -1, onClick, refs)
	assert.Len(t, more, 4)
}

func TestRenderAssistantMessageShowsToolCards(t *testing.T) {
	r := newMarkdownRenderer("notty", 80)
	content := "Checking.[[TOOL:1:search_knowledge:running:{\"query\":\"raft\"}]]"
	out := r.message(markers.RoleAssistant, content, true)
	assert.Contains(t, out, "Assistant")
	assert.Contains(t, out, "Checking.")
	assert.Contains(t, out, "Knowledge search")
	assert.Contains(t, out, "raft")
	assert.Contains(t, out, "running")
	assert.True(t, strings.HasSuffix(out, streamCursor))
	assert.NotContains(t, out, "[[TOOL")

	user := r.message(markers.RoleUser, "**not bold** [[TOOL:1:x:running:{}]]", false)
	assert.Contains(t, user, "**not bold**", "user text is shown literally")
	assert.Contains(t, user, "[[TOOL:1:x:running:{}]]")
}

func TestRenderSourcesMarksSelection(t *testing.T) {
	out, line := renderSources(nil, 1, 40)
	assert.Contains(t, out, "No sources")
	assert.Equal(t, -1, line)

	out, line = renderSources(goSources, 2, 40)
	assert.Contains(t, out, "Sources (2)")
	assert.Contains(t, out, "[1] go.pdf")
	assert.Contains(t, out, "[2] gc.md")
	assert.Greater(t, line, 2)

	_, line = renderSources(goSources, 5, 40)
	assert.Equal(t, -1, line)
}

func TestHistoryDataKeepsSelection(t *testing.T) {
	m := newTestModel(t, &fakeBackend{}, nil)
	convs := []index.Conversation{
		{ID: 1, Title: "alpha", UpdatedAt: time.Now().Add(-time.Hour).Unix(), MessageCount: 2},
		{ID: 2, Title: "beta", MessageCount: 4},
	}
	m.updateHistoryData(historyMsg{convs: convs, local: true})
	assert.Equal(t, int64(1), m.history.selectedID)
	assert.False(t, m.history.loading)

	m.history.list.Select(1)
	m.history.selectedID = 2
	m.updateHistoryData(historyMsg{convs: append([]index.Conversation{{ID: 3, Title: "gamma"}}, convs...), local: true})
	assert.Equal(t, int64(2), m.history.selectedID)
	assert.Len(t, m.history.list.Items(), 3)

	item := conversationItem{c: convs[0]}
	assert.Equal(t, "#1 alpha", item.Title())
	assert.Contains(t, item.Description(), "1 hour ago")
	assert.Contains(t, item.Description(), "2 msgs")
	assert.Equal(t, "#9 Untitled", conversationItem{c: index.Conversation{ID: 9}}.Title())
}

func TestHistorySearchResultsApplyOnlyForCurrentQuery(t *testing.T) {
	m := newTestModel(t, &fakeBackend{}, nil)
	m.updateHistoryData(historyMsg{convs: []index.Conversation{{ID: 1, Title: "alpha"}, {ID: 2, Title: "beta"}}, local: true})
	m.history.query = "zzz"

	m.updateHistoryData(historySearchMsg{query: "old", ids: []int64{2}})
	assert.Nil(t, m.history.ftsIDs)

	m.updateHistoryData(historySearchMsg{query: "zzz", ids: []int64{2}})
	require.Len(t, m.history.shown, 1)
	assert.Equal(t, int64(2), m.history.shown[0].ID)
}

func TestOpenConversationReplacesChat(t *testing.T) {
	m := newTestModel(t, &fakeBackend{}, nil)
	m = answer(t, m)
	m.view = viewHistory

	m.updateHistoryData(conversationLoadedMsg{
		conv: api.Conversation{ID: 12, Title: "Raft"},
		msgs: []api.Message{{Role: "user", Content: "what is raft"}, {Role: "assistant", Content: "Consensus [1]."}},
	})
	assert.Equal(t, viewChat, m.view)
	assert.Equal(t, int64(12), m.chat.conversationID)
	assert.Equal(t, "Raft", m.chat.title)
	require.Len(t, m.chat.messages, 2)
	require.Len(t, m.chat.refs, 1)
	assert.False(t, m.chat.sel.ok)

	// Stored messages carry no sources, so their citations resolve to nothing.
	m.chat.refIndex = 0
	m.activateRef()
	assert.False(t, m.chat.sel.ok)
	assert.False(t, m.chat.showSources)
}

func TestDeletingOpenConversationResetsChat(t *testing.T) {
	m := newTestModel(t, &fakeBackend{}, nil)
	m = answer(t, m)
	cmd := m.updateHistoryData(conversationDeletedMsg{id: 7})
	assert.NotNil(t, cmd)
	assert.Zero(t, m.chat.conversationID)
	assert.Empty(t, m.chat.messages)
	assert.True(t, m.history.loading)
}

func TestKnowledgeHelpers(t *testing.T) {
	stats := api.KnowledgeStats{
		TotalDocuments: 2,
		TotalChunks:    31,
		TotalSizeBytes: 2048,
		VectorCount:    31,
		FileTypes:      map[string]int{"pdf": 1, "md": 1},
	}
	assert.Equal(t, "2 documents | 31 chunks | 2.0 KiB | 31 vectors | md=1 pdf=1", statsLine(stats))

	rows := documentRows([]api.Document{{Filename: "a.pdf", FileType: "pdf", FileSize: 1536, ChunkCount: 4}})
	require.Len(t, rows, 1)
	assert.Equal(t, "a.pdf", rows[0][0])
	assert.Equal(t, "1.5 KiB", rows[0][2])
	assert.Equal(t, "4", rows[0][3])
	assert.Equal(t, "n/a", rows[0][4])

	cols := documentColumns(100)
	assert.Equal(t, 100-35-10, cols[0].Width)
	assert.Equal(t, 12, documentColumns(10)[0].Width)
}

func TestKnowledgeDataFillsTable(t *testing.T) {
	m := newTestModel(t, &fakeBackend{}, nil)
	docs := []api.Document{
		{ID: 1, Filename: "guide.md", FileType: "md", FileSize: 10, ChunkCount: 1},
		{ID: 2, Filename: "design.pdf", FileType: "pdf", FileSize: 4096, ChunkCount: 9},
	}
	m.updateKnowledgeData(knowledgeMsg{docs: api.DocumentList{Total: 2, Documents: docs}})
	assert.False(t, m.knowledge.busy)
	assert.Len(t, m.knowledge.table.Rows(), 2)
	assert.Contains(t, m.knowledge.detail.View(), "guide.md")

	m.updateKnowledgeData(knowledgeSearchMsg{resp: api.SearchResponse{
		Query:   "chunks",
		Results: []api.SearchResult{{Content: "text", Score: 0.5, Metadata: map[string]any{"source": "design.pdf"}}},
	}})
	require.NotNil(t, m.knowledge.results)
	assert.Contains(t, m.knowledge.detail.View(), "design.pdf")
	assert.Contains(t, m.knowledge.detail.View(), "0.500")
}

func TestExpandPath(t *testing.T) {
	assert.Equal(t, "/tmp/a.pdf", expandPath("  /tmp/a.pdf "))
	assert.False(t, strings.HasPrefix(expandPath("~/a.pdf"), "~"))
}

func TestStyleCitationsOnColourMarkdown(t *testing.T) {
	for _, style := range []string{"notty", "dark", "light"} {
		r := newMarkdownRenderer(style, 80)
		rendered := r.message(markers.RoleAssistant, "See [1] and [2] for details.", false)

		var clicked []int
		out, refs := styleCitations(rendered, 0, 0, 0, func(id int) { clicked = append(clicked, id) }, nil)
		require.Len(t, refs, 2, style)
		assert.Contains(t, ansi.Strip(out), "[1]", style)
		assert.Contains(t, ansi.Strip(out), "[2]", style)
		assert.Equal(t, ansi.Strip(rendered), ansi.Strip(out), style)

		refs[1].span.Activate()
		refs[0].span.Activate()
		assert.Equal(t, []int{2, 1}, clicked, style)
	}
}

func TestRenderedMessageCacheFollowsContent(t *testing.T) {
	m := newTestModel(t, &fakeBackend{}, nil)
	first := m.renderedMessage(0, api.Message{Role: markers.RoleAssistant, Content: "alpha"})
	second := m.renderedMessage(0, api.Message{Role: markers.RoleAssistant, Content: "beta"})
	assert.Contains(t, first, "alpha")
	assert.Contains(t, second, "beta")
	assert.NotContains(t, second, "alpha")
}
