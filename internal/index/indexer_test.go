package index

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kbchat/internal/api"
)

func ts(s string) api.Timestamp {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return api.Timestamp{Time: t}
}

func newTestIndexer(t *testing.T) *Indexer {
	t.Helper()
	i, err := New(MemoryPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = i.Close() })
	return i
}

func seed(t *testing.T, i *Indexer) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, i.SyncConversations(ctx, []api.Conversation{
		{ID: 1, Title: "Go channels", CreatedAt: ts("2025-01-01T10:00:00Z"), UpdatedAt: ts("2025-01-01T10:00:00Z")},
		{ID: 2, Title: "Rust lifetimes", CreatedAt: ts("2025-01-02T10:00:00Z"), UpdatedAt: ts("2025-01-02T10:00:00Z")},
	}))
	require.NoError(t, i.StoreMessages(ctx, 1, []api.Message{
		{ID: 10, Role: "user", Content: "How do buffered channels work?"},
		{ID: 11, Role: "assistant", Content: `[[TOOL:1:search_knowledge:running:{"query":"channels"}]] Buffered channels queue values [1].[[TOOL_END:1:search_knowledge]]`},
	}))
	require.NoError(t, i.StoreMessages(ctx, 2, []api.Message{
		{ID: 20, Role: "user", Content: "Explain borrow checker"},
		{ID: 21, Role: "assistant", Content: "The borrow checker enforces lifetimes."},
		{ID: 22, Role: "user", Content: "   "},
	}))
}

func TestListConversationsOrder(t *testing.T) {
	i := newTestIndexer(t)
	seed(t, i)

	convs, err := i.ListConversations(context.Background(), "", 0)
	require.NoError(t, err)
	require.Len(t, convs, 2)
	assert.Equal(t, int64(2), convs[0].ID)
	assert.Equal(t, 2, convs[0].MessageCount)
	assert.Equal(t, "Explain borrow checker", convs[0].Preview)
	assert.Equal(t, "How do buffered channels work?", convs[1].Preview)
}

func TestSearchMatchesContent(t *testing.T) {
	i := newTestIndexer(t)
	seed(t, i)
	ctx := context.Background()

	ids, err := i.Search(ctx, "buffered", 10)
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, ids)

	ids, err = i.Search(ctx, "BORROW", 10)
	require.NoError(t, err)
	assert.Equal(t, []int64{2}, ids)

	ids, err = i.Search(ctx, "", 10)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestSearchIgnoresToolMarkers(t *testing.T) {
	i := newTestIndexer(t)
	seed(t, i)

	ids, err := i.Search(context.Background(), "search_knowledge", 10)
	require.NoError(t, err)
	assert.Empty(t, ids)

	msgs, err := i.Messages(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "Buffered channels queue values [1].", msgs[1].Content)
	assert.Equal(t, int64(11), msgs[1].RemoteID)
}

func TestStoreMessagesReplaces(t *testing.T) {
	i := newTestIndexer(t)
	seed(t, i)
	ctx := context.Background()

	require.NoError(t, i.StoreMessages(ctx, 1, []api.Message{{ID: 12, Role: "user", Content: "goroutines"}}))
	n, err := i.MessageCount(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	ids, err := i.Search(ctx, "buffered", 10)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestSyncPrunesMissingConversations(t *testing.T) {
	i := newTestIndexer(t)
	seed(t, i)
	ctx := context.Background()

	require.NoError(t, i.SyncConversations(ctx, []api.Conversation{{ID: 2, Title: "Renamed"}}))
	convs, err := i.ListConversations(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, "Renamed", convs[0].Title)
	assert.Equal(t, 2, convs[0].MessageCount)

	ids, err := i.Search(ctx, "buffered", 10)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestDeleteConversation(t *testing.T) {
	i := newTestIndexer(t)
	seed(t, i)
	ctx := context.Background()

	require.NoError(t, i.DeleteConversation(ctx, 2))
	n, err := i.MessageCount(ctx, 2)
	require.NoError(t, err)
	assert.Zero(t, n)
	msgs, err := i.Messages(ctx, 2)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestFileBackedIndexReopens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.sqlite")
	i, err := New(path)
	require.NoError(t, err)
	seed(t, i)
	require.NoError(t, i.Close())

	i, err = New(path)
	require.NoError(t, err)
	defer i.Close()
	ids, err := i.Search(context.Background(), "borrow checker", 10)
	require.NoError(t, err)
	assert.Equal(t, []int64{2}, ids)
}

func TestTrimPreview(t *testing.T) {
	long := ""
	for len([]rune(long)) < 200 {
		long += "界"
	}
	got := trimPreview(long)
	assert.Len(t, []rune(got), 120)
	assert.Equal(t, "a b", trimPreview(" a\nb "))
	assert.Equal(t, "n/a", FormatUnix(0))
}
