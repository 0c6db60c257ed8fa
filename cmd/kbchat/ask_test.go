package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kbchat/internal/api"
	"kbchat/internal/stream"
)

func init() {
	color.NoColor = true
}

type streamFunc func(ctx context.Context, req api.ChatRequest, h stream.Handler) error

func (f streamFunc) SendMessageStream(ctx context.Context, req api.ChatRequest, h stream.Handler) error {
	return f(ctx, req, h)
}

func TestMarkerWriterReplacesToolMarkers(t *testing.T) {
	var out bytes.Buffer
	w := newMarkerWriter(&out)
	for _, tok := range []string{
		"Looking",
		" up[",
		`[TOOL:1:search_knowledge:running:{"query":"raft"}]`,
		"][[TOOL_END:1:search_knowledge]]Raft is [1",
		"].",
	} {
		w.WriteToken(tok)
	}
	w.Flush()
	assert.Equal(t, "Looking up\n⟳ Knowledge search: raft\n✓ Knowledge search: raft\nRaft is [1].", out.String())
}

func TestMarkerWriterCompletedToolPrintsOnce(t *testing.T) {
	var out bytes.Buffer
	w := newMarkerWriter(&out)
	w.WriteToken(`[[TOOL:3:rag_search:completed:{"question":"raft"}]]`)
	w.WriteToken("[[TOOL_END:3:rag_search]][[TOOL_END:4:other_tool]]Done.")
	w.Flush()
	assert.Equal(t, "✓ Knowledge search: raft\n✓ other_tool\nDone.", out.String())
}

func TestMarkerWriterColoursCitations(t *testing.T) {
	color.NoColor = false
	defer func() { color.NoColor = true }()

	var out bytes.Buffer
	w := newMarkerWriter(&out)
	w.WriteToken("Raft is [")
	assert.Equal(t, "Raft is ", out.String(), "an open citation is held back")
	w.WriteToken("12")
	w.WriteToken("]. See [x].")
	w.Flush()
	assert.Equal(t, "Raft is \x1b[36m[12]\x1b[0m. See [x].", out.String())
}

func TestMarkerWriterKeepsOtherBrackets(t *testing.T) {
	var out bytes.Buffer
	w := newMarkerWriter(&out)
	w.WriteToken("a [[note]] b ")
	w.WriteToken("[[TOOL:2:x")
	w.Flush()
	assert.Equal(t, "a [[note]] b [[TOOL:2:x", out.String())
}

func TestRunAskPrintsAnswerAndSources(t *testing.T) {
	var got api.ChatRequest
	s := streamFunc(func(_ context.Context, req api.ChatRequest, h stream.Handler) error {
		got = req
		h.OnToken("Raft uses ")
		h.OnToken("leaders [1].")
		h.OnDone("Raft uses leaders [1].", 5, []stream.Source{{ID: 1, Source: "raft.pdf", Content: "Leader election\nhappens first."}})
		return nil
	})

	var out bytes.Buffer
	req := api.NewChatRequest("what is raft", 5, true)
	require.NoError(t, runAsk(context.Background(), s, req, &out))

	assert.Equal(t, "what is raft", got.Message)
	text := out.String()
	assert.True(t, strings.HasPrefix(text, "Raft uses leaders [1].\n"))
	assert.Contains(t, text, "Sources (1 of 1 cited)")
	assert.Contains(t, text, "[1] raft.pdf")
	assert.Contains(t, text, "Leader election happens first.")
	assert.Contains(t, text, "conversation 5")
}

func TestRunAskReturnsStreamError(t *testing.T) {
	s := streamFunc(func(_ context.Context, _ api.ChatRequest, h stream.Handler) error {
		h.OnError("Vector store unavailable")
		return &api.Error{Status: 503, Detail: "Vector store unavailable"}
	})
	var out bytes.Buffer
	err := runAsk(context.Background(), s, api.ChatRequest{Message: "q"}, &out)
	require.Error(t, err)
	assert.Equal(t, "Vector store unavailable", err.Error())
}

func TestRunAskSilentEnd(t *testing.T) {
	s := streamFunc(func(_ context.Context, _ api.ChatRequest, h stream.Handler) error {
		h.OnToken("partial")
		return nil
	})
	var out bytes.Buffer
	require.NoError(t, runAsk(context.Background(), s, api.ChatRequest{Message: "q"}, &out))
	assert.Contains(t, out.String(), "partial")
	assert.Contains(t, out.String(), "stream ended without completion")
	assert.NotContains(t, out.String(), "conversation")
}

func TestRunAskCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := streamFunc(func(ctx context.Context, _ api.ChatRequest, _ stream.Handler) error {
		return ctx.Err()
	})
	err := runAsk(ctx, s, api.ChatRequest{Message: "q"}, &bytes.Buffer{})
	require.Error(t, err)
	assert.Equal(t, "cancelled", err.Error())
}

type sendFunc func(ctx context.Context, req api.ChatRequest) (api.ChatResponse, error)

func (f sendFunc) SendMessage(ctx context.Context, req api.ChatRequest) (api.ChatResponse, error) {
	return f(ctx, req)
}

func TestRunAskOncePrintsAnswer(t *testing.T) {
	s := sendFunc(func(_ context.Context, req api.ChatRequest) (api.ChatResponse, error) {
		assert.Equal(t, "what is raft", req.Message)
		return api.ChatResponse{
			ConversationID: 4,
			Message:        `[[TOOL:1:rag_search:completed:{"question":"raft"}]]Raft is a consensus protocol [1].`,
			Sources:        []string{"raft.md"},
		}, nil
	})
	var out bytes.Buffer
	require.NoError(t, runAskOnce(context.Background(), s, api.NewChatRequest("what is raft", 0, true), &out))
	got := out.String()
	assert.Contains(t, got, "Raft is a consensus protocol [1].")
	assert.Contains(t, got, "Sources (1 of 1 cited)")
	assert.Contains(t, got, "[1] raft.md")
	assert.Contains(t, got, "✓ Knowledge search: raft")
	assert.Contains(t, got, "conversation 4")
	assert.NotContains(t, got, "[[TOOL")
}

func TestRunAskOnceCancelled(t *testing.T) {
	s := sendFunc(func(ctx context.Context, _ api.ChatRequest) (api.ChatResponse, error) {
		return api.ChatResponse{}, context.Canceled
	})
	err := runAskOnce(context.Background(), s, api.NewChatRequest("x", 0, true), &bytes.Buffer{})
	require.EqualError(t, err, "cancelled")
}
