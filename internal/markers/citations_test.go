package markers

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBindCitationsClickReportsID(t *testing.T) {
	var clicked []int
	spans := BindCitations("See [1] and [2]", func(id int) { clicked = append(clicked, id) })

	require.Len(t, spans, 4)
	assert.Equal(t, "See ", spans[0].Text)
	assert.True(t, spans[1].IsRef)
	assert.Equal(t, 1, spans[1].SourceID)
	assert.Equal(t, " and ", spans[2].Text)
	assert.Equal(t, 2, spans[3].SourceID)

	spans[1].Activate()
	assert.Equal(t, []int{1}, clicked)
	spans[0].Activate()
	spans[3].Activate()
	assert.Equal(t, []int{1, 2}, clicked)
}

func TestBindCitationsUnchangedWithoutMarkers(t *testing.T) {
	for _, in := range []string{"plain", "[a] [ 1] [1", "[[TOOL_END]]", "x[]y"} {
		spans := BindCitations(in, nil)
		require.Len(t, spans, 1, in)
		assert.False(t, spans[0].IsRef)
		assert.Equal(t, in, spans[0].Text)
	}
	assert.Empty(t, BindCitations("", nil))
}

func TestBindCitationsRoundTrip(t *testing.T) {
	for _, in := range []string{"[1]", "a[12]b[3]", "[1][2] end", "x [99999999999999999999999] y"} {
		var b strings.Builder
		for _, s := range BindCitations(in, nil) {
			b.WriteString(s.Text)
		}
		assert.Equal(t, in, b.String(), in)
	}
}

func TestBindCitationsOverflowStaysPlain(t *testing.T) {
	spans := BindCitations("x [99999999999999999999999] y", nil)
	for _, s := range spans {
		assert.False(t, s.IsRef)
	}
}

func TestActivateWithoutHandler(t *testing.T) {
	spans := BindCitations("[4]", nil)
	require.Len(t, spans, 1)
	assert.NotPanics(t, spans[0].Activate)
}

func TestCitationIDs(t *testing.T) {
	assert.Equal(t, []int{1, 3, 1}, CitationIDs("a [1] b [3] c [1]"))
	assert.Nil(t, CitationIDs("none"))
}

func TestToolLabel(t *testing.T) {
	assert.Equal(t, "Knowledge search: go", ToolCall{Name: "rag_search", Args: map[string]any{"question": "go"}}.Label())
	assert.Equal(t, "custom", ToolCall{Name: "custom"}.Label())
	assert.Equal(t, "Knowledge search", ToolDisplayName("search_knowledge_base"))
	assert.Equal(t, "q", ArgsPreview(map[string]any{"keyword": "k", "query": "q"}))
	assert.Equal(t, "", ArgsPreview(map[string]any{"query": "  "}))
}
