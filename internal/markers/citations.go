package markers

import (
	"regexp"
	"strconv"
)

// CitationPattern matches an inline [<digits>] reference.
var CitationPattern = regexp.MustCompile(`\[(\d+)\]`)

var citationRE = CitationPattern

// SourceClickFunc receives the id of an activated citation.
type SourceClickFunc func(sourceID int)

// Span is a run of text; reference spans carry the cited source id.
type Span struct {
	Text     string
	SourceID int
	IsRef    bool

	onClick SourceClickFunc
}

// Activate invokes the click handler of a reference span. Plain spans and
// spans bound without a handler do nothing.
func (s Span) Activate() {
	if s.IsRef && s.onClick != nil {
		s.onClick(s.SourceID)
	}
}

// BindCitations splits text on [<digits>] markers. Text without markers
// comes back as a single plain span; empty text yields no spans.
func BindCitations(text string, onClick SourceClickFunc) []Span {
	var spans []Span
	last := 0
	for _, loc := range citationRE.FindAllStringSubmatchIndex(text, -1) {
		id, err := strconv.Atoi(text[loc[2]:loc[3]])
		if err != nil {
			continue
		}
		if loc[0] > last {
			spans = append(spans, Span{Text: text[last:loc[0]]})
		}
		spans = append(spans, Span{
			Text:     text[loc[0]:loc[1]],
			SourceID: id,
			IsRef:    true,
			onClick:  onClick,
		})
		last = loc[1]
	}
	if last < len(text) {
		spans = append(spans, Span{Text: text[last:]})
	}
	return spans
}

// CitationIDs lists cited ids in order of appearance, duplicates included.
func CitationIDs(text string) []int {
	var ids []int
	for _, m := range citationRE.FindAllStringSubmatch(text, -1) {
		if id, err := strconv.Atoi(m[1]); err == nil {
			ids = append(ids, id)
		}
	}
	return ids
}
