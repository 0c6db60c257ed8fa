// Package highlight decorates matches in already-styled terminal text
// without disturbing its ANSI escape sequences.
package highlight

import (
	"regexp"
	"strings"
)

var ansiCSI = regexp.MustCompile(`\x1b\[[0-?]*[ -/]*[@-~]`)

// Matcher returns the [start, end) byte ranges to decorate in s. s never
// contains escape sequences.
type Matcher func(s string) [][]int

// Substring matches query case-insensitively. An empty query matches nothing.
func Substring(query string) Matcher {
	q := strings.ToLower(strings.TrimSpace(query))
	return func(s string) [][]int {
		if q == "" {
			return nil
		}
		lower := strings.ToLower(s)
		if len(lower) != len(s) {
			// Case folding changed byte widths; fall back to exact matching.
			lower = s
		}
		var out [][]int
		start := 0
		for {
			rel := strings.Index(lower[start:], q)
			if rel < 0 {
				return out
			}
			idx := start + rel
			out = append(out, []int{idx, idx + len(q)})
			start = idx + len(q)
		}
	}
}

// Pattern matches every non-overlapping occurrence of re.
func Pattern(re *regexp.Regexp) Matcher {
	return func(s string) [][]int {
		return re.FindAllStringIndex(s, -1)
	}
}

type Result struct {
	Text      string
	Count     int
	LineIndex []int
}

// ApplyANSI wraps every match in input, line by line. Matches never span an
// escape sequence or a line break. wrap is called in document order.
func ApplyANSI(input string, match Matcher, wrap func(string) string) Result {
	return apply(input, match, wrap, applyToANSIText)
}

// ApplyJoined is ApplyANSI for renderers that style neighbouring tokens
// separately and so split a match with escape sequences. The matcher sees
// each line with its escapes removed; escapes that fell inside a match are
// written right after the wrapped text.
func ApplyJoined(input string, match Matcher, wrap func(string) string) Result {
	return apply(input, match, wrap, applyJoined)
}

func apply(input string, match Matcher, wrap func(string) string, line func(string, Matcher, func(string) string) (string, int)) Result {
	if match == nil {
		return Result{Text: input}
	}
	if wrap == nil {
		wrap = func(s string) string { return s }
	}

	lines := strings.SplitAfter(input, "\n")

	var out strings.Builder
	lineMatches := make([]int, 0, 64)
	total := 0

	for lineNo, l := range lines {
		core, hasNewline := strings.CutSuffix(l, "\n")

		rendered, count := line(core, match, wrap)
		out.WriteString(rendered)
		if hasNewline {
			out.WriteByte('\n')
		}
		if count > 0 {
			lineMatches = append(lineMatches, lineNo)
			total += count
		}
	}

	return Result{
		Text:      out.String(),
		Count:     total,
		LineIndex: lineMatches,
	}
}

func applyToANSIText(s string, match Matcher, wrap func(string) string) (string, int) {
	indices := ansiCSI.FindAllStringIndex(s, -1)
	if len(indices) == 0 {
		return applyToPlain(s, match, wrap)
	}

	var out strings.Builder
	total := 0
	pos := 0
	for _, idx := range indices {
		if idx[0] > pos {
			plain, count := applyToPlain(s[pos:idx[0]], match, wrap)
			out.WriteString(plain)
			total += count
		}
		out.WriteString(s[idx[0]:idx[1]])
		pos = idx[1]
	}
	if pos < len(s) {
		plain, count := applyToPlain(s[pos:], match, wrap)
		out.WriteString(plain)
		total += count
	}
	return out.String(), total
}

func applyJoined(s string, match Matcher, wrap func(string) string) (string, int) {
	escapes := ansiCSI.FindAllStringIndex(s, -1)
	if len(escapes) == 0 {
		return applyToPlain(s, match, wrap)
	}

	// plain holds the visible bytes, offsets[i] the position of plain[i] in s.
	plain := make([]byte, 0, len(s))
	offsets := make([]int, 0, len(s))
	pos := 0
	for _, e := range escapes {
		for i := pos; i < e[0]; i++ {
			plain = append(plain, s[i])
			offsets = append(offsets, i)
		}
		pos = e[1]
	}
	for i := pos; i < len(s); i++ {
		plain = append(plain, s[i])
		offsets = append(offsets, i)
	}
	if len(plain) == 0 {
		return s, 0
	}

	var out strings.Builder
	count := 0
	raw, next := 0, 0
	for _, r := range match(string(plain)) {
		if r[0] < next || r[1] <= r[0] || r[1] > len(plain) {
			continue
		}
		start, end := offsets[r[0]], offsets[r[1]-1]+1
		out.WriteString(s[raw:start])
		out.WriteString(wrap(string(plain[r[0]:r[1]])))
		for _, e := range ansiCSI.FindAllString(s[start:end], -1) {
			out.WriteString(e)
		}
		raw, next = end, r[1]
		count++
	}
	out.WriteString(s[raw:])
	return out.String(), count
}

func applyToPlain(s string, match Matcher, wrap func(string) string) (string, int) {
	if s == "" {
		return s, 0
	}
	ranges := match(s)
	if len(ranges) == 0 {
		return s, 0
	}

	var out strings.Builder
	count := 0
	start := 0
	for _, r := range ranges {
		if r[0] < start || r[1] <= r[0] || r[1] > len(s) {
			continue
		}
		out.WriteString(s[start:r[0]])
		out.WriteString(wrap(s[r[0]:r[1]]))
		count++
		start = r[1]
	}
	out.WriteString(s[start:])
	return out.String(), count
}
