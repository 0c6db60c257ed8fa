package highlight

import (
	"regexp"
	"strings"
	"testing"
)

func TestApplyANSI_CaseInsensitive(t *testing.T) {
	in := "Hello there\nsecond hello\n"
	res := ApplyANSI(in, Substring("hello"), func(s string) string { return "[[" + s + "]]" })

	if res.Count != 2 {
		t.Fatalf("expected 2 matches, got %d", res.Count)
	}
	if len(res.LineIndex) != 2 || res.LineIndex[0] != 0 || res.LineIndex[1] != 1 {
		t.Fatalf("unexpected line indexes: %#v", res.LineIndex)
	}
	if !strings.Contains(res.Text, "[[Hello]]") || !strings.Contains(res.Text, "[[hello]]") {
		t.Fatalf("highlight wrapper not applied: %q", res.Text)
	}
}

func TestApplyANSI_PreservesEscapeSequences(t *testing.T) {
	in := "a \x1b[31mhello\x1b[0m b"
	res := ApplyANSI(in, Substring("hello"), func(s string) string { return "<" + s + ">" })

	if res.Count != 1 {
		t.Fatalf("expected 1 match, got %d", res.Count)
	}
	if !strings.Contains(res.Text, "\x1b[31m<hello>\x1b[0m") {
		t.Fatalf("expected escaped segment to stay intact, got %q", res.Text)
	}
}

func TestApplyANSI_DoesNotMatchAcrossANSIBoundaries(t *testing.T) {
	in := "he\x1b[31mll\x1b[0mo"
	res := ApplyANSI(in, Substring("hello"), func(s string) string { return "<" + s + ">" })
	if res.Count != 0 {
		t.Fatalf("expected 0 matches across ansi boundaries, got %d", res.Count)
	}
}

func TestApplyANSI_EmptyQuery(t *testing.T) {
	in := "unchanged\n"
	res := ApplyANSI(in, Substring("  "), func(s string) string { return "<" + s + ">" })
	if res.Text != in || res.Count != 0 {
		t.Fatalf("expected no change, got %#v", res)
	}
}

func TestApplyANSI_PatternWrapOrder(t *testing.T) {
	in := "see [1] and\n\x1b[1m[2]\x1b[0m then [3]"
	var seen []string
	res := ApplyANSI(in, Pattern(regexp.MustCompile(`\[\d+\]`)), func(s string) string {
		seen = append(seen, s)
		return "{" + s + "}"
	})
	if res.Count != 3 {
		t.Fatalf("expected 3 matches, got %d", res.Count)
	}
	if strings.Join(seen, ",") != "[1],[2],[3]" {
		t.Fatalf("unexpected wrap order: %v", seen)
	}
	if !strings.Contains(res.Text, "\x1b[1m{[2]}\x1b[0m") {
		t.Fatalf("expected styled citation to keep its escapes, got %q", res.Text)
	}
	if len(res.LineIndex) != 2 || res.LineIndex[1] != 1 {
		t.Fatalf("unexpected line indexes: %#v", res.LineIndex)
	}
}

func TestApplyANSI_NilMatcher(t *testing.T) {
	res := ApplyANSI("x", nil, nil)
	if res.Text != "x" || res.Count != 0 {
		t.Fatalf("unexpected result %#v", res)
	}
}

func TestApplyJoined_MatchesAcrossEscapes(t *testing.T) {
	in := "See [\x1b[0m\x1b[38;5;252m1] and [\x1b[0m\x1b[38;5;252m2].\nnext \x1b[1m[3]\x1b[0m"
	var seen []string
	res := ApplyJoined(in, Pattern(regexp.MustCompile(`\[\d+\]`)), func(s string) string {
		seen = append(seen, s)
		return "{" + s + "}"
	})
	if res.Count != 3 {
		t.Fatalf("expected 3 matches, got %d", res.Count)
	}
	if strings.Join(seen, ",") != "[1],[2],[3]" {
		t.Fatalf("unexpected wrap order: %v", seen)
	}
	want := "See {[1]}\x1b[0m\x1b[38;5;252m and {[2]}\x1b[0m\x1b[38;5;252m.\nnext \x1b[1m{[3]}\x1b[0m"
	if res.Text != want {
		t.Fatalf("unexpected text:\n got %q\nwant %q", res.Text, want)
	}
	if len(res.LineIndex) != 2 {
		t.Fatalf("unexpected line indexes: %#v", res.LineIndex)
	}
}

func TestApplyJoined_EscapesOnly(t *testing.T) {
	in := "\x1b[0m\x1b[1m"
	res := ApplyJoined(in, Substring("x"), nil)
	if res.Text != in || res.Count != 0 {
		t.Fatalf("unexpected result %#v", res)
	}
}
