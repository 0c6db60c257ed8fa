package stream

import (
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewReaderTranscodesLatin1(t *testing.T) {
	// "café" in ISO-8859-1.
	raw := "data: {\"type\":\"token\",\"content\":\"caf\xe9\"}\n"
	r := NewReader(strings.NewReader(raw), "text/event-stream; charset=ISO-8859-1")
	out, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Contains(t, string(out), "café")
}

func TestNewReaderPassThrough(t *testing.T) {
	for _, ct := range []string{"", "text/event-stream", "text/event-stream; charset=utf-8", "text/event-stream; charset=bogus", ";;;"} {
		src := strings.NewReader("x")
		assert.Same(t, io.Reader(src), NewReader(src, ct), ct)
	}
}
