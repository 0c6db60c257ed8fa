package stream

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	events []Event
}

func (r *recorder) handler() Handler {
	return Handler{
		OnInit: func(id int64) {
			r.events = append(r.events, Event{Type: EventInit, ConversationID: id})
		},
		OnToken: func(text string) {
			r.events = append(r.events, Event{Type: EventToken, Content: text})
		},
		OnSources: func(sources []Source) {
			r.events = append(r.events, Event{Type: EventSources, Sources: sources})
		},
		OnDone: func(full string, id int64, sources []Source) {
			r.events = append(r.events, Event{Type: EventDone, Content: full, ConversationID: id, Sources: sources})
		},
		OnError: func(msg string) {
			r.events = append(r.events, Event{Type: EventError, Message: msg})
		},
	}
}

func decodeString(t *testing.T, body string, opts ...Option) []Event {
	t.Helper()
	rec := &recorder{}
	err := Decode(context.Background(), strings.NewReader(body), rec.handler(), opts...)
	require.NoError(t, err)
	return rec.events
}

const fullStream = "data: {\"type\":\"init\",\"conversation_id\":7}\n" +
	"\n" +
	"data: {\"type\":\"token\",\"content\":\"Hel\"}\n" +
	"data: {\"type\":\"token\",\"content\":\"lo [1]\"}\n" +
	"data: {\"type\":\"sources\",\"sources\":[{\"id\":1,\"source\":\"a.md\",\"content\":\"alpha\"}]}\n" +
	"data: {\"type\":\"done\",\"full_content\":\"Hello [1]\"}\n"

func TestDecodeFullStream(t *testing.T) {
	events := decodeString(t, fullStream)
	require.Len(t, events, 5)

	assert.Equal(t, Event{Type: EventInit, ConversationID: 7}, events[0])
	assert.Equal(t, "Hel", events[1].Content)
	assert.Equal(t, "lo [1]", events[2].Content)
	assert.Equal(t, []Source{{ID: 1, Source: "a.md", Content: "alpha"}}, events[3].Sources)

	done := events[4]
	assert.Equal(t, EventDone, done.Type)
	assert.Equal(t, "Hello [1]", done.Content)
	assert.Equal(t, int64(7), done.ConversationID)
	assert.Equal(t, events[3].Sources, done.Sources)
}

func TestDecodeChunkBoundariesDoNotMatter(t *testing.T) {
	want := decodeString(t, fullStream)

	readers := map[string]io.Reader{
		"one byte": iotest.OneByteReader(strings.NewReader(fullStream)),
		"half":     iotest.HalfReader(strings.NewReader(fullStream)),
		"data err": iotest.DataErrReader(strings.NewReader(fullStream)),
	}
	for name, r := range readers {
		t.Run(name, func(t *testing.T) {
			rec := &recorder{}
			require.NoError(t, Decode(context.Background(), r, rec.handler()))
			assert.Equal(t, want, rec.events)
		})
	}
}

func TestFeedSplitsAtEveryOffset(t *testing.T) {
	body := "data: {\"type\":\"token\",\"content\":\"héllo ✓\"}\n" +
		"data: {\"type\":\"done\",\"full_content\":\"héllo ✓\",\"conversation_id\":3}\n"
	want := decodeString(t, body)
	require.Len(t, want, 2)

	for i := 0; i <= len(body); i++ {
		rec := &recorder{}
		d := NewDecoder(rec.handler())
		d.Feed([]byte(body[:i]))
		d.Feed([]byte(body[i:]))
		d.Flush()
		assert.Equal(t, want, rec.events, "split at %d", i)
	}
}

func TestDecodeSplitLineAcrossChunks(t *testing.T) {
	rec := &recorder{}
	d := NewDecoder(rec.handler())
	d.Feed([]byte(`data: {"type":"tok`))
	assert.Empty(t, rec.events)
	d.Feed([]byte("en\",\"content\":\"Hi\"}\n"))
	require.Len(t, rec.events, 1)
	assert.Equal(t, "Hi", rec.events[0].Content)
	assert.False(t, d.Closed())

	d.Feed([]byte("data: {\"type\":\"done\",\"full_content\":\"Hi\"}\n"))
	assert.True(t, d.Closed())
	d.Feed([]byte("data: {\"type\":\"token\",\"content\":\"late\"}\n"))
	assert.Len(t, rec.events, 2)
}

func TestDecodeDoneWithoutInitUsesPayloadID(t *testing.T) {
	events := decodeString(t, `data: {"type":"done","full_content":"hi","conversation_id":7}`+"\n")
	require.Len(t, events, 1)
	assert.Equal(t, "hi", events[0].Content)
	assert.Equal(t, int64(7), events[0].ConversationID)
	assert.NotNil(t, events[0].Sources)
	assert.Empty(t, events[0].Sources)
}

func TestDecodeTrackedIDWinsOverPayload(t *testing.T) {
	events := decodeString(t, `data: {"type":"done","full_content":"x","conversation_id":9}`+"\n", WithConversationID(4))
	require.Len(t, events, 1)
	assert.Equal(t, int64(4), events[0].ConversationID)
}

func TestDecodeErrorEvent(t *testing.T) {
	body := "data: {\"type\":\"token\",\"content\":\"a\"}\n" +
		"data: {\"type\":\"error\",\"message\":\"boom\"}\n" +
		"data: {\"type\":\"token\",\"content\":\"after\"}\n"
	events := decodeString(t, body)
	require.Len(t, events, 2)
	assert.Equal(t, Event{Type: EventError, Message: "boom"}, events[1])
}

func TestDecodeStopsAfterDone(t *testing.T) {
	body := "data: {\"type\":\"done\",\"full_content\":\"x\"}\n" +
		"data: {\"type\":\"error\",\"message\":\"late\"}\n" +
		"data: {\"type\":\"done\",\"full_content\":\"y\"}\n"
	events := decodeString(t, body)
	require.Len(t, events, 1)
	assert.Equal(t, "x", events[0].Content)
}

func TestDecodeSkipsNoiseAndMalformedLines(t *testing.T) {
	body := ": keep-alive\n" +
		"event: message\n" +
		"data:{\"type\":\"token\",\"content\":\"nospace\"}\n" +
		"data: {not json}\n" +
		"data: {\"type\":\"mystery\"}\n" +
		"data: {\"type\":\"token\",\"content\":\"ok\"}\r\n"
	events := decodeString(t, body)
	require.Len(t, events, 1)
	assert.Equal(t, "ok", events[0].Content)
}

func TestDecodeTrailingFragmentAtEOF(t *testing.T) {
	events := decodeString(t, `data: {"type":"done","full_content":"tail"}`)
	require.Len(t, events, 1)
	assert.Equal(t, "tail", events[0].Content)
}

func TestDecodeSilentEnd(t *testing.T) {
	events := decodeString(t, "data: {\"type\":\"token\",\"content\":\"a\"}\n")
	require.Len(t, events, 1)
	assert.Equal(t, EventToken, events[0].Type)
}

func TestDecodeNullSourcesBecomeEmpty(t *testing.T) {
	body := "data: {\"type\":\"sources\",\"sources\":null}\n" +
		"data: {\"type\":\"done\",\"full_content\":\"\"}\n"
	events := decodeString(t, body)
	require.Len(t, events, 2)
	assert.NotNil(t, events[0].Sources)
	assert.NotNil(t, events[1].Sources)
}

func TestDecodeReadErrorIsReturned(t *testing.T) {
	boom := errors.New("connection reset")
	r := io.MultiReader(
		strings.NewReader("data: {\"type\":\"token\",\"content\":\"a\"}\n"),
		iotest.ErrReader(boom),
	)
	rec := &recorder{}
	err := Decode(context.Background(), r, rec.handler())
	require.ErrorIs(t, err, boom)
	require.Len(t, rec.events, 1)
	assert.Equal(t, EventToken, rec.events[0].Type)
}

func TestDecodeCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rec := &recorder{}
	err := Decode(ctx, strings.NewReader(fullStream), rec.handler())
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, rec.events)
}

func TestNilCallbacksAreSkipped(t *testing.T) {
	var got string
	h := Handler{OnDone: func(full string, _ int64, _ []Source) { got = full }}
	require.NoError(t, Decode(context.Background(), strings.NewReader(fullStream), h))
	assert.Equal(t, "Hello [1]", got)
}

func TestEventsHandlerForwardsToChannel(t *testing.T) {
	ch := make(chan Event, 8)
	require.NoError(t, Decode(context.Background(), strings.NewReader(fullStream), Events(ch)))
	close(ch)

	var types []EventType
	for ev := range ch {
		types = append(types, ev.Type)
	}
	assert.Equal(t, []EventType{EventInit, EventToken, EventToken, EventSources, EventDone}, types)
	assert.True(t, EventDone.Terminal())
	assert.False(t, EventToken.Terminal())
}
