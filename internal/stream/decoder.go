// Package stream decodes the chat backend's server-sent-event response into
// typed callbacks.
//
// The wire format is newline-delimited text where only lines starting with
// "data: " carry a JSON payload with a "type" discriminator. Chunks may split
// lines (and multi-byte characters) anywhere; the decoder buffers the
// unterminated tail until its line break arrives.
package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
)

const readSize = 4096

var dataPrefix = []byte("data: ")

// Decoder drives a single stream to completion. It is not safe for
// concurrent use and must not be reused for a second stream.
type Decoder struct {
	h      Handler
	logger *slog.Logger

	pending        []byte
	conversationID int64
	sources        []Source
	closed         bool
}

type Option func(*Decoder)

// WithLogger sets the logger used for skipped lines.
func WithLogger(l *slog.Logger) Option {
	return func(d *Decoder) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithConversationID seeds the tracked conversation id, normally the id the
// request was sent for. An init event overrides it.
func WithConversationID(id int64) Option {
	return func(d *Decoder) { d.conversationID = id }
}

func NewDecoder(h Handler, opts ...Option) *Decoder {
	d := &Decoder{
		h:       h,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		sources: []Source{},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Decode is shorthand for NewDecoder(h, opts...).Decode(ctx, r).
func Decode(ctx context.Context, r io.Reader, h Handler, opts ...Option) error {
	return NewDecoder(h, opts...).Decode(ctx, r)
}

// Decode pulls chunks from r until a terminal event is dispatched or the
// reader is exhausted. Ending without a terminal event is not an error and
// fires no callback. Read failures other than io.EOF are returned wrapped
// and cancellation returns ctx.Err().
func (d *Decoder) Decode(ctx context.Context, r io.Reader) error {
	buf := make([]byte, readSize)
	for !d.closed {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := r.Read(buf)
		if n > 0 {
			d.Feed(buf[:n])
		}
		if err == nil {
			continue
		}
		if errors.Is(err, io.EOF) {
			d.Flush()
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("read event stream: %w", err)
	}
	return nil
}

// Feed appends a chunk and dispatches every line it completes.
func (d *Decoder) Feed(chunk []byte) {
	if d.closed {
		return
	}
	d.pending = append(d.pending, chunk...)
	start := 0
	for !d.closed {
		idx := bytes.IndexByte(d.pending[start:], '\n')
		if idx < 0 {
			break
		}
		d.handleLine(d.pending[start : start+idx])
		start += idx + 1
	}
	if d.closed {
		d.pending = nil
		return
	}
	rest := copy(d.pending, d.pending[start:])
	d.pending = d.pending[:rest]
}

// Flush parses an unterminated trailing line left when the stream ends.
func (d *Decoder) Flush() {
	if d.closed || len(d.pending) == 0 {
		d.pending = nil
		return
	}
	line := d.pending
	d.pending = nil
	d.handleLine(line)
}

// Closed reports whether a terminal event has been dispatched.
func (d *Decoder) Closed() bool {
	return d.closed
}

func (d *Decoder) handleLine(line []byte) {
	line = bytes.TrimSuffix(line, []byte{'\r'})
	if !bytes.HasPrefix(line, dataPrefix) {
		return
	}
	var p payload
	if err := json.Unmarshal(line[len(dataPrefix):], &p); err != nil {
		d.logger.Debug("skip malformed event line", "err", err, "bytes", len(line))
		return
	}
	d.dispatch(p)
}

func (d *Decoder) dispatch(p payload) {
	switch p.Type {
	case EventInit:
		if p.ConversationID != nil {
			d.conversationID = *p.ConversationID
		}
		if d.h.OnInit != nil {
			d.h.OnInit(d.conversationID)
		}
	case EventToken:
		if d.h.OnToken != nil {
			d.h.OnToken(p.Content)
		}
	case EventSources:
		d.sources = p.Sources
		if d.sources == nil {
			d.sources = []Source{}
		}
		if d.h.OnSources != nil {
			d.h.OnSources(d.sources)
		}
	case EventDone:
		d.closed = true
		id := d.conversationID
		if id == 0 && p.ConversationID != nil {
			id = *p.ConversationID
		}
		if d.h.OnDone != nil {
			d.h.OnDone(p.FullContent, id, d.sources)
		}
	case EventError:
		d.closed = true
		if d.h.OnError != nil {
			d.h.OnError(p.Message)
		}
	default:
		d.logger.Debug("skip unknown event type", "type", string(p.Type))
	}
}
