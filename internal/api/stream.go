package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"kbchat/internal/stream"
)

const streamPath = "/chat/send/stream"

// SendMessageStream posts req and decodes the event stream into h. When the
// stream cannot be obtained, h.OnError fires once and no reads happen; the
// returned error is then ErrNoStream or an *Error. Otherwise the result of
// stream.Decoder.Decode is returned.
func (c *Client) SendMessageStream(ctx context.Context, req ChatRequest, h stream.Handler) error {
	requestID := uuid.NewString()
	logger := c.logger.With("request_id", requestID)

	httpReq, err := c.newRequest(ctx, http.MethodPost, streamPath, nil, req)
	if err != nil {
		return err
	}
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("X-Request-ID", requestID)

	logger.Debug("open stream", "conversation_id", req.ConversationID, "use_kb", req.UseKnowledgeBase)
	resp, err := c.stream.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		logger.Warn("stream request failed", "err", err)
		reportError(h, ErrNoStream.Error())
		return fmt.Errorf("%w: %w", ErrNoStream, err)
	}
	if resp.Body == nil || resp.Body == http.NoBody {
		reportError(h, ErrNoStream.Error())
		return ErrNoStream
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := readError(resp)
		logger.Warn("stream rejected", "status", apiErr.Status, "detail", apiErr.Detail)
		msg := apiErr.Detail
		if msg == "" {
			msg = apiErr.Error()
		}
		reportError(h, msg)
		return apiErr
	}

	opts := []stream.Option{stream.WithLogger(logger)}
	if req.ConversationID != nil {
		opts = append(opts, stream.WithConversationID(*req.ConversationID))
	}
	body := stream.NewReader(resp.Body, resp.Header.Get("Content-Type"))
	dec := stream.NewDecoder(h, opts...)
	err = dec.Decode(ctx, body)
	switch {
	case err != nil && !errors.Is(err, context.Canceled):
		logger.Warn("stream read failed", "err", err)
	case err == nil && !dec.Closed():
		logger.Debug("stream ended without a terminal event")
	}
	return err
}

func reportError(h stream.Handler, msg string) {
	if h.OnError != nil {
		h.OnError(msg)
	}
}
