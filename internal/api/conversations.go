package api

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
)

func conversationPath(id int64) string {
	return fmt.Sprintf("/chat/conversations/%d", id)
}

func (c *Client) ListConversations(ctx context.Context) ([]Conversation, error) {
	var out struct {
		Conversations []Conversation `json:"conversations"`
	}
	if err := c.do(ctx, http.MethodGet, "/chat/conversations", nil, nil, &out); err != nil {
		return nil, err
	}
	if out.Conversations == nil {
		out.Conversations = []Conversation{}
	}
	return out.Conversations, nil
}

func (c *Client) CreateConversation(ctx context.Context, title string) (Conversation, error) {
	body := map[string]any{}
	if title != "" {
		body["title"] = title
	}
	var conv Conversation
	err := c.do(ctx, http.MethodPost, "/chat/conversations", nil, body, &conv)
	return conv, err
}

// GetConversation returns the conversation with its messages.
func (c *Client) GetConversation(ctx context.Context, id int64) (Conversation, error) {
	var conv Conversation
	err := c.do(ctx, http.MethodGet, conversationPath(id), nil, nil, &conv)
	return conv, err
}

func (c *Client) ListMessages(ctx context.Context, conversationID int64) ([]Message, error) {
	var out struct {
		Messages []Message `json:"messages"`
	}
	if err := c.do(ctx, http.MethodGet, conversationPath(conversationID)+"/messages", nil, nil, &out); err != nil {
		return nil, err
	}
	if out.Messages == nil {
		out.Messages = []Message{}
	}
	return out.Messages, nil
}

func (c *Client) RenameConversation(ctx context.Context, id int64, title string) error {
	q := url.Values{"title": {title}}
	return c.do(ctx, http.MethodPut, conversationPath(id)+"/title", q, nil, nil)
}

func (c *Client) DeleteConversation(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodDelete, conversationPath(id), nil, nil, nil)
}

// SendMessage is the non-streaming chat call.
func (c *Client) SendMessage(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	var out ChatResponse
	err := c.do(ctx, http.MethodPost, "/chat/send", nil, req, &out)
	return out, err
}
