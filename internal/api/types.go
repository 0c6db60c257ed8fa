package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"kbchat/internal/stream"
)

type Source = stream.Source

// Timestamp accepts the backend's datetime encodings: RFC3339 with or
// without offset, naive ISO ("2006-01-02T15:04:05.999999"), and unix
// seconds or milliseconds. Naive times are read as UTC.
type Timestamp struct {
	time.Time
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		t.Time = time.Time{}
		return nil
	}
	if data[0] != '"' {
		n, err := strconv.ParseInt(string(data), 10, 64)
		if err != nil {
			return fmt.Errorf("parse timestamp %s: %w", data, err)
		}
		if n > 1_000_000_000_000 {
			t.Time = time.UnixMilli(n).UTC()
		} else {
			t.Time = time.Unix(n, 0).UTC()
		}
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseTime(s)
	if err != nil {
		return err
	}
	t.Time = parsed
	return nil
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.Time.Format(time.RFC3339Nano))
}

// Format renders the timestamp in local time, or "n/a" when unset.
func (t Timestamp) Format(layout string) string {
	if t.IsZero() {
		return "n/a"
	}
	return t.Time.Local().Format(layout)
}

func ParseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", s)
}

type Message struct {
	ID             int64     `json:"id"`
	ConversationID int64     `json:"conversation_id"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	CreatedAt      Timestamp `json:"created_at"`

	// Sources is a client-side snapshot taken when the answer finished
	// streaming; the backend does not return it.
	Sources []Source `json:"sources,omitempty"`
}

type Conversation struct {
	ID        int64     `json:"id"`
	Title     string    `json:"title"`
	CreatedAt Timestamp `json:"created_at"`
	UpdatedAt Timestamp `json:"updated_at"`
	Messages  []Message `json:"messages,omitempty"`
}

type ChatRequest struct {
	Message          string `json:"message"`
	ConversationID   *int64 `json:"conversation_id,omitempty"`
	UseKnowledgeBase bool   `json:"use_knowledge_base"`
}

// NewChatRequest builds a request; a zero conversationID starts a new
// conversation.
func NewChatRequest(message string, conversationID int64, useKnowledgeBase bool) ChatRequest {
	req := ChatRequest{Message: message, UseKnowledgeBase: useKnowledgeBase}
	if conversationID > 0 {
		id := conversationID
		req.ConversationID = &id
	}
	return req
}

type ChatResponse struct {
	ConversationID int64    `json:"conversation_id"`
	Message        string   `json:"message"`
	Sources        []string `json:"sources"`
}

type Document struct {
	ID         int64     `json:"id"`
	Filename   string    `json:"filename"`
	FileType   string    `json:"file_type"`
	FilePath   string    `json:"file_path"`
	FileSize   int64     `json:"file_size"`
	ChunkCount int       `json:"chunk_count"`
	CreatedAt  Timestamp `json:"created_at"`
}

type DocumentList struct {
	Total     int        `json:"total"`
	Documents []Document `json:"documents"`
}

type KnowledgeStats struct {
	TotalDocuments int            `json:"total_documents"`
	TotalChunks    int            `json:"total_chunks"`
	TotalSizeBytes int64          `json:"total_size_bytes"`
	VectorCount    int            `json:"vector_count"`
	FileTypes      map[string]int `json:"file_types"`
}

type SearchResult struct {
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata"`
	Score    float64        `json:"score"`
}

// Source returns the origin label recorded in the chunk metadata.
func (r SearchResult) Source() string {
	if v, ok := r.Metadata["source"]; ok && v != nil {
		return fmt.Sprint(v)
	}
	return ""
}

type SearchResponse struct {
	Query   string         `json:"query"`
	Results []SearchResult `json:"results"`
	Count   int            `json:"count"`
}

type UploadResult struct {
	Success    bool   `json:"success"`
	Message    string `json:"message"`
	DocumentID int64  `json:"document_id"`
	Filename   string `json:"filename"`
	ChunkCount int    `json:"chunk_count"`
}

type StatusResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}
