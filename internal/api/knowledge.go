package api

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// AllowedExtensions are the document types the backend can ingest.
var AllowedExtensions = []string{".txt", ".md", ".pdf", ".docx", ".doc"}

// ValidateFilename rejects names whose extension the backend will refuse.
func ValidateFilename(name string) error {
	ext := strings.ToLower(filepath.Ext(name))
	for _, allowed := range AllowedExtensions {
		if ext == allowed {
			return nil
		}
	}
	return fmt.Errorf("%w %q (allowed: %s)", ErrUnsupportedFileType, ext, strings.Join(AllowedExtensions, " "))
}

func documentPath(id int64) string {
	return fmt.Sprintf("/knowledge/documents/%d", id)
}

func (c *Client) ListDocuments(ctx context.Context) (DocumentList, error) {
	var out DocumentList
	if err := c.do(ctx, http.MethodGet, "/knowledge/documents", nil, nil, &out); err != nil {
		return DocumentList{}, err
	}
	if out.Documents == nil {
		out.Documents = []Document{}
	}
	return out, nil
}

func (c *Client) GetDocument(ctx context.Context, id int64) (Document, error) {
	var doc Document
	err := c.do(ctx, http.MethodGet, documentPath(id), nil, nil, &doc)
	return doc, err
}

func (c *Client) DeleteDocument(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodDelete, documentPath(id), nil, nil, nil)
}

func (c *Client) SearchKnowledge(ctx context.Context, query string, k int) (SearchResponse, error) {
	q := url.Values{"query": {query}}
	if k > 0 {
		q.Set("k", strconv.Itoa(k))
	}
	var out SearchResponse
	if err := c.do(ctx, http.MethodGet, "/knowledge/search", q, nil, &out); err != nil {
		return SearchResponse{}, err
	}
	if out.Results == nil {
		out.Results = []SearchResult{}
	}
	return out, nil
}

func (c *Client) Stats(ctx context.Context) (KnowledgeStats, error) {
	var out KnowledgeStats
	err := c.do(ctx, http.MethodGet, "/knowledge/stats", nil, nil, &out)
	return out, err
}

// UploadFile uploads the file at path as multipart field "file".
func (c *Client) UploadFile(ctx context.Context, path string) (UploadResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return UploadResult{}, fmt.Errorf("open upload: %w", err)
	}
	defer f.Close()
	return c.Upload(ctx, filepath.Base(path), f)
}

func (c *Client) Upload(ctx context.Context, filename string, r io.Reader) (UploadResult, error) {
	if err := ValidateFilename(filename); err != nil {
		return UploadResult{}, err
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return UploadResult{}, fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, r); err != nil {
		return UploadResult{}, fmt.Errorf("copy upload %s: %w", filename, err)
	}
	if err := mw.Close(); err != nil {
		return UploadResult{}, fmt.Errorf("close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/knowledge/upload", nil), &body)
	if err != nil {
		return UploadResult{}, fmt.Errorf("build upload request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Accept", "application/json")

	var out UploadResult
	if err := c.send(req, &out); err != nil {
		return UploadResult{}, err
	}
	return out, nil
}
