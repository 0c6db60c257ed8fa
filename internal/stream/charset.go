package stream

import (
	"io"
	"mime"
	"strings"

	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/transform"
)

// NewReader wraps body so that it yields UTF-8, honouring the charset
// parameter of contentType. A missing, UTF-8, or unrecognised charset
// returns body unchanged.
func NewReader(body io.Reader, contentType string) io.Reader {
	name := charsetOf(contentType)
	if name == "" {
		return body
	}
	enc, err := htmlindex.Get(name)
	if err != nil {
		return body
	}
	if canonical, _ := htmlindex.Name(enc); canonical == "utf-8" {
		return body
	}
	return transform.NewReader(body, enc.NewDecoder())
}

func charsetOf(contentType string) string {
	if strings.TrimSpace(contentType) == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(params["charset"]))
}
