package clipboard

import (
	"context"
	"errors"
	"fmt"

	"github.com/atotto/clipboard"
)

var ErrUnavailable = errors.New("clipboard unavailable (install xclip, xsel or wl-clipboard)")

type Clipboard struct {
	write       func(string) error
	unsupported bool
}

func New() *Clipboard {
	return &Clipboard{write: clipboard.WriteAll, unsupported: clipboard.Unsupported}
}

// NewWithWriter is for tests and alternative backends.
func NewWithWriter(write func(string) error) *Clipboard {
	return &Clipboard{write: write, unsupported: write == nil}
}

// Copy writes text to the system clipboard. The platform helper runs in its
// own goroutine so a hung helper cannot outlive ctx for the caller.
func (c *Clipboard) Copy(ctx context.Context, text string) error {
	if c == nil || c.unsupported {
		return ErrUnavailable
	}
	done := make(chan error, 1)
	go func() { done <- c.write(text) }()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		if err != nil {
			return fmt.Errorf("write clipboard: %w", err)
		}
		return nil
	}
}
