package clipboard

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestCopyWritesText(t *testing.T) {
	var got string
	c := NewWithWriter(func(s string) error {
		got = s
		return nil
	})
	if err := c.Copy(context.Background(), "answer [1]"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "answer [1]" {
		t.Fatalf("clipboard got %q", got)
	}
}

func TestCopyWrapsWriterError(t *testing.T) {
	boom := errors.New("exit status 1")
	c := NewWithWriter(func(string) error { return boom })
	err := c.Copy(context.Background(), "x")
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped writer error, got %v", err)
	}
}

func TestCopyUnavailable(t *testing.T) {
	if err := NewWithWriter(nil).Copy(context.Background(), "x"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	var c *Clipboard
	if err := c.Copy(context.Background(), "x"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable for nil clipboard, got %v", err)
	}
}

func TestCopyHonoursContext(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	c := NewWithWriter(func(string) error {
		<-release
		return nil
	})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := c.Copy(ctx, "x"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
}
