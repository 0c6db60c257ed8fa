package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"regexp"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"kbchat/internal/api"
	"kbchat/internal/markers"
	"kbchat/internal/stream"
)

func askCmd(a *app) *cobra.Command {
	var conversationID int64
	var noKB, noStream bool
	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Ask a question and stream the answer to stdout",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			useKB := a.cfg.UseKnowledgeBase && !noKB
			req := api.NewChatRequest(strings.Join(args, " "), conversationID, useKB)
			if noStream {
				return runAskOnce(ctx, a.client, req, cmd.OutOrStdout())
			}
			return runAsk(ctx, a.client, req, cmd.OutOrStdout())
		},
	}
	cmd.Flags().Int64VarP(&conversationID, "conversation", "C", 0, "continue an existing conversation")
	cmd.Flags().BoolVar(&noKB, "no-kb", false, "answer without knowledge base retrieval")
	cmd.Flags().BoolVar(&noStream, "no-stream", false, "wait for the full answer instead of streaming")
	return cmd
}

type streamer interface {
	SendMessageStream(ctx context.Context, req api.ChatRequest, h stream.Handler) error
}

func runAsk(ctx context.Context, s streamer, req api.ChatRequest, out io.Writer) error {
	w := newMarkerWriter(out)
	var (
		streamErr string
		done      bool
		convID    int64
		sources   []stream.Source
		answer    strings.Builder
	)
	h := stream.Handler{
		OnToken: func(tok string) {
			answer.WriteString(tok)
			w.WriteToken(tok)
		},
		OnDone: func(full string, id int64, srcs []stream.Source) {
			done = true
			convID = id
			sources = srcs
			if full != "" {
				answer.Reset()
				answer.WriteString(full)
			}
		},
		OnError: func(msg string) { streamErr = msg },
	}

	err := s.SendMessageStream(ctx, req, h)
	w.Flush()
	fmt.Fprintln(out)

	switch {
	case errors.Is(err, context.Canceled):
		return errors.New("cancelled")
	case streamErr != "":
		return errors.New(streamErr)
	case err != nil:
		return err
	case !done:
		warnColor.Fprintln(out, "(stream ended without completion)")
		return nil
	}

	printSources(out, sources, markers.CitationIDs(answer.String()))
	dimColor.Fprintf(out, "conversation %d\n", convID)
	return nil
}

type sender interface {
	SendMessage(ctx context.Context, req api.ChatRequest) (api.ChatResponse, error)
}

// runAskOnce prints a non-streamed answer. The endpoint returns source names
// only, numbered in order, so they are listed without excerpts.
func runAskOnce(ctx context.Context, s sender, req api.ChatRequest, out io.Writer) error {
	resp, err := s.SendMessage(ctx, req)
	if errors.Is(err, context.Canceled) {
		return errors.New("cancelled")
	}
	if err != nil {
		return err
	}
	w := newMarkerWriter(out)
	w.WriteToken(resp.Message)
	w.Flush()
	fmt.Fprintln(out)
	sources := make([]stream.Source, 0, len(resp.Sources))
	for i, name := range resp.Sources {
		sources = append(sources, stream.Source{ID: i + 1, Source: name})
	}
	printSources(out, sources, markers.CitationIDs(resp.Message))
	dimColor.Fprintf(out, "conversation %d\n", resp.ConversationID)
	return nil
}

// printSources lists the sources of an answer. Sources the answer cites are
// counted in the header; the rest are dimmed.
func printSources(out io.Writer, sources []stream.Source, cited []int) {
	if len(sources) == 0 {
		return
	}
	isCited := make(map[int]bool, len(cited))
	for _, id := range cited {
		isCited[id] = true
	}
	n := 0
	for _, s := range sources {
		if isCited[s.ID] {
			n++
		}
	}
	fmt.Fprintln(out)
	headColor.Fprintf(out, "Sources (%d of %d cited)\n", n, len(sources))
	for _, s := range sources {
		if isCited[s.ID] {
			refColor.Fprintf(out, "  [%d] ", s.ID)
		} else {
			dimColor.Fprintf(out, "  [%d] ", s.ID)
		}
		fmt.Fprintln(out, s.Source)
		if excerpt := oneLine(s.Content, 100); excerpt != "" {
			dimColor.Fprintf(out, "      %s\n", excerpt)
		}
	}
}

// markerWriter prints streamed tokens, replacing tool markers with a status
// line and colouring citations. Text that may be the start of a marker or a
// citation is held back until it closes or the stream ends.
type markerWriter struct {
	out     io.Writer
	pending string
	tools   map[string]toolLine
	midLine bool
}

type toolLine struct {
	label string
	done  bool
}

var trailingRefRE = regexp.MustCompile(`\[\d*$`)

func newMarkerWriter(out io.Writer) *markerWriter {
	return &markerWriter{out: out, tools: map[string]toolLine{}}
}

func (w *markerWriter) WriteToken(tok string) {
	w.pending += tok
	for {
		start := strings.Index(w.pending, "[[")
		if start < 0 {
			keep := 0
			if loc := trailingRefRE.FindStringIndex(w.pending); loc != nil {
				keep = len(w.pending) - loc[0]
			}
			w.writeText(w.pending[:len(w.pending)-keep])
			w.pending = w.pending[len(w.pending)-keep:]
			return
		}
		w.writeText(w.pending[:start])
		w.pending = w.pending[start:]
		end := strings.Index(w.pending, "]]")
		if end < 0 {
			return
		}
		w.writeMarker(w.pending[:end+2])
		w.pending = w.pending[end+2:]
	}
}

func (w *markerWriter) writeText(s string) {
	if s == "" {
		return
	}
	for _, span := range markers.BindCitations(s, nil) {
		if span.IsRef {
			refColor.Fprint(w.out, span.Text)
		} else {
			fmt.Fprint(w.out, span.Text)
		}
	}
	w.midLine = !strings.HasSuffix(s, "\n")
}

func (w *markerWriter) writeMarker(marker string) {
	if id, name, ok := markers.ToolEnd(marker); ok {
		t, seen := w.tools[id]
		if seen && t.done {
			return
		}
		if !seen {
			t.label = markers.ToolDisplayName(name)
		}
		w.tools[id] = toolLine{label: t.label, done: true}
		w.line(okColor, "✓ "+t.label)
		return
	}
	blocks := markers.Parse(marker)
	if len(blocks) == 1 && blocks[0].IsTool() {
		tool := blocks[0].Tool
		done := tool.Status == markers.StatusCompleted
		w.tools[tool.ID] = toolLine{label: tool.Label(), done: done}
		if done {
			w.line(okColor, "✓ "+tool.Label())
		} else {
			w.line(toolColor, "⟳ "+tool.Label())
		}
		return
	}
	w.writeText(marker)
}

// line prints s on a line of its own.
func (w *markerWriter) line(c *color.Color, s string) {
	if w.midLine {
		fmt.Fprintln(w.out)
	}
	c.Fprintln(w.out, s)
	w.midLine = false
}

// Flush writes whatever is still held back.
func (w *markerWriter) Flush() {
	w.writeText(w.pending)
	w.pending = ""
}

func oneLine(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
