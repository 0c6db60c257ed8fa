package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"kbchat/internal/api"
	"kbchat/internal/export"
	"kbchat/internal/index"
	"kbchat/internal/markers"
)

func conversationsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "conversations",
		Aliases: []string{"conv"},
		Short:   "Manage conversations",
	}

	var limit int
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List conversations, most recent first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			convs, err := a.client.ListConversations(cmd.Context())
			if err != nil {
				return err
			}
			printConversations(cmd.OutOrStdout(), convs, limit)
			return nil
		},
	}
	listCmd.Flags().IntVarP(&limit, "limit", "n", 50, "max conversations to print")

	showCmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Print a conversation's messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			conv, msgs, err := fetchConversation(cmd.Context(), a.client, id)
			if err != nil {
				return err
			}
			printTranscript(cmd.OutOrStdout(), conv, msgs)
			return nil
		},
	}

	newCmd := &cobra.Command{
		Use:   "new [title]",
		Short: "Create an empty conversation",
		RunE: func(cmd *cobra.Command, args []string) error {
			title := strings.TrimSpace(strings.Join(args, " "))
			if title == "" {
				title = "New conversation"
			}
			conv, err := a.client.CreateConversation(cmd.Context(), title)
			if err != nil {
				return err
			}
			okColor.Fprintf(cmd.OutOrStdout(), "Created conversation %d %q\n", conv.ID, safeTitle(conv.Title))
			return nil
		},
	}

	renameCmd := &cobra.Command{
		Use:   "rename <id> <title>",
		Short: "Rename a conversation",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			title := strings.TrimSpace(strings.Join(args[1:], " "))
			if title == "" {
				return fmt.Errorf("title must not be empty")
			}
			if err := a.client.RenameConversation(cmd.Context(), id, title); err != nil {
				return err
			}
			okColor.Fprintf(cmd.OutOrStdout(), "Renamed conversation %d to %q\n", id, title)
			return nil
		},
	}

	deleteCmd := &cobra.Command{
		Use:   "delete <id>...",
		Short: "Delete conversations",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, arg := range args {
				id, err := parseID(arg)
				if err != nil {
					return err
				}
				if err := a.client.DeleteConversation(cmd.Context(), id); err != nil {
					return fmt.Errorf("delete conversation %d: %w", id, err)
				}
				okColor.Fprintf(cmd.OutOrStdout(), "Deleted conversation %d\n", id)
			}
			return nil
		},
	}

	exportCmd := &cobra.Command{
		Use:   "export <id>",
		Short: "Write a conversation to a markdown file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			conv, msgs, err := fetchConversation(cmd.Context(), a.client, id)
			if err != nil {
				return err
			}
			exp, err := export.New(a.cfg.ExportDir)
			if err != nil {
				return err
			}
			path, err := exp.Export(conv, msgs)
			if err != nil {
				return err
			}
			okColor.Fprintf(cmd.OutOrStdout(), "Exported %s\n", path)
			return nil
		},
	}

	var searchLimit int
	findCmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Full-text search over conversation messages",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			idx, err := a.openIndex()
			if err != nil {
				return err
			}
			defer idx.Close()
			if err := syncIndex(cmd.Context(), a.client, idx); err != nil {
				return err
			}
			hits, err := idx.ListConversations(cmd.Context(), strings.Join(args, " "), searchLimit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(hits) == 0 {
				fmt.Fprintln(out, "No conversations matched")
				return nil
			}
			for _, c := range hits {
				titleColor.Fprintf(out, "%6d  ", c.ID)
				fmt.Fprintf(out, "%s  ", safeTitle(c.Title))
				dimColor.Fprintf(out, "(%d msgs)\n", c.MessageCount)
				if c.Preview != "" {
					dimColor.Fprintf(out, "        %s\n", c.Preview)
				}
			}
			return nil
		},
	}
	findCmd.Flags().IntVarP(&searchLimit, "limit", "n", 20, "max results")

	cmd.AddCommand(listCmd, showCmd, newCmd, renameCmd, deleteCmd, exportCmd, findCmd)
	return cmd
}

type conversationSource interface {
	ListConversations(ctx context.Context) ([]api.Conversation, error)
	GetConversation(ctx context.Context, id int64) (api.Conversation, error)
	ListMessages(ctx context.Context, conversationID int64) ([]api.Message, error)
}

func fetchConversation(ctx context.Context, c conversationSource, id int64) (api.Conversation, []api.Message, error) {
	conv, err := c.GetConversation(ctx, id)
	if err != nil {
		return api.Conversation{}, nil, err
	}
	msgs := conv.Messages
	if len(msgs) == 0 {
		msgs, err = c.ListMessages(ctx, id)
		if err != nil {
			return api.Conversation{}, nil, err
		}
	}
	return conv, msgs, nil
}

// syncIndex mirrors the backend's conversations and their messages into idx.
func syncIndex(ctx context.Context, c conversationSource, idx *index.Indexer) error {
	convs, err := c.ListConversations(ctx)
	if err != nil {
		return err
	}
	if err := idx.SyncConversations(ctx, convs); err != nil {
		return err
	}
	for _, conv := range convs {
		msgs, err := c.ListMessages(ctx, conv.ID)
		if err != nil {
			return fmt.Errorf("fetch messages of conversation %d: %w", conv.ID, err)
		}
		if err := idx.StoreMessages(ctx, conv.ID, msgs); err != nil {
			return err
		}
	}
	return nil
}

func printConversations(out io.Writer, convs []api.Conversation, limit int) {
	if len(convs) == 0 {
		fmt.Fprintln(out, "No conversations")
		return
	}
	if limit > 0 && len(convs) > limit {
		convs = convs[:limit]
	}
	for _, c := range convs {
		titleColor.Fprintf(out, "%6d  ", c.ID)
		fmt.Fprintf(out, "%s  ", safeTitle(c.Title))
		when := "n/a"
		if !c.UpdatedAt.IsZero() {
			when = humanize.Time(c.UpdatedAt.Time)
		}
		dimColor.Fprintf(out, "%s\n", when)
	}
}

func printTranscript(out io.Writer, conv api.Conversation, msgs []api.Message) {
	headColor.Fprintf(out, "#%d %s\n", conv.ID, safeTitle(conv.Title))
	for _, m := range msgs {
		fmt.Fprintln(out)
		if m.Role == markers.RoleUser {
			okColor.Fprintln(out, "You")
			fmt.Fprintln(out, m.Content)
			continue
		}
		titleColor.Fprintln(out, "Assistant")
		for _, b := range markers.Parse(m.Content) {
			if b.IsTool() {
				toolColor.Fprintf(out, "⟳ %s (%s)\n", b.Tool.Label(), b.Tool.Status)
				continue
			}
			fmt.Fprintln(out, b.Text)
		}
	}
}

func safeTitle(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "Untitled"
	}
	return s
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return id, nil
}
