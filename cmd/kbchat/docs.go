package main

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"kbchat/internal/api"
)

func docsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "docs",
		Aliases: []string{"documents"},
		Short:   "Manage knowledge base documents",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List uploaded documents",
		RunE: func(cmd *cobra.Command, _ []string) error {
			list, err := a.client.ListDocuments(cmd.Context())
			if err != nil {
				return err
			}
			printDocuments(cmd.OutOrStdout(), list)
			return nil
		},
	}

	showCmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show document details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			d, err := a.client.GetDocument(cmd.Context(), id)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			headColor.Fprintln(out, d.Filename)
			fmt.Fprintf(out, "  id:       %d\n", d.ID)
			fmt.Fprintf(out, "  type:     %s\n", d.FileType)
			fmt.Fprintf(out, "  size:     %s\n", humanize.IBytes(uint64(max(d.FileSize, 0))))
			fmt.Fprintf(out, "  chunks:   %d\n", d.ChunkCount)
			fmt.Fprintf(out, "  uploaded: %s\n", d.CreatedAt.Format("2006-01-02 15:04"))
			fmt.Fprintf(out, "  path:     %s\n", d.FilePath)
			return nil
		},
	}

	uploadCmd := &cobra.Command{
		Use:   "upload <file>...",
		Short: "Upload documents (" + strings.Join(api.AllowedExtensions, " ") + ")",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			failed := 0
			for _, path := range args {
				res, err := a.client.UploadFile(cmd.Context(), path)
				if err != nil {
					failed++
					errColor.Fprintf(out, "✗ %s: %v\n", path, err)
					continue
				}
				okColor.Fprintf(out, "✓ %s", res.Filename)
				dimColor.Fprintf(out, " (id %d, %d chunks)\n", res.DocumentID, res.ChunkCount)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d uploads failed", failed, len(args))
			}
			return nil
		},
	}

	deleteCmd := &cobra.Command{
		Use:   "delete <id>...",
		Short: "Delete documents and their vectors",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, arg := range args {
				id, err := parseID(arg)
				if err != nil {
					return err
				}
				if err := a.client.DeleteDocument(cmd.Context(), id); err != nil {
					return fmt.Errorf("delete document %d: %w", id, err)
				}
				okColor.Fprintf(cmd.OutOrStdout(), "Deleted document %d\n", id)
			}
			return nil
		},
	}

	cmd.AddCommand(listCmd, showCmd, uploadCmd, deleteCmd)
	return cmd
}

func searchCmd(a *app) *cobra.Command {
	var k int
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search the knowledge base directly",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("top-k") {
				k = a.cfg.SearchK
			}
			resp, err := a.client.SearchKnowledge(cmd.Context(), strings.Join(args, " "), k)
			if err != nil {
				return err
			}
			printSearch(cmd.OutOrStdout(), resp)
			return nil
		},
	}
	cmd.Flags().IntVarP(&k, "top-k", "k", 0, "number of results (default from search_k)")
	return cmd
}

func statsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show knowledge base statistics",
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := a.client.Stats(cmd.Context())
			if err != nil {
				return err
			}
			printStats(cmd.OutOrStdout(), s)
			return nil
		},
	}
}

func printDocuments(out io.Writer, list api.DocumentList) {
	if len(list.Documents) == 0 {
		fmt.Fprintln(out, "No documents")
		return
	}
	for _, d := range list.Documents {
		titleColor.Fprintf(out, "%6d  ", d.ID)
		fmt.Fprintf(out, "%-40s ", d.Filename)
		dimColor.Fprintf(out, "%-5s %9s %4d chunks\n", d.FileType, humanize.IBytes(uint64(max(d.FileSize, 0))), d.ChunkCount)
	}
	dimColor.Fprintf(out, "%d documents\n", list.Total)
}

func printSearch(out io.Writer, resp api.SearchResponse) {
	if len(resp.Results) == 0 {
		fmt.Fprintf(out, "No results for %q\n", resp.Query)
		return
	}
	for i, r := range resp.Results {
		refColor.Fprintf(out, "[%d] ", i+1)
		fmt.Fprint(out, r.Source())
		dimColor.Fprintf(out, "  score %.3f\n", r.Score)
		fmt.Fprintf(out, "    %s\n", oneLine(r.Content, 160))
	}
}

func printStats(out io.Writer, s api.KnowledgeStats) {
	headColor.Fprintln(out, "Knowledge base")
	fmt.Fprintf(out, "  documents: %s\n", humanize.Comma(int64(s.TotalDocuments)))
	fmt.Fprintf(out, "  chunks:    %s\n", humanize.Comma(int64(s.TotalChunks)))
	fmt.Fprintf(out, "  vectors:   %s\n", humanize.Comma(int64(s.VectorCount)))
	fmt.Fprintf(out, "  size:      %s\n", humanize.IBytes(uint64(max(s.TotalSizeBytes, 0))))
	if len(s.FileTypes) == 0 {
		return
	}
	types := make([]string, 0, len(s.FileTypes))
	for t := range s.FileTypes {
		types = append(types, t)
	}
	sort.Strings(types)
	for _, t := range types {
		fmt.Fprintf(out, "  %-10s %d\n", t+":", s.FileTypes[t])
	}
}
