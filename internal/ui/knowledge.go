package ui

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"
	"github.com/dustin/go-humanize"

	"kbchat/internal/api"
)

type knowledgeState struct {
	table  table.Model
	detail viewport.Model
	docs   []api.Document
	stats  api.KnowledgeStats

	search    textinput.Model
	searching bool
	query     string
	results   *api.SearchResponse

	upload    textinput.Model
	uploading bool

	confirmDelete int64
	busy          bool
}

type knowledgeMsg struct {
	docs  api.DocumentList
	stats api.KnowledgeStats
	err   error
}

type documentMsg struct {
	doc api.Document
	err error
}

type documentDeletedMsg struct {
	id  int64
	err error
}

type uploadMsg struct {
	path   string
	result api.UploadResult
	err    error
}

type knowledgeSearchMsg struct {
	resp api.SearchResponse
	err  error
}

var documentColumnWidths = [...]int{0, 6, 9, 6, 14}

func newKnowledgeState() knowledgeState {
	t := table.New(
		table.WithColumns(documentColumns(60)),
		table.WithFocused(true),
		table.WithHeight(10),
	)

	search := textinput.New()
	search.Placeholder = "Search the knowledge base..."
	search.Prompt = "/ "
	search.CharLimit = 256

	upload := textinput.New()
	upload.Placeholder = "path/to/file.pdf"
	upload.Prompt = "upload: "
	upload.CharLimit = 1024

	vp := viewport.New(40, 20)
	vp.SetContent("Loading documents...")

	return knowledgeState{
		table:  t,
		detail: vp,
		search: search,
		upload: upload,
		busy:   true,
	}
}

func documentColumns(width int) []table.Column {
	fixed := 0
	for _, w := range documentColumnWidths[1:] {
		fixed += w
	}
	// each cell carries one column of padding per side
	name := width - fixed - 2*len(documentColumnWidths)
	if name < 12 {
		name = 12
	}
	return []table.Column{
		{Title: "Filename", Width: name},
		{Title: "Type", Width: documentColumnWidths[1]},
		{Title: "Size", Width: documentColumnWidths[2]},
		{Title: "Chunks", Width: documentColumnWidths[3]},
		{Title: "Uploaded", Width: documentColumnWidths[4]},
	}
}

func documentRows(docs []api.Document) []table.Row {
	rows := make([]table.Row, 0, len(docs))
	for _, d := range docs {
		uploaded := "n/a"
		if !d.CreatedAt.IsZero() {
			uploaded = humanize.Time(d.CreatedAt.Time)
		}
		rows = append(rows, table.Row{
			d.Filename,
			d.FileType,
			humanize.IBytes(uint64(max(d.FileSize, 0))),
			fmt.Sprintf("%d", d.ChunkCount),
			uploaded,
		})
	}
	return rows
}

func statsLine(s api.KnowledgeStats) string {
	line := fmt.Sprintf("%d documents | %d chunks | %s | %d vectors",
		s.TotalDocuments, s.TotalChunks, humanize.IBytes(uint64(max(s.TotalSizeBytes, 0))), s.VectorCount)
	if len(s.FileTypes) == 0 {
		return line
	}
	types := make([]string, 0, len(s.FileTypes))
	for t, n := range s.FileTypes {
		types = append(types, fmt.Sprintf("%s=%d", t, n))
	}
	sort.Strings(types)
	return line + " | " + strings.Join(types, " ")
}

func documentDetail(d api.Document, width int) string {
	var b strings.Builder
	b.WriteString(sourceTitleStyle.Render(ansi.Truncate(d.Filename, width, "…")))
	b.WriteString("\n\n")
	rows := [][2]string{
		{"id", fmt.Sprintf("%d", d.ID)},
		{"type", safeValue(d.FileType)},
		{"size", fmt.Sprintf("%s (%s bytes)", humanize.IBytes(uint64(max(d.FileSize, 0))), humanize.Comma(d.FileSize))},
		{"chunks", fmt.Sprintf("%d", d.ChunkCount)},
		{"uploaded", d.CreatedAt.Format("2006-01-02 15:04")},
		{"path", safeValue(d.FilePath)},
	}
	for _, r := range rows {
		b.WriteString(dimStyle.Render(fmt.Sprintf("%-9s", r[0])))
		b.WriteString(ansi.Truncate(r[1], width-10, "…"))
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func searchResultsView(resp api.SearchResponse, width int) string {
	if width < 20 {
		width = 20
	}
	var b strings.Builder
	b.WriteString(sourceTitleStyle.Render(fmt.Sprintf("%d results for %q", len(resp.Results), resp.Query)))
	if len(resp.Results) == 0 {
		return b.String()
	}
	body := lipgloss.NewStyle().Width(width - 2).PaddingLeft(2)
	for i, r := range resp.Results {
		b.WriteString("\n\n")
		title := fmt.Sprintf("[%d] %s", i+1, safeValue(r.Source()))
		b.WriteString(ansi.Truncate(title, width-14, "…"))
		b.WriteString(dimStyle.Render(fmt.Sprintf("  score %.3f", r.Score)))
		b.WriteString("\n")
		b.WriteString(body.Render(shorten(strings.Join(strings.Fields(r.Content), " "), 600)))
	}
	return b.String()
}

// expandPath resolves a leading ~ against the home directory.
func expandPath(p string) string {
	p = strings.TrimSpace(p)
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}

func (m Model) loadKnowledgeCmd() tea.Cmd {
	backend := m.backend
	return func() tea.Msg {
		ctx := context.Background()
		docs, err := backend.ListDocuments(ctx)
		if err != nil {
			return knowledgeMsg{err: err}
		}
		stats, err := backend.Stats(ctx)
		return knowledgeMsg{docs: docs, stats: stats, err: err}
	}
}

func (m Model) documentCmd(id int64) tea.Cmd {
	backend := m.backend
	return func() tea.Msg {
		doc, err := backend.GetDocument(context.Background(), id)
		return documentMsg{doc: doc, err: err}
	}
}

func (m Model) deleteDocumentCmd(id int64) tea.Cmd {
	backend := m.backend
	return func() tea.Msg {
		return documentDeletedMsg{id: id, err: backend.DeleteDocument(context.Background(), id)}
	}
}

func (m Model) uploadCmd(path string) tea.Cmd {
	backend := m.backend
	return func() tea.Msg {
		res, err := backend.UploadFile(context.Background(), path)
		return uploadMsg{path: path, result: res, err: err}
	}
}

func (m Model) knowledgeSearchCmd(query string) tea.Cmd {
	backend, k := m.backend, m.cfg.SearchK
	return func() tea.Msg {
		resp, err := backend.SearchKnowledge(context.Background(), query, k)
		return knowledgeSearchMsg{resp: resp, err: err}
	}
}

func (m *Model) updateKnowledgeData(msg tea.Msg) tea.Cmd {
	k := &m.knowledge
	switch msg := msg.(type) {
	case knowledgeMsg:
		k.busy = false
		if msg.err != nil {
			m.err = msg.err
			m.status = "Knowledge base unavailable"
			k.detail.SetContent("Could not load documents.")
			return nil
		}
		k.docs = msg.docs.Documents
		k.stats = msg.stats
		k.table.SetRows(documentRows(k.docs))
		if k.table.Cursor() >= len(k.docs) {
			k.table.SetCursor(max(len(k.docs)-1, 0))
		}
		if k.results == nil {
			m.showSelectedDocument()
		}

	case documentMsg:
		k.busy = false
		if msg.err != nil {
			m.err = msg.err
			m.status = "Document lookup failed"
			return nil
		}
		k.results = nil
		k.detail.SetContent(documentDetail(msg.doc, k.detail.Width))
		k.detail.GotoTop()

	case documentDeletedMsg:
		if msg.err != nil {
			k.busy = false
			m.err = msg.err
			m.status = "Delete failed"
			return nil
		}
		m.status = fmt.Sprintf("Deleted document #%d", msg.id)
		return m.loadKnowledgeCmd()

	case uploadMsg:
		if msg.err != nil {
			k.busy = false
			m.err = msg.err
			m.status = "Upload failed"
			return nil
		}
		m.err = nil
		m.status = fmt.Sprintf("Uploaded %s (%d chunks)", msg.result.Filename, msg.result.ChunkCount)
		return m.loadKnowledgeCmd()

	case knowledgeSearchMsg:
		k.busy = false
		if msg.err != nil {
			m.err = msg.err
			m.status = "Search failed"
			return nil
		}
		resp := msg.resp
		k.results = &resp
		k.detail.SetContent(searchResultsView(resp, k.detail.Width))
		k.detail.GotoTop()
		m.status = fmt.Sprintf("%d results", len(resp.Results))
	}
	return nil
}

func (m *Model) selectedDocument() (api.Document, bool) {
	i := m.knowledge.table.Cursor()
	if i < 0 || i >= len(m.knowledge.docs) {
		return api.Document{}, false
	}
	return m.knowledge.docs[i], true
}

func (m *Model) showSelectedDocument() {
	k := &m.knowledge
	doc, ok := m.selectedDocument()
	if !ok {
		k.detail.SetContent("No documents yet.\n\nPress u to upload " + strings.Join(api.AllowedExtensions, ", ") + " files.")
		return
	}
	k.detail.SetContent(documentDetail(doc, k.detail.Width))
	k.detail.GotoTop()
}

func (m *Model) updateKnowledgeKeys(msg tea.KeyMsg) tea.Cmd {
	k := &m.knowledge

	if k.uploading {
		switch msg.String() {
		case "esc":
			k.uploading = false
			k.upload.Blur()
			return nil
		case "enter":
			k.uploading = false
			k.upload.Blur()
			path := expandPath(k.upload.Value())
			if path == "" {
				return nil
			}
			if err := api.ValidateFilename(path); err != nil {
				m.err = err
				m.status = "Upload rejected"
				return nil
			}
			k.upload.SetValue("")
			k.busy = true
			m.status = "Uploading " + filepath.Base(path) + "..."
			return tea.Batch(m.uploadCmd(path), m.spinner.Tick)
		}
		var cmd tea.Cmd
		k.upload, cmd = k.upload.Update(msg)
		return cmd
	}

	if k.searching {
		switch msg.String() {
		case "esc":
			k.searching = false
			k.search.Blur()
			return nil
		case "enter":
			k.searching = false
			k.search.Blur()
			k.query = strings.TrimSpace(k.search.Value())
			if k.query == "" {
				return nil
			}
			k.busy = true
			return tea.Batch(m.knowledgeSearchCmd(k.query), m.spinner.Tick)
		}
		var cmd tea.Cmd
		k.search, cmd = k.search.Update(msg)
		return cmd
	}

	if k.confirmDelete != 0 {
		id := k.confirmDelete
		k.confirmDelete = 0
		if key.Matches(msg, m.keys.Confirm) {
			k.busy = true
			m.status = "Deleting..."
			return tea.Batch(m.deleteDocumentCmd(id), m.spinner.Tick)
		}
		m.status = "Delete cancelled"
		return nil
	}

	switch {
	case key.Matches(msg, m.keys.Open):
		if doc, ok := m.selectedDocument(); ok {
			k.busy = true
			return tea.Batch(m.documentCmd(doc.ID), m.spinner.Tick)
		}
		return nil
	case key.Matches(msg, m.keys.Upload):
		k.uploading = true
		return k.upload.Focus()
	case key.Matches(msg, m.keys.Search):
		k.searching = true
		k.search.SetValue(k.query)
		k.search.CursorEnd()
		return k.search.Focus()
	case key.Matches(msg, m.keys.Delete):
		if doc, ok := m.selectedDocument(); ok {
			k.confirmDelete = doc.ID
			m.status = fmt.Sprintf("Delete %q? press y to confirm", doc.Filename)
		}
		return nil
	case key.Matches(msg, m.keys.Refresh):
		k.busy = true
		m.status = "Refreshing..."
		return tea.Batch(m.loadKnowledgeCmd(), m.spinner.Tick)
	case key.Matches(msg, m.keys.Cancel):
		if k.results != nil {
			k.results = nil
			k.query = ""
			m.showSelectedDocument()
		}
		return nil
	}

	prev := k.table.Cursor()
	var cmd tea.Cmd
	k.table, cmd = k.table.Update(msg)
	if k.table.Cursor() != prev && k.results == nil {
		m.showSelectedDocument()
	}
	return cmd
}

func (m *Model) resizeKnowledge(bodyHeight int) {
	k := &m.knowledge
	detailW, tableW := m.paneWidths()
	k.table.SetColumns(documentColumns(tableW - 4))
	k.table.SetWidth(tableW - 4)
	k.table.SetHeight(bodyHeight - 4)
	k.detail.Width = detailW - 4
	k.detail.Height = bodyHeight - 2
	k.search.Width = m.width - 6
	k.upload.Width = m.width - 12
	if k.results != nil {
		k.detail.SetContent(searchResultsView(*k.results, k.detail.Width))
	}
}

func (m Model) knowledgeView() (string, string) {
	k := m.knowledge
	bh := m.bodyHeight()
	detailW, tableW := m.paneWidths()
	header := dimStyle.Render(ansi.Truncate(statsLine(k.stats), tableW-4, "…"))
	left := panelStyle(true).Width(tableW - 2).Height(bh - 2).Render(header + "\n" + k.table.View())
	right := panelStyle(false).Width(detailW - 2).Height(bh - 2).Render(k.detail.View())
	body := lipgloss.JoinHorizontal(lipgloss.Top, left, right)

	var prompt string
	switch {
	case k.uploading:
		prompt = k.upload.View()
	case k.searching:
		prompt = k.search.View()
	case k.query != "" && k.results != nil:
		prompt = dimStyle.Render("search: " + k.query)
	}
	return body, prompt
}

func (m Model) knowledgeStatus() []string {
	k := m.knowledge
	parts := []string{fmt.Sprintf("documents=%d", len(k.docs))}
	if k.busy {
		parts = append(parts, m.spinner.View()+" working")
	}
	parts = append(parts, fmt.Sprintf("top-k=%d", m.cfg.SearchK))
	return parts
}
