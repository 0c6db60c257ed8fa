package ui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/list"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/sahilm/fuzzy"

	"kbchat/internal/api"
	"kbchat/internal/highlight"
	"kbchat/internal/index"
	"kbchat/internal/markers"
)

const historyLimit = 500

type historyState struct {
	list    list.Model
	preview viewport.Model

	all   []index.Conversation
	shown []index.Conversation

	search    textinput.Model
	searching bool
	query     string
	ftsIDs    []int64

	rename   textinput.Model
	renaming bool
	renameID int64

	confirmDelete int64
	loading       bool
	indexing      bool
	selectedID    int64
}

type historyMsg struct {
	convs []index.Conversation
	local bool
	err   error
}

type historyIndexedMsg struct {
	count int
	err   error
}

type historySearchMsg struct {
	query string
	ids   []int64
	err   error
}

type previewMsg struct {
	id   int64
	msgs []index.Message
	err  error
}

type conversationLoadedMsg struct {
	conv api.Conversation
	msgs []api.Message
	err  error
}

type conversationDeletedMsg struct {
	id  int64
	err error
}

type conversationRenamedMsg struct {
	id    int64
	title string
	err   error
}

type storedMsg struct {
	id  int64
	err error
}

type conversationItem struct {
	c index.Conversation
}

func (i conversationItem) Title() string {
	title := strings.TrimSpace(i.c.Title)
	if title == "" {
		title = "Untitled"
	}
	return fmt.Sprintf("#%d %s", i.c.ID, title)
}

func (i conversationItem) Description() string {
	when := "n/a"
	if i.c.UpdatedAt > 0 {
		when = humanize.Time(time.Unix(i.c.UpdatedAt, 0))
	}
	meta := fmt.Sprintf("%s | %d msgs", when, i.c.MessageCount)
	if i.c.Preview == "" {
		return meta
	}
	return meta + " | " + i.c.Preview
}

func (i conversationItem) FilterValue() string {
	return i.c.Title
}

func newHistoryState() historyState {
	l := list.New([]list.Item{}, list.NewDefaultDelegate(), 40, 20)
	l.Title = "Conversations"
	l.SetShowFilter(false)
	l.SetFilteringEnabled(false)
	l.SetShowStatusBar(false)
	l.SetShowHelp(false)
	l.DisableQuitKeybindings()

	search := textinput.New()
	search.Placeholder = "Search titles and messages..."
	search.Prompt = "/ "
	search.CharLimit = 256

	rename := textinput.New()
	rename.Placeholder = "New title"
	rename.Prompt = "rename: "
	rename.CharLimit = 200

	vp := viewport.New(60, 20)
	vp.SetContent("Loading conversations...")

	return historyState{
		list:    l,
		preview: vp,
		search:  search,
		rename:  rename,
		loading: true,
	}
}

// filterConversations ranks fuzzy title matches first, then conversations
// whose message text matched in the local index.
func filterConversations(all []index.Conversation, query string, ftsIDs []int64) []index.Conversation {
	query = strings.TrimSpace(query)
	if query == "" {
		return all
	}
	titles := make([]string, len(all))
	byID := make(map[int64]index.Conversation, len(all))
	for i, c := range all {
		titles[i] = c.Title
		byID[c.ID] = c
	}

	out := make([]index.Conversation, 0, len(all))
	seen := make(map[int64]struct{}, len(all))
	for _, match := range fuzzy.Find(query, titles) {
		c := all[match.Index]
		out = append(out, c)
		seen[c.ID] = struct{}{}
	}
	for _, id := range ftsIDs {
		if _, ok := seen[id]; ok {
			continue
		}
		if c, ok := byID[id]; ok {
			out = append(out, c)
			seen[id] = struct{}{}
		}
	}
	return out
}

func (m Model) loadHistoryCmd() tea.Cmd {
	backend, idx := m.backend, m.indexer
	return func() tea.Msg {
		ctx := context.Background()
		remote, err := backend.ListConversations(ctx)
		if err != nil {
			return historyMsg{err: err}
		}
		if err := idx.SyncConversations(ctx, remote); err != nil {
			return historyMsg{err: err}
		}
		convs, err := idx.ListConversations(ctx, "", historyLimit)
		return historyMsg{convs: convs, err: err}
	}
}

func (m Model) localHistoryCmd() tea.Cmd {
	idx := m.indexer
	return func() tea.Msg {
		convs, err := idx.ListConversations(context.Background(), "", historyLimit)
		return historyMsg{convs: convs, local: true, err: err}
	}
}

// indexMessagesCmd fetches and caches message text for conversations the
// index has no messages for yet, so message search covers them.
func (m Model) indexMessagesCmd(ids []int64) tea.Cmd {
	if len(ids) == 0 {
		return nil
	}
	backend, idx, logger := m.backend, m.indexer, m.logger
	return func() tea.Msg {
		ctx := context.Background()
		n := 0
		var firstErr error
		for _, id := range ids {
			msgs, err := backend.ListMessages(ctx, id)
			if err == nil {
				err = idx.StoreMessages(ctx, id, msgs)
			}
			if err != nil {
				logger.Warn("index conversation", "id", id, "err", err)
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			n++
		}
		return historyIndexedMsg{count: n, err: firstErr}
	}
}

func (m Model) historySearchCmd(query string) tea.Cmd {
	idx := m.indexer
	return func() tea.Msg {
		ids, err := idx.Search(context.Background(), query, historyLimit)
		return historySearchMsg{query: query, ids: ids, err: err}
	}
}

func (m Model) previewCmd(id int64) tea.Cmd {
	if id == 0 {
		return nil
	}
	idx := m.indexer
	return func() tea.Msg {
		msgs, err := idx.Messages(context.Background(), id)
		return previewMsg{id: id, msgs: msgs, err: err}
	}
}

func (m Model) openConversationCmd(id int64) tea.Cmd {
	backend, idx, logger := m.backend, m.indexer, m.logger
	return func() tea.Msg {
		ctx := context.Background()
		conv, err := backend.GetConversation(ctx, id)
		if err != nil {
			return conversationLoadedMsg{err: err}
		}
		msgs := conv.Messages
		if len(msgs) == 0 {
			msgs, err = backend.ListMessages(ctx, id)
			if err != nil {
				return conversationLoadedMsg{err: err}
			}
		}
		if err := idx.StoreMessages(ctx, id, msgs); err != nil {
			logger.Warn("cache opened conversation", "id", id, "err", err)
		}
		return conversationLoadedMsg{conv: conv, msgs: msgs}
	}
}

func (m Model) deleteConversationCmd(id int64) tea.Cmd {
	backend, idx := m.backend, m.indexer
	return func() tea.Msg {
		ctx := context.Background()
		if err := backend.DeleteConversation(ctx, id); err != nil && !api.IsNotFound(err) {
			return conversationDeletedMsg{id: id, err: err}
		}
		return conversationDeletedMsg{id: id, err: idx.DeleteConversation(ctx, id)}
	}
}

func (m Model) renameConversationCmd(id int64, title string) tea.Cmd {
	backend := m.backend
	return func() tea.Msg {
		err := backend.RenameConversation(context.Background(), id, title)
		return conversationRenamedMsg{id: id, title: title, err: err}
	}
}

func (m Model) storeCmd(id int64, msgs []api.Message) tea.Cmd {
	if id == 0 {
		return nil
	}
	idx := m.indexer
	msgs = append([]api.Message(nil), msgs...)
	return func() tea.Msg {
		return storedMsg{id: id, err: idx.StoreMessages(context.Background(), id, msgs)}
	}
}

func (m *Model) updateHistoryData(msg tea.Msg) tea.Cmd {
	h := &m.history
	switch msg := msg.(type) {
	case historyMsg:
		h.loading = false
		if msg.err != nil {
			m.err = msg.err
			m.status = "Conversation list failed"
			if len(h.all) == 0 {
				h.preview.SetContent("Could not load conversations.")
			}
			return nil
		}
		h.all = msg.convs
		m.applyConversations()
		cmds := []tea.Cmd{m.previewCmd(h.selectedID)}
		if !msg.local {
			var missing []int64
			for _, c := range msg.convs {
				if c.MessageCount == 0 {
					missing = append(missing, c.ID)
				}
			}
			if len(missing) > 0 {
				h.indexing = true
				cmds = append(cmds, m.indexMessagesCmd(missing), m.spinner.Tick)
			}
		}
		if h.query != "" {
			cmds = append(cmds, m.historySearchCmd(h.query))
		}
		return tea.Batch(cmds...)

	case historyIndexedMsg:
		h.indexing = false
		if msg.err != nil {
			m.status = "Some conversations could not be indexed"
		} else {
			m.status = fmt.Sprintf("Indexed %d conversations", msg.count)
		}
		return m.localHistoryCmd()

	case historySearchMsg:
		if msg.query != h.query {
			return nil
		}
		if msg.err != nil {
			m.logger.Warn("history search", "query", msg.query, "err", msg.err)
		}
		h.ftsIDs = msg.ids
		return m.applyConversations()

	case previewMsg:
		if msg.id != h.selectedID {
			return nil
		}
		if msg.err != nil {
			h.preview.SetContent("Preview failed: " + msg.err.Error())
			return nil
		}
		h.preview.SetContent(m.renderPreview(msg.msgs))
		h.preview.GotoTop()

	case conversationLoadedMsg:
		if msg.err != nil {
			m.err = msg.err
			if api.IsNotFound(msg.err) {
				m.status = "Conversation no longer exists"
				h.loading = true
				return m.loadHistoryCmd()
			}
			m.status = "Open failed"
			return nil
		}
		m.err = nil
		m.openConversation(msg.conv, msg.msgs)
		if m.chat.inputFocused {
			return m.chat.input.Focus()
		}

	case conversationDeletedMsg:
		if msg.err != nil {
			m.err = msg.err
			m.status = "Delete failed"
			return nil
		}
		if m.chat.conversationID == msg.id {
			m.newConversation()
		}
		m.status = fmt.Sprintf("Deleted conversation #%d", msg.id)
		h.loading = true
		return m.loadHistoryCmd()

	case conversationRenamedMsg:
		if msg.err != nil {
			m.err = msg.err
			m.status = "Rename failed"
			return nil
		}
		if m.chat.conversationID == msg.id {
			m.chat.title = msg.title
		}
		m.status = "Renamed conversation"
		h.loading = true
		return m.loadHistoryCmd()

	case storedMsg:
		if msg.err != nil {
			m.logger.Warn("cache conversation", "id", msg.id, "err", msg.err)
			return nil
		}
		return m.localHistoryCmd()
	}
	return nil
}

// applyConversations refreshes the list from the filter, keeping the
// selection when it survives. It returns a preview load on change.
func (m *Model) applyConversations() tea.Cmd {
	h := &m.history
	for _, c := range h.all {
		if c.ID == m.chat.conversationID && c.Title != "" {
			m.chat.title = c.Title
		}
	}
	h.shown = filterConversations(h.all, h.query, h.ftsIDs)
	items := make([]list.Item, 0, len(h.shown))
	for _, c := range h.shown {
		items = append(items, conversationItem{c: c})
	}
	h.list.SetItems(items)

	prev := h.selectedID
	if len(h.shown) == 0 {
		h.selectedID = 0
		if h.query == "" {
			h.preview.SetContent("No conversations yet.\n\nAsk something in the chat view (F1) to start one.")
		} else {
			h.preview.SetContent("No conversations matched your search.")
		}
		return nil
	}
	selectIdx := 0
	for i, c := range h.shown {
		if c.ID == prev {
			selectIdx = i
			break
		}
	}
	h.list.Select(selectIdx)
	h.selectedID = h.shown[selectIdx].ID
	if h.selectedID != prev {
		return m.previewCmd(h.selectedID)
	}
	return nil
}

func (m *Model) renderPreview(msgs []index.Message) string {
	if len(msgs) == 0 {
		return dimStyle.Render("No cached messages.")
	}
	width := m.history.preview.Width
	if width < 20 {
		width = 20
	}
	body := lipgloss.NewStyle().Width(width).PaddingLeft(2)
	var b strings.Builder
	for i, msg := range msgs {
		if i > 0 {
			b.WriteString("\n\n")
		}
		if msg.Role == markers.RoleUser {
			b.WriteString(userHeaderStyle.Render("You"))
		} else {
			b.WriteString(assistantHeaderStyle.Render("Assistant"))
		}
		if msg.TS.Valid {
			b.WriteString(dimStyle.Render("  " + index.FormatUnix(msg.TS.Int64)))
		}
		b.WriteString("\n")
		b.WriteString(body.Render(strings.TrimSpace(msg.Content)))
	}
	out := b.String()
	if q := strings.TrimSpace(m.history.query); q != "" {
		out = highlight.ApplyANSI(out, highlight.Substring(q), func(s string) string {
			return searchMatchStyle.Render(s)
		}).Text
	}
	return out
}

func (m *Model) selectedConversation() (index.Conversation, bool) {
	item, ok := m.history.list.SelectedItem().(conversationItem)
	if !ok {
		return index.Conversation{}, false
	}
	return item.c, true
}

func (m *Model) updateHistoryKeys(msg tea.KeyMsg) tea.Cmd {
	h := &m.history

	if h.renaming {
		switch msg.String() {
		case "esc":
			h.renaming = false
			h.rename.Blur()
			m.status = "Rename cancelled"
			return nil
		case "enter":
			h.renaming = false
			h.rename.Blur()
			title := strings.TrimSpace(h.rename.Value())
			if title == "" {
				m.status = "Title cannot be empty"
				return nil
			}
			return m.renameConversationCmd(h.renameID, title)
		}
		var cmd tea.Cmd
		h.rename, cmd = h.rename.Update(msg)
		return cmd
	}

	if h.searching {
		switch msg.String() {
		case "esc":
			h.searching = false
			h.search.Blur()
			h.search.SetValue("")
			h.query = ""
			h.ftsIDs = nil
			return m.applyConversations()
		case "enter":
			h.searching = false
			h.search.Blur()
			return nil
		}
		before := strings.TrimSpace(h.search.Value())
		var cmd tea.Cmd
		h.search, cmd = h.search.Update(msg)
		after := strings.TrimSpace(h.search.Value())
		if after == before {
			return cmd
		}
		h.query = after
		h.ftsIDs = nil
		cmds := []tea.Cmd{cmd, m.applyConversations()}
		if after != "" {
			cmds = append(cmds, m.historySearchCmd(after))
		}
		return tea.Batch(cmds...)
	}

	if h.confirmDelete != 0 {
		id := h.confirmDelete
		h.confirmDelete = 0
		if key.Matches(msg, m.keys.Confirm) {
			m.status = "Deleting..."
			return m.deleteConversationCmd(id)
		}
		m.status = "Delete cancelled"
		return nil
	}

	switch {
	case key.Matches(msg, m.keys.Open):
		if c, ok := m.selectedConversation(); ok {
			m.status = "Opening..."
			return m.openConversationCmd(c.ID)
		}
		return nil
	case key.Matches(msg, m.keys.Search):
		h.searching = true
		h.search.SetValue(h.query)
		h.search.CursorEnd()
		return h.search.Focus()
	case key.Matches(msg, m.keys.Cancel):
		if h.query != "" {
			h.query = ""
			h.ftsIDs = nil
			h.search.SetValue("")
			return m.applyConversations()
		}
		return nil
	case key.Matches(msg, m.keys.Delete):
		if c, ok := m.selectedConversation(); ok {
			h.confirmDelete = c.ID
			m.status = fmt.Sprintf("Delete %q? press y to confirm", conversationItem{c: c}.Title())
		}
		return nil
	case key.Matches(msg, m.keys.Rename):
		if c, ok := m.selectedConversation(); ok {
			h.renaming = true
			h.renameID = c.ID
			h.rename.SetValue(c.Title)
			h.rename.CursorEnd()
			return h.rename.Focus()
		}
		return nil
	case key.Matches(msg, m.keys.Refresh):
		h.loading = true
		m.status = "Refreshing..."
		return tea.Batch(m.loadHistoryCmd(), m.spinner.Tick)
	case msg.String() == "pgup":
		h.preview.HalfViewUp()
		return nil
	case msg.String() == "pgdown":
		h.preview.HalfViewDown()
		return nil
	}

	prev := h.selectedID
	var cmd tea.Cmd
	h.list, cmd = h.list.Update(msg)
	if c, ok := m.selectedConversation(); ok {
		h.selectedID = c.ID
	}
	if h.selectedID != prev {
		return tea.Batch(cmd, m.previewCmd(h.selectedID))
	}
	return cmd
}

func (m *Model) resizeHistory(bodyHeight int) {
	left, right := m.paneWidths()
	m.history.list.SetSize(left-4, bodyHeight-2)
	m.history.preview.Width = right - 4
	m.history.preview.Height = bodyHeight - 2
	m.history.search.Width = m.width - 6
	m.history.rename.Width = m.width - 12
}

func (m Model) historyView() (string, string) {
	h := m.history
	bh := m.bodyHeight()
	left, right := m.paneWidths()
	leftPane := panelStyle(true).Width(left - 2).Height(bh - 2).Render(h.list.View())
	rightPane := panelStyle(false).Width(right - 2).Height(bh - 2).Render(h.preview.View())
	body := lipgloss.JoinHorizontal(lipgloss.Top, leftPane, rightPane)

	var prompt string
	switch {
	case h.renaming:
		prompt = h.rename.View()
	case h.searching:
		prompt = h.search.View()
	case h.query != "":
		prompt = dimStyle.Render("search: " + h.query)
	}
	return body, prompt
}

func (m Model) historyStatus() []string {
	h := m.history
	var parts []string
	if h.loading {
		parts = append(parts, m.spinner.View()+" loading")
	} else if h.indexing {
		parts = append(parts, m.spinner.View()+" indexing")
	}
	if h.query != "" {
		parts = append(parts, fmt.Sprintf("conversations=%d/%d", len(h.shown), len(h.all)))
	} else {
		parts = append(parts, fmt.Sprintf("conversations=%d", len(h.all)))
	}
	if m.indexer != nil {
		if m.indexer.FTSEnabled() {
			parts = append(parts, "[fts]")
		} else {
			parts = append(parts, "[like]")
		}
	}
	return parts
}
