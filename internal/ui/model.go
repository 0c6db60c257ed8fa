package ui

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"kbchat/internal/api"
	"kbchat/internal/clipboard"
	"kbchat/internal/config"
	"kbchat/internal/export"
	"kbchat/internal/index"
	"kbchat/internal/stream"
)

// Backend is the subset of the HTTP client the interface talks to.
type Backend interface {
	SendMessageStream(ctx context.Context, req api.ChatRequest, h stream.Handler) error
	ListConversations(ctx context.Context) ([]api.Conversation, error)
	GetConversation(ctx context.Context, id int64) (api.Conversation, error)
	ListMessages(ctx context.Context, conversationID int64) ([]api.Message, error)
	RenameConversation(ctx context.Context, id int64, title string) error
	DeleteConversation(ctx context.Context, id int64) error

	ListDocuments(ctx context.Context) (api.DocumentList, error)
	GetDocument(ctx context.Context, id int64) (api.Document, error)
	DeleteDocument(ctx context.Context, id int64) error
	UploadFile(ctx context.Context, path string) (api.UploadResult, error)
	SearchKnowledge(ctx context.Context, query string, k int) (api.SearchResponse, error)
	Stats(ctx context.Context) (api.KnowledgeStats, error)
}

type view int

const (
	viewChat view = iota
	viewHistory
	viewKnowledge
)

func (v view) String() string {
	switch v {
	case viewHistory:
		return "History"
	case viewKnowledge:
		return "Knowledge"
	default:
		return "Chat"
	}
}

type Model struct {
	cfg       config.AppConfig
	backend   Backend
	indexer   *index.Indexer
	exporter  *export.Exporter
	clipboard *clipboard.Clipboard
	logger    *slog.Logger

	keys    keyMap
	help    help.Model
	spinner spinner.Model
	md      *markdownRenderer

	width  int
	height int
	view   view

	chat      chatState
	history   historyState
	knowledge knowledgeState

	status string
	err    error
}

type exportMsg struct {
	path string
	err  error
}

type copyMsg struct {
	what string
	err  error
}

func NewModel(cfg config.AppConfig, backend Backend, idx *index.Indexer, exp *export.Exporter, cb *clipboard.Clipboard, logger *slog.Logger) Model {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	h := help.New()
	h.ShowAll = false

	sp := spinner.New()
	sp.Spinner = spinner.Points

	return Model{
		cfg:       cfg,
		backend:   backend,
		indexer:   idx,
		exporter:  exp,
		clipboard: cb,
		logger:    logger,
		keys:      defaultKeys(),
		help:      h,
		spinner:   sp,
		md:        newMarkdownRenderer(cfg.GlamourStyle, 80),
		chat:      newChatState(cfg.UseKnowledgeBase),
		history:   newHistoryState(),
		knowledge: newKnowledgeState(),
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		m.spinner.Tick,
		textinput.Blink,
		m.loadHistoryCmd(),
		m.loadKnowledgeCmd(),
	)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.resize()
		m.refreshTranscript(false)

	case exportMsg:
		if msg.err != nil {
			m.err = msg.err
			m.status = "Export failed: " + msg.err.Error()
		} else {
			m.status = "Exported: " + msg.path
		}

	case copyMsg:
		if msg.err != nil {
			m.err = msg.err
			if errors.Is(msg.err, clipboard.ErrUnavailable) {
				m.status = "Could not copy: clipboard tool not found"
			} else {
				m.status = "Could not copy: " + msg.err.Error()
			}
		} else {
			m.status = "Copied " + msg.what + " to clipboard"
		}

	case streamEventMsg, streamEndMsg:
		cmds = append(cmds, m.updateStream(msg))

	case historyMsg, historyIndexedMsg, historySearchMsg, previewMsg,
		conversationLoadedMsg, conversationDeletedMsg, conversationRenamedMsg, storedMsg:
		cmds = append(cmds, m.updateHistoryData(msg))

	case knowledgeMsg, documentMsg, documentDeletedMsg, uploadMsg, knowledgeSearchMsg:
		cmds = append(cmds, m.updateKnowledgeData(msg))

	case tea.KeyMsg:
		if cmd, handled := m.handleGlobalKey(msg); handled {
			return m, cmd
		}
		switch m.view {
		case viewHistory:
			cmds = append(cmds, m.updateHistoryKeys(msg))
		case viewKnowledge:
			cmds = append(cmds, m.updateKnowledgeKeys(msg))
		default:
			cmds = append(cmds, m.updateChatKeys(msg))
		}

	default:
		cmds = append(cmds, m.forwardBlink(msg))
	}

	if m.busy() {
		var spin tea.Cmd
		m.spinner, spin = m.spinner.Update(msg)
		cmds = append(cmds, spin)
		if _, tick := msg.(spinner.TickMsg); tick && m.chat.streaming && m.chat.waiting {
			m.refreshTranscript(false)
		}
	}

	return m, tea.Batch(cmds...)
}

// handleGlobalKey processes keys valid in every view. Text inputs swallow
// printable keys, so only non-printable bindings apply while one is focused.
func (m *Model) handleGlobalKey(msg tea.KeyMsg) (tea.Cmd, bool) {
	typing := m.typing()
	switch {
	case msg.String() == "ctrl+c":
		m.chat.cancelStream()
		return tea.Quit, true
	case key.Matches(msg, m.keys.Quit) && !typing:
		m.chat.cancelStream()
		return tea.Quit, true
	case key.Matches(msg, m.keys.Help) && !typing:
		m.help.ShowAll = !m.help.ShowAll
		m.resize()
		return nil, true
	case key.Matches(msg, m.keys.ChatView):
		return m.switchView(viewChat), true
	case key.Matches(msg, m.keys.HistoryView):
		return m.switchView(viewHistory), true
	case key.Matches(msg, m.keys.KnowledgeView):
		return m.switchView(viewKnowledge), true
	}
	return nil, false
}

func (m *Model) switchView(v view) tea.Cmd {
	if m.view == v {
		return nil
	}
	m.view = v
	m.err = nil
	m.resize()
	if v == viewChat && m.chat.inputFocused {
		return m.chat.input.Focus()
	}
	return nil
}

// typing reports whether a text input currently owns the keyboard.
func (m Model) typing() bool {
	switch m.view {
	case viewHistory:
		return m.history.searching || m.history.renaming
	case viewKnowledge:
		return m.knowledge.searching || m.knowledge.uploading
	default:
		return m.chat.inputFocused || m.chat.searching
	}
}

func (m Model) busy() bool {
	return (m.chat.streaming && m.chat.waiting) || m.history.loading || m.history.indexing || m.knowledge.busy
}

// forwardBlink routes cursor blink messages to whichever input is focused.
func (m *Model) forwardBlink(msg tea.Msg) tea.Cmd {
	var cmd tea.Cmd
	switch {
	case m.view == viewChat && m.chat.searching:
		m.chat.search, cmd = m.chat.search.Update(msg)
	case m.view == viewChat:
		m.chat.input, cmd = m.chat.input.Update(msg)
	case m.view == viewHistory && m.history.renaming:
		m.history.rename, cmd = m.history.rename.Update(msg)
	case m.view == viewHistory && m.history.searching:
		m.history.search, cmd = m.history.search.Update(msg)
	case m.view == viewKnowledge && m.knowledge.uploading:
		m.knowledge.upload, cmd = m.knowledge.upload.Update(msg)
	case m.view == viewKnowledge && m.knowledge.searching:
		m.knowledge.search, cmd = m.knowledge.search.Update(msg)
	}
	return cmd
}

func (m *Model) resize() {
	if m.width <= 0 || m.height <= 0 {
		return
	}
	bodyHeight := m.bodyHeight()
	m.resizeChat(bodyHeight)
	m.resizeHistory(bodyHeight)
	m.resizeKnowledge(bodyHeight)
	m.help.Width = m.width
}

func (m Model) bodyHeight() int {
	// tab bar, status line, input/prompt line, help line
	h := m.height - 4
	if m.help.ShowAll {
		h -= 3
	}
	if h < 8 {
		h = 8
	}
	return h
}

func (m Model) View() string {
	if m.width == 0 || m.height == 0 {
		return "Starting..."
	}

	var body, prompt string
	var keys help.KeyMap
	switch m.view {
	case viewHistory:
		body, prompt = m.historyView()
		keys = m.keys.historyHelp()
	case viewKnowledge:
		body, prompt = m.knowledgeView()
		keys = m.keys.knowledgeHelp()
	default:
		body, prompt = m.chatView()
		keys = m.keys.chatHelp(m.chat.inputFocused)
	}

	return lipgloss.JoinVertical(lipgloss.Left,
		m.tabBar(),
		body,
		prompt,
		m.statusLine(),
		m.help.View(keys),
	)
}

func (m Model) tabBar() string {
	tabs := []view{viewChat, viewHistory, viewKnowledge}
	parts := make([]string, 0, len(tabs))
	for i, v := range tabs {
		label := fmt.Sprintf("F%d %s", i+1, v)
		if v == m.view {
			parts = append(parts, activeTabStyle.Render(label))
		} else {
			parts = append(parts, tabStyle.Render(label))
		}
	}
	return lipgloss.JoinHorizontal(lipgloss.Top, parts...)
}

func (m Model) statusLine() string {
	var parts []string
	switch m.view {
	case viewHistory:
		parts = append(parts, m.historyStatus()...)
	case viewKnowledge:
		parts = append(parts, m.knowledgeStatus()...)
	default:
		parts = append(parts, m.chatStatus()...)
	}
	if s := strings.TrimSpace(m.status); s != "" {
		parts = append(parts, shorten(s, 80))
	}
	line := strings.Join(parts, "  ")
	if m.err != nil {
		line += "  " + errorStyle.Render("err="+shorten(m.err.Error(), 60))
	}
	return statusStyle.Width(m.width).Render(line)
}

func (m *Model) paneWidths() (int, int) {
	left := m.width / 3
	if left < 32 {
		left = 32
	}
	if left > m.width-32 {
		left = m.width - 32
	}
	if left < 20 {
		left = 20
	}
	right := m.width - left - 1
	if right < 20 {
		right = 20
	}
	return left, right
}

func (m *Model) clampViewportOffset(offset, total, height int) int {
	if offset < 0 {
		return 0
	}
	maxOffset := total - height
	if maxOffset < 0 {
		maxOffset = 0
	}
	if offset > maxOffset {
		return maxOffset
	}
	return offset
}
