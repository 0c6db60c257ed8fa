package ui

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"kbchat/internal/api"
	"kbchat/internal/highlight"
	"kbchat/internal/markers"
	"kbchat/internal/stream"
)

// sourceSelection is the source a citation click resolved to. It is shared
// by pointer so citation handlers can write it from any model copy.
type sourceSelection struct {
	msg int
	id  int
	ok  bool
}

type chatState struct {
	conversationID int64
	title          string
	messages       []api.Message

	input        textinput.Model
	viewport     viewport.Model
	sources      viewport.Model
	inputFocused bool
	useKB        bool

	streaming     bool
	waiting       bool
	partial       string
	streamSources []api.Source
	cancel        context.CancelFunc
	seq           int

	showSources bool
	refs        []citationRef
	refIndex    int
	sel         *sourceSelection

	searching   bool
	search      textinput.Model
	searchQuery string
	matchLines  []int
	matchCount  int
	matchIndex  int

	rendered map[string]string
}

type streamEventMsg struct {
	seq  int
	ev   stream.Event
	ch   <-chan stream.Event
	done <-chan error
}

type streamEndMsg struct {
	seq int
	err error
}

func newChatState(useKB bool) chatState {
	in := textinput.New()
	in.Placeholder = "Ask a question..."
	in.Prompt = "> "
	in.CharLimit = 4000
	in.Focus()

	search := textinput.New()
	search.Placeholder = "Search transcript..."
	search.Prompt = "/ "
	search.CharLimit = 256

	vp := viewport.New(80, 20)
	vp.SetContent(welcomeText(useKB))

	return chatState{
		input:        in,
		search:       search,
		viewport:     vp,
		sources:      viewport.New(30, 20),
		inputFocused: true,
		useKB:        useKB,
		refIndex:     -1,
		matchIndex:   -1,
		sel:          &sourceSelection{},
		rendered:     make(map[string]string),
	}
}

func welcomeText(useKB bool) string {
	kb := "off"
	if useKB {
		kb = "on"
	}
	return dimStyle.Render(fmt.Sprintf("Ask a question to start. Knowledge base is %s (ctrl+k toggles).", kb))
}

func (c *chatState) cancelStream() {
	if c.cancel != nil {
		c.cancel()
	}
}

func (c *chatState) resetStream() {
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.streaming = false
	c.waiting = false
	c.partial = ""
	c.streamSources = nil
}

// reset drops the current conversation. Bumping seq turns any in-flight
// stream's events stale.
func (c *chatState) reset() {
	c.seq++
	c.resetStream()
	c.conversationID = 0
	c.title = ""
	c.messages = nil
	c.refs = nil
	c.refIndex = -1
	*c.sel = sourceSelection{}
	c.showSources = false
	c.rendered = make(map[string]string)
}

func (m *Model) updateChatKeys(msg tea.KeyMsg) tea.Cmd {
	c := &m.chat
	if c.searching {
		return m.updateChatSearch(msg)
	}

	if c.inputFocused {
		switch {
		case key.Matches(msg, m.keys.Send):
			return m.submit()
		case key.Matches(msg, m.keys.Cancel):
			if c.streaming {
				c.cancelStream()
				m.status = "Cancelling..."
			}
			return nil
		case key.Matches(msg, m.keys.Tab):
			c.inputFocused = false
			c.input.Blur()
			return nil
		case key.Matches(msg, m.keys.ToggleKB):
			m.toggleKB()
			return nil
		case key.Matches(msg, m.keys.NewChat):
			m.newConversation()
			return nil
		}
		var cmd tea.Cmd
		c.input, cmd = c.input.Update(msg)
		return cmd
	}

	switch {
	case key.Matches(msg, m.keys.Tab):
		c.inputFocused = true
		return c.input.Focus()
	case key.Matches(msg, m.keys.Cancel):
		switch {
		case c.streaming:
			c.cancelStream()
			m.status = "Cancelling..."
		case c.searchQuery != "":
			c.searchQuery = ""
			c.search.SetValue("")
			m.refreshTranscript(false)
		case c.showSources:
			c.showSources = false
			m.resize()
			m.refreshTranscript(false)
		}
	case key.Matches(msg, m.keys.ToggleKB):
		m.toggleKB()
	case key.Matches(msg, m.keys.NewChat):
		m.newConversation()
	case key.Matches(msg, m.keys.Sources):
		c.showSources = !c.showSources
		m.resize()
		m.refreshTranscript(false)
	case key.Matches(msg, m.keys.Search):
		c.searching = true
		c.search.SetValue(c.searchQuery)
		c.search.CursorEnd()
		return c.search.Focus()
	case key.Matches(msg, m.keys.NextRef):
		if c.searchQuery != "" && len(c.matchLines) > 0 {
			m.jumpToMatch(1)
		} else {
			m.moveRef(1)
		}
	case key.Matches(msg, m.keys.PrevRef):
		if c.searchQuery != "" && len(c.matchLines) > 0 {
			m.jumpToMatch(-1)
		} else {
			m.moveRef(-1)
		}
	case key.Matches(msg, m.keys.Activate):
		m.activateRef()
	case key.Matches(msg, m.keys.Export):
		return m.exportCmd()
	case key.Matches(msg, m.keys.Copy):
		return m.copyCmd()
	case key.Matches(msg, m.keys.PageUp):
		c.viewport.HalfViewUp()
	case key.Matches(msg, m.keys.PageDown):
		c.viewport.HalfViewDown()
	case key.Matches(msg, m.keys.Up):
		c.viewport.LineUp(1)
	case key.Matches(msg, m.keys.Down):
		c.viewport.LineDown(1)
	}
	return nil
}

func (m *Model) updateChatSearch(msg tea.KeyMsg) tea.Cmd {
	c := &m.chat
	switch msg.String() {
	case "esc":
		c.searching = false
		c.searchQuery = ""
		c.search.SetValue("")
		c.search.Blur()
		m.refreshTranscript(false)
		return nil
	case "enter":
		c.searching = false
		c.search.Blur()
		c.searchQuery = strings.TrimSpace(c.search.Value())
		m.refreshTranscript(false)
		if len(c.matchLines) > 0 {
			c.matchIndex = -1
			m.jumpToMatch(1)
		}
		return nil
	}
	before := strings.TrimSpace(c.search.Value())
	var cmd tea.Cmd
	c.search, cmd = c.search.Update(msg)
	if after := strings.TrimSpace(c.search.Value()); after != before {
		c.searchQuery = after
		m.refreshTranscript(false)
	}
	return cmd
}

func (m *Model) toggleKB() {
	m.chat.useKB = !m.chat.useKB
	if m.chat.useKB {
		m.status = "Knowledge base on"
	} else {
		m.status = "Knowledge base off"
	}
	if len(m.chat.messages) == 0 && !m.chat.streaming {
		m.chat.viewport.SetContent(welcomeText(m.chat.useKB))
	}
}

func (m *Model) newConversation() {
	m.chat.reset()
	m.err = nil
	m.status = "New conversation"
	m.chat.viewport.SetContent(welcomeText(m.chat.useKB))
}

// openConversation replaces the chat with a stored conversation.
func (m *Model) openConversation(conv api.Conversation, msgs []api.Message) {
	m.chat.reset()
	m.chat.conversationID = conv.ID
	m.chat.title = conv.Title
	m.chat.messages = append([]api.Message(nil), msgs...)
	m.view = viewChat
	m.resize()
	m.refreshTranscript(true)
	m.status = fmt.Sprintf("Opened conversation #%d", conv.ID)
}

func (m *Model) submit() tea.Cmd {
	c := &m.chat
	text := strings.TrimSpace(c.input.Value())
	if text == "" || c.streaming {
		return nil
	}
	c.input.SetValue("")
	c.messages = append(c.messages, api.Message{
		ConversationID: c.conversationID,
		Role:           markers.RoleUser,
		Content:        text,
		CreatedAt:      api.Timestamp{Time: time.Now()},
	})
	c.streaming = true
	c.waiting = true
	c.partial = ""
	c.streamSources = nil
	m.err = nil
	m.status = ""
	m.refreshTranscript(true)
	return tea.Batch(m.startStream(text), m.spinner.Tick)
}

// startStream runs the request on its own goroutine and feeds its events
// back through a channel, one tea.Msg per event.
func (m *Model) startStream(text string) tea.Cmd {
	c := &m.chat
	c.seq++
	seq := c.seq
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	req := api.NewChatRequest(text, c.conversationID, c.useKB)
	backend := m.backend
	logger := m.logger
	ch := make(chan stream.Event, 64)
	done := make(chan error, 1)
	go func() {
		err := backend.SendMessageStream(ctx, req, stream.Events(ch))
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("chat stream failed", "err", err)
		}
		done <- err
		close(ch)
	}()
	return waitStream(seq, ch, done)
}

func waitStream(seq int, ch <-chan stream.Event, done <-chan error) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-ch
		if !ok {
			return streamEndMsg{seq: seq, err: <-done}
		}
		return streamEventMsg{seq: seq, ev: ev, ch: ch, done: done}
	}
}

func (m *Model) updateStream(msg tea.Msg) tea.Cmd {
	c := &m.chat
	switch msg := msg.(type) {
	case streamEventMsg:
		next := waitStream(msg.seq, msg.ch, msg.done)
		if msg.seq != c.seq || !c.streaming {
			// Keep draining so the producer goroutine can finish.
			return next
		}
		cmd := m.applyEvent(msg.ev)
		if msg.ev.Type.Terminal() {
			// The stream is settled; the pending end message only releases
			// the producer.
			c.seq++
		}
		return tea.Batch(cmd, next)
	case streamEndMsg:
		if msg.seq != c.seq {
			return nil
		}
		return m.finishStream(msg.err)
	}
	return nil
}

func (m *Model) applyEvent(ev stream.Event) tea.Cmd {
	c := &m.chat
	switch ev.Type {
	case stream.EventInit:
		if c.conversationID == 0 {
			c.conversationID = ev.ConversationID
		}
	case stream.EventToken:
		follow := c.viewport.AtBottom()
		c.waiting = false
		c.partial += ev.Content
		m.refreshTranscript(follow)
	case stream.EventSources:
		c.streamSources = ev.Sources
		if c.showSources {
			m.refreshSources()
		}
	case stream.EventDone:
		return m.completeAnswer(ev)
	case stream.EventError:
		c.resetStream()
		m.err = errors.New(ev.Message)
		m.status = "Request failed"
		m.refreshTranscript(true)
	}
	return nil
}

func (m *Model) completeAnswer(ev stream.Event) tea.Cmd {
	c := &m.chat
	content := ev.Content
	if content == "" {
		content = c.partial
	}
	isNew := c.conversationID == 0
	if ev.ConversationID != 0 && (isNew || c.conversationID == ev.ConversationID) {
		c.conversationID = ev.ConversationID
	}
	sources := append([]api.Source{}, ev.Sources...)
	for i := range c.messages {
		if c.messages[i].ConversationID == 0 {
			c.messages[i].ConversationID = c.conversationID
		}
	}
	c.messages = append(c.messages, api.Message{
		ConversationID: c.conversationID,
		Role:           markers.RoleAssistant,
		Content:        content,
		CreatedAt:      api.Timestamp{Time: time.Now()},
		Sources:        sources,
	})
	c.resetStream()
	m.status = fmt.Sprintf("Answer complete (%d sources)", len(sources))
	m.refreshTranscript(true)

	cmds := []tea.Cmd{m.storeCmd(c.conversationID, c.messages)}
	if isNew {
		cmds = append(cmds, m.loadHistoryCmd())
	}
	return tea.Batch(cmds...)
}

// finishStream handles the producer returning. Terminal events have already
// reset the stream, so only cancellation, transport failure or a silent end
// remain. A cancelled or silently ended answer stays in the transcript.
func (m *Model) finishStream(err error) tea.Cmd {
	c := &m.chat
	if !c.streaming {
		return nil
	}
	var cmd tea.Cmd
	switch {
	case errors.Is(err, context.Canceled):
		cmd = m.keepPartial()
		m.status = "Cancelled"
	case err != nil:
		if m.err == nil {
			m.err = err
		}
		m.status = "Request failed"
	default:
		cmd = m.keepPartial()
		m.status = "Stream closed"
	}
	c.resetStream()
	m.refreshTranscript(true)
	return cmd
}

// keepPartial appends the streamed text received so far as an assistant
// message with the sources seen so far.
func (m *Model) keepPartial() tea.Cmd {
	c := &m.chat
	if strings.TrimSpace(c.partial) == "" {
		return nil
	}
	c.messages = append(c.messages, api.Message{
		ConversationID: c.conversationID,
		Role:           markers.RoleAssistant,
		Content:        c.partial,
		CreatedAt:      api.Timestamp{Time: time.Now()},
		Sources:        append([]api.Source{}, c.streamSources...),
	})
	return m.storeCmd(c.conversationID, c.messages)
}

// refreshTranscript re-renders the conversation, restyling citations and
// search matches.
func (m *Model) refreshTranscript(gotoBottom bool) {
	c := &m.chat
	offset := c.viewport.YOffset
	if len(c.messages) == 0 && !c.streaming {
		c.refs = nil
		c.viewport.SetContent(welcomeText(c.useKB))
		m.clearMatches()
		if c.showSources {
			m.refreshSources()
		}
		return
	}

	var b strings.Builder
	refs := make([]citationRef, 0, len(c.refs))
	line := 0
	write := func(part string) {
		if b.Len() > 0 {
			b.WriteString("\n\n")
			line += 2
		}
		b.WriteString(part)
	}

	for i, msg := range c.messages {
		part := m.renderedMessage(i, msg)
		if msg.Role == markers.RoleAssistant {
			part, refs = styleCitations(part, i, line+sepLines(b.Len()), c.refIndex, m.citationHandler(i, msg.Sources), refs)
		}
		write(part)
		line += strings.Count(part, "\n")
	}

	if c.streaming {
		var part string
		if c.waiting {
			part = assistantHeaderStyle.Render("Assistant") + "\n" + m.spinner.View() + dimStyle.Render(" thinking...")
		} else {
			idx := len(c.messages)
			part = m.md.message(markers.RoleAssistant, c.partial, true)
			part, refs = styleCitations(part, idx, line+sepLines(b.Len()), c.refIndex, m.citationHandler(idx, c.streamSources), refs)
		}
		write(part)
		line += strings.Count(part, "\n")
	}

	c.refs = refs
	if c.refIndex >= len(refs) {
		c.refIndex = -1
	}

	content := b.String()
	if q := strings.TrimSpace(c.searchQuery); q != "" {
		res := highlight.ApplyANSI(content, highlight.Substring(q), func(s string) string {
			return searchMatchStyle.Render(s)
		})
		content = res.Text
		m.setMatchMeta(res)
	} else {
		m.clearMatches()
	}

	c.viewport.SetContent(content)
	if gotoBottom {
		c.viewport.GotoBottom()
	} else {
		c.viewport.SetYOffset(m.clampViewportOffset(offset, c.viewport.TotalLineCount(), c.viewport.Height))
	}
	if c.showSources {
		m.refreshSources()
	}
}

// sepLines is the number of lines the separator before the next part adds.
func sepLines(written int) int {
	if written > 0 {
		return 2
	}
	return 0
}

func (m *Model) renderedMessage(i int, msg api.Message) string {
	h := fnv.New64a()
	h.Write([]byte(msg.Content))
	cacheKey := fmt.Sprintf("%d|w=%d|%s|%d|%x", i, m.md.width, msg.Role, len(msg.Content), h.Sum64())
	if out, ok := m.chat.rendered[cacheKey]; ok {
		return out
	}
	out := m.md.message(msg.Role, msg.Content, false)
	m.chat.rendered[cacheKey] = out
	return out
}

// citationHandler resolves a clicked id against the sources of message msg.
// Ids with no matching source leave the selection unchanged.
func (m *Model) citationHandler(msg int, sources []api.Source) markers.SourceClickFunc {
	sel := m.chat.sel
	return func(id int) {
		if !hasSource(sources, id) {
			return
		}
		sel.msg, sel.id, sel.ok = msg, id, true
	}
}

func (m *Model) moveRef(delta int) {
	c := &m.chat
	if len(c.refs) == 0 {
		m.status = "No citations in transcript"
		return
	}
	switch {
	case c.refIndex < 0 || c.refIndex >= len(c.refs):
		if delta < 0 {
			c.refIndex = len(c.refs) - 1
		} else {
			c.refIndex = 0
		}
	case delta > 0:
		c.refIndex = (c.refIndex + 1) % len(c.refs)
	case delta < 0:
		c.refIndex = (c.refIndex - 1 + len(c.refs)) % len(c.refs)
	}
	m.refreshTranscript(false)
	ref := c.refs[c.refIndex]
	c.viewport.SetYOffset(m.clampViewportOffset(ref.line-c.viewport.Height/3, c.viewport.TotalLineCount(), c.viewport.Height))
	m.status = fmt.Sprintf("Citation %d/%d: [%d]", c.refIndex+1, len(c.refs), ref.span.SourceID)
}

func (m *Model) activateRef() {
	c := &m.chat
	if c.refIndex < 0 || c.refIndex >= len(c.refs) {
		m.status = "No citation selected (n/p to move)"
		return
	}
	ref := c.refs[c.refIndex]
	ref.span.Activate()
	if !c.sel.ok || c.sel.msg != ref.msg || c.sel.id != ref.span.SourceID {
		m.status = fmt.Sprintf("Source [%d] is not available", ref.span.SourceID)
		return
	}
	if !c.showSources {
		c.showSources = true
		m.resize()
		m.refreshTranscript(false)
	} else {
		m.refreshSources()
	}
	m.status = fmt.Sprintf("Source [%d]", ref.span.SourceID)
}

// paneSources picks what the sources pane shows: the selected citation's
// message, else the latest answer.
func (m Model) paneSources() ([]api.Source, int) {
	c := m.chat
	if c.sel.ok {
		if c.sel.msg < len(c.messages) {
			return c.messages[c.sel.msg].Sources, c.sel.id
		}
		if c.sel.msg == len(c.messages) && c.streaming {
			return c.streamSources, c.sel.id
		}
	}
	if c.streaming && c.streamSources != nil {
		return c.streamSources, -1
	}
	for i := len(c.messages) - 1; i >= 0; i-- {
		if c.messages[i].Role == markers.RoleAssistant {
			return c.messages[i].Sources, -1
		}
	}
	return nil, -1
}

func (m *Model) refreshSources() {
	sources, selected := m.paneSources()
	content, line := renderSources(sources, selected, m.chat.sources.Width)
	m.chat.sources.SetContent(content)
	if line >= 0 {
		m.chat.sources.SetYOffset(line)
	} else {
		m.chat.sources.GotoTop()
	}
}

func (m *Model) setMatchMeta(res highlight.Result) {
	c := &m.chat
	if res.Count == 0 || len(res.LineIndex) == 0 {
		m.clearMatches()
		return
	}
	c.matchCount = res.Count
	c.matchLines = append(c.matchLines[:0], res.LineIndex...)
	if c.matchIndex >= len(c.matchLines) {
		c.matchIndex = 0
	}
}

func (m *Model) clearMatches() {
	m.chat.matchLines = nil
	m.chat.matchCount = 0
	m.chat.matchIndex = -1
}

func (m *Model) jumpToMatch(delta int) {
	c := &m.chat
	if len(c.matchLines) == 0 {
		m.status = "No search matches in transcript"
		return
	}
	if c.matchIndex < 0 || c.matchIndex >= len(c.matchLines) {
		c.matchIndex = 0
	} else if delta > 0 {
		c.matchIndex = (c.matchIndex + 1) % len(c.matchLines)
	} else if delta < 0 {
		c.matchIndex = (c.matchIndex - 1 + len(c.matchLines)) % len(c.matchLines)
	}
	line := c.matchLines[c.matchIndex]
	c.viewport.SetYOffset(m.clampViewportOffset(line, c.viewport.TotalLineCount(), c.viewport.Height))
	m.status = fmt.Sprintf("Match %d/%d", c.matchIndex+1, c.matchCount)
}

func (m Model) exportCmd() tea.Cmd {
	c := m.chat
	if len(c.messages) == 0 {
		return func() tea.Msg { return exportMsg{err: errors.New("nothing to export")} }
	}
	conv := api.Conversation{ID: c.conversationID, Title: c.title}
	msgs := append([]api.Message(nil), c.messages...)
	exporter := m.exporter
	return func() tea.Msg {
		path, err := exporter.Export(conv, msgs)
		return exportMsg{path: path, err: err}
	}
}

func (m Model) copyCmd() tea.Cmd {
	text, what := m.copyTarget()
	if text == "" {
		return func() tea.Msg { return copyMsg{err: errors.New("nothing to copy")} }
	}
	cb := m.clipboard
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := cb.Copy(ctx, text); err != nil {
			return copyMsg{err: err}
		}
		return copyMsg{what: what}
	}
}

// copyTarget is the selected source when the pane shows one, else the
// latest answer without tool markers.
func (m Model) copyTarget() (string, string) {
	c := m.chat
	if c.showSources && c.sel.ok {
		sources, id := m.paneSources()
		for _, s := range sources {
			if s.ID == id {
				return s.Content, fmt.Sprintf("source [%d]", id)
			}
		}
	}
	for i := len(c.messages) - 1; i >= 0; i-- {
		if c.messages[i].Role == markers.RoleAssistant {
			return markers.PlainText(c.messages[i].Content), "answer"
		}
	}
	return "", ""
}

func (m *Model) resizeChat(bodyHeight int) {
	c := &m.chat
	tw := m.width
	if c.showSources {
		sw, rest := m.paneWidths()
		tw = rest
		c.sources.Width = sw - 4
		c.sources.Height = bodyHeight - 2
	}
	c.viewport.Width = tw - 4
	c.viewport.Height = bodyHeight - 2
	c.input.Width = m.width - 6
	c.search.Width = m.width - 6

	wrap := c.viewport.Width - 2
	if wrap < 20 {
		wrap = 20
	}
	if m.md.width != wrap {
		m.md = newMarkdownRenderer(m.cfg.GlamourStyle, wrap)
	}
}

func (m Model) chatView() (string, string) {
	c := m.chat
	bh := m.bodyHeight()
	tw := m.width
	var side string
	if c.showSources {
		sw, rest := m.paneWidths()
		tw = rest
		side = panelStyle(false).Width(sw - 2).Height(bh - 2).Render(c.sources.View())
	}
	main := panelStyle(!c.inputFocused).Width(tw - 2).Height(bh - 2).Render(c.viewport.View())
	body := main
	if side != "" {
		body = lipgloss.JoinHorizontal(lipgloss.Top, main, side)
	}

	prompt := c.input.View()
	if c.searching {
		prompt = c.search.View()
	} else if c.searchQuery != "" && !c.inputFocused {
		prompt = dimStyle.Render("search: "+c.searchQuery) + "  " + prompt
	}
	return body, prompt
}

func (m Model) chatStatus() []string {
	c := m.chat
	var parts []string
	if c.conversationID > 0 {
		title := c.title
		if title == "" {
			title = "untitled"
		}
		parts = append(parts, fmt.Sprintf("#%d %s", c.conversationID, shorten(title, 30)))
	} else {
		parts = append(parts, "new conversation")
	}
	if c.useKB {
		parts = append(parts, "[kb on]")
	} else {
		parts = append(parts, "[kb off]")
	}
	if c.streaming {
		if c.waiting {
			parts = append(parts, m.spinner.View()+" waiting")
		} else {
			parts = append(parts, "[streaming]")
		}
	}
	if len(c.refs) > 0 {
		parts = append(parts, fmt.Sprintf("[refs %d]", len(c.refs)))
	}
	if c.searchQuery != "" {
		if c.matchCount > 0 {
			cur := c.matchIndex + 1
			if cur < 1 {
				cur = 1
			}
			parts = append(parts, fmt.Sprintf("[match %d/%d]", cur, c.matchCount))
		} else {
			parts = append(parts, "[match 0]")
		}
	}
	return parts
}
