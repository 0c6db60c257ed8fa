package ui

import "github.com/charmbracelet/bubbles/key"

type keyMap struct {
	Up       key.Binding
	Down     key.Binding
	PageUp   key.Binding
	PageDown key.Binding
	Tab      key.Binding
	Help     key.Binding
	Quit     key.Binding

	ChatView      key.Binding
	HistoryView   key.Binding
	KnowledgeView key.Binding

	Send     key.Binding
	ToggleKB key.Binding
	Cancel   key.Binding
	Sources  key.Binding
	NextRef  key.Binding
	PrevRef  key.Binding
	Activate key.Binding
	NewChat  key.Binding
	Export   key.Binding
	Copy     key.Binding
	Search   key.Binding

	Open    key.Binding
	Delete  key.Binding
	Confirm key.Binding
	Refresh key.Binding
	Rename  key.Binding
	Upload  key.Binding
}

func defaultKeys() keyMap {
	return keyMap{
		Up: key.NewBinding(
			key.WithKeys("up", "k"),
			key.WithHelp("↑/k", "up"),
		),
		Down: key.NewBinding(
			key.WithKeys("down", "j"),
			key.WithHelp("↓/j", "down"),
		),
		PageUp: key.NewBinding(
			key.WithKeys("pgup", "b"),
			key.WithHelp("pgup", "page up"),
		),
		PageDown: key.NewBinding(
			key.WithKeys("pgdown", "f"),
			key.WithHelp("pgdn", "page down"),
		),
		Tab: key.NewBinding(
			key.WithKeys("tab"),
			key.WithHelp("tab", "toggle focus"),
		),
		Help: key.NewBinding(
			key.WithKeys("?"),
			key.WithHelp("?", "more keys"),
		),
		Quit: key.NewBinding(
			key.WithKeys("q", "ctrl+c"),
			key.WithHelp("q", "quit"),
		),
		ChatView: key.NewBinding(
			key.WithKeys("f1"),
			key.WithHelp("f1", "chat"),
		),
		HistoryView: key.NewBinding(
			key.WithKeys("f2"),
			key.WithHelp("f2", "history"),
		),
		KnowledgeView: key.NewBinding(
			key.WithKeys("f3"),
			key.WithHelp("f3", "knowledge"),
		),
		Send: key.NewBinding(
			key.WithKeys("enter"),
			key.WithHelp("enter", "send"),
		),
		ToggleKB: key.NewBinding(
			key.WithKeys("ctrl+k"),
			key.WithHelp("ctrl+k", "toggle knowledge base"),
		),
		Cancel: key.NewBinding(
			key.WithKeys("esc"),
			key.WithHelp("esc", "cancel/back"),
		),
		Sources: key.NewBinding(
			key.WithKeys("s"),
			key.WithHelp("s", "sources pane"),
		),
		NextRef: key.NewBinding(
			key.WithKeys("n"),
			key.WithHelp("n", "next citation/match"),
		),
		PrevRef: key.NewBinding(
			key.WithKeys("p"),
			key.WithHelp("p", "prev citation/match"),
		),
		Activate: key.NewBinding(
			key.WithKeys("enter"),
			key.WithHelp("enter", "open citation"),
		),
		NewChat: key.NewBinding(
			key.WithKeys("ctrl+n"),
			key.WithHelp("ctrl+n", "new conversation"),
		),
		Export: key.NewBinding(
			key.WithKeys("e"),
			key.WithHelp("e", "export markdown"),
		),
		Copy: key.NewBinding(
			key.WithKeys("c"),
			key.WithHelp("c", "copy answer/source"),
		),
		Search: key.NewBinding(
			key.WithKeys("/"),
			key.WithHelp("/", "search"),
		),
		Open: key.NewBinding(
			key.WithKeys("enter"),
			key.WithHelp("enter", "open"),
		),
		Delete: key.NewBinding(
			key.WithKeys("d"),
			key.WithHelp("d", "delete"),
		),
		Confirm: key.NewBinding(
			key.WithKeys("y"),
			key.WithHelp("y", "confirm"),
		),
		Refresh: key.NewBinding(
			key.WithKeys("r"),
			key.WithHelp("r", "refresh"),
		),
		Rename: key.NewBinding(
			key.WithKeys("R"),
			key.WithHelp("R", "rename"),
		),
		Upload: key.NewBinding(
			key.WithKeys("u"),
			key.WithHelp("u", "upload"),
		),
	}
}

// viewHelp adapts a subset of keyMap to help.KeyMap.
type viewHelp struct {
	short []key.Binding
	full  [][]key.Binding
}

func (h viewHelp) ShortHelp() []key.Binding  { return h.short }
func (h viewHelp) FullHelp() [][]key.Binding { return h.full }

func (k keyMap) chatHelp(inputFocused bool) viewHelp {
	if inputFocused {
		return viewHelp{
			short: []key.Binding{k.Send, k.ToggleKB, k.Cancel, k.Tab, k.NewChat, k.HistoryView, k.KnowledgeView},
			full: [][]key.Binding{
				{k.Send, k.ToggleKB, k.Cancel, k.Tab},
				{k.NewChat, k.ChatView, k.HistoryView, k.KnowledgeView},
			},
		}
	}
	return viewHelp{
		short: []key.Binding{k.NextRef, k.PrevRef, k.Activate, k.Sources, k.Search, k.Copy, k.Export, k.Tab, k.Quit},
		full: [][]key.Binding{
			{k.Up, k.Down, k.PageUp, k.PageDown, k.Tab},
			{k.NextRef, k.PrevRef, k.Activate, k.Sources, k.Search, k.Cancel},
			{k.Copy, k.Export, k.NewChat, k.ToggleKB},
			{k.ChatView, k.HistoryView, k.KnowledgeView, k.Help, k.Quit},
		},
	}
}

func (k keyMap) historyHelp() viewHelp {
	return viewHelp{
		short: []key.Binding{k.Up, k.Down, k.Open, k.Search, k.Rename, k.Delete, k.Refresh, k.ChatView, k.Quit},
		full: [][]key.Binding{
			{k.Up, k.Down, k.Open, k.Search, k.Cancel},
			{k.Rename, k.Delete, k.Confirm, k.Refresh},
			{k.ChatView, k.HistoryView, k.KnowledgeView, k.Help, k.Quit},
		},
	}
}

func (k keyMap) knowledgeHelp() viewHelp {
	return viewHelp{
		short: []key.Binding{k.Up, k.Down, k.Open, k.Search, k.Upload, k.Delete, k.Refresh, k.ChatView, k.Quit},
		full: [][]key.Binding{
			{k.Up, k.Down, k.Open, k.Search, k.Cancel},
			{k.Upload, k.Delete, k.Confirm, k.Refresh},
			{k.ChatView, k.HistoryView, k.KnowledgeView, k.Help, k.Quit},
		},
	}
}
