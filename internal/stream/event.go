package stream

// EventType discriminates the payloads carried on "data: " lines.
type EventType string

const (
	EventInit    EventType = "init"
	EventToken   EventType = "token"
	EventSources EventType = "sources"
	EventDone    EventType = "done"
	EventError   EventType = "error"
)

// Terminal reports whether no further events follow this one.
func (t EventType) Terminal() bool {
	return t == EventDone || t == EventError
}

// Source is a retrieved excerpt the assistant may cite as [ID].
type Source struct {
	ID      int    `json:"id"`
	Source  string `json:"source"`
	Content string `json:"content"`
}

// Event is the flattened form of a dispatched callback, for consumers that
// prefer a channel over callbacks.
type Event struct {
	Type           EventType
	ConversationID int64
	Content        string
	Sources        []Source
	Message        string
}

type payload struct {
	Type           EventType `json:"type"`
	ConversationID *int64    `json:"conversation_id"`
	Content        string    `json:"content"`
	FullContent    string    `json:"full_content"`
	Sources        []Source  `json:"sources"`
	Message        string    `json:"message"`
}

// Handler receives decoded events. Nil callbacks are skipped.
type Handler struct {
	OnInit    func(conversationID int64)
	OnToken   func(text string)
	OnSources func(sources []Source)
	OnDone    func(fullContent string, conversationID int64, sources []Source)
	OnError   func(message string)
}

// Events returns a Handler that forwards every callback to ch as an Event.
// Sends block, so ch should be drained by the caller.
func Events(ch chan<- Event) Handler {
	return Handler{
		OnInit: func(id int64) {
			ch <- Event{Type: EventInit, ConversationID: id}
		},
		OnToken: func(text string) {
			ch <- Event{Type: EventToken, Content: text}
		},
		OnSources: func(sources []Source) {
			ch <- Event{Type: EventSources, Sources: sources}
		},
		OnDone: func(full string, id int64, sources []Source) {
			ch <- Event{Type: EventDone, Content: full, ConversationID: id, Sources: sources}
		},
		OnError: func(msg string) {
			ch <- Event{Type: EventError, Message: msg}
		},
	}
}
