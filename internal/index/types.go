package index

import "database/sql"

type Conversation struct {
	ID           int64
	Title        string
	CreatedAt    int64
	UpdatedAt    int64
	MessageCount int
	Preview      string
}

type Message struct {
	ID             int64
	ConversationID int64
	RemoteID       int64
	TS             sql.NullInt64
	Role           string
	Content        string
}
