// Package index is a local, non-authoritative SQLite cache of conversations
// fetched from the backend. It exists to give the history view full-text
// search over message content, which the REST API does not offer.
package index

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"kbchat/internal/api"
	"kbchat/internal/markers"
)

const MemoryPath = ":memory:"

type Indexer struct {
	dbPath     string
	db         *sql.DB
	ftsEnabled bool
	mu         sync.Mutex
}

func New(dbPath string) (*Indexer, error) {
	if strings.TrimSpace(dbPath) == "" {
		dbPath = MemoryPath
	}
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// Every connection to ":memory:" is a separate database.
	db.SetMaxOpenConns(1)

	i := &Indexer{dbPath: dbPath, db: db}
	if err := i.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return i, nil
}

func (i *Indexer) Close() error {
	return i.db.Close()
}

// FTSEnabled reports whether the sqlite build supports FTS5. Without it,
// search falls back to LIKE matching.
func (i *Indexer) FTSEnabled() bool {
	return i.ftsEnabled
}

func (i *Indexer) initSchema() error {
	stmts := []string{
		`PRAGMA foreign_keys = ON;`,
		`CREATE TABLE IF NOT EXISTS conversations (
			id INTEGER PRIMARY KEY,
			title TEXT,
			created_at INTEGER,
			updated_at INTEGER,
			message_count INTEGER DEFAULT 0,
			preview TEXT DEFAULT ''
		);`,
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			conversation_id INTEGER,
			remote_id INTEGER,
			ts INTEGER,
			role TEXT,
			content TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation_id ON messages(conversation_id, id);`,
	}
	if i.dbPath != MemoryPath {
		stmts = append([]string{`PRAGMA journal_mode = WAL;`}, stmts...)
	}

	for _, stmt := range stmts {
		if _, err := i.db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return i.ensureFTSTable()
}

func (i *Indexer) ensureFTSTable() error {
	var sqlDef string
	err := i.db.QueryRow(`SELECT sql FROM sqlite_master WHERE name = 'messages_fts'`).Scan(&sqlDef)
	if err == nil {
		lower := strings.ToLower(sqlDef)
		i.ftsEnabled = strings.Contains(lower, "virtual table") && strings.Contains(lower, "fts5")
		return nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("inspect messages_fts table: %w", err)
	}

	_, err = i.db.Exec(`CREATE VIRTUAL TABLE messages_fts USING fts5(
		conversation_id UNINDEXED,
		role UNINDEXED,
		content
	);`)
	if err == nil {
		i.ftsEnabled = true
		return nil
	}

	if !strings.Contains(strings.ToLower(err.Error()), "no such module: fts5") {
		return fmt.Errorf("create messages_fts: %w", err)
	}

	// Fallback for sqlite builds without FTS5 support.
	if _, err := i.db.Exec(`CREATE TABLE IF NOT EXISTS messages_fts (
		rowid INTEGER PRIMARY KEY,
		conversation_id INTEGER,
		role TEXT,
		content TEXT
	);`); err != nil {
		return fmt.Errorf("create messages_fts fallback table: %w", err)
	}
	i.ftsEnabled = false
	return nil
}

// SyncConversations upserts the backend's conversation list and prunes
// conversations (and their messages) that no longer exist remotely.
func (i *Indexer) SyncConversations(ctx context.Context, convs []api.Conversation) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	tx, err := i.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin sync tx: %w", err)
	}
	defer tx.Rollback()

	keep := make(map[int64]struct{}, len(convs))
	for _, c := range convs {
		keep[c.ID] = struct{}{}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO conversations(id, title, created_at, updated_at)
			VALUES(?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				title=excluded.title,
				created_at=excluded.created_at,
				updated_at=excluded.updated_at
		`, c.ID, c.Title, unixOrNull(c.CreatedAt), unixOrNull(c.UpdatedAt)); err != nil {
			return fmt.Errorf("upsert conversation %d: %w", c.ID, err)
		}
	}

	stale, err := staleConversationIDs(ctx, tx, keep)
	if err != nil {
		return err
	}
	for _, id := range stale {
		if err := deleteConversationTx(ctx, tx, id); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit sync: %w", err)
	}
	return nil
}

func staleConversationIDs(ctx context.Context, tx *sql.Tx, keep map[int64]struct{}) ([]int64, error) {
	rows, err := tx.QueryContext(ctx, `SELECT id FROM conversations`)
	if err != nil {
		return nil, fmt.Errorf("query indexed conversations: %w", err)
	}
	defer rows.Close()

	var stale []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan conversation id: %w", err)
		}
		if _, ok := keep[id]; !ok {
			stale = append(stale, id)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversation ids: %w", err)
	}
	return stale, nil
}

// StoreMessages replaces the cached messages of a conversation. Assistant
// content is indexed without tool markers.
func (i *Indexer) StoreMessages(ctx context.Context, conversationID int64, msgs []api.Message) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	tx, err := i.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin store tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO conversations(id, title) VALUES(?, '')`, conversationID); err != nil {
		return fmt.Errorf("ensure conversation %d: %w", conversationID, err)
	}
	if err := clearMessagesTx(ctx, tx, conversationID); err != nil {
		return err
	}

	insertMsgStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO messages(conversation_id, remote_id, ts, role, content)
		VALUES(?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare message insert: %w", err)
	}
	defer insertMsgStmt.Close()

	insertFTSStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO messages_fts(rowid, conversation_id, role, content)
		VALUES(?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare fts insert: %w", err)
	}
	defer insertFTSStmt.Close()

	count := 0
	preview := ""
	var lastTS int64
	for _, m := range msgs {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		text := searchableText(m)
		if strings.TrimSpace(text) == "" {
			continue
		}
		res, err := insertMsgStmt.ExecContext(ctx, conversationID, m.ID, unixOrNull(m.CreatedAt), m.Role, text)
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		rowID, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("message rowid: %w", err)
		}
		if _, err := insertFTSStmt.ExecContext(ctx, rowID, conversationID, m.Role, text); err != nil {
			return fmt.Errorf("insert fts row: %w", err)
		}

		count++
		if preview == "" && m.Role == markers.RoleUser {
			preview = trimPreview(text)
		}
		if !m.CreatedAt.IsZero() && m.CreatedAt.Unix() > lastTS {
			lastTS = m.CreatedAt.Unix()
		}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE conversations
		SET message_count = ?, preview = ?, updated_at = MAX(COALESCE(updated_at, 0), ?)
		WHERE id = ?
	`, count, preview, lastTS, conversationID); err != nil {
		return fmt.Errorf("update conversation summary %d: %w", conversationID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit store %d: %w", conversationID, err)
	}
	return nil
}

func (i *Indexer) DeleteConversation(ctx context.Context, id int64) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	tx, err := i.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete tx: %w", err)
	}
	defer tx.Rollback()

	if err := deleteConversationTx(ctx, tx, id); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete %d: %w", id, err)
	}
	return nil
}

func deleteConversationTx(ctx context.Context, tx *sql.Tx, id int64) error {
	if err := clearMessagesTx(ctx, tx, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete conversation %d: %w", id, err)
	}
	return nil
}

func clearMessagesTx(ctx context.Context, tx *sql.Tx, conversationID int64) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM messages_fts WHERE rowid IN (SELECT id FROM messages WHERE conversation_id = ?)`, conversationID); err != nil {
		return fmt.Errorf("clear fts rows for %d: %w", conversationID, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, conversationID); err != nil {
		return fmt.Errorf("clear messages for %d: %w", conversationID, err)
	}
	return nil
}

func searchableText(m api.Message) string {
	if m.Role == markers.RoleUser {
		return m.Content
	}
	return markers.PlainText(m.Content)
}

func unixOrNull(ts api.Timestamp) any {
	if ts.IsZero() {
		return nil
	}
	return ts.Unix()
}

func trimPreview(s string) string {
	s = strings.TrimSpace(strings.ReplaceAll(s, "\n", " "))
	r := []rune(s)
	if len(r) <= 120 {
		return s
	}
	return string(r[:117]) + "..."
}

const conversationColumns = `c.id, COALESCE(c.title, ''), COALESCE(c.created_at, 0), COALESCE(c.updated_at, 0), COALESCE(c.message_count, 0), COALESCE(c.preview, '')`

// ListConversations returns cached conversations, most recent first. A
// non-empty query restricts the list to conversations whose messages match,
// ordered by match count.
func (i *Indexer) ListConversations(ctx context.Context, query string, limit int) ([]Conversation, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if limit <= 0 {
		limit = 200
	}
	query = strings.TrimSpace(query)

	var rows *sql.Rows
	var err error
	if query == "" {
		rows, err = i.db.QueryContext(ctx, `
			SELECT `+conversationColumns+`
			FROM conversations c
			ORDER BY c.updated_at DESC, c.id DESC
			LIMIT ?
		`, limit)
	} else {
		rows, err = i.searchRows(ctx, query, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	out := make([]Conversation, 0, 64)
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.ID, &c.Title, &c.CreatedAt, &c.UpdatedAt, &c.MessageCount, &c.Preview); err != nil {
			return nil, fmt.Errorf("scan conversation row: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversation rows: %w", err)
	}
	return out, nil
}

// Search returns the ids of conversations whose messages match query,
// best match first.
func (i *Indexer) Search(ctx context.Context, query string, limit int) ([]int64, error) {
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}
	convs, err := i.ListConversations(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(convs))
	for _, c := range convs {
		ids = append(ids, c.ID)
	}
	return ids, nil
}

func (i *Indexer) searchRows(ctx context.Context, query string, limit int) (*sql.Rows, error) {
	if i.ftsEnabled {
		rows, err := i.searchRowsFTS(ctx, query, limit)
		if err == nil {
			return rows, nil
		}
		fallback, fbErr := i.searchRowsLike(ctx, query, limit)
		if fbErr != nil {
			return nil, fmt.Errorf("search (fts and fallback failed): fts=%w, fallback=%v", err, fbErr)
		}
		return fallback, nil
	}
	return i.searchRowsLike(ctx, query, limit)
}

func (i *Indexer) searchRowsFTS(ctx context.Context, query string, limit int) (*sql.Rows, error) {
	ftsQuery := buildFTSQuery(query)
	if ftsQuery == "" {
		return nil, fmt.Errorf("empty fts query")
	}
	rows, err := i.db.QueryContext(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations c
		JOIN (
			SELECT conversation_id, COUNT(*) AS score
			FROM messages_fts
			WHERE messages_fts MATCH ?
			GROUP BY conversation_id
			ORDER BY score DESC
			LIMIT ?
		) ranked ON ranked.conversation_id = c.id
		ORDER BY ranked.score DESC, c.updated_at DESC
	`, ftsQuery, limit)
	if err != nil {
		return nil, fmt.Errorf("fts query failed: %w", err)
	}
	return rows, nil
}

func (i *Indexer) searchRowsLike(ctx context.Context, query string, limit int) (*sql.Rows, error) {
	terms := tokenizeSearchTerms(query)
	if len(terms) == 0 {
		terms = []string{strings.ToLower(strings.TrimSpace(query))}
	}

	var b strings.Builder
	b.WriteString(`
		SELECT ` + conversationColumns + `
		FROM conversations c
		JOIN (
			SELECT conversation_id, COUNT(*) AS score
			FROM messages
			WHERE `)
	args := make([]any, 0, len(terms)+1)
	for idx, term := range terms {
		if idx > 0 {
			b.WriteString(" OR ")
		}
		b.WriteString("LOWER(content) LIKE ?")
		args = append(args, "%"+term+"%")
	}
	b.WriteString(`
			GROUP BY conversation_id
			ORDER BY score DESC
			LIMIT ?
		) ranked ON ranked.conversation_id = c.id
		ORDER BY ranked.score DESC, c.updated_at DESC
	`)
	args = append(args, limit)
	rows, err := i.db.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("like query failed: %w", err)
	}
	return rows, nil
}

func buildFTSQuery(raw string) string {
	parts := tokenizeSearchTerms(raw)
	if len(parts) == 0 {
		return ""
	}
	quoted := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.ReplaceAll(p, `"`, "")
		if p == "" {
			continue
		}
		quoted = append(quoted, fmt.Sprintf(`"%s"*`, p))
	}
	return strings.Join(quoted, " AND ")
}

func tokenizeSearchTerms(raw string) []string {
	parts := strings.Fields(strings.ToLower(strings.TrimSpace(raw)))
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.Trim(p, "`\"'.,:;!?()[]{}<>|")
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

func (i *Indexer) MessageCount(ctx context.Context, conversationID int64) (int, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	var n int
	err := i.db.QueryRowContext(ctx, `SELECT COALESCE(message_count, 0) FROM conversations WHERE id = ?`, conversationID).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("message count %d: %w", conversationID, err)
	}
	return n, nil
}

// Messages returns the cached, marker-free messages of a conversation in
// insertion order.
func (i *Indexer) Messages(ctx context.Context, conversationID int64) ([]Message, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	rows, err := i.db.QueryContext(ctx, `
		SELECT id, conversation_id, COALESCE(remote_id, 0), ts, role, content
		FROM messages
		WHERE conversation_id = ?
		ORDER BY id
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("query conversation messages: %w", err)
	}
	defer rows.Close()

	out := make([]Message, 0, 32)
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.RemoteID, &m.TS, &m.Role, &m.Content); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return out, nil
}

func FormatUnix(ts int64) string {
	if ts <= 0 {
		return "n/a"
	}
	return time.Unix(ts, 0).Local().Format("2006-01-02 15:04")
}
