package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS conversations (
    id TEXT PRIMARY KEY,
    project_id TEXT NOT NULL,
    name TEXT NOT NULL DEFAULT '',
    system_prompt TEXT NOT NULL DEFAULT '',
    forked_from_chat_id TEXT NOT NULL DEFAULT '',
    forked_at_message_id TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS messages (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    id TEXT NOT NULL UNIQUE,
    conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
    project_id TEXT NOT NULL,
    role TEXT NOT NULL,
    content TEXT NOT NULL,
    status TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    include_in_context INTEGER NOT NULL DEFAULT 1,
    is_aside INTEGER NOT NULL DEFAULT 0,
    pure_aside INTEGER NOT NULL DEFAULT 0,
    is_pinned INTEGER NOT NULL DEFAULT 0,
    is_discarded INTEGER NOT NULL DEFAULT 0,
    parent_message_id TEXT NOT NULL DEFAULT '',
    llm_info TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, seq);
CREATE INDEX IF NOT EXISTS idx_messages_status ON messages(status, created_at);
`

const messageColumns = `id, conversation_id, project_id, role, content, status, created_at,
    include_in_context, is_aside, pure_aside, is_pinned, is_discarded, parent_message_id, llm_info`

// SQLiteLog is a Log stored in a single SQLite database file.
type SQLiteLog struct {
	db *sql.DB
}

// OpenSQLite opens (and creates if needed) the database at path.
func OpenSQLite(path string) (*SQLiteLog, error) {
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout(10000)&_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create history schema: %w", err)
	}
	return &SQLiteLog{db: db}, nil
}

func (l *SQLiteLog) Close() error {
	return l.db.Close()
}

func (l *SQLiteLog) CreateConversation(ctx context.Context, c Conversation) (Conversation, error) {
	c = prepareConversation(c)
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO conversations (id, project_id, name, system_prompt, forked_from_chat_id, forked_at_message_id, created_at)
         VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.ProjectID, c.Name, c.SystemPrompt, c.ForkedFromChatID, c.ForkedAtMessageID, c.CreatedAt.UnixNano())
	if err != nil {
		return Conversation{}, fmt.Errorf("insert conversation %s: %w", c.ID, err)
	}
	return c, nil
}

func (l *SQLiteLog) GetConversation(ctx context.Context, id string) (Conversation, error) {
	var (
		c       Conversation
		created int64
	)
	err := l.db.QueryRowContext(ctx,
		`SELECT id, project_id, name, system_prompt, forked_from_chat_id, forked_at_message_id, created_at
         FROM conversations WHERE id = ?`, id).
		Scan(&c.ID, &c.ProjectID, &c.Name, &c.SystemPrompt, &c.ForkedFromChatID, &c.ForkedAtMessageID, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return Conversation{}, fmt.Errorf("conversation %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Conversation{}, fmt.Errorf("select conversation %s: %w", id, err)
	}
	c.CreatedAt = time.Unix(0, created).UTC()
	return c, nil
}

func (l *SQLiteLog) Append(ctx context.Context, conversationID string, m Message) error {
	if _, err := l.GetConversation(ctx, conversationID); err != nil {
		return err
	}
	info, err := encodeInfo(m.LLMInfo)
	if err != nil {
		return err
	}
	_, err = l.db.ExecContext(ctx,
		`INSERT INTO messages (`+messageColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, conversationID, m.ProjectID, string(m.Role), m.Content, string(m.Status), m.CreatedAt.UnixNano(),
		m.IncludeInContext, m.IsAside, m.PureAside, m.IsPinned, m.IsDiscarded, m.ParentMessageID, info)
	if err != nil {
		return fmt.Errorf("insert message %s: %w", m.ID, err)
	}
	return nil
}

func (l *SQLiteLog) Update(ctx context.Context, conversationID, messageID string, p Patch) (Message, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return Message{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE conversation_id = ? AND id = ?`, conversationID, messageID)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, fmt.Errorf("message %s: %w", messageID, ErrNotFound)
	}
	if err != nil {
		return Message{}, err
	}

	m = p.apply(m)
	info, err := encodeInfo(m.LLMInfo)
	if err != nil {
		return Message{}, err
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE messages SET content = ?, status = ?, include_in_context = ?, is_aside = ?, pure_aside = ?,
            is_pinned = ?, is_discarded = ?, llm_info = ?
         WHERE conversation_id = ? AND id = ?`,
		m.Content, string(m.Status), m.IncludeInContext, m.IsAside, m.PureAside, m.IsPinned, m.IsDiscarded, info,
		conversationID, messageID)
	if err != nil {
		return Message{}, fmt.Errorf("update message %s: %w", messageID, err)
	}
	if err := tx.Commit(); err != nil {
		return Message{}, fmt.Errorf("commit message %s: %w", messageID, err)
	}
	return m, nil
}

func (l *SQLiteLog) Get(ctx context.Context, conversationID, messageID string) (Message, error) {
	row := l.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE conversation_id = ? AND id = ?`, conversationID, messageID)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, fmt.Errorf("message %s: %w", messageID, ErrNotFound)
	}
	return m, err
}

func (l *SQLiteLog) List(ctx context.Context, conversationID string) ([]Message, error) {
	if _, err := l.GetConversation(ctx, conversationID); err != nil {
		return nil, err
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE conversation_id = ? ORDER BY seq ASC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return collect(rows)
}

func (l *SQLiteLog) ListPending(ctx context.Context, createdBefore time.Time) ([]Message, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE status = ? AND created_at < ? ORDER BY seq ASC`,
		string(StatusPending), createdBefore.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("list pending messages: %w", err)
	}
	return collect(rows)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(s scanner) (Message, error) {
	var (
		m       Message
		role    string
		status  string
		created int64
		info    string
	)
	err := s.Scan(&m.ID, &m.ConversationID, &m.ProjectID, &role, &m.Content, &status, &created,
		&m.IncludeInContext, &m.IsAside, &m.PureAside, &m.IsPinned, &m.IsDiscarded, &m.ParentMessageID, &info)
	if err != nil {
		return Message{}, err
	}
	m.Role = Role(role)
	m.Status = Status(status)
	m.CreatedAt = time.Unix(0, created).UTC()
	if info != "" {
		m.LLMInfo = &LLMInfo{}
		if err := json.Unmarshal([]byte(info), m.LLMInfo); err != nil {
			return Message{}, fmt.Errorf("decode llm info for %s: %w", m.ID, err)
		}
	}
	return m, nil
}

func collect(rows *sql.Rows) ([]Message, error) {
	defer rows.Close()
	var out []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func encodeInfo(info *LLMInfo) (string, error) {
	if info == nil {
		return "", nil
	}
	b, err := json.Marshal(info)
	if err != nil {
		return "", fmt.Errorf("encode llm info: %w", err)
	}
	return string(b), nil
}
