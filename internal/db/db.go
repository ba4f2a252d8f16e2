// Package db is a local sqlite persistence backend with the same semantics
// as the remote /chats API: upsert by id, per-user ownership and cascading
// deletes.
package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"foundry/internal/models"
	"foundry/internal/persist"
)

const untitled = "Untitled Chat"

// Open creates the database file if needed and applies the schema.
func Open(path string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}

	dsn := "file:" + path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// foreign keys are a per-connection setting
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}

	schema := []string{
		`CREATE TABLE IF NOT EXISTS chats (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			owner TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS messages (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			chat_id TEXT NOT NULL,
			type TEXT NOT NULL,
			content TEXT NOT NULL,
			name TEXT,
			tool_call_id TEXT,
			additional_kwargs TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			FOREIGN KEY(chat_id) REFERENCES chats(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS tool_calls (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			message_id TEXT NOT NULL,
			name TEXT NOT NULL,
			args TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			FOREIGN KEY(message_id) REFERENCES messages(id) ON DELETE CASCADE
		);`,
		`CREATE INDEX IF NOT EXISTS idx_chats_owner_updated ON chats(owner, updated_at DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_chat ON messages(chat_id, seq);`,
		`CREATE INDEX IF NOT EXISTS idx_tool_calls_message ON tool_calls(message_id, seq);`,
	}

	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, err
		}
	}

	return db, nil
}

// Store implements persist.Backend for one user.
type Store struct {
	db    *sql.DB
	owner string
	log   *zap.SugaredLogger
	now   func() time.Time
}

func NewStore(db *sql.DB, owner string, log *zap.SugaredLogger) *Store {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Store{db: db, owner: owner, log: log, now: time.Now}
}

func (s *Store) Close() error {
	return s.db.Close()
}

// LoadChats returns the owner's chats, most recently updated first, with
// messages and tool calls in insertion order.
func (s *Store) LoadChats(ctx context.Context) (models.Chats, []string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, title FROM chats WHERE owner = ? ORDER BY updated_at DESC, rowid DESC",
		s.owner,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("load chats: %w", err)
	}
	chats := make(models.Chats)
	var order []string
	for rows.Next() {
		var id, title string
		if err := rows.Scan(&id, &title); err != nil {
			rows.Close()
			return nil, nil, fmt.Errorf("load chats: %w", err)
		}
		chats[id] = &models.Conversation{Title: title, Messages: []models.Message{}}
		order = append(order, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("load chats: %w", err)
	}

	calls, err := s.loadToolCalls(ctx)
	if err != nil {
		return nil, nil, err
	}

	rows, err = s.db.QueryContext(ctx,
		`SELECT m.id, m.chat_id, m.type, m.content, COALESCE(m.name, ''), COALESCE(m.tool_call_id, ''), m.additional_kwargs
		FROM messages m JOIN chats c ON c.id = m.chat_id
		WHERE c.owner = ? ORDER BY m.seq ASC`,
		s.owner,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("load messages: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			m       models.Message
			chatID  string
			role    string
			content string
			kwargs  sql.NullString
		)
		if err := rows.Scan(&m.ID, &chatID, &role, &content, &m.Name, &m.ToolCallID, &kwargs); err != nil {
			return nil, nil, fmt.Errorf("load messages: %w", err)
		}
		m.Role = models.Role(role)
		m.Content = decodeContent(content)
		if kwargs.Valid && kwargs.String != "" {
			_ = json.Unmarshal([]byte(kwargs.String), &m.AdditionalKwargs)
		}
		if m.Role == models.RoleAI {
			m.ToolCalls = calls[m.ID]
			if m.ToolCalls == nil {
				m.ToolCalls = []models.ToolCall{}
			}
		}
		if conv, ok := chats[chatID]; ok {
			conv.Messages = append(conv.Messages, m)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("load messages: %w", err)
	}
	return chats, order, nil
}

func (s *Store) loadToolCalls(ctx context.Context) (map[string][]models.ToolCall, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT t.id, t.message_id, t.name, t.args
		FROM tool_calls t
		JOIN messages m ON m.id = t.message_id
		JOIN chats c ON c.id = m.chat_id
		WHERE c.owner = ? ORDER BY t.seq ASC`,
		s.owner,
	)
	if err != nil {
		return nil, fmt.Errorf("load tool calls: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]models.ToolCall)
	for rows.Next() {
		var tc models.ToolCall
		var msgID, args string
		if err := rows.Scan(&tc.ID, &msgID, &tc.Name, &args); err != nil {
			return nil, fmt.Errorf("load tool calls: %w", err)
		}
		_ = json.Unmarshal([]byte(args), &tc.Args)
		out[msgID] = append(out[msgID], tc)
	}
	return out, rows.Err()
}

// SaveChats upserts every chat, message and tool call in one transaction.
// A chat is marked updated only when its title or any message changed.
// Chats owned by someone else are skipped.
func (s *Store) SaveChats(ctx context.Context, chats models.Chats) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save chats: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := s.now().UnixMilli()
	for id, conv := range chats {
		if conv == nil {
			continue
		}
		owner, err := chatOwner(ctx, tx, id)
		if err != nil {
			return fmt.Errorf("save chat %s: %w", id, err)
		}
		if owner != "" && owner != s.owner {
			s.log.Warnw("skipping chat owned by another user", "chat", id)
			continue
		}

		changed, err := s.saveChat(ctx, tx, id, conv, now)
		if err != nil {
			return fmt.Errorf("save chat %s: %w", id, err)
		}
		if changed {
			if _, err := tx.ExecContext(ctx, "UPDATE chats SET updated_at = ? WHERE id = ?", now, id); err != nil {
				return fmt.Errorf("save chat %s: %w", id, err)
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("save chats: %w", err)
	}
	return nil
}

func (s *Store) saveChat(ctx context.Context, tx *sql.Tx, id string, conv *models.Conversation, now int64) (bool, error) {
	title := conv.Title
	if strings.TrimSpace(title) == "" {
		title = untitled
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO chats(id, title, owner, created_at, updated_at) VALUES(?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET title = excluded.title WHERE chats.title IS NOT excluded.title`,
		id, title, s.owner, now, now,
	)
	if err != nil {
		return false, err
	}
	changed := affected(res)

	for _, m := range conv.Messages {
		content, err := json.Marshal(m.Content)
		if err != nil {
			return false, err
		}
		var kwargs any
		if m.AdditionalKwargs != nil {
			b, err := json.Marshal(m.AdditionalKwargs)
			if err != nil {
				return false, err
			}
			kwargs = string(b)
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO messages(id, chat_id, type, content, name, tool_call_id, additional_kwargs, created_at, updated_at)
			VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				type = excluded.type,
				content = excluded.content,
				name = excluded.name,
				tool_call_id = excluded.tool_call_id,
				additional_kwargs = excluded.additional_kwargs,
				updated_at = excluded.updated_at
			WHERE messages.content IS NOT excluded.content
				OR messages.type IS NOT excluded.type
				OR messages.name IS NOT excluded.name
				OR messages.tool_call_id IS NOT excluded.tool_call_id
				OR messages.additional_kwargs IS NOT excluded.additional_kwargs`,
			m.ID, id, string(m.Role), string(content), nullable(m.Name), nullable(m.ToolCallID), kwargs, now, now,
		)
		if err != nil {
			return false, err
		}
		changed = changed || affected(res)

		for _, tc := range m.ToolCalls {
			args, err := json.Marshal(tc.Args)
			if err != nil {
				return false, err
			}
			res, err := tx.ExecContext(ctx,
				`INSERT INTO tool_calls(id, message_id, name, args, created_at, updated_at) VALUES(?, ?, ?, ?, ?, ?)
				ON CONFLICT(id) DO UPDATE SET name = excluded.name, args = excluded.args, updated_at = excluded.updated_at
				WHERE tool_calls.name IS NOT excluded.name OR tool_calls.args IS NOT excluded.args`,
				tc.ID, m.ID, tc.Name, string(args), now, now,
			)
			if err != nil {
				return false, err
			}
			changed = changed || affected(res)
		}
	}
	return changed, nil
}

// DeleteChat removes a chat with its messages and tool calls.
func (s *Store) DeleteChat(ctx context.Context, id string) error {
	owner, err := chatOwner(ctx, s.db, id)
	if err != nil {
		return fmt.Errorf("delete chat %s: %w", id, err)
	}
	switch {
	case owner == "":
		return fmt.Errorf("delete chat %s: %w", id, persist.ErrNotFound)
	case owner != s.owner:
		return fmt.Errorf("delete chat %s: %w", id, persist.ErrForbidden)
	}
	if _, err := s.db.ExecContext(ctx, "DELETE FROM chats WHERE id = ?", id); err != nil {
		return fmt.Errorf("delete chat %s: %w", id, err)
	}
	return nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// chatOwner returns "" when the chat does not exist.
func chatOwner(ctx context.Context, q queryer, id string) (string, error) {
	var owner string
	err := q.QueryRowContext(ctx, "SELECT owner FROM chats WHERE id = ?", id).Scan(&owner)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return owner, err
}

func decodeContent(raw string) models.Content {
	var c models.Content
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return models.Text(raw)
	}
	return c
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func affected(res sql.Result) bool {
	n, err := res.RowsAffected()
	return err == nil && n > 0
}
