// Package conversation implements C10: a durable, append-only, per-
// session message log with pagination, clear, and prefix-replacement
// for summarization. Grounded on agentconfig.Store and usage.Store's
// SQLite idiom (WAL mode, busy_timeout, UUIDv7 identifiers,
// apierr-typed errors); the seq-per-session counter and the
// replace-prefix-with-summary operation are new, since no existing
// store in the codebase carries a monotonic per-session seq invariant.
package conversation

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/nugget/agentd/internal/apierr"
)

// MessageType distinguishes a normal turn message from a system-
// injected one (e.g. a summarization replacement).
type MessageType string

const (
	TypeInbox  MessageType = "inbox"
	TypeSystem MessageType = "system"
)

// ToolCall is one tool invocation attached to an assistant message.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
	Result    string         `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
	DurationMs int64         `json:"duration_ms,omitempty"`
}

// Message is one entry in a session's append-only log.
type Message struct {
	ID             string
	SessionID      string
	Seq            int64
	Role           string // user, assistant, system, tool
	Content        string
	MessageType    MessageType
	ToolCalls      []ToolCall
	ToolCallID     string // set on role=tool messages, correlates to the originating ToolCall.ID
	Thinking       string
	ReasoningTime  time.Duration
	CreatedAt      time.Time
}

// Store is a SQLite-backed append-only conversation log. All public
// methods are safe for concurrent use; seq assignment is serialized
// per session via a single-row UPDATE...RETURNING-style pattern.
type Store struct {
	db *sql.DB
}

// NewStore opens (creating if necessary) the conversation database at
// dbPath.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open conversation database: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate conversation schema: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS messages (
		id             TEXT PRIMARY KEY,
		session_id     TEXT NOT NULL,
		seq            INTEGER NOT NULL,
		role           TEXT NOT NULL,
		content        TEXT NOT NULL,
		message_type   TEXT NOT NULL DEFAULT 'inbox',
		tool_calls     TEXT NOT NULL DEFAULT '[]',
		tool_call_id   TEXT NOT NULL DEFAULT '',
		thinking       TEXT NOT NULL DEFAULT '',
		reasoning_time_ms INTEGER NOT NULL DEFAULT 0,
		created_at     TEXT NOT NULL,
		UNIQUE(session_id, seq)
	);
	CREATE INDEX IF NOT EXISTS idx_messages_session_seq ON messages(session_id, seq);

	CREATE TABLE IF NOT EXISTS session_seq_counters (
		session_id TEXT PRIMARY KEY,
		next_seq   INTEGER NOT NULL DEFAULT 1
	);

	CREATE TABLE IF NOT EXISTS session_agents (
		session_id TEXT PRIMARY KEY,
		agent_id   TEXT NOT NULL,
		created_at TEXT NOT NULL
	);
	`)
	return err
}

// EnsureSession records which agent owns sessionID the first time the
// pair is seen, so later calls that only have a session_id (§6's
// GET /context/usage?session_id=) can recover the owning agent.
// Idempotent: a session already bound to a different agent is left
// untouched rather than silently reassigned.
func (s *Store) EnsureSession(ctx context.Context, sessionID, agentID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session_agents (session_id, agent_id, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT(session_id) DO NOTHING`,
		sessionID, agentID, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return apierr.Wrap(apierr.StorageError, "bind session to agent", err)
	}
	return nil
}

// AgentForSession returns the agent bound to sessionID, or
// apierr.InvalidRequest if the session has never been used in a turn.
func (s *Store) AgentForSession(ctx context.Context, sessionID string) (string, error) {
	var agentID string
	err := s.db.QueryRowContext(ctx, `SELECT agent_id FROM session_agents WHERE session_id = ?`, sessionID).Scan(&agentID)
	if err == sql.ErrNoRows {
		return "", apierr.New(apierr.InvalidRequest, "no such session: "+sessionID)
	}
	if err != nil {
		return "", apierr.Wrap(apierr.StorageError, "load session owner", err)
	}
	return agentID, nil
}

// Append assigns the next seq for msg.SessionID and inserts it. The
// seq-counter row is updated in the same transaction, under SQLite's
// single-writer lock, so concurrent appends to the same session are
// serialized in FIFO order.
func (s *Store) Append(ctx context.Context, msg Message) (Message, error) {
	if msg.SessionID == "" {
		return Message{}, apierr.New(apierr.InvalidRequest, "session_id is required")
	}
	if msg.MessageType == "" {
		msg.MessageType = TypeInbox
	}
	if msg.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return Message{}, apierr.Wrap(apierr.StorageError, "generate message id", err)
		}
		msg.ID = id.String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Message{}, apierr.Wrap(apierr.StorageError, "begin tx", err)
	}
	defer tx.Rollback()

	var next int64
	row := tx.QueryRowContext(ctx, `SELECT next_seq FROM session_seq_counters WHERE session_id = ?`, msg.SessionID)
	if err := row.Scan(&next); err == sql.ErrNoRows {
		next = 1
		if _, err := tx.ExecContext(ctx, `INSERT INTO session_seq_counters (session_id, next_seq) VALUES (?, ?)`, msg.SessionID, next+1); err != nil {
			return Message{}, apierr.Wrap(apierr.StorageError, "init seq counter", err)
		}
	} else if err != nil {
		return Message{}, apierr.Wrap(apierr.StorageError, "read seq counter", err)
	} else {
		if _, err := tx.ExecContext(ctx, `UPDATE session_seq_counters SET next_seq = ? WHERE session_id = ?`, next+1, msg.SessionID); err != nil {
			return Message{}, apierr.Wrap(apierr.StorageError, "advance seq counter", err)
		}
	}
	msg.Seq = next

	toolCallsJSON, err := json.Marshal(msg.ToolCalls)
	if err != nil {
		return Message{}, apierr.Wrap(apierr.InvalidRequest, "marshal tool calls", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (id, session_id, seq, role, content, message_type, tool_calls, tool_call_id, thinking, reasoning_time_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.SessionID, msg.Seq, msg.Role, msg.Content, string(msg.MessageType),
		string(toolCallsJSON), msg.ToolCallID, msg.Thinking, msg.ReasoningTime.Milliseconds(),
		msg.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return Message{}, apierr.Wrap(apierr.StorageError, "insert message", err)
	}

	if err := tx.Commit(); err != nil {
		return Message{}, apierr.Wrap(apierr.StorageError, "commit append", err)
	}
	return msg, nil
}

// List returns up to limit messages for session, oldest seq first,
// starting strictly after cursor (a seq value; 0 means from the
// start). limit <= 0 means no limit.
func (s *Store) List(ctx context.Context, sessionID string, limit int, cursor int64) ([]Message, error) {
	query := `
		SELECT id, session_id, seq, role, content, message_type, tool_calls, tool_call_id, thinking, reasoning_time_ms, created_at
		FROM messages WHERE session_id = ? AND seq > ? ORDER BY seq ASC`
	args := []any{sessionID, cursor}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apierr.Wrap(apierr.StorageError, "query messages", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, apierr.Wrap(apierr.StorageError, "scan message", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Tail returns the most recent n messages for session, oldest-first —
// the access pattern the context assembler uses to fill the
// conversation slice of the token budget from newest to oldest.
func (s *Store) Tail(ctx context.Context, sessionID string, n int) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, seq, role, content, message_type, tool_calls, tool_call_id, thinking, reasoning_time_ms, created_at
		FROM messages WHERE session_id = ? ORDER BY seq DESC LIMIT ?`, sessionID, n)
	if err != nil {
		return nil, apierr.Wrap(apierr.StorageError, "query tail", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, apierr.Wrap(apierr.StorageError, "scan message", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// Clear deletes all messages for session without archiving.
func (s *Store) Clear(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, sessionID)
	if err != nil {
		return apierr.Wrap(apierr.StorageError, "clear session", err)
	}
	_, err = s.db.ExecContext(ctx, `DELETE FROM session_seq_counters WHERE session_id = ?`, sessionID)
	if err != nil {
		return apierr.Wrap(apierr.StorageError, "reset seq counter", err)
	}
	return nil
}

// ReplacePrefixWithSummary deletes every message with seq <= upToSeq
// and inserts a single role=system, message_type=system message
// bearing summaryText, preserving ordering: the summary lands with a
// seq lower than any message that survives, so replaced messages stay
// strictly older than any retained one. Idempotent: calling it again
// with the same upToSeq
// finds nothing left to delete and is a no-op except for re-inserting
// an (ignored) duplicate summary is avoided by checking first.
func (s *Store) ReplacePrefixWithSummary(ctx context.Context, sessionID string, upToSeq int64, summaryText string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apierr.Wrap(apierr.StorageError, "begin tx", err)
	}
	defer tx.Rollback()

	// Idempotence: if nothing below upToSeq remains and the slot at
	// upToSeq is already a system-tagged summary, a prior call already
	// applied this exact cut — no-op.
	var belowCount int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE session_id = ? AND seq < ?`, sessionID, upToSeq).Scan(&belowCount); err != nil {
		return apierr.Wrap(apierr.StorageError, "count prefix", err)
	}
	var atCutType string
	err = tx.QueryRowContext(ctx, `SELECT message_type FROM messages WHERE session_id = ? AND seq = ?`, sessionID, upToSeq).Scan(&atCutType)
	alreadyApplied := belowCount == 0 && err == nil && MessageType(atCutType) == TypeSystem
	if alreadyApplied {
		return tx.Commit()
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ? AND seq <= ?`, sessionID, upToSeq); err != nil {
		return apierr.Wrap(apierr.StorageError, "delete prefix", err)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return apierr.Wrap(apierr.StorageError, "generate summary message id", err)
	}

	// The summary reoccupies seq upToSeq itself, which the delete above
	// just freed; that slot is strictly below every retained message
	// (all of which have seq > upToSeq), satisfying the "replaced
	// messages are strictly older than any retained message" invariant
	// without needing to renumber anything else.
	summarySeq := upToSeq
	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (id, session_id, seq, role, content, message_type, tool_calls, tool_call_id, thinking, reasoning_time_ms, created_at)
		VALUES (?, ?, ?, 'system', ?, 'system', '[]', '', '', 0, ?)`,
		id.String(), sessionID, summarySeq, summaryText, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return apierr.Wrap(apierr.StorageError, "insert summary message", err)
	}

	var next int64
	if err := tx.QueryRowContext(ctx, `SELECT next_seq FROM session_seq_counters WHERE session_id = ?`, sessionID).Scan(&next); err != nil {
		return apierr.Wrap(apierr.StorageError, "read seq counter", err)
	}
	if summarySeq >= next {
		if _, err := tx.ExecContext(ctx, `UPDATE session_seq_counters SET next_seq = ? WHERE session_id = ?`, summarySeq+1, sessionID); err != nil {
			return apierr.Wrap(apierr.StorageError, "bump seq counter", err)
		}
	}

	return tx.Commit()
}

func scanMessage(rows *sql.Rows) (Message, error) {
	var m Message
	var msgType, toolCallsJSON, created string
	var reasoningMs int64
	if err := rows.Scan(&m.ID, &m.SessionID, &m.Seq, &m.Role, &m.Content, &msgType, &toolCallsJSON, &m.ToolCallID, &m.Thinking, &reasoningMs, &created); err != nil {
		return Message{}, err
	}
	m.MessageType = MessageType(msgType)
	m.ReasoningTime = time.Duration(reasoningMs) * time.Millisecond
	m.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	if toolCallsJSON != "" {
		_ = json.Unmarshal([]byte(toolCallsJSON), &m.ToolCalls)
	}
	return m, nil
}
