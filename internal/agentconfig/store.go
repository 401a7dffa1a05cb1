// Package agentconfig implements C11: a durable, append-only history
// of per-agent configuration and system prompts, with rollback.
// Versions are immutable once written; the "current" version is a
// pointer that moves as updates and rollbacks create new versions.
// Grounded on the agents.Registry and usage.Store sqlite idiom (WAL
// mode, busy_timeout, UUIDv7 identifiers).
package agentconfig

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/nugget/agentd/internal/apierr"
	"github.com/nugget/agentd/internal/events"
)

// Config is one immutable version of an agent's configuration, per
// SPEC_FULL §3's AgentConfig record.
type Config struct {
	VersionID           string
	AgentID             string
	ParentVersion        string // empty for the first version of an agent
	Timestamp            time.Time
	ChangeDescription     string
	Model                 string
	Temperature           float64
	TopP                  float64
	MaxTokens             int // 0 = unset/advisory
	ContextWindow         int
	ReasoningEnabled      bool
	MaxReasoningTokens    int // 0 = unset/advisory
	SystemPrompt          string
}

// Patch carries the subset of Config fields an update wants to change.
// Nil fields leave the current value untouched.
type Patch struct {
	Model              *string
	Temperature        *float64
	TopP               *float64
	MaxTokens          *int
	ContextWindow      *int
	ReasoningEnabled   *bool
	MaxReasoningTokens *int
	SystemPrompt       *string
}

// Store is a SQLite-backed, append-only version store for agent
// configuration. All public methods are safe for concurrent use.
type Store struct {
	db  *sql.DB
	bus *events.Bus // may be nil; Publish is nil-safe
}

// NewStore opens (creating if necessary) the config version database
// at dbPath. bus may be nil if no observer needs config_changed events.
func NewStore(dbPath string, bus *events.Bus) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open config database: %w", err)
	}
	s := &Store{db: db, bus: bus}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate config schema: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS agent_config_versions (
		version_id           TEXT PRIMARY KEY,
		agent_id              TEXT NOT NULL,
		parent_version        TEXT,
		timestamp             TEXT NOT NULL,
		change_description    TEXT,
		model                 TEXT NOT NULL,
		temperature           REAL NOT NULL,
		top_p                 REAL NOT NULL,
		max_tokens            INTEGER NOT NULL DEFAULT 0,
		context_window        INTEGER NOT NULL,
		reasoning_enabled     INTEGER NOT NULL DEFAULT 0,
		max_reasoning_tokens  INTEGER NOT NULL DEFAULT 0,
		system_prompt         TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_config_agent_ts ON agent_config_versions(agent_id, timestamp);

	CREATE TABLE IF NOT EXISTS agent_current_version (
		agent_id   TEXT PRIMARY KEY,
		version_id TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// GetCurrent returns the agent's current config version. Returns
// apierr.InvalidRequest if the agent has no config history yet.
func (s *Store) GetCurrent(ctx context.Context, agentID string) (*Config, error) {
	var versionID string
	err := s.db.QueryRowContext(ctx,
		`SELECT version_id FROM agent_current_version WHERE agent_id = ?`, agentID,
	).Scan(&versionID)
	if err == sql.ErrNoRows {
		return nil, apierr.New(apierr.InvalidRequest, "agent has no configuration")
	}
	if err != nil {
		return nil, apierr.Wrap(apierr.StorageError, "query current version", err)
	}
	return s.getVersion(ctx, versionID)
}

func (s *Store) getVersion(ctx context.Context, versionID string) (*Config, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT version_id, agent_id, COALESCE(parent_version, ''), timestamp, change_description,
		       model, temperature, top_p, max_tokens, context_window,
		       reasoning_enabled, max_reasoning_tokens, system_prompt
		FROM agent_config_versions WHERE version_id = ?`, versionID)

	var c Config
	var ts string
	var reasoning int
	if err := row.Scan(&c.VersionID, &c.AgentID, &c.ParentVersion, &ts, &c.ChangeDescription,
		&c.Model, &c.Temperature, &c.TopP, &c.MaxTokens, &c.ContextWindow,
		&reasoning, &c.MaxReasoningTokens, &c.SystemPrompt); err != nil {
		if err == sql.ErrNoRows {
			return nil, apierr.New(apierr.InvalidRequest, "version not found: "+versionID)
		}
		return nil, apierr.Wrap(apierr.StorageError, "scan config version", err)
	}
	c.ReasoningEnabled = reasoning != 0
	c.Timestamp, _ = time.Parse(time.RFC3339, ts)
	return &c, nil
}

// Bootstrap creates the first version for an agent that has none. It
// is the only way to create a version with an empty parent.
func (s *Store) Bootstrap(ctx context.Context, agentID string, initial Config, description string) (*Config, error) {
	if _, err := s.GetCurrent(ctx, agentID); err == nil {
		return nil, apierr.New(apierr.InvalidRequest, "agent already configured: "+agentID)
	}
	initial.AgentID = agentID
	return s.writeVersion(ctx, initial, "", description)
}

// Update applies patch on top of the agent's current version, creating
// a new version whose parent is the current one. Two structurally
// identical consecutive updates still create two distinct versions —
// history is never coalesced (SPEC_FULL §8 property 9).
func (s *Store) Update(ctx context.Context, agentID string, patch Patch, description string) (*Config, error) {
	cur, err := s.GetCurrent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	next := *cur
	if patch.Model != nil {
		next.Model = *patch.Model
	}
	if patch.Temperature != nil {
		next.Temperature = *patch.Temperature
	}
	if patch.TopP != nil {
		next.TopP = *patch.TopP
	}
	if patch.MaxTokens != nil {
		next.MaxTokens = *patch.MaxTokens
	}
	if patch.ContextWindow != nil {
		next.ContextWindow = *patch.ContextWindow
	}
	if patch.ReasoningEnabled != nil {
		next.ReasoningEnabled = *patch.ReasoningEnabled
	}
	if patch.MaxReasoningTokens != nil {
		next.MaxReasoningTokens = *patch.MaxReasoningTokens
	}
	if patch.SystemPrompt != nil {
		next.SystemPrompt = *patch.SystemPrompt
	}
	return s.writeVersion(ctx, next, cur.VersionID, description)
}

// ListVersions returns up to limit versions for agentID, newest first.
// limit <= 0 means no limit.
func (s *Store) ListVersions(ctx context.Context, agentID string, limit int) ([]*Config, error) {
	query := `
		SELECT version_id, agent_id, COALESCE(parent_version, ''), timestamp, change_description,
		       model, temperature, top_p, max_tokens, context_window,
		       reasoning_enabled, max_reasoning_tokens, system_prompt
		FROM agent_config_versions WHERE agent_id = ? ORDER BY timestamp DESC`
	args := []any{agentID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apierr.Wrap(apierr.StorageError, "query versions", err)
	}
	defer rows.Close()

	var out []*Config
	for rows.Next() {
		var c Config
		var ts string
		var reasoning int
		if err := rows.Scan(&c.VersionID, &c.AgentID, &c.ParentVersion, &ts, &c.ChangeDescription,
			&c.Model, &c.Temperature, &c.TopP, &c.MaxTokens, &c.ContextWindow,
			&reasoning, &c.MaxReasoningTokens, &c.SystemPrompt); err != nil {
			return nil, apierr.Wrap(apierr.StorageError, "scan version row", err)
		}
		c.ReasoningEnabled = reasoning != 0
		c.Timestamp, _ = time.Parse(time.RFC3339, ts)
		out = append(out, &c)
	}
	return out, rows.Err()
}

// Rollback creates a new version whose content matches versionID's and
// whose parent_version is versionID itself — history is never mutated
// or rewound, only extended (SPEC_FULL §4.11).
func (s *Store) Rollback(ctx context.Context, agentID, versionID string) (*Config, error) {
	target, err := s.getVersion(ctx, versionID)
	if err != nil {
		return nil, err
	}
	if target.AgentID != agentID {
		return nil, apierr.New(apierr.InvalidRequest, "version does not belong to agent")
	}
	restored := *target
	desc := fmt.Sprintf("rollback to %s", versionID)
	return s.writeVersion(ctx, restored, versionID, desc)
}

func (s *Store) writeVersion(ctx context.Context, c Config, parentVersion, description string) (*Config, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, apierr.Wrap(apierr.StorageError, "generate version id", err)
	}
	c.VersionID = id.String()
	c.ParentVersion = parentVersion
	c.ChangeDescription = description
	c.Timestamp = time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, apierr.Wrap(apierr.StorageError, "begin tx", err)
	}
	defer tx.Rollback()

	reasoning := 0
	if c.ReasoningEnabled {
		reasoning = 1
	}
	var parent any
	if c.ParentVersion != "" {
		parent = c.ParentVersion
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO agent_config_versions
			(version_id, agent_id, parent_version, timestamp, change_description,
			 model, temperature, top_p, max_tokens, context_window,
			 reasoning_enabled, max_reasoning_tokens, system_prompt)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.VersionID, c.AgentID, parent, c.Timestamp.Format(time.RFC3339), c.ChangeDescription,
		c.Model, c.Temperature, c.TopP, c.MaxTokens, c.ContextWindow,
		reasoning, c.MaxReasoningTokens, c.SystemPrompt)
	if err != nil {
		return nil, apierr.Wrap(apierr.StorageError, "insert config version", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO agent_current_version (agent_id, version_id) VALUES (?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET version_id = excluded.version_id`,
		c.AgentID, c.VersionID)
	if err != nil {
		return nil, apierr.Wrap(apierr.StorageError, "update current version pointer", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, apierr.Wrap(apierr.StorageError, "commit config version", err)
	}

	s.bus.Publish(events.Event{
		Timestamp: c.Timestamp,
		Source:    events.SourceConfig,
		Kind:      events.KindConfigChanged,
		Data: map[string]any{
			"agent_id":    c.AgentID,
			"new_version": c.VersionID,
		},
	})

	return &c, nil
}

// VerifyAcyclic walks the parent_version chain from versionID back to
// the root and returns an error if a cycle is detected. Used by tests
// and admin tooling to check SPEC_FULL invariant 3; the store itself
// never produces cycles since parent_version always points at a
// version that existed strictly before the new one was written.
func (s *Store) VerifyAcyclic(ctx context.Context, versionID string) error {
	seen := make(map[string]bool)
	cur := versionID
	for cur != "" {
		if seen[cur] {
			return apierr.New(apierr.StorageError, "config version chain has a cycle at "+cur)
		}
		seen[cur] = true
		c, err := s.getVersion(ctx, cur)
		if err != nil {
			return err
		}
		cur = c.ParentVersion
	}
	return nil
}
