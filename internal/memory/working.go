package memory

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nugget/agentd/internal/apierr"
)

// Block is a named, mutable identity slot (SPEC_FULL §3's MemoryBlock):
// persona, human, system_context, and so on. Its entire value is
// re-read into the system prompt on every turn, unlike episodic/
// semantic items which only surface on a high-scoring search hit.
type Block struct {
	AgentID     string
	Label       string
	Value       string
	LimitChars  int // 0 = unlimited, preserved for blocks created before Define
	Description string
	ReadOnly    bool
	Metadata    map[string]string
}

// BlockStore persists the agent's core memory blocks — small, always-in-
// context named sections of working memory (the "human" and "persona"
// blocks a reasoning loop appends to directly via core_memory_append
// and core_memory_replace). Unlike episodic/semantic items, a block's
// entire content is re-read into the system prompt on every turn; it
// captures facts the agent wants guaranteed visibility into, not just
// a high-scoring search hit.
type BlockStore struct {
	db *sql.DB
}

// NewBlockStore creates a block store using the given database
// connection. It creates the memory_blocks table if it does not
// already exist.
func NewBlockStore(db *sql.DB) (*BlockStore, error) {
	s := &BlockStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("block store migration: %w", err)
	}
	return s, nil
}

func (s *BlockStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS memory_blocks (
			agent_id    TEXT NOT NULL,
			label       TEXT NOT NULL,
			content     TEXT NOT NULL DEFAULT '',
			limit_chars INTEGER NOT NULL DEFAULT 0,
			description TEXT NOT NULL DEFAULT '',
			read_only   INTEGER NOT NULL DEFAULT 0,
			metadata    TEXT NOT NULL DEFAULT '{}',
			updated_at  TEXT NOT NULL,
			PRIMARY KEY (agent_id, label)
		)
	`)
	return err
}

// Get returns the content of a named block, empty string if unset.
func (s *BlockStore) Get(agentID, label string) (string, error) {
	var content string
	err := s.db.QueryRow(`SELECT content FROM memory_blocks WHERE agent_id = ? AND label = ?`, agentID, label).Scan(&content)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return content, err
}

// All returns every block's content for an agent, keyed by label. Kept
// for the context-provider rendering path (BlockProvider), which only
// needs the text, not the full metadata.
func (s *BlockStore) All(agentID string) (map[string]string, error) {
	rows, err := s.db.Query(`SELECT label, content FROM memory_blocks WHERE agent_id = ?`, agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]string{}
	for rows.Next() {
		var label, content string
		if err := rows.Scan(&label, &content); err != nil {
			return nil, err
		}
		out[label] = content
	}
	return out, rows.Err()
}

// Define registers (or updates the metadata of) a named block without
// touching its current content, used by the agent admin API to create
// blocks like persona/human/system_context with a character limit and
// read-only flag.
func (s *BlockStore) Define(agentID, label, description string, limitChars int, readOnly bool) error {
	readOnlyInt := 0
	if readOnly {
		readOnlyInt = 1
	}
	_, err := s.db.Exec(`
		INSERT INTO memory_blocks (agent_id, label, content, limit_chars, description, read_only, metadata, updated_at)
		VALUES (?, ?, '', ?, ?, ?, '{}', ?)
		ON CONFLICT(agent_id, label) DO UPDATE SET
			limit_chars = excluded.limit_chars,
			description = excluded.description,
			read_only   = excluded.read_only
	`, agentID, label, limitChars, description, readOnlyInt, time.Now().UTC().Format(time.RFC3339Nano))
	return err
}

// List returns every block for agentID with its full metadata, ordered
// by label — backs GET /agents/{id}/memory/blocks.
func (s *BlockStore) List(agentID string) ([]*Block, error) {
	rows, err := s.db.Query(`
		SELECT agent_id, label, content, limit_chars, description, read_only, metadata
		FROM memory_blocks WHERE agent_id = ? ORDER BY label`, agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Block
	for rows.Next() {
		b, err := scanBlock(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// GetBlock returns a single block's full metadata, or apierr.InvalidRequest
// if the label does not exist for agentID.
func (s *BlockStore) GetBlock(agentID, label string) (*Block, error) {
	row := s.db.QueryRow(`
		SELECT agent_id, label, content, limit_chars, description, read_only, metadata
		FROM memory_blocks WHERE agent_id = ? AND label = ?`, agentID, label)
	b, err := scanBlock(row)
	if err == sql.ErrNoRows {
		return nil, apierr.New(apierr.InvalidRequest, "no such memory block: "+label)
	}
	return b, err
}

type blockScanner interface {
	Scan(dest ...any) error
}

func scanBlock(row blockScanner) (*Block, error) {
	var b Block
	var readOnly int
	var metaJSON string
	if err := row.Scan(&b.AgentID, &b.Label, &b.Value, &b.LimitChars, &b.Description, &readOnly, &metaJSON); err != nil {
		return nil, err
	}
	b.ReadOnly = readOnly != 0
	var meta map[string]string
	if metaJSON != "" {
		_ = json.Unmarshal([]byte(metaJSON), &meta)
	}
	if meta == nil {
		meta = map[string]string{}
	}
	b.Metadata = meta
	return &b, nil
}

// Replace overwrites a block's content outright (core_memory_replace).
// Rejected with apierr.InvalidRequest — content unchanged — if the
// block is read-only or the new content would exceed limit_chars
// (SPEC_FULL §3's MemoryBlock invariant, §8 property 11). A block with
// no metadata defined yet (limit_chars=0, read_only=false) has no
// enforced limit, preserving the pre-Define behavior other callers
// (context providers, tests) rely on.
func (s *BlockStore) Replace(agentID, label, content string) error {
	existing, err := s.GetBlock(agentID, label)
	if err != nil && apierr.KindOf(err) != apierr.InvalidRequest {
		return err
	}
	if existing != nil {
		if existing.ReadOnly {
			return apierr.New(apierr.InvalidRequest, "memory block is read-only: "+label)
		}
		if existing.LimitChars > 0 && len(content) > existing.LimitChars {
			return apierr.New(apierr.InvalidRequest,
				fmt.Sprintf("value length %d exceeds limit_chars %d for block %q", len(content), existing.LimitChars, label))
		}
	}
	_, err = s.db.Exec(`
		INSERT INTO memory_blocks (agent_id, label, content, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(agent_id, label) DO UPDATE SET content = excluded.content, updated_at = excluded.updated_at
	`, agentID, label, content, time.Now().UTC().Format(time.RFC3339Nano))
	return err
}

// Append adds a line to a block's content (core_memory_append), subject
// to the same read-only and limit_chars checks as Replace.
func (s *BlockStore) Append(agentID, label, text string) error {
	existing, err := s.Get(agentID, label)
	if err != nil {
		return err
	}
	if existing != "" {
		existing = strings.TrimRight(existing, "\n") + "\n" + text
	} else {
		existing = text
	}
	return s.Replace(agentID, label, existing)
}
