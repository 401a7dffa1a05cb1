// Package agents implements the Agent identity record: a unique id,
// display name, description, and active flag, owning a pointer into
// agentconfig's version history and a set of memory blocks. Grounded
// on agentconfig.Store's SQLite idiom (WAL mode, busy_timeout, UUIDv7
// identifiers, apierr-typed errors).
package agents

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/nugget/agentd/internal/apierr"
)

// Agent is the top-level identity record an AgentConfig version, a
// set of MemoryBlocks, and a hierarchical memory namespace all hang
// off of.
type Agent struct {
	ID          string
	DisplayName string
	Description string
	Active      bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Registry is a SQLite-backed store of Agent records. All public
// methods are safe for concurrent use.
type Registry struct {
	db *sql.DB
}

// NewRegistry opens (creating if necessary) the agents database at
// dbPath.
func NewRegistry(dbPath string) (*Registry, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open agents database: %w", err)
	}
	r := &Registry{db: db}
	if err := r.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate agents schema: %w", err)
	}
	return r, nil
}

func (r *Registry) Close() error { return r.db.Close() }

func (r *Registry) migrate() error {
	_, err := r.db.Exec(`
	CREATE TABLE IF NOT EXISTS agents (
		id           TEXT PRIMARY KEY,
		display_name TEXT NOT NULL,
		description  TEXT NOT NULL DEFAULT '',
		active       INTEGER NOT NULL DEFAULT 1,
		created_at   TEXT NOT NULL,
		updated_at   TEXT NOT NULL
	);
	`)
	return err
}

// Create registers a new agent and returns it with ID populated. The
// caller is responsible for bootstrapping its AgentConfig version and
// default memory blocks afterward.
func (r *Registry) Create(ctx context.Context, displayName, description string) (*Agent, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, apierr.Wrap(apierr.StorageError, "generate agent id", err)
	}
	now := time.Now().UTC()
	a := &Agent{ID: id.String(), DisplayName: displayName, Description: description, Active: true, CreatedAt: now, UpdatedAt: now}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO agents (id, display_name, description, active, created_at, updated_at)
		VALUES (?, ?, ?, 1, ?, ?)`,
		a.ID, a.DisplayName, a.Description, fmtTime(now), fmtTime(now))
	if err != nil {
		return nil, apierr.Wrap(apierr.StorageError, "insert agent", err)
	}
	return a, nil
}

// Get returns a single agent by id, or apierr.InvalidRequest if no
// such agent exists.
func (r *Registry) Get(ctx context.Context, id string) (*Agent, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, display_name, description, active, created_at, updated_at
		FROM agents WHERE id = ?`, id)
	a, err := scanAgent(row)
	if err == sql.ErrNoRows {
		return nil, apierr.New(apierr.InvalidRequest, "no such agent: "+id)
	}
	if err != nil {
		return nil, apierr.Wrap(apierr.StorageError, "scan agent", err)
	}
	return a, nil
}

// List returns every agent, newest first.
func (r *Registry) List(ctx context.Context) ([]*Agent, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, display_name, description, active, created_at, updated_at
		FROM agents ORDER BY created_at DESC`)
	if err != nil {
		return nil, apierr.Wrap(apierr.StorageError, "query agents", err)
	}
	defer rows.Close()

	var out []*Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, apierr.Wrap(apierr.StorageError, "scan agent row", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// SetActive flips the agent's active flag (admin delete/restore).
func (r *Registry) SetActive(ctx context.Context, id string, active bool) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE agents SET active = ?, updated_at = ? WHERE id = ?`,
		boolToInt(active), fmtTime(time.Now().UTC()), id)
	if err != nil {
		return apierr.Wrap(apierr.StorageError, "update agent active flag", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return apierr.New(apierr.InvalidRequest, "no such agent: "+id)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (*Agent, error) {
	var a Agent
	var active int
	var created, updated string
	if err := row.Scan(&a.ID, &a.DisplayName, &a.Description, &active, &created, &updated); err != nil {
		return nil, err
	}
	a.Active = active != 0
	a.CreatedAt, _ = time.Parse(time.RFC3339, created)
	a.UpdatedAt, _ = time.Parse(time.RFC3339, updated)
	return &a, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func fmtTime(t time.Time) string { return t.Format(time.RFC3339) }
