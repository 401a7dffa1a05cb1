package memory

import (
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Tier names the hierarchical memory tier a MemoryItem currently lives in.
type Tier string

const (
	TierWorking  Tier = "working"
	TierEpisodic Tier = "episodic"
	TierSemantic Tier = "semantic"
)

// MemoryItem is the unit of storage across all three tiers. Working-tier
// items are short-lived and rarely carry an embedding; episodic and
// semantic items are embedded so the attentional bias scorer (C4) can
// rank them against a query.
type MemoryItem struct {
	ID            string
	AgentID       string
	SessionID     string
	Tier          Tier
	Category      string // relationship_moment, emotion, insight, preference, fact, event
	Content       string
	Embedding     []float32
	Importance    float64 // 0-10, set at write time and adjusted by feedback (C6)
	CreatedAt     time.Time
	LastAccessed  time.Time
	AccessCount   int
	Metadata      map[string]any // flagged/outdated feedback markers, free-form tags
	DeletedAt     *time.Time
}

// ItemStore is the SQLite-backed persistence layer shared by all three
// memory tiers. It absorbs the embedding codec, FTS5 search, and
// cosine-similarity ranking that the fact store used to own — those
// concerns did not change when facts became memory items, only the
// schema and the caller did.
type ItemStore struct {
	db      *sql.DB
	ftsOK   bool
}

// NewItemStore opens (creating if necessary) the memory_items table and
// its FTS5 shadow index on db. If FTS5 is unavailable in the linked
// sqlite3 build, searches fall back to a LIKE scan automatically.
func NewItemStore(db *sql.DB) (*ItemStore, error) {
	s := &ItemStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("memory item migration: %w", err)
	}
	s.ftsOK = s.tryEnableFTS()
	return s, nil
}

func (s *ItemStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS memory_items (
			id            TEXT PRIMARY KEY,
			agent_id      TEXT NOT NULL,
			session_id    TEXT NOT NULL DEFAULT '',
			tier          TEXT NOT NULL,
			category      TEXT NOT NULL DEFAULT '',
			content       TEXT NOT NULL,
			embedding     BLOB,
			importance    REAL NOT NULL DEFAULT 5,
			created_at    TEXT NOT NULL,
			last_accessed TEXT NOT NULL,
			access_count  INTEGER NOT NULL DEFAULT 0,
			deleted_at    TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_memory_items_agent_tier ON memory_items(agent_id, tier, deleted_at);
	`)
	if err != nil {
		return err
	}
	_, _ = s.db.Exec(`ALTER TABLE memory_items ADD COLUMN metadata TEXT`)
	return nil
}

// tryEnableFTS creates an FTS5 virtual table mirroring memory_items.
// Some sqlite3 builds (and in particular CGO-disabled ones) omit the
// FTS5 extension; when that happens searches degrade to LIKE rather
// than failing outright.
func (s *ItemStore) tryEnableFTS() bool {
	_, err := s.db.Exec(`
		CREATE VIRTUAL TABLE IF NOT EXISTS memory_items_fts USING fts5(
			id UNINDEXED, agent_id UNINDEXED, content, content='memory_items', content_rowid='rowid'
		)
	`)
	return err == nil
}

// Put inserts a new memory item, assigning a UUIDv7 id and timestamps if
// unset.
func (s *ItemStore) Put(item *MemoryItem) error {
	if item.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate id: %w", err)
		}
		item.ID = id.String()
	}
	now := time.Now().UTC()
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	if item.LastAccessed.IsZero() {
		item.LastAccessed = now
	}
	if item.AccessCount < 1 {
		item.AccessCount = 1 // invariant: access_count >= 1 from the moment of creation
	}

	metaJSON, err := encodeMetadata(item.Metadata)
	if err != nil {
		return fmt.Errorf("encode memory item metadata: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO memory_items
			(id, agent_id, session_id, tier, category, content, embedding, importance, created_at, last_accessed, access_count, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, item.ID, item.AgentID, item.SessionID, string(item.Tier), item.Category, item.Content,
		encodeEmbedding(item.Embedding), item.Importance,
		item.CreatedAt.Format(time.RFC3339Nano), item.LastAccessed.Format(time.RFC3339Nano), item.AccessCount, metaJSON)
	if err != nil {
		return fmt.Errorf("put memory item: %w", err)
	}

	if s.ftsOK {
		s.db.Exec(`INSERT INTO memory_items_fts(rowid, id, agent_id, content)
			SELECT rowid, id, agent_id, content FROM memory_items WHERE id = ?`, item.ID)
	}
	return nil
}

// Get fetches a single item by id, nil if not found or soft-deleted.
func (s *ItemStore) Get(id string) (*MemoryItem, error) {
	row := s.db.QueryRow(`
		SELECT id, agent_id, session_id, tier, category, content, embedding, importance, created_at, last_accessed, access_count, metadata, deleted_at
		FROM memory_items WHERE id = ? AND deleted_at IS NULL
	`, id)
	item, err := scanItem(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return item, err
}

// UpdateAccess bumps access_count and last_accessed for an item; called
// whenever the attentional bias scorer (C4) surfaces an item in a
// response, which is what the retention gate (C3) reads back as recency.
func (s *ItemStore) UpdateAccess(id string) error {
	_, err := s.db.Exec(`
		UPDATE memory_items SET access_count = access_count + 1, last_accessed = ?
		WHERE id = ?
	`, time.Now().UTC().Format(time.RFC3339Nano), id)
	return err
}

// SetTier moves an item between tiers, e.g. episodic -> semantic on
// promotion.
func (s *ItemStore) SetTier(id string, tier Tier) error {
	_, err := s.db.Exec(`UPDATE memory_items SET tier = ? WHERE id = ?`, string(tier), id)
	return err
}

// SetImportance overwrites the importance score, used by the memory
// learner (C6) after a feedback signal.
func (s *ItemStore) SetImportance(id string, importance float64) error {
	_, err := s.db.Exec(`UPDATE memory_items SET importance = ? WHERE id = ?`, importance, id)
	return err
}

// SetAccessCount overwrites the access count, used when merging
// near-duplicate items so the survivor's count reflects both originals.
func (s *ItemStore) SetAccessCount(id string, accessCount int) error {
	_, err := s.db.Exec(`UPDATE memory_items SET access_count = ? WHERE id = ?`, accessCount, id)
	return err
}

// SetMetadata overwrites an item's metadata map, used by the feedback
// handler to set flagged/outdated markers without disturbing content.
func (s *ItemStore) SetMetadata(id string, metadata map[string]any) error {
	metaJSON, err := encodeMetadata(metadata)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`UPDATE memory_items SET metadata = ? WHERE id = ?`, metaJSON, id)
	return err
}

// Delete soft-deletes an item (retention gate ARCHIVE action, or the
// lower-ranked side of a near-duplicate merge).
func (s *ItemStore) Delete(id string) error {
	_, err := s.db.Exec(`UPDATE memory_items SET deleted_at = ? WHERE id = ?`,
		time.Now().UTC().Format(time.RFC3339Nano), id)
	return err
}

// ListByTier returns all non-deleted items for an agent in the given
// tier, oldest first.
func (s *ItemStore) ListByTier(agentID string, tier Tier) ([]*MemoryItem, error) {
	rows, err := s.db.Query(`
		SELECT id, agent_id, session_id, tier, category, content, embedding, importance, created_at, last_accessed, access_count, metadata, deleted_at
		FROM memory_items WHERE agent_id = ? AND tier = ? AND deleted_at IS NULL
		ORDER BY created_at ASC
	`, agentID, string(tier))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanItems(rows)
}

// Search performs a keyword search scoped to an agent and optional tiers,
// using FTS5 with BM25 ranking when available and a LIKE scan otherwise.
func (s *ItemStore) Search(agentID, query string, tiers []Tier, limit int) ([]*MemoryItem, error) {
	if s.ftsOK {
		items, err := s.searchFTS(agentID, query, tiers, limit)
		if err == nil {
			return items, nil
		}
		// fall through to LIKE on any FTS error (e.g. malformed query)
	}
	return s.searchLIKE(agentID, query, tiers, limit)
}

func (s *ItemStore) searchFTS(agentID, query string, tiers []Tier, limit int) ([]*MemoryItem, error) {
	q := sanitizeFTS5Query(query)
	if q == "" {
		return nil, nil
	}
	rows, err := s.db.Query(`
		SELECT m.id, m.agent_id, m.session_id, m.tier, m.category, m.content, m.embedding, m.importance, m.created_at, m.last_accessed, m.access_count, m.metadata, m.deleted_at
		FROM memory_items_fts f
		JOIN memory_items m ON m.id = f.id
		WHERE f.agent_id = ? AND memory_items_fts MATCH ? AND m.deleted_at IS NULL
		ORDER BY bm25(memory_items_fts) LIMIT ?
	`, agentID, q, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	items, err := scanItems(rows)
	if err != nil {
		return nil, err
	}
	return filterTiers(items, tiers), nil
}

func (s *ItemStore) searchLIKE(agentID, query string, tiers []Tier, limit int) ([]*MemoryItem, error) {
	rows, err := s.db.Query(`
		SELECT id, agent_id, session_id, tier, category, content, embedding, importance, created_at, last_accessed, access_count, metadata, deleted_at
		FROM memory_items WHERE agent_id = ? AND content LIKE ? AND deleted_at IS NULL
		ORDER BY created_at DESC LIMIT ?
	`, agentID, "%"+query+"%", limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	items, err := scanItems(rows)
	if err != nil {
		return nil, err
	}
	return filterTiers(items, tiers), nil
}

func filterTiers(items []*MemoryItem, tiers []Tier) []*MemoryItem {
	if len(tiers) == 0 {
		return items
	}
	allowed := make(map[Tier]bool, len(tiers))
	for _, t := range tiers {
		allowed[t] = true
	}
	out := items[:0]
	for _, it := range items {
		if allowed[it.Tier] {
			out = append(out, it)
		}
	}
	return out
}

// sanitizeFTS5Query quotes each term and ORs them together so punctuation
// in free-form user text never produces an FTS5 syntax error.
func sanitizeFTS5Query(query string) string {
	fields := strings.Fields(query)
	if len(fields) == 0 {
		return ""
	}
	quoted := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.ReplaceAll(f, `"`, `""`)
		quoted = append(quoted, `"`+f+`"`)
	}
	return strings.Join(quoted, " OR ")
}

// VectorSearch ranks candidates by cosine similarity to queryEmbedding.
// It loads the full per-tier working set rather than delegating to a
// dedicated ANN index; at the item counts a single agent accumulates
// this is fast enough, and it keeps the store dependency-free for
// agents that never configure embeddings.
func (s *ItemStore) VectorSearch(agentID string, tiers []Tier, queryEmbedding []float32, topK int) ([]*MemoryItem, error) {
	var all []*MemoryItem
	for _, t := range tiers {
		items, err := s.ListByTier(agentID, t)
		if err != nil {
			return nil, err
		}
		all = append(all, items...)
	}

	type scored struct {
		item  *MemoryItem
		score float64
	}
	ranked := make([]scored, 0, len(all))
	for _, it := range all {
		if len(it.Embedding) == 0 {
			continue
		}
		ranked = append(ranked, scored{it, cosineSimilarity(queryEmbedding, it.Embedding)})
	}

	// Selection sort for the top K; item counts per agent are small
	// enough that a full sort isn't worth the extra allocation.
	for i := 0; i < len(ranked) && i < topK; i++ {
		best := i
		for j := i + 1; j < len(ranked); j++ {
			if ranked[j].score > ranked[best].score {
				best = j
			}
		}
		ranked[i], ranked[best] = ranked[best], ranked[i]
	}
	if topK > len(ranked) {
		topK = len(ranked)
	}
	out := make([]*MemoryItem, topK)
	for i := 0; i < topK; i++ {
		out[i] = ranked[i].item
	}
	return out, nil
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

func encodeEmbedding(v []float32) []byte {
	if len(v) == 0 {
		return nil
	}
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeEmbedding(b []byte) []float32 {
	if len(b) == 0 {
		return nil
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}

type scanner interface {
	Scan(dest ...any) error
}

func scanItem(row scanner) (*MemoryItem, error) {
	var it MemoryItem
	var tier, createdAt, lastAccessed string
	var embBytes []byte
	var metaStr sql.NullString
	var deletedAt sql.NullString

	if err := row.Scan(&it.ID, &it.AgentID, &it.SessionID, &tier, &it.Category, &it.Content,
		&embBytes, &it.Importance, &createdAt, &lastAccessed, &it.AccessCount, &metaStr, &deletedAt); err != nil {
		return nil, err
	}
	it.Tier = Tier(tier)
	it.Embedding = decodeEmbedding(embBytes)
	it.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	it.LastAccessed, _ = time.Parse(time.RFC3339Nano, lastAccessed)
	it.Metadata = decodeMetadata(metaStr)
	if deletedAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, deletedAt.String)
		it.DeletedAt = &t
	}
	return &it, nil
}

// encodeMetadata serializes a memory item's metadata map to JSON for
// storage; a nil map encodes as an empty object so decodeMetadata always
// has something to unmarshal.
func encodeMetadata(m map[string]any) (string, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeMetadata(s sql.NullString) map[string]any {
	if !s.Valid || s.String == "" {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s.String), &m); err != nil {
		return map[string]any{}
	}
	return m
}

func scanItems(rows *sql.Rows) ([]*MemoryItem, error) {
	var out []*MemoryItem
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}
