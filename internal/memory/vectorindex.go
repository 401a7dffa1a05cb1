package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/philippgille/chromem-go"
)

// VectorIndex is an optional approximate-nearest-neighbor shortlist in
// front of the item store's brute-force cosine scan. When configured,
// Engine.Search queries it for candidate IDs before scoring instead of
// pulling every row in a tier via ListByTier. Agents that never enable
// embeddings pay nothing: Engine's vectorIndex field stays nil and
// Search falls back to the original full-tier scan.
//
// One chromem-go collection per agent keeps agents from bleeding into
// each other's neighbor lists; embeddings are supplied pre-computed by
// the caller, so the collection's own EmbeddingFunc is never invoked.
type VectorIndex struct {
	db *chromem.DB

	mu          sync.RWMutex
	collections map[string]*chromem.Collection
}

// NewVectorIndex opens (or creates) a chromem-go database. persistPath
// empty means in-memory only, lost on restart; non-empty makes it a
// chromem-go persistence directory holding gzip-compressed documents,
// loaded back when the index is opened again.
func NewVectorIndex(persistPath string) (*VectorIndex, error) {
	var db *chromem.DB
	if persistPath != "" {
		loaded, err := chromem.NewPersistentDB(persistPath, true)
		if err != nil {
			return nil, fmt.Errorf("open persistent vector index at %s: %w", persistPath, err)
		}
		db = loaded
	} else {
		db = chromem.NewDB()
	}

	return &VectorIndex{
		db:          db,
		collections: make(map[string]*chromem.Collection),
	}, nil
}

func noEmbed(_ context.Context, _ string) ([]float32, error) {
	return nil, fmt.Errorf("vector index embedding func invoked: embeddings must be precomputed")
}

func (v *VectorIndex) collection(agentID string) (*chromem.Collection, error) {
	v.mu.RLock()
	col, ok := v.collections[agentID]
	v.mu.RUnlock()
	if ok {
		return col, nil
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if col, ok := v.collections[agentID]; ok {
		return col, nil
	}
	col, err := v.db.GetOrCreateCollection(agentID, nil, noEmbed)
	if err != nil {
		return nil, fmt.Errorf("get/create vector collection for agent %s: %w", agentID, err)
	}
	v.collections[agentID] = col
	return col, nil
}

// Upsert indexes item's embedding under its own ID and tier, keyed to
// item.AgentID's collection. No-op when the item carries no embedding.
func (v *VectorIndex) Upsert(ctx context.Context, item *MemoryItem) error {
	if len(item.Embedding) == 0 {
		return nil
	}
	col, err := v.collection(item.AgentID)
	if err != nil {
		return err
	}
	doc := chromem.Document{
		ID:      item.ID,
		Content: item.Content,
		Metadata: map[string]string{
			"tier": string(item.Tier),
		},
		Embedding: item.Embedding,
	}
	if err := col.AddDocuments(ctx, []chromem.Document{doc}, 1); err != nil {
		return fmt.Errorf("index memory item %s: %w", item.ID, err)
	}
	return nil
}

// Search returns the IDs of the topK items in agentID's collection
// whose embeddings are nearest queryEmbedding, nearest first. Returns
// fewer than topK (or none) when the collection has fewer documents:
// topK is capped at the collection's document count before querying.
func (v *VectorIndex) Search(ctx context.Context, agentID string, queryEmbedding []float32, topK int) ([]string, error) {
	col, err := v.collection(agentID)
	if err != nil {
		return nil, err
	}
	n := col.Count()
	if n == 0 {
		return nil, nil
	}
	if topK > n {
		topK = n
	}
	results, err := col.QueryEmbedding(ctx, queryEmbedding, topK, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("query vector index for agent %s: %w", agentID, err)
	}
	ids := make([]string, 0, len(results))
	for _, r := range results {
		ids = append(ids, r.ID)
	}
	return ids, nil
}

// Delete removes itemID from agentID's collection. Safe to call even
// when the item was never indexed (no embedding at Store time).
func (v *VectorIndex) Delete(ctx context.Context, agentID, itemID string) error {
	col, err := v.collection(agentID)
	if err != nil {
		return err
	}
	if err := col.Delete(ctx, nil, nil, itemID); err != nil {
		return fmt.Errorf("delete memory item %s from vector index: %w", itemID, err)
	}
	return nil
}
