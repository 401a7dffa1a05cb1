package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/nugget/agentd/internal/config"
)

// ScoredItem pairs a memory item with its C4 relevance score for a
// particular search.
type ScoredItem struct {
	Item  *MemoryItem
	Score float64
	Tier  Tier
}

// workingSlot is an in-process, non-durable working-tier entry. The
// working tier exists to give the current session a fast recall
// surface; nothing here survives a restart, which is the point — the
// episodic tier is where durability starts.
type workingSlot struct {
	item     *MemoryItem
	lastUsed time.Time
}

// Engine orchestrates the three memory tiers (C5), routing writes by
// importance/category, serving attention-ranked search across all
// three, and running the periodic consolidation sweep.
type Engine struct {
	items  *ItemStore
	assoc  *AssociationStore
	gate   *RetentionGate
	scorer *AttentionScorer
	cfg    config.MemoryConfig

	working    map[string][]*workingSlot // agentID -> LRU-ordered slots
	workingCap int

	// vectorIndex is an optional ANN shortlist (chromem-go backed). Nil
	// unless SetVectorIndex is called, which only happens when the
	// deployment has embeddings enabled; Search falls back to a full
	// ListByTier scan when it's nil.
	vectorIndex *VectorIndex

	// embedder is the optional client that turns item content and search
	// queries into vectors. Nil unless SetEmbedder is called; Store and
	// Search both degrade gracefully to keyword/recency scoring without
	// one, matching VectorSearch's existing "pay nothing if you never
	// configure embeddings" posture.
	embedder Embedder
}

// Embedder turns text into an embedding vector. Satisfied by
// *embeddings.Client; kept as a narrow interface here so this package
// doesn't import the HTTP client package it has no other reason to need.
type Embedder interface {
	Generate(ctx context.Context, text string) ([]float32, error)
}

// SetVectorIndex attaches an ANN shortlist for Search to consult ahead
// of its brute-force tier scan. Pass nil to disable it again.
func (e *Engine) SetVectorIndex(idx *VectorIndex) {
	e.vectorIndex = idx
}

// SetEmbedder attaches the embedding client Store and Search use to
// vectorize content and queries that arrive without a precomputed
// embedding. Pass nil to disable it again.
func (e *Engine) SetEmbedder(embedder Embedder) {
	e.embedder = embedder
}

// Items exposes the underlying item store for callers that need direct
// access beyond Store/Search/Consolidate, such as the record_feedback
// tool applying a feedback delta to a single item by id.
func (e *Engine) Items() *ItemStore { return e.items }

// GetAssociated returns the top-k items (C6's get_associated) associated
// with itemID at or above the default minimum strength.
func (e *Engine) GetAssociated(itemID string, k int) ([]*MemoryItem, error) {
	if e.assoc == nil {
		return nil, nil
	}
	ids, err := e.assoc.GetAssociated(itemID, k, DefaultMinAssociationStrength)
	if err != nil {
		return nil, err
	}
	out := make([]*MemoryItem, 0, len(ids))
	for _, id := range ids {
		it, err := e.items.Get(id)
		if err != nil {
			return nil, err
		}
		if it != nil {
			out = append(out, it)
		}
	}
	return out, nil
}

func NewEngine(items *ItemStore, assoc *AssociationStore, memCfg config.MemoryConfig, retCfg config.RetentionConfig, attnCfg config.AttentionConfig) *Engine {
	cap := memCfg.WorkingCapacity
	if cap <= 0 {
		cap = 100
	}
	return &Engine{
		items:      items,
		assoc:      assoc,
		gate:       NewRetentionGate(retCfg),
		scorer:     NewAttentionScorer(attnCfg),
		cfg:        memCfg,
		working:    make(map[string][]*workingSlot),
		workingCap: cap,
	}
}

// Store routes a new item by (importance, category) per §4.5: always
// written to working; importance >= 8 with category in
// {insight, relationship_moment} goes straight to semantic; importance
// >= 5 also lands in episodic.
func (e *Engine) Store(ctx context.Context, item *MemoryItem) error {
	item.Tier = TierEpisodic // default persisted tier; overridden below
	if item.Importance >= e.cfg.SemanticMinImportance && (item.Category == "insight" || item.Category == "relationship_moment") {
		item.Tier = TierSemantic
	} else if item.Importance < e.cfg.EpisodicMinImportance {
		// Below the episodic floor: keep it working-only, no persisted row.
		e.pushWorking(item)
		return nil
	}

	if len(item.Embedding) == 0 && e.embedder != nil && item.Content != "" {
		emb, err := e.embedder.Generate(ctx, item.Content)
		if err != nil {
			return fmt.Errorf("embed memory item: %w", err)
		}
		item.Embedding = emb
	}

	if err := e.items.Put(item); err != nil {
		return err
	}
	e.pushWorking(item)

	if e.vectorIndex != nil {
		if err := e.vectorIndex.Upsert(ctx, item); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) pushWorking(item *MemoryItem) {
	slots := e.working[item.AgentID]
	slots = append(slots, &workingSlot{item: item, lastUsed: time.Now().UTC()})
	if len(slots) > e.workingCap {
		slots = slots[len(slots)-e.workingCap:] // LRU eviction: drop oldest
	}
	e.working[item.AgentID] = slots
}

// Search retrieves candidates from working ∪ episodic ∪ semantic
// (working limited to the current session), scores them via C4, and
// returns the top-k with tier tags. If mode is empty, it is chosen by
// AnalyzeQuery.
func (e *Engine) Search(ctx context.Context, agentID, sessionID, query string, queryEmbedding []float32, k int, mode AttentionMode) ([]ScoredItem, error) {
	if mode == "" {
		mode = AnalyzeQuery(query)
	}
	if len(queryEmbedding) == 0 && e.embedder != nil && query != "" {
		emb, err := e.embedder.Generate(ctx, query)
		if err != nil {
			return nil, fmt.Errorf("embed search query: %w", err)
		}
		queryEmbedding = emb
	}
	now := time.Now().UTC()

	var candidates []ScoredItem
	for _, slot := range e.working[agentID] {
		if slot.item.SessionID != "" && slot.item.SessionID != sessionID {
			continue
		}
		candidates = append(candidates, ScoredItem{Item: slot.item, Tier: TierWorking})
	}

	if e.vectorIndex != nil && len(queryEmbedding) > 0 {
		// ANN shortlist: ask chromem-go for the nearest neighbors instead
		// of pulling every row in the tier, then hydrate and score only
		// those. Overfetch a little since the shortlist spans both
		// persisted tiers and the scorer still re-ranks by recency/
		// importance/mode, not similarity alone.
		ids, err := e.vectorIndex.Search(ctx, agentID, queryEmbedding, k*3+10)
		if err != nil {
			return nil, err
		}
		seen := make(map[string]bool, len(ids))
		for _, id := range ids {
			if seen[id] {
				continue
			}
			seen[id] = true
			it, err := e.items.Get(id)
			if err != nil {
				return nil, err
			}
			if it == nil {
				continue
			}
			candidates = append(candidates, ScoredItem{Item: it, Tier: it.Tier})
		}
	} else {
		for _, tier := range []Tier{TierEpisodic, TierSemantic} {
			items, err := e.items.ListByTier(agentID, tier)
			if err != nil {
				return nil, err
			}
			for _, it := range items {
				candidates = append(candidates, ScoredItem{Item: it, Tier: tier})
			}
		}
	}

	for i := range candidates {
		candidates[i].Score = e.scorer.Score(candidates[i].Item, queryEmbedding, mode, now)
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Score > candidates[j].Score })
	if k < len(candidates) {
		candidates = candidates[:k]
	}

	var touched []string
	for _, c := range candidates {
		if c.Item.ID != "" {
			touched = append(touched, c.Item.ID)
			e.items.UpdateAccess(c.Item.ID)
		}
	}
	if e.assoc != nil && len(touched) > 1 {
		e.assoc.Reinforce(touched, now)
	}

	return candidates, nil
}

// ConsolidationResult summarizes one consolidate() pass for logging and
// for the KindMemoryConsolidated event.
type ConsolidationResult struct {
	PromotedToEpisodic int
	PromotedToSemantic int
	Decayed            int
	Archived           int
	Merged             int
}

// Consolidate runs the full §4.5 consolidation step: promote reinforced
// working items into episodic, run the retention gate over episodic,
// promote high-importance/high-access episodic items into semantic, and
// merge near-duplicates. promoteSemantic gates step (c): the reasoning
// loop runs episodic consolidation every 10 turns but semantic
// promotion only every 100, per the §4.5 frequency policy.
func (e *Engine) Consolidate(agentID string, promoteSemantic bool) (*ConsolidationResult, error) {
	result := &ConsolidationResult{}
	now := time.Now().UTC()

	// (a) promote reinforced working items: anything accessed more than
	// once since entering working memory graduates to episodic.
	for _, slot := range e.working[agentID] {
		if slot.item.AccessCount > 1 && slot.item.Tier == TierWorking {
			slot.item.Tier = TierEpisodic
			if err := e.items.Put(slot.item); err != nil {
				return result, err
			}
			result.PromotedToEpisodic++
		}
	}

	// (b) retention gate over episodic.
	episodic, err := e.items.ListByTier(agentID, TierEpisodic)
	if err != nil {
		return result, err
	}
	for _, it := range episodic {
		score := e.gate.Score(it, now)
		switch e.gate.Action(score) {
		case ActionDecay:
			e.items.SetImportance(it.ID, maxF(0, it.Importance-1))
			result.Decayed++
		case ActionArchive:
			e.items.Delete(it.ID)
			result.Archived++
		}
	}

	// (c) promote high importance + high access frequency into semantic,
	// gated to the 100-turn cadence.
	if promoteSemantic {
		for _, it := range episodic {
			if it.Importance >= e.cfg.SemanticMinImportance && it.AccessCount >= 3 {
				if err := e.items.SetTier(it.ID, TierSemantic); err != nil {
					return result, err
				}
				result.PromotedToSemantic++
			}
		}
	}

	// (d) merge near-duplicates (cosine >= threshold) within episodic+semantic.
	merged, err := e.mergeDuplicates(agentID)
	if err != nil {
		return result, err
	}
	result.Merged = merged

	return result, nil
}

func (e *Engine) mergeDuplicates(agentID string) (int, error) {
	var all []*MemoryItem
	for _, t := range []Tier{TierEpisodic, TierSemantic} {
		items, err := e.items.ListByTier(agentID, t)
		if err != nil {
			return 0, err
		}
		all = append(all, items...)
	}

	merged := 0
	seen := map[string]bool{}
	for i := 0; i < len(all); i++ {
		if seen[all[i].ID] || len(all[i].Embedding) == 0 {
			continue
		}
		for j := i + 1; j < len(all); j++ {
			if seen[all[j].ID] || len(all[j].Embedding) == 0 {
				continue
			}
			if cosineSimilarity(all[i].Embedding, all[j].Embedding) >= e.cfg.DuplicateCosineThreshold {
				winner, loser := all[i], all[j]
				if loser.Importance > winner.Importance {
					winner, loser = loser, winner
				}
				if err := e.items.SetImportance(winner.ID, maxF(winner.Importance, loser.Importance)); err != nil {
					return merged, err
				}
				if err := e.items.SetAccessCount(winner.ID, winner.AccessCount+loser.AccessCount); err != nil {
					return merged, err
				}
				if err := e.items.Delete(loser.ID); err != nil {
					return merged, err
				}
				seen[loser.ID] = true
				merged++
			}
		}
	}
	return merged, nil
}

func maxF(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
