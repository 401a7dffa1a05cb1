package memory

import (
	"math"
	"time"

	"github.com/nugget/agentd/internal/config"
)

// RetentionAction is the outcome of scoring a single memory item through
// the retention gate.
type RetentionAction string

const (
	ActionBoost      RetentionAction = "BOOST"
	ActionKeep       RetentionAction = "KEEP"
	ActionConsolidate RetentionAction = "CONSOLIDATE"
	ActionDecay      RetentionAction = "DECAY"
	ActionArchive    RetentionAction = "ARCHIVE"
)

// RetentionGate scores items for the periodic episodic sweep (C5's
// consolidate step b).
type RetentionGate struct {
	cfg config.RetentionConfig
}

func NewRetentionGate(cfg config.RetentionConfig) *RetentionGate {
	return &RetentionGate{cfg: cfg}
}

// Score computes r ∈ [0,1] for item as of now.
func (g *RetentionGate) Score(item *MemoryItem, now time.Time) float64 {
	imp := item.Importance / 10
	acc := math.Min(1, math.Log(float64(item.AccessCount)+1)/5)
	ageDays := now.Sub(item.CreatedAt).Hours() / 24
	temp := math.Pow(g.cfg.DecayBase, ageDays)
	boost := g.cfg.CategoryBoost[item.Category]
	if boost == 0 {
		boost = 1.0
	}

	r := (g.cfg.ImportanceWeight*imp + g.cfg.AccessWeight*acc + g.cfg.TemporalWeight*temp + g.cfg.BaseConstant) * boost
	return clamp01(r)
}

// Action maps a score to a retention action per the configured
// thresholds, ties broken toward the stronger action.
func (g *RetentionGate) Action(score float64) RetentionAction {
	switch {
	case score >= g.cfg.BoostThreshold:
		return ActionBoost
	case score >= g.cfg.KeepThreshold:
		return ActionKeep
	case score >= g.cfg.ConsolidateThreshold:
		return ActionConsolidate
	case score >= g.cfg.DecayThreshold:
		return ActionDecay
	default:
		return ActionArchive
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
