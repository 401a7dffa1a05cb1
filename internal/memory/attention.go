package memory

import (
	"math"
	"strings"
	"time"

	"github.com/nugget/agentd/internal/config"
)

// AttentionMode selects which weight row the bias scorer applies.
type AttentionMode string

const (
	ModeStandard         AttentionMode = "STANDARD"
	ModeSemanticHeavy    AttentionMode = "SEMANTIC_HEAVY"
	ModeTemporalHeavy    AttentionMode = "TEMPORAL_HEAVY"
	ModeImportanceHeavy  AttentionMode = "IMPORTANCE_HEAVY"
	ModeEmotional        AttentionMode = "EMOTIONAL"
)

// categoryAffinity gives each mode's per-category factor. Categories not
// listed default to 0.5 — a neutral middle value rather than 0, so an
// uncategorized item is never automatically excluded by the category term.
var categoryAffinity = map[AttentionMode]map[string]float64{
	ModeStandard: {
		"relationship_moment": 0.7, "emotion": 0.6, "insight": 0.7,
		"preference": 0.6, "fact": 0.6, "event": 0.5,
	},
	ModeSemanticHeavy: {
		"relationship_moment": 0.5, "emotion": 0.4, "insight": 0.8,
		"preference": 0.5, "fact": 0.7, "event": 0.4,
	},
	ModeTemporalHeavy: {
		"relationship_moment": 0.6, "emotion": 0.5, "insight": 0.4,
		"preference": 0.3, "fact": 0.4, "event": 0.9,
	},
	ModeImportanceHeavy: {
		"relationship_moment": 0.8, "emotion": 0.6, "insight": 0.9,
		"preference": 0.5, "fact": 0.6, "event": 0.4,
	},
	ModeEmotional: {
		"relationship_moment": 0.95, "emotion": 0.95, "insight": 0.4,
		"preference": 0.5, "fact": 0.3, "event": 0.4,
	},
}

var temporalKeywords = []string{"when", "last time", "yesterday", "earlier", "before", "wann", "letztes mal"}
var emotionalKeywords = []string{"feel", "feeling", "felt", "upset", "happy", "sad", "angry", "worried", "anxious", "excited"}
var superlativeKeywords = []string{"most", "best", "worst", "critical", "important", "urgent", "never", "always"}

// AnalyzeQuery picks an attention mode from the query text. Keyword
// classes are checked in order of specificity: temporal first (it is
// the narrowest signal), then emotional, then superlative/critical
// markers, defaulting to STANDARD.
func AnalyzeQuery(query string) AttentionMode {
	q := strings.ToLower(query)
	for _, kw := range temporalKeywords {
		if strings.Contains(q, kw) {
			return ModeTemporalHeavy
		}
	}
	for _, kw := range emotionalKeywords {
		if strings.Contains(q, kw) {
			return ModeEmotional
		}
	}
	for _, kw := range superlativeKeywords {
		if strings.Contains(q, kw) {
			return ModeImportanceHeavy
		}
	}
	return ModeStandard
}

// AttentionScorer computes the C4 relevance score for (query, item) pairs.
type AttentionScorer struct {
	cfg config.AttentionConfig
}

func NewAttentionScorer(cfg config.AttentionConfig) *AttentionScorer {
	return &AttentionScorer{cfg: cfg}
}

// Score returns a relevance score in [0,1] for item against queryEmbedding
// under the given mode, as of now.
func (s *AttentionScorer) Score(item *MemoryItem, queryEmbedding []float32, mode AttentionMode, now time.Time) float64 {
	w, ok := s.cfg.Modes[string(mode)]
	if !ok {
		w = s.cfg.Modes[string(ModeStandard)]
	}

	semantic := 0.0
	if len(queryEmbedding) > 0 && len(item.Embedding) > 0 {
		semantic = cosineSimilarity(queryEmbedding, item.Embedding)
	}

	ageHours := now.Sub(item.CreatedAt).Hours()
	temporal := math.Exp(-ageHours / nonZero(w.TauHours))

	importance := item.Importance / 10

	hoursSinceAccess := now.Sub(item.LastAccessed).Hours()
	access := math.Exp(-hoursSinceAccess / nonZero(w.SigmaHours))

	category := 0.5
	if affinity, ok := categoryAffinity[mode]; ok {
		if v, ok := affinity[item.Category]; ok {
			category = v
		}
	}

	return w.Semantic*semantic + w.Temporal*temporal + w.Importance*importance + w.Access*access + w.Category*category
}

func nonZero(v float64) float64 {
	if v == 0 {
		return 1
	}
	return v
}
