package memory

import (
	"database/sql"
	"math"
	"time"
)

// Feedback is the signal record_feedback (or an external endpoint) uses
// to adjust an item's importance.
type Feedback string

const (
	FeedbackHelpful    Feedback = "HELPFUL"
	FeedbackNotHelpful Feedback = "NOT_HELPFUL"
	FeedbackIncorrect  Feedback = "INCORRECT"
	FeedbackOutdated   Feedback = "OUTDATED"
	FeedbackRedundant  Feedback = "REDUNDANT"
)

var feedbackDelta = map[Feedback]float64{
	FeedbackHelpful:    0.5,
	FeedbackNotHelpful: -0.2,
	FeedbackIncorrect:  -1.0,
	FeedbackOutdated:   -0.2,
	FeedbackRedundant:  -0.2,
}

// AssociationStore maintains the undirected Hebbian association graph
// between memory items: pairs that get recalled together in the same
// turn strengthen, and all edges decay slowly when touched.
type AssociationStore struct {
	db     *sql.DB
	eta    float64
	lambda float64 // days
}

func NewAssociationStore(db *sql.DB, eta, lambdaDays float64) (*AssociationStore, error) {
	s := &AssociationStore{db: db, eta: eta, lambda: lambdaDays}
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS memory_associations (
			item_a     TEXT NOT NULL,
			item_b     TEXT NOT NULL,
			strength   REAL NOT NULL DEFAULT 0,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (item_a, item_b)
		)
	`)
	return s, err
}

// pairKey orders two ids so (a,b) and (b,a) hit the same row.
func pairKey(a, b string) (string, string) {
	if a <= b {
		return a, b
	}
	return b, a
}

// Reinforce strengthens the association between every pair in items,
// called when a turn references more than one recalled item together.
func (s *AssociationStore) Reinforce(items []string, now time.Time) error {
	for i := 0; i < len(items); i++ {
		for j := i + 1; j < len(items); j++ {
			a, b := pairKey(items[i], items[j])
			if err := s.touch(a, b, now, true); err != nil {
				return err
			}
		}
	}
	return nil
}

// touch applies decay since the last update and then, if reinforce is
// true, the Hebbian strengthening step.
func (s *AssociationStore) touch(a, b string, now time.Time, reinforce bool) error {
	var strength float64
	var updatedAtStr string
	err := s.db.QueryRow(`SELECT strength, updated_at FROM memory_associations WHERE item_a = ? AND item_b = ?`, a, b).
		Scan(&strength, &updatedAtStr)

	switch {
	case err == sql.ErrNoRows:
		strength = 0
	case err != nil:
		return err
	default:
		updatedAt, _ := time.Parse(time.RFC3339Nano, updatedAtStr)
		deltaDays := now.Sub(updatedAt).Hours() / 24
		strength = strength * math.Exp(-deltaDays/s.lambda)
	}

	if reinforce {
		strength = math.Min(1, strength+s.eta*(1-strength))
	}

	_, err = s.db.Exec(`
		INSERT INTO memory_associations (item_a, item_b, strength, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(item_a, item_b) DO UPDATE SET strength = excluded.strength, updated_at = excluded.updated_at
	`, a, b, strength, now.Format(time.RFC3339Nano))
	return err
}

// DefaultMinAssociationStrength is the floor GetAssociated applies when
// the caller doesn't override it (§4.6: "filtered by a minimum threshold,
// default 0.15").
const DefaultMinAssociationStrength = 0.15

// GetAssociated returns the top-k item ids associated with itemID at or
// above minStrength, strongest first, per C6's get_associated(item_id, k).
func (s *AssociationStore) GetAssociated(itemID string, k int, minStrength float64) ([]string, error) {
	rows, err := s.db.Query(`
		SELECT CASE WHEN item_a = ? THEN item_b ELSE item_a END AS other, strength
		FROM memory_associations
		WHERE (item_a = ? OR item_b = ?) AND strength >= ?
		ORDER BY strength DESC
		LIMIT ?
	`, itemID, itemID, itemID, minStrength, k)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var other string
		var strength float64
		if err := rows.Scan(&other, &strength); err != nil {
			return nil, err
		}
		out = append(out, other)
	}
	return out, rows.Err()
}

// ApplyFeedback adjusts an item's importance per the feedback table and
// returns the resulting flags to apply to the item's metadata, if any.
func ApplyFeedback(store *ItemStore, itemID string, fb Feedback) (flagged, outdated bool, err error) {
	item, err := store.Get(itemID)
	if err != nil || item == nil {
		return false, false, err
	}
	delta, ok := feedbackDelta[fb]
	if !ok {
		return false, false, nil
	}
	newImportance := item.Importance + delta
	if newImportance < 0 {
		newImportance = 0
	}
	if newImportance > 10 {
		newImportance = 10
	}
	if err := store.SetImportance(itemID, newImportance); err != nil {
		return false, false, err
	}

	flagged = fb == FeedbackIncorrect
	outdated = fb == FeedbackOutdated
	if flagged || outdated {
		if item.Metadata == nil {
			item.Metadata = map[string]any{}
		}
		if flagged {
			item.Metadata["flagged"] = true
		}
		if outdated {
			item.Metadata["outdated"] = true
		}
		if err := store.SetMetadata(itemID, item.Metadata); err != nil {
			return flagged, outdated, err
		}
	}
	return flagged, outdated, nil
}
