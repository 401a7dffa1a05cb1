package memory

import (
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"
)

func newTestAssociationStore(t *testing.T) (*AssociationStore, *ItemStore) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "assoc.db")
	db, err := sql.Open("sqlite3", dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	items, err := NewItemStore(db)
	require.NoError(t, err)

	assoc, err := NewAssociationStore(db, 0.1, 30)
	require.NoError(t, err)
	return assoc, items
}

func TestAssociationStore_ReinforceStrengthensSymmetrically(t *testing.T) {
	assoc, _ := newTestAssociationStore(t)
	now := time.Now().UTC()

	require.NoError(t, assoc.Reinforce([]string{"a", "b"}, now))

	forward, err := assoc.GetAssociated("a", 10, 0)
	require.NoError(t, err)
	backward, err := assoc.GetAssociated("b", 10, 0)
	require.NoError(t, err)

	require.Equal(t, []string{"b"}, forward)
	require.Equal(t, []string{"a"}, backward)
}

func TestAssociationStore_ReinforceGrowsMonotonically(t *testing.T) {
	assoc, _ := newTestAssociationStore(t)
	now := time.Now().UTC()

	require.NoError(t, assoc.Reinforce([]string{"a", "b"}, now))
	first := strengthOf(t, assoc, "a")

	require.NoError(t, assoc.Reinforce([]string{"a", "b"}, now))
	second := strengthOf(t, assoc, "a")

	require.Greater(t, second, first)
	require.LessOrEqual(t, second, 1.0)
}

func TestAssociationStore_GetAssociatedRespectsK(t *testing.T) {
	assoc, _ := newTestAssociationStore(t)
	now := time.Now().UTC()

	require.NoError(t, assoc.Reinforce([]string{"center", "n1", "n2", "n3"}, now))

	top, err := assoc.GetAssociated("center", 2, 0)
	require.NoError(t, err)
	require.Len(t, top, 2)
}

func TestAssociationStore_GetAssociatedFiltersByMinStrength(t *testing.T) {
	assoc, _ := newTestAssociationStore(t)
	now := time.Now().UTC()

	require.NoError(t, assoc.Reinforce([]string{"a", "b"}, now))

	none, err := assoc.GetAssociated("a", 10, 0.99)
	require.NoError(t, err)
	require.Empty(t, none)
}

func TestApplyFeedback_IncorrectFlagsAndLowersImportance(t *testing.T) {
	_, items := newTestAssociationStore(t)
	item := &MemoryItem{AgentID: "agent-1", Tier: TierEpisodic, Content: "some fact", Importance: 5}
	require.NoError(t, items.Put(item))

	flagged, outdated, err := ApplyFeedback(items, item.ID, FeedbackIncorrect)
	require.NoError(t, err)
	require.True(t, flagged)
	require.False(t, outdated)

	updated, err := items.Get(item.ID)
	require.NoError(t, err)
	require.Equal(t, 4.0, updated.Importance)
	require.Equal(t, true, updated.Metadata["flagged"])
}

func TestApplyFeedback_HelpfulRaisesImportanceAndClampsAtTen(t *testing.T) {
	_, items := newTestAssociationStore(t)
	item := &MemoryItem{AgentID: "agent-1", Tier: TierEpisodic, Content: "some fact", Importance: 9.8}
	require.NoError(t, items.Put(item))

	_, _, err := ApplyFeedback(items, item.ID, FeedbackHelpful)
	require.NoError(t, err)

	updated, err := items.Get(item.ID)
	require.NoError(t, err)
	require.Equal(t, 10.0, updated.Importance)
}

func strengthOf(t *testing.T, assoc *AssociationStore, id string) float64 {
	t.Helper()
	a, b := pairKey(id, "b")
	if id == "b" {
		a, b = pairKey("a", id)
	}
	var strength float64
	err := assoc.db.QueryRow(`SELECT strength FROM memory_associations WHERE item_a = ? AND item_b = ?`, a, b).Scan(&strength)
	require.NoError(t, err)
	return strength
}
