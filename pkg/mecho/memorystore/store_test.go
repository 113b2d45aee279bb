package memorystore

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "mecho.db")
	s, err := Open(dbPath, "m1", nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func upsertCurated(t *testing.T, s *Store, memoryID, name, description, detail string) int64 {
	t.Helper()
	var rev int64
	err := s.WithTx(func(tx *Tx) error {
		if err := tx.UpsertCurated(memoryID, name, description, detail); err != nil {
			return err
		}
		r, err := tx.BumpRevision()
		if err != nil {
			return err
		}
		rev = r
		return tx.InsertEvent(rev, EventCuratedUpsert, memoryID, map[string]string{"name": name})
	})
	require.NoError(t, err)
	return rev
}

func deleteCurated(t *testing.T, s *Store, memoryID string) int64 {
	t.Helper()
	var rev int64
	err := s.WithTx(func(tx *Tx) error {
		if err := tx.SoftDeleteCurated(memoryID); err != nil {
			return err
		}
		r, err := tx.BumpRevision()
		if err != nil {
			return err
		}
		rev = r
		return tx.InsertEvent(rev, EventCuratedDelete, memoryID, nil)
	})
	require.NoError(t, err)
	return rev
}

func TestRevisionEqualsMaxEventRev(t *testing.T) {
	s := newTestStore(t)
	upsertCurated(t, s, "c1", "N1", "D1", "T1")
	upsertCurated(t, s, "c2", "N2", "D2", "T2")
	deleteCurated(t, s, "c1")

	rev, err := s.GetCurrentRevision()
	require.NoError(t, err)
	require.EqualValues(t, 3, rev)

	events, err := s.ListMemoryEventsInRange(0, rev)
	require.NoError(t, err)
	require.Len(t, events, 3)
	require.EqualValues(t, 3, events[len(events)-1].Rev)
}

func TestSoftDeleteHidesFromListButEventLogSeesIt(t *testing.T) {
	s := newTestStore(t)
	upsertCurated(t, s, "c1", "N1", "D1", "T1")
	deleteCurated(t, s, "c1")

	list, err := s.ListCurated()
	require.NoError(t, err)
	require.Empty(t, list)

	c, ok, err := s.GetCurated("c1")
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, c.IsDeleted)
}

func TestAckPrepareTurnIdempotent(t *testing.T) {
	s := newTestStore(t)
	upsertCurated(t, s, "c1", "N1", "D1", "T1")

	pt, err := s.CreatePrepareTurn("p1", "m1:primary:u:c", 0, 1, "full")
	require.NoError(t, err)
	require.EqualValues(t, 1, pt.ToRevision)

	changed, err := s.AckPrepareTurn("p1", "success", time.Now())
	require.NoError(t, err)
	require.True(t, changed)

	rev, err := s.GetLastAckedRevision("m1:primary:u:c")
	require.NoError(t, err)
	require.EqualValues(t, 1, rev)

	changed, err = s.AckPrepareTurn("p1", "success", time.Now())
	require.NoError(t, err)
	require.False(t, changed)
}

func TestAckFailedDoesNotAdvanceRevision(t *testing.T) {
	s := newTestStore(t)
	upsertCurated(t, s, "c1", "N1", "D1", "T1")
	_, err := s.CreatePrepareTurn("p2", "m1:primary:u:c", 0, 1, "full")
	require.NoError(t, err)

	changed, err := s.AckPrepareTurn("p2", "failed", time.Now())
	require.NoError(t, err)
	require.True(t, changed)

	rev, err := s.GetLastAckedRevision("m1:primary:u:c")
	require.NoError(t, err)
	require.EqualValues(t, 0, rev)
}

func TestValidateCuratedBoundary(t *testing.T) {
	require.NoError(t, ValidateCurated(string(make([]byte, 500)), ""))
	require.Error(t, ValidateCurated(string(make([]byte, 501)), ""))
}
