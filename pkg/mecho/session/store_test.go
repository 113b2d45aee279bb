package session

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "sessions.db")
	s, err := Open(dbPath, nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveAndGetSession(t *testing.T) {
	s := newTestStore(t)

	_, ok, err := s.GetSession("u1", "c1", "primary")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.SaveSession("u1", "c1", "primary", "sess-1"))
	id, ok, err := s.GetSession("u1", "c1", "primary")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "sess-1", id)
}

func TestSaveSessionPreservesCreatedAt(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.SaveSession("u1", "c1", "primary", "sess-1"))

	sessions, err := s.ListSessions("")
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	firstCreated := sessions[0].CreatedAt

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, s.SaveSession("u1", "c1", "primary", "sess-2"))

	sessions, err = s.ListSessions("")
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	require.Equal(t, firstCreated.Unix(), sessions[0].CreatedAt.Unix())
	require.Equal(t, 2, sessions[0].MessageCount)
	require.Equal(t, "sess-2", sessions[0].SessionID)
}

func TestTouchSessionRequiresExistingRow(t *testing.T) {
	s := newTestStore(t)
	require.Error(t, s.TouchSession("u1", "c1", "primary"))

	require.NoError(t, s.SaveSession("u1", "c1", "primary", "sess-1"))
	require.NoError(t, s.TouchSession("u1", "c1", "primary"))

	sessions, err := s.ListSessions("")
	require.NoError(t, err)
	require.Equal(t, 2, sessions[0].MessageCount)
}

func TestSummaryConsumeIsReadOnce(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.SaveSummary(RotationSummary{
		UserID: "u1", ContextID: "c1", Engine: "primary",
		SummaryText: "did stuff", SourceSessionID: "old-sess",
		ContextTokensAtRotation: 9000,
	}))

	sum, err := s.ConsumeSummary("u1", "c1", "primary")
	require.NoError(t, err)
	require.NotNil(t, sum)
	require.Equal(t, "did stuff", sum.SummaryText)

	sum, err = s.ConsumeSummary("u1", "c1", "primary")
	require.NoError(t, err)
	require.Nil(t, sum)
}

func TestClaimMessageEventDedupsWithinWindow(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()

	require.True(t, s.ClaimMessageEvent("m1", time.Minute, now))
	require.False(t, s.ClaimMessageEvent("m1", time.Minute, now.Add(time.Second)))

	// After the window has fully elapsed, the pruning pass allows a reclaim.
	require.True(t, s.ClaimMessageEvent("m1", time.Minute, now.Add(2*time.Minute)))
}

func TestDeleteSessionByEngineOrAll(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.SaveSession("u1", "c1", "primary", "sess-1"))
	require.NoError(t, s.SaveSession("u1", "c1", "secondary", "sess-2"))

	require.NoError(t, s.DeleteSession("u1", "c1", "primary"))
	_, ok, err := s.GetSession("u1", "c1", "primary")
	require.NoError(t, err)
	require.False(t, ok)
	_, ok, err = s.GetSession("u1", "c1", "secondary")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, s.DeleteSession("u1", "c1", ""))
	_, ok, err = s.GetSession("u1", "c1", "secondary")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCleanupOldSessions(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.SaveSession("u1", "c1", "primary", "sess-1"))

	n, err := s.CleanupOldSessions(72 * time.Hour)
	require.NoError(t, err)
	require.EqualValues(t, 0, n)

	_, err = s.db.Exec(`UPDATE sessions SET last_used_at = ?`, time.Now().Add(-100*time.Hour))
	require.NoError(t, err)

	n, err = s.CleanupOldSessions(72 * time.Hour)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
}
