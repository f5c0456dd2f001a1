package persistence_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/iddsops/idds/internal/persistence"
	"github.com/iddsops/idds/internal/testutil"
	"github.com/iddsops/idds/internal/types"
)

func newStore(t *testing.T) *persistence.Store {
	t.Helper()
	return persistence.NewStore(testutil.NewTestDB(t))
}

func newRequest(t *testing.T, s *persistence.Store, status types.RequestStatus) *persistence.Request {
	t.Helper()
	r := &persistence.Request{
		Scope:       "user",
		Name:        "req-" + time.Now().Format("150405.000000000"),
		Requester:   "alice",
		RequestType: "workflow",
		Status:      status,
	}
	_, err := s.Requests.Create(r)
	require.NoError(t, err)
	return r
}

func TestRequestCreateAndGet(t *testing.T) {
	s := newStore(t)
	r := newRequest(t, s, types.RequestNew)

	got, err := s.Requests.Get(r.RequestID)
	require.NoError(t, err)
	require.Equal(t, r.Name, got.Name)
	require.Equal(t, types.RequestNew, got.Status)
	require.Equal(t, types.LockIdle, got.Locking)
	require.NotZero(t, got.CreatedAt)
}

func TestRequestGetNotFound(t *testing.T) {
	s := newStore(t)
	_, err := s.Requests.Get(12345)
	require.ErrorIs(t, err, persistence.ErrNotFound)
}

func TestRequestGetByStatusLocksAtomically(t *testing.T) {
	s := newStore(t)
	for i := 0; i < 3; i++ {
		newRequest(t, s, types.RequestNew)
	}

	first, err := s.Requests.GetByStatus([]types.RequestStatus{types.RequestNew}, 10, true)
	require.NoError(t, err)
	require.Len(t, first, 3)
	for _, r := range first {
		require.Equal(t, types.LockLocking, r.Locking)
	}

	// A second locking listing must come back empty: the rows are claimed.
	second, err := s.Requests.GetByStatus([]types.RequestStatus{types.RequestNew}, 10, true)
	require.NoError(t, err)
	require.Empty(t, second)

	// A non-locking listing still sees them.
	all, err := s.Requests.GetByStatus([]types.RequestStatus{types.RequestNew}, 10, false)
	require.NoError(t, err)
	require.Len(t, all, 3)
}

func TestRequestGetByStatusHonorsNextPollAt(t *testing.T) {
	s := newStore(t)
	r := newRequest(t, s, types.RequestNew)

	future := time.Now().Add(time.Hour).Unix()
	require.NoError(t, s.Requests.Update(r.RequestID, map[string]any{"next_poll_at": future}))

	due, err := s.Requests.GetByStatus([]types.RequestStatus{types.RequestNew}, 10, false)
	require.NoError(t, err)
	require.Empty(t, due)
}

func TestRequestGetByStatusOrdersByPriority(t *testing.T) {
	s := newStore(t)
	low := newRequest(t, s, types.RequestNew)
	high := newRequest(t, s, types.RequestNew)
	require.NoError(t, s.Requests.Update(high.RequestID, map[string]any{"priority": 100}))

	due, err := s.Requests.GetByStatus([]types.RequestStatus{types.RequestNew}, 10, false)
	require.NoError(t, err)
	require.Len(t, due, 2)
	require.Equal(t, high.RequestID, due[0].RequestID)
	require.Equal(t, low.RequestID, due[1].RequestID)
}

func TestRequestTryLock(t *testing.T) {
	s := newStore(t)
	r := newRequest(t, s, types.RequestNew)

	require.NoError(t, s.Requests.TryLock(r.RequestID))
	require.ErrorIs(t, s.Requests.TryLock(r.RequestID), persistence.ErrLocked)

	require.NoError(t, s.Requests.ReleaseLock(r.RequestID))
	require.NoError(t, s.Requests.TryLock(r.RequestID))
}

func TestRequestCleanLocking(t *testing.T) {
	s := newStore(t)
	r := newRequest(t, s, types.RequestNew)
	require.NoError(t, s.Requests.TryLock(r.RequestID))

	// A fresh lock is not stale.
	n, err := s.Requests.CleanLocking(30 * time.Minute)
	require.NoError(t, err)
	require.Zero(t, n)

	// Backdate the claim to simulate a crashed worker.
	_, err = s.DB().Exec(
		`UPDATE requests SET updated_at = ? WHERE request_id = ?`,
		time.Now().Add(-time.Hour).Unix(), r.RequestID,
	)
	require.NoError(t, err)

	n, err = s.Requests.CleanLocking(30 * time.Minute)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	got, err := s.Requests.Get(r.RequestID)
	require.NoError(t, err)
	require.Equal(t, types.LockIdle, got.Locking)
}

func TestRequestUpdateMissingRow(t *testing.T) {
	s := newStore(t)
	err := s.Requests.Update(999, map[string]any{"status": types.RequestFailed})
	require.ErrorIs(t, err, persistence.ErrNotFound)
}
