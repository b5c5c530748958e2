package checkpoint

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/netresearch/j2o-core/internal/observability"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	logger, err := observability.NewLogger("error")
	require.NoError(t, err)

	store, err := Open(":memory:", logger, observability.NewMetrics())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestCheckpointGetMissing(t *testing.T) {
	store := newTestStore(t)

	cp, err := store.Get("users")
	require.NoError(t, err)
	require.Nil(t, cp)
}

func TestCheckpointAdvanceAndGet(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.Advance("users", 3, "token-1"))

	cp, err := store.Get("users")
	require.NoError(t, err)
	require.NotNil(t, cp)
	require.Equal(t, 3, cp.LastCompletedIdx)
	require.Equal(t, "token-1", cp.ResumeToken)
	require.WithinDuration(t, time.Now().UTC(), cp.UpdatedAt, 5*time.Second)
}

func TestCheckpointAdvanceIsUpsert(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.Advance("users", 1, "a"))
	require.NoError(t, store.Advance("users", 2, "b"))

	cp, err := store.Get("users")
	require.NoError(t, err)
	require.Equal(t, 2, cp.LastCompletedIdx)
	require.Equal(t, "b", cp.ResumeToken)
}

func TestCheckpointReset(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.Advance("users", 5, "x"))
	require.NoError(t, store.Reset("users"))

	cp, err := store.Get("users")
	require.NoError(t, err)
	require.Nil(t, cp)
}

func TestCheckpointIsFresh(t *testing.T) {
	store := newTestStore(t)

	fresh, err := store.IsFresh("users", time.Hour)
	require.NoError(t, err)
	require.False(t, fresh, "no checkpoint should never be fresh")

	require.NoError(t, store.Advance("users", 1, ""))

	fresh, err = store.IsFresh("users", time.Hour)
	require.NoError(t, err)
	require.True(t, fresh)

	stale, err := store.IsFresh("users", 0)
	require.NoError(t, err)
	require.False(t, stale)
}
