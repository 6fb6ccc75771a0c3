package state

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/strata-io/strata/internal/ir"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	st, err := NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestSQLiteStore_ReadWrite(t *testing.T) {
	ctx := context.Background()
	st := newTestSQLiteStore(t)

	// 1. Nothing stored yet.
	_, err := st.Read(ctx, "dev")
	require.ErrorIs(t, err, ErrNotFound)

	// 2. Insert at serial zero, then advance.
	require.NoError(t, st.Write(ctx, "dev", devSnapshot(1), 0))
	require.NoError(t, st.Write(ctx, "dev", devSnapshot(2), 1))

	got, err := st.Read(ctx, "dev")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), got.Serial)
	assert.Equal(t, "net-1", got.Resources["net.sim_network.main"].Identity)
}

func TestSQLiteStore_Persistence(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.db")

	st, err := NewSQLiteStore(ctx, path)
	require.NoError(t, err)
	require.NoError(t, st.Write(ctx, "dev", devSnapshot(3), 0))
	require.NoError(t, st.Close())

	// Reopening runs migrations again without error and sees the data.
	st, err = NewSQLiteStore(ctx, path)
	require.NoError(t, err)
	defer st.Close()

	got, err := st.Read(ctx, "dev")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), got.Serial)
}

func TestSQLiteStore_SerialConflict(t *testing.T) {
	ctx := context.Background()
	st := newTestSQLiteStore(t)

	// 1. A first write into an empty environment must expect serial zero.
	err := st.Write(ctx, "dev", devSnapshot(4), 3)
	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, uint64(3), conflict.Expected)
	assert.Equal(t, uint64(0), conflict.Actual)

	// 2. A stale expectation against an existing row is refused too.
	require.NoError(t, st.Write(ctx, "dev", devSnapshot(1), 0))
	err = st.Write(ctx, "dev", devSnapshot(9), 8)
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "dev", conflict.Environment)
	assert.Equal(t, uint64(8), conflict.Expected)
	assert.Equal(t, uint64(1), conflict.Actual)

	got, err := st.Read(ctx, "dev")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), got.Serial)
}

func TestSQLiteStore_Locking(t *testing.T) {
	ctx := context.Background()
	st := newTestSQLiteStore(t)

	alice, err := st.AcquireLock(ctx, "dev", "alice@laptop", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "alice@laptop", alice.Holder)

	_, err = st.AcquireLock(ctx, "dev", "bob@ci", 50*time.Millisecond)
	var held *LockHeldError
	require.ErrorAs(t, err, &held)
	assert.Equal(t, "alice@laptop", held.Holder)
	assert.False(t, held.Since.IsZero())

	require.NoError(t, st.ReleaseLock(ctx, alice))
	bob, err := st.AcquireLock(ctx, "dev", "bob@ci", time.Second)
	require.NoError(t, err)
	require.NoError(t, st.ReleaseLock(ctx, bob))
}

func TestSQLiteStore_StaleLockTakeover(t *testing.T) {
	ctx := context.Background()
	st := newTestSQLiteStore(t)
	st.staleAfter = 10 * time.Millisecond

	_, err := st.AcquireLock(ctx, "dev", "crashed@old-host", time.Second)
	require.NoError(t, err)

	time.Sleep(25 * time.Millisecond)
	lock, err := st.AcquireLock(ctx, "dev", "bob@ci", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "bob@ci", lock.Holder)
}

func TestSQLiteStore_LockLookupError(t *testing.T) {
	st := newTestSQLiteStore(t)
	require.NoError(t, st.Close())

	// With the database gone both the insert and the holder lookup fail;
	// the error must name the lookup, not a phantom holder.
	_, err := st.tryLock(context.Background(), "dev", "alice@laptop")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reading lock holder")
	assert.Contains(t, err.Error(), "database is closed")
}

func TestSQLiteStore_ReleaseWrongLock(t *testing.T) {
	ctx := context.Background()
	st := newTestSQLiteStore(t)

	err := st.ReleaseLock(ctx, &Lock{ID: "never-acquired", Environment: "dev"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `lock for environment "dev" is not held by this run`)
}

func TestSQLiteStore_Environments(t *testing.T) {
	ctx := context.Background()
	st := newTestSQLiteStore(t)

	envs, err := st.Environments(ctx)
	require.NoError(t, err)
	assert.Empty(t, envs)

	for _, env := range []string{"staging", "dev", "prod"} {
		snap := ir.NewSnapshot(env)
		snap.Serial = 1
		require.NoError(t, st.Write(ctx, env, snap, 0))
	}

	envs, err = st.Environments(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"dev", "prod", "staging"}, envs)
}
