package state

import (
	"bytes"
	"context"
	"os"
	"testing"
	"time"

	"github.com/strata-io/strata/internal/ir"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func devSnapshot(serial uint64) *ir.Snapshot {
	snap := ir.NewSnapshot("dev")
	snap.Serial = serial
	snap.Resources["net.sim_network.main"] = &ir.ResourceState{
		Module: "net", Type: "sim_network", Name: "main", Provider: "sim",
		Identity:   "net-1",
		Attributes: map[string]any{"cidr": "10.0.0.0/16"},
	}
	return snap
}

func TestLocalStore_ReadWrite(t *testing.T) {
	ctx := context.Background()
	st, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)
	defer st.Close()

	// 1. Reading an environment that was never written is ErrNotFound.
	_, err = st.Read(ctx, "dev")
	require.ErrorIs(t, err, ErrNotFound)

	// 2. First write goes in at expected serial zero.
	require.NoError(t, st.Write(ctx, "dev", devSnapshot(1), 0))

	got, err := st.Read(ctx, "dev")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), got.Serial)
	assert.Equal(t, "dev", got.Environment)
	assert.NotEmpty(t, got.Checksum)
	require.Contains(t, got.Resources, "net.sim_network.main")
	assert.Equal(t, "net-1", got.Resources["net.sim_network.main"].Identity)

	// 3. Environments are independent of each other.
	_, err = st.Read(ctx, "prod")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestLocalStore_SerialConflict(t *testing.T) {
	ctx := context.Background()
	st, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)
	defer st.Close()

	require.NoError(t, st.Write(ctx, "dev", devSnapshot(1), 0))

	// A writer that planned against serial 5 must be refused.
	err = st.Write(ctx, "dev", devSnapshot(6), 5)
	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "dev", conflict.Environment)
	assert.Equal(t, uint64(5), conflict.Expected)
	assert.Equal(t, uint64(1), conflict.Actual)

	// The stored snapshot is untouched by the refused write.
	got, err := st.Read(ctx, "dev")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), got.Serial)
}

func TestLocalStore_WriteAtomicReplace(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	st, err := NewLocalStore(dir)
	require.NoError(t, err)
	defer st.Close()

	require.NoError(t, st.Write(ctx, "dev", devSnapshot(1), 0))

	next := devSnapshot(2)
	next.Resources["net.sim_network.main"].Identity = "net-2"
	require.NoError(t, st.Write(ctx, "dev", next, 1))

	// The snapshot is replaced in one rename; no temp files stay behind.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "dev.json", entries[0].Name())

	got, err := st.Read(ctx, "dev")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), got.Serial)
	assert.Equal(t, "net-2", got.Resources["net.sim_network.main"].Identity)
}

func TestLocalStore_Locking(t *testing.T) {
	ctx := context.Background()
	st, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)
	defer st.Close()

	// 1. First holder acquires immediately.
	alice, err := st.AcquireLock(ctx, "dev", "alice@laptop", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "dev", alice.Environment)
	assert.Equal(t, "alice@laptop", alice.Holder)
	assert.NotEmpty(t, alice.ID)

	// 2. A second holder times out and learns who owns the lock.
	_, err = st.AcquireLock(ctx, "dev", "bob@ci", 50*time.Millisecond)
	var held *LockHeldError
	require.ErrorAs(t, err, &held)
	assert.Equal(t, "dev", held.Environment)
	assert.Equal(t, "alice@laptop", held.Holder)

	// 3. Locks on other environments are unaffected.
	other, err := st.AcquireLock(ctx, "prod", "bob@ci", time.Second)
	require.NoError(t, err)
	require.NoError(t, st.ReleaseLock(ctx, other))

	// 4. After release the environment can be locked again.
	require.NoError(t, st.ReleaseLock(ctx, alice))
	bob, err := st.AcquireLock(ctx, "dev", "bob@ci", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "bob@ci", bob.Holder)
	require.NoError(t, st.ReleaseLock(ctx, bob))
}

func TestLocalStore_ReleaseWrongLock(t *testing.T) {
	ctx := context.Background()
	st, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)
	defer st.Close()

	alice, err := st.AcquireLock(ctx, "dev", "alice@laptop", time.Second)
	require.NoError(t, err)

	// A lock with a different ID cannot release alice's.
	err = st.ReleaseLock(ctx, &Lock{ID: "not-the-real-id", Environment: "dev"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `held by "alice@laptop", not by this run`)

	// Releasing twice fails the second time.
	require.NoError(t, st.ReleaseLock(ctx, alice))
	err = st.ReleaseLock(ctx, alice)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `lock for environment "dev" is not held`)
}

func TestLocalStore_StaleLockTakeover(t *testing.T) {
	ctx := context.Background()
	st, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)
	defer st.Close()
	st.staleAfter = 10 * time.Millisecond

	_, err = st.AcquireLock(ctx, "dev", "crashed@old-host", time.Second)
	require.NoError(t, err)

	// Once the lock is older than staleAfter the next acquire clears it
	// and wins on a later poll.
	time.Sleep(25 * time.Millisecond)
	lock, err := st.AcquireLock(ctx, "dev", "bob@ci", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "bob@ci", lock.Holder)
	require.NoError(t, st.ReleaseLock(ctx, lock))
}

func TestLocalStore_StaleRemovalChecksLockID(t *testing.T) {
	ctx := context.Background()
	st, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)
	defer st.Close()

	alice, err := st.AcquireLock(ctx, "dev", "alice@laptop", time.Second)
	require.NoError(t, err)

	// 1. The environment is locked; a stale-removal decision made from
	// an earlier read must not clobber the current lock.
	st.removeIfUnchanged(st.lockPath("dev"), "a-lock-replaced-long-ago")
	_, err = st.AcquireLock(ctx, "dev", "bob@ci", 50*time.Millisecond)
	var held *LockHeldError
	require.ErrorAs(t, err, &held)
	assert.Equal(t, "alice@laptop", held.Holder)

	// 2. With the matching ID the removal goes through.
	st.removeIfUnchanged(st.lockPath("dev"), alice.ID)
	bob, err := st.AcquireLock(ctx, "dev", "bob@ci", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "bob@ci", bob.Holder)
	require.NoError(t, st.ReleaseLock(ctx, bob))
}

func TestLocalStore_ChecksumMismatch(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	st, err := NewLocalStore(dir)
	require.NoError(t, err)
	defer st.Close()

	require.NoError(t, st.Write(ctx, "dev", devSnapshot(1), 0))

	// Corrupt the stored file behind the store's back.
	path := st.snapshotPath("dev")
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	tampered := bytes.Replace(raw, []byte(`"net-1"`), []byte(`"net-9"`), 1)
	require.NoError(t, os.WriteFile(path, tampered, 0644))

	_, err = st.Read(ctx, "dev")
	require.ErrorIs(t, err, ErrChecksumMismatch)
}

func TestLocalStore_Environments(t *testing.T) {
	ctx := context.Background()
	st, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)
	defer st.Close()

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

func TestLocalStore_EncryptionAtRest(t *testing.T) {
	t.Setenv(EncryptionKeyEnvVar, "0123456789abcdef0123456789abcdef")

	ctx := context.Background()
	st, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)
	defer st.Close()

	require.NoError(t, st.Write(ctx, "dev", devSnapshot(1), 0))

	// The file on disk carries the header and no plaintext.
	raw, err := os.ReadFile(st.snapshotPath("dev"))
	require.NoError(t, err)
	assert.True(t, IsEncrypted(raw))
	assert.NotContains(t, string(raw), "net-1")

	// Reads decrypt transparently.
	got, err := st.Read(ctx, "dev")
	require.NoError(t, err)
	assert.Equal(t, "net-1", got.Resources["net.sim_network.main"].Identity)
}
