package state

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_UnknownBackend(t *testing.T) {
	_, err := New(context.Background(), Config{Backend: "redis"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown backend type: redis")
}

func TestNew_LocalDefault(t *testing.T) {
	t.Chdir(t.TempDir())

	st, err := New(context.Background(), Config{})
	require.NoError(t, err)
	defer st.Close()

	local, ok := st.(*LocalStore)
	require.True(t, ok)
	assert.Equal(t, ".strata/state", local.dir)
	assert.DirExists(t, ".strata/state")
}

func TestNew_SQLiteDefaultPath(t *testing.T) {
	t.Chdir(t.TempDir())

	st, err := New(context.Background(), Config{Backend: "sqlite"})
	require.NoError(t, err)
	defer st.Close()

	// The default path is nested; the store creates the directory.
	assert.FileExists(t, ".strata/state.db")
}

func TestNewS3Store_RequiresBucket(t *testing.T) {
	_, err := NewS3Store(context.Background(), S3Config{Table: "strata-locks"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bucket")
}

func TestNewS3Store_RequiresTable(t *testing.T) {
	_, err := NewS3Store(context.Background(), S3Config{Bucket: "strata-state"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "table")
}

func TestNewS3Store_Defaults(t *testing.T) {
	st, err := NewS3Store(context.Background(), S3Config{
		Bucket: "strata-state",
		Table:  "strata-locks",
	})
	// LoadDefaultConfig can fail in environments with broken shared
	// config; the remaining assertions only need the parsed fields.
	if err != nil {
		t.Skipf("skipping S3 store construction (no AWS config): %v", err)
	}
	assert.Equal(t, "strata-state", st.bucket)
	assert.Equal(t, "strata", st.prefix)
	assert.Equal(t, "strata-locks", st.table)
	assert.False(t, st.encrypt)
}

func TestS3Store_KeyLayout(t *testing.T) {
	st := &S3Store{prefix: "envs/strata"}
	assert.Equal(t, "envs/strata/dev.json", st.objectKey("dev"))
	assert.Equal(t, "envs/strata/dev.lock", st.lockKey("dev"))
	assert.Equal(t, "envs/strata/dev.serial", st.serialKey("dev"))
}
