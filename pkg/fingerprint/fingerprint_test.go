package fingerprint

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voidsync/voidsync/pkg/store"
)

func newTracker(t *testing.T) (*Tracker, afero.Fs) {
	t.Helper()
	st, err := store.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	fs := afero.NewMemMapFs()
	return New(st, fs, "project"), fs
}

func TestHashIsSHA256Hex(t *testing.T) {
	sum := sha256.Sum256([]byte("hello"))
	assert.Equal(t, hex.EncodeToString(sum[:]), Hash([]byte("hello")))
}

func TestGetMissingIsNil(t *testing.T) {
	tr, _ := newTracker(t)
	fp, err := tr.Get(context.Background(), "never.txt")
	require.NoError(t, err)
	assert.Nil(t, fp)
}

func TestSaveAndGet(t *testing.T) {
	tr, _ := newTracker(t)
	ctx := context.Background()

	require.NoError(t, tr.Save(ctx, "f.txt", Hash([]byte("content"))))
	fp, err := tr.Get(ctx, "f.txt")
	require.NoError(t, err)
	require.NotNil(t, fp)
	assert.Equal(t, Hash([]byte("content")), fp.Hash)
}

func TestHasChanged(t *testing.T) {
	tr, fs := newTracker(t)
	ctx := context.Background()

	// Untracked files count as changed.
	changed, err := tr.HasChanged(ctx, "f.txt")
	require.NoError(t, err)
	assert.True(t, changed)

	require.NoError(t, afero.WriteFile(fs, "project/f.txt", []byte("v1"), 0o644))
	require.NoError(t, tr.Save(ctx, "f.txt", Hash([]byte("v1"))))

	changed, err = tr.HasChanged(ctx, "f.txt")
	require.NoError(t, err)
	assert.False(t, changed)

	// An out-of-band write flips the oracle.
	require.NoError(t, afero.WriteFile(fs, "project/f.txt", []byte("tampered"), 0o644))
	changed, err = tr.HasChanged(ctx, "f.txt")
	require.NoError(t, err)
	assert.True(t, changed)
}

func TestCurrentHashMissingFileHashesEmpty(t *testing.T) {
	tr, _ := newTracker(t)
	h, err := tr.CurrentHash("absent.txt")
	require.NoError(t, err)
	assert.Equal(t, Hash(nil), h)
}
