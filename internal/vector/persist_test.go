package vector

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions(4)
	opts.Dir = dir

	ix, err := Open(opts, nil)
	require.NoError(t, err)
	require.NoError(t, ix.Upsert(mkIntent("in:a", 1, 100), []float32{1, 0, 0, 0}))
	require.NoError(t, ix.Upsert(mkIntent("in:b", 2, 200), []float32{0.9, 0.1, 0, 0}))
	require.NoError(t, ix.Upsert(mkIntent("in:c", 3, 300), []float32{0, 1, 0, 0}))
	require.NoError(t, ix.Save())

	for _, name := range []string{indexFileName, mapFileName} {
		_, err := os.Stat(filepath.Join(dir, name))
		require.NoError(t, err, name)
	}

	reopened, err := Open(opts, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, reopened.Len())

	query := []float32{1, 0, 0, 0}
	want, err := ix.QueryTopK(query, 3, "")
	require.NoError(t, err)
	got, err := reopened.QueryTopK(query, 3, "")
	require.NoError(t, err)

	require.Equal(t, len(want), len(got))
	for i := range want {
		assert.Equal(t, want[i].Intent.Fingerprint, got[i].Intent.Fingerprint)
		assert.InDelta(t, want[i].Similarity, got[i].Similarity, 1e-6)
		// Snapshots carry the ranking fields through the restart.
		assert.Equal(t, want[i].Intent.OfferedFee, got[i].Intent.OfferedFee)
		assert.Equal(t, want[i].Intent.Timestamp, got[i].Intent.Timestamp)
	}
}

func TestSaveRebuildsWhenTombstonesExceedHalf(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions(4)
	opts.Dir = dir

	ix, err := Open(opts, nil)
	require.NoError(t, err)
	require.NoError(t, ix.Upsert(mkIntent("in:a", 1, 1), []float32{1, 0, 0, 0}))
	require.NoError(t, ix.Upsert(mkIntent("in:b", 1, 2), []float32{0, 1, 0, 0}))
	require.NoError(t, ix.Upsert(mkIntent("in:c", 1, 3), []float32{0, 0, 1, 0}))
	require.NoError(t, ix.Upsert(mkIntent("in:d", 1, 4), []float32{0, 0, 0, 1}))

	ix.Remove("in:b")
	ix.Remove("in:c")
	ix.Remove("in:d")
	require.InDelta(t, 0.75, ix.Stats().Ratio, 1e-9)

	require.NoError(t, ix.Save())
	st := ix.Stats()
	assert.Equal(t, 0, st.Tombstones)
	assert.Equal(t, 1, st.Live)
	assert.Equal(t, uint64(1), st.Rebuilds)
}

func TestOpenWithCorruptMapStartsEmpty(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions(4)
	opts.Dir = dir

	ix, err := Open(opts, nil)
	require.NoError(t, err)
	require.NoError(t, ix.Upsert(mkIntent("in:a", 1, 1), []float32{1, 0, 0, 0}))
	require.NoError(t, ix.Save())

	require.NoError(t, os.WriteFile(filepath.Join(dir, mapFileName), []byte("{not json"), 0o644))

	reopened, err := Open(opts, nil)
	require.NoError(t, err, "corruption must not fail startup")
	assert.Equal(t, 0, reopened.Len())
}

func TestOpenWithCorruptIndexStartsEmpty(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions(4)
	opts.Dir = dir

	ix, err := Open(opts, nil)
	require.NoError(t, err)
	require.NoError(t, ix.Upsert(mkIntent("in:a", 1, 1), []float32{1, 0, 0, 0}))
	require.NoError(t, ix.Save())

	require.NoError(t, os.WriteFile(filepath.Join(dir, indexFileName), []byte("garbage"), 0o644))

	reopened, err := Open(opts, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, reopened.Len())
}

func TestOpenWithMismatchedDimensionStartsEmpty(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions(4)
	opts.Dir = dir

	ix, err := Open(opts, nil)
	require.NoError(t, err)
	require.NoError(t, ix.Upsert(mkIntent("in:a", 1, 1), []float32{1, 0, 0, 0}))
	require.NoError(t, ix.Save())

	wider := testOptions(8)
	wider.Dir = dir
	reopened, err := Open(wider, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, reopened.Len())
}

func TestOpenWithoutFilesIsEmpty(t *testing.T) {
	opts := testOptions(4)
	opts.Dir = t.TempDir()
	ix, err := Open(opts, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, ix.Len())
	assert.Equal(t, 0, ix.Stats().Tombstones)
}

func TestSaveWithoutDirIsNoop(t *testing.T) {
	ix, err := Open(testOptions(4), nil)
	require.NoError(t, err)
	require.NoError(t, ix.Upsert(mkIntent("in:a", 1, 1), []float32{1, 0, 0, 0}))
	require.NoError(t, ix.Save())
}

func TestCompressBlockOnlyWhenSmaller(t *testing.T) {
	// Highly regular data compresses; tiny data is left alone.
	big := make([]byte, 4096)
	compressed := compressBlock(big)
	require.NotNil(t, compressed)
	assert.Less(t, len(compressed), len(big))

	out, err := decompressBlock(compressed, len(big))
	require.NoError(t, err)
	assert.Equal(t, big, out)

	_, err = decompressBlock([]byte{1, 2, 3}, 0)
	assert.Error(t, err)
}
