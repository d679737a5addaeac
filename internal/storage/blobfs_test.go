package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// hexID pads a short hex prefix to a full 36-character stored id.
func hexID(prefix string) string {
	return prefix + strings.Repeat("0", 36-len(prefix))
}

type errReader struct{}

func (errReader) Read([]byte) (int, error) {
	return 0, errors.New("disk full")
}

func TestFSStorePutOpen(t *testing.T) {
	ctx := context.Background()
	base := t.TempDir()
	store, err := NewFSStore(base, false)
	require.NoError(t, err)

	id := hexID("ab12")
	payload := []byte("crash dump payload")
	require.NoError(t, store.Put(ctx, id, bytes.NewReader(payload)))

	// Fan-out layout: first two characters become directory levels.
	_, err = os.Stat(filepath.Join(base, "a", "b", id))
	require.NoError(t, err)

	rc, err := store.Open(ctx, id)
	require.NoError(t, err)
	defer rc.Close()

	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	exists, err := store.Exists(ctx, id)
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestFSStoreOpenMissing(t *testing.T) {
	store, err := NewFSStore(t.TempDir(), false)
	require.NoError(t, err)

	_, err = store.Open(context.Background(), hexID("ff"))
	require.ErrorIs(t, err, ErrBlobNotFound)

	exists, err := store.Exists(context.Background(), hexID("ff"))
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestFSStorePartialWriteCleanup(t *testing.T) {
	ctx := context.Background()
	base := t.TempDir()
	store, err := NewFSStore(base, false)
	require.NoError(t, err)

	id := hexID("cd34")
	err = store.Put(ctx, id, errReader{})
	require.Error(t, err)

	// Nothing visible at the final path and no temp leftovers.
	exists, err := store.Exists(ctx, id)
	require.NoError(t, err)
	assert.False(t, exists)

	entries, err := os.ReadDir(filepath.Join(base, tempDirName))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestFSStoreDeleteIdempotent(t *testing.T) {
	ctx := context.Background()
	base := t.TempDir()
	store, err := NewFSStore(base, false)
	require.NoError(t, err)

	id := hexID("ab12")
	require.NoError(t, store.Put(ctx, id, strings.NewReader("x")))

	require.NoError(t, store.Delete(ctx, id))
	exists, err := store.Exists(ctx, id)
	require.NoError(t, err)
	assert.False(t, exists)

	// Second delete of the same id must not error.
	require.NoError(t, store.Delete(ctx, id))

	// Empty fan-out directories are pruned.
	_, err = os.Stat(filepath.Join(base, "a"))
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestFSStoreDeleteKeepsSiblings(t *testing.T) {
	ctx := context.Background()
	store, err := NewFSStore(t.TempDir(), false)
	require.NoError(t, err)

	// Same a/b fan-out directory for both blobs.
	id1 := "ab" + strings.Repeat("1", 34)
	id2 := "ab" + strings.Repeat("2", 34)
	require.NoError(t, store.Put(ctx, id1, strings.NewReader("one")))
	require.NoError(t, store.Put(ctx, id2, strings.NewReader("two")))

	require.NoError(t, store.Delete(ctx, id1))

	rc, err := store.Open(ctx, id2)
	require.NoError(t, err)
	defer rc.Close()
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, []byte("two"), got)
}

func TestFSStoreCompression(t *testing.T) {
	ctx := context.Background()
	base := t.TempDir()
	store, err := NewFSStore(base, true)
	require.NoError(t, err)

	id := hexID("ef56")
	payload := bytes.Repeat([]byte("stack frame "), 1024)
	require.NoError(t, store.Put(ctx, id, bytes.NewReader(payload)))

	// On disk the blob is a zstd frame under the compressed suffix.
	raw, err := os.ReadFile(filepath.Join(base, "e", "f", id+compressedSuffix))
	require.NoError(t, err)
	require.True(t, bytes.HasPrefix(raw, zstdMagic))
	assert.Less(t, len(raw), len(payload))

	rc, err := store.Open(ctx, id)
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, payload, got)

	// A store opened without compression still reads compressed blobs.
	plain, err := NewFSStore(base, false)
	require.NoError(t, err)
	rc, err = plain.Open(ctx, id)
	require.NoError(t, err)
	got, err = io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, payload, got)

	// And deletes them.
	require.NoError(t, plain.Delete(ctx, id))
	exists, err := plain.Exists(ctx, id)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestFSStoreZstdPayloadVerbatim(t *testing.T) {
	ctx := context.Background()
	store, err := NewFSStore(t.TempDir(), false)
	require.NoError(t, err)

	// A dump that is itself a zstd frame must round-trip byte for byte
	// without being decompressed on read.
	var frame bytes.Buffer
	enc, err := zstd.NewWriter(&frame)
	require.NoError(t, err)
	_, err = enc.Write([]byte("inner crash dump"))
	require.NoError(t, err)
	require.NoError(t, enc.Close())
	payload := frame.Bytes()
	require.True(t, bytes.HasPrefix(payload, zstdMagic))

	id := hexID("7e")
	require.NoError(t, store.Put(ctx, id, bytes.NewReader(payload)))

	rc, err := store.Open(ctx, id)
	require.NoError(t, err)
	defer rc.Close()
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestFSStoreWalk(t *testing.T) {
	ctx := context.Background()
	base := t.TempDir()
	store, err := NewFSStore(base, false)
	require.NoError(t, err)

	id1 := hexID("11")
	id2 := hexID("22")
	require.NoError(t, store.Put(ctx, id1, strings.NewReader("a")))
	require.NoError(t, store.Put(ctx, id2, strings.NewReader("b")))

	// Leftover temp files must not be reported.
	require.NoError(t, os.WriteFile(filepath.Join(base, tempDirName, "put-stale"), []byte("junk"), 0o644))

	// Nor stray operator files that are not stored ids.
	require.NoError(t, os.WriteFile(filepath.Join(base, "README"), []byte("notes"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(base, "1", "1", "backup.tar"), []byte("tar"), 0o644))

	seen := map[string]time.Time{}
	err = store.Walk(ctx, func(storedID string, modTime time.Time) error {
		seen[storedID] = modTime
		return nil
	})
	require.NoError(t, err)

	assert.Len(t, seen, 2)
	assert.Contains(t, seen, id1)
	assert.Contains(t, seen, id2)
	assert.False(t, seen[id1].IsZero())
}

func TestFSStoreInvalidStoredID(t *testing.T) {
	ctx := context.Background()
	store, err := NewFSStore(t.TempDir(), false)
	require.NoError(t, err)

	for _, id := range []string{"", "a", "../../etc/passwd", "AB" + strings.Repeat("0", 34)} {
		err := store.Put(ctx, id, strings.NewReader("x"))
		assert.ErrorIs(t, err, ErrInvalidStoredID, "id %q", id)
	}
}
