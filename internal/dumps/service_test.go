package dumps

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maneesh/crashstore/internal/storage"
)

func newTestService(t *testing.T) (*Service, storage.BlobStore) {
	t.Helper()

	blobs, err := storage.NewFSStore(t.TempDir(), false)
	require.NoError(t, err)

	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "meta.db"))
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	meta := storage.NewSQLStore(db)
	require.NoError(t, meta.Migrate(context.Background()))

	return NewService(blobs, meta, nil), blobs
}

// stubIDs makes stored-id generation deterministic for a test.
func stubIDs(ids ...string) func() string {
	i := 0
	return func() string {
		id := ids[i]
		i++
		return id
	}
}

func hexID(prefix string) string {
	return prefix + strings.Repeat("0", 36-len(prefix))
}

type errReader struct{}

func (errReader) Read([]byte) (int, error) {
	return 0, errors.New("disk full")
}

func download(t *testing.T, svc *Service, id string) (name string, data []byte) {
	t.Helper()
	rec, rc, err := svc.Download(context.Background(), id)
	require.NoError(t, err)
	defer rc.Close()
	data, err = io.ReadAll(rc)
	require.NoError(t, err)
	return rec.OriginalName, data
}

func TestCreateAndDownload(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	rec, err := svc.Create(ctx, CreateParams{
		OriginalName: "core.dmp",
		Label:        "linux",
		File:         bytes.NewReader([]byte("ABC")),
	})
	require.NoError(t, err)

	assert.NotEmpty(t, rec.ID)
	assert.Len(t, rec.StoredID, 36)
	assert.Equal(t, "core.dmp", rec.OriginalName)
	assert.Equal(t, "linux", rec.Label)
	assert.False(t, rec.CreatedAt.IsZero())

	name, data := download(t, svc, rec.ID)
	assert.Equal(t, "core.dmp", name)
	assert.Equal(t, []byte("ABC"), data)
}

func TestCreateValidation(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	var verr *ValidationError

	_, err := svc.Create(ctx, CreateParams{OriginalName: "core.dmp"})
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "file", verr.Field)

	_, err = svc.Create(ctx, CreateParams{File: strings.NewReader("x")})
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "original_name", verr.Field)

	_, err = svc.Create(ctx, CreateParams{
		OriginalName: "core.dmp",
		Label:        strings.Repeat("l", 33),
		File:         strings.NewReader("x"),
	})
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "label", verr.Field)
}

func TestCreateBlobWriteFailure(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	_, err := svc.Create(ctx, CreateParams{
		OriginalName: "core.dmp",
		File:         errReader{},
	})
	require.Error(t, err)

	// No metadata was touched.
	records, err := svc.List(ctx, nil, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestCreateMetadataRollbackDeletesBlob(t *testing.T) {
	ctx := context.Background()
	svc, blobs := newTestService(t)

	storedID := hexID("ab12")
	svc.newStoredID = stubIDs(storedID)

	// 65 characters exceed the schema bound, failing the insert after the
	// blob was already written.
	_, err := svc.Create(ctx, CreateParams{
		OriginalName: strings.Repeat("x", 65),
		File:         strings.NewReader("ABC"),
	})
	require.Error(t, err)

	exists, err := blobs.Exists(ctx, storedID)
	require.NoError(t, err)
	assert.False(t, exists, "blob must not outlive a failed metadata commit")

	records, err := svc.List(ctx, nil, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestPatchLabelOnly(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	rec, err := svc.Create(ctx, CreateParams{
		OriginalName: "core.dmp",
		Label:        "linux",
		File:         bytes.NewReader([]byte("ABC")),
	})
	require.NoError(t, err)

	label := "windows"
	updated, err := svc.Update(ctx, rec.ID, UpdateParams{Label: &label}, true)
	require.NoError(t, err)

	assert.Equal(t, rec.StoredID, updated.StoredID, "stored id unchanged without a new file")
	assert.Equal(t, "windows", updated.Label)
	assert.Equal(t, "core.dmp", updated.OriginalName)

	_, data := download(t, svc, rec.ID)
	assert.Equal(t, []byte("ABC"), data)
}

func TestReplaceFile(t *testing.T) {
	ctx := context.Background()
	svc, blobs := newTestService(t)

	oldID := hexID("ab11")
	newID := hexID("cd22")
	svc.newStoredID = stubIDs(oldID, newID)

	rec, err := svc.Create(ctx, CreateParams{
		OriginalName: "core.dmp",
		File:         bytes.NewReader([]byte("ABC")),
	})
	require.NoError(t, err)

	// No explicit name: the uploaded file's name wins.
	updated, err := svc.Update(ctx, rec.ID, UpdateParams{
		File:     bytes.NewReader([]byte("XYZ")),
		FileName: "new.dmp",
	}, false)
	require.NoError(t, err)

	assert.Equal(t, newID, updated.StoredID)
	assert.Equal(t, "new.dmp", updated.OriginalName)
	assert.WithinDuration(t, rec.CreatedAt, updated.CreatedAt, time.Second)

	name, data := download(t, svc, rec.ID)
	assert.Equal(t, "new.dmp", name)
	assert.Equal(t, []byte("XYZ"), data)

	// The old blob was deleted after the commit.
	exists, err := blobs.Exists(ctx, oldID)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestReplaceRequiresFile(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	rec, err := svc.Create(ctx, CreateParams{
		OriginalName: "core.dmp",
		File:         bytes.NewReader([]byte("ABC")),
	})
	require.NoError(t, err)

	var verr *ValidationError
	name := "renamed.dmp"
	_, err = svc.Update(ctx, rec.ID, UpdateParams{OriginalName: &name}, false)
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "file", verr.Field)
}

func TestUpdateMetadataRollback(t *testing.T) {
	ctx := context.Background()
	svc, blobs := newTestService(t)

	oldID := hexID("ab11")
	newID := hexID("cd22")
	svc.newStoredID = stubIDs(oldID, newID)

	rec, err := svc.Create(ctx, CreateParams{
		OriginalName: "core.dmp",
		Label:        "linux",
		File:         bytes.NewReader([]byte("ABC")),
	})
	require.NoError(t, err)

	longName := strings.Repeat("x", 65)
	_, err = svc.Update(ctx, rec.ID, UpdateParams{
		OriginalName: &longName,
		File:         bytes.NewReader([]byte("XYZ")),
	}, false)
	require.Error(t, err)

	// The new blob is gone, the old blob and record are untouched.
	exists, err := blobs.Exists(ctx, newID)
	require.NoError(t, err)
	assert.False(t, exists)

	got, err := svc.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, oldID, got.StoredID)
	assert.Equal(t, "core.dmp", got.OriginalName)
	assert.Equal(t, "linux", got.Label)

	_, data := download(t, svc, rec.ID)
	assert.Equal(t, []byte("ABC"), data)
}

func TestUpdateNotFoundCleansNewBlob(t *testing.T) {
	ctx := context.Background()
	svc, blobs := newTestService(t)

	newID := hexID("cd22")
	svc.newStoredID = stubIDs(newID)

	_, err := svc.Update(ctx, "no-such-id", UpdateParams{
		File:     bytes.NewReader([]byte("XYZ")),
		FileName: "new.dmp",
	}, false)
	require.ErrorIs(t, err, ErrNotFound)

	exists, err := blobs.Exists(ctx, newID)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestDeleteRemovesBlobAfterCommit(t *testing.T) {
	ctx := context.Background()
	svc, blobs := newTestService(t)

	// Both blobs share the a/b fan-out directory.
	id1 := "ab" + strings.Repeat("1", 34)
	id2 := "ab" + strings.Repeat("2", 34)
	svc.newStoredID = stubIDs(id1, id2)

	rec1, err := svc.Create(ctx, CreateParams{OriginalName: "one.dmp", File: strings.NewReader("one")})
	require.NoError(t, err)
	rec2, err := svc.Create(ctx, CreateParams{OriginalName: "two.dmp", File: strings.NewReader("two")})
	require.NoError(t, err)

	snapshot, err := svc.Delete(ctx, rec1.ID)
	require.NoError(t, err)
	assert.Equal(t, rec1.ID, snapshot.ID)
	assert.Equal(t, id1, snapshot.StoredID)

	_, _, err = svc.Download(ctx, rec1.ID)
	require.ErrorIs(t, err, ErrNotFound)

	exists, err := blobs.Exists(ctx, id1)
	require.NoError(t, err)
	assert.False(t, exists)

	// The sibling sharing the fan-out prefix is unaffected.
	name, data := download(t, svc, rec2.ID)
	assert.Equal(t, "two.dmp", name)
	assert.Equal(t, []byte("two"), data)
}

func TestDeleteNotFound(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.Delete(context.Background(), "no-such-id")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDownloadInconsistency(t *testing.T) {
	ctx := context.Background()
	svc, blobs := newTestService(t)

	rec, err := svc.Create(ctx, CreateParams{
		OriginalName: "core.dmp",
		File:         bytes.NewReader([]byte("ABC")),
	})
	require.NoError(t, err)

	// Simulate external tampering: the blob vanishes under a live record.
	require.NoError(t, blobs.Delete(ctx, rec.StoredID))

	_, _, err = svc.Download(ctx, rec.ID)
	require.ErrorIs(t, err, ErrInconsistent)
	require.NotErrorIs(t, err, ErrNotFound)
}

func TestListNewestFirst(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	var ids []string
	for _, name := range []string{"a.dmp", "b.dmp", "c.dmp"} {
		rec, err := svc.Create(ctx, CreateParams{OriginalName: name, File: strings.NewReader(name)})
		require.NoError(t, err)
		ids = append(ids, rec.ID)
	}

	records, err := svc.List(ctx, nil, 0, 0)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, ids[2], records[0].ID)
	assert.Equal(t, ids[0], records[2].ID)
}

func TestNewStoredIDFormat(t *testing.T) {
	id := NewStoredID()
	require.Len(t, id, 36)
	for _, r := range id {
		valid := (r >= '0' && r <= '9') || (r >= 'a' && r <= 'f')
		require.True(t, valid, "unexpected character %q in stored id", r)
	}
}

func TestNewStoredIDUniqueness(t *testing.T) {
	const (
		goroutines = 32
		perG       = 64
	)

	var (
		mu  sync.Mutex
		ids = make(map[string]struct{}, goroutines*perG)
		wg  sync.WaitGroup
	)
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := make([]string, 0, perG)
			for i := 0; i < perG; i++ {
				local = append(local, NewStoredID())
			}
			mu.Lock()
			defer mu.Unlock()
			for _, id := range local {
				ids[id] = struct{}{}
			}
		}()
	}
	wg.Wait()

	require.Len(t, ids, goroutines*perG, "concurrent generation produced a duplicate stored id")
}
