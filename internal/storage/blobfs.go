package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tempDirName = ".tmp"

// compressedSuffix marks blobs written with compression enabled. The flag
// lives in the file name, never in the payload, so a blob whose own bytes
// happen to form a zstd frame is still returned verbatim.
const compressedSuffix = ".zst"

// FSStore is a filesystem-backed BlobStore. Blobs live two directory levels
// deep under the base path, keyed by the stored id's first two characters.
// Compressed blobs carry a .zst suffix on disk; either form is readable
// regardless of the store's own compress setting.
//
// Writes go to a temp file under base/.tmp and are renamed into place, so a
// blob either fully exists at its final path or does not exist at all.
type FSStore struct {
	base     string
	compress bool
}

// NewFSStore initializes the store, creating the base and temp directories.
func NewFSStore(base string, compress bool) (*FSStore, error) {
	base = filepath.Clean(base)
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, fmt.Errorf("creating dumps directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(base, tempDirName), 0o755); err != nil {
		return nil, fmt.Errorf("creating temp directory: %w", err)
	}
	return &FSStore{base: base, compress: compress}, nil
}

func (s *FSStore) blobPath(storedID string) string {
	return filepath.Join(s.base, filepath.FromSlash(fanoutKey(storedID)))
}

// Put writes the stream to a temp file, then renames it into the fan-out
// location. Any failure removes the temp file before the error surfaces.
func (s *FSStore) Put(ctx context.Context, storedID string, r io.Reader) error {
	_, span := tracer.Start(ctx, "blobfs.put",
		trace.WithAttributes(attribute.String("stored_id", storedID)),
	)
	defer span.End()

	if err := validateStoredID(storedID); err != nil {
		span.RecordError(err)
		return err
	}

	tmp, err := os.CreateTemp(filepath.Join(s.base, tempDirName), "put-*")
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("creating temp file: %w", err)
	}

	if err := s.writeTemp(tmp, r); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		span.RecordError(err)
		return fmt.Errorf("writing blob %s: %w", storedID, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		span.RecordError(err)
		return fmt.Errorf("writing blob %s: %w", storedID, err)
	}

	dst := s.blobPath(storedID)
	if s.compress {
		dst += compressedSuffix
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		os.Remove(tmp.Name())
		span.RecordError(err)
		return fmt.Errorf("creating blob directory: %w", err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		os.Remove(tmp.Name())
		span.RecordError(err)
		return fmt.Errorf("committing blob %s: %w", storedID, err)
	}

	span.SetAttributes(attribute.Bool("compressed", s.compress))
	return nil
}

func (s *FSStore) writeTemp(tmp *os.File, r io.Reader) error {
	if !s.compress {
		_, err := io.Copy(tmp, r)
		return err
	}
	enc, err := zstd.NewWriter(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(enc, r); err != nil {
		enc.Close()
		return err
	}
	return enc.Close()
}

// Open returns the blob's original bytes, decompressing blobs stored with
// the compressed suffix. Plain blobs are streamed back untouched.
func (s *FSStore) Open(ctx context.Context, storedID string) (io.ReadCloser, error) {
	_, span := tracer.Start(ctx, "blobfs.open",
		trace.WithAttributes(attribute.String("stored_id", storedID)),
	)
	defer span.End()

	if err := validateStoredID(storedID); err != nil {
		span.RecordError(err)
		return nil, err
	}

	p := s.blobPath(storedID)
	f, err := os.Open(p)
	if err == nil {
		return f, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		span.RecordError(err)
		return nil, fmt.Errorf("open blob %s: %w", storedID, err)
	}

	f, err = os.Open(p + compressedSuffix)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("blob %s: %w", storedID, ErrBlobNotFound)
		}
		span.RecordError(err)
		return nil, fmt.Errorf("open blob %s: %w", storedID, err)
	}

	dec, err := zstd.NewReader(f)
	if err != nil {
		f.Close()
		span.RecordError(err)
		return nil, fmt.Errorf("read blob %s: %w", storedID, err)
	}
	return &blobReader{
		Reader: dec,
		close: func() error {
			dec.Close()
			return f.Close()
		},
	}, nil
}

// Exists reports whether a blob file is present at the fan-out path.
func (s *FSStore) Exists(ctx context.Context, storedID string) (bool, error) {
	if err := validateStoredID(storedID); err != nil {
		return false, err
	}
	p := s.blobPath(storedID)
	for _, candidate := range []string{p, p + compressedSuffix} {
		_, err := os.Stat(candidate)
		if err == nil {
			return true, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return false, err
		}
	}
	return false, nil
}

// Delete removes a blob. Idempotent: deleting a missing blob is not an
// error. Empty fan-out directories are pruned afterwards.
func (s *FSStore) Delete(ctx context.Context, storedID string) error {
	_, span := tracer.Start(ctx, "blobfs.delete",
		trace.WithAttributes(attribute.String("stored_id", storedID)),
	)
	defer span.End()

	if err := validateStoredID(storedID); err != nil {
		span.RecordError(err)
		return err
	}

	p := s.blobPath(storedID)
	for _, candidate := range []string{p, p + compressedSuffix} {
		if err := os.Remove(candidate); err != nil && !errors.Is(err, fs.ErrNotExist) {
			span.RecordError(err)
			return fmt.Errorf("delete blob %s: %w", storedID, err)
		}
	}

	s.pruneEmptyDirs(filepath.Dir(p))
	return nil
}

// pruneEmptyDirs walks up from a fan-out leaf directory, removing empty
// directories until it hits the base or a non-empty directory.
func (s *FSStore) pruneEmptyDirs(dir string) {
	for dir != s.base && dir != "." && dir != "/" {
		entries, err := os.ReadDir(dir)
		if err != nil || len(entries) > 0 {
			break
		}
		if err := os.Remove(dir); err != nil {
			break
		}
		dir = filepath.Dir(dir)
	}
}

// Walk visits every stored blob, skipping the temp directory. Files whose
// names do not parse as stored ids are ignored rather than reported, so a
// stray file under the base directory cannot derail a caller.
func (s *FSStore) Walk(ctx context.Context, fn func(storedID string, modTime time.Time) error) error {
	return filepath.WalkDir(s.base, func(path string, d fs.DirEntry, err error) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == tempDirName {
				return filepath.SkipDir
			}
			return nil
		}
		storedID := strings.TrimSuffix(d.Name(), compressedSuffix)
		if validateStoredID(storedID) != nil {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		return fn(storedID, info.ModTime())
	})
}

type blobReader struct {
	io.Reader
	close func() error
}

func (r *blobReader) Close() error {
	return r.close()
}
