package storage

import (
	"context"
	"errors"
	"io"
	"path"
	"time"

	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("crashstore-storage")

var (
	// ErrBlobNotFound is returned when no blob exists for a stored id.
	ErrBlobNotFound = errors.New("blob not found")

	// ErrInvalidStoredID is returned for ids that cannot derive a storage path.
	ErrInvalidStoredID = errors.New("invalid stored id")
)

// BlobStore is durable byte storage keyed by a dump's stored id. The stored
// id doubles as the fan-out path component: blob ab12… lives under a/b/ab12….
type BlobStore interface {
	// Put writes the stream under storedID. On failure no partial blob is
	// left visible at the final location.
	Put(ctx context.Context, storedID string, r io.Reader) error

	// Open returns a reader over the blob's bytes, or ErrBlobNotFound.
	Open(ctx context.Context, storedID string) (io.ReadCloser, error)

	// Exists reports whether a blob is stored under storedID.
	Exists(ctx context.Context, storedID string) (bool, error)

	// Delete removes the blob. Deleting a missing blob is not an error.
	Delete(ctx context.Context, storedID string) error

	// Walk calls fn for every stored blob. Used by the reconciliation sweep.
	Walk(ctx context.Context, fn func(storedID string, modTime time.Time) error) error
}

// fanoutKey derives the two-level storage key for a stored id,
// e.g. "ab12…" -> "a/b/ab12…". Two levels bound per-directory entry
// counts for large collections.
func fanoutKey(storedID string) string {
	return path.Join(storedID[:1], storedID[1:2], storedID)
}

// validateStoredID rejects ids that cannot safely derive a storage path.
// Stored ids are generated as lowercase hex, so anything else indicates a
// caller bug or a tampered request.
func validateStoredID(storedID string) error {
	if len(storedID) < 2 {
		return ErrInvalidStoredID
	}
	for _, r := range storedID {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return ErrInvalidStoredID
		}
	}
	return nil
}
