// Package sweep reclaims orphan blobs: files in the blob store whose
// stored id no metadata row references. Orphans appear when the process
// dies between a blob write and the metadata commit, or when a post-commit
// blob deletion is lost to a crash. The request path never creates a
// record without its blob, so sweeping is the only reconciliation needed.
package sweep

import (
	"context"
	"log"
	"time"

	"github.com/maneesh/crashstore/internal/storage"
)

// Sweeper walks the blob store and deletes unreferenced blobs older than
// the grace period. The grace period keeps the sweep from racing an
// in-flight create whose metadata commit has not happened yet.
type Sweeper struct {
	blobs  storage.BlobStore
	meta   *storage.SQLStore
	grace  time.Duration
	dryRun bool
}

// New creates a sweeper. A zero grace disables the age check.
func New(blobs storage.BlobStore, meta *storage.SQLStore, grace time.Duration, dryRun bool) *Sweeper {
	return &Sweeper{
		blobs:  blobs,
		meta:   meta,
		grace:  grace,
		dryRun: dryRun,
	}
}

// Run performs one full sweep and returns the number of orphans removed
// (or, in dry-run mode, counted).
func (s *Sweeper) Run(ctx context.Context) (int, error) {
	removed := 0
	cutoff := time.Now().Add(-s.grace)

	err := s.blobs.Walk(ctx, func(storedID string, modTime time.Time) error {
		if modTime.After(cutoff) {
			return nil
		}

		inUse, err := s.meta.StoredIDInUse(ctx, storedID)
		if err != nil {
			return err
		}
		if inUse {
			return nil
		}

		if s.dryRun {
			log.Printf("Orphan blob %s (would remove)", storedID)
			removed++
			return nil
		}

		log.Printf("Removing orphan blob %s", storedID)
		if err := s.blobs.Delete(ctx, storedID); err != nil {
			return err
		}
		removed++
		return nil
	})

	return removed, err
}
