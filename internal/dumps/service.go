// Package dumps implements the crash-dump service core: the orchestration
// that keeps a blob in the blob store and its metadata row in lockstep
// across create, replace and delete, even though the two stores cannot
// commit in one atomic step.
//
// The protocol is write-blob-then-commit-metadata. A crash between the two
// steps leaves an orphan blob, which the reconciliation sweep reclaims; it
// never leaves a committed record pointing at a missing blob. When a
// metadata commit fails after a blob was written, the blob is deleted
// before the error surfaces. Old blobs made unreferenced by a replace or
// delete are removed by post-commit hooks, strictly after the metadata
// state that referenced them is gone.
package dumps

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/maneesh/crashstore/internal/models"
	"github.com/maneesh/crashstore/internal/storage"
)

var tracer = otel.Tracer("crashstore-dumps")

const maxLabelLen = 32

// Service orchestrates the blob store and the metadata store.
type Service struct {
	blobs storage.BlobStore
	meta  *storage.SQLStore
	cache *storage.DumpCache // nil disables caching

	newStoredID func() string
}

// NewService creates the dump service. cache may be nil.
func NewService(blobs storage.BlobStore, meta *storage.SQLStore, cache *storage.DumpCache) *Service {
	return &Service{
		blobs:       blobs,
		meta:        meta,
		cache:       cache,
		newStoredID: NewStoredID,
	}
}

// CreateParams carries the upload for a new dump.
type CreateParams struct {
	OriginalName string
	Label        string
	File         io.Reader
}

// UpdateParams carries the fields of a replace (PUT) or patch (PATCH).
// Nil pointer fields are left unchanged; File is optional for a patch and
// required for a full replace. FileName is the uploaded file part's
// filename, used for original_name when no explicit name is supplied.
type UpdateParams struct {
	OriginalName *string
	Label        *string
	File         io.Reader
	FileName     string
}

// Create stores the file under a fresh stored id, then commits the
// metadata row. A failed blob write aborts before any metadata is touched;
// a failed metadata commit deletes the just-written blob before the error
// propagates, so the file never outlives a failed commit.
func (s *Service) Create(ctx context.Context, p CreateParams) (*models.DumpRecord, error) {
	ctx, span := tracer.Start(ctx, "dumps.create",
		trace.WithAttributes(attribute.String("original_name", p.OriginalName)),
	)
	defer span.End()

	if p.File == nil {
		return nil, &ValidationError{Field: "file", Reason: "no file provided"}
	}
	if p.OriginalName == "" {
		return nil, &ValidationError{Field: "original_name", Reason: "must not be empty"}
	}
	if err := validateLabel(p.Label); err != nil {
		return nil, err
	}

	storedID := s.newStoredID()
	span.SetAttributes(attribute.String("stored_id", storedID))

	if err := s.blobs.Put(ctx, storedID, p.File); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("write dump file: %w", err)
	}

	rec := &models.DumpRecord{
		OriginalName: p.OriginalName,
		StoredID:     storedID,
		Label:        p.Label,
		CreatedAt:    time.Now().UTC(),
	}

	err := s.meta.InTx(ctx, func(tx *storage.Tx) error {
		return tx.CreateDump(ctx, rec)
	})
	if err != nil {
		// The blob must never outlive a failed metadata commit.
		if delErr := s.blobs.Delete(ctx, storedID); delErr != nil {
			log.Printf("Warning: failed to delete blob %s after failed commit: %v", storedID, delErr)
		}
		span.RecordError(err)
		return nil, fmt.Errorf("commit dump metadata: %w", err)
	}

	span.SetAttributes(attribute.String("dump_id", rec.ID))
	return rec, nil
}

// Update applies a full replace (partial=false, file required) or a partial
// patch (partial=true, all fields optional). With a new file, the new blob
// is written first, the record is repointed in one transaction, and the old
// blob is deleted by a post-commit hook; a failed commit deletes the new
// blob and leaves the old blob and record untouched.
func (s *Service) Update(ctx context.Context, id string, p UpdateParams, partial bool) (*models.DumpRecord, error) {
	ctx, span := tracer.Start(ctx, "dumps.update",
		trace.WithAttributes(
			attribute.String("dump_id", id),
			attribute.Bool("partial", partial),
		),
	)
	defer span.End()

	if !partial && p.File == nil {
		return nil, &ValidationError{Field: "file", Reason: "file is required for a full replace"}
	}
	if p.OriginalName != nil && *p.OriginalName == "" {
		return nil, &ValidationError{Field: "original_name", Reason: "must not be empty"}
	}
	if p.Label != nil {
		if err := validateLabel(*p.Label); err != nil {
			return nil, err
		}
	}

	var (
		rec *models.DumpRecord
		err error
	)
	if p.File == nil {
		rec, err = s.updateFields(ctx, id, p)
	} else {
		rec, err = s.replaceFile(ctx, id, p)
	}
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			span.RecordError(err)
		}
		return nil, err
	}

	s.invalidate(ctx, id)
	return rec, nil
}

// updateFields is a metadata-only update; no blob activity.
func (s *Service) updateFields(ctx context.Context, id string, p UpdateParams) (*models.DumpRecord, error) {
	var rec *models.DumpRecord
	err := s.meta.InTx(ctx, func(tx *storage.Tx) error {
		cur, err := tx.GetDump(ctx, id)
		if err != nil {
			return err
		}
		if p.OriginalName != nil {
			cur.OriginalName = *p.OriginalName
		}
		if p.Label != nil {
			cur.Label = *p.Label
		}
		if err := tx.UpdateDump(ctx, cur); err != nil {
			return err
		}
		rec = cur
		return nil
	})
	if err != nil {
		return nil, translateMetaErr(id, err)
	}
	return rec, nil
}

// replaceFile writes the new blob, repoints the record in one transaction
// and schedules deletion of the old blob for after the commit.
func (s *Service) replaceFile(ctx context.Context, id string, p UpdateParams) (*models.DumpRecord, error) {
	newStoredID := s.newStoredID()

	if err := s.blobs.Put(ctx, newStoredID, p.File); err != nil {
		return nil, fmt.Errorf("write dump file: %w", err)
	}

	var rec *models.DumpRecord
	err := s.meta.InTx(ctx, func(tx *storage.Tx) error {
		cur, err := tx.GetDump(ctx, id)
		if err != nil {
			return err
		}

		oldStoredID := cur.StoredID
		cur.StoredID = newStoredID
		switch {
		case p.OriginalName != nil:
			cur.OriginalName = *p.OriginalName
		case p.FileName != "":
			cur.OriginalName = p.FileName
		}
		if p.Label != nil {
			cur.Label = *p.Label
		}

		if err := tx.UpdateDump(ctx, cur); err != nil {
			return err
		}

		// The old blob may only disappear once the metadata state that
		// referenced it is durable.
		tx.OnCommit(func() {
			if err := s.blobs.Delete(context.Background(), oldStoredID); err != nil {
				log.Printf("Warning: failed to delete replaced blob %s: %v", oldStoredID, err)
			}
		})

		rec = cur
		return nil
	})
	if err != nil {
		// Rollback symmetry with Create: the new blob must not survive a
		// failed commit. The old blob and record are untouched.
		if delErr := s.blobs.Delete(ctx, newStoredID); delErr != nil {
			log.Printf("Warning: failed to delete blob %s after failed commit: %v", newStoredID, delErr)
		}
		return nil, translateMetaErr(id, err)
	}
	return rec, nil
}

// Delete removes the record's row and schedules blob deletion for after
// the commit. Returns the pre-delete snapshot.
func (s *Service) Delete(ctx context.Context, id string) (*models.DumpRecord, error) {
	ctx, span := tracer.Start(ctx, "dumps.delete",
		trace.WithAttributes(attribute.String("dump_id", id)),
	)
	defer span.End()

	var rec *models.DumpRecord
	err := s.meta.InTx(ctx, func(tx *storage.Tx) error {
		cur, err := tx.GetDump(ctx, id)
		if err != nil {
			return err
		}
		if err := tx.DeleteDump(ctx, id); err != nil {
			return err
		}

		storedID := cur.StoredID
		tx.OnCommit(func() {
			if err := s.blobs.Delete(context.Background(), storedID); err != nil {
				log.Printf("Warning: failed to delete blob %s of deleted dump: %v", storedID, err)
			}
		})

		rec = cur
		return nil
	})
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			span.RecordError(err)
		}
		return nil, translateMetaErr(id, err)
	}

	s.invalidate(ctx, id)
	return rec, nil
}

// Get returns a single record, consulting the cache first when one is
// configured.
func (s *Service) Get(ctx context.Context, id string) (*models.DumpRecord, error) {
	ctx, span := tracer.Start(ctx, "dumps.get",
		trace.WithAttributes(attribute.String("dump_id", id)),
	)
	defer span.End()

	if s.cache != nil {
		rec, err := s.cache.Get(ctx, id)
		if err != nil {
			log.Printf("Warning: cache lookup for dump %s failed: %v", id, err)
		} else if rec != nil {
			span.SetAttributes(attribute.Bool("cache_hit", true))
			return rec, nil
		}
	}

	rec, err := s.meta.GetDump(ctx, id)
	if err != nil {
		return nil, translateMetaErr(id, err)
	}

	if s.cache != nil {
		// A read racing a concurrent mutation can re-cache the row it saw
		// after that mutation's invalidate, so a stale entry may live until
		// the cache TTL expires. Readers must tolerate that window.
		if err := s.cache.Set(ctx, rec); err != nil {
			log.Printf("Warning: failed to cache dump %s: %v", id, err)
		}
	}
	return rec, nil
}

// List returns records newest-created first; label filters by exact match.
func (s *Service) List(ctx context.Context, label *string, limit, offset int) ([]*models.DumpRecord, error) {
	ctx, span := tracer.Start(ctx, "dumps.list")
	defer span.End()

	return s.meta.ListDumps(ctx, label, limit, offset)
}

// Download resolves the record and opens its blob for reading. A live
// record whose blob is missing is reported as ErrInconsistent, never as
// ErrNotFound.
func (s *Service) Download(ctx context.Context, id string) (*models.DumpRecord, io.ReadCloser, error) {
	ctx, span := tracer.Start(ctx, "dumps.download",
		trace.WithAttributes(attribute.String("dump_id", id)),
	)
	defer span.End()

	rec, err := s.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	rc, err := s.blobs.Open(ctx, rec.StoredID)
	if err != nil {
		if errors.Is(err, storage.ErrBlobNotFound) {
			span.RecordError(err)
			return nil, nil, fmt.Errorf("dump %s: %w", id, ErrInconsistent)
		}
		span.RecordError(err)
		return nil, nil, fmt.Errorf("open dump file: %w", err)
	}

	return rec, rc, nil
}

func (s *Service) invalidate(ctx context.Context, id string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx, id); err != nil {
		log.Printf("Warning: failed to invalidate cache for dump %s: %v", id, err)
	}
}

func validateLabel(label string) error {
	if len(label) > maxLabelLen {
		return &ValidationError{Field: "label", Reason: fmt.Sprintf("longer than %d characters", maxLabelLen)}
	}
	return nil
}

func translateMetaErr(id string, err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("dump %s: %w", id, ErrNotFound)
	}
	return fmt.Errorf("dump metadata: %w", err)
}
