package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/maneesh/crashstore/internal/models"
)

// ErrNotFound is returned for reads and deletes of unknown dump records.
var ErrNotFound = errors.New("record not found")

const defaultListLimit = 100

// VARCHAR bounds are not enforced by every engine (sqlite treats them as
// hints), so the name limit is restated as a CHECK constraint.
//
// The created_at column type is per engine: mysql's bare DATETIME truncates
// to whole seconds, which would make newest-first ordering unstable for
// same-second creates, so it gets microsecond precision there. go-sqlite3
// only maps the exact decltype DATETIME onto time.Time, so sqlite keeps the
// bare type (its storage carries full precision regardless).
const schemaTmpl = `
CREATE TABLE IF NOT EXISTS dumps (
	id            VARCHAR(36) NOT NULL PRIMARY KEY,
	original_name VARCHAR(64) NOT NULL CHECK (length(original_name) <= 64),
	stored_id     VARCHAR(36) NOT NULL UNIQUE,
	label         VARCHAR(32) NOT NULL DEFAULT '',
	created_at    %s NOT NULL
)`

// SQLStore is the transactional table of dump records. Reads can run
// directly on the store; mutations run inside InTx, whose transaction object
// supports post-commit hooks.
type SQLStore struct {
	db            *sql.DB
	createdAtType string
}

// NewSQLStore wraps an open database handle. The caller owns the handle's
// lifetime when using this constructor directly (tests do).
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db, createdAtType: "DATETIME"}
}

// OpenMySQL connects to the metadata database and verifies the connection.
func OpenMySQL(dsn string) (*SQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Set connection pool settings
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)

	return &SQLStore{db: db, createdAtType: "DATETIME(6)"}, nil
}

// Close closes the database connection
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// Migrate creates the dumps table if it does not exist.
func (s *SQLStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(schemaTmpl, s.createdAtType)); err != nil {
		return fmt.Errorf("failed to create dumps table: %w", err)
	}
	return nil
}

// Tx is a metadata transaction. Hooks registered with OnCommit run only
// after the transaction has durably committed, never on rollback; the dump
// service uses them to sequence blob deletion strictly after the metadata
// state that referenced the blob is gone.
type Tx struct {
	tx    *sql.Tx
	hooks []func()
}

// OnCommit registers fn to run after a successful commit.
func (t *Tx) OnCommit(fn func()) {
	t.hooks = append(t.hooks, fn)
}

// InTx runs fn inside a transaction. If fn returns an error the transaction
// is rolled back and no hooks run. On successful commit all registered
// hooks run in registration order.
func (s *SQLStore) InTx(ctx context.Context, fn func(tx *Tx) error) error {
	ctx, span := tracer.Start(ctx, "metadata.tx")
	defer span.End()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	t := &Tx{tx: sqlTx}
	if err := fn(t); err != nil {
		sqlTx.Rollback()
		span.RecordError(err)
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	for _, hook := range t.hooks {
		hook()
	}

	span.SetAttributes(attribute.Int("commit_hooks", len(t.hooks)))
	return nil
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// CreateDump inserts a new record, assigning its id. The UNIQUE constraint
// on stored_id rejects reuse of a live stored id.
func (t *Tx) CreateDump(ctx context.Context, rec *models.DumpRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}

	query := `INSERT INTO dumps (id, original_name, stored_id, label, created_at)
			  VALUES (?, ?, ?, ?, ?)`

	_, err := t.tx.ExecContext(ctx, query, rec.ID, rec.OriginalName, rec.StoredID, rec.Label, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert dump: %w", err)
	}
	return nil
}

// GetDump retrieves a record inside the transaction.
func (t *Tx) GetDump(ctx context.Context, id string) (*models.DumpRecord, error) {
	return getDump(ctx, t.tx, id)
}

// UpdateDump writes the record's mutable fields.
func (t *Tx) UpdateDump(ctx context.Context, rec *models.DumpRecord) error {
	query := `UPDATE dumps SET original_name = ?, stored_id = ?, label = ? WHERE id = ?`

	_, err := t.tx.ExecContext(ctx, query, rec.OriginalName, rec.StoredID, rec.Label, rec.ID)
	if err != nil {
		return fmt.Errorf("failed to update dump: %w", err)
	}
	return nil
}

// DeleteDump removes the record's row.
func (t *Tx) DeleteDump(ctx context.Context, id string) error {
	res, err := t.tx.ExecContext(ctx, `DELETE FROM dumps WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete dump: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete dump: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetDump retrieves a record by id with tracing.
func (s *SQLStore) GetDump(ctx context.Context, id string) (*models.DumpRecord, error) {
	ctx, span := tracer.Start(ctx, "metadata.get_dump",
		trace.WithAttributes(attribute.String("dump_id", id)),
	)
	defer span.End()

	rec, err := getDump(ctx, s.db, id)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			span.RecordError(err)
		}
		span.SetAttributes(attribute.Bool("found", false))
		return nil, err
	}

	span.SetAttributes(attribute.Bool("found", true))
	return rec, nil
}

// ListDumps returns records newest-created first, optionally filtered by
// exact label match. An unknown label yields an empty slice, not an error.
func (s *SQLStore) ListDumps(ctx context.Context, label *string, limit, offset int) ([]*models.DumpRecord, error) {
	ctx, span := tracer.Start(ctx, "metadata.list_dumps")
	defer span.End()

	if limit <= 0 {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	query := `SELECT id, original_name, stored_id, label, created_at FROM dumps`
	args := []any{}
	if label != nil {
		query += ` WHERE label = ?`
		args = append(args, *label)
		span.SetAttributes(attribute.String("label", *label))
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to query dumps: %w", err)
	}
	defer rows.Close()

	records := []*models.DumpRecord{}
	for rows.Next() {
		rec := &models.DumpRecord{}
		if err := rows.Scan(&rec.ID, &rec.OriginalName, &rec.StoredID, &rec.Label, &rec.CreatedAt); err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("failed to scan dump: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("error iterating dumps: %w", err)
	}

	span.SetAttributes(attribute.Int("dump_count", len(records)))
	return records, nil
}

// StoredIDInUse reports whether any record references the stored id. The
// reconciliation sweep uses it to tell orphan blobs from live ones.
func (s *SQLStore) StoredIDInUse(ctx context.Context, storedID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM dumps WHERE stored_id = ?`, storedID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to query stored id: %w", err)
	}
	return true, nil
}

func getDump(ctx context.Context, q querier, id string) (*models.DumpRecord, error) {
	query := `SELECT id, original_name, stored_id, label, created_at FROM dumps WHERE id = ?`

	rec := &models.DumpRecord{}
	err := q.QueryRowContext(ctx, query, id).Scan(&rec.ID, &rec.OriginalName, &rec.StoredID, &rec.Label, &rec.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query dump: %w", err)
	}
	return rec, nil
}
