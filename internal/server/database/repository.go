package database

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const fileColumns = `id, name, filename, size, type, content_type, owner, created_at,
	COALESCE(storage_path, ''), COALESCE(checksum, ''), events`

// PostgresStore implements Store on the files table.
type PostgresStore struct {
	db *DB
}

// NewPostgresStore creates a Store backed by db. Migrations must have run.
func NewPostgresStore(db *DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (r *PostgresStore) ValidID(id string) bool {
	return canonicalUUID(id)
}

// Create inserts a new incomplete file record.
func (r *PostgresStore) Create(ctx context.Context, file NewFile) (string, error) {
	id := uuid.New().String()
	tag, err := r.db.Pool.Exec(ctx, `
		INSERT INTO files (id, name, filename, size, type, content_type, owner, created_at, events)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, '{}')
	`,
		id,
		file.Name,
		file.Filename,
		file.Size,
		file.Type,
		file.ContentType,
		file.Owner,
		time.Now().UTC().Truncate(time.Millisecond),
	)
	if err != nil {
		return "", fmt.Errorf("failed to create file: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return "", fmt.Errorf("%w: inserted %d rows", ErrStoreFailure, tag.RowsAffected())
	}
	return id, nil
}

// Finalize attaches the storage location and checksum to exactly one record.
func (r *PostgresStore) Finalize(ctx context.Context, id string, fin Finalization) error {
	if !r.ValidID(id) {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	tag, err := r.db.Pool.Exec(ctx, `
		UPDATE files SET storage_path = $2, filename = $3, content_type = $4, checksum = $5
		WHERE id = $1
	`, id, fin.StoragePath, fin.Filename, fin.ContentType, fin.Checksum)
	if err != nil {
		return fmt.Errorf("failed to finalize file: %w", err)
	}
	switch tag.RowsAffected() {
	case 0:
		return ErrNotFound
	case 1:
		return nil
	default:
		return fmt.Errorf("%w: finalized %d rows", ErrStoreFailure, tag.RowsAffected())
	}
}

// Find returns the records matching every set field of q.
func (r *PostgresStore) Find(ctx context.Context, q Query) ([]FileRecord, error) {
	if q.ID != "" && !r.ValidID(q.ID) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidID, q.ID)
	}

	where, args := buildFindWhere(q, 1)
	rows, err := r.db.Pool.Query(ctx,
		fmt.Sprintf(`SELECT %s FROM files %s ORDER BY created_at, id`, fileColumns, where),
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query files: %w", err)
	}
	defer rows.Close()

	var files []FileRecord
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan file: %w", err)
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

// scanFile reads one row selected with fileColumns.
func scanFile(row pgx.Row) (FileRecord, error) {
	var f FileRecord
	if err := row.Scan(
		&f.ID,
		&f.Name,
		&f.Filename,
		&f.Size,
		&f.Type,
		&f.ContentType,
		&f.Owner,
		&f.CreatedAt,
		&f.StoragePath,
		&f.Checksum,
		&f.Events,
	); err != nil {
		return FileRecord{}, err
	}
	if f.Events == nil {
		f.Events = []string{}
	}
	return f, nil
}

// Update changes the given fields of one record.
func (r *PostgresStore) Update(ctx context.Context, id string, fields Fields) error {
	if !r.ValidID(id) {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	if fields.Empty() {
		return nil
	}

	sets := []string{}
	args := []any{id}
	if fields.Name != nil {
		args = append(args, *fields.Name)
		sets = append(sets, fmt.Sprintf("name = $%d", len(args)))
	}
	if fields.Type != nil {
		args = append(args, *fields.Type)
		sets = append(sets, fmt.Sprintf("type = $%d", len(args)))
	}

	tag, err := r.db.Pool.Exec(ctx,
		fmt.Sprintf("UPDATE files SET %s WHERE id = $1", strings.Join(sets, ", ")),
		args...,
	)
	if err != nil {
		return fmt.Errorf("failed to update file: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a file record by ID and returns the removed row.
func (r *PostgresStore) Delete(ctx context.Context, id string) (FileRecord, error) {
	if !r.ValidID(id) {
		return FileRecord{}, fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	f, err := scanFile(r.db.Pool.QueryRow(ctx,
		fmt.Sprintf("DELETE FROM files WHERE id = $1 RETURNING %s", fileColumns), id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return FileRecord{}, ErrNotFound
		}
		return FileRecord{}, fmt.Errorf("failed to delete file: %w", err)
	}
	return f, nil
}

// DeleteIncomplete removes a file record by ID only while its bytes have
// not arrived.
func (r *PostgresStore) DeleteIncomplete(ctx context.Context, id string) error {
	if !r.ValidID(id) {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	tag, err := r.db.Pool.Exec(ctx, "DELETE FROM files WHERE id = $1 AND storage_path IS NULL", id)
	if err != nil {
		return fmt.Errorf("failed to delete incomplete file: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// AddEvents appends the events a record does not already carry. The
// subquery is evaluated against the row being updated, so concurrent adds
// on the same row never produce duplicates.
func (r *PostgresStore) AddEvents(ctx context.Context, sel Selector, events []string) (int64, error) {
	return r.mutateEvents(ctx, sel, `events || ARRAY(
		SELECT e FROM unnest($1::text[]) AS e WHERE NOT (e = ANY(events))
	)`, dedupe(events))
}

// RemoveEvents removes the events from each selected record.
func (r *PostgresStore) RemoveEvents(ctx context.Context, sel Selector, events []string) (int64, error) {
	return r.mutateEvents(ctx, sel, `ARRAY(
		SELECT e FROM unnest(events) AS e WHERE NOT (e = ANY($1::text[]))
	)`, events)
}

// SetEvents overwrites the events of each selected record.
func (r *PostgresStore) SetEvents(ctx context.Context, sel Selector, events []string) (int64, error) {
	return r.mutateEvents(ctx, sel, `$1::text[]`, dedupe(events))
}

func (r *PostgresStore) mutateEvents(ctx context.Context, sel Selector, expr string, events []string) (int64, error) {
	if sel.matchesNothing() {
		return 0, nil
	}
	for _, id := range sel.IDs {
		if !r.ValidID(id) {
			return 0, fmt.Errorf("%w: %q", ErrInvalidID, id)
		}
	}
	if events == nil {
		events = []string{}
	}

	where, args := buildSelectorWhere(sel, 2)
	tag, err := r.db.Pool.Exec(ctx,
		fmt.Sprintf("UPDATE files SET events = %s %s", expr, where),
		append([]any{events}, args...)...,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to update bindings: %w", err)
	}
	return tag.RowsAffected(), nil
}

// CountByEvent returns how many records are bound to event.
func (r *PostgresStore) CountByEvent(ctx context.Context, event string) (int64, error) {
	var n int64
	err := r.db.Pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM files WHERE events @> ARRAY[$1::text]", event,
	).Scan(&n)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("failed to count files for event: %w", err)
	}
	return n, nil
}

func (r *PostgresStore) Ping(ctx context.Context) error {
	return r.db.HealthCheck(ctx)
}

func (r *PostgresStore) Close(context.Context) error {
	r.db.Close()
	return nil
}

// buildFindWhere builds the WHERE clause for q. startArg is the number of
// the first $-placeholder.
func buildFindWhere(q Query, startArg int) (string, []any) {
	var conditions []string
	var args []any
	next := func(cond string, arg any) {
		args = append(args, arg)
		conditions = append(conditions, fmt.Sprintf(cond, startArg+len(args)-1))
	}

	if q.ID != "" {
		next("id = $%d", q.ID)
	}
	if text := q.SearchText(); text != "" {
		next("to_tsvector('simple', name || ' ' || filename) @@ plainto_tsquery('simple', $%d)", text)
	}
	if q.Size != nil {
		next("size = $%d", *q.Size)
	}
	if q.Type != "" {
		next("type = $%d", q.Type)
	}
	if q.ContentType != "" {
		next("content_type = $%d", q.ContentType)
	}
	if q.CreatedAt != nil {
		next("created_at = $%d", q.CreatedAt.UTC())
	}
	if q.Owner != "" {
		next("owner = $%d", q.Owner)
	}
	if q.Event != "" {
		next("events @> ARRAY[$%d::text]", q.Event)
	}
	if q.StoragePath != "" {
		next("storage_path = $%d", q.StoragePath)
	}
	if q.IncompleteBefore != nil {
		next("storage_path IS NULL AND created_at < $%d", q.IncompleteBefore.UTC())
	}

	if len(conditions) == 0 {
		return "", args
	}
	return "WHERE " + strings.Join(conditions, " AND "), args
}

// buildSelectorWhere builds the WHERE clause for a binding mutation.
func buildSelectorWhere(sel Selector, startArg int) (string, []any) {
	var conditions []string
	var args []any
	next := func(cond string, arg any) {
		args = append(args, arg)
		conditions = append(conditions, fmt.Sprintf(cond, startArg+len(args)-1))
	}

	if len(sel.IDs) > 0 {
		next("id = ANY($%d::text[])", sel.IDs)
	}
	if sel.Event != "" {
		next("events @> ARRAY[$%d::text]", sel.Event)
	}
	if sel.Owner != "" {
		next("owner = $%d", sel.Owner)
	}
	return "WHERE " + strings.Join(conditions, " AND "), args
}
