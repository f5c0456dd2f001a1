package persistence

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/iddsops/idds/internal/types"
)

const collectionColumns = `coll_id, transform_id, request_id, coll_type, relation_type, scope, name, bytes,
	status, substatus, locking,
	total_files, new_files, processed_files, processing_files, failed_files, missing_files,
	ext_total_files, ext_processed_files,
	created_at, updated_at, next_poll_at, expired_at, coll_metadata`

// CollectionRepository provides typed access to the collections table.
type CollectionRepository struct {
	db *sql.DB
}

// NewCollectionRepository creates a CollectionRepository over db.
func NewCollectionRepository(db *sql.DB) *CollectionRepository {
	return &CollectionRepository{db: db}
}

func scanCollection(scanner interface{ Scan(...any) error }) (*Collection, error) {
	var c Collection
	err := scanner.Scan(
		&c.CollID, &c.TransformID, &c.RequestID, &c.CollType, &c.RelationType, &c.Scope, &c.Name, &c.Bytes,
		&c.Status, &c.Substatus, &c.Locking,
		&c.TotalFiles, &c.NewFiles, &c.ProcessedFiles, &c.ProcessingFiles, &c.FailedFiles, &c.MissingFiles,
		&c.ExtTotalFiles, &c.ExtProcessedFiles,
		&c.CreatedAt, &c.UpdatedAt, &c.NextPollAt, &c.ExpiredAt, &c.CollMetadata,
	)
	return &c, err
}

// Create inserts a collection and returns its id. A duplicate
// (transform, relation, scope, name) returns ErrDuplicated.
func (r *CollectionRepository) Create(c *Collection) (int64, error) {
	return createCollectionTx(r.db, c)
}

func createCollectionTx(e execer, c *Collection) (int64, error) {
	now := time.Now().Unix()
	if c.CreatedAt == 0 {
		c.CreatedAt = now
	}
	if c.UpdatedAt == 0 {
		c.UpdatedAt = now
	}
	if c.NextPollAt == 0 {
		c.NextPollAt = now
	}
	if c.Locking == "" {
		c.Locking = types.LockIdle
	}
	result, err := e.Exec(
		`INSERT INTO collections (
			transform_id, request_id, coll_type, relation_type, scope, name, bytes,
			status, substatus, locking,
			total_files, new_files, processed_files, processing_files, failed_files, missing_files,
			ext_total_files, ext_processed_files,
			created_at, updated_at, next_poll_at, expired_at, coll_metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.TransformID, c.RequestID, c.CollType, c.RelationType, c.Scope, c.Name, c.Bytes,
		c.Status, c.Substatus, c.Locking,
		c.TotalFiles, c.NewFiles, c.ProcessedFiles, c.ProcessingFiles, c.FailedFiles, c.MissingFiles,
		c.ExtTotalFiles, c.ExtProcessedFiles,
		c.CreatedAt, c.UpdatedAt, c.NextPollAt, c.ExpiredAt, c.CollMetadata,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, fmt.Errorf("failed to insert collection: %w", ErrDuplicated)
		}
		return 0, fmt.Errorf("failed to insert collection: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get last insert id: %w", err)
	}
	c.CollID = id
	return id, nil
}

// Get retrieves a collection by id.
func (r *CollectionRepository) Get(id int64) (*Collection, error) {
	row := r.db.QueryRow(`SELECT `+collectionColumns+` FROM collections WHERE coll_id = ?`, id)
	c, err := scanCollection(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("collection %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get collection: %w", err)
	}
	return c, nil
}

// GetByTransform lists the collections of a transform, inputs first.
func (r *CollectionRepository) GetByTransform(transformID int64) ([]*Collection, error) {
	rows, err := r.db.Query(
		`SELECT `+collectionColumns+` FROM collections WHERE transform_id = ?
		 ORDER BY relation_type ASC, coll_id ASC`,
		transformID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list collections: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Collection
	for rows.Next() {
		c, err := scanCollection(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan collection row: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating collection rows: %w", err)
	}
	return out, nil
}

// Update applies the given column updates; updated_at is refreshed.
func (r *CollectionRepository) Update(id int64, fields map[string]any) error {
	return updateCollectionTx(r.db, id, fields)
}

func updateCollectionTx(e execer, id int64, fields map[string]any) error {
	if fields == nil {
		fields = map[string]any{}
	}
	fields["updated_at"] = time.Now().Unix()
	clause, args := buildSet(fields)
	args = append(args, id)
	result, err := e.Exec(`UPDATE collections SET `+clause+` WHERE coll_id = ?`, args...)
	if err != nil {
		return fmt.Errorf("failed to update collection: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("collection %d: %w", id, ErrNotFound)
	}
	return nil
}
