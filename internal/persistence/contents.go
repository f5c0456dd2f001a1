package persistence

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/iddsops/idds/internal/types"
)

// Batch sizing for content writes. Policy, not a hard limit.
const (
	contentInsertChunk = 10000
	depUpdateChunk     = 1000
)

const contentColumns = `content_id, transform_id, coll_id, request_id, workload_id, map_id, content_dep_id,
	scope, name, min_id, max_id,
	content_type, content_relation_type,
	status, substatus, locking,
	bytes, md5, adler32, path,
	created_at, updated_at, expired_at, content_metadata`

// ContentRepository provides typed access to the contents table and the
// contents_update shadow table.
type ContentRepository struct {
	db *sql.DB
}

// NewContentRepository creates a ContentRepository over db.
func NewContentRepository(db *sql.DB) *ContentRepository {
	return &ContentRepository{db: db}
}

func scanContent(scanner interface{ Scan(...any) error }) (*Content, error) {
	var c Content
	err := scanner.Scan(
		&c.ContentID, &c.TransformID, &c.CollID, &c.RequestID, &c.WorkloadID, &c.MapID, &c.ContentDepID,
		&c.Scope, &c.Name, &c.MinID, &c.MaxID,
		&c.ContentType, &c.ContentRelationType,
		&c.Status, &c.Substatus, &c.Locking,
		&c.Bytes, &c.MD5, &c.Adler32, &c.Path,
		&c.CreatedAt, &c.UpdatedAt, &c.ExpiredAt, &c.ContentMetadata,
	)
	return &c, err
}

// Create inserts a single content. Duplicates on the map uniqueness key
// return ErrDuplicated.
func (r *ContentRepository) Create(c *Content) (int64, error) {
	return createContentTx(r.db, c)
}

func createContentTx(e execer, c *Content) (int64, error) {
	if c.ContentDepID.Valid {
		if err := checkDepChain(e, c.ContentDepID.Int64); err != nil {
			return 0, err
		}
	}
	now := time.Now().Unix()
	if c.CreatedAt == 0 {
		c.CreatedAt = now
	}
	if c.UpdatedAt == 0 {
		c.UpdatedAt = now
	}
	if c.Locking == "" {
		c.Locking = types.LockIdle
	}
	result, err := e.Exec(
		`INSERT INTO contents (
			transform_id, coll_id, request_id, workload_id, map_id, content_dep_id,
			scope, name, min_id, max_id,
			content_type, content_relation_type,
			status, substatus, locking,
			bytes, md5, adler32, path,
			created_at, updated_at, expired_at, content_metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.TransformID, c.CollID, c.RequestID, c.WorkloadID, c.MapID, c.ContentDepID,
		c.Scope, c.Name, c.MinID, c.MaxID,
		c.ContentType, c.ContentRelationType,
		c.Status, c.Substatus, c.Locking,
		c.Bytes, c.MD5, c.Adler32, c.Path,
		c.CreatedAt, c.UpdatedAt, c.ExpiredAt, c.ContentMetadata,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, fmt.Errorf("failed to insert content: %w", ErrDuplicated)
		}
		return 0, fmt.Errorf("failed to insert content: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get last insert id: %w", err)
	}
	c.ContentID = id
	return id, nil
}

// checkDepChain walks the content_dep_id chain starting at depID and
// refuses links whose chain revisits a content. Chains are normally one
// level deep, so the walk is cheap.
func checkDepChain(e execer, depID int64) error {
	seen := map[int64]bool{}
	id := depID
	for {
		if seen[id] {
			return fmt.Errorf("content %d: %w", depID, ErrDepCycle)
		}
		seen[id] = true
		var next sql.NullInt64
		err := e.QueryRow(`SELECT content_dep_id FROM contents WHERE content_id = ?`, id).Scan(&next)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to walk dependency chain: %w", err)
		}
		if !next.Valid {
			return nil
		}
		id = next.Int64
	}
}

// CreateBatch inserts contents in chunks, skipping duplicates so retried
// batches are idempotent. Returns the number of rows actually inserted.
func (r *ContentRepository) CreateBatch(contents []*Content) (int, error) {
	inserted := 0
	for start := 0; start < len(contents); start += contentInsertChunk {
		end := start + contentInsertChunk
		if end > len(contents) {
			end = len(contents)
		}
		tx, err := r.db.Begin()
		if err != nil {
			return inserted, fmt.Errorf("failed to begin tx: %w", err)
		}
		for _, c := range contents[start:end] {
			if _, err := createContentTx(tx, c); err != nil {
				if errors.Is(err, ErrDuplicated) {
					continue
				}
				_ = tx.Rollback()
				return inserted, err
			}
			inserted++
		}
		if err := tx.Commit(); err != nil {
			return inserted, fmt.Errorf("failed to commit: %w", err)
		}
	}
	return inserted, nil
}

// Get retrieves a content by id.
func (r *ContentRepository) Get(id int64) (*Content, error) {
	row := r.db.QueryRow(`SELECT `+contentColumns+` FROM contents WHERE content_id = ?`, id)
	c, err := scanContent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("content %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get content: %w", err)
	}
	return c, nil
}

func (r *ContentRepository) queryContents(query string, args ...any) ([]*Content, error) {
	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list contents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Content
	for rows.Next() {
		c, err := scanContent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan content row: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating content rows: %w", err)
	}
	return out, nil
}

// GetByTransform lists all contents of a transform ordered by map_id.
func (r *ContentRepository) GetByTransform(transformID int64) ([]*Content, error) {
	return r.queryContents(
		`SELECT `+contentColumns+` FROM contents WHERE transform_id = ? ORDER BY map_id ASC, content_id ASC`,
		transformID,
	)
}

// GetByCollection lists all contents of a collection.
func (r *ContentRepository) GetByCollection(collID int64) ([]*Content, error) {
	return r.queryContents(
		`SELECT `+contentColumns+` FROM contents WHERE coll_id = ? ORDER BY map_id ASC, content_id ASC`,
		collID,
	)
}

// GetByRelation lists a transform's contents with the given relation.
func (r *ContentRepository) GetByRelation(transformID int64, relation types.ContentRelationType) ([]*Content, error) {
	return r.queryContents(
		`SELECT `+contentColumns+` FROM contents
		 WHERE transform_id = ? AND content_relation_type = ?
		 ORDER BY map_id ASC, content_id ASC`,
		transformID, relation,
	)
}

// MaxMapID returns the highest map_id used by a transform, 0 when none.
// Map ids are allocated as max+1 and never reused.
func (r *ContentRepository) MaxMapID(transformID int64) (int64, error) {
	var maxID sql.NullInt64
	err := r.db.QueryRow(
		`SELECT MAX(map_id) FROM contents WHERE transform_id = ?`, transformID,
	).Scan(&maxID)
	if err != nil {
		return 0, fmt.Errorf("failed to get max map id: %w", err)
	}
	if !maxID.Valid {
		return 0, nil
	}
	return maxID.Int64, nil
}

// GetOutputsByName indexes a set of transforms' Output contents by name,
// for dependency resolution across works.
func (r *ContentRepository) GetOutputsByName(transformIDs []int64) (map[string]*Content, error) {
	if len(transformIDs) == 0 {
		return map[string]*Content{}, nil
	}
	args := make([]any, 0, len(transformIDs)+1)
	for _, id := range transformIDs {
		args = append(args, id)
	}
	args = append(args, types.ContentRelationOutput)
	contents, err := r.queryContents(
		`SELECT `+contentColumns+` FROM contents
		 WHERE transform_id IN (`+placeholders(len(transformIDs))+`) AND content_relation_type = ?`,
		args...,
	)
	if err != nil {
		return nil, err
	}
	out := make(map[string]*Content, len(contents))
	for _, c := range contents {
		out[c.Name] = c
	}
	return out, nil
}

// GetUpstreamOutputs lists Output contents of a request's other
// transforms, the candidates for content-level dependency release.
func (r *ContentRepository) GetUpstreamOutputs(requestID, excludeTransformID int64) ([]*Content, error) {
	return r.queryContents(
		`SELECT `+contentColumns+` FROM contents
		 WHERE request_id = ? AND transform_id != ? AND content_relation_type = ?
		 ORDER BY content_id ASC`,
		requestID, excludeTransformID, types.ContentRelationOutput,
	)
}

// ContentSubstatus is one pending substatus write for a content.
type ContentSubstatus struct {
	ContentID int64
	Substatus types.ContentStatus
	// Metadata optionally replaces content_metadata in the same write.
	Metadata sql.NullString
}

// UpdateSubstatusBatch writes substatus (and optional metadata) updates
// in chunks inside one transaction per chunk.
func (r *ContentRepository) UpdateSubstatusBatch(updates []ContentSubstatus) error {
	return updateSubstatusBatchTx(r.db, updates)
}

func updateSubstatusBatchTx(e execer, updates []ContentSubstatus) error {
	now := time.Now().Unix()
	for start := 0; start < len(updates); start += depUpdateChunk {
		end := start + depUpdateChunk
		if end > len(updates) {
			end = len(updates)
		}
		for _, u := range updates[start:end] {
			var err error
			if u.Metadata.Valid {
				_, err = e.Exec(
					`UPDATE contents SET substatus = ?, content_metadata = ?, updated_at = ? WHERE content_id = ?`,
					u.Substatus, u.Metadata, now, u.ContentID,
				)
			} else {
				_, err = e.Exec(
					`UPDATE contents SET substatus = ?, updated_at = ? WHERE content_id = ?`,
					u.Substatus, now, u.ContentID,
				)
			}
			if err != nil {
				return fmt.Errorf("failed to update content substatus: %w", err)
			}
		}
	}
	return nil
}

// Update applies the given column updates to one content.
func (r *ContentRepository) Update(id int64, fields map[string]any) error {
	if fields == nil {
		fields = map[string]any{}
	}
	fields["updated_at"] = time.Now().Unix()
	clause, args := buildSet(fields)
	args = append(args, id)
	result, err := r.db.Exec(`UPDATE contents SET `+clause+` WHERE content_id = ?`, args...)
	if err != nil {
		return fmt.Errorf("failed to update content: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("content %d: %w", id, ErrNotFound)
	}
	return nil
}

// AddContentUpdates inserts shadow rows for later trigger-driven
// propagation. Existing shadow rows for the same content are replaced.
func (r *ContentRepository) AddContentUpdates(updates []ContentUpdate) error {
	return addContentUpdatesTx(r.db, updates)
}

func addContentUpdatesTx(e execer, updates []ContentUpdate) error {
	for _, u := range updates {
		if _, err := e.Exec(
			`INSERT INTO contents_update (content_id, substatus, request_id, transform_id, coll_id)
			 VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT(content_id) DO UPDATE SET substatus = excluded.substatus`,
			u.ContentID, u.Substatus, u.RequestID, u.TransformID, u.CollID,
		); err != nil {
			return fmt.Errorf("failed to insert content update row: %w", err)
		}
	}
	return nil
}

// SweepContentUpdates deletes shadow rows for the given transforms,
// firing the propagation trigger that copies each row's substatus into
// dependent contents. Returns the number of rows swept.
func (r *ContentRepository) SweepContentUpdates(transformIDs []int64) (int64, error) {
	if len(transformIDs) == 0 {
		return 0, nil
	}
	args := make([]any, 0, len(transformIDs))
	for _, id := range transformIDs {
		args = append(args, id)
	}
	result, err := r.db.Exec(
		`DELETE FROM contents_update WHERE transform_id IN (`+placeholders(len(transformIDs))+`)`,
		args...,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep content updates: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}

// GetReleasableInputs lists Input contents whose dependency has been
// satisfied (substatus propagated to a terminal value) but whose own
// status has not caught up yet.
func (r *ContentRepository) GetReleasableInputs(transformID int64) ([]*Content, error) {
	return r.queryContents(
		`SELECT `+contentColumns+` FROM contents
		 WHERE transform_id = ? AND content_relation_type = ?
		   AND content_dep_id IS NOT NULL
		   AND substatus IN ('available', 'missing', 'failed', 'finalfailed', 'lost')
		   AND status = 'new'
		 ORDER BY map_id ASC, content_id ASC`,
		transformID, types.ContentRelationInput,
	)
}

// StatusCounts aggregates a collection's contents per effective status
// (substatus when set, status otherwise).
func (r *ContentRepository) StatusCounts(collID int64) (map[types.ContentStatus]int64, error) {
	rows, err := r.db.Query(
		`SELECT COALESCE(substatus, status) AS st, COUNT(*) FROM contents WHERE coll_id = ? GROUP BY st`,
		collID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to count content statuses: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := map[types.ContentStatus]int64{}
	for rows.Next() {
		var st types.ContentStatus
		var n int64
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("failed to scan status count: %w", err)
		}
		out[st] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating status counts: %w", err)
	}
	return out, nil
}

// UpdateDepContents is the application-level propagation path: it copies
// substatus from source contents to their dependents in chunks, inside
// one transaction. The trigger path and this path are never mixed on the
// same rows.
func (r *ContentRepository) UpdateDepContents(sources []ContentSubstatus) error {
	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().Unix()
	for start := 0; start < len(sources); start += depUpdateChunk {
		end := start + depUpdateChunk
		if end > len(sources) {
			end = len(sources)
		}
		for _, s := range sources[start:end] {
			if !s.Substatus.Propagates() {
				continue
			}
			if _, err := tx.Exec(
				`UPDATE contents SET substatus = ?, updated_at = ? WHERE content_dep_id = ?`,
				s.Substatus, now, s.ContentID,
			); err != nil {
				return fmt.Errorf("failed to propagate dep substatus: %w", err)
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// RecordContentExt upserts per-job external details for contents.
func (r *ContentRepository) RecordContentExt(rows []ContentExt) error {
	for _, x := range rows {
		if _, err := r.db.Exec(
			`INSERT INTO contents_ext (content_id, transform_id, coll_id, request_id, map_id, status, panda_id, job_status, start_time, end_time)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(content_id) DO UPDATE SET
			   status = excluded.status, panda_id = excluded.panda_id,
			   job_status = excluded.job_status, start_time = excluded.start_time, end_time = excluded.end_time`,
			x.ContentID, x.TransformID, x.CollID, x.RequestID, x.MapID, x.Status,
			x.PandaID, x.JobStatus, x.StartTime, x.EndTime,
		); err != nil {
			return fmt.Errorf("failed to record content ext: %w", err)
		}
	}
	return nil
}
