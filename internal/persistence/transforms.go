package persistence

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/iddsops/idds/internal/types"
)

const transformColumns = `transform_id, request_id, workload_id, transform_type, transform_tag, priority,
	status, substatus, oldstatus, locking,
	created_at, updated_at, next_poll_at, started_at, finished_at, expired_at,
	new_retries, update_retries, max_new_retries, max_update_retries,
	new_poll_period, update_poll_period,
	errors, transform_metadata, running_metadata`

// TransformRepository provides typed access to the transforms table.
type TransformRepository struct {
	db *sql.DB
}

// NewTransformRepository creates a TransformRepository over db.
func NewTransformRepository(db *sql.DB) *TransformRepository {
	return &TransformRepository{db: db}
}

func scanTransform(scanner interface{ Scan(...any) error }) (*Transform, error) {
	var t Transform
	err := scanner.Scan(
		&t.TransformID, &t.RequestID, &t.WorkloadID, &t.TransformType, &t.TransformTag, &t.Priority,
		&t.Status, &t.Substatus, &t.Oldstatus, &t.Locking,
		&t.CreatedAt, &t.UpdatedAt, &t.NextPollAt, &t.StartedAt, &t.FinishedAt, &t.ExpiredAt,
		&t.NewRetries, &t.UpdateRetries, &t.MaxNewRetries, &t.MaxUpdateRetries,
		&t.NewPollPeriod, &t.UpdatePollPeriod,
		&t.Errors, &t.TransformMetadata, &t.RunningMetadata,
	)
	return &t, err
}

// Create inserts a transform and returns its id.
func (r *TransformRepository) Create(t *Transform) (int64, error) {
	return createTransformTx(r.db, t)
}

func createTransformTx(e execer, t *Transform) (int64, error) {
	now := time.Now().Unix()
	if t.CreatedAt == 0 {
		t.CreatedAt = now
	}
	if t.UpdatedAt == 0 {
		t.UpdatedAt = now
	}
	if t.NextPollAt == 0 {
		t.NextPollAt = now
	}
	if t.Locking == "" {
		t.Locking = types.LockIdle
	}
	result, err := e.Exec(
		`INSERT INTO transforms (
			request_id, workload_id, transform_type, transform_tag, priority,
			status, substatus, oldstatus, locking,
			created_at, updated_at, next_poll_at, started_at, finished_at, expired_at,
			new_retries, update_retries, max_new_retries, max_update_retries,
			new_poll_period, update_poll_period,
			errors, transform_metadata, running_metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.RequestID, t.WorkloadID, t.TransformType, t.TransformTag, t.Priority,
		t.Status, t.Substatus, t.Oldstatus, t.Locking,
		t.CreatedAt, t.UpdatedAt, t.NextPollAt, t.StartedAt, t.FinishedAt, t.ExpiredAt,
		t.NewRetries, t.UpdateRetries, t.MaxNewRetries, t.MaxUpdateRetries,
		t.NewPollPeriod, t.UpdatePollPeriod,
		t.Errors, t.TransformMetadata, t.RunningMetadata,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert transform: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get last insert id: %w", err)
	}
	t.TransformID = id
	return id, nil
}

// Get retrieves a transform by id.
func (r *TransformRepository) Get(id int64) (*Transform, error) {
	row := r.db.QueryRow(`SELECT `+transformColumns+` FROM transforms WHERE transform_id = ?`, id)
	t, err := scanTransform(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("transform %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transform: %w", err)
	}
	return t, nil
}

// GetByRequest lists all transforms of a request.
func (r *TransformRepository) GetByRequest(requestID int64) ([]*Transform, error) {
	rows, err := r.db.Query(
		`SELECT `+transformColumns+` FROM transforms WHERE request_id = ? ORDER BY transform_id ASC`,
		requestID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list transforms: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Transform
	for rows.Next() {
		t, err := scanTransform(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transform row: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transform rows: %w", err)
	}
	return out, nil
}

// GetByStatus lists due transforms, optionally locking them, with the
// same ordering and atomicity rules as RequestRepository.GetByStatus.
func (r *TransformRepository) GetByStatus(statuses []types.TransformStatus, bulkSize int, lock bool) ([]*Transform, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	now := time.Now().Unix()

	args := make([]any, 0, len(statuses)+2)
	for _, s := range statuses {
		args = append(args, s)
	}
	args = append(args, now, bulkSize)

	query := `SELECT ` + transformColumns + ` FROM transforms
		WHERE status IN (` + placeholders(len(statuses)) + `) AND next_poll_at <= ?`
	if lock {
		query += ` AND locking = 'idle'`
	}
	query += ` ORDER BY priority DESC, next_poll_at ASC, created_at ASC LIMIT ?`

	tx, err := r.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list transforms: %w", err)
	}
	var out []*Transform
	for rows.Next() {
		t, err := scanTransform(rows)
		if err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("failed to scan transform row: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("error iterating transform rows: %w", err)
	}
	_ = rows.Close()

	if lock && len(out) > 0 {
		lockArgs := make([]any, 0, len(out)+1)
		lockArgs = append(lockArgs, now)
		for _, t := range out {
			lockArgs = append(lockArgs, t.TransformID)
		}
		if _, err := tx.Exec(
			`UPDATE transforms SET locking = 'locking', updated_at = ?`+
				` WHERE transform_id IN (`+placeholders(len(out))+`) AND locking = 'idle'`,
			lockArgs...,
		); err != nil {
			return nil, fmt.Errorf("failed to lock transforms: %w", err)
		}
		for _, t := range out {
			t.Locking = types.LockLocking
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return out, nil
}

// Update applies the given column updates; updated_at is refreshed.
func (r *TransformRepository) Update(id int64, fields map[string]any) error {
	return updateTransformTx(r.db, id, fields)
}

func updateTransformTx(e execer, id int64, fields map[string]any) error {
	if fields == nil {
		fields = map[string]any{}
	}
	fields["updated_at"] = time.Now().Unix()
	clause, args := buildSet(fields)
	args = append(args, id)
	result, err := e.Exec(`UPDATE transforms SET `+clause+` WHERE transform_id = ?`, args...)
	if err != nil {
		return fmt.Errorf("failed to update transform: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("transform %d: %w", id, ErrNotFound)
	}
	return nil
}

// TryLock atomically claims a transform (Idle -> Locking). Returns
// ErrLocked when another worker holds the row.
func (r *TransformRepository) TryLock(id int64) error {
	result, err := r.db.Exec(
		`UPDATE transforms SET locking = 'locking', updated_at = ? WHERE transform_id = ? AND locking = 'idle'`,
		time.Now().Unix(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to lock transform: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("transform %d: %w", id, ErrLocked)
	}
	return nil
}

// ReleaseLock returns a transform's locking column to Idle.
func (r *TransformRepository) ReleaseLock(id int64) error {
	_, err := r.db.Exec(
		`UPDATE transforms SET locking = 'idle', updated_at = ? WHERE transform_id = ?`,
		time.Now().Unix(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to release transform lock: %w", err)
	}
	return nil
}

// CleanLocking returns transforms stuck in Locking longer than olderThan
// to Idle.
func (r *TransformRepository) CleanLocking(olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan).Unix()
	result, err := r.db.Exec(
		`UPDATE transforms SET locking = 'idle' WHERE locking = 'locking' AND updated_at < ?`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to clean transform locking: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}
