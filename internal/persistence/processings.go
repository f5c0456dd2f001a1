package persistence

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/iddsops/idds/internal/types"
)

const processingColumns = `processing_id, transform_id, request_id, workload_id,
	status, substatus, oldstatus, locking,
	submitter, submitted_at, finished_at, expired_at,
	created_at, updated_at, next_poll_at,
	new_retries, update_retries, max_new_retries, max_update_retries,
	polling_retries, retry_number,
	errors, processing_metadata, running_metadata, output_metadata`

// ProcessingRepository provides typed access to the processings table.
type ProcessingRepository struct {
	db *sql.DB
}

// NewProcessingRepository creates a ProcessingRepository over db.
func NewProcessingRepository(db *sql.DB) *ProcessingRepository {
	return &ProcessingRepository{db: db}
}

func scanProcessing(scanner interface{ Scan(...any) error }) (*Processing, error) {
	var p Processing
	err := scanner.Scan(
		&p.ProcessingID, &p.TransformID, &p.RequestID, &p.WorkloadID,
		&p.Status, &p.Substatus, &p.Oldstatus, &p.Locking,
		&p.Submitter, &p.SubmittedAt, &p.FinishedAt, &p.ExpiredAt,
		&p.CreatedAt, &p.UpdatedAt, &p.NextPollAt,
		&p.NewRetries, &p.UpdateRetries, &p.MaxNewRetries, &p.MaxUpdateRetries,
		&p.PollingRetries, &p.RetryNumber,
		&p.Errors, &p.ProcessingMetadata, &p.RunningMetadata, &p.OutputMetadata,
	)
	return &p, err
}

// Create inserts a processing and returns its id.
func (r *ProcessingRepository) Create(p *Processing) (int64, error) {
	return createProcessingTx(r.db, p)
}

func createProcessingTx(e execer, p *Processing) (int64, error) {
	now := time.Now().Unix()
	if p.CreatedAt == 0 {
		p.CreatedAt = now
	}
	if p.UpdatedAt == 0 {
		p.UpdatedAt = now
	}
	if p.NextPollAt == 0 {
		p.NextPollAt = now
	}
	if p.Locking == "" {
		p.Locking = types.LockIdle
	}
	result, err := e.Exec(
		`INSERT INTO processings (
			transform_id, request_id, workload_id,
			status, substatus, oldstatus, locking,
			submitter, submitted_at, finished_at, expired_at,
			created_at, updated_at, next_poll_at,
			new_retries, update_retries, max_new_retries, max_update_retries,
			polling_retries, retry_number,
			errors, processing_metadata, running_metadata, output_metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.TransformID, p.RequestID, p.WorkloadID,
		p.Status, p.Substatus, p.Oldstatus, p.Locking,
		p.Submitter, p.SubmittedAt, p.FinishedAt, p.ExpiredAt,
		p.CreatedAt, p.UpdatedAt, p.NextPollAt,
		p.NewRetries, p.UpdateRetries, p.MaxNewRetries, p.MaxUpdateRetries,
		p.PollingRetries, p.RetryNumber,
		p.Errors, p.ProcessingMetadata, p.RunningMetadata, p.OutputMetadata,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert processing: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get last insert id: %w", err)
	}
	p.ProcessingID = id
	return id, nil
}

// Get retrieves a processing by id.
func (r *ProcessingRepository) Get(id int64) (*Processing, error) {
	row := r.db.QueryRow(`SELECT `+processingColumns+` FROM processings WHERE processing_id = ?`, id)
	p, err := scanProcessing(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("processing %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get processing: %w", err)
	}
	return p, nil
}

// GetActiveByTransform returns the non-terminal processing of a
// transform, or ErrNotFound when none exists. At most one may exist.
func (r *ProcessingRepository) GetActiveByTransform(transformID int64) (*Processing, error) {
	row := r.db.QueryRow(
		`SELECT `+processingColumns+` FROM processings
		 WHERE transform_id = ? AND status NOT IN
		 ('finished', 'subfinished', 'failed', 'cancelled', 'suspended', 'expired')
		 ORDER BY processing_id DESC LIMIT 1`,
		transformID,
	)
	p, err := scanProcessing(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("active processing for transform %d: %w", transformID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active processing: %w", err)
	}
	return p, nil
}

// GetByTransform lists all processings of a transform, newest last.
func (r *ProcessingRepository) GetByTransform(transformID int64) ([]*Processing, error) {
	rows, err := r.db.Query(
		`SELECT `+processingColumns+` FROM processings WHERE transform_id = ? ORDER BY processing_id ASC`,
		transformID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list processings: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Processing
	for rows.Next() {
		p, err := scanProcessing(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan processing row: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating processing rows: %w", err)
	}
	return out, nil
}

// GetByStatus lists due processings, optionally locking them.
func (r *ProcessingRepository) GetByStatus(statuses []types.ProcessingStatus, bulkSize int, lock bool) ([]*Processing, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	now := time.Now().Unix()

	args := make([]any, 0, len(statuses)+2)
	for _, s := range statuses {
		args = append(args, s)
	}
	args = append(args, now, bulkSize)

	query := `SELECT ` + processingColumns + ` FROM processings
		WHERE status IN (` + placeholders(len(statuses)) + `) AND next_poll_at <= ?`
	if lock {
		query += ` AND locking = 'idle'`
	}
	query += ` ORDER BY created_at ASC LIMIT ?`

	tx, err := r.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list processings: %w", err)
	}
	var out []*Processing
	for rows.Next() {
		p, err := scanProcessing(rows)
		if err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("failed to scan processing row: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("error iterating processing rows: %w", err)
	}
	_ = rows.Close()

	if lock && len(out) > 0 {
		lockArgs := make([]any, 0, len(out)+1)
		lockArgs = append(lockArgs, now)
		for _, p := range out {
			lockArgs = append(lockArgs, p.ProcessingID)
		}
		if _, err := tx.Exec(
			`UPDATE processings SET locking = 'locking', updated_at = ?`+
				` WHERE processing_id IN (`+placeholders(len(out))+`) AND locking = 'idle'`,
			lockArgs...,
		); err != nil {
			return nil, fmt.Errorf("failed to lock processings: %w", err)
		}
		for _, p := range out {
			p.Locking = types.LockLocking
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return out, nil
}

// Update applies the given column updates; updated_at is refreshed.
func (r *ProcessingRepository) Update(id int64, fields map[string]any) error {
	return updateProcessingTx(r.db, id, fields)
}

func updateProcessingTx(e execer, id int64, fields map[string]any) error {
	if fields == nil {
		fields = map[string]any{}
	}
	fields["updated_at"] = time.Now().Unix()
	clause, args := buildSet(fields)
	args = append(args, id)
	result, err := e.Exec(`UPDATE processings SET `+clause+` WHERE processing_id = ?`, args...)
	if err != nil {
		return fmt.Errorf("failed to update processing: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("processing %d: %w", id, ErrNotFound)
	}
	return nil
}

// TryLock atomically claims a processing (Idle -> Locking). Returns
// ErrLocked when another worker holds the row.
func (r *ProcessingRepository) TryLock(id int64) error {
	result, err := r.db.Exec(
		`UPDATE processings SET locking = 'locking', updated_at = ? WHERE processing_id = ? AND locking = 'idle'`,
		time.Now().Unix(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to lock processing: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("processing %d: %w", id, ErrLocked)
	}
	return nil
}

// ReleaseLock returns a processing's locking column to Idle.
func (r *ProcessingRepository) ReleaseLock(id int64) error {
	_, err := r.db.Exec(
		`UPDATE processings SET locking = 'idle', updated_at = ? WHERE processing_id = ?`,
		time.Now().Unix(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to release processing lock: %w", err)
	}
	return nil
}

// CleanLocking returns processings stuck in Locking longer than
// olderThan to Idle.
func (r *ProcessingRepository) CleanLocking(olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan).Unix()
	result, err := r.db.Exec(
		`UPDATE processings SET locking = 'idle' WHERE locking = 'locking' AND updated_at < ?`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to clean processing locking: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}
