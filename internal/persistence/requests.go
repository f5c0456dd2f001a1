package persistence

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/iddsops/idds/internal/types"
)

const requestColumns = `request_id, scope, name, requester, request_type, workload_id, priority,
	status, substatus, oldstatus, locking,
	created_at, updated_at, next_poll_at, accessed_at, expired_at,
	new_retries, update_retries, max_new_retries, max_update_retries,
	new_poll_period, update_poll_period,
	errors, request_metadata, processing_metadata`

// RequestRepository provides typed access to the requests table.
type RequestRepository struct {
	db *sql.DB
}

// NewRequestRepository creates a RequestRepository over db.
func NewRequestRepository(db *sql.DB) *RequestRepository {
	return &RequestRepository{db: db}
}

func scanRequest(scanner interface{ Scan(...any) error }) (*Request, error) {
	var r Request
	err := scanner.Scan(
		&r.RequestID, &r.Scope, &r.Name, &r.Requester, &r.RequestType, &r.WorkloadID, &r.Priority,
		&r.Status, &r.Substatus, &r.Oldstatus, &r.Locking,
		&r.CreatedAt, &r.UpdatedAt, &r.NextPollAt, &r.AccessedAt, &r.ExpiredAt,
		&r.NewRetries, &r.UpdateRetries, &r.MaxNewRetries, &r.MaxUpdateRetries,
		&r.NewPollPeriod, &r.UpdatePollPeriod,
		&r.Errors, &r.RequestMetadata, &r.ProcessingMetadata,
	)
	return &r, err
}

// Create inserts a request and returns its id. CreatedAt/UpdatedAt and
// NextPollAt default to now when unset.
func (r *RequestRepository) Create(req *Request) (int64, error) {
	now := time.Now().Unix()
	if req.CreatedAt == 0 {
		req.CreatedAt = now
	}
	if req.UpdatedAt == 0 {
		req.UpdatedAt = now
	}
	if req.NextPollAt == 0 {
		req.NextPollAt = now
	}
	if req.Locking == "" {
		req.Locking = types.LockIdle
	}
	result, err := r.db.Exec(
		`INSERT INTO requests (
			scope, name, requester, request_type, workload_id, priority,
			status, substatus, oldstatus, locking,
			created_at, updated_at, next_poll_at, accessed_at, expired_at,
			new_retries, update_retries, max_new_retries, max_update_retries,
			new_poll_period, update_poll_period,
			errors, request_metadata, processing_metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		req.Scope, req.Name, req.Requester, req.RequestType, req.WorkloadID, req.Priority,
		req.Status, req.Substatus, req.Oldstatus, req.Locking,
		req.CreatedAt, req.UpdatedAt, req.NextPollAt, req.AccessedAt, req.ExpiredAt,
		req.NewRetries, req.UpdateRetries, req.MaxNewRetries, req.MaxUpdateRetries,
		req.NewPollPeriod, req.UpdatePollPeriod,
		req.Errors, req.RequestMetadata, req.ProcessingMetadata,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, fmt.Errorf("failed to insert request: %w", ErrDuplicated)
		}
		return 0, fmt.Errorf("failed to insert request: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get last insert id: %w", err)
	}
	req.RequestID = id
	return id, nil
}

// Get retrieves a request by id.
func (r *RequestRepository) Get(id int64) (*Request, error) {
	row := r.db.QueryRow(`SELECT `+requestColumns+` FROM requests WHERE request_id = ?`, id)
	req, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("request %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get request: %w", err)
	}
	return req, nil
}

// GetByStatus lists due requests in the given statuses ordered by
// (priority desc, next_poll_at asc, created_at asc), bounded by bulkSize.
// With lock=true the rows are atomically flipped Idle->Locking in the
// same transaction and only previously idle rows are returned.
func (r *RequestRepository) GetByStatus(statuses []types.RequestStatus, bulkSize int, lock bool) ([]*Request, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	now := time.Now().Unix()

	args := make([]any, 0, len(statuses)+2)
	for _, s := range statuses {
		args = append(args, s)
	}
	args = append(args, now, bulkSize)

	query := `SELECT ` + requestColumns + ` FROM requests
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
		return nil, fmt.Errorf("failed to list requests: %w", err)
	}
	var reqs []*Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("failed to scan request row: %w", err)
		}
		reqs = append(reqs, req)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("error iterating request rows: %w", err)
	}
	_ = rows.Close()

	if lock && len(reqs) > 0 {
		lockArgs := make([]any, 0, len(reqs)+1)
		lockArgs = append(lockArgs, now)
		for _, req := range reqs {
			lockArgs = append(lockArgs, req.RequestID)
		}
		_, err := tx.Exec(
			`UPDATE requests SET locking = 'locking', updated_at = ?`+
				` WHERE request_id IN (`+placeholders(len(reqs))+`) AND locking = 'idle'`,
			lockArgs...,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to lock requests: %w", err)
		}
		for _, req := range reqs {
			req.Locking = types.LockLocking
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return reqs, nil
}

// Update applies the given column updates to a request. updated_at is
// always refreshed.
func (r *RequestRepository) Update(id int64, fields map[string]any) error {
	return updateRequestTx(r.db, id, fields)
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
	QueryRow(query string, args ...any) *sql.Row
}

func updateRequestTx(e execer, id int64, fields map[string]any) error {
	if fields == nil {
		fields = map[string]any{}
	}
	fields["updated_at"] = time.Now().Unix()
	clause, args := buildSet(fields)
	args = append(args, id)
	result, err := e.Exec(`UPDATE requests SET `+clause+` WHERE request_id = ?`, args...)
	if err != nil {
		return fmt.Errorf("failed to update request: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("request %d: %w", id, ErrNotFound)
	}
	return nil
}

// TryLock atomically claims a request (Idle -> Locking). Returns
// ErrLocked when another worker holds the row.
func (r *RequestRepository) TryLock(id int64) error {
	result, err := r.db.Exec(
		`UPDATE requests SET locking = 'locking', updated_at = ? WHERE request_id = ? AND locking = 'idle'`,
		time.Now().Unix(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to lock request: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("request %d: %w", id, ErrLocked)
	}
	return nil
}

// ReleaseLock returns a request's locking column to Idle.
func (r *RequestRepository) ReleaseLock(id int64) error {
	_, err := r.db.Exec(
		`UPDATE requests SET locking = 'idle', updated_at = ? WHERE request_id = ?`,
		time.Now().Unix(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to release request lock: %w", err)
	}
	return nil
}

// CleanLocking returns requests stuck in Locking longer than olderThan
// to Idle, recovering rows abandoned by crashed workers.
func (r *RequestRepository) CleanLocking(olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan).Unix()
	result, err := r.db.Exec(
		`UPDATE requests SET locking = 'idle' WHERE locking = 'locking' AND updated_at < ?`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to clean request locking: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}
