package persistence

import (
	"database/sql"
	"fmt"
	"time"
)

const healthColumns = `health_id, agent, hostname, pid, thread_id, thread_name, payload, created_at, updated_at`

// HealthRepository provides access to agent liveness rows.
type HealthRepository struct {
	db *sql.DB
}

// NewHealthRepository creates a HealthRepository over db.
func NewHealthRepository(db *sql.DB) *HealthRepository {
	return &HealthRepository{db: db}
}

func scanHealth(scanner interface{ Scan(...any) error }) (*Health, error) {
	var h Health
	err := scanner.Scan(
		&h.HealthID, &h.Agent, &h.Hostname, &h.PID, &h.ThreadID,
		&h.ThreadName, &h.Payload, &h.CreatedAt, &h.UpdatedAt,
	)
	return &h, err
}

// Upsert refreshes the heartbeat row keyed by
// (agent, hostname, pid, thread_id).
func (r *HealthRepository) Upsert(h *Health) error {
	now := time.Now().Unix()
	if h.CreatedAt == 0 {
		h.CreatedAt = now
	}
	h.UpdatedAt = now
	_, err := r.db.Exec(
		`INSERT INTO health (agent, hostname, pid, thread_id, thread_name, payload, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(agent, hostname, pid, thread_id) DO UPDATE SET
		   thread_name = excluded.thread_name,
		   payload = excluded.payload,
		   updated_at = excluded.updated_at`,
		h.Agent, h.Hostname, h.PID, h.ThreadID, h.ThreadName, h.Payload, h.CreatedAt, h.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert health row: %w", err)
	}
	return nil
}

// List returns every health row.
func (r *HealthRepository) List() ([]*Health, error) {
	rows, err := r.db.Query(`SELECT ` + healthColumns + ` FROM health ORDER BY health_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list health rows: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Health
	for rows.Next() {
		h, err := scanHealth(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan health row: %w", err)
		}
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating health rows: %w", err)
	}
	return out, nil
}

// DeleteOlderThan removes rows not refreshed within olderThan and
// returns the number reaped.
func (r *HealthRepository) DeleteOlderThan(olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan).Unix()
	result, err := r.db.Exec(`DELETE FROM health WHERE updated_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to reap health rows: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}

// Delete removes one health row by id.
func (r *HealthRepository) Delete(id int64) error {
	_, err := r.db.Exec(`DELETE FROM health WHERE health_id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete health row: %w", err)
	}
	return nil
}

// DeleteOwn removes the rows owned by one agent instance, used on clean
// shutdown.
func (r *HealthRepository) DeleteOwn(agent, hostname string, pid int64) error {
	_, err := r.db.Exec(
		`DELETE FROM health WHERE agent = ? AND hostname = ? AND pid = ?`,
		agent, hostname, pid,
	)
	if err != nil {
		return fmt.Errorf("failed to delete own health rows: %w", err)
	}
	return nil
}
