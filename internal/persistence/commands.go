package persistence

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/iddsops/idds/internal/types"
)

const commandColumns = `cmd_id, request_id, workload_id, transform_id, processing_id,
	cmd_type, status, locking, username, retries, source, destination,
	created_at, updated_at, cmd_content`

// CommandRepository provides access to inbound control commands.
type CommandRepository struct {
	db *sql.DB
}

// NewCommandRepository creates a CommandRepository over db.
func NewCommandRepository(db *sql.DB) *CommandRepository {
	return &CommandRepository{db: db}
}

func scanCommand(scanner interface{ Scan(...any) error }) (*Command, error) {
	var c Command
	err := scanner.Scan(
		&c.CmdID, &c.RequestID, &c.WorkloadID, &c.TransformID, &c.ProcessingID,
		&c.CmdType, &c.Status, &c.Locking, &c.Username, &c.Retries, &c.Source, &c.Destination,
		&c.CreatedAt, &c.UpdatedAt, &c.CmdContent,
	)
	return &c, err
}

// Create inserts a command and returns its id.
func (r *CommandRepository) Create(c *Command) (int64, error) {
	now := time.Now().Unix()
	if c.CreatedAt == 0 {
		c.CreatedAt = now
	}
	if c.UpdatedAt == 0 {
		c.UpdatedAt = now
	}
	if c.Status == "" {
		c.Status = types.CommandNew
	}
	if c.Locking == "" {
		c.Locking = types.LockIdle
	}
	result, err := r.db.Exec(
		`INSERT INTO commands (
			request_id, workload_id, transform_id, processing_id,
			cmd_type, status, locking, username, retries, source, destination,
			created_at, updated_at, cmd_content
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.RequestID, c.WorkloadID, c.TransformID, c.ProcessingID,
		c.CmdType, c.Status, c.Locking, c.Username, c.Retries, c.Source, c.Destination,
		c.CreatedAt, c.UpdatedAt, c.CmdContent,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert command: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get last insert id: %w", err)
	}
	c.CmdID = id
	return id, nil
}

// GetPending lists New commands, oldest first.
func (r *CommandRepository) GetPending(bulkSize int) ([]*Command, error) {
	rows, err := r.db.Query(
		`SELECT `+commandColumns+` FROM commands WHERE status = ? ORDER BY cmd_id ASC LIMIT ?`,
		types.CommandNew, bulkSize,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list commands: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Command
	for rows.Next() {
		c, err := scanCommand(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan command row: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating command rows: %w", err)
	}
	return out, nil
}

// MarkProcessed marks a command consumed (or failed).
func (r *CommandRepository) MarkProcessed(id int64, status types.CommandStatus) error {
	result, err := r.db.Exec(
		`UPDATE commands SET status = ?, updated_at = ? WHERE cmd_id = ?`,
		status, time.Now().Unix(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update command: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("command %d: %w", id, ErrNotFound)
	}
	return nil
}
