package persistence

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/iddsops/idds/internal/types"
)

const messageColumns = `msg_id, msg_type, status, locking, source, destination,
	request_id, workload_id, transform_id, processing_id,
	num_contents, retries, created_at, updated_at, msg_content`

// MessageRepository provides append-only access to the messages table.
// Rows are never mutated except for status progression
// New -> Delivered -> Archived.
type MessageRepository struct {
	db *sql.DB
}

// NewMessageRepository creates a MessageRepository over db.
func NewMessageRepository(db *sql.DB) *MessageRepository {
	return &MessageRepository{db: db}
}

func scanMessage(scanner interface{ Scan(...any) error }) (*Message, error) {
	var m Message
	err := scanner.Scan(
		&m.MsgID, &m.MsgType, &m.Status, &m.Locking, &m.Source, &m.Destination,
		&m.RequestID, &m.WorkloadID, &m.TransformID, &m.ProcessingID,
		&m.NumContents, &m.Retries, &m.CreatedAt, &m.UpdatedAt, &m.MsgContent,
	)
	return &m, err
}

// Create appends a message and returns its id.
func (r *MessageRepository) Create(m *Message) (int64, error) {
	return createMessageTx(r.db, m)
}

func createMessageTx(e execer, m *Message) (int64, error) {
	now := time.Now().Unix()
	if m.CreatedAt == 0 {
		m.CreatedAt = now
	}
	if m.UpdatedAt == 0 {
		m.UpdatedAt = now
	}
	if m.Status == "" {
		m.Status = types.MessageNew
	}
	if m.Locking == "" {
		m.Locking = types.LockIdle
	}
	if m.Destination == "" {
		m.Destination = types.DestinationOutside
	}
	result, err := e.Exec(
		`INSERT INTO messages (
			msg_type, status, locking, source, destination,
			request_id, workload_id, transform_id, processing_id,
			num_contents, retries, created_at, updated_at, msg_content
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.MsgType, m.Status, m.Locking, m.Source, m.Destination,
		m.RequestID, m.WorkloadID, m.TransformID, m.ProcessingID,
		m.NumContents, m.Retries, m.CreatedAt, m.UpdatedAt, m.MsgContent,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert message: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get last insert id: %w", err)
	}
	m.MsgID = id
	return id, nil
}

// GetByStatus lists messages in the given status, oldest first.
func (r *MessageRepository) GetByStatus(status types.MessageStatus, bulkSize int) ([]*Message, error) {
	rows, err := r.db.Query(
		`SELECT `+messageColumns+` FROM messages WHERE status = ? ORDER BY msg_id ASC LIMIT ?`,
		status, bulkSize,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating message rows: %w", err)
	}
	return out, nil
}

// GetByRequest lists all messages correlated to a request.
func (r *MessageRepository) GetByRequest(requestID int64) ([]*Message, error) {
	rows, err := r.db.Query(
		`SELECT `+messageColumns+` FROM messages WHERE request_id = ? ORDER BY msg_id ASC`,
		requestID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating message rows: %w", err)
	}
	return out, nil
}

// Advance progresses a message's status. Only the forward transitions
// New->Delivered and Delivered->Archived are permitted.
func (r *MessageRepository) Advance(id int64, to types.MessageStatus) error {
	var from types.MessageStatus
	switch to {
	case types.MessageDelivered:
		from = types.MessageNew
	case types.MessageArchived:
		from = types.MessageDelivered
	default:
		return fmt.Errorf("message %d: invalid target status %q", id, to)
	}
	result, err := r.db.Exec(
		`UPDATE messages SET status = ?, updated_at = ? WHERE msg_id = ? AND status = ?`,
		to, time.Now().Unix(), id, from,
	)
	if err != nil {
		return fmt.Errorf("failed to advance message: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("message %d not in %q: %w", id, from, ErrNotFound)
	}
	return nil
}
