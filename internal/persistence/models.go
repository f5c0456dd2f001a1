// Package persistence provides typed repositories over the relational
// store shared by all agents. Timestamps are stored as unix seconds.
package persistence

import (
	"database/sql"
	"fmt"
	"sort"

	"github.com/iddsops/idds/internal/types"
)

// Request is a top-level user intent owning one workflow.
type Request struct {
	RequestID   int64
	Scope       string
	Name        string
	Requester   string
	RequestType string
	WorkloadID  sql.NullInt64
	Priority    int64

	Status    types.RequestStatus
	Substatus sql.NullString
	Oldstatus sql.NullString
	Locking   types.Locking

	CreatedAt  int64
	UpdatedAt  int64
	NextPollAt int64
	AccessedAt sql.NullInt64
	ExpiredAt  sql.NullInt64

	NewRetries       int64
	UpdateRetries    int64
	MaxNewRetries    int64
	MaxUpdateRetries int64
	NewPollPeriod    int64
	UpdatePollPeriod int64

	Errors sql.NullString

	// RequestMetadata holds the static workflow; ProcessingMetadata holds
	// the workflow's running data and the operations log. Both are JSON.
	RequestMetadata    sql.NullString
	ProcessingMetadata sql.NullString
}

// Transform is the persistent instance of one work.
type Transform struct {
	TransformID   int64
	RequestID     int64
	WorkloadID    sql.NullInt64
	TransformType types.TransformType
	TransformTag  string
	Priority      int64

	Status    types.TransformStatus
	Substatus sql.NullString
	Oldstatus sql.NullString
	Locking   types.Locking

	CreatedAt  int64
	UpdatedAt  int64
	NextPollAt int64
	StartedAt  sql.NullInt64
	FinishedAt sql.NullInt64
	ExpiredAt  sql.NullInt64

	NewRetries       int64
	UpdateRetries    int64
	MaxNewRetries    int64
	MaxUpdateRetries int64
	NewPollPeriod    int64
	UpdatePollPeriod int64

	Errors sql.NullString

	TransformMetadata sql.NullString
	RunningMetadata   sql.NullString
}

// Processing is one attempt to execute a transform externally.
type Processing struct {
	ProcessingID int64
	TransformID  int64
	RequestID    int64
	WorkloadID   sql.NullInt64

	Status    types.ProcessingStatus
	Substatus sql.NullString
	Oldstatus sql.NullString
	Locking   types.Locking

	Submitter   sql.NullString
	SubmittedAt sql.NullInt64
	FinishedAt  sql.NullInt64
	ExpiredAt   sql.NullInt64

	CreatedAt  int64
	UpdatedAt  int64
	NextPollAt int64

	NewRetries       int64
	UpdateRetries    int64
	MaxNewRetries    int64
	MaxUpdateRetries int64
	PollingRetries   int64
	RetryNumber      int64
	UpdatePollPeriod int64

	Errors sql.NullString

	ProcessingMetadata sql.NullString
	RunningMetadata    sql.NullString
	OutputMetadata     sql.NullString
}

// Collection is a named dataset bound to a transform.
type Collection struct {
	CollID       int64
	TransformID  int64
	RequestID    int64
	CollType     types.CollectionType
	RelationType types.CollectionRelationType
	Scope        string
	Name         string
	Bytes        int64

	Status    types.CollectionStatus
	Substatus sql.NullString
	Locking   types.Locking

	TotalFiles        int64
	NewFiles          int64
	ProcessedFiles    int64
	ProcessingFiles   int64
	FailedFiles       int64
	MissingFiles      int64
	ExtTotalFiles     int64
	ExtProcessedFiles int64

	CreatedAt  int64
	UpdatedAt  int64
	NextPollAt int64
	ExpiredAt  sql.NullInt64

	CollMetadata sql.NullString
}

// Content is a file-level (or sub-file range) row within a collection.
type Content struct {
	ContentID    int64
	TransformID  int64
	CollID       int64
	RequestID    int64
	WorkloadID   sql.NullInt64
	MapID        int64
	ContentDepID sql.NullInt64

	Scope string
	Name  string
	MinID int64
	MaxID int64

	ContentType         types.ContentType
	ContentRelationType types.ContentRelationType

	Status    types.ContentStatus
	Substatus sql.NullString
	Locking   types.Locking

	Bytes   int64
	MD5     sql.NullString
	Adler32 sql.NullString
	Path    sql.NullString

	CreatedAt int64
	UpdatedAt int64
	ExpiredAt sql.NullInt64

	ContentMetadata sql.NullString
}

// ContentUpdate is a shadow row driving dependency propagation. Deleting
// it fires the trigger that copies Substatus into dependent contents.
type ContentUpdate struct {
	ContentID   int64
	Substatus   types.ContentStatus
	RequestID   int64
	TransformID int64
	CollID      int64
}

// ContentExt mirrors per-job details reported by the external workload
// manager for a content.
type ContentExt struct {
	ContentID   int64
	TransformID int64
	CollID      int64
	RequestID   int64
	MapID       int64
	Status      types.ContentStatus
	PandaID     sql.NullInt64
	JobStatus   sql.NullString
	StartTime   sql.NullInt64
	EndTime     sql.NullInt64
}

// Message is an append-only outbound notification.
type Message struct {
	MsgID        int64
	MsgType      types.MessageType
	Status       types.MessageStatus
	Locking      types.Locking
	Source       types.MessageSource
	Destination  types.MessageDestination
	RequestID    sql.NullInt64
	WorkloadID   sql.NullInt64
	TransformID  sql.NullInt64
	ProcessingID sql.NullInt64
	NumContents  int64
	Retries      int64
	CreatedAt    int64
	UpdatedAt    int64
	MsgContent   sql.NullString
}

// Health is a liveness row written by each agent worker.
type Health struct {
	HealthID   int64
	Agent      string
	Hostname   string
	PID        int64
	ThreadID   int64
	ThreadName sql.NullString
	Payload    sql.NullString
	CreatedAt  int64
	UpdatedAt  int64
}

// Command is an inbound control operation scoped to an entity.
type Command struct {
	CmdID        int64
	RequestID    sql.NullInt64
	WorkloadID   sql.NullInt64
	TransformID  sql.NullInt64
	ProcessingID sql.NullInt64
	CmdType      types.CommandType
	Status       types.CommandStatus
	Locking      types.Locking
	Username     sql.NullString
	Retries      int64
	Source       sql.NullString
	Destination  sql.NullString
	CreatedAt    int64
	UpdatedAt    int64
	CmdContent   sql.NullString
}

// NullString wraps a possibly-empty string for nullable text columns.
func NullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// NullInt64 wraps a possibly-zero id for nullable integer columns.
func NullInt64(v int64) sql.NullInt64 {
	return sql.NullInt64{Int64: v, Valid: v != 0}
}

// buildSet renders a deterministic SET clause from an update map.
func buildSet(fields map[string]any) (string, []any) {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	clause := ""
	args := make([]any, 0, len(keys))
	for i, k := range keys {
		if i > 0 {
			clause += ", "
		}
		clause += fmt.Sprintf("%s = ?", k)
		args = append(args, fields[k])
	}
	return clause, args
}

// placeholders renders "?, ?, ?" for n arguments.
func placeholders(n int) string {
	out := ""
	for i := 0; i < n; i++ {
		if i > 0 {
			out += ", "
		}
		out += "?"
	}
	return out
}
