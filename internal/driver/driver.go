// Package driver defines the narrow interfaces the control plane
// expects from external collaborators: the workload manager that runs
// tasks and the catalog that describes datasets. Implementations are
// registered at compile time; every call takes a context with a
// deadline.
package driver

import (
	"context"
	"time"
)

// FileInfo is one file attached to an external job. The first entry's
// logical name identifies the originating input.
type FileInfo struct {
	Scope string
	LFN   string
	Type  string
}

// JobInfo is the per-job status reported by the workload manager.
type JobInfo struct {
	PandaID   int64
	JobStatus string
	Files     []FileInfo
}

// TaskDetails is the task-level status snapshot.
type TaskDetails struct {
	Status   string
	PandaIDs []int64
}

// TaskIdentity re-identifies a task found by time-range scan when the
// local row lost its workload id.
type TaskIdentity struct {
	TaskName   string
	JediTaskID int64
}

// TaskDriver submits and steers tasks on the external workload manager.
type TaskDriver interface {
	// SubmitTask submits the task parameters and returns the external
	// workload id.
	SubmitTask(ctx context.Context, taskParam map[string]any) (int64, error)
	// GetTaskStatus returns the external task status string.
	GetTaskStatus(ctx context.Context, workloadID int64) (string, error)
	// GetTaskDetails returns status plus the job ids of the task.
	GetTaskDetails(ctx context.Context, workloadID int64) (*TaskDetails, error)
	// GetJobStatus resolves per-job details for the given job ids.
	GetJobStatus(ctx context.Context, pandaIDs []int64) ([]JobInfo, error)
	// KillTask requests task termination.
	KillTask(ctx context.Context, workloadID int64) error
	// FinishTask finishes a task; soft lets queued jobs drain first.
	FinishTask(ctx context.Context, workloadID int64, soft bool) error
	// RetryTask reactivates a task, optionally with new parameters.
	RetryTask(ctx context.Context, workloadID int64, newParams map[string]any) error
	// GetJobIDsInTimeRange maps request ids to tasks submitted since
	// start, used to rediscover a lost workload id.
	GetJobIDsInTimeRange(ctx context.Context, start time.Time, taskType string) (map[int64]TaskIdentity, error)
}

// DatasetMetadata is the catalog's view of one collection.
type DatasetMetadata struct {
	Bytes        int64
	Length       int64
	IsOpen       bool
	DIDType      string
	Availability string
	Events       int64
	RunNumber    int64
}

// MetadataDriver resolves external dataset metadata.
type MetadataDriver interface {
	GetMetadata(ctx context.Context, scope, name string) (*DatasetMetadata, error)
}
