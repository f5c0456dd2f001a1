package driver

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// FakeTask is the scripted state of one task inside the fake driver.
type FakeTask struct {
	WorkloadID int64
	TaskName   string
	Status     string
	Jobs       []JobInfo
	RetryCount int
	Killed     bool
	Finished   bool
	SoftFinish bool
}

// FakeTaskDriver is an in-memory TaskDriver used by tests and the
// fake-driver run mode. Task statuses are scripted by the caller.
type FakeTaskDriver struct {
	mu     sync.Mutex
	nextID int64
	tasks  map[int64]*FakeTask

	// SubmitErr, when set, fails the next SubmitTask call once.
	SubmitErr error
	// OnRetry, when set, is called for each RetryTask.
	OnRetry func(workloadID int64)
}

// NewFakeTaskDriver creates an empty fake driver.
func NewFakeTaskDriver() *FakeTaskDriver {
	return &FakeTaskDriver{nextID: 1000, tasks: map[int64]*FakeTask{}}
}

// SetTaskStatus scripts the external status of a task.
func (d *FakeTaskDriver) SetTaskStatus(workloadID int64, status string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if t, ok := d.tasks[workloadID]; ok {
		t.Status = status
	}
}

// SetJobs scripts the job list of a task.
func (d *FakeTaskDriver) SetJobs(workloadID int64, jobs []JobInfo) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if t, ok := d.tasks[workloadID]; ok {
		t.Jobs = jobs
	}
}

// Task returns the scripted task state for assertions.
func (d *FakeTaskDriver) Task(workloadID int64) *FakeTask {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.tasks[workloadID]
}

// SubmitTask registers a new task in status registered.
func (d *FakeTaskDriver) SubmitTask(_ context.Context, taskParam map[string]any) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.SubmitErr != nil {
		err := d.SubmitErr
		d.SubmitErr = nil
		return 0, err
	}
	name, _ := taskParam["taskName"].(string)
	for _, t := range d.tasks {
		if name != "" && t.TaskName == name {
			return 0, fmt.Errorf("task name %q already submitted", name)
		}
	}
	d.nextID++
	id := d.nextID
	d.tasks[id] = &FakeTask{WorkloadID: id, TaskName: name, Status: "registered"}
	return id, nil
}

func (d *FakeTaskDriver) get(workloadID int64) (*FakeTask, error) {
	t, ok := d.tasks[workloadID]
	if !ok {
		return nil, fmt.Errorf("unknown workload id %d", workloadID)
	}
	return t, nil
}

// GetTaskStatus returns the scripted status.
func (d *FakeTaskDriver) GetTaskStatus(_ context.Context, workloadID int64) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, err := d.get(workloadID)
	if err != nil {
		return "", err
	}
	return t.Status, nil
}

// GetTaskDetails returns the scripted status and job ids.
func (d *FakeTaskDriver) GetTaskDetails(_ context.Context, workloadID int64) (*TaskDetails, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, err := d.get(workloadID)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(t.Jobs))
	for _, j := range t.Jobs {
		ids = append(ids, j.PandaID)
	}
	return &TaskDetails{Status: t.Status, PandaIDs: ids}, nil
}

// GetJobStatus resolves scripted jobs across all tasks.
func (d *FakeTaskDriver) GetJobStatus(_ context.Context, pandaIDs []int64) ([]JobInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	want := make(map[int64]bool, len(pandaIDs))
	for _, id := range pandaIDs {
		want[id] = true
	}
	var out []JobInfo
	for _, t := range d.tasks {
		for _, j := range t.Jobs {
			if want[j.PandaID] {
				out = append(out, j)
			}
		}
	}
	return out, nil
}

// KillTask marks the task killed and aborted.
func (d *FakeTaskDriver) KillTask(_ context.Context, workloadID int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, err := d.get(workloadID)
	if err != nil {
		return err
	}
	t.Killed = true
	t.Status = "aborted"
	return nil
}

// FinishTask marks the task finished.
func (d *FakeTaskDriver) FinishTask(_ context.Context, workloadID int64, soft bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, err := d.get(workloadID)
	if err != nil {
		return err
	}
	t.Finished = true
	t.SoftFinish = soft
	if !soft {
		t.Status = "done"
	}
	return nil
}

// RetryTask reactivates the task.
func (d *FakeTaskDriver) RetryTask(_ context.Context, workloadID int64, _ map[string]any) error {
	d.mu.Lock()
	t, err := d.get(workloadID)
	if err != nil {
		d.mu.Unlock()
		return err
	}
	t.RetryCount++
	t.Status = "ready"
	onRetry := d.OnRetry
	d.mu.Unlock()
	if onRetry != nil {
		onRetry(workloadID)
	}
	return nil
}

// GetJobIDsInTimeRange is unused by the fake beyond returning the known
// tasks keyed by a synthetic request id of 0.
func (d *FakeTaskDriver) GetJobIDsInTimeRange(_ context.Context, _ time.Time, _ string) (map[int64]TaskIdentity, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := map[int64]TaskIdentity{}
	for id, t := range d.tasks {
		out[0] = TaskIdentity{TaskName: t.TaskName, JediTaskID: id}
	}
	return out, nil
}

var _ TaskDriver = (*FakeTaskDriver)(nil)

// FakeMetadataDriver is a scripted MetadataDriver keyed by scope:name.
type FakeMetadataDriver struct {
	mu   sync.Mutex
	meta map[string]*DatasetMetadata
}

// NewFakeMetadataDriver creates an empty fake catalog.
func NewFakeMetadataDriver() *FakeMetadataDriver {
	return &FakeMetadataDriver{meta: map[string]*DatasetMetadata{}}
}

// SetMetadata scripts the metadata of one dataset.
func (d *FakeMetadataDriver) SetMetadata(scope, name string, m *DatasetMetadata) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.meta[scope+":"+name] = m
}

// GetMetadata resolves scripted metadata.
func (d *FakeMetadataDriver) GetMetadata(_ context.Context, scope, name string) (*DatasetMetadata, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	m, ok := d.meta[scope+":"+name]
	if !ok {
		return nil, fmt.Errorf("dataset %s:%s not found", scope, name)
	}
	out := *m
	return &out, nil
}

var _ MetadataDriver = (*FakeMetadataDriver)(nil)
