package carrier

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/iddsops/idds/internal/config"
	"github.com/iddsops/idds/internal/driver"
	"github.com/iddsops/idds/internal/eventbus"
	"github.com/iddsops/idds/internal/log"
	"github.com/iddsops/idds/internal/persistence"
	"github.com/iddsops/idds/internal/testutil"
	"github.com/iddsops/idds/internal/types"
)

type fixture struct {
	ca    *Carrier
	store *persistence.Store
	bus   *eventbus.LocalBackend
	task  *driver.FakeTaskDriver
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := persistence.NewStore(testutil.NewTestDB(t))
	bus := eventbus.NewLocalBackend()
	task := driver.NewFakeTaskDriver()
	return &fixture{
		ca:    New(config.Default().Carrier, store, bus, task, log.Nop()),
		store: store,
		bus:   bus,
		task:  task,
	}
}

// seedProcessing persists a request/transform/collections/contents
// pipeline with nFiles maps and one New processing ready to submit.
func (f *fixture) seedProcessing(t *testing.T, nFiles int) (*persistence.Processing, []int64) {
	t.Helper()
	req := &persistence.Request{
		Scope: "user", Name: "req", Requester: "alice",
		RequestType: "workflow", Status: types.RequestTransforming,
	}
	_, err := f.store.Requests.Create(req)
	require.NoError(t, err)

	tf := &persistence.Transform{
		RequestID: req.RequestID, TransformType: types.TransformTypeWorkflow,
		Status: types.TransformTransforming, UpdatePollPeriod: 10,
	}
	_, err = f.store.Transforms.Create(tf)
	require.NoError(t, err)

	inColl, err := f.store.Collections.Create(&persistence.Collection{
		TransformID: tf.TransformID, RequestID: req.RequestID,
		CollType: types.CollectionTypeDataset, RelationType: types.CollectionRelationInput,
		Scope: "user", Name: "stage.in", Status: types.CollectionOpen,
	})
	require.NoError(t, err)
	outColl, err := f.store.Collections.Create(&persistence.Collection{
		TransformID: tf.TransformID, RequestID: req.RequestID,
		CollType: types.CollectionTypeDataset, RelationType: types.CollectionRelationOutput,
		Scope: "user", Name: "stage.out", Status: types.CollectionOpen,
	})
	require.NoError(t, err)

	pfns := make([]string, 0, nFiles)
	outputIDs := make([]int64, 0, nFiles)
	for i := 1; i <= nFiles; i++ {
		in := "stage.in." + string(rune('0'+i))
		pfns = append(pfns, in)
		_, err := f.store.Contents.Create(&persistence.Content{
			TransformID: tf.TransformID, CollID: inColl, RequestID: req.RequestID,
			MapID: int64(i), Scope: "user", Name: in,
			ContentType: types.ContentTypeFile, ContentRelationType: types.ContentRelationInput,
			Status: types.ContentNew,
		})
		require.NoError(t, err)
		outID, err := f.store.Contents.Create(&persistence.Content{
			TransformID: tf.TransformID, CollID: outColl, RequestID: req.RequestID,
			MapID: int64(i), Scope: "user", Name: "stage.out." + in,
			ContentType: types.ContentTypeFile, ContentRelationType: types.ContentRelationOutput,
			Status: types.ContentNew,
		})
		require.NoError(t, err)
		outputIDs = append(outputIDs, outID)
	}

	meta, err := json.Marshal(map[string]any{"task_param": map[string]any{
		"taskName": "stage_1_1",
		"nFiles":   nFiles,
		"pfnList":  pfns,
	}})
	require.NoError(t, err)
	proc := &persistence.Processing{
		TransformID: tf.TransformID, RequestID: req.RequestID,
		Status:             types.ProcessingNew,
		MaxNewRetries:      3,
		MaxUpdateRetries:   1,
		UpdatePollPeriod:   10,
		ProcessingMetadata: persistence.NullString(string(meta)),
	}
	_, err = f.store.Processings.Create(proc)
	require.NoError(t, err)
	return proc, outputIDs
}

func (f *fixture) submit(t *testing.T, proc *persistence.Processing) int64 {
	t.Helper()
	rc := f.ca.handleNewProcessing(eventbus.NewEvent(eventbus.EventNewProcessing, proc.ProcessingID))
	require.Equal(t, types.ReturnOk, rc)
	got, err := f.store.Processings.Get(proc.ProcessingID)
	require.NoError(t, err)
	require.True(t, got.WorkloadID.Valid)
	return got.WorkloadID.Int64
}

func TestSubmitProcessing(t *testing.T) {
	f := newFixture(t)
	proc, _ := f.seedProcessing(t, 2)

	wid := f.submit(t, proc)
	require.NotZero(t, wid)

	got, err := f.store.Processings.Get(proc.ProcessingID)
	require.NoError(t, err)
	require.Equal(t, types.ProcessingSubmitted, got.Status)
	require.True(t, got.SubmittedAt.Valid)
	require.Equal(t, types.LockIdle, got.Locking)

	// The workload id lands on the transform too.
	tf, err := f.store.Transforms.Get(proc.TransformID)
	require.NoError(t, err)
	require.Equal(t, wid, tf.WorkloadID.Int64)

	require.Equal(t, "stage_1_1", f.task.Task(wid).TaskName)

	_, ok := f.bus.Get(eventbus.EventUpdateProcessing, 10*time.Millisecond)
	require.True(t, ok)
}

func TestSubmitRetriesThenFails(t *testing.T) {
	f := newFixture(t)
	proc, _ := f.seedProcessing(t, 1)

	f.task.SubmitErr = errors.New("broker unavailable")
	rc := f.ca.handleNewProcessing(eventbus.NewEvent(eventbus.EventNewProcessing, proc.ProcessingID))
	require.Equal(t, types.ReturnOk, rc)

	got, err := f.store.Processings.Get(proc.ProcessingID)
	require.NoError(t, err)
	require.Equal(t, types.ProcessingSubmitting, got.Status)
	require.Equal(t, int64(1), got.NewRetries)
	require.True(t, got.Errors.Valid)

	// Exhaust the budget.
	require.NoError(t, f.store.Processings.Update(proc.ProcessingID, map[string]any{
		"new_retries": 2,
	}))
	f.task.SubmitErr = errors.New("broker unavailable")
	rc = f.ca.handleNewProcessing(eventbus.NewEvent(eventbus.EventNewProcessing, proc.ProcessingID))
	require.Equal(t, types.ReturnFailed, rc)

	got, err = f.store.Processings.Get(proc.ProcessingID)
	require.NoError(t, err)
	require.Equal(t, types.ProcessingFailed, got.Status)
}

func TestPollMapsTaskStatus(t *testing.T) {
	f := newFixture(t)
	proc, _ := f.seedProcessing(t, 1)
	wid := f.submit(t, proc)

	f.task.SetTaskStatus(wid, "running")
	rc := f.ca.handleUpdateProcessing(eventbus.NewEvent(eventbus.EventUpdateProcessing, proc.ProcessingID))
	require.Equal(t, types.ReturnOk, rc)

	got, err := f.store.Processings.Get(proc.ProcessingID)
	require.NoError(t, err)
	require.Equal(t, types.ProcessingRunning, got.Status)
	require.Equal(t, types.LockIdle, got.Locking)
}

func TestJobReconciliationUpdatesOutputs(t *testing.T) {
	f := newFixture(t)
	proc, outputIDs := f.seedProcessing(t, 2)
	wid := f.submit(t, proc)

	f.task.SetTaskStatus(wid, "running")
	f.task.SetJobs(wid, []driver.JobInfo{
		{PandaID: 11, JobStatus: "finished", Files: []driver.FileInfo{{Scope: "user", LFN: "stage.in.1"}}},
		{PandaID: 12, JobStatus: "failed", Files: []driver.FileInfo{{Scope: "user", LFN: "stage.in.2"}}},
	})

	rc := f.ca.handleUpdateProcessing(eventbus.NewEvent(eventbus.EventUpdateProcessing, proc.ProcessingID))
	require.Equal(t, types.ReturnOk, rc)

	out1, err := f.store.Contents.Get(outputIDs[0])
	require.NoError(t, err)
	require.Equal(t, "available", out1.Substatus.String)
	var meta contentMeta
	require.NoError(t, json.Unmarshal([]byte(out1.ContentMetadata.String), &meta))
	require.Equal(t, int64(11), meta.PandaID)

	out2, err := f.store.Contents.Get(outputIDs[1])
	require.NoError(t, err)
	require.Equal(t, "failed", out2.Substatus.String)

	// Shadow rows were swept through the trigger path.
	var n int
	require.NoError(t, f.store.DB().QueryRow(
		`SELECT COUNT(*) FROM contents_update`).Scan(&n))
	require.Zero(t, n)
}

func TestJobRetryKeepsPandaIDHistory(t *testing.T) {
	f := newFixture(t)
	proc, outputIDs := f.seedProcessing(t, 1)
	wid := f.submit(t, proc)

	f.task.SetTaskStatus(wid, "running")
	f.task.SetJobs(wid, []driver.JobInfo{
		{PandaID: 21, JobStatus: "failed", Files: []driver.FileInfo{{Scope: "user", LFN: "stage.in.1"}}},
	})
	require.Equal(t, types.ReturnOk,
		f.ca.handleUpdateProcessing(eventbus.NewEvent(eventbus.EventUpdateProcessing, proc.ProcessingID)))

	// The job is retried under a new id.
	f.task.SetJobs(wid, []driver.JobInfo{
		{PandaID: 22, JobStatus: "finished", Files: []driver.FileInfo{{Scope: "user", LFN: "stage.in.1"}}},
	})
	require.Equal(t, types.ReturnOk,
		f.ca.handleUpdateProcessing(eventbus.NewEvent(eventbus.EventUpdateProcessing, proc.ProcessingID)))

	out, err := f.store.Contents.Get(outputIDs[0])
	require.NoError(t, err)
	var meta contentMeta
	require.NoError(t, json.Unmarshal([]byte(out.ContentMetadata.String), &meta))
	require.Equal(t, int64(22), meta.PandaID)
	require.Equal(t, []int64{21}, meta.OldPandaIDs)
}

func TestTerminalWaitsForFlush(t *testing.T) {
	f := newFixture(t)
	proc, _ := f.seedProcessing(t, 1)
	wid := f.submit(t, proc)

	f.task.SetTaskStatus(wid, "done")
	f.task.SetJobs(wid, []driver.JobInfo{
		{PandaID: 31, JobStatus: "finished", Files: []driver.FileInfo{{Scope: "user", LFN: "stage.in.1"}}},
	})

	// First terminal polls keep the processing alive while updates flush.
	require.Equal(t, types.ReturnOk,
		f.ca.handleUpdateProcessing(eventbus.NewEvent(eventbus.EventUpdateProcessing, proc.ProcessingID)))
	got, err := f.store.Processings.Get(proc.ProcessingID)
	require.NoError(t, err)
	require.Equal(t, types.ProcessingRunning, got.Status)
	require.Equal(t, int64(1), got.PollingRetries)

	for i := 0; i < maxPollingRetries; i++ {
		require.Equal(t, types.ReturnOk,
			f.ca.handleUpdateProcessing(eventbus.NewEvent(eventbus.EventUpdateProcessing, proc.ProcessingID)))
	}

	got, err = f.store.Processings.Get(proc.ProcessingID)
	require.NoError(t, err)
	require.Equal(t, types.ProcessingFinished, got.Status)
	require.True(t, got.FinishedAt.Valid)

	msgs, err := f.store.Messages.GetByRequest(proc.RequestID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, types.MessageTypeProcessingStatus, msgs[0].MsgType)

	ev, ok := f.bus.Get(eventbus.EventUpdateTransform, 10*time.Millisecond)
	require.True(t, ok)
	require.Equal(t, proc.TransformID, ev.AssociatedID)
}

func TestSubFinishedRetriesBeforeTerminating(t *testing.T) {
	f := newFixture(t)
	proc, _ := f.seedProcessing(t, 1)
	wid := f.submit(t, proc)

	// Burn the flush-wait rounds first so the retry branch is reachable.
	require.NoError(t, f.store.Processings.Update(proc.ProcessingID, map[string]any{
		"polling_retries": maxPollingRetries,
	}))

	f.task.SetTaskStatus(wid, "finished")
	require.Equal(t, types.ReturnOk,
		f.ca.handleUpdateProcessing(eventbus.NewEvent(eventbus.EventUpdateProcessing, proc.ProcessingID)))

	got, err := f.store.Processings.Get(proc.ProcessingID)
	require.NoError(t, err)
	require.Equal(t, types.ProcessingSubmitted, got.Status)
	require.Equal(t, int64(1), got.RetryNumber)
	require.Equal(t, 1, f.task.Task(wid).RetryCount)

	// No terminal message on a retry.
	msgs, err := f.store.Messages.GetByRequest(proc.RequestID)
	require.NoError(t, err)
	require.Empty(t, msgs)

	// Budget exhausted: the next subfinished poll terminates.
	require.NoError(t, f.store.Processings.Update(proc.ProcessingID, map[string]any{
		"polling_retries": maxPollingRetries,
	}))
	f.task.SetTaskStatus(wid, "finished")
	require.Equal(t, types.ReturnOk,
		f.ca.handleUpdateProcessing(eventbus.NewEvent(eventbus.EventUpdateProcessing, proc.ProcessingID)))

	got, err = f.store.Processings.Get(proc.ProcessingID)
	require.NoError(t, err)
	require.Equal(t, types.ProcessingSubFinished, got.Status)
}

func TestCancelOperation(t *testing.T) {
	f := newFixture(t)
	proc, _ := f.seedProcessing(t, 1)
	wid := f.submit(t, proc)

	require.NoError(t, f.store.Processings.Update(proc.ProcessingID, map[string]any{
		"substatus": "tocancel",
	}))
	require.Equal(t, types.ReturnOk,
		f.ca.handleUpdateProcessing(eventbus.NewEvent(eventbus.EventUpdateProcessing, proc.ProcessingID)))

	got, err := f.store.Processings.Get(proc.ProcessingID)
	require.NoError(t, err)
	require.Equal(t, types.ProcessingCancelled, got.Status)
	require.True(t, f.task.Task(wid).Killed)

	ev, ok := f.bus.Get(eventbus.EventUpdateTransform, 10*time.Millisecond)
	require.True(t, ok)
	require.Equal(t, proc.TransformID, ev.AssociatedID)
}

func TestExpiredProcessingSoftFinishes(t *testing.T) {
	f := newFixture(t)
	proc, _ := f.seedProcessing(t, 1)
	wid := f.submit(t, proc)

	require.NoError(t, f.store.Processings.Update(proc.ProcessingID, map[string]any{
		"expired_at": time.Now().Add(-time.Minute).Unix(),
	}))
	f.task.SetTaskStatus(wid, "running")
	require.Equal(t, types.ReturnOk,
		f.ca.handleUpdateProcessing(eventbus.NewEvent(eventbus.EventUpdateProcessing, proc.ProcessingID)))

	task := f.task.Task(wid)
	require.True(t, task.Finished)
	require.True(t, task.SoftFinish)

	// The deadline fires once, then the task drains normally.
	got, err := f.store.Processings.Get(proc.ProcessingID)
	require.NoError(t, err)
	require.False(t, got.ExpiredAt.Valid)
	require.Equal(t, types.ProcessingRunning, got.Status)
}

func TestPollWithoutWorkloadIDRoutesToSubmission(t *testing.T) {
	f := newFixture(t)
	proc, _ := f.seedProcessing(t, 1)

	rc := f.ca.handleUpdateProcessing(eventbus.NewEvent(eventbus.EventUpdateProcessing, proc.ProcessingID))
	require.Equal(t, types.ReturnOk, rc)

	ev, ok := f.bus.Get(eventbus.EventNewProcessing, 10*time.Millisecond)
	require.True(t, ok)
	require.Equal(t, proc.ProcessingID, ev.AssociatedID)

	got, err := f.store.Processings.Get(proc.ProcessingID)
	require.NoError(t, err)
	require.Equal(t, types.LockIdle, got.Locking)
}
