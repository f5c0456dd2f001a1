package transformer

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/iddsops/idds/internal/cache"
	"github.com/iddsops/idds/internal/config"
	"github.com/iddsops/idds/internal/driver"
	"github.com/iddsops/idds/internal/eventbus"
	"github.com/iddsops/idds/internal/log"
	"github.com/iddsops/idds/internal/persistence"
	"github.com/iddsops/idds/internal/testutil"
	"github.com/iddsops/idds/internal/types"
	"github.com/iddsops/idds/internal/workflow"
)

type fixture struct {
	tr    *Transformer
	store *persistence.Store
	bus   *eventbus.LocalBackend
	meta  *driver.FakeMetadataDriver
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := persistence.NewStore(testutil.NewTestDB(t))
	bus := eventbus.NewLocalBackend()
	meta := driver.NewFakeMetadataDriver()
	c, err := cache.New(config.CacheConfig{})
	require.NoError(t, err)
	return &fixture{
		tr:    New(config.Default().Transformer, store, bus, meta, c, log.Nop()),
		store: store,
		bus:   bus,
		meta:  meta,
	}
}

// stageWork builds a work with input/output collection specs.
func stageWork(name, inName, outName string, collType types.CollectionType) *workflow.Work {
	w := workflow.NewWork(name, types.TransformTypeWorkflow)
	w.InputCollections = []workflow.CollectionSpec{{
		Scope: "user", Name: inName, CollType: collType,
		Relation: types.CollectionRelationInput,
	}}
	w.OutputCollections = []workflow.CollectionSpec{{
		Scope: "user", Name: outName, CollType: types.CollectionTypePseudoDataset,
		Relation: types.CollectionRelationOutput,
	}}
	return w
}

// seedTransform persists a request plus one transform carrying w.
func (f *fixture) seedTransform(t *testing.T, w *workflow.Work, status types.TransformStatus) *persistence.Transform {
	t.Helper()
	req := &persistence.Request{
		Scope: "user", Name: "req-" + w.Name, Requester: "alice",
		RequestType: "workflow", Status: types.RequestTransforming,
	}
	_, err := f.store.Requests.Create(req)
	require.NoError(t, err)

	static, running, err := workflow.MarshalWork(w)
	require.NoError(t, err)
	tf := &persistence.Transform{
		RequestID:         req.RequestID,
		TransformType:     w.Type,
		Status:            status,
		UpdatePollPeriod:  10,
		TransformMetadata: persistence.NullString(string(static)),
		RunningMetadata:   persistence.NullString(string(running)),
	}
	_, err = f.store.Transforms.Create(tf)
	require.NoError(t, err)
	return tf
}

func (f *fixture) collByRelation(t *testing.T, tfID int64, rel types.CollectionRelationType) *persistence.Collection {
	t.Helper()
	colls, err := f.store.Collections.GetByTransform(tfID)
	require.NoError(t, err)
	for _, c := range colls {
		if c.RelationType == rel {
			return c
		}
	}
	t.Fatalf("no %s collection for transform %d", rel, tfID)
	return nil
}

func TestHandleNewTransformMaterializesCollections(t *testing.T) {
	f := newFixture(t)
	w := stageWork("stage", "stage.in", "stage.out", types.CollectionTypeDataset)
	tf := f.seedTransform(t, w, types.TransformNew)

	rc := f.tr.handleNewTransform(eventbus.NewEvent(eventbus.EventNewTransform, tf.TransformID))
	require.Equal(t, types.ReturnOk, rc)

	got, err := f.store.Transforms.Get(tf.TransformID)
	require.NoError(t, err)
	require.Equal(t, types.TransformTransforming, got.Status)
	require.Equal(t, types.LockIdle, got.Locking)

	colls, err := f.store.Collections.GetByTransform(tf.TransformID)
	require.NoError(t, err)
	require.Len(t, colls, 2)

	_, ok := f.bus.Get(eventbus.EventUpdateTransform, 10*time.Millisecond)
	require.True(t, ok)

	// Re-handling an already prepared transform is a no-op.
	rc = f.tr.handleNewTransform(eventbus.NewEvent(eventbus.EventNewTransform, tf.TransformID))
	require.Equal(t, types.ReturnOk, rc)
	colls, err = f.store.Collections.GetByTransform(tf.TransformID)
	require.NoError(t, err)
	require.Len(t, colls, 2)
}

func TestHandleUpdateGeneratesMapsAndProcessing(t *testing.T) {
	f := newFixture(t)
	w := stageWork("stage", "stage.in", "stage.out", types.CollectionTypeDataset)
	tf := f.seedTransform(t, w, types.TransformNew)
	f.meta.SetMetadata("user", "stage.in", &driver.DatasetMetadata{
		Bytes: 2048, Length: 2, IsOpen: false, DIDType: "DATASET",
	})

	require.Equal(t, types.ReturnOk,
		f.tr.handleNewTransform(eventbus.NewEvent(eventbus.EventNewTransform, tf.TransformID)))
	require.Equal(t, types.ReturnOk,
		f.tr.handleUpdateTransform(eventbus.NewEvent(eventbus.EventUpdateTransform, tf.TransformID)))

	inColl := f.collByRelation(t, tf.TransformID, types.CollectionRelationInput)
	require.Equal(t, int64(2), inColl.TotalFiles)
	require.Equal(t, types.CollectionClosed, inColl.Status)

	contents, err := f.store.Contents.GetByTransform(tf.TransformID)
	require.NoError(t, err)
	require.Len(t, contents, 4) // two maps, input plus output each

	inputs, err := f.store.Contents.GetByRelation(tf.TransformID, types.ContentRelationInput)
	require.NoError(t, err)
	require.Len(t, inputs, 2)
	require.Equal(t, int64(1), inputs[0].MapID)
	require.Equal(t, int64(2), inputs[1].MapID)

	proc, err := f.store.Processings.GetActiveByTransform(tf.TransformID)
	require.NoError(t, err)
	require.Equal(t, types.ProcessingNew, proc.Status)
	require.True(t, proc.ProcessingMetadata.Valid)

	var env struct {
		TaskParam map[string]any `json:"task_param"`
	}
	require.NoError(t, json.Unmarshal([]byte(proc.ProcessingMetadata.String), &env))
	require.Equal(t, float64(2), env.TaskParam["nFiles"])
	require.Contains(t, env.TaskParam["taskName"], "stage_")

	ev, ok := f.bus.Get(eventbus.EventNewProcessing, 10*time.Millisecond)
	require.True(t, ok)
	require.Equal(t, proc.ProcessingID, ev.AssociatedID)

	// Re-running the cycle must not duplicate maps or processings.
	require.Equal(t, types.ReturnOk,
		f.tr.handleUpdateTransform(eventbus.NewEvent(eventbus.EventUpdateTransform, tf.TransformID)))
	contents, err = f.store.Contents.GetByTransform(tf.TransformID)
	require.NoError(t, err)
	require.Len(t, contents, 4)
	procs, err := f.store.Processings.GetByTransform(tf.TransformID)
	require.NoError(t, err)
	require.Len(t, procs, 1)
}

func TestDependencyReleaseMapsUpstreamOutputs(t *testing.T) {
	f := newFixture(t)

	// Upstream transform with three outputs in different states.
	up := stageWork("producer", "producer.in", "producer.out", types.CollectionTypePseudoDataset)
	upTF := f.seedTransform(t, up, types.TransformTransforming)
	outColl, err := f.store.Collections.Create(&persistence.Collection{
		TransformID: upTF.TransformID, RequestID: upTF.RequestID,
		CollType: types.CollectionTypePseudoDataset, RelationType: types.CollectionRelationOutput,
		Scope: "user", Name: "producer.out", Status: types.CollectionOpen,
	})
	require.NoError(t, err)
	mkOutput := func(mapID int64, name string, sub types.ContentStatus) {
		c := &persistence.Content{
			TransformID: upTF.TransformID, CollID: outColl, RequestID: upTF.RequestID,
			MapID: mapID, Scope: "user", Name: name,
			ContentType: types.ContentTypeFile, ContentRelationType: types.ContentRelationOutput,
			Status: types.ContentNew,
		}
		if sub != "" {
			c.Substatus = persistence.NullString(string(sub))
		}
		_, err := f.store.Contents.Create(c)
		require.NoError(t, err)
	}
	mkOutput(1, "producer.out.1", types.ContentAvailable)
	mkOutput(2, "producer.out.2", "")
	mkOutput(3, "producer.out.3", types.ContentFailed)

	// Downstream dependency-release work in the same request.
	down := stageWork("consumer", "consumer.in", "consumer.out", types.CollectionTypePseudoDataset)
	down.UseDependencyRelease = true
	static, running, err := workflow.MarshalWork(down)
	require.NoError(t, err)
	downTF := &persistence.Transform{
		RequestID:         upTF.RequestID,
		TransformType:     down.Type,
		Status:            types.TransformNew,
		UpdatePollPeriod:  10,
		TransformMetadata: persistence.NullString(string(static)),
		RunningMetadata:   persistence.NullString(string(running)),
	}
	_, err = f.store.Transforms.Create(downTF)
	require.NoError(t, err)

	require.Equal(t, types.ReturnOk,
		f.tr.handleNewTransform(eventbus.NewEvent(eventbus.EventNewTransform, downTF.TransformID)))
	require.Equal(t, types.ReturnOk,
		f.tr.handleUpdateTransform(eventbus.NewEvent(eventbus.EventUpdateTransform, downTF.TransformID)))

	inputs, err := f.store.Contents.GetByRelation(downTF.TransformID, types.ContentRelationInput)
	require.NoError(t, err)
	// The failed upstream output is never mapped.
	require.Len(t, inputs, 2)

	byName := map[string]*persistence.Content{}
	for _, c := range inputs {
		byName[c.Name] = c
	}
	avail := byName["producer.out.1"]
	require.NotNil(t, avail)
	require.True(t, avail.ContentDepID.Valid)
	require.Equal(t, types.ContentAvailable, avail.Status)

	pending := byName["producer.out.2"]
	require.NotNil(t, pending)
	require.True(t, pending.ContentDepID.Valid)
	require.Equal(t, types.ContentNew, pending.Status)
}

func TestDependencyScanSkippedWhileFulfilled(t *testing.T) {
	f := newFixture(t)

	up := stageWork("producer", "producer.in", "producer.out", types.CollectionTypePseudoDataset)
	upTF := f.seedTransform(t, up, types.TransformTransforming)
	outColl, err := f.store.Collections.Create(&persistence.Collection{
		TransformID: upTF.TransformID, RequestID: upTF.RequestID,
		CollType: types.CollectionTypePseudoDataset, RelationType: types.CollectionRelationOutput,
		Scope: "user", Name: "producer.out", Status: types.CollectionOpen,
	})
	require.NoError(t, err)
	mkOutput := func(mapID int64, name string) {
		_, err := f.store.Contents.Create(&persistence.Content{
			TransformID: upTF.TransformID, CollID: outColl, RequestID: upTF.RequestID,
			MapID: mapID, Scope: "user", Name: name,
			ContentType: types.ContentTypeFile, ContentRelationType: types.ContentRelationOutput,
			Status:    types.ContentNew,
			Substatus: persistence.NullString(string(types.ContentAvailable)),
		})
		require.NoError(t, err)
	}
	mkOutput(1, "producer.out.1")

	down := stageWork("consumer", "consumer.in", "consumer.out", types.CollectionTypePseudoDataset)
	down.UseDependencyRelease = true
	static, running, err := workflow.MarshalWork(down)
	require.NoError(t, err)
	downTF := &persistence.Transform{
		RequestID:         upTF.RequestID,
		TransformType:     down.Type,
		Status:            types.TransformNew,
		UpdatePollPeriod:  10,
		TransformMetadata: persistence.NullString(string(static)),
		RunningMetadata:   persistence.NullString(string(running)),
	}
	_, err = f.store.Transforms.Create(downTF)
	require.NoError(t, err)

	require.Equal(t, types.ReturnOk,
		f.tr.handleNewTransform(eventbus.NewEvent(eventbus.EventNewTransform, downTF.TransformID)))

	// First cycle maps the only upstream output and leaves nothing
	// unfulfilled, which is remembered in the cache.
	require.Equal(t, types.ReturnOk,
		f.tr.handleUpdateTransform(eventbus.NewEvent(eventbus.EventUpdateTransform, downTF.TransformID)))
	inputs, err := f.store.Contents.GetByRelation(downTF.TransformID, types.ContentRelationInput)
	require.NoError(t, err)
	require.Len(t, inputs, 1)

	// A new upstream output inside the cache window is not picked up:
	// the scan is skipped while the cached set is empty.
	mkOutput(2, "producer.out.2")
	require.Equal(t, types.ReturnOk,
		f.tr.handleUpdateTransform(eventbus.NewEvent(eventbus.EventUpdateTransform, downTF.TransformID)))
	inputs, err = f.store.Contents.GetByRelation(downTF.TransformID, types.ContentRelationInput)
	require.NoError(t, err)
	require.Len(t, inputs, 1)

	// Once the cache entry expires the scan resumes.
	f.tr.cache.Delete(fmt.Sprintf("transformer:unfulfilled:%d", downTF.TransformID))
	require.Equal(t, types.ReturnOk,
		f.tr.handleUpdateTransform(eventbus.NewEvent(eventbus.EventUpdateTransform, downTF.TransformID)))
	inputs, err = f.store.Contents.GetByRelation(downTF.TransformID, types.ContentRelationInput)
	require.NoError(t, err)
	require.Len(t, inputs, 2)
}

func TestNoNewInputsSkipsMapGeneration(t *testing.T) {
	f := newFixture(t)
	w := stageWork("stage", "stage.in", "stage.out", types.CollectionTypeDataset)
	w.HasNewInputs = false
	tf := f.seedTransform(t, w, types.TransformNew)
	f.meta.SetMetadata("user", "stage.in", &driver.DatasetMetadata{
		Bytes: 2048, Length: 2, IsOpen: false, DIDType: "DATASET",
	})

	require.Equal(t, types.ReturnOk,
		f.tr.handleNewTransform(eventbus.NewEvent(eventbus.EventNewTransform, tf.TransformID)))
	require.Equal(t, types.ReturnOk,
		f.tr.handleUpdateTransform(eventbus.NewEvent(eventbus.EventUpdateTransform, tf.TransformID)))

	// The input collection reports files, but the work declared its
	// input set complete, so no maps and no processing appear.
	contents, err := f.store.Contents.GetByTransform(tf.TransformID)
	require.NoError(t, err)
	require.Empty(t, contents)
	procs, err := f.store.Processings.GetByTransform(tf.TransformID)
	require.NoError(t, err)
	require.Empty(t, procs)
}

func TestReleasableInputsArePromoted(t *testing.T) {
	f := newFixture(t)
	w := stageWork("stage", "stage.in", "stage.out", types.CollectionTypePseudoDataset)
	w.UseDependencyRelease = true
	tf := f.seedTransform(t, w, types.TransformNew)

	require.Equal(t, types.ReturnOk,
		f.tr.handleNewTransform(eventbus.NewEvent(eventbus.EventNewTransform, tf.TransformID)))
	inColl := f.collByRelation(t, tf.TransformID, types.CollectionRelationInput)

	// An input whose dependency substatus already propagated.
	id, err := f.store.Contents.Create(&persistence.Content{
		TransformID: tf.TransformID, CollID: inColl.CollID, RequestID: tf.RequestID,
		MapID: 1, Scope: "user", Name: "dep.file.1",
		ContentType: types.ContentTypeFile, ContentRelationType: types.ContentRelationInput,
		Status:       types.ContentNew,
		Substatus:    persistence.NullString(string(types.ContentAvailable)),
		ContentDepID: persistence.NullInt64(999),
	})
	require.NoError(t, err)

	require.Equal(t, types.ReturnOk,
		f.tr.handleUpdateTransform(eventbus.NewEvent(eventbus.EventUpdateTransform, tf.TransformID)))

	got, err := f.store.Contents.Get(id)
	require.NoError(t, err)
	require.Equal(t, types.ContentAvailable, got.Status)
}

func TestTerminalAggregation(t *testing.T) {
	f := newFixture(t)
	w := stageWork("stage", "stage.in", "stage.out", types.CollectionTypePseudoDataset)
	tf := f.seedTransform(t, w, types.TransformNew)

	require.Equal(t, types.ReturnOk,
		f.tr.handleNewTransform(eventbus.NewEvent(eventbus.EventNewTransform, tf.TransformID)))
	outColl := f.collByRelation(t, tf.TransformID, types.CollectionRelationOutput)

	// A flushed output and a finished processing.
	_, err := f.store.Contents.Create(&persistence.Content{
		TransformID: tf.TransformID, CollID: outColl.CollID, RequestID: tf.RequestID,
		MapID: 1, Scope: "user", Name: "stage.out.file.1",
		ContentType: types.ContentTypeFile, ContentRelationType: types.ContentRelationOutput,
		Status:    types.ContentNew,
		Substatus: persistence.NullString(string(types.ContentAvailable)),
	})
	require.NoError(t, err)
	_, err = f.store.Processings.Create(&persistence.Processing{
		TransformID: tf.TransformID, RequestID: tf.RequestID,
		Status:         types.ProcessingFinished,
		OutputMetadata: persistence.NullString(`{"generate_new_task": true}`),
	})
	require.NoError(t, err)

	require.Equal(t, types.ReturnOk,
		f.tr.handleUpdateTransform(eventbus.NewEvent(eventbus.EventUpdateTransform, tf.TransformID)))

	got, err := f.store.Transforms.Get(tf.TransformID)
	require.NoError(t, err)
	require.Equal(t, types.TransformFinished, got.Status)
	require.True(t, got.FinishedAt.Valid)

	var data workflow.WorkData
	require.NoError(t, json.Unmarshal([]byte(got.RunningMetadata.String), &data))
	require.Equal(t, types.TransformFinished, data.Status)
	require.True(t, data.GenerateNewTask)

	ev, ok := f.bus.Get(eventbus.EventUpdateRequest, 10*time.Millisecond)
	require.True(t, ok)
	require.Equal(t, tf.RequestID, ev.AssociatedID)

	msgs, err := f.store.Messages.GetByRequest(tf.RequestID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, types.MessageTypeTransformStatus, msgs[0].MsgType)
}

func TestOperationForwardedToProcessing(t *testing.T) {
	f := newFixture(t)
	w := stageWork("stage", "stage.in", "stage.out", types.CollectionTypePseudoDataset)
	tf := f.seedTransform(t, w, types.TransformTransforming)
	require.NoError(t, f.store.Transforms.Update(tf.TransformID, map[string]any{
		"substatus": types.TransformToCancel,
	}))
	procID, err := f.store.Processings.Create(&persistence.Processing{
		TransformID: tf.TransformID, RequestID: tf.RequestID,
		Status: types.ProcessingRunning,
	})
	require.NoError(t, err)

	require.Equal(t, types.ReturnOk,
		f.tr.handleUpdateTransform(eventbus.NewEvent(eventbus.EventUpdateTransform, tf.TransformID)))

	got, err := f.store.Transforms.Get(tf.TransformID)
	require.NoError(t, err)
	require.Equal(t, types.TransformCancelling, got.Status)
	require.False(t, got.Substatus.Valid)

	proc, err := f.store.Processings.Get(procID)
	require.NoError(t, err)
	require.Equal(t, "tocancel", proc.Substatus.String)

	ev, ok := f.bus.Get(eventbus.EventUpdateProcessing, 10*time.Millisecond)
	require.True(t, ok)
	require.Equal(t, procID, ev.AssociatedID)
}
