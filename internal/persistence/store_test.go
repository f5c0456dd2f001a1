package persistence_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/iddsops/idds/internal/persistence"
	"github.com/iddsops/idds/internal/types"
)

func TestUpdateRequestWithTransforms(t *testing.T) {
	s := newStore(t)
	req := newRequest(t, s, types.RequestNew)

	// finalize sees the assigned ids, so the snapshot recorded on the
	// request can reference them within the same commit.
	var seen []int64
	ids, err := s.UpdateRequestWithTransforms(
		req.RequestID,
		[]*persistence.Transform{
			{TransformType: types.TransformTypeWorkflow, Status: types.TransformNew},
			{TransformType: types.TransformTypeWorkflow, Status: types.TransformNew},
		},
		nil,
		func(ids []int64) (map[string]any, error) {
			seen = ids
			return map[string]any{"status": types.RequestTransforming}, nil
		},
	)
	require.NoError(t, err)
	require.Len(t, ids, 2)
	require.Equal(t, ids, seen)

	got, err := s.Requests.Get(req.RequestID)
	require.NoError(t, err)
	require.Equal(t, types.RequestTransforming, got.Status)

	transforms, err := s.Transforms.GetByRequest(req.RequestID)
	require.NoError(t, err)
	require.Len(t, transforms, 2)
	for _, tf := range transforms {
		require.Equal(t, req.RequestID, tf.RequestID)
	}
}

func TestUpdateRequestWithTransformsRollsBack(t *testing.T) {
	s := newStore(t)
	req := newRequest(t, s, types.RequestNew)

	// The per-transform update targets a missing row; the whole
	// transaction, inserts included, must roll back.
	_, err := s.UpdateRequestWithTransforms(
		req.RequestID,
		[]*persistence.Transform{
			{TransformType: types.TransformTypeWorkflow, Status: types.TransformNew},
		},
		map[int64]map[string]any{9999: {"status": types.TransformFailed}},
		func([]int64) (map[string]any, error) {
			return map[string]any{"status": types.RequestTransforming}, nil
		},
	)
	require.ErrorIs(t, err, persistence.ErrNotFound)

	got, err := s.Requests.Get(req.RequestID)
	require.NoError(t, err)
	require.Equal(t, types.RequestNew, got.Status)

	transforms, err := s.Transforms.GetByRequest(req.RequestID)
	require.NoError(t, err)
	require.Empty(t, transforms)
}

func TestUpdateRequestWithTransformsFinalizeErrorRollsBack(t *testing.T) {
	s := newStore(t)
	req := newRequest(t, s, types.RequestNew)

	// A failing finalize must take the transform inserts down with it:
	// committed transforms without the request snapshot would be
	// re-expanded as duplicates.
	_, err := s.UpdateRequestWithTransforms(
		req.RequestID,
		[]*persistence.Transform{
			{TransformType: types.TransformTypeWorkflow, Status: types.TransformNew},
		},
		nil,
		func([]int64) (map[string]any, error) {
			return nil, errors.New("snapshot encoding failed")
		},
	)
	require.Error(t, err)

	transforms, err := s.Transforms.GetByRequest(req.RequestID)
	require.NoError(t, err)
	require.Empty(t, transforms)

	got, err := s.Requests.Get(req.RequestID)
	require.NoError(t, err)
	require.Equal(t, types.RequestNew, got.Status)
}

func TestAddTransformOutputs(t *testing.T) {
	s := newStore(t)
	p := newPipeline(t, s)

	contents := []*persistence.Content{
		{
			TransformID: p.upstreamTF, CollID: p.upInColl, RequestID: p.requestID,
			MapID: 1, Scope: "user", Name: "file.1",
			ContentType: types.ContentTypeFile, ContentRelationType: types.ContentRelationInput,
			Status: types.ContentNew,
		},
		{
			TransformID: p.upstreamTF, CollID: p.upOutColl, RequestID: p.requestID,
			MapID: 1, Scope: "user", Name: "up.out.file.1",
			ContentType: types.ContentTypeFile, ContentRelationType: types.ContentRelationOutput,
			Status: types.ContentNew,
		},
	}

	processingID, err := s.AddTransformOutputs(
		p.upstreamTF,
		map[string]any{"status": types.TransformTransforming},
		map[int64]map[string]any{p.upInColl: {"total_files": 1}},
		contents,
		nil,
		&persistence.Processing{RequestID: p.requestID, Status: types.ProcessingNew},
	)
	require.NoError(t, err)
	require.NotZero(t, processingID)

	proc, err := s.Processings.Get(processingID)
	require.NoError(t, err)
	require.Equal(t, p.upstreamTF, proc.TransformID)
	require.Equal(t, types.ProcessingNew, proc.Status)

	coll, err := s.Collections.Get(p.upInColl)
	require.NoError(t, err)
	require.Equal(t, int64(1), coll.TotalFiles)

	rows, err := s.Contents.GetByTransform(p.upstreamTF)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	// Re-running with the same contents must not duplicate or error.
	for _, c := range contents {
		c.ContentID = 0
	}
	_, err = s.AddTransformOutputs(p.upstreamTF, nil, nil, contents, nil, nil)
	require.NoError(t, err)
	rows, err = s.Contents.GetByTransform(p.upstreamTF)
	require.NoError(t, err)
	require.Len(t, rows, 2)
}

func TestAtMostOneActiveProcessing(t *testing.T) {
	s := newStore(t)
	p := newPipeline(t, s)

	_, err := s.Processings.GetActiveByTransform(p.upstreamTF)
	require.ErrorIs(t, err, persistence.ErrNotFound)

	id, err := s.Processings.Create(&persistence.Processing{
		TransformID: p.upstreamTF, RequestID: p.requestID, Status: types.ProcessingRunning,
	})
	require.NoError(t, err)

	active, err := s.Processings.GetActiveByTransform(p.upstreamTF)
	require.NoError(t, err)
	require.Equal(t, id, active.ProcessingID)

	require.NoError(t, s.Processings.Update(id, map[string]any{"status": types.ProcessingFinished}))
	_, err = s.Processings.GetActiveByTransform(p.upstreamTF)
	require.ErrorIs(t, err, persistence.ErrNotFound)
}

func TestUpdateProcessingContents(t *testing.T) {
	s := newStore(t)
	p := newPipeline(t, s)

	outID := addContent(t, s, &persistence.Content{
		TransformID: p.upstreamTF, CollID: p.upOutColl, RequestID: p.requestID,
		MapID: 1, Scope: "user", Name: "up.out.file.1",
		ContentType: types.ContentTypeFile, ContentRelationType: types.ContentRelationOutput,
		Status: types.ContentNew,
	})
	procID, err := s.Processings.Create(&persistence.Processing{
		TransformID: p.upstreamTF, RequestID: p.requestID, Status: types.ProcessingRunning,
	})
	require.NoError(t, err)

	err = s.UpdateProcessingContents(
		procID,
		map[string]any{"status": types.ProcessingFinished},
		[]persistence.ContentSubstatus{{ContentID: outID, Substatus: types.ContentAvailable}},
		[]persistence.ContentUpdate{{
			ContentID: outID, Substatus: types.ContentAvailable,
			RequestID: p.requestID, TransformID: p.upstreamTF, CollID: p.upOutColl,
		}},
	)
	require.NoError(t, err)

	proc, err := s.Processings.Get(procID)
	require.NoError(t, err)
	require.Equal(t, types.ProcessingFinished, proc.Status)

	out, err := s.Contents.Get(outID)
	require.NoError(t, err)
	require.Equal(t, "available", out.Substatus.String)
}

func TestDeleteRequestCascade(t *testing.T) {
	s := newStore(t)
	p := newPipeline(t, s)

	addContent(t, s, &persistence.Content{
		TransformID: p.upstreamTF, CollID: p.upInColl, RequestID: p.requestID,
		MapID: 1, Scope: "user", Name: "file.1",
		ContentType: types.ContentTypeFile, ContentRelationType: types.ContentRelationInput,
		Status: types.ContentNew,
	})
	_, err := s.Processings.Create(&persistence.Processing{
		TransformID: p.upstreamTF, RequestID: p.requestID, Status: types.ProcessingNew,
	})
	require.NoError(t, err)
	_, err = s.Messages.Create(&persistence.Message{
		MsgType:   types.MessageTypeRequestStatus,
		Source:    types.SourceClerk,
		RequestID: persistence.NullInt64(p.requestID),
	})
	require.NoError(t, err)

	require.NoError(t, s.DeleteRequestCascade(p.requestID))

	_, err = s.Requests.Get(p.requestID)
	require.ErrorIs(t, err, persistence.ErrNotFound)
	transforms, err := s.Transforms.GetByRequest(p.requestID)
	require.NoError(t, err)
	require.Empty(t, transforms)
	contents, err := s.Contents.GetByTransform(p.upstreamTF)
	require.NoError(t, err)
	require.Empty(t, contents)

	// Messages are append-only and survive the cascade.
	msgs, err := s.Messages.GetByRequest(p.requestID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
}
