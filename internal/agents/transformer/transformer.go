// Package transformer implements the agent that drives transforms:
// materializing collections and contents, generating input/output maps,
// and creating the single active processing per transform.
package transformer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/iddsops/idds/internal/agent"
	"github.com/iddsops/idds/internal/cache"
	"github.com/iddsops/idds/internal/config"
	"github.com/iddsops/idds/internal/driver"
	"github.com/iddsops/idds/internal/eventbus"
	"github.com/iddsops/idds/internal/persistence"
	"github.com/iddsops/idds/internal/types"
	"github.com/iddsops/idds/internal/workflow"
)

// driverTimeout bounds every metadata call.
const driverTimeout = 30 * time.Second

// Transformer drives the transform lifecycle.
type Transformer struct {
	*agent.Base

	metadata driver.MetadataDriver
	cache    *cache.Cache
}

// New constructs a transformer over the shared store, bus and catalog
// driver.
func New(cfg config.AgentConfig, store *persistence.Store, bus eventbus.Backend, metadata driver.MetadataDriver, c *cache.Cache, logger zerolog.Logger) *Transformer {
	t := &Transformer{
		Base:     agent.NewBase("transformer", types.SourceTransformer, cfg, store, bus, logger),
		metadata: metadata,
		cache:    c,
	}
	t.Handle(eventbus.EventNewTransform, t.handleNewTransform)
	t.Handle(eventbus.EventUpdateTransform, t.handleUpdateTransform)
	t.Handle(eventbus.EventTriggerRelease, t.handleUpdateTransform)

	poll := time.Duration(cfg.PollTimePeriod) * time.Second
	t.AddTask("pull_new_transforms", t.pullNewTransforms, poll, 1)
	t.AddTask("pull_running_transforms", t.pullRunningTransforms, poll, 1)
	return t
}

func (t *Transformer) pullNewTransforms() {
	transforms, err := t.Store.Transforms.GetByStatus(
		[]types.TransformStatus{types.TransformNew, types.TransformExtend},
		t.Cfg.RetrieveBulkSize, false,
	)
	if err != nil {
		t.Logger.Warn().Err(err).Msg("failed to pull new transforms")
		return
	}
	for _, tf := range transforms {
		if err := t.Bus.Send(eventbus.NewEvent(eventbus.EventNewTransform, tf.TransformID)); err != nil {
			t.Logger.Warn().Err(err).Int64("transform_id", tf.TransformID).Msg("failed to publish event")
		}
	}
}

func (t *Transformer) pullRunningTransforms() {
	transforms, err := t.Store.Transforms.GetByStatus(
		[]types.TransformStatus{
			types.TransformReady, types.TransformTransforming,
			types.TransformCancelling, types.TransformSuspending, types.TransformResuming,
		},
		t.Cfg.RetrieveBulkSize, false,
	)
	if err != nil {
		t.Logger.Warn().Err(err).Msg("failed to pull running transforms")
		return
	}
	for _, tf := range transforms {
		if err := t.Bus.Send(eventbus.NewEvent(eventbus.EventUpdateTransform, tf.TransformID)); err != nil {
			t.Logger.Warn().Err(err).Int64("transform_id", tf.TransformID).Msg("failed to publish event")
		}
	}
}

// loadWork reconstructs the transform's work object.
func loadWork(tf *persistence.Transform) (*workflow.Work, error) {
	if !tf.TransformMetadata.Valid {
		return nil, fmt.Errorf("transform %d has no work", tf.TransformID)
	}
	var running []byte
	if tf.RunningMetadata.Valid {
		running = []byte(tf.RunningMetadata.String)
	}
	return workflow.UnmarshalWork([]byte(tf.TransformMetadata.String), running)
}

// handleNewTransform materializes the work's collections and moves the
// transform to Transforming.
func (t *Transformer) handleNewTransform(ev eventbus.Event) types.ReturnCode {
	tf, err := t.Store.Transforms.Get(ev.AssociatedID)
	if err != nil {
		t.Logger.Warn().Err(err).Int64("transform_id", ev.AssociatedID).Msg("transform vanished")
		return types.ReturnOk
	}
	if tf.Status != types.TransformNew && tf.Status != types.TransformExtend {
		return types.ReturnOk
	}
	if err := t.Store.Transforms.TryLock(tf.TransformID); err != nil {
		return types.ReturnLocked
	}

	if err := t.prepareTransform(tf); err != nil {
		t.failTransform(tf, err)
		return types.ReturnFailed
	}
	return types.ReturnOk
}

func (t *Transformer) prepareTransform(tf *persistence.Transform) error {
	work, err := loadWork(tf)
	if err != nil {
		return err
	}

	specs := make([]workflow.CollectionSpec, 0,
		len(work.InputCollections)+len(work.OutputCollections)+len(work.LogCollections))
	specs = append(specs, work.InputCollections...)
	specs = append(specs, work.OutputCollections...)
	specs = append(specs, work.LogCollections...)

	for _, spec := range specs {
		_, err := t.Store.Collections.Create(&persistence.Collection{
			TransformID:  tf.TransformID,
			RequestID:    tf.RequestID,
			CollType:     spec.CollType,
			RelationType: spec.Relation,
			Scope:        spec.Scope,
			Name:         spec.Name,
			Status:       types.CollectionOpen,
		})
		if err != nil && !errors.Is(err, persistence.ErrDuplicated) {
			return err
		}
	}

	err = t.Store.Transforms.Update(tf.TransformID, map[string]any{
		"status":       types.TransformTransforming,
		"oldstatus":    tf.Status,
		"locking":      types.LockIdle,
		"started_at":   time.Now().Unix(),
		"next_poll_at": time.Now().Unix(),
	})
	if err != nil {
		return err
	}

	if err := t.Bus.Send(eventbus.NewEvent(eventbus.EventUpdateTransform, tf.TransformID)); err != nil {
		t.Logger.Warn().Err(err).Int64("transform_id", tf.TransformID).Msg("failed to publish event")
	}
	t.Logger.Info().
		Int64("transform_id", tf.TransformID).
		Int("collections", len(specs)).
		Msg("transform prepared")
	return nil
}

// handleUpdateTransform runs one transformer cycle: poll collections,
// generate maps, ensure the processing, aggregate work status.
func (t *Transformer) handleUpdateTransform(ev eventbus.Event) types.ReturnCode {
	tf, err := t.Store.Transforms.Get(ev.AssociatedID)
	if err != nil {
		t.Logger.Warn().Err(err).Int64("transform_id", ev.AssociatedID).Msg("transform vanished")
		return types.ReturnOk
	}
	if tf.Status.IsTerminal() {
		return types.ReturnOk
	}
	if err := t.Store.Transforms.TryLock(tf.TransformID); err != nil {
		return types.ReturnLocked
	}

	if err := t.progressTransform(tf); err != nil {
		t.failTransform(tf, err)
		return types.ReturnFailed
	}
	return types.ReturnOk
}

func (t *Transformer) progressTransform(tf *persistence.Transform) error {
	work, err := loadWork(tf)
	if err != nil {
		return err
	}

	// Pending operations forward to the active processing and wait for
	// the carrier to act.
	if tf.Substatus.Valid {
		switch types.TransformStatus(tf.Substatus.String) {
		case types.TransformToCancel, types.TransformToSuspend, types.TransformToResume:
			return t.forwardOperation(tf)
		}
	}

	colls, err := t.Store.Collections.GetByTransform(tf.TransformID)
	if err != nil {
		return err
	}
	var inputColl, outputColl *persistence.Collection
	collUpdates := map[int64]map[string]any{}
	for _, coll := range colls {
		switch coll.RelationType {
		case types.CollectionRelationInput:
			if inputColl == nil {
				inputColl = coll
			}
		case types.CollectionRelationOutput:
			if outputColl == nil {
				outputColl = coll
			}
		}
	}
	if inputColl == nil || outputColl == nil {
		return fmt.Errorf("transform %d is missing input or output collection", tf.TransformID)
	}

	if err := t.pollInputCollection(inputColl, collUpdates); err != nil {
		return err
	}

	newContents, mappedInputs, err := t.generateMaps(tf, work, inputColl, outputColl)
	if err != nil {
		return err
	}

	// Release inputs whose dependency propagated a terminal substatus.
	releasable, err := t.Store.Contents.GetReleasableInputs(tf.TransformID)
	if err != nil {
		return err
	}
	for _, c := range releasable {
		mappedInputs = append(mappedInputs, persistence.ContentSubstatus{
			ContentID: c.ContentID,
			Substatus: types.ContentStatus(c.Substatus.String),
		})
		if err := t.Store.Contents.Update(c.ContentID, map[string]any{
			"status": c.Substatus.String,
		}); err != nil {
			return err
		}
	}

	// Create the single processing once there is anything to run.
	// Retries reuse the existing processing, so a transform that already
	// has one never gets another.
	var newProcessing *persistence.Processing
	procs, err := t.Store.Processings.GetByTransform(tf.TransformID)
	if err != nil {
		return err
	}
	if len(procs) == 0 {
		hasWork := len(newContents) > 0
		if !hasWork {
			existing, cErr := t.Store.Contents.GetByTransform(tf.TransformID)
			if cErr != nil {
				return cErr
			}
			hasWork = len(existing) > 0
		}
		if hasWork {
			newProcessing, err = t.buildProcessing(tf, work, newContents)
			if err != nil {
				return err
			}
		}
	}

	t.syncCollectionCounters(colls, collUpdates)

	processingID, err := t.Store.AddTransformOutputs(
		tf.TransformID,
		map[string]any{
			"locking":      types.LockIdle,
			"next_poll_at": time.Now().Add(time.Duration(tf.UpdatePollPeriod) * time.Second).Unix(),
		},
		collUpdates, newContents, mappedInputs, newProcessing,
	)
	if err != nil {
		return err
	}
	if processingID != 0 {
		if err := t.Bus.Send(eventbus.NewEvent(eventbus.EventNewProcessing, processingID)); err != nil {
			t.Logger.Warn().Err(err).Int64("processing_id", processingID).Msg("failed to publish event")
		}
		t.Logger.Info().
			Int64("transform_id", tf.TransformID).
			Int64("processing_id", processingID).
			Int("contents", len(newContents)).
			Msg("processing created")
	}

	return t.syncWorkStatus(tf, work)
}

// pollInputCollection refreshes an external input collection from the
// catalog and closes it when the upstream reports not-open. Pseudo
// collections are governed by local policy instead.
func (t *Transformer) pollInputCollection(coll *persistence.Collection, updates map[int64]map[string]any) error {
	if coll.CollType == types.CollectionTypePseudoDataset {
		return nil
	}
	if coll.Status == types.CollectionClosed {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), driverTimeout)
	defer cancel()
	meta, err := t.metadata.GetMetadata(ctx, coll.Scope, coll.Name)
	if err != nil {
		return fmt.Errorf("failed to poll collection %s:%s: %w", coll.Scope, coll.Name, err)
	}

	collType := coll.CollType
	switch meta.DIDType {
	case "CONTAINER":
		collType = types.CollectionTypeContainer
	case "FILE":
		collType = types.CollectionTypeFile
	case "DATASET", "":
		collType = types.CollectionTypeDataset
	}

	fields := map[string]any{
		"bytes":           meta.Bytes,
		"total_files":     meta.Length,
		"ext_total_files": meta.Length,
		"coll_type":       collType,
	}
	if !meta.IsOpen {
		fields["status"] = types.CollectionClosed
	}
	updates[coll.CollID] = fields

	coll.TotalFiles = meta.Length
	coll.CollType = collType
	if !meta.IsOpen {
		coll.Status = types.CollectionClosed
	}
	return nil
}

// generateMaps builds the new input/output content rows for this cycle.
// Map ids are allocated as max+1 and never reused.
func (t *Transformer) generateMaps(
	tf *persistence.Transform,
	work *workflow.Work,
	inputColl, outputColl *persistence.Collection,
) ([]*persistence.Content, []persistence.ContentSubstatus, error) {
	if !work.HasNewInputs {
		return nil, nil, nil
	}

	maxMapID, err := t.Store.Contents.MaxMapID(tf.TransformID)
	if err != nil {
		return nil, nil, err
	}
	existing, err := t.Store.Contents.GetByRelation(tf.TransformID, types.ContentRelationInput)
	if err != nil {
		return nil, nil, err
	}
	existingNames := make(map[string]bool, len(existing))
	for _, c := range existing {
		existingNames[c.Name] = true
	}

	var newContents []*persistence.Content
	nextMapID := maxMapID

	addMap := func(inputName string, depID int64, substatus types.ContentStatus) {
		nextMapID++
		input := &persistence.Content{
			TransformID:         tf.TransformID,
			CollID:              inputColl.CollID,
			RequestID:           tf.RequestID,
			WorkloadID:          tf.WorkloadID,
			MapID:               nextMapID,
			Scope:               inputColl.Scope,
			Name:                inputName,
			ContentType:         types.ContentTypeFile,
			ContentRelationType: types.ContentRelationInput,
			Status:              types.ContentNew,
		}
		if depID != 0 {
			input.ContentDepID = persistence.NullInt64(depID)
		}
		if substatus != "" {
			input.Substatus = persistence.NullString(string(substatus))
			if substatus == types.ContentAvailable {
				input.Status = types.ContentAvailable
			}
		}
		output := &persistence.Content{
			TransformID:         tf.TransformID,
			CollID:              outputColl.CollID,
			RequestID:           tf.RequestID,
			WorkloadID:          tf.WorkloadID,
			MapID:               nextMapID,
			Scope:               outputColl.Scope,
			Name:                fmt.Sprintf("%s.%s", outputColl.Name, inputName),
			ContentType:         types.ContentTypeFile,
			ContentRelationType: types.ContentRelationOutput,
			Status:              types.ContentNew,
		}
		newContents = append(newContents, input, output)
	}

	if work.UseDependencyRelease {
		// Dependency-gated works map upstream outputs to their inputs.
		// Outputs that failed upstream are never released; outputs not
		// yet produced are retried next cycle. When the previous cycle
		// left nothing unfulfilled, the cross-transform scan is skipped
		// until the cached set expires with the poll period.
		cacheKey := fmt.Sprintf("transformer:unfulfilled:%d", tf.TransformID)
		if t.cache != nil {
			if pending, ok := cache.GetAs[[]string](t.cache, cacheKey); ok && len(pending) == 0 {
				return nil, nil, nil
			}
		}
		upstream, err := t.Store.Contents.GetUpstreamOutputs(tf.RequestID, tf.TransformID)
		if err != nil {
			return nil, nil, err
		}
		var unfulfilled []string
		for _, up := range upstream {
			if existingNames[up.Name] {
				continue
			}
			sub := types.ContentStatus("")
			if up.Substatus.Valid {
				sub = types.ContentStatus(up.Substatus.String)
			}
			switch sub {
			case types.ContentFailed, types.ContentFinalFailed, types.ContentMissing, types.ContentLost:
				continue
			case types.ContentAvailable:
				addMap(up.Name, up.ContentID, types.ContentAvailable)
			default:
				if up.Status == types.ContentAvailable {
					addMap(up.Name, up.ContentID, types.ContentAvailable)
				} else {
					addMap(up.Name, up.ContentID, "")
					unfulfilled = append(unfulfilled, up.Name)
				}
			}
		}
		if t.cache != nil {
			ttl := time.Duration(tf.UpdatePollPeriod) * time.Second
			if ttl <= 0 {
				ttl = time.Duration(t.Cfg.UpdatePollPeriod) * time.Second
			}
			t.cache.SetWithTTL(cacheKey, unfulfilled, ttl)
		}
		return newContents, nil, nil
	}

	// Plain works derive inputs from the input collection's file count.
	if inputColl.TotalFiles > 0 {
		for i := int64(len(existing)); i < inputColl.TotalFiles; i++ {
			addMap(fmt.Sprintf("%s.%d", inputColl.Name, i+1), 0, "")
		}
	}
	return newContents, nil, nil
}

// buildProcessing assembles the processing row with the submission
// payload. Task names embed request and transform ids so they are
// unique by construction.
func (t *Transformer) buildProcessing(
	tf *persistence.Transform,
	work *workflow.Work,
	newContents []*persistence.Content,
) (*persistence.Processing, error) {
	pfnList := make([]string, 0, len(newContents))
	for _, c := range newContents {
		if c.ContentRelationType == types.ContentRelationInput {
			pfnList = append(pfnList, c.Name)
		}
	}
	if len(pfnList) == 0 {
		existing, err := t.Store.Contents.GetByRelation(tf.TransformID, types.ContentRelationInput)
		if err != nil {
			return nil, err
		}
		for _, c := range existing {
			pfnList = append(pfnList, c.Name)
		}
	}

	taskParam := map[string]any{
		"taskName": fmt.Sprintf("%s_%d_%d", work.Name, tf.RequestID, tf.TransformID),
		"nFiles":   len(pfnList),
		"pfnList":  pfnList,
	}
	for k, v := range work.TaskParams {
		taskParam[k] = v
	}
	meta, err := json.Marshal(map[string]any{"task_param": taskParam})
	if err != nil {
		return nil, fmt.Errorf("failed to encode task param: %w", err)
	}

	return &persistence.Processing{
		TransformID:        tf.TransformID,
		RequestID:          tf.RequestID,
		WorkloadID:         tf.WorkloadID,
		Status:             types.ProcessingNew,
		ProcessingMetadata: persistence.NullString(string(meta)),
		MaxNewRetries:      tf.MaxNewRetries,
		MaxUpdateRetries:   tf.MaxUpdateRetries,
	}, nil
}

// syncCollectionCounters refreshes per-collection file counters from
// content status statistics.
func (t *Transformer) syncCollectionCounters(colls []*persistence.Collection, updates map[int64]map[string]any) {
	for _, coll := range colls {
		counts, err := t.Store.Contents.StatusCounts(coll.CollID)
		if err != nil {
			t.Logger.Warn().Err(err).Int64("coll_id", coll.CollID).Msg("failed to count contents")
			continue
		}
		var total, processed, processing, failed, missing, newFiles int64
		for st, n := range counts {
			total += n
			switch st {
			case types.ContentAvailable:
				processed += n
			case types.ContentProcessing, types.ContentMapped:
				processing += n
			case types.ContentFailed, types.ContentFinalFailed:
				failed += n
			case types.ContentMissing, types.ContentLost:
				missing += n
			case types.ContentNew:
				newFiles += n
			}
		}
		if total == 0 {
			continue
		}
		fields, ok := updates[coll.CollID]
		if !ok {
			fields = map[string]any{}
			updates[coll.CollID] = fields
		}
		fields["processed_files"] = processed
		fields["processing_files"] = processing
		fields["failed_files"] = failed
		fields["missing_files"] = missing
		fields["new_files"] = newFiles
		if _, has := fields["total_files"]; !has && coll.CollType == types.CollectionTypePseudoDataset {
			fields["total_files"] = total
		}
	}
}

// syncWorkStatus aggregates the transform status from the processing's
// terminated-ness and whether all outputs are flushed, then persists
// the work's running data.
func (t *Transformer) syncWorkStatus(tf *persistence.Transform, work *workflow.Work) error {
	proc, err := t.Store.Processings.GetActiveByTransform(tf.TransformID)
	if err != nil && !errors.Is(err, persistence.ErrNotFound) {
		return err
	}
	if err == nil && !proc.Status.IsTerminal() {
		// Still running; nothing to aggregate.
		return nil
	}

	procs, err := t.Store.Processings.GetByTransform(tf.TransformID)
	if err != nil {
		return err
	}
	if len(procs) == 0 {
		return nil
	}
	last := procs[len(procs)-1]
	if !last.Status.IsTerminal() {
		return nil
	}

	// Flush gate: outputs whose substatus has not been promoted keep
	// the transform open for one more cycle.
	outputs, err := t.Store.Contents.GetByRelation(tf.TransformID, types.ContentRelationOutput)
	if err != nil {
		return err
	}
	for _, c := range outputs {
		if !c.Substatus.Valid {
			return nil
		}
		if sub := types.ContentStatus(c.Substatus.String); !sub.IsTerminal() {
			return nil
		}
	}
	// Promote flushed outputs.
	for _, c := range outputs {
		if c.Status != types.ContentStatus(c.Substatus.String) {
			if err := t.Store.Contents.Update(c.ContentID, map[string]any{
				"status": c.Substatus.String,
			}); err != nil {
				return err
			}
		}
	}

	var status types.TransformStatus
	switch last.Status {
	case types.ProcessingFinished:
		status = types.TransformFinished
	case types.ProcessingSubFinished:
		status = types.TransformSubFinished
	case types.ProcessingFailed, types.ProcessingExpired:
		status = types.TransformFailed
	case types.ProcessingCancelled:
		status = types.TransformCancelled
	case types.ProcessingSuspended:
		status = types.TransformSuspended
	default:
		return nil
	}

	work.Data.Status = status
	work.Data.TransformID = tf.TransformID
	if last.OutputMetadata.Valid {
		var out map[string]any
		if err := json.Unmarshal([]byte(last.OutputMetadata.String), &out); err == nil {
			if v, ok := out["generate_new_task"].(bool); ok {
				work.Data.GenerateNewTask = v
			}
		}
	}
	_, running, err := workflow.MarshalWork(work)
	if err != nil {
		return err
	}

	if err := t.Store.Transforms.Update(tf.TransformID, map[string]any{
		"status":           status,
		"oldstatus":        tf.Status,
		"finished_at":      time.Now().Unix(),
		"locking":          types.LockIdle,
		"running_metadata": string(running),
	}); err != nil {
		return err
	}
	t.emitTransformMessage(tf, status)
	if err := t.Bus.Send(eventbus.NewEvent(eventbus.EventUpdateRequest, tf.RequestID)); err != nil {
		t.Logger.Warn().Err(err).Int64("request_id", tf.RequestID).Msg("failed to publish event")
	}
	t.Logger.Info().
		Int64("transform_id", tf.TransformID).
		Str("status", string(status)).
		Msg("transform terminated")
	return nil
}

// forwardOperation copies a pending cancel/suspend/resume onto the
// active processing and parks the transform in the matching state.
func (t *Transformer) forwardOperation(tf *persistence.Transform) error {
	sub := types.TransformStatus(tf.Substatus.String)
	var nextStatus types.TransformStatus
	var procSub types.ProcessingStatus
	switch sub {
	case types.TransformToCancel:
		nextStatus = types.TransformCancelling
		procSub = types.ProcessingStatus("tocancel")
	case types.TransformToSuspend:
		nextStatus = types.TransformSuspending
		procSub = types.ProcessingStatus("tosuspend")
	case types.TransformToResume:
		nextStatus = types.TransformResuming
		procSub = types.ProcessingStatus("toresume")
	}

	proc, err := t.Store.Processings.GetActiveByTransform(tf.TransformID)
	switch {
	case errors.Is(err, persistence.ErrNotFound):
		// Nothing external to steer: terminate directly.
		terminal := types.TransformCancelled
		if sub == types.TransformToSuspend {
			terminal = types.TransformSuspended
		} else if sub == types.TransformToResume {
			terminal = types.TransformTransforming
		}
		return t.Store.Transforms.Update(tf.TransformID, map[string]any{
			"status":    terminal,
			"oldstatus": tf.Status,
			"substatus": nil,
			"locking":   types.LockIdle,
		})
	case err != nil:
		return err
	}

	if err := t.Store.Processings.Update(proc.ProcessingID, map[string]any{
		"substatus":    procSub,
		"next_poll_at": time.Now().Unix(),
	}); err != nil {
		return err
	}
	if err := t.Bus.Send(eventbus.NewEvent(eventbus.EventUpdateProcessing, proc.ProcessingID)); err != nil {
		t.Logger.Warn().Err(err).Int64("processing_id", proc.ProcessingID).Msg("failed to publish event")
	}
	return t.Store.Transforms.Update(tf.TransformID, map[string]any{
		"status":    nextStatus,
		"oldstatus": tf.Status,
		"substatus": nil,
		"locking":   types.LockIdle,
	})
}

// failTransform marks the transform failed and always releases the
// lock.
func (t *Transformer) failTransform(tf *persistence.Transform, cause error) {
	t.Logger.Error().Err(cause).Int64("transform_id", tf.TransformID).Msg("transform handling failed")
	fields := map[string]any{
		"locking": types.LockIdle,
		"errors":  cause.Error(),
	}
	if !tf.Status.IsTerminal() {
		fields["status"] = types.TransformFailed
		fields["oldstatus"] = tf.Status
	}
	if err := t.Store.Transforms.Update(tf.TransformID, fields); err != nil {
		t.Logger.Error().Err(err).Int64("transform_id", tf.TransformID).Msg("failed to record transform failure")
	}
	t.emitTransformMessage(tf, types.TransformFailed)
}

func (t *Transformer) emitTransformMessage(tf *persistence.Transform, status types.TransformStatus) {
	content, _ := json.Marshal(map[string]any{
		"transform_id": tf.TransformID,
		"request_id":   tf.RequestID,
		"status":       status,
	})
	if _, err := t.Store.Messages.Create(&persistence.Message{
		MsgType:     types.MessageTypeTransformStatus,
		Source:      types.SourceTransformer,
		RequestID:   persistence.NullInt64(tf.RequestID),
		TransformID: persistence.NullInt64(tf.TransformID),
		MsgContent:  persistence.NullString(string(content)),
	}); err != nil {
		t.Logger.Warn().Err(err).Int64("transform_id", tf.TransformID).Msg("failed to emit transform message")
	}
}
