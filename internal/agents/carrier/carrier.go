// Package carrier implements the agent that talks to the external
// workload manager: submitting processings, steering them through
// control operations, and reconciling per-job results back into
// content rows.
package carrier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/iddsops/idds/internal/agent"
	"github.com/iddsops/idds/internal/config"
	"github.com/iddsops/idds/internal/driver"
	"github.com/iddsops/idds/internal/eventbus"
	"github.com/iddsops/idds/internal/persistence"
	"github.com/iddsops/idds/internal/types"
)

const (
	// jobPollChunk bounds one per-job status query.
	jobPollChunk = 2000
	// maxPollingRetries is how many extra terminal polls run before a
	// processing is allowed to finalize, giving late job updates a
	// chance to flush.
	maxPollingRetries = 3

	driverTimeout = 30 * time.Second
)

// processingEnvelope is the JSON shape of processing_metadata.
type processingEnvelope struct {
	TaskParam map[string]any `json:"task_param"`
}

// contentMeta is the JSON shape of per-content metadata maintained by
// job reconciliation.
type contentMeta struct {
	PandaID     int64   `json:"panda_id,omitempty"`
	OldPandaIDs []int64 `json:"old_panda_ids,omitempty"`
}

// Carrier drives processings on the external workload manager.
type Carrier struct {
	*agent.Base

	driver driver.TaskDriver
}

// New constructs a carrier over the shared store, bus and task driver.
func New(cfg config.AgentConfig, store *persistence.Store, bus eventbus.Backend, taskDriver driver.TaskDriver, logger zerolog.Logger) *Carrier {
	c := &Carrier{
		Base:   agent.NewBase("carrier", types.SourceCarrier, cfg, store, bus, logger),
		driver: taskDriver,
	}
	c.Handle(eventbus.EventNewProcessing, c.handleNewProcessing)
	c.Handle(eventbus.EventUpdateProcessing, c.handleUpdateProcessing)
	c.Handle(eventbus.EventSyncProcessing, c.handleUpdateProcessing)

	poll := time.Duration(cfg.PollTimePeriod) * time.Second
	c.AddTask("pull_new_processings", c.pullNewProcessings, poll, 1)
	c.AddTask("pull_running_processings", c.pullRunningProcessings, poll, 1)
	return c
}

func (c *Carrier) pullNewProcessings() {
	processings, err := c.Store.Processings.GetByStatus(
		[]types.ProcessingStatus{types.ProcessingNew, types.ProcessingSubmitting},
		c.Cfg.RetrieveBulkSize, false,
	)
	if err != nil {
		c.Logger.Warn().Err(err).Msg("failed to pull new processings")
		return
	}
	for _, p := range processings {
		if err := c.Bus.Send(eventbus.NewEvent(eventbus.EventNewProcessing, p.ProcessingID)); err != nil {
			c.Logger.Warn().Err(err).Int64("processing_id", p.ProcessingID).Msg("failed to publish event")
		}
	}
}

func (c *Carrier) pullRunningProcessings() {
	processings, err := c.Store.Processings.GetByStatus(
		[]types.ProcessingStatus{
			types.ProcessingSubmitted, types.ProcessingRunning, types.ProcessingResuming,
		},
		c.Cfg.RetrieveBulkSize, false,
	)
	if err != nil {
		c.Logger.Warn().Err(err).Msg("failed to pull running processings")
		return
	}
	for _, p := range processings {
		if err := c.Bus.Send(eventbus.NewEvent(eventbus.EventUpdateProcessing, p.ProcessingID)); err != nil {
			c.Logger.Warn().Err(err).Int64("processing_id", p.ProcessingID).Msg("failed to publish event")
		}
	}
}

// handleNewProcessing submits a processing to the workload manager.
func (c *Carrier) handleNewProcessing(ev eventbus.Event) types.ReturnCode {
	p, err := c.Store.Processings.Get(ev.AssociatedID)
	if err != nil {
		c.Logger.Warn().Err(err).Int64("processing_id", ev.AssociatedID).Msg("processing vanished")
		return types.ReturnOk
	}
	if p.Status != types.ProcessingNew && p.Status != types.ProcessingSubmitting {
		return types.ReturnOk
	}
	if err := c.Store.Processings.TryLock(p.ProcessingID); err != nil {
		return types.ReturnLocked
	}

	if err := c.submitProcessing(p); err != nil {
		c.failProcessing(p, err)
		return types.ReturnFailed
	}
	return types.ReturnOk
}

func (c *Carrier) submitProcessing(p *persistence.Processing) error {
	var env processingEnvelope
	if p.ProcessingMetadata.Valid {
		if err := json.Unmarshal([]byte(p.ProcessingMetadata.String), &env); err != nil {
			return fmt.Errorf("failed to decode processing metadata: %w", err)
		}
	}
	if env.TaskParam == nil {
		return fmt.Errorf("processing %d has no task parameters", p.ProcessingID)
	}
	taskName, _ := env.TaskParam["taskName"].(string)

	ctx, cancel := context.WithTimeout(context.Background(), driverTimeout)
	defer cancel()
	ctx, span := c.Tracer.Start(ctx, "carrier.submit_task",
		trace.WithAttributes(
			attribute.Int64("processing.id", p.ProcessingID),
			attribute.String("task.name", taskName),
		))
	defer span.End()

	// A crash between submit and persist leaves the external task without
	// a local workload id; rediscover it by task name before resubmitting.
	workloadID := c.rediscoverTask(ctx, p, taskName)
	if workloadID == 0 {
		var err error
		workloadID, err = c.driver.SubmitTask(ctx, env.TaskParam)
		if err != nil {
			return c.recordSubmitFailure(p, err)
		}
	}

	now := time.Now().Unix()
	if err := c.Store.Processings.Update(p.ProcessingID, map[string]any{
		"status":       types.ProcessingSubmitted,
		"oldstatus":    p.Status,
		"workload_id":  workloadID,
		"submitter":    "carrier",
		"submitted_at": now,
		"locking":      types.LockIdle,
		"next_poll_at": now,
	}); err != nil {
		return err
	}
	if err := c.Store.Transforms.Update(p.TransformID, map[string]any{
		"workload_id": workloadID,
	}); err != nil {
		c.Logger.Warn().Err(err).Int64("transform_id", p.TransformID).Msg("failed to record workload id on transform")
	}

	if err := c.Bus.Send(eventbus.NewEvent(eventbus.EventUpdateProcessing, p.ProcessingID)); err != nil {
		c.Logger.Warn().Err(err).Int64("processing_id", p.ProcessingID).Msg("failed to publish event")
	}
	c.Logger.Info().
		Int64("processing_id", p.ProcessingID).
		Int64("workload_id", workloadID).
		Str("task", taskName).
		Msg("processing submitted")
	return nil
}

func (c *Carrier) rediscoverTask(ctx context.Context, p *persistence.Processing, taskName string) int64 {
	if taskName == "" {
		return 0
	}
	tasks, err := c.driver.GetJobIDsInTimeRange(ctx, time.Unix(p.CreatedAt, 0), "")
	if err != nil {
		c.Logger.Debug().Err(err).Int64("processing_id", p.ProcessingID).Msg("task rediscovery scan failed")
		return 0
	}
	identity, ok := tasks[p.RequestID]
	if !ok || identity.TaskName != taskName {
		return 0
	}
	c.Logger.Info().
		Int64("processing_id", p.ProcessingID).
		Int64("workload_id", identity.JediTaskID).
		Msg("rediscovered externally submitted task")
	return identity.JediTaskID
}

// recordSubmitFailure counts a failed submission attempt and either
// schedules a retry or fails the processing for good.
func (c *Carrier) recordSubmitFailure(p *persistence.Processing, cause error) error {
	retries := p.NewRetries + 1
	if p.MaxNewRetries > 0 && retries >= p.MaxNewRetries {
		return fmt.Errorf("submission failed after %d attempts: %w", retries, cause)
	}
	c.Logger.Warn().Err(cause).
		Int64("processing_id", p.ProcessingID).
		Int64("attempt", retries).
		Msg("submission failed, will retry")
	return c.Store.Processings.Update(p.ProcessingID, map[string]any{
		"status":       types.ProcessingSubmitting,
		"new_retries":  retries,
		"errors":       cause.Error(),
		"locking":      types.LockIdle,
		"next_poll_at": time.Now().Add(time.Duration(retries) * time.Minute).Unix(),
	})
}

// handleUpdateProcessing runs one carrier poll cycle.
func (c *Carrier) handleUpdateProcessing(ev eventbus.Event) types.ReturnCode {
	p, err := c.Store.Processings.Get(ev.AssociatedID)
	if err != nil {
		c.Logger.Warn().Err(err).Int64("processing_id", ev.AssociatedID).Msg("processing vanished")
		return types.ReturnOk
	}
	if p.Status.IsTerminal() {
		return types.ReturnOk
	}
	if err := c.Store.Processings.TryLock(p.ProcessingID); err != nil {
		return types.ReturnLocked
	}

	if err := c.pollProcessing(p); err != nil {
		c.failProcessing(p, err)
		return types.ReturnFailed
	}
	return types.ReturnOk
}

func (c *Carrier) pollProcessing(p *persistence.Processing) error {
	if !p.WorkloadID.Valid {
		// Never made it to the workload manager; route back to submission.
		if err := c.Store.Processings.ReleaseLock(p.ProcessingID); err != nil {
			return err
		}
		return c.Bus.Send(eventbus.NewEvent(eventbus.EventNewProcessing, p.ProcessingID))
	}
	workloadID := p.WorkloadID.Int64

	ctx, cancel := context.WithTimeout(context.Background(), driverTimeout)
	defer cancel()
	ctx, span := c.Tracer.Start(ctx, "carrier.poll_task",
		trace.WithAttributes(
			attribute.Int64("processing.id", p.ProcessingID),
			attribute.Int64("workload.id", workloadID),
		))
	defer span.End()

	// Control operations preempt status polling.
	if p.Substatus.Valid {
		if done, err := c.applyOperation(ctx, p, workloadID); err != nil || done {
			return err
		}
	}

	// An elapsed deadline converts into a soft finish; the task drains
	// and terminates through the normal status path.
	if p.ExpiredAt.Valid && p.ExpiredAt.Int64 <= time.Now().Unix() && p.ExpiredAt.Int64 > 0 {
		if err := c.driver.FinishTask(ctx, workloadID, true); err != nil {
			return fmt.Errorf("failed to finish expired task %d: %w", workloadID, err)
		}
		if err := c.Store.Processings.Update(p.ProcessingID, map[string]any{
			"expired_at": nil,
			"errors":     "expired, soft finish requested",
		}); err != nil {
			return err
		}
	}

	external, err := c.driver.GetTaskStatus(ctx, workloadID)
	if err != nil {
		return fmt.Errorf("failed to poll task %d: %w", workloadID, err)
	}
	newStatus := types.MapTaskStatus(external)
	span.SetAttributes(attribute.String("task.status", string(newStatus)))

	contentUpdates, shadowRows, extRows, err := c.reconcileJobs(ctx, p, workloadID)
	if err != nil {
		return err
	}

	fields := map[string]any{
		"locking":      types.LockIdle,
		"next_poll_at": time.Now().Add(time.Duration(p.UpdatePollPeriod) * time.Second).Unix(),
	}

	terminal := newStatus.IsTerminal()
	finalized := false
	switch {
	case terminal && (len(contentUpdates) > 0 || p.PollingRetries < maxPollingRetries):
		// Terminal upstream, but job updates may still be in flight.
		// Keep polling a few more rounds before finalizing.
		fields["status"] = types.ProcessingRunning
		fields["oldstatus"] = p.Status
		fields["polling_retries"] = p.PollingRetries + 1
	case terminal && newStatus == types.ProcessingSubFinished && p.RetryNumber < p.MaxUpdateRetries:
		// Partial success with retry budget left: reactivate instead of
		// terminating, without emitting a terminal message.
		if err := c.driver.RetryTask(ctx, workloadID, nil); err != nil {
			return fmt.Errorf("failed to retry task %d: %w", workloadID, err)
		}
		fields["status"] = types.ProcessingSubmitted
		fields["oldstatus"] = p.Status
		fields["retry_number"] = p.RetryNumber + 1
		fields["polling_retries"] = 0
		c.Logger.Info().
			Int64("processing_id", p.ProcessingID).
			Int64("retry_number", p.RetryNumber+1).
			Msg("retrying subfinished task")
	case terminal:
		fields["status"] = newStatus
		fields["oldstatus"] = p.Status
		fields["finished_at"] = time.Now().Unix()
		finalized = true
	default:
		if newStatus != p.Status {
			fields["status"] = newStatus
			fields["oldstatus"] = p.Status
		}
	}

	if err := c.Store.UpdateProcessingContents(p.ProcessingID, fields, contentUpdates, shadowRows); err != nil {
		return err
	}
	if len(extRows) > 0 {
		if err := c.Store.Contents.RecordContentExt(extRows); err != nil {
			c.Logger.Warn().Err(err).Int64("processing_id", p.ProcessingID).Msg("failed to record job details")
		}
	}
	if len(shadowRows) > 0 {
		c.releaseDependencies(p)
	}

	if finalized {
		c.emitProcessingMessage(p, newStatus)
		if err := c.Bus.Send(eventbus.NewEvent(eventbus.EventUpdateTransform, p.TransformID)); err != nil {
			c.Logger.Warn().Err(err).Int64("transform_id", p.TransformID).Msg("failed to publish event")
		}
		c.Logger.Info().
			Int64("processing_id", p.ProcessingID).
			Str("status", string(newStatus)).
			Msg("processing terminated")
	}
	return nil
}

// applyOperation executes a pending control operation. done reports
// that the cycle ends here.
func (c *Carrier) applyOperation(ctx context.Context, p *persistence.Processing, workloadID int64) (bool, error) {
	op := types.CommandType(p.Substatus.String)
	switch op {
	case types.CommandToCancel, types.CommandToSuspend, types.CommandToExpire:
		if err := c.driver.KillTask(ctx, workloadID); err != nil {
			return false, fmt.Errorf("failed to kill task %d: %w", workloadID, err)
		}
		terminal := types.ProcessingCancelled
		if op == types.CommandToSuspend {
			terminal = types.ProcessingSuspended
		} else if op == types.CommandToExpire {
			terminal = types.ProcessingExpired
		}
		if err := c.Store.Processings.Update(p.ProcessingID, map[string]any{
			"status":      terminal,
			"oldstatus":   p.Status,
			"substatus":   nil,
			"finished_at": time.Now().Unix(),
			"locking":     types.LockIdle,
		}); err != nil {
			return false, err
		}
		c.emitProcessingMessage(p, terminal)
		if err := c.Bus.Send(eventbus.NewEvent(eventbus.EventUpdateTransform, p.TransformID)); err != nil {
			c.Logger.Warn().Err(err).Int64("transform_id", p.TransformID).Msg("failed to publish event")
		}
		return true, nil

	case types.CommandToResume:
		if err := c.driver.RetryTask(ctx, workloadID, nil); err != nil {
			return false, fmt.Errorf("failed to resume task %d: %w", workloadID, err)
		}
		return true, c.Store.Processings.Update(p.ProcessingID, map[string]any{
			"status":       types.ProcessingSubmitted,
			"oldstatus":    p.Status,
			"substatus":    nil,
			"locking":      types.LockIdle,
			"next_poll_at": time.Now().Unix(),
		})

	case types.CommandToFinish, types.CommandToForceFinish:
		soft := op == types.CommandToFinish
		if err := c.driver.FinishTask(ctx, workloadID, soft); err != nil {
			return false, fmt.Errorf("failed to finish task %d: %w", workloadID, err)
		}
		// The task winds down externally; polling continues and picks up
		// the terminal status.
		return false, c.Store.Processings.Update(p.ProcessingID, map[string]any{
			"substatus": nil,
		})
	}

	// Unknown substatus values are cleared rather than looped on.
	return false, c.Store.Processings.Update(p.ProcessingID, map[string]any{
		"substatus": nil,
	})
}

// reconcileJobs pulls per-job results and converts them into output
// content substatus flips plus the shadow rows that drive dependency
// propagation.
func (c *Carrier) reconcileJobs(ctx context.Context, p *persistence.Processing, workloadID int64) (
	[]persistence.ContentSubstatus, []persistence.ContentUpdate, []persistence.ContentExt, error,
) {
	details, err := c.driver.GetTaskDetails(ctx, workloadID)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to get task details for %d: %w", workloadID, err)
	}
	if len(details.PandaIDs) == 0 {
		return nil, nil, nil, nil
	}

	contents, err := c.Store.Contents.GetByTransform(p.TransformID)
	if err != nil {
		return nil, nil, nil, err
	}
	inputMap := make(map[string]int64, len(contents))
	outputByMap := make(map[int64]*persistence.Content, len(contents))
	for _, ct := range contents {
		switch ct.ContentRelationType {
		case types.ContentRelationInput:
			inputMap[ct.Name] = ct.MapID
		case types.ContentRelationOutput:
			outputByMap[ct.MapID] = ct
		}
	}

	var updates []persistence.ContentSubstatus
	var shadows []persistence.ContentUpdate
	var ext []persistence.ContentExt

	for start := 0; start < len(details.PandaIDs); start += jobPollChunk {
		end := start + jobPollChunk
		if end > len(details.PandaIDs) {
			end = len(details.PandaIDs)
		}
		jobs, err := c.driver.GetJobStatus(ctx, details.PandaIDs[start:end])
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to get job status: %w", err)
		}
		for _, job := range jobs {
			if len(job.Files) == 0 {
				continue
			}
			mapID, ok := inputMap[job.Files[0].LFN]
			if !ok {
				continue
			}
			output, ok := outputByMap[mapID]
			if !ok {
				continue
			}
			newSub := types.MapJobStatus(job.JobStatus)
			currentSub := types.ContentStatus("")
			if output.Substatus.Valid {
				currentSub = types.ContentStatus(output.Substatus.String)
			}
			if currentSub == newSub {
				continue
			}

			update := persistence.ContentSubstatus{
				ContentID: output.ContentID,
				Substatus: newSub,
			}
			if meta := jobMetadata(output, job.PandaID); meta != "" {
				update.Metadata = persistence.NullString(meta)
			}
			updates = append(updates, update)
			if newSub.Propagates() {
				shadows = append(shadows, persistence.ContentUpdate{
					ContentID:   output.ContentID,
					Substatus:   newSub,
					RequestID:   output.RequestID,
					TransformID: output.TransformID,
					CollID:      output.CollID,
				})
			}
			ext = append(ext, persistence.ContentExt{
				ContentID:   output.ContentID,
				TransformID: output.TransformID,
				CollID:      output.CollID,
				RequestID:   output.RequestID,
				MapID:       output.MapID,
				Status:      newSub,
				PandaID:     persistence.NullInt64(job.PandaID),
				JobStatus:   persistence.NullString(job.JobStatus),
			})
		}
	}
	return updates, shadows, ext, nil
}

// jobMetadata maintains the panda-id history of a content: on a retry
// the previous id is appended to old_panda_ids.
func jobMetadata(output *persistence.Content, pandaID int64) string {
	var meta contentMeta
	if output.ContentMetadata.Valid {
		_ = json.Unmarshal([]byte(output.ContentMetadata.String), &meta)
	}
	if meta.PandaID == pandaID {
		return ""
	}
	if meta.PandaID != 0 {
		meta.OldPandaIDs = append(meta.OldPandaIDs, meta.PandaID)
	}
	meta.PandaID = pandaID
	out, err := json.Marshal(meta)
	if err != nil {
		return ""
	}
	return string(out)
}

// releaseDependencies sweeps the shadow rows (firing the propagation
// trigger) and wakes the transforms that may now have released inputs.
func (c *Carrier) releaseDependencies(p *persistence.Processing) {
	if _, err := c.Store.Contents.SweepContentUpdates([]int64{p.TransformID}); err != nil {
		c.Logger.Warn().Err(err).Int64("transform_id", p.TransformID).Msg("failed to sweep content updates")
		return
	}
	transforms, err := c.Store.Transforms.GetByRequest(p.RequestID)
	if err != nil {
		c.Logger.Warn().Err(err).Int64("request_id", p.RequestID).Msg("failed to list sibling transforms")
		return
	}
	for _, tf := range transforms {
		if tf.TransformID == p.TransformID || tf.Status.IsTerminal() {
			continue
		}
		if err := c.Bus.Send(eventbus.NewEvent(eventbus.EventTriggerRelease, tf.TransformID)); err != nil {
			c.Logger.Warn().Err(err).Int64("transform_id", tf.TransformID).Msg("failed to publish event")
		}
	}
}

// failProcessing marks the processing failed and always releases the
// lock.
func (c *Carrier) failProcessing(p *persistence.Processing, cause error) {
	c.Logger.Error().Err(cause).Int64("processing_id", p.ProcessingID).Msg("processing handling failed")
	fields := map[string]any{
		"locking": types.LockIdle,
		"errors":  cause.Error(),
	}
	if !p.Status.IsTerminal() {
		fields["status"] = types.ProcessingFailed
		fields["oldstatus"] = p.Status
		fields["finished_at"] = time.Now().Unix()
	}
	if err := c.Store.Processings.Update(p.ProcessingID, fields); err != nil {
		if !errors.Is(err, persistence.ErrNotFound) {
			c.Logger.Error().Err(err).Int64("processing_id", p.ProcessingID).Msg("failed to record processing failure")
		}
		return
	}
	c.emitProcessingMessage(p, types.ProcessingFailed)
	if err := c.Bus.Send(eventbus.NewEvent(eventbus.EventUpdateTransform, p.TransformID)); err != nil {
		c.Logger.Warn().Err(err).Int64("transform_id", p.TransformID).Msg("failed to publish event")
	}
}

func (c *Carrier) emitProcessingMessage(p *persistence.Processing, status types.ProcessingStatus) {
	content, _ := json.Marshal(map[string]any{
		"processing_id": p.ProcessingID,
		"transform_id":  p.TransformID,
		"request_id":    p.RequestID,
		"workload_id":   p.WorkloadID.Int64,
		"status":        status,
	})
	if _, err := c.Store.Messages.Create(&persistence.Message{
		MsgType:      types.MessageTypeProcessingStatus,
		Source:       types.SourceCarrier,
		RequestID:    persistence.NullInt64(p.RequestID),
		TransformID:  persistence.NullInt64(p.TransformID),
		ProcessingID: persistence.NullInt64(p.ProcessingID),
		MsgContent:   persistence.NullString(string(content)),
	}); err != nil {
		c.Logger.Warn().Err(err).Int64("processing_id", p.ProcessingID).Msg("failed to emit processing message")
	}
}
