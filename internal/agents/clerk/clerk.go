// Package clerk implements the agent that drives requests: expanding
// workflows into transforms, aggregating child states back, and
// applying inbound control commands.
package clerk

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/iddsops/idds/internal/agent"
	"github.com/iddsops/idds/internal/config"
	"github.com/iddsops/idds/internal/eventbus"
	"github.com/iddsops/idds/internal/persistence"
	"github.com/iddsops/idds/internal/types"
	"github.com/iddsops/idds/internal/workflow"
)

// requestMetadata is the JSON envelope stored in request_metadata.
type requestMetadata struct {
	Workflow json.RawMessage `json:"workflow"`
}

// processingMetadata is the JSON envelope stored in
// processing_metadata: the workflow's running data plus the operations
// log.
type processingMetadata struct {
	WorkflowData json.RawMessage `json:"workflow_data,omitempty"`
	Operations   []operation     `json:"operations,omitempty"`
}

// operation is one recorded control operation.
type operation struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// Clerk drives the request lifecycle.
type Clerk struct {
	*agent.Base
}

// New constructs a clerk over the shared store and bus.
func New(cfg config.AgentConfig, store *persistence.Store, bus eventbus.Backend, logger zerolog.Logger) *Clerk {
	c := &Clerk{
		Base: agent.NewBase("clerk", types.SourceClerk, cfg, store, bus, logger),
	}
	c.Handle(eventbus.EventNewRequest, c.handleNewRequest)
	c.Handle(eventbus.EventUpdateRequest, c.handleUpdateRequest)

	poll := time.Duration(cfg.PollTimePeriod) * time.Second
	c.AddTask("pull_new_requests", c.pullNewRequests, poll, 1)
	c.AddTask("pull_running_requests", c.pullRunningRequests, poll, 1)
	c.AddTask("pull_operating_requests", c.pullOperatingRequests, poll, 1)
	c.AddTask("consume_commands", c.consumeCommands, poll, 2)
	c.AddTask("clean_locking", c.cleanLocking, time.Duration(cfg.CleanLockingPeriod)*time.Second, 3)
	return c
}

// pullNewRequests discovers due New/Extend requests and schedules them.
// Handlers claim the rows; event coalescing keeps repeated pulls from
// fanning out duplicates.
func (c *Clerk) pullNewRequests() {
	reqs, err := c.Store.Requests.GetByStatus(
		[]types.RequestStatus{types.RequestNew, types.RequestExtend},
		c.Cfg.RetrieveBulkSize, false,
	)
	if err != nil {
		c.Logger.Warn().Err(err).Msg("failed to pull new requests")
		return
	}
	for _, req := range reqs {
		if err := c.Bus.Send(eventbus.NewEvent(eventbus.EventNewRequest, req.RequestID)); err != nil {
			c.Logger.Warn().Err(err).Int64("request_id", req.RequestID).Msg("failed to publish event")
		}
	}
}

func (c *Clerk) pullRunningRequests() {
	reqs, err := c.Store.Requests.GetByStatus(
		[]types.RequestStatus{
			types.RequestTransforming, types.RequestCancelling,
			types.RequestSuspending, types.RequestResuming,
		},
		c.Cfg.RetrieveBulkSize, false,
	)
	if err != nil {
		c.Logger.Warn().Err(err).Msg("failed to pull running requests")
		return
	}
	for _, req := range reqs {
		if err := c.Bus.Send(eventbus.NewEvent(eventbus.EventUpdateRequest, req.RequestID)); err != nil {
			c.Logger.Warn().Err(err).Int64("request_id", req.RequestID).Msg("failed to publish event")
		}
	}
}

// loadWorkflow reconstructs the request's workflow by combining the
// static half with the persisted running data.
func loadWorkflow(req *persistence.Request) (*workflow.Workflow, *processingMetadata, error) {
	if !req.RequestMetadata.Valid {
		return nil, nil, fmt.Errorf("request %d has no workflow", req.RequestID)
	}
	var meta requestMetadata
	if err := json.Unmarshal([]byte(req.RequestMetadata.String), &meta); err != nil {
		return nil, nil, fmt.Errorf("failed to parse request metadata: %w", err)
	}

	procMeta := &processingMetadata{}
	if req.ProcessingMetadata.Valid {
		if err := json.Unmarshal([]byte(req.ProcessingMetadata.String), procMeta); err != nil {
			return nil, nil, fmt.Errorf("failed to parse processing metadata: %w", err)
		}
	}

	wf, err := workflow.Unmarshal(meta.Workflow, procMeta.WorkflowData)
	if err != nil {
		return nil, nil, err
	}
	return wf, procMeta, nil
}

// encodeWorkflow splits wf back into the two metadata columns,
// preserving the operations log.
func encodeWorkflow(wf *workflow.Workflow, procMeta *processingMetadata) (string, string, error) {
	static, running, err := workflow.Marshal(wf)
	if err != nil {
		return "", "", err
	}
	reqMeta, err := json.Marshal(requestMetadata{Workflow: static})
	if err != nil {
		return "", "", fmt.Errorf("failed to encode request metadata: %w", err)
	}
	procMeta.WorkflowData = running
	procJSON, err := json.Marshal(procMeta)
	if err != nil {
		return "", "", fmt.Errorf("failed to encode processing metadata: %w", err)
	}
	return string(reqMeta), string(procJSON), nil
}

// newTransformRow materializes one work into a transform row.
func newTransformRow(req *persistence.Request, w *workflow.Work) (*persistence.Transform, error) {
	static, running, err := workflow.MarshalWork(w)
	if err != nil {
		return nil, err
	}
	return &persistence.Transform{
		RequestID:         req.RequestID,
		WorkloadID:        req.WorkloadID,
		TransformType:     w.Type,
		TransformTag:      w.Tag,
		Priority:          req.Priority,
		Status:            types.TransformNew,
		TransformMetadata: persistence.NullString(string(static)),
		RunningMetadata:   persistence.NullString(string(running)),
		MaxNewRetries:     req.MaxNewRetries,
		MaxUpdateRetries:  req.MaxUpdateRetries,
		NewPollPeriod:     req.NewPollPeriod,
		UpdatePollPeriod:  req.UpdatePollPeriod,
	}, nil
}

// handleNewRequest expands a New/Extend request into its first
// transforms and moves it to Transforming.
func (c *Clerk) handleNewRequest(ev eventbus.Event) types.ReturnCode {
	req, err := c.Store.Requests.Get(ev.AssociatedID)
	if err != nil {
		c.Logger.Warn().Err(err).Int64("request_id", ev.AssociatedID).Msg("request vanished")
		return types.ReturnOk
	}
	if req.Status.IsTerminal() {
		return types.ReturnOk
	}
	if err := c.Store.Requests.TryLock(req.RequestID); err != nil {
		return types.ReturnLocked
	}

	if err := c.expandRequest(req); err != nil {
		c.failRequest(req, err)
		return types.ReturnFailed
	}
	return types.ReturnOk
}

func (c *Clerk) expandRequest(req *persistence.Request) error {
	wf, procMeta, err := loadWorkflow(req)
	if err != nil {
		return err
	}

	newWorks := wf.GetNewWorks()
	newTransforms := make([]*persistence.Transform, 0, len(newWorks))
	for _, w := range newWorks {
		t, err := newTransformRow(req, w)
		if err != nil {
			return err
		}
		newTransforms = append(newTransforms, t)
	}

	// The workflow snapshot registers the assigned transform ids, so it
	// must commit with the inserts: a snapshot-less Transforming request
	// or a still-New request with transforms would re-expand the works.
	ids, err := c.Store.UpdateRequestWithTransforms(req.RequestID, newTransforms, nil,
		func(ids []int64) (map[string]any, error) {
			for i, w := range newWorks {
				w.Data.TransformID = ids[i]
				w.Data.Status = types.TransformNew
				wf.Register(w)
			}
			reqMeta, procJSON, err := encodeWorkflow(wf, procMeta)
			if err != nil {
				return nil, err
			}
			return map[string]any{
				"status":              types.RequestTransforming,
				"oldstatus":           req.Status,
				"locking":             types.LockIdle,
				"request_metadata":    reqMeta,
				"processing_metadata": procJSON,
				"next_poll_at":        time.Now().Add(time.Duration(req.UpdatePollPeriod) * time.Second).Unix(),
			}, nil
		})
	if err != nil {
		return err
	}

	for _, id := range ids {
		if err := c.Bus.Send(eventbus.NewEvent(eventbus.EventNewTransform, id)); err != nil {
			c.Logger.Warn().Err(err).Int64("transform_id", id).Msg("failed to publish transform event")
		}
	}
	c.Logger.Info().
		Int64("request_id", req.RequestID).
		Int("new_transforms", len(ids)).
		Msg("request expanded")
	return nil
}

// failRequest marks the request failed, records the error and always
// releases the lock. Terminal statuses are never overwritten.
func (c *Clerk) failRequest(req *persistence.Request, cause error) {
	c.Logger.Error().Err(cause).Int64("request_id", req.RequestID).Msg("request handling failed")
	fields := map[string]any{
		"locking": types.LockIdle,
		"errors":  cause.Error(),
	}
	if !req.Status.IsTerminal() {
		fields["status"] = types.RequestFailed
		fields["oldstatus"] = req.Status
	}
	if err := c.Store.Requests.Update(req.RequestID, fields); err != nil {
		c.Logger.Error().Err(err).Int64("request_id", req.RequestID).Msg("failed to record request failure")
	}
	c.emitRequestMessage(req.RequestID, types.RequestFailed, cause.Error())
}

// handleUpdateRequest syncs child transform states back into the
// workflow, releases newly unlocked works and decides termination.
func (c *Clerk) handleUpdateRequest(ev eventbus.Event) types.ReturnCode {
	req, err := c.Store.Requests.Get(ev.AssociatedID)
	if err != nil {
		c.Logger.Warn().Err(err).Int64("request_id", ev.AssociatedID).Msg("request vanished")
		return types.ReturnOk
	}
	if req.Status.IsTerminal() {
		return types.ReturnOk
	}
	if err := c.Store.Requests.TryLock(req.RequestID); err != nil {
		return types.ReturnLocked
	}

	switch req.Status {
	case types.RequestToCancel, types.RequestToSuspend, types.RequestToResume,
		types.RequestToExpire, types.RequestToFinish, types.RequestToForceFinish:
		if err := c.operateRequest(req); err != nil {
			c.failRequest(req, err)
			return types.ReturnFailed
		}
		return types.ReturnOk
	}

	if err := c.syncRequest(req); err != nil {
		c.failRequest(req, err)
		return types.ReturnFailed
	}
	return types.ReturnOk
}

func (c *Clerk) syncRequest(req *persistence.Request) error {
	wf, procMeta, err := loadWorkflow(req)
	if err != nil {
		return err
	}

	for _, w := range wf.GetCurrentWorks() {
		t, err := c.Store.Transforms.Get(w.Data.TransformID)
		if err != nil {
			continue
		}
		var data *workflow.WorkData
		if t.RunningMetadata.Valid {
			var wd workflow.WorkData
			if err := json.Unmarshal([]byte(t.RunningMetadata.String), &wd); err == nil {
				data = &wd
			}
		}
		substatus := ""
		if t.Substatus.Valid {
			substatus = t.Substatus.String
		}
		if err := wf.SyncWorkData(t.TransformID, t.Status, substatus, data); err != nil {
			c.Logger.Warn().Err(err).Int64("transform_id", t.TransformID).Msg("failed to sync work data")
		}
	}

	// Release any newly unlocked works. The snapshot recording their
	// ids commits in the same transaction as the inserts.
	newWorks := wf.GetNewWorks()
	newTransforms := make([]*persistence.Transform, 0, len(newWorks))
	for _, w := range newWorks {
		t, err := newTransformRow(req, w)
		if err != nil {
			return err
		}
		newTransforms = append(newTransforms, t)
	}

	var status types.RequestStatus
	ids, err := c.Store.UpdateRequestWithTransforms(req.RequestID, newTransforms, nil,
		func(ids []int64) (map[string]any, error) {
			for i, w := range newWorks {
				w.Data.TransformID = ids[i]
				wf.Register(w)
			}
			status = c.aggregateStatus(req, wf)
			reqMeta, procJSON, err := encodeWorkflow(wf, procMeta)
			if err != nil {
				return nil, err
			}
			fields := map[string]any{
				"locking":             types.LockIdle,
				"request_metadata":    reqMeta,
				"processing_metadata": procJSON,
				"next_poll_at":        time.Now().Add(time.Duration(req.UpdatePollPeriod) * time.Second).Unix(),
			}
			if status != req.Status {
				fields["status"] = status
				fields["oldstatus"] = req.Status
			}
			return fields, nil
		})
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := c.Bus.Send(eventbus.NewEvent(eventbus.EventNewTransform, id)); err != nil {
			c.Logger.Warn().Err(err).Int64("transform_id", id).Msg("failed to publish transform event")
		}
	}

	if status.IsTerminal() && status != req.Status {
		c.emitRequestMessage(req.RequestID, status, wf.TerminatedMsg())
		c.Logger.Info().
			Int64("request_id", req.RequestID).
			Str("status", string(status)).
			Msg("request terminated")
	}
	return nil
}

// aggregateStatus maps the workflow's aggregate state onto the request
// status. Non-terminated workflows keep the request in its current
// driving status.
func (c *Clerk) aggregateStatus(req *persistence.Request, wf *workflow.Workflow) types.RequestStatus {
	if !wf.IsTerminated() {
		return req.Status
	}
	switch {
	case wf.IsFinished():
		return types.RequestFinished
	case wf.IsSubFinished():
		return types.RequestSubFinished
	case wf.IsCancelled():
		return types.RequestCancelled
	case wf.IsSuspended():
		return types.RequestSuspended
	case wf.IsFailed():
		return types.RequestFailed
	default:
		return types.RequestSubFinished
	}
}

// operateRequest applies a pending To{Cancel,Suspend,Resume,...}
// operation: it records the operation, flags the workflow and writes
// the matching substatus onto every non-terminal transform.
func (c *Clerk) operateRequest(req *persistence.Request) error {
	wf, procMeta, err := loadWorkflow(req)
	if err != nil {
		return err
	}

	var (
		transformSub types.TransformStatus
		nextStatus   types.RequestStatus
	)
	switch req.Status {
	case types.RequestToCancel:
		wf.CancelWorks()
		transformSub = types.TransformToCancel
		nextStatus = types.RequestCancelling
	case types.RequestToSuspend:
		wf.SuspendWorks()
		transformSub = types.TransformToSuspend
		nextStatus = types.RequestSuspending
	case types.RequestToResume:
		wf.ResumeWorks()
		transformSub = types.TransformToResume
		nextStatus = types.RequestResuming
	case types.RequestToExpire:
		transformSub = types.TransformToCancel
		nextStatus = types.RequestCancelling
	case types.RequestToFinish, types.RequestToForceFinish:
		transformSub = types.TransformToCancel
		nextStatus = types.RequestCancelling
	default:
		return fmt.Errorf("unexpected operating status %q", req.Status)
	}

	procMeta.Operations = append(procMeta.Operations, operation{
		Type:      string(req.Status),
		Timestamp: time.Now().Unix(),
	})

	transforms, err := c.Store.Transforms.GetByRequest(req.RequestID)
	if err != nil {
		return err
	}
	tfUpdates := map[int64]map[string]any{}
	for _, t := range transforms {
		if t.Status.IsTerminal() {
			continue
		}
		tfUpdates[t.TransformID] = map[string]any{"substatus": transformSub}
	}

	reqMeta, procJSON, err := encodeWorkflow(wf, procMeta)
	if err != nil {
		return err
	}
	reqFields := map[string]any{
		"status":              nextStatus,
		"oldstatus":           req.Status,
		"locking":             types.LockIdle,
		"request_metadata":    reqMeta,
		"processing_metadata": procJSON,
		"next_poll_at":        time.Now().Add(time.Duration(req.UpdatePollPeriod) * time.Second).Unix(),
	}
	if _, err := c.Store.UpdateRequestWithTransforms(req.RequestID, nil, tfUpdates,
		func([]int64) (map[string]any, error) { return reqFields, nil }); err != nil {
		return err
	}

	for id := range tfUpdates {
		if err := c.Bus.Send(eventbus.NewEvent(eventbus.EventUpdateTransform, id)); err != nil {
			c.Logger.Warn().Err(err).Int64("transform_id", id).Msg("failed to publish transform event")
		}
	}
	c.Logger.Info().
		Int64("request_id", req.RequestID).
		Str("operation", string(req.Status)).
		Int("transforms", len(tfUpdates)).
		Msg("request operation applied")
	return nil
}

// pullOperatingRequests claims requests carrying a pending control
// operation and routes them through the update handler.
func (c *Clerk) pullOperatingRequests() {
	reqs, err := c.Store.Requests.GetByStatus(
		[]types.RequestStatus{
			types.RequestToCancel, types.RequestToSuspend, types.RequestToResume,
			types.RequestToExpire, types.RequestToFinish, types.RequestToForceFinish,
		},
		c.Cfg.RetrieveBulkSize, false,
	)
	if err != nil {
		c.Logger.Warn().Err(err).Msg("failed to pull operating requests")
		return
	}
	for _, req := range reqs {
		if err := c.Bus.Send(eventbus.NewEvent(eventbus.EventUpdateRequest, req.RequestID)); err != nil {
			c.Logger.Warn().Err(err).Int64("request_id", req.RequestID).Msg("failed to publish event")
		}
	}
}

// consumeCommands drains pending command rows into request status
// transitions.
func (c *Clerk) consumeCommands() {
	cmds, err := c.Store.Commands.GetPending(c.Cfg.RetrieveBulkSize)
	if err != nil {
		c.Logger.Warn().Err(err).Msg("failed to pull commands")
		return
	}
	for _, cmd := range cmds {
		status := types.CommandProcessed
		if err := c.applyCommand(cmd); err != nil {
			c.Logger.Warn().Err(err).Int64("cmd_id", cmd.CmdID).Msg("failed to apply command")
			status = types.CommandFailed
		}
		if err := c.Store.Commands.MarkProcessed(cmd.CmdID, status); err != nil {
			c.Logger.Warn().Err(err).Int64("cmd_id", cmd.CmdID).Msg("failed to mark command processed")
		}
	}
}

func (c *Clerk) applyCommand(cmd *persistence.Command) error {
	if !cmd.RequestID.Valid {
		return fmt.Errorf("command %d has no request id", cmd.CmdID)
	}
	var target types.RequestStatus
	switch cmd.CmdType {
	case types.CommandToCancel:
		target = types.RequestToCancel
	case types.CommandToSuspend:
		target = types.RequestToSuspend
	case types.CommandToResume:
		target = types.RequestToResume
	case types.CommandToExpire:
		target = types.RequestToExpire
	case types.CommandToFinish:
		target = types.RequestToFinish
	case types.CommandToForceFinish:
		target = types.RequestToForceFinish
	default:
		return fmt.Errorf("unknown command type %q", cmd.CmdType)
	}

	req, err := c.Store.Requests.Get(cmd.RequestID.Int64)
	if err != nil {
		return err
	}
	if req.Status.IsTerminal() {
		return nil
	}
	return c.Store.Requests.Update(req.RequestID, map[string]any{
		"status":       target,
		"oldstatus":    req.Status,
		"next_poll_at": time.Now().Unix(),
	})
}

// cleanLocking is the crash-recovery safety net: rows stuck in Locking
// longer than the clean period return to Idle.
func (c *Clerk) cleanLocking() {
	olderThan := time.Duration(c.Cfg.CleanLockingPeriod) * time.Second
	for name, fn := range map[string]func(time.Duration) (int64, error){
		"requests":    c.Store.Requests.CleanLocking,
		"transforms":  c.Store.Transforms.CleanLocking,
		"processings": c.Store.Processings.CleanLocking,
	} {
		n, err := fn(olderThan)
		if err != nil {
			c.Logger.Warn().Err(err).Str("table", name).Msg("failed to clean locking")
			continue
		}
		if n > 0 {
			c.Logger.Info().Str("table", name).Int64("rows", n).Msg("recovered stale locks")
		}
	}
}

func (c *Clerk) emitRequestMessage(requestID int64, status types.RequestStatus, msg string) {
	content, _ := json.Marshal(map[string]any{
		"request_id": requestID,
		"status":     status,
		"message":    msg,
	})
	if _, err := c.Store.Messages.Create(&persistence.Message{
		MsgType:    types.MessageTypeRequestStatus,
		Source:     types.SourceClerk,
		RequestID:  persistence.NullInt64(requestID),
		MsgContent: persistence.NullString(string(content)),
	}); err != nil {
		c.Logger.Warn().Err(err).Int64("request_id", requestID).Msg("failed to emit request message")
	}
}
