// Package workflow implements the in-memory DAG of works evaluated by
// the clerk. The engine performs no I/O: it is a pure function of its
// loaded state plus externally supplied sync inputs.
package workflow

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/iddsops/idds/internal/types"
)

// CollectionSpec is the blueprint of one collection a work binds to.
type CollectionSpec struct {
	Scope    string                       `json:"scope"`
	Name     string                       `json:"name"`
	CollType types.CollectionType         `json:"coll_type"`
	Relation types.CollectionRelationType `json:"relation"`
}

// WorkData is the mutable half of a work: everything that changes after
// materialization. It is persisted separately from the blueprint.
type WorkData struct {
	Status      types.TransformStatus `json:"status"`
	Substatus   string                `json:"substatus,omitempty"`
	TransformID int64                 `json:"transform_id,omitempty"`
	WorkloadID  int64                 `json:"workload_id,omitempty"`

	ToCancel      bool `json:"tocancel,omitempty"`
	ToSuspend     bool `json:"tosuspend,omitempty"`
	ToResume      bool `json:"toresume,omitempty"`
	ToExpire      bool `json:"toexpire,omitempty"`
	ToFinish      bool `json:"tofinish,omitempty"`
	ToForceFinish bool `json:"toforcefinish,omitempty"`

	// GenerateNewTask is set from task results and drives loop
	// re-materialization through the matching condition predicate.
	GenerateNewTask bool `json:"generate_new_task,omitempty"`

	Errors []string `json:"errors,omitempty"`
}

// Work is one logical task of a workflow. Static fields are fixed at
// template time; Data carries the run state.
type Work struct {
	InternalID string              `json:"internal_id"`
	TemplateID string              `json:"template_id"`
	Name       string              `json:"name"`
	Type       types.TransformType `json:"type"`
	Tag        string              `json:"tag,omitempty"`
	Sequence   int                 `json:"sequence"`
	Priority   int64               `json:"priority,omitempty"`

	InputCollections  []CollectionSpec `json:"input_collections,omitempty"`
	OutputCollections []CollectionSpec `json:"output_collections,omitempty"`
	LogCollections    []CollectionSpec `json:"log_collections,omitempty"`

	// TaskParams is the backend-specific submission payload template.
	TaskParams map[string]any `json:"task_params,omitempty"`

	// UseDependencyRelease opts this work into content-level dependency
	// gating: input maps are only emitted once upstream outputs exist.
	UseDependencyRelease bool `json:"use_dependency_release,omitempty"`

	// HasNewInputs gates map generation. Works that declare their input
	// set complete skip generation regardless of collection counters.
	HasNewInputs bool `json:"has_new_inputs"`

	Data WorkData `json:"data"`
}

// NewWork creates a template work with a fresh internal id.
func NewWork(name string, typ types.TransformType) *Work {
	id := uuid.NewString()
	return &Work{
		InternalID:   id,
		TemplateID:   id,
		Name:         name,
		Type:         typ,
		HasNewInputs: true,
		Data:         WorkData{Status: types.TransformNew},
	}
}

// runKey identifies one materialized run of a template.
func runKey(templateID string, sequence int) string {
	return fmt.Sprintf("%s_%d", templateID, sequence)
}

// Key returns the run key of this work instance.
func (w *Work) Key() string {
	return runKey(w.TemplateID, w.Sequence)
}

// cloneForRun instantiates a template for the given sequence with fresh
// run state.
func (w *Work) cloneForRun(sequence int) *Work {
	out := *w
	out.Sequence = sequence
	out.InternalID = runKey(w.TemplateID, sequence)
	out.InputCollections = append([]CollectionSpec(nil), w.InputCollections...)
	out.OutputCollections = append([]CollectionSpec(nil), w.OutputCollections...)
	out.LogCollections = append([]CollectionSpec(nil), w.LogCollections...)
	if w.TaskParams != nil {
		params := make(map[string]any, len(w.TaskParams))
		for k, v := range w.TaskParams {
			params[k] = v
		}
		out.TaskParams = params
	}
	out.Data = WorkData{Status: types.TransformNew}
	return &out
}

// IsTerminated reports whether the run reached a terminal status.
func (w *Work) IsTerminated() bool {
	return w.Data.Status.IsTerminal()
}

// IsFinished reports a fully successful run.
func (w *Work) IsFinished() bool {
	return w.Data.Status == types.TransformFinished
}

// IsSubFinished reports a partially successful run.
func (w *Work) IsSubFinished() bool {
	return w.Data.Status == types.TransformSubFinished
}

// IsFailed reports a failed run.
func (w *Work) IsFailed() bool {
	return w.Data.Status == types.TransformFailed
}

// IsCancelled reports a cancelled run.
func (w *Work) IsCancelled() bool {
	return w.Data.Status == types.TransformCancelled
}

// IsSuspended reports a suspended run.
func (w *Work) IsSuspended() bool {
	return w.Data.Status == types.TransformSuspended
}
