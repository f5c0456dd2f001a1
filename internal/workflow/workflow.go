package workflow

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/iddsops/idds/internal/types"
)

// Workflow is a DAG of works plus the conditions that release them.
// Works are referenced by stable template ids, never by pointers, so
// cycles (generator/actuator loops) are expressible and serializable.
type Workflow struct {
	InternalID string `json:"internal_id"`
	Name       string `json:"name"`

	// WorksTemplate holds the blueprint nodes keyed by template id.
	WorksTemplate map[string]*Work `json:"works_template"`
	// Works holds the materialized runs keyed by run key.
	Works map[string]*Work `json:"works"`

	Conditions []Condition `json:"conditions,omitempty"`

	// InitialWorks overrides root derivation when independence cannot
	// be computed from the conditions alone.
	InitialWorks []string `json:"initial_works,omitempty"`

	LastUpdated int64 `json:"last_updated,omitempty"`
}

// New creates an empty workflow.
func New(name string) *Workflow {
	return &Workflow{
		InternalID:    uuid.NewString(),
		Name:          name,
		WorksTemplate: map[string]*Work{},
		Works:         map[string]*Work{},
	}
}

// AddWork adds a template work. With initial=true the work is an entry
// point regardless of condition edges.
func (wf *Workflow) AddWork(w *Work, initial bool) {
	wf.WorksTemplate[w.TemplateID] = w
	if initial {
		wf.InitialWorks = append(wf.InitialWorks, w.TemplateID)
	}
}

// AddCondition wires a condition between template works.
func (wf *Workflow) AddCondition(c Condition) {
	wf.Conditions = append(wf.Conditions, c)
}

// latestRun returns the highest-sequence materialized run of a template,
// or nil when none exists.
func (wf *Workflow) latestRun(templateID string) *Work {
	var latest *Work
	for _, w := range wf.Works {
		if w.TemplateID != templateID {
			continue
		}
		if latest == nil || w.Sequence > latest.Sequence {
			latest = w
		}
	}
	return latest
}

// roots returns the entry-point template ids: InitialWorks when set,
// otherwise every template that is not a branch target of any condition.
func (wf *Workflow) roots() []string {
	if len(wf.InitialWorks) > 0 {
		return wf.InitialWorks
	}
	targets := map[string]bool{}
	for _, c := range wf.Conditions {
		if c.TrueWorkID != "" {
			targets[c.TrueWorkID] = true
		}
		if c.FalseWorkID != "" {
			targets[c.FalseWorkID] = true
		}
	}
	var out []string
	for id := range wf.WorksTemplate {
		if !targets[id] {
			out = append(out, id)
		}
	}
	return out
}

// GetNewWorks computes the runs whose preconditions are met but that
// have not been materialized yet. It does not mutate the workflow;
// callers Register each returned work once its transform exists.
func (wf *Workflow) GetNewWorks() []*Work {
	seen := map[string]bool{}
	var out []*Work

	add := func(templateID string, sequence int) {
		tpl, ok := wf.WorksTemplate[templateID]
		if !ok {
			return
		}
		key := runKey(templateID, sequence)
		if seen[key] {
			return
		}
		if _, exists := wf.Works[key]; exists {
			return
		}
		seen[key] = true
		out = append(out, tpl.cloneForRun(sequence))
	}

	for _, id := range wf.roots() {
		if wf.latestRun(id) == nil {
			add(id, 0)
		}
	}

	for _, c := range wf.Conditions {
		cur := wf.latestRun(c.CurrentWorkID)
		if cur == nil || !cur.IsTerminated() {
			continue
		}
		if c.eval(cur) {
			if c.TrueWorkID != "" {
				if c.Predicate == PredicateGenerateNewTask {
					// Loop edge: a fresh run of the target.
					add(c.TrueWorkID, cur.Sequence+1)
				} else {
					add(c.TrueWorkID, cur.Sequence)
				}
			}
		} else if c.FalseWorkID != "" {
			add(c.FalseWorkID, cur.Sequence)
		}
	}
	return out
}

// Register records a materialized run. The caller sets TransformID
// before or after; registration is idempotent per run key.
func (wf *Workflow) Register(w *Work) {
	wf.Works[w.Key()] = w
	wf.LastUpdated = time.Now().Unix()
}

// GetCurrentWorks returns the materialized runs with an active
// transform.
func (wf *Workflow) GetCurrentWorks() []*Work {
	var out []*Work
	for _, w := range wf.Works {
		if w.Data.TransformID != 0 {
			out = append(out, w)
		}
	}
	return out
}

// TransformIDs lists all transform ids bound to materialized runs.
func (wf *Workflow) TransformIDs() []int64 {
	var out []int64
	for _, w := range wf.Works {
		if w.Data.TransformID != 0 {
			out = append(out, w.Data.TransformID)
		}
	}
	return out
}

// WorkNameToTransformMap maps work names to their latest transform id,
// supporting dependency release across works.
func (wf *Workflow) WorkNameToTransformMap() map[string]int64 {
	out := map[string]int64{}
	for _, w := range wf.Works {
		if w.Data.TransformID == 0 {
			continue
		}
		if prev, ok := out[w.Name]; !ok || w.Data.TransformID > prev {
			out[w.Name] = w.Data.TransformID
		}
	}
	return out
}

// SyncWorkData merges a transform's state back into its run. Applying
// the same inputs twice leaves the workflow unchanged.
func (wf *Workflow) SyncWorkData(transformID int64, status types.TransformStatus, substatus string, data *WorkData) error {
	for _, w := range wf.Works {
		if w.Data.TransformID != transformID {
			continue
		}
		if data != nil {
			merged := *data
			merged.TransformID = transformID
			w.Data = merged
		}
		w.Data.Status = status
		w.Data.Substatus = substatus
		wf.LastUpdated = time.Now().Unix()
		return nil
	}
	return fmt.Errorf("no work bound to transform %d", transformID)
}

// IsTerminated reports whether every materialized run is terminal and
// no further runs are releasable.
func (wf *Workflow) IsTerminated() bool {
	if len(wf.Works) == 0 {
		return false
	}
	for _, w := range wf.Works {
		if !w.IsTerminated() {
			return false
		}
	}
	return len(wf.GetNewWorks()) == 0
}

func (wf *Workflow) countTerminal() (finished, subFinished, failed, cancelled, suspended, total int) {
	for _, w := range wf.Works {
		total++
		switch w.Data.Status {
		case types.TransformFinished:
			finished++
		case types.TransformSubFinished:
			subFinished++
		case types.TransformFailed:
			failed++
		case types.TransformCancelled:
			cancelled++
		case types.TransformSuspended:
			suspended++
		}
	}
	return
}

// IsFinished reports termination with every run fully successful.
func (wf *Workflow) IsFinished() bool {
	if !wf.IsTerminated() {
		return false
	}
	finished, _, _, _, _, total := wf.countTerminal()
	return finished == total
}

// IsSubFinished reports termination with partial success.
func (wf *Workflow) IsSubFinished() bool {
	if !wf.IsTerminated() {
		return false
	}
	finished, subFinished, _, _, _, total := wf.countTerminal()
	return subFinished > 0 && finished+subFinished == total
}

// IsFailed reports termination with at least one failed run and no
// cancellation or suspension.
func (wf *Workflow) IsFailed() bool {
	if !wf.IsTerminated() {
		return false
	}
	_, _, failed, cancelled, suspended, _ := wf.countTerminal()
	return failed > 0 && cancelled == 0 && suspended == 0
}

// IsCancelled reports termination caused by cancellation.
func (wf *Workflow) IsCancelled() bool {
	if !wf.IsTerminated() {
		return false
	}
	_, _, _, cancelled, _, _ := wf.countTerminal()
	return cancelled > 0
}

// IsSuspended reports termination caused by suspension.
func (wf *Workflow) IsSuspended() bool {
	if !wf.IsTerminated() {
		return false
	}
	_, _, _, cancelled, suspended, _ := wf.countTerminal()
	return suspended > 0 && cancelled == 0
}

// TerminatedMsg aggregates per-run outcomes for the terminal message.
func (wf *Workflow) TerminatedMsg() string {
	var parts []string
	for _, w := range wf.Works {
		parts = append(parts, fmt.Sprintf("%s(seq %d): %s", w.Name, w.Sequence, w.Data.Status))
	}
	return strings.Join(parts, "; ")
}

// CancelWorks flags every non-terminal run for cancellation.
func (wf *Workflow) CancelWorks() {
	for _, w := range wf.Works {
		if !w.IsTerminated() {
			w.Data.ToCancel = true
		}
	}
	wf.LastUpdated = time.Now().Unix()
}

// SuspendWorks flags every non-terminal run for suspension.
func (wf *Workflow) SuspendWorks() {
	for _, w := range wf.Works {
		if !w.IsTerminated() {
			w.Data.ToSuspend = true
		}
	}
	wf.LastUpdated = time.Now().Unix()
}

// ResumeWorks flags suspended runs for resumption and clears stale
// cancel/suspend flags.
func (wf *Workflow) ResumeWorks() {
	for _, w := range wf.Works {
		w.Data.ToCancel = false
		w.Data.ToSuspend = false
		if w.IsSuspended() {
			w.Data.ToResume = true
		}
	}
	wf.LastUpdated = time.Now().Unix()
}
