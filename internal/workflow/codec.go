package workflow

import (
	"encoding/json"
	"fmt"
)

// RunningData is the mutable half of a workflow: the run state of every
// materialized work, keyed by run key.
type RunningData map[string]WorkData

// RunningData extracts the mutable half for storage in
// processing_metadata.
func (wf *Workflow) RunningData() RunningData {
	out := make(RunningData, len(wf.Works))
	for key, w := range wf.Works {
		out[key] = w.Data
	}
	return out
}

// LoadRunningData merges previously stored run state back into the
// materialized works. Unknown keys are ignored; missing keys leave the
// work's current state untouched.
func (wf *Workflow) LoadRunningData(rd RunningData) {
	for key, data := range rd {
		if w, ok := wf.Works[key]; ok {
			w.Data = data
		}
	}
}

// Marshal splits a workflow into its static and running JSON blobs.
// The static blob carries the structure with zeroed run state; storing
// both halves in one column would amplify every poll into a full
// rewrite.
func Marshal(wf *Workflow) (static []byte, running []byte, err error) {
	running, err = json.Marshal(wf.RunningData())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal running data: %w", err)
	}

	// Deep-copy with zeroed run state via the JSON round trip, then
	// strip the data fields.
	raw, err := json.Marshal(wf)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal workflow: %w", err)
	}
	var clone Workflow
	if err := json.Unmarshal(raw, &clone); err != nil {
		return nil, nil, fmt.Errorf("failed to clone workflow: %w", err)
	}
	for _, w := range clone.Works {
		w.Data = WorkData{}
	}
	static, err = json.Marshal(&clone)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal static workflow: %w", err)
	}
	return static, running, nil
}

// MarshalWork splits one work into its static and running JSON blobs
// for storage in transform_metadata and running_metadata.
func MarshalWork(w *Work) (static []byte, running []byte, err error) {
	running, err = json.Marshal(w.Data)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal work data: %w", err)
	}
	clone := *w
	clone.Data = WorkData{}
	static, err = json.Marshal(&clone)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal work: %w", err)
	}
	return static, running, nil
}

// UnmarshalWork recombines the static and running halves of one work.
func UnmarshalWork(static, running []byte) (*Work, error) {
	var w Work
	if err := json.Unmarshal(static, &w); err != nil {
		return nil, fmt.Errorf("failed to unmarshal work: %w", err)
	}
	if len(running) > 0 {
		if err := json.Unmarshal(running, &w.Data); err != nil {
			return nil, fmt.Errorf("failed to unmarshal work data: %w", err)
		}
	}
	return &w, nil
}

// Unmarshal recombines the static and running halves into a workflow.
// running may be empty for a freshly created request.
func Unmarshal(static, running []byte) (*Workflow, error) {
	var wf Workflow
	if err := json.Unmarshal(static, &wf); err != nil {
		return nil, fmt.Errorf("failed to unmarshal workflow: %w", err)
	}
	if wf.WorksTemplate == nil {
		wf.WorksTemplate = map[string]*Work{}
	}
	if wf.Works == nil {
		wf.Works = map[string]*Work{}
	}
	if len(running) > 0 {
		var rd RunningData
		if err := json.Unmarshal(running, &rd); err != nil {
			return nil, fmt.Errorf("failed to unmarshal running data: %w", err)
		}
		wf.LoadRunningData(rd)
	}
	return &wf, nil
}
