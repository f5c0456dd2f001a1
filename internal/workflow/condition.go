package workflow

import "sync"

// Predicate is the closed set of condition tests. User-supplied
// predicates are registered by name and dispatched by tag, never
// serialized as code.
type Predicate string

const (
	PredicateIsFinished      Predicate = "is_finished"
	PredicateIsSubFinished   Predicate = "is_subfinished"
	PredicateIsFailed        Predicate = "is_failed"
	PredicateGenerateNewTask Predicate = "generate_new_task"
	PredicateCustom          Predicate = "custom"
)

// Condition routes workflow progress: when the current work terminates,
// the predicate selects the true or false branch to materialize.
type Condition struct {
	CurrentWorkID string    `json:"current_work_id"`
	Predicate     Predicate `json:"predicate"`
	CustomName    string    `json:"custom_name,omitempty"`
	TrueWorkID    string    `json:"true_work_id,omitempty"`
	FalseWorkID   string    `json:"false_work_id,omitempty"`
}

// CustomPredicate evaluates a registered user condition against a work.
type CustomPredicate func(w *Work) bool

var (
	customMu         sync.RWMutex
	customPredicates = map[string]CustomPredicate{}
)

// RegisterPredicate registers a named custom predicate at startup.
// Conditions reference it by name so workflows stay serializable.
func RegisterPredicate(name string, fn CustomPredicate) {
	customMu.Lock()
	defer customMu.Unlock()
	customPredicates[name] = fn
}

// eval tests the predicate against a terminated work.
func (c Condition) eval(w *Work) bool {
	switch c.Predicate {
	case PredicateIsFinished:
		return w.IsFinished()
	case PredicateIsSubFinished:
		return w.IsSubFinished()
	case PredicateIsFailed:
		return w.IsFailed()
	case PredicateGenerateNewTask:
		return w.IsTerminated() && w.Data.GenerateNewTask
	case PredicateCustom:
		customMu.RLock()
		fn, ok := customPredicates[c.CustomName]
		customMu.RUnlock()
		if !ok {
			return false
		}
		return fn(w)
	}
	return false
}
