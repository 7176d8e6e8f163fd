package cob

import (
	"fmt"
	"sort"
)

// State is the per-type folded result of evaluating a change DAG. Concrete
// types (e.g. *ReviewState) implement this marker interface.
type State interface {
	// SchemaVersion identifies the cache encoding of this state, bumped
	// whenever the evaluator's output shape changes incompatibly.
	SchemaVersion() int
}

// Evaluator folds one change into an existing state, returning the updated
// state or a rejection error. The root change of an object is applied to
// Zero(); a nil input state is not accepted.
type Evaluator interface {
	TypeName() string
	Zero() State
	Apply(state State, change Change) (State, error)
	MarshalState(State) ([]byte, error)
	UnmarshalState([]byte) (State, error)
}

// Evaluator looks up the registered evaluator for typeName, if any.
func (r *Registry) Evaluator(typeName string) (Evaluator, bool) {
	ev, ok := r.evaluators[typeName]
	return ev, ok
}

// Registry maps COB type names to their evaluator.
type Registry struct {
	evaluators map[string]Evaluator
}

// NewRegistry builds a Registry from a set of evaluators.
func NewRegistry(evaluators ...Evaluator) *Registry {
	r := &Registry{evaluators: make(map[string]Evaluator, len(evaluators))}
	for _, e := range evaluators {
		r.evaluators[e.TypeName()] = e
	}
	return r
}

// Evaluate folds the topologically-ordered changes of an object into a
// final state using the registered evaluator for typeName. Unknown or
// malformed changes are skipped rather than aborting the whole object, per
// spec.md §4.7 "Evaluation" and "unknown schema is tolerated".
func (r *Registry) Evaluate(typeName string, changes []Change) (State, error) {
	ev, ok := r.evaluators[typeName]
	if !ok {
		return nil, fmt.Errorf("cob: no evaluator registered for type %q", typeName)
	}
	ordered, err := topoSort(changes)
	if err != nil {
		return nil, err
	}

	state := ev.Zero()
	for _, c := range ordered {
		next, err := ev.Apply(state, c)
		if err != nil {
			// Non-fatal: the malformed/rejected change stays in history but
			// contributes nothing to the folded state.
			continue
		}
		state = next
	}
	return state, nil
}

// EvaluateLast applies only the evaluator to check whether appending change
// on top of state would be accepted, without persisting anything. Update
// performs the same check by calling the evaluator's Apply directly.
func (r *Registry) EvaluateLast(typeName string, state State, change Change) (State, error) {
	ev, ok := r.evaluators[typeName]
	if !ok {
		return nil, fmt.Errorf("cob: no evaluator registered for type %q", typeName)
	}
	return ev.Apply(state, change)
}

// topoSort orders changes so that every change appears after all of its
// parents, using OID as a tie-break for determinism among changes with no
// ordering constraint between them.
func topoSort(changes []Change) ([]Change, error) {
	byOID := make(map[string]Change, len(changes))
	for _, c := range changes {
		byOID[c.OID.String()] = c
	}

	visited := make(map[string]bool, len(changes))
	onStack := make(map[string]bool, len(changes))
	var order []Change

	var visit func(oid string) error
	visit = func(oid string) error {
		if visited[oid] {
			return nil
		}
		if onStack[oid] {
			return fmt.Errorf("cob: change DAG contains a cycle at %s", oid)
		}
		c, ok := byOID[oid]
		if !ok {
			return nil // parent outside this object's change set (e.g. not yet fetched)
		}
		onStack[oid] = true
		parents := make([]string, 0, len(c.Parents))
		for _, p := range c.Parents {
			parents = append(parents, p.String())
		}
		sort.Strings(parents)
		for _, p := range parents {
			if err := visit(p); err != nil {
				return err
			}
		}
		onStack[oid] = false
		visited[oid] = true
		order = append(order, c)
		return nil
	}

	oids := make([]string, 0, len(changes))
	for oid := range byOID {
		oids = append(oids, oid)
	}
	sort.Strings(oids)
	for _, oid := range oids {
		if err := visit(oid); err != nil {
			return nil, err
		}
	}
	return order, nil
}
