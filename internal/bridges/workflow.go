package bridges

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/oneiric-dev/oneiric/internal/candidate"
	"github.com/oneiric-dev/oneiric/internal/onerr"
)

// Node is one step of a workflow DAG.
type Node struct {
	Name      string
	DependsOn []string
	Action    func(ctx context.Context, inputs map[string]any, results map[string]any) (any, error)
}

// DAG is a workflow graph: a set of named nodes with dependency edges.
// Cycle detection is mandatory (spec.md §4.7) and runs before any node
// executes.
type DAG struct {
	Nodes []Node
}

// validate topologically sorts Nodes, returning an execution order or
// an error if the graph contains a cycle or an unknown dependency.
func (d *DAG) validate() ([]Node, error) {
	byName := make(map[string]Node, len(d.Nodes))
	for _, n := range d.Nodes {
		byName[n.Name] = n
	}
	for _, n := range d.Nodes {
		for _, dep := range n.DependsOn {
			if _, ok := byName[dep]; !ok {
				return nil, fmt.Errorf("node %q depends on unknown node %q", n.Name, dep)
			}
		}
	}

	const (
		unvisited = 0
		visiting  = 1
		visited   = 2
	)
	state := make(map[string]int, len(d.Nodes))
	var order []Node

	var visit func(name string) error
	visit = func(name string) error {
		switch state[name] {
		case visited:
			return nil
		case visiting:
			return fmt.Errorf("cycle detected at node %q", name)
		}
		state[name] = visiting
		for _, dep := range byName[name].DependsOn {
			if err := visit(dep); err != nil {
				return err
			}
		}
		state[name] = visited
		order = append(order, byName[name])
		return nil
	}

	for _, n := range d.Nodes {
		if err := visit(n.Name); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// RunState is the checkpointed progress of one workflow run.
type RunState struct {
	RunID     string
	Key       string
	Completed map[string]any // node name -> result
	Failed    string         // node name that last failed, if any
	Done      bool
}

// WorkflowBridge exposes run(dag, inputs)/checkpoint/resume, a DAG
// executor with checkpointing (spec.md §4.7).
type WorkflowBridge struct {
	base

	mu   sync.Mutex
	runs map[string]*RunState
}

// BuildWorkflow constructs a WorkflowBridge from a Builder.
func (b *Builder) BuildWorkflow() *WorkflowBridge {
	bb := b.toBase()
	bb.domain = candidate.DomainWorkflow
	return &WorkflowBridge{base: bb, runs: make(map[string]*RunState)}
}

// Run validates dag (rejecting cycles) and executes it node by node,
// checkpointing after every node so a failure can Resume rather than
// restart from scratch.
func (w *WorkflowBridge) Run(ctx context.Context, key string, dag *DAG, inputs map[string]any) (*RunState, error) {
	if err := w.checkActivity(ctx, key); err != nil {
		return nil, err
	}

	order, err := dag.validate()
	if err != nil {
		return nil, onerr.Wrap(onerr.KindActivationFailed, "workflow graph is invalid", err)
	}

	runID := uuid.NewString()
	state := &RunState{RunID: runID, Key: key, Completed: make(map[string]any)}
	w.checkpoint(state)

	return w.execute(ctx, state, order, inputs)
}

// Resume continues a previously checkpointed run by runID from its
// last failed or incomplete node.
func (w *WorkflowBridge) Resume(ctx context.Context, runID string, dag *DAG, inputs map[string]any) (*RunState, error) {
	w.mu.Lock()
	state, ok := w.runs[runID]
	w.mu.Unlock()
	if !ok {
		return nil, onerr.New(onerr.KindNotReady, fmt.Sprintf("no checkpointed run %q", runID))
	}
	if err := w.checkActivity(ctx, state.Key); err != nil {
		return nil, err
	}

	order, err := dag.validate()
	if err != nil {
		return nil, onerr.Wrap(onerr.KindActivationFailed, "workflow graph is invalid", err)
	}
	state.Failed = ""
	return w.execute(ctx, state, order, inputs)
}

func (w *WorkflowBridge) execute(ctx context.Context, state *RunState, order []Node, inputs map[string]any) (*RunState, error) {
	for _, node := range order {
		if _, done := state.Completed[node.Name]; done {
			continue
		}
		result, err := node.Action(ctx, inputs, state.Completed)
		if err != nil {
			state.Failed = node.Name
			w.checkpoint(state)
			return state, onerr.Wrap(onerr.KindActivationFailed, fmt.Sprintf("workflow node %q failed", node.Name), err)
		}
		state.Completed[node.Name] = result
		w.checkpoint(state)
	}
	state.Done = true
	w.checkpoint(state)
	return state, nil
}

// Checkpoint persists the current state in memory, keyed by run id.
// Exported so a caller can force a checkpoint outside the normal
// per-node cadence (e.g. before a planned shutdown).
func (w *WorkflowBridge) Checkpoint(state *RunState) {
	w.checkpoint(state)
}

func (w *WorkflowBridge) checkpoint(state *RunState) {
	w.mu.Lock()
	defer w.mu.Unlock()
	cp := *state
	cp.Completed = make(map[string]any, len(state.Completed))
	for k, v := range state.Completed {
		cp.Completed[k] = v
	}
	w.runs[state.RunID] = &cp
}
