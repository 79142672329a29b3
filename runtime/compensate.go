package runtime

import (
	"context"
	"sort"

	"github.com/justapithecus/gantry/pipeline"
	"github.com/justapithecus/gantry/store"
	"github.com/justapithecus/gantry/types"
)

// compensate unwinds every SUCCEEDED ancestor of the fatally failed
// node(s) in reverse topological order, most recently runnable first.
// It runs sequentially on the scheduler loop goroutine after the worker
// pool has drained, so state ownership is preserved.
//
// The unwind is best-effort: a failed compensating action is recorded
// as COMPENSATION_FAILED and the unwind continues with the next node.
// Cancellation of the run context never stops it; side effects that
// were committed must be given the chance to be undone.
func (s *Scheduler) compensate(ctx context.Context, state *types.RunState) {
	targets := compensationTargets(s.pipe, state)
	if len(targets) == 0 {
		return
	}
	s.logger.Info("compensating", map[string]any{"stages": targets})

	compCtx := context.WithoutCancel(ctx)
	for _, id := range targets {
		s.compensateNode(compCtx, state, id)
	}
}

func (s *Scheduler) compensateNode(ctx context.Context, state *types.RunState, id string) {
	logger := s.logger.WithNode(id)
	if err := s.transitionNode(ctx, state, id, types.StatusCompensating, nil); err != nil {
		logger.Error("compensation bookkeeping failed", map[string]any{"error": err.Error()})
		return
	}

	node := s.pipe.Node(id)
	comp, ok := node.Handler.(pipeline.Compensator)
	if !ok {
		// Nothing to undo for stages without committed side effects.
		if err := s.transitionNode(ctx, state, id, types.StatusCompensated, nil); err != nil {
			logger.Error("compensation bookkeeping failed", map[string]any{"error": err.Error()})
		}
		return
	}

	in, err := s.resolveInputs(state, node)
	if err == nil {
		var out pipeline.Result
		out, err = store.DecodeResult(state.Nodes[id].Output)
		if err == nil {
			err = s.invokeCompensator(ctx, node, comp, in, out)
		}
	}

	if err != nil {
		failure := &types.CompensationFailure{NodeID: id, Err: err}
		logger.Error("compensation failed", map[string]any{"error": failure.Error()})
		if terr := s.transitionNode(ctx, state, id, types.StatusCompensationFailed, failure); terr != nil {
			logger.Error("compensation bookkeeping failed", map[string]any{"error": terr.Error()})
		}
		return
	}

	if err := s.transitionNode(ctx, state, id, types.StatusCompensated, nil); err != nil {
		logger.Error("compensation bookkeeping failed", map[string]any{"error": err.Error()})
		return
	}
	s.stats.IncNodesCompensated()
}

// invokeCompensator runs the compensating action under the node's
// per-attempt timeout, when one is declared.
func (s *Scheduler) invokeCompensator(ctx context.Context, node *pipeline.Node, comp pipeline.Compensator, in pipeline.Inputs, out pipeline.Result) error {
	if node.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, node.Timeout)
		defer cancel()
	}
	return comp.Compensate(ctx, in, out)
}

// compensationTargets returns the SUCCEEDED ancestors of every fatally
// failed node, deduplicated and ordered by descending topological
// position.
func compensationTargets(p *pipeline.Pipeline, state *types.RunState) []string {
	marked := make(map[string]bool)
	for _, id := range p.NodeIDs() {
		if state.Nodes[id].Status != types.StatusFailedFatal {
			continue
		}
		for _, anc := range p.Ancestors(id) {
			if state.Nodes[anc].Status == types.StatusSucceeded {
				marked[anc] = true
			}
		}
	}

	targets := make([]string, 0, len(marked))
	for id := range marked {
		targets = append(targets, id)
	}
	sort.Slice(targets, func(i, j int) bool {
		return p.TopoIndex(targets[i]) > p.TopoIndex(targets[j])
	})
	return targets
}
