// Package pipeline defines the stage graph model: nodes, handlers,
// contracts, and the DAG builder that validates dependencies and
// computes ready sets for the scheduler.
package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/justapithecus/gantry/retry"
	"github.com/justapithecus/gantry/types"
)

// Inputs is the resolved input snapshot handed to a stage handler:
// the run input under "input" plus each succeeded dependency's result
// under its node id. Handlers must treat it as read-only.
type Inputs map[string]any

// Result is a stage handler's output. Serialized with msgpack when the
// node's SUCCEEDED transition is persisted.
type Result map[string]any

// Handler is the stage execution contract. Implementations must be
// pure with respect to the inputs they are given and must observe
// context cancellation at I/O boundaries.
type Handler interface {
	Execute(ctx context.Context, in Inputs) (Result, error)
}

// Compensator is the optional unwind contract. Stages with committed
// side effects implement it; the compensation manager invokes it in
// reverse topological order after a downstream fatal failure.
type Compensator interface {
	Compensate(ctx context.Context, in Inputs, out Result) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, in Inputs) (Result, error)

// Execute calls f.
func (f HandlerFunc) Execute(ctx context.Context, in Inputs) (Result, error) {
	return f(ctx, in)
}

// KeyFunc derives a deterministic idempotency key from a node's
// resolved inputs. Nil falls back to DefaultKey.
type KeyFunc func(nodeID string, in Inputs) string

// DefaultKey hashes the node id and the canonical JSON encoding of the
// resolved inputs. encoding/json sorts map keys, which makes the
// encoding deterministic for map-shaped inputs.
func DefaultKey(nodeID string, in Inputs) string {
	data, err := json.Marshal(in)
	if err != nil {
		data = []byte("{}")
	}

	h := sha256.New()
	h.Write([]byte(nodeID))
	h.Write([]byte{0x00}) // separator
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// Node declares one unit of pipeline work.
type Node struct {
	// ID is the unique stage id within the pipeline.
	ID string
	// Needs lists the ids of stages whose outputs this stage consumes.
	Needs []string
	// Handler executes the stage body.
	Handler Handler
	// Contract holds the pre/post/invariant checks for this stage.
	Contract Contract
	// Retry overrides the pipeline's default retry policy when non-nil.
	Retry *retry.Policy
	// Dependency names the external dependency guarded by a circuit
	// breaker. Empty means no breaker applies.
	Dependency string
	// Timeout bounds one handler attempt. Zero means no timeout.
	// Timeouts classify transient unless Classifier says otherwise.
	Timeout time.Duration
	// Classifier partitions handler errors into transient and fatal.
	// Nil uses types.DefaultClassifier.
	Classifier types.Classifier
	// Key derives the idempotency key. Nil uses DefaultKey.
	Key KeyFunc
	// TolerateSkipped lets SKIPPED dependencies count as satisfied,
	// for stages that can proceed on partial upstream results.
	TolerateSkipped bool
}

// Pipeline is a validated stage graph ready for scheduling.
// Construct via Build; never mutate after construction.
type Pipeline struct {
	// Name identifies the pipeline in run state and the CLI.
	Name string

	nodes  map[string]*Node
	order  []string            // declaration order, used for dispatch tie-break
	edges  map[string][]string // node -> dependents (forward edges)
	topo   []string            // one valid topological order
	topoIx map[string]int      // node -> topo position
}

// Build validates node declarations and constructs the pipeline.
// Returns *types.GraphError on duplicate ids, unknown dependencies,
// or cycles.
func Build(name string, decls []*Node) (*Pipeline, error) {
	if name == "" {
		return nil, &types.GraphError{Reason: "pipeline name is required"}
	}
	if len(decls) == 0 {
		return nil, &types.GraphError{Reason: "pipeline has no stages"}
	}

	nodes := make(map[string]*Node, len(decls))
	order := make([]string, 0, len(decls))
	for _, n := range decls {
		if n.ID == "" {
			return nil, &types.GraphError{Reason: "stage with empty id"}
		}
		if n.Handler == nil {
			return nil, &types.GraphError{Reason: fmt.Sprintf("stage %q has no handler", n.ID)}
		}
		if _, dup := nodes[n.ID]; dup {
			return nil, &types.GraphError{Reason: fmt.Sprintf("duplicate stage id %q", n.ID)}
		}
		nodes[n.ID] = n
		order = append(order, n.ID)
	}

	edges := make(map[string][]string, len(decls))
	for _, n := range decls {
		for _, dep := range n.Needs {
			if _, ok := nodes[dep]; !ok {
				return nil, &types.GraphError{
					Reason: fmt.Sprintf("stage %q depends on unknown stage %q", n.ID, dep),
				}
			}
			edges[dep] = append(edges[dep], n.ID)
		}
	}

	topo, cycle := topoSort(order, nodes)
	if cycle != nil {
		return nil, &types.GraphError{Cycle: cycle}
	}

	topoIx := make(map[string]int, len(topo))
	for i, id := range topo {
		topoIx[id] = i
	}

	return &Pipeline{
		Name:   name,
		nodes:  nodes,
		order:  order,
		edges:  edges,
		topo:   topo,
		topoIx: topoIx,
	}, nil
}

// topoSort runs Kahn's algorithm over the declared nodes. Ties are
// broken by declaration order so runs stay reproducible. On a cycle it
// returns the offending cycle (closed: first id repeated at the end).
func topoSort(order []string, nodes map[string]*Node) (topo, cycle []string) {
	indegree := make(map[string]int, len(order))
	for _, id := range order {
		indegree[id] = len(nodes[id].Needs)
	}

	dependents := make(map[string][]string, len(order))
	for _, id := range order {
		for _, dep := range nodes[id].Needs {
			dependents[dep] = append(dependents[dep], id)
		}
	}

	var ready []string
	for _, id := range order {
		if indegree[id] == 0 {
			ready = append(ready, id)
		}
	}

	declIx := make(map[string]int, len(order))
	for i, id := range order {
		declIx[id] = i
	}

	topo = make([]string, 0, len(order))
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool { return declIx[ready[i]] < declIx[ready[j]] })
		id := ready[0]
		ready = ready[1:]
		topo = append(topo, id)
		for _, next := range dependents[id] {
			indegree[next]--
			if indegree[next] == 0 {
				ready = append(ready, next)
			}
		}
	}

	if len(topo) == len(order) {
		return topo, nil
	}

	// Remaining nodes all sit on or behind a cycle. Walk Needs edges
	// among them until an id repeats to name one concrete cycle.
	remaining := make(map[string]bool, len(order))
	for _, id := range order {
		remaining[id] = true
	}
	for _, id := range topo {
		delete(remaining, id)
	}

	var start string
	for _, id := range order {
		if remaining[id] {
			start = id
			break
		}
	}

	seen := make(map[string]int)
	var path []string
	cur := start
	for {
		if at, ok := seen[cur]; ok {
			cycle = append(append([]string{}, path[at:]...), cur)
			return nil, cycle
		}
		seen[cur] = len(path)
		path = append(path, cur)
		// Follow any Needs edge that stays inside the cyclic remainder.
		for _, dep := range nodes[cur].Needs {
			if remaining[dep] {
				cur = dep
				break
			}
		}
	}
}

// Node returns the declared node for id, or nil.
func (p *Pipeline) Node(id string) *Node {
	return p.nodes[id]
}

// NodeIDs returns all node ids in declaration order.
func (p *Pipeline) NodeIDs() []string {
	ids := make([]string, len(p.order))
	copy(ids, p.order)
	return ids
}

// Dependents returns the ids of nodes that directly consume id.
func (p *Pipeline) Dependents(id string) []string {
	return p.edges[id]
}

// Descendants returns every node reachable from id via forward edges.
func (p *Pipeline) Descendants(id string) []string {
	var out []string
	seen := map[string]bool{id: true}
	queue := append([]string{}, p.edges[id]...)
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if seen[cur] {
			continue
		}
		seen[cur] = true
		out = append(out, cur)
		queue = append(queue, p.edges[cur]...)
	}
	return out
}

// Ancestors returns every node id reachable from id via Needs edges.
func (p *Pipeline) Ancestors(id string) []string {
	var out []string
	seen := map[string]bool{id: true}
	queue := append([]string{}, p.nodes[id].Needs...)
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if seen[cur] {
			continue
		}
		seen[cur] = true
		out = append(out, cur)
		queue = append(queue, p.nodes[cur].Needs...)
	}
	return out
}

// TopoIndex returns id's position in the pipeline's topological order.
// Used by the compensation manager to unwind most-recent-first.
func (p *Pipeline) TopoIndex(id string) int {
	return p.topoIx[id]
}

// Ready returns the ids whose dependencies are all SUCCEEDED (or
// SKIPPED, for nodes declaring TolerateSkipped) and whose own status
// is PENDING, in declaration order.
func (p *Pipeline) Ready(status func(id string) types.Status) []string {
	var ready []string
	for _, id := range p.order {
		n := p.nodes[id]
		if status(id) != types.StatusPending {
			continue
		}
		ok := true
		for _, dep := range n.Needs {
			s := status(dep)
			if s == types.StatusSucceeded {
				continue
			}
			if s == types.StatusSkipped && n.TolerateSkipped {
				continue
			}
			ok = false
			break
		}
		if ok {
			ready = append(ready, id)
		}
	}
	return ready
}
