package graph

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dyike/CortexFlow/internal/models"
)

// START and END are the pseudo-nodes every graph is anchored to.
const (
	START = "__start__"
	END   = "__end__"
)

// NodeFunc is one unit of work: it reads a state snapshot and returns a
// typed patch. It must not mutate the snapshot's nested structures.
type NodeFunc func(ctx context.Context, st *models.AnalysisState) (*models.StatePatch, error)

// Predicate picks the next node name from the current state. Predicates
// must be deterministic and free of I/O; their return value is the sole
// input to edge selection.
type Predicate func(st *models.AnalysisState) string

type branch struct {
	pick    Predicate
	targets map[string]bool
}

// Graph is a directed graph of named nodes with plain and conditional
// edges. A node with several plain successors fans out; a node reached by
// several plain edges is a join and runs after all its predecessors.
type Graph struct {
	name     string
	nodes    map[string]NodeFunc
	edges    map[string][]string
	branches map[string]*branch
}

func New(name string) *Graph {
	return &Graph{
		name:     name,
		nodes:    map[string]NodeFunc{},
		edges:    map[string][]string{},
		branches: map[string]*branch{},
	}
}

func (g *Graph) AddNode(name string, fn NodeFunc) error {
	if name == START || name == END {
		return fmt.Errorf("graph %s: %q is reserved", g.name, name)
	}
	if _, ok := g.nodes[name]; ok {
		return fmt.Errorf("graph %s: duplicate node %q", g.name, name)
	}
	g.nodes[name] = fn
	return nil
}

func (g *Graph) AddEdge(from, to string) error {
	g.edges[from] = append(g.edges[from], to)
	return nil
}

// AddBranch installs a conditional edge: after from, pick decides the next
// node among targets.
func (g *Graph) AddBranch(from string, pick Predicate, targets map[string]bool) error {
	if _, ok := g.branches[from]; ok {
		return fmt.Errorf("graph %s: node %q already has a branch", g.name, from)
	}
	g.branches[from] = &branch{pick: pick, targets: targets}
	return nil
}

// Compile validates the topology and returns an executable runner.
func (g *Graph) Compile() (*Runner, error) {
	if len(g.edges[START]) == 0 {
		return nil, fmt.Errorf("graph %s: no edge out of START", g.name)
	}
	exists := func(n string) bool {
		if n == START || n == END {
			return true
		}
		_, ok := g.nodes[n]
		return ok
	}
	for from, tos := range g.edges {
		if !exists(from) {
			return nil, fmt.Errorf("graph %s: edge from unknown node %q", g.name, from)
		}
		for _, to := range tos {
			if !exists(to) {
				return nil, fmt.Errorf("graph %s: edge to unknown node %q", g.name, to)
			}
		}
	}
	for from, br := range g.branches {
		if !exists(from) {
			return nil, fmt.Errorf("graph %s: branch from unknown node %q", g.name, from)
		}
		if len(g.edges[from]) > 0 {
			return nil, fmt.Errorf("graph %s: node %q has both plain edges and a branch", g.name, from)
		}
		for to := range br.targets {
			if !exists(to) {
				return nil, fmt.Errorf("graph %s: branch target %q unknown", g.name, to)
			}
		}
	}
	for name := range g.nodes {
		if len(g.edges[name]) == 0 && g.branches[name] == nil {
			return nil, fmt.Errorf("graph %s: node %q has no outgoing route", g.name, name)
		}
	}

	indegree := map[string]int{}
	for _, tos := range g.edges {
		for _, to := range tos {
			indegree[to]++
		}
	}
	return &Runner{g: g, indegree: indegree}, nil
}

// NodeStatus is the lifecycle reported to the event callback.
type NodeStatus string

const (
	NodeStarted   NodeStatus = "started"
	NodeCompleted NodeStatus = "completed"
	NodeDegraded  NodeStatus = "degraded"
)

// NodeEvent is the executor's progress notification.
type NodeEvent struct {
	Graph   string
	Node    string
	Status  NodeStatus
	Err     error
	Elapsed time.Duration
}

// Execution is the shared mutable context for one session: the state, the
// global visit budget, and the event sink. One Execution is threaded
// through every stage of the pipeline.
type Execution struct {
	mu      sync.Mutex
	state   *models.AnalysisState
	visits  int
	limit   int
	onEvent func(NodeEvent)
}

// NewExecution wraps a freshly seeded state. limit bounds total node visits
// across all stages so tool loops cannot run forever.
func NewExecution(state *models.AnalysisState, limit int, onEvent func(NodeEvent)) *Execution {
	if limit <= 0 {
		limit = 100
	}
	if onEvent == nil {
		onEvent = func(NodeEvent) {}
	}
	return &Execution{state: state, limit: limit, onEvent: onEvent}
}

// Snapshot returns a consistent copy of the state for a node to read.
func (e *Execution) Snapshot() *models.AnalysisState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.Snapshot()
}

// State returns the live state. Callers must be done with all stages.
func (e *Execution) State() *models.AnalysisState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// apply merges a patch unless the session has been canceled; canceled work
// must not mutate shared state.
func (e *Execution) apply(ctx context.Context, p *models.StatePatch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state.Apply(p)
	return nil
}

func (e *Execution) visit() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.visits++
	if e.visits > e.limit {
		return fmt.Errorf("%w: %d visits", ErrRecursionLimit, e.visits)
	}
	return nil
}

// Runner executes a compiled graph against an Execution.
type Runner struct {
	g        *Graph
	indegree map[string]int
}

// Run drives the graph from START to END. It returns when every path has
// terminated, or with the first error.
func (r *Runner) Run(ctx context.Context, exec *Execution) error {
	pending := make(map[string]int, len(r.indegree))
	for n, d := range r.indegree {
		pending[n] = d
	}
	run := &graphRun{Runner: r, exec: exec, pending: pending}
	return run.fanOut(ctx, r.g.edges[START])
}

type graphRun struct {
	*Runner
	exec    *Execution
	mu      sync.Mutex
	pending map[string]int
}

// arrive records one plain-edge arrival at a join node and reports whether
// the caller is the last predecessor and should execute it.
func (gr *graphRun) arrive(node string) bool {
	gr.mu.Lock()
	defer gr.mu.Unlock()
	gr.pending[node]--
	return gr.pending[node] <= 0
}

func (gr *graphRun) fanOut(ctx context.Context, nexts []string) error {
	if len(nexts) == 1 {
		return gr.walk(ctx, nexts[0], false)
	}
	eg, egCtx := errgroup.WithContext(ctx)
	for _, n := range nexts {
		eg.Go(func() error { return gr.walk(egCtx, n, false) })
	}
	return eg.Wait()
}

// walk executes one chain of nodes until END, an error, or a non-final
// arrival at a join node. viaBranch marks arrivals through a conditional
// edge, which never count against join bookkeeping.
func (gr *graphRun) walk(ctx context.Context, cur string, viaBranch bool) error {
	for cur != END {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !viaBranch && gr.indegree[cur] > 1 && !gr.arrive(cur) {
			return nil
		}
		if err := gr.exec.visit(); err != nil {
			return err
		}

		fn, ok := gr.g.nodes[cur]
		if !ok {
			return fmt.Errorf("graph %s: node %q not registered", gr.g.name, cur)
		}

		gr.exec.onEvent(NodeEvent{Graph: gr.g.name, Node: cur, Status: NodeStarted})
		start := time.Now()
		patch, err := fn(ctx, gr.exec.Snapshot())
		elapsed := time.Since(start)
		if err != nil {
			gr.exec.onEvent(NodeEvent{Graph: gr.g.name, Node: cur, Status: NodeCompleted, Err: err, Elapsed: elapsed})
			return fmt.Errorf("node %s: %w", cur, err)
		}
		if err := gr.exec.apply(ctx, patch); err != nil {
			return err
		}
		status := NodeCompleted
		if patch != nil && patch.Degraded {
			status = NodeDegraded
		}
		gr.exec.onEvent(NodeEvent{Graph: gr.g.name, Node: cur, Status: status, Elapsed: elapsed})

		if br := gr.g.branches[cur]; br != nil {
			next := br.pick(gr.exec.Snapshot())
			if !br.targets[next] && next != END {
				return fmt.Errorf("graph %s: branch from %q picked unknown target %q", gr.g.name, cur, next)
			}
			cur, viaBranch = next, true
			continue
		}

		nexts := gr.g.edges[cur]
		if len(nexts) == 1 {
			cur, viaBranch = nexts[0], false
			continue
		}
		return gr.fanOut(ctx, nexts)
	}
	return nil
}
