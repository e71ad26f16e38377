package graph

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyike/CortexFlow/consts"
	"github.com/dyike/CortexFlow/internal/models"
)

func newState() *models.AnalysisState {
	return models.NewAnalysisState("AAPL", "2025-06-02", consts.MarketUS)
}

func countingNode(n *int32) NodeFunc {
	return func(ctx context.Context, st *models.AnalysisState) (*models.StatePatch, error) {
		atomic.AddInt32(n, 1)
		return nil, nil
	}
}

func TestFanOutJoinRunsJoinOnce(t *testing.T) {
	var a, b, c, join int32
	g := New("test")
	require.NoError(t, g.AddNode("a", countingNode(&a)))
	require.NoError(t, g.AddNode("b", countingNode(&b)))
	require.NoError(t, g.AddNode("c", countingNode(&c)))
	require.NoError(t, g.AddNode("join", countingNode(&join)))
	_ = g.AddEdge(START, "a")
	_ = g.AddEdge(START, "b")
	_ = g.AddEdge(START, "c")
	_ = g.AddEdge("a", "join")
	_ = g.AddEdge("b", "join")
	_ = g.AddEdge("c", "join")
	_ = g.AddEdge("join", END)

	runner, err := g.Compile()
	require.NoError(t, err)

	exec := NewExecution(newState(), 100, nil)
	require.NoError(t, runner.Run(context.Background(), exec))

	assert.EqualValues(t, 1, a)
	assert.EqualValues(t, 1, b)
	assert.EqualValues(t, 1, c)
	assert.EqualValues(t, 1, join, "join must run exactly once, after all predecessors")
}

func TestBranchLoopDoesNotTriggerJoinBookkeeping(t *testing.T) {
	// agent <-> tools loop twice, then agent exits to a join shared with
	// another plain-edge predecessor.
	var loops int32
	g := New("test")
	require.NoError(t, g.AddNode("agent", countingNode(&loops)))
	require.NoError(t, g.AddNode("tools", func(ctx context.Context, st *models.AnalysisState) (*models.StatePatch, error) {
		return nil, nil
	}))
	var done int32
	require.NoError(t, g.AddNode("other", func(ctx context.Context, st *models.AnalysisState) (*models.StatePatch, error) {
		return nil, nil
	}))
	require.NoError(t, g.AddNode("sync", countingNode(&done)))

	_ = g.AddEdge(START, "agent")
	_ = g.AddEdge(START, "other")
	require.NoError(t, g.AddBranch("agent", func(st *models.AnalysisState) string {
		if atomic.LoadInt32(&loops) < 2 {
			return "tools"
		}
		return "sync"
	}, map[string]bool{"tools": true, "sync": true}))
	require.NoError(t, g.AddBranch("tools", func(*models.AnalysisState) string { return "agent" },
		map[string]bool{"agent": true}))
	_ = g.AddEdge("other", "sync")
	_ = g.AddEdge("sync", END)

	runner, err := g.Compile()
	require.NoError(t, err)
	exec := NewExecution(newState(), 100, nil)
	require.NoError(t, runner.Run(context.Background(), exec))

	assert.EqualValues(t, 2, loops)
	assert.EqualValues(t, 1, done)
}

func TestRecursionLimitStopsRunawayLoop(t *testing.T) {
	g := New("test")
	require.NoError(t, g.AddNode("spin", func(ctx context.Context, st *models.AnalysisState) (*models.StatePatch, error) {
		return nil, nil
	}))
	_ = g.AddEdge(START, "spin")
	require.NoError(t, g.AddBranch("spin", func(*models.AnalysisState) string { return "spin" },
		map[string]bool{"spin": true}))

	runner, err := g.Compile()
	require.NoError(t, err)
	exec := NewExecution(newState(), 10, nil)
	err = runner.Run(context.Background(), exec)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRecursionLimit)
}

func TestCanceledContextDropsPatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	g := New("test")
	require.NoError(t, g.AddNode("writer", func(ctx context.Context, st *models.AnalysisState) (*models.StatePatch, error) {
		cancel() // cancel while the node is "running"
		return &models.StatePatch{InvestmentPlan: models.String("should not land")}, nil
	}))
	_ = g.AddEdge(START, "writer")
	_ = g.AddEdge("writer", END)

	runner, err := g.Compile()
	require.NoError(t, err)

	state := newState()
	exec := NewExecution(state, 100, nil)
	err = runner.Run(ctx, exec)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, exec.State().InvestmentPlan, "canceled sessions must not mutate state")
}

func TestCompileRejectsDanglingNodes(t *testing.T) {
	g := New("test")
	require.NoError(t, g.AddNode("island", func(ctx context.Context, st *models.AnalysisState) (*models.StatePatch, error) {
		return nil, nil
	}))
	_ = g.AddEdge(START, "island")
	_, err := g.Compile()
	require.Error(t, err, "node without an outgoing route must not compile")

	g2 := New("test2")
	_, err = g2.Compile()
	require.Error(t, err, "graph without a START edge must not compile")
}

func TestNodeEventsCarryDegradedStatus(t *testing.T) {
	g := New("test")
	require.NoError(t, g.AddNode("stub", func(ctx context.Context, st *models.AnalysisState) (*models.StatePatch, error) {
		return &models.StatePatch{Degraded: true}, nil
	}))
	_ = g.AddEdge(START, "stub")
	_ = g.AddEdge("stub", END)
	runner, err := g.Compile()
	require.NoError(t, err)

	var statuses []NodeStatus
	exec := NewExecution(newState(), 100, func(ev NodeEvent) {
		statuses = append(statuses, ev.Status)
	})
	require.NoError(t, runner.Run(context.Background(), exec))
	require.Len(t, statuses, 2)
	assert.Equal(t, NodeStarted, statuses[0])
	assert.Equal(t, NodeDegraded, statuses[1])
}
