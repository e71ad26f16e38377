package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dyike/CortexFlow/consts"
	"github.com/dyike/CortexFlow/internal/agents"
	"github.com/dyike/CortexFlow/internal/config"
	"github.com/dyike/CortexFlow/internal/dataflows"
	"github.com/dyike/CortexFlow/internal/graph"
	"github.com/dyike/CortexFlow/internal/llm"
	"github.com/dyike/CortexFlow/internal/models"
	"github.com/dyike/CortexFlow/internal/synthesis"
	"github.com/dyike/CortexFlow/internal/tools"
)

// memStore is an in-memory Store for runner tests. reflectDelay slows the
// run startup and saveDelay slows descriptor persistence, so tests can
// observe the running window and the accept window deterministically.
type memStore struct {
	mu           sync.Mutex
	sessions     map[string]*models.SessionDescriptor
	results      map[string]*models.SessionResult
	predictions  []models.PredictionRecord
	reflectDelay time.Duration
	saveDelay    time.Duration
}

func newMemStore() *memStore {
	return &memStore{
		sessions: map[string]*models.SessionDescriptor{},
		results:  map[string]*models.SessionResult{},
	}
}

func (m *memStore) SaveSession(ctx context.Context, d *models.SessionDescriptor) error {
	if m.saveDelay > 0 {
		time.Sleep(m.saveDelay)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *d
	m.sessions[d.SessionID] = &cp
	return nil
}

func (m *memStore) GetSession(ctx context.Context, id string) (*models.SessionDescriptor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.sessions[id]
	if !ok {
		return nil, nil
	}
	cp := *d
	return &cp, nil
}

func (m *memStore) SaveResult(ctx context.Context, r *models.SessionResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	m.results[r.SessionID] = &cp
	return nil
}

func (m *memStore) GetResult(ctx context.Context, id string) (*models.SessionResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.results[id]
	if !ok {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

func (m *memStore) ListSessions(ctx context.Context, cursor string, limit int) ([]models.SessionDescriptor, string, error) {
	return nil, "", nil
}

func (m *memStore) RecentPredictions(ctx context.Context, symbol string, limit int) ([]models.PredictionRecord, error) {
	if m.reflectDelay > 0 {
		time.Sleep(m.reflectDelay)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.PredictionRecord(nil), m.predictions...), nil
}

func (m *memStore) AppendPrediction(ctx context.Context, rec models.PredictionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.predictions = append(m.predictions, rec)
	return nil
}

// newTestRunner builds a runner with no usable model providers, so every
// agent degrades onto its deterministic fallback content.
func newTestRunner(t *testing.T, store *memStore) (*Runner, *Hub) {
	t.Helper()
	log := zap.NewNop()

	cfg := config.Default()
	cfg.WriteMarkdownReports = false
	cfg.RetryDelay = time.Millisecond
	cfg.NodeMaxRetries = 0

	registry := llm.NewRegistry(nil, nil, cfg, nil, log)
	provider := dataflows.NewProvider(cfg, log)
	toolkit := tools.NewToolkit(provider, log)
	deps := &agents.Deps{Cfg: cfg, Registry: registry, Toolkit: toolkit, Log: log}
	builder := graph.NewBuilder(deps, nil)

	hub := NewHub(256, 50*time.Millisecond, nil)
	synth := synthesis.New(registry, nil, log)
	pred := synthesis.NewPredictor(store, nil, log)
	return NewRunner(cfg, builder, synth, pred, store, hub, nil, log), hub
}

func collectEvents(t *testing.T, hub *Hub, sessionID string) []models.Event {
	t.Helper()
	stream, ok := hub.Get(sessionID)
	require.True(t, ok, "stream must exist for a started session")
	ch, cancel := stream.Subscribe(0)
	defer cancel()

	var events []models.Event
	timeout := time.After(30 * time.Second)
	for {
		select {
		case ev, open := <-ch:
			if !open {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatal("session did not reach terminal in time")
		}
	}
}

func TestSessionCompletesWhenAllProvidersDown(t *testing.T) {
	store := newMemStore()
	runner, hub := newTestRunner(t, store)

	planner := false
	ack, err := runner.Start(context.Background(), models.StartRequest{
		Symbol:           "aapl",
		TradeDate:        "2025-06-02",
		UsePlanner:       &planner,
		SelectedAnalysts: []consts.AnalystKind{consts.AnalystMarket, consts.AnalystNews},
	})
	require.NoError(t, err)
	assert.Equal(t, "AAPL", ack.Symbol)

	events := collectEvents(t, hub, ack.SessionID)
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, models.EventTerminal, last.Kind)
	assert.Equal(t, string(models.StatusCompleted), last.Status)

	// Sequence numbers are contiguous from 1.
	for i, ev := range events {
		assert.Equal(t, uint64(i+1), ev.SequenceNo)
	}

	res, err := runner.Result(context.Background(), ack.SessionID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, res.Status)
	require.NotNil(t, res.Verdict)
	assert.Equal(t, models.SignalHold, res.Verdict.Signal)
	assert.Equal(t, 50.0, res.Verdict.Confidence)
	assert.NotEmpty(t, res.Verdict.Diagnostics, "full degradation must be visible")
	require.NoError(t, res.Verdict.Validate())

	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Len(t, store.predictions, 1, "completed sessions log one prediction")
}

func TestQuickScanSkipsDebateStages(t *testing.T) {
	store := newMemStore()
	runner, hub := newTestRunner(t, store)

	ack, err := runner.Start(context.Background(), models.StartRequest{
		Symbol:        "MSFT",
		TradeDate:     "2025-06-02",
		AnalysisLevel: models.LevelQuickScan,
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, consts.QuickScanAnalysts, ack.Analysts)

	events := collectEvents(t, hub, ack.SessionID)
	stages := map[string]bool{}
	for _, ev := range events {
		if ev.Kind == models.EventStageStart {
			stages[ev.Stage] = true
		}
	}
	assert.True(t, stages[consts.StagePlanning])
	assert.True(t, stages[consts.StageAnalyst])
	assert.True(t, stages[consts.StagePortfolio])
	assert.False(t, stages[consts.StageDebate], "quick scan has no research debate")
	assert.False(t, stages[consts.StageRisk], "quick scan has no risk committee")
}

func TestDuplicateRequestReusesRunningSession(t *testing.T) {
	store := newMemStore()
	store.reflectDelay = 300 * time.Millisecond
	runner, hub := newTestRunner(t, store)

	req := models.StartRequest{Symbol: "NVDA", TradeDate: "2025-06-02", AnalysisLevel: models.LevelQuickScan}
	first, err := runner.Start(context.Background(), req)
	require.NoError(t, err)

	second, err := runner.Start(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, first.SessionID, second.SessionID)
	assert.True(t, second.Reused)

	collectEvents(t, hub, first.SessionID)

	// After completion the fingerprint is free again.
	third, err := runner.Start(context.Background(), req)
	require.NoError(t, err)
	assert.NotEqual(t, first.SessionID, third.SessionID)
	collectEvents(t, hub, third.SessionID)
}

func TestConcurrentDuplicateStartsShareOneSession(t *testing.T) {
	store := newMemStore()
	store.saveDelay = 100 * time.Millisecond
	runner, hub := newTestRunner(t, store)

	req := models.StartRequest{Symbol: "AMD", TradeDate: "2025-06-02", AnalysisLevel: models.LevelQuickScan}
	var wg sync.WaitGroup
	acks := make([]*StartAck, 4)
	errs := make([]error, 4)
	for i := range acks {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			acks[i], errs[i] = runner.Start(context.Background(), req)
		}(i)
	}
	wg.Wait()

	reused := 0
	for i := range acks {
		require.NoError(t, errs[i])
		assert.Equal(t, acks[0].SessionID, acks[i].SessionID, "every caller gets the same session")
		if acks[i].Reused {
			reused++
		}
	}
	assert.Equal(t, len(acks)-1, reused, "exactly one start launches an execution")

	collectEvents(t, hub, acks[0].SessionID)

	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Len(t, store.sessions, 1, "only one descriptor persisted for the fingerprint")
}

func TestCancelProducesCanceledStatus(t *testing.T) {
	store := newMemStore()
	store.reflectDelay = 300 * time.Millisecond
	runner, hub := newTestRunner(t, store)

	ack, err := runner.Start(context.Background(), models.StartRequest{
		Symbol: "TSLA", TradeDate: "2025-06-02", AnalysisLevel: models.LevelQuickScan,
	})
	require.NoError(t, err)
	require.True(t, runner.Cancel(ack.SessionID))

	events := collectEvents(t, hub, ack.SessionID)
	last := events[len(events)-1]
	assert.Equal(t, models.EventTerminal, last.Kind)
	assert.Equal(t, string(models.StatusCanceled), last.Status)

	res, err := runner.Result(context.Background(), ack.SessionID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCanceled, res.Status)
	assert.Nil(t, res.Verdict)

	assert.False(t, runner.Cancel(ack.SessionID), "finished sessions are not cancelable")
}

func TestStartRejectsBadRequests(t *testing.T) {
	store := newMemStore()
	runner, _ := newTestRunner(t, store)
	ctx := context.Background()

	_, err := runner.Start(ctx, models.StartRequest{TradeDate: "2025-06-02"})
	assert.ErrorIs(t, err, models.ErrInvalidState)

	_, err = runner.Start(ctx, models.StartRequest{Symbol: "AAPL", TradeDate: "June 2nd"})
	assert.ErrorIs(t, err, models.ErrInvalidState)

	_, err = runner.Start(ctx, models.StartRequest{Symbol: "AAPL", TradeDate: "2025-06-02", Market: "JP"})
	assert.ErrorIs(t, err, models.ErrInvalidState)

	_, err = runner.Start(ctx, models.StartRequest{
		Symbol: "AAPL", TradeDate: "2025-06-02",
		SelectedAnalysts: []consts.AnalystKind{"astrology"},
	})
	assert.ErrorIs(t, err, models.ErrInvalidState)
}

func TestResultForUnknownSession(t *testing.T) {
	store := newMemStore()
	runner, _ := newTestRunner(t, store)
	_, err := runner.Result(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}
