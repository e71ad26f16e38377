package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dyike/CortexFlow/consts"
	"github.com/dyike/CortexFlow/internal/llm"
	"github.com/dyike/CortexFlow/internal/models"
)

func openTestStore(t *testing.T, enc *llm.Encryptor) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"), enc, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func descriptor(id string) *models.SessionDescriptor {
	return &models.SessionDescriptor{
		SessionID:        id,
		Symbol:           "AAPL",
		TradeDate:        "2025-06-02",
		Market:           consts.MarketUS,
		SelectedAnalysts: []consts.AnalystKind{consts.AnalystMarket, consts.AnalystNews},
		Status:           models.StatusRunning,
		CreatedAt:        time.Now().UTC().Truncate(time.Second),
		TaskFingerprint:  "fp-" + id,
	}
}

func TestSessionRoundTripAndUpsert(t *testing.T) {
	s := openTestStore(t, nil)
	ctx := context.Background()

	d := descriptor("s1")
	require.NoError(t, s.SaveSession(ctx, d))

	got, err := s.GetSession(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, d.Symbol, got.Symbol)
	assert.Equal(t, d.SelectedAnalysts, got.SelectedAnalysts)
	assert.Equal(t, models.StatusRunning, got.Status)

	// Terminal update keeps the same row.
	d.Status = models.StatusFailed
	d.ElapsedSeconds = 12.5
	d.ErrorKind = "NodeTimeout"
	d.ErrorMessage = "node timed out"
	require.NoError(t, s.SaveSession(ctx, d))

	got, err = s.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Equal(t, 12.5, got.ElapsedSeconds)
	assert.Equal(t, "NodeTimeout", got.ErrorKind)
}

func TestGetSessionMissingReturnsNil(t *testing.T) {
	s := openTestStore(t, nil)
	got, err := s.GetSession(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestResultStorage(t *testing.T) {
	s := openTestStore(t, nil)
	ctx := context.Background()
	require.NoError(t, s.SaveSession(ctx, descriptor("s1")))

	// No result yet.
	res, err := s.GetResult(ctx, "s1")
	require.NoError(t, err)
	assert.Nil(t, res)

	stored := &models.SessionResult{
		SessionID: "s1",
		Status:    models.StatusCompleted,
		Symbol:    "AAPL",
		TradeDate: "2025-06-02",
		Verdict: &models.Verdict{
			Signal:         models.SignalBuy,
			Confidence:     70,
			Reasoning:      "momentum",
			RiskAssessment: models.RiskAssessment{Score: 4, Verdict: models.RiskApproved},
		},
	}
	require.NoError(t, s.SaveResult(ctx, stored))

	res, err = s.GetResult(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, res)
	require.NotNil(t, res.Verdict)
	assert.Equal(t, models.SignalBuy, res.Verdict.Signal)

	// Results require an existing session row.
	err = s.SaveResult(ctx, &models.SessionResult{SessionID: "ghost"})
	assert.Error(t, err)
}

func TestListSessionsPagination(t *testing.T) {
	s := openTestStore(t, nil)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		require.NoError(t, s.SaveSession(ctx, descriptor(id)))
	}

	page1, cursor, err := s.ListSessions(ctx, "", 2)
	require.NoError(t, err)
	require.Len(t, page1, 2)
	require.NotEmpty(t, cursor)
	assert.Equal(t, "e", page1[0].SessionID, "newest first")
	assert.Equal(t, "d", page1[1].SessionID)

	page2, cursor, err := s.ListSessions(ctx, cursor, 2)
	require.NoError(t, err)
	require.Len(t, page2, 2)
	assert.Equal(t, "c", page2[0].SessionID)

	page3, cursor, err := s.ListSessions(ctx, cursor, 2)
	require.NoError(t, err)
	require.Len(t, page3, 1)
	assert.Empty(t, cursor, "exhausted listings return no cursor")
}

func TestSaveProviderRefusedWithoutSecretKey(t *testing.T) {
	s := openTestStore(t, nil)
	_, err := s.SaveProvider(context.Background(), llm.Provider{
		Name: "openai", Kind: llm.KindOpenAICompatible,
	}, "sk-plain")
	assert.ErrorIs(t, err, llm.ErrNoSecretKey)
}

func TestProviderKeysStoredEncrypted(t *testing.T) {
	enc, err := llm.NewEncryptor("test secret")
	require.NoError(t, err)
	s := openTestStore(t, enc)
	ctx := context.Background()

	id, err := s.SaveProvider(ctx, llm.Provider{
		Name:          "openai",
		Kind:          llm.KindOpenAICompatible,
		BaseURL:       "https://api.openai.com/v1",
		EnabledModels: []string{"gpt-4o-mini"},
		Priority:      10,
		Enabled:       true,
	}, "sk-plain-key")
	require.NoError(t, err)
	require.NotZero(t, id)

	providers, err := s.ListProviders(ctx)
	require.NoError(t, err)
	require.Len(t, providers, 1)
	p := providers[0]
	assert.NotEqual(t, "sk-plain-key", p.APIKeyEncrypted)
	assert.NotContains(t, p.APIKeyEncrypted, "plain-key")

	plain, err := enc.Decrypt(p.APIKeyEncrypted)
	require.NoError(t, err)
	assert.Equal(t, "sk-plain-key", plain)
}

func TestSaveProviderUpdateKeepsCredential(t *testing.T) {
	enc, err := llm.NewEncryptor("test secret")
	require.NoError(t, err)
	s := openTestStore(t, enc)
	ctx := context.Background()

	id1, err := s.SaveProvider(ctx, llm.Provider{Name: "p", Kind: llm.KindOpenAICompatible, Enabled: true}, "sk-original")
	require.NoError(t, err)

	// Update without a key: metadata changes, credential survives.
	id2, err := s.SaveProvider(ctx, llm.Provider{Name: "p", Kind: llm.KindOpenAICompatible, Priority: 5, Enabled: false}, "")
	require.NoError(t, err)
	assert.Equal(t, id1, id2)

	providers, err := s.ListProviders(ctx)
	require.NoError(t, err)
	require.Len(t, providers, 1)
	assert.Equal(t, 5, providers[0].Priority)
	assert.False(t, providers[0].Enabled)

	plain, err := enc.Decrypt(providers[0].APIKeyEncrypted)
	require.NoError(t, err)
	assert.Equal(t, "sk-original", plain)
}

func TestBindingUpsert(t *testing.T) {
	enc, err := llm.NewEncryptor("test secret")
	require.NoError(t, err)
	s := openTestStore(t, enc)
	ctx := context.Background()

	id, err := s.SaveProvider(ctx, llm.Provider{Name: "p", Kind: llm.KindOpenAICompatible, Enabled: true}, "sk")
	require.NoError(t, err)

	require.NoError(t, s.SetBinding(ctx, llm.Binding{Role: llm.RoleDeepThink, ProviderID: id, Model: "o4-mini"}))
	require.NoError(t, s.SetBinding(ctx, llm.Binding{Role: llm.RoleDeepThink, ProviderID: id, Model: "gpt-4o"}))

	bindings, err := s.ListBindings(ctx)
	require.NoError(t, err)
	require.Len(t, bindings, 1)
	assert.Equal(t, "gpt-4o", bindings[0].Model)
}

func TestPromptVersioning(t *testing.T) {
	s := openTestStore(t, nil)
	ctx := context.Background()

	v1, err := s.SavePrompt(ctx, "analysts/market", "first draft")
	require.NoError(t, err)
	assert.Equal(t, 1, v1)

	v2, err := s.SavePrompt(ctx, "analysts/market", "second draft")
	require.NoError(t, err)
	assert.Equal(t, 2, v2)

	rec, err := s.GetPrompt(ctx, "analysts/market")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, 2, rec.Version)
	assert.Equal(t, "second draft", rec.Content)

	missing, err := s.GetPrompt(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestPredictionLog(t *testing.T) {
	s := openTestStore(t, nil)
	ctx := context.Background()

	rec := models.PredictionRecord{
		SessionID:  "s1",
		Symbol:     "AAPL",
		TradeDate:  "2025-06-02",
		Signal:     models.SignalBuy,
		Confidence: 70,
		EntryPrice: 182.5,
		AgentKey:   "cortexflow/pipeline-v1",
		CreatedAt:  time.Now().UTC().Format(time.RFC3339),
	}
	require.NoError(t, s.AppendPrediction(ctx, rec))

	recs, err := s.RecentPredictions(ctx, "AAPL", 5)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, models.SignalBuy, recs[0].Signal)
	assert.Nil(t, recs[0].Outcome, "outcome stays null until evaluated")

	require.NoError(t, s.RecordOutcome(ctx, "s1", "correct", 4.2))
	recs, err = s.RecentPredictions(ctx, "AAPL", 5)
	require.NoError(t, err)
	require.NotNil(t, recs[0].Outcome)
	assert.Equal(t, "correct", *recs[0].Outcome)
	require.NotNil(t, recs[0].ActualReturn)
	assert.InDelta(t, 4.2, *recs[0].ActualReturn, 1e-9)

	assert.Error(t, s.RecordOutcome(ctx, "ghost", "correct", 0))
}
