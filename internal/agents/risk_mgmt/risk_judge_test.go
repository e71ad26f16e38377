package risk_mgmt

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dyike/CortexFlow/consts"
	"github.com/dyike/CortexFlow/internal/agents"
	"github.com/dyike/CortexFlow/internal/config"
	"github.com/dyike/CortexFlow/internal/llm"
	"github.com/dyike/CortexFlow/internal/models"
)

func testDeps() *agents.Deps {
	cfg := config.Default()
	log := zap.NewNop()
	return &agents.Deps{
		Cfg:      cfg,
		Registry: llm.NewRegistry(nil, nil, cfg, nil, log),
		Log:      log,
	}
}

func TestRiskJudgeSetsFinalTradeDecision(t *testing.T) {
	st := models.NewAnalysisState("AAPL", "2025-06-02", consts.MarketUS)
	st.TraderInvestmentPlan = "Enter half size near 180 with a stop at 172."
	st.RiskDebateState.History = "Risky: press the trade.\nSafe: cut the size.\nNeutral: split the difference."

	patch, err := RiskJudgeNode(testDeps())(context.Background(), st)
	require.NoError(t, err)

	require.NotNil(t, patch.RiskDebate)
	require.NotNil(t, patch.RiskDebate.JudgeDecision)
	require.NotNil(t, patch.FinalTradeDecision, "the risk stage must hand off a final decision")
	assert.Equal(t, *patch.RiskDebate.JudgeDecision, *patch.FinalTradeDecision)

	st.Apply(patch)
	assert.NotEmpty(t, st.FinalTradeDecision)
	assert.Equal(t, st.RiskDebateState.JudgeDecision, st.FinalTradeDecision)
}

func TestRiskJudgeRequiresDebateState(t *testing.T) {
	st := models.NewAnalysisState("AAPL", "2025-06-02", consts.MarketUS)
	st.RiskDebateState = nil

	_, err := RiskJudgeNode(testDeps())(context.Background(), st)
	assert.ErrorIs(t, err, models.ErrInvalidState)
}
