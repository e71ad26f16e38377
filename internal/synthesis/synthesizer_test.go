package synthesis

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyike/CortexFlow/consts"
	"github.com/dyike/CortexFlow/internal/models"
)

const validWire = `{
	"signal": "BUY",
	"confidence": 72,
	"bull_vs_bear": {"bull_score": 70, "bear_score": 40, "summary": "Growth outweighs valuation risk."},
	"risk_assessment": {"score": 4.5, "verdict": "APPROVED", "summary": "Manageable downside."},
	"trade_setup": {"entry_zone": "$180-185", "target_price": "$210.50", "stop_loss": "$172", "risk_reward": "1:2.5"},
	"technical_indicators": {"rsi": "58, neutral", "macd": "bullish crossover", "trend": "uptrend"},
	"rationale": "Momentum and fundamentals align; risk committee approved the position."
}`

func TestParseVerdictHappyPath(t *testing.T) {
	v, err := parseVerdict(validWire)
	require.NoError(t, err)

	assert.Equal(t, models.SignalBuy, v.Signal)
	assert.Equal(t, 72.0, v.Confidence)
	assert.Equal(t, "Bull", v.BullVsBear.Winner)
	assert.Equal(t, models.RiskApproved, v.RiskAssessment.Verdict)
	require.NotNil(t, v.TradeSetup)
	assert.Equal(t, 210.50, v.TradeSetup.TargetPrice)
	assert.Equal(t, 172.0, v.TradeSetup.StopLoss)
	assert.Equal(t, "uptrend", v.TechnicalIndicators.Trend)
	require.NoError(t, v.Validate())
}

func TestParseVerdictToleratesCodeFences(t *testing.T) {
	fenced := "```json\n" + validWire + "\n```"
	v, err := parseVerdict(fenced)
	require.NoError(t, err)
	assert.Equal(t, models.SignalBuy, v.Signal)
}

func TestParseVerdictRepairsTrailingDamage(t *testing.T) {
	// Trailing comma and missing closing brace, as models sometimes emit.
	damaged := `{"signal": "HOLD", "confidence": 50,
		"bull_vs_bear": {"bull_score": 50, "bear_score": 50, "summary": "even"},
		"risk_assessment": {"score": 5, "verdict": "CAUTION", "summary": "mixed"},
		"trade_setup": {"entry_zone": "", "target_price": "", "stop_loss": "", "risk_reward": ""},
		"technical_indicators": {"rsi": "", "macd": "", "trend": ""},
		"rationale": "Signals are mixed.",`
	v, err := parseVerdict(damaged)
	require.NoError(t, err)
	assert.Equal(t, models.SignalHold, v.Signal)
	assert.Nil(t, v.TradeSetup, "all-empty setup collapses to nil")
}

func TestParseVerdictRejectsBadDocuments(t *testing.T) {
	_, err := parseVerdict(`{"signal": "MAYBE", "confidence": 50, "rationale": "x"}`)
	assert.Error(t, err, "signal outside the enum")

	_, err = parseVerdict(`{"signal": "BUY", "confidence": 150,
		"risk_assessment": {"score": 5, "verdict": "CAUTION"}, "rationale": "x"}`)
	assert.Error(t, err, "confidence out of range")

	_, err = parseVerdict(`{"signal": "BUY", "confidence": 60,
		"risk_assessment": {"score": 5, "verdict": "CAUTION"}, "rationale": ""}`)
	assert.Error(t, err, "empty rationale")
}

func TestParseSignalVariants(t *testing.T) {
	for raw, want := range map[string]models.Signal{
		"STRONG_BUY":  models.SignalStrongBuy,
		"strong buy":  models.SignalStrongBuy,
		"Buy":         models.SignalBuy,
		"HOLD":        models.SignalHold,
		"sell":        models.SignalSell,
		"STRONG_SELL": models.SignalStrongSell,
	} {
		got, ok := parseSignal(raw)
		require.True(t, ok, raw)
		assert.Equal(t, want, got)
	}
	_, ok := parseSignal("ACCUMULATE")
	assert.False(t, ok)
}

func TestRuleVerdictDefaultsToHoldFifty(t *testing.T) {
	st := models.NewAnalysisState("AAPL", "2025-06-02", consts.MarketUS)
	v := ruleVerdict(st)

	assert.Equal(t, models.SignalHold, v.Signal)
	assert.Equal(t, 50.0, v.Confidence)
	assert.Equal(t, models.RiskCaution, v.RiskAssessment.Verdict)
	assert.NotEmpty(t, v.Reasoning)
	require.NoError(t, v.Validate())
}

func TestRuleVerdictReadsProposalMarker(t *testing.T) {
	st := models.NewAnalysisState("AAPL", "2025-06-02", consts.MarketUS)
	st.FinalTradeDecision = "Strong setup with defined risk.\n\nFINAL TRANSACTION PROPOSAL: **BUY**"
	st.RiskDebateState.JudgeDecision = "Verdict: APPROVED. Position size capped at 3%."

	v := ruleVerdict(st)
	assert.Equal(t, models.SignalBuy, v.Signal)
	assert.Equal(t, models.RiskApproved, v.RiskAssessment.Verdict)
	assert.Contains(t, v.Reasoning, "Strong setup")
}

func TestRuleVerdictSellAndRejected(t *testing.T) {
	st := models.NewAnalysisState("AAPL", "2025-06-02", consts.MarketUS)
	st.FinalTradeDecision = "FINAL TRANSACTION PROPOSAL: **SELL**"
	st.RiskDebateState.JudgeDecision = "Verdict: REJECTED"

	v := ruleVerdict(st)
	assert.Equal(t, models.SignalSell, v.Signal)
	assert.Equal(t, models.RiskRejected, v.RiskAssessment.Verdict)
}

func TestExtractProposal(t *testing.T) {
	assert.Equal(t, "BUY", extractProposal("... FINAL TRANSACTION PROPOSAL: **BUY**"))
	assert.Equal(t, "HOLD", extractProposal("final transaction proposal: **hold**"))
	assert.Equal(t, "", extractProposal("no marker here"))
	// The last marker wins when the text quotes an earlier one.
	assert.Equal(t, "SELL",
		extractProposal("FINAL TRANSACTION PROPOSAL: **BUY** was revised.\nFINAL TRANSACTION PROPOSAL: **SELL**"))
}

func TestParsePrice(t *testing.T) {
	assert.Equal(t, 210.5, parsePrice("$210.50"))
	assert.Equal(t, 1250.0, parsePrice("1,250"))
	assert.Equal(t, 180.0, parsePrice("$180 - $185"))
	assert.Equal(t, 0.0, parsePrice("around the highs"))
	assert.Equal(t, 0.0, parsePrice(""))
}

func TestDegradationNote(t *testing.T) {
	st := models.NewAnalysisState("AAPL", "2025-06-02", consts.MarketUS)
	st.RecommendedAnalysts = []consts.AnalystKind{consts.AnalystMarket, consts.AnalystNews}
	assert.Empty(t, degradationNote(st))

	st.AnalystErrors[consts.AnalystNews] = "timeout"
	assert.Contains(t, degradationNote(st), "news")

	st.AnalystErrors[consts.AnalystMarket] = "timeout"
	assert.Contains(t, degradationNote(st), "All analyst branches degraded")
}
