package models

import (
	"testing"

	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyike/CortexFlow/consts"
)

func TestApplyAnalystReportUpdatesMirror(t *testing.T) {
	st := NewAnalysisState("AAPL", "2025-06-02", consts.MarketUS)

	st.Apply(&StatePatch{
		AnalystReports: map[consts.AnalystKind]string{
			consts.AnalystMarket: "trend up",
		},
		AnalystCompleted: []consts.AnalystKind{consts.AnalystMarket},
	})

	assert.Equal(t, "trend up", st.AnalystReports[consts.AnalystMarket])
	assert.Equal(t, "trend up", st.MarketReport)
	assert.True(t, st.AnalystCompleted[consts.AnalystMarket])
}

func TestApplySocialReportMirrorsRetailSentiment(t *testing.T) {
	st := NewAnalysisState("AAPL", "2025-06-02", consts.MarketUS)
	st.Apply(&StatePatch{
		AnalystReports: map[consts.AnalystKind]string{consts.AnalystSocial: "bullish chatter"},
	})
	assert.Equal(t, "bullish chatter", st.SocialReport)
	assert.Equal(t, "bullish chatter", st.RetailSentimentReport)
}

func TestDisjointAnalystPatchesCommute(t *testing.T) {
	p1 := &StatePatch{
		AnalystReports:   map[consts.AnalystKind]string{consts.AnalystMarket: "market"},
		AnalystCompleted: []consts.AnalystKind{consts.AnalystMarket},
	}
	p2 := &StatePatch{
		AnalystReports:   map[consts.AnalystKind]string{consts.AnalystNews: "news"},
		AnalystCompleted: []consts.AnalystKind{consts.AnalystNews},
	}

	ab := NewAnalysisState("AAPL", "2025-06-02", consts.MarketUS)
	ab.Apply(p1)
	ab.Apply(p2)

	ba := NewAnalysisState("AAPL", "2025-06-02", consts.MarketUS)
	ba.Apply(p2)
	ba.Apply(p1)

	assert.Equal(t, ab.AnalystReports, ba.AnalystReports)
	assert.Equal(t, ab.AnalystCompleted, ba.AnalystCompleted)
	assert.Equal(t, ab.MarketReport, ba.MarketReport)
	assert.Equal(t, ab.NewsReport, ba.NewsReport)
}

func TestPruneKeepsNewestMessagesPerAuthor(t *testing.T) {
	st := NewAnalysisState("AAPL", "2025-06-02", consts.MarketUS)
	for i := 0; i < 5; i++ {
		msg := schema.AssistantMessage("turn", nil)
		msg.Name = consts.MarketAnalyst
		st.Apply(&StatePatch{Messages: []*schema.Message{msg}})
	}
	other := schema.AssistantMessage("other", nil)
	other.Name = consts.NewsAnalyst
	st.Apply(&StatePatch{Messages: []*schema.Message{other}})

	st.Apply(&StatePatch{PruneMessagesFor: consts.MarketAnalyst, PruneKeep: 3})

	assert.Len(t, st.MessagesFor(consts.MarketAnalyst), 3)
	assert.Len(t, st.MessagesFor(consts.NewsAnalyst), 1, "other authors untouched")
}

func TestInvestDebateDeltaAppendsAndCounts(t *testing.T) {
	st := NewAnalysisState("AAPL", "2025-06-02", consts.MarketUS)

	st.Apply(&StatePatch{InvestmentDebate: &InvestDebateDelta{
		AppendBull:      "Bull Analyst: upside",
		AppendHistory:   "Bull Analyst: upside",
		CurrentResponse: String("Bull Analyst: upside"),
		IncrementCount:  1,
	}})
	st.Apply(&StatePatch{InvestmentDebate: &InvestDebateDelta{
		AppendBear:      "Bear Analyst: downside",
		AppendHistory:   "Bear Analyst: downside",
		CurrentResponse: String("Bear Analyst: downside"),
		IncrementCount:  1,
	}})

	ds := st.InvestmentDebateState
	assert.Equal(t, 2, ds.Count)
	assert.Equal(t, "Bull Analyst: upside", ds.BullHistory)
	assert.Equal(t, "Bear Analyst: downside", ds.BearHistory)
	assert.Contains(t, ds.History, "upside")
	assert.Contains(t, ds.History, "downside")
	assert.Equal(t, "Bear Analyst: downside", ds.CurrentResponse)
}

func TestRiskDebateDeltaTracksSpeakers(t *testing.T) {
	st := NewAnalysisState("AAPL", "2025-06-02", consts.MarketUS)
	st.Apply(&StatePatch{RiskDebate: &RiskDebateDelta{
		AppendRisky:    "Risky Analyst: go big",
		AppendHistory:  "Risky Analyst: go big",
		CurrentRisky:   String("go big"),
		LatestSpeaker:  String(consts.SpeakerRisky),
		IncrementCount: 1,
	}})

	ds := st.RiskDebateState
	assert.Equal(t, 1, ds.Count)
	assert.Equal(t, consts.SpeakerRisky, ds.LatestSpeaker)
	assert.Equal(t, "go big", ds.CurrentRiskyResponse)
}

func TestResetAnalystTrackingClearsMaps(t *testing.T) {
	st := NewAnalysisState("AAPL", "2025-06-02", consts.MarketUS)
	st.Apply(&StatePatch{
		AnalystErrors:    map[consts.AnalystKind]string{consts.AnalystNews: "timeout"},
		AnalystCompleted: []consts.AnalystKind{consts.AnalystNews},
	})
	st.Apply(&StatePatch{ResetAnalystTracking: true})

	assert.Empty(t, st.AnalystErrors)
	assert.Empty(t, st.AnalystCompleted)
}

func TestSnapshotIsolatesDebateState(t *testing.T) {
	st := NewAnalysisState("AAPL", "2025-06-02", consts.MarketUS)
	snap := st.Snapshot()

	st.Apply(&StatePatch{InvestmentDebate: &InvestDebateDelta{IncrementCount: 1}})
	require.Equal(t, 1, st.InvestmentDebateState.Count)
	assert.Equal(t, 0, snap.InvestmentDebateState.Count, "snapshot must not see later patches")
}

func TestScalarOverwriteSemantics(t *testing.T) {
	st := NewAnalysisState("AAPL", "2025-06-02", consts.MarketUS)
	st.Apply(&StatePatch{InvestmentPlan: String("plan v1")})
	st.Apply(&StatePatch{InvestmentPlan: String("plan v2")})
	assert.Equal(t, "plan v2", st.InvestmentPlan)

	st.Apply(&StatePatch{TraderInvestmentPlan: String("trade")})
	st.Apply(&StatePatch{FinalTradeDecision: String("final")})
	assert.Equal(t, "trade", st.TraderInvestmentPlan)
	assert.Equal(t, "final", st.FinalTradeDecision)
}
