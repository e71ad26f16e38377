package graph

import (
	"strings"

	"github.com/dyike/CortexFlow/consts"
	"github.com/dyike/CortexFlow/internal/models"
)

// AnalystRoute routes an analyst node's output: pending tool calls loop
// through the tools node, otherwise the branch proceeds to message cleanup.
func AnalystRoute(analystNode string) Predicate {
	return func(st *models.AnalysisState) string {
		last := st.LastMessageFor(analystNode)
		if last != nil && len(last.ToolCalls) > 0 {
			return consts.ToolNode(analystNode)
		}
		return consts.ClearNode(analystNode)
	}
}

// DebateRoute alternates bull and bear until both sides have spoken
// maxRounds times, then hands the transcript to the research manager.
// Each researcher turn increments Count once, so the budget is 2*maxRounds.
func DebateRoute(maxRounds int) Predicate {
	return func(st *models.AnalysisState) string {
		ds := st.InvestmentDebateState
		if ds.Count >= 2*maxRounds {
			return consts.ResearchManager
		}
		if strings.HasPrefix(ds.CurrentResponse, consts.SpeakerBull) {
			return consts.BearResearcher
		}
		return consts.BullResearcher
	}
}

// RiskRoute rotates Risky -> Safe -> Neutral until every debater has spoken
// maxRounds times, then routes to the judge.
func RiskRoute(maxRounds int) Predicate {
	return func(st *models.AnalysisState) string {
		ds := st.RiskDebateState
		if ds.Count >= 3*maxRounds {
			return consts.RiskJudge
		}
		switch ds.LatestSpeaker {
		case consts.SpeakerRisky:
			return consts.SafeAnalyst
		case consts.SpeakerSafe:
			return consts.NeutralAnalyst
		default:
			return consts.RiskyAnalyst
		}
	}
}
