// Package researchers implements the bull/bear investment debate.
package researchers

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino/schema"

	"github.com/dyike/CortexFlow/consts"
	"github.com/dyike/CortexFlow/internal/agents"
	"github.com/dyike/CortexFlow/internal/llm"
	"github.com/dyike/CortexFlow/internal/models"
	"github.com/dyike/CortexFlow/internal/utils"
)

const bullFallback = "I could not complete a bull analysis this turn; no additional bull arguments are offered."

// BullResearcherNode argues the long case from the analyst reports and the
// debate so far. Each turn appends one labeled argument and advances the
// turn counter, so the debate terminates even when the model is down.
func BullResearcherNode(deps *agents.Deps) func(ctx context.Context, st *models.AnalysisState) (*models.StatePatch, error) {
	return func(ctx context.Context, st *models.AnalysisState) (*models.StatePatch, error) {
		if st.InvestmentDebateState == nil {
			return nil, fmt.Errorf("%w: missing investment debate state", models.ErrInvalidState)
		}

		tpl, err := utils.LoadPromptWithContext("researchers/bull_researcher", debateContext(st))
		if err != nil {
			return nil, err
		}

		content, degraded := deps.GenerateOr(ctx, llm.RoleQuickThink,
			[]*schema.Message{schema.UserMessage(tpl)}, bullFallback)
		argument := consts.SpeakerBull + " Analyst: " + content

		msg := schema.AssistantMessage(argument, nil)
		msg.Name = consts.BullResearcher
		return &models.StatePatch{
			Messages: []*schema.Message{msg},
			InvestmentDebate: &models.InvestDebateDelta{
				AppendBull:      argument,
				AppendHistory:   argument,
				CurrentResponse: models.String(argument),
				IncrementCount:  1,
			},
			Degraded: degraded,
		}, nil
	}
}

// debateContext renders the shared prompt variables both researchers use.
func debateContext(st *models.AnalysisState) map[string]string {
	ds := st.InvestmentDebateState
	return map[string]string{
		"Ticker":             st.Symbol,
		"TradeDate":          st.TradeDate,
		"MarketReport":       st.MarketReport,
		"SocialReport":       st.SocialReport,
		"NewsReport":         st.NewsReport,
		"FundamentalsReport": st.FundamentalsReport,
		"SentimentReport":    st.SentimentReport,
		"PolicyReport":       st.PolicyReport,
		"FundFlowReport":     st.FundFlowReport,
		"MacroReport":        st.MacroReport,
		"History":            ds.History,
		"CurrentResponse":    ds.CurrentResponse,
	}
}
