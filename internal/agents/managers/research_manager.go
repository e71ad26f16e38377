// Package managers implements the agents that close out a debate stage.
package managers

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

const researchManagerFallback = "Neither side produced a decisive argument. " +
	"Recommendation: HOLD. Without usable debate output the prudent plan is to keep the current position and revisit when analysis is available."

// ResearchManagerNode weighs the bull/bear transcript and issues the
// investment plan handed to the trader.
func ResearchManagerNode(deps *agents.Deps) func(ctx context.Context, st *models.AnalysisState) (*models.StatePatch, error) {
	return func(ctx context.Context, st *models.AnalysisState) (*models.StatePatch, error) {
		if st.InvestmentDebateState == nil {
			return nil, fmt.Errorf("%w: missing investment debate state", models.ErrInvalidState)
		}

		tpl, err := utils.LoadPromptWithContext("managers/research_manager", map[string]string{
			"Ticker":             st.Symbol,
			"TradeDate":          st.TradeDate,
			"History":            st.InvestmentDebateState.History,
			"MarketReport":       st.MarketReport,
			"NewsReport":         st.NewsReport,
			"FundamentalsReport": st.FundamentalsReport,
		})
		if err != nil {
			return nil, err
		}

		decision, degraded := deps.GenerateOr(ctx, llm.RoleDeepThink,
			[]*schema.Message{schema.UserMessage(tpl)}, researchManagerFallback)

		msg := schema.AssistantMessage(decision, nil)
		msg.Name = consts.ResearchManager
		return &models.StatePatch{
			Messages: []*schema.Message{msg},
			InvestmentDebate: &models.InvestDebateDelta{
				JudgeDecision: models.String(decision),
			},
			InvestmentPlan: models.String(decision),
			Degraded:       degraded,
		}, nil
	}
}
