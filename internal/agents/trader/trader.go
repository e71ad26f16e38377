// Package trader implements the agent that turns the investment plan into
// a concrete trade proposal.
package trader

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

const traderFallback = "FINAL TRANSACTION PROPOSAL: **HOLD**\n\n" +
	"No investment plan could be converted into a trade this session; the default proposal is to hold."

// TraderNode drafts the trade proposal the risk team then debates.
func TraderNode(deps *agents.Deps) func(ctx context.Context, st *models.AnalysisState) (*models.StatePatch, error) {
	return func(ctx context.Context, st *models.AnalysisState) (*models.StatePatch, error) {
		if st.InvestmentPlan == "" {
			return nil, fmt.Errorf("%w: trader requires an investment plan", models.ErrInvalidState)
		}

		tpl, err := utils.LoadPromptWithContext("trader", map[string]string{
			"Ticker":         st.Symbol,
			"TradeDate":      st.TradeDate,
			"InvestmentPlan": st.InvestmentPlan,
			"MarketReport":   st.MarketReport,
			"Reflection":     st.HistoricalReflection,
		})
		if err != nil {
			return nil, err
		}

		plan, degraded := deps.GenerateOr(ctx, llm.RoleDeepThink,
			[]*schema.Message{schema.UserMessage(tpl)}, traderFallback)

		msg := schema.AssistantMessage(plan, nil)
		msg.Name = consts.Trader
		return &models.StatePatch{
			Messages:             []*schema.Message{msg},
			TraderInvestmentPlan: models.String(plan),
			Degraded:             degraded,
		}, nil
	}
}
