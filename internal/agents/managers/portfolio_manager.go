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

const portfolioFallback = "FINAL TRANSACTION PROPOSAL: **HOLD**\n\n" +
	"No complete risk-adjusted assessment was available, so the portfolio decision defaults to holding the current position."

// PortfolioManagerNode issues the final trade decision from the trader plan
// and the risk judge's assessment. Its output always carries the FINAL
// TRANSACTION PROPOSAL marker the synthesizer keys on.
func PortfolioManagerNode(deps *agents.Deps) func(ctx context.Context, st *models.AnalysisState) (*models.StatePatch, error) {
	return func(ctx context.Context, st *models.AnalysisState) (*models.StatePatch, error) {
		if st.RiskDebateState == nil {
			return nil, fmt.Errorf("%w: missing risk debate state", models.ErrInvalidState)
		}

		tpl, err := utils.LoadPromptWithContext("managers/portfolio_manager", map[string]string{
			"Ticker":         st.Symbol,
			"TradeDate":      st.TradeDate,
			"InvestmentPlan": st.InvestmentPlan,
			"TraderPlan":     st.TraderInvestmentPlan,
			"RiskDecision":   st.RiskDebateState.JudgeDecision,
			"RiskHistory":    st.RiskDebateState.History,
		})
		if err != nil {
			return nil, err
		}

		decision, degraded := deps.GenerateOr(ctx, llm.RoleDeepThink,
			[]*schema.Message{schema.UserMessage(tpl)}, portfolioFallback)

		msg := schema.AssistantMessage(decision, nil)
		msg.Name = consts.PortfolioManager
		return &models.StatePatch{
			Messages:           []*schema.Message{msg},
			FinalTradeDecision: models.String(decision),
			Degraded:           degraded,
		}, nil
	}
}
