package risk_mgmt

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

const judgeFallback = "Risk assessment unavailable. Verdict: CAUTION. " +
	"The discussion produced no usable arguments, so the trade proposal should only proceed at reduced size, if at all."

// RiskJudgeNode closes the risk discussion with a verdict on the trade plan.
func RiskJudgeNode(deps *agents.Deps) func(ctx context.Context, st *models.AnalysisState) (*models.StatePatch, error) {
	return func(ctx context.Context, st *models.AnalysisState) (*models.StatePatch, error) {
		if st.RiskDebateState == nil {
			return nil, fmt.Errorf("%w: missing risk debate state", models.ErrInvalidState)
		}

		tpl, err := utils.LoadPromptWithContext("risk/risk_judge", map[string]string{
			"Ticker":     st.Symbol,
			"TradeDate":  st.TradeDate,
			"TraderPlan": st.TraderInvestmentPlan,
			"History":    st.RiskDebateState.History,
		})
		if err != nil {
			return nil, err
		}

		decision, degraded := deps.GenerateOr(ctx, llm.RoleDeepThink,
			[]*schema.Message{schema.UserMessage(tpl)}, judgeFallback)

		msg := schema.AssistantMessage(decision, nil)
		msg.Name = consts.RiskJudge

		// The judge's verdict is the risk stage's output; the portfolio
		// manager may still overwrite it with the final word.
		return &models.StatePatch{
			Messages: []*schema.Message{msg},
			RiskDebate: &models.RiskDebateDelta{
				JudgeDecision: models.String(decision),
			},
			FinalTradeDecision: models.String(decision),
			Degraded:           degraded,
		}, nil
	}
}
