// Package risk_mgmt implements the three-way risk discussion and its judge.
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

// debaterSpec describes one seat at the risk table.
type debaterSpec struct {
	node     string
	speaker  string
	prompt   string
	fallback string
}

// newDebaterNode builds a risk debater: one labeled argument per turn, the
// speaker pointer advanced so the rotation predicate can pick the next seat.
func newDebaterNode(deps *agents.Deps, spec debaterSpec) func(ctx context.Context, st *models.AnalysisState) (*models.StatePatch, error) {
	return func(ctx context.Context, st *models.AnalysisState) (*models.StatePatch, error) {
		if st.RiskDebateState == nil {
			return nil, fmt.Errorf("%w: missing risk debate state", models.ErrInvalidState)
		}

		tpl, err := utils.LoadPromptWithContext(spec.prompt, riskContext(st))
		if err != nil {
			return nil, err
		}

		content, degraded := deps.GenerateOr(ctx, llm.RoleQuickThink,
			[]*schema.Message{schema.UserMessage(tpl)}, spec.fallback)
		argument := spec.speaker + " Analyst: " + content

		msg := schema.AssistantMessage(argument, nil)
		msg.Name = spec.node

		delta := &models.RiskDebateDelta{
			AppendHistory:  argument,
			LatestSpeaker:  models.String(spec.speaker),
			IncrementCount: 1,
		}
		switch spec.speaker {
		case consts.SpeakerRisky:
			delta.AppendRisky = argument
			delta.CurrentRisky = models.String(argument)
		case consts.SpeakerSafe:
			delta.AppendSafe = argument
			delta.CurrentSafe = models.String(argument)
		case consts.SpeakerNeutral:
			delta.AppendNeutral = argument
			delta.CurrentNeutral = models.String(argument)
		}

		return &models.StatePatch{
			Messages:   []*schema.Message{msg},
			RiskDebate: delta,
			Degraded:   degraded,
		}, nil
	}
}

func riskContext(st *models.AnalysisState) map[string]string {
	ds := st.RiskDebateState
	return map[string]string{
		"Ticker":          st.Symbol,
		"TradeDate":       st.TradeDate,
		"TraderPlan":      st.TraderInvestmentPlan,
		"MarketReport":    st.MarketReport,
		"NewsReport":      st.NewsReport,
		"SentimentReport": st.SentimentReport,
		"History":         ds.History,
		"CurrentRisky":    ds.CurrentRiskyResponse,
		"CurrentSafe":     ds.CurrentSafeResponse,
		"CurrentNeutral":  ds.CurrentNeutralResponse,
	}
}
