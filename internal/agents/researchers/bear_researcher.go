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

const bearFallback = "I could not complete a bear analysis this turn; no additional bear arguments are offered."

// BearResearcherNode argues the short case, mirroring the bull researcher.
func BearResearcherNode(deps *agents.Deps) func(ctx context.Context, st *models.AnalysisState) (*models.StatePatch, error) {
	return func(ctx context.Context, st *models.AnalysisState) (*models.StatePatch, error) {
		if st.InvestmentDebateState == nil {
			return nil, fmt.Errorf("%w: missing investment debate state", models.ErrInvalidState)
		}

		tpl, err := utils.LoadPromptWithContext("researchers/bear_researcher", debateContext(st))
		if err != nil {
			return nil, err
		}

		content, degraded := deps.GenerateOr(ctx, llm.RoleQuickThink,
			[]*schema.Message{schema.UserMessage(tpl)}, bearFallback)
		argument := consts.SpeakerBear + " Analyst: " + content

		msg := schema.AssistantMessage(argument, nil)
		msg.Name = consts.BearResearcher
		return &models.StatePatch{
			Messages: []*schema.Message{msg},
			InvestmentDebate: &models.InvestDebateDelta{
				AppendBear:      argument,
				AppendHistory:   argument,
				CurrentResponse: models.String(argument),
				IncrementCount:  1,
			},
			Degraded: degraded,
		}, nil
	}
}
