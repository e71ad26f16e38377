package risk_mgmt

import (
	"context"

	"github.com/dyike/CortexFlow/consts"
	"github.com/dyike/CortexFlow/internal/agents"
	"github.com/dyike/CortexFlow/internal/models"
)

// NeutralAnalystNode weighs both extremes and argues the balanced view.
func NeutralAnalystNode(deps *agents.Deps) func(ctx context.Context, st *models.AnalysisState) (*models.StatePatch, error) {
	return newDebaterNode(deps, debaterSpec{
		node:     consts.NeutralAnalyst,
		speaker:  consts.SpeakerNeutral,
		prompt:   "risk/neutral_analyst",
		fallback: "No balanced assessment could be made this turn.",
	})
}
