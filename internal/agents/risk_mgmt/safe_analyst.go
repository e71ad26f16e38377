package risk_mgmt

import (
	"context"

	"github.com/dyike/CortexFlow/consts"
	"github.com/dyike/CortexFlow/internal/agents"
	"github.com/dyike/CortexFlow/internal/models"
)

// SafeAnalystNode argues for capital preservation and downside control.
func SafeAnalystNode(deps *agents.Deps) func(ctx context.Context, st *models.AnalysisState) (*models.StatePatch, error) {
	return newDebaterNode(deps, debaterSpec{
		node:     consts.SafeAnalyst,
		speaker:  consts.SpeakerSafe,
		prompt:   "risk/safe_analyst",
		fallback: "No conservative case could be made this turn.",
	})
}
