package risk_mgmt

import (
	"context"

	"github.com/dyike/CortexFlow/consts"
	"github.com/dyike/CortexFlow/internal/agents"
	"github.com/dyike/CortexFlow/internal/models"
)

// RiskyAnalystNode argues for aggressive, high-reward positioning.
func RiskyAnalystNode(deps *agents.Deps) func(ctx context.Context, st *models.AnalysisState) (*models.StatePatch, error) {
	return newDebaterNode(deps, debaterSpec{
		node:     consts.RiskyAnalyst,
		speaker:  consts.SpeakerRisky,
		prompt:   "risk/risky_analyst",
		fallback: "No aggressive case could be made this turn.",
	})
}
