package agents

import (
	"context"
	"strings"

	"github.com/cloudwego/eino/schema"
	"go.uber.org/zap"

	"github.com/dyike/CortexFlow/consts"
	"github.com/dyike/CortexFlow/internal/llm"
	"github.com/dyike/CortexFlow/internal/models"
	"github.com/dyike/CortexFlow/internal/utils"
)

// PlannerNode selects the analyst roster for a deep-dive session. The model
// picks a subset of the market's profile; anything unparseable falls back
// to the full profile, so planning can never fail the session.
func PlannerNode(deps *Deps) func(ctx context.Context, st *models.AnalysisState) (*models.StatePatch, error) {
	return func(ctx context.Context, st *models.AnalysisState) (*models.StatePatch, error) {
		profile := consts.MarketProfile[st.Market]
		if len(profile) == 0 {
			profile = consts.MarketProfile[consts.MarketUS]
		}

		// An explicit roster on the request wins; the planner only resets
		// the per-analyst tracking in that case.
		if len(st.RecommendedAnalysts) > 0 {
			return &models.StatePatch{
				RecommendedAnalysts: st.RecommendedAnalysts,
				ResetAnalystTracking: true,
			}, nil
		}

		selected := profile
		if tpl, err := utils.LoadPromptWithContext("planner", map[string]string{
			"Ticker":    st.Symbol,
			"TradeDate": st.TradeDate,
			"Market":    string(st.Market),
			"Available": joinKinds(profile),
		}); err == nil {
			content, degraded := deps.GenerateOr(ctx, llm.RoleQuickThink,
				[]*schema.Message{schema.UserMessage(tpl)}, "")
			if !degraded {
				if picked := parseKinds(content, profile); len(picked) > 0 {
					selected = picked
				}
			}
		}

		deps.Log.Info("planner selected analysts",
			zap.String("symbol", st.Symbol),
			zap.String("analysts", joinKinds(selected)))
		return &models.StatePatch{
			RecommendedAnalysts:  selected,
			ResetAnalystTracking: true,
		}, nil
	}
}

func joinKinds(kinds []consts.AnalystKind) string {
	parts := make([]string, len(kinds))
	for i, k := range kinds {
		parts[i] = string(k)
	}
	return strings.Join(parts, ", ")
}

// parseKinds extracts valid analyst kinds from free-form model output,
// restricted to the allowed set and deduplicated in allowed order.
func parseKinds(content string, allowed []consts.AnalystKind) []consts.AnalystKind {
	lower := strings.ToLower(content)
	var out []consts.AnalystKind
	for _, k := range allowed {
		if strings.Contains(lower, string(k)) {
			out = append(out, k)
		}
	}
	return out
}
