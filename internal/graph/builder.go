package graph

import (
	"context"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/schema"

	"github.com/dyike/CortexFlow/consts"
	"github.com/dyike/CortexFlow/internal/agents"
	"github.com/dyike/CortexFlow/internal/agents/analysts"
	"github.com/dyike/CortexFlow/internal/agents/managers"
	"github.com/dyike/CortexFlow/internal/agents/researchers"
	"github.com/dyike/CortexFlow/internal/agents/risk_mgmt"
	"github.com/dyike/CortexFlow/internal/agents/trader"
	"github.com/dyike/CortexFlow/internal/models"
)

// PipelineOptions selects the depth profile and roster policy for one
// session.
type PipelineOptions struct {
	Level           models.AnalysisLevel
	UsePlanner      bool
	ExcludeAnalysts []consts.AnalystKind
	MaxDebateRounds int
	MaxRiskRounds   int
}

// Stage is one serial step of the pipeline. The graph is built against the
// state at stage entry, so the analyst fan-out can depend on the planner's
// roster.
type Stage struct {
	Name  string
	Build func(st *models.AnalysisState) (*Runner, error)
}

// Pipeline is the compiled sequence of stages for one session.
type Pipeline struct {
	Stages []Stage
}

// Run drives the stages in order against one Execution. onStage is called
// at every stage boundary.
func (p *Pipeline) Run(ctx context.Context, exec *Execution, onStage func(stage string, completed bool)) error {
	if onStage == nil {
		onStage = func(string, bool) {}
	}
	for _, stage := range p.Stages {
		if err := ctx.Err(); err != nil {
			return err
		}
		onStage(stage.Name, false)
		runner, err := stage.Build(exec.Snapshot())
		if err != nil {
			return fmt.Errorf("build stage %s: %w", stage.Name, err)
		}
		if err := runner.Run(ctx, exec); err != nil {
			return fmt.Errorf("stage %s: %w", stage.Name, err)
		}
		onStage(stage.Name, true)
	}
	return nil
}

// Builder assembles session pipelines from the agent roster.
type Builder struct {
	deps    *agents.Deps
	monitor *Monitor
}

func NewBuilder(deps *agents.Deps, monitor *Monitor) *Builder {
	return &Builder{deps: deps, monitor: monitor}
}

// Pipeline returns the staged pipeline for the requested depth profile.
// L1 is planning, analysts, portfolio; L2 adds the debate, trading, and
// risk stages in between.
func (b *Builder) Pipeline(opts PipelineOptions) *Pipeline {
	stages := []Stage{
		{Name: consts.StagePlanning, Build: func(st *models.AnalysisState) (*Runner, error) {
			return b.buildPlanningGraph(opts)
		}},
		{Name: consts.StageAnalyst, Build: func(st *models.AnalysisState) (*Runner, error) {
			return b.buildAnalystGraph(st.RecommendedAnalysts)
		}},
	}
	if opts.Level != models.LevelQuickScan {
		stages = append(stages,
			Stage{Name: consts.StageDebate, Build: func(st *models.AnalysisState) (*Runner, error) {
				return b.buildDebateGraph(opts.MaxDebateRounds)
			}},
			Stage{Name: consts.StageTrading, Build: func(st *models.AnalysisState) (*Runner, error) {
				return b.buildTradingGraph()
			}},
			Stage{Name: consts.StageRisk, Build: func(st *models.AnalysisState) (*Runner, error) {
				return b.buildRiskGraph(opts.MaxRiskRounds)
			}},
		)
	}
	stages = append(stages, Stage{Name: consts.StagePortfolio, Build: func(st *models.AnalysisState) (*Runner, error) {
		return b.buildPortfolioGraph()
	}})
	return &Pipeline{Stages: stages}
}

func (b *Builder) buildPlanningGraph(opts PipelineOptions) (*Runner, error) {
	g := New("planning")
	if err := g.AddNode(consts.Planner, b.plannerFn(opts)); err != nil {
		return nil, err
	}
	_ = g.AddEdge(START, consts.Planner)
	_ = g.AddEdge(consts.Planner, END)
	return g.Compile()
}

// plannerFn picks the roster source: the quick-scan set for L1, the LLM
// planner for L2 when requested, the market profile otherwise. Exclusions
// apply in every mode.
func (b *Builder) plannerFn(opts PipelineOptions) NodeFunc {
	var inner NodeFunc
	switch {
	case opts.Level == models.LevelQuickScan:
		inner = staticRosterNode(func(st *models.AnalysisState) []consts.AnalystKind {
			return consts.QuickScanAnalysts
		})
	case opts.UsePlanner:
		inner = agents.PlannerNode(b.deps)
	default:
		inner = staticRosterNode(func(st *models.AnalysisState) []consts.AnalystKind {
			if len(st.RecommendedAnalysts) > 0 {
				return st.RecommendedAnalysts
			}
			return consts.MarketProfile[st.Market]
		})
	}

	excluded := map[consts.AnalystKind]bool{}
	for _, k := range opts.ExcludeAnalysts {
		excluded[k] = true
	}
	return func(ctx context.Context, st *models.AnalysisState) (*models.StatePatch, error) {
		patch, err := inner(ctx, st)
		if err != nil {
			return nil, err
		}
		if len(excluded) > 0 && patch != nil {
			kept := patch.RecommendedAnalysts[:0]
			for _, k := range patch.RecommendedAnalysts {
				if !excluded[k] {
					kept = append(kept, k)
				}
			}
			patch.RecommendedAnalysts = kept
		}
		if patch == nil || len(patch.RecommendedAnalysts) == 0 {
			return nil, fmt.Errorf("%w: no analysts selected", ErrInvalidState)
		}
		return patch, nil
	}
}

func staticRosterNode(pick func(st *models.AnalysisState) []consts.AnalystKind) NodeFunc {
	return func(ctx context.Context, st *models.AnalysisState) (*models.StatePatch, error) {
		return &models.StatePatch{
			RecommendedAnalysts:  pick(st),
			ResetAnalystTracking: true,
		}, nil
	}
}

// buildAnalystGraph wires the fan-out: router to every selected analyst in
// parallel, each analyst looping through its tools node until it stops
// requesting calls, then through cleanup into the sync join.
func (b *Builder) buildAnalystGraph(kinds []consts.AnalystKind) (*Runner, error) {
	if len(kinds) == 0 {
		return nil, fmt.Errorf("%w: analyst stage requires a roster", ErrInvalidState)
	}
	g := New("analyst")

	if err := g.AddNode(consts.AnalystRouter, routerNode()); err != nil {
		return nil, err
	}
	if err := g.AddNode(consts.AnalystSync, syncNode(kinds)); err != nil {
		return nil, err
	}
	_ = g.AddEdge(START, consts.AnalystRouter)
	_ = g.AddEdge(consts.AnalystSync, END)

	for _, kind := range kinds {
		branch := analysts.New(kind, b.deps)
		node := consts.AnalystNode[kind]
		toolsNode := consts.ToolNode(node)
		clearNode := consts.ClearNode(node)

		agentFn := Resilient(branch.AgentNode(), ResilientOpts{
			Name:       node,
			Timeout:    b.deps.Cfg.AnalystTimeout(kind),
			MaxRetries: b.deps.Cfg.NodeMaxRetries,
			RetryDelay: b.deps.Cfg.RetryDelay,
			Fallback:   branch.Fallback,
			Log:        b.deps.Log,
			Monitor:    b.monitor,
		})
		if err := g.AddNode(node, agentFn); err != nil {
			return nil, err
		}
		if err := g.AddNode(toolsNode, branch.ToolsNode()); err != nil {
			return nil, err
		}
		if err := g.AddNode(clearNode, branch.ClearNode()); err != nil {
			return nil, err
		}

		_ = g.AddEdge(consts.AnalystRouter, node)
		if err := g.AddBranch(node, AnalystRoute(node), map[string]bool{
			toolsNode: true,
			clearNode: true,
		}); err != nil {
			return nil, err
		}
		// The loop re-entry is a conditional edge so the analyst node is
		// not mistaken for a fan-in join.
		if err := g.AddBranch(toolsNode, func(*models.AnalysisState) string { return node },
			map[string]bool{node: true}); err != nil {
			return nil, err
		}
		_ = g.AddEdge(clearNode, consts.AnalystSync)
	}
	return g.Compile()
}

// routerNode seeds the per-analyst tracking maps before the fan-out.
func routerNode() NodeFunc {
	return func(ctx context.Context, st *models.AnalysisState) (*models.StatePatch, error) {
		return &models.StatePatch{ResetAnalystTracking: true}, nil
	}
}

// syncNode checks that every requested branch produced a report or a stub
// and appends the stage summary message.
func syncNode(kinds []consts.AnalystKind) NodeFunc {
	return func(ctx context.Context, st *models.AnalysisState) (*models.StatePatch, error) {
		var notes []string
		for _, k := range kinds {
			if _, ok := st.AnalystReports[k]; !ok {
				if _, errored := st.AnalystErrors[k]; !errored {
					return nil, fmt.Errorf("%w: analyst %s produced neither report nor error", ErrInvalidState, k)
				}
			}
			if reason, ok := st.AnalystErrors[k]; ok {
				notes = append(notes, fmt.Sprintf("%s degraded: %s", consts.AnalystRole[k], reason))
			}
		}
		summary := "All analysts completed."
		if len(notes) > 0 {
			summary += "\n" + strings.Join(notes, "\n")
		}
		msg := schema.AssistantMessage(summary, nil)
		msg.Name = consts.AnalystSync
		return &models.StatePatch{Messages: []*schema.Message{msg}}, nil
	}
}

func (b *Builder) buildDebateGraph(maxRounds int) (*Runner, error) {
	if maxRounds <= 0 {
		maxRounds = 1
	}
	g := New("debate")
	if err := g.AddNode(consts.BullResearcher, researchers.BullResearcherNode(b.deps)); err != nil {
		return nil, err
	}
	if err := g.AddNode(consts.BearResearcher, researchers.BearResearcherNode(b.deps)); err != nil {
		return nil, err
	}
	if err := g.AddNode(consts.ResearchManager, managers.ResearchManagerNode(b.deps)); err != nil {
		return nil, err
	}

	targets := map[string]bool{
		consts.BullResearcher:  true,
		consts.BearResearcher:  true,
		consts.ResearchManager: true,
	}
	_ = g.AddEdge(START, consts.BullResearcher)
	if err := g.AddBranch(consts.BullResearcher, DebateRoute(maxRounds), targets); err != nil {
		return nil, err
	}
	if err := g.AddBranch(consts.BearResearcher, DebateRoute(maxRounds), targets); err != nil {
		return nil, err
	}
	_ = g.AddEdge(consts.ResearchManager, END)
	return g.Compile()
}

func (b *Builder) buildTradingGraph() (*Runner, error) {
	g := New("trading")
	if err := g.AddNode(consts.Trader, trader.TraderNode(b.deps)); err != nil {
		return nil, err
	}
	_ = g.AddEdge(START, consts.Trader)
	_ = g.AddEdge(consts.Trader, END)
	return g.Compile()
}

func (b *Builder) buildRiskGraph(maxRounds int) (*Runner, error) {
	if maxRounds <= 0 {
		maxRounds = 1
	}
	g := New("risk")
	if err := g.AddNode(consts.RiskyAnalyst, risk_mgmt.RiskyAnalystNode(b.deps)); err != nil {
		return nil, err
	}
	if err := g.AddNode(consts.SafeAnalyst, risk_mgmt.SafeAnalystNode(b.deps)); err != nil {
		return nil, err
	}
	if err := g.AddNode(consts.NeutralAnalyst, risk_mgmt.NeutralAnalystNode(b.deps)); err != nil {
		return nil, err
	}
	if err := g.AddNode(consts.RiskJudge, risk_mgmt.RiskJudgeNode(b.deps)); err != nil {
		return nil, err
	}

	targets := map[string]bool{
		consts.RiskyAnalyst:   true,
		consts.SafeAnalyst:    true,
		consts.NeutralAnalyst: true,
		consts.RiskJudge:      true,
	}
	_ = g.AddEdge(START, consts.RiskyAnalyst)
	for _, seat := range []string{consts.RiskyAnalyst, consts.SafeAnalyst, consts.NeutralAnalyst} {
		if err := g.AddBranch(seat, RiskRoute(maxRounds), targets); err != nil {
			return nil, err
		}
	}
	_ = g.AddEdge(consts.RiskJudge, END)
	return g.Compile()
}

func (b *Builder) buildPortfolioGraph() (*Runner, error) {
	g := New("portfolio")
	if err := g.AddNode(consts.PortfolioManager, managers.PortfolioManagerNode(b.deps)); err != nil {
		return nil, err
	}
	_ = g.AddEdge(START, consts.PortfolioManager)
	_ = g.AddEdge(consts.PortfolioManager, END)
	return g.Compile()
}
