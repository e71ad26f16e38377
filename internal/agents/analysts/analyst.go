// Package analysts implements the fan-out analyst branches. Every branch is
// the same three-node loop: an agent node that may request tools, a tools
// node that executes the calls, and a cleanup node that prunes the thread.
package analysts

import (
	"context"
	"fmt"
	"time"

	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/schema"

	"github.com/dyike/CortexFlow/consts"
	"github.com/dyike/CortexFlow/internal/agents"
	"github.com/dyike/CortexFlow/internal/llm"
	"github.com/dyike/CortexFlow/internal/models"
	"github.com/dyike/CortexFlow/internal/utils"
)

// keepMessages is how much of an analyst thread survives cleanup.
const keepMessages = 3

const systemTpl = `You are a helpful AI assistant, collaborating with other assistants on a stock research team.
Use the provided tools to progress towards answering the question.
If you are unable to fully answer, that's OK; another assistant with different tools
will help where you left off. Execute what you can to make progress.
Write your final answer as a detailed markdown report and end it with a summary table of key points.

{system_message}

For your reference, the current date is {current_date}. The trade date under analysis is {trade_date}.
The company we want to look at is {ticker}, listed on the {market} market.`

// Branch holds one analyst kind's node functions.
type Branch struct {
	Kind consts.AnalystKind
	deps *agents.Deps
	node string
}

func New(kind consts.AnalystKind, deps *agents.Deps) *Branch {
	return &Branch{Kind: kind, deps: deps, node: consts.AnalystNode[kind]}
}

// AgentNode runs one model turn. The first turn seeds the thread with the
// analyst's prompt; later turns continue from the stored thread. When the
// model answers without tool calls the content becomes the analyst report.
func (b *Branch) AgentNode() func(ctx context.Context, st *models.AnalysisState) (*models.StatePatch, error) {
	return func(ctx context.Context, st *models.AnalysisState) (*models.StatePatch, error) {
		thread := st.MessagesFor(b.node)

		var seed []*schema.Message
		if len(thread) == 0 {
			var err error
			seed, err = b.seedMessages(ctx, st)
			if err != nil {
				return nil, err
			}
			thread = seed
		}

		cm, err := b.deps.Registry.Resolve(ctx, llm.RoleQuickThink)
		if err != nil {
			return nil, err
		}
		infos, err := b.deps.Toolkit.InfosForAnalyst(ctx, b.Kind)
		if err != nil {
			return nil, err
		}
		bound, err := cm.WithTools(infos)
		if err != nil {
			return nil, fmt.Errorf("bind tools: %w", err)
		}

		out, err := bound.Generate(ctx, thread)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", b.node, err)
		}
		out.Name = b.node

		patch := &models.StatePatch{Messages: append(seed, out)}
		if len(out.ToolCalls) == 0 {
			if out.Content == "" {
				return nil, fmt.Errorf("%s: empty analyst response", b.node)
			}
			patch.AnalystReports = map[consts.AnalystKind]string{b.Kind: out.Content}
			patch.AnalystCompleted = []consts.AnalystKind{b.Kind}
		}
		return patch, nil
	}
}

func (b *Branch) seedMessages(ctx context.Context, st *models.AnalysisState) ([]*schema.Message, error) {
	systemPrompt, err := utils.LoadPrompt("analysts/" + string(b.Kind))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrInvalidState, err)
	}
	tpl := prompt.FromMessages(schema.FString,
		schema.SystemMessage(systemTpl),
		schema.UserMessage("Analyze {ticker} for trade date {trade_date}. Produce your report."),
	)
	msgs, err := tpl.Format(ctx, map[string]any{
		"system_message": systemPrompt,
		"current_date":   time.Now().Format("2006-01-02"),
		"trade_date":     st.TradeDate,
		"ticker":         st.Symbol,
		"market":         string(st.Market),
	})
	if err != nil {
		return nil, fmt.Errorf("format prompt: %w", err)
	}
	for _, m := range msgs {
		m.Name = b.node
	}
	return msgs, nil
}

// ToolsNode executes every tool call from the last assistant turn. Tool
// failures come back as readable text so the loop keeps moving.
func (b *Branch) ToolsNode() func(ctx context.Context, st *models.AnalysisState) (*models.StatePatch, error) {
	return func(ctx context.Context, st *models.AnalysisState) (*models.StatePatch, error) {
		last := st.LastMessageFor(b.node)
		if last == nil || len(last.ToolCalls) == 0 {
			return nil, fmt.Errorf("%w: %s has no pending tool calls", models.ErrInvalidState, b.node)
		}
		var out []*schema.Message
		for _, tc := range last.ToolCalls {
			result := b.deps.Toolkit.Invoke(ctx, tc.Function.Name, tc.Function.Arguments)
			msg := schema.ToolMessage(result, tc.ID)
			msg.Name = b.node
			out = append(out, msg)
		}
		return &models.StatePatch{Messages: out}, nil
	}
}

// ClearNode prunes the branch thread down to its tail once the report is in.
func (b *Branch) ClearNode() func(ctx context.Context, st *models.AnalysisState) (*models.StatePatch, error) {
	return func(ctx context.Context, st *models.AnalysisState) (*models.StatePatch, error) {
		return &models.StatePatch{
			PruneMessagesFor: b.node,
			PruneKeep:        keepMessages,
		}, nil
	}
}

// Fallback converts an exhausted branch failure into the degradation stub:
// the report slot is filled with placeholder text, the error is recorded,
// and the branch still counts as completed so the join is not starved.
func (b *Branch) Fallback(err error) *models.StatePatch {
	stub := consts.FallbackReport[b.Kind]
	msg := schema.AssistantMessage(stub, nil)
	msg.Name = b.node

	reason := "unknown failure"
	if err != nil {
		reason = err.Error()
	}
	return &models.StatePatch{
		Messages:         []*schema.Message{msg},
		AnalystReports:   map[consts.AnalystKind]string{b.Kind: stub},
		AnalystErrors:    map[consts.AnalystKind]string{b.Kind: reason},
		AnalystCompleted: []consts.AnalystKind{b.Kind},
	}
}
