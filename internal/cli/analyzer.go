package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/dyike/CortexFlow/consts"
	"github.com/dyike/CortexFlow/internal/models"
	"github.com/dyike/CortexFlow/internal/session"
)

var (
	stageStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("63"))
	nodeStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	degradedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	errorStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196"))
	titleStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("86"))
	labelStyle    = lipgloss.NewStyle().Bold(true)

	buyStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("46"))
	sellStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196"))
	holdStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("220"))

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("63")).
			Padding(1, 2)
)

// RunAnalysis starts one session, renders its progress stream, and prints
// the final verdict.
func RunAnalysis(ctx context.Context, runner *session.Runner, hub *session.Hub, opts *AnalyzeOptions) error {
	req := models.StartRequest{
		Symbol:        opts.Symbol,
		TradeDate:     opts.TradeDate,
		Market:        consts.Market(opts.Market),
		AnalysisLevel: models.AnalysisLevel(opts.Level),
		UsePlanner:    &opts.UsePlanner,
	}
	for _, name := range opts.Analysts {
		if k, ok := consts.ParseAnalyst(name); ok {
			req.SelectedAnalysts = append(req.SelectedAnalysts, k)
		}
	}

	ack, err := runner.Start(ctx, req)
	if err != nil {
		return err
	}
	fmt.Println(titleStyle.Render(fmt.Sprintf("Analyzing %s for %s (session %s)",
		ack.Symbol, ack.TradeDate, ack.SessionID[:8])))

	stream, ok := hub.Get(ack.SessionID)
	if !ok {
		return fmt.Errorf("session stream unavailable")
	}
	events, cancel := stream.Subscribe(0)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			runner.Cancel(ack.SessionID)
			return ctx.Err()
		case ev, open := <-events:
			if !open {
				return renderResult(context.Background(), runner, ack.SessionID)
			}
			renderEvent(ev)
			if ev.Kind == models.EventTerminal {
				// drain until close
				for range events {
				}
				return renderResult(context.Background(), runner, ack.SessionID)
			}
		}
	}
}

func renderEvent(ev models.Event) {
	switch ev.Kind {
	case models.EventStageStart:
		fmt.Println(stageStyle.Render("▶ " + strings.ToUpper(ev.Stage) + " stage"))
	case models.EventNodeCompleted:
		fmt.Println(nodeStyle.Render("  ✓ " + ev.Node))
	case models.EventNodeDegraded:
		fmt.Println(degradedStyle.Render("  ⚠ " + ev.Node + " degraded, using stub report"))
	case models.EventError:
		msg := ""
		if ev.Payload != nil {
			msg, _ = ev.Payload["message"].(string)
		}
		fmt.Println(errorStyle.Render("  ✗ session failed: " + msg))
	}
}

func renderResult(ctx context.Context, runner *session.Runner, sessionID string) error {
	res, err := runner.Result(ctx, sessionID)
	if err != nil {
		return err
	}
	if res.Status != models.StatusCompleted || res.Verdict == nil {
		fmt.Println(errorStyle.Render(fmt.Sprintf("Session finished with status %s", res.Status)))
		return nil
	}
	fmt.Println(boxStyle.Render(formatVerdict(res)))
	return nil
}

func formatVerdict(res *models.SessionResult) string {
	v := res.Verdict
	var b strings.Builder

	fmt.Fprintf(&b, "%s  %s\n\n",
		titleStyle.Render(res.Symbol+" · "+res.TradeDate),
		signalStyle(v.Signal).Render(string(v.Signal)))
	fmt.Fprintf(&b, "%s %.0f%%\n", labelStyle.Render("Confidence:"), v.Confidence)
	fmt.Fprintf(&b, "%s %s (score %.1f)\n",
		labelStyle.Render("Risk:"), v.RiskAssessment.Verdict, v.RiskAssessment.Score)
	fmt.Fprintf(&b, "%s %s\n", labelStyle.Render("Debate winner:"), v.BullVsBear.Winner)
	if v.TradeSetup != nil {
		fmt.Fprintf(&b, "%s entry %s, target %.2f, stop %.2f\n",
			labelStyle.Render("Setup:"), v.TradeSetup.EntryZone,
			v.TradeSetup.TargetPrice, v.TradeSetup.StopLoss)
	}
	fmt.Fprintf(&b, "\n%s\n%s\n", labelStyle.Render("Reasoning"), wrap(v.Reasoning, 76))
	if v.Diagnostics != "" {
		fmt.Fprintf(&b, "\n%s\n", degradedStyle.Render(v.Diagnostics))
	}
	return b.String()
}

func signalStyle(s models.Signal) lipgloss.Style {
	switch s {
	case models.SignalStrongBuy, models.SignalBuy:
		return buyStyle
	case models.SignalStrongSell, models.SignalSell:
		return sellStyle
	}
	return holdStyle
}

func wrap(s string, width int) string {
	words := strings.Fields(s)
	var b strings.Builder
	line := 0
	for _, w := range words {
		if line+len(w)+1 > width {
			b.WriteString("\n")
			line = 0
		} else if line > 0 {
			b.WriteString(" ")
			line++
		}
		b.WriteString(w)
		line += len(w)
	}
	return b.String()
}
