package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dyike/CortexFlow/consts"
	"github.com/dyike/CortexFlow/internal/config"
	"github.com/dyike/CortexFlow/internal/graph"
	"github.com/dyike/CortexFlow/internal/models"
	"github.com/dyike/CortexFlow/internal/synthesis"
	"github.com/dyike/CortexFlow/internal/utils"
)

// ErrSessionNotFound is returned when neither a live session nor a stored
// one matches the requested id.
var ErrSessionNotFound = errors.New("session not found")

// Store is the persistence surface the runner needs. The sqlite store
// implements it.
type Store interface {
	SaveSession(ctx context.Context, d *models.SessionDescriptor) error
	GetSession(ctx context.Context, sessionID string) (*models.SessionDescriptor, error)
	SaveResult(ctx context.Context, r *models.SessionResult) error
	GetResult(ctx context.Context, sessionID string) (*models.SessionResult, error)
	ListSessions(ctx context.Context, cursor string, limit int) ([]models.SessionDescriptor, string, error)
	RecentPredictions(ctx context.Context, symbol string, limit int) ([]models.PredictionRecord, error)
}

// StartAck is the accepted-session response.
type StartAck struct {
	SessionID string               `json:"session_id"`
	Symbol    string               `json:"symbol"`
	TradeDate string               `json:"trade_date"`
	Analysts  []consts.AnalystKind `json:"analysts"`

	// Reused marks a request deduplicated onto an already running session
	// with the same task fingerprint.
	Reused bool `json:"reused"`
}

type liveSession struct {
	descriptor  models.SessionDescriptor
	fingerprint string
	cancel      context.CancelFunc
	exec        *graph.Execution
	startedAt   time.Time
}

// Runner owns the session lifecycle: request validation, fingerprint
// deduplication, pipeline execution, event publication, synthesis, and
// persistence. One Runner serves the whole process.
type Runner struct {
	cfg     *config.Config
	builder *graph.Builder
	synth   *synthesis.Synthesizer
	pred    *synthesis.Predictor
	store   Store
	hub     *Hub
	monitor *graph.Monitor
	log     *zap.Logger

	mu   sync.Mutex
	byFP map[string]string
	live map[string]*liveSession
}

func NewRunner(cfg *config.Config, builder *graph.Builder, synth *synthesis.Synthesizer,
	pred *synthesis.Predictor, store Store, hub *Hub, monitor *graph.Monitor, log *zap.Logger) *Runner {
	return &Runner{
		cfg:     cfg,
		builder: builder,
		synth:   synth,
		pred:    pred,
		store:   store,
		hub:     hub,
		monitor: monitor,
		log:     log.Named("session"),
		byFP:    map[string]string{},
		live:    map[string]*liveSession{},
	}
}

// Start validates the request and launches a session, or returns the id of
// the running session with the same fingerprint.
func (r *Runner) Start(ctx context.Context, req models.StartRequest) (*StartAck, error) {
	normalized, err := normalize(req, r.cfg)
	if err != nil {
		return nil, err
	}
	fp := Fingerprint(normalized)
	roster := plannedRoster(normalized)

	sessionID := uuid.NewString()
	descriptor := models.SessionDescriptor{
		SessionID:        sessionID,
		Symbol:           normalized.Symbol,
		TradeDate:        normalized.TradeDate,
		Market:           normalized.Market,
		SelectedAnalysts: roster,
		Status:           models.StatusRunning,
		CreatedAt:        time.Now().UTC(),
		TaskFingerprint:  fp,
	}

	var runCtx context.Context
	var cancel context.CancelFunc
	if r.cfg.SessionDeadline > 0 {
		runCtx, cancel = context.WithTimeout(context.Background(), r.cfg.SessionDeadline)
	} else {
		runCtx, cancel = context.WithCancel(context.Background())
	}
	ls := &liveSession{
		descriptor:  descriptor,
		fingerprint: fp,
		cancel:      cancel,
		startedAt:   time.Now(),
	}

	// The lookup and the reservation share one critical section so two
	// concurrent identical requests cannot both pass the check.
	r.mu.Lock()
	if existing, ok := r.byFP[fp]; ok {
		dup := r.live[existing]
		r.mu.Unlock()
		cancel()
		r.log.Info("request deduplicated onto running session",
			zap.String("session_id", existing), zap.String("fingerprint", fp))
		return &StartAck{
			SessionID: existing,
			Symbol:    dup.descriptor.Symbol,
			TradeDate: dup.descriptor.TradeDate,
			Analysts:  roster,
			Reused:    true,
		}, nil
	}
	r.byFP[fp] = sessionID
	r.live[sessionID] = ls
	r.mu.Unlock()

	if err := r.store.SaveSession(ctx, &descriptor); err != nil {
		r.mu.Lock()
		delete(r.byFP, fp)
		delete(r.live, sessionID)
		r.mu.Unlock()
		cancel()
		return nil, fmt.Errorf("persist session: %w", err)
	}

	stream := r.hub.Create(sessionID)
	r.monitor.SessionStarted()
	r.log.Info("session started",
		zap.String("session_id", sessionID),
		zap.String("symbol", normalized.Symbol),
		zap.String("trade_date", normalized.TradeDate),
		zap.String("level", string(normalized.AnalysisLevel)))

	go r.run(runCtx, ls, normalized, stream)
	return &StartAck{
		SessionID: sessionID,
		Symbol:    normalized.Symbol,
		TradeDate: normalized.TradeDate,
		Analysts:  roster,
	}, nil
}

// Cancel requests cooperative cancellation of a running session.
func (r *Runner) Cancel(sessionID string) bool {
	r.mu.Lock()
	ls, ok := r.live[sessionID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	r.log.Info("session cancel requested", zap.String("session_id", sessionID))
	ls.cancel()
	return true
}

// Result returns the session outcome: a running partial while the pipeline
// executes, the stored result afterwards.
func (r *Runner) Result(ctx context.Context, sessionID string) (*models.SessionResult, error) {
	r.mu.Lock()
	if ls, ok := r.live[sessionID]; ok {
		res := &models.SessionResult{
			SessionID:       sessionID,
			Status:          models.StatusRunning,
			Symbol:          ls.descriptor.Symbol,
			TradeDate:       ls.descriptor.TradeDate,
			ElapsedSeconds:  time.Since(ls.startedAt).Seconds(),
			AnalystsUsed:    kindsToStrings(ls.descriptor.SelectedAnalysts),
			TaskFingerprint: ls.fingerprint,
		}
		if ls.exec != nil {
			res.PartialReports = reportsToStrings(ls.exec.Snapshot().AnalystReports)
		}
		r.mu.Unlock()
		return res, nil
	}
	r.mu.Unlock()

	res, err := r.store.GetResult(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if res != nil {
		return res, nil
	}
	d, err := r.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, ErrSessionNotFound
	}
	return &models.SessionResult{
		SessionID:       d.SessionID,
		Status:          d.Status,
		Symbol:          d.Symbol,
		TradeDate:       d.TradeDate,
		ElapsedSeconds:  d.ElapsedSeconds,
		AnalystsUsed:    kindsToStrings(d.SelectedAnalysts),
		TaskFingerprint: d.TaskFingerprint,
	}, nil
}

// run drives one session to a terminal status. It owns every write to the
// session's stream and descriptor after Start returns.
func (r *Runner) run(ctx context.Context, ls *liveSession, req models.StartRequest, stream *Stream) {
	sessionID := ls.descriptor.SessionID
	defer ls.cancel()

	state := models.NewAnalysisState(req.Symbol, req.TradeDate, req.Market)
	if len(req.SelectedAnalysts) > 0 {
		state.RecommendedAnalysts = append([]consts.AnalystKind(nil), req.SelectedAnalysts...)
	}
	state.HistoricalReflection = r.reflection(ctx, req.Symbol)

	var stageMu sync.Mutex
	currentStage := consts.StagePlanning
	stageName := func() string {
		stageMu.Lock()
		defer stageMu.Unlock()
		return currentStage
	}

	exec := graph.NewExecution(state, r.cfg.MaxRecurLimit, func(ev graph.NodeEvent) {
		stage := stageName()
		switch {
		case ev.Status == graph.NodeStarted:
			stream.Publish(models.EventNodeUpdate, stage, ev.Node, "started", nil)
		case ev.Err != nil:
			r.monitor.NodeFinished(ev.Node, ev.Elapsed, ev.Err)
			stream.Publish(models.EventNodeUpdate, stage, ev.Node, "failed", map[string]any{
				"error_kind": graph.ErrorKind(ev.Err),
				"message":    ev.Err.Error(),
			})
		case ev.Status == graph.NodeDegraded:
			r.monitor.NodeFinished(ev.Node, ev.Elapsed, nil)
			stream.Publish(models.EventNodeDegraded, stage, ev.Node, "degraded", map[string]any{
				"elapsed_ms": ev.Elapsed.Milliseconds(),
			})
		default:
			r.monitor.NodeFinished(ev.Node, ev.Elapsed, nil)
			stream.Publish(models.EventNodeCompleted, stage, ev.Node, "completed", map[string]any{
				"elapsed_ms": ev.Elapsed.Milliseconds(),
			})
		}
	})
	r.mu.Lock()
	ls.exec = exec
	r.mu.Unlock()

	usePlanner := true
	if req.UsePlanner != nil {
		usePlanner = *req.UsePlanner
	}
	pipeline := r.builder.Pipeline(graph.PipelineOptions{
		Level:           req.AnalysisLevel,
		UsePlanner:      usePlanner && len(req.SelectedAnalysts) == 0,
		ExcludeAnalysts: req.ExcludeAnalysts,
		MaxDebateRounds: req.MaxDebateRounds,
		MaxRiskRounds:   req.MaxRiskRounds,
	})

	err := pipeline.Run(ctx, exec, func(stage string, completed bool) {
		if completed {
			stream.Publish(models.EventStageCompleted, stage, "", "completed", nil)
			return
		}
		stageMu.Lock()
		currentStage = stage
		stageMu.Unlock()
		stream.Publish(models.EventStageStart, stage, "", "started", nil)
	})

	elapsed := time.Since(ls.startedAt)
	finalState := exec.State()

	if err != nil {
		status := models.StatusFailed
		if errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
			status = models.StatusCanceled
		}
		r.finishErrored(ls, finalState, stream, status, err, elapsed)
		return
	}

	verdict := r.synth.Synthesize(ctx, finalState)
	if ctx.Err() != nil {
		r.finishErrored(ls, finalState, stream, models.StatusCanceled, ctx.Err(), time.Since(ls.startedAt))
		return
	}
	stream.Publish(models.EventResult, consts.StagePortfolio, "", "completed", map[string]any{
		"verdict": verdict,
	})

	r.pred.Record(ctx, sessionID, finalState, verdict)
	if r.cfg.WriteMarkdownReports {
		r.writeReports(finalState, verdict)
	}

	result := &models.SessionResult{
		SessionID:       sessionID,
		Status:          models.StatusCompleted,
		Symbol:          finalState.Symbol,
		TradeDate:       finalState.TradeDate,
		Verdict:         verdict,
		ElapsedSeconds:  elapsed.Seconds(),
		AnalystsUsed:    kindsToStrings(finalState.RecommendedAnalysts),
		TaskFingerprint: ls.fingerprint,
	}
	r.finish(ls, stream, result, models.StatusCompleted, "", "", elapsed)
}

func (r *Runner) finishErrored(ls *liveSession, st *models.AnalysisState, stream *Stream,
	status models.SessionStatus, err error, elapsed time.Duration) {
	kind := graph.ErrorKind(err)
	if status == models.StatusFailed {
		stream.Publish(models.EventError, "", "", string(status), map[string]any{
			"error_kind": kind,
			"message":    err.Error(),
		})
	}
	result := &models.SessionResult{
		SessionID:       ls.descriptor.SessionID,
		Status:          status,
		Symbol:          ls.descriptor.Symbol,
		TradeDate:       ls.descriptor.TradeDate,
		ElapsedSeconds:  elapsed.Seconds(),
		AnalystsUsed:    kindsToStrings(ls.descriptor.SelectedAnalysts),
		TaskFingerprint: ls.fingerprint,
		PartialReports:  reportsToStrings(st.AnalystReports),
	}
	r.finish(ls, stream, result, status, kind, err.Error(), elapsed)
}

// finish persists the terminal status, publishes the terminal event last,
// and releases the fingerprint and stream.
func (r *Runner) finish(ls *liveSession, stream *Stream, result *models.SessionResult,
	status models.SessionStatus, errKind, errMsg string, elapsed time.Duration) {
	sessionID := ls.descriptor.SessionID

	// Persist with a fresh context; the session context may be canceled.
	persistCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	descriptor := ls.descriptor
	descriptor.Status = status
	descriptor.ElapsedSeconds = elapsed.Seconds()
	descriptor.ErrorKind = errKind
	descriptor.ErrorMessage = errMsg
	if err := r.store.SaveSession(persistCtx, &descriptor); err != nil {
		r.log.Error("persist session status failed",
			zap.String("session_id", sessionID), zap.Error(err))
	}
	if err := r.store.SaveResult(persistCtx, result); err != nil {
		r.log.Error("persist session result failed",
			zap.String("session_id", sessionID), zap.Error(err))
	}

	r.mu.Lock()
	delete(r.live, sessionID)
	if r.byFP[ls.fingerprint] == sessionID {
		delete(r.byFP, ls.fingerprint)
	}
	r.mu.Unlock()

	stream.Publish(models.EventTerminal, "", "", string(status), map[string]any{
		"elapsed_seconds": elapsed.Seconds(),
	})
	r.hub.Release(sessionID)
	r.monitor.SessionFinished(string(status), elapsed)
	r.log.Info("session finished",
		zap.String("session_id", sessionID),
		zap.String("status", string(status)),
		zap.Duration("elapsed", elapsed))
}

// reflection summarizes evaluated past predictions for the symbol so the
// risk discussion can learn from prior mistakes. Best effort.
func (r *Runner) reflection(ctx context.Context, symbol string) string {
	recs, err := r.store.RecentPredictions(ctx, symbol, 10)
	if err != nil || len(recs) == 0 {
		return ""
	}
	var lines []string
	for _, rec := range recs {
		if rec.Outcome == nil {
			continue
		}
		line := fmt.Sprintf("On %s the pipeline signaled %s for %s; outcome: %s",
			rec.TradeDate, rec.Signal, rec.Symbol, *rec.Outcome)
		if rec.ActualReturn != nil {
			line += fmt.Sprintf(" (%.1f%% return)", *rec.ActualReturn)
		}
		lines = append(lines, line+".")
		if len(lines) == 3 {
			break
		}
	}
	return strings.Join(lines, "\n")
}

func (r *Runner) writeReports(st *models.AnalysisState, verdict *models.Verdict) {
	dir := filepath.Join(r.cfg.ResultsDir, st.Symbol, st.TradeDate)
	write := func(name, content string) {
		if content == "" {
			return
		}
		if err := utils.WriteMarkdown(dir, name, content); err != nil {
			r.log.Warn("report write failed", zap.String("file", name), zap.Error(err))
		}
	}
	for kind, report := range st.AnalystReports {
		write(string(kind)+"_report.md", report)
	}
	write("investment_plan.md", st.InvestmentPlan)
	write("trader_plan.md", st.TraderInvestmentPlan)
	write("risk_decision.md", st.RiskDebateState.JudgeDecision)
	write("final_decision.md", st.FinalTradeDecision)
	if data, err := json.MarshalIndent(verdict, "", "  "); err == nil {
		write("verdict.json", string(data))
	}
}

// normalize validates and defaults a start request.
func normalize(req models.StartRequest, cfg *config.Config) (models.StartRequest, error) {
	req.Symbol = strings.ToUpper(strings.TrimSpace(req.Symbol))
	if req.Symbol == "" {
		return req, fmt.Errorf("%w: symbol required", models.ErrInvalidState)
	}
	if _, err := time.Parse("2006-01-02", req.TradeDate); err != nil {
		return req, fmt.Errorf("%w: trade_date must be YYYY-MM-DD", models.ErrInvalidState)
	}
	switch req.Market {
	case consts.MarketUS, consts.MarketHK, consts.MarketCN:
	case "":
		req.Market = consts.MarketUS
	default:
		return req, fmt.Errorf("%w: unknown market %q", models.ErrInvalidState, req.Market)
	}
	switch req.AnalysisLevel {
	case models.LevelQuickScan, models.LevelFull:
	case "":
		req.AnalysisLevel = models.LevelFull
	default:
		return req, fmt.Errorf("%w: unknown analysis level %q", models.ErrInvalidState, req.AnalysisLevel)
	}
	for _, k := range append(append([]consts.AnalystKind(nil), req.SelectedAnalysts...), req.ExcludeAnalysts...) {
		if _, ok := consts.ParseAnalyst(string(k)); !ok {
			return req, fmt.Errorf("%w: unknown analyst %q", models.ErrInvalidState, k)
		}
	}
	if req.MaxDebateRounds <= 0 {
		req.MaxDebateRounds = cfg.MaxDebateRounds
	}
	if req.MaxRiskRounds <= 0 {
		req.MaxRiskRounds = cfg.MaxRiskDiscussRounds
	}
	return req, nil
}

// plannedRoster predicts the analyst roster at accept time; the planner may
// still revise it for full sessions.
func plannedRoster(req models.StartRequest) []consts.AnalystKind {
	excluded := map[consts.AnalystKind]bool{}
	for _, k := range req.ExcludeAnalysts {
		excluded[k] = true
	}
	base := req.SelectedAnalysts
	switch {
	case req.AnalysisLevel == models.LevelQuickScan:
		base = consts.QuickScanAnalysts
	case len(base) == 0:
		base = consts.MarketProfile[req.Market]
	}
	roster := make([]consts.AnalystKind, 0, len(base))
	for _, k := range base {
		if !excluded[k] {
			roster = append(roster, k)
		}
	}
	return roster
}

func kindsToStrings(kinds []consts.AnalystKind) []string {
	out := make([]string, len(kinds))
	for i, k := range kinds {
		out[i] = string(k)
	}
	return out
}

func reportsToStrings(reports map[consts.AnalystKind]string) map[string]string {
	if len(reports) == 0 {
		return nil
	}
	out := make(map[string]string, len(reports))
	for k, v := range reports {
		out[string(k)] = v
	}
	return out
}
