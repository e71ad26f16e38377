package models

import (
	"time"

	"github.com/dyike/CortexFlow/consts"
)

// AnalysisLevel selects the pipeline depth.
type AnalysisLevel string

const (
	LevelQuickScan AnalysisLevel = "L1"
	LevelFull      AnalysisLevel = "L2"
)

// SessionStatus is the descriptor lifecycle. A session leaves running
// exactly once.
type SessionStatus string

const (
	StatusRunning   SessionStatus = "running"
	StatusCompleted SessionStatus = "completed"
	StatusFailed    SessionStatus = "failed"
	StatusCanceled  SessionStatus = "canceled"
)

// StartRequest is the client-facing session request.
type StartRequest struct {
	Symbol           string               `json:"symbol" binding:"required"`
	TradeDate        string               `json:"trade_date" binding:"required"`
	Market           consts.Market        `json:"market,omitempty"`
	SelectedAnalysts []consts.AnalystKind `json:"selected_analysts,omitempty"`
	ExcludeAnalysts  []consts.AnalystKind `json:"exclude_analysts,omitempty"`
	AnalysisLevel    AnalysisLevel        `json:"analysis_level,omitempty"`
	UsePlanner       *bool                `json:"use_planner,omitempty"`
	MaxDebateRounds  int                  `json:"max_debate_rounds,omitempty"`
	MaxRiskRounds    int                  `json:"max_risk_rounds,omitempty"`
}

// SessionDescriptor persists the lifecycle of one orchestrator run.
type SessionDescriptor struct {
	SessionID        string               `json:"session_id"`
	Symbol           string               `json:"symbol"`
	TradeDate        string               `json:"trade_date"`
	Market           consts.Market        `json:"market"`
	SelectedAnalysts []consts.AnalystKind `json:"selected_analysts"`
	Status           SessionStatus        `json:"status"`
	CreatedAt        time.Time            `json:"created_at"`
	ElapsedSeconds   float64              `json:"elapsed_seconds"`
	TaskFingerprint  string               `json:"task_fingerprint"`
	ErrorKind        string               `json:"error_kind,omitempty"`
	ErrorMessage     string               `json:"error_message,omitempty"`
}

// SessionResult is the result-fetch payload. Verdict is nil while the
// session is running or when it failed before synthesis.
type SessionResult struct {
	SessionID       string        `json:"session_id"`
	Status          SessionStatus `json:"status"`
	Symbol          string        `json:"symbol"`
	TradeDate       string        `json:"trade_date"`
	Verdict         *Verdict      `json:"verdict,omitempty"`
	ElapsedSeconds  float64       `json:"elapsed_seconds"`
	AnalystsUsed    []string      `json:"analysts_used"`
	TaskFingerprint string        `json:"task_fingerprint"`

	// PartialReports preserves whatever analysts finished when a session
	// fails; audit only, never logged as a prediction.
	PartialReports map[string]string `json:"partial_reports,omitempty"`
}
