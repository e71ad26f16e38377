package models

import "fmt"

// Signal is the final verdict label.
type Signal string

const (
	SignalStrongBuy  Signal = "StrongBuy"
	SignalBuy        Signal = "Buy"
	SignalHold       Signal = "Hold"
	SignalSell       Signal = "Sell"
	SignalStrongSell Signal = "StrongSell"
)

// ValidSignal reports whether s is one of the five verdict labels.
func ValidSignal(s Signal) bool {
	switch s {
	case SignalStrongBuy, SignalBuy, SignalHold, SignalSell, SignalStrongSell:
		return true
	}
	return false
}

// RiskVerdict is the risk committee's gate on the trade.
type RiskVerdict string

const (
	RiskApproved RiskVerdict = "Approved"
	RiskCaution  RiskVerdict = "Caution"
	RiskRejected RiskVerdict = "Rejected"
)

// BullVsBear summarizes the research debate outcome.
type BullVsBear struct {
	Winner     string   `json:"winner"`
	Conclusion string   `json:"conclusion"`
	Points     []string `json:"points"`
}

// RiskAssessment scores the trade on a 0-10 scale.
type RiskAssessment struct {
	Score   float64     `json:"score"`
	Verdict RiskVerdict `json:"verdict"`
}

// TradeSetup carries the trader's suggested execution levels.
type TradeSetup struct {
	EntryZone   string  `json:"entry_zone"`
	TargetPrice float64 `json:"target_price"`
	StopLoss    float64 `json:"stop_loss"`
	RiskReward  string  `json:"risk_reward"`
}

// TechnicalIndicators is stubbed when the market analyst degraded.
type TechnicalIndicators struct {
	RSI   string `json:"rsi"`
	MACD  string `json:"macd"`
	Trend string `json:"trend"`
}

// Verdict is the synthesized result document for one session.
type Verdict struct {
	Signal              Signal              `json:"signal"`
	Confidence          float64             `json:"confidence"`
	Reasoning           string              `json:"reasoning"`
	BullVsBear          BullVsBear          `json:"bull_vs_bear"`
	RiskAssessment      RiskAssessment      `json:"risk_assessment"`
	TradeSetup          *TradeSetup         `json:"trade_setup,omitempty"`
	TechnicalIndicators TechnicalIndicators `json:"technical_indicators"`
	NewsItems           []string            `json:"news_items"`
	Peers               []string            `json:"peers"`

	// Diagnostics notes full or partial degradation; empty on a clean run.
	Diagnostics string `json:"diagnostics,omitempty"`
}

// Validate enforces the verdict envelope: enumerated signal, confidence in
// [0,100], risk score in [0,10].
func (v *Verdict) Validate() error {
	if !ValidSignal(v.Signal) {
		return fmt.Errorf("verdict signal %q is not one of the five labels", v.Signal)
	}
	if v.Confidence < 0 || v.Confidence > 100 {
		return fmt.Errorf("verdict confidence %.1f out of range [0,100]", v.Confidence)
	}
	if v.RiskAssessment.Score < 0 || v.RiskAssessment.Score > 10 {
		return fmt.Errorf("risk score %.1f out of range [0,10]", v.RiskAssessment.Score)
	}
	return nil
}

// PredictionRecord is appended to the predictor log when a session
// completes. Outcome fields stay null until an external job evaluates the
// actual return.
type PredictionRecord struct {
	SessionID    string   `json:"session_id"`
	Symbol       string   `json:"symbol"`
	TradeDate    string   `json:"trade_date"`
	Signal       Signal   `json:"signal"`
	Confidence   float64  `json:"confidence"`
	EntryPrice   float64  `json:"entry_price"`
	TargetPrice  float64  `json:"target_price"`
	StopLoss     float64  `json:"stop_loss"`
	AgentKey     string   `json:"agent_key"`
	CreatedAt    string   `json:"created_at"`
	Outcome      *string  `json:"outcome"`
	ActualReturn *float64 `json:"actual_return"`
}
