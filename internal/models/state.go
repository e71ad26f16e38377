package models

import (
	"sort"
	"strings"

	"github.com/cloudwego/eino/schema"
	"github.com/dyike/CortexFlow/consts"
)

// InvestDebateState tracks the bull/bear research debate.
type InvestDebateState struct {
	BullHistory     string `json:"bull_history"`
	BearHistory     string `json:"bear_history"`
	History         string `json:"history"`
	CurrentResponse string `json:"current_response"`
	JudgeDecision   string `json:"judge_decision"`
	Count           int    `json:"count"`
}

// RiskDebateState tracks the three-way risk discussion.
type RiskDebateState struct {
	RiskyHistory           string `json:"risky_history"`
	SafeHistory            string `json:"safe_history"`
	NeutralHistory         string `json:"neutral_history"`
	History                string `json:"history"`
	CurrentRiskyResponse   string `json:"current_risky_response"`
	CurrentSafeResponse    string `json:"current_safe_response"`
	CurrentNeutralResponse string `json:"current_neutral_response"`
	JudgeDecision          string `json:"judge_decision"`
	LatestSpeaker          string `json:"latest_speaker"`
	Count                  int    `json:"count"`
}

// AnalysisState is the shared state threaded through every graph node.
// Nodes never mutate it directly; they return a StatePatch and the executor
// applies patches atomically under the session lock.
type AnalysisState struct {
	Symbol    string        `json:"symbol"`
	TradeDate string        `json:"trade_date"`
	Market    consts.Market `json:"market"`

	Messages []*schema.Message `json:"messages"`

	RecommendedAnalysts []consts.AnalystKind               `json:"recommended_analysts"`
	AnalystReports      map[consts.AnalystKind]string      `json:"analyst_reports"`

	// Mirror report fields kept for backward-compat consumers of the
	// report document. The mapping above is authoritative.
	MarketReport          string `json:"market_report"`
	NewsReport            string `json:"news_report"`
	FundamentalsReport    string `json:"fundamentals_report"`
	SentimentReport       string `json:"sentiment_report"`
	PolicyReport          string `json:"policy_report"`
	FundFlowReport        string `json:"fund_flow_report"`
	MacroReport           string `json:"macro_report"`
	SocialReport          string `json:"social_report"`
	RetailSentimentReport string `json:"retail_sentiment_report"`

	InvestmentDebateState *InvestDebateState `json:"investment_debate_state"`
	RiskDebateState       *RiskDebateState   `json:"risk_debate_state"`

	InvestmentPlan       string `json:"investment_plan"`
	TraderInvestmentPlan string `json:"trader_investment_plan"`
	FinalTradeDecision   string `json:"final_trade_decision"`

	AnalystErrors    map[consts.AnalystKind]string `json:"_analyst_errors"`
	AnalystCompleted map[consts.AnalystKind]bool   `json:"_analyst_completed"`

	HistoricalReflection string `json:"historical_reflection,omitempty"`
}

// NewAnalysisState seeds a fresh state for one session.
func NewAnalysisState(symbol, tradeDate string, market consts.Market) *AnalysisState {
	return &AnalysisState{
		Symbol:                symbol,
		TradeDate:             tradeDate,
		Market:                market,
		Messages:              []*schema.Message{},
		AnalystReports:        map[consts.AnalystKind]string{},
		AnalystErrors:         map[consts.AnalystKind]string{},
		AnalystCompleted:      map[consts.AnalystKind]bool{},
		InvestmentDebateState: &InvestDebateState{},
		RiskDebateState:       &RiskDebateState{},
	}
}

// InvestDebateDelta is the structured merge input for the investment debate.
// Append fields concatenate, pointer fields overwrite when set, and
// IncrementCount adds to the turn counter.
type InvestDebateDelta struct {
	AppendBull      string
	AppendBear      string
	AppendHistory   string
	CurrentResponse *string
	JudgeDecision   *string
	IncrementCount  int
}

// RiskDebateDelta is the structured merge input for the risk discussion.
type RiskDebateDelta struct {
	AppendRisky    string
	AppendSafe     string
	AppendNeutral  string
	AppendHistory  string
	CurrentRisky   *string
	CurrentSafe    *string
	CurrentNeutral *string
	LatestSpeaker  *string
	JudgeDecision  *string
	IncrementCount int
}

// StatePatch is the typed delta a node returns. The merge rule is fixed:
// scalars overwrite when the pointer is non-nil, message and history fields
// append, maps and sets union with last-writer-wins on key conflicts.
// Parallel analyst branches target disjoint keys, so applying their patches
// in completion order is commutative.
type StatePatch struct {
	Messages []*schema.Message

	// PruneMessagesFor removes all but the last PruneKeep messages authored
	// by the named node (message Name field). Zero value means no pruning.
	PruneMessagesFor string
	PruneKeep        int

	RecommendedAnalysts []consts.AnalystKind
	AnalystReports      map[consts.AnalystKind]string
	AnalystErrors       map[consts.AnalystKind]string
	AnalystCompleted    []consts.AnalystKind
	ResetAnalystTracking bool

	InvestmentDebate *InvestDebateDelta
	RiskDebate       *RiskDebateDelta

	InvestmentPlan       *string
	TraderInvestmentPlan *string
	FinalTradeDecision   *string
	HistoricalReflection *string

	// Degraded marks the patch as a fallback stub produced after a node
	// exhausted its retry budget. It does not affect the merge.
	Degraded bool
}

// String is a convenience for scalar patch fields.
func String(s string) *string { return &s }

// Apply merges a patch into the state. The caller serializes calls; the
// operation itself is deterministic given the patch.
func (s *AnalysisState) Apply(p *StatePatch) {
	if p == nil {
		return
	}

	if p.ResetAnalystTracking {
		s.AnalystErrors = map[consts.AnalystKind]string{}
		s.AnalystCompleted = map[consts.AnalystKind]bool{}
	}

	s.Messages = append(s.Messages, p.Messages...)
	if p.PruneMessagesFor != "" && p.PruneKeep >= 0 {
		s.pruneMessages(p.PruneMessagesFor, p.PruneKeep)
	}

	if p.RecommendedAnalysts != nil {
		s.RecommendedAnalysts = append([]consts.AnalystKind(nil), p.RecommendedAnalysts...)
	}
	for k, v := range p.AnalystReports {
		s.AnalystReports[k] = v
		s.setMirrorReport(k, v)
	}
	for k, v := range p.AnalystErrors {
		s.AnalystErrors[k] = v
	}
	for _, k := range p.AnalystCompleted {
		s.AnalystCompleted[k] = true
	}

	if d := p.InvestmentDebate; d != nil {
		ds := s.InvestmentDebateState
		ds.BullHistory = appendLine(ds.BullHistory, d.AppendBull)
		ds.BearHistory = appendLine(ds.BearHistory, d.AppendBear)
		ds.History = appendLine(ds.History, d.AppendHistory)
		if d.CurrentResponse != nil {
			ds.CurrentResponse = *d.CurrentResponse
		}
		if d.JudgeDecision != nil {
			ds.JudgeDecision = *d.JudgeDecision
		}
		ds.Count += d.IncrementCount
	}

	if d := p.RiskDebate; d != nil {
		ds := s.RiskDebateState
		ds.RiskyHistory = appendLine(ds.RiskyHistory, d.AppendRisky)
		ds.SafeHistory = appendLine(ds.SafeHistory, d.AppendSafe)
		ds.NeutralHistory = appendLine(ds.NeutralHistory, d.AppendNeutral)
		ds.History = appendLine(ds.History, d.AppendHistory)
		if d.CurrentRisky != nil {
			ds.CurrentRiskyResponse = *d.CurrentRisky
		}
		if d.CurrentSafe != nil {
			ds.CurrentSafeResponse = *d.CurrentSafe
		}
		if d.CurrentNeutral != nil {
			ds.CurrentNeutralResponse = *d.CurrentNeutral
		}
		if d.LatestSpeaker != nil {
			ds.LatestSpeaker = *d.LatestSpeaker
		}
		if d.JudgeDecision != nil {
			ds.JudgeDecision = *d.JudgeDecision
		}
		ds.Count += d.IncrementCount
	}

	if p.InvestmentPlan != nil {
		s.InvestmentPlan = *p.InvestmentPlan
	}
	if p.TraderInvestmentPlan != nil {
		s.TraderInvestmentPlan = *p.TraderInvestmentPlan
	}
	if p.FinalTradeDecision != nil {
		s.FinalTradeDecision = *p.FinalTradeDecision
	}
	if p.HistoricalReflection != nil {
		s.HistoricalReflection = *p.HistoricalReflection
	}
}

// setMirrorReport keeps the named report fields in sync with the mapping.
// The routing table is static; the social report additionally mirrors the
// retail sentiment field for legacy readers.
func (s *AnalysisState) setMirrorReport(k consts.AnalystKind, v string) {
	switch k {
	case consts.AnalystMarket:
		s.MarketReport = v
	case consts.AnalystNews:
		s.NewsReport = v
	case consts.AnalystFundamentals:
		s.FundamentalsReport = v
	case consts.AnalystSentiment:
		s.SentimentReport = v
	case consts.AnalystPolicy:
		s.PolicyReport = v
	case consts.AnalystFundFlow:
		s.FundFlowReport = v
	case consts.AnalystMacro:
		s.MacroReport = v
	case consts.AnalystSocial:
		s.SocialReport = v
		s.RetailSentimentReport = v
	}
}

func (s *AnalysisState) pruneMessages(name string, keep int) {
	var owned []int
	for i, m := range s.Messages {
		if m != nil && m.Name == name {
			owned = append(owned, i)
		}
	}
	if len(owned) <= keep {
		return
	}
	drop := map[int]bool{}
	for _, i := range owned[:len(owned)-keep] {
		drop[i] = true
	}
	kept := s.Messages[:0]
	for i, m := range s.Messages {
		if !drop[i] {
			kept = append(kept, m)
		}
	}
	s.Messages = kept
}

// MessagesFor returns the message thread authored by one node, in order.
func (s *AnalysisState) MessagesFor(name string) []*schema.Message {
	var out []*schema.Message
	for _, m := range s.Messages {
		if m != nil && m.Name == name {
			out = append(out, m)
		}
	}
	return out
}

// LastMessageFor returns the most recent message authored by one node.
func (s *AnalysisState) LastMessageFor(name string) *schema.Message {
	msgs := s.MessagesFor(name)
	if len(msgs) == 0 {
		return nil
	}
	return msgs[len(msgs)-1]
}

// Snapshot returns a copy safe to hand to a node while other branches keep
// publishing patches. Message pointers are shared; messages are treated as
// immutable once appended.
func (s *AnalysisState) Snapshot() *AnalysisState {
	cp := *s
	cp.Messages = append([]*schema.Message(nil), s.Messages...)
	cp.RecommendedAnalysts = append([]consts.AnalystKind(nil), s.RecommendedAnalysts...)
	cp.AnalystReports = copyMap(s.AnalystReports)
	cp.AnalystErrors = copyMap(s.AnalystErrors)
	cp.AnalystCompleted = make(map[consts.AnalystKind]bool, len(s.AnalystCompleted))
	for k, v := range s.AnalystCompleted {
		cp.AnalystCompleted[k] = v
	}
	ids := *s.InvestmentDebateState
	cp.InvestmentDebateState = &ids
	rds := *s.RiskDebateState
	cp.RiskDebateState = &rds
	return &cp
}

// CompletedAnalysts returns the completed set in stable order.
func (s *AnalysisState) CompletedAnalysts() []consts.AnalystKind {
	out := make([]consts.AnalystKind, 0, len(s.AnalystCompleted))
	for k := range s.AnalystCompleted {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func copyMap(in map[consts.AnalystKind]string) map[consts.AnalystKind]string {
	out := make(map[consts.AnalystKind]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func appendLine(base, add string) string {
	if add == "" {
		return base
	}
	if base == "" {
		return add
	}
	return strings.TrimSpace(base + "\n" + add)
}
