package synthesis

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	jsonrepair "github.com/RealAlexandreAI/json-repair"
	"github.com/cloudwego/eino/schema"
	"go.uber.org/zap"

	"github.com/dyike/CortexFlow/internal/dataflows"
	"github.com/dyike/CortexFlow/internal/llm"
	"github.com/dyike/CortexFlow/internal/models"
	"github.com/dyike/CortexFlow/internal/utils"
)

// Synthesizer converts the pipeline's final decision documents into one
// structured verdict. It prefers the synthesis model; when the model is
// unreachable or its output cannot be coerced into the required shape it
// falls back to rule-based extraction, so Synthesize always returns a valid
// verdict.
type Synthesizer struct {
	registry *llm.Registry
	provider *dataflows.Provider
	log      *zap.Logger
}

func New(registry *llm.Registry, provider *dataflows.Provider, log *zap.Logger) *Synthesizer {
	return &Synthesizer{registry: registry, provider: provider, log: log.Named("synthesis")}
}

// wireVerdict mirrors the JSON shape the synthesis prompt requests.
type wireVerdict struct {
	Signal     string  `json:"signal"`
	Confidence float64 `json:"confidence"`
	BullVsBear struct {
		BullScore float64 `json:"bull_score"`
		BearScore float64 `json:"bear_score"`
		Summary   string  `json:"summary"`
	} `json:"bull_vs_bear"`
	RiskAssessment struct {
		Score   float64 `json:"score"`
		Verdict string  `json:"verdict"`
		Summary string  `json:"summary"`
	} `json:"risk_assessment"`
	TradeSetup struct {
		EntryZone   string `json:"entry_zone"`
		TargetPrice string `json:"target_price"`
		StopLoss    string `json:"stop_loss"`
		RiskReward  string `json:"risk_reward"`
	} `json:"trade_setup"`
	TechnicalIndicators struct {
		RSI   string `json:"rsi"`
		MACD  string `json:"macd"`
		Trend string `json:"trend"`
	} `json:"technical_indicators"`
	Rationale string `json:"rationale"`
}

// Synthesize produces the session verdict from the final state. It never
// returns an error: degraded inputs yield a conservative rule-based verdict
// with the degradation noted in Diagnostics.
func (s *Synthesizer) Synthesize(ctx context.Context, st *models.AnalysisState) *models.Verdict {
	verdict, diag := s.modelVerdict(ctx, st)
	if verdict == nil {
		verdict = ruleVerdict(st)
		if diag != "" {
			verdict.Diagnostics = strings.TrimSpace(verdict.Diagnostics + " " + diag)
		}
	}
	if note := degradationNote(st); note != "" {
		verdict.Diagnostics = strings.TrimSpace(verdict.Diagnostics + " " + note)
	}
	s.enrich(ctx, st, verdict)
	return verdict
}

// modelVerdict runs the synthesis model with one strict retry. A nil return
// means the caller should use the rule-based path; the string explains why.
func (s *Synthesizer) modelVerdict(ctx context.Context, st *models.AnalysisState) (*models.Verdict, string) {
	prompt, err := utils.LoadPromptWithContext("synthesis", map[string]string{
		"Ticker":         st.Symbol,
		"TradeDate":      st.TradeDate,
		"FinalDecision":  st.FinalTradeDecision,
		"TraderPlan":     st.TraderInvestmentPlan,
		"InvestmentPlan": st.InvestmentPlan,
		"RiskDecision":   st.RiskDebateState.JudgeDecision,
		"MarketReport":   st.MarketReport,
	})
	if err != nil {
		return nil, "synthesis prompt unavailable."
	}

	cm, err := s.registry.Resolve(ctx, llm.RoleSynthesis)
	if err != nil {
		s.log.Warn("synthesis model unresolvable, using rule-based verdict", zap.Error(err))
		return nil, "synthesis model unavailable; verdict produced by rule-based extraction."
	}

	msgs := []*schema.Message{schema.UserMessage(prompt)}
	for attempt := 0; attempt < 2; attempt++ {
		if ctx.Err() != nil {
			return nil, "synthesis interrupted; verdict produced by rule-based extraction."
		}
		out, err := cm.Generate(ctx, msgs)
		if err != nil {
			s.log.Warn("synthesis call failed", zap.Int("attempt", attempt+1), zap.Error(err))
			continue
		}
		verdict, perr := parseVerdict(out.Content)
		if perr == nil {
			return verdict, ""
		}
		s.log.Warn("synthesis output rejected", zap.Int("attempt", attempt+1), zap.Error(perr))
		// Strict retry: repeat the request with the violation named.
		msgs = []*schema.Message{
			schema.UserMessage(prompt),
			out,
			schema.UserMessage("The previous response was invalid: " + perr.Error() +
				". Respond again with only the required JSON object."),
		}
	}
	return nil, "synthesis output invalid after retry; verdict produced by rule-based extraction."
}

// parseVerdict coerces raw model output into a validated verdict. Fenced
// code blocks and minor JSON damage are tolerated; partial or out-of-range
// documents are rejected.
func parseVerdict(raw string) (*models.Verdict, error) {
	cleaned := stripFences(raw)
	repaired, err := jsonrepair.RepairJSON(cleaned)
	if err != nil {
		return nil, err
	}

	var wire wireVerdict
	if err := json.Unmarshal([]byte(repaired), &wire); err != nil {
		return nil, err
	}
	signal, ok := parseSignal(wire.Signal)
	if !ok {
		return nil, &fieldError{"signal", wire.Signal}
	}
	riskVerdict, ok := parseRiskVerdict(wire.RiskAssessment.Verdict)
	if !ok {
		return nil, &fieldError{"risk verdict", wire.RiskAssessment.Verdict}
	}

	winner := "Bull"
	if wire.BullVsBear.BearScore > wire.BullVsBear.BullScore {
		winner = "Bear"
	}
	v := &models.Verdict{
		Signal:     signal,
		Confidence: wire.Confidence,
		Reasoning:  strings.TrimSpace(wire.Rationale),
		BullVsBear: models.BullVsBear{
			Winner:     winner,
			Conclusion: strings.TrimSpace(wire.BullVsBear.Summary),
		},
		RiskAssessment: models.RiskAssessment{
			Score:   wire.RiskAssessment.Score,
			Verdict: riskVerdict,
		},
		TechnicalIndicators: models.TechnicalIndicators{
			RSI:   wire.TechnicalIndicators.RSI,
			MACD:  wire.TechnicalIndicators.MACD,
			Trend: wire.TechnicalIndicators.Trend,
		},
	}
	if setup := wire.TradeSetup; setup.EntryZone != "" || setup.TargetPrice != "" || setup.StopLoss != "" {
		v.TradeSetup = &models.TradeSetup{
			EntryZone:   setup.EntryZone,
			TargetPrice: parsePrice(setup.TargetPrice),
			StopLoss:    parsePrice(setup.StopLoss),
			RiskReward:  setup.RiskReward,
		}
	}
	if v.Reasoning == "" {
		return nil, &fieldError{"rationale", "(empty)"}
	}
	if err := v.Validate(); err != nil {
		return nil, err
	}
	return v, nil
}

type fieldError struct {
	field string
	value string
}

func (e *fieldError) Error() string {
	return "field " + e.field + " has unusable value " + strconv.Quote(e.value)
}

// ruleVerdict extracts a conservative verdict from the decision documents
// without a model. The portfolio manager's closing marker carries the
// signal; anything unreadable resolves to Hold at 50.
func ruleVerdict(st *models.AnalysisState) *models.Verdict {
	signal := models.SignalHold
	confidence := 50.0
	switch extractProposal(st.FinalTradeDecision) {
	case "BUY":
		signal = models.SignalBuy
	case "SELL":
		signal = models.SignalSell
	}

	riskVerdict := models.RiskCaution
	judge := strings.ToUpper(st.RiskDebateState.JudgeDecision)
	switch {
	case strings.Contains(judge, "APPROVED"):
		riskVerdict = models.RiskApproved
	case strings.Contains(judge, "REJECTED"):
		riskVerdict = models.RiskRejected
	}

	reasoning := strings.TrimSpace(st.FinalTradeDecision)
	if reasoning == "" {
		var parts []string
		for _, r := range []string{st.InvestmentPlan, st.TraderInvestmentPlan, st.MarketReport} {
			if r != "" {
				parts = append(parts, r)
			}
		}
		reasoning = strings.Join(parts, "\n\n")
	}
	if reasoning == "" {
		reasoning = "No decision documents were produced; defaulting to Hold."
	}

	winner := "Bull"
	if strings.Contains(strings.ToUpper(st.InvestmentPlan), "SELL") {
		winner = "Bear"
	}
	return &models.Verdict{
		Signal:     signal,
		Confidence: confidence,
		Reasoning:  reasoning,
		BullVsBear: models.BullVsBear{
			Winner:     winner,
			Conclusion: firstLine(st.InvestmentDebateState.JudgeDecision),
		},
		RiskAssessment: models.RiskAssessment{Score: 5, Verdict: riskVerdict},
		TechnicalIndicators: models.TechnicalIndicators{
			Trend: firstLine(st.MarketReport),
		},
	}
}

// extractProposal finds the BUY/HOLD/SELL token in the closing proposal
// marker.
func extractProposal(decision string) string {
	upper := strings.ToUpper(decision)
	idx := strings.LastIndex(upper, "FINAL TRANSACTION PROPOSAL")
	if idx < 0 {
		return ""
	}
	tail := upper[idx:]
	for _, token := range []string{"STRONG BUY", "BUY", "SELL", "HOLD"} {
		if strings.Contains(tail, token) {
			if token == "STRONG BUY" {
				return "BUY"
			}
			return token
		}
	}
	return ""
}

func degradationNote(st *models.AnalysisState) string {
	if len(st.AnalystErrors) == 0 {
		return ""
	}
	var names []string
	for _, k := range st.RecommendedAnalysts {
		if _, ok := st.AnalystErrors[k]; ok {
			names = append(names, string(k))
		}
	}
	if len(names) == len(st.RecommendedAnalysts) && len(names) > 0 {
		return "All analyst branches degraded; verdict is based on stub reports only."
	}
	return "Degraded analyst branches: " + strings.Join(names, ", ") + "."
}

// enrich attaches headlines and peer tickers. Both are best effort; a data
// provider failure leaves the lists empty rather than failing the verdict.
func (s *Synthesizer) enrich(ctx context.Context, st *models.AnalysisState, v *models.Verdict) {
	v.NewsItems = []string{}
	v.Peers = []string{}
	if s.provider == nil {
		return
	}
	if src := s.provider.CompanyNews; src != nil {
		to := time.Now()
		if d, err := time.Parse("2006-01-02", st.TradeDate); err == nil {
			to = d
		}
		items, err := src.CompanyNews(ctx, st.Symbol, to.AddDate(0, 0, -7), to)
		if err == nil {
			for _, item := range items {
				v.NewsItems = append(v.NewsItems, item.Title)
				if len(v.NewsItems) == 5 {
					break
				}
			}
		}
	}
	if src := s.provider.Peers; src != nil {
		peers, err := src.Peers(ctx, st.Symbol)
		if err == nil {
			if len(peers) > 5 {
				peers = peers[:5]
			}
			v.Peers = peers
		}
	}
}

func parseSignal(s string) (models.Signal, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "STRONG_BUY", "STRONG BUY":
		return models.SignalStrongBuy, true
	case "BUY":
		return models.SignalBuy, true
	case "HOLD":
		return models.SignalHold, true
	case "SELL":
		return models.SignalSell, true
	case "STRONG_SELL", "STRONG SELL":
		return models.SignalStrongSell, true
	}
	return "", false
}

func parseRiskVerdict(s string) (models.RiskVerdict, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "APPROVED":
		return models.RiskApproved, true
	case "CAUTION", "":
		return models.RiskCaution, true
	case "REJECTED":
		return models.RiskRejected, true
	}
	return "", false
}

// parsePrice reads a float out of a formatted price string; unparseable
// input yields zero.
func parsePrice(s string) float64 {
	cleaned := strings.TrimSpace(s)
	cleaned = strings.TrimPrefix(cleaned, "$")
	cleaned = strings.ReplaceAll(cleaned, ",", "")
	if i := strings.IndexAny(cleaned, " -~"); i > 0 {
		cleaned = cleaned[:i]
	}
	f, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return 0
	}
	return f
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		if i := strings.Index(s, "\n"); i >= 0 {
			s = s[i+1:]
		}
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	return strings.TrimSpace(s)
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return s
}
