package consts

// Graph node names. Conditional routing functions return these labels,
// so they double as edge destinations.
const (
	// Planning
	Planner = "planner"

	// Analyst subgraph
	AnalystRouter = "analyst_router"
	AnalystSync   = "analyst_sync"

	MarketAnalyst       = "market_analyst"
	SocialMediaAnalyst  = "social_media_analyst"
	NewsAnalyst         = "news_analyst"
	FundamentalsAnalyst = "fundamentals_analyst"
	SentimentAnalyst    = "sentiment_analyst"
	PolicyAnalyst       = "policy_analyst"
	FundFlowAnalyst     = "fund_flow_analyst"
	MacroAnalyst        = "macro_analyst"

	// Research debate subgraph
	BullResearcher  = "bull_researcher"
	BearResearcher  = "bear_researcher"
	ResearchManager = "research_manager"

	// Trading
	Trader = "trader"

	// Risk subgraph
	RiskyAnalyst   = "risky_analyst"
	SafeAnalyst    = "safe_analyst"
	NeutralAnalyst = "neutral_analyst"
	RiskJudge      = "risk_judge"

	// Final stage
	PortfolioManager = "portfolio_manager"
)

// ToolNode returns the tools node name for an analyst node.
func ToolNode(analystNode string) string {
	return "tools_" + analystNode
}

// ClearNode returns the message-pruning node name for an analyst node.
func ClearNode(analystNode string) string {
	return "clear_" + analystNode
}

// Pipeline stages, in execution order.
const (
	StagePlanning  = "planning"
	StageAnalyst   = "analyst"
	StageDebate    = "debate"
	StageTrading   = "trading"
	StageRisk      = "risk"
	StagePortfolio = "portfolio"
)

// Debate speaker tags. The risk discussion rotates Risky -> Safe -> Neutral.
const (
	SpeakerBull    = "Bull"
	SpeakerBear    = "Bear"
	SpeakerRisky   = "Risky"
	SpeakerSafe    = "Safe"
	SpeakerNeutral = "Neutral"
)
