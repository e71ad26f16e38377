package consts

// AnalystKind identifies one analyst branch of the analyst subgraph.
type AnalystKind string

const (
	AnalystMarket       AnalystKind = "market"
	AnalystSocial       AnalystKind = "social"
	AnalystNews         AnalystKind = "news"
	AnalystFundamentals AnalystKind = "fundamentals"
	AnalystSentiment    AnalystKind = "sentiment"
	AnalystPolicy       AnalystKind = "policy"
	AnalystFundFlow     AnalystKind = "fund_flow"
	AnalystMacro        AnalystKind = "macro"
)

// AllAnalysts lists every analyst kind in stable order.
var AllAnalysts = []AnalystKind{
	AnalystMarket,
	AnalystSocial,
	AnalystNews,
	AnalystFundamentals,
	AnalystSentiment,
	AnalystPolicy,
	AnalystFundFlow,
	AnalystMacro,
}

// AnalystNode maps an analyst kind to its graph node name.
var AnalystNode = map[AnalystKind]string{
	AnalystMarket:       MarketAnalyst,
	AnalystSocial:       SocialMediaAnalyst,
	AnalystNews:         NewsAnalyst,
	AnalystFundamentals: FundamentalsAnalyst,
	AnalystSentiment:    SentimentAnalyst,
	AnalystPolicy:       PolicyAnalyst,
	AnalystFundFlow:     FundFlowAnalyst,
	AnalystMacro:        MacroAnalyst,
}

// AnalystRole maps an analyst kind to its human-readable role name,
// used in degradation stubs and event payloads.
var AnalystRole = map[AnalystKind]string{
	AnalystMarket:       "Market Analyst",
	AnalystSocial:       "Social Analyst",
	AnalystNews:         "News Analyst",
	AnalystFundamentals: "Fundamentals Analyst",
	AnalystSentiment:    "Sentiment Analyst",
	AnalystPolicy:       "Policy Analyst",
	AnalystFundFlow:     "Fund Flow Analyst",
	AnalystMacro:        "Macro Analyst",
}

// Market identifies the exchange region of a symbol.
type Market string

const (
	MarketUS Market = "US"
	MarketHK Market = "HK"
	MarketCN Market = "CN"
)

// MarketProfile is the default analyst selection per market.
// HK extends the US set with sentiment; CN further adds policy and fund flow.
var MarketProfile = map[Market][]AnalystKind{
	MarketUS: {AnalystMarket, AnalystSocial, AnalystNews, AnalystFundamentals},
	MarketHK: {AnalystMarket, AnalystSocial, AnalystNews, AnalystFundamentals, AnalystSentiment},
	MarketCN: {AnalystMarket, AnalystSocial, AnalystNews, AnalystFundamentals, AnalystSentiment, AnalystPolicy, AnalystFundFlow},
}

// QuickScanAnalysts is the fixed L1 selection.
var QuickScanAnalysts = []AnalystKind{AnalystMarket, AnalystNews, AnalystMacro}

// DefaultTimeoutSeconds is the per-kind wall-clock budget for one analyst branch.
var DefaultTimeoutSeconds = map[AnalystKind]int{
	AnalystMarket:       45,
	AnalystSocial:       45,
	AnalystNews:         60,
	AnalystFundamentals: 60,
	AnalystSentiment:    45,
	AnalystPolicy:       45,
	AnalystFundFlow:     45,
	AnalystMacro:        60,
}

// FallbackReport is the degradation stub emitted when an analyst branch
// times out or fails. Downstream agents treat these as valid input.
var FallbackReport = map[AnalystKind]string{
	AnalystMarket:       "[Market Analyst] Analysis unavailable. Technical analysis could not be completed for this session; no indicator data was produced.",
	AnalystSocial:       "[Social Analyst] Analysis unavailable. Social media discussion could not be summarized for this session.",
	AnalystNews:         "[News Analyst] Analysis unavailable. Recent news coverage could not be retrieved for this session.",
	AnalystFundamentals: "[Fundamentals Analyst] Analysis unavailable. Financial statement review could not be completed for this session.",
	AnalystSentiment:    "[Sentiment Analyst] Analysis unavailable. Market sentiment could not be gauged for this session.",
	AnalystPolicy:       "[Policy Analyst] Analysis unavailable. Policy and regulatory review could not be completed for this session.",
	AnalystFundFlow:     "[Fund Flow Analyst] Analysis unavailable. Capital flow data could not be retrieved for this session.",
	AnalystMacro:        "[Macro Analyst] Analysis unavailable. Macroeconomic review could not be completed for this session.",
}

// ParseAnalyst converts a wire value to an AnalystKind.
func ParseAnalyst(s string) (AnalystKind, bool) {
	k := AnalystKind(s)
	_, ok := AnalystNode[k]
	return k, ok
}
