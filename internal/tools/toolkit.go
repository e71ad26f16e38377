package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cloudwego/eino/components/tool"
	t_utils "github.com/cloudwego/eino/components/tool/utils"
	"github.com/cloudwego/eino/schema"
	"go.uber.org/zap"

	"github.com/dyike/CortexFlow/consts"
	"github.com/dyike/CortexFlow/internal/dataflows"
	"github.com/dyike/CortexFlow/internal/models"
)

// Toolkit owns every tool the analyst agents can call and the mapping from
// analyst kind to tool subset.
type Toolkit struct {
	provider *dataflows.Provider
	log      *zap.Logger

	byName map[string]tool.InvokableTool
}

func NewToolkit(provider *dataflows.Provider, log *zap.Logger) *Toolkit {
	tk := &Toolkit{
		provider: provider,
		log:      log.Named("tools"),
		byName:   map[string]tool.InvokableTool{},
	}
	tk.register("get_market_data", tk.newMarketDataTool())
	tk.register("get_stock_stats_indicators_window", tk.newIndicatorTool())
	tk.register("get_company_news", tk.newCompanyNewsTool())
	tk.register("search_news", tk.newSearchNewsTool())
	return tk
}

func (tk *Toolkit) register(name string, t tool.InvokableTool) {
	tk.byName[name] = t
}

// analystTools maps each analyst kind to the tool names it may call.
var analystTools = map[consts.AnalystKind][]string{
	consts.AnalystMarket:       {"get_market_data", "get_stock_stats_indicators_window"},
	consts.AnalystSocial:       {"search_news"},
	consts.AnalystNews:         {"get_company_news", "search_news"},
	consts.AnalystFundamentals: {"get_company_news", "get_market_data"},
	consts.AnalystSentiment:    {"search_news", "get_market_data"},
	consts.AnalystPolicy:       {"search_news"},
	consts.AnalystFundFlow:     {"get_market_data", "search_news"},
	consts.AnalystMacro:        {"search_news"},
}

// ForAnalyst returns the tool set one analyst kind is allowed to use.
func (tk *Toolkit) ForAnalyst(kind consts.AnalystKind) []tool.BaseTool {
	names := analystTools[kind]
	out := make([]tool.BaseTool, 0, len(names))
	for _, name := range names {
		out = append(out, tk.byName[name])
	}
	return out
}

// InfosForAnalyst returns the tool schemas for binding to a chat model.
func (tk *Toolkit) InfosForAnalyst(ctx context.Context, kind consts.AnalystKind) ([]*schema.ToolInfo, error) {
	ts := tk.ForAnalyst(kind)
	infos := make([]*schema.ToolInfo, 0, len(ts))
	for _, t := range ts {
		info, err := t.Info(ctx)
		if err != nil {
			return nil, fmt.Errorf("tool info: %w", err)
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// Invoke runs one named tool with raw JSON arguments and returns its text
// result. Unknown tool names and tool failures come back as readable text
// so the agent loop can carry on.
func (tk *Toolkit) Invoke(ctx context.Context, name, argumentsJSON string) string {
	t, ok := tk.byName[name]
	if !ok {
		return fmt.Sprintf("Error: unknown tool %q", name)
	}
	result, err := t.InvokableRun(ctx, argumentsJSON)
	if err != nil {
		tk.log.Warn("tool call failed", zap.String("tool", name), zap.Error(err))
		return fmt.Sprintf("Error calling %s: %v", name, err)
	}
	return result
}

type marketDataInput struct {
	Symbol string `json:"symbol"`
	Count  int    `json:"count"`
}

type textOutput struct {
	Result string `json:"result"`
}

func (tk *Toolkit) newMarketDataTool() tool.InvokableTool {
	return t_utils.NewTool(
		&schema.ToolInfo{
			Name: "get_market_data",
			Desc: "Get daily OHLCV market data for a stock symbol",
			ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
				"symbol": {
					Type:     "string",
					Desc:     "The stock symbol",
					Required: true,
				},
				"count": {
					Type:     "integer",
					Desc:     "Number of trading days to retrieve (default: 30)",
					Required: false,
				},
			}),
		},
		func(ctx context.Context, input marketDataInput) (*textOutput, error) {
			if input.Symbol == "" {
				return nil, fmt.Errorf("symbol parameter is required")
			}
			count := input.Count
			if count <= 0 {
				count = 30
			}
			candles, err := tk.provider.Market.DailyCandles(ctx, input.Symbol, count)
			if err != nil {
				return nil, err
			}

			var b strings.Builder
			fmt.Fprintf(&b, "## Daily OHLCV for %s (%d bars)\n\n", input.Symbol, len(candles))
			b.WriteString("Date | Open | High | Low | Close | Volume\n")
			for _, c := range candles {
				fmt.Fprintf(&b, "%s | %s | %s | %s | %s | %d\n",
					c.Date, c.Open.StringFixed(2), c.High.StringFixed(2),
					c.Low.StringFixed(2), c.Close.StringFixed(2), c.Volume)
			}
			return &textOutput{Result: b.String()}, nil
		},
	)
}

type indicatorInput struct {
	Symbol       string `json:"symbol"`
	Indicator    string `json:"indicator"`
	LookBackDays int    `json:"look_back_days"`
}

func (tk *Toolkit) newIndicatorTool() tool.InvokableTool {
	supported := make([]string, 0, len(indicatorGuide))
	for name := range indicatorGuide {
		supported = append(supported, name)
	}

	return t_utils.NewTool(
		&schema.ToolInfo{
			Name: "get_stock_stats_indicators_window",
			Desc: "Get technical indicator values for a stock over a look-back window. Supported indicators: " + strings.Join(supported, ", "),
			ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
				"symbol": {
					Type:     "string",
					Desc:     "Ticker symbol of the company",
					Required: true,
				},
				"indicator": {
					Type:     "string",
					Desc:     "Technical indicator to compute",
					Required: true,
				},
				"look_back_days": {
					Type:     "integer",
					Desc:     "How many days to look back (default: 30)",
					Required: false,
				},
			}),
		},
		func(ctx context.Context, input indicatorInput) (*textOutput, error) {
			if input.Symbol == "" {
				return nil, fmt.Errorf("symbol parameter is required")
			}
			guide, ok := indicatorGuide[input.Indicator]
			if !ok {
				return nil, fmt.Errorf("indicator %s is not supported. Choose from: %s",
					input.Indicator, strings.Join(supported, ", "))
			}
			lookBack := input.LookBackDays
			if lookBack <= 0 {
				lookBack = 30
			}

			// Longer history so slow indicators have enough warmup bars.
			candles, err := tk.provider.Market.DailyCandles(ctx, input.Symbol, lookBack+250)
			if err != nil {
				return nil, err
			}
			values, err := computeIndicator(candles, input.Indicator)
			if err != nil {
				return nil, err
			}
			if len(values) > lookBack {
				values = values[len(values)-lookBack:]
			}

			var b strings.Builder
			fmt.Fprintf(&b, "## %s values for %s (last %d readings):\n\n", input.Indicator, input.Symbol, len(values))
			for _, v := range values {
				fmt.Fprintf(&b, "%s: %.4f\n", v.Date, v.Value)
			}
			b.WriteString("\n" + guide)
			return &textOutput{Result: b.String()}, nil
		},
	)
}

type companyNewsInput struct {
	Symbol       string `json:"symbol"`
	LookBackDays int    `json:"look_back_days"`
}

func (tk *Toolkit) newCompanyNewsTool() tool.InvokableTool {
	return t_utils.NewTool(
		&schema.ToolInfo{
			Name: "get_company_news",
			Desc: "Get recent news headlines for a specific company",
			ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
				"symbol": {
					Type:     "string",
					Desc:     "The stock symbol",
					Required: true,
				},
				"look_back_days": {
					Type:     "integer",
					Desc:     "How many days of news to retrieve (default: 7)",
					Required: false,
				},
			}),
		},
		func(ctx context.Context, input companyNewsInput) (*textOutput, error) {
			if input.Symbol == "" {
				return nil, fmt.Errorf("symbol parameter is required")
			}
			lookBack := input.LookBackDays
			if lookBack <= 0 {
				lookBack = 7
			}
			to := time.Now()
			items, err := tk.provider.CompanyNews.CompanyNews(ctx, input.Symbol, to.AddDate(0, 0, -lookBack), to)
			if err != nil {
				return nil, err
			}
			return &textOutput{Result: formatNews(fmt.Sprintf("News for %s, last %d days", input.Symbol, lookBack), items)}, nil
		},
	)
}

type searchNewsInput struct {
	Query      string `json:"query"`
	MaxResults int    `json:"max_results"`
}

func (tk *Toolkit) newSearchNewsTool() tool.InvokableTool {
	return t_utils.NewTool(
		&schema.ToolInfo{
			Name: "search_news",
			Desc: "Search recent news headlines by keyword, for macro, policy, and sentiment research",
			ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
				"query": {
					Type:     "string",
					Desc:     "Search keywords",
					Required: true,
				},
				"max_results": {
					Type:     "integer",
					Desc:     "Maximum number of headlines (default: 20)",
					Required: false,
				},
			}),
		},
		func(ctx context.Context, input searchNewsInput) (*textOutput, error) {
			items, err := tk.provider.Headlines.Search(ctx, input.Query, input.MaxResults)
			if err != nil {
				return nil, err
			}
			return &textOutput{Result: formatNews("Headlines for "+input.Query, items)}, nil
		},
	)
}

func formatNews(title string, items []models.NewsItem) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## %s (%d items)\n\n", title, len(items))
	for _, item := range items {
		fmt.Fprintf(&b, "- [%s] %s (%s)\n", item.Published, item.Title, item.Source)
		if item.Snippet != "" {
			fmt.Fprintf(&b, "  %s\n", item.Snippet)
		}
	}
	return b.String()
}
