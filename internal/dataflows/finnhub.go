package dataflows

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/dyike/CortexFlow/internal/models"
)

// FinnhubClient fetches daily candles and company news. All upstream calls
// go through a circuit breaker so a flapping provider degrades fast instead
// of stalling analyst branches.
type FinnhubClient struct {
	client  *resty.Client
	breaker *gobreaker.CircuitBreaker
	cache   *ttlCache
	apiKey  string
	log     *zap.Logger
}

func NewFinnhubClient(apiKey string, log *zap.Logger) *FinnhubClient {
	client := resty.New().
		SetBaseURL("https://finnhub.io/api/v1").
		SetTimeout(30 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond)

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "finnhub",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})

	return &FinnhubClient{
		client:  client,
		breaker: breaker,
		cache:   newTTLCache(6 * time.Hour),
		apiKey:  apiKey,
		log:     log.Named("finnhub"),
	}
}

type candleResponse struct {
	Close  []float64 `json:"c"`
	High   []float64 `json:"h"`
	Low    []float64 `json:"l"`
	Open   []float64 `json:"o"`
	Time   []int64   `json:"t"`
	Volume []float64 `json:"v"`
	Status string    `json:"s"`
}

// DailyCandles returns up to days daily bars ending at the most recent
// trading day, oldest first.
func (fc *FinnhubClient) DailyCandles(ctx context.Context, symbol string, days int) ([]models.Candle, error) {
	if fc.apiKey == "" {
		return nil, fmt.Errorf("finnhub api key not configured")
	}
	if days <= 0 {
		days = 30
	}

	cacheKey := fmt.Sprintf("candles/%s/%d", symbol, days)
	if v, ok := fc.cache.get(cacheKey); ok {
		return v.([]models.Candle), nil
	}

	to := time.Now()
	// Extra calendar days to cover weekends and holidays.
	from := to.AddDate(0, 0, -(days*7/5 + 10))

	body, err := fc.call(ctx, "/stock/candle", map[string]string{
		"symbol":     symbol,
		"resolution": "D",
		"from":       fmt.Sprintf("%d", from.Unix()),
		"to":         fmt.Sprintf("%d", to.Unix()),
	})
	if err != nil {
		return nil, err
	}

	var cr candleResponse
	if err := json.Unmarshal(body, &cr); err != nil {
		return nil, fmt.Errorf("parse candle response: %w", err)
	}
	if cr.Status != "ok" || len(cr.Time) == 0 {
		return nil, fmt.Errorf("no candle data for %s", symbol)
	}

	candles := make([]models.Candle, 0, len(cr.Time))
	for i := range cr.Time {
		candles = append(candles, models.Candle{
			Symbol: symbol,
			Date:   time.Unix(cr.Time[i], 0).UTC().Format("2006-01-02"),
			Open:   decimal.NewFromFloat(cr.Open[i]),
			High:   decimal.NewFromFloat(cr.High[i]),
			Low:    decimal.NewFromFloat(cr.Low[i]),
			Close:  decimal.NewFromFloat(cr.Close[i]),
			Volume: int64(cr.Volume[i]),
		})
	}
	if len(candles) > days {
		candles = candles[len(candles)-days:]
	}

	fc.cache.set(cacheKey, candles)
	return candles, nil
}

type finnhubNews struct {
	DateTime int64  `json:"datetime"`
	Headline string `json:"headline"`
	Source   string `json:"source"`
	Summary  string `json:"summary"`
	URL      string `json:"url"`
}

// CompanyNews returns recent headlines for a symbol in the date window.
func (fc *FinnhubClient) CompanyNews(ctx context.Context, symbol string, from, to time.Time) ([]models.NewsItem, error) {
	if fc.apiKey == "" {
		return nil, fmt.Errorf("finnhub api key not configured")
	}

	cacheKey := fmt.Sprintf("news/%s/%s/%s", symbol, from.Format("2006-01-02"), to.Format("2006-01-02"))
	if v, ok := fc.cache.get(cacheKey); ok {
		return v.([]models.NewsItem), nil
	}

	body, err := fc.call(ctx, "/company-news", map[string]string{
		"symbol": symbol,
		"from":   from.Format("2006-01-02"),
		"to":     to.Format("2006-01-02"),
	})
	if err != nil {
		return nil, err
	}

	var rows []finnhubNews
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("parse news response: %w", err)
	}

	items := make([]models.NewsItem, 0, len(rows))
	for _, row := range rows {
		items = append(items, models.NewsItem{
			Title:     row.Headline,
			Source:    row.Source,
			Published: time.Unix(row.DateTime, 0).UTC().Format("2006-01-02"),
			URL:       row.URL,
			Snippet:   row.Summary,
		})
	}

	fc.cache.set(cacheKey, items)
	return items, nil
}

// Peers returns comparable tickers for a symbol, the symbol itself excluded.
func (fc *FinnhubClient) Peers(ctx context.Context, symbol string) ([]string, error) {
	if fc.apiKey == "" {
		return nil, fmt.Errorf("finnhub api key not configured")
	}

	cacheKey := "peers/" + symbol
	if v, ok := fc.cache.get(cacheKey); ok {
		return v.([]string), nil
	}

	body, err := fc.call(ctx, "/stock/peers", map[string]string{"symbol": symbol})
	if err != nil {
		return nil, err
	}

	var rows []string
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("parse peers response: %w", err)
	}
	peers := make([]string, 0, len(rows))
	for _, p := range rows {
		if p != "" && p != symbol {
			peers = append(peers, p)
		}
	}

	fc.cache.set(cacheKey, peers)
	return peers, nil
}

func (fc *FinnhubClient) call(ctx context.Context, path string, params map[string]string) ([]byte, error) {
	result, err := fc.breaker.Execute(func() (interface{}, error) {
		resp, err := fc.client.R().
			SetContext(ctx).
			SetQueryParams(params).
			SetQueryParam("token", fc.apiKey).
			Get(path)
		if err != nil {
			return nil, fmt.Errorf("finnhub %s: %w", path, err)
		}
		if resp.StatusCode() != 200 {
			return nil, fmt.Errorf("finnhub %s: status %d: %s", path, resp.StatusCode(), resp.String())
		}
		return resp.Body(), nil
	})
	if err != nil {
		fc.log.Warn("finnhub request failed", zap.String("path", path), zap.Error(err))
		return nil, err
	}
	return result.([]byte), nil
}
