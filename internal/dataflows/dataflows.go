package dataflows

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/dyike/CortexFlow/internal/config"
	"github.com/dyike/CortexFlow/internal/models"
)

// MarketDataSource supplies daily OHLCV bars.
type MarketDataSource interface {
	DailyCandles(ctx context.Context, symbol string, days int) ([]models.Candle, error)
}

// CompanyNewsSource supplies dated headlines for one symbol.
type CompanyNewsSource interface {
	CompanyNews(ctx context.Context, symbol string, from, to time.Time) ([]models.NewsItem, error)
}

// HeadlineSource supplies keyword-searched headlines.
type HeadlineSource interface {
	Search(ctx context.Context, query string, maxResults int) ([]models.NewsItem, error)
}

// PeerSource supplies comparable tickers for one symbol.
type PeerSource interface {
	Peers(ctx context.Context, symbol string) ([]string, error)
}

// Provider bundles every upstream data source the analyst tools draw from.
type Provider struct {
	Market      MarketDataSource
	CompanyNews CompanyNewsSource
	Headlines   HeadlineSource
	Peers       PeerSource
}

// NewProvider wires the production sources.
func NewProvider(cfg *config.Config, log *zap.Logger) *Provider {
	finnhub := NewFinnhubClient(cfg.FinnhubAPIKey, log)
	return &Provider{
		Market:      finnhub,
		CompanyNews: finnhub,
		Headlines:   NewNewsScraper(log),
		Peers:       finnhub,
	}
}
