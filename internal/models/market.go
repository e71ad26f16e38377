package models

import "github.com/shopspring/decimal"

// Candle is one daily OHLCV bar from the market data provider.
type Candle struct {
	Symbol string          `json:"symbol"`
	Date   string          `json:"date"`
	Open   decimal.Decimal `json:"open"`
	High   decimal.Decimal `json:"high"`
	Low    decimal.Decimal `json:"low"`
	Close  decimal.Decimal `json:"close"`
	Volume int64           `json:"volume"`
}

// IndicatorValue is one dated technical indicator reading.
type IndicatorValue struct {
	Date  string  `json:"date"`
	Value float64 `json:"value"`
}

// NewsItem is one headline returned by the news tools.
type NewsItem struct {
	Title     string `json:"title"`
	Source    string `json:"source"`
	Published string `json:"published"`
	URL       string `json:"url"`
	Snippet   string `json:"snippet,omitempty"`
}
