package dataflows

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/dyike/CortexFlow/internal/models"
)

// NewsScraper pulls headlines from the Google News RSS feed. It is the
// keyless source behind the global/macro news tool.
type NewsScraper struct {
	client *resty.Client
	cache  *ttlCache
	log    *zap.Logger
}

func NewNewsScraper(log *zap.Logger) *NewsScraper {
	client := resty.New().
		SetTimeout(30 * time.Second).
		SetHeader("User-Agent", "Mozilla/5.0 (compatible; CortexFlow/1.0)")
	return &NewsScraper{
		client: client,
		cache:  newTTLCache(2 * time.Hour),
		log:    log.Named("news_scraper"),
	}
}

// Search returns up to maxResults headlines matching the query, newest first
// as the feed orders them.
func (ns *NewsScraper) Search(ctx context.Context, query string, maxResults int) ([]models.NewsItem, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("search query cannot be empty")
	}
	if maxResults <= 0 {
		maxResults = 20
	}

	cacheKey := fmt.Sprintf("search/%s/%d", query, maxResults)
	if v, ok := ns.cache.get(cacheKey); ok {
		return v.([]models.NewsItem), nil
	}

	feedURL := fmt.Sprintf("https://news.google.com/rss/search?q=%s&hl=en-US&gl=US&ceid=US:en",
		url.QueryEscape(query))
	resp, err := ns.client.R().SetContext(ctx).Get(feedURL)
	if err != nil {
		return nil, fmt.Errorf("fetch news feed: %w", err)
	}
	if resp.StatusCode() != 200 {
		return nil, fmt.Errorf("news feed status %d", resp.StatusCode())
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(resp.String()))
	if err != nil {
		return nil, fmt.Errorf("parse news feed: %w", err)
	}

	var items []models.NewsItem
	doc.Find("item").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		title := strings.TrimSpace(sel.Find("title").Text())
		if title == "" {
			return true
		}
		item := models.NewsItem{
			Title:     title,
			Source:    strings.TrimSpace(sel.Find("source").Text()),
			Published: strings.TrimSpace(sel.Find("pubDate").Text()),
			URL:       strings.TrimSpace(sel.Find("link").Text()),
		}
		// Google News titles carry " - Source" suffixes; strip when the
		// source element already names it.
		if item.Source != "" {
			item.Title = strings.TrimSuffix(item.Title, " - "+item.Source)
		}
		items = append(items, item)
		return len(items) < maxResults
	})

	if len(items) == 0 {
		return nil, fmt.Errorf("no headlines found for %q", query)
	}

	ns.cache.set(cacheKey, items)
	return items, nil
}
