// Package pricefeed pulls day-ahead market prices from an upstream feed and
// keeps the price store current, so schedules can be solved without waiting
// for a manual price push.
package pricefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/levenlabs/go-lflag"

	"github.com/gkmanev/BatteryBackend/pkg/common"
	"github.com/gkmanev/BatteryBackend/pkg/log"
	"github.com/gkmanev/BatteryBackend/pkg/storage"
	"github.com/gkmanev/BatteryBackend/pkg/types"
)

// Client periodically fetches the day-ahead price curve from a market data
// API and upserts it into storage. A feed resend overwrites the stored rows
// for the same timestamps.
type Client struct {
	feedURL  string
	apiKey   string
	currency string
	interval time.Duration
	client   *http.Client
	db       storage.Database

	mu            sync.Mutex
	lastFetchTime time.Time
	cachedPrices  []types.PricePoint
}

// Configured sets up flags for the price feed and returns the instance.
// It uses lflag to register command-line flags for configuration. An empty
// feed URL disables polling; prices can still be pushed over the API.
func Configured(db storage.Database) *Client {
	c := &Client{
		client: common.HTTPClient(10 * time.Second),
		db:     db,
	}
	feedURL := lflag.String("price-feed-url", "", "URL of the day-ahead price feed (empty disables polling)")
	apiKey := lflag.String("price-feed-api-key", "", "API key for the price feed (optional)")
	currency := lflag.String("price-feed-currency", "EUR", "Currency the feed quotes prices in")
	interval := lflag.Duration("price-feed-interval", 15*time.Minute, "How often to poll the price feed")

	lflag.Do(func() {
		c.feedURL = *feedURL
		c.apiKey = *apiKey
		c.currency = *currency
		c.interval = *interval
	})

	return c
}

// Enabled reports whether a feed URL was configured.
func (c *Client) Enabled() bool {
	return c.feedURL != ""
}

// Validate ensures the configuration is valid.
func (c *Client) Validate() error {
	if c.feedURL == "" {
		return nil
	}
	if _, err := url.Parse(c.feedURL); err != nil {
		return fmt.Errorf("failed to parse price-feed-url (%s): %w", c.feedURL, err)
	}
	if c.interval <= 0 {
		return fmt.Errorf("price-feed-interval must be positive, got %v", c.interval)
	}
	return nil
}

// feedEntry is one row of the upstream feed. Prices arrive as JSON numbers or
// quoted strings depending on the feed version, so the field is a json.Number.
type feedEntry struct {
	Timestamp time.Time   `json:"timestamp"`
	Price     json.Number `json:"price"`
}

// Run polls the feed until the context is canceled. A failed poll is logged
// and retried at the next tick; the stored curve just goes stale meanwhile.
func (c *Client) Run(ctx context.Context) error {
	if !c.Enabled() {
		return nil
	}
	log.Ctx(ctx).InfoContext(ctx, "starting price feed poller",
		slog.String("url", c.feedURL),
		slog.Duration("interval", c.interval))

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		if err := c.poll(ctx); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "price feed poll failed", slog.Any("error", err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (c *Client) poll(ctx context.Context) error {
	now := time.Now().UTC()
	// Cover today and the day-ahead auction results for tomorrow.
	start := now.Truncate(24 * time.Hour)
	end := start.Add(48 * time.Hour)

	prices, err := c.FetchPrices(ctx, start, end)
	if err != nil {
		return err
	}
	if len(prices) == 0 {
		return nil
	}
	if err := c.db.UpsertPrices(ctx, prices); err != nil {
		return fmt.Errorf("failed to store fetched prices: %w", err)
	}
	log.Ctx(ctx).InfoContext(ctx, "stored day-ahead prices",
		slog.Int("count", len(prices)),
		slog.Time("start", prices[0].Timestamp),
		slog.Time("end", prices[len(prices)-1].Timestamp))
	return nil
}

// FetchPrices retrieves prices from the feed for a specific range. The result
// is cached for 5 minutes so back-to-back calls do not hammer the upstream.
func (c *Client) FetchPrices(ctx context.Context, start, end time.Time) ([]types.PricePoint, error) {
	now := time.Now().UTC()

	c.mu.Lock()
	if !c.lastFetchTime.IsZero() && !now.Truncate(5*time.Minute).After(c.lastFetchTime) {
		prices := c.cachedPrices
		c.mu.Unlock()
		return prices, nil
	}
	c.mu.Unlock()

	prices, err := c.fetchPricesRange(ctx, start, end)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.cachedPrices = prices
	c.lastFetchTime = now
	c.mu.Unlock()

	return prices, nil
}

func (c *Client) fetchPricesRange(ctx context.Context, start, end time.Time) ([]types.PricePoint, error) {
	u, err := url.Parse(c.feedURL)
	if err != nil {
		return nil, fmt.Errorf("invalid feed url: %w", err)
	}

	params := url.Values{}
	params.Set("start", start.UTC().Format(time.RFC3339))
	params.Set("end", end.UTC().Format(time.RFC3339))
	params.Set("format", "json")
	u.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, "GET", u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}
	log.Ctx(ctx).DebugContext(ctx, "fetching day-ahead prices", "url", u.String())

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch prices: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("price feed returned status: %d", resp.StatusCode)
	}

	var data []feedEntry
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		// Some feeds return an empty body instead of [] when the auction
		// has not cleared yet.
		return nil, fmt.Errorf("failed to decode feed response: %w", err)
	}

	prices := make([]types.PricePoint, 0, len(data))
	skipped := 0
	for _, e := range data {
		price, err := e.Price.Float64()
		if err != nil || e.Timestamp.IsZero() {
			skipped++
			continue
		}
		prices = append(prices, types.PricePoint{
			Timestamp: e.Timestamp.UTC(),
			Price:     price,
			Currency:  c.currency,
		})
	}
	if skipped > 0 {
		log.Ctx(ctx).WarnContext(ctx, "skipped malformed feed rows", slog.Int("skipped", skipped))
	}

	sort.Slice(prices, func(i, j int) bool { return prices[i].Timestamp.Before(prices[j].Timestamp) })
	return prices, nil
}
