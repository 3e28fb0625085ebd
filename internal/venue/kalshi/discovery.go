// Package kalshi adapts the Kalshi trade API (authenticated REST plus
// WebSocket) to the venue capability set. Yes/No books are reflected into
// the normalized bid/ask model; cents become decimals.
package kalshi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rickgao/orderbook-capture/internal/auth"
	"github.com/rickgao/orderbook-capture/internal/model"
	"github.com/rickgao/orderbook-capture/internal/venue"
)

const discoveryPageSize = 200

// Discoverer finds markets via the authenticated REST API. One Market per
// ticker: Kalshi has Yes/No sides, not separate outcome tokens, so the
// ticker serves as both condition and token ID.
type Discoverer struct {
	rest   *venue.RESTClient
	logger *slog.Logger
}

// NewDiscoverer creates an authenticated REST discovery client.
func NewDiscoverer(baseURL string, creds *auth.Credentials, logger *slog.Logger) *Discoverer {
	if logger == nil {
		logger = slog.Default()
	}
	rest := venue.NewRESTClient(baseURL)
	rest.Sign = creds.SignRequest
	return &Discoverer{
		rest:   rest,
		logger: logger.With("component", "kalshi_discovery"),
	}
}

// Discover fetches markets matching the filters. Series/event/status push
// down to the query; volume, open interest and title filters apply
// client-side.
func (d *Discoverer) Discover(ctx context.Context, filters model.Filters) ([]model.Market, error) {
	f := filters.Kalshi
	if f == nil {
		return nil, fmt.Errorf("kalshi filters not set")
	}

	status := f.Status
	if status == "" {
		status = "open"
	}

	var markets []model.Market

	for _, seriesTicker := range f.SeriesTickers {
		found, err := d.fetchMarkets(ctx, url.Values{"series_ticker": {seriesTicker}, "status": {status}})
		if err != nil {
			return nil, err
		}
		markets = append(markets, found...)
	}

	for _, eventTicker := range f.EventTickers {
		found, err := d.fetchMarkets(ctx, url.Values{"event_ticker": {eventTicker}, "status": {status}})
		if err != nil {
			return nil, err
		}
		markets = append(markets, found...)
	}

	for _, ticker := range f.MarketTickers {
		m, err := d.fetchMarket(ctx, ticker)
		if err != nil {
			var apiErr *venue.APIError
			if errors.As(err, &apiErr) && !apiErr.IsAuth() && apiErr.StatusCode < 500 {
				d.logger.Warn("market fetch failed, skipping cycle entry", "ticker", ticker, "error", err)
				continue
			}
			return nil, err
		}
		markets = append(markets, m)
	}

	// No scoping filters at all: fetch everything with the given status.
	if len(f.SeriesTickers) == 0 && len(f.EventTickers) == 0 && len(f.MarketTickers) == 0 {
		found, err := d.fetchMarkets(ctx, url.Values{"status": {status}})
		if err != nil {
			return nil, err
		}
		markets = append(markets, found...)
	}

	markets = applyFilters(markets, f)

	return dedupeByTicker(markets), nil
}

// Close releases resources.
func (d *Discoverer) Close() {}

// fetchMarkets pages through GET /markets by cursor.
func (d *Discoverer) fetchMarkets(ctx context.Context, query url.Values) ([]model.Market, error) {
	var markets []model.Market
	cursor := ""

	for {
		q := url.Values{}
		for k, v := range query {
			q[k] = v
		}
		q.Set("limit", strconv.Itoa(discoveryPageSize))
		if cursor != "" {
			q.Set("cursor", cursor)
		}

		var resp marketsResponse
		if err := d.rest.GetJSON(ctx, "/markets", q, &resp); err != nil {
			return nil, fmt.Errorf("get markets: %w", err)
		}

		for _, m := range resp.Markets {
			markets = append(markets, parseMarket(m))
		}

		if resp.Cursor == "" {
			break
		}
		cursor = resp.Cursor
	}

	return markets, nil
}

func (d *Discoverer) fetchMarket(ctx context.Context, ticker string) (model.Market, error) {
	var resp singleMarketResponse
	if err := d.rest.GetJSON(ctx, "/markets/"+ticker, nil, &resp); err != nil {
		return model.Market{}, err
	}
	return parseMarket(resp.Market), nil
}

func parseMarket(m apiMarket) model.Market {
	now := time.Now()
	return model.Market{
		Platform: model.PlatformKalshi,
		// Kalshi has a single ID per market: the ticker fills both roles.
		ConditionID: m.Ticker,
		TokenID:     m.Ticker,
		Slug:        m.Ticker,
		EventSlug:   m.EventTicker,
		Title:       m.Title,
		EventID:     m.EventTicker,
		EventTitle:  m.Subtitle,
		Category:    m.Category,
		SeriesID:    m.SeriesTicker,
		Description: m.RulesPrimary,
		StartTime:   parseISO(m.OpenTime),
		EndTime:     parseISO(m.CloseTime),
		Volume:      float64(m.Volume),
		// Open interest serves as the liquidity proxy.
		Liquidity: float64(m.OpenInterest),
		IsActive:  m.Status == "open",
		IsClosed:  m.Status == "closed" || m.Status == "settled",
		State:     model.StateDiscovered,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func parseISO(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil
	}
	return &t
}

func applyFilters(markets []model.Market, f *model.KalshiFilters) []model.Market {
	result := markets

	if f.MinVolume != nil {
		result = keep(result, func(m model.Market) bool { return m.Volume >= *f.MinVolume })
	}
	if f.MinOpenInterest != nil {
		result = keep(result, func(m model.Market) bool { return m.Liquidity >= *f.MinOpenInterest })
	}
	if f.TitleContains != "" {
		pattern := strings.ToLower(f.TitleContains)
		result = keep(result, func(m model.Market) bool {
			return strings.Contains(strings.ToLower(m.Title), pattern)
		})
	}

	return result
}

func keep(markets []model.Market, pred func(model.Market) bool) []model.Market {
	out := markets[:0:0]
	for _, m := range markets {
		if pred(m) {
			out = append(out, m)
		}
	}
	return out
}

func dedupeByTicker(markets []model.Market) []model.Market {
	seen := make(map[string]struct{}, len(markets))
	unique := markets[:0:0]
	for _, m := range markets {
		if _, ok := seen[m.TokenID]; ok {
			continue
		}
		seen[m.TokenID] = struct{}{}
		unique = append(unique, m)
	}
	return unique
}
