// Package polymarket adapts Polymarket's Gamma REST API and CLOB market
// WebSocket to the venue capability set.
package polymarket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rickgao/orderbook-capture/internal/model"
	"github.com/rickgao/orderbook-capture/internal/venue"
)

// Discoverer finds markets via the Gamma API. A condition with N outcome
// tokens yields N Markets sharing the condition ID.
type Discoverer struct {
	rest   *venue.RESTClient
	logger *slog.Logger
}

// NewDiscoverer creates a Gamma discovery client.
func NewDiscoverer(gammaURL string, logger *slog.Logger) *Discoverer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Discoverer{
		rest:   venue.NewRESTClient(gammaURL),
		logger: logger.With("component", "polymarket_discovery"),
	}
}

// Discover fetches markets matching the filters. Series, tag and condition
// lookups hit the API; slug patterns and liquidity/volume thresholds are
// applied client-side.
func (d *Discoverer) Discover(ctx context.Context, filters model.Filters) ([]model.Market, error) {
	f := filters.Polymarket
	if f == nil {
		return nil, fmt.Errorf("polymarket filters not set")
	}

	var markets []model.Market

	for _, seriesID := range f.SeriesIDs {
		found, err := d.fetchEvents(ctx, url.Values{
			"series_id": {seriesID},
			"active":    {"true"},
			"closed":    {"false"},
		})
		if err != nil {
			if skippable(err) {
				d.logger.Warn("series fetch failed, skipping cycle entry", "series_id", seriesID, "error", err)
				continue
			}
			return nil, err
		}
		markets = append(markets, found...)
	}

	for _, tagID := range f.TagIDs {
		found, err := d.fetchEvents(ctx, url.Values{
			"tag_id": {strconv.Itoa(tagID)},
			"active": {"true"},
			"closed": {"false"},
		})
		if err != nil {
			if skippable(err) {
				d.logger.Warn("tag fetch failed, skipping cycle entry", "tag_id", tagID, "error", err)
				continue
			}
			return nil, err
		}
		markets = append(markets, found...)
	}

	for _, conditionID := range f.ConditionIDs {
		found, err := d.fetchByCondition(ctx, conditionID)
		if err != nil {
			if skippable(err) {
				d.logger.Warn("condition fetch failed, skipping cycle entry", "condition_id", conditionID, "error", err)
				continue
			}
			return nil, err
		}
		markets = append(markets, found...)
	}

	if len(f.SlugPatterns) > 0 {
		markets = filterBySlug(markets, f.SlugPatterns)
	}
	markets = applyThresholds(markets, f)

	return dedupeByToken(markets), nil
}

// Close releases resources. The HTTP client holds none beyond idle
// connections, which the transport manages.
func (d *Discoverer) Close() {}

// skippable reports whether a discovery error should skip the entry for
// this cycle rather than fail it (4xx other than auth).
func skippable(err error) bool {
	var apiErr *venue.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.StatusCode >= 400 && apiErr.StatusCode < 500 && !apiErr.IsAuth()
}

// fetchEvents pages through GET /events and flattens embedded markets.
func (d *Discoverer) fetchEvents(ctx context.Context, query url.Values) ([]model.Market, error) {
	const pageSize = 100

	var markets []model.Market
	offset := 0

	for {
		q := url.Values{}
		for k, v := range query {
			q[k] = v
		}
		q.Set("limit", strconv.Itoa(pageSize))
		q.Set("offset", strconv.Itoa(offset))

		var events []gammaEvent
		if err := d.rest.GetJSON(ctx, "/events", q, &events); err != nil {
			return nil, fmt.Errorf("get events: %w", err)
		}

		for _, ev := range events {
			for _, m := range ev.Markets {
				markets = append(markets, parseMarket(m, &ev)...)
			}
		}

		if len(events) < pageSize {
			break
		}
		offset += pageSize
	}

	return markets, nil
}

func (d *Discoverer) fetchByCondition(ctx context.Context, conditionID string) ([]model.Market, error) {
	var resp []gammaMarket
	q := url.Values{"condition_id": {conditionID}}
	if err := d.rest.GetJSON(ctx, "/markets", q, &resp); err != nil {
		return nil, fmt.Errorf("get market %s: %w", conditionID, err)
	}
	if len(resp) == 0 {
		return nil, nil
	}
	return parseMarket(resp[0], nil), nil
}

// parseMarket fans a Gamma market out into one Market per outcome token.
func parseMarket(m gammaMarket, ev *gammaEvent) []model.Market {
	var (
		eventID, eventSlug, eventTitle string
		seriesID                       string
		category, subcategory          string
		tags                           []string
	)
	if ev != nil {
		eventID = ev.ID
		eventSlug = ev.Slug
		eventTitle = ev.Title
		if len(ev.Series) > 0 {
			seriesID = ev.Series[0].ID.String()
		}
		for _, t := range ev.Tags {
			tags = append(tags, t.Label)
		}
		if len(tags) > 0 {
			category = tags[0]
		}
		if len(tags) > 1 {
			subcategory = tags[1]
		}
	}

	volume, _ := m.Volume.Float64()
	liquidity, _ := m.Liquidity.Float64()

	now := time.Now()
	markets := make([]model.Market, 0, len(m.ClobTokenIDs))
	for i, tokenID := range m.ClobTokenIDs {
		outcome := ""
		if i < len(m.Outcomes) {
			outcome = m.Outcomes[i]
		}
		markets = append(markets, model.Market{
			Platform:     model.PlatformPolymarket,
			ConditionID:  m.ConditionID,
			TokenID:      tokenID,
			Slug:         m.Slug,
			EventSlug:    eventSlug,
			Title:        m.Question,
			Outcome:      outcome,
			OutcomeIndex: i,
			EventID:      eventID,
			EventTitle:   eventTitle,
			Category:     category,
			Subcategory:  subcategory,
			SeriesID:     seriesID,
			Tags:         tags,
			Description:  m.Description,
			StartTime:    parseISO(m.StartDate),
			EndTime:      parseISO(m.EndDate),
			Volume:       volume,
			Liquidity:    liquidity,
			IsActive:     m.Active,
			IsClosed:     m.Closed,
			State:        model.StateDiscovered,
			CreatedAt:    now,
			UpdatedAt:    now,
		})
	}

	return markets
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

// filterBySlug keeps markets whose market slug (or, when that is empty, the
// event slug) contains any pattern (case-insensitive substring).
func filterBySlug(markets []model.Market, patterns []string) []model.Market {
	var filtered []model.Market
	for _, m := range markets {
		slug := m.Slug
		if slug == "" {
			slug = m.EventSlug
		}
		slug = strings.ToLower(slug)
		for _, p := range patterns {
			if strings.Contains(slug, strings.ToLower(p)) {
				filtered = append(filtered, m)
				break
			}
		}
	}
	return filtered
}

func applyThresholds(markets []model.Market, f *model.PolymarketFilters) []model.Market {
	if f.MinLiquidity == nil && f.MinVolume == nil {
		return markets
	}
	var result []model.Market
	for _, m := range markets {
		if f.MinLiquidity != nil && m.Liquidity < *f.MinLiquidity {
			continue
		}
		if f.MinVolume != nil && m.Volume < *f.MinVolume {
			continue
		}
		result = append(result, m)
	}
	return result
}

func dedupeByToken(markets []model.Market) []model.Market {
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
