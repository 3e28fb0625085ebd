package model

import (
	"encoding/json"
	"fmt"
	"slices"
)

// PolymarketFilters selects markets from the Gamma API.
type PolymarketFilters struct {
	SeriesIDs    []string `json:"series_ids" yaml:"series_ids"`
	TagIDs       []int    `json:"tag_ids" yaml:"tag_ids"`
	SlugPatterns []string `json:"slug_patterns" yaml:"slug_patterns"`
	ConditionIDs []string `json:"condition_ids" yaml:"condition_ids"`
	MinLiquidity *float64 `json:"min_liquidity" yaml:"min_liquidity"`
	MinVolume    *float64 `json:"min_volume" yaml:"min_volume"`
}

// KalshiFilters selects markets from the Kalshi REST API.
// Markets are organized as series -> events -> markets.
type KalshiFilters struct {
	SeriesTickers   []string `json:"series_tickers" yaml:"series_tickers"`
	EventTickers    []string `json:"event_tickers" yaml:"event_tickers"`
	MarketTickers   []string `json:"market_tickers" yaml:"market_tickers"`
	Status          string   `json:"status" yaml:"status"` // open, closed, settled
	MinVolume       *float64 `json:"min_volume" yaml:"min_volume"`
	MinOpenInterest *float64 `json:"min_open_interest" yaml:"min_open_interest"`
	TitleContains   string   `json:"title_contains" yaml:"title_contains"`
}

// Filters is the platform-discriminated filter set for a listener.
// Exactly one side is non-nil, matching the config's platform.
type Filters struct {
	Polymarket *PolymarketFilters `yaml:"polymarket"`
	Kalshi     *KalshiFilters     `yaml:"kalshi"`
}

// DecodeFilters parses the raw JSON filters column for the given platform.
func DecodeFilters(platform Platform, raw []byte) (Filters, error) {
	if len(raw) == 0 {
		raw = []byte("{}")
	}

	switch platform {
	case PlatformPolymarket:
		var f PolymarketFilters
		if err := json.Unmarshal(raw, &f); err != nil {
			return Filters{}, fmt.Errorf("parse polymarket filters: %w", err)
		}
		return Filters{Polymarket: &f}, nil

	case PlatformKalshi:
		var f KalshiFilters
		if err := json.Unmarshal(raw, &f); err != nil {
			return Filters{}, fmt.Errorf("parse kalshi filters: %w", err)
		}
		return Filters{Kalshi: &f}, nil

	default:
		return Filters{}, fmt.Errorf("unknown platform %q", platform)
	}
}

// Equal reports deep equality of the filter set.
func (f Filters) Equal(o Filters) bool {
	switch {
	case f.Polymarket != nil && o.Polymarket != nil:
		a, b := f.Polymarket, o.Polymarket
		return slices.Equal(a.SeriesIDs, b.SeriesIDs) &&
			slices.Equal(a.TagIDs, b.TagIDs) &&
			slices.Equal(a.SlugPatterns, b.SlugPatterns) &&
			slices.Equal(a.ConditionIDs, b.ConditionIDs) &&
			floatPtrEqual(a.MinLiquidity, b.MinLiquidity) &&
			floatPtrEqual(a.MinVolume, b.MinVolume)
	case f.Kalshi != nil && o.Kalshi != nil:
		a, b := f.Kalshi, o.Kalshi
		return slices.Equal(a.SeriesTickers, b.SeriesTickers) &&
			slices.Equal(a.EventTickers, b.EventTickers) &&
			slices.Equal(a.MarketTickers, b.MarketTickers) &&
			a.Status == b.Status &&
			floatPtrEqual(a.MinVolume, b.MinVolume) &&
			floatPtrEqual(a.MinOpenInterest, b.MinOpenInterest) &&
			a.TitleContains == b.TitleContains
	default:
		return f.Polymarket == nil && o.Polymarket == nil &&
			f.Kalshi == nil && o.Kalshi == nil
	}
}

func floatPtrEqual(a, b *float64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
