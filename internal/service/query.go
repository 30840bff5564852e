package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"smartmoney/internal/models"
	"smartmoney/internal/repository"
)

// QueryService holds the read-only projections served over HTTP.
type QueryService struct {
	Repo            repository.Repository
	FreshnessWindow time.Duration
	Now             func() time.Time
}

func (q *QueryService) ListTraders(ctx context.Context, params repository.ListTradersParams) ([]models.Trader, int64, error) {
	items, err := q.Repo.ListTraders(ctx, params)
	if err != nil {
		return nil, 0, err
	}
	total, err := q.Repo.CountTraders(ctx, params)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

func (q *QueryService) GetTrader(ctx context.Context, address string) (*models.Trader, error) {
	address = strings.ToLower(strings.TrimSpace(address))
	if address == "" {
		return nil, fmt.Errorf("address is required")
	}
	return q.Repo.GetTrader(ctx, address)
}

type SmartMarketQuery struct {
	Limit         int
	Offset        int
	MinSmartCount *int
	// Window overrides the freshness window when positive.
	Window time.Duration
}

// ListSmartMarkets returns fresh smart stats ranked by smart score, smart
// count and recency. Rows older than the freshness window are hidden.
func (q *QueryService) ListSmartMarkets(ctx context.Context, query SmartMarketQuery) ([]models.MarketSmartStats, int64, error) {
	window := query.Window
	if window <= 0 {
		window = q.FreshnessWindow
	}
	if window <= 0 {
		window = 48 * time.Hour
	}
	since := nowUTC(q.Now).Add(-window)
	params := repository.ListSmartStatsParams{
		Limit:         query.Limit,
		Offset:        query.Offset,
		Since:         &since,
		MinSmartCount: query.MinSmartCount,
	}
	items, err := q.Repo.ListMarketSmartStats(ctx, params)
	if err != nil {
		return nil, 0, err
	}
	total, err := q.Repo.CountMarketSmartStats(ctx, params)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

type EventOutcomes struct {
	EventSlug  string         `json:"event_slug"`
	Outcomes   []OutcomeGroup `json:"outcomes"`
	ComputedAt *time.Time     `json:"computed_at,omitempty"`
}

// EventOutcomes answers "who holds what" for one analyzed event.
func (q *QueryService) EventOutcomes(ctx context.Context, slug string) (*EventOutcomes, error) {
	slug = strings.TrimSpace(slug)
	if slug == "" {
		return nil, fmt.Errorf("slug is required")
	}
	rows, err := q.Repo.ListMultiOutcomePositions(ctx, repository.ListMultiOutcomeParams{EventSlug: slug})
	if err != nil {
		return nil, err
	}
	out := &EventOutcomes{EventSlug: slug, Outcomes: GroupPositions(rows)}
	if out.Outcomes == nil {
		out.Outcomes = []OutcomeGroup{}
	}
	for _, r := range rows {
		if out.ComputedAt == nil || r.ComputedAt.After(*out.ComputedAt) {
			at := r.ComputedAt
			out.ComputedAt = &at
		}
	}
	return out, nil
}

func (q *QueryService) ListCheckpoints(ctx context.Context, source string) ([]models.IngestionCheckpoint, error) {
	source = strings.TrimSpace(source)
	if source == "" {
		return q.Repo.ListCheckpoints(ctx, nil)
	}
	return q.Repo.ListCheckpoints(ctx, &source)
}
