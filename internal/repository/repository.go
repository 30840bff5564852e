package repository

import (
	"context"
	"errors"
	"sort"
	"time"

	"smartmoney/internal/models"
)

var (
	// ErrConflict is returned when a write violates a uniqueness constraint
	// that an upsert could not absorb.
	ErrConflict = errors.New("repository: conflict")
	// ErrUnavailable wraps connection-level store failures.
	ErrUnavailable = errors.New("repository: unavailable")
)

type TraderRepository interface {
	UpsertTrader(ctx context.Context, item *models.Trader) error
	UpdateTraderAssessment(ctx context.Context, address string, tier models.Tier, rarityScore int) error
	GetTrader(ctx context.Context, address string) (*models.Trader, error)
	ListTraders(ctx context.Context, params ListTradersParams) ([]models.Trader, error)
	CountTraders(ctx context.Context, params ListTradersParams) (int64, error)
}

type MarketRepository interface {
	UpsertMarket(ctx context.Context, item *models.Market) error
	GetMarket(ctx context.Context, id string) (*models.Market, error)
	ListMarketsByIDs(ctx context.Context, ids []string) ([]models.Market, error)
	FindMarketsByConditionIDs(ctx context.Context, conditionIDs []string) ([]models.Market, error)
	ListMarkets(ctx context.Context, params ListMarketsParams) ([]models.Market, error)
}

type SmartStatsRepository interface {
	UpsertMarketSmartStats(ctx context.Context, item *models.MarketSmartStats) error
	ListMarketSmartStats(ctx context.Context, params ListSmartStatsParams) ([]models.MarketSmartStats, error)
	CountMarketSmartStats(ctx context.Context, params ListSmartStatsParams) (int64, error)
}

type MultiOutcomeRepository interface {
	// ReplaceMultiOutcomePositions swaps the stored rows of the given markets
	// for items, so pairs that dropped to zero disappear.
	ReplaceMultiOutcomePositions(ctx context.Context, marketIDs []string, items []models.MultiOutcomePosition) error
	ListMultiOutcomePositions(ctx context.Context, params ListMultiOutcomeParams) ([]models.MultiOutcomePosition, error)
}

type CheckpointRepository interface {
	GetCheckpoint(ctx context.Context, source, key string) (*models.IngestionCheckpoint, error)
	SaveCheckpoint(ctx context.Context, item *models.IngestionCheckpoint) error
	ListCheckpoints(ctx context.Context, source *string) ([]models.IngestionCheckpoint, error)
}

type SettingsRepository interface {
	UpsertSystemSetting(ctx context.Context, item *models.SystemSetting) error
	GetSystemSettingByKey(ctx context.Context, key string) (*models.SystemSetting, error)
	ListSystemSettings(ctx context.Context, params ListSystemSettingsParams) ([]models.SystemSetting, error)
}

// Repository is everything the pipeline and the read API need from a store.
type Repository interface {
	TraderRepository
	MarketRepository
	SmartStatsRepository
	MultiOutcomeRepository
	CheckpointRepository
	SettingsRepository

	Ping(ctx context.Context) error
}

type ListTradersParams struct {
	Limit     int
	Offset    int
	Tiers     []models.Tier
	MinRarity *int
	Search    *string
	OrderBy   string
	Asc       *bool
}

type ListMarketsParams struct {
	Limit        int
	Offset       int
	EventSlug    *string
	Pinned       *bool
	Closed       *bool
	SyncedBefore *time.Time
	OrderBy      string
	Asc          *bool
}

// ListSmartStatsParams results are always ordered by smart_score desc,
// smart_count desc, computed_at desc, market_id asc.
type ListSmartStatsParams struct {
	Limit         int
	Offset        int
	Since         *time.Time
	MinSmartCount *int
	MarketIDs     []string
}

type ListMultiOutcomeParams struct {
	EventSlug string
	MarketIDs []string
}

type ListSystemSettingsParams struct {
	Limit  int
	Offset int
	Prefix *string
}

// TraderOrderColumns whitelists the sortable trader columns.
var TraderOrderColumns = map[string]string{
	"rarity_score":     "rarity_score",
	"pnl":              "pnl",
	"volume":           "volume",
	"trade_count":      "trade_count",
	"leaderboard_rank": "leaderboard_rank",
	"updated_at":       "updated_at",
	"address":          "address",
}

// MarketOrderColumns whitelists the sortable market columns.
var MarketOrderColumns = map[string]string{
	"volume":         "volume",
	"liquidity":      "liquidity",
	"end_date":       "end_date",
	"last_synced_at": "last_synced_at",
	"id":             "id",
}

// SortSmartStats applies the canonical smart-market ranking in place.
func SortSmartStats(items []models.MarketSmartStats) {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.SmartScore != b.SmartScore {
			return a.SmartScore > b.SmartScore
		}
		if a.SmartCount != b.SmartCount {
			return a.SmartCount > b.SmartCount
		}
		if !a.ComputedAt.Equal(b.ComputedAt) {
			return a.ComputedAt.After(b.ComputedAt)
		}
		return a.MarketID < b.MarketID
	})
}
