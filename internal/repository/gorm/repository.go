package gormrepository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"smartmoney/internal/models"
	"smartmoney/internal/repository"
)

type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return repository.ErrUnavailable
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return classify(err)
	}
	return classify(sqlDB.PingContext(ctx))
}

// --- traders -----------------------------------------------------------------

func (s *Store) UpsertTrader(ctx context.Context, item *models.Trader) error {
	if s == nil || s.db == nil || item == nil {
		return nil
	}
	item.Address = strings.ToLower(strings.TrimSpace(item.Address))
	if item.Address == "" {
		return nil
	}
	if item.FirstSeenAt.IsZero() {
		item.FirstSeenAt = time.Now().UTC()
	}
	updates := clause.AssignmentColumns([]string{
		"display_name",
		"user_name",
		"avatar_url",
		"x_username",
		"tier",
		"rarity_score",
		"pnl",
		"volume",
		"trade_count",
		"win_rate",
		"leaderboard_rank",
		"snapshot_size",
		"publicly_known",
		"country",
		"latitude",
		"longitude",
		"updated_at",
	})
	// keep a known activity time when the incoming row has none
	updates = append(updates, clause.Assignment{
		Column: clause.Column{Name: "last_active_at"},
		Value:  gorm.Expr("COALESCE(EXCLUDED.last_active_at, traders.last_active_at)"),
	})
	return classify(s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "address"}},
		DoUpdates: updates,
	}).Create(item).Error)
}

func (s *Store) UpdateTraderAssessment(ctx context.Context, address string, tier models.Tier, rarityScore int) error {
	if s == nil || s.db == nil {
		return nil
	}
	address = strings.ToLower(strings.TrimSpace(address))
	if address == "" {
		return nil
	}
	return classify(s.db.WithContext(ctx).
		Model(&models.Trader{}).
		Where("address = ?", address).
		Updates(map[string]any{
			"tier":         tier,
			"rarity_score": rarityScore,
			"updated_at":   time.Now().UTC(),
		}).Error)
}

func (s *Store) GetTrader(ctx context.Context, address string) (*models.Trader, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var item models.Trader
	err := s.db.WithContext(ctx).First(&item, "address = ?", strings.ToLower(strings.TrimSpace(address))).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(err)
	}
	return &item, nil
}

func (s *Store) ListTraders(ctx context.Context, params repository.ListTradersParams) ([]models.Trader, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	query := s.traderQuery(ctx, params)
	orderBy := repository.TraderOrderColumns[params.OrderBy]
	query = applyOrder(query, orderBy, params.Asc, "rarity_score")
	if orderBy != "address" {
		query = query.Order("address asc")
	}
	limit := normalizeLimit(params.Limit, 100)
	offset := normalizeOffset(params.Offset)
	var items []models.Trader
	if err := query.Limit(limit).Offset(offset).Find(&items).Error; err != nil {
		return nil, classify(err)
	}
	return items, nil
}

func (s *Store) CountTraders(ctx context.Context, params repository.ListTradersParams) (int64, error) {
	if s == nil || s.db == nil {
		return 0, nil
	}
	var total int64
	if err := s.traderQuery(ctx, params).Count(&total).Error; err != nil {
		return 0, classify(err)
	}
	return total, nil
}

func (s *Store) traderQuery(ctx context.Context, params repository.ListTradersParams) *gorm.DB {
	query := s.db.WithContext(ctx).Model(&models.Trader{})
	if len(params.Tiers) > 0 {
		query = query.Where("tier IN ?", params.Tiers)
	}
	if params.MinRarity != nil {
		query = query.Where("rarity_score >= ?", *params.MinRarity)
	}
	if params.Search != nil && strings.TrimSpace(*params.Search) != "" {
		like := "%" + strings.ToLower(strings.TrimSpace(*params.Search)) + "%"
		query = query.Where("(lower(display_name) LIKE ? OR address LIKE ? OR lower(x_username) LIKE ?)", like, like, like)
	}
	return query
}

// --- markets -----------------------------------------------------------------

func (s *Store) UpsertMarket(ctx context.Context, item *models.Market) error {
	if s == nil || s.db == nil || item == nil {
		return nil
	}
	if strings.TrimSpace(item.ID) == "" {
		return nil
	}
	return classify(s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"condition_id",
			"question",
			"category",
			"slug",
			"event_id",
			"event_slug",
			"group_item_title",
			"volume",
			"liquidity",
			"end_date",
			"closed",
			"neg_risk",
			"outcomes",
			"outcome_prices",
			"clob_token_ids",
			"pinned",
			"last_synced_at",
		}),
	}).Create(item).Error)
}

func (s *Store) GetMarket(ctx context.Context, id string) (*models.Market, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var item models.Market
	err := s.db.WithContext(ctx).First(&item, "id = ?", strings.TrimSpace(id)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(err)
	}
	return &item, nil
}

func (s *Store) ListMarketsByIDs(ctx context.Context, ids []string) ([]models.Market, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	ids = cleanStrings(ids)
	if len(ids) == 0 {
		return nil, nil
	}
	var items []models.Market
	if err := s.db.WithContext(ctx).Where("id IN ?", ids).Find(&items).Error; err != nil {
		return nil, classify(err)
	}
	return items, nil
}

func (s *Store) FindMarketsByConditionIDs(ctx context.Context, conditionIDs []string) ([]models.Market, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	conditionIDs = cleanStrings(conditionIDs)
	if len(conditionIDs) == 0 {
		return nil, nil
	}
	var items []models.Market
	if err := s.db.WithContext(ctx).Where("condition_id IN ?", conditionIDs).Find(&items).Error; err != nil {
		return nil, classify(err)
	}
	return items, nil
}

func (s *Store) ListMarkets(ctx context.Context, params repository.ListMarketsParams) ([]models.Market, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	query := s.db.WithContext(ctx).Model(&models.Market{})
	if params.EventSlug != nil && strings.TrimSpace(*params.EventSlug) != "" {
		query = query.Where("event_slug = ?", strings.TrimSpace(*params.EventSlug))
	}
	if params.Pinned != nil {
		query = query.Where("pinned = ?", *params.Pinned)
	}
	if params.Closed != nil {
		query = query.Where("closed = ?", *params.Closed)
	}
	if params.SyncedBefore != nil {
		query = query.Where("last_synced_at < ?", *params.SyncedBefore)
	}
	query = applyOrder(query, repository.MarketOrderColumns[params.OrderBy], params.Asc, "last_synced_at")
	limit := normalizeLimit(params.Limit, 200)
	offset := normalizeOffset(params.Offset)
	var items []models.Market
	if err := query.Limit(limit).Offset(offset).Find(&items).Error; err != nil {
		return nil, classify(err)
	}
	return items, nil
}

// --- smart stats -------------------------------------------------------------

func (s *Store) UpsertMarketSmartStats(ctx context.Context, item *models.MarketSmartStats) error {
	if s == nil || s.db == nil || item == nil {
		return nil
	}
	if strings.TrimSpace(item.MarketID) == "" {
		return nil
	}
	return classify(s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "market_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"condition_id",
			"question",
			"event_slug",
			"smart_count",
			"smart_weighted",
			"smart_score",
			"raw_smart_score",
			"volume",
			"liquidity",
			"top_traders",
			"computed_at",
		}),
	}).Create(item).Error)
}

func (s *Store) ListMarketSmartStats(ctx context.Context, params repository.ListSmartStatsParams) ([]models.MarketSmartStats, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	limit := normalizeLimit(params.Limit, 50)
	offset := normalizeOffset(params.Offset)
	var items []models.MarketSmartStats
	if err := s.smartStatsQuery(ctx, params).
		Order("smart_score desc").
		Order("smart_count desc").
		Order("computed_at desc").
		Order("market_id asc").
		Limit(limit).
		Offset(offset).
		Find(&items).Error; err != nil {
		return nil, classify(err)
	}
	return items, nil
}

func (s *Store) CountMarketSmartStats(ctx context.Context, params repository.ListSmartStatsParams) (int64, error) {
	if s == nil || s.db == nil {
		return 0, nil
	}
	var total int64
	if err := s.smartStatsQuery(ctx, params).Count(&total).Error; err != nil {
		return 0, classify(err)
	}
	return total, nil
}

func (s *Store) smartStatsQuery(ctx context.Context, params repository.ListSmartStatsParams) *gorm.DB {
	query := s.db.WithContext(ctx).Model(&models.MarketSmartStats{})
	if params.Since != nil && !params.Since.IsZero() {
		query = query.Where("computed_at >= ?", *params.Since)
	}
	if params.MinSmartCount != nil {
		query = query.Where("smart_count >= ?", *params.MinSmartCount)
	}
	if ids := cleanStrings(params.MarketIDs); len(ids) > 0 {
		query = query.Where("market_id IN ?", ids)
	}
	return query
}

// --- multi-outcome positions -------------------------------------------------

func (s *Store) ReplaceMultiOutcomePositions(ctx context.Context, marketIDs []string, items []models.MultiOutcomePosition) error {
	if s == nil || s.db == nil {
		return nil
	}
	marketIDs = cleanStrings(marketIDs)
	if len(marketIDs) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("market_id IN ?", marketIDs).Delete(&models.MultiOutcomePosition{}).Error; err != nil {
			return err
		}
		if len(items) == 0 {
			return nil
		}
		return createInBatches(tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "market_id"}, {Name: "outcome_title"}, {Name: "trader_address"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"event_slug",
				"token_id",
				"current_price",
				"trader_name",
				"trader_tier",
				"shares",
				"entry_price",
				"computed_at",
			}),
		}), items, 200)
	})
	return classify(err)
}

func (s *Store) ListMultiOutcomePositions(ctx context.Context, params repository.ListMultiOutcomeParams) ([]models.MultiOutcomePosition, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	query := s.db.WithContext(ctx).Model(&models.MultiOutcomePosition{})
	if slug := strings.TrimSpace(params.EventSlug); slug != "" {
		query = query.Where("event_slug = ?", slug)
	}
	if ids := cleanStrings(params.MarketIDs); len(ids) > 0 {
		query = query.Where("market_id IN ?", ids)
	}
	var items []models.MultiOutcomePosition
	if err := query.
		Order("outcome_title asc").
		Order("shares desc").
		Order("trader_address asc").
		Find(&items).Error; err != nil {
		return nil, classify(err)
	}
	return items, nil
}

// --- checkpoints -------------------------------------------------------------

func (s *Store) GetCheckpoint(ctx context.Context, source, key string) (*models.IngestionCheckpoint, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var item models.IngestionCheckpoint
	err := s.db.WithContext(ctx).First(&item, "source = ? AND key = ?", source, key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(err)
	}
	return &item, nil
}

func (s *Store) SaveCheckpoint(ctx context.Context, item *models.IngestionCheckpoint) error {
	if s == nil || s.db == nil || item == nil {
		return nil
	}
	return classify(s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "source"}, {Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"last_success_at",
			"last_attempt_at",
			"last_error",
			"stats",
		}),
	}).Create(item).Error)
}

func (s *Store) ListCheckpoints(ctx context.Context, source *string) ([]models.IngestionCheckpoint, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	query := s.db.WithContext(ctx).Model(&models.IngestionCheckpoint{})
	if source != nil && strings.TrimSpace(*source) != "" {
		query = query.Where("source = ?", strings.TrimSpace(*source))
	}
	var items []models.IngestionCheckpoint
	if err := query.Order("source asc").Order("key asc").Find(&items).Error; err != nil {
		return nil, classify(err)
	}
	return items, nil
}

// --- system settings ---------------------------------------------------------

func (s *Store) UpsertSystemSetting(ctx context.Context, item *models.SystemSetting) error {
	if s == nil || s.db == nil || item == nil {
		return nil
	}
	if strings.TrimSpace(item.Key) == "" {
		return nil
	}
	return classify(s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "description", "updated_at"}),
	}).Create(item).Error)
}

func (s *Store) GetSystemSettingByKey(ctx context.Context, key string) (*models.SystemSetting, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var item models.SystemSetting
	err := s.db.WithContext(ctx).First(&item, "key = ?", strings.TrimSpace(key)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(err)
	}
	return &item, nil
}

func (s *Store) ListSystemSettings(ctx context.Context, params repository.ListSystemSettingsParams) ([]models.SystemSetting, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	query := s.db.WithContext(ctx).Model(&models.SystemSetting{})
	if params.Prefix != nil && strings.TrimSpace(*params.Prefix) != "" {
		query = query.Where("key LIKE ?", strings.TrimSpace(*params.Prefix)+"%")
	}
	limit := normalizeLimit(params.Limit, 200)
	offset := normalizeOffset(params.Offset)
	var items []models.SystemSetting
	if err := query.Order("key asc").Limit(limit).Offset(offset).Find(&items).Error; err != nil {
		return nil, classify(err)
	}
	return items, nil
}

// --- helpers -----------------------------------------------------------------

// classify maps driver errors onto the repository sentinels, keeping the
// original error in the chain.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "23505":
			return fmt.Errorf("%w: %s", repository.ErrConflict, pgErr.Message)
		case strings.HasPrefix(pgErr.Code, "08"):
			return fmt.Errorf("%w: %v", repository.ErrUnavailable, err)
		}
		return err
	}
	if pgconn.Timeout(err) {
		return fmt.Errorf("%w: %v", repository.ErrUnavailable, err)
	}
	return err
}

func applyOrder(query *gorm.DB, orderBy string, asc *bool, fallback string) *gorm.DB {
	column := strings.TrimSpace(orderBy)
	if column == "" {
		column = fallback
	}
	direction := "desc"
	if asc != nil && *asc {
		direction = "asc"
	}
	return query.Order(column + " " + direction)
}

func createInBatches[T any](db *gorm.DB, items []T, batchSize int) error {
	if len(items) == 0 {
		return nil
	}
	if batchSize <= 0 {
		batchSize = 200
	}
	for i := 0; i < len(items); i += batchSize {
		end := i + batchSize
		if end > len(items) {
			end = len(items)
		}
		if err := db.CreateInBatches(items[i:end], batchSize).Error; err != nil {
			return err
		}
	}
	return nil
}

func normalizeLimit(limit, fallback int) int {
	if limit <= 0 {
		return fallback
	}
	if limit > 500 {
		return 500
	}
	return limit
}

func normalizeOffset(offset int) int {
	if offset < 0 {
		return 0
	}
	return offset
}

func cleanStrings(items []string) []string {
	out := make([]string, 0, len(items))
	seen := map[string]struct{}{}
	for _, raw := range items {
		val := strings.TrimSpace(raw)
		if val == "" {
			continue
		}
		if _, ok := seen[val]; ok {
			continue
		}
		seen[val] = struct{}{}
		out = append(out, val)
	}
	return out
}

var _ repository.Repository = (*Store)(nil)
