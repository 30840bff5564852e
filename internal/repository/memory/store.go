// Package memory is an in-process implementation of repository.Repository.
// It backs the test suites and the db.driver=memory mode.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"smartmoney/internal/models"
	"smartmoney/internal/repository"
)

type checkpointKey struct {
	source string
	key    string
}

type positionKey struct {
	marketID string
	outcome  string
	trader   string
}

// Store keeps copies of everything it is given and hands out copies.
type Store struct {
	mu          sync.RWMutex
	traders     map[string]models.Trader
	markets     map[string]models.Market
	smartStats  map[string]models.MarketSmartStats
	positions   map[positionKey]models.MultiOutcomePosition
	checkpoints map[checkpointKey]models.IngestionCheckpoint
	settings    map[string]models.SystemSetting
	nextID      uint64
	now         func() time.Time
}

func New() *Store {
	return &Store{
		traders:     make(map[string]models.Trader),
		markets:     make(map[string]models.Market),
		smartStats:  make(map[string]models.MarketSmartStats),
		positions:   make(map[positionKey]models.MultiOutcomePosition),
		checkpoints: make(map[checkpointKey]models.IngestionCheckpoint),
		settings:    make(map[string]models.SystemSetting),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) Ping(context.Context) error { return nil }

// --- traders -----------------------------------------------------------------

func (s *Store) UpsertTrader(_ context.Context, item *models.Trader) error {
	if item == nil {
		return nil
	}
	addr := strings.ToLower(strings.TrimSpace(item.Address))
	if addr == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *item
	cp.Address = addr
	cp.UpdatedAt = s.now()
	if existing, ok := s.traders[addr]; ok {
		cp.FirstSeenAt = existing.FirstSeenAt
		if cp.LastActiveAt == nil {
			cp.LastActiveAt = existing.LastActiveAt
		}
	} else if cp.FirstSeenAt.IsZero() {
		cp.FirstSeenAt = cp.UpdatedAt
	}
	s.traders[addr] = cp
	return nil
}

func (s *Store) UpdateTraderAssessment(_ context.Context, address string, tier models.Tier, rarityScore int) error {
	addr := strings.ToLower(strings.TrimSpace(address))
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.traders[addr]
	if !ok {
		return nil
	}
	t.Tier = tier
	t.RarityScore = rarityScore
	t.UpdatedAt = s.now()
	s.traders[addr] = t
	return nil
}

func (s *Store) GetTrader(_ context.Context, address string) (*models.Trader, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.traders[strings.ToLower(strings.TrimSpace(address))]
	if !ok {
		return nil, nil
	}
	return &t, nil
}

func (s *Store) ListTraders(_ context.Context, params repository.ListTradersParams) ([]models.Trader, error) {
	s.mu.RLock()
	items := s.filterTraders(params)
	s.mu.RUnlock()

	column := repository.TraderOrderColumns[params.OrderBy]
	if column == "" {
		column = "rarity_score"
	}
	asc := params.Asc != nil && *params.Asc
	sort.SliceStable(items, func(i, j int) bool {
		c := compareTrader(items[i], items[j], column)
		if c == 0 {
			return items[i].Address < items[j].Address
		}
		if asc {
			return c < 0
		}
		return c > 0
	})
	return page(items, params.Limit, params.Offset, 100), nil
}

func (s *Store) CountTraders(_ context.Context, params repository.ListTradersParams) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.filterTraders(params))), nil
}

func (s *Store) filterTraders(params repository.ListTradersParams) []models.Trader {
	tiers := map[models.Tier]struct{}{}
	for _, t := range params.Tiers {
		tiers[t] = struct{}{}
	}
	search := ""
	if params.Search != nil {
		search = strings.ToLower(strings.TrimSpace(*params.Search))
	}
	out := make([]models.Trader, 0, len(s.traders))
	for _, t := range s.traders {
		if len(tiers) > 0 {
			if _, ok := tiers[t.Tier]; !ok {
				continue
			}
		}
		if params.MinRarity != nil && t.RarityScore < *params.MinRarity {
			continue
		}
		if search != "" && !traderMatches(t, search) {
			continue
		}
		out = append(out, t)
	}
	return out
}

func traderMatches(t models.Trader, search string) bool {
	if strings.Contains(strings.ToLower(t.DisplayName), search) || strings.Contains(t.Address, search) {
		return true
	}
	return t.XUsername != nil && strings.Contains(strings.ToLower(*t.XUsername), search)
}

func compareTrader(a, b models.Trader, column string) int {
	switch column {
	case "pnl":
		return a.PnL.Cmp(b.PnL)
	case "volume":
		return a.Volume.Cmp(b.Volume)
	case "trade_count":
		return a.TradeCount - b.TradeCount
	case "leaderboard_rank":
		return a.LeaderboardRank - b.LeaderboardRank
	case "updated_at":
		return a.UpdatedAt.Compare(b.UpdatedAt)
	case "address":
		return strings.Compare(a.Address, b.Address)
	default:
		return a.RarityScore - b.RarityScore
	}
}

// --- markets -----------------------------------------------------------------

func (s *Store) UpsertMarket(_ context.Context, item *models.Market) error {
	if item == nil || strings.TrimSpace(item.ID) == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markets[item.ID] = *item
	return nil
}

func (s *Store) GetMarket(_ context.Context, id string) (*models.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.markets[strings.TrimSpace(id)]
	if !ok {
		return nil, nil
	}
	return &m, nil
}

func (s *Store) ListMarketsByIDs(_ context.Context, ids []string) ([]models.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Market
	for _, id := range dedupe(ids) {
		if m, ok := s.markets[id]; ok {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *Store) FindMarketsByConditionIDs(_ context.Context, conditionIDs []string) ([]models.Market, error) {
	want := map[string]struct{}{}
	for _, id := range dedupe(conditionIDs) {
		want[id] = struct{}{}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Market
	for _, m := range s.markets {
		if _, ok := want[m.ConditionID]; ok {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) ListMarkets(_ context.Context, params repository.ListMarketsParams) ([]models.Market, error) {
	s.mu.RLock()
	out := make([]models.Market, 0, len(s.markets))
	for _, m := range s.markets {
		if params.EventSlug != nil && (m.EventSlug == nil || *m.EventSlug != strings.TrimSpace(*params.EventSlug)) {
			continue
		}
		if params.Pinned != nil && m.Pinned != *params.Pinned {
			continue
		}
		if params.Closed != nil && m.Closed != *params.Closed {
			continue
		}
		if params.SyncedBefore != nil && !m.LastSyncedAt.Before(*params.SyncedBefore) {
			continue
		}
		out = append(out, m)
	}
	s.mu.RUnlock()

	asc := params.Asc != nil && *params.Asc
	column := repository.MarketOrderColumns[params.OrderBy]
	sort.SliceStable(out, func(i, j int) bool {
		c := compareMarket(out[i], out[j], column)
		if c == 0 {
			return out[i].ID < out[j].ID
		}
		if asc {
			return c < 0
		}
		return c > 0
	})
	return page(out, params.Limit, params.Offset, 200), nil
}

func compareMarket(a, b models.Market, column string) int {
	switch column {
	case "volume":
		return orZero(a.Volume).Cmp(orZero(b.Volume))
	case "liquidity":
		return orZero(a.Liquidity).Cmp(orZero(b.Liquidity))
	case "end_date":
		return timeOrZero(a.EndDate).Compare(timeOrZero(b.EndDate))
	case "id":
		return strings.Compare(a.ID, b.ID)
	default:
		return a.LastSyncedAt.Compare(b.LastSyncedAt)
	}
}

// --- smart stats -------------------------------------------------------------

func (s *Store) UpsertMarketSmartStats(_ context.Context, item *models.MarketSmartStats) error {
	if item == nil || strings.TrimSpace(item.MarketID) == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *item
	if existing, ok := s.smartStats[item.MarketID]; ok {
		cp.ID = existing.ID
	} else {
		s.nextID++
		cp.ID = s.nextID
	}
	s.smartStats[item.MarketID] = cp
	return nil
}

func (s *Store) ListMarketSmartStats(_ context.Context, params repository.ListSmartStatsParams) ([]models.MarketSmartStats, error) {
	s.mu.RLock()
	items := s.filterSmartStats(params)
	s.mu.RUnlock()
	repository.SortSmartStats(items)
	return page(items, params.Limit, params.Offset, 50), nil
}

func (s *Store) CountMarketSmartStats(_ context.Context, params repository.ListSmartStatsParams) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.filterSmartStats(params))), nil
}

func (s *Store) filterSmartStats(params repository.ListSmartStatsParams) []models.MarketSmartStats {
	ids := map[string]struct{}{}
	for _, id := range dedupe(params.MarketIDs) {
		ids[id] = struct{}{}
	}
	out := make([]models.MarketSmartStats, 0, len(s.smartStats))
	for _, st := range s.smartStats {
		if params.Since != nil && st.ComputedAt.Before(*params.Since) {
			continue
		}
		if params.MinSmartCount != nil && st.SmartCount < *params.MinSmartCount {
			continue
		}
		if len(ids) > 0 {
			if _, ok := ids[st.MarketID]; !ok {
				continue
			}
		}
		out = append(out, st)
	}
	return out
}

// --- multi-outcome positions -------------------------------------------------

func (s *Store) ReplaceMultiOutcomePositions(_ context.Context, marketIDs []string, items []models.MultiOutcomePosition) error {
	ids := map[string]struct{}{}
	for _, id := range dedupe(marketIDs) {
		ids[id] = struct{}{}
	}
	if len(ids) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.positions {
		if _, ok := ids[k.marketID]; ok {
			delete(s.positions, k)
		}
	}
	for _, item := range items {
		k := positionKey{marketID: item.MarketID, outcome: item.OutcomeTitle, trader: item.TraderAddress}
		s.nextID++
		item.ID = s.nextID
		s.positions[k] = item
	}
	return nil
}

func (s *Store) ListMultiOutcomePositions(_ context.Context, params repository.ListMultiOutcomeParams) ([]models.MultiOutcomePosition, error) {
	ids := map[string]struct{}{}
	for _, id := range dedupe(params.MarketIDs) {
		ids[id] = struct{}{}
	}
	slug := strings.TrimSpace(params.EventSlug)
	s.mu.RLock()
	out := make([]models.MultiOutcomePosition, 0)
	for _, p := range s.positions {
		if slug != "" && p.EventSlug != slug {
			continue
		}
		if len(ids) > 0 {
			if _, ok := ids[p.MarketID]; !ok {
				continue
			}
		}
		out = append(out, p)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].OutcomeTitle != out[j].OutcomeTitle {
			return out[i].OutcomeTitle < out[j].OutcomeTitle
		}
		if c := out[i].Shares.Cmp(out[j].Shares); c != 0 {
			return c > 0
		}
		return out[i].TraderAddress < out[j].TraderAddress
	})
	return out, nil
}

// --- checkpoints -------------------------------------------------------------

func (s *Store) GetCheckpoint(_ context.Context, source, key string) (*models.IngestionCheckpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp, ok := s.checkpoints[checkpointKey{source: source, key: key}]
	if !ok {
		return nil, nil
	}
	return &cp, nil
}

func (s *Store) SaveCheckpoint(_ context.Context, item *models.IngestionCheckpoint) error {
	if item == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoints[checkpointKey{source: item.Source, key: item.Key}] = *item
	return nil
}

func (s *Store) ListCheckpoints(_ context.Context, source *string) ([]models.IngestionCheckpoint, error) {
	s.mu.RLock()
	out := make([]models.IngestionCheckpoint, 0, len(s.checkpoints))
	for _, cp := range s.checkpoints {
		if source != nil && strings.TrimSpace(*source) != "" && cp.Source != strings.TrimSpace(*source) {
			continue
		}
		out = append(out, cp)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Source != out[j].Source {
			return out[i].Source < out[j].Source
		}
		return out[i].Key < out[j].Key
	})
	return out, nil
}

// --- system settings ---------------------------------------------------------

func (s *Store) UpsertSystemSetting(_ context.Context, item *models.SystemSetting) error {
	if item == nil || strings.TrimSpace(item.Key) == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *item
	now := s.now()
	if existing, ok := s.settings[item.Key]; ok {
		cp.ID = existing.ID
		cp.CreatedAt = existing.CreatedAt
	} else {
		s.nextID++
		cp.ID = s.nextID
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	s.settings[item.Key] = cp
	return nil
}

func (s *Store) GetSystemSettingByKey(_ context.Context, key string) (*models.SystemSetting, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.settings[strings.TrimSpace(key)]
	if !ok {
		return nil, nil
	}
	return &item, nil
}

func (s *Store) ListSystemSettings(_ context.Context, params repository.ListSystemSettingsParams) ([]models.SystemSetting, error) {
	prefix := ""
	if params.Prefix != nil {
		prefix = strings.TrimSpace(*params.Prefix)
	}
	s.mu.RLock()
	out := make([]models.SystemSetting, 0, len(s.settings))
	for _, item := range s.settings {
		if strings.HasPrefix(item.Key, prefix) {
			out = append(out, item)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return page(out, params.Limit, params.Offset, 200), nil
}

// --- helpers -----------------------------------------------------------------

func orZero(d *decimal.Decimal) decimal.Decimal {
	if d == nil {
		return decimal.Zero
	}
	return *d
}

func timeOrZero(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

func page[T any](items []T, limit, offset, fallback int) []T {
	if limit <= 0 {
		limit = fallback
	}
	if limit > 500 {
		limit = 500
	}
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return []T{}
	}
	end := offset + limit
	if end > len(items) {
		end = len(items)
	}
	return items[offset:end]
}

func dedupe(items []string) []string {
	out := make([]string, 0, len(items))
	seen := map[string]struct{}{}
	for _, raw := range items {
		v := strings.TrimSpace(raw)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

var _ repository.Repository = (*Store)(nil)
