package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"

	"smartmoney/internal/cache"
	"smartmoney/internal/client/polymarket/dataapi"
	"smartmoney/internal/models"
	"smartmoney/internal/repository"
	"smartmoney/internal/tiering"
)

var ErrNoPositions = errors.New("discovery: every position fetch failed")

// MarketResolver returns stored markets keyed by condition ID, fetching the
// missing ones. IngestionService implements it.
type MarketResolver interface {
	EnsureMarkets(ctx context.Context, conditionIDs []string) (map[string]models.Market, error)
}

// DiscoveryService is the only writer of MarketSmartStats.
type DiscoveryService struct {
	Repo      repository.Repository
	Positions PositionSource
	Markets   MarketResolver
	Cache     cache.Store
	Logger    *zap.Logger
	Now       func() time.Time

	MaxTraders       int
	Concurrency      int
	MinPositionValue float64
	TopTraders       int
	PositionCacheTTL time.Duration
}

type DiscoveryResult struct {
	Traders      int `json:"traders"`
	TraderErrors int `json:"trader_errors"`
	Malformed    int `json:"malformed"`
	Positions    int `json:"positions"`
	Candidates   int `json:"candidates"`
	Unresolved   int `json:"unresolved"`
	Closed       int `json:"closed"`
	Upserted     int `json:"upserted"`
	StoreErrors  int `json:"store_errors"`

	Stats []models.MarketSmartStats `json:"-"`
}

// CachedPosition is what discovery leaves in the position cache for the
// multi-outcome analyzer.
type CachedPosition struct {
	ConditionID string          `json:"condition_id"`
	TokenID     string          `json:"token_id"`
	Outcome     string          `json:"outcome"`
	Size        decimal.Decimal `json:"size"`
	AvgPrice    decimal.Decimal `json:"avg_price"`
}

func PositionCacheKey(address string) string {
	return "positions:" + strings.ToLower(strings.TrimSpace(address))
}

type holding struct {
	trader  models.Trader
	outcome string
	best    decimal.Decimal
	shares  decimal.Decimal
	value   decimal.Decimal
}

// DiscoverSmartMarkets recomputes MarketSmartStats for every open market
// held by a tiered trader with at least one S/A holder.
func (s *DiscoveryService) DiscoverSmartMarkets(ctx context.Context) (DiscoveryResult, error) {
	var result DiscoveryResult
	if s.Repo == nil || s.Positions == nil || s.Markets == nil {
		return result, fmt.Errorf("discovery service is not fully configured")
	}
	now := nowUTC(s.Now)

	maxTraders := s.MaxTraders
	if maxTraders <= 0 {
		maxTraders = 150
	}
	traders, err := s.Repo.ListTraders(ctx, repository.ListTradersParams{
		Limit:   maxTraders,
		Tiers:   []models.Tier{models.TierS, models.TierA, models.TierB},
		OrderBy: "rarity_score",
	})
	if err != nil {
		return result, fmt.Errorf("list traders: %w", err)
	}
	result.Traders = len(traders)
	if len(traders) == 0 {
		s.saveCheckpoint(ctx, now, result, nil)
		return result, nil
	}

	positions := s.fetchPositions(ctx, traders, &result)
	if result.TraderErrors == len(traders) {
		s.saveCheckpoint(ctx, now, result, ErrNoPositions)
		return result, ErrNoPositions
	}

	byMarket := s.aggregate(traders, positions, &result)
	conditionIDs := make([]string, 0, len(byMarket))
	for id := range byMarket {
		conditionIDs = append(conditionIDs, id)
	}
	result.Candidates = len(conditionIDs)

	markets, err := s.Markets.EnsureMarkets(ctx, conditionIDs)
	if err != nil {
		s.saveCheckpoint(ctx, now, result, err)
		return result, fmt.Errorf("resolve markets: %w", err)
	}

	seen := make(map[string]struct{}, len(markets))
	stats := make([]models.MarketSmartStats, 0, len(markets))
	for conditionID, holders := range byMarket {
		market, ok := markets[conditionID]
		if !ok {
			result.Unresolved++
			continue
		}
		if market.Closed {
			result.Closed++
			continue
		}
		if _, dup := seen[market.ID]; dup {
			continue
		}
		st, ok := s.computeStats(market, holders, now)
		if !ok {
			continue
		}
		seen[market.ID] = struct{}{}
		stats = append(stats, st)
	}
	repository.SortSmartStats(stats)

	for i := range stats {
		if err := s.Repo.UpsertMarketSmartStats(ctx, &stats[i]); err != nil {
			result.StoreErrors++
			s.logger().Error("smart stats upsert failed", zap.String("market_id", stats[i].MarketID), zap.Error(err))
			continue
		}
		result.Upserted++
	}
	result.Stats = stats
	s.saveCheckpoint(ctx, now, result, nil)
	return result, nil
}

// fetchPositions loads every trader's open positions with bounded
// concurrency. A failed trader is logged and left empty.
func (s *DiscoveryService) fetchPositions(ctx context.Context, traders []models.Trader, result *DiscoveryResult) [][]dataapi.Position {
	out := make([][]dataapi.Position, len(traders))
	failed := make([]bool, len(traders))
	malformed := make([]int, len(traders))

	limit := s.Concurrency
	if limit <= 0 {
		limit = 4
	}
	var g errgroup.Group
	g.SetLimit(limit)
	for i := range traders {
		i := i
		g.Go(func() error {
			addr := traders[i].Address
			page, err := s.Positions.GetPositions(ctx, dataapi.PositionsQuery{User: addr, SizeThreshold: 1, Limit: 500})
			if err != nil {
				failed[i] = true
				s.logger().Warn("positions fetch failed", zap.String("address", addr), zap.Error(err))
				return nil
			}
			malformed[i] = len(page.Malformed)
			out[i] = page.Items
			s.cachePositions(ctx, addr, page.Items)
			return nil
		})
	}
	_ = g.Wait()

	for i := range traders {
		if failed[i] {
			result.TraderErrors++
		}
		result.Malformed += malformed[i]
		result.Positions += len(out[i])
	}
	return out
}

func (s *DiscoveryService) cachePositions(ctx context.Context, address string, items []dataapi.Position) {
	if s.Cache == nil {
		return
	}
	cached := make([]CachedPosition, 0, len(items))
	for _, p := range items {
		token := strings.TrimSpace(p.Asset.String())
		if token == "" {
			continue
		}
		cached = append(cached, CachedPosition{
			ConditionID: strings.ToLower(strings.TrimSpace(p.ConditionID)),
			TokenID:     token,
			Outcome:     strings.TrimSpace(p.Outcome),
			Size:        p.Size.Value,
			AvgPrice:    p.AvgPrice.Value,
		})
	}
	ttl := s.PositionCacheTTL
	if ttl <= 0 {
		ttl = 3 * time.Hour
	}
	if err := cache.SetJSON(ctx, s.Cache, PositionCacheKey(address), cached, ttl); err != nil {
		s.logger().Warn("position cache write failed", zap.String("address", address), zap.Error(err))
	}
}

// aggregate folds positions into condition ID -> trader address -> holding.
// Positions worth less than MinPositionValue are ignored.
func (s *DiscoveryService) aggregate(traders []models.Trader, positions [][]dataapi.Position, result *DiscoveryResult) map[string]map[string]*holding {
	minValue := decimal.NewFromFloat(s.MinPositionValue)
	out := map[string]map[string]*holding{}
	for i, items := range positions {
		t := traders[i]
		for _, p := range items {
			conditionID := strings.ToLower(strings.TrimSpace(p.ConditionID))
			if conditionID == "" {
				result.Malformed++
				continue
			}
			value := positionValue(p)
			if value.LessThan(minValue) {
				continue
			}
			holders := out[conditionID]
			if holders == nil {
				holders = map[string]*holding{}
				out[conditionID] = holders
			}
			h := holders[t.Address]
			if h == nil {
				h = &holding{trader: t}
				holders[t.Address] = h
			}
			h.shares = h.shares.Add(p.Size.Value)
			h.value = h.value.Add(value)
			if value.GreaterThan(h.best) {
				h.best = value
				h.outcome = strings.TrimSpace(p.Outcome)
			}
		}
	}
	return out
}

func positionValue(p dataapi.Position) decimal.Decimal {
	if p.CurrentValue.Valid {
		return p.CurrentValue.Value
	}
	return p.Size.Value.Mul(p.CurPrice.Value)
}

func (s *DiscoveryService) computeStats(market models.Market, holders map[string]*holding, now time.Time) (models.MarketSmartStats, bool) {
	list := make([]*holding, 0, len(holders))
	smartCount, weighted, raw := 0, 0, 0
	for _, h := range holders {
		list = append(list, h)
		if tiering.IsSmart(h.trader.Tier) {
			smartCount++
		}
		weighted += tiering.Weight(h.trader.Tier)
		raw += h.trader.RarityScore
	}
	if smartCount == 0 {
		return models.MarketSmartStats{}, false
	}
	sort.Slice(list, func(i, j int) bool {
		a, b := list[i], list[j]
		if wa, wb := tiering.Weight(a.trader.Tier), tiering.Weight(b.trader.Tier); wa != wb {
			return wa > wb
		}
		if a.trader.RarityScore != b.trader.RarityScore {
			return a.trader.RarityScore > b.trader.RarityScore
		}
		if c := a.value.Cmp(b.value); c != 0 {
			return c > 0
		}
		return a.trader.Address < b.trader.Address
	})
	top := s.TopTraders
	if top <= 0 {
		top = 10
	}
	if len(list) > top {
		list = list[:top]
	}
	topTraders := make([]models.SmartHolder, 0, len(list))
	for _, h := range list {
		topTraders = append(topTraders, models.SmartHolder{
			Address:     h.trader.Address,
			Name:        h.trader.DisplayName,
			Tier:        h.trader.Tier,
			RarityScore: h.trader.RarityScore,
			Outcome:     h.outcome,
			Shares:      h.shares,
			Value:       h.value,
		})
	}
	rawTop, _ := json.Marshal(topTraders)

	return models.MarketSmartStats{
		MarketID:      market.ID,
		ConditionID:   market.ConditionID,
		Question:      market.Question,
		EventSlug:     market.EventSlug,
		SmartCount:    smartCount,
		SmartWeighted: weighted,
		SmartScore:    SmartScore(weighted, decimalFloat(market.Volume), decimalFloat(market.Liquidity)),
		RawSmartScore: raw,
		Volume:        market.Volume,
		Liquidity:     market.Liquidity,
		TopTraders:    datatypes.JSON(rawTop),
		ComputedAt:    now,
	}, true
}

// SmartScore blends tier weight with market depth. It strictly increases
// with weighted for fixed volume and liquidity.
func SmartScore(weighted int, volume, liquidity float64) float64 {
	if volume < 0 {
		volume = 0
	}
	if liquidity < 0 {
		liquidity = 0
	}
	return float64(weighted)*(1+math.Log10(1+volume)/10) + math.Log10(1+liquidity)/10
}

func decimalFloat(d *decimal.Decimal) float64 {
	if d == nil {
		return 0
	}
	return d.InexactFloat64()
}

func (s *DiscoveryService) saveCheckpoint(ctx context.Context, now time.Time, stats DiscoveryResult, runErr error) {
	if err := recordCheckpoint(ctx, s.Repo, SourceDiscovery, KeyGlobal, now, stats, runErr); err != nil {
		s.logger().Error("checkpoint write failed", zap.String("source", SourceDiscovery), zap.Error(err))
	}
}

func (s *DiscoveryService) logger() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}
