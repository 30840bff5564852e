package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smartmoney/internal/cache"
	"smartmoney/internal/client/polymarket/dataapi"
	"smartmoney/internal/models"
	"smartmoney/internal/repository"
	"smartmoney/internal/repository/memory"
)

func seedTraders(t *testing.T, repo repository.Repository, tiers map[int]models.Tier) {
	t.Helper()
	for i, tier := range tiers {
		tr := models.Trader{Address: addr(i), DisplayName: "t", Tier: tier, RarityScore: 100 + i}
		require.NoError(t, repo.UpsertTrader(context.Background(), &tr))
	}
}

func TestDiscover_SmartMoneyBeatsVolume(t *testing.T) {
	repo := memory.New()
	tiers := map[int]models.Tier{}
	for i := 1; i <= 12; i++ {
		tiers[i] = models.TierS
	}
	seedTraders(t, repo, tiers)

	byUser := map[string][]dataapi.Position{}
	// ten S holders in the $1M market
	for i := 1; i <= 10; i++ {
		byUser[addr(i)] = []dataapi.Position{position("0xaaa", "a1", "Yes", 1000, 0.5)}
	}
	// two S holders (weight 10) in the $5M market
	byUser[addr(11)] = []dataapi.Position{position("0xbbb", "b1", "Yes", 1000, 0.5)}
	byUser[addr(12)] = []dataapi.Position{position("0xbbb", "b1", "Yes", 1000, 0.5)}

	resolver := &stubResolver{markets: map[string]models.Market{
		"0xaaa": {ID: "A", ConditionID: "0xaaa", Question: "A?", Volume: decPtr(1_000_000)},
		"0xbbb": {ID: "B", ConditionID: "0xbbb", Question: "B?", Volume: decPtr(5_000_000)},
	}}
	svc := &DiscoveryService{Repo: repo, Positions: &stubPositions{byUser: byUser}, Markets: resolver, Now: clock}

	res, err := svc.DiscoverSmartMarkets(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Stats, 2)
	assert.Equal(t, "A", res.Stats[0].MarketID)
	assert.Equal(t, 50, res.Stats[0].SmartWeighted)
	assert.Equal(t, 10, res.Stats[0].SmartCount)
	assert.Equal(t, "B", res.Stats[1].MarketID)
	assert.Equal(t, 10, res.Stats[1].SmartWeighted)
	assert.Greater(t, res.Stats[0].SmartScore, res.Stats[1].SmartScore)

	stored, err := repo.ListMarketSmartStats(context.Background(), repository.ListSmartStatsParams{Limit: 10})
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Equal(t, "A", stored[0].MarketID)

	cp, err := repo.GetCheckpoint(context.Background(), SourceDiscovery, KeyGlobal)
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.NotNil(t, cp.LastSuccessAt)
}

func TestDiscover_WeightsAndFilters(t *testing.T) {
	repo := memory.New()
	seedTraders(t, repo, map[int]models.Tier{1: models.TierS, 2: models.TierA, 3: models.TierB, 4: models.TierB})

	byUser := map[string][]dataapi.Position{
		addr(1): {
			position("0xm1", "m1y", "Yes", 200, 0.6),
			position("0xm1", "m1n", "No", 150, 0.4), // same market, folded into one holder
			position("0xclosed", "c1", "Yes", 500, 0.5),
		},
		addr(2): {position("0xm1", "m1y", "Yes", 200, 0.6)},
		addr(3): {
			position("0xm1", "m1y", "Yes", 1, 0.6), // below min value
			position("0xbonly", "x1", "Yes", 500, 0.5),
		},
		addr(4): {position("0xbonly", "x1", "Yes", 500, 0.5)},
	}
	resolver := &stubResolver{markets: map[string]models.Market{
		"0xm1":     {ID: "M1", ConditionID: "0xm1", Volume: decPtr(10_000), Liquidity: decPtr(1_000)},
		"0xclosed": {ID: "C", ConditionID: "0xclosed", Closed: true},
		"0xbonly":  {ID: "X", ConditionID: "0xbonly"},
	}}
	store := cache.NewMemoryStore()
	svc := &DiscoveryService{
		Repo:             repo,
		Positions:        &stubPositions{byUser: byUser},
		Markets:          resolver,
		Cache:            store,
		Now:              clock,
		MinPositionValue: 50,
	}

	res, err := svc.DiscoverSmartMarkets(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Closed)
	require.Len(t, res.Stats, 1, "B-only market has no smart holders")

	st := res.Stats[0]
	assert.Equal(t, "M1", st.MarketID)
	assert.Equal(t, 2, st.SmartCount)
	assert.Equal(t, 8, st.SmartWeighted)
	assert.Equal(t, 101+102, st.RawSmartScore)
	assert.InDelta(t, SmartScore(8, 10_000, 1_000), st.SmartScore, 1e-9)

	var top []models.SmartHolder
	require.NoError(t, json.Unmarshal(st.TopTraders, &top))
	require.Len(t, top, 2)
	assert.Equal(t, addr(1), top[0].Address)
	assert.Equal(t, models.TierS, top[0].Tier)
	assert.Equal(t, "Yes", top[0].Outcome)
	assert.True(t, top[0].Shares.Equal(decimal.NewFromInt(350)))

	cached, ok, err := cache.GetJSON[[]CachedPosition](context.Background(), store, PositionCacheKey(addr(1)))
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, cached, 3)
	assert.Equal(t, "m1y", cached[0].TokenID)
	assert.True(t, cached[0].AvgPrice.Equal(decimal.NewFromFloat(0.6)))
}

func TestDiscover_Deterministic(t *testing.T) {
	repo := memory.New()
	seedTraders(t, repo, map[int]models.Tier{1: models.TierS, 2: models.TierA, 3: models.TierA})
	byUser := map[string][]dataapi.Position{
		addr(1): {position("0x1", "t1", "Yes", 100, 0.5), position("0x2", "t2", "Yes", 100, 0.5)},
		addr(2): {position("0x1", "t1", "Yes", 100, 0.5)},
		addr(3): {position("0x2", "t2", "No", 100, 0.5)},
	}
	resolver := &stubResolver{markets: map[string]models.Market{
		"0x1": {ID: "1", ConditionID: "0x1", Volume: decPtr(100)},
		"0x2": {ID: "2", ConditionID: "0x2", Volume: decPtr(100)},
	}}
	svc := &DiscoveryService{Repo: repo, Positions: &stubPositions{byUser: byUser}, Markets: resolver, Now: clock}

	first, err := svc.DiscoverSmartMarkets(context.Background())
	require.NoError(t, err)
	second, err := svc.DiscoverSmartMarkets(context.Background())
	require.NoError(t, err)

	require.Len(t, first.Stats, 2)
	require.Len(t, second.Stats, 2)
	for i := range first.Stats {
		assert.Equal(t, first.Stats[i].MarketID, second.Stats[i].MarketID)
		assert.Equal(t, first.Stats[i].SmartCount, second.Stats[i].SmartCount)
		assert.Equal(t, first.Stats[i].SmartWeighted, second.Stats[i].SmartWeighted)
	}
	// equal scores and counts fall back to market id
	assert.Equal(t, "1", first.Stats[0].MarketID)

	n, err := repo.CountMarketSmartStats(context.Background(), repository.ListSmartStatsParams{})
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
}

func TestDiscover_PartialAndTotalFailure(t *testing.T) {
	repo := memory.New()
	seedTraders(t, repo, map[int]models.Tier{1: models.TierS, 2: models.TierS})
	resolver := &stubResolver{markets: map[string]models.Market{"0x1": {ID: "1", ConditionID: "0x1"}}}

	partial := &stubPositions{
		byUser: map[string][]dataapi.Position{addr(2): {position("0x1", "t", "Yes", 100, 0.5)}},
		fail:   map[string]bool{addr(1): true},
	}
	svc := &DiscoveryService{Repo: repo, Positions: partial, Markets: resolver, Now: clock}
	res, err := svc.DiscoverSmartMarkets(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.TraderErrors)
	assert.Equal(t, 1, res.Upserted)

	total := &stubPositions{fail: map[string]bool{addr(1): true, addr(2): true}}
	svc.Positions = total
	_, err = svc.DiscoverSmartMarkets(context.Background())
	assert.True(t, errors.Is(err, ErrNoPositions))

	cp, err := repo.GetCheckpoint(context.Background(), SourceDiscovery, KeyGlobal)
	require.NoError(t, err)
	require.NotNil(t, cp.LastError)
	require.NotNil(t, cp.LastSuccessAt, "earlier success is kept")
}

func TestSmartScore_Monotonic(t *testing.T) {
	for _, vol := range []float64{0, 1_000, 1_000_000, 50_000_000} {
		prev := SmartScore(0, vol, 1_000)
		for w := 1; w <= 100; w++ {
			cur := SmartScore(w, vol, 1_000)
			if cur <= prev {
				t.Fatalf("score not increasing at weight %d volume %.0f", w, vol)
			}
			prev = cur
		}
	}
	assert.Greater(t, SmartScore(50, 1_000_000, 0), SmartScore(10, 5_000_000, 0))
	assert.Equal(t, SmartScore(3, -5, -5), SmartScore(3, 0, 0))
}
