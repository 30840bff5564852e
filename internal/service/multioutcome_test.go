package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smartmoney/internal/cache"
	"smartmoney/internal/chain"
	polymarketgamma "smartmoney/internal/client/polymarket/gamma"
	"smartmoney/internal/models"
	"smartmoney/internal/repository"
	"smartmoney/internal/repository/memory"
)

func groupedEvent(slug string, titles ...string) polymarketgamma.Event {
	e := polymarketgamma.Event{Slug: slug, Active: true, NegRisk: true}
	for i, title := range titles {
		id := string(rune('a' + i))
		m := gammaMarket(slug+"-"+id, "0xcond"+id, "Will "+title+" win?", 1000)
		m.GroupItemTitle = title
		e.Markets = append(e.Markets, m)
	}
	return e
}

func smartTraders(t *testing.T, repo repository.Repository) {
	t.Helper()
	tiers := map[int]models.Tier{
		1: models.TierS, 2: models.TierS, 3: models.TierA, 4: models.TierA, 5: models.TierA,
		6: models.TierB,
	}
	for i, tier := range tiers {
		tr := models.Trader{Address: addr(i), DisplayName: "t", Tier: tier, RarityScore: 500 - i}
		require.NoError(t, repo.UpsertTrader(context.Background(), &tr))
	}
}

func TestAnalyzeMultiOutcome_PersistsNonZeroBalances(t *testing.T) {
	repo := memory.New()
	smartTraders(t, repo)
	event := groupedEvent("election", "Alice", "Bob", "Carol")
	gamma := &stubGamma{events: []polymarketgamma.Event{event, {Slug: "binary", Markets: []polymarketgamma.Market{gammaMarket("z", "0xz", "Binary?", 10)}}}}

	// token ids are <market id>1 for Yes and <market id>2 for No
	balances := &stubBalances{balances: map[string]int64{
		addr(1) + "|election-a1": 2_500_000,
		addr(2) + "|election-a1": 1_000_000,
		addr(3) + "|election-b2": 750_000,
		addr(5) + "|election-c1": 1,
		addr(6) + "|election-a1": 9_000_000, // B tier is never queried
	}}

	store := cache.NewMemoryStore()
	require.NoError(t, cache.SetJSON(context.Background(), store, PositionCacheKey(addr(1)),
		[]CachedPosition{{TokenID: "election-a1", AvgPrice: decimal.RequireFromString("0.42")}}, time.Hour))

	svc := &MultiOutcomeService{Repo: repo, Gamma: gamma, Balances: balances, Cache: store, Now: clock}
	res, err := svc.AnalyzeMultiOutcome(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, res.Events)
	assert.Equal(t, 1, res.Qualified, "binary event is skipped")
	assert.Equal(t, 1, res.Persisted)
	assert.Equal(t, 1, balances.calls, "one batched balance query per event")
	assert.Equal(t, 6*5, balances.pairs)
	assert.Equal(t, 4, res.Rows)

	rows, err := repo.ListMultiOutcomePositions(context.Background(), repository.ListMultiOutcomeParams{EventSlug: "election"})
	require.NoError(t, err)
	require.Len(t, rows, 4)
	total := decimal.Zero
	for _, r := range rows {
		assert.True(t, r.Shares.IsPositive())
		assert.NotEqual(t, addr(6), r.TraderAddress)
		total = total.Add(r.Shares)
	}
	assert.True(t, total.Equal(decimal.RequireFromString("4.250001")), total.String())

	byTrader := map[string]models.MultiOutcomePosition{}
	for _, r := range rows {
		byTrader[r.TraderAddress+"|"+r.OutcomeTitle] = r
	}
	alice := byTrader[addr(1)+"|Alice"]
	require.NotNil(t, alice.EntryPrice)
	assert.Equal(t, "0.42", alice.EntryPrice.String())
	assert.Equal(t, "2.5", alice.Shares.String())
	require.NotNil(t, alice.CurrentPrice)
	assert.Nil(t, byTrader[addr(2)+"|Alice"].EntryPrice)
	assert.Contains(t, byTrader, addr(3)+"|Bob (No)")

	report := res.Reports[0]
	assert.Equal(t, StatePersisted, report.State)
	require.NotEmpty(t, report.Groups)
	assert.Equal(t, "Alice", report.Groups[0].OutcomeTitle)
	assert.Equal(t, 2, report.Groups[0].SmartCount)
	assert.Equal(t, addr(1), report.Groups[0].Holders[0].Address)

	cp, err := repo.GetCheckpoint(context.Background(), SourceMultiOutcome, "election")
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.NotNil(t, cp.LastSuccessAt)
	assert.Nil(t, cp.LastError)
}

func TestAnalyzeMultiOutcome_RerunReplacesRows(t *testing.T) {
	repo := memory.New()
	smartTraders(t, repo)
	gamma := &stubGamma{events: []polymarketgamma.Event{groupedEvent("cup", "X", "Y", "Z")}}
	balances := &stubBalances{balances: map[string]int64{
		addr(1) + "|cup-a1": 1_000_000,
		addr(2) + "|cup-b1": 1_000_000,
	}}
	svc := &MultiOutcomeService{Repo: repo, Gamma: gamma, Balances: balances, Now: clock}
	_, err := svc.AnalyzeMultiOutcome(context.Background())
	require.NoError(t, err)

	balances.balances = map[string]int64{addr(1) + "|cup-a1": 3_000_000}
	_, err = svc.AnalyzeMultiOutcome(context.Background())
	require.NoError(t, err)

	rows, err := repo.ListMultiOutcomePositions(context.Background(), repository.ListMultiOutcomeParams{EventSlug: "cup"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "3", rows[0].Shares.String())
}

func TestAnalyzeEvent_RPCFailure(t *testing.T) {
	repo := memory.New()
	smartTraders(t, repo)
	gamma := &stubGamma{events: []polymarketgamma.Event{groupedEvent("down", "A", "B", "C")}}
	balances := &stubBalances{err: chain.ErrBreakerOpen}
	svc := &MultiOutcomeService{Repo: repo, Gamma: gamma, Balances: balances, Now: clock}

	res, err := svc.AnalyzeMultiOutcome(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, res.Failed)
	require.Len(t, res.Reports, 1)
	assert.Equal(t, StateFailed, res.Reports[0].State)
	assert.Contains(t, res.Reports[0].Error, "circuit open")

	cp, err := repo.GetCheckpoint(context.Background(), SourceMultiOutcome, "down")
	require.NoError(t, err)
	require.NotNil(t, cp)
	require.NotNil(t, cp.LastError)
	assert.Nil(t, cp.LastSuccessAt)
}

func TestAnalyzeEvent_ClosedMarketsAndPriceFallback(t *testing.T) {
	repo := memory.New()
	smartTraders(t, repo)
	event := groupedEvent("mixed", "A", "B", "C")
	event.Markets[2].Closed = true
	event.Markets[0].OutcomePrices = nil

	require.NoError(t, repo.ReplaceMultiOutcomePositions(context.Background(), []string{"mixed-c"}, []models.MultiOutcomePosition{{
		MarketID: "mixed-c", OutcomeTitle: "C", TraderAddress: addr(1), EventSlug: "mixed", Shares: decimal.NewFromInt(1),
	}}))

	prices := &stubPrices{mid: decimal.RequireFromString("0.31")}
	balances := &stubBalances{balances: map[string]int64{addr(1) + "|mixed-a1": 1_000_000}}
	svc := &MultiOutcomeService{Repo: repo, Gamma: &stubGamma{}, Prices: prices, Balances: balances, Now: clock}

	traders, err := repo.ListTraders(context.Background(), repository.ListTradersParams{Tiers: []models.Tier{models.TierS, models.TierA}})
	require.NoError(t, err)
	report := svc.AnalyzeEvent(context.Background(), event, traders)
	assert.Equal(t, StatePersisted, report.State)
	assert.Equal(t, 4, report.Outcomes)
	assert.Equal(t, 2, prices.calls)

	rows, err := repo.ListMultiOutcomePositions(context.Background(), repository.ListMultiOutcomeParams{EventSlug: "mixed"})
	require.NoError(t, err)
	require.Len(t, rows, 1, "closed market rows are cleared")
	require.NotNil(t, rows[0].CurrentPrice)
	assert.Equal(t, "0.31", rows[0].CurrentPrice.String())
}

func TestCanTransition(t *testing.T) {
	path := []AnalysisState{StateDiscovered, StateTokenIDsResolved, StateBalancesQueried, StateAggregated, StatePersisted}
	for i := 0; i+1 < len(path); i++ {
		assert.True(t, CanTransition(path[i], path[i+1]), "%s -> %s", path[i], path[i+1])
		assert.True(t, CanTransition(path[i], StateFailed))
	}
	assert.False(t, CanTransition(StateDiscovered, StateBalancesQueried))
	assert.False(t, CanTransition(StateAggregated, StateDiscovered))
	assert.False(t, CanTransition(StatePersisted, StateFailed))
	assert.False(t, CanTransition(StateFailed, StateDiscovered))

	a := &eventAnalysis{state: StateDiscovered}
	assert.Panics(t, func() { a.advance(StatePersisted) })
	a.fail(errors.New("x"))
	assert.Panics(t, func() { a.advance(StateTokenIDsResolved) })
}

func TestOutcomeTitle(t *testing.T) {
	assert.Equal(t, "Alice", OutcomeTitle("Alice", "Will Alice win?", "Yes", false))
	assert.Equal(t, "Alice (No)", OutcomeTitle("Alice", "Will Alice win?", "No", false))
	assert.Equal(t, "Will Bob win?", OutcomeTitle("", "Will Bob win?", "YES", false))
	assert.Equal(t, "Range (Over)", OutcomeTitle("Range", "", "Over", false))
	assert.Equal(t, "Up", OutcomeTitle("ignored", "q", " Up ", true))
}

func TestGroupPositions_Ordering(t *testing.T) {
	rows := []models.MultiOutcomePosition{
		{MarketID: "m1", OutcomeTitle: "A", TraderAddress: addr(1), TraderTier: models.TierB, Shares: decimal.NewFromInt(100)},
		{MarketID: "m2", OutcomeTitle: "B", TraderAddress: addr(2), TraderTier: models.TierS, Shares: decimal.NewFromInt(1)},
		{MarketID: "m2", OutcomeTitle: "B", TraderAddress: addr(3), TraderTier: models.TierA, Shares: decimal.NewFromInt(5)},
		{MarketID: "m3", OutcomeTitle: "C", TraderAddress: addr(4), TraderTier: models.TierS, Shares: decimal.NewFromInt(2)},
	}
	groups := GroupPositions(rows)
	require.Len(t, groups, 3)
	assert.Equal(t, "B", groups[0].OutcomeTitle)
	assert.Equal(t, 2, groups[0].SmartCount)
	assert.Equal(t, addr(3), groups[0].Holders[0].Address)
	assert.True(t, groups[0].TotalShares.Equal(decimal.NewFromInt(6)))
	assert.Equal(t, "C", groups[1].OutcomeTitle)
	assert.Equal(t, "A", groups[2].OutcomeTitle)
	assert.Equal(t, 0, groups[2].SmartCount)
}
