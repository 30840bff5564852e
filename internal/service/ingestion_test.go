package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smartmoney/internal/client/polymarket/dataapi"
	"smartmoney/internal/client/polymarket/flexjson"
	polymarketgamma "smartmoney/internal/client/polymarket/gamma"
	"smartmoney/internal/geo"
	"smartmoney/internal/labeler"
	"smartmoney/internal/models"
	"smartmoney/internal/repository"
	"smartmoney/internal/repository/memory"
)

func geoWithPublic(t *testing.T, ids ...string) *geo.Dataset {
	t.Helper()
	var b strings.Builder
	b.WriteString("public_figures:\n")
	for _, id := range ids {
		fmt.Fprintf(&b, "  - %q\n", id)
	}
	b.WriteString("users:\n  trader-2: us\ncountries:\n  US:\n    latitude: 38.9\n    longitude: -77.0\n")
	d, err := geo.Parse([]byte(b.String()))
	require.NoError(t, err)
	return d
}

func allTraders(t *testing.T, repo repository.Repository) []models.Trader {
	t.Helper()
	asc := true
	items, err := repo.ListTraders(context.Background(), repository.ListTradersParams{Limit: 500, OrderBy: "leaderboard_rank", Asc: &asc})
	require.NoError(t, err)
	return items
}

func TestSyncLeaderboard_TierScenario(t *testing.T) {
	repo := memory.New()
	var public []string
	for i := 1; i <= 10; i++ {
		public = append(public, addr(i))
	}
	svc := &IngestionService{
		Repo:        repo,
		Leaderboard: &stubLeaderboard{entries: leaderboardEntries(100)},
		Geo:         geoWithPublic(t, public...),
		Now:         clock,
	}

	res, err := svc.SyncLeaderboard(context.Background(), LeaderboardSyncOptions{Period: "week", TotalLimit: 100, PageSize: 50})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Pages)
	assert.Equal(t, 100, res.Upserted)

	traders := allTraders(t, repo)
	require.Len(t, traders, 100)
	for _, tr := range traders {
		var want models.Tier
		switch {
		case tr.LeaderboardRank <= 10:
			want = models.TierS
			assert.True(t, tr.PubliclyKnown, "rank %d", tr.LeaderboardRank)
		case tr.LeaderboardRank <= 40:
			want = models.TierA
		default:
			want = models.TierB
		}
		assert.Equal(t, want, tr.Tier, "rank %d", tr.LeaderboardRank)
		assert.Equal(t, strings.ToLower(tr.Address), tr.Address)
		assert.Equal(t, 100, tr.SnapshotSize)
		assert.Equal(t, fmt.Sprintf("trader-%d", tr.LeaderboardRank), tr.UserName)
		// the leaderboard carries no activity time
		assert.Nil(t, tr.LastActiveAt)
		assert.GreaterOrEqual(t, tr.RarityScore, 0)
		assert.LessOrEqual(t, tr.RarityScore, 1000)
	}

	second := traders[1]
	require.NotNil(t, second.Country)
	assert.Equal(t, "US", *second.Country)
	require.NotNil(t, second.Latitude)
	assert.InDelta(t, 38.9, *second.Latitude, 1e-9)

	cp, err := repo.GetCheckpoint(context.Background(), SourceLeaderboard, KeyGlobal)
	require.NoError(t, err)
	require.NotNil(t, cp)
	require.NotNil(t, cp.LastSuccessAt)
	assert.Equal(t, fixedNow, *cp.LastSuccessAt)
	assert.Nil(t, cp.LastError)
}

func TestSyncLeaderboard_PublicFigureAlwaysS(t *testing.T) {
	repo := memory.New()
	svc := &IngestionService{
		Repo:        repo,
		Leaderboard: &stubLeaderboard{entries: leaderboardEntries(100)},
		Geo:         geoWithPublic(t, "trader-90"),
		Now:         clock,
	}
	_, err := svc.SyncLeaderboard(context.Background(), LeaderboardSyncOptions{TotalLimit: 100, PageSize: 50})
	require.NoError(t, err)

	tr, err := repo.GetTrader(context.Background(), addr(90))
	require.NoError(t, err)
	require.NotNil(t, tr)
	assert.Equal(t, models.TierS, tr.Tier)
}

func TestSyncLeaderboard_Idempotent(t *testing.T) {
	repo := memory.New()
	svc := &IngestionService{
		Repo:        repo,
		Leaderboard: &stubLeaderboard{entries: leaderboardEntries(75)},
		Now:         clock,
	}
	ctx := context.Background()
	opts := LeaderboardSyncOptions{TotalLimit: 100, PageSize: 50}

	_, err := svc.SyncLeaderboard(ctx, opts)
	require.NoError(t, err)
	first := stripTimes(allTraders(t, repo))

	_, err = svc.SyncLeaderboard(ctx, opts)
	require.NoError(t, err)
	second := stripTimes(allTraders(t, repo))

	assert.Len(t, second, 75)
	assert.Equal(t, first, second)
}

func stripTimes(items []models.Trader) []models.Trader {
	out := make([]models.Trader, len(items))
	for i, t := range items {
		t.UpdatedAt = time.Time{}
		t.FirstSeenAt = time.Time{}
		t.LastActiveAt = nil
		out[i] = t
	}
	return out
}

func TestSyncLeaderboard_SkipsBadRecords(t *testing.T) {
	entries := leaderboardEntries(4)
	entries[1].ProxyWallet = ""
	entries[2].ProxyWallet = "not-an-address"
	entries = append(entries, entries[0])

	repo := memory.New()
	svc := &IngestionService{Repo: repo, Leaderboard: &stubLeaderboard{entries: entries}, Now: clock}
	res, err := svc.SyncLeaderboard(context.Background(), LeaderboardSyncOptions{TotalLimit: 50, PageSize: 50})
	require.NoError(t, err)

	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, 1, res.Malformed)
	assert.Equal(t, 1, res.Duplicates)
	assert.Equal(t, 2, res.Upserted)

	traders := allTraders(t, repo)
	require.Len(t, traders, 2)
	// ranks are assigned over the cleaned snapshot
	assert.Equal(t, 1, traders[0].LeaderboardRank)
	assert.Equal(t, 2, traders[1].LeaderboardRank)
	assert.Equal(t, 2, traders[1].SnapshotSize)
}

func TestSyncLeaderboard_PageFailureKeepsProgress(t *testing.T) {
	repo := memory.New()
	svc := &IngestionService{
		Repo:        repo,
		Leaderboard: &stubLeaderboard{entries: leaderboardEntries(120), failOffset: 50},
		Now:         clock,
	}
	res, err := svc.SyncLeaderboard(context.Background(), LeaderboardSyncOptions{TotalLimit: 120, PageSize: 50})
	require.Error(t, err)
	var apiErr *dataapi.APIError
	assert.True(t, errors.As(err, &apiErr))
	assert.True(t, res.Partial)
	assert.Equal(t, 50, res.Upserted)
	assert.Len(t, allTraders(t, repo), 50)

	cp, err := repo.GetCheckpoint(context.Background(), SourceLeaderboard, KeyGlobal)
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Nil(t, cp.LastSuccessAt)
	require.NotNil(t, cp.LastError)
	assert.Contains(t, *cp.LastError, "offset=50")
}

func TestSyncLeaderboard_PartialRunKeepsTiers(t *testing.T) {
	repo := memory.New()
	ctx := context.Background()
	lb := &stubLeaderboard{entries: leaderboardEntries(160)}
	svc := &IngestionService{Repo: repo, Leaderboard: lb, Now: clock}
	opts := LeaderboardSyncOptions{TotalLimit: 160, PageSize: 40}

	_, err := svc.SyncLeaderboard(ctx, opts)
	require.NoError(t, err)
	before := map[string]models.Tier{}
	for _, tr := range allTraders(t, repo) {
		before[tr.Address] = tr.Tier
	}
	// 10/160 is S and 30/160 is A; against 40 rows they would drop to A and B
	require.Equal(t, models.TierS, before[addr(10)])
	require.Equal(t, models.TierA, before[addr(30)])

	lb.failOffset = 40
	res, err := svc.SyncLeaderboard(ctx, opts)
	require.Error(t, err)
	assert.True(t, res.Partial)
	assert.Equal(t, 40, res.Upserted)

	for _, tr := range allTraders(t, repo) {
		assert.Equal(t, before[tr.Address], tr.Tier, "rank %d", tr.LeaderboardRank)
		assert.Equal(t, 160, tr.SnapshotSize, "rank %d", tr.LeaderboardRank)
	}

	_, err = (&ScoreService{Repo: repo, Now: clock}).Recompute(ctx)
	require.NoError(t, err)
	t10, err := repo.GetTrader(ctx, addr(10))
	require.NoError(t, err)
	assert.Equal(t, models.TierS, t10.Tier)
	t30, err := repo.GetTrader(ctx, addr(30))
	require.NoError(t, err)
	assert.Equal(t, models.TierA, t30.Tier)
}

func TestSyncLeaderboard_EmptyRunWritesNoCheckpoint(t *testing.T) {
	repo := memory.New()
	svc := &IngestionService{Repo: repo, Leaderboard: &stubLeaderboard{}, Now: clock}
	_, err := svc.SyncLeaderboard(context.Background(), LeaderboardSyncOptions{})
	require.NoError(t, err)
	cp, err := repo.GetCheckpoint(context.Background(), SourceLeaderboard, KeyGlobal)
	require.NoError(t, err)
	assert.Nil(t, cp)
}

func TestSyncMarkets_CategoryAndPinned(t *testing.T) {
	repo := memory.New()
	ctx := context.Background()
	require.NoError(t, repo.UpsertMarket(ctx, &models.Market{ID: "2", ConditionID: "0xc2", Question: "old", Pinned: true}))

	m1 := gammaMarket("1", "0xC1", "Will Bitcoin price be above $100k on Friday?", 1000)
	m2 := gammaMarket("2", "0xc2", "Who wins?", 500)
	m2.Category = "Politics"
	m2.Events = []polymarketgamma.EventRef{{ID: "77", Slug: "election-2028"}}
	bad := gammaMarket("", "0xc3", "no id", 1)
	gamma := &stubGamma{markets: []polymarketgamma.Market{m1, m2, bad}}

	svc := &IngestionService{Repo: repo, Gamma: gamma, Labeler: &labeler.CategoryLabeler{}, Now: clock}
	res, err := svc.SyncMarkets(ctx, MarketSyncOptions{PageSize: 10})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Upserted)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, 1, res.Categorized)

	got1, err := repo.GetMarket(ctx, "1")
	require.NoError(t, err)
	require.NotNil(t, got1)
	assert.Equal(t, "0xc1", got1.ConditionID)
	require.NotNil(t, got1.Category)
	assert.Equal(t, "crypto", *got1.Category)
	assert.JSONEq(t, `["11","12"]`, string(got1.ClobTokenIDs))

	got2, err := repo.GetMarket(ctx, "2")
	require.NoError(t, err)
	assert.True(t, got2.Pinned)
	assert.Equal(t, "politics", *got2.Category)
	require.NotNil(t, got2.EventSlug)
	assert.Equal(t, "election-2028", *got2.EventSlug)

	cp, err := repo.GetCheckpoint(ctx, SourceMarkets, KeyActive)
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.NotNil(t, cp.LastSuccessAt)
}

func TestEnsureMarkets_FetchesMissingAndStale(t *testing.T) {
	repo := memory.New()
	ctx := context.Background()
	require.NoError(t, repo.UpsertMarket(ctx, &models.Market{ID: "1", ConditionID: "0xc1", Question: "fresh", LastSyncedAt: fixedNow}))
	require.NoError(t, repo.UpsertMarket(ctx, &models.Market{ID: "2", ConditionID: "0xc2", Question: "stale", LastSyncedAt: fixedNow.Add(-3 * time.Hour)}))

	gamma := &stubGamma{markets: []polymarketgamma.Market{
		gammaMarket("1", "0xc1", "fresh upstream", 1),
		gammaMarket("2", "0xc2", "stale upstream", 1),
		gammaMarket("3", "0xc3", "missing upstream", 1),
	}}
	svc := &IngestionService{Repo: repo, Gamma: gamma, Now: clock, StaleAfter: time.Hour}

	got, err := svc.EnsureMarkets(ctx, []string{"0xC1", "0xc2", "0xc3", "0xc4", ""})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "fresh", got["0xc1"].Question)
	assert.Equal(t, "stale upstream", got["0xc2"].Question)
	assert.Equal(t, "missing upstream", got["0xc3"].Question)

	require.Len(t, gamma.queries, 1)
	assert.ElementsMatch(t, []string{"0xc2", "0xc3", "0xc4"}, gamma.queries[0].ConditionIDs)
}

func TestEnsureMarkets_UpstreamFailureKeepsStored(t *testing.T) {
	repo := memory.New()
	ctx := context.Background()
	require.NoError(t, repo.UpsertMarket(ctx, &models.Market{ID: "1", ConditionID: "0xc1", LastSyncedAt: fixedNow.Add(-24 * time.Hour)}))
	svc := &IngestionService{Repo: repo, Gamma: &stubGamma{err: errors.New("down")}, Now: clock}

	got, err := svc.EnsureMarkets(ctx, []string{"0xc1", "0xc2"})
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestRefreshPinnedMarkets(t *testing.T) {
	repo := memory.New()
	ctx := context.Background()
	oldSlug := "old-event"
	require.NoError(t, repo.UpsertMarket(ctx, &models.Market{ID: "9", ConditionID: "0xc9", EventSlug: &oldSlug, Pinned: true}))
	require.NoError(t, repo.UpsertMarketSmartStats(ctx, &models.MarketSmartStats{MarketID: "5", ConditionID: "0xc5", SmartCount: 1, ComputedAt: fixedNow.Add(-time.Hour)}))

	event := polymarketgamma.Event{
		ID:       flexjson.Text("100"),
		Slug:     "pinned-event",
		Category: "Sports",
		Markets: []polymarketgamma.Market{
			gammaMarket("10", "0xca", "Team A", 10),
			gammaMarket("11", "0xcb", "Team B", 10),
		},
	}
	gamma := &stubGamma{
		events:  []polymarketgamma.Event{event},
		markets: []polymarketgamma.Market{gammaMarket("5", "0xc5", "smart market", 99)},
	}
	svc := &IngestionService{
		Repo:             repo,
		Gamma:            gamma,
		Now:              clock,
		PinnedEventSlugs: []string{"pinned-event", "gone-event"},
	}

	res, err := svc.RefreshPinnedMarkets(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Events)
	assert.Equal(t, 1, res.Missing)
	assert.Equal(t, 2, res.Pinned)
	assert.Equal(t, 1, res.Unpinned)
	assert.Equal(t, 1, res.SmartMarket)

	m10, err := repo.GetMarket(ctx, "10")
	require.NoError(t, err)
	assert.True(t, m10.Pinned)
	assert.Equal(t, "pinned-event", *m10.EventSlug)
	assert.Equal(t, "sports", *m10.Category)

	m9, err := repo.GetMarket(ctx, "9")
	require.NoError(t, err)
	assert.False(t, m9.Pinned)

	m5, err := repo.GetMarket(ctx, "5")
	require.NoError(t, err)
	require.NotNil(t, m5)
	assert.False(t, m5.Pinned)

	cp, err := repo.GetCheckpoint(ctx, SourcePinned, KeyDaily)
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.NotNil(t, cp.LastSuccessAt)
}
