package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"smartmoney/internal/client/polymarket/dataapi"
	polymarketgamma "smartmoney/internal/client/polymarket/gamma"
	"smartmoney/internal/geo"
	"smartmoney/internal/labeler"
	"smartmoney/internal/models"
	"smartmoney/internal/repository"
	"smartmoney/internal/tiering"
)

// IngestionService is the only writer of Trader and Market rows.
type IngestionService struct {
	Repo        repository.Repository
	Leaderboard LeaderboardSource
	Gamma       MarketSource
	Geo         *geo.Dataset
	Labeler     *labeler.CategoryLabeler
	Logger      *zap.Logger
	Now         func() time.Time

	PinnedEventSlugs []string
	// StaleAfter is how old a stored market may be before EnsureMarkets
	// refetches it.
	StaleAfter time.Duration
	// FreshnessWindow selects the smart markets refreshed by the pinned job.
	FreshnessWindow time.Duration
}

type LeaderboardSyncOptions struct {
	Period     string
	TotalLimit int
	PageSize   int
}

type LeaderboardSyncResult struct {
	Pages       int  `json:"pages"`
	Fetched     int  `json:"fetched"`
	Malformed   int  `json:"malformed"`
	Skipped     int  `json:"skipped"`
	Duplicates  int  `json:"duplicates"`
	Upserted    int  `json:"upserted"`
	StoreErrors int  `json:"store_errors"`
	Partial     bool `json:"partial"`
}

type snapshotEntry struct {
	address string
	entry   dataapi.LeaderboardEntry
}

// SyncLeaderboard pages the leaderboard and upserts every trader in the
// collected snapshot. A failed page stops paging; whatever was collected is
// still applied and the page error is returned.
func (s *IngestionService) SyncLeaderboard(ctx context.Context, opts LeaderboardSyncOptions) (LeaderboardSyncResult, error) {
	var result LeaderboardSyncResult
	if s.Leaderboard == nil {
		return result, fmt.Errorf("leaderboard client is nil")
	}
	period := strings.ToLower(strings.TrimSpace(opts.Period))
	if period == "" {
		period = "week"
	}
	total := opts.TotalLimit
	if total <= 0 {
		total = 1000
	}
	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}

	var entries []dataapi.LeaderboardEntry
	var pageErr error
	for offset := 0; offset < total; offset += pageSize {
		limit := pageSize
		if rest := total - offset; rest < limit {
			limit = rest
		}
		page, err := s.Leaderboard.GetLeaderboard(ctx, dataapi.LeaderboardQuery{
			Period: period,
			Limit:  limit,
			Offset: offset,
		})
		if err != nil {
			pageErr = fmt.Errorf("leaderboard page offset=%d: %w", offset, err)
			s.logger().Warn("leaderboard page fetch failed", zap.Int("offset", offset), zap.Error(err))
			break
		}
		result.Pages++
		result.Fetched += page.Raw
		for _, bad := range page.Malformed {
			result.Malformed++
			s.logger().Warn("leaderboard record malformed", zap.Int("offset", offset), zap.Int("index", bad.Index), zap.Error(bad.Err))
		}
		entries = append(entries, page.Items...)
		if page.Raw < limit {
			break
		}
	}

	snapshot := s.normalizeSnapshot(entries, &result)
	now := nowUTC(s.Now)
	// A failed page leaves a truncated snapshot; rank it against the size
	// that was requested so the top of the board keeps its tiers.
	rankTotal := len(snapshot)
	if pageErr != nil && total > rankTotal {
		rankTotal = total
	}
	s.applySnapshot(ctx, snapshot, rankTotal, now, &result)

	if pageErr != nil {
		result.Partial = true
		s.saveCheckpoint(ctx, SourceLeaderboard, KeyGlobal, now, result, pageErr)
		return result, pageErr
	}
	if len(snapshot) > 0 {
		s.saveCheckpoint(ctx, SourceLeaderboard, KeyGlobal, now, result, nil)
	}
	return result, nil
}

func (s *IngestionService) normalizeSnapshot(entries []dataapi.LeaderboardEntry, result *LeaderboardSyncResult) []snapshotEntry {
	seen := make(map[string]struct{}, len(entries))
	out := make([]snapshotEntry, 0, len(entries))
	for _, e := range entries {
		addr := strings.ToLower(strings.TrimSpace(e.ProxyWallet))
		if addr == "" {
			result.Skipped++
			continue
		}
		if !common.IsHexAddress(addr) {
			result.Malformed++
			s.logger().Warn("leaderboard record has invalid address", zap.String("address", addr))
			continue
		}
		if _, ok := seen[addr]; ok {
			result.Duplicates++
			continue
		}
		seen[addr] = struct{}{}
		out = append(out, snapshotEntry{address: addr, entry: e})
	}
	return out
}

// applySnapshot ranks the snapshot in memory out of total, assesses each
// trader and upserts them one by one. Store errors are counted, not fatal.
func (s *IngestionService) applySnapshot(ctx context.Context, snapshot []snapshotEntry, total int, now time.Time, result *LeaderboardSyncResult) {
	for i, se := range snapshot {
		t := s.traderFromEntry(se, i+1, total, now)
		if err := s.Repo.UpsertTrader(ctx, t); err != nil {
			result.StoreErrors++
			s.logger().Error("trader upsert failed", zap.String("address", se.address), zap.Error(err))
			continue
		}
		result.Upserted++
	}
}

func (s *IngestionService) traderFromEntry(se snapshotEntry, rank, total int, now time.Time) *models.Trader {
	e := se.entry
	userName := strings.TrimSpace(e.UserName)
	name := userName
	if name == "" {
		name = se.address
	}
	t := &models.Trader{
		Address:         se.address,
		DisplayName:     name,
		UserName:        userName,
		AvatarURL:       stringPtr(e.ProfileImage),
		XUsername:       stringPtr(e.XUsername),
		PnL:             e.PnL.Value,
		Volume:          e.Volume.Value,
		TradeCount:      e.MarketsTraded,
		WinRate:         e.WinRate.Ptr(),
		LeaderboardRank: rank,
		SnapshotSize:    total,
		PubliclyKnown:   s.Geo.IsPubliclyKnown(se.address, userName, e.XUsername),
		FirstSeenAt:     now,
		UpdatedAt:       now,
	}
	if loc, ok := s.Geo.Locate(se.address, userName, e.XUsername); ok {
		country := loc.Country
		lat, lng := loc.Latitude, loc.Longitude
		t.Country = &country
		t.Latitude = &lat
		t.Longitude = &lng
	}
	assess(t)
	return t
}

// assess refreshes the cached tier and rarity score from the trader's stored
// tier inputs. It is the only place either field is derived.
func assess(t *models.Trader) {
	a := tiering.Assess(t.LeaderboardRank, t.SnapshotSize, t.PubliclyKnown, tiering.Metrics{
		PnL:             t.PnL.InexactFloat64(),
		Volume:          t.Volume.InexactFloat64(),
		TradeCount:      t.TradeCount,
		HasSocialHandle: t.XUsername != nil && strings.TrimSpace(*t.XUsername) != "",
	})
	t.Tier = a.Tier
	t.RarityScore = a.RarityScore
}

// --- markets -----------------------------------------------------------------

type MarketSyncOptions struct {
	PageSize int
	MaxPages int
}

type MarketSyncResult struct {
	Pages       int `json:"pages"`
	Fetched     int `json:"fetched"`
	Malformed   int `json:"malformed"`
	Skipped     int `json:"skipped"`
	Upserted    int `json:"upserted"`
	Categorized int `json:"categorized"`
	StoreErrors int `json:"store_errors"`
}

// SyncMarkets pages active, open markets ordered by volume.
func (s *IngestionService) SyncMarkets(ctx context.Context, opts MarketSyncOptions) (MarketSyncResult, error) {
	var result MarketSyncResult
	if s.Gamma == nil {
		return result, fmt.Errorf("gamma client is nil")
	}
	limit := opts.PageSize
	if limit <= 0 {
		limit = 100
	}
	maxPages := opts.MaxPages
	if maxPages <= 0 {
		maxPages = 5
	}
	active := true
	closed := false
	now := nowUTC(s.Now)

	var runErr error
	for pageNum := 0; pageNum < maxPages; pageNum++ {
		page, err := s.Gamma.ListMarkets(ctx, polymarketgamma.MarketsQuery{
			Limit:     limit,
			Offset:    pageNum * limit,
			Active:    &active,
			Closed:    &closed,
			Order:     "volumeNum",
			Ascending: false,
		})
		if err != nil {
			runErr = fmt.Errorf("gamma markets page %d: %w", pageNum, err)
			s.logger().Warn("market page fetch failed", zap.Int("page", pageNum), zap.Error(err))
			break
		}
		result.Pages++
		result.Fetched += page.Raw
		for _, bad := range page.Malformed {
			result.Malformed++
			s.logger().Warn("market record malformed", zap.Int("page", pageNum), zap.Int("index", bad.Index), zap.Error(bad.Err))
		}
		stats := s.upsertMarkets(ctx, page.Items, nil, now, nil)
		result.add(stats)
		if page.Raw < limit {
			break
		}
	}

	if runErr != nil || result.Upserted > 0 {
		s.saveCheckpoint(ctx, SourceMarkets, KeyActive, now, result, runErr)
	}
	return result, runErr
}

func (r *MarketSyncResult) add(o MarketSyncResult) {
	r.Skipped += o.Skipped
	r.Upserted += o.Upserted
	r.Categorized += o.Categorized
	r.StoreErrors += o.StoreErrors
}

// upsertMarkets converts and stores gamma markets. parent fills event fields
// for markets fetched nested in an event. pinned forces the flag on; otherwise
// the stored flag is kept.
func (s *IngestionService) upsertMarkets(ctx context.Context, items []polymarketgamma.Market, parent *polymarketgamma.Event, now time.Time, pinned *bool) MarketSyncResult {
	var result MarketSyncResult
	ids := make([]string, 0, len(items))
	for _, m := range items {
		ids = append(ids, m.ID.String())
	}
	existing := map[string]models.Market{}
	if pinned == nil && len(ids) > 0 {
		stored, err := s.Repo.ListMarketsByIDs(ctx, ids)
		if err != nil {
			s.logger().Warn("load stored markets failed", zap.Error(err))
		}
		for _, m := range stored {
			existing[m.ID] = m
		}
	}

	for _, m := range items {
		item, ok := s.marketFromGamma(m, parent, now)
		if !ok {
			result.Skipped++
			s.logger().Warn("market record missing id or condition id", zap.String("id", m.ID.String()), zap.String("question", m.Question))
			continue
		}
		if strings.TrimSpace(m.Category) == "" && item.Category != nil {
			result.Categorized++
		}
		if pinned != nil {
			item.Pinned = *pinned
		} else if prev, ok := existing[item.ID]; ok {
			item.Pinned = prev.Pinned
		}
		if err := s.Repo.UpsertMarket(ctx, &item); err != nil {
			result.StoreErrors++
			s.logger().Error("market upsert failed", zap.String("market_id", item.ID), zap.Error(err))
			continue
		}
		result.Upserted++
	}
	return result
}

func (s *IngestionService) marketFromGamma(m polymarketgamma.Market, parent *polymarketgamma.Event, now time.Time) (models.Market, bool) {
	id := strings.TrimSpace(m.ID.String())
	conditionID := strings.ToLower(strings.TrimSpace(m.ConditionID))
	if id == "" || conditionID == "" {
		return models.Market{}, false
	}
	item := models.Market{
		ID:             id,
		ConditionID:    conditionID,
		Question:       strings.TrimSpace(m.Question),
		Slug:           stringPtr(m.Slug),
		GroupItemTitle: stringPtr(m.GroupItemTitle),
		Volume:         m.VolumeValue(),
		Liquidity:      m.LiquidityValue(),
		EndDate:        m.EndDate.Ptr(),
		Closed:         m.Closed,
		NegRisk:        m.NegRisk,
		Outcomes:       jsonList(m.Outcomes),
		OutcomePrices:  jsonList(m.OutcomePrices),
		ClobTokenIDs:   jsonList(m.ClobTokenIDs),
		LastSyncedAt:   now,
	}
	if ref, ok := m.ParentEvent(); ok {
		item.EventID = stringPtr(ref.ID.String())
		item.EventSlug = stringPtr(ref.Slug)
	} else if parent != nil {
		item.EventID = stringPtr(parent.ID.String())
		item.EventSlug = stringPtr(parent.Slug)
	}

	category := strings.TrimSpace(m.Category)
	if category == "" && parent != nil {
		category = strings.TrimSpace(parent.Category)
	}
	if category == "" {
		var tags []string
		if parent != nil && parent.Title != "" {
			tags = append(tags, parent.Title)
		}
		if inferred, ok := s.Labeler.Infer(item.Question, tags); ok {
			category = inferred
		}
	}
	item.Category = stringPtr(strings.ToLower(category))
	return item, true
}

// EnsureMarkets returns the stored markets for conditionIDs keyed by
// condition ID, first fetching the ones that are missing or older than
// StaleAfter. A failed fetch is logged; those markets are simply absent.
func (s *IngestionService) EnsureMarkets(ctx context.Context, conditionIDs []string) (map[string]models.Market, error) {
	wanted := uniqueLower(conditionIDs)
	if len(wanted) == 0 {
		return map[string]models.Market{}, nil
	}
	stored, err := s.Repo.FindMarketsByConditionIDs(ctx, wanted)
	if err != nil {
		return nil, err
	}
	now := nowUTC(s.Now)
	out := make(map[string]models.Market, len(stored))
	for _, m := range stored {
		out[m.ConditionID] = m
	}

	staleAfter := s.StaleAfter
	if staleAfter <= 0 {
		staleAfter = time.Hour
	}
	var fetch []string
	for _, id := range wanted {
		m, ok := out[id]
		if !ok || now.Sub(m.LastSyncedAt) > staleAfter {
			fetch = append(fetch, id)
		}
	}
	if len(fetch) == 0 || s.Gamma == nil {
		return out, nil
	}

	for _, chunk := range chunkStrings(fetch, 50) {
		page, err := s.Gamma.ListMarkets(ctx, polymarketgamma.MarketsQuery{
			Limit:        len(chunk),
			ConditionIDs: chunk,
		})
		if err != nil {
			s.logger().Warn("ensure markets fetch failed", zap.Int("count", len(chunk)), zap.Error(err))
			continue
		}
		for _, bad := range page.Malformed {
			s.logger().Warn("market record malformed", zap.Int("index", bad.Index), zap.Error(bad.Err))
		}
		s.upsertMarkets(ctx, page.Items, nil, now, nil)
	}

	refreshed, err := s.Repo.FindMarketsByConditionIDs(ctx, fetch)
	if err != nil {
		return nil, err
	}
	for _, m := range refreshed {
		out[m.ConditionID] = m
	}
	return out, nil
}

type PinnedRefreshResult struct {
	Events      int `json:"events"`
	Missing     int `json:"missing"`
	Failed      int `json:"failed"`
	Pinned      int `json:"pinned"`
	Unpinned    int `json:"unpinned"`
	SmartMarket int `json:"smart_markets"`
	StoreErrors int `json:"store_errors"`
}

// RefreshPinnedMarkets refetches the configured pinned events and every
// market referenced by fresh smart stats. Markets of events that are no
// longer configured lose the pinned flag.
func (s *IngestionService) RefreshPinnedMarkets(ctx context.Context) (PinnedRefreshResult, error) {
	var result PinnedRefreshResult
	if s.Gamma == nil {
		return result, fmt.Errorf("gamma client is nil")
	}
	now := nowUTC(s.Now)
	pinnedOn := true
	pinnedSlugs := map[string]struct{}{}
	var errs []error

	for _, slug := range s.PinnedEventSlugs {
		slug = strings.TrimSpace(slug)
		if slug == "" {
			continue
		}
		pinnedSlugs[slug] = struct{}{}
		event, err := s.Gamma.GetEventBySlug(ctx, slug)
		if err != nil {
			result.Failed++
			errs = append(errs, fmt.Errorf("event %s: %w", slug, err))
			s.logger().Warn("pinned event fetch failed", zap.String("slug", slug), zap.Error(err))
			continue
		}
		if event == nil {
			result.Missing++
			s.logger().Warn("pinned event not found", zap.String("slug", slug))
			continue
		}
		result.Events++
		stats := s.upsertMarkets(ctx, event.Markets, event, now, &pinnedOn)
		result.Pinned += stats.Upserted
		result.StoreErrors += stats.StoreErrors
	}

	pinned := true
	stored, err := s.Repo.ListMarkets(ctx, repository.ListMarketsParams{Pinned: &pinned, Limit: 500})
	if err != nil {
		errs = append(errs, err)
	}
	for _, m := range stored {
		if m.EventSlug != nil {
			if _, ok := pinnedSlugs[*m.EventSlug]; ok {
				continue
			}
		}
		m.Pinned = false
		if err := s.Repo.UpsertMarket(ctx, &m); err != nil {
			result.StoreErrors++
			s.logger().Error("market unpin failed", zap.String("market_id", m.ID), zap.Error(err))
			continue
		}
		result.Unpinned++
	}

	window := s.FreshnessWindow
	if window <= 0 {
		window = 48 * time.Hour
	}
	since := now.Add(-window)
	fresh, err := s.Repo.ListMarketSmartStats(ctx, repository.ListSmartStatsParams{Since: &since, Limit: 500})
	if err != nil {
		errs = append(errs, err)
	}
	ids := make([]string, 0, len(fresh))
	for _, st := range fresh {
		ids = append(ids, st.MarketID)
	}
	for _, chunk := range chunkStrings(ids, 50) {
		page, err := s.Gamma.ListMarkets(ctx, polymarketgamma.MarketsQuery{Limit: len(chunk), IDs: chunk})
		if err != nil {
			errs = append(errs, fmt.Errorf("smart markets: %w", err))
			s.logger().Warn("smart market refresh failed", zap.Int("count", len(chunk)), zap.Error(err))
			continue
		}
		stats := s.upsertMarkets(ctx, page.Items, nil, now, nil)
		result.SmartMarket += stats.Upserted
		result.StoreErrors += stats.StoreErrors
	}

	runErr := errors.Join(errs...)
	if runErr != nil && result.Pinned+result.SmartMarket > 0 {
		// partial progress counts as success; the failures stay in the log
		runErr = nil
	}
	s.saveCheckpoint(ctx, SourcePinned, KeyDaily, now, result, runErr)
	return result, runErr
}

func (s *IngestionService) saveCheckpoint(ctx context.Context, source, key string, now time.Time, stats any, runErr error) {
	if err := recordCheckpoint(ctx, s.Repo, source, key, now, stats, runErr); err != nil {
		s.logger().Error("checkpoint write failed", zap.String("source", source), zap.String("key", key), zap.Error(err))
	}
}

func (s *IngestionService) logger() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}

func jsonList(items []string) datatypes.JSON {
	if items == nil {
		items = []string{}
	}
	raw, _ := json.Marshal(items)
	return datatypes.JSON(raw)
}

func stringPtr(v string) *string {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	return &v
}

func uniqueLower(items []string) []string {
	seen := make(map[string]struct{}, len(items))
	out := make([]string, 0, len(items))
	for _, item := range items {
		item = strings.ToLower(strings.TrimSpace(item))
		if item == "" {
			continue
		}
		if _, ok := seen[item]; ok {
			continue
		}
		seen[item] = struct{}{}
		out = append(out, item)
	}
	return out
}

func chunkStrings(items []string, size int) [][]string {
	if len(items) == 0 {
		return nil
	}
	if size <= 0 || len(items) <= size {
		return [][]string{items}
	}
	out := make([][]string, 0, (len(items)+size-1)/size)
	for i := 0; i < len(items); i += size {
		end := i + size
		if end > len(items) {
			end = len(items)
		}
		out = append(out, items[i:end])
	}
	return out
}
