package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"smartmoney/internal/cache"
	"smartmoney/internal/chain"
	polymarketgamma "smartmoney/internal/client/polymarket/gamma"
	"smartmoney/internal/models"
	"smartmoney/internal/repository"
	"smartmoney/internal/tiering"
)

type AnalysisState string

const (
	StateDiscovered       AnalysisState = "DISCOVERED"
	StateTokenIDsResolved AnalysisState = "TOKEN_IDS_RESOLVED"
	StateBalancesQueried  AnalysisState = "BALANCES_QUERIED"
	StateAggregated       AnalysisState = "AGGREGATED"
	StatePersisted        AnalysisState = "PERSISTED"
	StateFailed           AnalysisState = "FAILED"
)

var nextState = map[AnalysisState]AnalysisState{
	StateDiscovered:       StateTokenIDsResolved,
	StateTokenIDsResolved: StateBalancesQueried,
	StateBalancesQueried:  StateAggregated,
	StateAggregated:       StatePersisted,
}

// CanTransition reports whether from -> to is a legal analyzer step. FAILED
// is reachable from every non-terminal state.
func CanTransition(from, to AnalysisState) bool {
	if from == StatePersisted || from == StateFailed {
		return false
	}
	if to == StateFailed {
		return true
	}
	return nextState[from] == to
}

// eventAnalysis tracks one event through the analyzer. Illegal transitions
// panic.
type eventAnalysis struct {
	event polymarketgamma.Event
	state AnalysisState
	err   error
}

func (a *eventAnalysis) advance(to AnalysisState) {
	if !CanTransition(a.state, to) {
		panic(fmt.Sprintf("multi-outcome: illegal transition %s -> %s for event %q", a.state, to, a.event.Slug))
	}
	a.state = to
}

func (a *eventAnalysis) fail(err error) {
	a.err = err
	a.advance(StateFailed)
}

// MultiOutcomeService is the only writer of MultiOutcomePosition.
type MultiOutcomeService struct {
	Repo     repository.Repository
	Gamma    MarketSource
	Prices   PriceSource
	Balances BalanceSource
	Cache    cache.Store
	Logger   *zap.Logger
	Now      func() time.Time

	MaxEvents        int
	MaxTraders       int
	PinnedEventSlugs []string
}

// outcomeLeg is one tradable outcome with the token ID its balance lives under.
type outcomeLeg struct {
	MarketID string
	Title    string
	TokenID  string
	Price    *decimal.Decimal
}

type EventReport struct {
	Slug     string        `json:"slug"`
	State    AnalysisState `json:"state"`
	Outcomes int           `json:"outcomes"`
	Pairs    int           `json:"pairs"`
	Rows     int           `json:"rows"`
	Error    string        `json:"error,omitempty"`

	Groups []OutcomeGroup `json:"-"`
}

type MultiOutcomeResult struct {
	Events    int `json:"events"`
	Qualified int `json:"qualified"`
	Persisted int `json:"persisted"`
	Failed    int `json:"failed"`
	Pairs     int `json:"pairs"`
	Rows      int `json:"rows"`

	Reports []EventReport `json:"reports,omitempty"`
}

// AnalyzeMultiOutcome analyzes the top active events plus the pinned ones.
// An event that fails is skipped until the next run; the run fails only when
// no event could be persisted.
func (s *MultiOutcomeService) AnalyzeMultiOutcome(ctx context.Context) (MultiOutcomeResult, error) {
	var result MultiOutcomeResult
	if s.Repo == nil || s.Gamma == nil || s.Balances == nil {
		return result, fmt.Errorf("multi-outcome service is not fully configured")
	}
	events, err := s.candidateEvents(ctx)
	if err != nil {
		return result, err
	}
	result.Events = len(events)

	maxTraders := s.MaxTraders
	if maxTraders <= 0 {
		maxTraders = 200
	}
	traders, err := s.Repo.ListTraders(ctx, repository.ListTradersParams{
		Limit:   maxTraders,
		Tiers:   []models.Tier{models.TierS, models.TierA},
		OrderBy: "rarity_score",
	})
	if err != nil {
		return result, fmt.Errorf("list smart traders: %w", err)
	}
	if len(traders) == 0 {
		s.logger().Info("no smart traders, skipping multi-outcome analysis")
		return result, nil
	}

	var errs []error
	for _, event := range events {
		if event.OutcomeCount() <= 2 {
			continue
		}
		result.Qualified++
		report := s.AnalyzeEvent(ctx, event, traders)
		result.Pairs += report.Pairs
		result.Rows += report.Rows
		switch report.State {
		case StatePersisted:
			result.Persisted++
		case StateFailed:
			result.Failed++
			errs = append(errs, fmt.Errorf("event %s: %s", report.Slug, report.Error))
		}
		result.Reports = append(result.Reports, report)
	}
	if result.Persisted == 0 && len(errs) > 0 {
		return result, errors.Join(errs...)
	}
	return result, nil
}

func (s *MultiOutcomeService) candidateEvents(ctx context.Context) ([]polymarketgamma.Event, error) {
	limit := s.MaxEvents
	if limit <= 0 {
		limit = 10
	}
	active := true
	closed := false
	seen := map[string]struct{}{}
	var out []polymarketgamma.Event

	var listErr error
	page, err := s.Gamma.ListEvents(ctx, polymarketgamma.EventsQuery{
		Limit:     limit,
		Active:    &active,
		Closed:    &closed,
		Order:     "volume",
		Ascending: false,
	})
	if err != nil {
		listErr = fmt.Errorf("list events: %w", err)
		s.logger().Warn("event list fetch failed", zap.Error(err))
	}
	for _, bad := range page.Malformed {
		s.logger().Warn("event record malformed", zap.Int("index", bad.Index), zap.Error(bad.Err))
	}
	for _, e := range page.Items {
		slug := strings.TrimSpace(e.Slug)
		if slug == "" {
			continue
		}
		if _, ok := seen[slug]; ok {
			continue
		}
		seen[slug] = struct{}{}
		out = append(out, e)
	}

	for _, slug := range s.PinnedEventSlugs {
		slug = strings.TrimSpace(slug)
		if slug == "" {
			continue
		}
		if _, ok := seen[slug]; ok {
			continue
		}
		e, err := s.Gamma.GetEventBySlug(ctx, slug)
		if err != nil {
			s.logger().Warn("pinned event fetch failed", zap.String("slug", slug), zap.Error(err))
			continue
		}
		if e == nil {
			continue
		}
		seen[slug] = struct{}{}
		out = append(out, *e)
	}
	if len(out) == 0 && listErr != nil {
		return nil, listErr
	}
	return out, nil
}

// AnalyzeEvent walks one event through the state machine and records its
// checkpoint. It never returns an error; failures end in StateFailed.
func (s *MultiOutcomeService) AnalyzeEvent(ctx context.Context, event polymarketgamma.Event, traders []models.Trader) EventReport {
	a := &eventAnalysis{event: event, state: StateDiscovered}
	report := EventReport{Slug: event.Slug}
	now := nowUTC(s.Now)

	defer func() {
		report.State = a.state
		if a.err != nil {
			report.Error = a.err.Error()
			s.logger().Warn("multi-outcome event failed", zap.String("slug", event.Slug), zap.Error(a.err))
		}
		if err := recordCheckpoint(ctx, s.Repo, SourceMultiOutcome, event.Slug, now, report, a.err); err != nil {
			s.logger().Error("checkpoint write failed", zap.String("source", SourceMultiOutcome), zap.String("key", event.Slug), zap.Error(err))
		}
	}()

	legs, marketIDs := s.resolveTokenIDs(ctx, event)
	if len(legs) == 0 {
		a.fail(fmt.Errorf("no resolvable outcome token ids"))
		return report
	}
	report.Outcomes = len(legs)
	a.advance(StateTokenIDsResolved)

	queries := make([]chain.BalanceQuery, 0, len(legs)*len(traders))
	for _, leg := range legs {
		for _, t := range traders {
			queries = append(queries, chain.BalanceQuery{Owner: t.Address, TokenID: leg.TokenID})
		}
	}
	report.Pairs = len(queries)
	balances, err := s.Balances.BalancesOf(ctx, queries)
	if err != nil {
		a.fail(fmt.Errorf("query balances: %w", err))
		return report
	}
	if len(balances) != len(queries) {
		a.fail(fmt.Errorf("query balances: got %d results for %d pairs", len(balances), len(queries)))
		return report
	}
	a.advance(StateBalancesQueried)

	rows := s.buildRows(ctx, event.Slug, legs, traders, balances, now)
	report.Groups = GroupPositions(rows)
	report.Rows = len(rows)
	a.advance(StateAggregated)

	if err := s.Repo.ReplaceMultiOutcomePositions(ctx, marketIDs, rows); err != nil {
		a.fail(fmt.Errorf("persist positions: %w", err))
		return report
	}
	a.advance(StatePersisted)
	return report
}

// resolveTokenIDs maps every outcome of every open market to its token ID.
// marketIDs covers all of the event's markets so rows of markets that have
// since closed are replaced too.
func (s *MultiOutcomeService) resolveTokenIDs(ctx context.Context, event polymarketgamma.Event) ([]outcomeLeg, []string) {
	var legs []outcomeLeg
	marketIDs := make([]string, 0, len(event.Markets))
	lone := len(event.Markets) == 1
	for _, m := range event.Markets {
		id := strings.TrimSpace(m.ID.String())
		if id == "" {
			continue
		}
		marketIDs = append(marketIDs, id)
		if m.Closed {
			continue
		}
		outcomes, ok := m.ResolvedOutcomes()
		if !ok {
			s.logger().Warn("market outcomes unresolvable", zap.String("slug", event.Slug), zap.String("market_id", id))
			continue
		}
		for _, o := range outcomes {
			leg := outcomeLeg{
				MarketID: id,
				Title:    OutcomeTitle(m.GroupItemTitle, m.Question, o.Label, lone),
				TokenID:  o.TokenID,
				Price:    o.Price,
			}
			if leg.Price == nil && s.Prices != nil {
				if mid, err := s.Prices.GetMidpoint(ctx, o.TokenID); err == nil {
					leg.Price = &mid
				} else {
					s.logger().Debug("midpoint fallback failed", zap.String("token_id", o.TokenID), zap.Error(err))
				}
			}
			legs = append(legs, leg)
		}
	}
	return legs, marketIDs
}

// OutcomeTitle names a leg. Grouped events label the Yes leg with the group
// item title and the No leg "<group> (No)"; a lone market keeps its own
// outcome labels.
func OutcomeTitle(groupItemTitle, question, label string, lone bool) string {
	label = strings.TrimSpace(label)
	if lone {
		return label
	}
	group := strings.TrimSpace(groupItemTitle)
	if group == "" {
		group = strings.TrimSpace(question)
	}
	switch strings.ToLower(label) {
	case "yes":
		return group
	case "no":
		return group + " (No)"
	default:
		return fmt.Sprintf("%s (%s)", group, label)
	}
}

// buildRows keeps only nonzero balances. Balances are in 1e-6 share units.
func (s *MultiOutcomeService) buildRows(ctx context.Context, slug string, legs []outcomeLeg, traders []models.Trader, balances []chain.Balance, now time.Time) []models.MultiOutcomePosition {
	entries := map[string]map[string]decimal.Decimal{}
	var rows []models.MultiOutcomePosition
	for li, leg := range legs {
		for ti, t := range traders {
			b := balances[li*len(traders)+ti]
			if b.Amount == nil || b.Amount.Sign() <= 0 {
				continue
			}
			if _, ok := entries[t.Address]; !ok {
				entries[t.Address] = s.entryPrices(ctx, t.Address)
			}
			row := models.MultiOutcomePosition{
				MarketID:      leg.MarketID,
				OutcomeTitle:  leg.Title,
				TraderAddress: t.Address,
				EventSlug:     slug,
				TokenID:       leg.TokenID,
				CurrentPrice:  leg.Price,
				TraderName:    t.DisplayName,
				TraderTier:    t.Tier,
				Shares:        decimal.NewFromBigInt(b.Amount, -6),
				ComputedAt:    now,
			}
			if p, ok := entries[t.Address][leg.TokenID]; ok {
				price := p
				row.EntryPrice = &price
			}
			rows = append(rows, row)
		}
	}
	return rows
}

func (s *MultiOutcomeService) entryPrices(ctx context.Context, address string) map[string]decimal.Decimal {
	out := map[string]decimal.Decimal{}
	if s.Cache == nil {
		return out
	}
	cached, ok, err := cache.GetJSON[[]CachedPosition](ctx, s.Cache, PositionCacheKey(address))
	if err != nil {
		s.logger().Debug("position cache read failed", zap.String("address", address), zap.Error(err))
		return out
	}
	if !ok {
		return out
	}
	for _, p := range cached {
		if p.TokenID != "" && p.AvgPrice.IsPositive() {
			out[p.TokenID] = p.AvgPrice
		}
	}
	return out
}

type OutcomeHolder struct {
	Address    string           `json:"address"`
	Name       string           `json:"name"`
	Tier       models.Tier      `json:"tier"`
	Shares     decimal.Decimal  `json:"shares"`
	EntryPrice *decimal.Decimal `json:"entry_price,omitempty"`
}

type OutcomeGroup struct {
	MarketID     string           `json:"market_id"`
	OutcomeTitle string           `json:"outcome_title"`
	TokenID      string           `json:"token_id"`
	CurrentPrice *decimal.Decimal `json:"current_price,omitempty"`
	SmartCount   int              `json:"smart_count"`
	TotalShares  decimal.Decimal  `json:"total_shares"`
	Holders      []OutcomeHolder  `json:"holders"`
	ComputedAt   time.Time        `json:"computed_at"`
}

// GroupPositions groups rows by (market, outcome). Holders are sorted by
// shares descending; groups by smart count, then total shares, then title.
func GroupPositions(rows []models.MultiOutcomePosition) []OutcomeGroup {
	type key struct{ market, outcome string }
	index := map[key]int{}
	var groups []OutcomeGroup
	smart := map[key]map[string]struct{}{}
	for _, r := range rows {
		k := key{r.MarketID, r.OutcomeTitle}
		i, ok := index[k]
		if !ok {
			i = len(groups)
			index[k] = i
			smart[k] = map[string]struct{}{}
			groups = append(groups, OutcomeGroup{
				MarketID:     r.MarketID,
				OutcomeTitle: r.OutcomeTitle,
				TokenID:      r.TokenID,
				CurrentPrice: r.CurrentPrice,
				ComputedAt:   r.ComputedAt,
			})
		}
		g := &groups[i]
		g.Holders = append(g.Holders, OutcomeHolder{
			Address:    r.TraderAddress,
			Name:       r.TraderName,
			Tier:       r.TraderTier,
			Shares:     r.Shares,
			EntryPrice: r.EntryPrice,
		})
		g.TotalShares = g.TotalShares.Add(r.Shares)
		if tiering.IsSmart(r.TraderTier) {
			smart[k][r.TraderAddress] = struct{}{}
		}
		if r.ComputedAt.After(g.ComputedAt) {
			g.ComputedAt = r.ComputedAt
		}
	}
	for k, i := range index {
		groups[i].SmartCount = len(smart[k])
		holders := groups[i].Holders
		sort.SliceStable(holders, func(a, b int) bool {
			if c := holders[a].Shares.Cmp(holders[b].Shares); c != 0 {
				return c > 0
			}
			return holders[a].Address < holders[b].Address
		})
	}
	sort.SliceStable(groups, func(i, j int) bool {
		if groups[i].SmartCount != groups[j].SmartCount {
			return groups[i].SmartCount > groups[j].SmartCount
		}
		if c := groups[i].TotalShares.Cmp(groups[j].TotalShares); c != 0 {
			return c > 0
		}
		return groups[i].OutcomeTitle < groups[j].OutcomeTitle
	})
	return groups
}

func (s *MultiOutcomeService) logger() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}
