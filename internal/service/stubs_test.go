package service

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"smartmoney/internal/chain"
	"smartmoney/internal/client/polymarket/dataapi"
	"smartmoney/internal/client/polymarket/flexjson"
	polymarketgamma "smartmoney/internal/client/polymarket/gamma"
	"smartmoney/internal/models"
)

var fixedNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func clock() time.Time { return fixedNow }

func addr(i int) string { return fmt.Sprintf("0x%040x", i) }

func num(v float64) flexjson.Number {
	return flexjson.Number{Value: decimal.NewFromFloat(v), Valid: true}
}

func decPtr(v float64) *decimal.Decimal {
	d := decimal.NewFromFloat(v)
	return &d
}

type stubLeaderboard struct {
	entries    []dataapi.LeaderboardEntry
	failOffset int
	calls      int
}

func (s *stubLeaderboard) GetLeaderboard(_ context.Context, q dataapi.LeaderboardQuery) (flexjson.Page[dataapi.LeaderboardEntry], error) {
	s.calls++
	if s.failOffset > 0 && q.Offset >= s.failOffset {
		return flexjson.Page[dataapi.LeaderboardEntry]{}, &dataapi.APIError{Status: 503, Body: "unavailable"}
	}
	if q.Offset >= len(s.entries) {
		return flexjson.Page[dataapi.LeaderboardEntry]{}, nil
	}
	end := q.Offset + q.Limit
	if end > len(s.entries) {
		end = len(s.entries)
	}
	items := append([]dataapi.LeaderboardEntry(nil), s.entries[q.Offset:end]...)
	return flexjson.Page[dataapi.LeaderboardEntry]{Items: items, Raw: len(items)}, nil
}

func leaderboardEntries(n int) []dataapi.LeaderboardEntry {
	out := make([]dataapi.LeaderboardEntry, n)
	for i := range out {
		out[i] = dataapi.LeaderboardEntry{
			Rank:          i + 1,
			ProxyWallet:   "0x" + strings.ToUpper(addr(i + 1)[2:]),
			UserName:      fmt.Sprintf("trader-%d", i+1),
			PnL:           num(float64(1_000_000 - i*5_000)),
			Volume:        num(float64(5_000_000 - i*20_000)),
			MarketsTraded: 500 - i*3,
		}
	}
	return out
}

type stubGamma struct {
	mu      sync.Mutex
	markets []polymarketgamma.Market
	events  []polymarketgamma.Event
	err     error
	queries []polymarketgamma.MarketsQuery
}

func (s *stubGamma) ListMarkets(_ context.Context, q polymarketgamma.MarketsQuery) (flexjson.Page[polymarketgamma.Market], error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queries = append(s.queries, q)
	if s.err != nil {
		return flexjson.Page[polymarketgamma.Market]{}, s.err
	}
	var items []polymarketgamma.Market
	switch {
	case len(q.ConditionIDs) > 0:
		want := map[string]bool{}
		for _, id := range q.ConditionIDs {
			want[strings.ToLower(id)] = true
		}
		for _, m := range s.markets {
			if want[strings.ToLower(m.ConditionID)] {
				items = append(items, m)
			}
		}
	case len(q.IDs) > 0:
		want := map[string]bool{}
		for _, id := range q.IDs {
			want[id] = true
		}
		for _, m := range s.markets {
			if want[m.ID.String()] {
				items = append(items, m)
			}
		}
	default:
		if q.Offset < len(s.markets) {
			end := q.Offset + q.Limit
			if end > len(s.markets) {
				end = len(s.markets)
			}
			items = append(items, s.markets[q.Offset:end]...)
		}
	}
	return flexjson.Page[polymarketgamma.Market]{Items: items, Raw: len(items)}, nil
}

func (s *stubGamma) ListEvents(_ context.Context, q polymarketgamma.EventsQuery) (flexjson.Page[polymarketgamma.Event], error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return flexjson.Page[polymarketgamma.Event]{}, s.err
	}
	items := s.events
	if q.Limit > 0 && len(items) > q.Limit {
		items = items[:q.Limit]
	}
	return flexjson.Page[polymarketgamma.Event]{Items: items, Raw: len(items)}, nil
}

func (s *stubGamma) GetEventBySlug(_ context.Context, slug string) (*polymarketgamma.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	for _, e := range s.events {
		if e.Slug == slug {
			e := e
			return &e, nil
		}
	}
	return nil, nil
}

func gammaMarket(id, conditionID, question string, volume float64) polymarketgamma.Market {
	return polymarketgamma.Market{
		ID:            flexjson.Text(id),
		ConditionID:   conditionID,
		Question:      question,
		VolumeNum:     num(volume),
		LiquidityNum:  num(volume / 10),
		Active:        true,
		Outcomes:      flexjson.StringList{"Yes", "No"},
		OutcomePrices: flexjson.StringList{"0.5", "0.5"},
		ClobTokenIDs:  flexjson.StringList{id + "1", id + "2"},
	}
}

type stubPositions struct {
	mu     sync.Mutex
	byUser map[string][]dataapi.Position
	fail   map[string]bool
	calls  int
}

func (s *stubPositions) GetPositions(_ context.Context, q dataapi.PositionsQuery) (flexjson.Page[dataapi.Position], error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.fail[q.User] {
		return flexjson.Page[dataapi.Position]{}, &dataapi.APIError{Status: 500, Body: "boom"}
	}
	items := s.byUser[q.User]
	return flexjson.Page[dataapi.Position]{Items: items, Raw: len(items)}, nil
}

func position(conditionID, token, outcome string, size, price float64) dataapi.Position {
	return dataapi.Position{
		Asset:        flexjson.Text(token),
		ConditionID:  conditionID,
		Size:         num(size),
		AvgPrice:     num(price),
		CurPrice:     num(price),
		CurrentValue: num(size * price),
		Outcome:      outcome,
	}
}

type stubResolver struct {
	markets map[string]models.Market
	err     error
}

func (s *stubResolver) EnsureMarkets(_ context.Context, conditionIDs []string) (map[string]models.Market, error) {
	if s.err != nil {
		return nil, s.err
	}
	out := map[string]models.Market{}
	for _, id := range conditionIDs {
		if m, ok := s.markets[id]; ok {
			out[id] = m
		}
	}
	return out, nil
}

type stubBalances struct {
	mu       sync.Mutex
	balances map[string]int64 // owner|token -> raw units
	err      error
	calls    int
	pairs    int
}

func (s *stubBalances) BalancesOf(_ context.Context, queries []chain.BalanceQuery) ([]chain.Balance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.pairs += len(queries)
	if s.err != nil {
		return nil, s.err
	}
	out := make([]chain.Balance, len(queries))
	for i, q := range queries {
		out[i] = chain.Balance{Query: q, Amount: big.NewInt(s.balances[q.Owner+"|"+q.TokenID])}
	}
	return out, nil
}

type stubPrices struct {
	mid   decimal.Decimal
	calls int
}

func (s *stubPrices) GetMidpoint(context.Context, string) (decimal.Decimal, error) {
	s.calls++
	return s.mid, nil
}
