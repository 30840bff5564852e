package service

import (
	"context"

	"github.com/shopspring/decimal"

	"smartmoney/internal/chain"
	"smartmoney/internal/client/polymarket/clob"
	"smartmoney/internal/client/polymarket/dataapi"
	"smartmoney/internal/client/polymarket/flexjson"
	polymarketgamma "smartmoney/internal/client/polymarket/gamma"
)

// Upstream interfaces satisfied by the polymarket clients and the chain
// reader. Tests swap in stubs.

type LeaderboardSource interface {
	GetLeaderboard(ctx context.Context, q dataapi.LeaderboardQuery) (flexjson.Page[dataapi.LeaderboardEntry], error)
}

type PositionSource interface {
	GetPositions(ctx context.Context, q dataapi.PositionsQuery) (flexjson.Page[dataapi.Position], error)
}

type MarketSource interface {
	ListMarkets(ctx context.Context, q polymarketgamma.MarketsQuery) (flexjson.Page[polymarketgamma.Market], error)
	ListEvents(ctx context.Context, q polymarketgamma.EventsQuery) (flexjson.Page[polymarketgamma.Event], error)
	GetEventBySlug(ctx context.Context, slug string) (*polymarketgamma.Event, error)
}

type PriceSource interface {
	GetMidpoint(ctx context.Context, tokenID string) (decimal.Decimal, error)
}

type BalanceSource interface {
	BalancesOf(ctx context.Context, queries []chain.BalanceQuery) ([]chain.Balance, error)
}

var (
	_ LeaderboardSource = (*dataapi.Client)(nil)
	_ PositionSource    = (*dataapi.Client)(nil)
	_ MarketSource      = (*polymarketgamma.Client)(nil)
	_ PriceSource       = (*clob.Client)(nil)
	_ BalanceSource     = (*chain.BalanceReader)(nil)
)
