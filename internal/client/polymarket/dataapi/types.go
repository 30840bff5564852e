package dataapi

import (
	"encoding/json"
	"strconv"
	"strings"

	"smartmoney/internal/client/polymarket/flexjson"
)

type LeaderboardEntry struct {
	Rank          int
	ProxyWallet   string
	UserName      string
	ProfileImage  string
	XUsername     string
	PnL           flexjson.Number
	Volume        flexjson.Number
	MarketsTraded int
	WinRate       flexjson.Number
}

// UnmarshalJSON accepts both field spellings the leaderboard has shipped
// (volume/vol, markets_traded/marketsTraded).
func (e *LeaderboardEntry) UnmarshalJSON(b []byte) error {
	var raw struct {
		Rank             flexjson.Text   `json:"rank"`
		ProxyWallet      string          `json:"proxyWallet"`
		UserName         string          `json:"userName"`
		Name             string          `json:"name"`
		ProfileImage     string          `json:"profileImage"`
		XUsername        string          `json:"xUsername"`
		PnL              flexjson.Number `json:"pnl"`
		Volume           flexjson.Number `json:"volume"`
		Vol              flexjson.Number `json:"vol"`
		MarketsTraded    flexjson.Number `json:"markets_traded"`
		MarketsTradedAlt flexjson.Number `json:"marketsTraded"`
		WinRate          flexjson.Number `json:"winRate"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	vol := raw.Volume
	if !vol.Valid {
		vol = raw.Vol
	}
	traded := raw.MarketsTraded
	if !traded.Valid {
		traded = raw.MarketsTradedAlt
	}
	name := strings.TrimSpace(raw.UserName)
	if name == "" {
		name = strings.TrimSpace(raw.Name)
	}
	rank, _ := strconv.Atoi(raw.Rank.String())
	*e = LeaderboardEntry{
		Rank:          rank,
		ProxyWallet:   strings.TrimSpace(raw.ProxyWallet),
		UserName:      name,
		ProfileImage:  strings.TrimSpace(raw.ProfileImage),
		XUsername:     strings.TrimPrefix(strings.TrimSpace(raw.XUsername), "@"),
		PnL:           raw.PnL,
		Volume:        vol,
		MarketsTraded: traded.Int(),
		WinRate:       raw.WinRate,
	}
	return nil
}

type Position struct {
	ProxyWallet  string          `json:"proxyWallet"`
	Asset        flexjson.Text   `json:"asset"`
	ConditionID  string          `json:"conditionId"`
	Size         flexjson.Number `json:"size"`
	AvgPrice     flexjson.Number `json:"avgPrice"`
	InitialValue flexjson.Number `json:"initialValue"`
	CurrentValue flexjson.Number `json:"currentValue"`
	CashPnl      flexjson.Number `json:"cashPnl"`
	CurPrice     flexjson.Number `json:"curPrice"`
	Title        string          `json:"title"`
	Slug         string          `json:"slug"`
	EventSlug    string          `json:"eventSlug"`
	Outcome      string          `json:"outcome"`
	OutcomeIndex int             `json:"outcomeIndex"`
	Redeemable   bool            `json:"redeemable"`
}
