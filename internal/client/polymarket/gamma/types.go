package polymarketgamma

import (
	"strings"

	"github.com/shopspring/decimal"

	"smartmoney/internal/client/polymarket/flexjson"
)

type EventRef struct {
	ID    flexjson.Text `json:"id"`
	Slug  string        `json:"slug"`
	Title string        `json:"title"`
}

type Market struct {
	ID             flexjson.Text       `json:"id"`
	Question       string              `json:"question"`
	ConditionID    string              `json:"conditionId"`
	Slug           string              `json:"slug"`
	Category       string              `json:"category"`
	GroupItemTitle string              `json:"groupItemTitle"`
	VolumeNum      flexjson.Number     `json:"volumeNum"`
	Volume         flexjson.Number     `json:"volume"`
	LiquidityNum   flexjson.Number     `json:"liquidityNum"`
	Liquidity      flexjson.Number     `json:"liquidity"`
	EndDate        flexjson.Time       `json:"endDate"`
	Active         bool                `json:"active"`
	Closed         bool                `json:"closed"`
	NegRisk        bool                `json:"negRisk"`
	Outcomes       flexjson.StringList `json:"outcomes"`
	OutcomePrices  flexjson.StringList `json:"outcomePrices"`
	ClobTokenIDs   flexjson.StringList `json:"clobTokenIds"`
	Events         []EventRef          `json:"events"`
}

type Event struct {
	ID       flexjson.Text   `json:"id"`
	Slug     string          `json:"slug"`
	Title    string          `json:"title"`
	Category string          `json:"category"`
	Volume   flexjson.Number `json:"volume"`
	Active   bool            `json:"active"`
	Closed   bool            `json:"closed"`
	NegRisk  bool            `json:"negRisk"`
	Markets  []Market        `json:"markets"`
}

// VolumeValue prefers the numeric field and falls back to the string one.
func (m Market) VolumeValue() *decimal.Decimal {
	if m.VolumeNum.Valid {
		return m.VolumeNum.Ptr()
	}
	return m.Volume.Ptr()
}

func (m Market) LiquidityValue() *decimal.Decimal {
	if m.LiquidityNum.Valid {
		return m.LiquidityNum.Ptr()
	}
	return m.Liquidity.Ptr()
}

// ParentEvent returns the parent event, if the payload carried one.
func (m Market) ParentEvent() (EventRef, bool) {
	for _, e := range m.Events {
		if strings.TrimSpace(e.Slug) != "" {
			return e, true
		}
	}
	return EventRef{}, false
}

// Outcome is one tradable leg of a market with its resolved token ID.
type Outcome struct {
	Index   int
	Label   string
	TokenID string
	Price   *decimal.Decimal
}

// ResolvedOutcomes zips outcomes, prices and token IDs. ok is false when the
// lists disagree in length or a token ID is missing.
func (m Market) ResolvedOutcomes() ([]Outcome, bool) {
	if len(m.Outcomes) == 0 || len(m.Outcomes) != len(m.ClobTokenIDs) {
		return nil, false
	}
	out := make([]Outcome, 0, len(m.Outcomes))
	for i, label := range m.Outcomes {
		token := strings.TrimSpace(m.ClobTokenIDs[i])
		if token == "" {
			return nil, false
		}
		o := Outcome{Index: i, Label: strings.TrimSpace(label), TokenID: token}
		if i < len(m.OutcomePrices) {
			if p, err := decimal.NewFromString(strings.TrimSpace(m.OutcomePrices[i])); err == nil {
				o.Price = &p
			}
		}
		out = append(out, o)
	}
	return out, true
}

// OutcomeCount is the number of distinct outcomes an event offers: one per
// market for grouped events, or the legs of a lone market.
func (e Event) OutcomeCount() int {
	switch len(e.Markets) {
	case 0:
		return 0
	case 1:
		return len(e.Markets[0].Outcomes)
	default:
		return len(e.Markets)
	}
}
