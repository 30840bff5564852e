package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// MarketSmartStats is the latest discovery result for a market.
type MarketSmartStats struct {
	ID            uint64           `gorm:"primaryKey;autoIncrement" json:"id"`
	MarketID      string           `gorm:"type:text;not null;uniqueIndex;comment:市场ID" json:"market_id"`
	ConditionID   string           `gorm:"type:text;not null;index;comment:链上条件ID" json:"condition_id"`
	Question      string           `gorm:"type:text;not null;default:'';comment:市场问题" json:"question"`
	EventSlug     *string          `gorm:"type:text;comment:关联事件slug" json:"event_slug,omitempty"`
	SmartCount    int              `gorm:"not null;default:0;index;comment:S/A级交易者数量" json:"smart_count"`
	SmartWeighted int              `gorm:"not null;default:0;comment:等级加权和" json:"smart_weighted"`
	SmartScore    float64          `gorm:"not null;default:0;index;comment:综合聪明钱分数" json:"smart_score"`
	RawSmartScore int              `gorm:"not null;default:0;comment:持仓者稀有度总和" json:"raw_smart_score"`
	Volume        *decimal.Decimal `gorm:"type:numeric(30,10);comment:计算时交易量" json:"volume,omitempty"`
	Liquidity     *decimal.Decimal `gorm:"type:numeric(30,10);comment:计算时流动性" json:"liquidity,omitempty"`
	TopTraders    datatypes.JSON   `gorm:"type:jsonb;comment:贡献交易者排名" json:"top_traders"`
	ComputedAt    time.Time        `gorm:"type:timestamptz;not null;index;comment:计算时间" json:"computed_at"`
}

func (MarketSmartStats) TableName() string {
	return "market_smart_stats"
}

// SmartHolder is one entry of MarketSmartStats.TopTraders.
type SmartHolder struct {
	Address     string          `json:"address"`
	Name        string          `json:"name,omitempty"`
	Tier        Tier            `json:"tier"`
	RarityScore int             `json:"rarity_score"`
	Outcome     string          `json:"outcome,omitempty"`
	Shares      decimal.Decimal `json:"shares"`
	Value       decimal.Decimal `json:"value"`
}
