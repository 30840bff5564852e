package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type MultiOutcomePosition struct {
	ID            uint64           `gorm:"primaryKey;autoIncrement" json:"id"`
	MarketID      string           `gorm:"type:text;not null;uniqueIndex:uniq_multi_outcome_position,priority:1;comment:市场ID" json:"market_id"`
	OutcomeTitle  string           `gorm:"type:text;not null;uniqueIndex:uniq_multi_outcome_position,priority:2;comment:结果标题" json:"outcome_title"`
	TraderAddress string           `gorm:"type:text;not null;uniqueIndex:uniq_multi_outcome_position,priority:3;index;comment:交易者地址" json:"trader_address"`
	EventSlug     string           `gorm:"type:text;not null;index;comment:事件slug" json:"event_slug"`
	TokenID       string           `gorm:"type:text;not null;comment:条件代币ID" json:"token_id"`
	CurrentPrice  *decimal.Decimal `gorm:"type:numeric(20,10);comment:当前价格" json:"current_price,omitempty"`
	TraderName    string           `gorm:"type:text;not null;default:'';comment:交易者名称" json:"trader_name"`
	TraderTier    Tier             `gorm:"type:varchar(2);not null;comment:交易者等级" json:"trader_tier"`
	Shares        decimal.Decimal  `gorm:"type:numeric(30,10);not null;comment:持有份额" json:"shares"`
	EntryPrice    *decimal.Decimal `gorm:"type:numeric(20,10);comment:开仓均价" json:"entry_price,omitempty"`
	ComputedAt    time.Time        `gorm:"type:timestamptz;not null;index;comment:计算时间" json:"computed_at"`
}

func (MultiOutcomePosition) TableName() string {
	return "multi_outcome_positions"
}
