package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

type Market struct {
	ID             string           `gorm:"primaryKey;type:text;comment:市场唯一标识" json:"id"`
	ConditionID    string           `gorm:"type:text;index;not null;comment:链上条件ID" json:"condition_id"`
	Question       string           `gorm:"type:text;not null;comment:市场问题" json:"question"`
	Category       *string          `gorm:"type:text;index;comment:分类" json:"category,omitempty"`
	Slug           *string          `gorm:"type:text;index;comment:URL友好标识" json:"slug,omitempty"`
	EventID        *string          `gorm:"type:text;index;comment:关联事件ID" json:"event_id,omitempty"`
	EventSlug      *string          `gorm:"type:text;index;comment:关联事件slug" json:"event_slug,omitempty"`
	GroupItemTitle *string          `gorm:"type:text;comment:事件内选项标题" json:"group_item_title,omitempty"`
	Volume         *decimal.Decimal `gorm:"type:numeric(30,10);comment:交易量" json:"volume,omitempty"`
	Liquidity      *decimal.Decimal `gorm:"type:numeric(30,10);comment:流动性" json:"liquidity,omitempty"`
	EndDate        *time.Time       `gorm:"type:timestamptz;comment:结束时间" json:"end_date,omitempty"`
	Closed         bool             `gorm:"not null;default:false;index;comment:是否已关闭" json:"closed"`
	NegRisk        bool             `gorm:"not null;default:false;comment:是否为负风险市场" json:"neg_risk"`
	Outcomes       datatypes.JSON   `gorm:"type:jsonb;comment:结果选项" json:"outcomes"`
	OutcomePrices  datatypes.JSON   `gorm:"type:jsonb;comment:结果价格" json:"outcome_prices"`
	ClobTokenIDs   datatypes.JSON   `gorm:"type:jsonb;comment:CLOB代币ID" json:"clob_token_ids"`
	Pinned         bool             `gorm:"not null;default:false;index;comment:是否置顶" json:"pinned"`
	LastSyncedAt   time.Time        `gorm:"type:timestamptz;not null;index;comment:最近同步时间" json:"last_synced_at"`
}

func (Market) TableName() string {
	return "markets"
}
