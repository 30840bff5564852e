package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type Tier string

const (
	TierS Tier = "S"
	TierA Tier = "A"
	TierB Tier = "B"
	TierC Tier = "C"
)

// Trader is keyed by the lowercase proxy wallet address. Tier and
// RarityScore are caches of the last tiering pass over the stored inputs
// (LeaderboardRank, SnapshotSize, PubliclyKnown and the metrics).
type Trader struct {
	Address         string           `gorm:"primaryKey;type:text;comment:钱包地址(小写)" json:"address"`
	DisplayName     string           `gorm:"type:text;not null;default:'';comment:显示名称" json:"display_name"`
	UserName        string           `gorm:"type:text;not null;default:'';comment:榜单用户名" json:"user_name,omitempty"`
	AvatarURL       *string          `gorm:"type:text;comment:头像" json:"avatar_url,omitempty"`
	XUsername       *string          `gorm:"type:text;comment:社交账号" json:"x_username,omitempty"`
	Tier            Tier             `gorm:"type:varchar(2);not null;index;comment:等级" json:"tier"`
	RarityScore     int              `gorm:"not null;default:0;index;comment:稀有度分数" json:"rarity_score"`
	PnL             decimal.Decimal  `gorm:"type:numeric(30,10);not null;default:0;comment:盈亏" json:"pnl"`
	Volume          decimal.Decimal  `gorm:"type:numeric(30,10);not null;default:0;comment:交易量" json:"volume"`
	TradeCount      int              `gorm:"not null;default:0;comment:交易次数" json:"trade_count"`
	WinRate         *decimal.Decimal `gorm:"type:numeric(10,6);comment:胜率" json:"win_rate,omitempty"`
	LeaderboardRank int              `gorm:"not null;default:0;comment:榜单排名" json:"leaderboard_rank"`
	SnapshotSize    int              `gorm:"not null;default:0;comment:榜单快照大小" json:"snapshot_size"`
	PubliclyKnown   bool             `gorm:"not null;default:false;comment:是否公众人物" json:"publicly_known"`
	Country         *string          `gorm:"type:varchar(8);comment:国家" json:"country,omitempty"`
	Latitude        *float64         `gorm:"comment:纬度" json:"latitude,omitempty"`
	Longitude       *float64         `gorm:"comment:经度" json:"longitude,omitempty"`
	LastActiveAt    *time.Time       `gorm:"type:timestamptz;index;comment:最近活跃时间(上游未提供时为空)" json:"last_active_at,omitempty"`
	FirstSeenAt     time.Time        `gorm:"type:timestamptz;not null;comment:首次出现时间" json:"first_seen_at"`
	UpdatedAt       time.Time        `gorm:"type:timestamptz;autoUpdateTime;comment:更新时间" json:"updated_at"`
}

func (Trader) TableName() string {
	return "traders"
}
