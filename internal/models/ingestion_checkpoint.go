package models

import (
	"time"

	"gorm.io/datatypes"
)

type IngestionCheckpoint struct {
	Source        string         `gorm:"primaryKey;type:varchar(64);comment:数据源" json:"source"`
	Key           string         `gorm:"primaryKey;type:text;comment:范围键" json:"key"`
	LastSuccessAt *time.Time     `gorm:"type:timestamptz;comment:最近成功时间" json:"last_success_at,omitempty"`
	LastAttemptAt *time.Time     `gorm:"type:timestamptz;comment:最近尝试时间" json:"last_attempt_at,omitempty"`
	LastError     *string        `gorm:"type:text;comment:最近错误信息" json:"last_error,omitempty"`
	Stats         datatypes.JSON `gorm:"type:jsonb;comment:本轮统计JSON" json:"stats,omitempty"`
}

func (IngestionCheckpoint) TableName() string {
	return "ingestion_checkpoints"
}
