package service

import (
	"context"
	"encoding/json"
	"time"

	"gorm.io/datatypes"

	"smartmoney/internal/models"
	"smartmoney/internal/repository"
)

const (
	SourceLeaderboard  = "leaderboard"
	SourceMarkets      = "markets"
	SourcePinned       = "pinned"
	SourceScore        = "score"
	SourceDiscovery    = "discovery"
	SourceMultiOutcome = "multi_outcome"

	KeyGlobal = "global"
	KeyActive = "active"
	KeyDaily  = "daily"
)

// recordCheckpoint stamps last_attempt_at and either last_success_at or
// last_error. A failed attempt keeps the previous success time.
func recordCheckpoint(ctx context.Context, repo repository.CheckpointRepository, source, key string, now time.Time, stats any, runErr error) error {
	if repo == nil {
		return nil
	}
	item, err := repo.GetCheckpoint(ctx, source, key)
	if err != nil {
		return err
	}
	if item == nil {
		item = &models.IngestionCheckpoint{Source: source, Key: key}
	}
	item.LastAttemptAt = &now
	if runErr != nil {
		msg := runErr.Error()
		item.LastError = &msg
	} else {
		item.LastSuccessAt = &now
		item.LastError = nil
	}
	if stats != nil {
		if raw, err := json.Marshal(stats); err == nil {
			item.Stats = datatypes.JSON(raw)
		}
	}
	return repo.SaveCheckpoint(ctx, item)
}

// CheckpointFresh reports whether (source, key) succeeded within maxAge.
func CheckpointFresh(ctx context.Context, repo repository.CheckpointRepository, source, key string, maxAge time.Duration, now time.Time) (bool, error) {
	item, err := repo.GetCheckpoint(ctx, source, key)
	if err != nil {
		return false, err
	}
	if item == nil || item.LastSuccessAt == nil {
		return false, nil
	}
	if maxAge <= 0 {
		return true, nil
	}
	return now.Sub(*item.LastSuccessAt) <= maxAge, nil
}

func nowUTC(fn func() time.Time) time.Time {
	if fn != nil {
		return fn().UTC()
	}
	return time.Now().UTC()
}
