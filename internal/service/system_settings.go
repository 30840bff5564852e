package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"gorm.io/datatypes"

	"smartmoney/internal/models"
	"smartmoney/internal/repository"
)

const featurePrefix = "feature."

// FeatureKey is the setting key of a job's on/off switch.
func FeatureKey(job string) string {
	return featurePrefix + strings.TrimSpace(job)
}

// DefaultFeatureSwitches enables every named job.
func DefaultFeatureSwitches(jobs ...string) map[string]bool {
	out := make(map[string]bool, len(jobs))
	for _, name := range jobs {
		if name = strings.TrimSpace(name); name != "" {
			out[FeatureKey(name)] = true
		}
	}
	return out
}

type SystemSettingsService struct {
	Repo     repository.SettingsRepository
	Defaults map[string]bool
	Now      func() time.Time
}

// EnsureDefaultSwitches creates missing switches. Stored values are left
// alone so an operator's choice survives restarts.
func (s *SystemSettingsService) EnsureDefaultSwitches(ctx context.Context) error {
	if s == nil || s.Repo == nil {
		return nil
	}
	now := nowUTC(s.Now)
	for key, enabled := range s.Defaults {
		existing, err := s.Repo.GetSystemSettingByKey(ctx, key)
		if err != nil {
			return err
		}
		if existing != nil {
			continue
		}
		raw, _ := json.Marshal(enabled)
		item := &models.SystemSetting{
			Key:         key,
			Value:       datatypes.JSON(raw),
			Description: "feature switch",
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := s.Repo.UpsertSystemSetting(ctx, item); err != nil {
			return err
		}
	}
	return nil
}

func (s *SystemSettingsService) IsEnabled(ctx context.Context, key string, fallback bool) bool {
	if s == nil || s.Repo == nil {
		return fallback
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return fallback
	}
	item, err := s.Repo.GetSystemSettingByKey(ctx, key)
	if err != nil || item == nil || len(item.Value) == 0 {
		return fallback
	}
	var enabled bool
	if err := json.Unmarshal(item.Value, &enabled); err != nil {
		return fallback
	}
	return enabled
}

func (s *SystemSettingsService) SetEnabled(ctx context.Context, key string, enabled bool) error {
	if s == nil || s.Repo == nil {
		return nil
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return fmt.Errorf("key is required")
	}
	raw, _ := json.Marshal(enabled)
	now := nowUTC(s.Now)
	item := &models.SystemSetting{
		Key:         key,
		Value:       datatypes.JSON(raw),
		Description: "feature switch",
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	return s.Repo.UpsertSystemSetting(ctx, item)
}

type FeatureSwitch struct {
	Key       string    `json:"key"`
	Enabled   bool      `json:"enabled"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (s *SystemSettingsService) ListSwitches(ctx context.Context) ([]FeatureSwitch, error) {
	if s == nil || s.Repo == nil {
		return nil, nil
	}
	prefix := featurePrefix
	items, err := s.Repo.ListSystemSettings(ctx, repository.ListSystemSettingsParams{Limit: 500, Prefix: &prefix})
	if err != nil {
		return nil, err
	}
	out := make([]FeatureSwitch, 0, len(items))
	for _, item := range items {
		var enabled bool
		if err := json.Unmarshal(item.Value, &enabled); err != nil {
			continue
		}
		out = append(out, FeatureSwitch{Key: item.Key, Enabled: enabled, UpdatedAt: item.UpdatedAt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}
