package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"smartmoney/internal/geo"
	"smartmoney/internal/repository"
)

// ScoreService re-derives every stored trader's tier and rarity score from
// the inputs cached on the row. It never touches the inputs themselves.
type ScoreService struct {
	Repo   repository.Repository
	Geo    *geo.Dataset
	Logger *zap.Logger
	Now    func() time.Time
}

type RecomputeResult struct {
	Scanned     int `json:"scanned"`
	Changed     int `json:"changed"`
	Unranked    int `json:"unranked"`
	StoreErrors int `json:"store_errors"`
}

const recomputePageSize = 500

func (s *ScoreService) Recompute(ctx context.Context) (RecomputeResult, error) {
	var result RecomputeResult
	if s.Repo == nil {
		return result, fmt.Errorf("repository is nil")
	}
	asc := true
	for offset := 0; ; offset += recomputePageSize {
		traders, err := s.Repo.ListTraders(ctx, repository.ListTradersParams{
			Limit:   recomputePageSize,
			Offset:  offset,
			OrderBy: "address",
			Asc:     &asc,
		})
		if err != nil {
			return result, fmt.Errorf("list traders offset=%d: %w", offset, err)
		}
		for _, t := range traders {
			result.Scanned++
			if t.LeaderboardRank < 1 || t.SnapshotSize < 1 || t.LeaderboardRank > t.SnapshotSize {
				result.Unranked++
				continue
			}
			next := t
			if !next.PubliclyKnown {
				xu := ""
				if next.XUsername != nil {
					xu = *next.XUsername
				}
				next.PubliclyKnown = s.Geo.IsPubliclyKnown(next.Address, next.UserName, xu)
			}
			assess(&next)
			if next.Tier == t.Tier && next.RarityScore == t.RarityScore {
				continue
			}
			if err := s.Repo.UpdateTraderAssessment(ctx, t.Address, next.Tier, next.RarityScore); err != nil {
				result.StoreErrors++
				s.logger().Error("trader assessment update failed", zap.String("address", t.Address), zap.Error(err))
				continue
			}
			result.Changed++
		}
		if len(traders) < recomputePageSize {
			break
		}
	}

	if err := recordCheckpoint(ctx, s.Repo, SourceScore, KeyGlobal, nowUTC(s.Now), result, nil); err != nil {
		s.logger().Error("checkpoint write failed", zap.String("source", SourceScore), zap.Error(err))
	}
	return result, nil
}

func (s *ScoreService) logger() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}
