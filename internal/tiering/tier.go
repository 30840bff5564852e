// Package tiering holds the pure trader ranking functions. Nothing here does
// I/O; ingestion and the recompute job are the only callers that persist the
// results.
package tiering

import (
	"fmt"
	"strings"

	"smartmoney/internal/models"
)

const (
	sPercentile = 0.10
	aPercentile = 0.40
)

// AssignTier buckets a trader by percentile rank within one leaderboard
// snapshot. rank is 1-based. It panics if rank or total are out of range.
func AssignTier(rank, total int, publiclyKnown bool) models.Tier {
	if total < 1 || rank < 1 || rank > total {
		panic(fmt.Sprintf("tiering: rank %d out of range for snapshot of %d", rank, total))
	}
	if publiclyKnown {
		return models.TierS
	}
	pct := float64(rank) / float64(total)
	switch {
	case pct <= sPercentile:
		return models.TierS
	case pct <= aPercentile:
		return models.TierA
	default:
		return models.TierB
	}
}

// Weight is the tier weight used for every smart-money aggregation.
func Weight(t models.Tier) int {
	switch t {
	case models.TierS:
		return 5
	case models.TierA:
		return 3
	case models.TierB:
		return 2
	case models.TierC:
		return 1
	default:
		return 0
	}
}

// IsSmart reports whether holders of this tier count as smart money.
func IsSmart(t models.Tier) bool {
	return t == models.TierS || t == models.TierA
}

// ParseTier normalizes user input such as "s" or " A ".
func ParseTier(raw string) (models.Tier, bool) {
	switch t := models.Tier(strings.ToUpper(strings.TrimSpace(raw))); t {
	case models.TierS, models.TierA, models.TierB, models.TierC:
		return t, true
	}
	return "", false
}

type Assessment struct {
	Tier        models.Tier
	RarityScore int
}

// Assess is the single entry point used to refresh a trader's cached tier and
// rarity score.
func Assess(rank, total int, publiclyKnown bool, m Metrics) Assessment {
	m.Rank = rank
	return Assessment{
		Tier:        AssignTier(rank, total, publiclyKnown),
		RarityScore: ComputeRarityScore(m),
	}
}
