package tiering

import "fmt"

const MaxRarityScore = 1000

type Metrics struct {
	PnL             float64
	Volume          float64
	TradeCount      int
	Rank            int // 1-based; < 1 means unranked
	HasSocialHandle bool
}

type step struct {
	min    float64
	points int
}

// Ascending thresholds; the highest one reached wins.
var (
	pnlSteps = []step{
		{5_000, 50}, {10_000, 100}, {25_000, 150}, {50_000, 200},
		{100_000, 250}, {250_000, 300}, {500_000, 350}, {1_000_000, 400},
	}
	volumeSteps = []step{
		{100_000, 25}, {250_000, 50}, {500_000, 75},
		{1_000_000, 100}, {2_000_000, 150}, {5_000_000, 200},
	}
	tradeSteps = []step{
		{10, 25}, {25, 50}, {50, 75}, {100, 100}, {250, 150}, {500, 200},
	}
)

// Rank cut-offs are "top N", so they are checked best first.
var rankSteps = []struct {
	top    int
	points int
}{
	{10, 150}, {25, 125}, {50, 100}, {100, 75}, {250, 50}, {500, 25},
}

const socialHandlePoints = 50

// ComputeRarityScore sums the stepped buckets and clamps to [0, 1000].
func ComputeRarityScore(m Metrics) int {
	score := stepPoints(pnlSteps, m.PnL) +
		stepPoints(volumeSteps, m.Volume) +
		stepPoints(tradeSteps, float64(m.TradeCount)) +
		rankPoints(m.Rank)
	if m.HasSocialHandle {
		score += socialHandlePoints
	}
	if score < 0 {
		panic(fmt.Sprintf("tiering: negative rarity score %d", score))
	}
	if score > MaxRarityScore {
		score = MaxRarityScore
	}
	return score
}

func stepPoints(steps []step, v float64) int {
	points := 0
	for _, s := range steps {
		if v < s.min {
			break
		}
		points = s.points
	}
	return points
}

func rankPoints(rank int) int {
	if rank < 1 {
		return 0
	}
	for _, r := range rankSteps {
		if rank <= r.top {
			return r.points
		}
	}
	return 0
}
