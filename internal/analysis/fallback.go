package analysis

import (
	"math/rand/v2"
	"time"

	"github.com/andresmejia3/poise/internal/types"
)

// FallbackGenerator produces a PLACEHOLDER emotion when no real face
// inference is available. The label is picked from a fixed five-label cycle
// bucketed on the wall clock and the score is jittered. It carries no
// information about the user's face and must never be read as model output.
type FallbackGenerator struct {
	Now  func() time.Time
	Rand *rand.Rand
}

const (
	fallbackPeriod = 15    // (seconds+minutes) mod this
	fallbackBucket = 3     // units per label
	fallbackJitter = 0.15  // total spread, i.e. +/- 0.075
	fallbackMin    = 0.4
	fallbackMax    = 0.95
)

var fallbackBaseScores = map[types.EmotionLabel]float64{
	types.EmotionFocused: 0.75,
	types.EmotionHappy:   0.85,
	types.EmotionSad:     0.7,
	types.EmotionNervous: 0.7,
	types.EmotionCrying:  0.9,
}

// NewFallbackGenerator uses the wall clock and a time-seeded PCG source.
func NewFallbackGenerator() *FallbackGenerator {
	seed := uint64(time.Now().UnixNano())
	return &FallbackGenerator{
		Now:  time.Now,
		Rand: rand.New(rand.NewPCG(seed, seed>>1)),
	}
}

// Next returns the placeholder emotion for the current instant.
func (g *FallbackGenerator) Next() types.EmotionClassification {
	now := g.Now()
	variation := (now.Second() + now.Minute()) % fallbackPeriod
	idx := variation / fallbackBucket
	if idx >= len(types.EmotionLabels) {
		idx = 0
	}
	label := types.EmotionLabels[idx]

	jitter := (g.Rand.Float64() - 0.5) * fallbackJitter
	score := clamp(fallbackBaseScores[label]+jitter, fallbackMin, fallbackMax)

	return types.EmotionClassification{
		Label:    label,
		Score:    score,
		Emoji:    label.Emoji(),
		Fallback: true,
	}
}
