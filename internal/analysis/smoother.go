package analysis

import "github.com/andresmejia3/poise/internal/types"

// DefaultSupermajority is the share of history a label needs before it
// overrides the current sample.
const DefaultSupermajority = 0.6

// Smooth applies DefaultSupermajority.
func Smooth(current types.EmotionClassification, history []types.EmotionClassification) types.EmotionClassification {
	return SmoothWith(current, history, DefaultSupermajority)
}

// SmoothWith suppresses single-sample flicker. When the most frequent label in
// history holds at least threshold of it and differs from current, the most
// recent history entry with that label is returned with its score averaged
// against current. Otherwise current is returned unchanged.
func SmoothWith(current types.EmotionClassification, history []types.EmotionClassification, threshold float64) types.EmotionClassification {
	if len(history) == 0 {
		return current
	}

	counts := make(map[types.EmotionLabel]int, len(types.EmotionLabels))
	var mode types.EmotionLabel
	for _, e := range history {
		counts[e.Label]++
		if counts[e.Label] > counts[mode] {
			mode = e.Label
		}
	}

	share := float64(counts[mode]) / float64(len(history))
	if share < threshold || mode == current.Label {
		return current
	}

	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Label == mode {
			out := history[i]
			out.Score = clamp((out.Score+current.Score)/2, 0, 1)
			return out
		}
	}
	return current
}
