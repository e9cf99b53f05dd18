package analysis

import (
	"math"

	"github.com/andresmejia3/poise/internal/types"
)

// Face-mesh landmark indices (MediaPipe FaceMesh, 468/478 points).
const (
	LeftEyeTop        = 159
	LeftEyeBottom     = 145
	LeftEyeLeft       = 33
	LeftEyeRight      = 133
	RightEyeTop       = 386
	RightEyeBottom    = 374
	RightEyeLeft      = 362
	RightEyeRight     = 263
	LeftBrowInner     = 70
	LeftBrowOuter     = 46
	RightBrowInner    = 300
	RightBrowOuter    = 276
	MouthLeft         = 61
	MouthRight        = 291
	MouthTop          = 13
	MouthBottom       = 14
	MouthCenterTop    = 12
	MouthCenterBottom = 15
)

// EmotionThresholds holds the tunable constants of AnalyzeEmotion. Rules are
// evaluated crying, sad, nervous, happy, focused; crying must precede sad
// because both require a frown.
type EmotionThresholds struct {
	CryingEyesBelow      float64
	CryingCurvatureBelow float64
	CryingBrowAbove      float64
	CryingMouthAbove     float64

	SadCurvatureBelow float64
	SadEyesBelow      float64
	SadMouthBelow     float64

	NervousCurvatureBelow float64
	NervousMouthMin       float64
	NervousMouthMax       float64
	NervousBrowAbove      float64
	NervousEyesMin        float64
	NervousEyesMax        float64

	HappyCurvatureAbove float64
	HappyMouthMin       float64
	HappyMouthMax       float64
	HappyEyesAbove      float64
}

// DefaultEmotionThresholds returns the stock thresholds.
func DefaultEmotionThresholds() EmotionThresholds {
	return EmotionThresholds{
		CryingEyesBelow:      0.18,
		CryingCurvatureBelow: -0.06,
		CryingBrowAbove:      0.07,
		CryingMouthAbove:     0.07,

		SadCurvatureBelow: -0.025,
		SadEyesBelow:      0.28,
		SadMouthBelow:     0.22,

		NervousCurvatureBelow: -0.01,
		NervousMouthMin:       0.07,
		NervousMouthMax:       0.32,
		NervousBrowAbove:      0.05,
		NervousEyesMin:        0.13,
		NervousEyesMax:        0.38,

		HappyCurvatureAbove: 0.03,
		HappyMouthMin:       0.09,
		HappyMouthMax:       0.45,
		HappyEyesAbove:      0.13,
	}
}

const (
	cryingScore  = 0.97
	sadScore     = 0.87
	nervousScore = 0.8
	focusedScore = 0.75
	happyBase    = 0.7
	happyGain    = 3.0
	happyCap     = 0.95
)

// AnalyzeEmotion classifies one face with the default thresholds.
func AnalyzeEmotion(face *types.FaceResult) types.EmotionClassification {
	return DefaultEmotionThresholds().Analyze(face)
}

// Analyze returns {focused, 0.75} without features when there is no face to
// look at; that value is an assumption, not an inference.
func (t EmotionThresholds) Analyze(face *types.FaceResult) types.EmotionClassification {
	if face == nil || len(face.Keypoints) == 0 {
		return newEmotion(types.EmotionFocused, focusedScore, nil)
	}

	f := ExtractFeatures(*face)
	label, score := t.label(f)
	return newEmotion(label, score, &f)
}

func (t EmotionThresholds) label(f types.Features) (types.EmotionLabel, float64) {
	eyes, mouth, curve, brow := f.AvgEyeOpenness, f.MouthOpenness, f.MouthCurvature, f.EyebrowHeight

	switch {
	case eyes < t.CryingEyesBelow && curve < t.CryingCurvatureBelow &&
		brow > t.CryingBrowAbove && mouth > t.CryingMouthAbove:
		return types.EmotionCrying, cryingScore

	case curve < t.SadCurvatureBelow && eyes < t.SadEyesBelow && mouth < t.SadMouthBelow:
		return types.EmotionSad, sadScore

	case curve < t.NervousCurvatureBelow &&
		mouth > t.NervousMouthMin && mouth < t.NervousMouthMax &&
		brow > t.NervousBrowAbove &&
		eyes > t.NervousEyesMin && eyes < t.NervousEyesMax:
		return types.EmotionNervous, nervousScore

	case curve > t.HappyCurvatureAbove &&
		mouth > t.HappyMouthMin && mouth < t.HappyMouthMax &&
		eyes > t.HappyEyesAbove:
		return types.EmotionHappy, math.Min(happyCap, happyBase+curve*happyGain)
	}
	return types.EmotionFocused, focusedScore
}

// ExtractFeatures measures eye openness, mouth openness, mouth curvature and
// eyebrow height from the named mesh landmarks. Openness values are ratios
// clamped to [0,1]; curvature is signed (positive = smile).
func ExtractFeatures(face types.FaceResult) types.Features {
	at := func(i int) *types.Keypoint {
		if k, ok := face.At(i); ok {
			return &k
		}
		return nil
	}

	left := eyeOpenness(at(LeftEyeTop), at(LeftEyeBottom), at(LeftEyeLeft), at(LeftEyeRight))
	right := eyeOpenness(at(RightEyeTop), at(RightEyeBottom), at(RightEyeLeft), at(RightEyeRight))

	return types.Features{
		AvgEyeOpenness: (left + right) / 2,
		MouthOpenness:  mouthOpenness(at(MouthTop), at(MouthBottom), at(MouthLeft), at(MouthRight)),
		MouthCurvature: mouthCurvature(at(MouthLeft), at(MouthRight), at(MouthCenterTop), at(MouthCenterBottom)),
		EyebrowHeight: eyebrowHeight(
			at(LeftBrowInner), at(LeftBrowOuter), at(LeftEyeTop),
			at(RightBrowInner), at(RightBrowOuter), at(RightEyeTop),
		),
	}
}

func eyeOpenness(top, bottom, left, right *types.Keypoint) float64 {
	if top == nil || bottom == nil || left == nil || right == nil {
		return 0.5
	}
	width := math.Abs(left.X - right.X)
	if width == 0 {
		return 0.5
	}
	return clamp(math.Abs(top.Y-bottom.Y)/width, 0, 1)
}

func mouthOpenness(top, bottom, left, right *types.Keypoint) float64 {
	if top == nil || bottom == nil || left == nil || right == nil {
		return 0
	}
	width := math.Abs(left.X - right.X)
	if width == 0 {
		return 0
	}
	return clamp(math.Abs(top.Y-bottom.Y)/width, 0, 1)
}

// mouthCurvature compares the mouth corners with the lip center, normalized by
// mouth width. Image y grows downwards, so corners raised above the center
// (a smile) give a positive value.
func mouthCurvature(left, right, centerTop, centerBottom *types.Keypoint) float64 {
	if left == nil || right == nil || centerTop == nil || centerBottom == nil {
		return 0
	}
	width := math.Abs(left.X - right.X)
	if width == 0 {
		return 0
	}
	centerY := (centerTop.Y + centerBottom.Y) / 2
	sidesY := (left.Y + right.Y) / 2
	return (centerY - sidesY) / width
}

func eyebrowHeight(lInner, lOuter, lEye, rInner, rOuter, rEye *types.Keypoint) float64 {
	if lInner == nil || lOuter == nil || lEye == nil || rInner == nil || rOuter == nil || rEye == nil {
		return 0
	}
	l := math.Abs(lInner.Y-lEye.Y) + math.Abs(lOuter.Y-lEye.Y)
	r := math.Abs(rInner.Y-rEye.Y) + math.Abs(rOuter.Y-rEye.Y)
	return (l + r) / 2
}

func newEmotion(label types.EmotionLabel, score float64, f *types.Features) types.EmotionClassification {
	return types.EmotionClassification{
		Label:    label,
		Score:    clamp(score, 0, 1),
		Emoji:    label.Emoji(),
		Features: f,
	}
}
