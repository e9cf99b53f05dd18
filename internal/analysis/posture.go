// Package analysis turns raw detector keypoints into posture and emotion
// classifications and stabilizes the emotion signal over time.
//
// Every function here is pure: no clocks, no I/O, no shared state. The
// thresholds are empirically chosen geometric ratios rather than learned
// values, so they are exposed as configuration.
package analysis

import (
	"math"

	"github.com/andresmejia3/poise/internal/types"
)

// MoveNet body keypoint names used by the posture rules and the overlay.
const (
	Nose          = "nose"
	LeftEye       = "left_eye"
	RightEye      = "right_eye"
	LeftEar       = "left_ear"
	RightEar      = "right_ear"
	LeftShoulder  = "left_shoulder"
	RightShoulder = "right_shoulder"
	LeftElbow     = "left_elbow"
	RightElbow    = "right_elbow"
	LeftWrist     = "left_wrist"
	RightWrist    = "right_wrist"
	LeftHip       = "left_hip"
	RightHip      = "right_hip"
	LeftKnee      = "left_knee"
	RightKnee     = "right_knee"
	LeftAnkle     = "left_ankle"
	RightAnkle    = "right_ankle"
)

// PostureThresholds holds the tunable constants of ClassifyPosture.
type PostureThresholds struct {
	MinConfidence   float64 // shoulders/hips must exceed this to count
	ShoulderTilt    float64 // |dy|/|dx| between shoulders
	SlouchRatio     float64 // head-to-shoulder distance vs shoulder width
	HipTiltPixels   float64 // |dy| between hips
	LevelShoulderPx float64 // |dy| between shoulders for "excellent"
}

// DefaultPostureThresholds returns the stock thresholds.
func DefaultPostureThresholds() PostureThresholds {
	return PostureThresholds{
		MinConfidence:   0.3,
		ShoulderTilt:    0.15,
		SlouchRatio:     0.4,
		HipTiltPixels:   20,
		LevelShoulderPx: 8,
	}
}

var neutralPosture = types.PostureClassification{Label: types.PostureNeutral, Score: 60}

// ClassifyPosture classifies a single pose with the default thresholds.
func ClassifyPosture(pose types.PoseResult) types.PostureClassification {
	return DefaultPostureThresholds().Classify(pose)
}

// Classify applies the posture rules in order: shoulder tilt, slouch (which
// overrides tilt), hip tilt (which caps the score), then the good/excellent
// grading when nothing fired.
func (t PostureThresholds) Classify(pose types.PoseResult) types.PostureClassification {
	ls, okL := pose.Find(LeftShoulder)
	rs, okR := pose.Find(RightShoulder)
	if len(pose.Keypoints) == 0 || !okL || !okR {
		return neutralPosture
	}

	label := types.PostureGood
	score := 75

	shoulderDy := math.Abs(ls.Y - rs.Y)
	shoulderWidth := math.Abs(ls.X - rs.X)

	// 1. Shoulder tilt
	if ls.Score > t.MinConfidence && rs.Score > t.MinConfidence && shoulderWidth > 0 {
		if shoulderDy/shoulderWidth > t.ShoulderTilt {
			label = types.PostureTilted
			score = 55
		}
	}

	// 2. Slouch
	if headY, ok := headHeight(pose); ok {
		shoulderY := (ls.Y + rs.Y) / 2
		if math.Abs(headY-shoulderY) < shoulderWidth*t.SlouchRatio {
			label = types.PostureSlouching
			score = 50
		}
	}

	// 3. Hip tilt
	lh, okLH := pose.Find(LeftHip)
	rh, okRH := pose.Find(RightHip)
	if okLH && okRH && lh.Score > t.MinConfidence && rh.Score > t.MinConfidence {
		if math.Abs(lh.Y-rh.Y) > t.HipTiltPixels {
			label = types.PostureTilted
			score = min(score, 45)
		}
	}

	// 4. Grade an untouched pose
	if label == types.PostureGood {
		score = 85
		if shoulderDy < t.LevelShoulderPx {
			label = types.PostureExcellent
			score = 95
		}
	}

	return types.PostureClassification{Label: label, Score: clampInt(score, 0, 100)}
}

// headHeight prefers the nose and falls back to the ear midpoint.
func headHeight(pose types.PoseResult) (float64, bool) {
	if nose, ok := pose.Find(Nose); ok {
		return nose.Y, true
	}
	le, okL := pose.Find(LeftEar)
	re, okR := pose.Find(RightEar)
	if okL && okR {
		return (le.Y + re.Y) / 2, true
	}
	return 0, false
}

func clampInt(v, lo, hi int) int {
	return max(lo, min(hi, v))
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
