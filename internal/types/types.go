package types

import "time"

// Frame is a single decoded camera frame. Data holds the JPEG bytes exactly as
// they came off the capture pipe and MUST NOT be modified once published.
type Frame struct {
	Seq       uint64
	Data      []byte
	Width     int
	Height    int
	Timestamp time.Time
}

// Keypoint is a named 2D point with a confidence score, as produced by a pose
// or face-landmark model. Face-mesh points are addressed by index and usually
// carry no name.
type Keypoint struct {
	Name  string  `json:"name,omitempty"`
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Score float64 `json:"score"`
}

// PoseResult is one estimated body (up to one subject is tracked).
type PoseResult struct {
	Keypoints []Keypoint `json:"keypoints"`
	Score     float64    `json:"score,omitempty"`
}

// Find returns the keypoint with the given name.
func (p PoseResult) Find(name string) (Keypoint, bool) {
	for _, k := range p.Keypoints {
		if k.Name == name {
			return k, true
		}
	}
	return Keypoint{}, false
}

// FaceResult is one estimated face mesh (up to one face is tracked).
type FaceResult struct {
	Keypoints []Keypoint `json:"keypoints"`
}

// At returns the landmark at a mesh index.
func (f FaceResult) At(i int) (Keypoint, bool) {
	if i < 0 || i >= len(f.Keypoints) {
		return Keypoint{}, false
	}
	return f.Keypoints[i], true
}

// EstimateOptions is sent with every detector request.
type EstimateOptions struct {
	FlipHorizontal bool `json:"flip_horizontal"`
	MaxResults     int  `json:"max_results"`
}

// PostureLabel is the outcome of posture classification.
type PostureLabel string

const (
	PostureExcellent PostureLabel = "excellent"
	PostureGood      PostureLabel = "good"
	PostureNeutral   PostureLabel = "neutral"
	PostureSlouching PostureLabel = "slouching"
	PostureTilted    PostureLabel = "tilted"
)

// PostureClassification carries a label and a 0-100 score.
type PostureClassification struct {
	Label PostureLabel `json:"label"`
	Score int          `json:"score"`
}

// EmotionLabel is the outcome of emotion classification.
type EmotionLabel string

const (
	EmotionHappy   EmotionLabel = "happy"
	EmotionSad     EmotionLabel = "sad"
	EmotionCrying  EmotionLabel = "crying"
	EmotionNervous EmotionLabel = "nervous"
	EmotionFocused EmotionLabel = "focused"
)

// EmotionLabels lists every label in the fixed fallback cycle order.
var EmotionLabels = []EmotionLabel{EmotionFocused, EmotionHappy, EmotionSad, EmotionNervous, EmotionCrying}

// Emoji returns the display glyph for the label.
func (l EmotionLabel) Emoji() string {
	switch l {
	case EmotionHappy:
		return "😊"
	case EmotionSad:
		return "😢"
	case EmotionCrying:
		return "😭"
	case EmotionNervous:
		return "😬"
	default:
		return "🤔"
	}
}

// Features are the raw facial measurements behind an emotion classification.
type Features struct {
	MouthOpenness  float64 `json:"mouth_openness"`
	MouthCurvature float64 `json:"mouth_curvature"`
	AvgEyeOpenness float64 `json:"avg_eye_openness"`
	EyebrowHeight  float64 `json:"eyebrow_height"`
}

// EmotionClassification carries a label, a 0-1 score and, when the label came
// from a real face, the features it was derived from. Features is nil for
// defaults and synthetic fallback values.
type EmotionClassification struct {
	Label    EmotionLabel `json:"label"`
	Score    float64      `json:"score"`
	Emoji    string       `json:"emoji"`
	Features *Features    `json:"features,omitempty"`
	Fallback bool         `json:"fallback,omitempty"`
}
