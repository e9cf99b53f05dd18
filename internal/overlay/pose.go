package overlay

import (
	"image/color"

	"github.com/andresmejia3/poise/internal/analysis"
	"github.com/andresmejia3/poise/internal/types"
)

const (
	// MinKeypointScore hides points and bones the model is unsure of.
	MinKeypointScore = 0.3
	KeypointRadius   = 4
	BoneWidth        = 2
)

var (
	KeypointColor = color.RGBA{0x10, 0xb9, 0x81, 0xff}
	BoneColor     = color.NRGBA{59, 130, 246, 204}
)

// Skeleton lists the bones drawn between body keypoints.
var Skeleton = [][2]string{
	{analysis.LeftShoulder, analysis.RightShoulder},
	{analysis.LeftShoulder, analysis.LeftElbow},
	{analysis.LeftElbow, analysis.LeftWrist},
	{analysis.RightShoulder, analysis.RightElbow},
	{analysis.RightElbow, analysis.RightWrist},
	{analysis.LeftShoulder, analysis.LeftHip},
	{analysis.RightShoulder, analysis.RightHip},
	{analysis.LeftHip, analysis.RightHip},
	{analysis.LeftHip, analysis.LeftKnee},
	{analysis.LeftKnee, analysis.LeftAnkle},
	{analysis.RightHip, analysis.RightKnee},
	{analysis.RightKnee, analysis.RightAnkle},
	{analysis.Nose, analysis.LeftEye},
	{analysis.Nose, analysis.RightEye},
	{analysis.LeftEye, analysis.LeftEar},
	{analysis.RightEye, analysis.RightEar},
}

// DrawPose renders the confident keypoints of pose and the bones whose
// two ends are both confident.
func DrawPose(c Canvas, pose types.PoseResult) {
	for _, k := range pose.Keypoints {
		if k.Score < MinKeypointScore {
			continue
		}
		c.Circle(k.X, k.Y, KeypointRadius, KeypointColor)
	}

	for _, bone := range Skeleton {
		a, okA := pose.Find(bone[0])
		b, okB := pose.Find(bone[1])
		if !okA || !okB || a.Score <= MinKeypointScore || b.Score <= MinKeypointScore {
			continue
		}
		c.Line(a.X, a.Y, b.X, b.Y, BoneWidth, BoneColor)
	}
}
