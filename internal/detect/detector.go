// Package detect wraps the pose and face-landmark models behind one call
// contract: frame in, keyed points out, with the caller bounding how long it
// is willing to wait.
package detect

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/andresmejia3/poise/internal/types"
)

const (
	DefaultPoseTimeout = time.Second
	DefaultFaceTimeout = 500 * time.Millisecond
)

// PoseOptions and FaceOptions are sent with every request: mirrored input,
// a single tracked subject.
var (
	PoseOptions = types.EstimateOptions{FlipHorizontal: true, MaxResults: 1}
	FaceOptions = types.EstimateOptions{FlipHorizontal: true, MaxResults: 1}
)

// PoseEstimator is a loaded pose model.
type PoseEstimator interface {
	EstimatePoses(ctx context.Context, frame types.Frame, opts types.EstimateOptions) ([]types.PoseResult, error)
	Close()
}

// FaceEstimator is a loaded face-landmark model.
type FaceEstimator interface {
	EstimateFaces(ctx context.Context, frame types.Frame, opts types.EstimateOptions) ([]types.FaceResult, error)
	Close()
}

// ModelConfig names a model and its load-time parameters.
type ModelConfig struct {
	Name   string         `json:"name"`
	Params map[string]any `json:"params,omitempty"`
}

var (
	// Thunder is the high-accuracy pose tier.
	Thunder = ModelConfig{Name: "movenet_thunder", Params: map[string]any{
		"model_type":               "SINGLEPOSE_THUNDER",
		"enable_smoothing":         true,
		"multi_pose_max_dimension": 256,
	}}
	// Lightning is the fast pose tier used when Thunder cannot load.
	Lightning = ModelConfig{Name: "movenet_lightning", Params: map[string]any{
		"model_type": "SINGLEPOSE_LIGHTNING",
	}}
	FaceMesh = ModelConfig{Name: "mediapipe_facemesh", Params: map[string]any{
		"refine_landmarks": true,
		"max_faces":        1,
	}}
)

// PoseTiers maps the CLI names of the pose tiers to their configs.
var PoseTiers = map[string]ModelConfig{
	"thunder":   Thunder,
	"lightning": Lightning,
}

// PoseFactory loads a pose model (createDetector).
type PoseFactory func(ctx context.Context, cfg ModelConfig) (PoseEstimator, error)

// FaceFactory loads a face-landmark model.
type FaceFactory func(ctx context.Context, cfg ModelConfig) (FaceEstimator, error)

// InitPose tries each tier in order and returns the first that loads. When
// every tier fails the result is an *InitError and pose detection is
// unavailable.
func InitPose(ctx context.Context, factory PoseFactory, tiers ...ModelConfig) (PoseEstimator, ModelConfig, error) {
	if len(tiers) == 0 {
		tiers = []ModelConfig{Thunder, Lightning}
	}
	ierr := &InitError{Detector: "pose"}
	for _, tier := range tiers {
		est, err := factory(ctx, tier)
		if err == nil {
			slog.Info("pose detector loaded", "model", tier.Name, "fallbacks", len(ierr.Errs))
			return est, tier, nil
		}
		if ctx.Err() != nil {
			return nil, ModelConfig{}, ctx.Err()
		}
		slog.Warn("pose model failed to load", "model", tier.Name, "err", err)
		ierr.Tiers = append(ierr.Tiers, tier.Name)
		ierr.Errs = append(ierr.Errs, err)
	}
	return nil, ModelConfig{}, ierr
}

// InitFace loads the face model. Failure is not fatal: the estimator is nil
// and the session runs on fallback emotions. The error is returned for
// display only.
func InitFace(ctx context.Context, factory FaceFactory, cfg ModelConfig) (FaceEstimator, error) {
	if factory == nil {
		return nil, &InitError{Detector: "face"}
	}
	est, err := factory(ctx, cfg)
	if err != nil {
		slog.Warn("face detector unavailable, using fallback emotions", "model", cfg.Name, "err", err)
		return nil, &InitError{Detector: "face", Tiers: []string{cfg.Name}, Errs: []error{err}}
	}
	slog.Info("face detector loaded", "model", cfg.Name)
	return est, nil
}

// BoundedPoses runs one pose estimate with a timeout. A timeout yields
// ErrDetectionTimeout; a detector failure yields a *RuntimeError.
func BoundedPoses(ctx context.Context, est PoseEstimator, frame types.Frame, timeout time.Duration) ([]types.PoseResult, error) {
	poses, err := Bounded(ctx, timeout, func(ctx context.Context) ([]types.PoseResult, error) {
		return est.EstimatePoses(ctx, frame, PoseOptions)
	})
	return poses, classify("pose", err)
}

// BoundedFaces is BoundedPoses for the face model.
func BoundedFaces(ctx context.Context, est FaceEstimator, frame types.Frame, timeout time.Duration) ([]types.FaceResult, error) {
	faces, err := Bounded(ctx, timeout, func(ctx context.Context) ([]types.FaceResult, error) {
		return est.EstimateFaces(ctx, frame, FaceOptions)
	})
	return faces, classify("face", err)
}

func classify(detector string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrDetectionTimeout), errors.Is(err, context.Canceled):
		return err
	default:
		return &RuntimeError{Detector: detector, Err: err}
	}
}
