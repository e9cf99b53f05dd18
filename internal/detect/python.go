package detect

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/andresmejia3/poise/internal/types"
	"github.com/andresmejia3/poise/internal/worker"
)

// PythonRuntime locates the interpreter and the model-serving script.
type PythonRuntime struct {
	Python         string
	Script         string
	StartupTimeout time.Duration
}

func (r PythonRuntime) start(ctx context.Context, kind string, cfg ModelConfig) (*worker.PythonWorker, error) {
	return worker.NewPythonWorker(ctx, kind+"-"+cfg.Name, worker.Config{
		Python:         r.Python,
		Script:         r.Script,
		Model:          cfg.Name,
		Params:         cfg.Params,
		StartupTimeout: r.StartupTimeout,
	})
}

// PoseFactory returns a factory that serves each pose tier from its own
// Python process.
func (r PythonRuntime) PoseFactory() PoseFactory {
	return func(ctx context.Context, cfg ModelConfig) (PoseEstimator, error) {
		w, err := r.start(ctx, "pose", cfg)
		if err != nil {
			return nil, err
		}
		return &WorkerPose{w: w}, nil
	}
}

func (r PythonRuntime) FaceFactory() FaceFactory {
	return func(ctx context.Context, cfg ModelConfig) (FaceEstimator, error) {
		w, err := r.start(ctx, "face", cfg)
		if err != nil {
			return nil, err
		}
		return &WorkerFace{w: w}, nil
	}
}

type estimator interface {
	Estimate(ctx context.Context, frame types.Frame, opts types.EstimateOptions) ([]byte, error)
	Close()
}

// WorkerPose decodes the JSON results of a pose worker.
type WorkerPose struct {
	w estimator
}

func (p *WorkerPose) EstimatePoses(ctx context.Context, frame types.Frame, opts types.EstimateOptions) ([]types.PoseResult, error) {
	body, err := p.w.Estimate(ctx, frame, opts)
	if err != nil {
		return nil, err
	}
	var poses []types.PoseResult
	if err := json.Unmarshal(body, &poses); err != nil {
		return nil, fmt.Errorf("decoding poses: %w", err)
	}
	return poses, nil
}

func (p *WorkerPose) Close() { p.w.Close() }

// WorkerFace decodes the JSON results of a face-mesh worker.
type WorkerFace struct {
	w estimator
}

func (f *WorkerFace) EstimateFaces(ctx context.Context, frame types.Frame, opts types.EstimateOptions) ([]types.FaceResult, error) {
	body, err := f.w.Estimate(ctx, frame, opts)
	if err != nil {
		return nil, err
	}
	var faces []types.FaceResult
	if err := json.Unmarshal(body, &faces); err != nil {
		return nil, fmt.Errorf("decoding faces: %w", err)
	}
	return faces, nil
}

func (f *WorkerFace) Close() { f.w.Close() }
