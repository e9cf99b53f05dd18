package scheduler

import (
	"context"
	"errors"
	"image/color"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/andresmejia3/poise/internal/analysis"
	"github.com/andresmejia3/poise/internal/capture"
	"github.com/andresmejia3/poise/internal/detect"
	"github.com/andresmejia3/poise/internal/session"
	"github.com/andresmejia3/poise/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCamera struct {
	acquireErrs []error
	acquires    int
	releases    int
	ready       bool
	notReady    bool
	lost        error
}

func (c *fakeCamera) Acquire(context.Context) error {
	i := c.acquires
	c.acquires++
	if i < len(c.acquireErrs) && c.acquireErrs[i] != nil {
		return c.acquireErrs[i]
	}
	c.ready = !c.notReady
	c.lost = nil
	return nil
}

func (c *fakeCamera) Ready() bool { return c.ready }

func (c *fakeCamera) Err() error { return c.lost }

func (c *fakeCamera) Current() (types.Frame, bool) {
	return types.Frame{Seq: 1, Width: 640, Height: 480}, c.ready
}

func (c *fakeCamera) Release() {
	c.releases++
	c.ready = false
}

type fakePose struct {
	calls  atomic.Int32
	closed atomic.Bool
	fn     func(call int) ([]types.PoseResult, error)
}

func (p *fakePose) EstimatePoses(context.Context, types.Frame, types.EstimateOptions) ([]types.PoseResult, error) {
	return p.fn(int(p.calls.Add(1)))
}
func (p *fakePose) Close() { p.closed.Store(true) }

type fakeFace struct {
	calls atomic.Int32
	fn    func(call int) ([]types.FaceResult, error)
}

func (f *fakeFace) EstimateFaces(context.Context, types.Frame, types.EstimateOptions) ([]types.FaceResult, error) {
	return f.fn(int(f.calls.Add(1)))
}
func (f *fakeFace) Close() {}

type nopCanvas struct{}

func (nopCanvas) DrawFrame(types.Frame) error               { return nil }
func (nopCanvas) Circle(_, _, _ float64, _ color.Color)     {}
func (nopCanvas) Line(_, _, _, _, _ float64, _ color.Color) {}

// manualClock yields refreshes step apart, up to limit of them.
type manualClock struct {
	now   time.Time
	step  time.Duration
	limit int
	n     int
}

func (c *manualClock) Next(ctx context.Context) (time.Time, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, err
	}
	if c.n >= c.limit {
		return time.Time{}, context.Canceled
	}
	c.n++
	c.now = c.now.Add(c.step)
	return c.now, nil
}

var t0 = time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC)

func goodPose() types.PoseResult {
	return types.PoseResult{Keypoints: []types.Keypoint{
		{Name: analysis.Nose, X: 320, Y: 100, Score: 0.9},
		{Name: analysis.LeftShoulder, X: 400, Y: 260, Score: 0.9},
		{Name: analysis.RightShoulder, X: 240, Y: 262, Score: 0.9},
	}}
}

func always(p types.PoseResult) func(int) ([]types.PoseResult, error) {
	return func(int) ([]types.PoseResult, error) { return []types.PoseResult{p}, nil }
}

func failing(int) ([]types.PoseResult, error) { return nil, errors.New("inference crashed") }

func newScheduler(t *testing.T, cam *fakeCamera, pose *fakePose, face *fakeFace) *Scheduler {
	t.Helper()
	det := Detectors{
		Pose: func(context.Context, detect.ModelConfig) (detect.PoseEstimator, error) { return pose, nil },
	}
	if face != nil {
		det.Face = func(context.Context, detect.ModelConfig) (detect.FaceEstimator, error) { return face, nil }
		det.FaceModel = detect.FaceMesh
	}
	cfg := DefaultConfig()
	cfg.PoseTimeout = 50 * time.Millisecond
	cfg.FaceTimeout = 50 * time.Millisecond

	s := New(cfg, cam, det, session.New(session.Options{}))
	s.Canvas = nopCanvas{}
	s.Fallback = &analysis.FallbackGenerator{
		Now:  func() time.Time { return t0 },
		Rand: rand.New(rand.NewPCG(1, 1)),
	}
	return s
}

func initialized(t *testing.T, cam *fakeCamera, pose *fakePose, face *fakeFace) *Scheduler {
	t.Helper()
	s := newScheduler(t, cam, pose, face)
	require.NoError(t, s.Init(context.Background()))
	require.Equal(t, session.Ready, s.State())
	return s
}

// steps feeds n refreshes, each far enough apart to pass any rate gate.
func steps(s *Scheduler, from time.Time, n int) time.Time {
	for i := 0; i < n; i++ {
		from = from.Add(time.Second)
		s.Step(context.Background(), from)
	}
	return from
}

func TestFrameInterval_BacksOffAfterThreeFailures(t *testing.T) {
	pose := &fakePose{fn: failing}
	s := initialized(t, &fakeCamera{}, pose, nil)
	ctx := context.Background()

	assert.Equal(t, 100*time.Millisecond, s.FrameInterval())

	now := t0
	for i := 1; i <= 3; i++ {
		now = now.Add(s.FrameInterval())
		assert.False(t, s.Step(ctx, now))
		assert.Equal(t, i, s.Session().ConsecutiveErrors())
		if i < 3 {
			assert.Equal(t, 100*time.Millisecond, s.FrameInterval(), "after %d failures", i)
		}
	}
	assert.Equal(t, 200*time.Millisecond, s.FrameInterval())

	// At the degraded rate a refresh 100ms later is skipped.
	assert.False(t, s.Step(ctx, now.Add(100*time.Millisecond)))
	assert.Equal(t, int32(3), pose.calls.Load())
}

func TestRun_StopsAfterFiveFailures(t *testing.T) {
	cam := &fakeCamera{}
	pose := &fakePose{fn: failing}
	s := newScheduler(t, cam, pose, nil)
	s.Clock = &manualClock{now: t0, step: 50 * time.Millisecond, limit: 1000}

	err := s.Run(context.Background())
	assert.ErrorIs(t, err, ErrUnstable)
	assert.Equal(t, int32(5), pose.calls.Load(), "no sixth detection attempt")

	snap := s.Session().Snapshot()
	assert.Equal(t, "error", snap.State)
	assert.Equal(t, UnstableMessage, snap.Error)
	assert.True(t, pose.closed.Load())
	assert.GreaterOrEqual(t, cam.releases, 1)

	// The loop stays stopped.
	assert.ErrorIs(t, s.Run(context.Background()), ErrStopped)
	assert.True(t, s.Step(context.Background(), t0.Add(time.Hour)))
	assert.Equal(t, int32(5), pose.calls.Load())
}

func TestStep_SuccessResetsFailures(t *testing.T) {
	n := 0
	pose := &fakePose{fn: func(call int) ([]types.PoseResult, error) {
		n = call
		if call <= 4 {
			return failing(call)
		}
		return []types.PoseResult{goodPose()}, nil
	}}
	s := initialized(t, &fakeCamera{}, pose, nil)

	steps(s, t0, 4)
	assert.Equal(t, 4, s.Session().ConsecutiveErrors())
	assert.Equal(t, session.Ready, s.State())

	steps(s, t0.Add(time.Hour), 1)
	assert.Equal(t, 5, n)
	assert.Equal(t, 0, s.Session().ConsecutiveErrors())
	assert.Equal(t, 100*time.Millisecond, s.FrameInterval())
	assert.Equal(t, types.PostureExcellent, s.Session().Snapshot().Posture.Label)
}

func TestStep_RateGateAndReadiness(t *testing.T) {
	pose := &fakePose{fn: always(goodPose())}
	cam := &fakeCamera{}
	s := initialized(t, cam, pose, nil)
	ctx := context.Background()

	s.Step(ctx, t0)
	s.Step(ctx, t0.Add(50*time.Millisecond))
	assert.Equal(t, int32(1), pose.calls.Load(), "refresh inside the interval is skipped")

	s.Step(ctx, t0.Add(100*time.Millisecond))
	assert.Equal(t, int32(2), pose.calls.Load())

	cam.ready = false
	s.Step(ctx, t0.Add(time.Second))
	assert.Equal(t, int32(2), pose.calls.Load(), "no detection before the source is ready")
}

func TestStep_FaceDecimation(t *testing.T) {
	pose := &fakePose{fn: always(goodPose())}
	face := &fakeFace{fn: func(int) ([]types.FaceResult, error) {
		return []types.FaceResult{{}}, nil
	}}
	s := initialized(t, &fakeCamera{}, pose, face)
	require.True(t, s.Session().Snapshot().FaceAvailable)

	steps(s, t0, 9)
	assert.Equal(t, int32(9), pose.calls.Load())
	assert.Equal(t, int32(3), face.calls.Load(), "face runs on ticks 0, 3 and 6")

	snap := s.Session().Snapshot()
	assert.Len(t, snap.History, 3)
	assert.Equal(t, types.EmotionFocused, snap.Emotion.Label)
	assert.False(t, snap.Emotion.Fallback)
}

func TestStep_FallbackWithoutFaceDetector(t *testing.T) {
	pose := &fakePose{fn: always(goodPose())}
	s := initialized(t, &fakeCamera{}, pose, nil)
	assert.False(t, s.Session().Snapshot().FaceAvailable)

	steps(s, t0, 11)
	sum := s.Session().Summary()
	assert.Equal(t, uint64(2), sum.Fallbacks, "fallback on ticks 0 and 10")
	assert.Zero(t, sum.FaceDetections)
	assert.True(t, s.Session().Snapshot().Emotion.Fallback)
}

func TestStep_FaceFailure(t *testing.T) {
	pose := &fakePose{fn: always(goodPose())}
	face := &fakeFace{fn: func(int) ([]types.FaceResult, error) { return nil, errors.New("mesh exploded") }}
	s := initialized(t, &fakeCamera{}, pose, face)

	steps(s, t0, 1)
	snap := s.Session().Snapshot()
	require.NotNil(t, snap.Emotion)
	assert.True(t, snap.Emotion.Fallback)
	assert.Equal(t, 1, snap.ConsecutiveErrors)
	assert.Equal(t, uint64(1), snap.Detections, "the tick still counts")
	assert.Empty(t, snap.History)
}

func TestStep_NoFaceFoundPublishesFallback(t *testing.T) {
	pose := &fakePose{fn: always(goodPose())}
	face := &fakeFace{fn: func(int) ([]types.FaceResult, error) { return nil, nil }}
	s := initialized(t, &fakeCamera{}, pose, face)

	steps(s, t0, 1)
	snap := s.Session().Snapshot()
	assert.True(t, snap.Emotion.Fallback)
	assert.Zero(t, snap.ConsecutiveErrors)
}

func TestStep_EmptyPoses(t *testing.T) {
	pose := &fakePose{fn: func(call int) ([]types.PoseResult, error) {
		if call == 1 {
			return failing(call)
		}
		return nil, nil
	}}
	s := initialized(t, &fakeCamera{}, pose, nil)

	steps(s, t0, 2)
	snap := s.Session().Snapshot()
	assert.Nil(t, snap.Posture)
	assert.Equal(t, 1, snap.ConsecutiveErrors, "an empty result neither resets nor counts")
	assert.Equal(t, uint64(1), snap.Detections)
}

func TestStep_TimedOutResultIsNeverApplied(t *testing.T) {
	tilted := types.PoseResult{Keypoints: []types.Keypoint{
		{Name: analysis.Nose, X: 320, Y: 20, Score: 0.9},
		{Name: analysis.LeftShoulder, X: 400, Y: 240, Score: 0.9},
		{Name: analysis.RightShoulder, X: 240, Y: 300, Score: 0.9},
	}}
	var wg sync.WaitGroup
	wg.Add(1)
	pose := &fakePose{fn: func(call int) ([]types.PoseResult, error) {
		if call == 1 {
			defer wg.Done()
			time.Sleep(200 * time.Millisecond)
			return []types.PoseResult{tilted}, nil
		}
		return []types.PoseResult{goodPose()}, nil
	}}
	s := initialized(t, &fakeCamera{}, pose, nil)

	steps(s, t0, 1)
	assert.Equal(t, 1, s.Session().ConsecutiveErrors())
	assert.Nil(t, s.Session().Snapshot().Posture)

	steps(s, t0.Add(time.Minute), 1)
	wg.Wait()
	time.Sleep(10 * time.Millisecond)

	snap := s.Session().Snapshot()
	require.NotNil(t, snap.Posture)
	assert.Equal(t, types.PostureExcellent, snap.Posture.Label)
	assert.Equal(t, 0, snap.ConsecutiveErrors)
}

func TestInit_CameraErrorThenRetry(t *testing.T) {
	cam := &fakeCamera{acquireErrs: []error{&capture.CameraError{Kind: capture.KindPermissionDenied}}}
	pose := &fakePose{fn: always(goodPose())}
	s := newScheduler(t, cam, pose, nil)

	err := s.Run(context.Background())
	var ce *capture.CameraError
	require.ErrorAs(t, err, &ce)

	snap := s.Session().Snapshot()
	assert.Equal(t, "error", snap.State)
	assert.Equal(t, "Camera access denied. Please allow camera permissions and refresh.", snap.Error)
	assert.Equal(t, 1, cam.releases)

	require.NoError(t, s.Retry(context.Background()))
	assert.Equal(t, session.Ready, s.State())
	assert.Empty(t, s.Session().Snapshot().Error)
	assert.Equal(t, 2, cam.acquires)
	assert.Equal(t, 2, cam.releases, "retry releases the camera before acquiring again")
}

func TestInit_PoseUnavailable(t *testing.T) {
	cam := &fakeCamera{}
	s := newScheduler(t, cam, nil, nil)
	s.det.Pose = func(context.Context, detect.ModelConfig) (detect.PoseEstimator, error) {
		return nil, errors.New("no tflite runtime")
	}

	err := s.Init(context.Background())
	var ie *detect.InitError
	require.ErrorAs(t, err, &ie)
	assert.Len(t, ie.Tiers, 2)

	snap := s.Session().Snapshot()
	assert.Equal(t, "error", snap.State)
	assert.Contains(t, snap.Error, "Pose detector unavailable:")
	assert.Equal(t, 1, cam.releases)
}

func TestInit_FaceIsBestEffort(t *testing.T) {
	pose := &fakePose{fn: always(goodPose())}
	s := newScheduler(t, &fakeCamera{}, pose, nil)
	s.det.Face = func(context.Context, detect.ModelConfig) (detect.FaceEstimator, error) {
		return nil, errors.New("mediapipe missing")
	}

	require.NoError(t, s.Init(context.Background()))
	snap := s.Session().Snapshot()
	assert.Equal(t, "ready", snap.State)
	assert.False(t, snap.FaceAvailable)
	assert.Equal(t, detect.Thunder.Name, snap.PoseModel)
}

func TestRun_AlternatingTiltEndToEnd(t *testing.T) {
	pose := &fakePose{fn: func(call int) ([]types.PoseResult, error) {
		left, right := 240.0, 290.0
		if call%2 == 0 {
			left, right = right, left
		}
		return []types.PoseResult{{Keypoints: []types.Keypoint{
			{Name: analysis.Nose, X: 320, Y: 40, Score: 0.9},
			{Name: analysis.LeftShoulder, X: 400, Y: left, Score: 0.9},
			{Name: analysis.RightShoulder, X: 240, Y: right, Score: 0.9},
		}}}, nil
	}}
	s := newScheduler(t, &fakeCamera{}, pose, nil)
	s.Clock = &manualClock{now: t0, step: 100 * time.Millisecond, limit: 5}

	var seen []types.PostureClassification
	s.Session().Subscribe(func(snap session.Snapshot) {
		if snap.Posture != nil && int(pose.calls.Load()) > len(seen) {
			seen = append(seen, *snap.Posture)
		}
	})

	assert.ErrorIs(t, s.Run(context.Background()), context.Canceled)
	require.Equal(t, int32(5), pose.calls.Load())
	require.Len(t, seen, 5)
	for _, p := range seen {
		assert.Equal(t, types.PostureTilted, p.Label)
		assert.LessOrEqual(t, p.Score, 55)
	}
}

func TestStep_CancelDuringPoseIsNotCounted(t *testing.T) {
	pose := &fakePose{fn: func(int) ([]types.PoseResult, error) {
		time.Sleep(200 * time.Millisecond)
		return []types.PoseResult{goodPose()}, nil
	}}
	s := initialized(t, &fakeCamera{}, pose, nil)
	s.cfg.PoseTimeout = time.Second

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(10*time.Millisecond, cancel)

	assert.False(t, s.Step(ctx, t0))
	assert.Equal(t, 0, s.Session().ConsecutiveErrors())
	assert.Equal(t, uint64(0), s.Session().Summary().Failures)
	assert.Equal(t, session.Ready, s.State())
}

func TestStep_CancelDuringFaceIsNotCounted(t *testing.T) {
	pose := &fakePose{fn: always(goodPose())}
	face := &fakeFace{fn: func(int) ([]types.FaceResult, error) {
		time.Sleep(200 * time.Millisecond)
		return nil, nil
	}}
	s := initialized(t, &fakeCamera{}, pose, face)
	s.cfg.FaceEvery = 1
	s.cfg.FaceTimeout = time.Second

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(10*time.Millisecond, cancel)

	assert.False(t, s.Step(ctx, t0))
	assert.Equal(t, int32(1), face.calls.Load())
	sum := s.Session().Summary()
	assert.Equal(t, uint64(0), sum.Failures)
	assert.Equal(t, uint64(0), sum.Fallbacks, "no fallback for an interrupted face call")
	assert.Equal(t, 0, s.Session().ConsecutiveErrors())
}

func TestRun_CancelledMidDetection(t *testing.T) {
	pose := &fakePose{fn: func(int) ([]types.PoseResult, error) {
		time.Sleep(200 * time.Millisecond)
		return []types.PoseResult{goodPose()}, nil
	}}
	s := initialized(t, &fakeCamera{}, pose, nil)
	s.cfg.PoseTimeout = time.Second
	s.Clock = &manualClock{now: t0, step: time.Second, limit: 1000}

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(10*time.Millisecond, cancel)

	err := s.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, uint64(0), s.Session().Summary().Failures)
	assert.NotEqual(t, session.Error, s.State())
}

func TestRun_CameraLostMidSession(t *testing.T) {
	cam := &fakeCamera{}
	pose := &fakePose{fn: func(call int) ([]types.PoseResult, error) {
		if call == 2 {
			// The device is unplugged after this detection.
			cam.ready = false
			cam.lost = &capture.CameraError{Kind: capture.KindNotFound, Err: errors.New("capture stream ended")}
		}
		return []types.PoseResult{goodPose()}, nil
	}}
	s := newScheduler(t, cam, pose, nil)
	s.Clock = &manualClock{now: t0, step: time.Second, limit: 1000}

	err := s.Run(context.Background())
	var ce *capture.CameraError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, capture.KindNotFound, ce.Kind)
	assert.Equal(t, int32(2), pose.calls.Load())

	snap := s.Session().Snapshot()
	assert.Equal(t, "error", snap.State)
	assert.Equal(t, "No camera found. Please connect a camera and refresh.", snap.Error)
	assert.True(t, pose.closed.Load())
	assert.GreaterOrEqual(t, cam.releases, 1)

	require.NoError(t, s.Retry(context.Background()))
	assert.Equal(t, session.Ready, s.State())
	assert.NoError(t, cam.Err())
}
