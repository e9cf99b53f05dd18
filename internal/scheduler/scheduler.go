// Package scheduler runs the frame loop: it paces detection against a target
// frame rate, bounds every detector call, routes results through the
// classifiers into the session, and degrades or stops under repeated failure.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/andresmejia3/poise/internal/analysis"
	"github.com/andresmejia3/poise/internal/capture"
	"github.com/andresmejia3/poise/internal/detect"
	"github.com/andresmejia3/poise/internal/overlay"
	"github.com/andresmejia3/poise/internal/session"
	"github.com/andresmejia3/poise/internal/types"
)

// UnstableMessage is shown once the failure budget is spent.
const UnstableMessage = "Detection system unstable. Please refresh the page."

var (
	// ErrUnstable is returned by Run when the failure budget is spent.
	ErrUnstable = errors.New("detection system unstable")
	// ErrStopped is returned by Run when the session is already in Error.
	ErrStopped = errors.New("scheduler is in error state")
)

// Camera is the capture source as seen by the loop.
type Camera interface {
	Acquire(ctx context.Context) error
	Ready() bool
	Current() (types.Frame, bool)
	Release()
	// Err reports a stream that ended on its own after Acquire.
	Err() error
}

// Detectors describes how to load the models.
type Detectors struct {
	Pose      detect.PoseFactory
	PoseTiers []detect.ModelConfig
	Face      detect.FaceFactory // nil disables face detection
	FaceModel detect.ModelConfig
}

// Config holds the loop tunables.
type Config struct {
	TargetFPS     int
	DegradedFPS   int
	BackoffAfter  int // degrade once consecutive errors exceed this
	ErrorBudget   int // consecutive errors that end the loop
	FaceEvery     int // face detection every Nth completed tick
	FallbackEvery int // fallback emotion every Nth tick without a face detector
	PoseTimeout   time.Duration
	FaceTimeout   time.Duration
	Posture       analysis.PostureThresholds
	Emotion       analysis.EmotionThresholds
}

func DefaultConfig() Config {
	return Config{
		TargetFPS:     10,
		DegradedFPS:   5,
		BackoffAfter:  2,
		ErrorBudget:   5,
		FaceEvery:     3,
		FallbackEvery: 10,
		PoseTimeout:   detect.DefaultPoseTimeout,
		FaceTimeout:   detect.DefaultFaceTimeout,
		Posture:       analysis.DefaultPostureThresholds(),
		Emotion:       analysis.DefaultEmotionThresholds(),
	}
}

// Scheduler owns the camera and detector instances for one session. Run,
// Step and Retry must be called from a single goroutine; State and
// FrameInterval may be read from anywhere.
type Scheduler struct {
	cfg  Config
	cam  Camera
	det  Detectors
	sess *session.Session

	Canvas   overlay.Canvas
	Clock    FrameClock
	Fallback *analysis.FallbackGenerator

	pose     detect.PoseEstimator
	face     detect.FaceEstimator
	lastTick time.Time
	stopErr  error
}

func New(cfg Config, cam Camera, det Detectors, sess *session.Session) *Scheduler {
	return &Scheduler{
		cfg:      cfg,
		cam:      cam,
		det:      det,
		sess:     sess,
		Canvas:   overlay.NewRGBACanvas(),
		Fallback: analysis.NewFallbackGenerator(),
	}
}

func (s *Scheduler) Session() *session.Session { return s.sess }

func (s *Scheduler) State() session.State { return s.sess.State() }

// FrameInterval is the minimum time between processed ticks at the current
// failure level.
func (s *Scheduler) FrameInterval() time.Duration {
	fps := s.cfg.TargetFPS
	if s.sess.ConsecutiveErrors() > s.cfg.BackoffAfter {
		fps = s.cfg.DegradedFPS
	}
	return time.Second / time.Duration(fps)
}

// Init acquires the camera and loads the detectors. Any fatal failure moves
// the session to Error with a message for the user and releases what was
// acquired.
func (s *Scheduler) Init(ctx context.Context) error {
	s.sess.SetState(session.Initializing)

	if err := s.cam.Acquire(ctx); err != nil {
		return s.initFailed(ctx, err, cameraMessage(err))
	}

	pose, tier, err := detect.InitPose(ctx, s.det.Pose, s.det.PoseTiers...)
	if err != nil {
		return s.initFailed(ctx, err, fmt.Sprintf("Pose detector unavailable: %v", err))
	}
	s.pose = pose

	if s.det.Face != nil {
		s.face, _ = detect.InitFace(ctx, s.det.Face, s.det.FaceModel)
	}

	s.lastTick = time.Time{}
	s.sess.SetDetectors(tier.Name, s.face != nil)
	s.sess.SetState(session.Ready)
	return nil
}

func (s *Scheduler) initFailed(ctx context.Context, err error, msg string) error {
	s.teardown()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	slog.Error("initialization failed", "err", err)
	s.sess.TransitionToError(msg)
	return err
}

func cameraMessage(err error) string {
	var ce *capture.CameraError
	if errors.As(err, &ce) {
		return ce.Message()
	}
	return fmt.Sprintf("Initialization failed: %v", err)
}

// Run drives the loop from the refresh clock until ctx ends or the failure
// budget is spent. A session still Initializing is initialized first.
func (s *Scheduler) Run(ctx context.Context) error {
	switch s.State() {
	case session.Error:
		return ErrStopped
	case session.Initializing:
		if err := s.Init(ctx); err != nil {
			return err
		}
	}

	clock := s.Clock
	if clock == nil {
		rc := NewRefreshClock(DefaultRefreshRate)
		defer rc.Stop()
		clock = rc
	}

	for {
		now, err := clock.Next(ctx)
		if err != nil {
			return err
		}
		if stop := s.Step(ctx, now); stop {
			if s.stopErr != nil {
				return s.stopErr
			}
			return ErrStopped
		}
	}
}

// Step handles one display refresh at time now and reports whether the loop
// must stop.
func (s *Scheduler) Step(ctx context.Context, now time.Time) bool {
	if s.pose == nil || s.State() == session.Error {
		return true
	}
	if !s.cam.Ready() {
		if err := s.cam.Err(); err != nil {
			return s.cameraLost(err)
		}
		return false
	}
	if !s.lastTick.IsZero() && now.Sub(s.lastTick) < s.FrameInterval() {
		return false
	}
	s.lastTick = now

	frame, ok := s.cam.Current()
	if !ok {
		return false
	}

	s.sess.SetState(session.Detecting)
	if s.Canvas != nil {
		if err := s.Canvas.DrawFrame(frame); err != nil {
			slog.Debug("frame not drawn", "seq", frame.Seq, "err", err)
		}
	}

	gen := s.sess.Begin()

	poses, err := detect.BoundedPoses(ctx, s.pose, frame, s.cfg.PoseTimeout)
	if err != nil {
		if ctx.Err() != nil {
			return s.abandon()
		}
		return s.fail(gen, "pose", err)
	}
	if len(poses) > 0 {
		if s.Canvas != nil {
			overlay.DrawPose(s.Canvas, poses[0])
		}
		s.sess.ApplyPoseResult(gen, s.cfg.Posture.Classify(poses[0]))
	}

	n := s.sess.Detections()
	switch {
	case s.face != nil && n%uint64(s.cfg.FaceEvery) == 0:
		if stop := s.detectFace(ctx, gen, frame); stop {
			return true
		}
	case s.face == nil && n%uint64(s.cfg.FallbackEvery) == 0:
		s.sess.ApplyFallbackEmotion(gen, s.Fallback.Next())
	}
	if ctx.Err() != nil {
		return s.abandon()
	}

	s.sess.CompleteTick()
	s.sess.SetState(session.Ready)
	return false
}

func (s *Scheduler) detectFace(ctx context.Context, gen uint64, frame types.Frame) bool {
	faces, err := detect.BoundedFaces(ctx, s.face, frame, s.cfg.FaceTimeout)
	switch {
	case err != nil && ctx.Err() != nil:
		return false
	case err != nil:
		s.sess.ApplyFallbackEmotion(gen, s.Fallback.Next())
		return s.fail(gen, "face", err)
	case len(faces) == 0:
		s.sess.ApplyFallbackEmotion(gen, s.Fallback.Next())
	default:
		s.sess.ApplyEmotionResult(gen, s.cfg.Emotion.Analyze(&faces[0]))
	}
	return false
}

// fail counts a detector failure. Transient failures are logged at Debug
// only; spending the budget moves the session to Error.
func (s *Scheduler) fail(gen uint64, detector string, err error) bool {
	n := s.sess.RecordFailure(gen)
	slog.Debug("detection failed", "detector", detector, "consecutive", n, "err", err)

	if n == s.cfg.BackoffAfter+1 {
		slog.Warn("detection unstable, lowering frame rate", "fps", s.cfg.DegradedFPS)
	}
	if n < s.cfg.ErrorBudget {
		if s.State() == session.Detecting {
			s.sess.SetState(session.Ready)
		}
		return false
	}

	slog.Error("failure budget spent, stopping detection", "consecutive", n)
	s.sess.TransitionToError(UnstableMessage)
	s.stopErr = ErrUnstable
	s.teardown()
	return true
}

// abandon ends a tick cut short by the caller. Nothing is counted.
func (s *Scheduler) abandon() bool {
	if s.State() == session.Detecting {
		s.sess.SetState(session.Ready)
	}
	return false
}

// cameraLost stops the loop when the stream died mid-session.
func (s *Scheduler) cameraLost(err error) bool {
	slog.Error("camera lost, stopping detection", "err", err)
	s.sess.TransitionToError(cameraMessage(err))
	s.stopErr = err
	s.teardown()
	return true
}

// Retry clears the error, releases the camera and detectors, and
// initializes again.
func (s *Scheduler) Retry(ctx context.Context) error {
	slog.Info("retrying initialization")
	s.teardown()
	s.sess.Reset()
	s.stopErr = nil
	return s.Init(ctx)
}

// Close releases every resource. Safe to call more than once.
func (s *Scheduler) Close() {
	s.teardown()
}

func (s *Scheduler) teardown() {
	s.cam.Release()
	if s.pose != nil {
		s.pose.Close()
		s.pose = nil
	}
	if s.face != nil {
		s.face.Close()
		s.face = nil
	}
}
