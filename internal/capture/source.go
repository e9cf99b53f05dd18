// Package capture owns the camera stream. An ffmpeg process reads the device
// and writes MJPEG to a pipe; the newest decoded frame is always the one
// handed out, older unread frames are overwritten.
package capture

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andresmejia3/poise/internal/types"
	"github.com/andresmejia3/poise/internal/utils"
)

// Stream is a running capture process: an MJPEG byte stream plus control.
type Stream interface {
	io.Reader
	Stop() error
	Logs() string
}

// Opener starts a capture with the given arguments.
type Opener func(ctx context.Context, args utils.CaptureArgs) (Stream, error)

// Options configure acquisition. The constrained request asks for
// Width x Height at FPS; the fallback leaves every choice to the device.
type Options struct {
	Format       string
	Device       string
	Width        int
	Height       int
	FPS          int
	Mirror       bool
	ReadyTimeout time.Duration
}

func DefaultOptions() Options {
	format := utils.DefaultCaptureFormat()
	return Options{
		Format:       format,
		Device:       utils.DefaultCaptureDevice(format),
		Width:        640,
		Height:       480,
		FPS:          30,
		ReadyTimeout: 10 * time.Second,
	}
}

// Stats are lifetime counters for one acquisition.
type Stats struct {
	FramesDecoded     uint64
	FramesOverwritten uint64
}

// Source is a camera that can be acquired, read and released.
type Source struct {
	opts   Options
	opener Opener

	mu      sync.Mutex
	stream  Stream
	cancel  context.CancelFunc
	done    chan struct{}
	latest  *types.Frame
	unread  bool
	started bool
	epoch   uint64
	lost    error
	lostCh  chan struct{}

	ready       atomic.Bool
	decoded     atomic.Uint64
	overwritten atomic.Uint64
}

// NewSource returns a source backed by ffmpeg.
func NewSource(opts Options) *Source {
	return NewSourceWithOpener(opts, FFmpegOpener)
}

func NewSourceWithOpener(opts Options, opener Opener) *Source {
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = 10 * time.Second
	}
	return &Source{opts: opts, opener: opener}
}

// Acquire opens the camera with the constrained request, then without
// constraints. It returns once the device has produced its first image, or a
// *CameraError when both requests fail.
func (s *Source) Acquire(ctx context.Context) error {
	s.Release()
	s.mu.Lock()
	s.lost, s.lostCh = nil, nil
	s.mu.Unlock()

	attempts := []utils.CaptureArgs{
		{Format: s.opts.Format, Device: s.opts.Device, Width: s.opts.Width, Height: s.opts.Height, FPS: s.opts.FPS, Mirror: s.opts.Mirror},
		{Format: s.opts.Format, Device: s.opts.Device, Mirror: s.opts.Mirror},
	}

	var last *CameraError
	for i, args := range attempts {
		err := s.open(ctx, args)
		if err == nil {
			slog.Info("camera acquired", "device", args.Device, "format", args.Format, "constrained", i == 0)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !errors.As(err, &last) {
			last = &CameraError{Kind: KindOther, Err: err}
		}
		slog.Warn("camera request failed", "device", args.Device, "constrained", i == 0, "kind", last.Kind, "err", last.Err)
	}
	return last
}

func (s *Source) open(ctx context.Context, args utils.CaptureArgs) error {
	runCtx, cancel := context.WithCancel(context.Background())
	stream, err := s.opener(runCtx, args)
	if err != nil {
		cancel()
		return &CameraError{Kind: Classify(err, ""), Err: err}
	}

	first := make(chan struct{})
	done := make(chan struct{})
	var pumpErr error
	go func() {
		defer close(done)
		pumpErr = s.pump(stream, first)
	}()

	timer := time.NewTimer(s.opts.ReadyTimeout)
	defer timer.Stop()

	fail := func(err error) error {
		cancel()
		stream.Stop()
		<-done
		s.mu.Lock()
		s.latest, s.unread = nil, false
		s.mu.Unlock()
		s.ready.Store(false)
		logs := stream.Logs()
		return &CameraError{Kind: Classify(err, logs), Err: err, Logs: logs}
	}

	select {
	case <-first:
	case <-done:
		err := pumpErr
		if err == nil {
			err = errors.New("capture ended before the first frame")
		}
		return fail(err)
	case <-timer.C:
		return fail(fmt.Errorf("no frame within %s", s.opts.ReadyTimeout))
	case <-ctx.Done():
		fail(ctx.Err())
		return ctx.Err()
	}

	s.mu.Lock()
	s.epoch++
	epoch := s.epoch
	s.stream = stream
	s.cancel = cancel
	s.done = done
	s.started = true
	s.lostCh = make(chan struct{})
	s.mu.Unlock()

	go s.watch(epoch, stream, done, &pumpErr)
	return nil
}

// watch records the end of a stream that was not released, e.g. the device
// was unplugged or ffmpeg crashed.
func (s *Source) watch(epoch uint64, stream Stream, done <-chan struct{}, pumpErr *error) {
	<-done
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started || s.epoch != epoch {
		return
	}
	err := *pumpErr
	if err == nil {
		err = errors.New("capture stream ended")
	}
	logs := stream.Logs()
	ce := &CameraError{Kind: Classify(err, logs), Err: err, Logs: logs}
	s.lost = ce
	close(s.lostCh)
	slog.Error("camera stream lost", "kind", ce.Kind, "err", err)
}

// pump splits the stream into JPEG images and publishes them. first is
// closed on the first complete image, decodable or not.
func (s *Source) pump(r io.Reader, first chan struct{}) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 1024*1024), 16*1024*1024)
	scanner.Split(utils.SplitJpeg)

	var seq uint64
	signaled := false
	for scanner.Scan() {
		if !signaled {
			close(first)
			signaled = true
		}
		data := append([]byte(nil), scanner.Bytes()...)

		// Readiness needs known dimensions; undecodable images are skipped.
		cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
		if err != nil {
			continue
		}
		seq++
		s.publish(&types.Frame{Seq: seq, Data: data, Width: cfg.Width, Height: cfg.Height, Timestamp: time.Now()})
	}
	s.ready.Store(false)
	return scanner.Err()
}

func (s *Source) publish(f *types.Frame) {
	s.mu.Lock()
	if s.latest != nil && s.unread {
		s.overwritten.Add(1)
	}
	s.latest = f
	s.unread = true
	s.mu.Unlock()

	s.decoded.Add(1)
	s.ready.Store(true)
}

// Ready reports whether a frame with known dimensions is available.
func (s *Source) Ready() bool { return s.ready.Load() }

// Current returns the newest frame. The frame is shared and read-only.
func (s *Source) Current() (types.Frame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.latest == nil || !s.ready.Load() {
		return types.Frame{}, false
	}
	s.unread = false
	return *s.latest, true
}

// Err returns a *CameraError once an acquired stream has ended on its own,
// nil otherwise. Acquire clears it.
func (s *Source) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lost
}

// Done is closed when an acquired stream ends on its own. It is nil before
// the first successful Acquire.
func (s *Source) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lostCh
}

func (s *Source) Stats() Stats {
	return Stats{FramesDecoded: s.decoded.Load(), FramesOverwritten: s.overwritten.Load()}
}

// Release stops the capture. Safe to call at any time, any number of times.
func (s *Source) Release() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	stream, cancel, done := s.stream, s.cancel, s.done
	s.stream, s.cancel, s.done = nil, nil, nil
	s.latest = nil
	s.unread = false
	s.started = false
	s.mu.Unlock()

	cancel()
	stream.Stop()
	<-done
	s.ready.Store(false)
	slog.Debug("camera released")
}

// FFmpegOpener starts ffmpeg reading the camera and streaming MJPEG.
func FFmpegOpener(ctx context.Context, args utils.CaptureArgs) (Stream, error) {
	if err := utils.CheckDependency("ffmpeg"); err != nil {
		return nil, &CameraError{Kind: KindUnsupported, Err: err}
	}
	cmd := utils.NewFFmpegCaptureCmd(ctx, args)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &ffmpegStream{cmd: cmd, stdout: stdout}, nil
}

type ffmpegStream struct {
	cmd    *utils.SafeCommand
	stdout io.ReadCloser
	once   sync.Once
	err    error
}

func (f *ffmpegStream) Read(p []byte) (int, error) { return f.stdout.Read(p) }

func (f *ffmpegStream) Stop() error {
	f.once.Do(func() {
		if f.cmd.Process != nil {
			f.cmd.Process.Kill()
		}
		f.err = f.cmd.Wait()
	})
	return f.err
}

func (f *ffmpegStream) Logs() string { return f.cmd.Logs() }
