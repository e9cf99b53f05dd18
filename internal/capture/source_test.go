package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"os/exec"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/andresmejia3/poise/internal/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStream struct {
	*io.PipeReader
	w       *io.PipeWriter
	logs    string
	stopped atomic.Int32
}

func newFakeStream(logs string) *fakeStream {
	r, w := io.Pipe()
	return &fakeStream{PipeReader: r, w: w, logs: logs}
}

func (f *fakeStream) Stop() error {
	f.stopped.Add(1)
	return f.PipeReader.Close()
}

func (f *fakeStream) Logs() string { return f.logs }

func jpegFrame(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, image.NewRGBA(image.Rect(0, 0, w, h)), nil))
	return buf.Bytes()
}

// scriptedOpener hands out prepared streams in order and records the args.
type scriptedOpener struct {
	mu      sync.Mutex
	streams []*fakeStream
	errs    []error
	args    []utils.CaptureArgs
}

func (o *scriptedOpener) open(_ context.Context, args utils.CaptureArgs) (Stream, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	i := len(o.args)
	o.args = append(o.args, args)
	if i < len(o.errs) && o.errs[i] != nil {
		return nil, o.errs[i]
	}
	return o.streams[i], nil
}

func testOptions() Options {
	return Options{Format: "v4l2", Device: "/dev/video0", Width: 640, Height: 480, FPS: 30, ReadyTimeout: time.Second}
}

func TestAcquire_Constrained(t *testing.T) {
	st := newFakeStream("")
	op := &scriptedOpener{streams: []*fakeStream{st}}
	src := NewSourceWithOpener(testOptions(), op.open)
	defer src.Release()

	go st.w.Write(jpegFrame(t, 64, 48))

	require.NoError(t, src.Acquire(context.Background()))
	require.Len(t, op.args, 1)
	assert.Equal(t, 640, op.args[0].Width)
	assert.Equal(t, 30, op.args[0].FPS)

	require.Eventually(t, src.Ready, time.Second, 5*time.Millisecond)
	f, ok := src.Current()
	require.True(t, ok)
	assert.Equal(t, 64, f.Width)
	assert.Equal(t, 48, f.Height)
	assert.Equal(t, uint64(1), f.Seq)
}

func TestAcquire_FallsBackToUnconstrained(t *testing.T) {
	bad := newFakeStream("[video4linux2] VIDIOC_S_FMT: Invalid argument")
	good := newFakeStream("")
	op := &scriptedOpener{streams: []*fakeStream{bad, good}}
	src := NewSourceWithOpener(testOptions(), op.open)
	defer src.Release()

	bad.w.Close()
	go good.w.Write(jpegFrame(t, 32, 32))

	require.NoError(t, src.Acquire(context.Background()))
	require.Len(t, op.args, 2)
	assert.Zero(t, op.args[1].Width)
	assert.Zero(t, op.args[1].FPS)
	assert.Equal(t, int32(1), bad.stopped.Load())
}

func TestAcquire_Errors(t *testing.T) {
	tests := []struct {
		name    string
		logs    string
		openErr error
		kind    ErrorKind
		message string
	}{
		{"permission", "/dev/video0: Permission denied", nil, KindPermissionDenied, "Camera access denied. Please allow camera permissions and refresh."},
		{"missing device", "/dev/video0: No such file or directory", nil, KindNotFound, "No camera found. Please connect a camera and refresh."},
		{"unknown format", "Unknown input format: 'v4l2'", nil, KindUnsupported, "Camera not supported on this system."},
		{"ffmpeg missing", "", exec.ErrNotFound, KindUnsupported, "Camera not supported on this system."},
		{"other", "something odd happened", nil, KindOther, "Initialization failed: "},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			op := &scriptedOpener{}
			for i := 0; i < 2; i++ {
				st := newFakeStream(tt.logs)
				st.w.Close()
				op.streams = append(op.streams, st)
				op.errs = append(op.errs, tt.openErr)
			}
			src := NewSourceWithOpener(testOptions(), op.open)

			err := src.Acquire(context.Background())
			var ce *CameraError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, tt.kind, ce.Kind)
			assert.Contains(t, ce.Message(), tt.message)
			assert.Len(t, op.args, 2, "both requests must be tried")
			assert.False(t, src.Ready())
		})
	}
}

func TestAcquire_ReadyTimeout(t *testing.T) {
	op := &scriptedOpener{streams: []*fakeStream{newFakeStream(""), newFakeStream("")}}
	opts := testOptions()
	opts.ReadyTimeout = 20 * time.Millisecond
	src := NewSourceWithOpener(opts, op.open)

	err := src.Acquire(context.Background())
	var ce *CameraError
	require.ErrorAs(t, err, &ce)
	assert.Contains(t, err.Error(), "no frame within")
}

func TestSource_LatestFrameWins(t *testing.T) {
	st := newFakeStream("")
	op := &scriptedOpener{streams: []*fakeStream{st}}
	src := NewSourceWithOpener(testOptions(), op.open)
	defer src.Release()

	frame := jpegFrame(t, 16, 16)
	go func() {
		for i := 0; i < 3; i++ {
			st.w.Write(frame)
		}
	}()
	require.NoError(t, src.Acquire(context.Background()))
	require.Eventually(t, func() bool { return src.Stats().FramesDecoded == 3 }, time.Second, 5*time.Millisecond)

	f, ok := src.Current()
	require.True(t, ok)
	assert.Equal(t, uint64(3), f.Seq)
	assert.Equal(t, uint64(2), src.Stats().FramesOverwritten)
}

func TestSource_NotReadyUntilDecodable(t *testing.T) {
	st := newFakeStream("")
	op := &scriptedOpener{streams: []*fakeStream{st}}
	src := NewSourceWithOpener(testOptions(), op.open)
	defer src.Release()

	// Delimited but not a decodable image.
	go st.w.Write([]byte{0xFF, 0xD8, 0x00, 0x01, 0xFF, 0xD9})
	require.NoError(t, src.Acquire(context.Background()))

	assert.False(t, src.Ready())
	_, ok := src.Current()
	assert.False(t, ok)

	go st.w.Write(jpegFrame(t, 8, 8))
	assert.Eventually(t, src.Ready, time.Second, 5*time.Millisecond)
}

func TestRelease_Idempotent(t *testing.T) {
	src := NewSourceWithOpener(testOptions(), (&scriptedOpener{}).open)
	src.Release() // never acquired

	st := newFakeStream("")
	op := &scriptedOpener{streams: []*fakeStream{st}}
	src = NewSourceWithOpener(testOptions(), op.open)
	go st.w.Write(jpegFrame(t, 8, 8))
	require.NoError(t, src.Acquire(context.Background()))
	require.Eventually(t, src.Ready, time.Second, 5*time.Millisecond)

	src.Release()
	src.Release()

	assert.False(t, src.Ready())
	_, ok := src.Current()
	assert.False(t, ok)
	assert.Equal(t, int32(1), st.stopped.Load())
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		logs string
		want ErrorKind
	}{
		{nil, "Permission denied", KindPermissionDenied},
		{errors.New("exit status 1"), "Cannot open video device /dev/video9", KindNotFound},
		{fmt.Errorf("start: %w", exec.ErrNotFound), "", KindUnsupported},
		{&CameraError{Kind: KindNotFound}, "permission denied", KindNotFound},
		{errors.New("exit status 1"), "", KindOther},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Classify(tt.err, tt.logs), "logs=%q err=%v", tt.logs, tt.err)
	}
}

func TestSource_StreamLostAfterAcquire(t *testing.T) {
	st := newFakeStream("[video4linux2] /dev/video0: No such device")
	op := &scriptedOpener{streams: []*fakeStream{st}}
	src := NewSourceWithOpener(testOptions(), op.open)
	defer src.Release()

	go st.w.Write(jpegFrame(t, 8, 8))
	require.NoError(t, src.Acquire(context.Background()))
	require.Eventually(t, src.Ready, time.Second, 5*time.Millisecond)
	assert.NoError(t, src.Err())

	// The device disappears mid-session.
	st.w.Close()

	select {
	case <-src.Done():
	case <-time.After(time.Second):
		t.Fatal("Done was not closed after the stream ended")
	}
	assert.False(t, src.Ready())
	var ce *CameraError
	require.ErrorAs(t, src.Err(), &ce)
	assert.Equal(t, KindNotFound, ce.Kind)
	assert.Equal(t, "No camera found. Please connect a camera and refresh.", ce.Message())
}

func TestSource_ReleaseIsNotALoss(t *testing.T) {
	st := newFakeStream("")
	again := newFakeStream("")
	op := &scriptedOpener{streams: []*fakeStream{st, again}}
	src := NewSourceWithOpener(testOptions(), op.open)
	defer src.Release()

	go st.w.Write(jpegFrame(t, 8, 8))
	require.NoError(t, src.Acquire(context.Background()))
	done := src.Done()
	src.Release()

	assert.NoError(t, src.Err())
	select {
	case <-done:
		t.Fatal("Done closed by an explicit Release")
	case <-time.After(20 * time.Millisecond):
	}

	go again.w.Write(jpegFrame(t, 8, 8))
	require.NoError(t, src.Acquire(context.Background()))
	assert.NoError(t, src.Err())
}
