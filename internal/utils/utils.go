package utils

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"github.com/fatih/color"
)

// --- 1. Process Safety & Command Wrapping ---

// SafeCommand wraps an exec.Cmd and keeps its stderr (Python or ffmpeg logs)
// so a crash can be explained after the fact.
type SafeCommand struct {
	*exec.Cmd
	Stderr *LockedBuffer
}

// LockedBuffer is a bytes.Buffer that tolerates the process writing while
// another goroutine inspects it.
type LockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *LockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *LockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (b *LockedBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Len()
}

// NewSafeCommand prepares (but does not start) a command bound to ctx with
// its stderr captured.
func NewSafeCommand(ctx context.Context, name string, args ...string) *SafeCommand {
	cmd := exec.CommandContext(ctx, name, args...)
	stderr := &LockedBuffer{}
	cmd.Stderr = stderr
	return &SafeCommand{Cmd: cmd, Stderr: stderr}
}

// Logs returns whatever the process wrote to stderr so far.
func (s *SafeCommand) Logs() string {
	if s == nil || s.Stderr == nil {
		return ""
	}
	return s.Stderr.String()
}

// --- 2. Error Presentation ---

var errorOut io.Writer = os.Stderr

// ShowError prints the boxed error report without exiting. Captured process
// logs are included when s is non-nil.
func ShowError(title string, err error, s *SafeCommand) {
	red := color.New(color.FgRed, color.Bold).SprintFunc()
	faint := color.New(color.Faint).SprintFunc()

	fmt.Fprintf(errorOut, "\n---------------------------------------------------------\n")
	fmt.Fprintf(errorOut, "🚨 %s %s\n", red("POISE ERROR:"), title)
	if err != nil {
		fmt.Fprintf(errorOut, "DETAILS: %v\n", err)
	}
	if logs := s.Logs(); logs != "" {
		fmt.Fprintf(errorOut, "\nPROCESS LOGS:\n%s\n", faint(strings.TrimSpace(logs)))
	}
	fmt.Fprintf(errorOut, "---------------------------------------------------------\n")
}

// Die is the unified exit strategy: report, then exit 1.
func Die(title string, err error, s *SafeCommand) {
	ShowError(title, err, s)
	os.Exit(1)
}

// Warn prints a one-line yellow warning.
func Warn(format string, args ...any) {
	fmt.Fprintf(errorOut, "%s %s\n", color.YellowString("⚠️ "), fmt.Sprintf(format, args...))
}

// --- 3. Video Engine ---

var (
	JpegSOI = []byte{0xFF, 0xD8} // Start of Image
	JpegEOI = []byte{0xFF, 0xD9} // End of Image
)

// SplitJpeg is a bufio.SplitFunc that yields whole JPEG images by locating
// the SOI (FFD8) and EOI (FFD9) markers.
func SplitJpeg(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	start := bytes.Index(data, JpegSOI)
	if start == -1 {
		return 0, nil, nil
	}
	end := bytes.Index(data[start:], JpegEOI)
	if end == -1 {
		return 0, nil, nil
	}
	return start + end + 2, data[start : start+end+2], nil
}

// CaptureArgs describes one ffmpeg camera capture attempt. Zero Width,
// Height or FPS leaves the choice to the device.
type CaptureArgs struct {
	Format string // v4l2, avfoundation, dshow
	Device string
	Width  int
	Height int
	FPS    int
	Mirror bool
}

// DefaultCaptureFormat returns the ffmpeg input format for the host OS.
func DefaultCaptureFormat() string {
	switch runtime.GOOS {
	case "darwin":
		return "avfoundation"
	case "windows":
		return "dshow"
	default:
		return "v4l2"
	}
}

// DefaultCaptureDevice returns the conventional first camera for a format.
func DefaultCaptureDevice(format string) string {
	switch format {
	case "avfoundation":
		return "0"
	case "dshow":
		return "video=Integrated Camera"
	default:
		return "/dev/video0"
	}
}

// FFmpegCaptureArgs builds the argument list that streams a camera as MJPEG
// frames on stdout.
func FFmpegCaptureArgs(a CaptureArgs) []string {
	args := []string{"-hide_banner", "-loglevel", "error", "-f", a.Format}
	if a.Width > 0 && a.Height > 0 {
		args = append(args, "-video_size", fmt.Sprintf("%dx%d", a.Width, a.Height))
	}
	if a.FPS > 0 {
		args = append(args, "-framerate", strconv.Itoa(a.FPS))
	}
	args = append(args, "-i", a.Device)
	if a.Mirror {
		args = append(args, "-vf", "hflip")
	}
	return append(args, "-f", "image2pipe", "-vcodec", "mjpeg", "-q:v", "5", "-")
}

// NewFFmpegCaptureCmd prepares the capture process. Stdout carries the
// MJPEG stream; stderr is kept for error classification.
func NewFFmpegCaptureCmd(ctx context.Context, a CaptureArgs) *SafeCommand {
	return NewSafeCommand(ctx, "ffmpeg", FFmpegCaptureArgs(a)...)
}

// CheckDependency reports whether an external binary is on PATH.
func CheckDependency(name string) error {
	if _, err := exec.LookPath(name); err != nil {
		return fmt.Errorf("%s not found in PATH: %w", name, err)
	}
	return nil
}
