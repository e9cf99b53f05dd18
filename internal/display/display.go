// Package display renders session snapshots in the terminal: a spinner line
// carrying the posture pill and the emotion display, plus an optional debug
// panel with the raw facial features.
package display

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/andresmejia3/poise/internal/session"
	"github.com/andresmejia3/poise/internal/types"
	"github.com/schollz/progressbar/v3"
)

// Panel is a session observer. Update may be called from any goroutine.
type Panel struct {
	mu    sync.Mutex
	w     io.Writer
	bar   *progressbar.ProgressBar
	debug bool
	last  time.Time
	every time.Duration
}

// NewPanel builds a spinner on w. When debug is set the raw feature panel is
// printed below the spinner, at most once per second.
func NewPanel(w io.Writer, debug bool) *Panel {
	bar := progressbar.NewOptions(-1,
		progressbar.OptionSetDescription("⏳ Initializing..."),
		progressbar.OptionSetWriter(w),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionShowCount(),
		progressbar.OptionSetItsString("ticks"),
		progressbar.OptionClearOnFinish(),
	)
	return &Panel{w: w, bar: bar, debug: debug, every: time.Second}
}

// Update redraws the status line from snap.
func (p *Panel) Update(snap session.Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.bar.Describe(StatusLine(snap))
	_ = p.bar.Set64(int64(snap.Detections))

	if p.debug && time.Since(p.last) >= p.every {
		p.last = time.Now()
		fmt.Fprintf(p.w, "\n%s\n", DebugPanel(snap))
	}
}

// Finish stops the spinner.
func (p *Panel) Finish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	_ = p.bar.Finish()
}

// StatusLine is the one-line rendering of a snapshot.
func StatusLine(snap session.Snapshot) string {
	switch snap.State {
	case session.Initializing.String():
		return "⏳ Initializing camera and detectors..."
	case session.Error.String():
		return "❌ " + snap.Error
	}

	parts := []string{PosturePill(snap.Posture), EmotionDisplay(snap.Emotion)}
	if snap.ConsecutiveErrors > 0 {
		parts = append(parts, fmt.Sprintf("⚠️ %d", snap.ConsecutiveErrors))
	}
	return strings.Join(parts, " | ")
}

// PosturePill renders "Posture: good 85/100".
func PosturePill(p *types.PostureClassification) string {
	if p == nil {
		return "Posture: --"
	}
	return fmt.Sprintf("Posture: %s %d/100", p.Label, p.Score)
}

// EmotionDisplay renders "😊 happy 80%".
func EmotionDisplay(e *types.EmotionClassification) string {
	if e == nil {
		return "🤔 --"
	}
	return fmt.Sprintf("%s %s %.0f%%", e.Emoji, e.Label, e.Score*100)
}

// DebugPanel lists detector availability, history length, the last update
// and the raw features behind the current emotion.
func DebugPanel(snap session.Snapshot) string {
	var b strings.Builder
	face := "❌"
	if snap.FaceAvailable {
		face = "✅"
	}
	last := "never"
	if !snap.LastUpdate.IsZero() {
		last = snap.LastUpdate.Format("15:04:05.000")
	}
	fmt.Fprintf(&b, "   Face detector: %s  Pose model: %s\n", face, orNA(snap.PoseModel))
	fmt.Fprintf(&b, "   History: %d  Last update: %s\n", len(snap.History), last)

	var f *types.Features
	if snap.Emotion != nil {
		f = snap.Emotion.Features
	}
	fmt.Fprintf(&b, "   Mouth openness: %s  Mouth curvature: %s\n", feature(f, func(f *types.Features) float64 { return f.MouthOpenness }), feature(f, func(f *types.Features) float64 { return f.MouthCurvature }))
	fmt.Fprintf(&b, "   Eye openness: %s  Eyebrow height: %s", feature(f, func(f *types.Features) float64 { return f.AvgEyeOpenness }), feature(f, func(f *types.Features) float64 { return f.EyebrowHeight }))
	return b.String()
}

func feature(f *types.Features, get func(*types.Features) float64) string {
	if f == nil {
		return "N/A"
	}
	return fmt.Sprintf("%.3f", get(f))
}

func orNA(s string) string {
	if s == "" {
		return "N/A"
	}
	return s
}
