package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/poise/internal/capture"
	"github.com/andresmejia3/poise/internal/config"
	"github.com/andresmejia3/poise/internal/detect"
	"github.com/andresmejia3/poise/internal/display"
	"github.com/andresmejia3/poise/internal/emitter"
	"github.com/andresmejia3/poise/internal/overlay"
	"github.com/andresmejia3/poise/internal/scheduler"
	"github.com/andresmejia3/poise/internal/session"
	"github.com/andresmejia3/poise/internal/utils"
)

const watchLong = `Watch the camera and coach posture and emotion live.

Models are served by an external detector worker, one process per model,
started as:

  <python> -u <worker-script> --model <name> --params <json>

The default script is ` + config.DefaultWorkerScript + ` relative to the working
directory; point --worker-script (or worker-script in .poise.yaml) at your
own copy. Models requested: movenet_thunder, movenet_lightning and
mediapipe_facemesh.

Protocol (big-endian):
  stdin   request   [len u32][seq u64][opts_len u16][opts JSON][JPEG]
  FD 3    response  [len u32][seq u64][status u8][body]

len counts everything after itself. Status 0 carries a JSON body: a list
of {"keypoints":[{"name","x","y","score"}],"score"} for pose models, the
same shape per face for the face model. Status 1 carries [msg_len u32][msg].
Right after start the worker must answer seq 0 with status 0 once its model
is loaded, or status 1 if it cannot load. The worker should exit when stdin
closes; it is killed if it does not.`

var watchCmd = &cobra.Command{
	Use:         "watch",
	Short:       "Watch the camera and coach posture and emotion live",
	Long:        watchLong,
	Annotations: map[string]string{dbAnnotation: "optional"},
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			utils.ShowError("Invalid configuration", err, nil)
			return err
		}
		return runWatch(cmd.Context(), cfg, bufio.NewReader(os.Stdin))
	},
}

func init() {
	d := config.DefaultRawInput()
	f := watchCmd.Flags()

	f.StringP("input", "i", "", "Capture device (default: platform camera, e.g. /dev/video0)")
	f.String("format", "", "ffmpeg input format (v4l2, avfoundation, dshow)")
	f.Int("width", d.Width, "Requested capture width (0 lets the device choose)")
	f.Int("height", d.Height, "Requested capture height (0 lets the device choose)")
	f.Int("capture-fps", d.CaptureFPS, "Requested capture frame rate (0 lets the device choose)")
	f.Bool("mirror", false, "Mirror the captured image")

	f.String("python", d.Python, "Python interpreter running the detector worker")
	f.String("worker-script", d.WorkerScript, "Detector worker script")
	f.StringP("pose-model", "m", d.PoseModel, "Pose model: auto (thunder, then lightning), thunder, lightning")
	f.Bool("no-face", false, "Disable face detection and show fallback emotions")
	f.String("startup-timeout", d.StartupTimeout, "How long a model may take to load")

	f.Int("target-fps", d.TargetFPS, "Detection rate while healthy")
	f.Int("degraded-fps", d.DegradedFPS, "Detection rate after repeated failures")
	f.Int("backoff-after", d.BackoffAfter, "Consecutive failures tolerated before lowering the rate")
	f.Int("error-budget", d.ErrorBudget, "Consecutive failures that stop detection")
	f.Int("face-every", d.FaceEvery, "Run face detection every Nth tick")
	f.Int("fallback-every", d.FallbackEvery, "Emit a fallback emotion every Nth tick when no face detector is loaded")
	f.String("pose-timeout", d.PoseTimeout, "Pose detection timeout")
	f.String("face-timeout", d.FaceTimeout, "Face detection timeout")

	f.Int("history-size", d.HistorySize, "Emotion samples kept for smoothing")
	f.Float64("smoothing-threshold", d.SmoothingThreshold, "Share of history a label needs to override the current sample")

	f.BoolP("debug", "d", false, "Show the raw feature debug panel")
	f.String("overlay-out", "", "Write the last overlay frame (skeleton over camera image) to this JPEG")
	f.String("mqtt-broker", "", "Publish snapshots to this MQTT broker (e.g. tcp://localhost:1883)")
	f.String("mqtt-topic", d.MQTTTopic, "MQTT topic template")
	f.String("mqtt-client-id", d.MQTTClientID, "MQTT client id")
	f.Bool("no-save", false, "Do not store the session report")

	rootCmd.AddCommand(watchCmd)
}

// runWatch builds the pipeline, runs it until Ctrl+C or an unrecovered error,
// then prints and stores the session report.
func runWatch(ctx context.Context, cfg *config.Config, in *bufio.Reader) error {
	if err := utils.CheckDependency("ffmpeg"); err != nil {
		utils.ShowError("ffmpeg is required for camera capture", err, nil)
		return err
	}
	if err := checkWorkerScript(cfg.Python.Script); err != nil {
		utils.ShowError("Detector worker script not found", err, nil)
		return err
	}

	sess := session.New(session.Options{HistorySize: cfg.HistorySize, SmoothingThreshold: cfg.SmoothingThreshold})
	fmt.Fprintf(os.Stderr, "🎬 Session %s\n", sess.ID)

	det := scheduler.Detectors{
		Pose:      cfg.Python.PoseFactory(),
		PoseTiers: cfg.PoseTiers,
		FaceModel: detect.FaceMesh,
	}
	if cfg.FaceEnabled {
		det.Face = cfg.Python.FaceFactory()
	}

	cam := capture.NewSource(cfg.Capture)
	sched := scheduler.New(cfg.Loop, cam, det, sess)
	defer sched.Close()

	panel := display.NewPanel(os.Stderr, cfg.Debug)
	defer sess.Subscribe(panel.Update)()

	if cfg.MQTT.Broker != "" {
		stop, err := startEmitter(ctx, cfg.MQTT, sess)
		if err != nil {
			utils.Warn("Snapshots will not be published: %v", err)
		} else {
			defer stop()
		}
	}

	fmt.Fprintln(os.Stderr, "📷 Starting camera and detectors...")
	err := watchLoop(ctx, sched, in, os.Stderr)
	panel.Finish()
	sched.Close()

	if cfg.OverlayOut != "" {
		if werr := writeOverlay(sched.Canvas, cfg.OverlayOut); werr != nil {
			utils.Warn("Failed to write overlay: %v", werr)
		}
	}

	sum := sess.Summary()
	printSummary(os.Stderr, sum)
	if st := cam.Stats(); st.FramesDecoded > 0 {
		fmt.Fprintf(os.Stderr, "🎞️  Frames decoded: %d, skipped as stale: %d\n", st.FramesDecoded, st.FramesOverwritten)
	}
	if cfg.SaveSession && DB != nil {
		// The command context may already be cancelled by Ctrl+C.
		saveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if serr := DB.SaveSession(saveCtx, sum); serr != nil {
			utils.Warn("Failed to save session report: %v", serr)
		} else {
			fmt.Fprintf(os.Stderr, "💾 Session report saved (%s)\n", sum.ID)
		}
	}
	return err
}

// watchLoop runs the scheduler and, whenever it stops in Error, shows the
// message and offers a retry.
func watchLoop(ctx context.Context, sched *scheduler.Scheduler, in *bufio.Reader, out io.Writer) error {
	for {
		err := sched.Run(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if sched.State() != session.Error {
			return err
		}

		fmt.Fprintf(out, "\n❌ %s\n", sched.Session().Snapshot().Error)
		if !confirm(in, "🔄 Retry?") {
			return nil
		}
		if err := sched.Retry(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Debug("retry failed", "err", err)
		}
	}
}

// checkWorkerScript fails fast when the worker script is missing, before the
// camera is opened.
func checkWorkerScript(path string) error {
	st, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("worker script %q: %w (set --worker-script; see 'poise watch --help' for the protocol)", path, err)
	}
	if st.IsDir() {
		return fmt.Errorf("worker script %q is a directory", path)
	}
	return nil
}

func startEmitter(ctx context.Context, m config.MQTT, sess *session.Session) (func(), error) {
	e := emitter.NewMQTTEmitter(emitter.Options{Broker: m.Broker, ClientID: m.ClientID, Topic: m.Topic})
	if err := e.Connect(ctx); err != nil {
		return nil, err
	}
	unsubscribe := sess.Subscribe(e.Observe)

	pubCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		e.Start(pubCtx)
		close(done)
	}()
	fmt.Fprintf(os.Stderr, "📡 Publishing snapshots to %s\n", emitter.Topic(m.Topic, sess.ID))

	return func() {
		unsubscribe()
		cancel()
		<-done
		e.Close()
	}, nil
}

func writeOverlay(c overlay.Canvas, path string) error {
	rc, ok := c.(*overlay.RGBACanvas)
	if !ok {
		return fmt.Errorf("canvas %T cannot be encoded", c)
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := rc.EncodeJPEG(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func printSummary(w io.Writer, sum session.Summary) {
	fmt.Fprintf(w, "\n---------------------------------------------------------\n")
	fmt.Fprintf(w, "📊 SESSION SUMMARY\n")
	fmt.Fprintf(w, "---------------------------------------------------------\n")
	fmt.Fprintf(w, "⏱️  Duration:          %s\n", sum.EndedAt.Sub(sum.StartedAt).Round(time.Second))
	fmt.Fprintf(w, "🔁 Ticks:             %d (%d failed)\n", sum.Ticks, sum.Failures)
	fmt.Fprintf(w, "🧍 Dominant posture:  %s\n", orDash(sum.DominantPosture))
	fmt.Fprintf(w, "🙂 Dominant emotion:  %s\n", orDash(sum.DominantEmotion))
	if sum.Fallbacks > 0 {
		fmt.Fprintf(w, "🎲 Fallback emotions: %d\n", sum.Fallbacks)
	}
	if sum.ErrorMessage != "" {
		fmt.Fprintf(w, "❌ Last error:        %s\n", sum.ErrorMessage)
	}
	fmt.Fprintf(w, "---------------------------------------------------------\n")
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
