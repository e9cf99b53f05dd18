// Package config turns the raw values gathered by viper (flags, env,
// .poise.yaml) into a validated Config.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/andresmejia3/poise/internal/analysis"
	"github.com/andresmejia3/poise/internal/capture"
	"github.com/andresmejia3/poise/internal/detect"
	"github.com/andresmejia3/poise/internal/scheduler"
	"github.com/andresmejia3/poise/internal/utils"
)

// Default values for configuration.
const (
	DefaultPython        = "python3"
	DefaultWorkerScript  = "python/poise_worker.py"
	DefaultPoseModel     = "auto"
	DefaultStartup       = "60s"
	DefaultLogLevel      = "info"
	DefaultMQTTTopic     = "poise/{session_id}/state"
	DefaultMQTTClientID  = "poise"
	DefaultCaptureWidth  = 640
	DefaultCaptureHeight = 480
	DefaultCaptureFPS    = 30
)

// PostureRaw holds optional posture threshold overrides from the config file.
type PostureRaw struct {
	MinConfidence   *float64 `mapstructure:"min_confidence"`
	ShoulderTilt    *float64 `mapstructure:"shoulder_tilt"`
	SlouchRatio     *float64 `mapstructure:"slouch_ratio"`
	HipTiltPixels   *float64 `mapstructure:"hip_tilt_px"`
	LevelShoulderPx *float64 `mapstructure:"level_shoulder_px"`
}

// EmotionRaw holds optional emotion threshold overrides. Only the headline
// cut-offs are exposed; the full set stays in code.
type EmotionRaw struct {
	CryingEyesBelow     *float64 `mapstructure:"crying_eyes_below"`
	SadCurvatureBelow   *float64 `mapstructure:"sad_curvature_below"`
	HappyCurvatureAbove *float64 `mapstructure:"happy_curvature_above"`
}

// ConfigRawInput holds the raw inputs from all sources. Viper unmarshals
// into this struct.
type ConfigRawInput struct {
	// --- Capture ---
	Input      string `mapstructure:"input"`
	Format     string `mapstructure:"format"`
	Width      int    `mapstructure:"width"`
	Height     int    `mapstructure:"height"`
	CaptureFPS int    `mapstructure:"capture-fps"`
	Mirror     bool   `mapstructure:"mirror"`

	// --- Models ---
	Python         string `mapstructure:"python"`
	WorkerScript   string `mapstructure:"worker-script"`
	PoseModel      string `mapstructure:"pose-model"`
	NoFace         bool   `mapstructure:"no-face"`
	StartupTimeout string `mapstructure:"startup-timeout"`

	// --- Loop ---
	TargetFPS     int    `mapstructure:"target-fps"`
	DegradedFPS   int    `mapstructure:"degraded-fps"`
	BackoffAfter  int    `mapstructure:"backoff-after"`
	ErrorBudget   int    `mapstructure:"error-budget"`
	FaceEvery     int    `mapstructure:"face-every"`
	FallbackEvery int    `mapstructure:"fallback-every"`
	PoseTimeout   string `mapstructure:"pose-timeout"`
	FaceTimeout   string `mapstructure:"face-timeout"`

	// --- Smoothing ---
	HistorySize        int     `mapstructure:"history-size"`
	SmoothingThreshold float64 `mapstructure:"smoothing-threshold"`

	// --- Output ---
	LogLevel     string `mapstructure:"log-level"`
	Debug        bool   `mapstructure:"debug"`
	OverlayOut   string `mapstructure:"overlay-out"`
	MQTTBroker   string `mapstructure:"mqtt-broker"`
	MQTTTopic    string `mapstructure:"mqtt-topic"`
	MQTTClientID string `mapstructure:"mqtt-client-id"`
	NoSave       bool   `mapstructure:"no-save"`

	// --- Thresholds from the config file ---
	Posture PostureRaw `mapstructure:"posture"`
	Emotion EmotionRaw `mapstructure:"emotion"`
}

// MQTT configures the optional snapshot emitter. An empty Broker disables it.
type MQTT struct {
	Broker   string
	Topic    string
	ClientID string
}

// Config is the final, validated configuration.
type Config struct {
	Capture            capture.Options
	Python             detect.PythonRuntime
	PoseTiers          []detect.ModelConfig
	FaceEnabled        bool
	Loop               scheduler.Config
	HistorySize        int
	SmoothingThreshold float64
	LogLevel           slog.Level
	Debug              bool
	OverlayOut         string
	MQTT               MQTT
	SaveSession        bool
}

// DefaultRawInput mirrors the viper defaults, for callers that skip viper.
func DefaultRawInput() *ConfigRawInput {
	loop := scheduler.DefaultConfig()
	return &ConfigRawInput{
		Width:              DefaultCaptureWidth,
		Height:             DefaultCaptureHeight,
		CaptureFPS:         DefaultCaptureFPS,
		Python:             DefaultPython,
		WorkerScript:       DefaultWorkerScript,
		PoseModel:          DefaultPoseModel,
		StartupTimeout:     DefaultStartup,
		TargetFPS:          loop.TargetFPS,
		DegradedFPS:        loop.DegradedFPS,
		BackoffAfter:       loop.BackoffAfter,
		ErrorBudget:        loop.ErrorBudget,
		FaceEvery:          loop.FaceEvery,
		FallbackEvery:      loop.FallbackEvery,
		PoseTimeout:        loop.PoseTimeout.String(),
		FaceTimeout:        loop.FaceTimeout.String(),
		HistorySize:        analysis.DefaultHistorySize,
		SmoothingThreshold: analysis.DefaultSupermajority,
		LogLevel:           DefaultLogLevel,
		MQTTTopic:          DefaultMQTTTopic,
		MQTTClientID:       DefaultMQTTClientID,
	}
}

// ProcessAndValidate validates input and populates cfg.
func ProcessAndValidate(cfg *Config, input *ConfigRawInput) error {
	// --- 1. Capture ---
	if input.Width < 0 || input.Height < 0 || input.CaptureFPS < 0 {
		return fmt.Errorf("capture size and rate cannot be negative (received %dx%d@%d)", input.Width, input.Height, input.CaptureFPS)
	}
	opts := capture.DefaultOptions()
	if input.Format != "" {
		opts.Format = input.Format
		opts.Device = utils.DefaultCaptureDevice(input.Format)
	}
	if input.Input != "" {
		opts.Device = input.Input
	}
	opts.Width, opts.Height, opts.FPS = input.Width, input.Height, input.CaptureFPS
	opts.Mirror = input.Mirror
	cfg.Capture = opts

	// --- 2. Models ---
	startup, err := parseDuration("startup-timeout", input.StartupTimeout)
	if err != nil {
		return err
	}
	if input.Python == "" || input.WorkerScript == "" {
		return fmt.Errorf("python and worker-script must be set")
	}
	cfg.Python = detect.PythonRuntime{Python: input.Python, Script: input.WorkerScript, StartupTimeout: startup}

	switch model := strings.ToLower(input.PoseModel); model {
	case "", "auto":
		cfg.PoseTiers = []detect.ModelConfig{detect.Thunder, detect.Lightning}
	default:
		tier, ok := detect.PoseTiers[model]
		if !ok {
			return fmt.Errorf("invalid pose-model '%s'. must be auto, thunder, lightning", input.PoseModel)
		}
		cfg.PoseTiers = []detect.ModelConfig{tier}
	}
	cfg.FaceEnabled = !input.NoFace

	// --- 3. Loop ---
	loop := scheduler.DefaultConfig()
	if input.TargetFPS <= 0 {
		return fmt.Errorf("target-fps must be greater than 0 (received %d)", input.TargetFPS)
	}
	if input.DegradedFPS <= 0 || input.DegradedFPS > input.TargetFPS {
		return fmt.Errorf("degraded-fps must be between 1 and target-fps %d (received %d)", input.TargetFPS, input.DegradedFPS)
	}
	if input.ErrorBudget < 1 {
		return fmt.Errorf("error-budget must be at least 1 (received %d)", input.ErrorBudget)
	}
	if input.BackoffAfter < 0 {
		return fmt.Errorf("backoff-after cannot be negative (received %d)", input.BackoffAfter)
	}
	if input.FaceEvery < 1 || input.FallbackEvery < 1 {
		return fmt.Errorf("face-every and fallback-every must be at least 1 (received %d, %d)", input.FaceEvery, input.FallbackEvery)
	}
	loop.TargetFPS = input.TargetFPS
	loop.DegradedFPS = input.DegradedFPS
	loop.ErrorBudget = input.ErrorBudget
	loop.BackoffAfter = input.BackoffAfter
	loop.FaceEvery = input.FaceEvery
	loop.FallbackEvery = input.FallbackEvery

	if loop.PoseTimeout, err = parseDuration("pose-timeout", input.PoseTimeout); err != nil {
		return err
	}
	if loop.FaceTimeout, err = parseDuration("face-timeout", input.FaceTimeout); err != nil {
		return err
	}
	applyPosture(&loop.Posture, input.Posture)
	applyEmotion(&loop.Emotion, input.Emotion)
	cfg.Loop = loop

	// --- 4. Smoothing ---
	if input.HistorySize < 1 {
		return fmt.Errorf("history-size must be at least 1 (received %d)", input.HistorySize)
	}
	if input.SmoothingThreshold <= 0 || input.SmoothingThreshold > 1 {
		return fmt.Errorf("smoothing-threshold must be in (0, 1] (received %g)", input.SmoothingThreshold)
	}
	cfg.HistorySize = input.HistorySize
	cfg.SmoothingThreshold = input.SmoothingThreshold

	// --- 5. Output ---
	level, err := ParseLogLevel(input.LogLevel)
	if err != nil {
		return err
	}
	cfg.LogLevel = level
	cfg.Debug = input.Debug
	cfg.OverlayOut = input.OverlayOut
	cfg.SaveSession = !input.NoSave

	if input.MQTTBroker != "" {
		if err := validateBroker(input.MQTTBroker); err != nil {
			return err
		}
		if input.MQTTTopic == "" {
			return fmt.Errorf("mqtt-topic cannot be empty when a broker is set")
		}
	}
	cfg.MQTT = MQTT{Broker: input.MQTTBroker, Topic: input.MQTTTopic, ClientID: input.MQTTClientID}

	return nil
}

func parseDuration(name, s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s '%s': %w", name, s, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive (received %s)", name, s)
	}
	return d, nil
}

// ParseLogLevel maps debug|info|warn|error to a slog level.
func ParseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("invalid log-level '%s'. must be debug, info, warn, error", s)
	}
}

var brokerSchemes = map[string]bool{"tcp": true, "ssl": true, "tls": true, "ws": true, "wss": true, "mqtt": true, "mqtts": true}

func validateBroker(broker string) error {
	u, err := url.Parse(broker)
	if err != nil || u.Host == "" || !brokerSchemes[u.Scheme] {
		return fmt.Errorf("invalid mqtt-broker '%s'. expected scheme://host:port with scheme tcp, ssl, ws or wss", broker)
	}
	return nil
}

func applyPosture(t *analysis.PostureThresholds, raw PostureRaw) {
	set(&t.MinConfidence, raw.MinConfidence)
	set(&t.ShoulderTilt, raw.ShoulderTilt)
	set(&t.SlouchRatio, raw.SlouchRatio)
	set(&t.HipTiltPixels, raw.HipTiltPixels)
	set(&t.LevelShoulderPx, raw.LevelShoulderPx)
}

func applyEmotion(t *analysis.EmotionThresholds, raw EmotionRaw) {
	set(&t.CryingEyesBelow, raw.CryingEyesBelow)
	set(&t.SadCurvatureBelow, raw.SadCurvatureBelow)
	set(&t.HappyCurvatureAbove, raw.HappyCurvatureAbove)
}

func set(dst *float64, v *float64) {
	if v != nil {
		*dst = *v
	}
}
