package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/poise/internal/analysis"
	"github.com/andresmejia3/poise/internal/config"
	"github.com/andresmejia3/poise/internal/types"
	"github.com/andresmejia3/poise/internal/utils"
)

var (
	classifyKind   string
	classifySmooth bool
)

var classifyCmd = &cobra.Command{
	Use:   "classify <keypoints.json>",
	Short: "Classify recorded detector output (pose or face keypoints)",
	Long: `Runs the posture or emotion heuristics over a JSON file holding one result
or an array of results, exactly as the detector worker returns them.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			utils.ShowError("Invalid configuration", err, nil)
			return err
		}
		data, err := os.ReadFile(args[0])
		if err != nil {
			utils.ShowError("Failed to read keypoints file", err, nil)
			return err
		}
		return runClassify(cmd.OutOrStdout(), data, classifyKind, classifySmooth, cfg)
	},
}

func init() {
	classifyCmd.Flags().StringVarP(&classifyKind, "kind", "k", "pose", "Result kind: pose or face")
	classifyCmd.Flags().BoolVar(&classifySmooth, "smooth", false, "Smooth face results in order, as the live loop does")
	rootCmd.AddCommand(classifyCmd)
}

func runClassify(w io.Writer, data []byte, kind string, smooth bool, cfg *config.Config) error {
	tw := tabwriter.NewWriter(w, 0, 0, 3, ' ', 0)
	defer tw.Flush()

	switch kind {
	case "pose":
		poses, err := decodeResults[types.PoseResult](data)
		if err != nil {
			return err
		}
		fmt.Fprintln(tw, "#\tPOSTURE\tSCORE")
		fmt.Fprintln(tw, "-\t-------\t-----")
		for i, p := range poses {
			c := cfg.Loop.Posture.Classify(p)
			fmt.Fprintf(tw, "%d\t%s\t%d/100\n", i, c.Label, c.Score)
		}
	case "face":
		faces, err := decodeResults[types.FaceResult](data)
		if err != nil {
			return err
		}
		history := analysis.NewHistory(cfg.HistorySize)
		fmt.Fprintln(tw, "#\tEMOTION\tSCORE\tMOUTH OPEN\tCURVATURE\tEYES\tBROWS")
		fmt.Fprintln(tw, "-\t-------\t-----\t----------\t---------\t----\t-----")
		for i := range faces {
			raw := cfg.Loop.Emotion.Analyze(&faces[i])
			shown := raw
			if smooth {
				shown = analysis.SmoothWith(raw, history.Items(), cfg.SmoothingThreshold)
				history.Push(raw)
			}
			f := raw.Features
			if f == nil {
				f = &types.Features{}
			}
			fmt.Fprintf(tw, "%d\t%s %s\t%.0f%%\t%.3f\t%.3f\t%.3f\t%.1f\n", i, shown.Emoji, shown.Label, shown.Score*100,
				f.MouthOpenness, f.MouthCurvature, f.AvgEyeOpenness, f.EyebrowHeight)
		}
	default:
		return fmt.Errorf("invalid kind '%s'. must be pose or face", kind)
	}
	return nil
}

// decodeResults accepts either a single result object or an array of them.
func decodeResults[T any](data []byte) ([]T, error) {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '[' {
		var out []T
		if err := json.Unmarshal(data, &out); err != nil {
			return nil, fmt.Errorf("failed to decode results: %w", err)
		}
		return out, nil
	}
	var one T
	if err := json.Unmarshal(data, &one); err != nil {
		return nil, fmt.Errorf("failed to decode result: %w", err)
	}
	return []T{one}, nil
}
