package cmd

import (
	"fmt"

	"github.com/andresmejia3/poise/internal/utils"
	"github.com/spf13/cobra"
)

var labelCmd = &cobra.Command{
	Use:         "label <session_id> <name>",
	Short:       "Name a stored session, e.g. after the candidate who practiced",
	Args:        cobra.ExactArgs(2),
	Annotations: map[string]string{dbAnnotation: "required"},
	Run: func(cmd *cobra.Command, args []string) {
		id, name := args[0], args[1]

		if err := DB.LabelSession(cmd.Context(), id, name); err != nil {
			utils.Die("Failed to label session", err, nil)
		}

		fmt.Printf("✅ Session %s labeled as '%s'\n", id, name)
	},
}

func init() {
	rootCmd.AddCommand(labelCmd)
}
