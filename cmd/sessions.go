package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/andresmejia3/poise/internal/utils"
	"github.com/spf13/cobra"
)

var sessionsLimit int

var sessionsCmd = &cobra.Command{
	Use:         "sessions",
	Short:       "List stored practice session reports",
	Annotations: map[string]string{dbAnnotation: "required"},
	Run: func(cmd *cobra.Command, args []string) {
		records, err := DB.ListSessions(cmd.Context(), sessionsLimit)
		if err != nil {
			utils.Die("Failed to list sessions", err, nil)
		}

		if len(records) == 0 {
			fmt.Println("No sessions found in database.")
			return
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "ID\tLABEL\tSTARTED\tDURATION\tTICKS\tPOSTURE\tEMOTION\tSTATE")
		fmt.Fprintln(w, "--\t-----\t-------\t--------\t-----\t-------\t-------\t-----")

		for _, r := range records {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
				r.ID, orDash(r.Label), r.StartedAt.Local().Format("2006-01-02 15:04"),
				r.Duration().Round(time.Second), r.Ticks,
				orDash(r.DominantPosture), orDash(r.DominantEmotion), r.FinalState)
		}
		w.Flush()
	},
}

func init() {
	sessionsCmd.Flags().IntVarP(&sessionsLimit, "limit", "n", 20, "Number of sessions to show (0 for all)")
	rootCmd.AddCommand(sessionsCmd)
}
