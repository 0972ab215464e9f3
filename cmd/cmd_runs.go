// cmd_runs.go - Listet Trainingslaeufe und ihre Metriken
// Hauptfunktionen: RunsHandler
package cmd

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/ollama/diffpolicy/store"
)

func newRunsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs [RUN]",
		Short: "List training runs or the step metrics of one run",
		Args:  cobra.MaximumNArgs(1),
		RunE:  RunsHandler,
	}
	cmd.Flags().Int("every", 1, "Only show every Nth step")
	return cmd
}

// RunsHandler - Ohne Argument alle Laeufe, mit RUN dessen Schritte
func RunsHandler(cmd *cobra.Command, args []string) error {
	st := &store.Store{}
	defer st.Close()

	w := cmd.OutOrStdout()
	if len(args) == 0 {
		runs, err := st.Runs()
		if err != nil {
			return err
		}

		var data [][]string
		for _, r := range runs {
			finished := "-"
			if r.FinishedAt != nil {
				finished = r.FinishedAt.Local().Format(time.DateTime)
			}
			data = append(data, []string{
				r.ID,
				r.StartedAt.Local().Format(time.DateTime),
				finished,
				strconv.Itoa(r.Steps),
				strconv.FormatFloat(r.LastLoss, 'g', 6, 64),
				r.Checkpoint,
			})
		}

		table := newTable(w, []string{"ID", "STARTED", "FINISHED", "STEPS", "LOSS", "CHECKPOINT"})
		table.AppendBulk(data)
		table.Render()
		return nil
	}

	steps, err := st.Steps(args[0])
	if err != nil {
		return err
	}

	every, _ := cmd.Flags().GetInt("every")
	every = max(every, 1)

	var data [][]string
	for i, s := range steps {
		if i%every != 0 && i != len(steps)-1 {
			continue
		}
		data = append(data, []string{
			strconv.Itoa(s.Step),
			strconv.FormatFloat(s.Loss, 'g', 6, 64),
			strconv.FormatFloat(s.GradNorm, 'g', 4, 64),
			strconv.FormatFloat(s.LR, 'e', 2, 64),
			fmt.Sprintf("%.3fs", s.UpdateS),
		})
	}

	table := newTable(w, []string{"STEP", "LOSS", "GRAD NORM", "LR", "UPDATE"})
	table.AppendBulk(data)
	table.Render()
	return nil
}
