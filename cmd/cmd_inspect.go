// cmd_inspect.go - Zeigt Inhalt einer Checkpoint-Datei
// Hauptfunktionen: InspectHandler
package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ollama/diffpolicy/checkpoint"
	"github.com/ollama/diffpolicy/policy"
)

func newInspectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect CHECKPOINT",
		Short: "Show metadata and tensors of a checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE:  InspectHandler,
	}
	cmd.Flags().Bool("tensors", false, "List every tensor")
	cmd.Flags().String("filter", "", "Only list tensors with this name prefix")
	return cmd
}

// InspectHandler - Gibt Format, Konfiguration und Tensor-Tabelle aus
func InspectHandler(cmd *cobra.Command, args []string) error {
	sd, meta, err := checkpoint.Load(args[0])
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "  %-16s %s\n", "format", meta.FormatVersion)
	fmt.Fprintf(w, "  %-16s %s\n", "dtype", meta.DType)
	if step, ok := meta.Extra["step"]; ok {
		fmt.Fprintf(w, "  %-16s %s\n", "step", step)
	}

	var live, shadow, total int
	for name, t := range sd.All() {
		total += t.Len()
		if strings.HasPrefix(name, policy.EMAPrefix) {
			shadow += t.Len()
		} else {
			live += t.Len()
		}
	}
	fmt.Fprintf(w, "  %-16s %d\n", "tensors", sd.Len())
	fmt.Fprintf(w, "  %-16s %s\n", "parameters", humanNumber(live))
	if shadow > 0 {
		fmt.Fprintf(w, "  %-16s %s\n", "ema parameters", humanNumber(shadow))
	}

	if len(meta.Config) > 0 {
		cfg, err := policy.ParseConfig(meta.Config)
		if err != nil {
			fmt.Fprintf(w, "  %-16s invalid: %v\n", "config", err)
		} else {
			fmt.Fprintf(w, "  %-16s %s\n", "backbone", cfg.VisionBackbone)
			fmt.Fprintf(w, "  %-16s n_obs=%d horizon=%d n_action=%d\n", "window", cfg.NObsSteps, cfg.Horizon, cfg.NActionSteps)
			fmt.Fprintf(w, "  %-16s %v\n", "down_dims", cfg.DownDims)
			fmt.Fprintf(w, "  %-16s %s (%d steps)\n", "prediction", cfg.PredictionType, cfg.NumTrainTimesteps)
		}
	}

	all, _ := cmd.Flags().GetBool("tensors")
	filter, _ := cmd.Flags().GetString("filter")
	if !all && filter == "" {
		return nil
	}

	var data [][]string
	for name, t := range sd.All() {
		if !strings.HasPrefix(name, filter) {
			continue
		}
		data = append(data, []string{name, fmt.Sprint(t.Shape()), humanNumber(t.Len())})
	}

	fmt.Fprintln(w)
	table := newTable(w, []string{"NAME", "SHAPE", "PARAMS"})
	table.AppendBulk(data)
	table.Render()
	return nil
}
