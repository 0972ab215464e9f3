// cmd_train.go - Offline-Training aus einer Datensatz-Datei
// Hauptfunktionen: TrainHandler
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ollama/diffpolicy/envconfig"
	"github.com/ollama/diffpolicy/policy"
	"github.com/ollama/diffpolicy/store"
	"github.com/ollama/diffpolicy/trainer"
)

func newTrainCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "train DATASET",
		Short: "Train a policy on a safetensors dataset",
		Args:  cobra.ExactArgs(1),
		RunE:  TrainHandler,
	}
	cmd.Flags().StringP("config", "c", "", "Policy config (default: built-in defaults)")
	cmd.Flags().String("resume", "", "Continue from a checkpoint instead of a fresh policy")
	cmd.Flags().StringP("output", "o", "", "Output directory (default: $DIFFPOLICY_CHECKPOINTS/<timestamp>)")
	cmd.Flags().Int("steps", 0, "Optimization steps (default: offline_steps of the config)")
	cmd.Flags().Int("batch-size", 64, "Mini-batch size")
	cmd.Flags().Int("log-freq", 250, "Log every N steps")
	cmd.Flags().Int("save-freq", 25000, "Save a checkpoint every N steps (0: only at the end)")
	cmd.Flags().Bool("no-db", false, "Do not record metrics in the run database")
	return cmd
}

// TrainHandler - Laedt Datensatz und Policy, trainiert bis Ctrl+C oder --steps
func TrainHandler(cmd *cobra.Command, args []string) error {
	data, err := trainer.LoadMemoryDataset(args[0])
	if err != nil {
		return err
	}

	p, err := loadOrCreatePolicy(cmd)
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	steps, _ := flags.GetInt("steps")
	if steps == 0 {
		steps = p.Config().OfflineSteps
	}
	batchSize, _ := flags.GetInt("batch-size")
	logFreq, _ := flags.GetInt("log-freq")
	saveFreq, _ := flags.GetInt("save-freq")
	output, _ := flags.GetString("output")
	if output == "" {
		output = filepath.Join(envconfig.Checkpoints(), time.Now().Format("20060102-150405"))
	}

	var rec trainer.Recorder
	if noDB, _ := flags.GetBool("no-db"); !noDB {
		st := &store.Store{}
		defer st.Close()
		rec = st
	}

	t, err := trainer.New(trainer.Config{
		Steps:     steps,
		BatchSize: batchSize,
		LogFreq:   logFreq,
		SaveFreq:  saveFreq,
		OutputDir: output,
		// seed und seed+1 belegt die Policy
		Seed: seedFor(p.Config()) + 2,
	}, p, data, rec)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	res, err := t.Run(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) && res.Steps > 0 {
			fmt.Fprintf(cmd.ErrOrStderr(), "interrupted after %d steps\n", res.Steps)
		}
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "run %s: %d steps, loss %.6f\ncheckpoint %s\n", res.RunID, res.Steps, res.LastLoss, res.Checkpoint)
	return nil
}

func loadOrCreatePolicy(cmd *cobra.Command) (*policy.Policy, error) {
	if resume, _ := cmd.Flags().GetString("resume"); resume != "" {
		return policy.Load(resume, envconfig.Seed())
	}

	cfg := policy.DefaultConfig()
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		var err error
		if cfg, err = policy.LoadConfig(path); err != nil {
			return nil, err
		}
	}
	return policy.New(cfg, seedFor(cfg))
}
