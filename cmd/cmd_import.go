// cmd_import.go - Importiert einen PyTorch-Checkpoint
// Hauptfunktionen: ImportTorchHandler
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ollama/diffpolicy/checkpoint"
	"github.com/ollama/diffpolicy/policy"
)

func newImportTorchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import-torch MODEL.pth OUTPUT.safetensors",
		Short: "Convert a PyTorch state dict into a checkpoint",
		Args:  cobra.ExactArgs(2),
		RunE:  ImportTorchHandler,
	}
	cmd.Flags().StringP("config", "c", "", "Policy config matching the weights (default: built-in defaults)")
	return cmd
}

// ImportTorchHandler - Liest die Gewichte, prueft sie gegen eine frische Policy und speichert
func ImportTorchHandler(cmd *cobra.Command, args []string) error {
	cfg := policy.DefaultConfig()
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		var err error
		if cfg, err = policy.LoadConfig(path); err != nil {
			return err
		}
	}

	sd, err := checkpoint.ImportTorch(args[0])
	if err != nil {
		return err
	}

	p, err := policy.New(cfg, seedFor(cfg))
	if err != nil {
		return err
	}
	if err := p.LoadStateDict(sd); err != nil {
		return fmt.Errorf("%s does not match the config: %w", args[0], err)
	}

	if err := p.Save(args[1]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "imported %d tensors into %s\n", sd.Len(), args[1])
	return nil
}
