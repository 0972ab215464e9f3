// cmd_init.go - Schreibt eine Standard-Konfiguration
package cmd

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/spf13/cobra"

	"github.com/ollama/diffpolicy/policy"
)

func newInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init [CONFIG]",
		Short: "Write a default policy config",
		Args:  cobra.MaximumNArgs(1),
		RunE:  InitHandler,
	}
	cmd.Flags().BoolP("force", "f", false, "Overwrite an existing config")
	return cmd
}

// InitHandler - Schreibt DefaultConfig nach CONFIG (Default config.json)
func InitHandler(cmd *cobra.Command, args []string) error {
	path := "config.json"
	if len(args) > 0 {
		path = args[0]
	}

	force, _ := cmd.Flags().GetBool("force")
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("%s already exists, use --force to overwrite", path)
	} else if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}

	if err := policy.DefaultConfig().Save(path); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
	return nil
}
