// cmd.go - Haupt-CLI Setup und Root Command
// Hauptfunktionen: NewCLI, appendEnvDocs
package cmd

import (
	"fmt"
	"log"
	"os"
	"runtime"

	"github.com/containerd/console"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/ollama/diffpolicy/envconfig"
	"github.com/ollama/diffpolicy/version"
)

// appendEnvDocs - Fuegt Umgebungsvariablen-Dokumentation zum Command hinzu
func appendEnvDocs(cmd *cobra.Command, envs []envconfig.EnvVar) {
	if len(envs) == 0 {
		return
	}

	envUsage := `
Environment Variables:
`
	for _, e := range envs {
		envUsage += fmt.Sprintf("      %-28s   %s\n", e.Name, e.Description)
	}

	cmd.SetUsageTemplate(cmd.UsageTemplate() + envUsage)
}

// versionHandler - Zeigt die Version an
func versionHandler(cmd *cobra.Command, _ []string) {
	fmt.Fprintf(cmd.OutOrStdout(), "diffpolicy version is %s\n", version.Version)
}

// NewCLI - Erstellt das Haupt-CLI mit allen Commands
func NewCLI() *cobra.Command {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	cobra.EnableCommandSorting = false

	if runtime.GOOS == "windows" && term.IsTerminal(int(os.Stdout.Fd())) {
		console.ConsoleFromFile(os.Stdin) //nolint:errcheck
	}

	rootCmd := &cobra.Command{
		Use:           "diffpolicy",
		Short:         "Diffusion policy trainer and inference server",
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setupLogger(cmd.ErrOrStderr())
		},
		Run: func(cmd *cobra.Command, args []string) {
			if version, _ := cmd.Flags().GetBool("version"); version {
				versionHandler(cmd, args)
				return
			}

			cmd.Print(cmd.UsageString())
		},
	}

	rootCmd.Flags().BoolP("version", "v", false, "Show version information")

	// Commands erstellen
	initCmd := newInitCmd()
	trainCmd := newTrainCmd()
	inspectCmd := newInspectCmd()
	importCmd := newImportTorchCmd()
	serveCmd := newServeCmd()
	runsCmd := newRunsCmd()
	envCmd := newEnvCmd()

	// Environment-Dokumentation hinzufuegen
	envVars := envconfig.AsMap()

	for _, cmd := range []*cobra.Command{
		initCmd,
		trainCmd,
		inspectCmd,
		importCmd,
		serveCmd,
		runsCmd,
	} {
		switch cmd {
		case trainCmd:
			appendEnvDocs(cmd, []envconfig.EnvVar{
				envVars["DIFFPOLICY_DEBUG"],
				envVars["DIFFPOLICY_CHECKPOINTS"],
				envVars["DIFFPOLICY_DB"],
				envVars["DIFFPOLICY_NUM_PARALLEL"],
				envVars["DIFFPOLICY_SEED"],
				envVars["DIFFPOLICY_CHECKPOINT_DTYPE"],
			})
		case serveCmd:
			appendEnvDocs(cmd, []envconfig.EnvVar{
				envVars["DIFFPOLICY_DEBUG"],
				envVars["DIFFPOLICY_HOST"],
				envVars["DIFFPOLICY_ORIGINS"],
				envVars["DIFFPOLICY_DB"],
				envVars["DIFFPOLICY_NUM_PARALLEL"],
				envVars["DIFFPOLICY_SEED"],
				envVars["DIFFPOLICY_EMA_WEIGHTS"],
			})
		case runsCmd:
			appendEnvDocs(cmd, []envconfig.EnvVar{envVars["DIFFPOLICY_DB"]})
		case importCmd:
			appendEnvDocs(cmd, []envconfig.EnvVar{envVars["DIFFPOLICY_CHECKPOINT_DTYPE"]})
		default:
			appendEnvDocs(cmd, []envconfig.EnvVar{envVars["DIFFPOLICY_DEBUG"]})
		}
	}

	rootCmd.AddCommand(
		initCmd,
		trainCmd,
		inspectCmd,
		importCmd,
		serveCmd,
		runsCmd,
		envCmd,
	)

	return rootCmd
}
