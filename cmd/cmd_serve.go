// cmd_serve.go - Startet den Inferenz-Server
// Hauptfunktionen: RunServer
package cmd

import (
	"errors"
	"log/slog"
	"net"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/ollama/diffpolicy/envconfig"
	"github.com/ollama/diffpolicy/policy"
	"github.com/ollama/diffpolicy/server"
	"github.com/ollama/diffpolicy/store"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "serve CHECKPOINT",
		Aliases: []string{"start"},
		Short:   "Serve a policy over HTTP",
		Args:    cobra.ExactArgs(1),
		RunE:    RunServer,
	}
}

// RunServer - Laedt die Policy und startet den Server auf DIFFPOLICY_HOST
func RunServer(_ *cobra.Command, args []string) error {
	p, err := policy.Load(args[0], envconfig.Seed())
	if err != nil {
		return err
	}
	slog.Info("policy loaded", "checkpoint", args[0], "step", p.Step(), "ema", p.HasEMA() && envconfig.EMAWeights(true))

	ln, err := net.Listen("tcp", envconfig.Host().Host)
	if err != nil {
		return err
	}

	err = server.Serve(ln, p, &store.Store{})
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}

	return err
}
