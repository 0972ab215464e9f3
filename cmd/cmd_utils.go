// cmd_utils.go - Hilfsfunktionen fuer die Commands
// Hauptfunktionen: setupLogger, newTable, seedFor, humanNumber
package cmd

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/olekukonko/tablewriter"

	"github.com/ollama/diffpolicy/envconfig"
	"github.com/ollama/diffpolicy/logutil"
	"github.com/ollama/diffpolicy/policy"
)

// setupLogger - Setzt den Default-Logger nach DIFFPOLICY_DEBUG
func setupLogger(w io.Writer) {
	slog.SetDefault(logutil.NewLogger(w, envconfig.LogLevel()))
}

// newTable - Tabelle im Stil von "ollama list"
func newTable(w io.Writer, header []string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.SetAutoWrapText(false)
	return table
}

// seedFor - DIFFPOLICY_SEED ueberschreibt den Seed der Konfiguration
func seedFor(cfg policy.Config) uint64 {
	if s := envconfig.Seed(); s != 0 {
		return s
	}
	return cfg.Seed
}

// humanNumber - 1234567 -> 1.2M
func humanNumber(n int) string {
	switch {
	case n >= 1_000_000_000:
		return fmt.Sprintf("%.1fB", float64(n)/1e9)
	case n >= 1_000_000:
		return fmt.Sprintf("%.1fM", float64(n)/1e6)
	case n >= 1_000:
		return fmt.Sprintf("%.1fK", float64(n)/1e3)
	default:
		return fmt.Sprintf("%d", n)
	}
}
