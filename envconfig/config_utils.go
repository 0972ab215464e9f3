// config_utils.go - Utility-Funktionen und Export fuer Konfiguration
//
// Dieses Modul enthaelt:
// - BoolWithDefault: Boolean-Getter mit Default-Wert
// - String: String-Getter
// - Uint/Uint64: Integer-Getter mit Default-Wert
// - EnvVar: Struktur fuer Environment-Variablen-Info
// - AsMap: Gibt alle Konfigurationen als Map zurueck
// - Values: Gibt alle Konfigurationswerte als String-Map zurueck
package envconfig

import (
	"fmt"
	"log/slog"
	"runtime"
	"strconv"
)

// =============================================================================
// Boolean-Getter
// =============================================================================

// BoolWithDefault gibt eine Funktion zurueck, die einen Bool mit Default-Wert liest
func BoolWithDefault(k string) func(defaultValue bool) bool {
	return func(defaultValue bool) bool {
		if s := Var(k); s != "" {
			b, err := strconv.ParseBool(s)
			if err != nil {
				return true
			}
			return b
		}
		return defaultValue
	}
}

// =============================================================================
// String-Getter
// =============================================================================

// String gibt eine Funktion zurueck, die einen String liest
func String(s string) func() string {
	return func() string {
		return Var(s)
	}
}

// =============================================================================
// Integer-Getter
// =============================================================================

// unsigned liest eine vorzeichenlose Zahl, ungueltige Werte fallen mit Warnung auf den Default zurueck
func unsigned[T uint | uint64](key string, defaultValue T) func() T {
	return func() T {
		s := Var(key)
		if s == "" {
			return defaultValue
		}
		n, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			slog.Warn("invalid environment variable, using default", "key", key, "value", s, "default", defaultValue)
			return defaultValue
		}
		return T(n)
	}
}

// Uint gibt eine Funktion zurueck, die einen uint mit Default-Wert liest
func Uint(key string, defaultValue uint) func() uint { return unsigned(key, defaultValue) }

// Uint64 gibt eine Funktion zurueck, die einen uint64 mit Default-Wert liest
func Uint64(key string, defaultValue uint64) func() uint64 { return unsigned(key, defaultValue) }

// =============================================================================
// Export-Strukturen und -Funktionen
// =============================================================================

// EnvVar repraesentiert eine Environment-Variable mit Metadaten
type EnvVar struct {
	Name        string
	Value       any
	Description string
}

// AsMap gibt alle Konfigurationen als Map zurueck
// Enthaelt Namen, aktuelle Werte und Beschreibungen
func AsMap() map[string]EnvVar {
	ret := map[string]EnvVar{
		"DIFFPOLICY_DEBUG":            {"DIFFPOLICY_DEBUG", LogLevel(), "Show additional debug information (e.g. DIFFPOLICY_DEBUG=1)"},
		"DIFFPOLICY_HOST":             {"DIFFPOLICY_HOST", Host(), "IP Address for the policy server (default 127.0.0.1:8765)"},
		"DIFFPOLICY_ORIGINS":          {"DIFFPOLICY_ORIGINS", AllowedOrigins(), "A comma separated list of allowed origins"},
		"DIFFPOLICY_CHECKPOINTS":      {"DIFFPOLICY_CHECKPOINTS", Checkpoints(), "The path to the checkpoints directory"},
		"DIFFPOLICY_DB":               {"DIFFPOLICY_DB", DB(), "The path to the training run database"},
		"DIFFPOLICY_NUM_PARALLEL":     {"DIFFPOLICY_NUM_PARALLEL", NumParallel(), "Maximum number of parallel encoder workers and requests"},
		"DIFFPOLICY_SEED":             {"DIFFPOLICY_SEED", Seed(), "Seed for noise generation (0 uses the policy config)"},
		"DIFFPOLICY_CHECKPOINT_DTYPE": {"DIFFPOLICY_CHECKPOINT_DTYPE", CheckpointDType(), "Tensor data type for written checkpoints (default: F32)"},
		"DIFFPOLICY_EMA_WEIGHTS":      {"DIFFPOLICY_EMA_WEIGHTS", EMAWeights(true), "Serve with averaged weights when present (default: true)"},

		// Proxy-Einstellungen
		"HTTP_PROXY":  {"HTTP_PROXY", String("HTTP_PROXY")(), "HTTP proxy"},
		"HTTPS_PROXY": {"HTTPS_PROXY", String("HTTPS_PROXY")(), "HTTPS proxy"},
		"NO_PROXY":    {"NO_PROXY", String("NO_PROXY")(), "No proxy"},
	}

	// Nicht-Windows: Case-sensitive Proxy-Variablen
	if runtime.GOOS != "windows" {
		ret["http_proxy"] = EnvVar{"http_proxy", String("http_proxy")(), "HTTP proxy"}
		ret["https_proxy"] = EnvVar{"https_proxy", String("https_proxy")(), "HTTPS proxy"}
		ret["no_proxy"] = EnvVar{"no_proxy", String("no_proxy")(), "No proxy"}
	}

	return ret
}

// Values gibt alle Konfigurationswerte als String-Map zurueck
func Values() map[string]string {
	vals := make(map[string]string)
	for k, v := range AsMap() {
		vals[k] = fmt.Sprintf("%v", v.Value)
	}
	return vals
}
