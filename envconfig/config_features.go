// config_features.go - Laufzeit-Einstellungen
//
// Dieses Modul enthaelt:
// - Parallelitaets-Einstellungen fuer Encoder und Server
// - Seed fuer reproduzierbares Rauschen
// - Standard-Datentyp fuer gespeicherte Checkpoints
// - Auswahl der Inferenz-Gewichte
package envconfig

import "runtime"

var (
	// Seed ist der Startwert des Zufallsgenerators (0 = Seed aus der Policy-Konfiguration)
	Seed = Uint64("DIFFPOLICY_SEED", 0)

	// CheckpointDType ist der Datentyp fuer neu geschriebene Checkpoints (F32, F16, BF16, F64)
	CheckpointDType = String("DIFFPOLICY_CHECKPOINT_DTYPE")

	// EMAWeights waehlt beim Serven die gemittelten Gewichte, falls vorhanden
	EMAWeights = BoolWithDefault("DIFFPOLICY_EMA_WEIGHTS")
)

// NumParallel gibt die maximale Anzahl paralleler Arbeiter zurueck.
// Wird fuer Bild-Encoding und gleichzeitige Server-Anfragen verwendet.
// Default: Anzahl CPUs
func NumParallel() uint {
	return Uint("DIFFPOLICY_NUM_PARALLEL", uint(runtime.NumCPU()))()
}
