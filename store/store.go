// Modul: store.go
// Beschreibung: Persistenz von Trainingslaeufen und Schritt-Metriken in SQLite.
// Enthaelt Store mit lazy Initialisierung, Runs und Steps.

package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ollama/diffpolicy/envconfig"
)

var ErrRunNotFound = errors.New("store: run not found")

// Run ist ein Trainingslauf
type Run struct {
	ID         string
	StartedAt  time.Time
	FinishedAt *time.Time
	Config     json.RawMessage
	Checkpoint string
	// Steps und LastLoss werden nur von Runs gefuellt
	Steps    int
	LastLoss float64
}

// Step sind die Metriken eines Optimierungsschritts
type Step struct {
	Step     int     `json:"step"`
	Loss     float64 `json:"loss"`
	GradNorm float64 `json:"grad_norm"`
	LR       float64 `json:"lr"`
	UpdateS  float64 `json:"update_s"`
}

type Store struct {
	// DBPath ueberschreibt envconfig.DB() (hauptsaechlich fuer Tests)
	DBPath string

	// dbMu schuetzt nur die Initialisierung
	dbMu sync.Mutex
	db   *database
}

func (s *Store) ensureDB() error {
	s.dbMu.Lock()
	defer s.dbMu.Unlock()

	if s.db != nil {
		return nil
	}

	dbPath := s.DBPath
	if dbPath == "" {
		dbPath = envconfig.DB()
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return fmt.Errorf("create db directory: %w", err)
	}

	db, err := newDatabase(dbPath)
	if err != nil {
		return err
	}
	s.db = db
	return nil
}

func (s *Store) Close() error {
	s.dbMu.Lock()
	defer s.dbMu.Unlock()

	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// CreateRun legt einen neuen Lauf an und gibt seine ID zurueck
func (s *Store) CreateRun(config json.RawMessage) (string, error) {
	if err := s.ensureDB(); err != nil {
		return "", err
	}

	id := uuid.New().String()
	_, err := s.db.conn.Exec(`INSERT INTO runs (id, config) VALUES (?, ?)`, id, string(config))
	if err != nil {
		return "", fmt.Errorf("create run: %w", err)
	}
	return id, nil
}

// FinishRun markiert einen Lauf als beendet und merkt sich den letzten Checkpoint
func (s *Store) FinishRun(id, checkpoint string) error {
	if err := s.ensureDB(); err != nil {
		return err
	}

	res, err := s.db.conn.Exec(`UPDATE runs SET finished_at = CURRENT_TIMESTAMP, checkpoint = ? WHERE id = ?`, checkpoint, id)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return nil
}

// RecordStep speichert die Metriken eines Schritts. Ein wiederholter Schritt ueberschreibt.
func (s *Store) RecordStep(runID string, step Step) error {
	if err := s.ensureDB(); err != nil {
		return err
	}

	_, err := s.db.conn.Exec(`
		INSERT OR REPLACE INTO steps (run_id, step, loss, grad_norm, lr, update_s)
		VALUES (?, ?, ?, ?, ?, ?)`,
		runID, step.Step, step.Loss, step.GradNorm, step.LR, step.UpdateS)
	if err != nil {
		return fmt.Errorf("record step %d: %w", step.Step, err)
	}
	return nil
}

// Runs listet alle Laeufe, neueste zuerst
func (s *Store) Runs() ([]Run, error) {
	if err := s.ensureDB(); err != nil {
		return nil, err
	}

	rows, err := s.db.conn.Query(`
		SELECT r.id, r.started_at, r.finished_at, r.config, r.checkpoint,
			COUNT(st.step),
			COALESCE((SELECT loss FROM steps WHERE run_id = r.id ORDER BY step DESC LIMIT 1), 0)
		FROM runs r
		LEFT JOIN steps st ON st.run_id = r.id
		GROUP BY r.id
		ORDER BY r.started_at DESC, r.rowid DESC`)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var finished sql.NullTime
		var config string
		if err := rows.Scan(&r.ID, &r.StartedAt, &finished, &config, &r.Checkpoint, &r.Steps, &r.LastLoss); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		if finished.Valid {
			r.FinishedAt = &finished.Time
		}
		r.Config = json.RawMessage(config)
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Steps liefert die Metriken eines Laufs in Schrittreihenfolge
func (s *Store) Steps(runID string) ([]Step, error) {
	if err := s.ensureDB(); err != nil {
		return nil, err
	}

	var exists bool
	if err := s.db.conn.QueryRow(`SELECT EXISTS(SELECT 1 FROM runs WHERE id = ?)`, runID).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}

	rows, err := s.db.conn.Query(`
		SELECT step, loss, grad_norm, lr, update_s FROM steps
		WHERE run_id = ? ORDER BY step`, runID)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	defer rows.Close()

	var steps []Step
	for rows.Next() {
		var st Step
		if err := rows.Scan(&st.Step, &st.Loss, &st.GradNorm, &st.LR, &st.UpdateS); err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		steps = append(steps, st)
	}
	return steps, rows.Err()
}
