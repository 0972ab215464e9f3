package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := &Store{DBPath: filepath.Join(t.TempDir(), "runs.db")}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRunsAndSteps(t *testing.T) {
	s := newTestStore(t)

	first, err := s.CreateRun(json.RawMessage(`{"horizon":16}`))
	require.NoError(t, err)
	second, err := s.CreateRun(json.RawMessage(`{"horizon":8}`))
	require.NoError(t, err)
	require.NotEqual(t, first, second)

	for i := 1; i <= 3; i++ {
		require.NoError(t, s.RecordStep(first, Step{Step: i, Loss: 1 / float64(i), GradNorm: 2, LR: 1e-4, UpdateS: 0.01}))
	}
	// wiederholter Schritt ueberschreibt
	require.NoError(t, s.RecordStep(first, Step{Step: 3, Loss: 0.25, GradNorm: 2, LR: 1e-4}))

	steps, err := s.Steps(first)
	require.NoError(t, err)
	require.Len(t, steps, 3)
	require.Equal(t, []int{1, 2, 3}, []int{steps[0].Step, steps[1].Step, steps[2].Step})
	require.InDelta(t, 0.25, steps[2].Loss, 1e-12)

	runs, err := s.Runs()
	require.NoError(t, err)
	require.Len(t, runs, 2)
	require.Equal(t, second, runs[0].ID)
	require.Equal(t, first, runs[1].ID)
	require.Equal(t, 3, runs[1].Steps)
	require.InDelta(t, 0.25, runs[1].LastLoss, 1e-12)
	require.JSONEq(t, `{"horizon":16}`, string(runs[1].Config))
	require.Nil(t, runs[1].FinishedAt)
	require.Zero(t, runs[0].Steps)
}

func TestFinishRun(t *testing.T) {
	s := newTestStore(t)

	id, err := s.CreateRun(json.RawMessage(`{}`))
	require.NoError(t, err)
	require.NoError(t, s.FinishRun(id, "/tmp/last.safetensors"))

	runs, err := s.Runs()
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.NotNil(t, runs[0].FinishedAt)
	require.Equal(t, "/tmp/last.safetensors", runs[0].Checkpoint)

	err = s.FinishRun("missing", "")
	require.True(t, errors.Is(err, ErrRunNotFound))
}

func TestStepsUnknownRun(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Steps("missing")
	require.ErrorIs(t, err, ErrRunNotFound)
}

func TestRecordStepUnknownRun(t *testing.T) {
	s := newTestStore(t)
	// Fremdschluessel sind aktiv
	require.Error(t, s.RecordStep("missing", Step{Step: 1}))
}

func TestReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runs.db")
	s := &Store{DBPath: path}
	id, err := s.CreateRun(json.RawMessage(`{}`))
	require.NoError(t, err)
	require.NoError(t, s.RecordStep(id, Step{Step: 1, Loss: 0.5}))
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	s2 := &Store{DBPath: path}
	defer s2.Close()
	steps, err := s2.Steps(id)
	require.NoError(t, err)
	require.Len(t, steps, 1)
}

func TestMigrateV1(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runs.db")

	conn, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	_, err = conn.Exec(`
		CREATE TABLE meta (id INTEGER PRIMARY KEY CHECK (id = 1), schema_version INTEGER NOT NULL DEFAULT 1);
		INSERT INTO meta (id, schema_version) VALUES (1, 1);
		CREATE TABLE runs (
			id TEXT PRIMARY KEY,
			started_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			config TEXT NOT NULL DEFAULT ''
		);
		INSERT INTO runs (id, config) VALUES ('old', '{}');`)
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	s := &Store{DBPath: path}
	defer s.Close()

	runs, err := s.Runs()
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, "old", runs[0].ID)
	require.Empty(t, runs[0].Checkpoint)

	version, err := s.db.getSchemaVersion()
	require.NoError(t, err)
	require.Equal(t, currentSchemaVersion, version)

	require.NoError(t, s.FinishRun("old", "ckpt"))
}
