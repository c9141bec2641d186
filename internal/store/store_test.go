package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "session.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestScanRoundTrip(t *testing.T) {
	s := openTestStore(t)

	rec := ScanRecord{
		ScanID:   "abcd1234",
		Filepath: "/data/scan.ibw",
		Format:   "ibw",
		Rows:     256,
		Cols:     256,
	}
	require.NoError(t, s.RecordScan(rec, map[string]any{"amplitude_mean": 1.5}))

	got, err := s.GetScan("abcd1234")
	require.NoError(t, err)
	assert.Equal(t, rec.Filepath, got.Filepath)
	assert.Equal(t, rec.Rows, got.Rows)
	assert.Contains(t, got.Params, "amplitude_mean")
	assert.False(t, got.LoadedAt.IsZero())

	_, err = s.GetScan("missing")
	require.Error(t, err)
}

func TestScanUpsert(t *testing.T) {
	s := openTestStore(t)

	rec := ScanRecord{ScanID: "abcd1234", Filepath: "/a.ibw", Format: "ibw", Rows: 2, Cols: 2}
	require.NoError(t, s.RecordScan(rec, nil))

	rec.Filepath = "/b.ibw"
	rec.Rows = 4
	require.NoError(t, s.RecordScan(rec, nil))

	scans, err := s.ListScans()
	require.NoError(t, err)
	require.Len(t, scans, 1)
	assert.Equal(t, "/b.ibw", scans[0].Filepath)
	assert.Equal(t, 4, scans[0].Rows)
}

func TestSimulationRoundTrip(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.RecordSimulation(SimRecord{
		SimID:  "run00001",
		Status: "created",
		Params: `{"n":10}`,
	}))

	done := time.Now().UTC()
	require.NoError(t, s.RecordSimulation(SimRecord{
		SimID:       "run00001",
		Status:      "completed",
		Params:      `{"n":10}`,
		Summary:     `{"final_p":0.92}`,
		CompletedAt: &done,
	}))

	sims, err := s.ListSimulations()
	require.NoError(t, err)
	require.Len(t, sims, 1)
	assert.Equal(t, "completed", sims[0].Status)
	assert.Contains(t, sims[0].Summary, "final_p")
	require.NotNil(t, sims[0].CompletedAt)
}

func TestReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.db")

	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.RecordScan(ScanRecord{ScanID: "keep0001", Filepath: "/x.npy", Format: "npy", Rows: 8, Cols: 8}, nil))
	require.NoError(t, s.Close())

	s2, err := Open(path)
	require.NoError(t, err)
	defer s2.Close()

	got, err := s2.GetScan("keep0001")
	require.NoError(t, err)
	assert.Equal(t, "/x.npy", got.Filepath)
}

func TestMigrationIdempotent(t *testing.T) {
	s := openTestStore(t)
	// Columns from pendingMigrations already exist in a fresh schema;
	// re-running must be a no-op.
	require.NoError(t, s.migrate())
	require.NoError(t, s.migrate())
}
