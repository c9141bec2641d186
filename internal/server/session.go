package server

import (
	"ferrotwin/internal/afm"
	"ferrotwin/internal/logging"
)

// ScanRecorder returns a watcher hook that persists auto-loaded scans the
// same way afm_load_scan does. Safe to install without a store configured;
// the hook then does nothing.
func ScanRecorder(deps Deps) func(*afm.Scan, *afm.LoadSummary) {
	return func(_ *afm.Scan, summary *afm.LoadSummary) {
		persistScan(deps, summary)
	}
}

// RestoreScans reloads scans recorded by a previous session into the twin,
// keeping their recorded IDs. Files that moved or no longer parse are
// skipped with a warning. Returns the number of scans restored.
func RestoreScans(deps Deps) int {
	if deps.Store == nil {
		return 0
	}
	recs, err := deps.Store.ListScans()
	if err != nil {
		logging.StoreWarn("session restore failed: %v", err)
		return 0
	}

	restored := 0
	// Newest first, so the most recently loaded scan becomes current again.
	for _, rec := range recs {
		data, err := afm.LoadFile(rec.Filepath, afm.Format(rec.Format))
		if err != nil {
			logging.StoreWarn("cannot restore scan %s from %s: %v", rec.ScanID, rec.Filepath, err)
			continue
		}
		deps.Twin.Register(&afm.Scan{
			ID:       rec.ScanID,
			Filepath: rec.Filepath,
			Format:   afm.Format(rec.Format),
			Data:     data,
		})
		restored++
	}
	if restored > 0 {
		logging.Store("restored %d scan(s) from previous session", restored)
	}
	return restored
}
