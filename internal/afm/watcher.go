package afm

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"ferrotwin/internal/logging"
)

// Watcher auto-loads scan files dropped into a data directory.
type Watcher struct {
	twin   *Twin
	dir    string
	fw     *fsnotify.Watcher
	settle time.Duration
	onLoad func(*Scan, *LoadSummary)
}

// NewWatcher prepares a directory watcher. onLoad, if non-nil, fires
// after each successful auto-load (the server uses it to persist scans).
func NewWatcher(twin *Twin, dir string, onLoad func(*Scan, *LoadSummary)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watcher: %w", err)
	}
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watcher: %s: %w", dir, err)
	}
	return &Watcher{twin: twin, dir: dir, fw: fw, settle: 200 * time.Millisecond, onLoad: onLoad}, nil
}

// Run processes filesystem events until the context is canceled.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.fw.Close()
	logging.Watcher("watching %s for scan files", w.dir)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-w.fw.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if !isScanFile(event.Name) {
				continue
			}
			// Editors and copies fire Write before the file is complete;
			// give the writer a moment to finish.
			time.Sleep(w.settle)
			w.ingest(event.Name)
		case err, ok := <-w.fw.Errors:
			if !ok {
				return nil
			}
			logging.WatcherDebug("event error: %v", err)
		}
	}
}

func (w *Watcher) ingest(path string) {
	if scan, _ := w.twin.Scan(""); scan != nil && scan.Filepath == path {
		// Write event for a file we just loaded.
		return
	}
	summary, err := w.twin.LoadScan(path, FormatUnknown)
	if err != nil {
		logging.Watcher("skipping %s: %v", path, err)
		return
	}
	logging.Watcher("auto-loaded %s as scan %s", path, summary.ScanID)
	if w.onLoad != nil {
		if scan, err := w.twin.Scan(summary.ScanID); err == nil {
			w.onLoad(scan, summary)
		}
	}
}

// isScanFile reports whether the filename carries a loadable extension.
func isScanFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	_, ok := extFormats[ext]
	return ok
}
