// Package cleanup holds the retention sweepers. Each janitor owns one
// directory tree and unlinks files past retention on its own cadence.
package cleanup

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
)

// Janitor sweeps Dir every Interval, deleting regular files whose mtime is
// at least Retention old. Files vanishing mid-sweep are tolerated: other
// components delete their own files on success.
type Janitor struct {
	Label     string
	Dir       string
	Retention time.Duration
	Interval  time.Duration
	Log       *logrus.Logger
}

// Run sweeps until the context is canceled. The first sweep happens after
// one full interval, not at startup, so boot is not dominated by disk walks.
func (j *Janitor) Run(ctx context.Context) error {
	tick := time.NewTicker(j.Interval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
			j.Sweep()
		}
	}
}

// Sweep walks the tree once and returns the number of files deleted.
func (j *Janitor) Sweep() int {
	cutoff := time.Now().Add(-j.Retention)
	deleted := 0

	filepath.WalkDir(j.Dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // vanished or unreadable subtree
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if info.ModTime().After(cutoff) {
			return nil
		}
		switch err := os.Remove(path); {
		case err == nil:
			deleted++
		case os.IsNotExist(err):
			// already gone, fine
		default:
			j.Log.WithError(err).Warnf("%s: cannot delete %s", j.Label, path)
		}
		return nil
	})

	if deleted > 0 {
		j.Log.Infof("%s: deleted %d file(s) older than %s", j.Label, deleted, j.Retention)
	}
	return deleted
}
