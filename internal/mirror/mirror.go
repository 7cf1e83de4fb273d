// Package mirror copies capture-process output into a directory the file
// processor can consume, insulated from the writer still rendering files.
package mirror

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/technosupport/ts-alpr/internal/metrics"
)

type copyResult int

const (
	resultCopied copyResult = iota
	resultSkipSame
	resultMissing
	resultUnstable
	resultPermFail
	resultOtherFail
)

// Mirror watches SrcDir and keeps DstDir populated with byte-identical copies
// under the exact source basename. Creation and move events trigger copies
// (never writes: the capture process emits dozens of modify events per file
// while rendering); a periodic scan reconciles anything the watcher missed.
type Mirror struct {
	SrcDir string
	DstDir string
	Log    *logrus.Logger

	Stability    time.Duration // size unchanged this long counts as written
	Debounce     time.Duration // per-filename suppression window
	ScanInterval time.Duration
	SummaryEvery time.Duration
	CopyMaxTries int
	RetryDelay   time.Duration

	lastAttempt map[string]time.Time

	copied, skipped, failedPerm, failedOther int
}

func (m *Mirror) defaults() {
	if m.Stability <= 0 {
		m.Stability = 250 * time.Millisecond
	}
	if m.Debounce < 0 {
		m.Debounce = 0
	}
	if m.ScanInterval <= 0 {
		m.ScanInterval = 500 * time.Millisecond
	}
	if m.SummaryEvery <= 0 {
		m.SummaryEvery = 60 * time.Second
	}
	if m.CopyMaxTries <= 0 {
		m.CopyMaxTries = 25
	}
	if m.RetryDelay <= 0 {
		m.RetryDelay = 40 * time.Millisecond
	}
}

// Run drives the watcher, the reconciliation scan, and the periodic summary
// until the context is canceled.
func (m *Mirror) Run(ctx context.Context) error {
	m.defaults()
	m.lastAttempt = make(map[string]time.Time)

	if err := os.MkdirAll(m.DstDir, 0o755); err != nil {
		return err
	}

	var events chan string
	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		if werr := watcher.Add(m.SrcDir); werr != nil {
			m.Log.Warnf("cannot watch %s (%v), relying on scan loop", m.SrcDir, werr)
			watcher.Close()
			watcher = nil
		}
	} else {
		m.Log.Warnf("fsnotify unavailable (%v), relying on scan loop", err)
		watcher = nil
	}

	if watcher != nil {
		defer watcher.Close()
		events = make(chan string, 400)
		go func() {
			defer close(events)
			for {
				select {
				case <-ctx.Done():
					return
				case ev, ok := <-watcher.Events:
					if !ok {
						return
					}
					// Create covers both new files and files moved into the
					// watched directory.
					if ev.Op.Has(fsnotify.Create) || ev.Op.Has(fsnotify.Rename) {
						select {
						case events <- ev.Name:
						default:
							// Queue full: the scan loop will pick it up.
						}
					}
				case werr, ok := <-watcher.Errors:
					if !ok {
						return
					}
					m.Log.WithError(werr).Warn("watcher error")
				}
			}
		}()
		m.Log.Infof("mirroring %s -> %s", m.SrcDir, m.DstDir)
	}

	scanTick := time.NewTicker(m.ScanInterval)
	defer scanTick.Stop()
	summaryTick := time.NewTicker(m.SummaryEvery)
	defer summaryTick.Stop()

	for {
		select {
		case <-ctx.Done():
			m.summary()
			return nil
		case path, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			m.attempt(path)
		case <-scanTick.C:
			m.scan()
		case <-summaryTick.C:
			m.summary()
		}
	}
}

// attempt runs one debounced copy for a source path.
func (m *Mirror) attempt(srcPath string) {
	name := strings.ToLower(filepath.Base(srcPath))
	now := time.Now()
	if last, ok := m.lastAttempt[name]; ok && now.Sub(last) < m.Debounce {
		return
	}
	m.lastAttempt[name] = now

	switch m.copyExactName(srcPath) {
	case resultCopied:
		m.copied++
		metrics.MirrorCopies.WithLabelValues("copied").Inc()
	case resultSkipSame:
		m.skipped++
		metrics.MirrorCopies.WithLabelValues("skipped").Inc()
	case resultPermFail:
		m.failedPerm++
		metrics.MirrorCopies.WithLabelValues("perm_fail").Inc()
	case resultOtherFail:
		m.failedOther++
		metrics.MirrorCopies.WithLabelValues("other_fail").Inc()
	case resultMissing, resultUnstable:
		// Vanished mid-flight or still being written; the scan loop retries.
	}
}

// scan enqueues every source file whose destination is missing or differs in
// size. The same debounce applies, so a file freshly handled by the watcher
// is not copied twice.
func (m *Mirror) scan() {
	// Entries past the debounce window can never suppress anything again;
	// drop them so the map doesn't track every filename ever seen.
	cutoff := time.Now().Add(-m.Debounce)
	for name, last := range m.lastAttempt {
		if last.Before(cutoff) {
			delete(m.lastAttempt, name)
		}
	}

	entries, err := os.ReadDir(m.SrcDir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		src := filepath.Join(m.SrcDir, e.Name())
		dst := filepath.Join(m.DstDir, e.Name())

		srcInfo, err := os.Stat(src)
		if err != nil {
			continue
		}
		if dstInfo, err := os.Stat(dst); err == nil && dstInfo.Size() == srcInfo.Size() {
			continue
		}
		m.attempt(src)
	}
}

func (m *Mirror) summary() {
	if m.copied == 0 && m.skipped == 0 && m.failedPerm == 0 && m.failedOther == 0 {
		return
	}
	m.Log.Infof("summary: copied=%d skipped=%d perm_fail=%d other_fail=%d",
		m.copied, m.skipped, m.failedPerm, m.failedOther)
	m.copied, m.skipped, m.failedPerm, m.failedOther = 0, 0, 0, 0
}

// waitStable polls the file size in 50ms ticks and returns once it has been
// unchanged for the stability window. Returns false if the file vanishes.
func (m *Mirror) waitStable(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	lastSize := info.Size()
	lastChange := time.Now()
	for {
		time.Sleep(50 * time.Millisecond)
		info, err := os.Stat(path)
		if err != nil {
			return false
		}
		if info.Size() != lastSize {
			lastSize = info.Size()
			lastChange = time.Now()
			continue
		}
		if time.Since(lastChange) >= m.Stability {
			return true
		}
	}
}

// copyExactName copies src into DstDir under the same basename:
// stability gate, size-identical skip, tmp+rename, bounded retries.
// Permission errors are permanent (the capture process owns the file
// exclusively); everything else gets retried.
func (m *Mirror) copyExactName(src string) copyResult {
	info, err := os.Stat(src)
	if err != nil || !info.Mode().IsRegular() {
		return resultMissing
	}

	if !m.waitStable(src) {
		return resultUnstable
	}

	dst := filepath.Join(m.DstDir, filepath.Base(src))
	if dstInfo, err := os.Stat(dst); err == nil {
		if srcInfo, err := os.Stat(src); err == nil && dstInfo.Size() == srcInfo.Size() {
			return resultSkipSame
		}
	}

	tmp := dst + ".tmp"
	for try := 0; try < m.CopyMaxTries; try++ {
		err := copyFile(src, tmp)
		if err == nil {
			if err = os.Rename(tmp, dst); err == nil {
				return resultCopied
			}
		}
		if errors.Is(err, os.ErrPermission) {
			os.Remove(tmp)
			return resultPermFail
		}
		time.Sleep(m.RetryDelay)
	}
	os.Remove(tmp)
	return resultOtherFail
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
