package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// BucketMinutes is the width of one log file. Operators tail the newest file
// per category; the janitor removes old buckets by mtime.
const BucketMinutes = 30

var categoryRe = regexp.MustCompile(`[^a-zA-Z0-9_\-.]`)

// Manager hands out one logger per category, each appending to
// <root>/<category>/YYYYMMDD_HHMM.log where the filename is the start of the
// current 30-minute bucket. If the file cannot be opened the logger falls
// back to stderr rather than dropping the line.
type Manager struct {
	root  string
	level logrus.Level

	mu      sync.Mutex
	loggers map[string]*logrus.Logger
}

func NewManager(root, level string) *Manager {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	return &Manager{
		root:    root,
		level:   lvl,
		loggers: make(map[string]*logrus.Logger),
	}
}

// Category returns the shared logger for a category, creating it on first use.
func (m *Manager) Category(name string) *logrus.Logger {
	cat := categoryRe.ReplaceAllString(name, "_")
	if cat == "" {
		cat = "general"
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if lg, ok := m.loggers[cat]; ok {
		return lg
	}

	lg := logrus.New()
	lg.SetLevel(m.level)
	lg.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05.000",
		DisableColors:   true,
	})
	lg.SetOutput(&bucketWriter{dir: filepath.Join(m.root, cat)})
	m.loggers[cat] = lg
	return lg
}

// bucketWriter appends to the file for the current time bucket, reopening it
// whenever the bucket rolls over.
type bucketWriter struct {
	dir string

	mu     sync.Mutex
	bucket time.Time
	file   *os.File
}

func bucketStart(t time.Time) time.Time {
	minute := (t.Minute() / BucketMinutes) * BucketMinutes
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), minute, 0, 0, t.Location())
}

func (w *bucketWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := bucketStart(time.Now())
	if w.file == nil || !now.Equal(w.bucket) {
		if w.file != nil {
			w.file.Close()
			w.file = nil
		}
		if err := os.MkdirAll(w.dir, 0o755); err != nil {
			return w.fallback(p)
		}
		name := filepath.Join(w.dir, now.Format("20060102_1504")+".log")
		f, err := os.OpenFile(name, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return w.fallback(p)
		}
		w.file = f
		w.bucket = now
	}

	n, err := w.file.Write(p)
	if err != nil {
		// The file may have been swept out from under us; retry once on a
		// fresh handle before falling back.
		w.file.Close()
		w.file = nil
		return w.fallback(p)
	}
	return n, nil
}

func (w *bucketWriter) fallback(p []byte) (int, error) {
	fmt.Fprintf(os.Stderr, "[logging] %s", p)
	return len(p), nil
}

var _ io.Writer = (*bucketWriter)(nil)
