package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestBucketStart(t *testing.T) {
	loc := time.UTC
	cases := []struct {
		in, want time.Time
	}{
		{time.Date(2026, 3, 15, 14, 0, 0, 0, loc), time.Date(2026, 3, 15, 14, 0, 0, 0, loc)},
		{time.Date(2026, 3, 15, 14, 29, 59, 0, loc), time.Date(2026, 3, 15, 14, 0, 0, 0, loc)},
		{time.Date(2026, 3, 15, 14, 30, 0, 0, loc), time.Date(2026, 3, 15, 14, 30, 0, 0, loc)},
		{time.Date(2026, 3, 15, 14, 59, 1, 0, loc), time.Date(2026, 3, 15, 14, 30, 0, 0, loc)},
	}
	for _, tc := range cases {
		if got := bucketStart(tc.in); !got.Equal(tc.want) {
			t.Errorf("bucketStart(%v) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestCategoryWritesBucketedFile(t *testing.T) {
	root := t.TempDir()
	m := NewManager(root, "debug")

	log := m.Category("tcp")
	log.Info("hello from the tcp category")

	files, err := os.ReadDir(filepath.Join(root, "tcp"))
	if err != nil || len(files) != 1 {
		t.Fatalf("expected one bucket file, got %v err=%v", files, err)
	}
	name := files[0].Name()
	if !strings.HasSuffix(name, ".log") || len(name) != len("20060102_1504.log") {
		t.Errorf("bucket name = %q", name)
	}

	content, _ := os.ReadFile(filepath.Join(root, "tcp", name))
	if !strings.Contains(string(content), "hello from the tcp category") {
		t.Errorf("line not written: %s", content)
	}
}

func TestCategoryShared(t *testing.T) {
	m := NewManager(t.TempDir(), "info")
	if m.Category("sender") != m.Category("sender") {
		t.Error("same category must share one logger")
	}
	if m.Category("a/b") == nil {
		t.Error("unsafe characters must still yield a logger")
	}
}
