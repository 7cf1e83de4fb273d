package images

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	log := logrus.New()
	log.SetOutput(os.Stderr)
	return &Store{Root: t.TempDir(), Log: log}
}

func TestNormalizePlate(t *testing.T) {
	cases := map[string]string{
		"1234 abc": "1234ABC",
		" 12 34 ":  "1234",
		"":         "unknown",
		"5678DEF":  "5678DEF",
	}
	for in, want := range cases {
		if got := NormalizePlate(in); got != want {
			t.Errorf("NormalizePlate(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSaveReadDelete(t *testing.T) {
	s := testStore(t)
	ts := time.Date(2026, 3, 15, 14, 22, 31, 0, time.UTC)
	payload := []byte("jpeg bytes here")

	rel, err := s.Save("1234 abc", "TAT-001", ts, "ocr", base64.StdEncoding.EncodeToString(payload))
	if err != nil {
		t.Fatalf("save failed: %v", err)
	}
	want := filepath.Join("TAT-001", "2026", "03", "15", "20260315142231_plate-1234ABC_ocr.jpg")
	if rel != want {
		t.Errorf("rel path = %q, want %q", rel, want)
	}

	if !s.Exists(rel) {
		t.Fatalf("Exists false after save")
	}
	got, err := s.Read(rel)
	if err != nil || string(got) != string(payload) {
		t.Errorf("read back mismatch: %q err=%v", got, err)
	}

	s.Delete(rel)
	if s.Exists(rel) {
		t.Errorf("file still there after delete")
	}
	// double delete is a no-op
	s.Delete(rel)
}

func TestSave_BadBase64(t *testing.T) {
	s := testStore(t)
	if _, err := s.Save("1234ABC", "TAT-001", time.Now(), "ocr", "!!!not base64!!!"); err == nil {
		t.Errorf("expected decode error")
	}
}

func TestResolve_LegacyForms(t *testing.T) {
	s := testStore(t)

	rel := filepath.Join("TAT-001", "2026", "03", "15", "x_ocr.jpg")
	if got := s.Resolve("data/images/" + rel); got != filepath.Join(s.Root, rel) {
		t.Errorf("legacy prefix not stripped: %q", got)
	}
	abs := filepath.Join(s.Root, "absolute.jpg")
	if got := s.Resolve(abs); got != abs {
		t.Errorf("absolute path mangled: %q", got)
	}
	if got := s.Resolve(""); got != "" {
		t.Errorf("empty path should stay empty")
	}
}

func TestExists_Directory(t *testing.T) {
	s := testStore(t)
	os.MkdirAll(filepath.Join(s.Root, "somedir"), 0o755)
	if s.Exists("somedir") {
		t.Errorf("directories must not count as images")
	}
	if !strings.HasPrefix(s.Resolve("somedir"), s.Root) {
		t.Errorf("resolve left the root")
	}
}
