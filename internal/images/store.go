// Package images owns the on-disk layout of reading images:
// <root>/<device_sn>/YYYY/MM/DD/<YYYYMMDDhhmmss>_plate-<PLATE>_{ocr|ctx}.jpg
package images

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

const legacyPrefix = "data/images/"

// Store persists and resolves reading images under a single root. All paths
// handed to callers are relative to that root; Resolve normalizes legacy
// absolute and prefixed forms coming from old database rows.
type Store struct {
	Root string
	Log  *logrus.Logger
}

// NormalizePlate makes a plate safe for filenames: spaces stripped,
// upper-cased, empty becomes "unknown".
func NormalizePlate(plate string) string {
	p := strings.ToUpper(strings.ReplaceAll(plate, " ", ""))
	if p == "" {
		return "unknown"
	}
	return p
}

// RelPath is the deterministic relative location for one image.
func (s *Store) RelPath(plate, deviceSN string, ts time.Time, kind string) string {
	p := NormalizePlate(plate)
	name := fmt.Sprintf("%s_plate-%s_%s.jpg", ts.Format("20060102150405"), p, kind)
	return filepath.Join(deviceSN, ts.Format("2006/01/02"), name)
}

// Resolve maps a stored path to an absolute one. Absolute inputs pass
// through; the historical "data/images/" prefix is stripped before joining
// with the root.
func (s *Store) Resolve(stored string) string {
	if stored == "" {
		return ""
	}
	if filepath.IsAbs(stored) {
		return stored
	}
	stored = strings.TrimPrefix(stored, legacyPrefix)
	return filepath.Join(s.Root, stored)
}

// Save decodes a base64 payload and writes it whole-file to the deterministic
// location, creating intermediate directories as needed. On any failure the
// caller must treat the image as absent.
func (s *Store) Save(plate, deviceSN string, ts time.Time, kind string, base64Data string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(base64Data))
	if err != nil {
		s.Log.WithError(err).Errorf("decoding %s image for %s plate=%s", kind, deviceSN, NormalizePlate(plate))
		return "", fmt.Errorf("images: decode %s: %w", kind, err)
	}

	rel := s.RelPath(plate, deviceSN, ts, kind)
	full := filepath.Join(s.Root, rel)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		s.Log.WithError(err).Errorf("creating image dir for %s", rel)
		return "", fmt.Errorf("images: mkdir: %w", err)
	}
	if err := os.WriteFile(full, raw, 0o644); err != nil {
		s.Log.WithError(err).Errorf("writing %s image to %s", kind, full)
		return "", fmt.Errorf("images: write: %w", err)
	}

	s.Log.Debugf("saved %s image for %s: %s", kind, deviceSN, rel)
	return rel, nil
}

// Read returns the raw bytes for a stored (possibly legacy) path.
func (s *Store) Read(stored string) ([]byte, error) {
	full := s.Resolve(stored)
	if full == "" {
		return nil, fmt.Errorf("images: empty path")
	}
	return os.ReadFile(full)
}

// Exists reports whether the stored path resolves to a regular file.
func (s *Store) Exists(stored string) bool {
	full := s.Resolve(stored)
	if full == "" {
		return false
	}
	info, err := os.Stat(full)
	return err == nil && info.Mode().IsRegular()
}

// Delete removes an image if it is still there. Races with the janitor are
// expected and absorbed.
func (s *Store) Delete(stored string) {
	full := s.Resolve(stored)
	if full == "" {
		return
	}
	if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
		s.Log.WithError(err).Warnf("deleting image %s", full)
	}
}
