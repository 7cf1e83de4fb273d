// Package processor consumes raw JSON files staged by the HTTP ingest,
// inlines on-disk image references as base64, and emits normalized files
// for the sender staging directory.
package processor

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/technosupport/ts-alpr/internal/ingest"
)

// keyFamily binds the path-reference spellings producers use to the base64
// content keys the downstream expects.
type keyFamily struct {
	pathKeys    []string
	contentKeys []string
}

var keyFamilies = []keyFamily{
	{pathKeys: []string{"OCRImagePath"}, contentKeys: []string{"ImageOCR", "IMAGE_OCR"}},
	{pathKeys: []string{"CROPImagePath", "CropImagePath"}, contentKeys: []string{"ImageCrop", "IMAGE_CROP"}},
	{pathKeys: []string{"ColorImagePath"}, contentKeys: []string{"ImageCTX", "IMAGE_CTX"}},
}

// Processor drains IngestDir one file at a time, oldest first. Each payload
// (single object or a list) gets its image path references resolved against
// the mirror directory and inlined as base64; the normalized result lands in
// OutDir and, when an ingest service is attached, is also persisted directly.
type Processor struct {
	IngestDir string
	MirrorDir string
	OutDir    string
	Log       *logrus.Logger

	// Ingest, when set, persists each record immediately instead of leaving
	// that to a separate sender host reading OutDir.
	Ingest *ingest.Service

	PollInterval time.Duration
	Stability    time.Duration
	MaxBytes     int64 // files larger than this are dropped, 0 means no cap
}

func (p *Processor) defaults() {
	if p.PollInterval <= 0 {
		p.PollInterval = 500 * time.Millisecond
	}
	if p.Stability <= 0 {
		p.Stability = 600 * time.Millisecond
	}
}

// Run polls until the context is canceled.
func (p *Processor) Run(ctx context.Context) error {
	p.defaults()
	if err := os.MkdirAll(p.OutDir, 0o755); err != nil {
		return err
	}
	tick := time.NewTicker(p.PollInterval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
			p.processOldest(ctx)
		}
	}
}

// processOldest handles at most one file per tick, FIFO by mtime.
func (p *Processor) processOldest(ctx context.Context) {
	path, ok := p.oldestStable()
	if !ok {
		return
	}
	if err := p.processFile(ctx, path); err != nil {
		p.Log.WithError(err).Errorf("dropping %s", filepath.Base(path))
		os.Remove(path)
	}
}

// oldestStable returns the oldest .json whose mtime is past the stability
// window, so half-written files are left alone.
func (p *Processor) oldestStable() (string, bool) {
	entries, err := os.ReadDir(p.IngestDir)
	if err != nil {
		return "", false
	}
	type cand struct {
		path  string
		mtime time.Time
	}
	var cands []cand
	cutoff := time.Now().Add(-p.Stability)
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".json") {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		cands = append(cands, cand{filepath.Join(p.IngestDir, e.Name()), info.ModTime()})
	}
	if len(cands) == 0 {
		return "", false
	}
	sort.Slice(cands, func(i, j int) bool { return cands[i].mtime.Before(cands[j].mtime) })
	return cands[0].path, true
}

func (p *Processor) processFile(ctx context.Context, path string) error {
	if p.MaxBytes > 0 {
		if info, err := os.Stat(path); err == nil && info.Size() > p.MaxBytes {
			return fmt.Errorf("file exceeds %d bytes", p.MaxBytes)
		}
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return fmt.Errorf("invalid json: %w", err)
	}

	var records []map[string]any
	isList := false
	switch t := payload.(type) {
	case map[string]any:
		records = []map[string]any{t}
	case []any:
		isList = true
		for _, el := range t {
			rec, ok := el.(map[string]any)
			if !ok {
				return fmt.Errorf("list element is not an object")
			}
			records = append(records, rec)
		}
	default:
		return fmt.Errorf("payload is neither object nor list")
	}

	var usedMirror []string
	for _, rec := range records {
		used, err := p.inlineImages(rec)
		if err != nil {
			return err
		}
		usedMirror = append(usedMirror, used...)
	}

	var out any = records[0]
	if isList {
		out = records
	}
	processed, err := json.Marshal(out)
	if err != nil {
		return err
	}

	dst := uniquePath(filepath.Join(p.OutDir, filepath.Base(path)))
	tmp := dst + ".tmp"
	if err := os.WriteFile(tmp, processed, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return err
	}

	if p.Ingest != nil {
		for _, rec := range records {
			p.handoff(ctx, rec)
		}
	}

	os.Remove(path)
	for _, img := range usedMirror {
		if err := os.Remove(img); err != nil && !os.IsNotExist(err) {
			p.Log.WithError(err).Warnf("cannot delete mirror image %s", img)
		}
	}
	p.Log.Infof("processed %s (%d record(s))", filepath.Base(path), len(records))
	return nil
}

// handoff persists one record through the normal reading path. Failures are
// logged only: the file in OutDir remains the durable copy.
func (p *Processor) handoff(ctx context.Context, rec map[string]any) {
	xmlStr, meta, err := ingest.BuildTattileFromLectorVision(rec)
	if err != nil {
		p.Log.WithError(err).Warn("record not persistable, left for file pickup")
		return
	}
	if err := p.Ingest.ProcessTattileXML(ctx, xmlStr, "processor"); err != nil {
		p.Log.WithError(err).Warnf("persisting plate=%s device=%s failed", meta.Plate, meta.DeviceSN)
	}
}

// inlineImages fills the content keys of each family from the referenced
// file when no base64 content is already present. Returns the mirror-owned
// paths that were consumed.
func (p *Processor) inlineImages(rec map[string]any) ([]string, error) {
	var used []string
	for _, fam := range keyFamilies {
		if hasBase64Content(rec, fam.contentKeys) {
			continue
		}
		ref := firstString(rec, fam.pathKeys)
		if ref == "" {
			continue
		}
		resolved, fromMirror := p.resolveImage(ref)
		if resolved == "" {
			p.Log.Warnf("image reference %s not found, leaving record as-is", ref)
			continue
		}
		data, err := os.ReadFile(resolved)
		if err != nil {
			p.Log.WithError(err).Warnf("cannot read image %s", resolved)
			continue
		}
		rec[fam.contentKeys[0]] = base64.StdEncoding.EncodeToString(data)
		if fromMirror {
			used = append(used, resolved)
		}
	}
	return used, nil
}

// resolveImage locates a referenced image: basename in the mirror directory
// (flat first, then recursive), then the reference itself as an absolute path.
func (p *Processor) resolveImage(ref string) (path string, fromMirror bool) {
	base := filepath.Base(strings.ReplaceAll(ref, `\`, `/`))

	direct := filepath.Join(p.MirrorDir, base)
	if fileExists(direct) {
		return direct, true
	}

	var found string
	filepath.WalkDir(p.MirrorDir, func(pth string, d fs.DirEntry, err error) error {
		if err != nil || found != "" {
			return fs.SkipAll
		}
		if !d.IsDir() && d.Name() == base {
			found = pth
			return fs.SkipAll
		}
		return nil
	})
	if found != "" {
		return found, true
	}

	if filepath.IsAbs(ref) && fileExists(ref) {
		return ref, false
	}
	return "", false
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

func firstString(rec map[string]any, keys []string) string {
	for _, k := range keys {
		if s, ok := rec[k].(string); ok {
			if s = strings.TrimSpace(s); s != "" {
				return s
			}
		}
	}
	return ""
}

func hasBase64Content(rec map[string]any, keys []string) bool {
	for _, k := range keys {
		if s, ok := rec[k].(string); ok && looksLikeBase64(strings.TrimSpace(s)) {
			return true
		}
	}
	return false
}

// looksLikeBase64 sniffs encoded image content: the magic prefixes of JPEG,
// PNG and GIF after base64, or a long run of base64 alphabet.
func looksLikeBase64(s string) bool {
	if s == "" {
		return false
	}
	for _, prefix := range []string{"/9j/", "iVBOR", "R0lGOD"} {
		if strings.HasPrefix(s, prefix) {
			return true
		}
	}
	if len(s) < 80 {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z', r >= '0' && r <= '9',
			r == '+', r == '/', r == '=', r == '\n', r == '\r':
		default:
			return false
		}
	}
	return true
}

// uniquePath appends _1, _2, … before the extension until the name is free.
func uniquePath(path string) string {
	if !fileExists(path) {
		return path
	}
	ext := filepath.Ext(path)
	stem := strings.TrimSuffix(path, ext)
	for i := 1; ; i++ {
		cand := fmt.Sprintf("%s_%d%s", stem, i, ext)
		if !fileExists(cand) {
			return cand
		}
	}
}
