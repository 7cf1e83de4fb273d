package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/technosupport/ts-alpr/internal/data"
	"github.com/technosupport/ts-alpr/internal/ingest"
)

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// StagingHandler stores raw request bodies as files for the processor. It
// never fails the producer: camera firmwares cannot act on HTTP errors, so
// problems are reported in-band with status 200.
type StagingHandler struct {
	Dir      string
	MaxBytes int64
	Log      *logrus.Logger
}

func (h *StagingHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.MaxBytes)
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		h.Log.Warnf("staging: body from %s rejected: %v", r.RemoteAddr, err)
		writeJSON(w, http.StatusOK, map[string]any{"ok": false, "error": "body too large or unreadable"})
		return
	}
	if len(raw) == 0 {
		writeJSON(w, http.StatusOK, map[string]any{"ok": false, "error": "empty body"})
		return
	}

	saved, err := h.save(raw)
	if err != nil {
		h.Log.WithError(err).Error("staging: cannot persist body")
		writeJSON(w, http.StatusOK, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "saved": saved})
}

func (h *StagingHandler) save(raw []byte) (string, error) {
	id, plate := "noid", "noplate"
	var probe map[string]any
	if json.Unmarshal(raw, &probe) == nil {
		if v := stringField(probe, "IdTransit"); v != "" {
			id = v
		}
		if v := stringField(probe, "Plate"); v != "" {
			plate = v
		}
	}

	now := time.Now().UTC()
	name := fmt.Sprintf("%s_%s_%s_%06d.json",
		sanitizeName(id), sanitizeName(plate),
		now.Format("20060102_150405"), now.Nanosecond()/1000)

	dst := filepath.Join(h.Dir, name)
	for i := 1; ; i++ {
		if _, err := os.Stat(dst); os.IsNotExist(err) {
			break
		}
		dst = filepath.Join(h.Dir, fmt.Sprintf("%s_%d.json", strings.TrimSuffix(name, ".json"), i))
	}

	tmp := dst + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return "", err
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return "", err
	}
	return dst, nil
}

func stringField(m map[string]any, key string) string {
	switch t := m[key].(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return fmt.Sprintf("%.0f", t)
	default:
		return ""
	}
}

func sanitizeName(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "x"
	}
	return b.String()
}

// IngestHandler is the synchronous Lector Vision route: the reading is
// validated, resolved, and persisted before the response is written.
type IngestHandler struct {
	Service *ingest.Service
	Log     *logrus.Logger
}

func (h *IngestHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var payload map[string]any
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "invalid json"})
		return
	}

	xmlStr, meta, err := ingest.BuildTattileFromLectorVision(payload)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": err.Error()})
		return
	}

	if err := h.Service.ProcessTattileXML(r.Context(), xmlStr, "lectorvision"); err != nil {
		if errors.Is(err, data.ErrUnknownCamera) {
			writeJSON(w, http.StatusNotFound, map[string]any{
				"ok": false, "error": fmt.Sprintf("unknown camera %s", meta.DeviceSN),
			})
			return
		}
		h.Log.WithError(err).Error("lectorvision: persisting reading")
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "error": "internal error"})
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"ok": true, "plate": meta.Plate, "device": meta.DeviceSN, "timestamp": meta.Timestamp,
	})
}
