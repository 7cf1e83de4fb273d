package ingest

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// LectorVisionError marks invalid Lector Vision payloads; they are rejected
// without persistence.
type LectorVisionError struct {
	msg   string
	cause error
}

func (e *LectorVisionError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.msg, e.cause)
	}
	return e.msg
}

func (e *LectorVisionError) Unwrap() error { return e.cause }

func lvErrf(cause error, format string, args ...any) *LectorVisionError {
	return &LectorVisionError{msg: fmt.Sprintf(format, args...), cause: cause}
}

// Key families accepted for image content. Producers have shipped every one
// of these spellings at some point; first non-empty wins.
var (
	lvImageOcrKeys = []string{
		"ImageOcr", "ImageOCR", "ImageOcrBase64", "ImageOCRBase64", "ImageOcrB64",
	}
	lvImageCtxKeys = []string{
		"ImageCtx", "ImageCTX", "ImageCtxBase64", "ImageCTXBase64", "ImageCtxB64",
	}
	lvCharHeightKeys = []string{
		"CharHeight", "PlateCharHeight", "PlateCharheight",
	}
)

const lvTimestampLayout = "2006/01/02 15:04:05.000"

// LectorVisionMeta is the identifying subset echoed back to the producer.
type LectorVisionMeta struct {
	Plate     string
	DeviceSN  string
	Timestamp string
}

func lvString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case json.Number:
		return t.String()
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return strings.TrimSpace(fmt.Sprint(t))
	}
}

func lvInt(v any) *int {
	switch t := v.(type) {
	case nil:
		return nil
	case float64:
		n := int(t)
		return &n
	case json.Number:
		if i, err := t.Int64(); err == nil {
			n := int(i)
			return &n
		}
		return nil
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(t)); err == nil {
			return &n
		}
		return nil
	case int:
		return &t
	default:
		return nil
	}
}

func lvFirst(payload map[string]any, keys []string) string {
	for _, k := range keys {
		if s := lvString(payload[k]); s != "" {
			return s
		}
	}
	return ""
}

// ParseLectorVisionTimestamp converts `YYYY/MM/DD HH:MM:SS.mmm` into the
// Tattile DATE and TIME fields.
func ParseLectorVisionTimestamp(raw string) (dateStr, timeStr string, err error) {
	ts, perr := time.ParseInLocation(lvTimestampLayout, raw, time.UTC)
	if perr != nil {
		return "", "", lvErrf(perr, "invalid TimeStamp %q, expected YYYY/MM/DD HH:MM:SS.mmm", raw)
	}
	millis := ts.Nanosecond() / int(time.Millisecond)
	return ts.Format("2006-01-02"), fmt.Sprintf("%s-%03d", ts.Format("15-04-05"), millis), nil
}

// BuildTattileFromLectorVision converts one Lector Vision JSON object into a
// Tattile XML document so both wire formats share the same normalization and
// persistence path downstream.
func BuildTattileFromLectorVision(payload map[string]any) (string, LectorVisionMeta, error) {
	var meta LectorVisionMeta

	plate := lvString(payload["Plate"])
	if plate == "" {
		return "", meta, lvErrf(nil, "missing required field Plate")
	}
	deviceSN := lvString(payload["SerialNumber"])
	if deviceSN == "" {
		deviceSN = lvString(payload["IdDevice"])
	}
	if deviceSN == "" {
		return "", meta, lvErrf(nil, "missing required field SerialNumber/IdDevice")
	}
	tsRaw := lvString(payload["TimeStamp"])
	if tsRaw == "" {
		return "", meta, lvErrf(nil, "missing required field TimeStamp")
	}
	ts, perr := time.ParseInLocation(lvTimestampLayout, tsRaw, time.UTC)
	if perr != nil {
		return "", meta, lvErrf(perr, "invalid TimeStamp %q, expected YYYY/MM/DD HH:MM:SS.mmm", tsRaw)
	}

	r := &ParsedReading{
		Plate:        plate,
		DeviceSN:     deviceSN,
		TimestampUTC: ts,
		ImageOcrB64:  lvFirst(payload, lvImageOcrKeys),
		ImageCtxB64:  lvFirst(payload, lvImageCtxKeys),
		OcrScore:     lvInt(payload["Fiability"]),
		Direction:    optStr(lvString(payload["Direction"])),
		LaneID:       lvInt(payload["LaneNumber"]),
		LaneDescr:    optStr(lvString(payload["LaneName"])),
	}

	if coords, ok := payload["PlateCoord"].([]any); ok && len(coords) >= 4 {
		r.BBoxMinX = lvInt(coords[0])
		r.BBoxMinY = lvInt(coords[1])
		r.BBoxMaxX = lvInt(coords[2])
		r.BBoxMaxY = lvInt(coords[3])
	}

	if code := lvString(payload["Country"]); code != "" {
		r.CountryCode = &code
		// 724 is the ISO 3166-1 numeric code for Spain; the downstream wants
		// the alpha-2 form and only ever receives Spanish traffic.
		if n, err := strconv.Atoi(code); err == nil && n == 724 {
			es := "ES"
			r.Country = &es
		}
	}

	for _, k := range lvCharHeightKeys {
		if v := lvInt(payload[k]); v != nil {
			r.CharHeight = v
			break
		}
	}

	meta = LectorVisionMeta{Plate: plate, DeviceSN: deviceSN, Timestamp: tsRaw}
	return BuildTattileXML(r), meta, nil
}
