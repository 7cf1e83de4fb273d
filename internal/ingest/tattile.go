// Package ingest normalizes the two camera wire formats (Tattile XML over raw
// TCP, Lector Vision JSON over HTTP) into canonical readings and persists
// them through the reading store.
package ingest

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/beevik/etree"
)

// ParseError marks malformed camera payloads. Such payloads are dropped and
// logged; there is nothing to retry.
type ParseError struct {
	msg   string
	cause error
}

func (e *ParseError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.msg, e.cause)
	}
	return e.msg
}

func (e *ParseError) Unwrap() error { return e.cause }

func parseErrf(cause error, format string, args ...any) *ParseError {
	return &ParseError{msg: fmt.Sprintf(format, args...), cause: cause}
}

// ParsedReading is the canonical form of one plate detection, before camera
// resolution and persistence.
type ParsedReading struct {
	Plate        string
	DeviceSN     string
	TimestampUTC time.Time // zero when the payload carried no DATE/TIME
	Direction    *string
	LaneID       *int
	LaneDescr    *string
	OcrScore     *int
	CountryCode  *string
	Country      *string
	BBoxMinX     *int
	BBoxMinY     *int
	BBoxMaxX     *int
	BBoxMaxY     *int
	CharHeight   *int
	ImageOcrB64  string
	ImageCtxB64  string
	RawXML       string
}

func childText(root *etree.Element, tag string) string {
	el := root.FindElement(tag)
	if el == nil {
		return ""
	}
	return strings.TrimSpace(el.Text())
}

func optStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func optInt(s string) *int {
	if s == "" {
		return nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return nil
	}
	return &n
}

// ParseTattileXML decodes a Tattile notification document. PLATE_STRING and
// DEVICE_SN are mandatory; DATE/TIME are combined into a UTC timestamp with
// millisecond precision when both are present.
func ParseTattileXML(xmlStr string) (*ParsedReading, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromString(xmlStr); err != nil {
		return nil, parseErrf(err, "invalid tattile xml")
	}
	root := doc.Root()
	if root == nil {
		return nil, parseErrf(nil, "invalid tattile xml: no root element")
	}

	plate := childText(root, "PLATE_STRING")
	if plate == "" {
		return nil, parseErrf(nil, "missing required field PLATE_STRING")
	}
	deviceSN := childText(root, "DEVICE_SN")
	if deviceSN == "" {
		return nil, parseErrf(nil, "missing required field DEVICE_SN")
	}

	r := &ParsedReading{
		Plate:       plate,
		DeviceSN:    deviceSN,
		Direction:   optStr(childText(root, "DIRECTION")),
		LaneID:      optInt(childText(root, "LANE_ID")),
		LaneDescr:   optStr(childText(root, "LANE_DESCR")),
		OcrScore:    optInt(childText(root, "OCRSCORE")),
		CountryCode: optStr(childText(root, "PLATE_COUNTRY_CODE")),
		Country:     optStr(childText(root, "PLATE_COUNTRY")),
		BBoxMinX:    optInt(childText(root, "ORIG_PLATE_MIN_X")),
		BBoxMinY:    optInt(childText(root, "ORIG_PLATE_MIN_Y")),
		BBoxMaxX:    optInt(childText(root, "ORIG_PLATE_MAX_X")),
		BBoxMaxY:    optInt(childText(root, "ORIG_PLATE_MAX_Y")),
		ImageOcrB64: childText(root, "IMAGE_OCR"),
		ImageCtxB64: childText(root, "IMAGE_CTX"),
		RawXML:      xmlStr,
	}

	ch := childText(root, "CHAR_HEIGHT")
	if ch == "" {
		ch = childText(root, "PLATE_CHAR_HEIGHT")
	}
	r.CharHeight = optInt(ch)

	dateStr := childText(root, "DATE")
	timeStr := childText(root, "TIME")
	if dateStr != "" && timeStr != "" {
		ts, err := parseTattileTimestamp(dateStr, timeStr)
		if err != nil {
			return nil, err
		}
		r.TimestampUTC = ts
	}
	// Cameras deliver DATE/TIME already in UTC; absent fields are filled with
	// now(UTC) at persistence time.

	return r, nil
}

// parseTattileTimestamp combines DATE=YYYY-MM-DD and TIME=HH-MM-SS-mmm.
func parseTattileTimestamp(dateStr, timeStr string) (time.Time, error) {
	day, err := time.ParseInLocation("2006-01-02", dateStr, time.UTC)
	if err != nil {
		return time.Time{}, parseErrf(err, "invalid DATE %q", dateStr)
	}
	parts := strings.Split(timeStr, "-")
	if len(parts) != 4 {
		return time.Time{}, parseErrf(nil, "invalid TIME %q", timeStr)
	}
	vals := make([]int, 4)
	for i, p := range parts {
		v, err := strconv.Atoi(p)
		if err != nil {
			return time.Time{}, parseErrf(err, "invalid TIME %q", timeStr)
		}
		vals[i] = v
	}
	return time.Date(day.Year(), day.Month(), day.Day(),
		vals[0], vals[1], vals[2], vals[3]*int(time.Millisecond), time.UTC), nil
}

// BuildTattileXML renders a reading back into the Tattile document shape.
// It backs the Lector Vision conversion and serves as raw_xml for readings
// that did not arrive as XML.
func BuildTattileXML(r *ParsedReading) string {
	doc := etree.NewDocument()
	root := doc.CreateElement("root")

	add := func(tag, value string) {
		if value == "" {
			return
		}
		root.CreateElement(tag).SetText(value)
	}
	addInt := func(tag string, v *int) {
		if v == nil {
			return
		}
		add(tag, strconv.Itoa(*v))
	}
	addStr := func(tag string, v *string) {
		if v == nil {
			return
		}
		add(tag, *v)
	}

	add("PLATE_STRING", r.Plate)
	add("DEVICE_SN", r.DeviceSN)
	if !r.TimestampUTC.IsZero() {
		ts := r.TimestampUTC.UTC()
		add("DATE", ts.Format("2006-01-02"))
		add("TIME", fmt.Sprintf("%s-%03d", ts.Format("15-04-05"), ts.Nanosecond()/int(time.Millisecond)))
	}
	add("IMAGE_OCR", r.ImageOcrB64)
	add("IMAGE_CTX", r.ImageCtxB64)
	if r.OcrScore != nil {
		add("OCRSCORE", fmt.Sprintf("%03d", *r.OcrScore))
	}
	addStr("DIRECTION", r.Direction)
	addInt("LANE_ID", r.LaneID)
	addStr("LANE_DESCR", r.LaneDescr)
	addInt("ORIG_PLATE_MIN_X", r.BBoxMinX)
	addInt("ORIG_PLATE_MIN_Y", r.BBoxMinY)
	addInt("ORIG_PLATE_MAX_X", r.BBoxMaxX)
	addInt("ORIG_PLATE_MAX_Y", r.BBoxMaxY)
	addStr("PLATE_COUNTRY_CODE", r.CountryCode)
	addStr("PLATE_COUNTRY", r.Country)
	addInt("CHAR_HEIGHT", r.CharHeight)

	out, _ := doc.WriteToString()
	return out
}
