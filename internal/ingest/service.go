package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/technosupport/ts-alpr/internal/data"
	"github.com/technosupport/ts-alpr/internal/metrics"
)

// Service turns wire payloads into persisted readings with PENDING queue rows.
type Service struct {
	Cameras data.CameraModel
	Store   *data.ReadingStore
	Log     *logrus.Logger
}

// ProcessTattileXML parses, resolves the camera, and persists one reading.
// Unknown cameras reject with data.ErrUnknownCamera and persist nothing.
func (s *Service) ProcessTattileXML(ctx context.Context, xmlStr, source string) error {
	parsed, err := ParseTattileXML(xmlStr)
	if err != nil {
		metrics.ReadingsRejected.WithLabelValues("parse_error").Inc()
		return err
	}
	return s.ProcessParsed(ctx, parsed, source)
}

// ProcessParsed persists an already-normalized reading.
func (s *Service) ProcessParsed(ctx context.Context, parsed *ParsedReading, source string) error {
	camera, err := s.Cameras.GetBySerial(ctx, parsed.DeviceSN)
	if errors.Is(err, data.ErrRecordNotFound) {
		s.Log.Warnf("unregistered camera DEVICE_SN=%s, dropping reading plate=%s", parsed.DeviceSN, parsed.Plate)
		metrics.ReadingsRejected.WithLabelValues("unknown_camera").Inc()
		return data.ErrUnknownCamera
	}
	if err != nil {
		return fmt.Errorf("ingest: resolving camera %s: %w", parsed.DeviceSN, err)
	}

	ts := parsed.TimestampUTC
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	reading := &data.AlprReading{
		CameraID:     camera.ID,
		DeviceSN:     parsed.DeviceSN,
		Plate:        parsed.Plate,
		TimestampUTC: ts,
		Direction:    parsed.Direction,
		LaneID:       parsed.LaneID,
		LaneDescr:    parsed.LaneDescr,
		OcrScore:     parsed.OcrScore,
		CountryCode:  parsed.CountryCode,
		Country:      parsed.Country,
		BBoxMinX:     parsed.BBoxMinX,
		BBoxMinY:     parsed.BBoxMinY,
		BBoxMaxX:     parsed.BBoxMaxX,
		BBoxMaxY:     parsed.BBoxMaxY,
		CharHeight:   parsed.CharHeight,
	}
	if parsed.RawXML != "" {
		raw := parsed.RawXML
		reading.RawXML = &raw
	}

	readingID, queueID, err := s.Store.SaveReading(ctx, reading, parsed.ImageOcrB64, parsed.ImageCtxB64)
	if err != nil {
		return fmt.Errorf("ingest: saving reading: %w", err)
	}

	metrics.ReadingsIngested.WithLabelValues(source).Inc()
	s.Log.Infof("reading saved plate=%s camera_id=%d reading_id=%d msg_id=%d",
		reading.Plate, reading.CameraID, readingID, queueID)
	return nil
}
