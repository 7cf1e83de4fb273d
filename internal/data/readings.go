package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ImageWriter is what the reading store needs from the image store: persist a
// base64 payload and report the relative path, or fail (the reading is then
// stored without that image).
type ImageWriter interface {
	Save(plate, deviceSN string, ts time.Time, kind string, base64Data string) (string, error)
}

type ReadingModel struct {
	DB DBTX
}

const readingColumns = `
	id, camera_id, device_sn, plate, timestamp_utc, direction, lane_id,
	lane_descr, ocr_score, country_code, country, bbox_min_x, bbox_min_y,
	bbox_max_x, bbox_max_y, char_height, has_image_ocr, has_image_ctx,
	image_ocr_path, image_ctx_path, raw_xml, created_at`

func scanReading(row *sql.Row) (*AlprReading, error) {
	var r AlprReading
	err := row.Scan(
		&r.ID, &r.CameraID, &r.DeviceSN, &r.Plate, &r.TimestampUTC, &r.Direction,
		&r.LaneID, &r.LaneDescr, &r.OcrScore, &r.CountryCode, &r.Country,
		&r.BBoxMinX, &r.BBoxMinY, &r.BBoxMaxX, &r.BBoxMaxY, &r.CharHeight,
		&r.HasImageOcr, &r.HasImageCtx, &r.ImageOcrPath, &r.ImageCtxPath,
		&r.RawXML, &r.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (m ReadingModel) GetByID(ctx context.Context, id int64) (*AlprReading, error) {
	query := `SELECT` + readingColumns + ` FROM alpr_readings WHERE id = $1`
	return scanReading(m.DB.QueryRowContext(ctx, query, id))
}

func (m ReadingModel) insert(ctx context.Context, r *AlprReading) error {
	query := `
		INSERT INTO alpr_readings (
			camera_id, device_sn, plate, timestamp_utc, direction, lane_id,
			lane_descr, ocr_score, country_code, country, bbox_min_x, bbox_min_y,
			bbox_max_x, bbox_max_y, char_height, has_image_ocr, has_image_ctx,
			image_ocr_path, image_ctx_path, raw_xml
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)
		RETURNING id, created_at`

	return m.DB.QueryRowContext(ctx, query,
		r.CameraID, r.DeviceSN, r.Plate, r.TimestampUTC, r.Direction, r.LaneID,
		r.LaneDescr, r.OcrScore, r.CountryCode, r.Country, r.BBoxMinX, r.BBoxMinY,
		r.BBoxMaxX, r.BBoxMaxY, r.CharHeight, r.HasImageOcr, r.HasImageCtx,
		r.ImageOcrPath, r.ImageCtxPath, r.RawXML,
	).Scan(&r.ID, &r.CreatedAt)
}

// ReadingStore is the transactional persistence façade: one call creates the
// reading, its images, and its PENDING queue row, or nothing at all.
type ReadingStore struct {
	DB     *sql.DB
	Images ImageWriter
}

// SaveReading persists a normalized reading. The camera must already be
// resolved (r.CameraID set); callers reject unknown serial numbers with
// ErrUnknownCamera before getting here. Image write failures downgrade the
// reading to has_image_*=false rather than failing the save.
func (s *ReadingStore) SaveReading(ctx context.Context, r *AlprReading, ocrB64, ctxB64 string) (readingID, queueID int64, err error) {
	if ocrB64 != "" {
		rel, werr := s.Images.Save(r.Plate, r.DeviceSN, r.TimestampUTC, "ocr", ocrB64)
		if werr == nil {
			r.HasImageOcr = true
			r.ImageOcrPath = &rel
		} else {
			r.HasImageOcr = false
			r.ImageOcrPath = nil
		}
	}
	if ctxB64 != "" {
		rel, werr := s.Images.Save(r.Plate, r.DeviceSN, r.TimestampUTC, "ctx", ctxB64)
		if werr == nil {
			r.HasImageCtx = true
			r.ImageCtxPath = &rel
		} else {
			r.HasImageCtx = false
			r.ImageCtxPath = nil
		}
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("save reading: begin: %w", err)
	}
	defer tx.Rollback()

	if err := (ReadingModel{DB: tx}).insert(ctx, r); err != nil {
		return 0, 0, fmt.Errorf("save reading: insert reading: %w", err)
	}

	var msgID int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO messages_queue (reading_id, status, attempts)
		VALUES ($1, $2, 0)
		RETURNING id`, r.ID, StatusPending).Scan(&msgID)
	if err != nil {
		return 0, 0, fmt.Errorf("save reading: insert queue row: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("save reading: commit: %w", err)
	}
	return r.ID, msgID, nil
}
