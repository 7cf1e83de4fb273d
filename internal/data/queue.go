package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type QueueModel struct {
	DB DBTX
}

const queueColumns = `
	id, reading_id, status, attempts, last_error, created_at, updated_at,
	sent_at, last_sent_at, next_retry_at`

// ClaimPending lists messages due for an attempt: PENDING or FAILED with no
// retry window, or a window that has elapsed. Oldest first. The selection is
// advisory; MarkSending is the real claim.
func (m QueueModel) ClaimPending(ctx context.Context, limit int) ([]QueueMessage, error) {
	query := `
		SELECT` + queueColumns + `
		FROM messages_queue
		WHERE status IN ($1, $2)
		  AND (next_retry_at IS NULL OR next_retry_at <= NOW())
		ORDER BY created_at
		LIMIT $3`

	rows, err := m.DB.QueryContext(ctx, query, StatusPending, StatusFailed, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []QueueMessage
	for rows.Next() {
		var q QueueMessage
		if err := rows.Scan(
			&q.ID, &q.ReadingID, &q.Status, &q.Attempts, &q.LastError,
			&q.CreatedAt, &q.UpdatedAt, &q.SentAt, &q.LastSentAt, &q.NextRetryAt,
		); err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

// MarkSending flips a PENDING/FAILED row to SENDING. Returns false when the
// row was already taken (or gone), which guarantees at most one in-flight
// attempt per message.
func (m QueueModel) MarkSending(ctx context.Context, id int64) (bool, error) {
	res, err := m.DB.ExecContext(ctx, `
		UPDATE messages_queue
		SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status IN ($3, $4)`,
		StatusSending, id, StatusPending, StatusFailed)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// MarkFailed records a transient failure and schedules the retry.
func (m QueueModel) MarkFailed(ctx context.Context, id int64, lastError string, nextRetryAt time.Time) error {
	_, err := m.DB.ExecContext(ctx, `
		UPDATE messages_queue
		SET status = $1, attempts = attempts + 1, last_error = $2,
		    next_retry_at = $3, updated_at = NOW()
		WHERE id = $4`,
		StatusFailed, lastError, nextRetryAt, id)
	return err
}

// MarkDead records a terminal failure; the row is retained for inspection
// until janitor retention expires.
func (m QueueModel) MarkDead(ctx context.Context, id int64, lastError string) error {
	_, err := m.DB.ExecContext(ctx, `
		UPDATE messages_queue
		SET status = $1, attempts = attempts + 1, last_error = $2,
		    next_retry_at = NULL, updated_at = NOW()
		WHERE id = $3`,
		StatusDead, lastError, id)
	return err
}

// CountsByStatus backs the health endpoint and the queue gauge.
func (m QueueModel) CountsByStatus(ctx context.Context) (QueueCounts, error) {
	var c QueueCounts
	err := m.DB.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status = $1),
			COUNT(*) FILTER (WHERE status = $2),
			COUNT(*) FILTER (WHERE status = $3)
		FROM messages_queue`,
		StatusPending, StatusFailed, StatusDead,
	).Scan(&c.Pending, &c.Failed, &c.Dead)
	if err != nil {
		return c, err
	}
	err = m.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM alpr_readings`).Scan(&c.TotalReadings)
	return c, err
}

// QueueStore couples the queue to the reading rows and image files for the
// success path, which must be one transactional step.
type QueueStore struct {
	DB *sql.DB
}

// MarkSuccessAndPurge finalizes a delivered message: stamps the queue row and
// the camera, then deletes the queue row and its reading in one transaction.
// It returns the image paths that backed the reading so the caller can unlink
// them once the transaction is committed.
func (s *QueueStore) MarkSuccessAndPurge(ctx context.Context, id int64) (imagePaths []string, err error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("purge: begin: %w", err)
	}
	defer tx.Rollback()

	var readingID, cameraID int64
	var ocrPath, ctxPath sql.NullString
	err = tx.QueryRowContext(ctx, `
		SELECT q.reading_id, r.camera_id, r.image_ocr_path, r.image_ctx_path
		FROM messages_queue q
		JOIN alpr_readings r ON r.id = q.reading_id
		WHERE q.id = $1`, id,
	).Scan(&readingID, &cameraID, &ocrPath, &ctxPath)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("purge: load: %w", err)
	}

	// The SUCCESS state is transient: observable inside this transaction only.
	_, err = tx.ExecContext(ctx, `
		UPDATE messages_queue
		SET status = $1, attempts = attempts + 1, last_error = NULL,
		    sent_at = NOW(), last_sent_at = NOW(), updated_at = NOW()
		WHERE id = $2`, StatusSuccess, id)
	if err != nil {
		return nil, fmt.Errorf("purge: stamp queue: %w", err)
	}

	if err = (CameraModel{DB: tx}).TouchLastSent(ctx, cameraID); err != nil {
		return nil, fmt.Errorf("purge: stamp camera: %w", err)
	}

	if _, err = tx.ExecContext(ctx,
		`DELETE FROM messages_queue WHERE id = $1`, id); err != nil {
		return nil, fmt.Errorf("purge: delete queue row: %w", err)
	}
	if _, err = tx.ExecContext(ctx,
		`DELETE FROM alpr_readings WHERE id = $1`, readingID); err != nil {
		return nil, fmt.Errorf("purge: delete reading: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("purge: commit: %w", err)
	}

	if ocrPath.Valid && ocrPath.String != "" {
		imagePaths = append(imagePaths, ocrPath.String)
	}
	if ctxPath.Valid && ctxPath.String != "" {
		imagePaths = append(imagePaths, ctxPath.String)
	}
	return imagePaths, nil
}
