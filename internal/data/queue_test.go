package data

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

// 1. Claim lists due rows oldest first
func TestClaimPending(t *testing.T) {
	db, mock, _ := sqlmock.New()
	defer db.Close()

	now := time.Now()
	rows := sqlmock.NewRows([]string{
		"id", "reading_id", "status", "attempts", "last_error",
		"created_at", "updated_at", "sent_at", "last_sent_at", "next_retry_at",
	}).
		AddRow(1, 10, "PENDING", 0, nil, now.Add(-2*time.Minute), now, nil, nil, nil).
		AddRow(2, 11, "FAILED", 1, "transport: timeout", now.Add(-time.Minute), now, nil, nil, now.Add(-time.Second))

	mock.ExpectQuery("SELECT(.|\n)*FROM messages_queue").
		WithArgs(StatusPending, StatusFailed, 50).
		WillReturnRows(rows)

	m := QueueModel{DB: db}
	batch, err := m.ClaimPending(context.Background(), 50)
	if err != nil {
		t.Fatalf("ClaimPending failed: %v", err)
	}
	if len(batch) != 2 {
		t.Fatalf("got %d rows, want 2", len(batch))
	}
	if batch[0].ID != 1 || batch[1].Status != StatusFailed {
		t.Errorf("rows scanned wrong: %+v", batch)
	}
	if batch[1].LastError == nil || *batch[1].LastError != "transport: timeout" {
		t.Errorf("last_error not scanned")
	}
}

// 2. MarkSending is a compare-and-swap
func TestMarkSending(t *testing.T) {
	db, mock, _ := sqlmock.New()
	defer db.Close()
	m := QueueModel{DB: db}

	mock.ExpectExec("UPDATE messages_queue").
		WithArgs(StatusSending, int64(7), StatusPending, StatusFailed).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := m.MarkSending(context.Background(), 7)
	if err != nil || !ok {
		t.Errorf("expected claim to succeed, got ok=%v err=%v", ok, err)
	}

	// Row already taken: zero rows affected, no error
	mock.ExpectExec("UPDATE messages_queue").
		WithArgs(StatusSending, int64(7), StatusPending, StatusFailed).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err = m.MarkSending(context.Background(), 7)
	if err != nil || ok {
		t.Errorf("expected claim to lose, got ok=%v err=%v", ok, err)
	}
}

func TestMarkFailedAndDead(t *testing.T) {
	db, mock, _ := sqlmock.New()
	defer db.Close()
	m := QueueModel{DB: db}

	next := time.Now().Add(time.Second)
	mock.ExpectExec("UPDATE messages_queue").
		WithArgs(StatusFailed, "http 500", next, int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := m.MarkFailed(context.Background(), 3, "http 500", next); err != nil {
		t.Errorf("MarkFailed: %v", err)
	}

	mock.ExpectExec("UPDATE messages_queue").
		WithArgs(StatusDead, "MAX_REINTENTOS_AGOTADOS", int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := m.MarkDead(context.Background(), 3, "MAX_REINTENTOS_AGOTADOS"); err != nil {
		t.Errorf("MarkDead: %v", err)
	}
}

// 3. The success path is one transaction: stamp, delete, report image paths
func TestMarkSuccessAndPurge(t *testing.T) {
	db, mock, _ := sqlmock.New()
	defer db.Close()
	s := &QueueStore{DB: db}

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT q.reading_id").
		WithArgs(int64(5)).
		WillReturnRows(sqlmock.NewRows([]string{"reading_id", "camera_id", "image_ocr_path", "image_ctx_path"}).
			AddRow(42, 9, "TAT-001/2026/03/15/x_ocr.jpg", nil))
	mock.ExpectExec("UPDATE messages_queue").
		WithArgs(StatusSuccess, int64(5)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE cameras").
		WithArgs(int64(9)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM messages_queue").
		WithArgs(int64(5)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM alpr_readings").
		WithArgs(int64(42)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	paths, err := s.MarkSuccessAndPurge(context.Background(), 5)
	if err != nil {
		t.Fatalf("purge failed: %v", err)
	}
	if len(paths) != 1 || paths[0] != "TAT-001/2026/03/15/x_ocr.jpg" {
		t.Errorf("image paths wrong: %v", paths)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestMarkSuccessAndPurge_Missing(t *testing.T) {
	db, mock, _ := sqlmock.New()
	defer db.Close()
	s := &QueueStore{DB: db}

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT q.reading_id").
		WithArgs(int64(404)).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	_, err := s.MarkSuccessAndPurge(context.Background(), 404)
	if !errors.Is(err, ErrRecordNotFound) {
		t.Errorf("expected ErrRecordNotFound, got %v", err)
	}
}

func TestCountsByStatus(t *testing.T) {
	db, mock, _ := sqlmock.New()
	defer db.Close()
	m := QueueModel{DB: db}

	mock.ExpectQuery("SELECT(.|\n)*FROM messages_queue").
		WithArgs(StatusPending, StatusFailed, StatusDead).
		WillReturnRows(sqlmock.NewRows([]string{"p", "f", "d"}).AddRow(3, 1, 2))
	mock.ExpectQuery("SELECT COUNT").
		WillReturnRows(sqlmock.NewRows([]string{"c"}).AddRow(4))

	c, err := m.CountsByStatus(context.Background())
	if err != nil {
		t.Fatalf("counts failed: %v", err)
	}
	if c.Pending != 3 || c.Failed != 1 || c.Dead != 2 || c.TotalReadings != 4 {
		t.Errorf("counts wrong: %+v", c)
	}
}
