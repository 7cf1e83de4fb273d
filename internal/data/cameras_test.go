package data

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestGetBySerial_NotFound(t *testing.T) {
	db, mock, _ := sqlmock.New()
	defer db.Close()
	m := CameraModel{DB: db}

	mock.ExpectQuery("SELECT(.|\n)*FROM cameras").
		WithArgs("GHOST-01").
		WillReturnError(sql.ErrNoRows)

	if _, err := m.GetBySerial(context.Background(), "GHOST-01"); !errors.Is(err, ErrRecordNotFound) {
		t.Errorf("expected ErrRecordNotFound, got %v", err)
	}
}

func TestTouchLastSent(t *testing.T) {
	db, mock, _ := sqlmock.New()
	defer db.Close()
	m := CameraModel{DB: db}

	mock.ExpectExec("UPDATE cameras SET last_sent_at").
		WithArgs(int64(9)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := m.TouchLastSent(context.Background(), 9); err != nil {
		t.Errorf("TouchLastSent: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
