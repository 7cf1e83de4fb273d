package data

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

var (
	ErrRecordNotFound = errors.New("record not found")
	// ErrUnknownCamera is returned when a reading references a serial number
	// with no cameras row; the reading is rejected and nothing persists.
	ErrUnknownCamera = errors.New("unknown camera")
)

// DBTX is a common interface for *sql.DB and *sql.Tx
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// MessageStatus is the queue state machine:
// PENDING -> SENDING -> {SUCCESS(purged) | FAILED(retry) | DEAD}.
type MessageStatus string

const (
	StatusPending MessageStatus = "PENDING"
	StatusSending MessageStatus = "SENDING"
	StatusSuccess MessageStatus = "SUCCESS"
	StatusFailed  MessageStatus = "FAILED"
	StatusDead    MessageStatus = "DEAD"
)

type Municipality struct {
	ID            int64
	Name          string
	Code          *string
	CertificateID *int64
	EndpointID    *int64
	Active        bool
}

type Endpoint struct {
	ID             int64
	Name           string
	URL            string
	TimeoutMs      int
	RetryMax       int
	RetryBackoffMs int
}

// Certificate points at already-extracted PEM material on disk.
// ClientCertPath is the client certificate optionally followed by the CA
// chain; Path is the legacy single-file column kept as a fallback.
type Certificate struct {
	ID             int64
	Name           string
	Path           *string
	ClientCertPath *string
	KeyPath        *string
	Active         bool
}

// Camera routes readings: serial_number identifies the device on the wire,
// codigo_lector identifies it to the downstream. Endpoint and certificate at
// camera level override the municipality's.
type Camera struct {
	ID             int64
	SerialNumber   string
	CodigoLector   string
	Description    *string
	MunicipalityID int64
	EndpointID     *int64
	CertificateID  *int64
	CoordX         *string // UTM31N-ETRS89, exactly two decimals, kept as text
	CoordY         *string
	UTMX           *float64 // legacy float columns, used only when coord_* is NULL
	UTMY           *float64
	Active         bool
	LastSentAt     *time.Time
}

type AlprReading struct {
	ID           int64
	CameraID     int64
	DeviceSN     string
	Plate        string
	TimestampUTC time.Time
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
	HasImageOcr  bool
	HasImageCtx  bool
	ImageOcrPath *string
	ImageCtxPath *string
	RawXML       *string
	CreatedAt    time.Time
}

type QueueMessage struct {
	ID          int64
	ReadingID   int64
	Status      MessageStatus
	Attempts    int
	LastError   *string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	SentAt      *time.Time
	LastSentAt  *time.Time
	NextRetryAt *time.Time
}

// QueueCounts is the health surface: messages by status plus total readings.
type QueueCounts struct {
	Pending       int64 `json:"pending_messages"`
	Failed        int64 `json:"failed_messages"`
	Dead          int64 `json:"dead_messages"`
	TotalReadings int64 `json:"total_readings"`
}
