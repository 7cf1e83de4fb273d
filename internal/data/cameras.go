package data

import (
	"context"
	"database/sql"
	"errors"
)

type CameraModel struct {
	DB DBTX
}

const cameraColumns = `
	id, serial_number, codigo_lector, description, municipality_id,
	endpoint_id, certificate_id, coord_x, coord_y, utm_x, utm_y,
	active, last_sent_at`

func scanCamera(row *sql.Row) (*Camera, error) {
	var c Camera
	err := row.Scan(
		&c.ID, &c.SerialNumber, &c.CodigoLector, &c.Description, &c.MunicipalityID,
		&c.EndpointID, &c.CertificateID, &c.CoordX, &c.CoordY, &c.UTMX, &c.UTMY,
		&c.Active, &c.LastSentAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (m CameraModel) GetByID(ctx context.Context, id int64) (*Camera, error) {
	query := `SELECT` + cameraColumns + ` FROM cameras WHERE id = $1`
	return scanCamera(m.DB.QueryRowContext(ctx, query, id))
}

// GetBySerial resolves the wire-level DEVICE_SN / SerialNumber to a camera.
func (m CameraModel) GetBySerial(ctx context.Context, serial string) (*Camera, error) {
	query := `SELECT` + cameraColumns + ` FROM cameras WHERE serial_number = $1`
	return scanCamera(m.DB.QueryRowContext(ctx, query, serial))
}

// TouchLastSent records the last successful delivery for the camera.
func (m CameraModel) TouchLastSent(ctx context.Context, id int64) error {
	_, err := m.DB.ExecContext(ctx,
		`UPDATE cameras SET last_sent_at = NOW() WHERE id = $1`, id)
	return err
}

type MunicipalityModel struct {
	DB DBTX
}

func (m MunicipalityModel) GetByID(ctx context.Context, id int64) (*Municipality, error) {
	query := `
		SELECT id, name, code, certificate_id, endpoint_id, active
		FROM municipalities WHERE id = $1`

	var mu Municipality
	err := m.DB.QueryRowContext(ctx, query, id).Scan(
		&mu.ID, &mu.Name, &mu.Code, &mu.CertificateID, &mu.EndpointID, &mu.Active,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	return &mu, nil
}

type EndpointModel struct {
	DB DBTX
}

func (m EndpointModel) GetByID(ctx context.Context, id int64) (*Endpoint, error) {
	query := `
		SELECT id, name, url, timeout_ms, retry_max, retry_backoff_ms
		FROM endpoints WHERE id = $1`

	var e Endpoint
	err := m.DB.QueryRowContext(ctx, query, id).Scan(
		&e.ID, &e.Name, &e.URL, &e.TimeoutMs, &e.RetryMax, &e.RetryBackoffMs,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

type CertificateModel struct {
	DB DBTX
}

func (m CertificateModel) GetByID(ctx context.Context, id int64) (*Certificate, error) {
	query := `
		SELECT id, name, path, client_cert_path, key_path, active
		FROM certificates WHERE id = $1`

	var c Certificate
	err := m.DB.QueryRowContext(ctx, query, id).Scan(
		&c.ID, &c.Name, &c.Path, &c.ClientCertPath, &c.KeyPath, &c.Active,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}
