package sender

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"database/sql"
	"database/sql/driver"
	"encoding/pem"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/sirupsen/logrus"

	"github.com/technosupport/ts-alpr/internal/data"
	"github.com/technosupport/ts-alpr/internal/images"
)

func TestCameraCoords(t *testing.T) {
	str := func(s string) *string { return &s }
	f := func(v float64) *float64 { return &v }

	// text columns win
	cam := &data.Camera{CoordX: str("430100.25"), CoordY: str("4583200.50"), UTMX: f(1), UTMY: f(2)}
	x, y := cameraCoords(cam)
	if x != "430100.25" || y != "4583200.50" {
		t.Errorf("coord columns not preferred: %s %s", x, y)
	}

	// legacy float fallback formats to two decimals
	cam = &data.Camera{UTMX: f(430100.2), UTMY: f(4583200)}
	x, y = cameraCoords(cam)
	if x != "430100.20" || y != "4583200.00" {
		t.Errorf("legacy fallback wrong: %s %s", x, y)
	}

	// nothing configured
	cam = &data.Camera{}
	if x, y = cameraCoords(cam); x != "" || y != "" {
		t.Errorf("expected empty coords")
	}
}

func TestLoadImages(t *testing.T) {
	log := logrus.New()
	store := &images.Store{Root: t.TempDir(), Log: log}
	w := &Worker{Images: store, Log: log}

	rel := filepath.Join("TAT-001", "ocr.jpg")
	os.MkdirAll(filepath.Join(store.Root, "TAT-001"), 0o755)
	os.WriteFile(filepath.Join(store.Root, rel), []byte("jpeg"), 0o644)

	// happy path, no context image
	r := &data.AlprReading{HasImageOcr: true, ImageOcrPath: &rel}
	ocr, ctxImg, reason := w.loadImages(r)
	if reason != "" || string(ocr) != "jpeg" || ctxImg != nil {
		t.Errorf("got reason=%q ocr=%q ctx=%v", reason, ocr, ctxImg)
	}

	// OCR image flagged but never written
	r = &data.AlprReading{HasImageOcr: false}
	if _, _, reason = w.loadImages(r); reason != DeadNoImageOcr {
		t.Errorf("reason = %q, want %q", reason, DeadNoImageOcr)
	}

	// OCR image recorded but deleted from disk
	gone := filepath.Join("TAT-001", "vanished.jpg")
	r = &data.AlprReading{HasImageOcr: true, ImageOcrPath: &gone}
	if _, _, reason = w.loadImages(r); reason != DeadImageFileOcrPfx+gone {
		t.Errorf("reason = %q", reason)
	}

	// context image flagged but missing
	ctxGone := filepath.Join("TAT-001", "ctx.jpg")
	r = &data.AlprReading{HasImageOcr: true, ImageOcrPath: &rel, HasImageCtx: true, ImageCtxPath: &ctxGone}
	if _, _, reason = w.loadImages(r); reason != DeadImageFileCtxPfx+ctxGone {
		t.Errorf("reason = %q", reason)
	}
}

// A queue row pointing at a deleted reading goes DEAD immediately.
func TestProcessMessage_ReadingGone(t *testing.T) {
	db, mock, _ := sqlmock.New()
	defer db.Close()

	mock.ExpectQuery("SELECT(.|\n)*FROM alpr_readings").
		WithArgs(int64(42)).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec("UPDATE messages_queue").
		WithArgs(data.StatusDead, DeadNotFound, int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	w := &Worker{
		Queue:    data.QueueModel{DB: db},
		Readings: data.ReadingModel{DB: db},
		Log:      logrus.New(),
	}
	w.defaults()
	w.processMessage(context.Background(), &data.QueueMessage{ID: 7, ReadingID: 42})

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestResolveCertPaths(t *testing.T) {
	db, mock, _ := sqlmock.New()
	defer db.Close()
	w := &Worker{Certificates: data.CertificateModel{DB: db}, Log: logrus.New()}

	id := int64(3)
	clientCert := "certs/muni.pem"
	key := "certs/muni.key"

	mock.ExpectQuery("SELECT(.|\n)*FROM certificates").
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "path", "client_cert_path", "key_path", "active"}).
			AddRow(id, "muni", nil, clientCert, key, true))

	cam := &data.Camera{}
	muni := &data.Municipality{CertificateID: &id}
	certPath, keyPath, reason := w.resolveCertPaths(context.Background(), cam, muni)
	if reason != "" || certPath != clientCert || keyPath != key {
		t.Errorf("got %q %q reason=%q", certPath, keyPath, reason)
	}

	// legacy path column used when client_cert_path is NULL
	legacy := "certs/legacy.pem"
	mock.ExpectQuery("SELECT(.|\n)*FROM certificates").
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "path", "client_cert_path", "key_path", "active"}).
			AddRow(id, "muni", legacy, nil, key, true))
	certPath, _, reason = w.resolveCertPaths(context.Background(), cam, muni)
	if reason != "" || certPath != legacy {
		t.Errorf("legacy fallback: got %q reason=%q", certPath, reason)
	}

	// key path missing makes the certificate incomplete
	mock.ExpectQuery("SELECT(.|\n)*FROM certificates").
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "path", "client_cert_path", "key_path", "active"}).
			AddRow(id, "muni", nil, clientCert, nil, true))
	_, _, reason = w.resolveCertPaths(context.Background(), cam, muni)
	if reason != DeadCertIncomplete {
		t.Errorf("reason = %q, want %q", reason, DeadCertIncomplete)
	}

	// no certificate configured anywhere
	_, _, reason = w.resolveCertPaths(context.Background(), &data.Camera{}, &data.Municipality{})
	if reason != DeadCertMissing {
		t.Errorf("reason = %q, want %q", reason, DeadCertMissing)
	}
}

// writeTestPEMs drops a self-signed RSA cert/key pair on disk so the keypair
// loading path runs for real.
func writeTestPEMs(t *testing.T) (certPath, keyPath string) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "relay-test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("creating cert: %v", err)
	}
	dir := t.TempDir()
	certPath = filepath.Join(dir, "muni.pem")
	keyPath = filepath.Join(dir, "muni.key")
	os.WriteFile(certPath, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600)
	os.WriteFile(keyPath, pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}), 0o600)
	return certPath, keyPath
}

// timeAtOrAfter matches any time.Time not before the bound.
type timeAtOrAfter struct{ t time.Time }

func (m timeAtOrAfter) Match(v driver.Value) bool {
	ts, ok := v.(time.Time)
	return ok && !ts.Before(m.t)
}

// newPipelineWorker wires a Worker against sqlmock and a real image store with
// one OCR image on disk, ready for processMessage.
func newPipelineWorker(t *testing.T, db *sql.DB) (*Worker, string) {
	t.Helper()
	keys, err := NewKeyCache(4)
	if err != nil {
		t.Fatalf("key cache: %v", err)
	}
	store := &images.Store{Root: t.TempDir(), Log: logrus.New()}
	rel := filepath.Join("TAT-001", "ocr.jpg")
	os.MkdirAll(filepath.Join(store.Root, "TAT-001"), 0o755)
	os.WriteFile(filepath.Join(store.Root, rel), []byte("jpeg"), 0o644)

	w := &Worker{
		Queue:          data.QueueModel{DB: db},
		Store:          &data.QueueStore{DB: db},
		Readings:       data.ReadingModel{DB: db},
		Cameras:        data.CameraModel{DB: db},
		Municipalities: data.MunicipalityModel{DB: db},
		Endpoints:      data.EndpointModel{DB: db},
		Certificates:   data.CertificateModel{DB: db},
		Images:         store,
		Keys:           keys,
		Log:            logrus.New(),
	}
	w.defaults()
	return w, rel
}

// expectPipelineLoads queues the reading/camera/municipality/certificate/
// endpoint lookups processMessage performs before touching the queue row.
// The endpoint row carries retry_max=3, backoff 1000ms.
func expectPipelineLoads(mock sqlmock.Sqlmock, url, certPath, keyPath, ocrRel string) {
	certID, epID := int64(3), int64(5)
	ts := time.Date(2026, 3, 15, 14, 22, 31, 0, time.UTC)

	mock.ExpectQuery("SELECT(.|\n)*FROM alpr_readings").
		WithArgs(int64(42)).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "camera_id", "device_sn", "plate", "timestamp_utc", "direction",
			"lane_id", "lane_descr", "ocr_score", "country_code", "country",
			"bbox_min_x", "bbox_min_y", "bbox_max_x", "bbox_max_y", "char_height",
			"has_image_ocr", "has_image_ctx", "image_ocr_path", "image_ctx_path",
			"raw_xml", "created_at",
		}).AddRow(42, 9, "TAT-001", "1234ABC", ts, nil,
			nil, nil, nil, nil, nil,
			nil, nil, nil, nil, nil,
			true, false, ocrRel, nil,
			nil, ts))
	mock.ExpectQuery("SELECT(.|\n)*FROM cameras").
		WithArgs(int64(9)).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "serial_number", "codigo_lector", "description", "municipality_id",
			"endpoint_id", "certificate_id", "coord_x", "coord_y", "utm_x", "utm_y",
			"active", "last_sent_at",
		}).AddRow(9, "TAT-001", "L001", nil, 1, nil, nil, nil, nil, nil, nil, true, nil))
	mock.ExpectQuery("SELECT(.|\n)*FROM municipalities").
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "code", "certificate_id", "endpoint_id", "active"}).
			AddRow(1, "Testvila", "M1", certID, epID, true))
	mock.ExpectQuery("SELECT(.|\n)*FROM certificates").
		WithArgs(certID).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "path", "client_cert_path", "key_path", "active"}).
			AddRow(certID, "muni", nil, certPath, keyPath, true))
	mock.ExpectQuery("SELECT(.|\n)*FROM endpoints").
		WithArgs(epID).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "url", "timeout_ms", "retry_max", "retry_backoff_ms"}).
			AddRow(epID, "dgp", url, 2000, 3, 1000))
}

// A transient failure with budget left goes FAILED with the retry scheduled
// one backoff out.
func TestProcessMessage_TransientSchedulesRetry(t *testing.T) {
	db, mock, _ := sqlmock.New()
	defer db.Close()
	certPath, keyPath := writeTestPEMs(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("gateway error"))
	}))
	defer srv.Close()

	w, rel := newPipelineWorker(t, db)
	expectPipelineLoads(mock, srv.URL, certPath, keyPath, rel)

	start := time.Now()
	mock.ExpectExec("UPDATE messages_queue").
		WithArgs(data.StatusSending, int64(7), data.StatusPending, data.StatusFailed).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE messages_queue").
		WithArgs(data.StatusFailed, "http 503", timeAtOrAfter{start.Add(900 * time.Millisecond)}, int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	w.processMessage(context.Background(), &data.QueueMessage{ID: 7, ReadingID: 42, Attempts: 0})

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

// The final transient attempt (attempts+1 == retry_max) goes DEAD with the
// failure detail, not FAILED.
func TestProcessMessage_TransientExhaustsToDead(t *testing.T) {
	db, mock, _ := sqlmock.New()
	defer db.Close()
	certPath, keyPath := writeTestPEMs(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	w, rel := newPipelineWorker(t, db)
	expectPipelineLoads(mock, srv.URL, certPath, keyPath, rel)

	mock.ExpectExec("UPDATE messages_queue").
		WithArgs(data.StatusSending, int64(7), data.StatusPending, data.StatusFailed).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE messages_queue").
		WithArgs(data.StatusDead, "http 503", int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	w.processMessage(context.Background(), &data.QueueMessage{ID: 7, ReadingID: 42, Attempts: 2})

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

// A row claimed with its budget already spent goes DEAD before any network I/O.
func TestProcessMessage_BudgetSpentGoesDead(t *testing.T) {
	db, mock, _ := sqlmock.New()
	defer db.Close()
	certPath, keyPath := writeTestPEMs(t)

	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
	}))
	defer srv.Close()

	w, rel := newPipelineWorker(t, db)
	expectPipelineLoads(mock, srv.URL, certPath, keyPath, rel)

	mock.ExpectExec("UPDATE messages_queue").
		WithArgs(data.StatusDead, DeadRetriesExhausted, int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	w.processMessage(context.Background(), &data.QueueMessage{ID: 7, ReadingID: 42, Attempts: 3})

	if hits != 0 {
		t.Errorf("endpoint hit %d times, want 0", hits)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

// A delivery that succeeds after an earlier transient failure purges the row
// and unlinks the images.
func TestProcessMessage_SuccessAfterRetryPurges(t *testing.T) {
	db, mock, _ := sqlmock.New()
	defer db.Close()
	certPath, keyPath := writeTestPEMs(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<Envelope><Body><matriculaResponse><codiRetorn>1</codiRetorn></matriculaResponse></Body></Envelope>`))
	}))
	defer srv.Close()

	w, rel := newPipelineWorker(t, db)
	expectPipelineLoads(mock, srv.URL, certPath, keyPath, rel)

	mock.ExpectExec("UPDATE messages_queue").
		WithArgs(data.StatusSending, int64(7), data.StatusPending, data.StatusFailed).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT q.reading_id").
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"reading_id", "camera_id", "image_ocr_path", "image_ctx_path"}).
			AddRow(42, 9, rel, nil))
	mock.ExpectExec("UPDATE messages_queue").
		WithArgs(data.StatusSuccess, int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE cameras").
		WithArgs(int64(9)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM messages_queue").
		WithArgs(int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM alpr_readings").
		WithArgs(int64(42)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	w.processMessage(context.Background(), &data.QueueMessage{ID: 7, ReadingID: 42, Attempts: 1})

	if _, err := os.Stat(filepath.Join(w.Images.Root, rel)); !os.IsNotExist(err) {
		t.Errorf("image not unlinked after purge: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestSleepCtx(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if sleepCtx(ctx, time.Minute) {
		t.Error("canceled context must interrupt the sleep")
	}
	if !sleepCtx(context.Background(), time.Millisecond) {
		t.Error("expected sleep to complete")
	}
}
