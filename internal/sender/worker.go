package sender

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/technosupport/ts-alpr/internal/data"
	"github.com/technosupport/ts-alpr/internal/images"
	"github.com/technosupport/ts-alpr/internal/metrics"
)

// Terminal failure reasons recorded in last_error. Kept in the downstream
// operators' language; their dashboards grep for these exact strings.
const (
	DeadNotFound          = "LECTURA_O_CAMARA_NO_ENCONTRADA"
	DeadCertMissing       = "CERTIFICADO_NO_CONFIGURADO"
	DeadCertIncomplete    = "CERTIFICADO_INCOMPLETO"
	DeadEndpointMissing   = "ENDPOINT_URL_NO_CONFIGURADA"
	DeadRetriesExhausted  = "MAX_REINTENTOS_AGOTADOS"
	DeadNoImageOcr        = "NO_IMAGE_AVAILABLE_OCR"
	DeadNoImageCtx        = "NO_IMAGE_AVAILABLE_CTX"
	DeadImageFileOcrPfx   = "NO_IMAGE_FILE_OCR:"
	DeadImageFileCtxPfx   = "NO_IMAGE_FILE_CTX:"
)

// Worker drains the queue in created_at order, one row at a time. Intra-batch
// processing is sequential: it keeps certificate and session handling simple
// and avoids hammering the downstream.
type Worker struct {
	Queue          data.QueueModel
	Store          *data.QueueStore
	Readings       data.ReadingModel
	Cameras        data.CameraModel
	Municipalities data.MunicipalityModel
	Endpoints      data.EndpointModel
	Certificates   data.CertificateModel
	Images         *images.Store
	Keys           *KeyCache
	Log            *logrus.Logger

	// CertsDir anchors relative PEM paths stored in the certificates table.
	CertsDir string

	PollInterval    time.Duration
	BatchSize       int
	DefaultRetryMax int
	DefaultBackoff  time.Duration
	DefaultTimeout  time.Duration
	ErrorBackoff    time.Duration
}

func (w *Worker) defaults() {
	if w.PollInterval <= 0 {
		w.PollInterval = 5 * time.Second
	}
	if w.BatchSize <= 0 {
		w.BatchSize = 50
	}
	if w.DefaultRetryMax <= 0 {
		w.DefaultRetryMax = 3
	}
	if w.DefaultBackoff <= 0 {
		w.DefaultBackoff = time.Second
	}
	if w.DefaultTimeout <= 0 {
		w.DefaultTimeout = 5 * time.Second
	}
	if w.ErrorBackoff <= 0 {
		w.ErrorBackoff = 3 * time.Second
	}
}

// Run polls and processes until the context is canceled.
func (w *Worker) Run(ctx context.Context) error {
	w.defaults()
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		batch, err := w.Queue.ClaimPending(ctx, w.BatchSize)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.Log.WithError(err).Error("claiming batch")
			if !sleepCtx(ctx, w.ErrorBackoff) {
				return nil
			}
			continue
		}
		if len(batch) == 0 {
			if !sleepCtx(ctx, w.PollInterval) {
				return nil
			}
			continue
		}
		for i := range batch {
			if ctx.Err() != nil {
				return nil
			}
			w.processMessage(ctx, &batch[i])
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// processMessage runs the full per-row pipeline. Configuration problems are
// terminal before any network I/O; only claimed rows reach the wire.
func (w *Worker) processMessage(ctx context.Context, msg *data.QueueMessage) {
	reading, err := w.Readings.GetByID(ctx, msg.ReadingID)
	if errors.Is(err, data.ErrRecordNotFound) {
		w.dead(ctx, msg.ID, DeadNotFound)
		return
	}
	if err != nil {
		w.Log.WithError(err).Errorf("msg=%d: loading reading", msg.ID)
		return
	}

	camera, err := w.Cameras.GetByID(ctx, reading.CameraID)
	if errors.Is(err, data.ErrRecordNotFound) {
		w.dead(ctx, msg.ID, DeadNotFound)
		return
	}
	if err != nil {
		w.Log.WithError(err).Errorf("msg=%d: loading camera", msg.ID)
		return
	}

	muni, err := w.Municipalities.GetByID(ctx, camera.MunicipalityID)
	if errors.Is(err, data.ErrRecordNotFound) {
		w.dead(ctx, msg.ID, DeadNotFound)
		return
	}
	if err != nil {
		w.Log.WithError(err).Errorf("msg=%d: loading municipality", msg.ID)
		return
	}

	certPath, keyPath, reason := w.resolveCertPaths(ctx, camera, muni)
	if reason != "" {
		w.dead(ctx, msg.ID, reason)
		return
	}
	kp, err := w.Keys.Get(certPath, keyPath)
	if err != nil {
		w.Log.WithError(err).Warnf("msg=%d: keypair unusable", msg.ID)
		w.dead(ctx, msg.ID, DeadCertIncomplete)
		return
	}

	endpoint, reason := w.resolveEndpoint(ctx, camera, muni)
	if reason != "" {
		w.dead(ctx, msg.ID, reason)
		return
	}

	retryMax := endpoint.RetryMax
	if retryMax <= 0 {
		retryMax = w.DefaultRetryMax
	}
	backoff := time.Duration(endpoint.RetryBackoffMs) * time.Millisecond
	if backoff <= 0 {
		backoff = w.DefaultBackoff
	}
	timeout := time.Duration(endpoint.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = w.DefaultTimeout
	}

	if msg.Attempts >= retryMax {
		w.dead(ctx, msg.ID, DeadRetriesExhausted)
		return
	}
	if msg.NextRetryAt != nil && msg.NextRetryAt.After(time.Now()) {
		return // not due yet
	}

	ocrBytes, ctxBytes, reason := w.loadImages(reading)
	if reason != "" {
		w.dead(ctx, msg.ID, reason)
		return
	}

	claimed, err := w.Queue.MarkSending(ctx, msg.ID)
	if err != nil {
		w.Log.WithError(err).Errorf("msg=%d: marking SENDING", msg.ID)
		return
	}
	if !claimed {
		return // another worker beat us to it
	}

	req := &PlateRequest{
		CodiLector: camera.CodigoLector,
		Plate:      reading.Plate,
		Timestamp:  reading.TimestampUTC,
		ImgOCR:     ocrBytes,
		ImgContext: ctxBytes,
	}
	req.CoordX, req.CoordY = cameraCoords(camera)

	result := kp.Send(ctx, endpoint.URL, req, timeout)
	metrics.SenderAttempts.WithLabelValues(result.Outcome.String()).Inc()

	switch result.Outcome {
	case OutcomeSuccess:
		paths, err := w.Store.MarkSuccessAndPurge(ctx, msg.ID)
		if err != nil {
			w.Log.WithError(err).Errorf("msg=%d: delivered but purge failed", msg.ID)
			return
		}
		for _, p := range paths {
			w.Images.Delete(p)
		}
		w.Log.Infof("msg=%d plate=%s delivered (%s)", msg.ID, reading.Plate, result.Detail)

	case OutcomeTransient:
		if msg.Attempts+1 < retryMax {
			next := time.Now().Add(backoff)
			if err := w.Queue.MarkFailed(ctx, msg.ID, result.Detail, next); err != nil {
				w.Log.WithError(err).Errorf("msg=%d: marking FAILED", msg.ID)
				return
			}
			w.Log.Warnf("msg=%d plate=%s transient failure (%s), retry at %s",
				msg.ID, reading.Plate, result.Detail, next.Format(time.RFC3339))
		} else {
			w.dead(ctx, msg.ID, result.Detail)
		}

	case OutcomePermanent:
		w.dead(ctx, msg.ID, result.Detail)
	}
}

// resolveCertPaths picks the camera override, then the municipality. The
// client_cert_path column is preferred; the legacy path column serves tenants
// migrated before the split into cert+key files.
func (w *Worker) resolveCertPaths(ctx context.Context, camera *data.Camera, muni *data.Municipality) (certPath, keyPath, deadReason string) {
	certID := camera.CertificateID
	if certID == nil {
		certID = muni.CertificateID
	}
	if certID == nil {
		return "", "", DeadCertMissing
	}
	cert, err := w.Certificates.GetByID(ctx, *certID)
	if errors.Is(err, data.ErrRecordNotFound) {
		return "", "", DeadCertMissing
	}
	if err != nil {
		w.Log.WithError(err).Errorf("loading certificate %d", *certID)
		return "", "", DeadCertMissing
	}

	if cert.ClientCertPath != nil && *cert.ClientCertPath != "" {
		certPath = *cert.ClientCertPath
	} else if cert.Path != nil && *cert.Path != "" {
		certPath = *cert.Path
	}
	if cert.KeyPath != nil {
		keyPath = *cert.KeyPath
	}
	if certPath == "" || keyPath == "" {
		return "", "", DeadCertIncomplete
	}
	if !filepath.IsAbs(certPath) {
		certPath = filepath.Join(w.CertsDir, certPath)
	}
	if !filepath.IsAbs(keyPath) {
		keyPath = filepath.Join(w.CertsDir, keyPath)
	}
	return certPath, keyPath, ""
}

func (w *Worker) resolveEndpoint(ctx context.Context, camera *data.Camera, muni *data.Municipality) (*data.Endpoint, string) {
	endpointID := camera.EndpointID
	if endpointID == nil {
		endpointID = muni.EndpointID
	}
	if endpointID == nil {
		return nil, DeadEndpointMissing
	}
	endpoint, err := w.Endpoints.GetByID(ctx, *endpointID)
	if errors.Is(err, data.ErrRecordNotFound) {
		return nil, DeadEndpointMissing
	}
	if err != nil {
		w.Log.WithError(err).Errorf("loading endpoint %d", *endpointID)
		return nil, DeadEndpointMissing
	}
	if endpoint.URL == "" {
		return nil, DeadEndpointMissing
	}
	return endpoint, ""
}

// loadImages reads the OCR image (mandatory) and the context image (only
// when the reading recorded one). A recorded image whose file has since
// vanished is terminal with the path in the reason.
func (w *Worker) loadImages(reading *data.AlprReading) (ocr, ctxImg []byte, deadReason string) {
	if !reading.HasImageOcr || reading.ImageOcrPath == nil || *reading.ImageOcrPath == "" {
		return nil, nil, DeadNoImageOcr
	}
	if !w.Images.Exists(*reading.ImageOcrPath) {
		return nil, nil, DeadImageFileOcrPfx + *reading.ImageOcrPath
	}
	ocr, err := w.Images.Read(*reading.ImageOcrPath)
	if err != nil {
		return nil, nil, DeadImageFileOcrPfx + *reading.ImageOcrPath
	}

	if reading.HasImageCtx {
		if reading.ImageCtxPath == nil || *reading.ImageCtxPath == "" {
			return nil, nil, DeadNoImageCtx
		}
		if !w.Images.Exists(*reading.ImageCtxPath) {
			return nil, nil, DeadImageFileCtxPfx + *reading.ImageCtxPath
		}
		ctxImg, err = w.Images.Read(*reading.ImageCtxPath)
		if err != nil {
			return nil, nil, DeadImageFileCtxPfx + *reading.ImageCtxPath
		}
	}
	return ocr, ctxImg, ""
}

// cameraCoords returns the formatted UTM pair: the two-decimal text columns
// when present, the legacy float columns formatted to two decimals otherwise.
func cameraCoords(camera *data.Camera) (x, y string) {
	if camera.CoordX != nil && *camera.CoordX != "" && camera.CoordY != nil && *camera.CoordY != "" {
		return *camera.CoordX, *camera.CoordY
	}
	if camera.UTMX != nil && camera.UTMY != nil {
		return fmt.Sprintf("%.2f", *camera.UTMX), fmt.Sprintf("%.2f", *camera.UTMY)
	}
	return "", ""
}

func (w *Worker) dead(ctx context.Context, id int64, reason string) {
	if err := w.Queue.MarkDead(ctx, id, reason); err != nil {
		w.Log.WithError(err).Errorf("msg=%d: marking DEAD", id)
		return
	}
	metrics.SenderAttempts.WithLabelValues("dead").Inc()
	w.Log.Warnf("msg=%d dead: %s", id, reason)
}
