// The relay ingests plate readings from roadside cameras (Tattile XML over
// TCP, Lector Vision JSON over HTTP), stores them durably in Postgres, and
// delivers each one to the downstream public-safety endpoint as a signed
// SOAP request.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/technosupport/ts-alpr/internal/api"
	"github.com/technosupport/ts-alpr/internal/cleanup"
	"github.com/technosupport/ts-alpr/internal/config"
	"github.com/technosupport/ts-alpr/internal/data"
	"github.com/technosupport/ts-alpr/internal/images"
	"github.com/technosupport/ts-alpr/internal/ingest"
	"github.com/technosupport/ts-alpr/internal/logging"
	"github.com/technosupport/ts-alpr/internal/mirror"
	"github.com/technosupport/ts-alpr/internal/processor"
	"github.com/technosupport/ts-alpr/internal/sender"
)

const shutdownGrace = 5 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.EnsureDirs(); err != nil {
		return err
	}

	logs := logging.NewManager(cfg.LogDir, cfg.LogLevel)
	mainLog := logs.Category("main")

	db, err := sql.Open("postgres", cfg.DatabaseURL())
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancelPing := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelPing()
	if err := db.PingContext(pingCtx); err != nil {
		return fmt.Errorf("database unreachable: %w", err)
	}
	mainLog.Infof("connected to %s:%d/%s", cfg.DB.Host, cfg.DB.Port, cfg.DB.Name)

	imageStore := &images.Store{Root: cfg.ImagesDir, Log: logs.Category("images")}

	ingestSvc := &ingest.Service{
		Cameras: data.CameraModel{DB: db},
		Store:   &data.ReadingStore{DB: db, Images: imageStore},
		Log:     logs.Category("ingest"),
	}

	keyCache, err := sender.NewKeyCache(32)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	start := func(name string, run func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := run(ctx); err != nil {
				mainLog.WithError(err).Errorf("%s stopped", name)
				stop() // one fatal component brings the process down
			}
		}()
	}

	start("mirror", (&mirror.Mirror{
		SrcDir:       cfg.Mirror.SrcDir,
		DstDir:       cfg.Mirror.DstDir,
		Log:          logs.Category("mirror"),
		Stability:    cfg.MirrorStability(),
		Debounce:     cfg.MirrorDebounce(),
		ScanInterval: cfg.MirrorScanInterval(),
		SummaryEvery: time.Duration(cfg.Mirror.SummarySec) * time.Second,
		CopyMaxTries: cfg.Mirror.CopyMaxTries,
	}).Run)

	start("http", (&api.Server{
		Addr:  cfg.HTTPAddr,
		Log:   logs.Category("http"),
		Queue: data.QueueModel{DB: db},
		Ingest: api.IngestHandler{
			Service: ingestSvc,
			Log:     logs.Category("http"),
		},
		Staging: api.StagingHandler{
			Dir:      cfg.IngestJSONDir,
			MaxBytes: cfg.MaxBodyBytes,
			Log:      logs.Category("http"),
		},
	}).Run)

	start("tcp", (&ingest.TCPServer{
		Addr:    fmt.Sprintf(":%d", cfg.TransitPort),
		Service: ingestSvc,
		Log:     logs.Category("tcp"),
	}).Run)

	start("processor", (&processor.Processor{
		IngestDir: cfg.IngestJSONDir,
		MirrorDir: cfg.Mirror.DstDir,
		OutDir:    cfg.SenderJSONDir,
		Log:       logs.Category("processor"),
		Ingest:    ingestSvc,
		MaxBytes:  cfg.MaxJSONBytes,
	}).Run)

	if cfg.Sender.Enabled {
		start("sender", (&sender.Worker{
			Queue:           data.QueueModel{DB: db},
			Store:           &data.QueueStore{DB: db},
			Readings:        data.ReadingModel{DB: db},
			Cameras:         data.CameraModel{DB: db},
			Municipalities:  data.MunicipalityModel{DB: db},
			Endpoints:       data.EndpointModel{DB: db},
			Certificates:    data.CertificateModel{DB: db},
			Images:          imageStore,
			Keys:            keyCache,
			CertsDir:        cfg.CertsDir,
			Log:             logs.Category("sender"),
			PollInterval:    cfg.SenderPollInterval(),
			BatchSize:       cfg.Sender.MaxBatchSize,
			DefaultRetryMax: cfg.Sender.DefaultRetryMax,
			DefaultBackoff:  cfg.SenderDefaultBackoff(),
			DefaultTimeout:  time.Duration(cfg.Sender.DefaultTimeoutMs) * time.Millisecond,
			ErrorBackoff:    time.Duration(cfg.Sender.BackoffOnFailSec) * time.Second,
		}).Run)
	} else {
		mainLog.Info("sender disabled, queue rows left for the split deployment")
	}

	janitorLog := logs.Category("janitor")
	hours := func(h float64) time.Duration { return time.Duration(h * float64(time.Hour)) }
	for _, j := range []*cleanup.Janitor{
		{Label: "images", Dir: cfg.Mirror.DstDir, Retention: hours(cfg.Retention.ImageHours), Interval: time.Duration(cfg.Retention.ImageSweepSec) * time.Second, Log: janitorLog},
		{Label: "logs", Dir: cfg.LogDir, Retention: hours(cfg.Retention.LogHours), Interval: time.Duration(cfg.Retention.LogSweepSec) * time.Second, Log: janitorLog},
		{Label: "sender-failed", Dir: cfg.SenderFailedDir, Retention: hours(cfg.Retention.FailedHours), Interval: time.Duration(cfg.Retention.FailedSweepSec) * time.Second, Log: janitorLog},
		{Label: "sender-pending", Dir: cfg.SenderPendingDir, Retention: hours(cfg.Retention.PendingHours), Interval: time.Duration(cfg.Retention.PendingSweepSec) * time.Second, Log: janitorLog},
		{Label: "ingest-stage", Dir: cfg.IngestJSONDir, Retention: hours(cfg.Retention.IngestHours), Interval: time.Duration(cfg.Retention.IngestSweepSec) * time.Second, Log: janitorLog},
	} {
		start("janitor-"+j.Label, j.Run)
	}

	mainLog.Info("relay up")
	<-ctx.Done()
	mainLog.Info("shutting down")

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		mainLog.Info("all components stopped")
	case <-time.After(shutdownGrace):
		mainLog.Warn("shutdown grace elapsed, abandoning remaining tasks")
	}
	return nil
}
