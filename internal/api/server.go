// Package api exposes the HTTP surface: raw JSON staging for the file
// processor, a synchronous Lector Vision route, health, and metrics.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/technosupport/ts-alpr/internal/data"
	"github.com/technosupport/ts-alpr/internal/metrics"
)

// Server owns the router and the long-lived http.Server.
type Server struct {
	Addr    string
	Log     *logrus.Logger
	Queue   data.QueueModel
	Ingest  IngestHandler
	Staging StagingHandler
}

// Routes builds the chi router. Registered before the wildcard so the
// synchronous Lector Vision route is not swallowed by raw staging.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Post("/ingest/lectorvision", s.Ingest.ServeHTTP)

	r.Post("/", s.Staging.ServeHTTP)
	r.Post("/ingest", s.Staging.ServeHTTP)
	r.Post("/ingest/*", s.Staging.ServeHTTP)

	r.Get("/health", s.health)
	r.Post("/health", s.health)
	r.Handle("/metrics", promhttp.Handler())

	return r
}

// Run serves until the context is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.Addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	s.Log.Infof("http listening on %s", s.Addr)

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	counts, err := s.Queue.CountsByStatus(r.Context())
	if err != nil {
		s.Log.WithError(err).Error("health: counting queue")
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"status": "degraded", "error": err.Error(),
		})
		return
	}
	publishQueueGauges(counts)
	writeJSON(w, http.StatusOK, struct {
		Status string `json:"status"`
		data.QueueCounts
	}{Status: "ok", QueueCounts: counts})
}

func publishQueueGauges(c data.QueueCounts) {
	metrics.QueueMessages.WithLabelValues("pending").Set(float64(c.Pending))
	metrics.QueueMessages.WithLabelValues("failed").Set(float64(c.Failed))
	metrics.QueueMessages.WithLabelValues("dead").Set(float64(c.Dead))
}
