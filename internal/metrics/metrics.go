package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Counters shared by the workers. Labels are low-cardinality by construction
// (fixed result/reason vocabularies).
var (
	ReadingsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "alpr_readings_ingested_total",
		Help: "Readings accepted and queued, by wire source.",
	}, []string{"source"})

	ReadingsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "alpr_readings_rejected_total",
		Help: "Readings rejected before persistence.",
	}, []string{"reason"})

	SenderAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "alpr_sender_attempts_total",
		Help: "Delivery attempts by classified outcome.",
	}, []string{"result"})

	QueueMessages = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "alpr_queue_messages",
		Help: "Messages currently in the queue by status.",
	}, []string{"status"})

	MirrorCopies = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "alpr_mirror_copies_total",
		Help: "Mirror copy operations by result.",
	}, []string{"result"})
)
