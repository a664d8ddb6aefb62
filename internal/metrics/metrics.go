// Package metrics implements Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FramesTotal counts frames dissected, by pass (first / revisit).
	FramesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dissect_frames_total",
			Help: "Total number of frames dissected",
		},
		[]string{"pass"},
	)

	// MalformedTotal counts malformed markers by the protocol that raised them.
	MalformedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dissect_malformed_total",
			Help: "Total number of malformed-packet markers added",
		},
		[]string{"protocol"},
	)

	// DissectLatencySeconds measures per-frame dissection time.
	DissectLatencySeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dissect_frame_latency_seconds",
			Help:    "Time spent dissecting one frame in seconds",
			Buckets: prometheus.ExponentialBuckets(0.000001, 2, 20), // 1µs to ~1s
		},
	)

	// ConversationsActive tracks the conversations held by open sessions.
	ConversationsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dissect_conversations_active",
			Help: "Number of conversations tracked by open sessions",
		},
	)

	// TransactionsMatchedTotal counts request/response pairs matched.
	TransactionsMatchedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dissect_transactions_matched_total",
			Help: "Total number of request/response transactions matched",
		},
	)

	// ReassemblyPendingBytes tracks bytes held awaiting stream desegmentation.
	ReassemblyPendingBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dissect_reassembly_pending_bytes",
			Help: "Bytes held by stream desegmentation awaiting more segments",
		},
	)

	// ReassemblyActiveFragments tracks IP datagrams awaiting more fragments.
	ReassemblyActiveFragments = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dissect_reassembly_active_fragments",
			Help: "Number of IP datagrams in the fragment reassembly queue",
		},
	)

	// FragmentsRejectedTotal counts fragments dropped by security checks or rate limits.
	FragmentsRejectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dissect_fragments_rejected_total",
			Help: "Total number of IP fragments rejected",
		},
		[]string{"reason"},
	)

	// SourceFramesTotal counts frames read from capture sources.
	SourceFramesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dissect_source_frames_total",
			Help: "Total number of frames read from capture sources",
		},
		[]string{"source", "result"},
	)
)

// Pass label values.
const (
	PassFirst   = "first"
	PassRevisit = "revisit"
)
