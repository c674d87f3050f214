package telemetry

import "github.com/prometheus/client_golang/prometheus"

// RunTransitionsTotal counts RSM transitions by origin and destination state.
var RunTransitionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "terrapod",
		Subsystem: "run",
		Name:      "transitions_total",
		Help:      "Total number of run state machine transitions.",
	},
	[]string{"from", "to"},
)

// RunTransitionRejectedTotal counts illegal transition attempts.
var RunTransitionRejectedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "terrapod",
		Subsystem: "run",
		Name:      "transitions_rejected_total",
		Help:      "Total number of rejected (illegal) run state machine transitions.",
	},
	[]string{"from", "to"},
)

// QueueClaimsTotal counts successful leased-work-queue claims by pool.
var QueueClaimsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "terrapod",
		Subsystem: "queue",
		Name:      "claims_total",
		Help:      "Total number of runs claimed from the leased work queue.",
	},
	[]string{"pool"},
)

// QueueClaimEmptyTotal counts poll attempts that found no claimable run.
var QueueClaimEmptyTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "terrapod",
		Subsystem: "queue",
		Name:      "claims_empty_total",
		Help:      "Total number of poll attempts that found no claimable run.",
	},
	[]string{"pool"},
)

// OrphanRecoveriesTotal counts orphaned runs reconciled by outcome.
var OrphanRecoveriesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "terrapod",
		Subsystem: "queue",
		Name:      "orphan_recoveries_total",
		Help:      "Total number of orphaned runs reconciled on listener startup/poll, by outcome.",
	},
	[]string{"outcome"},
)

// ArtifactStoreOpsTotal counts artifact store operations by backend and op.
var ArtifactStoreOpsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "terrapod",
		Subsystem: "artifact_store",
		Name:      "operations_total",
		Help:      "Total number of artifact store operations by backend and operation.",
	},
	[]string{"backend", "op"},
)

// ArtifactStoreOpDuration tracks artifact store operation latency.
var ArtifactStoreOpDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "terrapod",
		Subsystem: "artifact_store",
		Name:      "operation_duration_seconds",
		Help:      "Artifact store operation duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"backend", "op"},
)

// CertificatesIssuedTotal counts listener certificates issued.
var CertificatesIssuedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "terrapod",
		Subsystem: "ca",
		Name:      "certificates_issued_total",
		Help:      "Total number of listener client certificates issued.",
	},
)

// JoinAttemptsTotal counts join protocol attempts by outcome.
var JoinAttemptsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "terrapod",
		Subsystem: "join",
		Name:      "attempts_total",
		Help:      "Total number of listener join attempts by outcome.",
	},
	[]string{"outcome"},
)

// HTTPRequestDuration tracks HTTP request latency for the control plane.
var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "terrapod",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"method", "route", "status"},
)

// All returns all Terrapod-specific metrics for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		RunTransitionsTotal,
		RunTransitionRejectedTotal,
		QueueClaimsTotal,
		QueueClaimEmptyTotal,
		OrphanRecoveriesTotal,
		ArtifactStoreOpsTotal,
		ArtifactStoreOpDuration,
		CertificatesIssuedTotal,
		JoinAttemptsTotal,
		HTTPRequestDuration,
	}
}

// NewRegistry builds a Prometheus registry with the Go/process collectors
// plus the supplied extra collectors, mirroring the teacher's shared
// telemetry registry helper.
func NewRegistry(extra ...prometheus.Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	for _, c := range extra {
		reg.MustRegister(c)
	}
	return reg
}
