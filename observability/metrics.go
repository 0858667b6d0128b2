package observability

import (
	"math"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes the Prometheus collectors for the rewards daemon. All
// record helpers tolerate a nil receiver so tests can pass a nil registry.
type Metrics struct {
	reconcilerPasses     *prometheus.CounterVec
	reconcilerDuration   prometheus.Histogram
	positionTransitions  *prometheus.CounterVec
	suspectMissing       prometheus.Counter
	usersSkipped         *prometheus.CounterVec
	burnDeletions        prometheus.Counter
	positionsRegistered  prometheus.Counter
	syncDiscrepancies    *prometheus.CounterVec
	syncAutoFixes        prometheus.Counter
	epochsClosed         prometheus.Counter
	epochsStalled        *prometheus.CounterVec
	epochDistributed     prometheus.Gauge
	rolloverUnits        prometheus.Gauge
	claimAuthorizations  *prometheus.CounterVec
	chainRequests        *prometheus.CounterVec
	chainLatency         *prometheus.HistogramVec
	chainRetries         prometheus.Counter
	chainCooldowns       prometheus.Counter
	oracleStaleness      *prometheus.GaugeVec
	oracleFetchFailures  prometheus.Counter
	analyticsUnavailable prometheus.Counter
}

var (
	metricsOnce sync.Once
	registry    *Metrics
)

// Service returns the lazily initialised metrics registry for the daemon.
func Service() *Metrics {
	metricsOnce.Do(func() {
		registry = &Metrics{
			reconcilerPasses: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "lprewards",
				Subsystem: "reconciler",
				Name:      "passes_total",
				Help:      "Reconciler passes segmented by outcome.",
			}, []string{"outcome"}),
			reconcilerDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "lprewards",
				Subsystem: "reconciler",
				Name:      "pass_duration_seconds",
				Help:      "Duration distribution of full reconciler passes.",
				Buckets:   prometheus.DefBuckets,
			}),
			positionTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "lprewards",
				Subsystem: "reconciler",
				Name:      "position_transitions_total",
				Help:      "Position state transitions written to the store.",
			}, []string{"from", "to"}),
			suspectMissing: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "lprewards",
				Subsystem: "reconciler",
				Name:      "suspect_missing_total",
				Help:      "Enrolled positions absent from a successful owner fetch.",
			}),
			usersSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "lprewards",
				Subsystem: "reconciler",
				Name:      "users_skipped_total",
				Help:      "Users skipped during a pass segmented by reason.",
			}, []string{"reason"}),
			burnDeletions: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "lprewards",
				Subsystem: "reconciler",
				Name:      "burn_deletions_total",
				Help:      "Positions deleted after confirmed on-chain burns.",
			}),
			positionsRegistered: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "lprewards",
				Subsystem: "lifecycle",
				Name:      "positions_registered_total",
				Help:      "Positions enrolled through the bulk registration endpoint.",
			}),
			syncDiscrepancies: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "lprewards",
				Subsystem: "syncvalidator",
				Name:      "discrepancies_total",
				Help:      "Store/chain discrepancies segmented by severity.",
			}, []string{"severity"}),
			syncAutoFixes: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "lprewards",
				Subsystem: "syncvalidator",
				Name:      "autofixes_total",
				Help:      "Non-destructive corrections applied by the sync validator.",
			}),
			epochsClosed: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "lprewards",
				Subsystem: "rewards",
				Name:      "epochs_closed_total",
				Help:      "Reward epochs closed.",
			}),
			epochsStalled: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "lprewards",
				Subsystem: "rewards",
				Name:      "epochs_stalled_total",
				Help:      "Epoch close attempts deferred, segmented by cause.",
			}, []string{"cause"}),
			epochDistributed: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "lprewards",
				Subsystem: "rewards",
				Name:      "epoch_distributed_units",
				Help:      "Reward units distributed by the most recent epoch close.",
			}),
			rolloverUnits: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "lprewards",
				Subsystem: "rewards",
				Name:      "rollover_units",
				Help:      "Reward units carried in the rollover bucket.",
			}),
			claimAuthorizations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "lprewards",
				Subsystem: "claims",
				Name:      "authorizations_total",
				Help:      "Claim authorization attempts segmented by outcome.",
			}, []string{"outcome"}),
			chainRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "lprewards",
				Subsystem: "chain",
				Name:      "requests_total",
				Help:      "Chain RPC calls segmented by method and outcome.",
			}, []string{"method", "outcome"}),
			chainLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "lprewards",
				Subsystem: "chain",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution of chain RPC calls.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"method"}),
			chainRetries: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "lprewards",
				Subsystem: "chain",
				Name:      "retries_total",
				Help:      "Chain RPC attempts beyond the first.",
			}),
			chainCooldowns: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "lprewards",
				Subsystem: "chain",
				Name:      "rate_limit_cooldowns_total",
				Help:      "Token-bucket cooldowns triggered by provider rate limits.",
			}),
			oracleStaleness: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "lprewards",
				Subsystem: "oracle",
				Name:      "quote_age_seconds",
				Help:      "Age of the most recent usable quote per asset.",
			}, []string{"asset"}),
			oracleFetchFailures: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "lprewards",
				Subsystem: "oracle",
				Name:      "fetch_failures_total",
				Help:      "Upstream oracle fetches that returned an error.",
			}),
			analyticsUnavailable: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "lprewards",
				Subsystem: "analytics",
				Name:      "unavailable_total",
				Help:      "Analytics requests answered Unavailable for lack of inputs.",
			}),
		}
		prometheus.MustRegister(
			registry.reconcilerPasses,
			registry.reconcilerDuration,
			registry.positionTransitions,
			registry.suspectMissing,
			registry.usersSkipped,
			registry.burnDeletions,
			registry.positionsRegistered,
			registry.syncDiscrepancies,
			registry.syncAutoFixes,
			registry.epochsClosed,
			registry.epochsStalled,
			registry.epochDistributed,
			registry.rolloverUnits,
			registry.claimAuthorizations,
			registry.chainRequests,
			registry.chainLatency,
			registry.chainRetries,
			registry.chainCooldowns,
			registry.oracleStaleness,
			registry.oracleFetchFailures,
			registry.analyticsUnavailable,
		)
	})
	return registry
}

// RecordReconcilerPass observes one completed pass.
func (m *Metrics) RecordReconcilerPass(outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.reconcilerPasses.WithLabelValues(labelOrUnknown(outcome)).Inc()
	m.reconcilerDuration.Observe(took.Seconds())
}

// RecordTransition counts a position state change.
func (m *Metrics) RecordTransition(from, to string) {
	if m == nil {
		return
	}
	m.positionTransitions.WithLabelValues(labelOrUnknown(from), labelOrUnknown(to)).Inc()
}

// RecordSuspectMissing counts a position missing from a successful owner fetch.
func (m *Metrics) RecordSuspectMissing() {
	if m == nil {
		return
	}
	m.suspectMissing.Inc()
}

// RecordUserSkipped counts a user skipped during a reconciler pass.
func (m *Metrics) RecordUserSkipped(reason string) {
	if m == nil {
		return
	}
	m.usersSkipped.WithLabelValues(labelOrUnknown(reason)).Inc()
}

// RecordBurnDeletion counts a confirmed burn deletion.
func (m *Metrics) RecordBurnDeletion() {
	if m == nil {
		return
	}
	m.burnDeletions.Inc()
}

// RecordRegistrations counts positions enrolled by a bulk registration.
func (m *Metrics) RecordRegistrations(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.positionsRegistered.Add(float64(n))
}

// RecordDiscrepancy counts a sync validator finding.
func (m *Metrics) RecordDiscrepancy(severity string) {
	if m == nil {
		return
	}
	m.syncDiscrepancies.WithLabelValues(labelOrUnknown(severity)).Inc()
}

// RecordAutoFix counts a non-destructive sync correction.
func (m *Metrics) RecordAutoFix() {
	if m == nil {
		return
	}
	m.syncAutoFixes.Inc()
}

// RecordEpochClosed records a successful epoch close and its distribution.
func (m *Metrics) RecordEpochClosed(distributed, rollover *big.Int) {
	if m == nil {
		return
	}
	m.epochsClosed.Inc()
	m.epochDistributed.Set(bigToFloat(distributed))
	m.rolloverUnits.Set(bigToFloat(rollover))
}

// RecordEpochStalled counts a deferred epoch close.
func (m *Metrics) RecordEpochStalled(cause string) {
	if m == nil {
		return
	}
	m.epochsStalled.WithLabelValues(labelOrUnknown(cause)).Inc()
}

// RecordClaim counts a claim authorization attempt.
func (m *Metrics) RecordClaim(outcome string) {
	if m == nil {
		return
	}
	m.claimAuthorizations.WithLabelValues(labelOrUnknown(outcome)).Inc()
}

// RecordChainCall observes one logical chain RPC call.
func (m *Metrics) RecordChainCall(method, outcome string, took time.Duration, retries int) {
	if m == nil {
		return
	}
	method = labelOrUnknown(method)
	m.chainRequests.WithLabelValues(method, labelOrUnknown(outcome)).Inc()
	m.chainLatency.WithLabelValues(method).Observe(took.Seconds())
	if retries > 0 {
		m.chainRetries.Add(float64(retries))
	}
}

// RecordChainCooldown counts a rate-limit cooldown engagement.
func (m *Metrics) RecordChainCooldown() {
	if m == nil {
		return
	}
	m.chainCooldowns.Inc()
}

// RecordQuoteAge publishes the age of the quote served for an asset.
func (m *Metrics) RecordQuoteAge(asset string, age time.Duration) {
	if m == nil {
		return
	}
	m.oracleStaleness.WithLabelValues(labelOrUnknown(asset)).Set(age.Seconds())
}

// RecordOracleFailure counts a failed upstream oracle fetch.
func (m *Metrics) RecordOracleFailure() {
	if m == nil {
		return
	}
	m.oracleFetchFailures.Inc()
}

// RecordAnalyticsUnavailable counts an Unavailable analytics response.
func (m *Metrics) RecordAnalyticsUnavailable() {
	if m == nil {
		return
	}
	m.analyticsUnavailable.Inc()
}

func labelOrUnknown(v string) string {
	v = strings.TrimSpace(strings.ToLower(v))
	if v == "" {
		return "unknown"
	}
	return v
}

func bigToFloat(v *big.Int) float64 {
	if v == nil {
		return 0
	}
	f, _ := new(big.Float).SetInt(v).Float64()
	if math.IsInf(f, 0) || math.IsNaN(f) {
		return 0
	}
	return f
}
