// Package metrics holds the Prometheus collectors for service health and
// auction throughput.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	BidsAcceptedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "auction_bids_accepted_total",
			Help: "Total number of accepted bids",
		},
	)

	BidsRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auction_bids_rejected_total",
			Help: "Total number of rejected bids by reason code",
		},
		[]string{"reason"},
	)

	SoftCloseExtensionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "auction_soft_close_extensions_total",
			Help: "Total number of soft-close deadline extensions",
		},
	)

	DepositsAuthorizedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "deposits_authorized_total",
			Help: "Total number of deposit authorizations created",
		},
	)

	DepositCapturesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deposit_captures_total",
			Help: "Total deposit capture attempts by outcome",
		},
		[]string{"outcome"},
	)

	DepositCancelsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deposit_cancels_total",
			Help: "Total deposit cancel attempts by outcome",
		},
		[]string{"outcome"},
	)

	SettlementRunsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "settlement_runs_total",
			Help: "Total number of settlement batch runs",
		},
	)

	SettlementAuctionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "settlement_auctions_total",
			Help: "Total auctions settled by outcome",
		},
		[]string{"outcome"},
	)

	SettlementDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "settlement_batch_duration_seconds",
			Help:    "Duration of settlement batch runs",
			Buckets: prometheus.DefBuckets,
		},
	)

	WebhookEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_events_total",
			Help: "Total webhook deliveries by disposition (applied, duplicate, stale, invalid)",
		},
		[]string{"disposition"},
	)

	ReconcileCorrectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reconcile_corrections_total",
			Help: "Total sweep state corrections by kind",
		},
		[]string{"kind"},
	)

	RateLimitedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_rate_limited_total",
			Help: "Total requests rejected by the rate limiter, by route",
		},
		[]string{"route"},
	)
)

// Register registers all collectors with the default registry.
func Register() {
	prometheus.MustRegister(
		BidsAcceptedTotal,
		BidsRejectedTotal,
		SoftCloseExtensionsTotal,
		DepositsAuthorizedTotal,
		DepositCapturesTotal,
		DepositCancelsTotal,
		SettlementRunsTotal,
		SettlementAuctionsTotal,
		SettlementDuration,
		WebhookEventsTotal,
		ReconcileCorrectionsTotal,
		RateLimitedTotal,
	)
}
