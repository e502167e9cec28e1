// Package metrics exposes ddhcpd's operational counters over
// Prometheus, following the Gauge/Counter split of
// bg/ap_common/bgmetrics but backed directly by
// github.com/prometheus/client_golang rather than bgmetrics' polling
// push-model (see DESIGN.md for why bgmetrics itself isn't reused: it
// exists to push periodic snapshots to a config daemon this system has
// no analog of). Serving is wired the same way
// bg/ap.dhcp4d/dhcp4d.go does: a bare promhttp.Handler on a dedicated
// address.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector implements alloc.MetricsRecorder. Every method is safe for
// concurrent use, same as the prometheus client types it wraps.
type Collector struct {
	blocksOwned  prometheus.Gauge
	leasesActive prometheus.Gauge

	disputesWon  prometheus.Counter
	disputesLost prometheus.Counter

	claimsAttempted prometheus.Counter
	claimsSucceeded prometheus.Counter
	claimsFailed    prometheus.Counter
	claimLatency    prometheus.Histogram
}

// New registers a fresh Collector against reg.
func New(reg prometheus.Registerer) *Collector {
	c := &Collector{
		blocksOwned: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ddhcpd",
			Name:      "blocks_owned",
			Help:      "Number of address blocks currently OURS on this peer.",
		}),
		leasesActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ddhcpd",
			Name:      "leases_active",
			Help:      "Number of leases currently held across OURS blocks.",
		}),
		disputesWon: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ddhcpd",
			Name:      "disputes_won_total",
			Help:      "Block ownership disputes this peer won.",
		}),
		disputesLost: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ddhcpd",
			Name:      "disputes_lost_total",
			Help:      "Block ownership disputes this peer lost.",
		}),
		claimsAttempted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ddhcpd",
			Name:      "claims_attempted_total",
			Help:      "Block claim attempts started.",
		}),
		claimsSucceeded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ddhcpd",
			Name:      "claims_succeeded_total",
			Help:      "Block claim attempts that reached OURS.",
		}),
		claimsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ddhcpd",
			Name:      "claims_failed_total",
			Help:      "Block claim attempts that backed off (contested or canceled).",
		}),
		claimLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "ddhcpd",
			Name:      "claim_latency_seconds",
			Help:      "Wall-clock time from the first InquireBlock to OURS.",
			Buckets:   []float64{.05, .1, .2, .4, .6, .8, 1, 2},
		}),
	}

	reg.MustRegister(
		c.blocksOwned, c.leasesActive,
		c.disputesWon, c.disputesLost,
		c.claimsAttempted, c.claimsSucceeded, c.claimsFailed, c.claimLatency,
	)
	return c
}

func (c *Collector) BlocksOwned(n int)  { c.blocksOwned.Set(float64(n)) }
func (c *Collector) LeasesActive(n int) { c.leasesActive.Set(float64(n)) }

func (c *Collector) DisputeWon()  { c.disputesWon.Inc() }
func (c *Collector) DisputeLost() { c.disputesLost.Inc() }

func (c *Collector) ClaimAttempted() { c.claimsAttempted.Inc() }
func (c *Collector) ClaimSucceeded() { c.claimsSucceeded.Inc() }
func (c *Collector) ClaimFailed()    { c.claimsFailed.Inc() }

func (c *Collector) ClaimLatency(d time.Duration) { c.claimLatency.Observe(d.Seconds()) }

// Serve starts a bare promhttp server on addr. It blocks until the
// server errors or is shut down; callers typically run it in its own
// goroutine (see cmd/ddhcpd/main.go).
func Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(addr, mux)
}
