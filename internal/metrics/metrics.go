package metrics

import (
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Collector struct {
	reg *prometheus.Registry

	Subscribers prometheus.Gauge

	FixesProcessed   prometheus.Counter
	ArrivalsRecorded prometheus.Counter
	UpdatesDelivered prometheus.Counter
	UpdatesDropped   prometheus.Counter

	NATSPublished   prometheus.Counter
	NATSPublishErrs prometheus.Counter
	NATSConnected   prometheus.Gauge

	FixDuration     prometheus.Histogram
	PublishDuration prometheus.Histogram
}

func NewCollector() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		Subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_subscribers",
			Help: "Number of currently connected update subscribers.",
		}),
		FixesProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_fixes_processed_total",
			Help: "Total position fixes processed.",
		}),
		ArrivalsRecorded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_arrivals_recorded_total",
			Help: "Total stop arrivals detected and recorded.",
		}),
		UpdatesDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_updates_delivered_total",
			Help: "Total updates delivered to subscribers.",
		}),
		UpdatesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_updates_dropped_total",
			Help: "Total slow subscribers dropped with a pending update.",
		}),
		NATSPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_nats_published_total",
			Help: "Total NATS messages published.",
		}),
		NATSPublishErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_nats_publish_errors_total",
			Help: "Total NATS publish errors.",
		}),
		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_nats_connected",
			Help: "1 if NATS connection is established, 0 otherwise.",
		}),
		FixDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tracker_fix_duration_seconds",
			Help:    "Duration of the full per-fix pipeline (persist, project, broadcast).",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
		}),
		PublishDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tracker_publish_duration_seconds",
			Help:    "Duration to marshal and publish a NATS message.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 15),
		}),
	}

	reg.MustRegister(
		c.Subscribers,
		c.FixesProcessed, c.ArrivalsRecorded,
		c.UpdatesDelivered, c.UpdatesDropped,
		c.NATSPublished, c.NATSPublishErrs, c.NATSConnected,
		c.FixDuration, c.PublishDuration,
	)
	return c
}

func (c *Collector) Handler() http.Handler { return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{}) }

// Serve starts an HTTP server exposing /metrics on the given address.
func (c *Collector) Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("metrics server error: %v", err)
		}
	}()
	log.Printf("metrics listening on %s", addr)
	return srv
}

// Engine instruments the trip engine.
func (c *Collector) FixProcessed(d time.Duration) {
	c.FixesProcessed.Inc()
	c.FixDuration.Observe(d.Seconds())
}

func (c *Collector) ArrivalRecorded() { c.ArrivalsRecorded.Inc() }

// Hub instrumentation.
func (c *Collector) DeliveredInc()        { c.UpdatesDelivered.Inc() }
func (c *Collector) DroppedInc()          { c.UpdatesDropped.Inc() }
func (c *Collector) SubscribersSet(n int) { c.Subscribers.Set(float64(n)) }

// Publisher instrumentation.
func (c *Collector) NATSPublishedInc()  { c.NATSPublished.Inc() }
func (c *Collector) NATSPublishErrInc() { c.NATSPublishErrs.Inc() }
func (c *Collector) PublishObserve(d time.Duration) {
	c.PublishDuration.Observe(d.Seconds())
}
func (c *Collector) NATSSetConnected(connected bool) {
	if connected {
		c.NATSConnected.Set(1)
	} else {
		c.NATSConnected.Set(0)
	}
}
