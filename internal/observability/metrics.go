// Package observability exposes Prometheus metrics for the live-data core.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type BuildInfo struct {
	Version   string
	Revision  string
	BuildDate string
}

type Config struct {
	Enabled bool
	Build   BuildInfo
}

type Provider struct {
	reg       *prometheus.Registry
	buildInfo *prometheus.GaugeVec
}

func Init(cfg Config) *Provider {
	reg := prometheus.NewRegistry()

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	build := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "livedata_build_info",
			Help: "Build info for this binary (value is always 1).",
		},
		[]string{"version", "revision", "build_date"},
	)
	reg.MustRegister(build)
	v := cfg.Build
	if v.Version == "" {
		v.Version = "dev"
	}
	build.WithLabelValues(v.Version, v.Revision, v.BuildDate).Set(1)

	return &Provider{reg: reg, buildInfo: build}
}

func (p *Provider) Handler() http.Handler {
	return promhttp.HandlerFor(p.reg, promhttp.HandlerOpts{})
}

func (p *Provider) Register(cs ...prometheus.Collector) {
	for _, c := range cs {
		p.reg.MustRegister(c)
	}
}

func (p *Provider) Registerer() prometheus.Registerer { return p.reg }

// Metrics is the counter set shared by the core components. A nil
// *Metrics is valid and records nothing, so the library works without a
// provider wired in.
type Metrics struct {
	fetches       *prometheus.CounterVec
	fetchDuration prometheus.Histogram
	fetchRetries  prometheus.Counter
	pollTicks     *prometheus.CounterVec
	streamMsgs    *prometheus.CounterVec
	reconnects    prometheus.Counter
	merges        *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "livedata_fetches_total",
			Help: "GeoJSON fetches by outcome (cache_hit, network, not_modified, error).",
		}, []string{"outcome"}),
		fetchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "livedata_fetch_duration_seconds",
			Help:    "End-to-end fetch duration including retries.",
			Buckets: prometheus.DefBuckets,
		}),
		fetchRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livedata_fetch_retries_total",
			Help: "Retry attempts made by the fetcher.",
		}),
		pollTicks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "livedata_poll_ticks_total",
			Help: "Polling ticks by result (ok, error, skipped).",
		}, []string{"result"}),
		streamMsgs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "livedata_stream_messages_total",
			Help: "Stream frames by disposition (valid, invalid).",
		}, []string{"disposition"}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livedata_stream_reconnects_total",
			Help: "Stream reconnect attempts.",
		}),
		merges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "livedata_merges_total",
			Help: "Merge operations by strategy.",
		}, []string{"strategy"}),
	}
	if reg != nil {
		reg.MustRegister(m.fetches, m.fetchDuration, m.fetchRetries, m.pollTicks, m.streamMsgs, m.reconnects, m.merges)
	}
	return m
}

func (m *Metrics) ObserveFetch(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.fetches.WithLabelValues(outcome).Inc()
	m.fetchDuration.Observe(seconds)
}

func (m *Metrics) FetchRetry() {
	if m == nil {
		return
	}
	m.fetchRetries.Inc()
}

func (m *Metrics) PollTick(result string) {
	if m == nil {
		return
	}
	m.pollTicks.WithLabelValues(result).Inc()
}

func (m *Metrics) StreamMessage(valid bool) {
	if m == nil {
		return
	}
	d := "valid"
	if !valid {
		d = "invalid"
	}
	m.streamMsgs.WithLabelValues(d).Inc()
}

func (m *Metrics) StreamReconnect() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

func (m *Metrics) Merge(strategy string) {
	if m == nil {
		return
	}
	m.merges.WithLabelValues(strategy).Inc()
}
