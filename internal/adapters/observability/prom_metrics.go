package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/ghalamif/aegisbridge/internal/ports"
)

// Metric names understood by PromObs. Unknown names are ignored.
const (
	MetricPointsPushed      = "aegis_datapoints_pushed_total"
	MetricPointsFailed      = "aegis_datapoints_failed_total"
	MetricPointsSkipped     = "aegis_datapoints_skipped_total"
	MetricEventsPushed      = "aegis_events_pushed_total"
	MetricNodesPushed       = "aegis_nodes_pushed_total"
	MetricNodePushFailures  = "aegis_node_push_failures_total"
	MetricDeletesExecuted   = "aegis_deletes_executed_total"
	MetricQueueDrops        = "aegis_queue_dropped_total"
	MetricBufferWritten     = "aegis_buffer_points_written_total"
	MetricBufferDropped     = "aegis_buffer_points_dropped_total"
	MetricBufferReplayed    = "aegis_buffer_points_replayed_total"
	MetricHistoryPages      = "aegis_history_pages_total"
	MetricHistoryFailures   = "aegis_history_state_failures_total"
	MetricRebrowseTriggered = "aegis_rebrowse_triggered_total"

	GaugeQueueLength       = "aegis_queue_length"
	GaugeBufferSize        = "aegis_buffer_size_bytes"
	GaugePendingSinks      = "aegis_pending_sinks"
	GaugeContinuationsOpen = "aegis_history_continuations_open"

	LatencyPush        = "aegis_push_latency_seconds"
	LatencyHistoryPage = "aegis_history_page_latency_seconds"
)

type PromObs struct {
	log      zerolog.Logger
	counters map[string]prometheus.Counter
	gauges   map[string]prometheus.Gauge
	histos   map[string]prometheus.Observer
}

// NewPromObs registers the collectors on reg. A nil reg uses the default registerer.
func NewPromObs(reg prometheus.Registerer, log zerolog.Logger) *PromObs {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	counterHelp := map[string]string{
		MetricPointsPushed:      "Data points acknowledged by a sink.",
		MetricPointsFailed:      "Data points in push calls that failed.",
		MetricPointsSkipped:     "Data points filtered out before reaching a sink.",
		MetricEventsPushed:      "Events acknowledged by a sink.",
		MetricNodesPushed:       "Objects and variables acknowledged by a sink.",
		MetricNodePushFailures:  "Node push calls that failed and were left pending.",
		MetricDeletesExecuted:   "Entities tombstoned downstream.",
		MetricQueueDrops:        "Data points lost due to queue backpressure policies.",
		MetricBufferWritten:     "Data points spilled to the disk buffer.",
		MetricBufferDropped:     "Data points that could not be spilled to the disk buffer.",
		MetricBufferReplayed:    "Data points replayed from the disk buffer.",
		MetricHistoryPages:      "History pages applied.",
		MetricHistoryFailures:   "Extraction states that failed a history read.",
		MetricRebrowseTriggered: "Rebrowse requests raised by the structure watchdog.",
	}
	gaugeHelp := map[string]string{
		GaugeQueueLength:       "Current number of data points in the in-memory queue.",
		GaugeBufferSize:        "Size of the disk buffer file.",
		GaugePendingSinks:      "Sinks with node updates waiting for a retry.",
		GaugeContinuationsOpen: "History continuation points currently held.",
	}

	p := &PromObs{
		log:      log,
		counters: make(map[string]prometheus.Counter, len(counterHelp)),
		gauges:   make(map[string]prometheus.Gauge, len(gaugeHelp)),
		histos:   make(map[string]prometheus.Observer, 2),
	}

	for name, help := range counterHelp {
		c := prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: help})
		reg.MustRegister(c)
		p.counters[name] = c
	}
	for name, help := range gaugeHelp {
		g := prometheus.NewGauge(prometheus.GaugeOpts{Name: name, Help: help})
		reg.MustRegister(g)
		p.gauges[name] = g
	}

	pushLatency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    LatencyPush,
		Help:    "Duration of a push call against one sink.",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
	})
	pageLatency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    LatencyHistoryPage,
		Help:    "Duration of one history page read.",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
	})
	reg.MustRegister(pushLatency, pageLatency)
	p.histos[LatencyPush] = pushLatency
	p.histos[LatencyHistoryPage] = pageLatency

	return p
}

func (p *PromObs) LogDebug(msg string, fields ...ports.Field) {
	withFields(p.log.Debug(), fields).Msg(msg)
}

func (p *PromObs) LogInfo(msg string, fields ...ports.Field) {
	withFields(p.log.Info(), fields).Msg(msg)
}

func (p *PromObs) LogError(msg string, err error, fields ...ports.Field) {
	withFields(p.log.Error().Err(err), fields).Msg(msg)
}

func (p *PromObs) LogCritical(msg string, err error, fields ...ports.Field) {
	withFields(p.log.WithLevel(zerolog.FatalLevel).Err(err), fields).Msg(msg)
}

func (p *PromObs) IncCounter(name string, v float64) {
	if c, ok := p.counters[name]; ok {
		c.Add(v)
	}
}

func (p *PromObs) ObserveLatency(name string, seconds float64) {
	if h, ok := p.histos[name]; ok {
		h.Observe(seconds)
	}
}

func (p *PromObs) SetGauge(name string, v float64) {
	if g, ok := p.gauges[name]; ok {
		g.Set(v)
	}
}

func withFields(ev *zerolog.Event, fields []ports.Field) *zerolog.Event {
	for _, f := range fields {
		ev = ev.Interface(f.Key, f.Value)
	}
	return ev
}

var _ ports.Observability = (*PromObs)(nil)
