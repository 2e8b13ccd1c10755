package app

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/verity-qa/cmo-elg/elg/transport"
)

// transportCollector surfaces the transport's cumulative counters as
// Prometheus metrics. Values are read from Stats() at scrape time, so the
// transport keeps its own counting and no second bookkeeping exists.
type transportCollector struct {
	t transport.Transport

	published    *prometheus.Desc
	deduplicated *prometheus.Desc
	delivered    *prometheus.Desc
	acked        *prometheus.Desc
	nacked       *prometheus.Desc
	rejected     *prometheus.Desc
	deadLettered *prometheus.Desc
}

func newTransportCollector(t transport.Transport) *transportCollector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc("elg_transport_"+name, help, nil, nil)
	}
	return &transportCollector{
		t:            t,
		published:    desc("published_total", "Envelopes published."),
		deduplicated: desc("deduplicated_total", "Publishes suppressed by a dedupe key."),
		delivered:    desc("delivered_total", "Envelopes handed to subscribers."),
		acked:        desc("acked_total", "Deliveries acknowledged."),
		nacked:       desc("nacked_total", "Deliveries negatively acknowledged."),
		rejected:     desc("rejected_total", "Deliveries rejected."),
		deadLettered: desc("dead_lettered_total", "Envelopes routed to a dead-letter topic."),
	}
}

func (c *transportCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.published
	ch <- c.deduplicated
	ch <- c.delivered
	ch <- c.acked
	ch <- c.nacked
	ch <- c.rejected
	ch <- c.deadLettered
}

func (c *transportCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.t.Stats()
	counter := func(d *prometheus.Desc, v uint64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v))
	}
	counter(c.published, s.Published)
	counter(c.deduplicated, s.Deduplicated)
	counter(c.delivered, s.Delivered)
	counter(c.acked, s.Acked)
	counter(c.nacked, s.Nacked)
	counter(c.rejected, s.Rejected)
	counter(c.deadLettered, s.DeadLettered)
}
