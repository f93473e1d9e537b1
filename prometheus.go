package nvmepf

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "nvmepf"

// PrometheusCollector exports endpoint metrics to Prometheus. Each scrape
// takes one Snapshot and publishes it as constant metrics.
type PrometheusCollector struct {
	metrics *Metrics
	labels  prometheus.Labels

	commands       *prometheus.Desc
	bytes          *prometheus.Desc
	completions    *prometheus.Desc
	cqFull         *prometheus.Desc
	interrupts     *prometheus.Desc
	transferBytes  *prometheus.Desc
	transferErrors *prometheus.Desc
	timeouts       *prometheus.Desc
	queues         *prometheus.Desc
	latency        *prometheus.Desc
	uptime         *prometheus.Desc
}

// NewPrometheusCollector creates a collector for m. endpoint is attached to
// every series as a constant label.
func NewPrometheusCollector(m *Metrics, endpoint string) *PrometheusCollector {
	labels := prometheus.Labels{"endpoint": endpoint}
	desc := func(name, help string, variable ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(metricsNamespace, "", name), help, variable, labels)
	}
	return &PrometheusCollector{
		metrics:        m,
		labels:         labels,
		commands:       desc("commands_total", "Commands executed by class and result.", "class", "result"),
		bytes:          desc("bytes_total", "Namespace data moved by successful reads and writes.", "direction"),
		completions:    desc("completions_posted_total", "Completion entries posted to host CQs."),
		cqFull:         desc("cq_full_total", "Completions deferred because the CQ was full."),
		interrupts:     desc("irqs_total", "Interrupts raised on the host."),
		transferBytes:  desc("transfer_bytes_total", "Bytes copied between host memory and local buffers.", "path"),
		transferErrors: desc("transfer_errors_total", "Failed transfer chunks."),
		timeouts:       desc("transfer_timeouts_total", "Bulk copies canceled after the timeout."),
		queues:         desc("queue_events_total", "Queue create and delete events.", "event"),
		latency:        desc("command_latency_seconds", "Fetch to completion latency quantiles.", "quantile"),
		uptime:         desc("uptime_seconds", "Time since the endpoint started."),
	}
}

// Describe implements prometheus.Collector.
func (c *PrometheusCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.commands
	ch <- c.bytes
	ch <- c.completions
	ch <- c.cqFull
	ch <- c.interrupts
	ch <- c.transferBytes
	ch <- c.transferErrors
	ch <- c.timeouts
	ch <- c.queues
	ch <- c.latency
	ch <- c.uptime
}

// Collect implements prometheus.Collector.
func (c *PrometheusCollector) Collect(ch chan<- prometheus.Metric) {
	snap := c.metrics.Snapshot()

	counter := func(d *prometheus.Desc, v uint64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
	}
	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
	}

	for class := CommandClass(0); class < numClasses; class++ {
		counter(c.commands, snap.Commands[class]-snap.Errors[class], class.String(), "success")
		counter(c.commands, snap.Errors[class], class.String(), "error")
	}
	counter(c.bytes, snap.ReadBytes, "read")
	counter(c.bytes, snap.WriteBytes, "write")
	counter(c.completions, snap.CompletionsPosted)
	counter(c.cqFull, snap.CQFull)
	counter(c.interrupts, snap.Interrupts)
	counter(c.transferBytes, snap.MMIOBytes, "mmio")
	counter(c.transferBytes, snap.BulkBytes, "bulk")
	counter(c.transferErrors, snap.TransferErrors)
	counter(c.timeouts, snap.TransferTimeouts)
	counter(c.queues, snap.QueuesCreated, "created")
	counter(c.queues, snap.QueuesDeleted, "deleted")
	gauge(c.latency, float64(snap.LatencyP50Ns)/1e9, "0.5")
	gauge(c.latency, float64(snap.LatencyP99Ns)/1e9, "0.99")
	gauge(c.latency, float64(snap.LatencyP999Ns)/1e9, "0.999")
	gauge(c.uptime, float64(snap.UptimeNs)/1e9)
}

var _ prometheus.Collector = (*PrometheusCollector)(nil)
