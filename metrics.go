package centrifuge

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// default namespace for prometheus metrics exposed by Collector.
var defaultMetricsNamespace = "centrifuge_client"

// metrics accumulates session counters. Hot counters are atomics since
// they are touched on every frame by reader and writer goroutines.
type metrics struct {
	bytesSent        atomic.Uint64
	bytesReceived    atomic.Uint64
	messagesSent     atomic.Uint64
	messagesReceived atomic.Uint64
	connects         atomic.Uint64
	disconnects      atomic.Uint64

	mu              sync.Mutex
	replies         map[string]uint64
	reconnectURL    string
	nextReconnectAt time.Time
}

func newMetrics() *metrics {
	return &metrics{
		replies: make(map[string]uint64),
	}
}

func (m *metrics) incReply(kind string) {
	m.mu.Lock()
	m.replies[kind]++
	m.mu.Unlock()
}

func (m *metrics) setReconnectURL(url string) {
	m.mu.Lock()
	m.reconnectURL = url
	m.mu.Unlock()
}

func (m *metrics) setNextReconnectAt(at time.Time) {
	m.mu.Lock()
	m.nextReconnectAt = at
	m.mu.Unlock()
}

// Metrics is a snapshot of client session counters.
type Metrics struct {
	// BytesSent is a total size of frames handed to the transport.
	BytesSent uint64
	// BytesReceived is a total size of frames read from the transport.
	BytesReceived uint64
	// MessagesSent is a number of commands written.
	MessagesSent uint64
	// MessagesReceived is a number of replies and pushes read.
	MessagesReceived uint64
	// Connects is a number of successfully established sessions.
	Connects uint64
	// Disconnects is a number of times the session left connected state.
	Disconnects uint64
	// Replies contains per-kind counters of received replies and pushes.
	Replies map[string]uint64
	// ReconnectURL is the endpoint of the scheduled reconnect attempt: the
	// server-provided override if any, the configured endpoint otherwise.
	// Empty when no reconnect is scheduled.
	ReconnectURL string
	// NextReconnectAt is the time of the scheduled reconnect attempt,
	// zero when none is scheduled.
	NextReconnectAt time.Time
}

func (m *metrics) snapshot() Metrics {
	m.mu.Lock()
	replies := make(map[string]uint64, len(m.replies))
	for k, v := range m.replies {
		replies[k] = v
	}
	s := Metrics{
		BytesSent:        m.bytesSent.Load(),
		BytesReceived:    m.bytesReceived.Load(),
		MessagesSent:     m.messagesSent.Load(),
		MessagesReceived: m.messagesReceived.Load(),
		Connects:         m.connects.Load(),
		Disconnects:      m.disconnects.Load(),
		Replies:          replies,
		ReconnectURL:     m.reconnectURL,
		NextReconnectAt:  m.nextReconnectAt,
	}
	m.mu.Unlock()
	return s
}

// collector exposes client metrics to Prometheus without double
// accounting: it reads the same counters the snapshot uses.
type collector struct {
	metrics *metrics

	bytesSentDesc        *prometheus.Desc
	bytesReceivedDesc    *prometheus.Desc
	messagesSentDesc     *prometheus.Desc
	messagesReceivedDesc *prometheus.Desc
	connectsDesc         *prometheus.Desc
	disconnectsDesc      *prometheus.Desc
	repliesDesc          *prometheus.Desc
	nextReconnectAtDesc  *prometheus.Desc
}

func newCollector(m *metrics, constLabels prometheus.Labels) *collector {
	ns := defaultMetricsNamespace
	return &collector{
		metrics: m,
		bytesSentDesc: prometheus.NewDesc(
			prometheus.BuildFQName(ns, "transport", "bytes_sent"),
			"Total size of frames handed to transport.", nil, constLabels),
		bytesReceivedDesc: prometheus.NewDesc(
			prometheus.BuildFQName(ns, "transport", "bytes_received"),
			"Total size of frames read from transport.", nil, constLabels),
		messagesSentDesc: prometheus.NewDesc(
			prometheus.BuildFQName(ns, "transport", "messages_sent"),
			"Number of commands written.", nil, constLabels),
		messagesReceivedDesc: prometheus.NewDesc(
			prometheus.BuildFQName(ns, "transport", "messages_received"),
			"Number of replies and pushes read.", nil, constLabels),
		connectsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(ns, "client", "connects"),
			"Number of successfully established sessions.", nil, constLabels),
		disconnectsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(ns, "client", "disconnects"),
			"Number of times session left connected state.", nil, constLabels),
		repliesDesc: prometheus.NewDesc(
			prometheus.BuildFQName(ns, "client", "replies_received"),
			"Number of received replies and pushes per kind.", []string{"kind"}, constLabels),
		nextReconnectAtDesc: prometheus.NewDesc(
			prometheus.BuildFQName(ns, "client", "next_reconnect_at_seconds"),
			"Unix time of scheduled reconnect attempt, 0 when none.", nil, constLabels),
	}
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.bytesSentDesc
	ch <- c.bytesReceivedDesc
	ch <- c.messagesSentDesc
	ch <- c.messagesReceivedDesc
	ch <- c.connectsDesc
	ch <- c.disconnectsDesc
	ch <- c.repliesDesc
	ch <- c.nextReconnectAtDesc
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	s := c.metrics.snapshot()
	ch <- prometheus.MustNewConstMetric(c.bytesSentDesc, prometheus.CounterValue, float64(s.BytesSent))
	ch <- prometheus.MustNewConstMetric(c.bytesReceivedDesc, prometheus.CounterValue, float64(s.BytesReceived))
	ch <- prometheus.MustNewConstMetric(c.messagesSentDesc, prometheus.CounterValue, float64(s.MessagesSent))
	ch <- prometheus.MustNewConstMetric(c.messagesReceivedDesc, prometheus.CounterValue, float64(s.MessagesReceived))
	ch <- prometheus.MustNewConstMetric(c.connectsDesc, prometheus.CounterValue, float64(s.Connects))
	ch <- prometheus.MustNewConstMetric(c.disconnectsDesc, prometheus.CounterValue, float64(s.Disconnects))
	for kind, count := range s.Replies {
		ch <- prometheus.MustNewConstMetric(c.repliesDesc, prometheus.CounterValue, float64(count), kind)
	}
	var at float64
	if !s.NextReconnectAt.IsZero() {
		at = float64(s.NextReconnectAt.Unix())
	}
	ch <- prometheus.MustNewConstMetric(c.nextReconnectAtDesc, prometheus.GaugeValue, at)
}
