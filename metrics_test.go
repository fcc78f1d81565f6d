package centrifuge

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMetricsSnapshot(t *testing.T) {
	m := newMetrics()
	m.bytesSent.Add(10)
	m.bytesReceived.Add(20)
	m.messagesSent.Add(2)
	m.messagesReceived.Add(3)
	m.connects.Add(1)
	m.incReply("rpc")
	m.incReply("rpc")
	m.incReply("publication")
	m.setReconnectURL("ws://localhost:8000/connection/websocket")
	at := time.Now().Add(time.Second)
	m.setNextReconnectAt(at)

	s := m.snapshot()
	require.Equal(t, uint64(10), s.BytesSent)
	require.Equal(t, uint64(20), s.BytesReceived)
	require.Equal(t, uint64(2), s.MessagesSent)
	require.Equal(t, uint64(3), s.MessagesReceived)
	require.Equal(t, uint64(1), s.Connects)
	require.Equal(t, uint64(0), s.Disconnects)
	require.Equal(t, uint64(2), s.Replies["rpc"])
	require.Equal(t, uint64(1), s.Replies["publication"])
	require.Equal(t, "ws://localhost:8000/connection/websocket", s.ReconnectURL)
	require.Equal(t, at, s.NextReconnectAt)

	// Snapshot is detached from live counters.
	m.incReply("rpc")
	require.Equal(t, uint64(2), s.Replies["rpc"])
}

func TestMetricsCollector(t *testing.T) {
	m := newMetrics()
	m.bytesSent.Add(42)
	m.connects.Add(2)
	m.incReply("connect")

	c := newCollector(m, prometheus.Labels{"client": "go", "session": "test"})
	registry := prometheus.NewRegistry()
	require.NoError(t, registry.Register(c))

	// 6 scalar counters + 1 reply kind + next_reconnect_at gauge.
	count := testutil.CollectAndCount(c)
	require.Equal(t, 8, count)
}
