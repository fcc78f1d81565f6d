package centrifuge

import (
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNormalizeCloseCode(t *testing.T) {
	tests := []struct {
		name          string
		transportCode uint32
		wantCode      uint32
		wantReconnect bool
	}{
		{"message size limit", 1009, disconnectMessageSizeLimit, true},
		{"normal closure", 1000, connectingTransportClosed, true},
		{"abnormal closure", 1006, connectingTransportClosed, true},
		{"going away", 1001, connectingTransportClosed, true},
		{"server non terminal low", 3000, 3000, true},
		{"server non terminal high", 3499, 3499, true},
		{"server terminal low", 3500, 3500, false},
		{"server terminal high", 3999, 3999, false},
		{"app non terminal low", 4000, 4000, true},
		{"app non terminal high", 4499, 4499, true},
		{"app terminal low", 4500, 4500, false},
		{"app terminal high", 4999, 4999, false},
		{"above known ranges", 5042, 5042, true},
		{"zero", 0, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, reconnect := normalizeCloseCode(tt.transportCode)
			require.Equal(t, tt.wantCode, code)
			require.Equal(t, tt.wantReconnect, reconnect)
		})
	}
}

func TestDisconnectFromClosePlainReason(t *testing.T) {
	d := disconnectFromClose(1006, "connection reset")
	require.Equal(t, connectingTransportClosed, d.Code)
	require.Equal(t, "connection reset", d.Reason)
	require.True(t, d.Reconnect)
	require.Empty(t, d.ReconnectURL)
	require.True(t, d.NextReconnectAt.IsZero())
}

func TestDisconnectFromCloseAdvice(t *testing.T) {
	at := time.Now().Add(5 * time.Second).UnixMilli()
	reason := `{"reason":"shutdown","reconnect":true,"reconnect_url":"wss://other/connection/websocket","next_reconnect_at":` +
		strconv.FormatInt(at, 10) + `}`
	d := disconnectFromClose(3001, reason)
	require.Equal(t, uint32(3001), d.Code)
	require.Equal(t, "shutdown", d.Reason)
	require.True(t, d.Reconnect)
	require.Equal(t, "wss://other/connection/websocket", d.ReconnectURL)
	require.Equal(t, at, d.NextReconnectAt.UnixMilli())
}

func TestDisconnectFromCloseAdviceNoReconnect(t *testing.T) {
	d := disconnectFromClose(3000, `{"reason":"invalid token","reconnect":false}`)
	require.Equal(t, uint32(3000), d.Code)
	require.Equal(t, "invalid token", d.Reason)
	require.False(t, d.Reconnect)
}

func TestDisconnectFromCloseBadAdvice(t *testing.T) {
	// Broken JSON falls back to the code-derived decision.
	d := disconnectFromClose(3500, `{"reason":`)
	require.Equal(t, uint32(3500), d.Code)
	require.False(t, d.Reconnect)
}

