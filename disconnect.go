package centrifuge

import (
	"time"

	"github.com/segmentio/encoding/json"
)

// Engine-level codes for the transition to connecting state.
const (
	connectingConnectCalled    uint32 = 0
	connectingTransportClosed  uint32 = 1
	connectingNoPing           uint32 = 2
	connectingSubscribeTimeout uint32 = 3
	connectingUnsubscribeError uint32 = 4
)

// Engine-level codes for the transition to disconnected state.
const (
	disconnectedDisconnectCalled uint32 = 0
	disconnectedUnauthorized     uint32 = 1
	disconnectBadProtocol        uint32 = 2
	disconnectMessageSizeLimit   uint32 = 3
)

// Disconnect code marking an expired connection. The client uses it when a
// connection token cannot be refreshed in time and reconnects afterwards
// with the token it holds.
const disconnectCodeExpired uint32 = 3005

// disconnect is a normalized termination event: every way a session can
// end (server push, transport close, protocol error) funnels into one of
// these so the connection state machine has a single code path.
type disconnect struct {
	Code            uint32
	Reason          string
	Reconnect       bool
	ReconnectURL    string
	NextReconnectAt time.Time
}

// closeAdvice is a legacy JSON payload some servers attach to the close
// frame text to steer the client's next reconnect attempt.
type closeAdvice struct {
	Reason          string `json:"reason"`
	Reconnect       bool   `json:"reconnect"`
	ReconnectURL    string `json:"reconnect_url,omitempty"`
	NextReconnectAt int64  `json:"next_reconnect_at,omitempty"` // Unix milliseconds.
}

// reconnectAfterCode tells whether the client should try to reconnect
// after disconnect with the given engine-level code.
func reconnectAfterCode(code uint32) bool {
	if code >= 3500 && code < 4000 {
		return false
	}
	if code >= 4500 && code < 5000 {
		return false
	}
	return code >= 3000
}

// normalizeCloseCode translates a transport close code into an
// engine-level disconnect code together with a reconnect decision.
func normalizeCloseCode(code uint32) (uint32, bool) {
	if code == 1009 {
		// Message too big.
		return disconnectMessageSizeLimit, true
	}
	if code >= 1 && code < 3000 {
		return connectingTransportClosed, true
	}
	if code >= 3000 {
		return code, reconnectAfterCode(code)
	}
	return code, false
}

// disconnectFromClose builds a normalized disconnect out of a transport
// close code and reason. The reason may carry JSON close advice which
// overrides the code-derived reconnect decision and supplies reconnect
// URL / time overrides.
func disconnectFromClose(code uint32, reason string) *disconnect {
	engineCode, reconnect := normalizeCloseCode(code)
	d := &disconnect{
		Code:      engineCode,
		Reason:    reason,
		Reconnect: reconnect,
	}
	if len(reason) > 0 && reason[0] == '{' {
		var advice closeAdvice
		if err := json.Unmarshal([]byte(reason), &advice); err == nil {
			d.Reason = advice.Reason
			d.Reconnect = advice.Reconnect
			d.ReconnectURL = advice.ReconnectURL
			if advice.NextReconnectAt > 0 {
				d.NextReconnectAt = time.UnixMilli(advice.NextReconnectAt)
			}
		}
	}
	return d
}
