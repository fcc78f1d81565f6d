package centrifuge

import (
	"crypto/tls"
	"net/http"
	"time"
)

// Config contains various client options.
type Config struct {
	// Token for a connection authentication.
	Token string
	// GetToken called to get or refresh connection token.
	GetToken func(ConnectionTokenEvent) (string, error)
	// Data is an arbitrary data which can be sent to a server in a Connect command.
	// Make sure it's a valid JSON when using JSON protocol client.
	Data []byte
	// Header for HTTP Upgrade request with custom headers.
	Header http.Header
	// Name allows setting client name. You should only use a limited
	// amount of client names throughout your applications - i.e. don't
	// make it unique per user for example, this name semantically represents
	// an environment from which client connects.
	Name string
	// Version allows setting client version. This is an application
	// specific information. By default, no version set.
	Version string
	// TLSConfig specifies the TLS configuration to use with tls.Client.
	// If nil, the default configuration is used.
	TLSConfig *tls.Config
	// HandshakeTimeout specifies the duration for the handshake to complete.
	HandshakeTimeout time.Duration
	// ReadTimeout is stored in the configuration (5 seconds when zero) but
	// is not applied by the WebSocket transport: reads have no deadline.
	ReadTimeout time.Duration
	// WriteTimeout is the write timeout for an individual frame.
	WriteTimeout time.Duration
	// CommandTimeout is a timeout for every command sent to server
	// which waits for a matching reply.
	CommandTimeout time.Duration
	// MinReconnectDelay is a lower bound for reconnect and resubscribe
	// backoff delays.
	MinReconnectDelay time.Duration
	// MaxReconnectDelay is an upper bound for reconnect and resubscribe
	// backoff delays.
	MaxReconnectDelay time.Duration
	// MaxServerPingDelay used to set maximum delay of ping from server.
	MaxServerPingDelay time.Duration
	// MaxCommandQueueSize is a maximum size in bytes of commands accepted
	// for writing but not yet passed to the transport. When exceeded every
	// next normal command fails fast with ErrSendFull; control commands
	// (connect, refresh, ping replies) are still accepted.
	MaxCommandQueueSize int
	// LogLevel to use, by default nothing will be logged.
	LogLevel LogLevel
	// LogHandler is a handler func client will send log entries to.
	LogHandler LogHandler
	// OnTransportCreated called right after the underlying transport
	// has been established, before the connect command is issued.
	OnTransportCreated func(TransportCreatedEvent)
}

const (
	defaultName                = "go"
	defaultHandshakeTimeout    = time.Second
	defaultReadTimeout         = 5 * time.Second
	defaultWriteTimeout        = time.Second
	defaultCommandTimeout      = 5 * time.Second
	defaultMinReconnectDelay   = 500 * time.Millisecond
	defaultMaxReconnectDelay   = 20 * time.Second
	defaultMaxServerPingDelay  = 10 * time.Second
	defaultMaxCommandQueueSize = 10485760 // 10MB.
)

func withDefaults(config Config) Config {
	if config.Name == "" {
		config.Name = defaultName
	}
	if config.ReadTimeout == 0 {
		config.ReadTimeout = defaultReadTimeout
	}
	if config.WriteTimeout == 0 {
		config.WriteTimeout = defaultWriteTimeout
	}
	if config.HandshakeTimeout == 0 {
		config.HandshakeTimeout = defaultHandshakeTimeout
	}
	if config.CommandTimeout == 0 {
		config.CommandTimeout = defaultCommandTimeout
	}
	if config.MinReconnectDelay == 0 {
		config.MinReconnectDelay = defaultMinReconnectDelay
	}
	if config.MaxReconnectDelay == 0 {
		config.MaxReconnectDelay = defaultMaxReconnectDelay
	}
	if config.MaxServerPingDelay == 0 {
		config.MaxServerPingDelay = defaultMaxServerPingDelay
	}
	if config.MaxCommandQueueSize == 0 {
		config.MaxCommandQueueSize = defaultMaxCommandQueueSize
	}
	if config.Header == nil {
		config.Header = http.Header{}
	}
	return config
}

// SubscriptionConfig allows setting Subscription options.
type SubscriptionConfig struct {
	// Token for Subscription.
	Token string
	// GetToken called to get or refresh subscription token.
	GetToken func(SubscriptionTokenEvent) (string, error)
	// Data is an arbitrary data to pass to a server in each subscribe request.
	Data []byte
	// Since allows providing a known stream position so the server can
	// recover missed publications on the very first subscribe.
	Since *StreamPosition
	// Recoverable enables recovery for a subscription.
	Recoverable bool
	// Positioned enables positioning of a subscription.
	Positioned bool
	// JoinLeave enables join/leave events for a subscription.
	JoinLeave bool
	// Delta format for subscription, when set server may send publications
	// as binary patches over a previous payload. The only supported value
	// is DeltaTypeFossil.
	Delta string
	// MinResubscribeDelay is a lower bound of resubscribe backoff delays.
	MinResubscribeDelay time.Duration
	// MaxResubscribeDelay is an upper bound of resubscribe backoff delays.
	MaxResubscribeDelay time.Duration
}

// DeltaTypeFossil is a type of delta encoding based on Fossil SCM delta format.
const DeltaTypeFossil = "fossil"
