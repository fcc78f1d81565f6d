package centrifuge

import (
	"crypto/tls"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/centrifugal/protocol"
	"github.com/gorilla/websocket"
)

// transport abstracts a framed bidirectional connection to a server.
// Read is called from the single reader goroutine, Write from the single
// writer goroutine; Close must be safe to call concurrently with both.
type transport interface {
	// Name of the transport, used in logs and events.
	Name() string
	// Protocol is a frame payload encoding used by transport.
	Protocol() protocol.Type
	// Write one encoded frame to the connection.
	Write(data []byte, timeout time.Duration) error
	// WriteMany merges several encoded commands into a single frame.
	WriteMany(timeout time.Duration, data ...[]byte) error
	// Read returns the next reply. On termination it returns a normalized
	// disconnect describing the close cause.
	Read() (*protocol.Reply, *disconnect, error)
	// Close closes the connection, it is safe to call multiple times.
	Close() error
}

const transportWebsocket = "websocket"

type websocketConfig struct {
	// TLSConfig for a secure connection.
	TLSConfig *tls.Config
	// HandshakeTimeout specifies the duration for the handshake to complete.
	HandshakeTimeout time.Duration
	// Header specifies custom HTTP Upgrade request header.
	Header http.Header
}

type websocketTransport struct {
	mu           sync.Mutex
	conn         *websocket.Conn
	protocolType protocol.Type
	metrics      *metrics
	replyDecoder protocol.ReplyDecoder
	closed       bool
	closeErr     *websocket.CloseError
}

func newWebsocketTransport(url string, protocolType protocol.Type, config websocketConfig, m *metrics) (transport, error) {
	wsHeaders := config.Header
	dialer := &websocket.Dialer{
		HandshakeTimeout: config.HandshakeTimeout,
		TLSClientConfig:  config.TLSConfig,
	}
	if protocolType == protocol.TypeProtobuf {
		dialer.Subprotocols = []string{"centrifuge-protobuf"}
	} else {
		dialer.Subprotocols = []string{"centrifuge-json"}
	}
	conn, resp, err := dialer.Dial(url, wsHeaders)
	if err != nil {
		return nil, ConnectError{Err: err}
	}
	if resp != nil {
		_ = resp.Body.Close()
	}
	return &websocketTransport{
		conn:         conn,
		protocolType: protocolType,
		metrics:      m,
	}, nil
}

func (t *websocketTransport) Name() string {
	return transportWebsocket
}

func (t *websocketTransport) Protocol() protocol.Type {
	return t.protocolType
}

func (t *websocketTransport) messageType() int {
	if t.protocolType == protocol.TypeProtobuf {
		return websocket.BinaryMessage
	}
	return websocket.TextMessage
}

func (t *websocketTransport) writeFrame(data []byte, timeout time.Duration) error {
	if timeout > 0 {
		_ = t.conn.SetWriteDeadline(time.Now().Add(timeout))
	}
	err := t.conn.WriteMessage(t.messageType(), data)
	if timeout > 0 {
		_ = t.conn.SetWriteDeadline(time.Time{})
	}
	if err != nil {
		return TransportError{Err: err}
	}
	t.metrics.bytesSent.Add(uint64(len(data)))
	return nil
}

func (t *websocketTransport) Write(data []byte, timeout time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return TransportError{Err: errors.New("transport closed")}
	}
	return t.writeFrame(data, timeout)
}

// WriteMany merges command payloads into one frame. Protobuf commands are
// varint length-delimited so plain concatenation keeps frame validity,
// JSON commands are joined with a newline.
func (t *websocketTransport) WriteMany(timeout time.Duration, data ...[]byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return TransportError{Err: errors.New("transport closed")}
	}
	var sep []byte
	if t.protocolType == protocol.TypeJSON {
		sep = []byte("\n")
	}
	var frame []byte
	for i, d := range data {
		if i > 0 && sep != nil {
			frame = append(frame, sep...)
		}
		frame = append(frame, d...)
	}
	return t.writeFrame(frame, timeout)
}

func (t *websocketTransport) Read() (*protocol.Reply, *disconnect, error) {
	for {
		if t.replyDecoder != nil {
			reply, err := t.replyDecoder.Decode()
			if reply != nil {
				if err != nil && errors.Is(err, io.EOF) {
					t.replyDecoder = nil
				}
				return reply, nil, nil
			}
			if err != nil && !errors.Is(err, io.EOF) {
				return nil, &disconnect{
					Code:      disconnectBadProtocol,
					Reason:    "decode error",
					Reconnect: false,
				}, err
			}
			t.replyDecoder = nil
		}
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			return nil, t.disconnectFromReadErr(err), err
		}
		t.metrics.bytesReceived.Add(uint64(len(data)))
		t.replyDecoder = newReplyDecoder(t.protocolType, data)
	}
}

func (t *websocketTransport) disconnectFromReadErr(err error) *disconnect {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return disconnectFromClose(uint32(closeErr.Code), closeErr.Text)
	}
	return &disconnect{
		Code:      connectingTransportClosed,
		Reason:    "transport closed",
		Reconnect: true,
	}
}

func (t *websocketTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()
	deadline := time.Now().Add(time.Second)
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = t.conn.WriteControl(websocket.CloseMessage, msg, deadline)
	return t.conn.Close()
}
