package centrifuge

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/plugfox/centrifuge-go/internal/queue"

	"github.com/centrifugal/protocol"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/singleflight"
)

// State of client connection.
type State string

// Describe client connection states.
const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateClosed       State = "closed"
)

// Error code the server uses to report an expired connection token in a
// reply to connect command.
const errCodeTokenExpired uint32 = 109

// request is a correlator entry: a parked caller waiting for the reply
// with a matching command id.
type request struct {
	cb     func(*protocol.Reply, error)
	doneCh chan struct{}
}

type connectFuture struct {
	ch chan error
}

// serverSub mirrors a server-side subscription. The client cannot
// initiate subscribe or unsubscribe for it, state only changes on server
// pushes and connect replies.
type serverSub struct {
	State       SubState
	Offset      uint64
	Epoch       string
	Recoverable bool
}

// ServerSubscription is a snapshot of a server-side subscription state.
type ServerSubscription struct {
	Channel     string
	State       SubState
	Recoverable bool
	Offset      uint64
	Epoch       string
}

// Client represents client connection to Centrifugo or Centrifuge
// library based server. It provides methods to set various event
// handlers, subscribe channels, call RPC commands etc. Call Client.Close
// method when Client no longer needed.
type Client struct {
	cmdID    uint32
	futureID uint64

	mu              sync.RWMutex
	endpoint        string
	protocolType    protocol.Type
	config          Config
	token           string
	state           State
	round           uint64
	clientID        string
	transport       transport
	writer          *writer
	commandEncoder  protocol.CommandEncoder
	sessionCloseCh  chan struct{}
	sendPong        bool
	delayPing       chan struct{}
	refreshRequired bool
	refreshTimer    *time.Timer

	reconnectAttempts int
	reconnectTimer    *time.Timer
	reconnectStrategy reconnectStrategy
	reconnectURL      string
	nextReconnectAt   time.Time

	subs     map[string]*Subscription
	subOrder []string

	serverSubs map[string]*serverSub

	requestsMu sync.Mutex
	requests   map[uint32]request

	connectFutures map[uint64]connectFuture

	tokenGroup singleflight.Group

	events  *eventHub
	cbQueue *cbQueue
	metrics *metrics
	logger  *logger
	session string

	// dialFn creates a transport for one connection attempt, replaceable
	// in tests.
	dialFn func(url string, protocolType protocol.Type, config websocketConfig, m *metrics) (transport, error)
}

// NewProtobufClient initializes Client which uses Protobuf-based
// protocol internally, binary frames with varint length-delimited
// payload on the wire.
func NewProtobufClient(endpoint string, config Config) *Client {
	return newClient(endpoint, protocol.TypeProtobuf, config)
}

// NewJsonClient initializes Client which uses JSON-based protocol internally.
func NewJsonClient(endpoint string, config Config) *Client {
	return newClient(endpoint, protocol.TypeJSON, config)
}

func newClient(endpoint string, protocolType protocol.Type, config Config) *Client {
	config = withDefaults(config)
	c := &Client{
		endpoint:       endpoint,
		protocolType:   protocolType,
		config:         config,
		token:          config.Token,
		state:          StateDisconnected,
		subs:           make(map[string]*Subscription),
		serverSubs:     make(map[string]*serverSub),
		requests:       make(map[uint32]request),
		connectFutures: make(map[uint64]connectFuture),
		delayPing:      make(chan struct{}, 1),
		reconnectStrategy: &backoffReconnect{
			MinDelay: config.MinReconnectDelay,
			MaxDelay: config.MaxReconnectDelay,
			Factor:   2,
		},
		events:  newEventHub(),
		cbQueue: newCBQueue(),
		metrics: newMetrics(),
		session: uuid.NewString(),
		dialFn:  newWebsocketTransport,
	}
	if config.LogHandler != nil {
		c.logger = newLogger(config.LogLevel, config.LogHandler)
	}
	go c.cbQueue.dispatch()
	return c
}

// State returns current Client state.
func (c *Client) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// ID returns client connection id issued by server, empty until first
// successful connect.
func (c *Client) ID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.clientID
}

// Metrics returns a snapshot of session counters.
func (c *Client) Metrics() Metrics {
	return c.metrics.snapshot()
}

// Collector returns a prometheus.Collector exposing client metrics, the
// caller is responsible for registering it.
func (c *Client) Collector() prometheus.Collector {
	return newCollector(c.metrics, prometheus.Labels{
		"client":  c.config.Name,
		"session": c.session,
	})
}

func (c *Client) isClosed() bool {
	return c.State() == StateClosed
}

func (c *Client) nextCmdID() uint32 {
	return atomic.AddUint32(&c.cmdID, 1)
}

func (c *Client) runHandlerAsync(f func()) {
	c.cbQueue.push(f)
}

func (c *Client) emitError(err error) {
	if c.logger.enabled(LogLevelError) {
		c.logger.log(newLogEntry(LogLevelError, "client error", map[string]any{
			"event": "error", "session": c.session, "error": err.Error(),
		}))
	}
	if c.events.onError != nil {
		handler := c.events.onError
		c.runHandlerAsync(func() {
			handler(ErrorEvent{Error: err})
		})
	}
}

// Connect dials a server and establishes a session. The client then
// keeps the session up transparently reconnecting when necessary until
// Disconnect or Close called, or until server issues a terminal
// disconnect.
func (c *Client) Connect() error {
	return c.startConnecting(connectingConnectCalled, "connect called")
}

func (c *Client) startConnecting(code uint32, reason string) error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return ErrClientClosed
	}
	if c.state == StateConnecting || c.state == StateConnected {
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnecting
	c.round++
	round := c.round
	c.mu.Unlock()
	c.emitStateChange(StateConnecting)
	c.emitConnecting(code, reason)
	go c.connectOnce(round)
	return nil
}

// Disconnect closes the session without closing the Client: an explicit
// Connect call revives it.
func (c *Client) Disconnect() error {
	if c.isClosed() {
		return ErrClientClosed
	}
	c.handleDisconnectCurrent(&disconnect{
		Code:      disconnectedDisconnectCalled,
		Reason:    "disconnect called",
		Reconnect: false,
	})
	return nil
}

// Close disconnects the session and marks the Client as terminally
// closed: every subsequent operation fails with ErrClientClosed.
// Resources held by the client (transport, timers, internal goroutines)
// are released before Close returns.
func (c *Client) Close() {
	c.mu.RLock()
	if c.state == StateClosed {
		c.mu.RUnlock()
		return
	}
	c.mu.RUnlock()
	c.handleDisconnectCurrent(&disconnect{
		Code:      disconnectedDisconnectCalled,
		Reason:    "client closed",
		Reconnect: false,
	})
	c.mu.Lock()
	c.state = StateClosed
	subs := c.subsSnapshot()
	c.subs = make(map[string]*Subscription)
	c.subOrder = nil
	c.serverSubs = make(map[string]*serverSub)
	c.mu.Unlock()
	for _, sub := range subs {
		sub.moveToUnsubscribed(unsubscribedClientClosed, "client closed")
	}
	c.resolveConnectFutures(ErrClientClosed)
	c.emitStateChange(StateClosed)
	c.cbQueue.close()
	c.cbQueue.waitDrain(time.Second)
}

// Ready blocks until the client becomes connected. It fails fast with
// ErrClientDisconnected or ErrClientClosed in disconnected and closed
// states, and waits up to the configured command timeout (or the context
// deadline when one is set) while connecting.
func (c *Client) Ready(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateConnected:
		c.mu.Unlock()
		return nil
	case StateClosed:
		c.mu.Unlock()
		return ErrClientClosed
	case StateDisconnected:
		c.mu.Unlock()
		return ErrClientDisconnected
	}
	id := atomic.AddUint64(&c.futureID, 1)
	fut := connectFuture{ch: make(chan error, 1)}
	c.connectFutures[id] = fut
	c.mu.Unlock()

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.CommandTimeout)
		defer cancel()
	}
	select {
	case err := <-fut.ch:
		return err
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.connectFutures, id)
		c.mu.Unlock()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return ErrTimeout
		}
		return ctx.Err()
	}
}

func (c *Client) resolveConnectFutures(err error) {
	c.mu.Lock()
	futures := c.connectFutures
	c.connectFutures = make(map[uint64]connectFuture)
	c.mu.Unlock()
	for _, fut := range futures {
		fut.ch <- err
	}
}

// NewSubscription allocates new Subscription on a channel. As soon as
// Subscription successfully created Client keeps reference to it, so
// only one Subscription to the same channel is allowed.
func (c *Client) NewSubscription(channel string, config ...SubscriptionConfig) (*Subscription, error) {
	if channel == "" {
		return nil, errors.New("channel must not be empty")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return nil, ErrClientClosed
	}
	if _, ok := c.subs[channel]; ok {
		return nil, ErrDuplicateSubscription
	}
	sub := newSubscription(c, channel, config...)
	c.subs[channel] = sub
	c.subOrder = append(c.subOrder, channel)
	return sub, nil
}

// GetSubscription returns Subscription registered for a channel, if any.
func (c *Client) GetSubscription(channel string) (*Subscription, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	sub, ok := c.subs[channel]
	return sub, ok
}

// RemoveSubscription unsubscribes and removes Subscription from the
// internal registry so a new Subscription to the same channel can be
// created later.
func (c *Client) RemoveSubscription(sub *Subscription) error {
	if sub.State() != SubStateUnsubscribed {
		if err := sub.Unsubscribe(); err != nil {
			return err
		}
	}
	c.mu.Lock()
	delete(c.subs, sub.Channel)
	for i, ch := range c.subOrder {
		if ch == sub.Channel {
			c.subOrder = append(c.subOrder[:i], c.subOrder[i+1:]...)
			break
		}
	}
	c.mu.Unlock()
	return nil
}

// ServerSubscriptions returns the current snapshot of server-side
// subscriptions mirrored by the client.
func (c *Client) ServerSubscriptions() map[string]ServerSubscription {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m := make(map[string]ServerSubscription, len(c.serverSubs))
	for ch, s := range c.serverSubs {
		m[ch] = ServerSubscription{
			Channel:     ch,
			State:       s.State,
			Recoverable: s.Recoverable,
			Offset:      s.Offset,
			Epoch:       s.Epoch,
		}
	}
	return m
}

func (c *Client) subsSnapshot() []*Subscription {
	subs := make([]*Subscription, 0, len(c.subOrder))
	for _, ch := range c.subOrder {
		if sub, ok := c.subs[ch]; ok {
			subs = append(subs, sub)
		}
	}
	return subs
}

// Send a message to server without waiting for a reply, id is omitted on
// the wire.
func (c *Client) Send(data []byte) error {
	if c.isClosed() {
		return ErrClientClosed
	}
	cmd := &protocol.Command{
		Send: &protocol.SendRequest{Data: data},
	}
	return c.writeCommand(cmd, false)
}

// RPC issues a request to a server RPC handler and waits for the result.
func (c *Client) RPC(ctx context.Context, method string, data []byte) (RPCResult, error) {
	if c.isClosed() {
		return RPCResult{}, ErrClientClosed
	}
	cmd := &protocol.Command{
		Id:  c.nextCmdID(),
		Rpc: &protocol.RPCRequest{Method: method, Data: data},
	}
	reply, err := c.sendSync(ctx, cmd, false)
	if err != nil {
		return RPCResult{}, err
	}
	return RPCResult{Data: reply.Rpc.Data}, nil
}

// Publish data into a channel without being subscribed to it.
func (c *Client) Publish(ctx context.Context, channel string, data []byte) (PublishResult, error) {
	if c.isClosed() {
		return PublishResult{}, ErrClientClosed
	}
	cmd := &protocol.Command{
		Id:      c.nextCmdID(),
		Publish: &protocol.PublishRequest{Channel: channel, Data: data},
	}
	_, err := c.sendSync(ctx, cmd, false)
	if err != nil {
		return PublishResult{}, err
	}
	return PublishResult{}, nil
}

// History returns a channel publication history.
func (c *Client) History(ctx context.Context, channel string, opts ...HistoryOption) (HistoryResult, error) {
	if c.isClosed() {
		return HistoryResult{}, ErrClientClosed
	}
	historyOpts := &HistoryOptions{}
	for _, opt := range opts {
		opt(historyOpts)
	}
	req := &protocol.HistoryRequest{
		Channel: channel,
		Limit:   historyOpts.Limit,
		Reverse: historyOpts.Reverse,
	}
	if historyOpts.Since != nil {
		req.Since = &protocol.StreamPosition{
			Offset: historyOpts.Since.Offset,
			Epoch:  historyOpts.Since.Epoch,
		}
	}
	cmd := &protocol.Command{Id: c.nextCmdID(), History: req}
	reply, err := c.sendSync(ctx, cmd, false)
	if err != nil {
		return HistoryResult{}, err
	}
	res := reply.History
	pubs := make([]Publication, 0, len(res.Publications))
	for _, pub := range res.Publications {
		pubs = append(pubs, publicationFromProto(pub))
	}
	return HistoryResult{Publications: pubs, Offset: res.Offset, Epoch: res.Epoch}, nil
}

// Presence returns channel presence information.
func (c *Client) Presence(ctx context.Context, channel string) (PresenceResult, error) {
	if c.isClosed() {
		return PresenceResult{}, ErrClientClosed
	}
	cmd := &protocol.Command{
		Id:       c.nextCmdID(),
		Presence: &protocol.PresenceRequest{Channel: channel},
	}
	reply, err := c.sendSync(ctx, cmd, false)
	if err != nil {
		return PresenceResult{}, err
	}
	clients := make(map[string]ClientInfo, len(reply.Presence.Presence))
	for clientID, info := range reply.Presence.Presence {
		clients[clientID] = *clientInfoFromProto(info)
	}
	return PresenceResult{Clients: clients}, nil
}

// PresenceStats returns short channel presence summary.
func (c *Client) PresenceStats(ctx context.Context, channel string) (PresenceStatsResult, error) {
	if c.isClosed() {
		return PresenceStatsResult{}, ErrClientClosed
	}
	cmd := &protocol.Command{
		Id:            c.nextCmdID(),
		PresenceStats: &protocol.PresenceStatsRequest{Channel: channel},
	}
	reply, err := c.sendSync(ctx, cmd, false)
	if err != nil {
		return PresenceStatsResult{}, err
	}
	return PresenceStatsResult{
		NumClients: int(reply.PresenceStats.NumClients),
		NumUsers:   int(reply.PresenceStats.NumUsers),
	}, nil
}

func (c *Client) sendSubscribe(channel string, req *protocol.SubscribeRequest, cb func(*protocol.SubscribeResult, error)) {
	cmd := &protocol.Command{Id: c.nextCmdID(), Subscribe: req}
	c.sendAsync(cmd, false, func(reply *protocol.Reply, err error) {
		if err != nil {
			cb(nil, err)
			return
		}
		cb(reply.Subscribe, nil)
	})
}

func (c *Client) unsubscribeAsync(channel string) {
	if c.State() != StateConnected {
		return
	}
	cmd := &protocol.Command{
		Id:          c.nextCmdID(),
		Unsubscribe: &protocol.UnsubscribeRequest{Channel: channel},
	}
	c.sendAsync(cmd, false, func(_ *protocol.Reply, err error) {
		if err != nil && !errors.Is(err, ErrClientDisconnected) {
			// Server keeps per-connection subscription state, failing to
			// unsubscribe leaves it inconsistent with the client view.
			c.handleDisconnectCurrent(&disconnect{
				Code:      connectingUnsubscribeError,
				Reason:    "unsubscribe error",
				Reconnect: true,
			})
		}
	})
}

func (c *Client) sendSubRefresh(channel string, token string, cb func(*protocol.SubRefreshResult, error)) {
	cmd := &protocol.Command{
		Id:         c.nextCmdID(),
		SubRefresh: &protocol.SubRefreshRequest{Channel: channel, Token: token},
	}
	c.sendAsync(cmd, true, func(reply *protocol.Reply, err error) {
		if err != nil {
			cb(nil, err)
			return
		}
		cb(reply.SubRefresh, nil)
	})
}

// Correlator.

func (c *Client) addRequest(id uint32, cb func(*protocol.Reply, error)) chan struct{} {
	doneCh := make(chan struct{})
	c.requestsMu.Lock()
	c.requests[id] = request{cb: cb, doneCh: doneCh}
	c.requestsMu.Unlock()
	return doneCh
}

// takeRequest atomically evicts a correlator entry: whoever takes it owns
// the single resolution of the parked caller.
func (c *Client) takeRequest(id uint32) (request, bool) {
	c.requestsMu.Lock()
	req, ok := c.requests[id]
	if ok {
		delete(c.requests, id)
		close(req.doneCh)
	}
	c.requestsMu.Unlock()
	return req, ok
}

// failPendingRequests evicts every correlator entry at once: used on
// connection loss so that parked callers never hang.
func (c *Client) failPendingRequests(err error) {
	c.requestsMu.Lock()
	reqs := c.requests
	c.requests = make(map[uint32]request)
	c.requestsMu.Unlock()
	for _, req := range reqs {
		close(req.doneCh)
		req.cb(nil, err)
	}
}

func (c *Client) sendAsync(cmd *protocol.Command, control bool, cb func(*protocol.Reply, error)) {
	doneCh := c.addRequest(cmd.Id, cb)
	err := c.writeCommand(cmd, control)
	if err != nil {
		if req, ok := c.takeRequest(cmd.Id); ok {
			req.cb(nil, err)
		}
		return
	}
	go func() {
		tm := acquireTimer(c.config.CommandTimeout)
		defer releaseTimer(tm)
		select {
		case <-doneCh:
		case <-tm.C:
			if req, ok := c.takeRequest(cmd.Id); ok {
				req.cb(nil, ErrTimeout)
			}
		}
	}()
}

func (c *Client) sendSync(ctx context.Context, cmd *protocol.Command, control bool) (*protocol.Reply, error) {
	replyCh := make(chan *protocol.Reply, 1)
	errCh := make(chan error, 1)
	c.sendAsync(cmd, control, func(reply *protocol.Reply, err error) {
		if err != nil {
			errCh <- err
			return
		}
		replyCh <- reply
	})
	select {
	case reply := <-replyCh:
		return reply, nil
	case err := <-errCh:
		c.emitError(err)
		return nil, err
	case <-ctx.Done():
		// Evict the entry so a late reply is silently dropped. The command
		// itself has already been sent, there is no way to recall it.
		c.takeRequest(cmd.Id)
		return nil, ctx.Err()
	}
}

func (c *Client) writeCommand(cmd *protocol.Command, control bool) error {
	c.mu.RLock()
	state := c.state
	w := c.writer
	enc := c.commandEncoder
	c.mu.RUnlock()
	if state == StateClosed {
		return ErrClientClosed
	}
	if state != StateConnected && !(state == StateConnecting && cmd.Connect != nil) {
		return ErrClientDisconnected
	}
	if w == nil || enc == nil {
		return ErrClientDisconnected
	}
	data, err := enc.Encode(cmd)
	if err != nil {
		return err
	}
	frameType := commandFrameType(cmd)
	if c.logger.enabled(LogLevelDebug) {
		c.logger.log(newLogEntry(LogLevelDebug, "sending command", map[string]any{
			"event": "transport_send", "session": c.session,
			"transport": transportWebsocket, "protocol": protocolName(c.protocolType),
			"frame_type": frameTypeString(frameType), "id": cmd.Id, "bytes": len(data),
		}))
	}
	return w.enqueue(queue.Item{Data: data, FrameType: frameType, Control: control})
}

func protocolName(t protocol.Type) string {
	if t == protocol.TypeProtobuf {
		return "protobuf"
	}
	return "json"
}

// Connection establishment.

func (c *Client) getConnectionToken() (string, error) {
	res, err, _ := c.tokenGroup.Do("connection", func() (any, error) {
		return c.config.GetToken(ConnectionTokenEvent{})
	})
	if err != nil {
		return "", err
	}
	return res.(string), nil
}

func (c *Client) connectOnce(round uint64) {
	c.mu.RLock()
	if c.round != round || c.state != StateConnecting {
		c.mu.RUnlock()
		return
	}
	refreshRequired := c.refreshRequired || (c.token == "" && c.config.GetToken != nil)
	url := c.endpoint
	if c.reconnectURL != "" {
		// Server-provided override is for a single attempt only.
		url = c.reconnectURL
	}
	c.mu.RUnlock()

	if refreshRequired {
		token, err := c.getConnectionToken()
		if err != nil {
			if errors.Is(err, ErrUnauthorized) {
				c.handleDisconnectCurrent(&disconnect{
					Code:      disconnectedUnauthorized,
					Reason:    "unauthorized",
					Reconnect: false,
				})
				return
			}
			c.emitError(RefreshError{Err: err})
			c.handleConnectAttemptError(round)
			return
		}
		c.mu.Lock()
		c.token = token
		c.refreshRequired = false
		c.mu.Unlock()
	}

	if !strings.HasPrefix(url, "ws") {
		c.emitError(ConnectError{Err: errors.New("endpoint must start with ws:// or wss://")})
		c.handleDisconnectCurrent(&disconnect{
			Code:      disconnectBadProtocol,
			Reason:    "invalid endpoint",
			Reconnect: false,
		})
		return
	}

	t, err := c.dialFn(url, c.protocolType, websocketConfig{
		TLSConfig:        c.config.TLSConfig,
		HandshakeTimeout: c.config.HandshakeTimeout,
		Header:           c.config.Header,
	}, c.metrics)
	if err != nil {
		c.emitError(err)
		c.handleConnectAttemptError(round)
		return
	}

	c.mu.Lock()
	if c.round != round || c.state != StateConnecting {
		c.mu.Unlock()
		_ = t.Close()
		return
	}
	c.reconnectURL = ""
	c.transport = t
	c.commandEncoder = newCommandEncoder(c.protocolType)
	c.sessionCloseCh = make(chan struct{})
	w := newWriter(writerConfig{
		MaxQueueSize: c.config.MaxCommandQueueSize,
		WriteFn: func(item queue.Item) error {
			if err := t.Write(item.Data, c.config.WriteTimeout); err != nil {
				go c.handleDisconnect(round, &disconnect{
					Code:      connectingTransportClosed,
					Reason:    "write error",
					Reconnect: true,
				})
				return err
			}
			c.metrics.messagesSent.Add(1)
			return nil
		},
		WriteManyFn: func(items ...queue.Item) error {
			buffers := make([][]byte, 0, len(items))
			for _, item := range items {
				buffers = append(buffers, item.Data)
			}
			if err := t.WriteMany(c.config.WriteTimeout, buffers...); err != nil {
				go c.handleDisconnect(round, &disconnect{
					Code:      connectingTransportClosed,
					Reason:    "write error",
					Reconnect: true,
				})
				return err
			}
			c.metrics.messagesSent.Add(uint64(len(items)))
			return nil
		},
	})
	c.writer = w
	c.mu.Unlock()

	if c.config.OnTransportCreated != nil {
		c.config.OnTransportCreated(TransportCreatedEvent{
			Transport: t.Name(),
			Protocol:  protocolName(c.protocolType),
			URL:       url,
		})
	}

	go w.run()
	go c.reader(t, round)

	c.sendConnect(round)
}

func (c *Client) sendConnect(round uint64) {
	c.mu.RLock()
	req := &protocol.ConnectRequest{
		Token:   c.token,
		Data:    c.config.Data,
		Name:    c.config.Name,
		Version: c.config.Version,
	}
	if len(c.serverSubs) > 0 {
		subs := make(map[string]*protocol.SubscribeRequest, len(c.serverSubs))
		for ch, s := range c.serverSubs {
			if !s.Recoverable {
				continue
			}
			subs[ch] = &protocol.SubscribeRequest{
				Recover: true,
				Epoch:   s.Epoch,
				Offset:  s.Offset,
			}
		}
		if len(subs) > 0 {
			req.Subs = subs
		}
	}
	c.mu.RUnlock()

	cmd := &protocol.Command{Id: c.nextCmdID(), Connect: req}
	c.sendAsync(cmd, true, func(reply *protocol.Reply, err error) {
		if err != nil {
			c.handleConnectReplyError(round, err)
			return
		}
		c.moveToConnected(round, reply.Connect)
	})
}

// handleConnectAttemptError keeps the client in connecting state and
// schedules the next attempt.
func (c *Client) handleConnectAttemptError(round uint64) {
	c.mu.RLock()
	stale := c.round != round || c.state != StateConnecting
	c.mu.RUnlock()
	if stale {
		return
	}
	c.scheduleReconnect()
}

func (c *Client) handleConnectReplyError(round uint64, err error) {
	var serverErr *Error
	if errors.As(err, &serverErr) {
		if serverErr.Code == errCodeTokenExpired {
			c.mu.Lock()
			c.refreshRequired = true
			c.token = ""
			c.mu.Unlock()
			if c.teardownSession(round) {
				c.scheduleReconnect()
			}
			return
		}
		if serverErr.Temporary {
			c.emitError(serverErr)
			if c.teardownSession(round) {
				c.scheduleReconnect()
			}
			return
		}
		c.handleDisconnect(round, &disconnect{
			Code:      serverErr.Code,
			Reason:    serverErr.Message,
			Reconnect: false,
		})
		return
	}
	if errors.Is(err, ErrTimeout) {
		c.emitError(err)
		if c.teardownSession(round) {
			c.scheduleReconnect()
		}
		return
	}
	// Transport-level failure: the reader already routed it through the
	// synthetic disconnect path.
}

// teardownSession closes the transport and writer of the current attempt
// without changing client state, used between failed connect attempts.
// The round moves on so goroutines of the torn down session become
// stale. Reports whether teardown happened.
func (c *Client) teardownSession(round uint64) bool {
	c.mu.Lock()
	if c.round != round {
		c.mu.Unlock()
		return false
	}
	t := c.transport
	w := c.writer
	c.transport = nil
	c.writer = nil
	if c.sessionCloseCh != nil {
		close(c.sessionCloseCh)
		c.sessionCloseCh = nil
	}
	c.round++
	c.mu.Unlock()
	if w != nil {
		_ = w.close(false)
	}
	if t != nil {
		_ = t.Close()
	}
	c.failPendingRequests(ErrClientDisconnected)
	return true
}

func (c *Client) moveToConnected(round uint64, res *protocol.ConnectResult) {
	c.mu.Lock()
	if c.round != round || c.state != StateConnecting {
		c.mu.Unlock()
		return
	}
	c.state = StateConnected
	c.clientID = res.Client
	c.reconnectAttempts = 0
	c.sendPong = res.Pong
	sessionCloseCh := c.sessionCloseCh
	c.mu.Unlock()

	c.metrics.connects.Add(1)
	c.metrics.setReconnectURL("")
	c.metrics.setNextReconnectAt(time.Time{})
	c.resolveConnectFutures(nil)
	c.emitStateChange(StateConnected)

	if c.events.onConnected != nil {
		handler := c.events.onConnected
		event := ConnectedEvent{ClientID: res.Client, Version: res.Version, Data: res.Data}
		c.runHandlerAsync(func() {
			handler(event)
		})
	}

	if res.Expires && res.Ttl > 0 {
		c.scheduleRefresh(round, time.Duration(res.Ttl)*time.Second)
	}
	if res.Ping > 0 {
		go c.waitServerPing(round, time.Duration(res.Ping)*time.Second, sessionCloseCh)
	}

	c.processServerSubs(res.Subs)

	for _, sub := range c.clientSubsSnapshot() {
		if sub.State() == SubStateSubscribing {
			sub.resubscribe()
		}
	}
}

func (c *Client) clientSubsSnapshot() []*Subscription {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.subsSnapshot()
}

// Reader.

func (c *Client) reader(t transport, round uint64) {
	for {
		reply, disc, err := t.Read()
		if err != nil {
			if disc == nil {
				disc = &disconnect{
					Code:      connectingTransportClosed,
					Reason:    "transport closed",
					Reconnect: true,
				}
			}
			if c.logger.enabled(LogLevelDebug) {
				c.logger.log(newLogEntry(LogLevelDebug, "transport closed", map[string]any{
					"event": "transport_disconnect", "session": c.session,
					"code": disc.Code, "reason": disc.Reason, "reconnect": disc.Reconnect,
				}))
			}
			c.handleDisconnect(round, disc)
			return
		}
		c.metrics.messagesReceived.Add(1)
		c.metrics.incReply(replyKind(reply))
		if c.logger.enabled(LogLevelTrace) {
			c.logger.log(newLogEntry(LogLevelTrace, "reply received", map[string]any{
				"event": "transport_on_reply", "session": c.session,
				"id": reply.Id, "kind": replyKind(reply),
			}))
		}
		// Any inbound data proves the connection is alive.
		select {
		case c.delayPing <- struct{}{}:
		default:
		}
		c.handleReply(round, reply)
	}
}

func (c *Client) handleReply(round uint64, reply *protocol.Reply) {
	if reply.Id > 0 {
		req, ok := c.takeRequest(reply.Id)
		if !ok {
			// Caller gone: request timed out or was cancelled.
			if c.logger.enabled(LogLevelDebug) {
				c.logger.log(newLogEntry(LogLevelDebug, "reply for evicted request", map[string]any{
					"event": "transport_on_reply", "session": c.session, "id": reply.Id,
				}))
			}
			return
		}
		if reply.Error != nil {
			req.cb(nil, errorFromProto(reply.Error))
			return
		}
		req.cb(reply, nil)
		return
	}
	if reply.Push == nil {
		// Empty reply with zero id is a server ping.
		c.mu.RLock()
		sendPong := c.sendPong
		c.mu.RUnlock()
		if sendPong {
			_ = c.writeCommand(&protocol.Command{}, true)
		}
		return
	}
	c.handlePush(round, reply.Push)
}

// Push router.

func (c *Client) handlePush(round uint64, push *protocol.Push) {
	channel := push.Channel
	switch {
	case push.Pub != nil:
		c.handlePublicationPush(channel, push.Pub)
	case push.Join != nil:
		c.handleJoinPush(channel, push.Join)
	case push.Leave != nil:
		c.handleLeavePush(channel, push.Leave)
	case push.Subscribe != nil:
		c.handleServerSubscribePush(channel, push.Subscribe)
	case push.Unsubscribe != nil:
		c.handleUnsubscribePush(channel, push.Unsubscribe)
	case push.Message != nil:
		c.handleMessagePush(push.Message)
	case push.Disconnect != nil:
		// The push carries an explicit server decision, the close-code
		// table is only for synthetic disconnects built from raw
		// transport close codes.
		d := push.Disconnect
		c.handleDisconnect(round, &disconnect{
			Code:      d.Code,
			Reason:    d.Reason,
			Reconnect: d.Reconnect,
		})
	case push.Refresh != nil:
		c.handleRefreshPush(round, push.Refresh)
	case push.Connect != nil:
		// Initial connect push is consumed as the connect command reply, a
		// second occurrence is a protocol violation.
		c.emitError(errors.New("unexpected connect push"))
		c.handleDisconnect(round, &disconnect{
			Code:      disconnectBadProtocol,
			Reason:    "unexpected connect push",
			Reconnect: true,
		})
	}
}

func (c *Client) handlePublicationPush(channel string, pub *protocol.Publication) {
	c.mu.RLock()
	sub, isClientSide := c.subs[channel]
	c.mu.RUnlock()
	if isClientSide {
		sub.handlePublication(pub)
		return
	}
	c.mu.Lock()
	ssub, ok := c.serverSubs[channel]
	if !ok {
		c.mu.Unlock()
		return
	}
	if ssub.Recoverable && pub.Offset > 0 {
		if ssub.Offset > 0 && pub.Offset <= ssub.Offset {
			c.mu.Unlock()
			return
		}
		ssub.Offset = pub.Offset
	}
	c.mu.Unlock()
	if c.events.onServerPublication != nil {
		handler := c.events.onServerPublication
		event := ServerPublicationEvent{Channel: channel, Publication: publicationFromProto(pub)}
		c.runHandlerAsync(func() {
			handler(event)
		})
	}
}

func (c *Client) handleJoinPush(channel string, join *protocol.Join) {
	c.mu.RLock()
	sub, isClientSide := c.subs[channel]
	c.mu.RUnlock()
	if isClientSide {
		sub.handleJoin(join.Info)
		return
	}
	if c.events.onServerJoin != nil {
		handler := c.events.onServerJoin
		event := ServerJoinEvent{Channel: channel, ClientInfo: *clientInfoFromProto(join.Info)}
		c.runHandlerAsync(func() {
			handler(event)
		})
	}
}

func (c *Client) handleLeavePush(channel string, leave *protocol.Leave) {
	c.mu.RLock()
	sub, isClientSide := c.subs[channel]
	c.mu.RUnlock()
	if isClientSide {
		sub.handleLeave(leave.Info)
		return
	}
	if c.events.onServerLeave != nil {
		handler := c.events.onServerLeave
		event := ServerLeaveEvent{Channel: channel, ClientInfo: *clientInfoFromProto(leave.Info)}
		c.runHandlerAsync(func() {
			handler(event)
		})
	}
}

func (c *Client) handleServerSubscribePush(channel string, sub *protocol.Subscribe) {
	c.mu.Lock()
	c.serverSubs[channel] = &serverSub{
		State:       SubStateSubscribed,
		Offset:      sub.Offset,
		Epoch:       sub.Epoch,
		Recoverable: sub.Recoverable,
	}
	c.mu.Unlock()
	if c.events.onServerSubscribe != nil {
		handler := c.events.onServerSubscribe
		event := ServerSubscribedEvent{
			Channel:     channel,
			Recoverable: sub.Recoverable,
			Positioned:  sub.Positioned,
			Data:        sub.Data,
		}
		if sub.Recoverable || sub.Positioned {
			event.StreamPosition = &StreamPosition{Offset: sub.Offset, Epoch: sub.Epoch}
		}
		c.runHandlerAsync(func() {
			handler(event)
		})
	}
}

func (c *Client) handleUnsubscribePush(channel string, unsub *protocol.Unsubscribe) {
	c.mu.RLock()
	sub, isClientSide := c.subs[channel]
	c.mu.RUnlock()
	if isClientSide {
		sub.handleUnsubscribePush(unsub.Code, unsub.Reason)
		return
	}
	c.mu.Lock()
	_, ok := c.serverSubs[channel]
	if ok {
		delete(c.serverSubs, channel)
	}
	c.mu.Unlock()
	if ok && c.events.onServerUnsubscribed != nil {
		handler := c.events.onServerUnsubscribed
		event := ServerUnsubscribedEvent{Channel: channel}
		c.runHandlerAsync(func() {
			handler(event)
		})
	}
}

func (c *Client) handleMessagePush(msg *protocol.Message) {
	if c.events.onMessage != nil {
		handler := c.events.onMessage
		event := MessageEvent{Data: msg.Data}
		c.runHandlerAsync(func() {
			handler(event)
		})
	}
}

func (c *Client) handleRefreshPush(round uint64, refresh *protocol.Refresh) {
	if !refresh.Expires {
		return
	}
	// Server asks to refresh the connection token before ttl elapses.
	c.scheduleRefresh(round, time.Duration(refresh.Ttl)*time.Second)
}

func (c *Client) processServerSubs(subs map[string]*protocol.SubscribeResult) {
	c.mu.Lock()
	// Server-side subscriptions absent from the connect reply are gone.
	var removed []string
	for ch := range c.serverSubs {
		if _, ok := subs[ch]; !ok {
			delete(c.serverSubs, ch)
			removed = append(removed, ch)
		}
	}
	for ch, res := range subs {
		ssub, ok := c.serverSubs[ch]
		if !ok {
			ssub = &serverSub{}
			c.serverSubs[ch] = ssub
		}
		ssub.State = SubStateSubscribed
		ssub.Recoverable = res.Recoverable
		if res.Recoverable || res.Positioned {
			ssub.Epoch = res.Epoch
			if res.Offset > 0 || len(res.Publications) == 0 {
				ssub.Offset = res.Offset
			}
		}
	}
	c.mu.Unlock()

	for _, ch := range removed {
		if c.events.onServerUnsubscribed != nil {
			handler := c.events.onServerUnsubscribed
			event := ServerUnsubscribedEvent{Channel: ch}
			c.runHandlerAsync(func() {
				handler(event)
			})
		}
	}
	for ch, res := range subs {
		if c.events.onServerSubscribe != nil {
			handler := c.events.onServerSubscribe
			event := ServerSubscribedEvent{
				Channel:       ch,
				WasRecovering: res.WasRecovering,
				Recovered:     res.Recovered,
				Recoverable:   res.Recoverable,
				Positioned:    res.Positioned,
				Data:          res.Data,
			}
			if res.Recoverable || res.Positioned {
				event.StreamPosition = &StreamPosition{Offset: res.Offset, Epoch: res.Epoch}
			}
			c.runHandlerAsync(func() {
				handler(event)
			})
		}
		for _, pub := range res.Publications {
			c.handlePublicationPush(ch, pub)
		}
	}
}

// Disconnect handling.

func (c *Client) handleDisconnectCurrent(d *disconnect) {
	c.mu.RLock()
	round := c.round
	c.mu.RUnlock()
	c.handleDisconnect(round, d)
}

// handleDisconnect is the single authority for leaving connecting and
// connected states, whether termination came from a server push, a
// transport failure or a user call.
func (c *Client) handleDisconnect(round uint64, d *disconnect) {
	c.mu.Lock()
	if c.round != round || (c.state != StateConnected && c.state != StateConnecting) {
		c.mu.Unlock()
		return
	}
	prevState := c.state

	if c.refreshTimer != nil {
		c.refreshTimer.Stop()
		c.refreshTimer = nil
	}
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	if c.sessionCloseCh != nil {
		close(c.sessionCloseCh)
		c.sessionCloseCh = nil
	}
	t := c.transport
	w := c.writer
	c.transport = nil
	c.writer = nil
	c.round++
	if d.Reconnect {
		c.state = StateConnecting
		if d.ReconnectURL != "" {
			c.reconnectURL = d.ReconnectURL
		}
		c.nextReconnectAt = d.NextReconnectAt
	} else {
		c.state = StateDisconnected
		c.reconnectAttempts = 0
		c.reconnectURL = ""
		c.nextReconnectAt = time.Time{}
	}
	c.mu.Unlock()

	if w != nil {
		_ = w.close(false)
	}
	if t != nil {
		_ = t.Close()
	}
	c.failPendingRequests(ErrClientDisconnected)
	if prevState == StateConnected {
		c.metrics.disconnects.Add(1)
	}

	for _, sub := range c.clientSubsSnapshot() {
		sub.moveToSubscribing(subscribingTransportClosed, "transport closed")
	}
	c.markServerSubsSubscribing()

	if d.Reconnect {
		c.emitStateChange(StateConnecting)
		c.emitConnecting(d.Code, d.Reason)
		c.scheduleReconnect()
	} else {
		c.metrics.setReconnectURL("")
		c.metrics.setNextReconnectAt(time.Time{})
		c.resolveConnectFutures(ErrClientDisconnected)
		c.emitStateChange(StateDisconnected)
		if c.events.onDisconnected != nil {
			handler := c.events.onDisconnected
			event := DisconnectedEvent{Code: d.Code, Reason: d.Reason}
			c.runHandlerAsync(func() {
				handler(event)
			})
		}
	}
}

func (c *Client) markServerSubsSubscribing() {
	c.mu.Lock()
	var channels []string
	for ch, ssub := range c.serverSubs {
		if ssub.State == SubStateSubscribed {
			ssub.State = SubStateSubscribing
			channels = append(channels, ch)
		}
	}
	c.mu.Unlock()
	for _, ch := range channels {
		if c.events.onServerSubscribing != nil {
			handler := c.events.onServerSubscribing
			event := ServerSubscribingEvent{Channel: ch}
			c.runHandlerAsync(func() {
				handler(event)
			})
		}
	}
}

func (c *Client) emitConnecting(code uint32, reason string) {
	if c.events.onConnecting != nil {
		handler := c.events.onConnecting
		event := ConnectingEvent{Code: code, Reason: reason}
		c.runHandlerAsync(func() {
			handler(event)
		})
	}
}

func (c *Client) emitStateChange(state State) {
	if c.logger.enabled(LogLevelInfo) {
		c.logger.log(newLogEntry(LogLevelInfo, "state changed", map[string]any{
			"event": "state_changed", "session": c.session, "state": string(state),
		}))
	}
}

// Reconnection controller.

func (c *Client) scheduleReconnect() {
	c.mu.Lock()
	if c.state != StateConnecting {
		c.mu.Unlock()
		return
	}
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
	}
	round := c.round
	delay := c.reconnectStrategy.timeBeforeNextAttempt(c.reconnectAttempts)
	if !c.nextReconnectAt.IsZero() {
		// Absolute time provided by the server wins over backoff.
		if until := time.Until(c.nextReconnectAt); until > 0 {
			delay = until
		}
		c.nextReconnectAt = time.Time{}
	}
	c.reconnectAttempts++
	url := c.endpoint
	if c.reconnectURL != "" {
		url = c.reconnectURL
	}
	c.reconnectTimer = time.AfterFunc(delay, func() {
		c.reconnectNow(round)
	})
	c.mu.Unlock()
	c.metrics.setReconnectURL(url)
	c.metrics.setNextReconnectAt(time.Now().Add(delay))
}

func (c *Client) reconnectNow(round uint64) {
	c.mu.RLock()
	stale := c.round != round || c.state != StateConnecting
	c.mu.RUnlock()
	if stale {
		return
	}
	c.connectOnce(round)
}

// Token refresh scheduler.

// refreshDelay computes when to refresh a token expiring after ttl:
// slightly before expiry, with skew of 10% of ttl capped at 10 seconds.
func refreshDelay(ttl time.Duration) time.Duration {
	skew := ttl / 10
	if skew > 10*time.Second {
		skew = 10 * time.Second
	}
	delay := ttl - skew
	if delay <= 0 {
		delay = ttl / 2
	}
	return delay
}

func (c *Client) scheduleRefresh(round uint64, ttl time.Duration) {
	c.mu.Lock()
	if c.round != round || c.state != StateConnected {
		c.mu.Unlock()
		return
	}
	if c.refreshTimer != nil {
		c.refreshTimer.Stop()
	}
	c.refreshTimer = time.AfterFunc(refreshDelay(ttl), func() {
		c.refreshToken(round)
	})
	c.mu.Unlock()
}

func (c *Client) refreshToken(round uint64) {
	c.mu.RLock()
	if c.round != round || c.state != StateConnected {
		c.mu.RUnlock()
		return
	}
	getToken := c.config.GetToken
	c.mu.RUnlock()
	if getToken == nil {
		// Nothing to refresh with: drop the session with the expired code,
		// the reconnect flow starts from scratch then.
		c.handleDisconnect(round, &disconnect{
			Code:      disconnectCodeExpired,
			Reason:    "expired",
			Reconnect: true,
		})
		return
	}

	token, err := c.getConnectionToken()
	if err != nil {
		if errors.Is(err, ErrUnauthorized) {
			c.handleDisconnect(round, &disconnect{
				Code:      disconnectedUnauthorized,
				Reason:    "unauthorized",
				Reconnect: false,
			})
			return
		}
		c.emitError(RefreshError{Err: err})
		c.scheduleRefresh(round, 10*time.Second)
		return
	}
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()

	cmd := &protocol.Command{
		Id:      c.nextCmdID(),
		Refresh: &protocol.RefreshRequest{Token: token},
	}
	c.sendAsync(cmd, true, func(reply *protocol.Reply, err error) {
		if err != nil {
			if errors.Is(err, ErrTimeout) {
				// Refresh deadline exceeded: the session token may already be
				// expired server-side, safer to re-establish.
				c.handleDisconnect(round, &disconnect{
					Code:      disconnectCodeExpired,
					Reason:    "expired",
					Reconnect: true,
				})
				return
			}
			var serverErr *Error
			if errors.As(err, &serverErr) && !serverErr.Temporary {
				c.handleDisconnect(round, &disconnect{
					Code:      serverErr.Code,
					Reason:    serverErr.Message,
					Reconnect: false,
				})
				return
			}
			c.emitError(RefreshError{Err: err})
			c.scheduleRefresh(round, 10*time.Second)
			return
		}
		res := reply.Refresh
		if res.Expires && res.Ttl > 0 {
			c.scheduleRefresh(round, time.Duration(res.Ttl)*time.Second)
		}
	})
}

// Server ping watchdog.

func (c *Client) waitServerPing(round uint64, pingInterval time.Duration, closeCh chan struct{}) {
	timeout := pingInterval + c.config.MaxServerPingDelay
	for {
		tm := acquireTimer(timeout)
		select {
		case <-c.delayPing:
			releaseTimer(tm)
		case <-closeCh:
			releaseTimer(tm)
			return
		case <-tm.C:
			releaseTimer(tm)
			c.handleDisconnect(round, &disconnect{
				Code:      connectingNoPing,
				Reason:    "no ping",
				Reconnect: true,
			})
			return
		}
	}
}

// Timers waiting on correlator deadlines and server pings churn quickly,
// recycle them instead of allocating per request.
var timerPool sync.Pool

func acquireTimer(d time.Duration) *time.Timer {
	v := timerPool.Get()
	if v == nil {
		return time.NewTimer(d)
	}
	tm := v.(*time.Timer)
	tm.Reset(d)
	return tm
}

func releaseTimer(tm *time.Timer) {
	if !tm.Stop() {
		// Drain a value the stopped timer may have already delivered so
		// the next user does not read a stale tick.
		select {
		case <-tm.C:
		default:
		}
	}
	timerPool.Put(tm)
}
