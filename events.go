package centrifuge

// ConnectedEvent is a connected event context passed to OnConnected callback.
type ConnectedEvent struct {
	ClientID string
	Version  string
	Data     []byte
}

// ConnectingEvent is a connecting event context passed to OnConnecting callback.
type ConnectingEvent struct {
	Code   uint32
	Reason string
}

// DisconnectedEvent is a disconnected event context passed to OnDisconnected callback.
type DisconnectedEvent struct {
	Code   uint32
	Reason string
}

// ErrorEvent is an error event context passed to OnError callback.
type ErrorEvent struct {
	Error error
}

// MessageEvent is an event for async message from server to client.
type MessageEvent struct {
	Data []byte
}

// TransportCreatedEvent emitted after the transport for a connection
// attempt has been established.
type TransportCreatedEvent struct {
	// Transport name, at the moment always "websocket".
	Transport string
	// Protocol is a frame payload encoding used by transport.
	Protocol string
	// URL the transport was dialed with, may differ from the configured
	// endpoint when server provided a reconnect override.
	URL string
}

// ConnectionTokenEvent may contain some useful contextual information in the future.
// For now, it's empty.
type ConnectionTokenEvent struct{}

// SubscriptionTokenEvent contains info required to get subscription token when
// client wants to subscribe on private channel.
type SubscriptionTokenEvent struct {
	Channel string
}

// ServerPublicationEvent is an event passed to OnPublication handler of a
// client for publications in server-side subscriptions.
type ServerPublicationEvent struct {
	Channel string
	Publication
}

// ServerSubscribedEvent is an event passed to OnSubscribed handler of a
// client for server-side subscriptions.
type ServerSubscribedEvent struct {
	Channel        string
	WasRecovering  bool
	Recovered      bool
	Recoverable    bool
	Positioned     bool
	StreamPosition *StreamPosition
	Data           []byte
}

// ServerSubscribingEvent is an event passed to OnSubscribing handler of a
// client for server-side subscriptions.
type ServerSubscribingEvent struct {
	Channel string
}

// ServerUnsubscribedEvent is an event passed to OnUnsubscribed handler of a
// client for server-side subscriptions.
type ServerUnsubscribedEvent struct {
	Channel string
}

// ServerJoinEvent is a join event in a server-side subscription.
type ServerJoinEvent struct {
	Channel string
	ClientInfo
}

// ServerLeaveEvent is a leave event in a server-side subscription.
type ServerLeaveEvent struct {
	Channel string
	ClientInfo
}

type (
	// ConnectingHandler is an interface describing how to handle connecting event.
	ConnectingHandler func(ConnectingEvent)
	// ConnectedHandler is an interface describing how to handle connect event.
	ConnectedHandler func(ConnectedEvent)
	// DisconnectedHandler is an interface describing how to handle moving to disconnected state.
	DisconnectedHandler func(DisconnectedEvent)
	// MessageHandler is an interface describing how to handle async message from server.
	MessageHandler func(MessageEvent)
	// ServerPublicationHandler is an interface describing how to handle Publication from
	// server-side subscriptions.
	ServerPublicationHandler func(ServerPublicationEvent)
	// ServerSubscribedHandler is an interface describing how to handle subscribe events from
	// server-side subscriptions.
	ServerSubscribedHandler func(ServerSubscribedEvent)
	// ServerSubscribingHandler is an interface describing how to handle subscribing events for
	// server-side subscriptions.
	ServerSubscribingHandler func(ServerSubscribingEvent)
	// ServerUnsubscribedHandler is an interface describing how to handle unsubscribe events from
	// server-side subscriptions.
	ServerUnsubscribedHandler func(ServerUnsubscribedEvent)
	// ServerJoinHandler is an interface describing how to handle Join events from
	// server-side subscriptions.
	ServerJoinHandler func(ServerJoinEvent)
	// ServerLeaveHandler is an interface describing how to handle Leave events from
	// server-side subscriptions.
	ServerLeaveHandler func(ServerLeaveEvent)
	// ErrorHandler is an interface describing how to handle error event.
	ErrorHandler func(ErrorEvent)
)

// eventHub has all event handlers for client.
type eventHub struct {
	onConnected    ConnectedHandler
	onDisconnected DisconnectedHandler
	onConnecting   ConnectingHandler
	onError        ErrorHandler
	onMessage      MessageHandler

	onServerSubscribe    ServerSubscribedHandler
	onServerSubscribing  ServerSubscribingHandler
	onServerUnsubscribed ServerUnsubscribedHandler
	onServerPublication  ServerPublicationHandler
	onServerJoin         ServerJoinHandler
	onServerLeave        ServerLeaveHandler
}

// newEventHub initializes new eventHub.
func newEventHub() *eventHub {
	return &eventHub{}
}

// OnConnected is a function to handle connected event.
func (c *Client) OnConnected(handler ConnectedHandler) {
	c.events.onConnected = handler
}

// OnConnecting is a function to handle connecting event.
func (c *Client) OnConnecting(handler ConnectingHandler) {
	c.events.onConnecting = handler
}

// OnDisconnected is a function to handle disconnected event.
func (c *Client) OnDisconnected(handler DisconnectedHandler) {
	c.events.onDisconnected = handler
}

// OnError is a function that will receive unhandled errors for logging.
func (c *Client) OnError(handler ErrorHandler) {
	c.events.onError = handler
}

// OnMessage allows processing async message from server to client.
func (c *Client) OnMessage(handler MessageHandler) {
	c.events.onMessage = handler
}

// OnPublication sets function to handle Publications from server-side subscriptions.
func (c *Client) OnPublication(handler ServerPublicationHandler) {
	c.events.onServerPublication = handler
}

// OnSubscribed sets function to handle server-side subscription subscribe events.
func (c *Client) OnSubscribed(handler ServerSubscribedHandler) {
	c.events.onServerSubscribe = handler
}

// OnSubscribing sets function to handle server-side subscription subscribing events.
func (c *Client) OnSubscribing(handler ServerSubscribingHandler) {
	c.events.onServerSubscribing = handler
}

// OnUnsubscribed sets function to handle unsubscribe from server-side subscriptions.
func (c *Client) OnUnsubscribed(handler ServerUnsubscribedHandler) {
	c.events.onServerUnsubscribed = handler
}

// OnJoin sets function to handle Join event from server-side subscriptions.
func (c *Client) OnJoin(handler ServerJoinHandler) {
	c.events.onServerJoin = handler
}

// OnLeave sets function to handle Leave event from server-side subscriptions.
func (c *Client) OnLeave(handler ServerLeaveHandler) {
	c.events.onServerLeave = handler
}

// SubscribedEvent is an event context passed to subscription OnSubscribed callback.
type SubscribedEvent struct {
	WasRecovering  bool
	Recovered      bool
	Recoverable    bool
	Positioned     bool
	StreamPosition *StreamPosition
	Data           []byte
}

// SubscribingEvent is an event context passed to subscription OnSubscribing callback.
type SubscribingEvent struct {
	Code   uint32
	Reason string
}

// UnsubscribedEvent is an event context passed to subscription OnUnsubscribed callback.
type UnsubscribedEvent struct {
	Code   uint32
	Reason string
}

// PublicationEvent has info about received channel Publication.
type PublicationEvent struct {
	Publication
}

// JoinEvent has info about user who joined channel.
type JoinEvent struct {
	ClientInfo
}

// LeaveEvent has info about user who left channel.
type LeaveEvent struct {
	ClientInfo
}

// SubscriptionErrorEvent is an event passed to subscription OnError callback.
type SubscriptionErrorEvent struct {
	Error error
}

type (
	// PublicationHandler is a function to handle messages published in channels.
	PublicationHandler func(PublicationEvent)
	// JoinHandler is a function to handle join messages.
	JoinHandler func(JoinEvent)
	// LeaveHandler is a function to handle leave messages.
	LeaveHandler func(LeaveEvent)
	// UnsubscribedHandler is a function to handle unsubscribe event.
	UnsubscribedHandler func(UnsubscribedEvent)
	// SubscribingHandler is a function to handle subscribing event.
	SubscribingHandler func(SubscribingEvent)
	// SubscribedHandler is a function to handle subscribe event.
	SubscribedHandler func(SubscribedEvent)
	// SubscriptionErrorHandler is a function to handle subscription error event.
	SubscriptionErrorHandler func(SubscriptionErrorEvent)
)

// subscriptionEventHub contains callback functions that will be called when
// corresponding event happens with subscription to channel.
type subscriptionEventHub struct {
	onSubscribed   SubscribedHandler
	onSubscribing  SubscribingHandler
	onUnsubscribed UnsubscribedHandler
	onPublication  PublicationHandler
	onJoin         JoinHandler
	onLeave        LeaveHandler
	onError        SubscriptionErrorHandler
}

// newSubscriptionEventHub initializes new subscriptionEventHub.
func newSubscriptionEventHub() *subscriptionEventHub {
	return &subscriptionEventHub{}
}

// OnSubscribed allows setting SubscribedHandler to SubEventHandler.
func (s *Subscription) OnSubscribed(handler SubscribedHandler) {
	s.events.onSubscribed = handler
}

// OnSubscribing allows setting SubscribingHandler to SubEventHandler.
func (s *Subscription) OnSubscribing(handler SubscribingHandler) {
	s.events.onSubscribing = handler
}

// OnUnsubscribed allows setting UnsubscribedHandler to SubEventHandler.
func (s *Subscription) OnUnsubscribed(handler UnsubscribedHandler) {
	s.events.onUnsubscribed = handler
}

// OnPublication allows setting PublicationHandler to SubEventHandler.
func (s *Subscription) OnPublication(handler PublicationHandler) {
	s.events.onPublication = handler
}

// OnJoin allows setting JoinHandler to SubEventHandler.
func (s *Subscription) OnJoin(handler JoinHandler) {
	s.events.onJoin = handler
}

// OnLeave allows setting LeaveHandler to SubEventHandler.
func (s *Subscription) OnLeave(handler LeaveHandler) {
	s.events.onLeave = handler
}

// OnError allows setting SubscriptionErrorHandler to SubEventHandler.
func (s *Subscription) OnError(handler SubscriptionErrorHandler) {
	s.events.onError = handler
}
