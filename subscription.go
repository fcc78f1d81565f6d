package centrifuge

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/centrifugal/protocol"
	fdelta "github.com/shadowspore/fossil-delta"
)

// SubState describes current state of Subscription.
type SubState string

// Describe states of Subscription.
const (
	SubStateUnsubscribed SubState = "unsubscribed"
	SubStateSubscribing  SubState = "subscribing"
	SubStateSubscribed   SubState = "subscribed"
)

// Codes for subscribing events of client-side subscriptions.
const (
	subscribingSubscribeCalled uint32 = 0
	subscribingTransportClosed uint32 = 1
	subscribingInsufficient    uint32 = 2
)

// Codes for unsubscribed events of client-side subscriptions.
const (
	unsubscribedUnsubscribeCalled uint32 = 0
	unsubscribedUnauthorized      uint32 = 1
	unsubscribedClientClosed      uint32 = 2
	unsubscribedServerError       uint32 = 3
)

// Server-issued unsubscribe codes at or above this value ask the client
// to resubscribe on its own.
const unsubscribeCodeResubscribe uint32 = 2500

// Subscription represents client subscription to a channel.
//
// A Subscription is client-side: it is created by the user, survives
// reconnects and is replayed by the client automatically. Server-side
// subscriptions are not represented by this type, they are mirrored in
// client-level events.
type Subscription struct {
	mu sync.Mutex

	centrifuge *Client

	// Channel for a subscription.
	Channel string

	state  SubState
	config SubscriptionConfig
	events *subscriptionEventHub

	token string

	// recover tells whether next subscribe request should carry a known
	// stream position for server-side recovery.
	recover bool
	offset  uint64
	epoch   string

	recoverable bool
	positioned  bool

	deltaNegotiated bool
	prevData        []byte

	resubscribeAttempts int
	resubscribeStrategy reconnectStrategy
	resubscribeTimer    *time.Timer
	refreshTimer        *time.Timer

	// inflight guards from duplicate subscribe requests within one
	// subscribing episode.
	inflight bool
}

func newSubscription(c *Client, channel string, config ...SubscriptionConfig) *Subscription {
	s := &Subscription{
		centrifuge: c,
		Channel:    channel,
		state:      SubStateUnsubscribed,
		events:     newSubscriptionEventHub(),
		resubscribeStrategy: &backoffReconnect{
			MinDelay: c.config.MinReconnectDelay,
			MaxDelay: c.config.MaxReconnectDelay,
			Factor:   2,
		},
	}
	if len(config) == 1 {
		cfg := config[0]
		s.config = cfg
		s.token = cfg.Token
		if cfg.Since != nil {
			s.offset = cfg.Since.Offset
			s.epoch = cfg.Since.Epoch
			s.recover = true
		}
		if cfg.MinResubscribeDelay != 0 || cfg.MaxResubscribeDelay != 0 {
			strategy := &backoffReconnect{
				MinDelay: cfg.MinResubscribeDelay,
				MaxDelay: cfg.MaxResubscribeDelay,
				Factor:   2,
			}
			if strategy.MinDelay == 0 {
				strategy.MinDelay = c.config.MinReconnectDelay
			}
			if strategy.MaxDelay == 0 {
				strategy.MaxDelay = c.config.MaxReconnectDelay
			}
			s.resubscribeStrategy = strategy
		}
	}
	return s
}

// State returns current Subscription state.
func (s *Subscription) State() SubState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// StreamPosition returns the last known position in the channel stream,
// only meaningful for recoverable subscriptions.
func (s *Subscription) StreamPosition() StreamPosition {
	s.mu.Lock()
	defer s.mu.Unlock()
	return StreamPosition{Offset: s.offset, Epoch: s.epoch}
}

// Subscribe starts subscribing process, immediately when the client is
// connected or upon the next successful connect otherwise.
func (s *Subscription) Subscribe() error {
	if s.centrifuge.isClosed() {
		return ErrClientClosed
	}
	s.mu.Lock()
	if s.state != SubStateUnsubscribed {
		s.mu.Unlock()
		return nil
	}
	s.moveToSubscribingLocked(subscribingSubscribeCalled, "subscribe called")
	s.mu.Unlock()
	if s.centrifuge.State() != StateConnected {
		// Subscribe request will be sent upon successful connect.
		return nil
	}
	s.resubscribe()
	return nil
}

// Unsubscribe issues the unsubscribe request to the server and moves the
// subscription to unsubscribed state immediately regardless of outcome.
func (s *Subscription) Unsubscribe() error {
	if s.centrifuge.isClosed() {
		return ErrClientClosed
	}
	s.moveToUnsubscribed(unsubscribedUnsubscribeCalled, "unsubscribe called")
	s.centrifuge.unsubscribeAsync(s.Channel)
	return nil
}

// Publish allows publishing data to the subscription channel.
func (s *Subscription) Publish(ctx context.Context, data []byte) (PublishResult, error) {
	if err := s.precondition(); err != nil {
		return PublishResult{}, err
	}
	return s.centrifuge.Publish(ctx, s.Channel, data)
}

// History allows extracting channel history.
func (s *Subscription) History(ctx context.Context, opts ...HistoryOption) (HistoryResult, error) {
	if err := s.precondition(); err != nil {
		return HistoryResult{}, err
	}
	return s.centrifuge.History(ctx, s.Channel, opts...)
}

// Presence allows extracting channel presence.
func (s *Subscription) Presence(ctx context.Context) (PresenceResult, error) {
	if err := s.precondition(); err != nil {
		return PresenceResult{}, err
	}
	return s.centrifuge.Presence(ctx, s.Channel)
}

// PresenceStats allows extracting channel presence stats.
func (s *Subscription) PresenceStats(ctx context.Context) (PresenceStatsResult, error) {
	if err := s.precondition(); err != nil {
		return PresenceStatsResult{}, err
	}
	return s.centrifuge.PresenceStats(ctx, s.Channel)
}

func (s *Subscription) precondition() error {
	if s.centrifuge.isClosed() {
		return ErrClientClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == SubStateUnsubscribed {
		return ErrSubscriptionUnsubscribed
	}
	return nil
}

// moveToSubscribingLocked requires s.mu held.
func (s *Subscription) moveToSubscribingLocked(code uint32, reason string) {
	s.state = SubStateSubscribing
	s.inflight = false
	s.stopTimersLocked()
	event := SubscribingEvent{Code: code, Reason: reason}
	if s.events.onSubscribing != nil {
		handler := s.events.onSubscribing
		s.centrifuge.runHandlerAsync(func() {
			handler(event)
		})
	}
}

// moveToSubscribing happens when transport is lost or server asked to
// resubscribe. Resubscribe attempt is then made by the client on connect
// or by the resubscribe timer.
func (s *Subscription) moveToSubscribing(code uint32, reason string) {
	s.mu.Lock()
	if s.state != SubStateSubscribed && s.state != SubStateSubscribing {
		s.mu.Unlock()
		return
	}
	s.moveToSubscribingLocked(code, reason)
	s.mu.Unlock()
}

func (s *Subscription) moveToUnsubscribed(code uint32, reason string) {
	s.mu.Lock()
	if s.state == SubStateUnsubscribed {
		s.mu.Unlock()
		return
	}
	s.state = SubStateUnsubscribed
	s.inflight = false
	s.stopTimersLocked()
	s.prevData = nil
	handler := s.events.onUnsubscribed
	s.mu.Unlock()
	if handler != nil {
		s.centrifuge.runHandlerAsync(func() {
			handler(UnsubscribedEvent{Code: code, Reason: reason})
		})
	}
}

func (s *Subscription) stopTimersLocked() {
	if s.resubscribeTimer != nil {
		s.resubscribeTimer.Stop()
		s.resubscribeTimer = nil
	}
	if s.refreshTimer != nil {
		s.refreshTimer.Stop()
		s.refreshTimer = nil
	}
}

func (s *Subscription) emitError(err error) {
	if s.events.onError != nil {
		handler := s.events.onError
		s.centrifuge.runHandlerAsync(func() {
			handler(SubscriptionErrorEvent{Error: err})
		})
	}
	s.centrifuge.emitError(SubscriptionError{Channel: s.Channel, Err: err})
}

// resubscribe issues a subscribe request when the subscription desires to
// be subscribed and the client is connected.
func (s *Subscription) resubscribe() {
	s.mu.Lock()
	if s.state != SubStateSubscribing || s.inflight {
		s.mu.Unlock()
		return
	}
	s.inflight = true
	token := s.token
	getToken := s.config.GetToken
	s.mu.Unlock()

	if token == "" && getToken != nil {
		var err error
		token, err = getToken(SubscriptionTokenEvent{Channel: s.Channel})
		if err != nil {
			s.mu.Lock()
			s.inflight = false
			s.mu.Unlock()
			if errors.Is(err, ErrUnauthorized) {
				s.moveToUnsubscribed(unsubscribedUnauthorized, "unauthorized")
				return
			}
			s.emitError(err)
			s.scheduleResubscribe()
			return
		}
		s.mu.Lock()
		s.token = token
		s.mu.Unlock()
	}

	s.mu.Lock()
	if s.state != SubStateSubscribing {
		s.inflight = false
		s.mu.Unlock()
		return
	}
	req := &protocol.SubscribeRequest{
		Channel:    s.Channel,
		Token:      token,
		Data:       s.config.Data,
		Positioned: s.config.Positioned,
		JoinLeave:  s.config.JoinLeave,
		Delta:      s.config.Delta,
	}
	if s.config.Recoverable {
		req.Recoverable = true
		if s.recover {
			req.Recover = true
			req.Epoch = s.epoch
			req.Offset = s.offset
		}
	}
	s.mu.Unlock()

	s.centrifuge.sendSubscribe(s.Channel, req, func(res *protocol.SubscribeResult, err error) {
		if err != nil {
			s.handleSubscribeError(err)
			return
		}
		s.moveToSubscribed(res)
	})
}

func (s *Subscription) handleSubscribeError(err error) {
	s.mu.Lock()
	s.inflight = false
	s.mu.Unlock()
	if errors.Is(err, ErrTimeout) {
		// Server never answered the subscribe in time: connection state is
		// unknown, let the state machine re-establish the session.
		s.centrifuge.handleDisconnectCurrent(&disconnect{
			Code:      connectingSubscribeTimeout,
			Reason:    "subscribe timeout",
			Reconnect: true,
		})
		return
	}
	var serverErr *Error
	if errors.As(err, &serverErr) {
		if serverErr.Code == errCodeTokenExpired {
			s.mu.Lock()
			s.token = ""
			s.mu.Unlock()
			s.scheduleResubscribe()
			return
		}
		if !serverErr.Temporary {
			s.emitError(serverErr)
			s.moveToUnsubscribed(unsubscribedServerError, serverErr.Message)
			return
		}
	}
	if errors.Is(err, ErrClientDisconnected) || errors.Is(err, ErrClientClosed) {
		// Resubscribe handled by connect flow.
		return
	}
	s.emitError(err)
	s.scheduleResubscribe()
}

func (s *Subscription) scheduleResubscribe() {
	s.mu.Lock()
	if s.state != SubStateSubscribing {
		s.mu.Unlock()
		return
	}
	delay := s.resubscribeStrategy.timeBeforeNextAttempt(s.resubscribeAttempts)
	s.resubscribeAttempts++
	s.resubscribeTimer = time.AfterFunc(delay, func() {
		if s.centrifuge.State() == StateConnected {
			s.resubscribe()
		}
	})
	s.mu.Unlock()
}

func (s *Subscription) moveToSubscribed(res *protocol.SubscribeResult) {
	s.mu.Lock()
	if s.state != SubStateSubscribing {
		s.mu.Unlock()
		return
	}
	s.state = SubStateSubscribed
	s.inflight = false
	s.resubscribeAttempts = 0
	s.recoverable = res.Recoverable
	s.positioned = res.Positioned
	s.deltaNegotiated = res.Delta
	if res.Recoverable || res.Positioned {
		s.epoch = res.Epoch
		s.recover = true
	}
	recoveredPubs := res.Publications
	var streamPosition *StreamPosition
	if res.Recoverable || res.Positioned {
		if len(recoveredPubs) == 0 {
			s.offset = res.Offset
		}
		streamPosition = &StreamPosition{Offset: res.Offset, Epoch: res.Epoch}
	}
	expires := res.Expires
	ttl := res.Ttl
	handler := s.events.onSubscribed
	s.mu.Unlock()

	if handler != nil {
		event := SubscribedEvent{
			WasRecovering:  res.WasRecovering,
			Recovered:      res.Recovered,
			Recoverable:    res.Recoverable,
			Positioned:     res.Positioned,
			StreamPosition: streamPosition,
			Data:           res.Data,
		}
		s.centrifuge.runHandlerAsync(func() {
			handler(event)
		})
	}
	for _, pub := range recoveredPubs {
		s.emitRecoveredPublication(pub)
	}
	if len(recoveredPubs) > 0 && (res.Recoverable || res.Positioned) {
		s.mu.Lock()
		if res.Offset > s.offset {
			s.offset = res.Offset
		}
		s.mu.Unlock()
	}
	if expires && ttl > 0 {
		s.scheduleSubRefresh(time.Duration(ttl) * time.Second)
	}
}

// emitRecoveredPublication emits a publication replayed by the server in
// a subscribe result. Continuity with the pre-subscribe position is the
// server's responsibility here, the local offset just follows along.
func (s *Subscription) emitRecoveredPublication(pub *protocol.Publication) {
	s.mu.Lock()
	if s.state != SubStateSubscribed {
		s.mu.Unlock()
		return
	}
	if pub.Offset > 0 && pub.Offset > s.offset {
		s.offset = pub.Offset
	}
	data := pub.Data
	if s.deltaNegotiated {
		s.prevData = data
	}
	handler := s.events.onPublication
	s.mu.Unlock()
	p := publicationFromProto(pub)
	if handler != nil {
		s.centrifuge.runHandlerAsync(func() {
			handler(PublicationEvent{Publication: p})
		})
	}
}

// handlePublication processes a publication push. Offsets in recoverable
// channels must not regress within one subscribed episode.
func (s *Subscription) handlePublication(pub *protocol.Publication) {
	s.mu.Lock()
	if s.state != SubStateSubscribed {
		s.mu.Unlock()
		return
	}
	if (s.recoverable || s.positioned) && pub.Offset > 0 {
		if s.offset > 0 && pub.Offset <= s.offset {
			// Already seen.
			s.mu.Unlock()
			return
		}
		if s.offset > 0 && pub.Offset != s.offset+1 {
			// Stream continuity lost, resubscribe with recovery from the
			// last known position.
			s.moveToSubscribingLocked(subscribingInsufficient, "insufficient state")
			s.mu.Unlock()
			if s.centrifuge.State() == StateConnected {
				s.resubscribe()
			}
			return
		}
		s.offset = pub.Offset
	}
	data := pub.Data
	if s.deltaNegotiated {
		if pub.Delta {
			patched, err := fdelta.Apply(s.prevData, pub.Data)
			if err != nil {
				s.moveToSubscribingLocked(subscribingInsufficient, "delta apply error")
				s.mu.Unlock()
				if s.centrifuge.State() == StateConnected {
					s.resubscribe()
				}
				return
			}
			data = patched
		}
		s.prevData = data
	}
	handler := s.events.onPublication
	s.mu.Unlock()

	p := publicationFromProto(pub)
	p.Data = data
	if handler != nil {
		s.centrifuge.runHandlerAsync(func() {
			handler(PublicationEvent{Publication: p})
		})
	}
}

func (s *Subscription) handleJoin(info *protocol.ClientInfo) {
	s.mu.Lock()
	handler := s.events.onJoin
	s.mu.Unlock()
	if handler != nil {
		event := JoinEvent{ClientInfo: *clientInfoFromProto(info)}
		s.centrifuge.runHandlerAsync(func() {
			handler(event)
		})
	}
}

func (s *Subscription) handleLeave(info *protocol.ClientInfo) {
	s.mu.Lock()
	handler := s.events.onLeave
	s.mu.Unlock()
	if handler != nil {
		event := LeaveEvent{ClientInfo: *clientInfoFromProto(info)}
		s.centrifuge.runHandlerAsync(func() {
			handler(event)
		})
	}
}

// handleUnsubscribePush reacts on a server-initiated unsubscribe for a
// client-side subscription.
func (s *Subscription) handleUnsubscribePush(code uint32, reason string) {
	if code >= unsubscribeCodeResubscribe {
		s.moveToSubscribing(code, reason)
		if s.centrifuge.State() == StateConnected {
			s.resubscribe()
		}
		return
	}
	s.moveToUnsubscribed(code, reason)
}

func (s *Subscription) scheduleSubRefresh(ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != SubStateSubscribed {
		return
	}
	s.refreshTimer = time.AfterFunc(refreshDelay(ttl), func() {
		s.refreshToken()
	})
}

func (s *Subscription) refreshToken() {
	s.mu.Lock()
	getToken := s.config.GetToken
	if s.state != SubStateSubscribed || getToken == nil {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	token, err := getToken(SubscriptionTokenEvent{Channel: s.Channel})
	if err != nil {
		if errors.Is(err, ErrUnauthorized) {
			s.moveToUnsubscribed(unsubscribedUnauthorized, "unauthorized")
			return
		}
		s.emitError(SubscriptionRefreshError{Err: err})
		s.mu.Lock()
		if s.state == SubStateSubscribed {
			s.refreshTimer = time.AfterFunc(10*time.Second, func() {
				s.refreshToken()
			})
		}
		s.mu.Unlock()
		return
	}
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
	s.centrifuge.sendSubRefresh(s.Channel, token, func(res *protocol.SubRefreshResult, err error) {
		if err != nil {
			s.emitError(SubscriptionRefreshError{Err: err})
			s.mu.Lock()
			if s.state == SubStateSubscribed {
				s.refreshTimer = time.AfterFunc(10*time.Second, func() {
					s.refreshToken()
				})
			}
			s.mu.Unlock()
			return
		}
		if res.Expires && res.Ttl > 0 {
			s.scheduleSubRefresh(time.Duration(res.Ttl) * time.Second)
		}
	})
}
