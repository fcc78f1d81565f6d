package centrifuge

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/centrifugal/protocol"
	"github.com/stretchr/testify/require"
)

func TestSubscriptionInitialState(t *testing.T) {
	server := newTestServer()
	c := newTestClient(t, server, Config{})
	sub, err := c.NewSubscription("chat:index")
	require.NoError(t, err)
	require.Equal(t, SubStateUnsubscribed, sub.State())
	require.Equal(t, "chat:index", sub.Channel)
}

func TestSubscriptionEmptyChannel(t *testing.T) {
	server := newTestServer()
	c := newTestClient(t, server, Config{})
	_, err := c.NewSubscription("")
	require.Error(t, err)
}

func TestSubscriptionSinceSeedsRecovery(t *testing.T) {
	server := newTestServer()
	c := newTestClient(t, server, Config{})
	sub, err := c.NewSubscription("chat:index", SubscriptionConfig{
		Recoverable: true,
		Since:       &StreamPosition{Offset: 42, Epoch: "xyz"},
	})
	require.NoError(t, err)
	sp := sub.StreamPosition()
	require.Equal(t, uint64(42), sp.Offset)
	require.Equal(t, "xyz", sp.Epoch)
	require.True(t, sub.recover)
}

func TestSubscriptionPreconditions(t *testing.T) {
	server := newTestServer()
	c := newTestClient(t, server, Config{})
	sub, err := c.NewSubscription("chat:index")
	require.NoError(t, err)

	_, err = sub.Publish(context.Background(), []byte("x"))
	require.ErrorIs(t, err, ErrSubscriptionUnsubscribed)
	_, err = sub.History(context.Background())
	require.ErrorIs(t, err, ErrSubscriptionUnsubscribed)
	_, err = sub.Presence(context.Background())
	require.ErrorIs(t, err, ErrSubscriptionUnsubscribed)
}

func TestSubscribeWhileDisconnected(t *testing.T) {
	server := newTestServer()
	c := newTestClient(t, server, Config{})
	sub, err := c.NewSubscription("chat:index")
	require.NoError(t, err)

	// Subscribe is accepted while disconnected, the request goes out after
	// connect.
	require.NoError(t, sub.Subscribe())
	require.Equal(t, SubStateSubscribing, sub.State())

	require.NoError(t, c.Connect())
	require.NoError(t, c.Ready(context.Background()))

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && sub.State() != SubStateSubscribed {
		time.Sleep(time.Millisecond)
	}
	require.Equal(t, SubStateSubscribed, sub.State())
}

func TestUnsubscribeImmediate(t *testing.T) {
	server := newTestServer()
	c := newTestClient(t, server, Config{})
	require.NoError(t, c.Connect())
	require.NoError(t, c.Ready(context.Background()))

	sub, err := c.NewSubscription("chat:index")
	require.NoError(t, err)
	require.NoError(t, sub.Subscribe())
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && sub.State() != SubStateSubscribed {
		time.Sleep(time.Millisecond)
	}

	unsubscribedCh := make(chan UnsubscribedEvent, 1)
	sub.OnUnsubscribed(func(e UnsubscribedEvent) {
		unsubscribedCh <- e
	})
	require.NoError(t, sub.Unsubscribe())
	// State changes without waiting for the server reply.
	require.Equal(t, SubStateUnsubscribed, sub.State())
	select {
	case e := <-unsubscribedCh:
		require.Equal(t, unsubscribedUnsubscribeCalled, e.Code)
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for unsubscribed event")
	}
}

func TestServerUnsubscribePushCodes(t *testing.T) {
	server := newTestServer()
	c := newTestClient(t, server, Config{})
	require.NoError(t, c.Connect())
	require.NoError(t, c.Ready(context.Background()))

	sub, err := c.NewSubscription("chat:index")
	require.NoError(t, err)
	require.NoError(t, sub.Subscribe())
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && sub.State() != SubStateSubscribed {
		time.Sleep(time.Millisecond)
	}

	// Code at or above the resubscribe threshold moves subscription back to
	// subscribing and the client resubscribes on its own.
	server.transport().pushReply(&protocol.Reply{
		Push: &protocol.Push{
			Channel:     "chat:index",
			Unsubscribe: &protocol.Unsubscribe{Code: 2500, Reason: "insufficient state"},
		},
	})
	deadline = time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		var subscribeCount int
		for _, cmd := range server.sentCommands() {
			if cmd.Subscribe != nil {
				subscribeCount++
			}
		}
		if subscribeCount == 2 && sub.State() == SubStateSubscribed {
			break
		}
		time.Sleep(time.Millisecond)
	}
	require.Equal(t, SubStateSubscribed, sub.State())

	// Terminal code unsubscribes for good.
	server.transport().pushReply(&protocol.Reply{
		Push: &protocol.Push{
			Channel:     "chat:index",
			Unsubscribe: &protocol.Unsubscribe{Code: 2000, Reason: "server unsubscribed"},
		},
	})
	deadline = time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && sub.State() != SubStateUnsubscribed {
		time.Sleep(time.Millisecond)
	}
	require.Equal(t, SubStateUnsubscribed, sub.State())
}

func TestInsufficientStateTriggersResubscribe(t *testing.T) {
	server := newTestServer()
	server.onCommand = func(cmd *protocol.Command) *protocol.Reply {
		if cmd.Subscribe != nil {
			return &protocol.Reply{Id: cmd.Id, Subscribe: &protocol.SubscribeResult{
				Recoverable: true,
				Epoch:       "epoch-1",
			}}
		}
		return nil
	}
	c := newTestClient(t, server, Config{})
	require.NoError(t, c.Connect())
	require.NoError(t, c.Ready(context.Background()))

	sub, err := c.NewSubscription("numbers", SubscriptionConfig{Recoverable: true})
	require.NoError(t, err)
	require.NoError(t, sub.Subscribe())
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && sub.State() != SubStateSubscribed {
		time.Sleep(time.Millisecond)
	}

	subscribingCh := make(chan SubscribingEvent, 4)
	sub.OnSubscribing(func(e SubscribingEvent) {
		subscribingCh <- e
	})

	// Offset 1 accepted, then a gap: offset 5 breaks continuity.
	server.transport().pushReply(&protocol.Reply{
		Push: &protocol.Push{Channel: "numbers", Pub: &protocol.Publication{Data: []byte(`{}`), Offset: 1}},
	})
	server.transport().pushReply(&protocol.Reply{
		Push: &protocol.Push{Channel: "numbers", Pub: &protocol.Publication{Data: []byte(`{}`), Offset: 5}},
	})

	select {
	case e := <-subscribingCh:
		require.Equal(t, subscribingInsufficient, e.Code)
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for insufficient state resubscribe")
	}
	deadline = time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && sub.State() != SubStateSubscribed {
		time.Sleep(time.Millisecond)
	}
	require.Equal(t, SubStateSubscribed, sub.State())

	// The resubscribe request must carry the last seen position.
	var lastSubscribe *protocol.SubscribeRequest
	for _, cmd := range server.sentCommands() {
		if cmd.Subscribe != nil {
			lastSubscribe = cmd.Subscribe
		}
	}
	require.NotNil(t, lastSubscribe)
	require.True(t, lastSubscribe.Recover)
	require.Equal(t, uint64(1), lastSubscribe.Offset)
	require.Equal(t, "epoch-1", lastSubscribe.Epoch)
}

func TestTemporarySubscribeErrorRetried(t *testing.T) {
	server := newTestServer()
	var mu sync.Mutex
	var attempts int
	server.onCommand = func(cmd *protocol.Command) *protocol.Reply {
		if cmd.Subscribe != nil {
			mu.Lock()
			attempts++
			n := attempts
			mu.Unlock()
			if n == 1 {
				return &protocol.Reply{Id: cmd.Id, Error: &protocol.Error{
					Code: 100, Message: "internal server error", Temporary: true,
				}}
			}
		}
		return nil
	}
	c := newTestClient(t, server, Config{})
	require.NoError(t, c.Connect())
	require.NoError(t, c.Ready(context.Background()))

	sub, err := c.NewSubscription("chat:index", SubscriptionConfig{
		MinResubscribeDelay: 10 * time.Millisecond,
		MaxResubscribeDelay: 50 * time.Millisecond,
	})
	require.NoError(t, err)
	require.NoError(t, sub.Subscribe())

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && sub.State() != SubStateSubscribed {
		time.Sleep(time.Millisecond)
	}
	require.Equal(t, SubStateSubscribed, sub.State())
	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, attempts, 2)
}

func TestNonTemporarySubscribeErrorUnsubscribes(t *testing.T) {
	server := newTestServer()
	server.onCommand = func(cmd *protocol.Command) *protocol.Reply {
		if cmd.Subscribe != nil {
			return &protocol.Reply{Id: cmd.Id, Error: &protocol.Error{
				Code: 103, Message: "permission denied",
			}}
		}
		return nil
	}
	c := newTestClient(t, server, Config{})
	require.NoError(t, c.Connect())
	require.NoError(t, c.Ready(context.Background()))

	sub, err := c.NewSubscription("admin:secret")
	require.NoError(t, err)

	errCh := make(chan SubscriptionErrorEvent, 1)
	sub.OnError(func(e SubscriptionErrorEvent) {
		select {
		case errCh <- e:
		default:
		}
	})
	require.NoError(t, sub.Subscribe())

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && sub.State() != SubStateUnsubscribed {
		time.Sleep(time.Millisecond)
	}
	require.Equal(t, SubStateUnsubscribed, sub.State())
	select {
	case e := <-errCh:
		var serverErr *Error
		require.ErrorAs(t, e.Error, &serverErr)
		require.Equal(t, uint32(103), serverErr.Code)
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for subscription error")
	}
}
