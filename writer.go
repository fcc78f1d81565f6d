package centrifuge

import (
	"sync"

	"github.com/plugfox/centrifuge-go/internal/queue"
)

type writerConfig struct {
	WriteManyFn  func(...queue.Item) error
	WriteFn      func(item queue.Item) error
	MaxQueueSize int
}

const defaultMaxMessagesInFrame = 16

// writer manages the ordered command byte queue between user calls and
// the transport. Control commands are drained ahead of normal ones.
type writer struct {
	mu       sync.Mutex
	config   writerConfig
	messages *queue.Queue
	closed   bool
	closeCh  chan struct{}
}

func newWriter(config writerConfig) *writer {
	w := &writer{
		config:   config,
		messages: queue.New(2),
		closeCh:  make(chan struct{}),
	}
	return w
}

func (w *writer) waitSendMessage(maxMessagesInFrame int) bool {
	// Wait for message from the queue.
	if !w.messages.Wait() {
		return false
	}

	w.mu.Lock()
	items := make([]queue.Item, 0, defaultMaxMessagesInFrame)
	for len(items) < maxMessagesInFrame {
		item, ok := w.messages.Remove()
		if !ok {
			break
		}
		items = append(items, item)
	}
	if len(items) == 0 {
		w.mu.Unlock()
		return !w.messages.Closed()
	}

	var writeErr error
	if len(items) == 1 {
		writeErr = w.config.WriteFn(items[0])
	} else {
		writeErr = w.config.WriteManyFn(items...)
	}
	w.mu.Unlock()

	if writeErr != nil {
		// Write failed, transport must close itself, here we just return from routine.
		return false
	}
	return true
}

// run supposed to be run in goroutine, this goroutine will be closed as
// soon as queue is closed.
func (w *writer) run() {
	for {
		if ok := w.waitSendMessage(defaultMaxMessagesInFrame); !ok {
			return
		}
	}
}

// enqueue accepts a command for writing. Control items are always
// accepted while the queue is open; normal items beyond the configured
// high-water mark are rejected with ErrSendFull.
func (w *writer) enqueue(item queue.Item) error {
	if !item.Control && w.config.MaxQueueSize > 0 && w.messages.Size() > w.config.MaxQueueSize {
		return ErrSendFull
	}
	ok := w.messages.Add(item)
	if !ok {
		return ErrClientDisconnected
	}
	return nil
}

func (w *writer) close(flushRemaining bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true

	if flushRemaining {
		remaining := w.messages.CloseRemaining()
		if len(remaining) > 0 {
			_ = w.config.WriteManyFn(remaining...)
		}
	} else {
		w.messages.Close()
	}
	close(w.closeCh)
	return nil
}
