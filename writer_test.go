package centrifuge

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/plugfox/centrifuge-go/internal/queue"

	"github.com/stretchr/testify/require"
)

type fakeWriterSink struct {
	mu             sync.Mutex
	writeError     error
	frames         [][]byte
	ch             chan struct{}
	writeCalls     int
	writeManyCalls int
}

func newFakeWriterSink(writeError error) *fakeWriterSink {
	return &fakeWriterSink{
		ch:         make(chan struct{}, 64),
		writeError: writeError,
	}
}

func (s *fakeWriterSink) write(item queue.Item) error {
	s.mu.Lock()
	s.writeCalls++
	s.frames = append(s.frames, item.Data)
	s.mu.Unlock()
	s.ch <- struct{}{}
	return s.writeError
}

func (s *fakeWriterSink) writeMany(items ...queue.Item) error {
	s.mu.Lock()
	s.writeManyCalls++
	for _, item := range items {
		s.frames = append(s.frames, item.Data)
	}
	s.mu.Unlock()
	for range items {
		s.ch <- struct{}{}
	}
	return s.writeError
}

func (s *fakeWriterSink) numFrames() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

func TestWriter(t *testing.T) {
	sink := newFakeWriterSink(nil)
	w := newWriter(writerConfig{
		WriteFn:     sink.write,
		WriteManyFn: sink.writeMany,
	})
	go w.run()

	err := w.enqueue(queue.Item{Data: []byte("test")})
	require.NoError(t, err)
	<-sink.ch
	require.Equal(t, 1, sink.numFrames())
	err = w.close(false)
	require.NoError(t, err)
	require.True(t, w.closed)
	// Close already deactivated Writer.
	err = w.close(false)
	require.NoError(t, err)
}

func TestWriterWriteMany(t *testing.T) {
	sink := newFakeWriterSink(nil)
	w := newWriter(writerConfig{
		MaxQueueSize: 10 * 1024,
		WriteFn:      sink.write,
		WriteManyFn:  sink.writeMany,
	})

	numMessages := 4 * defaultMaxMessagesInFrame
	for i := 0; i < numMessages; i++ {
		err := w.enqueue(queue.Item{Data: []byte("test")})
		require.NoError(t, err)
	}

	doneCh := make(chan struct{})

	go func() {
		defer close(doneCh)
		w.run()
	}()

	for i := 0; i < numMessages; i++ {
		<-sink.ch
	}

	require.Equal(t, numMessages, sink.numFrames())
	err := w.close(false)
	require.NoError(t, err)

	select {
	case <-doneCh:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for write routine close")
	}
}

func TestWriterControlFirst(t *testing.T) {
	sink := newFakeWriterSink(nil)
	w := newWriter(writerConfig{
		WriteFn:     sink.write,
		WriteManyFn: sink.writeMany,
	})

	require.NoError(t, w.enqueue(queue.Item{Data: []byte("normal")}))
	require.NoError(t, w.enqueue(queue.Item{Data: []byte("control"), Control: true}))

	go w.run()
	<-sink.ch
	<-sink.ch

	sink.mu.Lock()
	first := string(sink.frames[0])
	sink.mu.Unlock()
	require.Equal(t, "control", first)
	_ = w.close(false)
}

func TestWriterWriteRemaining(t *testing.T) {
	sink := newFakeWriterSink(nil)
	w := newWriter(writerConfig{
		MaxQueueSize: 10 * 1024,
		WriteFn:      sink.write,
		WriteManyFn:  sink.writeMany,
	})

	numMessages := 4
	for i := 0; i < numMessages; i++ {
		require.NoError(t, w.enqueue(queue.Item{Data: []byte("test")}))
	}

	err := w.close(true)
	require.NoError(t, err)
	require.Equal(t, numMessages, sink.numFrames())
	require.Equal(t, 1, sink.writeManyCalls)
}

func TestWriterBackpressure(t *testing.T) {
	sink := newFakeWriterSink(nil)
	w := newWriter(writerConfig{
		MaxQueueSize: 1,
		WriteFn:      sink.write,
		WriteManyFn:  sink.writeMany,
	})
	defer func() { _ = w.close(false) }()

	// Writer routine is not started, the queue only grows. The first item
	// passes the high-water check, the next one does not.
	require.NoError(t, w.enqueue(queue.Item{Data: []byte("first")}))
	err := w.enqueue(queue.Item{Data: []byte("second")})
	require.ErrorIs(t, err, ErrSendFull)

	// Control commands are accepted beyond the high-water mark.
	require.NoError(t, w.enqueue(queue.Item{Data: []byte("control"), Control: true}))
}

func TestWriterEnqueueAfterClose(t *testing.T) {
	sink := newFakeWriterSink(nil)
	w := newWriter(writerConfig{
		WriteFn:     sink.write,
		WriteManyFn: sink.writeMany,
	})
	go w.run()
	_ = w.close(false)

	err := w.enqueue(queue.Item{Data: []byte("test")})
	require.ErrorIs(t, err, ErrClientDisconnected)
}

func TestWriterWriteError(t *testing.T) {
	errWrite := errors.New("write error")
	sink := newFakeWriterSink(errWrite)
	w := newWriter(writerConfig{
		WriteFn:     sink.write,
		WriteManyFn: sink.writeMany,
	})

	doneCh := make(chan struct{})

	go func() {
		defer close(doneCh)
		w.run()
	}()

	defer func() { _ = w.close(false) }()

	require.NoError(t, w.enqueue(queue.Item{Data: []byte("test")}))

	go func() {
		for {
			select {
			case <-doneCh:
				return
			case <-sink.ch:
			}
		}
	}()

	select {
	case <-doneCh:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for write routine close")
	}
}
