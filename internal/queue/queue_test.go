package queue

import (
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func testItem(data []byte) Item {
	return Item{Data: data}
}

func controlItem(data []byte) Item {
	return Item{Data: data, Control: true}
}

var initialCapacity = 2

func TestQueueResize(t *testing.T) {
	q := New(initialCapacity)
	require.Equal(t, 0, q.Len())
	require.Equal(t, false, q.Closed())

	for i := 0; i < initialCapacity; i++ {
		q.Add(testItem([]byte(strconv.Itoa(i))))
	}
	q.Add(testItem([]byte("resize here")))
	q.Remove()

	q.Add(testItem([]byte("new resize here")))
	q.Add(testItem([]byte("one more item, no resize must happen")))

	require.Equal(t, initialCapacity+2, q.Len())
}

func TestQueueSize(t *testing.T) {
	q := New(initialCapacity)
	require.Equal(t, 0, q.Size())
	q.Add(testItem([]byte("1")))
	q.Add(testItem([]byte("2")))
	require.Equal(t, 2, q.Size())
	q.Remove()
	require.Equal(t, 1, q.Size())
}

func TestQueueWait(t *testing.T) {
	q := New(initialCapacity)
	q.Add(testItem([]byte("1")))
	q.Add(testItem([]byte("2")))

	ok := q.Wait()
	require.Equal(t, true, ok)
	s, ok := q.Remove()
	require.Equal(t, true, ok)
	require.Equal(t, "1", string(s.Data))

	ok = q.Wait()
	require.Equal(t, true, ok)
	s, ok = q.Remove()
	require.Equal(t, true, ok)
	require.Equal(t, "2", string(s.Data))

	go func() {
		q.Add(testItem([]byte("3")))
	}()

	ok = q.Wait()
	require.Equal(t, true, ok)
	s, ok = q.Remove()
	require.Equal(t, true, ok)
	require.Equal(t, "3", string(s.Data))
}

func TestQueueAddMany(t *testing.T) {
	q := New(initialCapacity)
	q.AddMany(testItem([]byte("1")), testItem([]byte("2")))
	ok := q.Wait()
	require.Equal(t, true, ok)
	require.Equal(t, 2, q.Len())
}

func TestQueueControlPriority(t *testing.T) {
	q := New(initialCapacity)
	q.Add(testItem([]byte("normal1")))
	q.Add(controlItem([]byte("control1")))
	q.Add(testItem([]byte("normal2")))
	q.Add(controlItem([]byte("control2")))

	// Control items drain first in their own FIFO order, then normal ones.
	expected := []string{"control1", "control2", "normal1", "normal2"}
	for _, want := range expected {
		item, ok := q.Remove()
		require.True(t, ok)
		require.Equal(t, want, string(item.Data))
	}
	_, ok := q.Remove()
	require.False(t, ok)
	require.Equal(t, 0, q.Size())
}

func TestQueueClose(t *testing.T) {
	q := New(initialCapacity)

	// test removing from empty queue
	_, ok := q.Remove()
	require.Equal(t, false, ok)

	q.Add(testItem([]byte("1")))
	q.Add(testItem([]byte("2")))
	q.Close()

	ok = q.Add(testItem([]byte("3")))
	require.Equal(t, false, ok)

	ok = q.Wait()
	require.Equal(t, false, ok)

	_, ok = q.Remove()
	require.Equal(t, false, ok)

	require.Equal(t, true, q.Closed())
}

func TestQueueCloseRemaining(t *testing.T) {
	q := New(initialCapacity)
	q.Add(testItem([]byte("1")))
	q.Add(controlItem([]byte("0")))
	q.Add(testItem([]byte("2")))
	messages := q.CloseRemaining()
	require.Equal(t, 3, len(messages))
	require.Equal(t, "0", string(messages[0].Data))
	ok := q.Add(testItem([]byte("3")))
	require.Equal(t, false, ok)
	require.Equal(t, true, q.Closed())
	messages = q.CloseRemaining()
	require.Equal(t, 0, len(messages))
}

func TestQueueAddConsume(t *testing.T) {
	// Add many items to queue and then consume.
	// Make sure item data is expected.
	q := New(initialCapacity)

	for n := 0; n < 5; n++ {
		for i := 0; i < 1000; i++ {
			q.Add(testItem([]byte("test" + strconv.Itoa(i))))
		}
		for i := 0; i < 1000; i++ {
			item, ok := q.Remove()
			require.True(t, ok)
			require.Equal(t, "test"+strconv.Itoa(i), string(item.Data))
		}
	}

	require.Equal(t, 0, q.Size())
	require.Equal(t, 0, q.Len())
}

func TestQueueWaitConcurrent(t *testing.T) {
	q := New(1)
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		require.True(t, q.Wait())
	}()

	q.Add(testItem([]byte("msg")))
	wg.Wait()
}

func TestQueueConcurrentAdd(t *testing.T) {
	q := New(5)
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.Add(testItem([]byte("msg")))
		}()
	}
	wg.Wait()
	require.Equal(t, 10, q.Len())
}
