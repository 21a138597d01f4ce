package supervisor

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCircularBufferEviction(t *testing.T) {
	cb := NewCircularBuffer(10)

	cb.Write([]byte("abcde"))
	assert.Equal(t, "abcde", string(cb.Read()))

	cb.Write([]byte("fghij"))
	assert.Equal(t, "abcdefghij", string(cb.Read()))

	// Overflow evicts from the front.
	cb.Write([]byte("XY"))
	assert.Equal(t, "cdefghijXY", string(cb.Read()))

	// A single write larger than the buffer keeps only its tail.
	cb.Write([]byte(strings.Repeat("z", 25) + "tail-bytes"))
	got := string(cb.Read())
	assert.Len(t, got, 10)
	assert.True(t, strings.HasSuffix(got, "tail-bytes"))
}

func TestBroadcaster(t *testing.T) {
	b := NewBroadcaster()

	ch1 := b.Subscribe()
	ch2 := b.Subscribe()

	b.Broadcast("hello")
	assert.Equal(t, "hello", <-ch1)
	assert.Equal(t, "hello", <-ch2)

	b.Unsubscribe(ch1)
	// Double unsubscribe must not panic.
	b.Unsubscribe(ch1)

	b.Broadcast("world")
	assert.Equal(t, "world", <-ch2)

	// Closed channel yields zero value immediately.
	_, open := <-ch1
	assert.False(t, open)

	b.Unsubscribe(ch2)
}

func TestBroadcasterDropsWhenFull(t *testing.T) {
	b := NewBroadcaster()
	ch := b.Subscribe()

	// Fill the subscriber's buffer and then some; Broadcast must not block.
	for i := 0; i < 250; i++ {
		b.Broadcast("line")
	}

	count := 0
	for {
		select {
		case <-ch:
			count++
			continue
		default:
		}
		break
	}
	assert.Equal(t, 100, count)
	b.Unsubscribe(ch)
}
