package supervisor

import "sync"

// CircularBuffer is a fixed-size byte ring holding the most recent log
// output.
type CircularBuffer struct {
	data []byte
	size int
	mu   sync.RWMutex
}

// NewCircularBuffer creates a ring buffer with the given capacity.
func NewCircularBuffer(size int) *CircularBuffer {
	return &CircularBuffer{
		data: make([]byte, 0, size),
		size: size,
	}
}

// Write implements io.Writer, evicting the oldest bytes on overflow.
func (cb *CircularBuffer) Write(p []byte) (n int, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if len(cb.data)+len(p) > cb.size {
		excess := len(cb.data) + len(p) - cb.size
		if excess >= len(cb.data) {
			// New data alone overflows; keep only its tail.
			cb.data = append([]byte{}, p[len(p)-cb.size:]...)
			return len(p), nil
		}
		cb.data = append(cb.data[excess:], p...)
		return len(p), nil
	}

	cb.data = append(cb.data, p...)
	return len(p), nil
}

// Read returns a copy of the current contents.
func (cb *CircularBuffer) Read() []byte {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	result := make([]byte, len(cb.data))
	copy(result, cb.data)
	return result
}

// Broadcaster fans log lines out to any number of subscriber channels.
// Slow subscribers drop lines rather than block the producer.
type Broadcaster struct {
	clients map[chan string]bool
	closed  map[chan string]bool
	mu      sync.RWMutex
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		clients: make(map[chan string]bool),
		closed:  make(map[chan string]bool),
	}
}

// Subscribe adds a new buffered subscriber channel.
func (b *Broadcaster) Subscribe() chan string {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan string, 100)
	b.clients[ch] = true
	return ch
}

// Unsubscribe removes and closes a subscriber channel. Safe to call twice.
func (b *Broadcaster) Unsubscribe(ch chan string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed[ch] {
		return
	}
	delete(b.clients, ch)
	close(ch)
	b.closed[ch] = true
}

// Broadcast sends a message to all subscribers, skipping full ones.
func (b *Broadcaster) Broadcast(msg string) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch := range b.clients {
		select {
		case ch <- msg:
		default:
		}
	}
}
