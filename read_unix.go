//go:build !windows

package procwrapper

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Read performs one non-blocking read from the selected output channel
// into buf. It returns n > 0 when bytes were delivered and 0 with a nil
// error both when no data is currently available and when the stream has
// reached end-of-stream; callers disambiguate via the exit status (a zero
// read once the status is terminal means the channel is drained). Hard
// I/O errors are returned without touching slot occupancy.
//
// The first read to observe end-of-stream closes the channel's descriptor
// exactly once. The read that closes the second channel of a slot whose
// status is already terminal also recycles the slot.
func (t *Table) Read(handle int, stream Stream, buf []byte) (int, error) {
	n, _, _, err := t.readStream(handle, stream, buf)
	return n, err
}

// readStream is Read plus an exit-status snapshot taken under the same
// lock as the channel bookkeeping, and a closed flag that is true once
// end-of-stream has been observed for the channel. Drain depends on the
// snapshot being atomic with the close: the read that shuts the final
// channel reports the terminal code from the same critical section that
// recycles the slot.
func (t *Table) readStream(handle int, stream Stream, buf []byte) (n, code int, closed bool, err error) {
	if len(buf) == 0 {
		return 0, StatusError, false, fmt.Errorf("read: empty buffer")
	}
	if !t.validHandle(handle) {
		return 0, StatusError, false, ErrInvalidHandle
	}

	t.mu.Lock()
	r := &t.slots[handle]
	if !r.inUse {
		t.mu.Unlock()
		return 0, StatusError, false, ErrInvalidHandle
	}
	fd := r.channelFD(stream)
	if fd == closedFD {
		code = r.exitCode
		// The slot may be waiting on this observation if the reap landed
		// after both channels had already closed.
		t.maybeRecycleLocked(handle)
		t.mu.Unlock()
		return 0, code, true, nil
	}
	t.mu.Unlock()

	n, rerr := unix.Read(fd, buf)
	if n > 0 {
		return n, StatusRunning, false, nil
	}
	if rerr != nil {
		if rerr == unix.EAGAIN || rerr == unix.EWOULDBLOCK {
			t.mu.Lock()
			code = r.exitCode
			t.mu.Unlock()
			return 0, code, false, nil
		}
		return 0, StatusRunning, false, fmt.Errorf("read %s: %w", stream, rerr)
	}

	// End of stream: close exactly once. A racing reader that lost sees
	// the sentinel and leaves the descriptor alone.
	t.mu.Lock()
	defer t.mu.Unlock()
	if r.inUse {
		if cur := r.channelFD(stream); cur != closedFD {
			unix.Close(cur)
			r.setChannelFD(stream, closedFD)
			t.log.Debugw("channel closed", "handle", handle, "stream", stream.String())
			t.maybeRecycleLocked(handle)
		}
	}
	return 0, r.exitCode, true, nil
}

// closeChannel force-closes one output channel without an end-of-stream
// observation. Drain uses it when a terminal status plus an empty pipe says
// the stream is done but a grandchild still holds the write end open, which
// would otherwise pin the slot forever.
func (t *Table) closeChannel(handle int, stream Stream) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r := &t.slots[handle]
	if !r.inUse {
		return
	}
	if fd := r.channelFD(stream); fd != closedFD {
		unix.Close(fd)
		r.setChannelFD(stream, closedFD)
		t.log.Debugw("channel abandoned", "handle", handle, "stream", stream.String())
		t.maybeRecycleLocked(handle)
	}
}

func (r *record) channelFD(s Stream) int {
	if s == Stderr {
		return r.stderrFD
	}
	return r.stdoutFD
}

func (r *record) setChannelFD(s Stream, fd int) {
	if s == Stderr {
		r.stderrFD = fd
	} else {
		r.stdoutFD = fd
	}
}
