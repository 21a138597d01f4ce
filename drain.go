package procwrapper

import (
	"bytes"
	"context"
	"time"
)

// LineFunc receives one completed output line with its terminator removed
// (trailing carriage returns are trimmed as well). A trailing partial line
// without a newline is delivered once the stream has fully drained.
type LineFunc func(stream Stream, line string)

// drainState is the per-handle consumer state machine: streaming while the
// process is alive, draining once a terminal exit status has been observed
// but buffered output may remain in the pipes, finished only when both
// channels have reached end-of-stream.
type drainState int

const (
	stateStreaming drainState = iota
	stateDraining
	stateFinished
)

// drainChannel assembles one output stream into lines.
type drainChannel struct {
	stream  Stream
	drained bool
	partial []byte
}

func (c *drainChannel) feed(b []byte, onLine LineFunc) {
	c.partial = append(c.partial, b...)
	for {
		i := bytes.IndexByte(c.partial, '\n')
		if i < 0 {
			return
		}
		line := c.partial[:i]
		if len(line) > 0 && line[len(line)-1] == '\r' {
			line = line[:len(line)-1]
		}
		if onLine != nil {
			onLine(c.stream, string(line))
		}
		c.partial = c.partial[i+1:]
	}
}

func (c *drainChannel) flush(onLine LineFunc) {
	if len(c.partial) > 0 && onLine != nil {
		onLine(c.stream, string(c.partial))
	}
	c.partial = nil
}

// Drain polls the handle until the process has exited and both output
// channels have reached end-of-stream, delivering completed lines to
// onLine along the way. It returns the terminal exit status exactly once.
// Completion is never reported early: an exit code alone does not finish
// the drain, because the pipes can still hold output the process wrote
// before dying.
//
// Cancelling ctx abandons the drain without stopping or reaping the
// process; the caller still owns the handle and must Stop it (or drain it
// later) to release the pipe descriptors and the process table entry.
func (t *Table) Drain(ctx context.Context, handle int, onLine LineFunc) (int, error) {
	if !t.validHandle(handle) {
		return StatusError, ErrInvalidHandle
	}

	buf := make([]byte, t.opts.ReadBufferSize)
	chans := [2]drainChannel{{stream: Stdout}, {stream: Stderr}}
	exitCode := StatusRunning
	state := stateStreaming

	for state != stateFinished {
		if err := ctx.Err(); err != nil {
			return StatusRunning, err
		}

		// Observe the exit status before reading so that a zero-byte read
		// below can be trusted as end-of-stream rather than a pipe that
		// simply has nothing buffered yet.
		if exitCode == StatusRunning {
			if c := t.ExitCode(handle); c != StatusRunning {
				exitCode = c
			}
		}

		for i := range chans {
			c := &chans[i]
			if c.drained {
				continue
			}
			for {
				n, code, closed, err := t.readStream(handle, c.stream, buf)
				if err != nil {
					return StatusRunning, err
				}
				if n > 0 {
					c.feed(buf[:n], onLine)
					continue
				}
				if code != StatusRunning && exitCode == StatusRunning {
					exitCode = code
				}
				if closed || (n == 0 && exitCode != StatusRunning && code != StatusRunning) {
					if !closed {
						// Empty pipe with a terminal status but no EOF: a
						// grandchild inherited the write end. Release our
						// read end so the slot can still be recycled.
						t.closeChannel(handle, c.stream)
					}
					c.drained = true
				}
				break
			}
		}

		if exitCode != StatusRunning {
			if chans[0].drained && chans[1].drained {
				chans[0].flush(onLine)
				chans[1].flush(onLine)
				state = stateFinished
				continue
			}
			state = stateDraining
		}

		select {
		case <-ctx.Done():
			return StatusRunning, ctx.Err()
		case <-time.After(t.opts.PollInterval):
		}
	}

	return exitCode, nil
}
