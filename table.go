package procwrapper

import (
	"errors"
	"fmt"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// Exit status sentinels returned by ExitCode. Values >= 0 are real exit
// codes; a process killed by a signal is reported as 128 + signal number.
const (
	StatusRunning = -2
	StatusError   = -1
)

// ChildLaunchExitCode is the reserved exit status reported when the target
// executable could not be launched. A diagnostic line is written to the
// stderr channel in that case.
const ChildLaunchExitCode = 127

// Stream selects one of a process's two output channels.
type Stream int

const (
	Stdout Stream = iota
	Stderr
)

func (s Stream) String() string {
	if s == Stderr {
		return "stderr"
	}
	return "stdout"
}

var (
	// ErrResourceExhausted is returned by Start when no table slot is free
	// or the OS refuses to create pipes or a process.
	ErrResourceExhausted = errors.New("process table: resources exhausted")

	// ErrInvalidHandle is returned for handles that are out of range or
	// whose slot is not in use.
	ErrInvalidHandle = errors.New("process table: invalid handle")
)

const closedFD = -1

// record is one process table slot. All fields are guarded by Table.mu.
// The pid and the two pipe fds are owned exclusively by the record until
// reaped / closed; nobody else may close or duplicate them.
type record struct {
	inUse    bool
	pid      int
	stdoutFD int // closedFD once EOF has been observed
	stderrFD int
	exitCode int // StatusRunning until terminal; terminal values never change
}

// Options configures a Table. The zero value gets sensible defaults from
// New. The termination knobs exist so the escalation policy is testable
// without waiting out real timeouts.
type Options struct {
	// Capacity is the fixed number of concurrent slots (default 64).
	Capacity int

	// PollInterval is the sleep between Drain polling iterations
	// (default 25ms).
	PollInterval time.Duration

	// ReadBufferSize is the per-read buffer used by Drain (default 4096).
	ReadBufferSize int

	// GracefulSignal is sent first by Stop (default SIGTERM).
	GracefulSignal syscall.Signal
	// ForcefulSignal is sent when the grace period expires (default SIGKILL).
	ForcefulSignal syscall.Signal
	// GracePeriod bounds the wait between the two signals (default 1s).
	GracePeriod time.Duration
	// TermPollInterval is the reap polling interval inside Stop
	// (default 100ms).
	TermPollInterval time.Duration

	// Log receives debug-level lifecycle events. Defaults to a nop logger.
	Log *zap.SugaredLogger
}

func (o *Options) applyDefaults() {
	if o.Capacity <= 0 {
		o.Capacity = 64
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 25 * time.Millisecond
	}
	if o.ReadBufferSize <= 0 {
		o.ReadBufferSize = 4096
	}
	if o.GracefulSignal == 0 {
		o.GracefulSignal = syscall.SIGTERM
	}
	if o.ForcefulSignal == 0 {
		o.ForcefulSignal = syscall.SIGKILL
	}
	if o.GracePeriod <= 0 {
		o.GracePeriod = time.Second
	}
	if o.TermPollInterval <= 0 {
		o.TermPollInterval = 100 * time.Millisecond
	}
	if o.Log == nil {
		o.Log = zap.NewNop().Sugar()
	}
}

// Table is a bounded registry of supervised child processes. All operations
// are safe for concurrent use from multiple goroutines; the slot array is
// mutated only under a single mutex, and syscalls that could block are
// performed with the mutex released.
type Table struct {
	opts Options
	log  *zap.SugaredLogger

	mu    sync.Mutex
	slots []record
}

// New creates a Table with the given options.
func New(opts Options) *Table {
	opts.applyDefaults()
	t := &Table{
		opts:  opts,
		log:   opts.Log,
		slots: make([]record, opts.Capacity),
	}
	for i := range t.slots {
		t.slots[i].stdoutFD = closedFD
		t.slots[i].stderrFD = closedFD
		t.slots[i].exitCode = StatusError
	}
	return t
}

// Capacity returns the fixed number of slots.
func (t *Table) Capacity() int { return t.opts.Capacity }

// allocate claims a free slot under the lock so two concurrent launches can
// never receive the same handle. The claimed slot is marked in use with no
// pid and closed channels; the caller must either install a process or
// release the slot again.
func (t *Table) allocate() (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.slots {
		if !t.slots[i].inUse {
			t.slots[i] = record{
				inUse:    true,
				pid:      0,
				stdoutFD: closedFD,
				stderrFD: closedFD,
				exitCode: StatusRunning,
			}
			return i, nil
		}
	}
	return -1, fmt.Errorf("%w: all %d slots in use", ErrResourceExhausted, len(t.slots))
}

// release returns a claimed-but-never-launched slot to the free pool.
func (t *Table) release(handle int) {
	t.mu.Lock()
	t.slots[handle].inUse = false
	t.mu.Unlock()
}

func (t *Table) validHandle(handle int) bool {
	return handle >= 0 && handle < len(t.slots)
}

// maybeRecycleLocked frees the slot once both channels are closed and the
// exit status is terminal. Recycling any earlier would let a subsequent
// Start reuse the handle while stale reads are still in flight.
// Caller must hold t.mu.
func (t *Table) maybeRecycleLocked(handle int) {
	r := &t.slots[handle]
	if !r.inUse {
		return
	}
	if r.stdoutFD == closedFD && r.stderrFD == closedFD && r.exitCode != StatusRunning {
		r.inUse = false
		t.log.Debugw("slot recycled", "handle", handle, "pid", r.pid, "exitCode", r.exitCode)
	}
}

// IsRunning reports whether the tracked process is still alive. It
// opportunistically reaps first so a process that just exited is observed
// without a separate reap call.
func (t *Table) IsRunning(handle int) bool {
	if !t.validHandle(handle) {
		return false
	}
	t.ReapIfFinished(handle)

	t.mu.Lock()
	defer t.mu.Unlock()
	r := &t.slots[handle]
	return r.inUse && r.exitCode == StatusRunning
}

// ExitCode returns the recorded exit status for the handle: a code >= 0
// once the process has been reaped, StatusRunning while it is alive, or
// StatusError if the handle is invalid or the wait result was
// indeterminate. Terminal values are monotonic: once returned, every later
// call returns the same value until the slot is reused by a new Start.
func (t *Table) ExitCode(handle int) int {
	if !t.validHandle(handle) {
		return StatusError
	}
	t.ReapIfFinished(handle)

	t.mu.Lock()
	defer t.mu.Unlock()
	// The reap above may have been the last piece of the recycling
	// condition if both channels already hit end-of-stream.
	t.maybeRecycleLocked(handle)
	// Deliberately no inUse check: a fully drained slot keeps its final
	// code until reallocated, so callers that finish draining can still
	// collect the status.
	return t.slots[handle].exitCode
}

// Pid returns the OS process id for the handle, or an error if the handle
// is not in use.
func (t *Table) Pid(handle int) (int, error) {
	if !t.validHandle(handle) {
		return 0, ErrInvalidHandle
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	r := &t.slots[handle]
	if !r.inUse {
		return 0, ErrInvalidHandle
	}
	return r.pid, nil
}
