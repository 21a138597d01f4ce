//go:build !windows

package procwrapper

import (
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// stopPhase models the termination escalation explicitly so the policy
// (signal choice, timeouts) can be exercised step by step in tests.
type stopPhase int

const (
	phaseSignal stopPhase = iota // deliver the graceful signal
	phaseWait                    // bounded poll for the child to exit
	phaseKill                    // forceful signal plus a blocking wait
	phaseConfirmed               // process no longer exists
)

type terminator struct {
	graceful syscall.Signal
	forceful syscall.Signal
	grace    time.Duration
	interval time.Duration
}

// Stop terminates the tracked process: graceful signal first, then after
// the grace period a forceful kill followed by a blocking wait, so the
// process is guaranteed gone before Stop returns. It is idempotent;
// stopping a handle that is already not running succeeds immediately.
// Stop never closes the output channels (buffered output stays readable)
// and never force-recycles the slot.
func (t *Table) Stop(handle int) error {
	if !t.validHandle(handle) {
		return ErrInvalidHandle
	}

	t.mu.Lock()
	r := &t.slots[handle]
	// A pid of zero is a launch still in flight: nothing to signal yet,
	// and kill(0) would hit the whole process group.
	if !r.inUse || r.pid <= 0 || r.exitCode != StatusRunning {
		t.mu.Unlock()
		return nil
	}
	pid := r.pid
	t.mu.Unlock()

	tm := terminator{
		graceful: t.opts.GracefulSignal,
		forceful: t.opts.ForcefulSignal,
		grace:    t.opts.GracePeriod,
		interval: t.opts.TermPollInterval,
	}
	tm.run(t, handle, pid)

	// Opportunistic sweep so zombies from handles nobody polls are
	// collected while we are here anyway.
	t.reapAll()
	return nil
}

func (tm *terminator) run(t *Table, handle, pid int) {
	phase := phaseSignal
	deadline := time.Now().Add(tm.grace)

	for phase != phaseConfirmed {
		switch phase {
		case phaseSignal:
			if err := unix.Kill(pid, tm.graceful); err == unix.ESRCH {
				// Already gone; just make sure the status gets recorded.
				t.ReapIfFinished(handle)
				phase = phaseConfirmed
				break
			}
			t.log.Debugw("sent graceful signal", "handle", handle, "pid", pid, "signal", tm.graceful)
			phase = phaseWait

		case phaseWait:
			t.ReapIfFinished(handle)
			if t.exitRecorded(handle) {
				phase = phaseConfirmed
				break
			}
			if time.Now().After(deadline) {
				phase = phaseKill
				break
			}
			time.Sleep(tm.interval)

		case phaseKill:
			unix.Kill(pid, tm.forceful)
			t.log.Debugw("sent forceful signal", "handle", handle, "pid", pid, "signal", tm.forceful)
			t.awaitExit(handle, pid)
			phase = phaseConfirmed
		}
	}
}

// exitRecorded reports whether the handle's status has gone terminal. A
// slot that was recycled out from under us also counts: recycling requires
// a terminal status, so the process is confirmed gone either way.
func (t *Table) exitRecorded(handle int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	r := &t.slots[handle]
	return !r.inUse || r.exitCode != StatusRunning
}

// awaitExit performs the blocking wait after a forceful kill and records
// the result with the same first-writer-wins discipline as the reaper.
func (t *Table) awaitExit(handle, pid int) {
	var ws unix.WaitStatus
	var wpid int
	var err error
	for {
		wpid, err = unix.Wait4(pid, &ws, 0, nil)
		if err != unix.EINTR {
			break
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	r := &t.slots[handle]
	if !r.inUse || r.exitCode != StatusRunning {
		return
	}
	if err == unix.ECHILD {
		// A concurrent reaper consumed the zombie and will record the
		// status it saw; writing StatusError here would beat it to the
		// first-writer slot with a worse answer.
		return
	}
	if err != nil || wpid != pid {
		r.exitCode = StatusError
		return
	}
	r.exitCode = exitCodeFromStatus(ws)
	t.log.Debugw("process killed", "handle", handle, "pid", pid, "exitCode", r.exitCode)
}
