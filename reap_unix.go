//go:build !windows

package procwrapper

import (
	"golang.org/x/sys/unix"
)

// exitCodeFromStatus maps a wait status to the exit code convention used
// throughout the table: real code for a normal exit, 128+signal for a
// signal death, StatusError for anything indeterminate.
func exitCodeFromStatus(ws unix.WaitStatus) int {
	switch {
	case ws.Exited():
		return ws.ExitStatus()
	case ws.Signaled():
		return 128 + int(ws.Signal())
	default:
		return StatusError
	}
}

// ReapIfFinished collects the child's termination status if it has exited,
// without blocking. It only ever records the exit status: channels are
// closed by Read on end-of-stream, and the slot is freed lazily by the
// read that observes the final closing condition.
func (t *Table) ReapIfFinished(handle int) {
	if !t.validHandle(handle) {
		return
	}

	// Fast check before the syscall: a terminal status never changes, so
	// there is nothing left to do and no reason to hit the kernel. A pid
	// of zero means the slot is claimed by a launch still in flight;
	// waiting on pid 0 would collect any child in the process group and
	// steal another handle's exit status.
	t.mu.Lock()
	r := &t.slots[handle]
	if !r.inUse || r.pid <= 0 || r.exitCode != StatusRunning {
		t.mu.Unlock()
		return
	}
	pid := r.pid
	t.mu.Unlock()

	var ws unix.WaitStatus
	wpid, err := unix.Wait4(pid, &ws, unix.WNOHANG, nil)

	t.mu.Lock()
	defer t.mu.Unlock()
	// Another goroutine may have finalized the same handle while we were
	// between locks; the first writer wins and we must not overwrite.
	if !r.inUse || r.exitCode != StatusRunning {
		return
	}
	switch {
	case err == unix.ECHILD:
		// Another waiter consumed the status and will record what it saw.
	case err != nil:
		r.exitCode = StatusError
		t.log.Debugw("reap failed", "handle", handle, "pid", pid, "error", err)
	case wpid == pid:
		r.exitCode = exitCodeFromStatus(ws)
		t.log.Debugw("process reaped", "handle", handle, "pid", pid, "exitCode", r.exitCode)
	}
	// wpid == 0: still running, leave the record untouched.
}

// reapAll sweeps every slot so zombies from handles nobody is polling do
// not accumulate.
func (t *Table) reapAll() {
	for i := 0; i < len(t.slots); i++ {
		t.ReapIfFinished(i)
	}
}
