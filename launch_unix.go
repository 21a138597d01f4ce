//go:build !windows

package procwrapper

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Command describes a child process to launch. Path must be a fully
// qualified executable path; resolution (PATH lookup, loader selection) is
// the caller's concern.
type Command struct {
	Path string
	Args []string // argv, conventionally Args[0] == Path; defaults to {Path}
	Env  []string // nil inherits the parent environment
	Dir  string   // working directory, empty inherits
}

// Start launches path with the given argv and returns a table handle.
// It fails only for resource-class problems (no free slot, pipe or process
// creation refused); a path that cannot be executed still yields a valid
// handle whose process reports a diagnostic line on stderr and exit status
// ChildLaunchExitCode, matching what a fork/exec child would do.
func (t *Table) Start(path string, argv []string) (int, error) {
	return t.StartCommand(Command{Path: path, Args: argv})
}

// StartCommand is Start with environment and working-directory control.
func (t *Table) StartCommand(cmd Command) (int, error) {
	if cmd.Path == "" {
		return -1, fmt.Errorf("start: empty path")
	}
	argv := cmd.Args
	if len(argv) == 0 {
		argv = []string{cmd.Path}
	}

	handle, err := t.allocate()
	if err != nil {
		return -1, err
	}

	var outPipe, errPipe [2]int
	if err := unix.Pipe(outPipe[:]); err != nil {
		t.release(handle)
		return -1, fmt.Errorf("%w: stdout pipe: %v", ErrResourceExhausted, err)
	}
	if err := unix.Pipe(errPipe[:]); err != nil {
		unix.Close(outPipe[0])
		unix.Close(outPipe[1])
		t.release(handle)
		return -1, fmt.Errorf("%w: stderr pipe: %v", ErrResourceExhausted, err)
	}

	// The parent never blocks on these.
	unix.SetNonblock(outPipe[0], true)
	unix.SetNonblock(errPipe[0], true)

	outW := os.NewFile(uintptr(outPipe[1]), "|stdout")
	errW := os.NewFile(uintptr(errPipe[1]), "|stderr")

	proc, startErr := os.StartProcess(cmd.Path, argv, &os.ProcAttr{
		Dir:   cmd.Dir,
		Env:   cmd.Env,
		Files: []*os.File{os.Stdin, outW, errW},
	})

	if startErr != nil {
		// The exec stage failed before a child existed. Report it the way
		// the child itself would: a diagnostic on the stderr channel and a
		// reserved exit status, observable through the normal drain path.
		fmt.Fprintf(errW, "exec failed: %v path=%s\n", startErr, cmd.Path)
		outW.Close()
		errW.Close()

		t.mu.Lock()
		r := &t.slots[handle]
		r.pid = -1
		r.stdoutFD = outPipe[0]
		r.stderrFD = errPipe[0]
		r.exitCode = ChildLaunchExitCode
		t.mu.Unlock()

		t.log.Debugw("launch failed", "handle", handle, "path", cmd.Path, "error", startErr)
		return handle, nil
	}

	// Child owns the write ends now.
	outW.Close()
	errW.Close()

	t.mu.Lock()
	r := &t.slots[handle]
	r.pid = proc.Pid
	r.stdoutFD = outPipe[0]
	r.stderrFD = errPipe[0]
	r.exitCode = StatusRunning
	t.mu.Unlock()

	// Detach the os.Process wrapper; the table reaps with Wait4 itself and
	// must not race a finalizer-driven wait.
	proc.Release()

	t.log.Debugw("process started", "handle", handle, "pid", proc.Pid, "path", cmd.Path)
	return handle, nil
}
