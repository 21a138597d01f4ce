/*
Package procwrapper supervises externally-launched child processes through a
small handle-based boundary: Start a process, Read its stdout and stderr as
incrementally drainable byte streams, query liveness and exit status, and
Stop it with graceful-then-forceful escalation.

A Table holds a fixed number of slots, each tracking one child through its
pid and two non-blocking pipe descriptors. Every operation is a short unit
of work safe to call concurrently from any goroutine; there is no background
worker. Exit detection is a non-blocking reap performed opportunistically by
IsRunning, ExitCode and Stop.

A slot is returned to the free pool only after end-of-stream has been
observed on both output channels AND a terminal exit status has been
recorded. Until then the handle stays valid, which is what lets a caller
finish draining buffered output from a process that has already exited.

Drain is the caller-side polling protocol built on the boundary: it emits
one event per completed output line and returns the exit code exactly once,
never before both channels have fully drained.
*/
package procwrapper
