//go:build !windows

package procwrapper

import (
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStopGraceful(t *testing.T) {
	tbl := newTestTable(t, Options{Capacity: 4})
	h, err := tbl.Start("/bin/sleep", []string{"sleep", "30"})
	require.NoError(t, err)
	require.True(t, tbl.IsRunning(h))

	start := time.Now()
	require.NoError(t, tbl.Stop(h))

	// sleep does not catch SIGTERM, so the graceful phase is enough and
	// the forced-kill window is never entered.
	assert.Less(t, time.Since(start), 3*time.Second)
	assert.False(t, tbl.IsRunning(h))
	assert.Equal(t, 128+int(syscall.SIGTERM), tbl.ExitCode(h))

	drainAll(t, tbl, h)
}

func TestStopEscalatesToKill(t *testing.T) {
	tbl := newTestTable(t, Options{
		Capacity:         4,
		GracePeriod:      200 * time.Millisecond,
		TermPollInterval: 20 * time.Millisecond,
	})
	// The child ignores the graceful signal, forcing escalation.
	h := startShell(t, tbl, `trap '' TERM; sleep 30`)
	require.True(t, tbl.IsRunning(h))

	require.NoError(t, tbl.Stop(h))
	assert.False(t, tbl.IsRunning(h))
	assert.Equal(t, 128+int(syscall.SIGKILL), tbl.ExitCode(h))

	drainAll(t, tbl, h)
}

func TestStopIdempotent(t *testing.T) {
	tbl := newTestTable(t, Options{Capacity: 4})
	h := startShell(t, tbl, "sleep 30")

	require.NoError(t, tbl.Stop(h))
	require.NoError(t, tbl.Stop(h))

	// Stopping a naturally exited process also succeeds.
	h2 := startShell(t, tbl, "exit 0")
	require.Eventually(t, func() bool {
		return !tbl.IsRunning(h2)
	}, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, tbl.Stop(h2))
	require.NoError(t, tbl.Stop(h2))

	drainAll(t, tbl, h)
	drainAll(t, tbl, h2)
}

func TestStopDoesNotCloseChannels(t *testing.T) {
	tbl := newTestTable(t, Options{Capacity: 4})
	// Output written before the stop must survive it.
	h := startShell(t, tbl, `echo before-stop; sleep 30`)

	// Give the shell a moment to write.
	require.Eventually(t, func() bool {
		return tbl.IsRunning(h)
	}, 5*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, tbl.Stop(h))

	stdout, _, code := drainAll(t, tbl, h)
	assert.Contains(t, stdout, "before-stop")
	assert.Greater(t, code, 128)
}

func TestStopRacingStatusPollers(t *testing.T) {
	tbl := newTestTable(t, Options{
		Capacity:         4,
		GracePeriod:      50 * time.Millisecond,
		TermPollInterval: 10 * time.Millisecond,
	})

	// Hammer ExitCode while Stop escalates, so the nonblocking reaper and
	// the blocking waiter race for the zombie. Whoever consumes it must be
	// the one that records the status; the loser may not write StatusError.
	for i := 0; i < 10; i++ {
		h := startShell(t, tbl, `trap '' TERM; sleep 30`)

		done := make(chan struct{})
		go func() {
			for {
				select {
				case <-done:
					return
				default:
					tbl.ExitCode(h)
				}
			}
		}()

		require.NoError(t, tbl.Stop(h))
		close(done)

		assert.Equal(t, 128+int(syscall.SIGKILL), tbl.ExitCode(h))
		drainAll(t, tbl, h)
	}
}

func TestCustomSignals(t *testing.T) {
	tbl := newTestTable(t, Options{
		Capacity:       4,
		GracefulSignal: syscall.SIGINT,
	})
	h, err := tbl.Start("/bin/sleep", []string{"sleep", "30"})
	require.NoError(t, err)

	require.NoError(t, tbl.Stop(h))
	assert.Equal(t, 128+int(syscall.SIGINT), tbl.ExitCode(h))
	drainAll(t, tbl, h)
}
