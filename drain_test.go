//go:build !windows

package procwrapper

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDrainHello(t *testing.T) {
	tbl := newTestTable(t, Options{Capacity: 4})
	h := startShell(t, tbl, "echo hello")

	stdout, stderr, code := drainAll(t, tbl, h)
	assert.Equal(t, []string{"hello"}, stdout)
	assert.Empty(t, stderr)
	assert.Equal(t, 0, code)
}

func TestDrainLaunchFailure(t *testing.T) {
	tbl := newTestTable(t, Options{Capacity: 4})
	h, err := tbl.Start("/definitely/not/a/real/binary", nil)
	require.NoError(t, err)
	require.GreaterOrEqual(t, h, 0)

	assert.False(t, tbl.IsRunning(h))

	stdout, stderr, code := drainAll(t, tbl, h)
	assert.Empty(t, stdout)
	require.Len(t, stderr, 1)
	assert.Contains(t, stderr[0], "exec failed")
	assert.Equal(t, ChildLaunchExitCode, code)
}

func TestDrainCompleteness(t *testing.T) {
	tbl := newTestTable(t, Options{Capacity: 4})
	// Three stdout lines, the last without a terminating newline, plus one
	// stderr line. Every byte must be delivered before the drain finishes.
	h := startShell(t, tbl, `printf 'alpha\nbeta\ngamma'; printf 'oops\n' >&2`)

	stdout, stderr, code := drainAll(t, tbl, h)
	assert.Equal(t, []string{"alpha", "beta", "gamma"}, stdout)
	assert.Equal(t, []string{"oops"}, stderr)
	assert.Equal(t, 0, code)
}

func TestDrainTrimsCarriageReturn(t *testing.T) {
	tbl := newTestTable(t, Options{Capacity: 4})
	h := startShell(t, tbl, `printf 'windows line\r\nplain line\n'`)

	stdout, _, code := drainAll(t, tbl, h)
	assert.Equal(t, []string{"windows line", "plain line"}, stdout)
	assert.Equal(t, 0, code)
}

func TestDrainSlowProducer(t *testing.T) {
	tbl := newTestTable(t, Options{Capacity: 4})
	// Output arrives in bursts with the process alive in between; the
	// drain must keep polling rather than mistake an empty pipe for EOF.
	h := startShell(t, tbl, `echo one; sleep 0.2; echo two; sleep 0.2; echo three; exit 5`)

	stdout, _, code := drainAll(t, tbl, h)
	assert.Equal(t, []string{"one", "two", "three"}, stdout)
	assert.Equal(t, 5, code)
}

func TestDrainLargeOutput(t *testing.T) {
	tbl := newTestTable(t, Options{Capacity: 4, ReadBufferSize: 512})
	// Well past the pipe buffer, so the child blocks until the drain makes
	// room. Verifies output lives in the pipe independent of lifetime.
	h := startShell(t, tbl, `i=0; while [ $i -lt 10000 ]; do echo "line $i"; i=$((i+1)); done`)

	stdout, _, code := drainAll(t, tbl, h)
	require.Len(t, stdout, 10000)
	assert.Equal(t, "line 0", stdout[0])
	assert.Equal(t, "line 9999", stdout[9999])
	assert.Equal(t, 0, code)
}

func TestDrainCancel(t *testing.T) {
	tbl := newTestTable(t, Options{Capacity: 4})
	h := startShell(t, tbl, "sleep 30")

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := tbl.Drain(ctx, h, nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// Abandoning the drain does not release anything; the handle is still
	// live and an explicit Stop is required.
	assert.True(t, tbl.IsRunning(h))
	require.NoError(t, tbl.Stop(h))
	_, _, code := drainAll(t, tbl, h)
	assert.Greater(t, code, 128)
}

func TestDrainReleasesSlotWithLingeringGrandchild(t *testing.T) {
	tbl := newTestTable(t, Options{Capacity: 1})
	// The background child inherits the pipe write ends and keeps them open
	// long past the parent's exit, so end-of-stream is never observed.
	h := startShell(t, tbl, `echo parting; sleep 5 & exit 7`)

	stdout, _, code := drainAll(t, tbl, h)
	assert.Equal(t, []string{"parting"}, stdout)
	assert.Equal(t, 7, code)

	// The slot was still released even though the pipes never hit EOF.
	h2 := startShell(t, tbl, "exit 0")
	assert.Equal(t, h, h2)
	drainAll(t, tbl, h2)
}

func TestDrainDeliversExitAfterLateOutput(t *testing.T) {
	tbl := newTestTable(t, Options{Capacity: 4})
	// The subshell exits while the pipe still holds its final write; a
	// naive "exit observed means done" loop would truncate it.
	h := startShell(t, tbl, `printf 'last words'; exit 2`)

	var got []string
	ctx := context.Background()
	code, err := tbl.Drain(ctx, h, func(s Stream, line string) {
		got = append(got, s.String()+":"+line)
	})
	require.NoError(t, err)
	assert.Equal(t, 2, code)
	require.Len(t, got, 1)
	assert.True(t, strings.HasPrefix(got[0], "stdout:last words"), got[0])
}
