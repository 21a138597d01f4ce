//go:build !windows

package supervisor

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	procwrapper "github.com/Mungert69/ProcWrapper"
	"github.com/Mungert69/ProcWrapper/config"
)

func testService(t *testing.T, cfg config.ServiceConfig) *Service {
	t.Helper()
	// Log files land in ./logs relative to the working directory; keep the
	// test self-contained.
	t.Chdir(t.TempDir())

	table := procwrapper.New(procwrapper.Options{
		Capacity:     8,
		PollInterval: 5 * time.Millisecond,
	})
	return NewService(cfg, table, zap.NewNop().Sugar())
}

func writeScript(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "svc.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+content), 0755))
	return path
}

func waitForExit(t *testing.T, svc *Service) {
	t.Helper()
	require.Eventually(t, func() bool {
		return !svc.IsRunning()
	}, 10*time.Second, 20*time.Millisecond)
}

func TestServiceRunToCompletion(t *testing.T) {
	script := writeScript(t, `echo out-line; echo err-line >&2; exit 0`)
	svc := testService(t, config.ServiceConfig{Name: "oneshot", Command: script})

	exitCh := make(chan int, 1)
	svc.SetFailureCallback(func(name string, failures, code int) {
		exitCh <- code
	})

	require.NoError(t, svc.Start())
	waitForExit(t, svc)

	select {
	case code := <-exitCh:
		assert.Equal(t, 0, code)
	case <-time.After(5 * time.Second):
		t.Fatal("exit callback never fired")
	}

	assert.Contains(t, string(svc.GetStdoutBuffer()), "out-line")
	assert.Contains(t, string(svc.GetStderrBuffer()), "err-line")

	status := svc.GetStatus()
	assert.Equal(t, 0, status.LastExitCode)
	assert.Equal(t, 0, status.ConsecutiveFailures)
}

func TestServiceStop(t *testing.T) {
	script := writeScript(t, `echo started; sleep 60`)
	svc := testService(t, config.ServiceConfig{Name: "longrun", Command: script})

	require.NoError(t, svc.Start())
	require.True(t, svc.IsRunning())

	require.NoError(t, svc.Stop())
	assert.False(t, svc.IsRunning())

	// Output written before the stop survived the kill.
	assert.Contains(t, string(svc.GetStdoutBuffer()), "started")
	// Stopping again is a no-op.
	require.NoError(t, svc.Stop())
}

func TestServiceDoubleStartFails(t *testing.T) {
	script := writeScript(t, `sleep 60`)
	svc := testService(t, config.ServiceConfig{Name: "dup", Command: script})

	require.NoError(t, svc.Start())
	assert.Error(t, svc.Start())
	require.NoError(t, svc.Stop())
}

func TestServiceFailureTracking(t *testing.T) {
	script := writeScript(t, `exit 9`)
	// Scheduled services never auto-restart, which makes failure counting
	// deterministic to observe.
	svc := testService(t, config.ServiceConfig{Name: "flaky", Command: script, Schedule: "@daily"})

	type exit struct{ failures, code int }
	exitCh := make(chan exit, 4)
	svc.SetFailureCallback(func(name string, failures, code int) {
		exitCh <- exit{failures, code}
	})

	require.NoError(t, svc.Start())
	first := <-exitCh
	assert.Equal(t, 1, first.failures)
	assert.Equal(t, 9, first.code)

	require.NoError(t, svc.Restart())
	second := <-exitCh
	assert.Equal(t, 2, second.failures)
}

func TestServiceLaunchFailureReports127(t *testing.T) {
	// An executable file that is not a valid binary and has no shebang:
	// path resolution succeeds, the exec itself fails.
	dir := t.TempDir()
	path := filepath.Join(dir, "garbage-binary")
	require.NoError(t, os.WriteFile(path, []byte{0x00, 0x01, 0x02, 0x03}, 0755))

	svc := testService(t, config.ServiceConfig{Name: "broken", Command: path, Schedule: "@daily"})

	exitCh := make(chan int, 1)
	svc.SetFailureCallback(func(name string, failures, code int) {
		exitCh <- code
	})

	require.NoError(t, svc.Start())

	select {
	case code := <-exitCh:
		assert.Equal(t, procwrapper.ChildLaunchExitCode, code)
		assert.Contains(t, string(svc.GetStderrBuffer()), "exec failed")
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for exit callback")
	}
}

func TestServiceEnvMerging(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("FROM_DOTENV=dotenv\nOVERRIDE=dotenv\n"), 0644))

	script := writeScript(t, `echo "dotenv=$FROM_DOTENV config=$OVERRIDE"`)
	svc := testService(t, config.ServiceConfig{
		Name:    "envy",
		Command: script,
		Workdir: dir,
		Env:     map[string]string{"OVERRIDE": "config"},
		// No schedule: exit 0 means no restart loop either way.
	})

	require.NoError(t, svc.Start())
	waitForExit(t, svc)

	out := string(svc.GetStdoutBuffer())
	assert.True(t, strings.Contains(out, "dotenv=dotenv"), out)
	// Config env wins over .env.
	assert.True(t, strings.Contains(out, "config=config"), out)
}
