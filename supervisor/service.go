// Package supervisor runs named, configured services on top of the process
// table: restart policy, cron scheduling, log capture and failure
// notifications.
package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/shlex"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	procwrapper "github.com/Mungert69/ProcWrapper"
	"github.com/Mungert69/ProcWrapper/config"
)

const (
	logBufferSize = 10 * 1024 // 10KB ring buffer per stream
	restartDelay  = 5 * time.Second
)

// FailureCallback is called on every service exit with the failure count.
type FailureCallback func(serviceName string, consecutiveFailures int, exitCode int)

// Service is one managed service instance. Its process lifecycle runs
// through a procwrapper.Table handle; the drain goroutine owns the handle
// from launch until the slot is fully drained and recycled.
type Service struct {
	Config config.ServiceConfig

	table *procwrapper.Table
	log   *zap.SugaredLogger

	handle    int
	running   bool
	pid       int
	startTime time.Time
	restarts  int

	lastRunTime  time.Time
	lastExitCode int
	lastDuration time.Duration

	consecutiveFailures int
	failureCallback     FailureCallback

	stdoutBuf *CircularBuffer
	stderrBuf *CircularBuffer

	stdoutFile *os.File
	stderrFile *os.File

	stdoutBroadcast *Broadcaster
	stderrBroadcast *Broadcaster

	mu        sync.RWMutex
	stopChan  chan struct{}
	stopOnce  sync.Once
	drainDone chan struct{}
}

// NewService creates a service around the shared process table.
func NewService(cfg config.ServiceConfig, table *procwrapper.Table, log *zap.SugaredLogger) *Service {
	svc := &Service{
		Config:          cfg,
		table:           table,
		log:             log.Named(cfg.Name),
		handle:          -1,
		stdoutBuf:       NewCircularBuffer(logBufferSize),
		stderrBuf:       NewCircularBuffer(logBufferSize),
		stdoutBroadcast: NewBroadcaster(),
		stderrBroadcast: NewBroadcaster(),
		stopChan:        make(chan struct{}),
	}
	svc.loadExistingLogs()
	return svc
}

// SetFailureCallback sets the callback invoked on every service exit.
func (s *Service) SetFailureCallback(callback FailureCallback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failureCallback = callback
}

// Start launches the service process and begins draining its output.
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("service %s is already running", s.Config.Name)
	}

	if err := s.openLogFiles(); err != nil {
		return err
	}

	parts, err := shlex.Split(s.Config.Command)
	if err != nil {
		s.closeLogFiles()
		return fmt.Errorf("failed to parse command: %w", err)
	}
	if len(parts) == 0 {
		s.closeLogFiles()
		return fmt.Errorf("empty command")
	}
	argv := append(parts, s.Config.Args...)

	// Executable resolution is outside the table's contract; PATH lookup
	// happens here and the table gets a fully qualified path.
	path, err := exec.LookPath(argv[0])
	if err != nil {
		s.closeLogFiles()
		return fmt.Errorf("failed to resolve command %q: %w", argv[0], err)
	}

	env, err := s.buildEnv()
	if err != nil {
		s.closeLogFiles()
		return err
	}

	handle, err := s.table.StartCommand(procwrapper.Command{
		Path: path,
		Args: argv,
		Env:  env,
		Dir:  s.Config.Workdir,
	})
	if err != nil {
		s.closeLogFiles()
		return fmt.Errorf("failed to start service %s: %w", s.Config.Name, err)
	}

	pid, _ := s.table.Pid(handle)
	s.handle = handle
	s.running = true
	s.pid = pid
	s.startTime = time.Now()
	s.drainDone = make(chan struct{})

	kind := "continuous"
	if s.Config.IsScheduled() {
		kind = "scheduled"
	}
	s.logServiceEvent(fmt.Sprintf("Starting %s service '%s' (PID: %d)", kind, s.Config.Name, pid))

	// The stop channel is captured here: a later Restart swaps in a fresh
	// one, and this run must keep honoring its own.
	go s.drain(handle, s.startTime, s.drainDone, s.stopChan)

	return nil
}

// buildEnv merges the OS environment, an optional .env file in the working
// directory, and the config-level env map, in increasing precedence.
func (s *Service) buildEnv() ([]string, error) {
	envMap := make(map[string]string)
	for _, env := range os.Environ() {
		if idx := strings.Index(env, "="); idx > 0 {
			envMap[env[:idx]] = env[idx+1:]
		}
	}

	if s.Config.Workdir != "" {
		dotenvPath := filepath.Join(s.Config.Workdir, ".env")
		if _, err := os.Stat(dotenvPath); err == nil {
			dotenvVars, err := godotenv.Read(dotenvPath)
			if err != nil {
				return nil, fmt.Errorf("failed to parse .env file: %w", err)
			}
			for k, v := range dotenvVars {
				envMap[k] = v
			}
			s.logServiceEvent(fmt.Sprintf("Loaded %d environment variables from .env file", len(dotenvVars)))
		}
	}

	for k, v := range s.Config.Env {
		envMap[k] = v
	}

	env := make([]string, 0, len(envMap))
	for k, v := range envMap {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	return env, nil
}

// drain pumps the process's output into the log sinks until the handle is
// fully drained, then applies the restart policy. It is the only reader of
// the handle's output channels.
func (s *Service) drain(handle int, started time.Time, done, stop chan struct{}) {
	defer close(done)

	code, err := s.table.Drain(context.Background(), handle, func(stream procwrapper.Stream, line string) {
		s.emitLine(stream, line+"\n")
	})
	duration := time.Since(started)
	if err != nil {
		s.log.Errorw("drain failed", "error", err)
		code = procwrapper.StatusError
	}

	s.mu.Lock()
	s.running = false
	s.pid = 0
	s.handle = -1
	s.lastRunTime = started
	s.lastExitCode = code
	s.lastDuration = duration

	s.logServiceEvent(fmt.Sprintf("Service '%s' exited with code %d (duration: %v)",
		s.Config.Name, code, duration.Round(time.Millisecond)))
	s.closeLogFiles()

	if code == 0 {
		s.consecutiveFailures = 0
	} else {
		s.consecutiveFailures++
	}

	callback := s.failureCallback
	consecutiveFailures := s.consecutiveFailures
	s.mu.Unlock()

	if callback != nil {
		callback(s.Config.Name, consecutiveFailures, code)
	}

	// Scheduled services are re-run by the cron scheduler, and a clean
	// exit means the service is done.
	if s.Config.IsScheduled() || code == 0 {
		return
	}

	select {
	case <-stop:
		// Stopped intentionally, don't restart.
		return
	default:
	}

	for {
		s.mu.RLock()
		enabled := s.Config.IsEnabled()
		s.mu.RUnlock()
		if !enabled {
			s.log.Infow("service disabled, not restarting")
			return
		}

		s.log.Warnw("service exited, restarting", "exitCode", code, "delay", restartDelay)

		select {
		case <-time.After(restartDelay):
		case <-stop:
			return
		}

		s.mu.Lock()
		s.restarts++
		s.mu.Unlock()

		if err := s.Start(); err != nil {
			s.log.Errorw("failed to restart service", "error", err)
			// Loop retries after another delay.
		} else {
			return
		}
	}
}

// emitLine delivers one line (already newline-terminated) to the log file,
// the ring buffer and the live subscribers for the given stream.
func (s *Service) emitLine(stream procwrapper.Stream, line string) {
	s.mu.RLock()
	file := s.stdoutFile
	buf := s.stdoutBuf
	broadcast := s.stdoutBroadcast
	if stream == procwrapper.Stderr {
		file = s.stderrFile
		buf = s.stderrBuf
		broadcast = s.stderrBroadcast
	}
	s.mu.RUnlock()

	if file != nil {
		file.WriteString(line)
	}
	buf.Write([]byte(line))
	broadcast.Broadcast(line)
}

// Stop terminates the service process and waits for its output to drain.
// It also disarms the auto-restart loop.
func (s *Service) Stop() error {
	s.mu.Lock()

	s.stopOnce.Do(func() {
		close(s.stopChan)
	})

	if !s.running {
		s.mu.Unlock()
		return nil
	}

	handle := s.handle
	done := s.drainDone
	s.logServiceEvent(fmt.Sprintf("Stopping service '%s' (PID: %d)", s.Config.Name, s.pid))
	s.mu.Unlock()

	if err := s.table.Stop(handle); err != nil {
		return fmt.Errorf("failed to stop process: %w", err)
	}

	// Killing the process closes its pipes, so the drain goroutine winds
	// down on its own shortly after.
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		s.log.Warnw("timed out waiting for output drain")
	}

	return nil
}

// Restart stops and then starts the service.
func (s *Service) Restart() error {
	if err := s.Stop(); err != nil && s.IsRunning() {
		return err
	}

	time.Sleep(100 * time.Millisecond)

	s.mu.Lock()
	s.stopChan = make(chan struct{})
	s.stopOnce = sync.Once{}
	s.mu.Unlock()

	return s.Start()
}

// IsRunning returns whether the service process is running.
func (s *Service) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Status is a point-in-time snapshot of the service state.
type Status struct {
	Name                string        `json:"name"`
	Running             bool          `json:"running"`
	PID                 int           `json:"pid"`
	Uptime              time.Duration `json:"uptime"`
	Restarts            int           `json:"restarts"`
	LastRunTime         *time.Time    `json:"lastRunTime,omitempty"`
	LastExitCode        int           `json:"lastExitCode"`
	LastDuration        time.Duration `json:"lastDuration"`
	ConsecutiveFailures int           `json:"consecutiveFailures"`
}

// GetStatus returns the current service status.
func (s *Service) GetStatus() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var uptime time.Duration
	if s.running {
		uptime = time.Since(s.startTime)
	}

	var lastRunTime *time.Time
	if !s.lastRunTime.IsZero() {
		lastRunTime = &s.lastRunTime
	}

	return Status{
		Name:                s.Config.Name,
		Running:             s.running,
		PID:                 s.pid,
		Uptime:              uptime,
		Restarts:            s.restarts,
		LastRunTime:         lastRunTime,
		LastExitCode:        s.lastExitCode,
		LastDuration:        s.lastDuration,
		ConsecutiveFailures: s.consecutiveFailures,
	}
}

// GetStdoutBuffer returns the buffered stdout history.
func (s *Service) GetStdoutBuffer() []byte { return s.stdoutBuf.Read() }

// GetStderrBuffer returns the buffered stderr history.
func (s *Service) GetStderrBuffer() []byte { return s.stderrBuf.Read() }

// SubscribeStdout subscribes to live stdout lines.
func (s *Service) SubscribeStdout() chan string { return s.stdoutBroadcast.Subscribe() }

// SubscribeStderr subscribes to live stderr lines.
func (s *Service) SubscribeStderr() chan string { return s.stderrBroadcast.Subscribe() }

// UnsubscribeStdout removes a stdout subscription.
func (s *Service) UnsubscribeStdout(ch chan string) { s.stdoutBroadcast.Unsubscribe(ch) }

// UnsubscribeStderr removes a stderr subscription.
func (s *Service) UnsubscribeStderr(ch chan string) { s.stderrBroadcast.Unsubscribe(ch) }

// WriteStderrLog injects a supervisor message into the stderr log stream.
func (s *Service) WriteStderrLog(msg string) {
	s.emitLine(procwrapper.Stderr, msg)
}

// logServiceEvent writes a supervisor event into both log streams so it
// shows up next to the process output it relates to.
func (s *Service) logServiceEvent(message string) {
	timestamp := time.Now().Format("2006-01-02 15:04:05")
	logMsg := fmt.Sprintf("[supervisor][%s] %s\n", timestamp, message)

	for _, pair := range []struct {
		file      *os.File
		buf       *CircularBuffer
		broadcast *Broadcaster
	}{
		{s.stdoutFile, s.stdoutBuf, s.stdoutBroadcast},
		{s.stderrFile, s.stderrBuf, s.stderrBroadcast},
	} {
		if pair.file != nil {
			pair.file.WriteString(logMsg)
		}
		pair.buf.Write([]byte(logMsg))
		pair.broadcast.Broadcast(logMsg)
	}
}

func (s *Service) openLogFiles() error {
	if err := os.MkdirAll("logs", 0755); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}

	stdoutPath := filepath.Join("logs", fmt.Sprintf("%s-stdout.log", s.Config.Name))
	stderrPath := filepath.Join("logs", fmt.Sprintf("%s-stderr.log", s.Config.Name))

	var err error
	s.stdoutFile, err = os.OpenFile(stdoutPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open stdout log file: %w", err)
	}
	s.stderrFile, err = os.OpenFile(stderrPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		s.stdoutFile.Close()
		return fmt.Errorf("failed to open stderr log file: %w", err)
	}
	return nil
}

func (s *Service) closeLogFiles() {
	if s.stdoutFile != nil {
		s.stdoutFile.Close()
		s.stdoutFile = nil
	}
	if s.stderrFile != nil {
		s.stderrFile.Close()
		s.stderrFile = nil
	}
}

// loadExistingLogs seeds the ring buffers with the tail of any log files
// left over from a previous run.
func (s *Service) loadExistingLogs() {
	s.loadLogTail(filepath.Join("logs", fmt.Sprintf("%s-stdout.log", s.Config.Name)), s.stdoutBuf)
	s.loadLogTail(filepath.Join("logs", fmt.Sprintf("%s-stderr.log", s.Config.Name)), s.stderrBuf)
}

func (s *Service) loadLogTail(path string, buf *CircularBuffer) {
	file, err := os.Open(path)
	if err != nil {
		return
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil || stat.Size() == 0 {
		return
	}

	readSize := int64(logBufferSize)
	offset := int64(0)
	if stat.Size() > readSize {
		offset = stat.Size() - readSize
	} else {
		readSize = stat.Size()
	}

	if _, err := file.Seek(offset, 0); err != nil {
		return
	}
	data := make([]byte, readSize)
	if n, err := file.Read(data); err == nil && n > 0 {
		buf.Write(data[:n])
	}
}
