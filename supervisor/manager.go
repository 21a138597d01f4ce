package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	procwrapper "github.com/Mungert69/ProcWrapper"
	"github.com/Mungert69/ProcWrapper/config"
	"github.com/Mungert69/ProcWrapper/webhook"
)

// Manager owns the set of supervised services. It implements
// config.Listener so configuration changes flow straight into running
// state: changed or removed services are stopped, new ones are started or
// scheduled.
type Manager struct {
	table *procwrapper.Table
	log   *zap.SugaredLogger

	services        map[string]*Service
	order           []string // preserves YAML ordering
	cronScheduler   *cron.Cron
	cronEntries     map[string]cron.EntryID
	globalConfig    config.GlobalConfig
	webhookNotifier *webhook.Notifier
	mu              sync.RWMutex

	// Webhook state has its own lock: handleServiceExit runs on a service's
	// drain goroutine, which Stop waits on while holding mu.
	webhookMu   sync.Mutex
	webhookSent map[string]bool // reset on the next success
	webhookWg   sync.WaitGroup
}

// NewManager creates a manager around a shared process table.
func NewManager(table *procwrapper.Table, globalConfig config.GlobalConfig, log *zap.SugaredLogger) *Manager {
	cronScheduler := cron.New()
	cronScheduler.Start()

	return &Manager{
		table:           table,
		log:             log.Named("manager"),
		services:        make(map[string]*Service),
		order:           make([]string, 0),
		cronScheduler:   cronScheduler,
		cronEntries:     make(map[string]cron.EntryID),
		globalConfig:    globalConfig,
		webhookNotifier: webhook.NewNotifier(globalConfig.FailureWebhookURL),
		webhookSent:     make(map[string]bool),
	}
}

// OnServicesUpdated implements config.Listener.
func (m *Manager) OnServicesUpdated(services []config.ServiceConfig, toKill []string) {
	m.log.Infow("services updated", "count", len(services), "toKill", toKill)

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, name := range toKill {
		if svc, exists := m.services[name]; exists {
			m.log.Infow("stopping service", "service", name)
			m.unscheduleService(name)
			if svc.IsRunning() {
				svc.Stop()
			}
			delete(m.services, name)
		}
	}

	newServiceMap := make(map[string]config.ServiceConfig, len(services))
	newOrder := make([]string, 0, len(services))
	for _, svc := range services {
		newServiceMap[svc.Name] = svc
		newOrder = append(newOrder, svc.Name)
	}

	// Drop services no longer present in the config.
	for name := range m.services {
		if _, exists := newServiceMap[name]; !exists {
			m.log.Infow("removing service", "service", name)
			m.unscheduleService(name)
			m.services[name].Stop()
			delete(m.services, name)
		}
	}

	for _, cfg := range services {
		svc, exists := m.services[cfg.Name]
		if exists {
			svc.Config = cfg
			continue
		}

		svc = NewService(cfg, m.table, m.log)
		svc.SetFailureCallback(m.handleServiceExit)
		m.services[cfg.Name] = svc

		if !cfg.IsEnabled() {
			continue
		}
		if cfg.IsScheduled() {
			if err := m.scheduleService(cfg.Name, svc); err != nil {
				m.log.Errorw("failed to schedule service", "service", cfg.Name, "error", err)
			}
		} else {
			if err := svc.Start(); err != nil {
				m.log.Errorw("failed to start service", "service", cfg.Name, "error", err)
			}
		}
	}

	m.order = newOrder
}

// GetGlobalConfig returns the global configuration.
func (m *Manager) GetGlobalConfig() config.GlobalConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.globalConfig
}

// GetService returns a service by name.
func (m *Manager) GetService(name string) (*Service, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	svc, exists := m.services[name]
	if !exists {
		return nil, fmt.Errorf("service %s not found", name)
	}
	return svc, nil
}

// GetAllServices returns all services in config order.
func (m *Manager) GetAllServices() []*Service {
	m.mu.RLock()
	defer m.mu.RUnlock()

	services := make([]*Service, 0, len(m.order))
	for _, name := range m.order {
		if svc, exists := m.services[name]; exists {
			services = append(services, svc)
		}
	}
	return services
}

// StartService starts a service by name.
func (m *Manager) StartService(name string) error {
	svc, err := m.GetService(name)
	if err != nil {
		return err
	}
	return svc.Start()
}

// StopService stops a service by name.
func (m *Manager) StopService(name string) error {
	svc, err := m.GetService(name)
	if err != nil {
		return err
	}
	return svc.Stop()
}

// RestartService restarts a service by name.
func (m *Manager) RestartService(name string) error {
	svc, err := m.GetService(name)
	if err != nil {
		return err
	}
	return svc.Restart()
}

// scheduleService registers a cron entry that starts the service unless
// the previous run is still going (overlap prevention).
func (m *Manager) scheduleService(name string, svc *Service) error {
	m.unscheduleService(name)

	entryID, err := m.cronScheduler.AddFunc(svc.Config.Schedule, func() {
		if svc.IsRunning() {
			svc.WriteStderrLog(fmt.Sprintf("[%s] Scheduled run skipped: previous instance still running\n",
				time.Now().Format("2006-01-02 15:04:05")))
			return
		}
		if err := svc.Start(); err != nil {
			m.log.Errorw("failed to start scheduled service", "service", name, "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("failed to parse cron schedule %q: %w", svc.Config.Schedule, err)
	}

	m.cronEntries[name] = entryID
	m.log.Infow("scheduled service", "service", name, "schedule", svc.Config.Schedule)
	return nil
}

func (m *Manager) unscheduleService(name string) {
	if entryID, exists := m.cronEntries[name]; exists {
		m.cronScheduler.Remove(entryID)
		delete(m.cronEntries, name)
	}
}

// GetNextRunTime returns the next scheduled run for a service.
func (m *Manager) GetNextRunTime(name string) (time.Time, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entryID, exists := m.cronEntries[name]
	if !exists {
		return time.Time{}, false
	}
	return m.cronScheduler.Entry(entryID).Next, true
}

// StopAll stops the scheduler and every service, then waits briefly for
// outstanding webhook deliveries.
func (m *Manager) StopAll() {
	ctx := m.cronScheduler.Stop()
	<-ctx.Done()

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, svc := range m.services {
		svc.Stop()
	}

	done := make(chan struct{})
	go func() {
		m.webhookWg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		m.log.Warnw("timed out waiting for pending webhooks")
	}
}

// handleServiceExit is the per-service exit callback: it resets webhook
// state on success and fires a notification once the consecutive failure
// threshold is crossed.
func (m *Manager) handleServiceExit(serviceName string, consecutiveFailures int, exitCode int) {
	m.webhookMu.Lock()
	defer m.webhookMu.Unlock()

	if exitCode == 0 {
		delete(m.webhookSent, serviceName)
		return
	}

	if !m.webhookNotifier.Enabled() {
		return
	}
	if consecutiveFailures < m.globalConfig.FailureRetries {
		return
	}
	if m.webhookSent[serviceName] {
		return // already notified for this failure streak
	}

	event := webhook.Event{
		ServiceName:  serviceName,
		Timestamp:    time.Now(),
		FailureCount: consecutiveFailures,
		LastExitCode: exitCode,
	}
	if exitCode == procwrapper.ChildLaunchExitCode {
		event.Message = "service binary could not be launched"
	}

	m.webhookWg.Add(1)
	go func() {
		defer m.webhookWg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := m.webhookNotifier.Notify(ctx, event); err != nil {
			m.log.Errorw("failed to send webhook", "service", serviceName, "error", err)
		} else {
			m.log.Infow("webhook sent", "service", serviceName, "failures", consecutiveFailures)
		}
	}()
	m.webhookSent[serviceName] = true
}
