// Package config loads the supervisor's services.yaml and watches it for
// changes.
package config

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"reflect"
	"sync"
	"time"

	"github.com/goccy/go-yaml"
)

// GlobalConfig holds supervisor-wide settings.
type GlobalConfig struct {
	Host              string `yaml:"host,omitempty"`
	Port              int    `yaml:"port,omitempty"`
	FailureWebhookURL string `yaml:"failure_webhook_url,omitempty"`
	FailureRetries    int    `yaml:"failure_retries,omitempty"` // consecutive failures before a webhook fires
	Authorization     string `yaml:"authorization,omitempty"`   // BasicAuth credentials as "username:password"
}

// ServiceConfig describes one supervised service.
type ServiceConfig struct {
	Name     string            `yaml:"name"`
	Command  string            `yaml:"command"`
	Args     []string          `yaml:"args,omitempty"`
	Workdir  string            `yaml:"workdir,omitempty"`
	Env      map[string]string `yaml:"env,omitempty"`
	Enabled  *bool             `yaml:"enabled,omitempty"`  // nil means enabled
	Schedule string            `yaml:"schedule,omitempty"` // cron expression; empty = continuous service
}

// IsEnabled returns true unless the service is explicitly disabled.
func (sc *ServiceConfig) IsEnabled() bool {
	return sc.Enabled == nil || *sc.Enabled
}

// IsScheduled returns true if the service runs on a cron schedule.
func (sc *ServiceConfig) IsScheduled() bool {
	return sc.Schedule != ""
}

// RootConfig is the full services.yaml shape: global settings inline at the
// top level plus the service list.
type RootConfig struct {
	GlobalConfig `yaml:",inline"`
	Services     []ServiceConfig `yaml:"services"`
}

func (rc *RootConfig) applyDefaults() {
	if rc.Host == "" {
		rc.Host = "127.0.0.1"
	}
	if rc.Port == 0 {
		rc.Port = 4321
	}
	if rc.FailureRetries == 0 {
		rc.FailureRetries = 3
	}
}

// Load reads and parses a services.yaml file. A missing file yields an
// empty config with defaults applied.
func Load(path string) (*RootConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			root := &RootConfig{}
			root.applyDefaults()
			return root, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses YAML config bytes.
func Parse(data []byte) (*RootConfig, error) {
	var root RootConfig
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	seen := make(map[string]bool, len(root.Services))
	for _, svc := range root.Services {
		if svc.Name == "" {
			return nil, fmt.Errorf("service with empty name")
		}
		if svc.Command == "" {
			return nil, fmt.Errorf("service %s has no command", svc.Name)
		}
		if seen[svc.Name] {
			return nil, fmt.Errorf("duplicate service name %s", svc.Name)
		}
		seen[svc.Name] = true
	}
	root.applyDefaults()
	return &root, nil
}

// Listener receives notifications when the service list changes.
type Listener interface {
	// OnServicesUpdated is called with the complete ordered service list
	// and the names of services whose definition changed or disappeared
	// and therefore must be stopped before the new list is applied.
	OnServicesUpdated(services []ServiceConfig, toKill []string)
}

// Manager watches a services.yaml file and notifies a listener of changes.
// Change detection is polling-based (mtime plus content checksum) so it
// works on every filesystem.
type Manager struct {
	path          string
	checkInterval time.Duration

	mu           sync.RWMutex
	services     []ServiceConfig
	global       GlobalConfig
	lastChecksum string

	stopOnce sync.Once
	stopChan chan struct{}
}

// NewManager creates a config manager for the given path.
func NewManager(path string) *Manager {
	return &Manager{
		path:          path,
		checkInterval: 2 * time.Second,
		stopChan:      make(chan struct{}),
	}
}

// Global returns the last loaded global settings.
func (m *Manager) Global() GlobalConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.global
}

// Services returns the last loaded service list.
func (m *Manager) Services() []ServiceConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ServiceConfig, len(m.services))
	copy(out, m.services)
	return out
}

// StartWatching loads the initial configuration, emits it to the listener,
// and then watches the file for changes until ctx is cancelled or Stop is
// called.
func (m *Manager) StartWatching(ctx context.Context, listener Listener) error {
	if err := m.reload(listener); err != nil {
		return err
	}
	go m.watch(ctx, listener)
	return nil
}

// Stop terminates the watch loop.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopChan) })
}

func (m *Manager) watch(ctx context.Context, listener Listener) {
	ticker := time.NewTicker(m.checkInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopChan:
			return
		case <-ticker.C:
			// A reload failure leaves the last good config active.
			m.reload(listener)
		}
	}
}

func (m *Manager) reload(listener Listener) error {
	data, err := os.ReadFile(m.path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	sum := sha256.Sum256(data)
	checksum := hex.EncodeToString(sum[:])

	m.mu.RLock()
	unchanged := checksum == m.lastChecksum
	m.mu.RUnlock()
	if unchanged {
		return nil
	}

	root := &RootConfig{}
	if len(data) > 0 {
		root, err = Parse(data)
		if err != nil {
			return err
		}
	} else {
		root.applyDefaults()
	}

	m.mu.Lock()
	old := m.services
	m.services = root.Services
	m.global = root.GlobalConfig
	m.lastChecksum = checksum
	m.mu.Unlock()

	listener.OnServicesUpdated(root.Services, changedServices(old, root.Services))
	return nil
}

// changedServices returns the names of services that were removed or whose
// definition changed between the two lists. Those must be stopped before
// the new definitions take effect.
func changedServices(old, updated []ServiceConfig) []string {
	byName := make(map[string]ServiceConfig, len(updated))
	for _, svc := range updated {
		byName[svc.Name] = svc
	}

	var toKill []string
	for _, prev := range old {
		cur, exists := byName[prev.Name]
		if !exists || !reflect.DeepEqual(prev, cur) {
			toKill = append(toKill, prev.Name)
		}
	}
	return toKill
}
