package config

import (
	"sync"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/wsdispatch/wsdispatch/internal/catalog"
	"github.com/wsdispatch/wsdispatch/internal/metrics"
)

// Manager serializes configuration mutations, persists them and swaps the
// catalog snapshot. API handlers and the file watcher both go through it.
type Manager struct {
	mu       sync.Mutex
	path     string
	settings *Settings
	handle   *catalog.Handle
	onChange func(*Settings)
}

// NewManager wraps the already-loaded settings. The catalog handle is swapped
// on every successful mutation or reload.
func NewManager(path string, settings *Settings, handle *catalog.Handle) *Manager {
	return &Manager{path: path, settings: settings, handle: handle}
}

// OnChange installs a callback invoked with the new settings after each
// successful mutation or reload. Used to reconcile the outbound pool.
func (m *Manager) OnChange(fn func(*Settings)) {
	m.mu.Lock()
	m.onChange = fn
	m.mu.Unlock()
}

// Current returns a deep copy of the active settings.
func (m *Manager) Current() *Settings {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied, err := cloneSettings(m.settings)
	if err != nil {
		log.Error().Err(err).Msg("Failed to copy settings")
		return DefaultSettings()
	}
	return copied
}

// Update applies mutate to a copy of the settings, validates, persists and
// swaps the catalog. Nothing changes when any step fails.
func (m *Manager) Update(mutate func(*Settings) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	next, err := cloneSettings(m.settings)
	if err != nil {
		return err
	}
	if err := mutate(next); err != nil {
		return err
	}
	if err := next.Validate(); err != nil {
		return err
	}
	if err := Save(m.path, next); err != nil {
		return err
	}
	m.install(next)
	return nil
}

// Reload re-reads the configuration file and swaps the catalog. Called by the
// file watcher and on SIGHUP.
func (m *Manager) Reload() error {
	settings, err := NewLoader(m.path).Load()
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.install(settings)
	log.Info().Str("path", m.path).Msg("Configuration reloaded")
	return nil
}

// install must be called with mu held.
func (m *Manager) install(next *Settings) {
	m.settings = next
	m.handle.Swap(catalog.Build(next.CatalogInput()))
	metrics.Get().RecordConfigReload()
	if m.onChange != nil {
		m.onChange(next)
	}
}

func cloneSettings(s *Settings) (*Settings, error) {
	data, err := yaml.Marshal(s)
	if err != nil {
		return nil, err
	}
	copied := &Settings{}
	if err := yaml.Unmarshal(data, copied); err != nil {
		return nil, err
	}
	return copied, nil
}
