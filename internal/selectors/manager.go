package selectors

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// ReloadStats contains statistics about selector reloads.
type ReloadStats struct {
	LastReloadTime time.Time `json:"lastReloadTime,omitempty"`
	ReloadCount    int64     `json:"reloadCount"`
	LastError      string    `json:"lastError,omitempty"`
}

// Manager serves the embedded selectors, optionally overridden by an external
// file that can be watched for changes. Reads are lock-free.
type Manager struct {
	embedded     *Selectors
	current      atomic.Value // *Selectors
	externalPath string
	watcher      *fsnotify.Watcher
	stopCh       chan struct{}
	wg           sync.WaitGroup
	mu           sync.Mutex
	stats        ReloadStats
	closed       bool
}

// NewManager creates a Manager. With an empty externalPath only the embedded
// selectors are used. A file that fails to load is logged and the embedded
// selectors stay in effect.
func NewManager(externalPath string, hotReload bool) (*Manager, error) {
	m := &Manager{
		embedded:     Get(),
		externalPath: externalPath,
		stopCh:       make(chan struct{}),
	}
	m.current.Store(m.embedded)

	if externalPath == "" {
		return m, nil
	}

	if err := m.Reload(); err != nil {
		log.Warn().
			Err(err).
			Str("path", externalPath).
			Msg("Failed to load external selectors, using embedded defaults")
	}

	if hotReload {
		if err := m.startWatcher(); err != nil {
			log.Warn().
				Err(err).
				Str("path", externalPath).
				Msg("Failed to start file watcher, hot-reload disabled")
		} else {
			log.Info().Str("path", externalPath).Msg("Hot-reload enabled for selectors file")
		}
	}
	return m, nil
}

// Get returns the current Selectors.
func (m *Manager) Get() *Selectors {
	return m.current.Load().(*Selectors)
}

// Reload re-reads the external file. On failure the previous selectors remain.
func (m *Manager) Reload() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.externalPath == "" {
		return fmt.Errorf("no external selectors path configured")
	}

	data, err := os.ReadFile(m.externalPath)
	if err != nil {
		m.stats.LastError = err.Error()
		return fmt.Errorf("failed to read selectors file: %w", err)
	}
	sel, err := parseAndValidate(data)
	if err != nil {
		m.stats.LastError = err.Error()
		return fmt.Errorf("failed to parse selectors file: %w", err)
	}

	m.current.Store(merge(sel, m.embedded))
	m.stats.LastReloadTime = time.Now()
	m.stats.ReloadCount++
	m.stats.LastError = ""

	log.Info().
		Int64("reload_count", m.stats.ReloadCount).
		Msg("Selectors reloaded")
	return nil
}

// Stats returns the current reload statistics.
func (m *Manager) Stats() ReloadStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// Close stops the file watcher. Safe to call multiple times.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.stopCh)
	m.wg.Wait()

	if m.watcher != nil {
		return m.watcher.Close()
	}
	return nil
}

func parseAndValidate(data []byte) (*Selectors, error) {
	var s Selectors
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("invalid YAML: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate requires at least one way of recognising a challenge page.
func (s *Selectors) Validate() error {
	if len(s.ChallengeTitles) == 0 && len(s.ChallengeSelectors) == 0 && len(s.BodyMarkers) == 0 {
		return fmt.Errorf("selectors must have at least one pattern in challenge_titles, challenge_selectors, or body_markers")
	}
	return nil
}

// merge fills the sections missing from external with the embedded ones.
func merge(external, embedded *Selectors) *Selectors {
	out := *external
	if len(out.ChallengeTitles) == 0 {
		out.ChallengeTitles = embedded.ChallengeTitles
	}
	if len(out.ChallengeSelectors) == 0 {
		out.ChallengeSelectors = embedded.ChallengeSelectors
	}
	if len(out.BodyMarkers) == 0 {
		out.BodyMarkers = embedded.BodyMarkers
	}
	if out.TokenField == "" {
		out.TokenField = embedded.TokenField
	}
	if len(out.WidgetSelectors) == 0 {
		out.WidgetSelectors = embedded.WidgetSelectors
	}
	return &out
}

func (m *Manager) startWatcher() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := watcher.Add(m.externalPath); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch file: %w", err)
	}
	m.watcher = watcher

	m.wg.Add(1)
	go m.watchFile()
	return nil
}

// watchFile reloads on write/create, coalescing bursts of events.
func (m *Manager) watchFile() {
	defer m.wg.Done()

	const debounceDelay = 100 * time.Millisecond
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			log.Debug().
				Str("event", event.Op.String()).
				Str("file", event.Name).
				Msg("Selectors file changed")
			timer.Reset(debounceDelay)

		case <-timer.C:
			if err := m.Reload(); err != nil {
				log.Warn().
					Err(err).
					Str("path", m.externalPath).
					Msg("Hot-reload failed, keeping previous selectors")
			}

		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("File watcher error")

		case <-m.stopCh:
			return
		}
	}
}
