// Package roster loads the agent roster file and keeps it current.
//
// The roster is a YAML file:
//
//	agents:
//	  - id: orchestrator
//	    working_directory: /tmp/orchestrator
//	    orchestrator: true
//	  - id: web
//	    name: Web
//	    description: Frontend work
//	    working_directory: ~/src/web
//	    api_endpoint: http://127.0.0.1:8081
//	  - id: legacy
//	    working_directory: ~/src/legacy
//	    enabled: false
package roster

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/coswise/claude-code-by-agents/internal/logging"
	"github.com/coswise/claude-code-by-agents/pkg/models"
)

// reloadDebounce coalesces the burst of events an editor save produces.
const reloadDebounce = 100 * time.Millisecond

type file struct {
	Agents []agentEntry `yaml:"agents"`
}

type agentEntry struct {
	ID               string `yaml:"id"`
	Name             string `yaml:"name,omitempty"`
	Description      string `yaml:"description,omitempty"`
	WorkingDirectory string `yaml:"working_directory"`
	APIEndpoint      string `yaml:"api_endpoint,omitempty"`
	Orchestrator     bool   `yaml:"orchestrator,omitempty"`
	Enabled          *bool  `yaml:"enabled,omitempty"`
}

// Parse decodes a roster file. Unknown keys are rejected and the result is
// validated.
func Parse(data []byte) (models.Roster, error) {
	var f file
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse roster: %w", err)
	}

	roster := make(models.Roster, 0, len(f.Agents))
	for _, a := range f.Agents {
		roster = append(roster, models.AgentDescriptor{
			ID:               a.ID,
			Name:             a.Name,
			Description:      a.Description,
			WorkingDirectory: expandHome(a.WorkingDirectory),
			APIEndpoint:      a.APIEndpoint,
			IsOrchestrator:   a.Orchestrator,
			IsEnabled:        a.Enabled,
		})
	}
	if err := roster.Validate(); err != nil {
		return nil, fmt.Errorf("invalid roster: %w", err)
	}
	return roster, nil
}

// Marshal encodes roster in the file format.
func Marshal(roster models.Roster) ([]byte, error) {
	f := file{Agents: make([]agentEntry, 0, len(roster))}
	for _, a := range roster {
		f.Agents = append(f.Agents, agentEntry{
			ID:               a.ID,
			Name:             a.Name,
			Description:      a.Description,
			WorkingDirectory: a.WorkingDirectory,
			APIEndpoint:      a.APIEndpoint,
			Orchestrator:     a.IsOrchestrator,
			Enabled:          a.IsEnabled,
		})
	}
	return yaml.Marshal(&f)
}

// Load reads and parses the roster file at path.
func Load(path string) (models.Roster, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read roster: %w", err)
	}
	return Parse(data)
}

// Store holds the current roster of a hub. A Store without a path serves an
// empty roster.
type Store struct {
	mu     sync.RWMutex
	roster models.Roster
	path   string
	logger *slog.Logger
}

// NewStore loads path into a new Store. An empty path yields an empty store.
func NewStore(path string, logger *slog.Logger) (*Store, error) {
	s := &Store{path: path, logger: logging.OrDefault(logger).With("component", "roster")}
	if path == "" {
		return s, nil
	}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Static returns a Store that always serves roster.
func Static(roster models.Roster) *Store {
	return &Store{roster: roster, logger: slog.Default()}
}

// Roster returns a copy of the current roster. Its signature matches the
// roster source expected by the router and the dispatch runner.
func (s *Store) Roster() models.Roster {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append(models.Roster(nil), s.roster...)
}

// Path returns the roster file path.
func (s *Store) Path() string { return s.path }

// Reload re-reads the roster file. On error the previous roster is kept.
func (s *Store) Reload() error {
	roster, err := Load(s.path)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.roster = roster
	s.mu.Unlock()

	s.logger.Info("roster loaded", "path", s.path, "agents", len(roster))
	return nil
}

// Watch reloads the roster whenever its file changes, until ctx is done.
// It watches the parent directory so that editors replacing the file by
// rename are noticed. The watch is active when Watch returns.
func (s *Store) Watch(ctx context.Context) error {
	if s.path == "" {
		return fmt.Errorf("roster has no file to watch")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	go s.watchLoop(ctx, watcher)
	return nil
}

func (s *Store) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer watcher.Close()

	name := filepath.Clean(s.path)
	var debounce *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != name {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if debounce == nil {
				debounce = time.NewTimer(reloadDebounce)
			} else {
				debounce.Reset(reloadDebounce)
			}
			fire = debounce.C
		case <-fire:
			fire = nil
			if err := s.Reload(); err != nil {
				s.logger.Error("roster reload failed, keeping previous roster", "path", s.path, "error", err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("roster watcher error", "error", err)
		}
	}
}

func expandHome(p string) string {
	if strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, p[2:])
		}
	}
	return p
}
