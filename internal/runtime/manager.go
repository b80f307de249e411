package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/openmined/watchback/internal/config"
	"github.com/openmined/watchback/internal/engine"
	"github.com/openmined/watchback/internal/events"
	"golang.org/x/sync/errgroup"
)

var (
	ErrProfileRunning  = errors.New("profile already running")
	ErrProfileNotFound = errors.New("profile not running")
	ErrConfigIsNil     = errors.New("config is nil")
)

type ManagerOpts func(*Manager)

// WithRetention installs a hook on every engine the manager starts.
func WithRetention(hook engine.RetentionHook) ManagerOpts {
	return func(m *Manager) {
		m.retention = hook
	}
}

// WithoutWatcher makes engines rely on reconciliation alone.
func WithoutWatcher() ManagerOpts {
	return func(m *Manager) {
		m.disableWatcher = true
	}
}

// Manager owns one engine per active profile.
type Manager struct {
	cfg            *config.Config
	bus            *events.Bus
	retention      engine.RetentionHook
	disableWatcher bool

	mu      sync.RWMutex
	engines map[string]*engine.Engine
}

func NewManager(cfg *config.Config, bus *events.Bus, opts ...ManagerOpts) (*Manager, error) {
	if cfg == nil {
		return nil, ErrConfigIsNil
	}
	if bus == nil {
		bus = events.NewBus()
	}
	m := &Manager{
		cfg:     cfg,
		bus:     bus,
		engines: make(map[string]*engine.Engine),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

func (m *Manager) Bus() *events.Bus {
	return m.bus
}

// Start runs an engine for profile and returns once its first
// reconciliation is done. A profile whose engine has stopped is replaced.
func (m *Manager) Start(ctx context.Context, profile *config.Profile) error {
	if profile == nil {
		return fmt.Errorf("%w: nil profile", config.ErrConfigInvalid)
	}

	m.mu.Lock()
	if e, ok := m.engines[profile.Name]; ok && e.State() != engine.StateStopped {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrProfileRunning, profile.Name)
	}
	e := engine.New(profile, engine.Options{
		EngineConfig:   m.cfg.Engine,
		JournalPath:    m.cfg.JournalPath(profile.Name),
		Bus:            m.bus,
		Retention:      m.retention,
		DisableWatcher: m.disableWatcher,
	})
	m.engines[profile.Name] = e
	m.mu.Unlock()

	slog.Info("profile start", "profile", profile.Name, "ground", profile.Ground, "mirrors", len(profile.Mirrors))
	if err := e.Start(ctx); err != nil {
		m.mu.Lock()
		if m.engines[profile.Name] == e {
			delete(m.engines, profile.Name)
		}
		m.mu.Unlock()
		return fmt.Errorf("start profile %s: %w", profile.Name, err)
	}
	return nil
}

func (m *Manager) Stop(ctx context.Context, name string) error {
	e, err := m.get(name)
	if err != nil {
		return err
	}
	if err := e.Stop(ctx); err != nil {
		return fmt.Errorf("stop profile %s: %w", name, err)
	}

	m.mu.Lock()
	if m.engines[name] == e {
		delete(m.engines, name)
	}
	m.mu.Unlock()
	return nil
}

// StopAll stops every engine in parallel.
func (m *Manager) StopAll(ctx context.Context) error {
	var g errgroup.Group
	for _, name := range m.Profiles() {
		g.Go(func() error {
			if err := m.Stop(ctx, name); err != nil && !errors.Is(err, ErrProfileNotFound) {
				slog.Error("profile stop", "profile", name, "error", err)
				return err
			}
			return nil
		})
	}
	err := g.Wait()
	slog.Info("runtime stopped")
	return err
}

func (m *Manager) Status(name string) (*engine.Status, error) {
	e, err := m.get(name)
	if err != nil {
		return nil, err
	}
	return e.Status(), nil
}

// StatusAll returns the status of every profile, sorted by name.
func (m *Manager) StatusAll() []*engine.Status {
	m.mu.RLock()
	engines := make([]*engine.Engine, 0, len(m.engines))
	for _, e := range m.engines {
		engines = append(engines, e)
	}
	m.mu.RUnlock()

	out := make([]*engine.Status, 0, len(engines))
	for _, e := range engines {
		out = append(out, e.Status())
	}
	slices.SortFunc(out, func(a, b *engine.Status) int {
		return strings.Compare(a.Profile, b.Profile)
	})
	return out
}

func (m *Manager) SyncNow(ctx context.Context, name string) error {
	e, err := m.get(name)
	if err != nil {
		return err
	}
	return e.SyncNow(ctx)
}

func (m *Manager) SnapshotNow(ctx context.Context, name string) ([]*engine.MirrorSnapshot, error) {
	e, err := m.get(name)
	if err != nil {
		return nil, err
	}
	return e.SnapshotNow(ctx)
}

// Profile returns the configuration an active profile was started with.
func (m *Manager) Profile(name string) (*config.Profile, error) {
	e, err := m.get(name)
	if err != nil {
		return nil, err
	}
	return e.Profile(), nil
}

// Profiles lists active profile names, sorted.
func (m *Manager) Profiles() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.engines))
	for name := range m.engines {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func (m *Manager) get(name string) (*engine.Engine, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.engines[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProfileNotFound, name)
	}
	return e, nil
}
