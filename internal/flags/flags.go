// Package flags manages the persisted feature switches that shape
// compression behaviour.
package flags

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/BadgerOps/zippy/internal/engine"
	"github.com/BadgerOps/zippy/internal/store"
)

// Known flag names.
const (
	ParallelCompression   = "parallel_compression"
	DeepInspection        = "deep_inspection"
	MemoryOptimized       = "memory_optimized"
	DetailedProgress      = "detailed_progress"
	IntegrityVerification = "integrity_verification"
)

// ErrUnknownFlag is returned for names not in Definitions.
var ErrUnknownFlag = errors.New("unknown feature flag")

// Definition describes one feature flag.
type Definition struct {
	Name         string `json:"name"`
	Description  string `json:"description"`
	Default      bool   `json:"default"`
	Experimental bool   `json:"experimental"`
}

// Definitions lists every flag, ordered by name.
var Definitions = []Definition{
	{Name: DeepInspection, Description: "Check every source before compressing and drop unusable ones"},
	{Name: DetailedProgress, Description: "Show bytes, speed and ETA alongside the progress bar", Default: true},
	{Name: IntegrityVerification, Description: "Read back every new archive and reject it on checksum errors", Experimental: true},
	{Name: MemoryOptimized, Description: "Use smaller chunks and stream files above 100 MB", Default: true},
	{Name: ParallelCompression, Description: "Compress several sources on a worker pool", Default: true},
}

// Lookup returns the definition for name.
func Lookup(name string) (Definition, bool) {
	i := sort.Search(len(Definitions), func(i int) bool { return Definitions[i].Name >= name })
	if i < len(Definitions) && Definitions[i].Name == name {
		return Definitions[i], true
	}
	return Definition{}, false
}

// State is a flag's definition plus its effective value.
type State struct {
	Definition
	Enabled    bool      `json:"enabled"`
	Overridden bool      `json:"overridden"`
	UpdatedAt  time.Time `json:"updated_at,omitempty"`
}

// Manager reads and writes flags. With a nil store, values live in memory
// for the life of the Manager.
type Manager struct {
	st     *store.Store
	logger *slog.Logger

	mu  sync.Mutex
	mem map[string]store.FeatureFlag
}

// NewManager creates a Manager backed by st.
func NewManager(st *store.Store, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		st:     st,
		logger: logger,
		mem:    make(map[string]store.FeatureFlag),
	}
}

func (m *Manager) stored(name string) (store.FeatureFlag, bool, error) {
	if m.st == nil {
		m.mu.Lock()
		defer m.mu.Unlock()
		f, ok := m.mem[name]
		return f, ok, nil
	}
	f, err := m.st.GetFlag(name)
	if errors.Is(err, store.ErrNotFound) {
		return store.FeatureFlag{}, false, nil
	}
	if err != nil {
		return store.FeatureFlag{}, false, err
	}
	return *f, true, nil
}

// IsEnabled reports the effective value of name.
func (m *Manager) IsEnabled(name string) (bool, error) {
	def, ok := Lookup(name)
	if !ok {
		return false, fmt.Errorf("%q: %w", name, ErrUnknownFlag)
	}
	f, ok, err := m.stored(name)
	if err != nil {
		return def.Default, err
	}
	if !ok {
		return def.Default, nil
	}
	return f.Enabled, nil
}

// SetEnabled persists a value for name.
func (m *Manager) SetEnabled(name string, enabled bool) error {
	def, ok := Lookup(name)
	if !ok {
		return fmt.Errorf("%q: %w", name, ErrUnknownFlag)
	}
	if enabled && def.Experimental {
		m.logger.Warn("enabling experimental feature", "flag", name)
	}

	if m.st == nil {
		m.mu.Lock()
		m.mem[name] = store.FeatureFlag{Name: name, Enabled: enabled, UpdatedAt: time.Now()}
		m.mu.Unlock()
	} else if err := m.st.SetFlag(name, enabled); err != nil {
		return err
	}
	m.logger.Info("feature flag updated", "flag", name, "enabled", enabled)
	return nil
}

// Toggle flips name and returns the new value.
func (m *Manager) Toggle(name string) (bool, error) {
	cur, err := m.IsEnabled(name)
	if err != nil {
		return false, err
	}
	if err := m.SetEnabled(name, !cur); err != nil {
		return cur, err
	}
	return !cur, nil
}

// All returns the state of every flag, ordered by name.
func (m *Manager) All() ([]State, error) {
	out := make([]State, 0, len(Definitions))
	for _, def := range Definitions {
		f, ok, err := m.stored(def.Name)
		if err != nil {
			return nil, err
		}
		st := State{Definition: def, Enabled: def.Default}
		if ok {
			st.Enabled = f.Enabled
			st.Overridden = true
			st.UpdatedAt = f.UpdatedAt
		}
		out = append(out, st)
	}
	return out, nil
}

// Enabled returns the names of every enabled flag.
func (m *Manager) Enabled() ([]string, error) {
	all, err := m.All()
	if err != nil {
		return nil, err
	}
	var names []string
	for _, s := range all {
		if s.Enabled {
			names = append(names, s.Name)
		}
	}
	return names, nil
}

// ResetDefaults drops every stored value.
func (m *Manager) ResetDefaults() error {
	if m.st == nil {
		m.mu.Lock()
		m.mem = make(map[string]store.FeatureFlag)
		m.mu.Unlock()
	} else if err := m.st.DeleteFlags(); err != nil {
		return err
	}
	m.logger.Info("feature flags reset to defaults")
	return nil
}

// EngineFlags maps the current values onto engine.Flags. A flag that
// cannot be read falls back to its default.
func (m *Manager) EngineFlags() engine.Flags {
	get := func(name string) bool {
		v, err := m.IsEnabled(name)
		if err != nil {
			m.logger.Warn("failed to read feature flag, using default", "flag", name, "error", err)
		}
		return v
	}
	return engine.Flags{
		DeepValidation:  get(DeepInspection),
		Parallel:        get(ParallelCompression),
		MemoryOptimized: get(MemoryOptimized),
		VerifyIntegrity: get(IntegrityVerification),
	}
}
