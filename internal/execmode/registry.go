package execmode

import (
	"sort"
	"sync"
	"time"
)

// Registry holds registered presets.
// It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Preset
}

// NewRegistry creates a new empty registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]*Preset),
	}
}

// Register adds or updates a preset.
func (r *Registry) Register(p *Preset) {
	if p == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[p.Name] = p
}

// Get retrieves a preset by name. Returns nil if not found.
func (r *Registry) Get(name string) *Preset {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[name]
}

// Names returns all registered preset names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DefaultRegistry returns a registry pre-populated with the built-in modes.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(Normal())
	r.Register(SlowExec())
	return r
}

// Normal returns the default preset: large blocks requested every 20ms.
func Normal() *Preset {
	return &Preset{
		Name:         "normal",
		NumTxs:       10000,
		Interval:     20 * time.Millisecond,
		Description:  "10000 tx per block, one block request every 20ms",
	}
}

// SlowExec returns the preset for nodes with deliberately slow execution.
func SlowExec() *Preset {
	return &Preset{
		Name:         "slow-exec",
		NumTxs:       1000,
		Interval:     100 * time.Millisecond,
		Description:  "1000 tx per block, one block request every 100ms",
	}
}
