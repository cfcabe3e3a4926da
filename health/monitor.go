package health

import (
	"sort"
	"sync"

	"github.com/NetCVGuy/ScanFetch/component"
)

// Monitor holds the named components whose health makes up the service's.
type Monitor struct {
	mu         sync.RWMutex
	components map[string]component.Discoverable
}

// NewMonitor creates an empty monitor.
func NewMonitor() *Monitor {
	return &Monitor{components: make(map[string]component.Discoverable)}
}

// Register adds or replaces c under name.
func (m *Monitor) Register(name string, c component.Discoverable) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.components[name] = c
}

// Names returns the registered names in order.
func (m *Monitor) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.components))
	for name := range m.components {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Check polls every component and aggregates the result under system.
func (m *Monitor) Check(system string) Status {
	m.mu.RLock()
	subs := make([]Status, 0, len(m.components))
	for name, c := range m.components {
		subs = append(subs, FromComponent(name, c))
	}
	m.mu.RUnlock()

	sort.Slice(subs, func(i, j int) bool { return subs[i].Component < subs[j].Component })
	return Aggregate(system, subs)
}
