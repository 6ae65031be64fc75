// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package metrics

import (
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Counters is a string-keyed counting map for ad hoc instrumentation. Values
// can be read back directly and are also exported as one labelled Prometheus
// counter. It is safe for concurrent use.
type Counters struct {
	mu     sync.Mutex
	values map[string]uint64
	vec    *prometheus.CounterVec
}

// NewCounters creates a counter map exported under name with a "name" label.
func NewCounters(name, help string) *Counters {
	return &Counters{
		values: make(map[string]uint64),
		vec: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: name,
			Help: help,
		}, []string{"name"}),
	}
}

// Inc adds one to the named counter.
func (c *Counters) Inc(name string) { c.Add(name, 1) }

// Add adds n to the named counter.
func (c *Counters) Add(name string, n uint64) {
	c.mu.Lock()
	c.values[name] += n
	c.mu.Unlock()
	c.vec.WithLabelValues(name).Add(float64(n))
}

// Get returns the value of the named counter, zero if unknown.
func (c *Counters) Get(name string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.values[name]
}

// Delete forgets the named counter.
func (c *Counters) Delete(name string) {
	c.mu.Lock()
	delete(c.values, name)
	c.mu.Unlock()
	c.vec.DeleteLabelValues(name)
}

// Names returns the known counter names in sorted order.
func (c *Counters) Names() []string {
	c.mu.Lock()
	names := make([]string, 0, len(c.values))
	for name := range c.values {
		names = append(names, name)
	}
	c.mu.Unlock()
	sort.Strings(names)
	return names
}

// Snapshot returns a copy of all counters.
func (c *Counters) Snapshot() map[string]uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]uint64, len(c.values))
	for k, v := range c.values {
		out[k] = v
	}
	return out
}

// Describe implements prometheus.Collector
func (c *Counters) Describe(ch chan<- *prometheus.Desc) { c.vec.Describe(ch) }

// Collect implements prometheus.Collector
func (c *Counters) Collect(ch chan<- prometheus.Metric) { c.vec.Collect(ch) }
