// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package conntable implements the two-generation flow table.
//
// Entries live in one of two maps, current and old. Every mutating call ends
// with MaybeSwap: once SwapInterval has elapsed since the last swap, old is
// dropped wholesale, current becomes old and a fresh current is allocated.
// Reads that hit old copy the entry forward into current. An entry that is
// never touched again therefore survives between SwapInterval and
// 2*SwapInterval, and any access renews that lease. There are no per-entry
// timers and no background sweeper.
//
// A Table is not safe for concurrent use. Give each worker its own table and
// route flows to workers by key hash (see internal/shard).
package conntable

import (
	"time"

	"grimm.is/synguard/internal/clock"
	"grimm.is/synguard/internal/errors"
	"grimm.is/synguard/internal/flow"
	"grimm.is/synguard/internal/logging"
)

// DefaultSwapInterval is the generation lifetime used when none is
// configured.
const DefaultSwapInterval = 30 * time.Second

// Config for a table.
type Config struct {
	// InitialCapacity pre-sizes each freshly allocated generation.
	InitialCapacity int `json:"initial_capacity" yaml:"initial_capacity"`
	// SwapInterval is the minimum age of a generation before it is rotated.
	SwapInterval time.Duration `json:"swap_interval" yaml:"swap_interval"`
	// MaxEntries caps new inserts into the current generation. It is not a
	// bound on resident flows: Lookup promotes from old and Update rewrites
	// resident keys without checking it, so current can briefly hold more
	// than MaxEntries until the next swap. Zero means unbounded.
	MaxEntries int `json:"max_entries" yaml:"max_entries"`
}

// DefaultConfig returns the default table configuration.
func DefaultConfig() *Config {
	return &Config{
		InitialCapacity: 1024,
		SwapInterval:    DefaultSwapInterval,
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.SwapInterval < 0 {
		return errors.Attr(errors.New(errors.KindValidation, "swap interval must not be negative"),
			"swap_interval", c.SwapInterval)
	}
	if c.InitialCapacity < 0 {
		return errors.Attr(errors.New(errors.KindValidation, "initial capacity must not be negative"),
			"initial_capacity", c.InitialCapacity)
	}
	if c.MaxEntries < 0 {
		return errors.Attr(errors.New(errors.KindValidation, "max entries must not be negative"),
			"max_entries", c.MaxEntries)
	}
	return nil
}

// Observer is notified of table events. Implementations must be cheap; they
// run on the packet path.
type Observer interface {
	// Swapped reports a rotation: evicted entries were dropped with the old
	// generation, retained entries moved from current to old.
	Swapped(evicted, retained int)
	// Promoted reports an entry copied from old into current.
	Promoted()
	// Rejected reports an insert refused because the table was full.
	Rejected()
}

type nopObserver struct{}

func (nopObserver) Swapped(int, int) {}
func (nopObserver) Promoted()        {}
func (nopObserver) Rejected()        {}

// Stats are cumulative table counters.
type Stats struct {
	Lookups    uint64    `json:"lookups"`
	Hits       uint64    `json:"hits"`
	Promotions uint64    `json:"promotions"`
	Misses     uint64    `json:"misses"`
	Swaps      uint64    `json:"swaps"`
	Evicted    uint64    `json:"evicted"`
	Rejected   uint64    `json:"rejected"`
	Current    int       `json:"current"`
	Old        int       `json:"old"`
	LastSwap   time.Time `json:"last_swap"`
}

// Option customizes a Table.
type Option func(*Table)

// WithClock sets the time source used for swap decisions.
func WithClock(c clock.Clock) Option {
	return func(t *Table) { t.clock = c }
}

// WithObserver registers an event observer.
func WithObserver(o Observer) Option {
	return func(t *Table) { t.observer = o }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(t *Table) { t.logger = l }
}

// Table is the generational flow table.
type Table struct {
	config   Config
	current  map[flow.FlowKey]flow.FlowState
	old      map[flow.FlowKey]flow.FlowState
	lastSwap time.Time

	clock    clock.Clock
	observer Observer
	logger   *logging.Logger
	stats    Stats
}

// New creates a table. A nil config selects DefaultConfig; a zero
// SwapInterval selects DefaultSwapInterval.
func New(config *Config, opts ...Option) *Table {
	if config == nil {
		config = DefaultConfig()
	}
	t := &Table{
		config:   *config,
		clock:    clock.RealClock{},
		observer: nopObserver{},
	}
	if t.config.SwapInterval <= 0 {
		t.config.SwapInterval = DefaultSwapInterval
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.logger == nil {
		t.logger = logging.WithComponent("conntable")
	}

	t.current = t.newGeneration()
	t.old = t.newGeneration()
	t.lastSwap = t.clock.Now()
	return t
}

func (t *Table) newGeneration() map[flow.FlowKey]flow.FlowState {
	return make(map[flow.FlowKey]flow.FlowState, t.config.InitialCapacity)
}

// Config returns the effective configuration.
func (t *Table) Config() Config { return t.config }

// Lookup finds key in current, then in old. A hit in old is copied into
// current and the copy is returned.
func (t *Table) Lookup(key flow.FlowKey) (flow.FlowState, bool) {
	t.stats.Lookups++
	if st, ok := t.current[key]; ok {
		t.stats.Hits++
		return st, true
	}
	st, ok := t.old[key]
	if !ok {
		t.stats.Misses++
		return flow.FlowState{}, false
	}
	t.current[key] = st
	t.stats.Hits++
	t.stats.Promotions++
	t.observer.Promoted()
	return st, true
}

// LookupCurrent finds key in the current generation only.
func (t *Table) LookupCurrent(key flow.FlowKey) (flow.FlowState, bool) {
	st, ok := t.current[key]
	return st, ok
}

// Insert stores st under key in the current generation. A key that is not
// yet resident is refused with KindResourceExhausted when the generation
// already holds MaxEntries flows.
func (t *Table) Insert(key flow.FlowKey, st flow.FlowState) error {
	if _, exists := t.current[key]; !exists && t.config.MaxEntries > 0 && len(t.current) >= t.config.MaxEntries {
		t.stats.Rejected++
		t.observer.Rejected()
		err := errors.New(errors.KindResourceExhausted, "flow table full")
		return errors.Attr(err, "max_entries", t.config.MaxEntries)
	}
	t.current[key] = st
	return nil
}

// Update overwrites the entry for key in the current generation. It is meant
// for entries that are already resident, including ones just promoted by
// Lookup, so it never applies the capacity limit.
func (t *Table) Update(key flow.FlowKey, st flow.FlowState) {
	t.current[key] = st
}

// Delete removes key from the current generation. A copy left in old is not
// touched and expires with its generation.
func (t *Table) Delete(key flow.FlowKey) {
	delete(t.current, key)
}

// MaybeSwap rotates the generations if SwapInterval has elapsed since the
// last rotation. It reports whether a rotation happened.
func (t *Table) MaybeSwap() bool {
	now := t.clock.Now()
	if now.Sub(t.lastSwap) <= t.config.SwapInterval {
		return false
	}

	evicted, retained := len(t.old), len(t.current)
	t.old = t.current
	t.current = t.newGeneration()
	t.lastSwap = now

	t.stats.Swaps++
	t.stats.Evicted += uint64(evicted)
	t.observer.Swapped(evicted, retained)
	t.logger.Debug("Rotated flow table generations",
		"evicted", evicted,
		"retained", retained,
		"interval", t.config.SwapInterval)
	return true
}

// Len returns the number of entries in each generation. A promoted flow is
// counted in both until old is dropped.
func (t *Table) Len() (current, old int) {
	return len(t.current), len(t.old)
}

// Stats returns a snapshot of the table counters.
func (t *Table) Stats() Stats {
	s := t.stats
	s.Current, s.Old = t.Len()
	s.LastSwap = t.lastSwap
	return s
}
