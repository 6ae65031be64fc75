// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package shard spreads classification across workers. Each worker owns one
// classifier and its table; a flow is always routed to the same worker by
// the hash of its client->server key, so no table is shared.
package shard

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"grimm.is/synguard/internal/classifier"
	"grimm.is/synguard/internal/conntable"
	"grimm.is/synguard/internal/errors"
	"grimm.is/synguard/internal/flow"
	"grimm.is/synguard/internal/logging"
	"grimm.is/synguard/internal/metrics"
)

// Config sizes the pool.
type Config struct {
	Workers    int
	QueueDepth int
	// StatsInterval is how often workers publish table gauges. Zero
	// disables publishing.
	StatsInterval time.Duration
}

// DefaultConfig returns a single-worker pool.
func DefaultConfig() *Config {
	return &Config{
		Workers:       1,
		QueueDepth:    1024,
		StatsInterval: 10 * time.Second,
	}
}

// Validate checks the config.
func (c *Config) Validate() error {
	if c.Workers < 1 {
		return errors.Attr(errors.New(errors.KindValidation, "workers must be at least 1"), "workers", c.Workers)
	}
	if c.QueueDepth < 0 {
		return errors.Attr(errors.New(errors.KindValidation, "queue depth must not be negative"), "queue_depth", c.QueueDepth)
	}
	return nil
}

// Job is one packet to classify. Done runs on the owning worker.
type Job struct {
	Packet classifier.Packet
	Done   func(classifier.Decision)
}

// ShardStats is the table state of one worker.
type ShardStats struct {
	Shard int `json:"shard"`
	conntable.Stats
}

// OrientFunc maps a packet to its client->server key.
type OrientFunc func(classifier.Packet) (flow.FlowKey, bool)

type worker struct {
	id    int
	c     *classifier.Classifier
	jobs  chan Job
	stats chan chan conntable.Stats
}

// Pool routes jobs to workers.
type Pool struct {
	config  Config
	workers []*worker
	orient  OrientFunc
	metrics *metrics.Metrics
	logger  *logging.Logger
	started atomic.Bool
	done    chan struct{}
}

// Option customizes a Pool.
type Option func(*Pool)

// WithMetrics publishes per-shard table gauges.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pool) { p.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(p *Pool) { p.logger = l }
}

// New creates a pool with cfg.Workers classifiers built by factory.
func New(cfg *Config, factory func(id int) *classifier.Classifier, orient OrientFunc, opts ...Option) (*Pool, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	p := &Pool{
		config: *cfg,
		orient: orient,
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = logging.WithComponent("shard")
	}

	p.workers = make([]*worker, cfg.Workers)
	for i := range p.workers {
		p.workers[i] = &worker{
			id:    i,
			c:     factory(i),
			jobs:  make(chan Job, cfg.QueueDepth),
			stats: make(chan chan conntable.Stats),
		}
	}
	return p, nil
}

// Workers returns the number of shards.
func (p *Pool) Workers() int { return len(p.workers) }

// ShardFor returns the worker index a packet is routed to.
func (p *Pool) ShardFor(pkt classifier.Packet) int {
	key, _ := p.orient(pkt)
	return int(key.Hash() % uint64(len(p.workers)))
}

// Run processes jobs until ctx is cancelled. It returns nil on
// cancellation. A pool runs once; later calls fail with KindUnavailable.
func (p *Pool) Run(ctx context.Context) error {
	if !p.started.CompareAndSwap(false, true) {
		return errAlreadyRun
	}
	defer close(p.done)

	g, ctx := errgroup.WithContext(ctx)
	for _, w := range p.workers {
		w := w
		g.Go(func() error {
			p.loop(ctx, w)
			return nil
		})
	}
	p.logger.Info("Shard pool started", "workers", len(p.workers), "queue_depth", p.config.QueueDepth)
	err := g.Wait()
	p.logger.Info("Shard pool stopped")
	return err
}

func (p *Pool) loop(ctx context.Context, w *worker) {
	var tick <-chan time.Time
	if p.metrics != nil && p.config.StatsInterval > 0 {
		t := time.NewTicker(p.config.StatsInterval)
		defer t.Stop()
		tick = t.C
	}
	table := w.c.Tracker().Table()

	for {
		select {
		case <-ctx.Done():
			return
		case job := <-w.jobs:
			d := w.c.Classify(job.Packet)
			if job.Done != nil {
				job.Done(d)
			}
		case reply := <-w.stats:
			reply <- table.Stats()
		case <-tick:
			p.metrics.ObserveTable(w.id, table.Stats())
		}
	}
}

var (
	errStopped    = errors.New(errors.KindUnavailable, "shard pool stopped")
	errAlreadyRun = errors.New(errors.KindUnavailable, "shard pool already started")
)

// Submit queues job on the worker owning its flow. It blocks while that
// worker's queue is full.
func (p *Pool) Submit(ctx context.Context, job Job) error {
	w := p.workers[p.ShardFor(job.Packet)]
	select {
	case w.jobs <- job:
		return nil
	case <-p.done:
		return errStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats asks every worker for its table stats.
func (p *Pool) Stats(ctx context.Context) ([]ShardStats, error) {
	out := make([]ShardStats, 0, len(p.workers))
	for _, w := range p.workers {
		reply := make(chan conntable.Stats, 1)
		select {
		case w.stats <- reply:
		case <-p.done:
			return nil, errStopped
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		select {
		case st := <-reply:
			out = append(out, ShardStats{Shard: w.id, Stats: st})
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return out, nil
}
