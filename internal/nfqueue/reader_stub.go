// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build !linux

package nfqueue

import (
	"context"

	"grimm.is/synguard/internal/errors"
	"grimm.is/synguard/internal/logging"
	"grimm.is/synguard/internal/metrics"
)

// Reader is a stub for non-Linux systems.
type Reader struct {
	config  Config
	pool    Submitter
	metrics *metrics.Metrics
	logger  *logging.Logger
	stats   counters
}

// New creates a stub reader.
func New(cfg Config, pool Submitter, opts ...Option) *Reader {
	r := &Reader{config: cfg, pool: pool}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = logging.WithComponent("nfqueue")
	}
	return r
}

// Start returns an error on non-Linux systems.
func (r *Reader) Start(context.Context) error {
	return errors.New(errors.KindUnavailable, "nfqueue is only supported on Linux")
}

// Stop is a no-op on non-Linux.
func (r *Reader) Stop() {}

// IsRunning always returns false on non-Linux.
func (r *Reader) IsRunning() bool { return false }

// Stats returns empty stats on non-Linux.
func (r *Reader) Stats() Stats { return r.stats.snapshot() }
