// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux

package nfqueue

import (
	"context"
	"sync"
	"time"

	nfq "github.com/florianl/go-nfqueue/v2"
	"github.com/mdlayher/netlink"

	"grimm.is/synguard/internal/classifier"
	"grimm.is/synguard/internal/errors"
	"grimm.is/synguard/internal/logging"
	"grimm.is/synguard/internal/metrics"
	"grimm.is/synguard/internal/shard"
)

// Reader reads one netfilter queue.
type Reader struct {
	config  Config
	pool    Submitter
	metrics *metrics.Metrics
	logger  *logging.Logger
	stats   counters

	mu      sync.Mutex
	nf      *nfq.Nfqueue
	cancel  context.CancelFunc
	running bool
}

// New creates a reader handing packets to pool.
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

// Start opens the queue and begins processing until ctx is cancelled or
// Stop is called.
func (r *Reader) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return nil
	}

	cfg := nfq.Config{
		NfQueue:      r.config.Num,
		MaxPacketLen: r.config.MaxPacketLen,
		MaxQueueLen:  r.config.MaxQueueLen,
		Copymode:     nfq.NfQnlCopyPacket,
		WriteTimeout: 15 * time.Millisecond,
	}
	if r.config.FailOpen {
		cfg.Flags = nfq.NfQaCfgFlagFailOpen
	}

	nf, err := nfq.Open(&cfg)
	if err != nil {
		return errors.Attr(errors.Wrap(err, errors.KindUnavailable, "open nfqueue"), "queue", r.config.Num)
	}
	if err := nf.SetOption(netlink.NoENOBUFS, true); err != nil {
		nf.Close()
		return errors.Wrap(err, errors.KindUnavailable, "set NoENOBUFS")
	}

	ctx, cancel := context.WithCancel(ctx)
	dec := classifier.NewDecoder()
	hook := func(a nfq.Attribute) int {
		r.handle(ctx, nf, dec, a)
		return 0
	}
	errHook := func(err error) int {
		if ctx.Err() != nil {
			return 1
		}
		r.logger.WithError(err).Warn("nfqueue receive error")
		return 0
	}
	if err := nf.RegisterWithErrorFunc(ctx, hook, errHook); err != nil {
		cancel()
		nf.Close()
		return errors.Wrap(err, errors.KindUnavailable, "register nfqueue hook")
	}

	r.nf = nf
	r.cancel = cancel
	r.running = true
	r.logger.Info("nfqueue reader started", "queue", r.config.Num, "fail_open", r.config.FailOpen)
	return nil
}

// handle runs on the netlink receive goroutine. The decoder is only used
// here, so sharing it across calls is safe.
func (r *Reader) handle(ctx context.Context, nf *nfq.Nfqueue, dec *classifier.Decoder, a nfq.Attribute) {
	if a.PacketID == nil {
		return
	}
	id := *a.PacketID
	r.stats.received.Add(1)

	var payload []byte
	if a.Payload != nil {
		payload = *a.Payload
	}

	pkt, v := r.precheck(dec, payload)
	switch v {
	case verdictAccept:
		r.setVerdict(nf, id, true)
		return
	case verdictDrop:
		r.setVerdict(nf, id, false)
		return
	}

	err := r.pool.Submit(ctx, shard.Job{
		Packet: pkt,
		Done: func(d classifier.Decision) {
			r.setVerdict(nf, id, Accepts(d.Action))
		},
	})
	if err != nil {
		r.stats.submitErrors.Add(1)
		r.event("submit_error")
		r.setVerdict(nf, id, r.config.FailOpen)
	}
}

func (r *Reader) setVerdict(nf *nfq.Nfqueue, id uint32, accept bool) {
	v := nfq.NfDrop
	if accept {
		v = nfq.NfAccept
		r.stats.accepted.Add(1)
	} else {
		r.stats.dropped.Add(1)
	}
	if err := nf.SetVerdict(id, v); err != nil {
		r.stats.verdictErrs.Add(1)
		r.event("verdict_error")
		r.logger.WithError(err).Debug("Failed to set verdict", "id", id)
	}
}

// Stop closes the queue.
func (r *Reader) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return
	}
	r.cancel()
	if err := r.nf.Close(); err != nil {
		r.logger.WithError(err).Warn("Failed to close nfqueue")
	}
	r.running = false
	r.logger.Info("nfqueue reader stopped", "received", r.stats.received.Load())
}

// IsRunning reports whether the queue is open.
func (r *Reader) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// Stats returns the reader counters.
func (r *Reader) Stats() Stats { return r.stats.snapshot() }
