// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package nfqueue feeds packets from a netfilter queue through the shard
// pool and answers each with a verdict.
//
// The queue rule is installed by the operator, for example:
//
//	nft add rule inet filter forward ip protocol tcp queue num 0 bypass
package nfqueue

import (
	"context"
	"sync/atomic"

	"grimm.is/synguard/internal/classifier"
	"grimm.is/synguard/internal/ipv4"
	"grimm.is/synguard/internal/logging"
	"grimm.is/synguard/internal/metrics"
	"grimm.is/synguard/internal/shard"
)

// Config selects and sizes the queue.
type Config struct {
	Num          uint16
	MaxQueueLen  uint32
	MaxPacketLen uint32
	// FailOpen accepts packets the pool could not take and asks the kernel
	// to accept on queue overflow.
	FailOpen bool
}

// DefaultConfig returns queue 0 copying enough of each packet for the
// IPv4 and TCP headers.
func DefaultConfig() Config {
	return Config{MaxQueueLen: 4096, MaxPacketLen: 128}
}

// Submitter accepts classification jobs. *shard.Pool implements it.
type Submitter interface {
	Submit(ctx context.Context, job shard.Job) error
}

// Stats are cumulative reader counters.
type Stats struct {
	Received     uint64 `json:"received"`
	Accepted     uint64 `json:"accepted"`
	Dropped      uint64 `json:"dropped"`
	// Invalid counts packets dropped before classification: bad IPv4,
	// fragments and malformed TCP.
	Invalid      uint64 `json:"invalid"`
	NotTCP       uint64 `json:"not_tcp"`
	SubmitErrors uint64 `json:"submit_errors"`
	VerdictErrs  uint64 `json:"verdict_errors"`
}

type counters struct {
	received, accepted, dropped, invalid, notTCP, submitErrors, verdictErrs atomic.Uint64
}

func (c *counters) snapshot() Stats {
	return Stats{
		Received:     c.received.Load(),
		Accepted:     c.accepted.Load(),
		Dropped:      c.dropped.Load(),
		Invalid:      c.invalid.Load(),
		NotTCP:       c.notTCP.Load(),
		SubmitErrors: c.submitErrors.Load(),
		VerdictErrs:  c.verdictErrs.Load(),
	}
}

// Option customizes a Reader.
type Option func(*Reader)

// WithMetrics counts filtered packets.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Reader) { r.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(r *Reader) { r.logger = l }
}

// Accepts reports whether a decision lets the packet through. Drops and
// stalled segments are discarded; everything else continues.
func Accepts(a classifier.Action) bool {
	return a != classifier.ActionDrop && a != classifier.ActionStall
}

// verdict is what the reader does with a payload before classification.
type verdict uint8

const (
	verdictSubmit verdict = iota
	verdictAccept
	verdictDrop
)

// precheck validates the IPv4 header and decodes the TCP segment. Packets
// with a broken IPv4 header are dropped, and so are TCP datagrams that
// cannot be classified (fragments, malformed TCP headers), since they would
// otherwise reach the server without passing the cookie check. Well-formed
// non-TCP packets are not ours and pass.
func (r *Reader) precheck(dec *classifier.Decoder, payload []byte) (classifier.Packet, verdict) {
	if reason := ipv4.Validate(ipv4.Buf{Data: payload}); reason != ipv4.ReasonOK {
		r.filtered(string(reason))
		return classifier.Packet{}, verdictDrop
	}
	pkt, err := dec.Decode(payload)
	if err == nil {
		return pkt, verdictSubmit
	}
	reason := classifier.DecodeReason(err)
	if reason == classifier.DecodeNotTCP {
		r.stats.notTCP.Add(1)
		r.event("not_tcp")
		return classifier.Packet{}, verdictAccept
	}
	if r.logger.Enabled(logging.LevelDebug) {
		r.logger.WithError(err).Debug("Dropping unclassifiable TCP datagram", "reason", reason)
	}
	r.filtered(reason)
	return classifier.Packet{}, verdictDrop
}

func (r *Reader) filtered(reason string) {
	r.stats.invalid.Add(1)
	if r.metrics != nil {
		r.metrics.PacketsFiltered.WithLabelValues(reason).Inc()
	}
}

// event bumps a named reader event in the metrics registry.
func (r *Reader) event(name string) {
	if r.metrics != nil {
		r.metrics.Counters.Inc("nfqueue_" + name)
	}
}
