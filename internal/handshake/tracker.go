// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package handshake encodes the proxied TCP handshake and teardown state
// machine on top of a generational flow table.
//
// Per flow the flags move through
//
//	absent -> LEFT_VERIFIED -> LEFT|RIGHT_VERIFIED -> (+LEFT_FIN, +RIGHT_FIN) -> CLOSED
//
// with RESET reachable from any verified state. RESET and CLOSED are sticky:
// once set, the flow is reported as not tracked.
//
// All keys are client->server oriented. Every operation finishes by giving
// the table a chance to rotate its generations.
package handshake

import (
	"grimm.is/synguard/internal/conntable"
	"grimm.is/synguard/internal/flow"
	"grimm.is/synguard/internal/logging"
)

// Tracker applies handshake transitions to a table. Like the table, it must
// be owned by a single goroutine.
type Tracker struct {
	table  *conntable.Table
	logger *logging.Logger
}

// Option customizes a Tracker.
type Option func(*Tracker)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(t *Tracker) { t.logger = l }
}

// New creates a tracker over table.
func New(table *conntable.Table, opts ...Option) *Tracker {
	t := &Tracker{table: table}
	for _, opt := range opts {
		opt(t)
	}
	if t.logger == nil {
		t.logger = logging.WithComponent("handshake")
	}
	return t
}

// Table returns the underlying table.
func (t *Tracker) Table() *conntable.Table { return t.table }

// Insert records a client that answered its SYN cookie correctly. ack is the
// client's acknowledgment number, kept until the server's SYN-ACK arrives.
//
// Only the current generation is consulted. A resident entry, whatever its
// state, is reused: Diff is overwritten and the flags reset to LEFT_VERIFIED,
// discarding earlier FIN or RESET history. A retransmitted cookie ACK carries
// the same ack value, so reuse is harmless.
//
// The only error is a KindResourceExhausted rejection from the table.
func (t *Tracker) Insert(key flow.FlowKey, ack uint32) error {
	defer t.table.MaybeSwap()

	st, exists := t.table.LookupCurrent(key)
	if exists {
		t.logger.Debug("Reusing flow entry", "flow", key, "flags", st.Flags)
	}
	return t.table.Insert(key, flow.FlowState{Diff: ack, Flags: flow.FlagLeftVerified})
}

// Finalize records the server's SYN-ACK with sequence number seq and returns
// the resulting state. On the first SYN-ACK for a LEFT_VERIFIED flow, Diff
// becomes seq - ack + 1 and RIGHT_VERIFIED is set. Any other verification
// state means a duplicate SYN-ACK; the stored state is returned unchanged.
func (t *Tracker) Finalize(key flow.FlowKey, seq uint32) (flow.FlowState, bool) {
	defer t.table.MaybeSwap()

	st, ok := t.table.Lookup(key)
	if !ok {
		return flow.FlowState{}, false
	}
	ack, pending := st.PendingAck()
	if !pending {
		t.logger.Debug("Ignoring duplicate SYN-ACK", "flow", key, "flags", st.Flags)
		return st, true
	}

	st.Diff = seq - ack + 1
	st.Flags |= flow.FlagRightVerified
	t.table.Update(key, st)
	return st, true
}

// FindUpdate classifies a packet of an established or closing flow and
// advances its teardown flags.
//
// Results:
//   - ok == false: the flow is unknown, unverified, reset or closed; the
//     packet must not be translated.
//   - ok == true and st.Stalled(): the server has not answered yet. The stored
//     entry is left untouched.
//   - otherwise st is the updated entry and st.Diff the sequence delta.
//
// A reset signal marks the flow dead for later calls but the current packet is
// still reported. When both FINs were already seen, an ACK completes the
// teardown: the flow is marked CLOSED and this last ACK is still reported.
func (t *Tracker) FindUpdate(key flow.FlowKey, reset, leftFin, rightFin, isAck bool) (flow.FlowState, bool) {
	defer t.table.MaybeSwap()

	st, ok := t.table.Lookup(key)
	if !ok {
		return flow.FlowState{}, false
	}
	if st.LeftVerifiedOnly() {
		return flow.FlowState{}, true
	}
	if !st.BothVerified() {
		return flow.FlowState{}, false
	}
	if st.Flags.Has(flow.FlagReset) {
		return flow.FlowState{}, false
	}

	if reset {
		st.Flags |= flow.FlagReset
	}
	if st.Flags.Has(flow.FlagClosed) {
		if reset {
			t.table.Update(key, st)
		}
		return flow.FlowState{}, false
	}
	if st.Flags.Has(flow.FlagsFin) && isAck {
		t.logger.Debug("Final ACK of teardown", "flow", key)
		st.Flags |= flow.FlagClosed
	}
	if leftFin {
		st.Flags |= flow.FlagLeftFin
	}
	if rightFin {
		st.Flags |= flow.FlagRightFin
	}

	t.table.Update(key, st)
	return st, true
}

// Delete drops key from the current generation immediately.
func (t *Tracker) Delete(key flow.FlowKey) {
	t.table.Delete(key)
}
