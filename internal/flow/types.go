// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package flow defines the per-flow key and state tracked by the handshake
// verifier.
package flow

import (
	"encoding/binary"
	"fmt"
	"net/netip"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// FlowKey identifies one direction of a TCP connection. It is directional:
// the reverse tuple is a different key. By convention the tracker always
// stores flows in client->server orientation.
type FlowKey struct {
	SrcIP   uint32 `json:"src_ip"`
	DstIP   uint32 `json:"dst_ip"`
	SrcPort uint16 `json:"src_port"`
	DstPort uint16 `json:"dst_port"`
}

// KeyFromAddrs builds a key from IPv4 addresses. Non-IPv4 addresses yield
// ok == false.
func KeyFromAddrs(src, dst netip.Addr, srcPort, dstPort uint16) (FlowKey, bool) {
	if !src.Is4() || !dst.Is4() {
		return FlowKey{}, false
	}
	s, d := src.As4(), dst.As4()
	return FlowKey{
		SrcIP:   binary.BigEndian.Uint32(s[:]),
		DstIP:   binary.BigEndian.Uint32(d[:]),
		SrcPort: srcPort,
		DstPort: dstPort,
	}, true
}

// Reverse returns the key of the opposite direction.
func (k FlowKey) Reverse() FlowKey {
	return FlowKey{
		SrcIP:   k.DstIP,
		DstIP:   k.SrcIP,
		SrcPort: k.DstPort,
		DstPort: k.SrcPort,
	}
}

// Src returns the source address.
func (k FlowKey) Src() netip.Addr { return u32ToAddr(k.SrcIP) }

// Dst returns the destination address.
func (k FlowKey) Dst() netip.Addr { return u32ToAddr(k.DstIP) }

// Hash spreads keys across shards. It only affects distribution.
func (k FlowKey) Hash() uint64 {
	var b [12]byte
	binary.LittleEndian.PutUint32(b[0:4], k.SrcIP)
	binary.LittleEndian.PutUint32(b[4:8], k.DstIP)
	binary.LittleEndian.PutUint16(b[8:10], k.SrcPort)
	binary.LittleEndian.PutUint16(b[10:12], k.DstPort)
	return xxhash.Sum64(b[:])
}

// String returns "a.b.c.d:p->e.f.g.h:q".
func (k FlowKey) String() string {
	return fmt.Sprintf("%s:%d->%s:%d", k.Src(), k.SrcPort, k.Dst(), k.DstPort)
}

func u32ToAddr(ip uint32) netip.Addr {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], ip)
	return netip.AddrFrom4(b)
}

// Flags is the per-flow handshake and teardown bitset.
type Flags uint8

const (
	// FlagReset marks a connection aborted by either side. Sticky.
	FlagReset Flags = 1 << iota
	// FlagClosed marks a completed FIN/FIN/ACK teardown. Sticky.
	FlagClosed
	// FlagLeftVerified is set once the client proved its address with a
	// valid cookie.
	FlagLeftVerified
	// FlagRightVerified is set once the server's SYN-ACK was seen. Never set
	// without FlagLeftVerified.
	FlagRightVerified
	// FlagLeftFin records a FIN from the client.
	FlagLeftFin
	// FlagRightFin records a FIN from the server.
	FlagRightFin
)

// FlagsVerified masks both verification bits.
const FlagsVerified = FlagLeftVerified | FlagRightVerified

// FlagsFin masks both FIN bits.
const FlagsFin = FlagLeftFin | FlagRightFin

var flagNames = [...]string{"RESET", "CLOSED", "LEFT_VERIFIED", "RIGHT_VERIFIED", "LEFT_FIN", "RIGHT_FIN"}

// Has reports whether all bits of mask are set.
func (f Flags) Has(mask Flags) bool { return f&mask == mask }

func (f Flags) String() string {
	if f == 0 {
		return "NONE"
	}
	var parts []string
	for i, name := range flagNames {
		if f&(1<<i) != 0 {
			parts = append(parts, name)
		}
	}
	if rest := f &^ (1<<len(flagNames) - 1); rest != 0 {
		parts = append(parts, fmt.Sprintf("0x%02x", uint8(rest)))
	}
	return strings.Join(parts, "|")
}

// FlowState is the per-flow record.
//
// Diff is read two ways. Until FlagRightVerified is set it holds the client's
// acknowledgment number (cookie + 1) awaiting the server's SYN-ACK. Afterwards
// it holds the sequence delta seq - ack + 1 (mod 2^32) between the server's
// real numbering and the cookie numbering.
type FlowState struct {
	Diff  uint32 `json:"diff"`
	Flags Flags  `json:"flags"`
}

// PendingAck returns the stored acknowledgment number while the flow waits
// for the server.
func (s FlowState) PendingAck() (uint32, bool) {
	if !s.LeftVerifiedOnly() {
		return 0, false
	}
	return s.Diff, true
}

// SeqDelta returns the translation offset once both sides are verified.
func (s FlowState) SeqDelta() (uint32, bool) {
	if !s.BothVerified() {
		return 0, false
	}
	return s.Diff, true
}

// Stalled reports whether s is the sentinel returned for flows still waiting
// on the server's SYN-ACK.
func (s FlowState) Stalled() bool { return s.Flags == 0 }

// LeftVerifiedOnly reports whether only the client side has been verified.
func (s FlowState) LeftVerifiedOnly() bool { return s.Flags&FlagsVerified == FlagLeftVerified }

// BothVerified reports whether the handshake has been confirmed on both
// sides.
func (s FlowState) BothVerified() bool { return s.Flags.Has(FlagsVerified) }

// Dead reports whether the flow was reset or closed.
func (s FlowState) Dead() bool { return s.Flags&(FlagReset|FlagClosed) != 0 }
