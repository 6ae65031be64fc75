// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package ipv4 filters a batch of received buffers down to the ones that
// carry a usable IPv4 header.
//
// Receive paths that parse headers in hardware report what they saw as
// offload flags. When no flags are reported the header is parsed and the
// checksum verified in software.
package ipv4

import (
	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
)

// MinHeaderLen is the size of an IPv4 header without options.
const MinHeaderLen = 20

// OffloadFlags describe what the receive path already checked.
type OffloadFlags uint16

const (
	// OffloadIPv4Hdr marks a plain IPv4 header.
	OffloadIPv4Hdr OffloadFlags = 1 << iota
	// OffloadIPv4HdrExt marks an IPv4 header with options.
	OffloadIPv4HdrExt
	// OffloadCksumBad marks a header whose checksum failed.
	OffloadCksumBad
	// OffloadCksumGood marks a header whose checksum was verified.
	OffloadCksumGood
)

const offloadHdr = OffloadIPv4Hdr | OffloadIPv4HdrExt

// Buf is one received packet starting at its IPv4 header.
type Buf struct {
	Data    []byte
	Offload OffloadFlags
}

// Reason says why a buffer failed the check.
type Reason string

const (
	ReasonOK        Reason = ""
	ReasonShort     Reason = "short"
	ReasonNotIPv4   Reason = "not_ipv4"
	ReasonBadCksum  Reason = "bad_checksum"
	ReasonMalformed Reason = "malformed"
)

// Validate checks a single buffer and returns ReasonOK when it is usable.
func Validate(b Buf) Reason {
	if len(b.Data) < MinHeaderLen {
		return ReasonShort
	}
	if b.Offload&OffloadCksumBad != 0 {
		return ReasonBadCksum
	}

	if b.Offload == 0 {
		var ip layers.IPv4
		if err := ip.DecodeFromBytes(b.Data, gopacket.NilDecodeFeedback); err != nil {
			return ReasonMalformed
		}
		if ip.Version != 4 {
			return ReasonNotIPv4
		}
	} else if b.Offload&offloadHdr == 0 {
		return ReasonNotIPv4
	}

	if b.Offload&OffloadCksumGood != 0 {
		return ReasonOK
	}
	hlen := int(b.Data[0]&0x0f) * 4
	if hlen < MinHeaderLen || hlen > len(b.Data) {
		return ReasonMalformed
	}
	if !HeaderChecksumOK(b.Data[:hlen]) {
		return ReasonBadCksum
	}
	return ReasonOK
}

// CheckValid returns a mask with bit i set iff bit i is set in in and
// bufs[i] passes Validate. The result has the size of in.
func CheckValid(bufs []Buf, in Mask) Mask {
	return CheckValidFunc(bufs, in, nil)
}

// CheckValidFunc is CheckValid with a callback for every rejected index.
func CheckValidFunc(bufs []Buf, in Mask, rejected func(i int, r Reason)) Mask {
	out := NewMask(in.Len())
	for _, i := range in.Indices() {
		if i >= len(bufs) {
			break
		}
		if r := Validate(bufs[i]); r != ReasonOK {
			if rejected != nil {
				rejected(i, r)
			}
			continue
		}
		out.Set(i)
	}
	return out
}

// HeaderChecksumOK verifies the ones' complement checksum of an IPv4
// header including its checksum field.
func HeaderChecksumOK(hdr []byte) bool {
	var sum uint32
	for i := 0; i+1 < len(hdr); i += 2 {
		sum += uint32(hdr[i])<<8 | uint32(hdr[i+1])
	}
	if len(hdr)%2 == 1 {
		sum += uint32(hdr[len(hdr)-1]) << 8
	}
	for sum>>16 != 0 {
		sum = sum&0xffff + sum>>16
	}
	return uint16(sum) == 0xffff
}
