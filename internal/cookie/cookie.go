// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package cookie derives SYN-cookie verification values with SipHash-2-4.
package cookie

import (
	"encoding/binary"

	"github.com/dchest/siphash"

	"grimm.is/synguard/internal/errors"
	"grimm.is/synguard/internal/flow"
)

const (
	// SecretSize is the length of the SipHash key in bytes.
	SecretSize = 16
	// Bits is the width of a cookie.
	Bits = 20
	// Mask selects the cookie bits of a SipHash sum.
	Mask uint32 = 1<<Bits - 1
)

// Key is a prepared SipHash key. The zero value is a valid (all-zero) key,
// which is only suitable for tests.
type Key struct {
	k0, k1 uint64
}

// NewKey prepares a key from a 128-bit secret.
func NewKey(secret []byte) (Key, error) {
	if len(secret) != SecretSize {
		return Key{}, errors.Attr(
			errors.Errorf(errors.KindValidation, "cookie secret must be %d bytes", SecretSize),
			"got", len(secret))
	}
	return Key{
		k0: binary.LittleEndian.Uint64(secret[0:8]),
		k1: binary.LittleEndian.Uint64(secret[8:16]),
	}, nil
}

// Sum returns the full 64-bit SipHash-2-4 of the flow tuple and timestamp.
// Fields are hashed as src ip, dst ip, src port, dst port, timestamp, each
// little endian.
func (k Key) Sum(key flow.FlowKey, timestamp uint32) uint64 {
	var msg [16]byte
	binary.LittleEndian.PutUint32(msg[0:4], key.SrcIP)
	binary.LittleEndian.PutUint32(msg[4:8], key.DstIP)
	binary.LittleEndian.PutUint16(msg[8:10], key.SrcPort)
	binary.LittleEndian.PutUint16(msg[10:12], key.DstPort)
	binary.LittleEndian.PutUint32(msg[12:16], timestamp)
	return siphash.Hash(k.k0, k.k1, msg[:])
}

// Cookie returns the low 20 bits of Sum.
func (k Key) Cookie(key flow.FlowKey, timestamp uint32) uint32 {
	return uint32(k.Sum(key, timestamp)) & Mask
}
