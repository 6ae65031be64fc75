// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package cookie

import (
	"encoding/binary"
	"testing"

	"github.com/dchest/siphash"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/synguard/internal/errors"
	"grimm.is/synguard/internal/flow"
)

var testSecret = []byte("518dee47394431d4")

func testFlow() flow.FlowKey {
	return flow.FlowKey{SrcIP: 0x0a000001, DstIP: 0xc0a80114, SrcPort: 40000, DstPort: 443}
}

func TestNewKey(t *testing.T) {
	_, err := NewKey([]byte("short"))
	require.Error(t, err)
	assert.Equal(t, errors.KindValidation, errors.GetKind(err))
	assert.Equal(t, 5, errors.GetAttributes(err)["got"])

	_, err = NewKey(testSecret)
	assert.NoError(t, err)
}

func TestKeyDerivationMatchesReference(t *testing.T) {
	secret := make([]byte, 16)
	msg := make([]byte, 15)
	for i := range secret {
		secret[i] = byte(i)
	}
	for i := range msg {
		msg[i] = byte(i)
	}

	key, err := NewKey(secret)
	require.NoError(t, err)
	// Reference vector from the SipHash paper.
	assert.Equal(t, uint64(0xa129ca6149be45e5), siphash.Hash(key.k0, key.k1, msg))
}

func TestSumMatchesStreamingHash(t *testing.T) {
	key, err := NewKey(testSecret)
	require.NoError(t, err)
	fk := testFlow()

	h := siphash.New(testSecret)
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], fk.SrcIP)
	h.Write(b[:])
	binary.LittleEndian.PutUint32(b[:], fk.DstIP)
	h.Write(b[:])
	binary.LittleEndian.PutUint16(b[:2], fk.SrcPort)
	h.Write(b[:2])
	binary.LittleEndian.PutUint16(b[:2], fk.DstPort)
	h.Write(b[:2])
	binary.LittleEndian.PutUint32(b[:], 77)
	h.Write(b[:])

	assert.Equal(t, h.Sum64(), key.Sum(fk, 77))
	assert.Equal(t, uint32(h.Sum64())&Mask, key.Cookie(fk, 77))
}

func TestCookie(t *testing.T) {
	key, err := NewKey(testSecret)
	require.NoError(t, err)
	fk := testFlow()

	t.Run("Deterministic", func(t *testing.T) {
		assert.Equal(t, key.Cookie(fk, 1234), key.Cookie(fk, 1234))
	})

	t.Run("Range", func(t *testing.T) {
		for ts := uint32(0); ts < 512; ts++ {
			assert.Less(t, key.Cookie(fk, ts), uint32(1<<20))
		}
	})

	t.Run("FieldSensitivity", func(t *testing.T) {
		base := key.Cookie(fk, 1234)

		variants := map[string]flow.FlowKey{
			"src_ip":   {SrcIP: fk.SrcIP + 1, DstIP: fk.DstIP, SrcPort: fk.SrcPort, DstPort: fk.DstPort},
			"dst_ip":   {SrcIP: fk.SrcIP, DstIP: fk.DstIP + 1, SrcPort: fk.SrcPort, DstPort: fk.DstPort},
			"src_port": {SrcIP: fk.SrcIP, DstIP: fk.DstIP, SrcPort: fk.SrcPort + 1, DstPort: fk.DstPort},
			"dst_port": {SrcIP: fk.SrcIP, DstIP: fk.DstIP, SrcPort: fk.SrcPort, DstPort: fk.DstPort + 1},
			"reverse":  fk.Reverse(),
		}
		for name, v := range variants {
			assert.NotEqual(t, base, key.Cookie(v, 1234), name)
		}
		assert.NotEqual(t, base, key.Cookie(fk, 1235), "timestamp")
	})

	t.Run("SecretSensitivity", func(t *testing.T) {
		other, err := NewKey([]byte("0123456789abcdef"))
		require.NoError(t, err)
		assert.NotEqual(t, key.Sum(fk, 1234), other.Sum(fk, 1234))
	})
}

func BenchmarkCookie(b *testing.B) {
	key, _ := NewKey(testSecret)
	fk := testFlow()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_ = key.Cookie(fk, uint32(i))
	}
}
