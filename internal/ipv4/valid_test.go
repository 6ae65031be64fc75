// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package ipv4

import (
	"net"
	"testing"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildIPv4(t *testing.T, options bool) []byte {
	t.Helper()
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    net.IPv4(10, 0, 0, 1),
		DstIP:    net.IPv4(192, 168, 1, 20),
	}
	if options {
		ip.Options = []layers.IPv4Option{{OptionType: 1}, {OptionType: 1}, {OptionType: 1}, {OptionType: 1}}
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, ip, gopacket.Payload([]byte("payload"))))
	return buf.Bytes()
}

func TestMask(t *testing.T) {
	m := NewMask(130)
	assert.Equal(t, 130, m.Len())
	assert.Equal(t, 0, m.Count())

	m.Set(0)
	m.Set(64)
	m.Set(129)
	m.Set(130) // out of range
	m.Set(-1)
	assert.Equal(t, []int{0, 64, 129}, m.Indices())
	assert.True(t, m.Get(64))
	assert.False(t, m.Get(63))

	m.Clear(64)
	assert.Equal(t, 2, m.Count())

	m.ClearAll()
	assert.Empty(t, m.Indices())

	t.Run("Full", func(t *testing.T) {
		f := FullMask(70)
		assert.Equal(t, 70, f.Count())
		assert.False(t, f.Get(70))
		assert.Equal(t, 64, FullMask(64).Count())
	})
}

func TestHeaderChecksumOK(t *testing.T) {
	pkt := buildIPv4(t, false)
	assert.True(t, HeaderChecksumOK(pkt[:20]))

	pkt[8]-- // TTL
	assert.False(t, HeaderChecksumOK(pkt[:20]))
}

func TestValidate(t *testing.T) {
	good := buildIPv4(t, false)
	withOpts := buildIPv4(t, true)

	corrupt := append([]byte(nil), good...)
	corrupt[10] ^= 0xff

	v6 := append([]byte(nil), good...)
	v6[0] = 0x65

	tests := []struct {
		name string
		buf  Buf
		want Reason
	}{
		{"SoftwareGood", Buf{Data: good}, ReasonOK},
		{"SoftwareOptions", Buf{Data: withOpts}, ReasonOK},
		{"SoftwareBadChecksum", Buf{Data: corrupt}, ReasonBadCksum},
		{"Short", Buf{Data: good[:19]}, ReasonShort},
		{"ShortEvenIfFlagged", Buf{Data: good[:10], Offload: OffloadIPv4Hdr | OffloadCksumGood}, ReasonShort},
		{"FlaggedGood", Buf{Data: corrupt, Offload: OffloadIPv4Hdr | OffloadCksumGood}, ReasonOK},
		{"FlaggedExtGood", Buf{Data: withOpts, Offload: OffloadIPv4HdrExt | OffloadCksumGood}, ReasonOK},
		{"FlaggedBad", Buf{Data: good, Offload: OffloadIPv4Hdr | OffloadCksumBad}, ReasonBadCksum},
		{"FlaggedHeaderSoftwareChecksum", Buf{Data: corrupt, Offload: OffloadIPv4Hdr}, ReasonBadCksum},
		{"ChecksumFlagWithoutHeader", Buf{Data: good, Offload: OffloadCksumGood}, ReasonNotIPv4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Validate(tt.buf))
		})
	}

	t.Run("WrongVersion", func(t *testing.T) {
		assert.NotEqual(t, ReasonOK, Validate(Buf{Data: v6}))
	})
}

func TestCheckValid(t *testing.T) {
	good := buildIPv4(t, false)
	bufs := []Buf{
		{Data: good},
		{Data: good[:12]},
		{Data: good, Offload: OffloadIPv4Hdr | OffloadCksumBad},
		{Data: good},
		{Data: good, Offload: OffloadIPv4Hdr | OffloadCksumGood},
	}

	in := FullMask(len(bufs))
	in.Clear(3)

	var rejected []int
	out := CheckValidFunc(bufs, in, func(i int, _ Reason) { rejected = append(rejected, i) })
	assert.Equal(t, []int{0, 4}, out.Indices())
	assert.Equal(t, []int{1, 2}, rejected)
	assert.Equal(t, in.Len(), out.Len())

	t.Run("OutputSubsetOfInput", func(t *testing.T) {
		out := CheckValid(bufs, NewMask(len(bufs)))
		assert.Zero(t, out.Count())
	})

	t.Run("MaskLargerThanBatch", func(t *testing.T) {
		out := CheckValid(bufs[:1], FullMask(8))
		assert.Equal(t, []int{0}, out.Indices())
		assert.Equal(t, 8, out.Len())
	})
}
