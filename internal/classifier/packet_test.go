// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package classifier

import (
	"net"
	"testing"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/synguard/internal/errors"
)

func serialize(t *testing.T, ls ...gopacket.SerializableLayer) []byte {
	t.Helper()
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, ls...))
	return buf.Bytes()
}

func testIP(proto layers.IPProtocol) *layers.IPv4 {
	return &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: proto,
		SrcIP:    net.IPv4(10, 0, 0, 1).To4(),
		DstIP:    net.IPv4(192, 168, 1, 20).To4(),
	}
}

func TestDecode(t *testing.T) {
	ip := testIP(layers.IPProtocolTCP)
	tcp := &layers.TCP{
		SrcPort: 40000,
		DstPort: 443,
		Seq:     1000,
		Ack:     2000,
		SYN:     true,
		ACK:     true,
		Window:  65535,
	}
	require.NoError(t, tcp.SetNetworkLayerForChecksum(ip))

	p, err := Decode(serialize(t, ip, tcp, gopacket.Payload([]byte("hello"))))
	require.NoError(t, err)

	assert.Equal(t, "10.0.0.1:40000->192.168.1.20:443", p.Key.String())
	assert.Equal(t, uint32(1000), p.Seq)
	assert.Equal(t, uint32(2000), p.Ack)
	assert.True(t, p.SYN)
	assert.True(t, p.ACK)
	assert.False(t, p.FIN)
	assert.False(t, p.RST)
	assert.False(t, p.BareAck())

	t.Run("DecoderReuse", func(t *testing.T) {
		d := NewDecoder()
		tcp := &layers.TCP{SrcPort: 1, DstPort: 2, ACK: true, FIN: true}
		require.NoError(t, tcp.SetNetworkLayerForChecksum(ip))
		data := serialize(t, ip, tcp)

		for i := 0; i < 3; i++ {
			p, err := d.Decode(data)
			require.NoError(t, err)
			assert.True(t, p.FIN)
			assert.Equal(t, uint16(1), p.Key.SrcPort)
		}
	})
}

func TestDecodeErrors(t *testing.T) {
	t.Run("UDP", func(t *testing.T) {
		ip := testIP(layers.IPProtocolUDP)
		udp := &layers.UDP{SrcPort: 53, DstPort: 53}
		require.NoError(t, udp.SetNetworkLayerForChecksum(ip))

		_, err := Decode(serialize(t, ip, udp))
		require.Error(t, err)
		assert.Equal(t, errors.KindDecode, errors.GetKind(err))
		assert.Equal(t, "UDP", errors.GetAttributes(err)["protocol"])
		assert.Equal(t, DecodeNotTCP, DecodeReason(err))
	})

	t.Run("Garbage", func(t *testing.T) {
		_, err := Decode([]byte{0x45, 0x00})
		assert.Equal(t, errors.KindDecode, errors.GetKind(err))
		assert.Equal(t, DecodeMalformedIPv4, DecodeReason(err))
	})

	t.Run("TruncatedTCP", func(t *testing.T) {
		ip := testIP(layers.IPProtocolTCP)
		_, err := Decode(serialize(t, ip, gopacket.Payload([]byte{0, 1, 2, 3})))
		assert.Equal(t, errors.KindDecode, errors.GetKind(err))
		assert.Equal(t, DecodeMalformedTCP, DecodeReason(err))
	})

	t.Run("ShortDataOffset", func(t *testing.T) {
		ip := testIP(layers.IPProtocolTCP)
		tcp := &layers.TCP{SrcPort: 40000, DstPort: 443, SYN: true}
		require.NoError(t, tcp.SetNetworkLayerForChecksum(ip))
		data := serialize(t, ip, tcp)
		data[20+12] = 3 << 4

		_, err := Decode(data)
		assert.Equal(t, DecodeMalformedTCP, DecodeReason(err))
	})

	t.Run("FirstFragment", func(t *testing.T) {
		ip := testIP(layers.IPProtocolTCP)
		ip.Flags = layers.IPv4MoreFragments
		tcp := &layers.TCP{SrcPort: 40000, DstPort: 443, SYN: true}
		require.NoError(t, tcp.SetNetworkLayerForChecksum(ip))

		_, err := Decode(serialize(t, ip, tcp))
		assert.Equal(t, errors.KindDecode, errors.GetKind(err))
		assert.Equal(t, DecodeFragment, DecodeReason(err))
	})

	t.Run("LaterFragment", func(t *testing.T) {
		ip := testIP(layers.IPProtocolTCP)
		ip.FragOffset = 8
		_, err := Decode(serialize(t, ip, gopacket.Payload(make([]byte, 24))))
		assert.Equal(t, DecodeFragment, DecodeReason(err))
	})

	t.Run("OtherErrors", func(t *testing.T) {
		assert.Empty(t, DecodeReason(errors.New(errors.KindInternal, "x")))
		assert.Empty(t, DecodeReason(nil))
	})
}
