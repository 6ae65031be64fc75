// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package classifier

import (
	"encoding/binary"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"

	"grimm.is/synguard/internal/errors"
	"grimm.is/synguard/internal/flow"
)

// Packet is the part of a TCP segment the classifier looks at. Key is in
// wire orientation: source is the sender of this segment.
type Packet struct {
	Key flow.FlowKey
	Seq uint32
	Ack uint32
	SYN bool
	ACK bool
	FIN bool
	RST bool
}

// BareAck reports an ACK without SYN, FIN or RST.
func (p Packet) BareAck() bool { return p.ACK && !p.SYN && !p.FIN && !p.RST }

// Decoder turns raw IPv4 datagrams into Packets. It reuses its layers and is
// not safe for concurrent use.
type Decoder struct {
	parser  *gopacket.DecodingLayerParser
	ip      layers.IPv4
	tcp     layers.TCP
	decoded []gopacket.LayerType
}

// NewDecoder creates a decoder for datagrams starting at the IPv4 header.
func NewDecoder() *Decoder {
	d := &Decoder{decoded: make([]gopacket.LayerType, 0, 2)}
	d.parser = gopacket.NewDecodingLayerParser(layers.LayerTypeIPv4, &d.ip, &d.tcp)
	d.parser.IgnoreUnsupported = true
	return d
}

// Reasons attached to Decode errors under the "reason" attribute.
const (
	// DecodeNotTCP is a well-formed IPv4 datagram of another protocol.
	DecodeNotTCP = "not_tcp"
	// DecodeFragment is a fragment of a TCP datagram. Fragments cannot be
	// classified since only the first one carries the TCP header.
	DecodeFragment = "fragment"
	// DecodeMalformedTCP is an unfragmented TCP datagram whose header does
	// not parse.
	DecodeMalformedTCP = "malformed_tcp"
	// DecodeMalformedIPv4 is a datagram whose IPv4 header does not parse.
	DecodeMalformedIPv4 = "malformed_ipv4"
)

// DecodeReason returns the reason of a Decode error, or "" for other
// errors.
func DecodeReason(err error) string {
	reason, _ := errors.GetAttributes(err)["reason"].(string)
	return reason
}

func decodeError(err error, reason, msg string) error {
	if err == nil {
		return errors.Attr(errors.New(errors.KindDecode, msg), "reason", reason)
	}
	return errors.Attr(errors.Wrap(err, errors.KindDecode, msg), "reason", reason)
}

// Decode parses data. Anything but an unfragmented IPv4 TCP segment is a
// KindDecode error; DecodeReason tells the cases apart.
func (d *Decoder) Decode(data []byte) (Packet, error) {
	err := d.parser.DecodeLayers(data, &d.decoded)

	var sawIP, sawTCP bool
	for _, lt := range d.decoded {
		switch lt {
		case layers.LayerTypeIPv4:
			sawIP = true
		case layers.LayerTypeTCP:
			sawTCP = true
		}
	}
	switch {
	case !sawIP:
		return Packet{}, decodeError(err, DecodeMalformedIPv4, "decode IPv4 header")
	case d.ip.Protocol != layers.IPProtocolTCP:
		return Packet{}, errors.Attr(
			decodeError(nil, DecodeNotTCP, "not a TCP segment"),
			"protocol", d.ip.Protocol.String())
	case d.ip.Flags&layers.IPv4MoreFragments != 0 || d.ip.FragOffset != 0:
		return Packet{}, errors.Attr(
			decodeError(nil, DecodeFragment, "fragmented TCP datagram"),
			"offset", d.ip.FragOffset)
	case err != nil || !sawTCP:
		return Packet{}, decodeError(err, DecodeMalformedTCP, "decode TCP header")
	}

	return Packet{
		Key: flow.FlowKey{
			SrcIP:   binary.BigEndian.Uint32(d.ip.SrcIP.To4()),
			DstIP:   binary.BigEndian.Uint32(d.ip.DstIP.To4()),
			SrcPort: uint16(d.tcp.SrcPort),
			DstPort: uint16(d.tcp.DstPort),
		},
		Seq: d.tcp.Seq,
		Ack: d.tcp.Ack,
		SYN: d.tcp.SYN,
		ACK: d.tcp.ACK,
		FIN: d.tcp.FIN,
		RST: d.tcp.RST,
	}, nil
}

// Decode parses a single datagram with a fresh Decoder.
func Decode(data []byte) (Packet, error) {
	return NewDecoder().Decode(data)
}
