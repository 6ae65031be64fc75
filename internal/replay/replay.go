// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package replay drives a classifier from a packet capture. The mock clock
// follows capture timestamps, so cookie ticks and table generations age the
// way they did on the wire.
package replay

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/gopacket/gopacket/pcapgo"

	"grimm.is/synguard/internal/classifier"
	"grimm.is/synguard/internal/clock"
	"grimm.is/synguard/internal/errors"
	"grimm.is/synguard/internal/ipv4"
	"grimm.is/synguard/internal/logging"
	"grimm.is/synguard/internal/metrics"
)

// Summary counts what a replay saw.
type Summary struct {
	Packets int `json:"packets"`
	NonIPv4 int `json:"non_ipv4"`
	// Invalid counts datagrams filtered before classification; Filtered
	// breaks them down by reason.
	Invalid  int            `json:"invalid"`
	Filtered map[string]int `json:"filtered"`
	NotTCP   int            `json:"not_tcp"`
	Actions  map[string]int `json:"actions"`
	Drops    map[string]int `json:"drops"`
	First    time.Time      `json:"first"`
	Last     time.Time      `json:"last"`
}

func newSummary() *Summary {
	return &Summary{
		Filtered: make(map[string]int),
		Actions:  make(map[string]int),
		Drops:    make(map[string]int),
	}
}

// ActionNames returns the recorded action names in sorted order.
func (s *Summary) ActionNames() []string {
	names := make([]string, 0, len(s.Actions))
	for n := range s.Actions {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// packetSource is satisfied by both pcap and pcapng readers.
type packetSource interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
	LinkType() layers.LinkType
}

// Replayer feeds captured packets to one classifier.
type Replayer struct {
	classifier *classifier.Classifier
	clock      *clock.MockClock
	decoder    *classifier.Decoder
	metrics    *metrics.Metrics
	logger     *logging.Logger

	// OnDecision, if set, sees every classified packet.
	OnDecision func(ci gopacket.CaptureInfo, p classifier.Packet, d classifier.Decision)
}

// Option customizes a Replayer.
type Option func(*Replayer)

// WithMetrics counts filtered packets.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Replayer) { r.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(r *Replayer) { r.logger = l }
}

// NewReplayer creates a replayer. clk must be the clock c and its table were
// built with.
func NewReplayer(c *classifier.Classifier, clk *clock.MockClock, opts ...Option) *Replayer {
	r := &Replayer{
		classifier: c,
		clock:      clk,
		decoder:    classifier.NewDecoder(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = logging.WithComponent("replay")
	}
	return r
}

// ReplayFile replays a .pcap or .pcapng file.
func (r *Replayer) ReplayFile(ctx context.Context, path string) (*Summary, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Attr(errors.Wrap(err, errors.KindNotFound, "open capture"), "path", path)
	}
	defer f.Close()

	var src packetSource
	if strings.EqualFold(filepath.Ext(path), ".pcapng") {
		src, err = pcapgo.NewNgReader(f, pcapgo.DefaultNgReaderOptions)
	} else {
		src, err = pcapgo.NewReader(f)
	}
	if err != nil {
		return nil, errors.Attr(errors.Wrap(err, errors.KindDecode, "read capture header"), "path", path)
	}
	return r.replay(ctx, src)
}

// Replay replays a classic pcap stream.
func (r *Replayer) Replay(ctx context.Context, in io.Reader) (*Summary, error) {
	src, err := pcapgo.NewReader(in)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindDecode, "read capture header")
	}
	return r.replay(ctx, src)
}

// batchSize is how many captured packets pass the validity filter at once.
const batchSize = 64

type captured struct {
	ci       gopacket.CaptureInfo
	datagram []byte
}

func (r *Replayer) replay(ctx context.Context, src packetSource) (*Summary, error) {
	sum := newSummary()
	start := time.Now()
	linkType := src.LinkType()

	batch := make([]captured, 0, batchSize)
	for eof := false; !eof; {
		if err := ctx.Err(); err != nil {
			return sum, err
		}

		batch = batch[:0]
		for len(batch) < batchSize {
			data, ci, err := src.ReadPacketData()
			if err == io.EOF {
				eof = true
				break
			}
			if err != nil {
				return sum, errors.Attr(errors.Wrap(err, errors.KindDecode, "read packet"), "packet", sum.Packets)
			}
			sum.Packets++
			if !ci.Timestamp.IsZero() {
				if sum.First.IsZero() {
					sum.First = ci.Timestamp
				}
				sum.Last = ci.Timestamp
			}
			batch = append(batch, captured{ci: ci, datagram: ipv4Datagram(data, linkType)})
		}
		r.process(batch, sum)
	}

	if !sum.Last.IsZero() {
		r.clock.Set(sum.Last)
	}
	r.logger.Info("Replay finished", "packets", sum.Packets, "elapsed", time.Since(start))
	return sum, nil
}

// ipv4Datagram returns the IPv4 header and payload of a frame, or nil.
func ipv4Datagram(data []byte, linkType layers.LinkType) []byte {
	pkt := gopacket.NewPacket(data, linkType, gopacket.DecodeOptions{NoCopy: true, Lazy: true})
	l := pkt.Layer(layers.LayerTypeIPv4)
	if l == nil {
		return nil
	}
	return append(append([]byte(nil), l.LayerContents()...), l.LayerPayload()...)
}

// process filters a batch down to valid IPv4 datagrams and classifies them
// in capture order. The clock is moved to each packet's timestamp before it
// is classified.
func (r *Replayer) process(batch []captured, sum *Summary) {
	bufs := make([]ipv4.Buf, len(batch))
	candidates := ipv4.FullMask(len(batch))
	for i, c := range batch {
		if c.datagram == nil {
			sum.NonIPv4++
			candidates.Clear(i)
			continue
		}
		bufs[i] = ipv4.Buf{Data: c.datagram}
	}

	valid := ipv4.CheckValidFunc(bufs, candidates, func(_ int, reason ipv4.Reason) {
		r.filtered(sum, string(reason))
	})

	for _, i := range valid.Indices() {
		c := batch[i]
		if !c.ci.Timestamp.IsZero() {
			r.clock.Set(c.ci.Timestamp)
		}

		p, err := r.decoder.Decode(c.datagram)
		if err != nil {
			if reason := classifier.DecodeReason(err); reason == classifier.DecodeNotTCP {
				sum.NotTCP++
			} else {
				r.filtered(sum, reason)
			}
			continue
		}

		d := r.classifier.Classify(p)
		sum.Actions[d.Action.String()]++
		if d.Action == classifier.ActionDrop {
			sum.Drops[d.Reason]++
		}
		if r.OnDecision != nil {
			r.OnDecision(c.ci, p, d)
		}
	}
}

func (r *Replayer) filtered(sum *Summary, reason string) {
	sum.Invalid++
	sum.Filtered[reason]++
	if r.metrics != nil {
		r.metrics.PacketsFiltered.WithLabelValues(reason).Inc()
	}
}
