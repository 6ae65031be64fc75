// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package flow

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlowKey(t *testing.T) {
	key, ok := KeyFromAddrs(netip.MustParseAddr("10.0.0.1"), netip.MustParseAddr("192.168.1.20"), 40000, 443)
	require.True(t, ok)

	assert.Equal(t, uint32(0x0a000001), key.SrcIP)
	assert.Equal(t, uint32(0xc0a80114), key.DstIP)
	assert.Equal(t, "10.0.0.1:40000->192.168.1.20:443", key.String())

	rev := key.Reverse()
	assert.NotEqual(t, key, rev)
	assert.Equal(t, key, rev.Reverse())
	assert.Equal(t, netip.MustParseAddr("192.168.1.20"), rev.Src())
	assert.Equal(t, uint16(443), rev.SrcPort)

	t.Run("NonIPv4", func(t *testing.T) {
		_, ok := KeyFromAddrs(netip.MustParseAddr("::1"), netip.MustParseAddr("10.0.0.1"), 1, 2)
		assert.False(t, ok)
	})

	t.Run("Hash", func(t *testing.T) {
		assert.Equal(t, key.Hash(), key.Hash())
		assert.NotEqual(t, key.Hash(), rev.Hash())
	})
}

func TestFlagValues(t *testing.T) {
	assert.Equal(t, Flags(1), FlagReset)
	assert.Equal(t, Flags(2), FlagClosed)
	assert.Equal(t, Flags(4), FlagLeftVerified)
	assert.Equal(t, Flags(8), FlagRightVerified)
	assert.Equal(t, Flags(16), FlagLeftFin)
	assert.Equal(t, Flags(32), FlagRightFin)
	assert.Equal(t, Flags(12), FlagsVerified)
	assert.Equal(t, Flags(48), FlagsFin)
}

func TestFlagsString(t *testing.T) {
	assert.Equal(t, "NONE", Flags(0).String())
	assert.Equal(t, "LEFT_VERIFIED|RIGHT_VERIFIED", FlagsVerified.String())
	assert.Equal(t, "RESET|0x80", (FlagReset | 0x80).String())
}

func TestFlowStatePredicates(t *testing.T) {
	pending := FlowState{Diff: 1000, Flags: FlagLeftVerified}
	ack, ok := pending.PendingAck()
	assert.True(t, ok)
	assert.Equal(t, uint32(1000), ack)
	_, ok = pending.SeqDelta()
	assert.False(t, ok)
	assert.True(t, pending.LeftVerifiedOnly())
	assert.False(t, pending.Stalled())

	verified := FlowState{Diff: 1001, Flags: FlagsVerified | FlagLeftFin}
	delta, ok := verified.SeqDelta()
	assert.True(t, ok)
	assert.Equal(t, uint32(1001), delta)
	_, ok = verified.PendingAck()
	assert.False(t, ok)
	assert.False(t, verified.Dead())

	assert.True(t, FlowState{}.Stalled())
	assert.True(t, FlowState{Flags: FlagsVerified | FlagClosed}.Dead())
	assert.True(t, FlowState{Flags: FlagsVerified | FlagReset}.Dead())
}
