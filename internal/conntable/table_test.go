// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package conntable

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/synguard/internal/clock"
	"grimm.is/synguard/internal/errors"
	"grimm.is/synguard/internal/flow"
	"grimm.is/synguard/internal/logging"
)

type countingObserver struct {
	swaps, evicted, retained, promotions, rejected int
}

func (o *countingObserver) Swapped(evicted, retained int) {
	o.swaps++
	o.evicted += evicted
	o.retained += retained
}
func (o *countingObserver) Promoted() { o.promotions++ }
func (o *countingObserver) Rejected() { o.rejected++ }

func newTestTable(cfg *Config) (*Table, *clock.MockClock, *countingObserver) {
	clk := clock.NewMockClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	obs := &countingObserver{}
	tbl := New(cfg, WithClock(clk), WithObserver(obs), WithLogger(logging.Discard()))
	return tbl, clk, obs
}

func key(n uint16) flow.FlowKey {
	return flow.FlowKey{SrcIP: 0x0a000001, DstIP: 0x0a000002, SrcPort: n, DstPort: 80}
}

func TestTable_Defaults(t *testing.T) {
	tbl := New(nil, WithLogger(logging.Discard()))
	assert.Equal(t, DefaultSwapInterval, tbl.Config().SwapInterval)

	tbl = New(&Config{}, WithLogger(logging.Discard()))
	assert.Equal(t, DefaultSwapInterval, tbl.Config().SwapInterval)
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	for name, cfg := range map[string]Config{
		"swap":     {SwapInterval: -time.Second},
		"capacity": {InitialCapacity: -1},
		"max":      {MaxEntries: -1},
	} {
		err := cfg.Validate()
		assert.Equal(t, errors.KindValidation, errors.GetKind(err), name)
	}
}

func TestTable_LookupAndPromotion(t *testing.T) {
	tbl, clk, obs := newTestTable(&Config{SwapInterval: 30 * time.Second})
	k := key(1)
	st := flow.FlowState{Diff: 42, Flags: flow.FlagLeftVerified}

	require.NoError(t, tbl.Insert(k, st))

	t.Run("CurrentHit", func(t *testing.T) {
		got, ok := tbl.Lookup(k)
		assert.True(t, ok)
		assert.Equal(t, st, got)
	})

	t.Run("Miss", func(t *testing.T) {
		_, ok := tbl.Lookup(key(2))
		assert.False(t, ok)
	})

	clk.Advance(31 * time.Second)
	require.True(t, tbl.MaybeSwap())
	cur, old := tbl.Len()
	assert.Equal(t, 0, cur)
	assert.Equal(t, 1, old)

	t.Run("NotInCurrent", func(t *testing.T) {
		_, ok := tbl.LookupCurrent(k)
		assert.False(t, ok)
	})

	t.Run("PromotedFromOld", func(t *testing.T) {
		got, ok := tbl.Lookup(k)
		assert.True(t, ok)
		assert.Equal(t, st, got)

		_, ok = tbl.LookupCurrent(k)
		assert.True(t, ok)
		assert.Equal(t, 1, obs.promotions)
	})

	t.Run("PromotionCopies", func(t *testing.T) {
		tbl.Update(k, flow.FlowState{Diff: 7, Flags: flow.FlagsVerified})
		assert.Equal(t, st, tbl.old[k], "old generation keeps its own value")

		got, _ := tbl.Lookup(k)
		assert.Equal(t, uint32(7), got.Diff)
	})

	stats := tbl.Stats()
	assert.Equal(t, uint64(1), stats.Swaps)
	assert.Equal(t, uint64(1), stats.Promotions)
	assert.Equal(t, uint64(1), stats.Misses)
	assert.Equal(t, 1, stats.Current)
	assert.Equal(t, 1, stats.Old)
}

func TestTable_SwapTiming(t *testing.T) {
	tbl, clk, obs := newTestTable(&Config{SwapInterval: 30 * time.Second})

	clk.Advance(30 * time.Second)
	assert.False(t, tbl.MaybeSwap(), "interval must be exceeded, not just reached")

	clk.Advance(time.Second)
	assert.True(t, tbl.MaybeSwap())
	assert.False(t, tbl.MaybeSwap(), "swap resets the interval")
	assert.Equal(t, 1, obs.swaps)
}

func TestTable_UntouchedEntriesExpire(t *testing.T) {
	const interval = 30 * time.Second
	tbl, clk, obs := newTestTable(&Config{SwapInterval: interval})
	k := key(1)
	require.NoError(t, tbl.Insert(k, flow.FlowState{Diff: 1, Flags: flow.FlagLeftVerified}))

	// Other traffic keeps calling MaybeSwap once per second.
	survivedPastOneInterval := false
	for elapsed := time.Second; elapsed <= 2*interval+2*time.Second; elapsed += time.Second {
		clk.Advance(time.Second)
		tbl.MaybeSwap()
		if elapsed == interval+time.Second {
			_, inOld := tbl.old[k]
			survivedPastOneInterval = inOld
		}
	}

	assert.True(t, survivedPastOneInterval)
	_, ok := tbl.Lookup(k)
	assert.False(t, ok)
	assert.Equal(t, 2, obs.swaps)
	assert.Equal(t, 1, obs.evicted)
}

func TestTable_TouchedEntriesSurvive(t *testing.T) {
	const interval = 30 * time.Second
	tbl, clk, _ := newTestTable(&Config{SwapInterval: interval})
	k := key(1)
	require.NoError(t, tbl.Insert(k, flow.FlowState{Diff: 1, Flags: flow.FlagsVerified}))

	for i := 0; i < 40; i++ {
		clk.Advance(interval)
		tbl.MaybeSwap()
		_, ok := tbl.Lookup(k)
		require.True(t, ok, "round %d", i)
		tbl.MaybeSwap()
	}
	assert.Greater(t, tbl.Stats().Swaps, uint64(10))
}

func TestTable_DeleteOnlyCurrent(t *testing.T) {
	tbl, clk, _ := newTestTable(&Config{SwapInterval: time.Second})
	k := key(1)
	require.NoError(t, tbl.Insert(k, flow.FlowState{Flags: flow.FlagsVerified}))

	clk.Advance(2 * time.Second)
	require.True(t, tbl.MaybeSwap())
	_, ok := tbl.Lookup(k)
	require.True(t, ok)

	tbl.Delete(k)
	_, ok = tbl.LookupCurrent(k)
	assert.False(t, ok)

	// The old copy is still readable until its generation is dropped.
	_, ok = tbl.Lookup(k)
	assert.True(t, ok)
}

func TestTable_MaxEntries(t *testing.T) {
	tbl, _, obs := newTestTable(&Config{SwapInterval: time.Minute, MaxEntries: 2})

	require.NoError(t, tbl.Insert(key(1), flow.FlowState{}))
	require.NoError(t, tbl.Insert(key(2), flow.FlowState{}))

	err := tbl.Insert(key(3), flow.FlowState{})
	require.Error(t, err)
	assert.Equal(t, errors.KindResourceExhausted, errors.GetKind(err))
	assert.Equal(t, 2, errors.GetAttributes(err)["max_entries"])
	assert.Equal(t, 1, obs.rejected)

	// Overwriting a resident key is always allowed.
	assert.NoError(t, tbl.Insert(key(1), flow.FlowState{Diff: 9}))
	assert.Equal(t, uint64(1), tbl.Stats().Rejected)
}

func TestTable_MaxEntriesAllowsPromotion(t *testing.T) {
	tbl, clk, obs := newTestTable(&Config{SwapInterval: time.Minute, MaxEntries: 2})

	require.NoError(t, tbl.Insert(key(1), flow.FlowState{}))
	require.NoError(t, tbl.Insert(key(2), flow.FlowState{}))
	clk.Advance(61 * time.Second)
	require.True(t, tbl.MaybeSwap())

	require.NoError(t, tbl.Insert(key(3), flow.FlowState{}))
	require.NoError(t, tbl.Insert(key(4), flow.FlowState{}))
	require.Error(t, tbl.Insert(key(5), flow.FlowState{}))

	// Promotion ignores the cap.
	_, ok := tbl.Lookup(key(1))
	require.True(t, ok)
	_, ok = tbl.Lookup(key(2))
	require.True(t, ok)
	cur, old := tbl.Len()
	assert.Equal(t, 4, cur)
	assert.Equal(t, 2, old)
	assert.Equal(t, 2, obs.promotions)

	// New inserts are still refused.
	require.Error(t, tbl.Insert(key(6), flow.FlowState{}))
	assert.Equal(t, 2, obs.rejected)
}

func TestTable_ClockGoingBackwards(t *testing.T) {
	tbl, clk, _ := newTestTable(&Config{SwapInterval: time.Second})
	clk.Advance(-time.Hour)
	assert.False(t, tbl.MaybeSwap())
}

func BenchmarkTable_LookupHit(b *testing.B) {
	tbl := New(&Config{InitialCapacity: 1 << 16, SwapInterval: time.Hour}, WithLogger(logging.Discard()))
	for i := 0; i < 1<<16; i++ {
		_ = tbl.Insert(key(uint16(i)), flow.FlowState{Diff: uint32(i)})
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		tbl.Lookup(key(uint16(i)))
	}
}
