package logsource

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeSource struct{ Source }

func recordingListener() (ListenerFunc, func() []Modification) {
	var mu sync.Mutex
	var got []Modification
	fn := ListenerFunc(func(_ Source, mod Modification) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, mod)
	})
	snap := func() []Modification {
		mu.Lock()
		defer mu.Unlock()
		out := make([]Modification, len(got))
		copy(out, got)
		return out
	}
	return fn, snap
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.True(t, cond(), "condition not met within %s", timeout)
}

func TestFanoutFlushesImmediatelyOnBatchSizeReached(t *testing.T) {
	f := NewFanout((*fakeSource)(nil), nil)
	t.Cleanup(f.Dispose)
	listener, snap := recordingListener()
	f.Add(listener, time.Hour, 5)

	f.NotifyRead(10)

	waitFor(t, time.Second, func() bool { return len(snap()) == 1 })
	mods := snap()
	assert.Equal(t, ModAppended, mods[0].Kind)
	assert.Equal(t, NewSection(0, 10), mods[0].Section)
}

func TestFanoutReportsDeltaNotAbsoluteAcrossRepeatedFlushes(t *testing.T) {
	f := NewFanout((*fakeSource)(nil), nil)
	t.Cleanup(f.Dispose)
	listener, snap := recordingListener()
	f.Add(listener, time.Hour, 1)

	f.NotifyRead(1)
	waitFor(t, time.Second, func() bool { return len(snap()) == 1 })
	f.NotifyRead(2)
	waitFor(t, time.Second, func() bool { return len(snap()) == 2 })
	f.NotifyRead(3)
	waitFor(t, time.Second, func() bool { return len(snap()) == 3 })

	mods := snap()
	assert.Equal(t, NewSection(0, 1), mods[0].Section, "first flush reports the new rows from zero")
	assert.Equal(t, NewSection(1, 1), mods[1].Section, "second flush must not re-report row 0")
	assert.Equal(t, NewSection(2, 1), mods[2].Section, "third flush must not re-report rows 0-1")
}

func TestFanoutRemoveRewindsWatermarkForSubsequentDelta(t *testing.T) {
	f := NewFanout((*fakeSource)(nil), nil)
	t.Cleanup(f.Dispose)
	listener, snap := recordingListener()
	f.Add(listener, time.Hour, 1)

	f.NotifyRead(3)
	waitFor(t, time.Second, func() bool { return len(snap()) == 1 })

	f.NotifyRemove(NewSection(1, 2))
	waitFor(t, time.Second, func() bool { return len(snap()) == 2 })

	f.NotifyRead(2)
	waitFor(t, time.Second, func() bool { return len(snap()) == 3 })

	mods := snap()
	assert.Equal(t, NewSection(1, 1), mods[2].Section, "after a removal, the next read must report only the truly new row")
}

func TestFanoutBatchSizeTriggerUsesGrowthNotAbsoluteTotal(t *testing.T) {
	f := NewFanout((*fakeSource)(nil), nil)
	t.Cleanup(f.Dispose)
	listener, snap := recordingListener()
	f.Add(listener, time.Hour, 1000)

	f.NotifyRead(5000)
	waitFor(t, time.Second, func() bool { return len(snap()) == 1 })

	f.NotifyRead(5001)
	f.NotifyRead(5002)
	f.NotifyRead(5003)

	time.Sleep(20 * time.Millisecond)
	assert.Len(t, snap(), 1, "growth of 3 rows since the last flush must still coalesce under a 1000-row batch size")
}

func TestFanoutCoalescesBelowBatchSizeUntilTimerFires(t *testing.T) {
	f := NewFanout((*fakeSource)(nil), nil)
	t.Cleanup(f.Dispose)
	listener, snap := recordingListener()
	f.Add(listener, 50*time.Millisecond, 1000)

	f.NotifyRead(1)
	f.NotifyRead(2)
	f.NotifyRead(3)

	assert.Empty(t, snap(), "coalescing should suppress delivery before the timer fires")

	waitFor(t, time.Second, func() bool { return len(snap()) == 1 })
	mods := snap()
	assert.Equal(t, NewSection(0, 3), mods[0].Section, "only the latest coalesced row count should be delivered")
}

func TestFanoutNotifyResetIsImmediateAndClearsPending(t *testing.T) {
	f := NewFanout((*fakeSource)(nil), nil)
	t.Cleanup(f.Dispose)
	listener, snap := recordingListener()
	f.Add(listener, time.Hour, 1000)

	f.NotifyRead(5) // pending, not yet due
	f.NotifyReset()

	waitFor(t, time.Second, func() bool { return len(snap()) == 1 })
	assert.True(t, snap()[0].IsReset())
}

func TestFanoutNotifyRemoveIsImmediate(t *testing.T) {
	f := NewFanout((*fakeSource)(nil), nil)
	t.Cleanup(f.Dispose)
	listener, snap := recordingListener()
	f.Add(listener, time.Hour, 1000)

	f.NotifyRemove(NewSection(3, 2))

	waitFor(t, time.Second, func() bool { return len(snap()) == 1 })
	assert.Equal(t, ModRemoved, snap()[0].Kind)
	assert.Equal(t, NewSection(3, 2), snap()[0].Section)
}

func TestFanoutRemoveIsIdempotent(t *testing.T) {
	f := NewFanout((*fakeSource)(nil), nil)
	t.Cleanup(f.Dispose)
	listener, _ := recordingListener()
	id := f.Add(listener, time.Hour, 1000)

	f.Remove(id)
	assert.NotPanics(t, func() { f.Remove(id) })
}

func TestFanoutDisposeStopsFurtherDelivery(t *testing.T) {
	f := NewFanout((*fakeSource)(nil), nil)
	t.Cleanup(f.Dispose)
	listener, snap := recordingListener()
	f.Add(listener, time.Hour, 1000)

	f.Dispose()
	f.NotifyRead(100)
	f.NotifyReset()

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, snap())
}

func TestFanoutDeliveriesToOneListenerAreSerializedAndOrdered(t *testing.T) {
	f := NewFanout((*fakeSource)(nil), nil)
	t.Cleanup(f.Dispose)
	listener, snap := recordingListener()
	f.Add(listener, time.Hour, 1)

	for i := 0; i < 20; i++ {
		if i%2 == 0 {
			f.NotifyRead(int64(i/2 + 1))
		} else {
			f.NotifyRemove(NewSection(0, 0))
		}
	}

	waitFor(t, time.Second, func() bool { return len(snap()) == 20 })
	mods := snap()
	for i, m := range mods {
		if i%2 == 0 {
			assert.Equal(t, ModAppended, m.Kind, "notification %d", i)
		} else {
			assert.Equal(t, ModRemoved, m.Kind, "notification %d", i)
		}
	}
}

func TestFanoutPanicInListenerIsRecovered(t *testing.T) {
	f := NewFanout((*fakeSource)(nil), nil)
	t.Cleanup(f.Dispose)
	f.Add(ListenerFunc(func(Source, Modification) { panic("boom") }), time.Hour, 1)

	assert.NotPanics(t, func() {
		f.NotifyRead(1)
		time.Sleep(20 * time.Millisecond)
	})
}
