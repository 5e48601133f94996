package pipeline

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"ssw-logs-capture/pkg/logsource"
	"ssw-logs-capture/pkg/scheduler"
	"ssw-logs-capture/pkg/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// stubSource is a minimal upstream used only to exercise Base's listener
// registration and disposal; no pipeline stage under test reads from it.
type stubSource struct{ regID logsource.RegistrationID }

func (*stubSource) Columns() []logsource.ColumnKind      { return logsource.MinimumColumns }
func (*stubSource) Properties() []logsource.PropertyKind { return logsource.MinimumProperties }
func (*stubSource) GetProperty(p logsource.PropertyKind) interface{} { return p.DefaultValue() }
func (*stubSource) SetProperty(logsource.PropertyKind, interface{})  {}
func (*stubSource) GetAllProperties(map[logsource.PropertyKind]interface{}) {}
func (*stubSource) GetColumn([]types.LogLineIndex, logsource.ColumnKind, []interface{}, int, logsource.QueryOptions) error {
	return nil
}
func (*stubSource) GetEntries([]types.LogLineIndex, []logsource.Row, int, logsource.QueryOptions) error {
	return nil
}
func (s *stubSource) AddListener(logsource.Listener, time.Duration, int64) logsource.RegistrationID {
	s.regID = 1
	return s.regID
}
func (s *stubSource) RemoveListener(logsource.RegistrationID) { s.regID = 0 }

func newTestBase(t *testing.T, runOnce scheduler.RunOnceFunc) (*Base, *stubSource, *scheduler.Scheduler) {
	t.Helper()
	src := &stubSource{}
	sched := scheduler.New(nil)
	b := NewBase(context.Background(), nil, src, logsource.ListenerFunc(func(logsource.Source, logsource.Modification) {}),
		logsource.MinimumProperties, sched, "test-task", 10*time.Millisecond, 100, runOnce, nil)
	return b, src, sched
}

func TestNewBaseRegistersWithSource(t *testing.T) {
	b, src, sched := newTestBase(t, func(context.Context) time.Duration { return time.Hour })
	defer sched.Close()
	assert.Equal(t, logsource.RegistrationID(1), src.regID)
	assert.False(t, b.IsDisposed())
}

func TestGetPropertyReturnsDefaultAfterDispose(t *testing.T) {
	b, _, sched := newTestBase(t, func(context.Context) time.Duration { return time.Hour })
	defer sched.Close()

	b.PublishProperties(map[logsource.PropertyKind]interface{}{logsource.PropertyLogEntryCount: 9})
	assert.Equal(t, 9, b.GetProperty(logsource.PropertyLogEntryCount))

	b.Dispose()
	assert.Equal(t, logsource.PropertyLogEntryCount.DefaultValue(), b.GetProperty(logsource.PropertyLogEntryCount))
	assert.Nil(t, b.Properties())
}

func TestDisposeDeregistersFromSourceAndStopsTask(t *testing.T) {
	var calls int64
	b, src, sched := newTestBase(t, func(context.Context) time.Duration {
		atomic.AddInt64(&calls, 1)
		return time.Millisecond
	})
	defer sched.Close()

	require.Eventually(t, func() bool { return atomic.LoadInt64(&calls) >= 1 }, time.Second, time.Millisecond)
	b.Dispose()

	assert.Equal(t, logsource.RegistrationID(0), src.regID)
	stopped := atomic.LoadInt64(&calls)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, stopped, atomic.LoadInt64(&calls), "the scheduler task must stop after Dispose")
}

func TestDisposeIsIdempotent(t *testing.T) {
	b, _, sched := newTestBase(t, func(context.Context) time.Duration { return time.Hour })
	defer sched.Close()
	b.Dispose()
	assert.NotPanics(t, b.Dispose)
}

func TestAddListenerIsNoOpAfterDispose(t *testing.T) {
	b, _, sched := newTestBase(t, func(context.Context) time.Duration { return time.Hour })
	defer sched.Close()
	b.Dispose()
	id := b.AddListener(logsource.ListenerFunc(func(logsource.Source, logsource.Modification) {}), time.Second, 10)
	assert.Equal(t, logsource.RegistrationID(0), id)
}
