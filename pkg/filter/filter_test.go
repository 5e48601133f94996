package filter

import (
	"context"
	"strings"
	"sync"
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

type upstreamLine struct {
	entry types.LogEntryIndex
	raw   string
	level types.LogLevel
	ts    *time.Time
}

// upstreamSource stands in for an already-grouped source (e.g. Grouper's
// output): each row carries a pre-assigned LogEntryIndex directly, so these
// tests can drive Filter without depending on pkg/grouper.
type upstreamSource struct {
	mu       sync.Mutex
	lines    []upstreamLine
	listener logsource.Listener
}

func (u *upstreamSource) Columns() []logsource.ColumnKind      { return logsource.MinimumColumns }
func (u *upstreamSource) Properties() []logsource.PropertyKind { return logsource.MinimumProperties }
func (u *upstreamSource) GetProperty(p logsource.PropertyKind) interface{} {
	if p == logsource.PropertyPercentageProcessed {
		return 1.0
	}
	return p.DefaultValue()
}
func (u *upstreamSource) SetProperty(logsource.PropertyKind, interface{}) {}
func (u *upstreamSource) GetAllProperties(dest map[logsource.PropertyKind]interface{}) {
	for _, p := range logsource.MinimumProperties {
		dest[p] = u.GetProperty(p)
	}
}

func (u *upstreamSource) GetColumn(indices []types.LogLineIndex, column logsource.ColumnKind, dest []interface{}, destOffset int, _ logsource.QueryOptions) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	for i, idx := range indices {
		if idx < 0 || int(idx) >= len(u.lines) {
			dest[destOffset+i] = column.DefaultValue()
			continue
		}
		l := u.lines[idx]
		switch column {
		case logsource.ColumnLogEntryIndex:
			dest[destOffset+i] = l.entry
		case logsource.ColumnRawContent:
			dest[destOffset+i] = l.raw
		case logsource.ColumnLogLevel:
			dest[destOffset+i] = l.level
		case logsource.ColumnTimestamp:
			dest[destOffset+i] = l.ts
		case logsource.ColumnIndex, logsource.ColumnOriginalIndex:
			dest[destOffset+i] = idx
		default:
			dest[destOffset+i] = column.DefaultValue()
		}
	}
	return nil
}

func (u *upstreamSource) GetEntries(indices []types.LogLineIndex, dest []logsource.Row, destOffset int, opts logsource.QueryOptions) error {
	for i := range indices {
		for c := range dest[destOffset+i].Columns {
			vals := make([]interface{}, 1)
			_ = u.GetColumn(indices[i:i+1], c, vals, 0, opts)
			dest[destOffset+i].Columns[c] = vals[0]
		}
	}
	return nil
}

func (u *upstreamSource) AddListener(listener logsource.Listener, _ time.Duration, _ int64) logsource.RegistrationID {
	u.listener = listener
	return 1
}
func (u *upstreamSource) RemoveListener(logsource.RegistrationID) { u.listener = nil }

func (u *upstreamSource) appendLines(lines ...upstreamLine) {
	u.mu.Lock()
	start := types.LogLineIndex(len(u.lines))
	u.lines = append(u.lines, lines...)
	listener := u.listener
	u.mu.Unlock()
	if listener != nil {
		listener.OnLogFileModified(u, logsource.Appended(logsource.NewSection(start, int64(len(lines)))))
	}
}

func (u *upstreamSource) removeFrom(start types.LogLineIndex) {
	u.mu.Lock()
	if int(start) < len(u.lines) {
		u.lines = u.lines[:start]
	}
	listener := u.listener
	u.mu.Unlock()
	if listener != nil {
		listener.OnLogFileModified(u, logsource.Removed(logsource.NewSection(start, 1<<30)))
	}
}

func ts(sec int) *time.Time {
	t := time.Unix(int64(sec), 0)
	return &t
}

func newTestFilter(t *testing.T, lineFilter LineFilter, entryFilter EntryFilter) (*Filter, *upstreamSource, *scheduler.Scheduler) {
	t.Helper()
	src := &upstreamSource{}
	sched := scheduler.New(nil)
	f := New(context.Background(), src, lineFilter, entryFilter, Config{BatchSize: 100, IdleDelay: time.Millisecond}, sched, "filter-test", nil)
	t.Cleanup(func() {
		f.Dispose()
		sched.Close()
	})
	return f, src, sched
}

func rawContentAt(t *testing.T, f *Filter, row types.LogLineIndex) string {
	t.Helper()
	dest := make([]interface{}, 1)
	require.NoError(t, f.GetColumn([]types.LogLineIndex{row}, logsource.ColumnRawContent, dest, 0, logsource.DefaultQueryOptions))
	return dest[0].(string)
}

func entryCount(f *Filter) int {
	n, _ := f.GetProperty(logsource.PropertyLogEntryCount).(int)
	return n
}

func TestLineFilterDropsNonMatchingLinesWithinAnEntry(t *testing.T) {
	dropDebug := func(l Line) bool { return !strings.Contains(l.RawContent, "DEBUG") }
	f, src, _ := newTestFilter(t, dropDebug, nil)

	src.appendLines(
		upstreamLine{entry: 0, raw: "INFO start", ts: ts(1)},
		upstreamLine{entry: 0, raw: "DEBUG noisy"},
		upstreamLine{entry: 0, raw: "continuation"},
		upstreamLine{entry: 1, raw: "INFO next", ts: ts(2)},
	)

	require.Eventually(t, func() bool { return entryCount(f) == 2 }, time.Second, time.Millisecond)

	assert.Equal(t, "INFO start", rawContentAt(t, f, 0))
	assert.Equal(t, "continuation", rawContentAt(t, f, 1), "the DEBUG line must have been dropped, not just blanked")
	assert.Equal(t, "INFO next", rawContentAt(t, f, 2))
}

func TestEntryFilterDropsWholeEntries(t *testing.T) {
	onlyEntriesWithError := func(lines []Line) bool {
		for _, l := range lines {
			if strings.Contains(l.RawContent, "ERROR") {
				return true
			}
		}
		return false
	}
	f, src, _ := newTestFilter(t, nil, onlyEntriesWithError)

	src.appendLines(
		upstreamLine{entry: 0, raw: "INFO boring", ts: ts(1)},
		upstreamLine{entry: 1, raw: "ERROR bad", ts: ts(2)},
		upstreamLine{entry: 1, raw: "  stack trace"},
		upstreamLine{entry: 2, raw: "INFO boring again", ts: ts(3)},
	)

	require.Eventually(t, func() bool { return entryCount(f) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, "ERROR bad", rawContentAt(t, f, 0))
	assert.Equal(t, "  stack trace", rawContentAt(t, f, 1))
}

func TestRemovalRewindsFilterIndicesAndResumesNumbering(t *testing.T) {
	f, src, _ := newTestFilter(t, nil, nil)

	src.appendLines(
		upstreamLine{entry: 0, raw: "e0", ts: ts(1)},
		upstreamLine{entry: 1, raw: "e1", ts: ts(2)},
		upstreamLine{entry: 2, raw: "e2", ts: ts(3)},
	)
	require.Eventually(t, func() bool { return entryCount(f) == 3 }, time.Second, time.Millisecond)

	src.removeFrom(1)
	require.Eventually(t, func() bool { return entryCount(f) == 1 }, time.Second, time.Millisecond)

	src.appendLines(upstreamLine{entry: 1, raw: "e1-again", ts: ts(4)})
	require.Eventually(t, func() bool { return entryCount(f) == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, "e1-again", rawContentAt(t, f, 1))
}

func TestDeltaTimeIsComputedFromUpstreamTimestamps(t *testing.T) {
	f, src, _ := newTestFilter(t, nil, nil)
	src.appendLines(
		upstreamLine{entry: 0, raw: "first", ts: ts(100)},
		upstreamLine{entry: 1, raw: "second", ts: ts(110)},
	)
	require.Eventually(t, func() bool { return entryCount(f) == 2 }, time.Second, time.Millisecond)

	dest := make([]interface{}, 2)
	require.NoError(t, f.GetColumn([]types.LogLineIndex{0, 1}, logsource.ColumnDeltaTime, dest, 0, logsource.DefaultQueryOptions))
	assert.Equal(t, time.Duration(0), dest[0])
	assert.Equal(t, 10*time.Second, dest[1])
}

func TestGetLogLineIndexOfOriginalLineIndex(t *testing.T) {
	dropSecond := func(l Line) bool { return l.SourceIndex != 1 }
	f, src, _ := newTestFilter(t, dropSecond, nil)
	src.appendLines(
		upstreamLine{entry: 0, raw: "a", ts: ts(1)},
		upstreamLine{entry: 1, raw: "b", ts: ts(2)},
		upstreamLine{entry: 2, raw: "c", ts: ts(3)},
	)
	require.Eventually(t, func() bool { return entryCount(f) == 2 }, time.Second, time.Millisecond)

	assert.Equal(t, types.LogLineIndex(0), f.GetLogLineIndexOfOriginalLineIndex(0))
	assert.Equal(t, types.InvalidLogLineIndex, f.GetLogLineIndexOfOriginalLineIndex(1))
	assert.Equal(t, types.LogLineIndex(1), f.GetLogLineIndexOfOriginalLineIndex(2))
}

func TestResetClearsFilterState(t *testing.T) {
	f, src, _ := newTestFilter(t, nil, nil)
	src.appendLines(upstreamLine{entry: 0, raw: "a", ts: ts(1)})
	require.Eventually(t, func() bool { return entryCount(f) == 1 }, time.Second, time.Millisecond)

	src.mu.Lock()
	src.lines = nil
	listener := src.listener
	src.mu.Unlock()
	listener.OnLogFileModified(src, logsource.Reset())

	require.Eventually(t, func() bool { return entryCount(f) == 0 }, time.Second, time.Millisecond)
}
