// Package grouper implements MultiLineGrouper (spec.md §4.2): it assigns
// LogEntryIndex values to source rows by fusing continuation lines into
// the entry they belong to, without changing the row set — every grouper
// row maps 1:1 to the same-numbered source row.
package grouper

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"ssw-logs-capture/pkg/apperrors"
	"ssw-logs-capture/pkg/columnar"
	"ssw-logs-capture/pkg/logsource"
	"ssw-logs-capture/pkg/pipeline"
	"ssw-logs-capture/pkg/scheduler"
	"ssw-logs-capture/pkg/types"
)

// Config tunes a Grouper's batching. Zero values are replaced with the
// spec.md defaults in New.
type Config struct {
	BatchSize          int64         // lines processed per RunOnce tick (spec.md §4.2: 10,000)
	ListenerMaxWait    time.Duration // upstream subscription coalescing window
	ListenerMaxBatch   int64         // upstream subscription coalescing size
	IdleDelay          time.Duration // scheduler delay returned when no work remains
}

const (
	defaultBatchSize        = 10000
	defaultListenerMaxWait  = 250 * time.Millisecond
	defaultListenerMaxBatch = 1000
	defaultIdleDelay        = 200 * time.Millisecond
)

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.ListenerMaxWait <= 0 {
		c.ListenerMaxWait = defaultListenerMaxWait
	}
	if c.ListenerMaxBatch <= 0 {
		c.ListenerMaxBatch = defaultListenerMaxBatch
	}
	if c.IdleDelay <= 0 {
		c.IdleDelay = defaultIdleDelay
	}
	return c
}

// entryInfo is spec.md's LogEntryInfo: the entry a row belongs to, and the
// row where that entry began.
type entryInfo struct {
	EntryIndex       types.LogEntryIndex
	FirstLineOfEntry types.LogLineIndex
}

// Grouper is MultiLineGrouper. It embeds *pipeline.Base for property
// storage, listener fanout and disposal, and implements logsource.Source
// itself for Columns/GetColumn/GetEntries.
type Grouper struct {
	*pipeline.Base

	source logsource.Source
	log    *logrus.Entry
	cfg    Config

	pendingMu sync.Mutex
	pending   []logsource.Modification

	mu      sync.Mutex
	indices []entryInfo

	// currentSourceIndex is written only by the scheduler goroutine running
	// RunOnce, but read by Watermark() from the metrics-reporting goroutine;
	// atomic so that cross-goroutine read needs no lock and never races.
	currentSourceIndex atomic.Int64

	// task-local: touched only by the scheduler goroutine running RunOnce.
	currentLogEntry   types.LogEntryIndex
	fullSourceSection logsource.Section
	caughtUpFlushed   bool
}

// New builds a Grouper over source and starts its periodic processing
// task on sched under taskID.
func New(ctx context.Context, source logsource.Source, cfg Config, sched *scheduler.Scheduler, taskID string, log *logrus.Entry) *Grouper {
	cfg = cfg.withDefaults()
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log = log.WithField("component", "grouper")

	g := &Grouper{
		source:          source,
		log:             log,
		cfg:             cfg,
		currentLogEntry: types.InvalidLogEntryIndex,
	}
	g.Base = pipeline.NewBase(ctx, g, source, logsource.ListenerFunc(g.onSourceModified),
		logsource.MinimumProperties, sched, taskID, cfg.ListenerMaxWait, cfg.ListenerMaxBatch, g.runOnce, log)
	return g
}

func (g *Grouper) onSourceModified(_ logsource.Source, mod logsource.Modification) {
	g.pendingMu.Lock()
	g.pending = append(g.pending, mod)
	g.pendingMu.Unlock()
}

func (g *Grouper) popPending() (logsource.Modification, bool) {
	g.pendingMu.Lock()
	defer g.pendingMu.Unlock()
	if len(g.pending) == 0 {
		return logsource.Modification{}, false
	}
	mod := g.pending[0]
	g.pending = g.pending[1:]
	return mod, true
}

func (g *Grouper) pushFront(mod logsource.Modification) {
	g.pendingMu.Lock()
	g.pending = append([]logsource.Modification{mod}, g.pending...)
	g.pendingMu.Unlock()
}

func (g *Grouper) hasPending() bool {
	g.pendingMu.Lock()
	defer g.pendingMu.Unlock()
	return len(g.pending) > 0
}

// runOnce is the RunOnceFunc registered with the scheduler: spec.md §4.2's
// per-iteration algorithm.
func (g *Grouper) runOnce(ctx context.Context) time.Duration {
	if g.IsDisposed() {
		return g.cfg.IdleDelay
	}

	budget := g.cfg.BatchSize
	for budget > 0 {
		select {
		case <-ctx.Done():
			return g.cfg.IdleDelay
		default:
		}

		mod, ok := g.popPending()
		if !ok {
			break
		}

		switch mod.Kind {
		case logsource.ModReset:
			g.applyReset()
		case logsource.ModRemoved:
			g.applyRemoval(mod.Section)
		case logsource.ModAppended:
			n := mod.Section.Count
			if n > budget {
				head := logsource.NewSection(mod.Section.Start, budget)
				tail := logsource.NewSection(mod.Section.Start+types.LogLineIndex(budget), n-budget)
				g.applyAppend(head)
				g.pushFront(logsource.Appended(tail))
				budget = 0
			} else {
				g.applyAppend(mod.Section)
				budget -= n
			}
		}
	}

	g.publishProperties()
	g.Fanout().NotifyRead(g.currentSourceIndex.Load())
	g.maybeFlush()

	if g.hasPending() {
		return 0
	}
	return g.cfg.IdleDelay
}

func (g *Grouper) applyReset() {
	g.mu.Lock()
	g.indices = nil
	g.mu.Unlock()

	g.currentSourceIndex.Store(0)
	g.currentLogEntry = types.InvalidLogEntryIndex
	g.fullSourceSection = logsource.Section{}
	g.caughtUpFlushed = false
	g.Fanout().NotifyReset()
}

// applyRemoval implements spec.md §4.2's edge policy: a removal entirely
// past the known extent has no effect on indices.
func (g *Grouper) applyRemoval(sec logsource.Section) {
	if sec.Start > g.fullSourceSection.Last() {
		return
	}

	g.mu.Lock()
	oldLen := len(g.indices)
	newLen := int(sec.Start)
	if newLen < 0 {
		newLen = 0
	}
	if newLen > oldLen {
		newLen = oldLen
	}
	g.indices = g.indices[:newLen]
	resumeEntry := types.InvalidLogEntryIndex
	if newLen > 0 {
		resumeEntry = g.indices[newLen-1].EntryIndex
	}
	g.mu.Unlock()

	if types.LogLineIndex(g.currentSourceIndex.Load()) > sec.Start {
		g.currentSourceIndex.Store(int64(sec.Start))
	}
	// Resume at the surviving rows' last entry, not Invalid, so the next
	// append continues that entry instead of restarting numbering at 0
	// (spec.md §4.2's removal edge policy only discards rows past sec.Start,
	// it doesn't rewind entry numbering for rows that remain).
	g.currentLogEntry = resumeEntry

	if sec.Start < g.fullSourceSection.Start {
		g.fullSourceSection = logsource.Section{}
	} else {
		g.fullSourceSection = logsource.NewSection(g.fullSourceSection.Start, int64(sec.Start-g.fullSourceSection.Start))
	}

	removed := oldLen - newLen
	if removed > 0 {
		g.Fanout().NotifyRemove(logsource.NewSection(sec.Start, int64(removed)))
	}
}

func (g *Grouper) applyAppend(sec logsource.Section) {
	if sec.IsEmpty() {
		return
	}

	rows := make([]types.LogLineIndex, sec.Count)
	for i := range rows {
		rows[i] = sec.Start + types.LogLineIndex(i)
	}
	buf := columnar.New(len(rows), []logsource.ColumnKind{logsource.ColumnTimestamp, logsource.ColumnLogLevel})
	if err := buf.CopyFrom(logsource.ColumnTimestamp, 0, g.source, rows, logsource.DefaultQueryOptions); err != nil {
		g.log.WithError(err).Error("failed to fetch timestamps for appended section")
		return
	}
	if err := buf.CopyFrom(logsource.ColumnLogLevel, 0, g.source, rows, logsource.DefaultQueryOptions); err != nil {
		g.log.WithError(err).Error("failed to fetch log levels for appended section")
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	for i := 0; i < len(rows); i++ {
		ts, _ := buf.Get(logsource.ColumnTimestamp, i).(*time.Time)
		level, _ := buf.Get(logsource.ColumnLogLevel, i).(types.LogLevel)

		isStart := ts != nil || !level.IsContinuationLevel()
		if isStart || !g.currentLogEntry.IsValid() {
			g.currentLogEntry++
		}
		first := g.currentEntryFirstLineLocked(rows[i])
		g.indices = append(g.indices, entryInfo{EntryIndex: g.currentLogEntry, FirstLineOfEntry: first})
	}

	g.currentSourceIndex.Store(int64(sec.End()))
	g.fullSourceSection = logsource.MinimumBoundingSection(g.fullSourceSection, sec)
}

// currentEntryFirstLineLocked returns the first line of the entry
// currentLogEntry started at: row itself if indices is empty or the prior
// row started a new entry, otherwise the prior row's recorded first line.
func (g *Grouper) currentEntryFirstLineLocked(row types.LogLineIndex) types.LogLineIndex {
	if len(g.indices) == 0 {
		return row
	}
	prev := g.indices[len(g.indices)-1]
	if prev.EntryIndex == g.currentLogEntry {
		return prev.FirstLineOfEntry
	}
	return row
}

func (g *Grouper) publishProperties() {
	snapshot := map[logsource.PropertyKind]interface{}{}

	entryCount := 0
	if g.currentLogEntry.IsValid() {
		entryCount = int(g.currentLogEntry) + 1
	}
	snapshot[logsource.PropertyLogEntryCount] = entryCount

	denom := g.fullSourceSection.Count
	var pct float64
	if denom <= 0 {
		pct = 1
	} else {
		upstreamPct, _ := g.source.GetProperty(logsource.PropertyPercentageProcessed).(float64)
		pct = upstreamPct * (float64(g.currentSourceIndex.Load()) / float64(denom))
	}
	if pct < 0 {
		pct = 0
	}
	if pct > 1 {
		pct = 1
	}
	snapshot[logsource.PropertyPercentageProcessed] = pct

	g.PublishProperties(snapshot)
}

func (g *Grouper) maybeFlush() {
	pct, _ := g.GetProperty(logsource.PropertyPercentageProcessed).(float64)
	if pct >= 1 {
		if !g.caughtUpFlushed {
			g.Fanout().NotifyFlush(g.currentSourceIndex.Load())
			g.caughtUpFlushed = true
		}
	} else {
		g.caughtUpFlushed = false
	}
}

// Columns returns the source's columns (the grouper preserves every
// column, translating only Timestamp/LogLevel/LogEntryIndex).
func (g *Grouper) Columns() []logsource.ColumnKind {
	return logsource.MergeColumns(g.source.Columns(), logsource.MinimumColumns)
}

// Watermark returns the number of upstream source rows this stage has
// consumed (the index of the next row it will process), for metrics
// reporting (distinct from PropertyLogEntryCount, which counts entries).
func (g *Grouper) Watermark() int64 {
	return g.currentSourceIndex.Load()
}

// Properties returns the grouper's own minimum set unioned with the
// source's (ancestor union, per spec.md §3).
func (g *Grouper) Properties() []logsource.PropertyKind {
	return logsource.MergeProperties(g.source.Properties(), logsource.MinimumProperties)
}

// GetProperty overrides Base's: the grouper's own minimum properties come
// from its bag; anything else (ancestor-exclusive) passes through to the
// source read-only, per spec.md §9's open question resolution.
func (g *Grouper) GetProperty(p logsource.PropertyKind) interface{} {
	if g.IsDisposed() {
		return p.DefaultValue()
	}
	if isOwnProperty(p) {
		return g.Base.GetProperty(p)
	}
	return g.source.GetProperty(p)
}

// SetProperty ignores writes, including ancestor-exclusive ones: this
// engine has no writable derived properties (spec.md §6).
func (g *Grouper) SetProperty(logsource.PropertyKind, interface{}) {}

// GetAllProperties fills dest with the source's properties first, then
// overlays the grouper's own computed values.
func (g *Grouper) GetAllProperties(dest map[logsource.PropertyKind]interface{}) {
	if g.IsDisposed() {
		return
	}
	g.source.GetAllProperties(dest)
	own := map[logsource.PropertyKind]interface{}{}
	g.Base.GetAllProperties(own)
	for k, v := range own {
		dest[k] = v
	}
}

func isOwnProperty(p logsource.PropertyKind) bool {
	for _, k := range logsource.MinimumProperties {
		if k == p {
			return true
		}
	}
	return false
}

// GetColumn implements spec.md §4.2's "Column serving": LogEntryIndex and
// the translated {Timestamp, LogLevel} columns are computed here, every
// other column passes straight through to the source using the same row
// numbers (the grouper never changes the row set).
func (g *Grouper) GetColumn(rows []types.LogLineIndex, column logsource.ColumnKind, dest []interface{}, destOffset int, opts logsource.QueryOptions) error {
	if destOffset < 0 || destOffset+len(rows) > len(dest) {
		return apperrors.Programmer("grouper", "GetColumn", "destination range out of bounds")
	}

	switch column {
	case logsource.ColumnLogEntryIndex:
		g.mu.Lock()
		for i, r := range rows {
			dest[destOffset+i] = g.entryIndexAtLocked(r)
		}
		g.mu.Unlock()
		return nil
	case logsource.ColumnTimestamp, logsource.ColumnLogLevel:
		translated := make([]types.LogLineIndex, len(rows))
		g.mu.Lock()
		for i, r := range rows {
			translated[i] = g.firstLineAtLocked(r)
		}
		g.mu.Unlock()
		return g.source.GetColumn(translated, column, dest, destOffset, opts)
	default:
		return g.source.GetColumn(rows, column, dest, destOffset, opts)
	}
}

func (g *Grouper) entryIndexAtLocked(r types.LogLineIndex) types.LogEntryIndex {
	if r < 0 || int(r) >= len(g.indices) {
		return types.InvalidLogEntryIndex
	}
	return g.indices[r].EntryIndex
}

func (g *Grouper) firstLineAtLocked(r types.LogLineIndex) types.LogLineIndex {
	if r < 0 || int(r) >= len(g.indices) {
		return types.InvalidLogLineIndex
	}
	return g.indices[r].FirstLineOfEntry
}

// GetEntries fills every column requested by each dest row, per spec.md
// §6's multi-column GetEntries contract.
func (g *Grouper) GetEntries(rows []types.LogLineIndex, dest []logsource.Row, destOffset int, opts logsource.QueryOptions) error {
	if destOffset < 0 || destOffset+len(rows) > len(dest) {
		return apperrors.Programmer("grouper", "GetEntries", "destination range out of bounds")
	}
	columns := map[logsource.ColumnKind]bool{}
	for i := range rows {
		for c := range dest[destOffset+i].Columns {
			columns[c] = true
		}
	}
	for c := range columns {
		values := make([]interface{}, len(rows))
		if err := g.GetColumn(rows, c, values, 0, opts); err != nil {
			return err
		}
		for i := range rows {
			dest[destOffset+i].Columns[c] = values[i]
		}
	}
	return nil
}
