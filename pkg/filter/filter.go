// Package filter implements FilterStage (spec.md §4.3): a derived source
// exposing the subsequence of source rows whose line and entry content
// both satisfy configured predicates.
package filter

import (
	"context"
	"sort"
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

// Line is one physical line as seen by the predicates: enough content to
// decide both line- and entry-level acceptance.
type Line struct {
	SourceIndex   types.LogLineIndex
	LogEntryIndex types.LogEntryIndex
	RawContent    string
	LogLevel      types.LogLevel
	Timestamp     *time.Time
}

// LineFilter decides whether a single physical line survives.
type LineFilter func(Line) bool

// EntryFilter decides whether a staged, already line-filtered entry (one
// or more Lines sharing a LogEntryIndex) survives as a whole.
type EntryFilter func([]Line) bool

// AcceptAllLines and AcceptAllEntries are the identity predicates, handy
// for filters that only constrain one of the two levels.
func AcceptAllLines(Line) bool       { return true }
func AcceptAllEntries([]Line) bool   { return true }

// Config tunes a Filter's batching, mirroring grouper.Config.
type Config struct {
	BatchSize        int64
	ListenerMaxWait  time.Duration
	ListenerMaxBatch int64
	IdleDelay        time.Duration
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

var filterProperties = append(append([]logsource.PropertyKind{}, logsource.MinimumProperties...), logsource.PropertyMaxCharactersPerLine)

// Filter is FilterStage.
type Filter struct {
	*pipeline.Base

	source      logsource.Source
	log         *logrus.Entry
	cfg         Config
	lineFilter  LineFilter
	entryFilter EntryFilter

	pendingMu sync.Mutex
	pending   []logsource.Modification

	// mu guards indices/logEntryIndices/lineLengths: the only state read by
	// query threads and written by the processing task (spec.md §5).
	// lineLengths runs parallel to indices (lineLengths[i] is the RawContent
	// length committed for indices[i]) so maxCharactersPerLine can be
	// recomputed after a removal without re-querying the source.
	mu              sync.Mutex
	indices         []types.LogLineIndex
	lineLengths     []int
	logEntryIndices map[types.LogLineIndex]types.LogEntryIndex

	// currentSourceIndex is written only by the scheduler goroutine running
	// RunOnce, but read by Watermark() from the metrics-reporting goroutine;
	// atomic so that cross-goroutine read needs no lock and never races.
	currentSourceIndex atomic.Int64

	// task-local: touched only by the scheduler goroutine running RunOnce.
	currentLogEntryIndex types.LogEntryIndex
	fullSourceSection    logsource.Section
	lastLogBuffer        []Line
	lastCommittedSource  types.LogLineIndex
	maxCharactersPerLine int
	caughtUpFlushed      bool
}

// New builds a Filter over source with the given predicates and starts its
// periodic processing task on sched under taskID. A nil lineFilter or
// entryFilter is treated as accept-all.
func New(ctx context.Context, source logsource.Source, lineFilter LineFilter, entryFilter EntryFilter, cfg Config, sched *scheduler.Scheduler, taskID string, log *logrus.Entry) *Filter {
	cfg = cfg.withDefaults()
	if lineFilter == nil {
		lineFilter = AcceptAllLines
	}
	if entryFilter == nil {
		entryFilter = AcceptAllEntries
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log = log.WithField("component", "filter")

	f := &Filter{
		source:              source,
		log:                 log,
		cfg:                 cfg,
		lineFilter:          lineFilter,
		entryFilter:         entryFilter,
		logEntryIndices:     make(map[types.LogLineIndex]types.LogEntryIndex),
		lastCommittedSource: types.InvalidLogLineIndex,
	}
	f.Base = pipeline.NewBase(ctx, f, source, logsource.ListenerFunc(f.onSourceModified),
		filterProperties, sched, taskID, cfg.ListenerMaxWait, cfg.ListenerMaxBatch, f.runOnce, log)
	return f
}

func (f *Filter) onSourceModified(_ logsource.Source, mod logsource.Modification) {
	f.pendingMu.Lock()
	f.pending = append(f.pending, mod)
	f.pendingMu.Unlock()
}

func (f *Filter) drainPending() []logsource.Modification {
	f.pendingMu.Lock()
	defer f.pendingMu.Unlock()
	if len(f.pending) == 0 {
		return nil
	}
	mods := f.pending
	f.pending = nil
	return mods
}

func (f *Filter) hasPending() bool {
	f.pendingMu.Lock()
	defer f.pendingMu.Unlock()
	return len(f.pending) > 0
}

// runOnce is the RunOnceFunc registered with the scheduler: spec.md §4.3's
// per-tick algorithm — drain modifications, then process one batch of rows.
func (f *Filter) runOnce(ctx context.Context) time.Duration {
	if f.IsDisposed() {
		return f.cfg.IdleDelay
	}

	for _, mod := range f.drainPending() {
		switch mod.Kind {
		case logsource.ModReset:
			f.applyReset()
		case logsource.ModRemoved:
			f.applyRemoval(mod.Section)
		case logsource.ModAppended:
			f.fullSourceSection = logsource.MinimumBoundingSection(f.fullSourceSection, mod.Section)
		}
	}

	remaining := int64(f.fullSourceSection.End()) - f.currentSourceIndex.Load()
	if remaining > 0 {
		n := remaining
		if n > f.cfg.BatchSize {
			n = f.cfg.BatchSize
		}
		f.processBatch(ctx, n)
	}

	if f.currentSourceIndex.Load() >= int64(f.fullSourceSection.End()) {
		f.commitEntry(f.lastLogBuffer)
		f.lastLogBuffer = nil
	}

	f.publishProperties()
	f.mu.Lock()
	rowCount := int64(len(f.indices))
	f.mu.Unlock()
	f.Fanout().NotifyRead(rowCount)
	f.maybeFlush(rowCount)

	if f.hasPending() || f.currentSourceIndex.Load() < int64(f.fullSourceSection.End()) {
		return 0
	}
	return f.cfg.IdleDelay
}

func (f *Filter) applyReset() {
	f.mu.Lock()
	f.indices = nil
	f.lineLengths = nil
	f.logEntryIndices = make(map[types.LogLineIndex]types.LogEntryIndex)
	f.mu.Unlock()

	f.currentSourceIndex.Store(0)
	f.currentLogEntryIndex = 0
	f.fullSourceSection = logsource.Section{}
	f.lastLogBuffer = nil
	f.lastCommittedSource = types.InvalidLogLineIndex
	f.maxCharactersPerLine = 0
	f.caughtUpFlushed = false
	f.Fanout().NotifyReset()
}

// applyRemoval implements spec.md §4.3 step 1's Removed handling.
func (f *Filter) applyRemoval(sec logsource.Section) {
	f.fullSourceSection = logsource.NewSection(0, int64(sec.Start))
	if types.LogLineIndex(f.currentSourceIndex.Load()) > sec.Start {
		f.currentSourceIndex.Store(int64(sec.Start))
	}

	f.mu.Lock()
	cut := sort.Search(len(f.indices), func(i int) bool { return f.indices[i] >= sec.Start })
	removedDerived := len(f.indices) - cut
	for _, srcIdx := range f.indices[cut:] {
		delete(f.logEntryIndices, srcIdx)
	}
	f.indices = f.indices[:cut]

	// A removal can discard the very line that set maxCharactersPerLine; it
	// only ever grows in commitEntry, so it must be recomputed here rather
	// than left stale (spec.md §4.3's property is the longest RawContent
	// among *committed* lines, present tense). lineLengths mirrors indices
	// in memory, so this is a plain in-process max, not a re-query of the
	// source.
	f.lineLengths = f.lineLengths[:cut]
	max := 0
	for _, n := range f.lineLengths {
		if n > max {
			max = n
		}
	}
	f.maxCharactersPerLine = max

	var lastPreservedEntry types.LogEntryIndex
	lastCommitted := types.InvalidLogLineIndex
	if cut > 0 {
		lastPreservedEntry = f.logEntryIndices[f.indices[cut-1]]
		f.currentLogEntryIndex = lastPreservedEntry + 1
		lastCommitted = f.indices[cut-1]
	} else {
		f.currentLogEntryIndex = 0
	}
	f.mu.Unlock()

	kept := f.lastLogBuffer[:0]
	for _, l := range f.lastLogBuffer {
		if l.SourceIndex < sec.Start {
			kept = append(kept, l)
		}
	}
	f.lastLogBuffer = kept
	f.lastCommittedSource = lastCommitted

	if removedDerived > 0 {
		f.Fanout().NotifyRemove(logsource.NewSection(types.LogLineIndex(cut), int64(removedDerived)))
	}
}

func (f *Filter) processBatch(ctx context.Context, n int64) {
	base := types.LogLineIndex(f.currentSourceIndex.Load())
	rows := make([]types.LogLineIndex, n)
	for i := range rows {
		rows[i] = base + types.LogLineIndex(i)
	}

	buf := columnar.New(len(rows), []logsource.ColumnKind{
		logsource.ColumnLogEntryIndex, logsource.ColumnRawContent,
		logsource.ColumnLogLevel, logsource.ColumnTimestamp,
	})
	opts := logsource.DefaultQueryOptions
	for _, c := range buf.Columns() {
		if err := buf.CopyFrom(c, 0, f.source, rows, opts); err != nil {
			f.log.WithError(err).WithField("column", c.String()).Error("failed to fetch column for filter batch")
			return
		}
	}

	for i, srcIdx := range rows {
		select {
		case <-ctx.Done():
			return
		default:
		}

		entryIdx, _ := buf.Get(logsource.ColumnLogEntryIndex, i).(types.LogEntryIndex)
		raw, _ := buf.Get(logsource.ColumnRawContent, i).(string)
		level, _ := buf.Get(logsource.ColumnLogLevel, i).(types.LogLevel)
		ts, _ := buf.Get(logsource.ColumnTimestamp, i).(*time.Time)
		line := Line{SourceIndex: srcIdx, LogEntryIndex: entryIdx, RawContent: raw, LogLevel: level, Timestamp: ts}

		if len(f.lastLogBuffer) == 0 || entryIdx == f.lastLogBuffer[0].LogEntryIndex {
			if f.lineFilter(line) {
				f.lastLogBuffer = append(f.lastLogBuffer, line)
			}
		} else {
			f.commitEntry(f.lastLogBuffer)
			f.lastLogBuffer = f.lastLogBuffer[:0]
			if f.lineFilter(line) {
				f.lastLogBuffer = append(f.lastLogBuffer, line)
			}
		}
	}

	f.currentSourceIndex.Add(n)
}

// commitEntry implements spec.md §4.3's entry-commit algorithm, including
// the idempotence guard against re-emission after a replayed Appended.
func (f *Filter) commitEntry(lines []Line) {
	if len(lines) == 0 {
		return
	}
	lastSourceIdx := lines[len(lines)-1].SourceIndex
	if f.lastCommittedSource.IsValid() && f.lastCommittedSource == lastSourceIdx {
		return
	}
	if !f.entryFilter(lines) {
		return
	}

	f.mu.Lock()
	entryIdx := f.currentLogEntryIndex
	for _, l := range lines {
		f.indices = append(f.indices, l.SourceIndex)
		f.lineLengths = append(f.lineLengths, len(l.RawContent))
		f.logEntryIndices[l.SourceIndex] = entryIdx
		if n := len(l.RawContent); n > f.maxCharactersPerLine {
			f.maxCharactersPerLine = n
		}
	}
	f.mu.Unlock()

	f.currentLogEntryIndex++
	f.lastCommittedSource = lastSourceIdx
}

func (f *Filter) publishProperties() {
	f.mu.Lock()
	entryCount := 0
	if f.currentLogEntryIndex.IsValid() {
		entryCount = int(f.currentLogEntryIndex)
	}
	maxChars := f.maxCharactersPerLine
	f.mu.Unlock()

	snapshot := map[logsource.PropertyKind]interface{}{
		logsource.PropertyLogEntryCount:         entryCount,
		logsource.PropertyMaxCharactersPerLine:  maxChars,
	}

	denom := f.fullSourceSection.Count
	var pct float64
	if denom <= 0 {
		pct = 1
	} else {
		upstreamPct, _ := f.source.GetProperty(logsource.PropertyPercentageProcessed).(float64)
		pct = upstreamPct * (float64(f.currentSourceIndex.Load()) / float64(denom))
	}
	if pct < 0 {
		pct = 0
	}
	if pct > 1 {
		pct = 1
	}
	snapshot[logsource.PropertyPercentageProcessed] = pct

	f.PublishProperties(snapshot)
}

func (f *Filter) maybeFlush(rowCount int64) {
	pct, _ := f.GetProperty(logsource.PropertyPercentageProcessed).(float64)
	if pct >= 1 {
		if !f.caughtUpFlushed {
			f.Fanout().NotifyFlush(rowCount)
			f.caughtUpFlushed = true
		}
	} else {
		f.caughtUpFlushed = false
	}
}

// Columns returns the filter's own minimum set unioned with the source's.
func (f *Filter) Columns() []logsource.ColumnKind {
	return logsource.MergeColumns(f.source.Columns(), logsource.MinimumColumns)
}

// Watermark returns the number of upstream source rows this stage has
// consumed (the index of the next row it will process), for metrics
// reporting (distinct from PropertyLogEntryCount,
// which counts rows that survived the filter).
func (f *Filter) Watermark() int64 {
	return f.currentSourceIndex.Load()
}

// Properties returns the filter's own property set (including
// MaxCharactersPerLine) unioned with the source's.
func (f *Filter) Properties() []logsource.PropertyKind {
	return logsource.MergeProperties(f.source.Properties(), filterProperties)
}

// GetProperty overrides Base's for the same ancestor-pass-through rule the
// grouper applies.
func (f *Filter) GetProperty(p logsource.PropertyKind) interface{} {
	if f.IsDisposed() {
		return p.DefaultValue()
	}
	if isOwnProperty(p) {
		return f.Base.GetProperty(p)
	}
	return f.source.GetProperty(p)
}

// SetProperty ignores every write; see grouper's identical rationale.
func (f *Filter) SetProperty(logsource.PropertyKind, interface{}) {}

// GetAllProperties fills dest with the source's properties first, then
// overlays the filter's own computed values.
func (f *Filter) GetAllProperties(dest map[logsource.PropertyKind]interface{}) {
	if f.IsDisposed() {
		return
	}
	f.source.GetAllProperties(dest)
	own := map[logsource.PropertyKind]interface{}{}
	f.Base.GetAllProperties(own)
	for k, v := range own {
		dest[k] = v
	}
}

func isOwnProperty(p logsource.PropertyKind) bool {
	for _, k := range filterProperties {
		if k == p {
			return true
		}
	}
	return false
}

// GetColumn implements spec.md §4.3's "Column serving".
func (f *Filter) GetColumn(rows []types.LogLineIndex, column logsource.ColumnKind, dest []interface{}, destOffset int, opts logsource.QueryOptions) error {
	if destOffset < 0 || destOffset+len(rows) > len(dest) {
		return apperrors.Programmer("filter", "GetColumn", "destination range out of bounds")
	}

	switch column {
	case logsource.ColumnIndex:
		f.mu.Lock()
		for i, r := range rows {
			if f.sourceIndexAtLocked(r).IsValid() {
				dest[destOffset+i] = r
			} else {
				dest[destOffset+i] = types.InvalidLogLineIndex
			}
		}
		f.mu.Unlock()
		return nil
	case logsource.ColumnLineNumber:
		f.mu.Lock()
		for i, r := range rows {
			if f.sourceIndexAtLocked(r).IsValid() {
				dest[destOffset+i] = int(r) + 1
			} else {
				dest[destOffset+i] = 0
			}
		}
		f.mu.Unlock()
		return nil
	case logsource.ColumnOriginalIndex:
		f.mu.Lock()
		for i, r := range rows {
			dest[destOffset+i] = f.sourceIndexAtLocked(r)
		}
		f.mu.Unlock()
		return nil
	case logsource.ColumnLogEntryIndex:
		f.mu.Lock()
		for i, r := range rows {
			src := f.sourceIndexAtLocked(r)
			if src.IsValid() {
				dest[destOffset+i] = f.logEntryIndices[src]
			} else {
				dest[destOffset+i] = types.InvalidLogEntryIndex
			}
		}
		f.mu.Unlock()
		return nil
	case logsource.ColumnDeltaTime:
		return f.getDeltaTime(rows, dest, destOffset, opts)
	default:
		translated := make([]types.LogLineIndex, len(rows))
		f.mu.Lock()
		for i, r := range rows {
			translated[i] = f.sourceIndexAtLocked(r)
		}
		f.mu.Unlock()
		return f.source.GetColumn(translated, column, dest, destOffset, opts)
	}
}

func (f *Filter) sourceIndexAtLocked(r types.LogLineIndex) types.LogLineIndex {
	if r < 0 || int(r) >= len(f.indices) {
		return types.InvalidLogLineIndex
	}
	return f.indices[r]
}

// getDeltaTime fetches DeltaTime(r) = source.Timestamp(indices[r]) -
// source.Timestamp(indices[r-1]) for every requested row in a single
// batched source query over the interleaved (r-1, r) pairs, per spec.md
// §4.3.
func (f *Filter) getDeltaTime(rows []types.LogLineIndex, dest []interface{}, destOffset int, opts logsource.QueryOptions) error {
	pairCount := len(rows) * 2
	pairs := make([]types.LogLineIndex, pairCount)

	f.mu.Lock()
	for i, r := range rows {
		if r <= 0 {
			pairs[2*i] = types.InvalidLogLineIndex
		} else {
			pairs[2*i] = f.sourceIndexAtLocked(r - 1)
		}
		pairs[2*i+1] = f.sourceIndexAtLocked(r)
	}
	f.mu.Unlock()

	values := make([]interface{}, pairCount)
	if err := f.source.GetColumn(pairs, logsource.ColumnTimestamp, values, 0, opts); err != nil {
		return err
	}

	for i, r := range rows {
		if r <= 0 {
			dest[destOffset+i] = time.Duration(0)
			continue
		}
		prevTs, _ := values[2*i].(*time.Time)
		curTs, _ := values[2*i+1].(*time.Time)
		if prevTs == nil || curTs == nil {
			dest[destOffset+i] = time.Duration(0)
			continue
		}
		dest[destOffset+i] = curTs.Sub(*prevTs)
	}
	return nil
}

// GetEntries fills every column requested by each dest row.
func (f *Filter) GetEntries(rows []types.LogLineIndex, dest []logsource.Row, destOffset int, opts logsource.QueryOptions) error {
	if destOffset < 0 || destOffset+len(rows) > len(dest) {
		return apperrors.Programmer("filter", "GetEntries", "destination range out of bounds")
	}
	columns := map[logsource.ColumnKind]bool{}
	for i := range rows {
		for c := range dest[destOffset+i].Columns {
			columns[c] = true
		}
	}
	for c := range columns {
		values := make([]interface{}, len(rows))
		if err := f.GetColumn(rows, c, values, 0, opts); err != nil {
			return err
		}
		for i := range rows {
			dest[destOffset+i].Columns[c] = values[i]
		}
	}
	return nil
}

// GetLogLineIndexOfOriginalLineIndex performs a linear scan of indices,
// returning the first local row r with indices[r] == o, or the invalid
// sentinel, per spec.md §4.3's reverse-mapping contract (callers are
// expected to use this sparingly).
func (f *Filter) GetLogLineIndexOfOriginalLineIndex(o types.LogLineIndex) types.LogLineIndex {
	f.mu.Lock()
	defer f.mu.Unlock()
	for r, src := range f.indices {
		if src == o {
			return types.LogLineIndex(r)
		}
	}
	return types.InvalidLogLineIndex
}
