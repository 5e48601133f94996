package logsource

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"ssw-logs-capture/pkg/types"
)

// Listener is the callback contract a stage subscribes with (spec.md §6):
// OnLogFileModified must be non-blocking — implementations enqueue and
// return.
type Listener interface {
	OnLogFileModified(source Source, mod Modification)
}

// ListenerFunc adapts a plain function to the Listener interface, the way
// http.HandlerFunc adapts a function to http.Handler.
type ListenerFunc func(source Source, mod Modification)

// OnLogFileModified implements Listener.
func (f ListenerFunc) OnLogFileModified(source Source, mod Modification) { f(source, mod) }

// RegistrationID identifies a listener registration, returned by
// Fanout.Add and consumed by Fanout.Remove, per the design note in
// spec.md §9 preferring explicit IDs over identity comparison.
type RegistrationID int64

type registration struct {
	id           RegistrationID
	listener     Listener
	maxWaitTime  time.Duration
	maxBatchSize int64

	mu           sync.Mutex
	pendingRows  int64 // rows coalesced into a pending OnRead, -1 means reset pending
	hasPending   bool
	lastFlushed  time.Time
	timer        *time.Timer
	lastReported int64 // total row count already delivered as Appended sections

	// deliverMu/queue/wake/stopped serialize every notification (OnRead,
	// Remove, Reset, Flush) to this listener onto a single goroutine, so
	// deliveries reach it in the order they were produced (spec.md §5:
	// "processed in FIFO order") instead of racing as independent
	// goroutines.
	deliverMu sync.Mutex
	queue     []Modification
	wake      chan struct{}
	stopped   chan struct{}
}

// Fanout batches OnRead notifications per listener according to each
// registration's maxWaitTime/maxBatchSize and delivers Remove/Reset/Flush
// immediately and uncoalesced, per spec.md §4.5.
type Fanout struct {
	source Source
	log    *logrus.Entry

	mu       sync.Mutex
	nextID   RegistrationID
	regs     map[RegistrationID]*registration
	disposed bool
}

// NewFanout creates a Fanout that will report source as the event origin.
func NewFanout(source Source, log *logrus.Entry) *Fanout {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Fanout{source: source, log: log, regs: make(map[RegistrationID]*registration)}
}

// Add registers listener with its own coalescing budget and returns an ID
// usable with Remove.
func (f *Fanout) Add(listener Listener, maxWaitTime time.Duration, maxBatchSize int64) RegistrationID {
	f.mu.Lock()
	defer f.mu.Unlock()

	if maxWaitTime <= 0 {
		maxWaitTime = time.Second
	}
	if maxBatchSize <= 0 {
		maxBatchSize = 1
	}

	f.nextID++
	id := f.nextID
	reg := &registration{
		id:           id,
		listener:     listener,
		maxWaitTime:  maxWaitTime,
		maxBatchSize: maxBatchSize,
		lastFlushed:  time.Now(),
		wake:         make(chan struct{}, 1),
		stopped:      make(chan struct{}),
	}
	f.regs[id] = reg
	go f.runDelivery(reg)
	return id
}

// runDelivery is the single goroutine that ever calls reg.listener's
// OnLogFileModified: it drains reg.queue strictly in FIFO order, one
// Modification at a time, so a listener never sees two notifications
// running concurrently and never sees them out of the order they were
// enqueued.
func (f *Fanout) runDelivery(reg *registration) {
	for {
		reg.deliverMu.Lock()
		for len(reg.queue) == 0 {
			reg.deliverMu.Unlock()
			select {
			case <-reg.wake:
			case <-reg.stopped:
				return
			}
			reg.deliverMu.Lock()
		}
		mod := reg.queue[0]
		reg.queue = reg.queue[1:]
		reg.deliverMu.Unlock()

		f.deliver(reg, mod)
	}
}

func (f *Fanout) deliver(reg *registration, mod Modification) {
	defer func() {
		if r := recover(); r != nil {
			f.log.WithField("panic", r).Error("listener OnLogFileModified panicked")
		}
	}()
	reg.listener.OnLogFileModified(f.source, mod)
}

// enqueue appends mod to reg's private delivery queue and wakes its
// delivery goroutine if it is idle.
func (f *Fanout) enqueue(reg *registration, mod Modification) {
	reg.deliverMu.Lock()
	reg.queue = append(reg.queue, mod)
	reg.deliverMu.Unlock()
	select {
	case reg.wake <- struct{}{}:
	default:
	}
}

// Remove deregisters a listener. Idempotent: removing an unknown or
// already-removed ID is a no-op, per spec.md §6.
func (f *Fanout) Remove(id RegistrationID) {
	f.mu.Lock()
	reg, ok := f.regs[id]
	if ok {
		delete(f.regs, id)
	}
	f.mu.Unlock()

	if ok {
		reg.mu.Lock()
		if reg.timer != nil {
			reg.timer.Stop()
		}
		reg.mu.Unlock()
		close(reg.stopped)
	}
}

// Dispose stops all pending timers and drops every registration.
func (f *Fanout) Dispose() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.disposed {
		return
	}
	f.disposed = true
	for _, reg := range f.regs {
		reg.mu.Lock()
		if reg.timer != nil {
			reg.timer.Stop()
		}
		reg.mu.Unlock()
		close(reg.stopped)
	}
	f.regs = nil
}

func (f *Fanout) snapshot() []*registration {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.disposed {
		return nil
	}
	out := make([]*registration, 0, len(f.regs))
	for _, r := range f.regs {
		out = append(out, r)
	}
	return out
}

// NotifyRead coalesces OnRead(rowCount) across the registration's
// maxWaitTime/maxBatchSize budget, per spec.md §4.5. rowCount is the new
// total row count of the stage.
func (f *Fanout) NotifyRead(rowCount int64) {
	for _, reg := range f.snapshot() {
		f.scheduleRead(reg, rowCount)
	}
}

func (f *Fanout) scheduleRead(reg *registration, rowCount int64) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	reg.pendingRows = rowCount
	reg.hasPending = true

	elapsedSinceFlush := time.Since(reg.lastFlushed)
	growth := rowCount - reg.lastReported
	if growth < 0 {
		growth = 0
	}

	dueNow := elapsedSinceFlush >= reg.maxWaitTime || growth >= reg.maxBatchSize
	if dueNow {
		f.flushReadLocked(reg)
		return
	}
	if reg.timer == nil {
		remaining := reg.maxWaitTime - elapsedSinceFlush
		reg.timer = time.AfterFunc(remaining, func() { f.flushTimerFired(reg) })
	}
}

func (f *Fanout) flushTimerFired(reg *registration) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if reg.hasPending {
		f.flushReadLocked(reg)
	}
}

// flushReadLocked delivers the coalesced OnRead under reg.mu. rowCount is
// the source's total row count; every listener is reported its own
// [lastReported, rowCount) delta, not the absolute [0, rowCount) range,
// since a listener that already consumed rows [0, lastReported) must not
// see them appended a second time.
func (f *Fanout) flushReadLocked(reg *registration) {
	rowCount := reg.pendingRows
	reg.hasPending = false
	reg.lastFlushed = time.Now()
	if reg.timer != nil {
		reg.timer.Stop()
		reg.timer = nil
	}
	if rowCount < 0 {
		reg.lastReported = 0
		f.enqueue(reg, Reset())
		return
	}
	start := reg.lastReported
	delta := rowCount - start
	if delta <= 0 {
		return
	}
	reg.lastReported = rowCount
	f.enqueue(reg, Appended(NewSection(types.LogLineIndex(start), delta)))
}

// NotifyRemove delivers Removed(section) immediately, uncoalesced, and
// rewinds each listener's reported watermark so a later NotifyRead
// reports the correct delta against the new, shrunk row count.
func (f *Fanout) NotifyRemove(sec Section) {
	for _, reg := range f.snapshot() {
		reg.mu.Lock()
		if reg.lastReported > int64(sec.Start) {
			reg.lastReported = int64(sec.Start)
		}
		reg.mu.Unlock()
		f.enqueue(reg, Removed(sec))
	}
}

// NotifyReset delivers Reset immediately to every listener, modeled as
// OnRead(-1) per spec.md §4.5, and clears any pending coalesced read.
func (f *Fanout) NotifyReset() {
	for _, reg := range f.snapshot() {
		reg.mu.Lock()
		reg.hasPending = false
		if reg.timer != nil {
			reg.timer.Stop()
			reg.timer = nil
		}
		reg.lastFlushed = time.Now()
		reg.lastReported = 0
		reg.mu.Unlock()

		f.enqueue(reg, Reset())
	}
}

// NotifyFlush delivers a Flush-equivalent notification immediately. The
// engine models Flush as an OnRead carrying the listener's own
// already-reported watermark — a zero-length Appended section at that
// watermark, a no-op in content but significant as a signal — since
// Modification has no distinct Flush variant. See maybeFlush in
// pkg/grouper and pkg/filter for the boundary-crossing rule (spec.md §3
// invariant 5). rowCount is accepted for the caller's
// convenience but ignored: the watermark flushed is always the
// listener's own, from reg.lastReported, never the caller's.
func (f *Fanout) NotifyFlush(int64) {
	for _, reg := range f.snapshot() {
		reg.mu.Lock()
		reg.hasPending = false
		reg.lastFlushed = time.Now()
		if reg.timer != nil {
			reg.timer.Stop()
			reg.timer = nil
		}
		watermark := reg.lastReported
		reg.mu.Unlock()

		f.enqueue(reg, Appended(NewSection(types.LogLineIndex(watermark), 0)))
	}
}
