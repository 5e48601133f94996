// Package pipeline provides AbstractPipelineStage (spec.md §4.1): the
// shared skeleton every derived log source embeds for scheduler
// registration, listener fanout ownership and the Running→Disposed state
// machine. MultiLineGrouper and FilterStage each embed a *Base and add
// their own column serving and index bookkeeping on top.
package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"ssw-logs-capture/pkg/logsource"
	"ssw-logs-capture/pkg/propertybag"
	"ssw-logs-capture/pkg/scheduler"
)

// Base implements the non-column parts of logsource.Source: property
// storage, listener registration/fanout, and the disposal state machine.
// It owns exactly the resources spec.md §3 "Ownership & lifecycle"
// assigns to a stage: its property bag and listener registry (the index
// vector and staging buffer belong to the embedding stage).
type Base struct {
	Log *logrus.Entry

	source       logsource.Source
	sourceRegID  logsource.RegistrationID
	sched        *scheduler.Scheduler
	taskID       string
	fanout       *logsource.Fanout
	properties   *propertybag.Bag

	mu       sync.Mutex
	disposed bool
}

// Self is the facade RunOnce notifications are announced under — the
// embedding stage (grouper/filter), since listeners expect the
// Modification's "source" argument to be the stage, not this Base.
type Self = logsource.Source

// NewBase wires up a stage's shared machinery:
//   - subscribes to source with (maxWaitTime, maxBatchSize), per spec.md §4.1
//   - starts a repeating scheduler task under taskID that invokes runOnce
//   - reports fanout notifications as coming from self (the embedding stage)
// onSourceModified is the embedding stage's own listener — typically a
// closure that pushes mod onto an unbounded FIFO for RunOnce to drain
// (spec.md §5: "Pending-modification queues are unbounded multi-producer
// single-consumer FIFOs"). Base only owns the registration's lifecycle;
// the queue itself lives in the embedding stage alongside its index
// vector.
func NewBase(ctx context.Context, self Self, source logsource.Source, onSourceModified logsource.Listener, properties []logsource.PropertyKind, sched *scheduler.Scheduler, taskID string, maxWaitTime time.Duration, maxBatchSize int64, runOnce scheduler.RunOnceFunc, log *logrus.Entry) *Base {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	b := &Base{
		Log:        log,
		source:     source,
		sched:      sched,
		taskID:     taskID,
		fanout:     logsource.NewFanout(self, log),
		properties: propertybag.New(properties),
	}
	if source != nil {
		b.sourceRegID = source.AddListener(onSourceModified, maxWaitTime, maxBatchSize)
	}
	sched.AddPeriodicTask(ctx, taskID, runOnce)
	return b
}

// Source returns the upstream source this stage was built over.
func (b *Base) Source() logsource.Source { return b.source }

// Properties returns the bag's declared keys.
func (b *Base) Properties() []logsource.PropertyKind {
	if b.IsDisposed() {
		return nil
	}
	return b.properties.Keys()
}

// GetProperty returns the current value, or the descriptor default once
// disposed (spec.md §4.1 "Once disposed, all query operations return
// defaults").
func (b *Base) GetProperty(p logsource.PropertyKind) interface{} {
	if b.IsDisposed() {
		return p.DefaultValue()
	}
	return b.properties.Get(p)
}

// SetProperty is a no-op: every property this engine's stages expose is
// computed, never externally settable (spec.md §6).
func (b *Base) SetProperty(logsource.PropertyKind, interface{}) {}

// GetAllProperties copies the bag's current snapshot into dest.
func (b *Base) GetAllProperties(dest map[logsource.PropertyKind]interface{}) {
	if b.IsDisposed() {
		return
	}
	b.properties.GetAll(dest)
}

// PublishProperties atomically replaces the bag's contents with snapshot,
// per spec.md §5's "compute off the lock, publish atomically" rule.
func (b *Base) PublishProperties(snapshot map[logsource.PropertyKind]interface{}) {
	b.properties.CopyFrom(snapshot)
}

// AddListener registers listener on this stage's own fanout.
func (b *Base) AddListener(listener logsource.Listener, maxWaitTime time.Duration, maxBatchSize int64) logsource.RegistrationID {
	if b.IsDisposed() {
		return 0
	}
	return b.fanout.Add(listener, maxWaitTime, maxBatchSize)
}

// RemoveListener is idempotent.
func (b *Base) RemoveListener(id logsource.RegistrationID) {
	b.fanout.Remove(id)
}

// Fanout exposes the stage's own listener fanout so the embedding stage
// can emit OnRead/Remove/Reset/Flush as it processes modifications.
func (b *Base) Fanout() *logsource.Fanout { return b.fanout }

// IsDisposed reports whether Dispose has run.
func (b *Base) IsDisposed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.disposed
}

// Dispose deregisters from the source, cancels the scheduler task, then
// releases the fanout — in that order, per spec.md §4.1. It does not
// dispose the source (spec.md §3 "Disposal ... does not dispose the
// source").
func (b *Base) Dispose() {
	b.mu.Lock()
	if b.disposed {
		b.mu.Unlock()
		return
	}
	b.disposed = true
	b.mu.Unlock()

	if b.source != nil {
		b.source.RemoveListener(b.sourceRegID)
	}
	b.sched.RemoveTask(b.taskID)
	b.fanout.Dispose()
}
