// Package scheduler adapts the log-capture side's pkg/task_manager
// (one-shot tasks with a heartbeat/cleanup loop) into the periodic-task
// model AbstractPipelineStage needs: a task that runs to completion of one
// batch and returns the delay before its next invocation, per spec.md
// §4.1/§5 ("cooperative tasks over a shared task scheduler").
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// RunOnceFunc is a single pipeline-stage tick. It returns the minimum
// delay before the scheduler should invoke it again; zero requests
// immediate rescheduling (work remains), per spec.md §4.1.
type RunOnceFunc func(ctx context.Context) time.Duration

// Scheduler runs one goroutine per registered periodic task, each looping
// "invoke, sleep for the returned delay, repeat" until canceled. Multiple
// stages run in parallel on independent goroutines, matching spec.md §5's
// "no dedicated threads per source" only in the sense that the scheduler
// itself is shared infrastructure — each task still gets cooperative
// scheduling, not a dedicated OS thread pinned to it.
type Scheduler struct {
	log *logrus.Entry

	mu    sync.Mutex
	tasks map[string]*periodicTask
	wg    sync.WaitGroup
}

type periodicTask struct {
	id     string
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Scheduler. log may be nil, in which case the standard
// logrus logger is used.
func New(log *logrus.Logger) *Scheduler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Scheduler{
		log:   logrus.NewEntry(log).WithField("component", "scheduler"),
		tasks: make(map[string]*periodicTask),
	}
}

// AddPeriodicTask registers fn under id and starts invoking it
// immediately, honoring the delay it returns between invocations. Replaces
// any existing task registered under the same id.
func (s *Scheduler) AddPeriodicTask(ctx context.Context, id string, fn RunOnceFunc) {
	s.mu.Lock()
	existing, ok := s.tasks[id]
	s.mu.Unlock()
	if ok {
		existing.cancel()
		<-existing.done
	}

	s.mu.Lock()
	taskCtx, cancel := context.WithCancel(ctx)
	t := &periodicTask{id: id, cancel: cancel, done: make(chan struct{})}
	s.tasks[id] = t
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run(taskCtx, t, fn)
}

func (s *Scheduler) run(ctx context.Context, t *periodicTask, fn RunOnceFunc) {
	defer s.wg.Done()
	defer close(t.done)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		delay := s.invoke(ctx, t.id, fn)

		if delay <= 0 {
			continue
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (s *Scheduler) invoke(ctx context.Context, id string, fn RunOnceFunc) (delay time.Duration) {
	defer func() {
		if r := recover(); r != nil {
			s.log.WithFields(logrus.Fields{"task_id": id, "panic": r}).Error("periodic task panicked")
			delay = time.Second
		}
	}()
	return fn(ctx)
}

// RemoveTask cancels and deregisters the task for id, blocking until its
// goroutine has exited. Idempotent.
func (s *Scheduler) RemoveTask(id string) {
	s.mu.Lock()
	t, ok := s.tasks[id]
	if ok {
		delete(s.tasks, id)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	t.cancel()
	<-t.done
}

// Close cancels every registered task and waits for all goroutines to
// exit.
func (s *Scheduler) Close() {
	s.mu.Lock()
	tasks := make([]*periodicTask, 0, len(s.tasks))
	for _, t := range s.tasks {
		tasks = append(tasks, t)
	}
	s.tasks = make(map[string]*periodicTask)
	s.mu.Unlock()

	for _, t := range tasks {
		t.cancel()
	}
	s.wg.Wait()
}
