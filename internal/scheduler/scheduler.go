// Package scheduler runs device tasks with bounded concurrency.
//
// At most Config.Concurrency tasks run at once, no two tasks for the same device run
// concurrently, and tasks of an exclusive class (dispatch by default) run one
// at a time across the whole fleet. Submitting a task whose id is already
// queued, delayed or running is a no-op.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const DefaultConcurrency = 5

// Observer receives task lifecycle events. Implementations must not block.
type Observer interface {
	TaskSubmitted(class Class)
	TaskStarted(class Class)
	TaskFinished(class Class, elapsed time.Duration, err error)
	TaskAbandoned(class Class)
	QueueDepth(stats Stats)
}

type Config struct {
	Concurrency      int
	ExclusiveClasses []Class
}

type delayedTask struct {
	task  *Task
	timer *time.Timer
}

type Scheduler struct {
	mu          sync.Mutex
	capacity    int
	exclusive   map[Class]bool
	ready       []*Task
	delayed     map[string]*delayedTask
	active      map[string]*Task
	deviceLocks map[int64]string
	classLocks  map[Class]bool
	running     int
	stopped     bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	observer Observer
	logger   *slog.Logger
}

func New(cfg Config, logger *slog.Logger, observer Observer) *Scheduler {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.ExclusiveClasses == nil {
		cfg.ExclusiveClasses = []Class{ClassDispatch}
	}
	if logger == nil {
		logger = slog.Default()
	}

	exclusive := make(map[Class]bool, len(cfg.ExclusiveClasses))
	for _, c := range cfg.ExclusiveClasses {
		exclusive[c] = true
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		capacity:    cfg.Concurrency,
		exclusive:   exclusive,
		delayed:     make(map[string]*delayedTask),
		active:      make(map[string]*Task),
		deviceLocks: make(map[int64]string),
		classLocks:  make(map[Class]bool),
		ctx:         ctx,
		cancel:      cancel,
		observer:    observer,
		logger:      logger.With("component", "scheduler"),
	}
}

// Submit queues a task for execution. It returns false when a task with the
// same id is already queued, delayed or active, or the scheduler is stopped.
func (s *Scheduler) Submit(t *Task) bool {
	s.mu.Lock()
	if !s.admit(t) {
		s.mu.Unlock()
		return false
	}
	if t.Priority {
		s.ready = append([]*Task{t}, s.ready...)
	} else {
		s.ready = append(s.ready, t)
	}
	s.reportLocked()
	s.mu.Unlock()

	s.drain()
	return true
}

// SubmitDelayed holds a task for delay before it becomes eligible to run.
// The same uniqueness rule as Submit applies while the task is held.
func (s *Scheduler) SubmitDelayed(t *Task, delay time.Duration) bool {
	if delay <= 0 {
		return s.Submit(t)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.admit(t) {
		return false
	}
	s.delayed[t.ID] = &delayedTask{
		task:  t,
		timer: time.AfterFunc(delay, func() { s.promote(t.ID) }),
	}
	s.reportLocked()
	return true
}

// admit validates a submission. Caller holds s.mu.
func (s *Scheduler) admit(t *Task) bool {
	if t == nil || t.Run == nil || t.ID == "" {
		return false
	}
	if s.stopped || s.hasLocked(t.ID) {
		return false
	}
	if s.observer != nil {
		s.observer.TaskSubmitted(t.Class)
	}
	return true
}

func (s *Scheduler) promote(id string) {
	s.mu.Lock()
	d, ok := s.delayed[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.delayed, id)
	if s.stopped {
		s.mu.Unlock()
		return
	}
	if d.task.Priority {
		s.ready = append([]*Task{d.task}, s.ready...)
	} else {
		s.ready = append(s.ready, d.task)
	}
	s.reportLocked()
	s.mu.Unlock()

	s.drain()
}

// drain starts every queued task that is not blocked, in queue order.
func (s *Scheduler) drain() {
	s.mu.Lock()
	var started []*Task
	kept := make([]*Task, 0, len(s.ready))
	for _, t := range s.ready {
		if s.stopped || s.blockedLocked(t) {
			kept = append(kept, t)
			continue
		}

		s.running++
		if s.exclusive[t.Class] {
			s.classLocks[t.Class] = true
		}
		s.deviceLocks[t.DeviceID] = t.ID
		s.active[t.ID] = t
		s.wg.Add(1)
		started = append(started, t)
	}
	s.ready = kept
	if len(started) > 0 {
		s.reportLocked()
	}
	s.mu.Unlock()

	for _, t := range started {
		go s.execute(t)
	}
}

func (s *Scheduler) blockedLocked(t *Task) bool {
	if s.running >= s.capacity {
		return true
	}
	if s.exclusive[t.Class] && s.classLocks[t.Class] {
		return true
	}
	_, locked := s.deviceLocks[t.DeviceID]
	return locked
}

func (s *Scheduler) execute(t *Task) {
	defer s.wg.Done()

	if s.observer != nil {
		s.observer.TaskStarted(t.Class)
	}
	start := time.Now()
	result, err := s.run(t)
	elapsed := time.Since(start)

	s.mu.Lock()
	s.running--
	if s.exclusive[t.Class] {
		delete(s.classLocks, t.Class)
	}
	delete(s.deviceLocks, t.DeviceID)
	delete(s.active, t.ID)
	s.reportLocked()
	s.mu.Unlock()

	if s.observer != nil {
		s.observer.TaskFinished(t.Class, elapsed, err)
	}

	if err != nil {
		s.logger.Debug("task failed", "task_id", t.ID, "elapsed", elapsed, "error", err)
		if t.OnFailure != nil {
			t.OnFailure(err)
		}
	} else {
		s.logger.Debug("task completed", "task_id", t.ID, "elapsed", elapsed)
		if t.OnSuccess != nil {
			t.OnSuccess(result)
		}
	}

	s.drain()
}

func (s *Scheduler) run(t *Task) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{TaskID: t.ID, Value: r}
		}
	}()
	return t.Run(s.ctx)
}

// Has reports whether a task id is queued, delayed or active.
func (s *Scheduler) Has(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasLocked(id)
}

func (s *Scheduler) hasLocked(id string) bool {
	if _, ok := s.active[id]; ok {
		return true
	}
	if _, ok := s.delayed[id]; ok {
		return true
	}
	for _, t := range s.ready {
		if t.ID == id {
			return true
		}
	}
	return false
}

func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statsLocked()
}

func (s *Scheduler) statsLocked() Stats {
	return Stats{Queued: len(s.ready), Delayed: len(s.delayed), Active: len(s.active)}
}

func (s *Scheduler) reportLocked() {
	if s.observer != nil {
		s.observer.QueueDepth(s.statsLocked())
	}
}

func (s *Scheduler) abandoned(class Class) {
	if s.observer != nil {
		s.observer.TaskAbandoned(class)
	}
}

// Stop refuses new submissions, drops queued and delayed tasks, cancels the
// worker context and waits for active tasks to return or ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	for id, d := range s.delayed {
		d.timer.Stop()
		delete(s.delayed, id)
	}
	s.ready = nil
	s.reportLocked()
	s.mu.Unlock()

	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for active tasks: %w", ctx.Err())
	}
}
