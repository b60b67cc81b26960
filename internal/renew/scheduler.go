// Package renew fires periodic credential/lease renewal and status
// polling per backend. Intervals are operator-controlled: a failed tick
// is reported and retried on the next natural tick, never backed off,
// so lease refresh stays predictable.
package renew

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Result of a task's most recent tick.
type Result int

const (
	NeverRun Result = iota
	Ok
	Failed
)

func (r Result) String() string {
	switch r {
	case Ok:
		return "ok"
	case Failed:
		return "failed"
	default:
		return "never-run"
	}
}

// RenewFunc is the backend's renewal capability.
type RenewFunc func(ctx context.Context) error

// Task is a read-only snapshot of one configured renewal.
type Task struct {
	BackendID  string
	Interval   time.Duration
	LastRunAt  time.Time
	LastResult Result
}

// Event reports the outcome of one tick.
type Event struct {
	BackendID string
	Err       string // empty on success
}

type task struct {
	backendID  string
	interval   time.Duration
	fn         RenewFunc
	stop       chan struct{}
	stopped    chan struct{}
	lastRunAt  time.Time
	lastResult Result
}

// Scheduler runs one independent timer per configured backend.
type Scheduler struct {
	mu    sync.Mutex
	tasks map[string]*task

	// cfgMu serializes Configure/Stop so timer replacement is atomic:
	// the old loop is fully stopped before the new one starts.
	cfgMu sync.Mutex

	events  chan<- Event
	enabled atomic.Bool
	logger  *slog.Logger
	clock   func() time.Time
}

func NewScheduler(events chan<- Event, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		tasks:  make(map[string]*task),
		events: events,
		logger: logger,
		clock:  time.Now,
	}
	s.enabled.Store(true)
	return s
}

// Configure installs (or replaces) the renewal timer for a backend.
// An invalid interval is rejected and the prior configuration, if any,
// stays in effect.
func (s *Scheduler) Configure(backendID string, interval time.Duration, fn RenewFunc) error {
	if interval <= 0 {
		return fmt.Errorf("renewal interval for %s must be positive, got %s", backendID, interval)
	}
	if fn == nil {
		return fmt.Errorf("renewal for %s needs a renew function", backendID)
	}

	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()

	s.stopTask(backendID)

	t := &task{
		backendID: backendID,
		interval:  interval,
		fn:        fn,
		stop:      make(chan struct{}),
		stopped:   make(chan struct{}),
	}
	s.mu.Lock()
	s.tasks[backendID] = t
	s.mu.Unlock()

	s.logger.Info("renewal configured", "backend", backendID, "interval", interval)
	go s.loop(t)
	return nil
}

// Stop removes a backend's timer, waiting for any in-progress tick.
func (s *Scheduler) Stop(backendID string) {
	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()
	s.stopTask(backendID)
}

// StopAll stops every timer. Called at shutdown.
func (s *Scheduler) StopAll() {
	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()
	s.mu.Lock()
	ids := make([]string, 0, len(s.tasks))
	for id := range s.tasks {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	for _, id := range ids {
		s.stopTask(id)
	}
}

// SetEnabled pauses or resumes all renewals without touching timers.
func (s *Scheduler) SetEnabled(enabled bool) {
	s.enabled.Store(enabled)
}

// Lookup returns the snapshot for one backend.
func (s *Scheduler) Lookup(backendID string) (Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[backendID]
	if !ok {
		return Task{}, false
	}
	return snapshot(t), true
}

// Tasks returns snapshots of every configured renewal.
func (s *Scheduler) Tasks() []Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, snapshot(t))
	}
	return out
}

// stopTask removes the task and waits for its loop to exit. Must be
// called with s.cfgMu held and s.mu released.
func (s *Scheduler) stopTask(backendID string) {
	s.mu.Lock()
	t, ok := s.tasks[backendID]
	if ok {
		delete(s.tasks, backendID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	close(t.stop)
	<-t.stopped
}

func (s *Scheduler) loop(t *task) {
	defer close(t.stopped)
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			if !s.enabled.Load() {
				continue
			}
			// The tick runs on the loop goroutine, so two ticks for
			// the same backend can never overlap; a slow renewal
			// simply absorbs the missed ticks.
			s.tick(t)
		}
	}
}

func (s *Scheduler) tick(t *task) {
	ctx, cancel := context.WithTimeout(context.Background(), t.interval)
	err := t.fn(ctx)
	cancel()

	s.mu.Lock()
	t.lastRunAt = s.clock()
	if err != nil {
		t.lastResult = Failed
	} else {
		t.lastResult = Ok
	}
	s.mu.Unlock()

	ev := Event{BackendID: t.backendID}
	if err != nil {
		ev.Err = err.Error()
		s.logger.Warn("renewal failed", "backend", t.backendID, "error", err)
	} else {
		s.logger.Debug("renewal ok", "backend", t.backendID)
	}
	if s.events != nil {
		s.events <- ev
	}
}

func snapshot(t *task) Task {
	return Task{
		BackendID:  t.backendID,
		Interval:   t.interval,
		LastRunAt:  t.lastRunAt,
		LastResult: t.lastResult,
	}
}
