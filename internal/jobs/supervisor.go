// Package jobs supervises long-running external operations (plan,
// apply, build, connect). Each submitted job runs as an independent
// background process; the supervisor tracks its lifetime, enforces at
// most one active job per declared target, and reports terminal
// transitions on its event channel.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opentongchi/tongchi/internal/backend"
)

var (
	// ErrConflict: the descriptor's target already has an active job.
	ErrConflict = errors.New("target already occupied")
	// ErrNotFound: no job with that id.
	ErrNotFound = errors.New("job not found")
	// ErrAlreadyTerminal: the job already reached a terminal state.
	ErrAlreadyTerminal = errors.New("job already terminal")
	// ErrBusy: the worker pool is exhausted; try again later.
	ErrBusy = errors.New("worker pool exhausted")
)

// TimeoutError records that a cancelled job ignored cooperative
// termination and had to be force-killed after the grace period.
type TimeoutError struct {
	JobID string
	Grace time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("job %s did not terminate within %s, force-killed", e.JobID, e.Grace)
}

// State of a job. Succeeded, Failed and Cancelled are terminal.
type State int

const (
	Running State = iota
	Succeeded
	Failed
	Cancelled
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition can occur.
func (s State) Terminal() bool { return s != Running }

// Descriptor describes one job submission.
type Descriptor struct {
	BackendID string
	// Kind is the action label, e.g. "apply" or "build".
	Kind    string
	Command backend.Command
	// TargetKey, when non-empty, names the logical target this job
	// occupies (e.g. a workspace). At most one active job per target.
	TargetKey string
}

// Job is a snapshot of one supervised operation.
type Job struct {
	ID         string
	BackendID  string
	Kind       string
	TargetKey  string
	StartedAt  time.Time
	FinishedAt time.Time
	State      State
	ExitInfo   backend.ExitInfo
	Cause      string // failure or cancellation cause, empty on success
	LogHandle  string // key into the log store, empty when logging is off
}

// Elapsed is derived on read: running jobs measure against now.
func (j Job) Elapsed(now time.Time) time.Duration {
	if j.State == Running {
		return now.Sub(j.StartedAt)
	}
	return j.FinishedAt.Sub(j.StartedAt)
}

// Runtime formats the elapsed time the way the tray shows it.
func (j Job) Runtime(now time.Time) string {
	secs := int(j.Elapsed(now).Seconds())
	switch {
	case secs < 60:
		return fmt.Sprintf("%ds", secs)
	case secs < 3600:
		return fmt.Sprintf("%dm %ds", secs/60, secs%60)
	default:
		return fmt.Sprintf("%dh %dm", secs/3600, (secs%3600)/60)
	}
}

// Event is emitted once per terminal transition.
type Event struct {
	JobID     string
	BackendID string
	Kind      string
	State     State
	Cause     string
}

// Config wires a Supervisor.
type Config struct {
	Invoker backend.Invoker
	// Events receives one event per terminal transition. The channel
	// is written from worker goroutines in completion order; the owner
	// must drain it.
	Events chan<- Event
	// Logs, when set, captures job output. Optional.
	Logs *LogStore
	// Retention caps the completed-job history (default 50).
	Retention int
	// Window: terminal jobs older than this are swept (default 1h).
	Window time.Duration
	// Grace before a cancelled job is force-killed (default 5s).
	Grace time.Duration
	// MaxActive bounds concurrently running jobs (default 64). Submit
	// beyond the bound fails with ErrBusy rather than queuing.
	MaxActive int
	Logger    *slog.Logger
	Clock     func() time.Time
}

type runningJob struct {
	handle       backend.Handle
	cancelWanted bool
	timedOut     bool
	graceTimer   *time.Timer
}

// Supervisor owns the job registry. Nothing outside the package ever
// gets a handle into it; all access is through snapshots.
type Supervisor struct {
	mu      sync.Mutex
	jobs    map[string]*Job
	order   []string // submission order, newest first
	running map[string]*runningJob
	targets map[string]string // target key → running job id
	history []string          // terminal ids, oldest first

	invoker   backend.Invoker
	events    chan<- Event
	logs      *LogStore
	retention int
	window    time.Duration
	grace     time.Duration
	sem       chan struct{}
	logger    *slog.Logger
	clock     func() time.Time
}

func NewSupervisor(cfg Config) *Supervisor {
	if cfg.Retention <= 0 {
		cfg.Retention = 50
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Hour
	}
	if cfg.Grace <= 0 {
		cfg.Grace = 5 * time.Second
	}
	if cfg.MaxActive <= 0 {
		cfg.MaxActive = 64
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Supervisor{
		jobs:      make(map[string]*Job),
		running:   make(map[string]*runningJob),
		targets:   make(map[string]string),
		invoker:   cfg.Invoker,
		events:    cfg.Events,
		logs:      cfg.Logs,
		retention: cfg.Retention,
		window:    cfg.Window,
		grace:     cfg.Grace,
		sem:       make(chan struct{}, cfg.MaxActive),
		logger:    cfg.Logger,
		clock:     cfg.Clock,
	}
}

// Submit starts a job. It does not block on the job itself; the caller
// gets the id back immediately. A second submit against an occupied
// target fails fast with ErrConflict, it is never queued.
func (s *Supervisor) Submit(d Descriptor) (string, error) {
	if s.invoker == nil {
		return "", errors.New("no invoker configured")
	}

	select {
	case s.sem <- struct{}{}:
	default:
		return "", ErrBusy
	}

	s.mu.Lock()
	if d.TargetKey != "" {
		if holder, busy := s.targets[d.TargetKey]; busy {
			s.mu.Unlock()
			<-s.sem
			return "", fmt.Errorf("target %q held by job %s: %w", d.TargetKey, holder, ErrConflict)
		}
	}

	id := uuid.NewString()[:8]
	job := &Job{
		ID:        id,
		BackendID: d.BackendID,
		Kind:      d.Kind,
		TargetKey: d.TargetKey,
		StartedAt: s.clock(),
		State:     Running,
	}
	if s.logs != nil {
		job.LogHandle = id
		d.Command.Output = s.logs.Writer(id)
	}
	s.jobs[id] = job
	s.order = append([]string{id}, s.order...)
	s.running[id] = &runningJob{}
	if d.TargetKey != "" {
		s.targets[d.TargetKey] = id
	}
	s.mu.Unlock()

	s.logger.Info("job submitted", "job", id, "backend", d.BackendID, "kind", d.Kind, "target", d.TargetKey)
	go s.run(id, d)
	return id, nil
}

// Cancel requests cooperative termination. The job transitions to
// Cancelled once the process exits, or after the grace period via a
// forced kill.
func (s *Supervisor) Cancel(id string) error {
	s.mu.Lock()
	job, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	if job.State.Terminal() {
		s.mu.Unlock()
		return ErrAlreadyTerminal
	}
	r := s.running[id]
	r.cancelWanted = true
	h := r.handle
	if h != nil && r.graceTimer == nil {
		r.graceTimer = time.AfterFunc(s.grace, func() { s.forceKill(id) })
	}
	s.mu.Unlock()

	if h != nil {
		// Cooperative first. SIGINT is what the operator pressing
		// Ctrl-C would deliver.
		if err := h.Signal(os.Interrupt); err != nil {
			s.logger.Debug("cancel signal failed", "job", id, "error", err)
		}
	}
	return nil
}

func (s *Supervisor) forceKill(id string) {
	s.mu.Lock()
	r, ok := s.running[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	r.timedOut = true
	h := r.handle
	s.mu.Unlock()

	if h != nil {
		s.logger.Warn("job ignored cancellation, force-killing", "job", id, "grace", s.grace)
		_ = h.Kill()
	}
}

// run executes one job to completion on its own goroutine.
func (s *Supervisor) run(id string, d Descriptor) {
	defer func() { <-s.sem }()

	h, err := s.invoker.Invoke(context.Background(), d.Command)
	if err != nil {
		s.finish(id, Failed, backend.ExitInfo{Code: -1}, err.Error())
		return
	}

	s.mu.Lock()
	r := s.running[id]
	r.handle = h
	cancelWanted := r.cancelWanted
	if cancelWanted && r.graceTimer == nil {
		r.graceTimer = time.AfterFunc(s.grace, func() { s.forceKill(id) })
	}
	s.mu.Unlock()

	if cancelWanted {
		_ = h.Signal(os.Interrupt)
	}

	info, werr := h.Wait()

	s.mu.Lock()
	cancelled := r.cancelWanted
	timedOut := r.timedOut
	if r.graceTimer != nil {
		r.graceTimer.Stop()
	}
	s.mu.Unlock()

	switch {
	case cancelled && timedOut:
		s.finish(id, Cancelled, info, (&TimeoutError{JobID: id, Grace: s.grace}).Error())
	case cancelled:
		s.finish(id, Cancelled, info, "cancelled by operator")
	case werr != nil:
		s.finish(id, Failed, info, fmt.Sprintf("exit code %d", info.Code))
	default:
		s.finish(id, Succeeded, info, "")
	}
}

// finish records the terminal transition, prunes history, and emits the
// event. The event send happens outside the lock, in completion order.
func (s *Supervisor) finish(id string, state State, info backend.ExitInfo, cause string) {
	s.mu.Lock()
	job, ok := s.jobs[id]
	if !ok || job.State.Terminal() {
		s.mu.Unlock()
		return
	}
	job.State = state
	job.FinishedAt = s.clock()
	job.ExitInfo = info
	job.Cause = cause
	delete(s.running, id)
	if job.TargetKey != "" && s.targets[job.TargetKey] == id {
		delete(s.targets, job.TargetKey)
	}
	s.history = append(s.history, id)
	s.pruneLocked()
	ev := Event{JobID: id, BackendID: job.BackendID, Kind: job.Kind, State: state, Cause: cause}
	s.mu.Unlock()

	s.logger.Info("job finished", "job", id, "state", state.String(), "cause", cause)
	if s.events != nil {
		s.events <- ev
	}
}

// pruneLocked evicts completed jobs beyond the retention count and past
// the retention window, oldest first. Must be called with s.mu held.
func (s *Supervisor) pruneLocked() {
	cutoff := s.clock().Add(-s.window)
	keep := s.history[:0]
	evicted := 0
	for i, id := range s.history {
		overCount := len(s.history)-i > s.retention
		job := s.jobs[id]
		if job == nil {
			continue
		}
		if overCount || job.FinishedAt.Before(cutoff) {
			s.dropLocked(id)
			evicted++
			continue
		}
		keep = append(keep, id)
	}
	s.history = keep
	if evicted > 0 {
		s.logger.Debug("pruned job history", "evicted", evicted)
	}
}

// dropLocked removes one job and its log. Must be called with s.mu held.
func (s *Supervisor) dropLocked(id string) {
	delete(s.jobs, id)
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	if s.logs != nil {
		_ = s.logs.Delete(id)
	}
}

// Get returns a snapshot of one job.
func (s *Supervisor) Get(id string) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return Job{}, false
	}
	return *j, true
}

// List returns all retained jobs, newest submission first.
func (s *Supervisor) List() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Job, 0, len(s.order))
	for _, id := range s.order {
		if j, ok := s.jobs[id]; ok {
			out = append(out, *j)
		}
	}
	return out
}

// Running returns the active subset, newest first.
func (s *Supervisor) Running() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Job
	for _, id := range s.order {
		if j, ok := s.jobs[id]; ok && j.State == Running {
			out = append(out, *j)
		}
	}
	return out
}

// ClearCompleted drops every terminal job from the registry.
func (s *Supervisor) ClearCompleted() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range append([]string(nil), s.history...) {
		s.dropLocked(id)
	}
	s.history = s.history[:0]
}
