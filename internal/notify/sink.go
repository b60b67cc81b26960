// Package notify delivers operator-facing notifications. The engine
// emits structured events; the sink decides whether and how they reach
// the operator, honoring the runtime mute flag.
package notify

import (
	"log/slog"
	"sync"
	"time"
)

type Severity int

const (
	Info Severity = iota
	Warning
	Error
)

func (s Severity) String() string {
	switch s {
	case Warning:
		return "warning"
	case Error:
		return "error"
	default:
		return "info"
	}
}

// Event is one operator-facing notification.
type Event struct {
	Source   string // backend id or subsystem name
	Title    string
	Body     string
	Severity Severity
	Time     time.Time
}

// Notifier is the delivery mechanism behind the sink.
type Notifier interface {
	Notify(ev Event) error
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(ev Event) error

func (f NotifierFunc) Notify(ev Event) error { return f(ev) }

// LogNotifier writes notifications to the structured log. It is the
// default delivery when no desktop integration is wired.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n *LogNotifier) Notify(ev Event) error {
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}
	switch ev.Severity {
	case Error:
		logger.Error(ev.Title, "source", ev.Source, "body", ev.Body)
	case Warning:
		logger.Warn(ev.Title, "source", ev.Source, "body", ev.Body)
	default:
		logger.Info(ev.Title, "source", ev.Source, "body", ev.Body)
	}
	return nil
}

// Sink fans events to a Notifier and owns the mute flag. Muted events
// are dropped, not queued.
type Sink struct {
	mu       sync.Mutex
	notifier Notifier
	muted    bool
	dropped  int
	clock    func() time.Time
}

func NewSink(n Notifier) *Sink {
	if n == nil {
		n = &LogNotifier{}
	}
	return &Sink{notifier: n, clock: time.Now}
}

// SetMuted flips the runtime mute flag.
func (s *Sink) SetMuted(muted bool) {
	s.mu.Lock()
	s.muted = muted
	s.mu.Unlock()
}

func (s *Sink) Muted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.muted
}

// Dropped reports how many events the mute flag has swallowed.
func (s *Sink) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Publish delivers the event unless the sink is muted. A zero Time is
// stamped with the current time.
func (s *Sink) Publish(ev Event) error {
	s.mu.Lock()
	if s.muted {
		s.dropped++
		s.mu.Unlock()
		return nil
	}
	n := s.notifier
	clock := s.clock
	s.mu.Unlock()

	if ev.Time.IsZero() {
		ev.Time = clock()
	}
	return n.Notify(ev)
}
