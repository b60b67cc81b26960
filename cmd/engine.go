package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/opentongchi/tongchi/internal/backend"
	"github.com/opentongchi/tongchi/internal/cache"
	"github.com/opentongchi/tongchi/internal/config"
	"github.com/opentongchi/tongchi/internal/jobs"
	"github.com/opentongchi/tongchi/internal/notify"
	"github.com/opentongchi/tongchi/internal/renew"
	"github.com/opentongchi/tongchi/internal/tree"
)

const documentTTL = 30 * time.Second

// engine assembles the full runtime from a validated config: one tree
// over all backends, the job supervisor, the renewal scheduler, and the
// notification sink they feed.
type engine struct {
	cfg    *config.Config
	tree   *tree.Tree
	mux    *backend.Mux
	sup    *jobs.Supervisor
	sched  *renew.Scheduler
	sink   *notify.Sink
	logs   *jobs.LogStore
	logger *slog.Logger

	jobEvents   chan jobs.Event
	renewEvents chan renew.Event
}

func newEngine(cfg *config.Config, logger *slog.Logger) (*engine, error) {
	e := &engine{
		cfg:         cfg,
		logger:      logger,
		jobEvents:   make(chan jobs.Event, 64),
		renewEvents: make(chan renew.Event, 64),
	}

	e.sink = notify.NewSink(&notify.LogNotifier{Logger: logger})
	e.sink.SetMuted(cfg.Muted)

	e.mux = backend.NewMux()
	endpoints := make(map[string]backend.Endpoint)
	for _, b := range cfg.Backends {
		switch b.Kind {
		case "consul":
			cf, err := backend.NewConsulFetcher(b.Address, b.Token())
			if err != nil {
				return nil, fmt.Errorf("backend %s: %w", b.ID, err)
			}
			e.mux.Route(b.ID, cf, cf)
		default:
			endpoints[b.ID] = backend.Endpoint{
				BaseURL:         b.Address,
				Token:           b.Token(),
				TokenHeader:     "X-Vault-Token",
				NamespaceHeader: "X-Vault-Namespace",
				StatusQuery:     "$.status",
			}
		}
	}
	if len(endpoints) > 0 {
		hf := backend.NewHTTPFetcher(endpoints, logger)
		for id := range endpoints {
			e.mux.Route(id, hf, hf)
		}
	}

	e.tree = tree.New(tree.Config{
		Cache:  cache.New(),
		Fetch:  e.mux,
		List:   e.mux,
		TTL:    documentTTL,
		Logger: logger,
	})
	for _, b := range cfg.Backends {
		ns := b.Namespace
		if ns == "" {
			ns = cfg.Namespace
		}
		e.tree.RegisterBackend(b.ID, ns, b.ID, schemaForKind(b.Kind, b.ID))
	}

	logs, err := jobs.NewLogStore()
	if err != nil {
		return nil, fmt.Errorf("job log store: %w", err)
	}
	e.logs = logs

	e.sup = jobs.NewSupervisor(jobs.Config{
		Invoker: backend.ExecInvoker{},
		Events:  e.jobEvents,
		Logs:    logs,
		Logger:  logger,
	})

	e.sched = renew.NewScheduler(e.renewEvents, logger)
	for _, b := range cfg.Backends {
		if b.RenewInterval <= 0 {
			continue
		}
		if err := e.sched.Configure(b.ID, b.RenewInterval, e.renewFunc(b)); err != nil {
			e.Close()
			return nil, err
		}
	}
	return e, nil
}

// renewFunc probes the backend so leases and sessions stay warm; the
// probe path doubles as a liveness check surfaced via notifications.
func (e *engine) renewFunc(b config.Backend) renew.RenewFunc {
	path := "sys/health"
	if b.Kind == "consul" {
		path = "services"
	}
	ns := b.Namespace
	if ns == "" {
		ns = e.cfg.Namespace
	}
	return func(ctx context.Context) error {
		_, _, err := e.mux.Fetch(ctx, b.ID, ns, path)
		return err
	}
}

// drainEvents forwards supervisor and scheduler events to the sink
// until ctx is cancelled. It is the single owner of both channels.
func (e *engine) drainEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-e.jobEvents:
			e.publishJobEvent(ev)
		case ev := <-e.renewEvents:
			if ev.Err == "" {
				e.logger.Debug("renewal ok", "backend", ev.BackendID)
				continue
			}
			_ = e.sink.Publish(notify.Event{
				Source:   ev.BackendID,
				Title:    "Renewal failed",
				Body:     ev.Err,
				Severity: notify.Error,
			})
		}
	}
}

func (e *engine) publishJobEvent(ev jobs.Event) {
	sev := notify.Info
	title := "Job succeeded"
	switch ev.State {
	case jobs.Failed:
		sev = notify.Error
		title = "Job failed"
	case jobs.Cancelled:
		sev = notify.Warning
		title = "Job cancelled"
	}
	body := fmt.Sprintf("%s %s", ev.Kind, ev.JobID)
	if job, ok := e.sup.Get(ev.JobID); ok {
		body = fmt.Sprintf("%s %s (%s)", ev.Kind, ev.JobID, job.Runtime(time.Now()))
	}
	if ev.Cause != "" {
		body += ": " + ev.Cause
	}
	_ = e.sink.Publish(notify.Event{
		Source:   ev.BackendID,
		Title:    title,
		Body:     body,
		Severity: sev,
	})
}

func (e *engine) Close() {
	if e.sched != nil {
		e.sched.StopAll()
	}
	if e.logs != nil {
		_ = e.logs.Close()
	}
}
