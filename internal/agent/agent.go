// Package agent provides the shared runtime every agent runs on: a
// bounded worker pool fed by the event bus, a wheel of timer tasks, and
// heartbeat/health bookkeeping.
package agent

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/iddsops/idds/internal/config"
	"github.com/iddsops/idds/internal/eventbus"
	"github.com/iddsops/idds/internal/persistence"
	"github.com/iddsops/idds/internal/types"
)

// Handler processes one event and reports the outcome. Handlers that
// find the target row claimed by another worker return ReturnLocked and
// the event is requeued with backoff.
type Handler func(ev eventbus.Event) types.ReturnCode

// task is one periodic timer entry.
type task struct {
	name     string
	fn       func()
	delay    time.Duration
	priority int
}

// Base is the common agent runtime. Concrete agents embed it, register
// handlers and timer tasks, then call Run.
type Base struct {
	Name       string
	InstanceID uuid.UUID
	Source     types.MessageSource

	Cfg    config.AgentConfig
	Store  *persistence.Store
	Bus    eventbus.Backend
	Logger zerolog.Logger
	Tracer trace.Tracer

	handlers map[eventbus.EventType]Handler
	tasks    []task

	hostname string
	pid      int

	sem     chan struct{}
	wg      sync.WaitGroup
	stopped atomic.Bool
	stopCh  chan struct{}
}

// NewBase constructs a runtime for one named agent.
func NewBase(name string, source types.MessageSource, cfg config.AgentConfig, store *persistence.Store, bus eventbus.Backend, logger zerolog.Logger) *Base {
	hostname, _ := os.Hostname()
	workers := cfg.MaxNumberWorkers
	if workers <= 0 {
		workers = 1
	}
	return &Base{
		Name:       name,
		InstanceID: uuid.New(),
		Source:     source,
		Cfg:        cfg,
		Store:      store,
		Bus:        bus,
		Logger:     logger.With().Str("agent", name).Logger(),
		// The global provider is a delegate, so a provider installed
		// later at startup is picked up by tracers created here.
		Tracer: otel.Tracer("idds/" + name),
		handlers:   make(map[eventbus.EventType]Handler),
		hostname:   hostname,
		pid:        os.Getpid(),
		sem:        make(chan struct{}, workers),
		stopCh:     make(chan struct{}),
	}
}

// Handle registers the handler for one event type.
func (b *Base) Handle(typ eventbus.EventType, h Handler) {
	b.handlers[typ] = h
}

// AddTask registers a periodic task.
func (b *Base) AddTask(name string, fn func(), delay time.Duration, priority int) {
	b.tasks = append(b.tasks, task{name: name, fn: fn, delay: delay, priority: priority})
}

// Run starts the timer tasks, the heartbeat, and one dispatcher per
// registered event type, then returns. Use Stop to shut down.
func (b *Base) Run() {
	heartbeat := time.Duration(b.Cfg.HeartbeatDelay) * time.Second
	if heartbeat > 0 {
		b.AddTask("heartbeat", b.heartbeat, heartbeat, 0)
		// Write the first row immediately rather than a full period in.
		b.heartbeat()
	}

	for _, t := range b.tasks {
		b.wg.Add(1)
		go b.runTask(t)
	}
	for typ := range b.handlers {
		b.wg.Add(1)
		go b.dispatch(typ)
	}
	b.Logger.Info().
		Str("instance", b.InstanceID.String()).
		Int("workers", cap(b.sem)).
		Msg("agent started")
}

// Stop drains in-flight work and removes this instance's health rows.
func (b *Base) Stop() {
	if b.stopped.Swap(true) {
		return
	}
	close(b.stopCh)
	b.wg.Wait()
	if err := b.Store.Health.DeleteOwn(b.Name, b.hostname, int64(b.pid)); err != nil {
		b.Logger.Warn().Err(err).Msg("failed to remove health rows on shutdown")
	}
	b.Logger.Info().Msg("agent stopped")
}

// Stopping reports whether Stop has been requested.
func (b *Base) Stopping() bool {
	return b.stopped.Load()
}

func (b *Base) runTask(t task) {
	defer b.wg.Done()
	ticker := time.NewTicker(t.delay)
	defer ticker.Stop()
	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.C:
			_, span := b.Tracer.Start(context.Background(), "agent.timer_task",
				trace.WithAttributes(
					attribute.String("agent.name", b.Name),
					attribute.String("task.name", t.name),
				))
			t.fn()
			span.End()
		}
	}
}

func (b *Base) dispatch(typ eventbus.EventType) {
	defer b.wg.Done()
	wait := time.Duration(b.Cfg.EventIntervalDelay) * time.Second
	if wait <= 0 {
		wait = time.Second
	}
	for {
		select {
		case <-b.stopCh:
			return
		default:
		}
		ev, ok := b.Bus.Get(typ, wait)
		if !ok {
			continue
		}
		select {
		case b.sem <- struct{}{}:
		case <-b.stopCh:
			// Give the event back; a sibling will pick it up.
			b.Bus.Fail(ev)
			return
		}
		b.wg.Add(1)
		go func(ev eventbus.Event) {
			defer b.wg.Done()
			defer func() { <-b.sem }()
			b.handle(ev)
		}(ev)
	}
}

func (b *Base) handle(ev eventbus.Event) {
	handler := b.handlers[ev.Type]
	_, span := b.Tracer.Start(context.Background(), "agent.handle_event",
		trace.WithAttributes(
			attribute.String("agent.name", b.Name),
			attribute.String("event.type", string(ev.Type)),
			attribute.Int64("event.associated_id", ev.AssociatedID),
		))
	start := time.Now()
	rc := handler(ev)
	end := time.Now()
	span.SetAttributes(attribute.Int("event.return_code", int(rc)))
	span.End()

	b.Bus.Report(eventbus.Report{
		Event:     ev,
		Status:    rc.String(),
		StartTime: start,
		EndTime:   end,
		Host:      b.hostname,
		Code:      int(rc),
	})

	switch rc {
	case types.ReturnOk:
		b.Bus.Clean(ev)
	case types.ReturnLocked:
		// Requeue after a backoff proportional to the retry count; the
		// pending mark stays so duplicates keep coalescing.
		backoff := time.Duration(ev.RetryCount+1) * time.Second
		b.Logger.Debug().
			Str("event", string(ev.Type)).
			Int64("id", ev.AssociatedID).
			Dur("backoff", backoff).
			Msg("row locked, requeueing event")
		time.AfterFunc(backoff, func() { b.Bus.Fail(ev) })
	default:
		b.Logger.Warn().
			Str("event", string(ev.Type)).
			Int64("id", ev.AssociatedID).
			Msg("event handler failed")
		b.Bus.Clean(ev)
	}
}

// heartbeat writes this instance's health row, reaps stale rows, and
// emits a heartbeat message describing the live agents.
func (b *Base) heartbeat() {
	payload, _ := json.Marshal(map[string]any{
		"instance": b.InstanceID.String(),
		"workers":  cap(b.sem),
	})
	err := b.Store.Health.Upsert(&persistence.Health{
		Agent:      b.Name,
		Hostname:   b.hostname,
		PID:        int64(b.pid),
		ThreadID:   0,
		ThreadName: persistence.NullString(b.Name),
		Payload:    persistence.NullString(string(payload)),
	})
	if err != nil {
		b.Logger.Warn().Err(err).Msg("failed to write health row")
		return
	}

	heartbeat := time.Duration(b.Cfg.HeartbeatDelay) * time.Second
	if n, err := b.Store.Health.DeleteOlderThan(2 * heartbeat); err != nil {
		b.Logger.Warn().Err(err).Msg("failed to reap stale health rows")
	} else if n > 0 {
		b.Logger.Info().Int64("reaped", n).Msg("reaped stale health rows")
	}

	rows, err := b.Store.Health.List()
	if err != nil {
		b.Logger.Warn().Err(err).Msg("failed to list health rows")
		return
	}
	live := make([]map[string]any, 0, len(rows))
	for _, h := range rows {
		if h.Hostname == b.hostname && !isProcessAlive(int(h.PID)) {
			if err := b.Store.Health.Delete(h.HealthID); err != nil {
				b.Logger.Warn().Err(err).Int64("health_id", h.HealthID).Msg("failed to delete dead health row")
			}
			continue
		}
		live = append(live, map[string]any{
			"agent":    h.Agent,
			"hostname": h.Hostname,
			"pid":      h.PID,
		})
	}

	content, _ := json.Marshal(map[string]any{"agents": live})
	if _, err := b.Store.Messages.Create(&persistence.Message{
		MsgType:     types.MessageTypeHealthHeartbeat,
		Source:      b.Source,
		Destination: types.DestinationOutside,
		MsgContent:  persistence.NullString(string(content)),
	}); err != nil {
		b.Logger.Warn().Err(err).Msg("failed to emit heartbeat message")
	}
}
