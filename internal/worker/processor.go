package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"dmagent/internal/delivery"
	"dmagent/internal/domain"
	"dmagent/internal/observability"
	"dmagent/internal/store"
	"dmagent/internal/util"
)

type Store interface {
	store.SettingsStore
	store.EventStore
	store.ProcessingLocker
}

type Deliverer interface {
	Deliver(ctx context.Context, a delivery.Attempt) (delivery.Outcome, error)
}

// Processor drains unprocessed events oldest first, sending at most one message
// per event. Runs are serialized in-process and across processes.
type Processor struct {
	Store     Store
	Deliverer Deliverer
	Now       func() time.Time

	mu sync.Mutex
}

// ProcessPending returns the number of events visited. It fails with
// domain.ErrProcessorBusy when another run holds the lock and with
// domain.ErrNotConfigured when no settings exist. A run stops early, without an
// error, when the limiter or breaker refuses a delivery.
func (p *Processor) ProcessPending(ctx context.Context) (int, error) {
	if !p.mu.TryLock() {
		observability.ProcessorRuns.WithLabelValues("busy").Inc()
		return 0, domain.ErrProcessorBusy
	}
	defer p.mu.Unlock()

	release, ok, err := p.Store.AcquireProcessingLock(ctx)
	if err != nil {
		observability.ProcessorRuns.WithLabelValues("error").Inc()
		return 0, err
	}
	if !ok {
		observability.ProcessorRuns.WithLabelValues("busy").Inc()
		return 0, domain.ErrProcessorBusy
	}
	defer release()

	// One settings snapshot per run; toggles changed mid-run apply next run.
	settings, found, err := p.Store.GetSettings(ctx)
	if err != nil {
		observability.ProcessorRuns.WithLabelValues("error").Inc()
		return 0, err
	}
	if !found {
		observability.ProcessorRuns.WithLabelValues("not_configured").Inc()
		return 0, domain.ErrNotConfigured
	}

	events, err := p.Store.ListUnprocessedEvents(ctx)
	if err != nil {
		observability.ProcessorRuns.WithLabelValues("error").Inc()
		return 0, err
	}

	visited := 0
	for _, ev := range events {
		if err := ctx.Err(); err != nil {
			observability.ProcessorRuns.WithLabelValues("canceled").Inc()
			return visited, err
		}
		if err := p.processEvent(ctx, settings, ev); err != nil {
			if cerr := ctx.Err(); cerr != nil {
				observability.ProcessorRuns.WithLabelValues("canceled").Inc()
				return visited, cerr
			}
			// The remote API is being protected; later events would be refused too.
			slog.Warn("delivery unavailable, leaving remaining events for the next run",
				"event_id", ev.ID, "remaining", len(events)-visited, "err", err)
			observability.ProcessorRuns.WithLabelValues("deferred").Inc()
			return visited, nil
		}
		visited++
	}

	observability.ProcessorRuns.WithLabelValues("ok").Inc()
	return visited, nil
}

// processEvent returns an error only when delivery was not attempted; the event
// is then left unprocessed.
func (p *Processor) processEvent(ctx context.Context, settings domain.Settings, ev domain.Event) error {
	log := slog.With("event_id", ev.ID, "kind", ev.Kind)

	if !settings.AutomationEnabled(ev.Kind) {
		p.markProcessed(ctx, log, ev)
		observability.ProcessedEvents.WithLabelValues(string(ev.Kind), "skipped").Inc()
		return nil
	}

	out, err := p.Deliverer.Deliver(ctx, delivery.Attempt{
		Settings:          settings,
		EventID:           ev.ID,
		RecipientID:       ev.ExternalUserID,
		RecipientUsername: ev.ExternalUsername,
		Kind:              ev.Kind,
		Message:           util.RenderTemplate(settings.Template(ev.Kind), ev.ExternalUsername),
	})
	switch {
	case errors.Is(err, delivery.ErrNotAttempted):
		observability.ProcessedEvents.WithLabelValues(string(ev.Kind), "deferred").Inc()
		return err
	case errors.Is(err, store.ErrLogExists):
		// An earlier run attempted this event and failed to mark it.
		log.Warn("event already has a message log, marking processed", "err", err)
		p.markProcessed(ctx, log, ev)
		observability.ProcessedEvents.WithLabelValues(string(ev.Kind), "already_attempted").Inc()
		return nil
	case err != nil && out.LogID == "":
		// Nothing was sent; leave the event for the next run.
		log.Error("message log insert failed", "err", err)
		observability.ProcessedEvents.WithLabelValues(string(ev.Kind), "error").Inc()
		return nil
	case err != nil:
		log.Error("message log resolve failed", "log_id", out.LogID, "err", err)
	}

	p.markProcessed(ctx, log, ev)

	switch out.Status {
	case domain.StatusSent:
		log.Info("message sent", "log_id", out.LogID)
		observability.ProcessedEvents.WithLabelValues(string(ev.Kind), "sent").Inc()
	default:
		log.Warn("message failed", "log_id", out.LogID, "err", out.Err)
		observability.ProcessedEvents.WithLabelValues(string(ev.Kind), "failed").Inc()
	}
	return nil
}

func (p *Processor) markProcessed(ctx context.Context, log *slog.Logger, ev domain.Event) {
	mctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := p.Store.MarkEventProcessed(mctx, ev.ID, p.now()); err != nil {
		log.Error("mark event processed failed", "err", err)
	}
}

func (p *Processor) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return util.NowUTC()
}

// RunOnce is ProcessPending for background triggers: a busy lock or missing
// settings is not an error there.
func (p *Processor) RunOnce(ctx context.Context) error {
	n, err := p.ProcessPending(ctx)
	switch {
	case errors.Is(err, domain.ErrProcessorBusy):
		slog.Debug("processing skipped, another run in progress")
		return nil
	case errors.Is(err, domain.ErrNotConfigured):
		slog.Debug("processing skipped, instagram not configured")
		return nil
	case err != nil:
		return err
	}
	if n > 0 {
		slog.Info("processed pending events", "count", n)
	}
	return nil
}

// Run calls RunOnce every interval until ctx is done.
func (p *Processor) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := p.RunOnce(ctx); err != nil && ctx.Err() == nil {
				slog.Error("scheduled processing failed", "err", err)
			}
		}
	}
}
