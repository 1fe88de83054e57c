package service

import (
	"context"
	"iter"
	"log/slog"
	"time"

	"dmagent/internal/domain"
	"dmagent/internal/observability"
	"dmagent/internal/store"
	"dmagent/internal/util"
)

// Trigger asks a worker to run the pending-event processor soon.
type Trigger interface {
	TriggerProcessing(ctx context.Context, reason string) error
}

type IngestResult struct {
	Inserted   int `json:"inserted"`
	Duplicates int `json:"duplicates"`
}

// IngestService persists extracted events. It never sends messages.
type IngestService struct {
	Store      store.EventStore
	Trigger    Trigger
	NewEventID func() string
	Now        func() time.Time
}

// Ingest inserts each event, collapsing duplicates on the source key. On a store
// error it returns the partial result so far; already inserted rows stay.
func (s *IngestService) Ingest(ctx context.Context, events iter.Seq[domain.IncomingEvent]) (IngestResult, error) {
	var res IngestResult
	now := s.now()
	for ev := range events {
		inserted, err := s.Store.InsertEvent(ctx, store.EventInsert{
			ID:               s.newEventID(),
			Kind:             ev.Kind,
			ExternalUserID:   ev.ExternalUserID,
			ExternalUsername: ev.ExternalUsername,
			SourceEventKey:   ev.SourceEventKey,
			Now:              now,
		})
		if err != nil {
			observability.IngestedEvents.WithLabelValues(string(ev.Kind), "error").Inc()
			return res, err
		}
		if inserted {
			res.Inserted++
			observability.IngestedEvents.WithLabelValues(string(ev.Kind), "inserted").Inc()
		} else {
			res.Duplicates++
			observability.IngestedEvents.WithLabelValues(string(ev.Kind), "duplicate").Inc()
		}
	}

	if res.Inserted > 0 && s.Trigger != nil {
		tctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := s.Trigger.TriggerProcessing(tctx, "webhook"); err != nil {
			// the worker's interval ticker still picks the events up
			observability.Triggers.WithLabelValues("error").Inc()
			slog.Warn("processing trigger failed", "err", err)
		} else {
			observability.Triggers.WithLabelValues("ok").Inc()
		}
	}
	return res, nil
}

func (s *IngestService) newEventID() string {
	if s.NewEventID != nil {
		return s.NewEventID()
	}
	return util.NewEventID()
}

func (s *IngestService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return util.NowUTC()
}
