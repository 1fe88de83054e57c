// Package memstore is an in-memory store.Store for tests. It enforces the same
// uniqueness rules as the Postgres schema.
package memstore

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"dmagent/internal/domain"
	"dmagent/internal/store"
)

// Operation names accepted by FailOn.
const (
	OpGetSettings      = "GetSettings"
	OpPutSettings      = "PutSettings"
	OpInsertEvent      = "InsertEvent"
	OpListUnprocessed  = "ListUnprocessedEvents"
	OpMarkProcessed    = "MarkEventProcessed"
	OpInsertMessageLog = "InsertMessageLog"
	OpResolveLog       = "ResolveMessageLog"
	OpRecentLogs       = "RecentMessageLogs"
	OpStats            = "Stats"
	OpAcquireLock      = "AcquireProcessingLock"
)

var (
	ErrUnknownEvent   = errors.New("memstore: unknown event")
	ErrDuplicateLogID = errors.New("memstore: duplicate message log id")
)

type eventRow struct {
	domain.Event
	seq         int64
	processedAt time.Time
}

type Store struct {
	mu       sync.Mutex
	settings *domain.Settings
	events   []*eventRow
	byKey    map[string]*eventRow
	byID     map[string]*eventRow
	logs     []*domain.MessageLog
	logByID  map[string]*domain.MessageLog
	logByEvt map[string]string
	seq      int64
	failures map[string]error
	locked   bool
}

func New() *Store {
	return &Store{
		byKey:    map[string]*eventRow{},
		byID:     map[string]*eventRow{},
		logByID:  map[string]*domain.MessageLog{},
		logByEvt: map[string]string{},
		failures: map[string]error{},
	}
}

var _ store.Store = (*Store)(nil)

// FailOn makes the named operation return err until cleared with a nil err.
func (s *Store) FailOn(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failures, op)
		return
	}
	s.failures[op] = err
}

func (s *Store) fail(op string) error { return s.failures[op] }

func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) GetSettings(context.Context) (domain.Settings, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(OpGetSettings); err != nil {
		return domain.Settings{}, false, err
	}
	if s.settings == nil {
		return domain.Settings{}, false, nil
	}
	return *s.settings, true, nil
}

func (s *Store) PutSettings(_ context.Context, in domain.Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(OpPutSettings); err != nil {
		return err
	}
	cp := in
	s.settings = &cp
	return nil
}

func (s *Store) InsertEvent(_ context.Context, in store.EventInsert) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(OpInsertEvent); err != nil {
		return false, err
	}
	if _, dup := s.byKey[in.SourceEventKey]; dup {
		return false, nil
	}
	if _, dup := s.byID[in.ID]; dup {
		return false, fmt.Errorf("memstore: duplicate event id %s", in.ID)
	}
	s.seq++
	row := &eventRow{
		Event: domain.Event{
			ID:               in.ID,
			Kind:             in.Kind,
			ExternalUserID:   in.ExternalUserID,
			ExternalUsername: in.ExternalUsername,
			SourceEventKey:   in.SourceEventKey,
			CreatedAt:        in.Now,
		},
		seq: s.seq,
	}
	s.events = append(s.events, row)
	s.byKey[in.SourceEventKey] = row
	s.byID[in.ID] = row
	return true, nil
}

func (s *Store) ListUnprocessedEvents(context.Context) ([]domain.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(OpListUnprocessed); err != nil {
		return nil, err
	}
	var rows []*eventRow
	for _, r := range s.events {
		if !r.IsProcessed {
			rows = append(rows, r)
		}
	}
	slices.SortStableFunc(rows, func(a, b *eventRow) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.seq, b.seq)
	})
	out := make([]domain.Event, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.Event)
	}
	return out, nil
}

func (s *Store) MarkEventProcessed(_ context.Context, id string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(OpMarkProcessed); err != nil {
		return err
	}
	if r, ok := s.byID[id]; ok && !r.IsProcessed {
		r.IsProcessed = true
		r.processedAt = now
	}
	return nil
}

func (s *Store) InsertMessageLog(_ context.Context, in store.MessageLogInsert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(OpInsertMessageLog); err != nil {
		return err
	}
	if _, dup := s.logByID[in.ID]; dup {
		return ErrDuplicateLogID
	}
	if in.EventID != "" {
		if _, ok := s.byID[in.EventID]; !ok {
			return ErrUnknownEvent
		}
		if _, dup := s.logByEvt[in.EventID]; dup {
			return fmt.Errorf("%w: event %s", store.ErrLogExists, in.EventID)
		}
		s.logByEvt[in.EventID] = in.ID
	}
	l := &domain.MessageLog{
		ID:                in.ID,
		EventID:           in.EventID,
		RecipientID:       in.RecipientID,
		RecipientUsername: in.RecipientUsername,
		MessageKind:       in.Kind,
		Status:            domain.StatusPending,
		CreatedAt:         in.Now,
		UpdatedAt:         in.Now,
	}
	s.logs = append(s.logs, l)
	s.logByID[in.ID] = l
	return nil
}

func (s *Store) ResolveMessageLog(_ context.Context, in store.MessageLogResolve) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(OpResolveLog); err != nil {
		return err
	}
	l, ok := s.logByID[in.ID]
	if !ok || l.Status != domain.StatusPending {
		return fmt.Errorf("%w: %s", store.ErrLogNotPending, in.ID)
	}
	l.Status = in.Status
	l.Error = in.Error
	l.UpdatedAt = in.Now
	return nil
}

func (s *Store) RecentMessageLogs(_ context.Context, limit int) ([]domain.MessageLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(OpRecentLogs); err != nil {
		return nil, err
	}
	out := make([]domain.MessageLog, 0, len(s.logs))
	for i := len(s.logs) - 1; i >= 0; i-- {
		out = append(out, *s.logs[i])
	}
	slices.SortStableFunc(out, func(a, b domain.MessageLog) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	if limit >= 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) Stats(_ context.Context, now time.Time) (store.Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(OpStats); err != nil {
		return store.Stats{}, err
	}
	var out store.Stats
	for _, r := range s.events {
		if !r.IsProcessed {
			out.PendingEvents++
		}
	}
	staleBefore := now.Add(-store.StalePendingAfter)
	for _, l := range s.logs {
		switch l.Status {
		case domain.StatusSent:
			out.SentMessages++
		case domain.StatusFailed:
			out.FailedMessages++
		case domain.StatusPending:
			if l.CreatedAt.Before(staleBefore) {
				out.StalePendingLogs++
			}
		}
	}
	return out, nil
}

func (s *Store) AcquireProcessingLock(context.Context) (store.ReleaseFunc, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(OpAcquireLock); err != nil {
		return nil, false, err
	}
	if s.locked {
		return nil, false, nil
	}
	s.locked = true
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			s.locked = false
			s.mu.Unlock()
		})
	}, true, nil
}

// Event returns a copy of the stored event with the given id.
func (s *Store) Event(id string) (domain.Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.byID[id]
	if !ok {
		return domain.Event{}, false
	}
	return r.Event, true
}

// Logs returns all message logs in insertion order.
func (s *Store) Logs() []domain.MessageLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.MessageLog, 0, len(s.logs))
	for _, l := range s.logs {
		out = append(out, *l)
	}
	return out
}
