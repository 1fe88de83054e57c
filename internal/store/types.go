package store

import (
	"context"
	"errors"
	"time"

	"dmagent/internal/domain"
)

type EventInsert struct {
	ID               string
	Kind             domain.EventKind
	ExternalUserID   string
	ExternalUsername string
	SourceEventKey   string
	Now              time.Time
}

type MessageLogInsert struct {
	ID                string
	EventID           string
	RecipientID       string
	RecipientUsername string
	Kind              domain.EventKind
	Now               time.Time
}

// MessageLogResolve moves a PENDING log to SENT or FAILED.
type MessageLogResolve struct {
	ID     string
	Status domain.MessageStatus
	Error  string
	Now    time.Time
}

type Stats struct {
	PendingEvents    int64 `json:"pendingEvents"`
	SentMessages     int64 `json:"sentMessages"`
	FailedMessages   int64 `json:"failedMessages"`
	StalePendingLogs int64 `json:"stalePendingLogs"`
}

// StalePendingAfter is how old a PENDING log must be before it counts as stuck.
const StalePendingAfter = 5 * time.Minute

var (
	// ErrLogNotPending is returned when resolving a log that already left PENDING.
	ErrLogNotPending = errors.New("message log is not pending")
	// ErrLogExists is returned when an event already owns a message log.
	ErrLogExists = errors.New("message log already exists for event")
)

// ReleaseFunc gives back a processing lock. It must be safe to call once.
type ReleaseFunc func()

type SettingsStore interface {
	GetSettings(ctx context.Context) (domain.Settings, bool, error)
	PutSettings(ctx context.Context, s domain.Settings) error
}

type EventStore interface {
	InsertEvent(ctx context.Context, in EventInsert) (bool, error)
	ListUnprocessedEvents(ctx context.Context) ([]domain.Event, error)
	MarkEventProcessed(ctx context.Context, id string, now time.Time) error
}

type MessageLogStore interface {
	InsertMessageLog(ctx context.Context, in MessageLogInsert) error
	ResolveMessageLog(ctx context.Context, in MessageLogResolve) error
	RecentMessageLogs(ctx context.Context, limit int) ([]domain.MessageLog, error)
}

type ProcessingLocker interface {
	AcquireProcessingLock(ctx context.Context) (ReleaseFunc, bool, error)
}

type StatsReader interface {
	Stats(ctx context.Context, now time.Time) (Stats, error)
}

// Store is everything the processor, services and handlers need from persistence.
type Store interface {
	SettingsStore
	EventStore
	MessageLogStore
	ProcessingLocker
	StatsReader
	Ping(ctx context.Context) error
}
