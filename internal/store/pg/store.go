package pg

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"dmagent/internal/domain"
	"dmagent/internal/store"
)

// processingLockKey is the advisory lock id shared by every process that runs
// the pending-event processor against the same database.
const processingLockKey int64 = 0x646d6167656e74

const uniqueViolation = "23505"

type Store struct {
	DB *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Store { return &Store{DB: db} }

var _ store.Store = (*Store)(nil)

func (s *Store) Ping(ctx context.Context) error { return s.DB.Ping(ctx) }

func (s *Store) GetSettings(ctx context.Context) (domain.Settings, bool, error) {
	var out domain.Settings
	row := s.DB.QueryRow(ctx, `
		SELECT access_token, business_account_id, verify_token,
		       follower_message_template, like_message_template,
		       follower_automation_enabled, like_automation_enabled, updated_at
		FROM instagram_settings WHERE id=1
	`)
	err := row.Scan(&out.AccessToken, &out.BusinessAccountID, &out.VerifyToken,
		&out.FollowerMessageTemplate, &out.LikeMessageTemplate,
		&out.FollowerAutomationEnabled, &out.LikeAutomationEnabled, &out.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Settings{}, false, nil
		}
		return domain.Settings{}, false, err
	}
	return out, true, nil
}

func (s *Store) PutSettings(ctx context.Context, in domain.Settings) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO instagram_settings (id, access_token, business_account_id, verify_token,
			follower_message_template, like_message_template,
			follower_automation_enabled, like_automation_enabled, created_at, updated_at)
		VALUES (1,$1,$2,$3,$4,$5,$6,$7,$8,$8)
		ON CONFLICT (id) DO UPDATE SET
			access_token=EXCLUDED.access_token,
			business_account_id=EXCLUDED.business_account_id,
			verify_token=EXCLUDED.verify_token,
			follower_message_template=EXCLUDED.follower_message_template,
			like_message_template=EXCLUDED.like_message_template,
			follower_automation_enabled=EXCLUDED.follower_automation_enabled,
			like_automation_enabled=EXCLUDED.like_automation_enabled,
			updated_at=EXCLUDED.updated_at
	`, in.AccessToken, in.BusinessAccountID, in.VerifyToken,
		in.FollowerMessageTemplate, in.LikeMessageTemplate,
		in.FollowerAutomationEnabled, in.LikeAutomationEnabled, in.UpdatedAt)
	return err
}

// InsertEvent reports false when an event with the same source key already exists.
func (s *Store) InsertEvent(ctx context.Context, in store.EventInsert) (bool, error) {
	ct, err := s.DB.Exec(ctx, `
		INSERT INTO instagram_events (id, kind, external_user_id, external_username, source_event_key, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (source_event_key) DO NOTHING
	`, in.ID, string(in.Kind), in.ExternalUserID, nullIfEmpty(in.ExternalUsername), in.SourceEventKey, in.Now)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() == 1, nil
}

func (s *Store) ListUnprocessedEvents(ctx context.Context) ([]domain.Event, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT id, kind, external_user_id, COALESCE(external_username,''), source_event_key, is_processed, created_at
		FROM instagram_events
		WHERE is_processed=FALSE
		ORDER BY created_at, seq
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Event
	for rows.Next() {
		var ev domain.Event
		var kind string
		if err := rows.Scan(&ev.ID, &kind, &ev.ExternalUserID, &ev.ExternalUsername, &ev.SourceEventKey, &ev.IsProcessed, &ev.CreatedAt); err != nil {
			return nil, err
		}
		ev.Kind = domain.EventKind(kind)
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *Store) MarkEventProcessed(ctx context.Context, id string, now time.Time) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE instagram_events SET is_processed=TRUE, processed_at=$2
		WHERE id=$1 AND is_processed=FALSE
	`, id, now)
	return err
}

func (s *Store) InsertMessageLog(ctx context.Context, in store.MessageLogInsert) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO message_logs (id, event_id, recipient_id, recipient_username, message_kind, status, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$7)
	`, in.ID, nullIfEmpty(in.EventID), in.RecipientID, nullIfEmpty(in.RecipientUsername), string(in.Kind), string(domain.StatusPending), in.Now)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && pgErr.ConstraintName == "message_logs_event_id_key" {
			return fmt.Errorf("%w: event %s", store.ErrLogExists, in.EventID)
		}
		return err
	}
	return nil
}

func (s *Store) ResolveMessageLog(ctx context.Context, in store.MessageLogResolve) error {
	ct, err := s.DB.Exec(ctx, `
		UPDATE message_logs SET status=$2, error=$3, updated_at=$4
		WHERE id=$1 AND status='PENDING'
	`, in.ID, string(in.Status), nullIfEmpty(in.Error), in.Now)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", store.ErrLogNotPending, in.ID)
	}
	return nil
}

func (s *Store) RecentMessageLogs(ctx context.Context, limit int) ([]domain.MessageLog, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT id, COALESCE(event_id,''), recipient_id, COALESCE(recipient_username,''),
		       message_kind, status, COALESCE(error,''), created_at, updated_at
		FROM message_logs
		ORDER BY created_at DESC, id DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.MessageLog
	for rows.Next() {
		var l domain.MessageLog
		var kind, status string
		if err := rows.Scan(&l.ID, &l.EventID, &l.RecipientID, &l.RecipientUsername,
			&kind, &status, &l.Error, &l.CreatedAt, &l.UpdatedAt); err != nil {
			return nil, err
		}
		l.MessageKind = domain.EventKind(kind)
		l.Status = domain.MessageStatus(status)
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *Store) Stats(ctx context.Context, now time.Time) (store.Stats, error) {
	var out store.Stats
	row := s.DB.QueryRow(ctx, `
		SELECT
			(SELECT count(*) FROM instagram_events WHERE is_processed=FALSE),
			(SELECT count(*) FROM message_logs WHERE status='SENT'),
			(SELECT count(*) FROM message_logs WHERE status='FAILED'),
			(SELECT count(*) FROM message_logs WHERE status='PENDING' AND created_at < $1)
	`, now.Add(-store.StalePendingAfter))
	err := row.Scan(&out.PendingEvents, &out.SentMessages, &out.FailedMessages, &out.StalePendingLogs)
	return out, err
}

// AcquireProcessingLock takes a session-level advisory lock on a dedicated pooled
// connection. The connection stays checked out until the release func runs.
func (s *Store) AcquireProcessingLock(ctx context.Context) (store.ReleaseFunc, bool, error) {
	conn, err := s.DB.Acquire(ctx)
	if err != nil {
		return nil, false, err
	}

	var ok bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, processingLockKey).Scan(&ok); err != nil {
		conn.Release()
		return nil, false, err
	}
	if !ok {
		conn.Release()
		return nil, false, nil
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if _, err := conn.Exec(ctx, `SELECT pg_advisory_unlock($1)`, processingLockKey); err != nil {
				// closing the session drops its advisory locks
				_ = conn.Conn().Close(ctx)
			}
			conn.Release()
		})
	}
	return release, true, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
