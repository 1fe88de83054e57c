package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"testing"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"golang.org/x/time/rate"

	"dmagent/internal/config"
	"dmagent/internal/delivery"
	"dmagent/internal/domain"
	"dmagent/internal/providers/instagram"
	"dmagent/internal/store"
	"dmagent/internal/store/memstore"
)

var fixed = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type fakeTrigger struct {
	calls int
	err   error
}

func (f *fakeTrigger) TriggerProcessing(context.Context, string) error {
	f.calls++
	return f.err
}

func counterIDs(prefix string) func() string {
	n := 0
	return func() string { n++; return fmt.Sprintf("%s_%d", prefix, n) }
}

func TestIngestDedupsRedeliveredPayload(t *testing.T) {
	st := memstore.New()
	trig := &fakeTrigger{}
	svc := &IngestService{Store: st, Trigger: trig, NewEventID: counterIDs("evt"), Now: func() time.Time { return fixed }}

	ev := domain.IncomingEvent{Kind: domain.KindFollow, ExternalUserID: "123", ExternalUsername: "bob", SourceEventKey: "follow:123:2024-01-01T00:00:00Z"}

	first, err := svc.Ingest(context.Background(), slices.Values([]domain.IncomingEvent{ev}))
	if err != nil || first.Inserted != 1 || first.Duplicates != 0 {
		t.Fatalf("unexpected first result %+v err=%v", first, err)
	}
	second, err := svc.Ingest(context.Background(), slices.Values([]domain.IncomingEvent{ev}))
	if err != nil || second.Inserted != 0 || second.Duplicates != 1 {
		t.Fatalf("unexpected second result %+v err=%v", second, err)
	}

	evs, _ := st.ListUnprocessedEvents(context.Background())
	if len(evs) != 1 {
		t.Fatalf("expected exactly one event, got %d", len(evs))
	}
	if trig.calls != 1 {
		t.Fatalf("expected trigger only when something was inserted, got %d calls", trig.calls)
	}
}

func TestIngestTriggerFailureIsNotAnError(t *testing.T) {
	st := memstore.New()
	svc := &IngestService{Store: st, Trigger: &fakeTrigger{err: errors.New("sqs down")}}
	res, err := svc.Ingest(context.Background(), slices.Values([]domain.IncomingEvent{
		{Kind: domain.KindLike, ExternalUserID: "1", SourceEventKey: "like:1:m:t"},
	}))
	if err != nil || res.Inserted != 1 {
		t.Fatalf("expected ingest to succeed, got %+v err=%v", res, err)
	}
}

func TestIngestStoreErrorReturnsPartialResult(t *testing.T) {
	st := memstore.New()
	svc := &IngestService{Store: &failAfter{EventStore: st, n: 1}}
	res, err := svc.Ingest(context.Background(), slices.Values([]domain.IncomingEvent{
		{Kind: domain.KindFollow, ExternalUserID: "1", SourceEventKey: "a"},
		{Kind: domain.KindFollow, ExternalUserID: "2", SourceEventKey: "b"},
	}))
	if err == nil || res.Inserted != 1 {
		t.Fatalf("expected partial result with error, got %+v err=%v", res, err)
	}
}

type failAfter struct {
	store.EventStore
	n int
}

func (f *failAfter) InsertEvent(ctx context.Context, in store.EventInsert) (bool, error) {
	if f.n == 0 {
		return false, errors.New("db down")
	}
	f.n--
	return f.EventStore.InsertEvent(ctx, in)
}

type recordingSender struct {
	sent []instagram.SendRequest
	err  error
}

func (r *recordingSender) SendDirectMessage(_ context.Context, req instagram.SendRequest) (instagram.SendResponse, int, []byte, error) {
	r.sent = append(r.sent, req)
	if r.err != nil {
		return instagram.SendResponse{}, 400, nil, r.err
	}
	return instagram.SendResponse{RecipientID: req.RecipientID}, 200, nil, nil
}

func newMessageService(t *testing.T, configured bool) (*MessageService, *memstore.Store, *recordingSender) {
	t.Helper()
	st := memstore.New()
	if configured {
		_ = st.PutSettings(context.Background(), domain.Settings{
			AccessToken:             "tok",
			BusinessAccountID:       "acct",
			FollowerMessageTemplate: "Hey {{username}}",
			LikeMessageTemplate:     "Like {{username}}",
		})
	}
	sender := &recordingSender{}
	svc := &MessageService{
		Settings:  st,
		Deliverer: &delivery.Dispatcher{Store: st, Sender: sender, NewLogID: counterIDs("log"), Now: func() time.Time { return fixed }},
	}
	return svc, st, sender
}

func TestSendUsesTemplateForKindAndBypassesToggles(t *testing.T) {
	svc, st, sender := newMessageService(t, true)

	resp, err := svc.Send(context.Background(), domain.SendRequest{RecipientID: "42", MessageType: "like", Username: "amy"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if !resp.OK || resp.LogID != "log_1" || resp.Status != domain.StatusSent {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if sender.sent[0].Message != "Like amy" {
		t.Fatalf("unexpected message %q", sender.sent[0].Message)
	}
	logs := st.Logs()
	if len(logs) != 1 || logs[0].EventID != "" || logs[0].MessageKind != domain.KindLike {
		t.Fatalf("unexpected log: %+v", logs)
	}
}

func TestSendPrefersTrimmedOverride(t *testing.T) {
	svc, _, sender := newMessageService(t, true)
	if _, err := svc.Send(context.Background(), domain.SendRequest{RecipientID: "42", Message: "  hello {{username}}  "}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if sender.sent[0].Message != "hello there" {
		t.Fatalf("unexpected message %q", sender.sent[0].Message)
	}
}

func TestSendValidation(t *testing.T) {
	svc, st, sender := newMessageService(t, true)
	_, err := svc.Send(context.Background(), domain.SendRequest{RecipientID: " ", MessageKind: "COMMENT"})

	var rich *goerrors.Error
	if !goerrors.As(err, &rich) || rich.Category != goerrors.CategoryValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
	if len(rich.AllValidationErrors()) != 2 {
		t.Fatalf("expected two field errors, got %+v", rich.AllValidationErrors())
	}
	if len(sender.sent) != 0 || len(st.Logs()) != 0 {
		t.Fatalf("expected no side effects on validation failure")
	}
}

func TestSendNotConfigured(t *testing.T) {
	svc, _, _ := newMessageService(t, false)
	if _, err := svc.Send(context.Background(), domain.SendRequest{RecipientID: "1"}); !errors.Is(err, domain.ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}

func TestSendFailureReturnsDeliveryErrorWithLogID(t *testing.T) {
	svc, st, sender := newMessageService(t, true)
	sender.err = errors.New("Invalid OAuth access token")

	resp, err := svc.Send(context.Background(), domain.SendRequest{RecipientID: "1"})
	var rich *goerrors.Error
	if !goerrors.As(err, &rich) || rich.TextCode != domain.TextCodeDeliveryFailed {
		t.Fatalf("expected delivery error, got %v", err)
	}
	if rich.Metadata["log_id"] != "log_1" || resp.LogID != "log_1" || resp.OK {
		t.Fatalf("unexpected response %+v metadata %+v", resp, rich.Metadata)
	}
	if logs := st.Logs(); logs[0].Status != domain.StatusFailed || logs[0].Error != "Invalid OAuth access token" {
		t.Fatalf("unexpected log %+v", logs[0])
	}
}

func TestSendRefusedByLimiterOrBreakerWritesNoLog(t *testing.T) {
	svc, st, sender := newMessageService(t, true)
	d := svc.Deliverer.(*delivery.Dispatcher)

	d.Limiter = rate.NewLimiter(rate.Every(time.Hour), 1)
	d.LimiterWait = 10 * time.Millisecond
	d.Limiter.Allow()

	_, err := svc.Send(context.Background(), domain.SendRequest{RecipientID: "1"})
	var rich *goerrors.Error
	if !goerrors.As(err, &rich) || rich.Code != 429 || rich.TextCode != domain.TextCodeRateLimited {
		t.Fatalf("expected 429 rate limited, got %v", err)
	}

	d.Limiter = nil
	d.Breaker = delivery.NewBreaker(config.DeliveryConfig{BreakerMaxFailures: 1, BreakerOpenTimeout: time.Minute, BreakerHalfOpenProbes: 1})
	done, _ := d.Breaker.Allow()
	done(false)

	_, err = svc.Send(context.Background(), domain.SendRequest{RecipientID: "1"})
	if !goerrors.As(err, &rich) || rich.Code != 503 || rich.TextCode != domain.TextCodeUnavailable {
		t.Fatalf("expected 503 unavailable, got %v", err)
	}

	if len(st.Logs()) != 0 || len(sender.sent) != 0 {
		t.Fatalf("expected no logs or sends, got logs=%d sends=%d", len(st.Logs()), len(sender.sent))
	}
}

func TestSettingsPutValidatesAndReplaces(t *testing.T) {
	st := memstore.New()
	svc := &SettingsService{Store: st, Now: func() time.Time { return fixed }}

	got, err := svc.Get(context.Background())
	if err != nil || got != nil {
		t.Fatalf("expected nil settings before first save, got %+v err=%v", got, err)
	}

	if _, err := svc.Put(context.Background(), domain.SettingsUpdate{AccessToken: "x"}); err == nil {
		t.Fatalf("expected validation error for partial update")
	}

	on, off := true, false
	saved, err := svc.Put(context.Background(), domain.SettingsUpdate{
		AccessToken:               " tok ",
		BusinessAccountID:         "acct",
		VerifyToken:               "verify",
		FollowerMessageTemplate:   "Hi {{username}}",
		LikeMessageTemplate:       "Thanks {{username}}",
		FollowerAutomationEnabled: &on,
		LikeAutomationEnabled:     &off,
	})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if saved.AccessToken != "tok" || !saved.UpdatedAt.Equal(fixed) || saved.LikeAutomationEnabled {
		t.Fatalf("unexpected saved settings %+v", saved)
	}
	got, _ = svc.Get(context.Background())
	if got == nil || got.VerifyToken != "verify" || !got.FollowerAutomationEnabled {
		t.Fatalf("unexpected settings %+v", got)
	}
}

func TestDashboardSummarisesAndClampsLimit(t *testing.T) {
	st := memstore.New()
	ctx := context.Background()
	for i := range 3 {
		_, _ = st.InsertEvent(ctx, store.EventInsert{ID: fmt.Sprint(i), Kind: domain.KindFollow, ExternalUserID: "u", SourceEventKey: fmt.Sprint(i), Now: fixed})
	}
	_ = st.InsertMessageLog(ctx, store.MessageLogInsert{ID: "a", RecipientID: "u", Kind: domain.KindFollow, Now: fixed})
	_ = st.ResolveMessageLog(ctx, store.MessageLogResolve{ID: "a", Status: domain.StatusFailed, Error: "x", Now: fixed})
	_ = st.InsertMessageLog(ctx, store.MessageLogInsert{ID: "b", RecipientID: "u", Kind: domain.KindFollow, Now: fixed.Add(time.Second)})
	_ = st.ResolveMessageLog(ctx, store.MessageLogResolve{ID: "b", Status: domain.StatusSent, Now: fixed})

	svc := &DashboardService{Store: st, Now: func() time.Time { return fixed }}
	d, err := svc.Dashboard(ctx, 1)
	if err != nil {
		t.Fatalf("dashboard: %v", err)
	}
	if d.Configured || d.Stats.PendingEvents != 3 || d.Stats.SentMessages != 1 || d.Stats.FailedMessages != 1 {
		t.Fatalf("unexpected dashboard %+v", d)
	}
	if len(d.RecentLogs) != 1 || d.RecentLogs[0].ID != "b" {
		t.Fatalf("expected newest log only, got %+v", d.RecentLogs)
	}

	for in, want := range map[int]int{0: DefaultRecentLogs, -5: DefaultRecentLogs, 7: 7, 10000: MaxRecentLogs} {
		if got := ClampLimit(in); got != want {
			t.Fatalf("ClampLimit(%d) = %d, want %d", in, got, want)
		}
	}
}
