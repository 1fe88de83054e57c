package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"dmagent/internal/delivery"
	"dmagent/internal/domain"
	"dmagent/internal/providers/instagram"
	"dmagent/internal/service"
	"dmagent/internal/store/memstore"
	"dmagent/internal/worker"
)

const appSecret = "app-secret"

type okSender struct{ sent []instagram.SendRequest }

func (s *okSender) SendDirectMessage(_ context.Context, req instagram.SendRequest) (instagram.SendResponse, int, []byte, error) {
	s.sent = append(s.sent, req)
	return instagram.SendResponse{RecipientID: req.RecipientID, MessageID: "mid"}, 200, nil, nil
}

type busyProcessor struct{}

func (busyProcessor) ProcessPending(context.Context) (int, error) { return 0, domain.ErrProcessorBusy }

type harness struct {
	store  *memstore.Store
	sender *okSender
	router http.Handler
	api    *API
}

func newHarness(t *testing.T, adminToken string) *harness {
	t.Helper()
	st := memstore.New()
	sender := &okSender{}
	fixed := func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	dispatcher := &delivery.Dispatcher{Store: st, Sender: sender, Now: fixed}

	api := &API{
		Processor: &worker.Processor{Store: st, Deliverer: dispatcher, Now: fixed},
		Messages:  &service.MessageService{Settings: st, Deliverer: dispatcher},
		Settings:  &service.SettingsService{Store: st, Now: fixed},
		Dashboard: &service.DashboardService{Store: st, Now: fixed},
	}
	wh := &Webhook{
		Settings:     st,
		Ingest:       &service.IngestService{Store: st, Now: fixed},
		AppSecret:    appSecret,
		MaxBodyBytes: 4096,
	}

	srv := New()
	srv.Mux.Use(Logging)
	srv.RegisterHealth(time.Second, st.Ping)
	wh.Register(srv.Mux)
	admin := srv.Mux.NewRoute().Subrouter()
	admin.Use(AdminAuth(adminToken))
	api.Register(admin)

	return &harness{store: st, sender: sender, router: srv.Mux, api: api}
}

func (h *harness) configure(t *testing.T) {
	t.Helper()
	_ = h.store.PutSettings(context.Background(), domain.Settings{
		AccessToken:               "tok",
		BusinessAccountID:         "acct",
		VerifyToken:               "verify-me",
		FollowerMessageTemplate:   "Hi {{username}}!",
		LikeMessageTemplate:       "Thanks {{username}}",
		FollowerAutomationEnabled: true,
		LikeAutomationEnabled:     true,
	})
}

func (h *harness) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var env errorEnvelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode error body %q: %v", rec.Body.String(), err)
	}
	return env.Error
}

func TestWebhookVerifyHandshake(t *testing.T) {
	h := newHarness(t, "")
	h.configure(t)

	rec := h.do(httptest.NewRequest(http.MethodGet, WebhookPath+"?hub.mode=subscribe&hub.verify_token=verify-me&hub.challenge=12345", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "12345" {
		t.Fatalf("expected challenge echo, got %d %q", rec.Code, rec.Body.String())
	}

	rec = h.do(httptest.NewRequest(http.MethodGet, WebhookPath+"?mode=subscribe&verify_token=verify-me&challenge=abc", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "abc" {
		t.Fatalf("expected unprefixed params accepted, got %d %q", rec.Code, rec.Body.String())
	}

	for _, q := range []string{
		"?hub.mode=subscribe&hub.verify_token=wrong&hub.challenge=1",
		"?hub.mode=unsubscribe&hub.verify_token=verify-me&hub.challenge=1",
		"?hub.mode=subscribe&hub.verify_token=verify-me",
	} {
		if rec := h.do(httptest.NewRequest(http.MethodGet, WebhookPath+q, nil)); rec.Code != http.StatusForbidden {
			t.Fatalf("%s: expected 403, got %d", q, rec.Code)
		}
	}
}

func TestWebhookVerifyRejectsWhenNotConfigured(t *testing.T) {
	h := newHarness(t, "")
	rec := h.do(httptest.NewRequest(http.MethodGet, WebhookPath+"?hub.mode=subscribe&hub.verify_token=&hub.challenge=1", nil))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

const followBody = `{"object":"instagram","entry":[{"id":"1","time":1704067200,"changes":[{"field":"follows","value":{"from":{"id":"123","username":"bob"},"timestamp":"2024-01-01T00:00:00+0000"}}]}]}`

func signedPost(body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, WebhookPath, strings.NewReader(body))
	req.Header.Set(instagram.SignatureHeader, instagram.Sign([]byte(body), appSecret))
	return req
}

func TestWebhookNotifyIngestsOnceAndNeverSends(t *testing.T) {
	h := newHarness(t, "")
	h.configure(t)

	for i, wantInserted := range []float64{1, 0} {
		rec := h.do(signedPost(followBody))
		if rec.Code != http.StatusOK {
			t.Fatalf("delivery %d: expected 200, got %d %s", i, rec.Code, rec.Body.String())
		}
		var resp map[string]any
		_ = json.Unmarshal(rec.Body.Bytes(), &resp)
		if resp["inserted"] != wantInserted {
			t.Fatalf("delivery %d: unexpected response %v", i, resp)
		}
	}

	evs, _ := h.store.ListUnprocessedEvents(context.Background())
	if len(evs) != 1 || evs[0].SourceEventKey != "follow:123:2024-01-01T00:00:00Z" {
		t.Fatalf("expected one stored event, got %+v", evs)
	}
	if len(h.sender.sent) != 0 {
		t.Fatalf("webhook must not send messages")
	}
}

func TestWebhookNotifyRejections(t *testing.T) {
	h := newHarness(t, "")
	h.configure(t)

	tampered := httptest.NewRequest(http.MethodPost, WebhookPath, strings.NewReader(strings.Replace(followBody, "bob", "bod", 1)))
	tampered.Header.Set(instagram.SignatureHeader, instagram.Sign([]byte(followBody), appSecret))
	if rec := h.do(tampered); rec.Code != http.StatusForbidden || decodeError(t, rec).TextCode != domain.TextCodeInvalidSignature {
		t.Fatalf("expected 403 for tampered body, got %d", rec.Code)
	}

	if rec := h.do(signedPost(`{not json`)); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed json, got %d", rec.Code)
	}

	big := signedPost(`{"entry":[],"pad":"` + strings.Repeat("x", 5000) + `"}`)
	if rec := h.do(big); rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rec.Code)
	}

	evs, _ := h.store.ListUnprocessedEvents(context.Background())
	if len(evs) != 0 {
		t.Fatalf("expected no side effects, got %d events", len(evs))
	}
}

func TestWebhookNotifyNotConfigured(t *testing.T) {
	h := newHarness(t, "")
	rec := h.do(signedPost(followBody))
	if rec.Code != http.StatusBadRequest || decodeError(t, rec).TextCode != domain.TextCodeNotConfigured {
		t.Fatalf("expected 400 NOT_CONFIGURED, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestProcessEndpointDrainsAndReportsCount(t *testing.T) {
	h := newHarness(t, "")
	h.configure(t)
	h.do(signedPost(followBody))

	rec := h.do(httptest.NewRequest(http.MethodPost, "/v1/events/process", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		OK             bool `json:"ok"`
		ProcessedCount int  `json:"processedCount"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if !resp.OK || resp.ProcessedCount != 1 {
		t.Fatalf("unexpected response %s", rec.Body.String())
	}
	if len(h.sender.sent) != 1 || h.sender.sent[0].Message != "Hi bob!" {
		t.Fatalf("unexpected sends %+v", h.sender.sent)
	}
}

func TestProcessEndpointStatusMapping(t *testing.T) {
	h := newHarness(t, "")
	if rec := h.do(httptest.NewRequest(http.MethodPost, "/v1/events/process", nil)); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 when not configured, got %d", rec.Code)
	}

	h.api.Processor = busyProcessor{}
	rec := h.do(httptest.NewRequest(http.MethodPost, "/v1/events/process", nil))
	if rec.Code != http.StatusConflict || decodeError(t, rec).TextCode != domain.TextCodeProcessorBusy {
		t.Fatalf("expected 409 PROCESSOR_BUSY, got %d", rec.Code)
	}
}

func TestSendEndpointValidationEnvelope(t *testing.T) {
	h := newHarness(t, "")
	h.configure(t)

	rec := h.do(httptest.NewRequest(http.MethodPost, "/v1/messages/send", strings.NewReader(`{"recipientId":""}`)))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	body := decodeError(t, rec)
	if body.TextCode != domain.TextCodeBadInput || len(body.Validation) != 1 || body.Validation[0].Field != "recipientId" {
		t.Fatalf("unexpected envelope %+v", body)
	}

	rec = h.do(httptest.NewRequest(http.MethodPost, "/v1/messages/send", strings.NewReader(`{`)))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad json, got %d", rec.Code)
	}
}

func TestSendEndpointSuccess(t *testing.T) {
	h := newHarness(t, "")
	h.configure(t)

	rec := h.do(httptest.NewRequest(http.MethodPost, "/v1/messages/send", strings.NewReader(`{"recipientId":"77","username":"zoe"}`)))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d %s", rec.Code, rec.Body.String())
	}
	var resp domain.SendResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if !resp.OK || resp.LogID == "" || resp.Status != domain.StatusSent {
		t.Fatalf("unexpected response %+v", resp)
	}
	if h.sender.sent[0].Message != "Hi zoe!" {
		t.Fatalf("unexpected message %q", h.sender.sent[0].Message)
	}
}

func TestSettingsEndpoints(t *testing.T) {
	h := newHarness(t, "")

	rec := h.do(httptest.NewRequest(http.MethodGet, "/v1/settings", nil))
	if rec.Code != http.StatusOK || strings.TrimSpace(rec.Body.String()) != "null" {
		t.Fatalf("expected null settings, got %d %q", rec.Code, rec.Body.String())
	}

	payload := map[string]any{
		"accessToken":               "tok",
		"businessAccountId":         "acct",
		"verifyToken":               "v",
		"followerMessageTemplate":   "Hi {{username}}",
		"likeMessageTemplate":       "Thanks {{username}}",
		"followerAutomationEnabled": true,
		"likeAutomationEnabled":     false,
	}
	b, _ := json.Marshal(payload)
	rec = h.do(httptest.NewRequest(http.MethodPut, "/v1/settings", bytes.NewReader(b)))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d %s", rec.Code, rec.Body.String())
	}

	delete(payload, "likeAutomationEnabled")
	b, _ = json.Marshal(payload)
	rec = h.do(httptest.NewRequest(http.MethodPost, "/v1/settings", bytes.NewReader(b)))
	if rec.Code != http.StatusBadRequest || decodeError(t, rec).Validation[0].Field != "likeAutomationEnabled" {
		t.Fatalf("expected validation failure for missing toggle, got %d %s", rec.Code, rec.Body.String())
	}

	rec = h.do(httptest.NewRequest(http.MethodGet, "/v1/settings", nil))
	var got domain.Settings
	_ = json.Unmarshal(rec.Body.Bytes(), &got)
	if got.BusinessAccountID != "acct" || got.LikeAutomationEnabled {
		t.Fatalf("unexpected settings %+v", got)
	}
}

func TestDashboardAndMessages(t *testing.T) {
	h := newHarness(t, "")
	h.configure(t)
	h.do(signedPost(followBody))

	rec := h.do(httptest.NewRequest(http.MethodGet, "/v1/dashboard", nil))
	var d service.Dashboard
	_ = json.Unmarshal(rec.Body.Bytes(), &d)
	if rec.Code != http.StatusOK || !d.Configured || d.Stats.PendingEvents != 1 {
		t.Fatalf("unexpected dashboard %d %s", rec.Code, rec.Body.String())
	}

	h.do(httptest.NewRequest(http.MethodPost, "/v1/events/process", nil))
	rec = h.do(httptest.NewRequest(http.MethodGet, "/v1/messages?limit=5", nil))
	var list struct {
		Logs []domain.MessageLog `json:"logs"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &list)
	if len(list.Logs) != 1 || list.Logs[0].Status != domain.StatusSent {
		t.Fatalf("unexpected logs %s", rec.Body.String())
	}
}

func TestAdminAuth(t *testing.T) {
	h := newHarness(t, "s3cret")

	if rec := h.do(httptest.NewRequest(http.MethodGet, "/v1/dashboard", nil)); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}
	req := httptest.NewRequest(http.MethodGet, "/v1/dashboard", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	if rec := h.do(req); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d", rec.Code)
	}

	// the webhook and health routes stay public
	if rec := h.do(httptest.NewRequest(http.MethodGet, "/healthz", nil)); rec.Code != http.StatusOK {
		t.Fatalf("expected public healthz, got %d", rec.Code)
	}
	if rec := h.do(signedPost(followBody)); rec.Code == http.StatusUnauthorized {
		t.Fatalf("webhook must not require the admin token")
	}
}
