package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"

	"dmagent/internal/providers/instagram"
)

func newTestServer(outcomes ...string) (*server, *httptest.Server) {
	s := &server{
		cfg:    config{AccessToken: "tok", OutcomeMode: "round_robin", Outcomes: outcomes},
		client: http.DefaultClient,
	}
	r := mux.NewRouter()
	s.register(r)
	return s, httptest.NewServer(r)
}

func TestMockSendOutcomesThroughRealClient(t *testing.T) {
	_, ts := newTestServer("ok", "rate_limited")
	defer ts.Close()

	c := &instagram.Client{HTTP: ts.Client(), BaseURL: ts.URL, APIVersion: "v21.0"}
	req := instagram.SendRequest{AccessToken: "tok", BusinessAccountID: "acct", RecipientID: "1", Message: "hi"}

	resp, status, _, err := c.SendDirectMessage(context.Background(), req)
	if err != nil || status != http.StatusOK || !strings.HasPrefix(resp.MessageID, "mid.") {
		t.Fatalf("expected ok send, got %+v status=%d err=%v", resp, status, err)
	}

	_, status, _, err = c.SendDirectMessage(context.Background(), req)
	if err == nil || status != http.StatusBadRequest || err.Error() != "(#4) Application request limit reached" {
		t.Fatalf("expected rate limit error, got status=%d err=%v", status, err)
	}

	req.AccessToken = "wrong"
	if _, status, _, _ := c.SendDirectMessage(context.Background(), req); status != http.StatusUnauthorized {
		t.Fatalf("expected 401 for wrong token, got %d", status)
	}
}

func TestBuildWebhookPayloadParsesBack(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	body, err := buildWebhookPayload(emitRequest{Kind: "like", UserID: "9", Username: "amy", MediaID: "m7"}, now)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	p, err := instagram.ParsePayload(body)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	evs := slices.Collect(p.Events())
	if len(evs) != 1 || evs[0].SourceEventKey != "like:9:m7:2024-01-01T00:00:00Z" || evs[0].ExternalUsername != "amy" {
		t.Fatalf("unexpected events %+v", evs)
	}

	if _, err := buildWebhookPayload(emitRequest{Kind: "comment", UserID: "1"}, now); err == nil {
		t.Fatalf("expected unknown kind to be rejected")
	}
}

func TestPostWebhookSignsBody(t *testing.T) {
	var got string
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get(instagram.SignatureHeader)
		w.WriteHeader(http.StatusOK)
	}))
	defer hook.Close()

	s := &server{cfg: config{WebhookURL: hook.URL, AppSecret: "sec"}, client: hook.Client()}
	body := []byte(`{"entry":[]}`)
	if err := s.postWebhookWithRetry(context.Background(), body); err != nil {
		t.Fatalf("post: %v", err)
	}
	if !instagram.VerifySignature(body, "sec", got) {
		t.Fatalf("expected valid signature, got %q", got)
	}
}
