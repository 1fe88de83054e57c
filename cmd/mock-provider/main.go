// Command mock-provider stands in for the Instagram Graph API during local runs
// and load tests. It accepts direct-message sends with configurable outcomes and
// can emit signed follow/like webhooks at the api.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/kelseyhightower/envconfig"
	"github.com/oklog/ulid/v2"

	"dmagent/internal/httpserver"
	"dmagent/internal/logging"
	"dmagent/internal/providers/instagram"
)

type config struct {
	Port        string  `envconfig:"PORT" default:"8090"`
	LogFormat   string  `envconfig:"LOG_FORMAT" default:"json"`
	LogLevel    string  `envconfig:"LOG_LEVEL" default:"info"`
	AccessToken string  `envconfig:"MOCK_ACCESS_TOKEN" default:"mock_token"`
	OutcomeMode string  `envconfig:"MOCK_OUTCOME_MODE" default:"fixed"`
	OutcomesRaw string  `envconfig:"MOCK_OUTCOMES" default:"ok"`
	SuccessRate float64 `envconfig:"MOCK_SUCCESS_RATE" default:"0.95"`

	Delay        time.Duration `envconfig:"MOCK_DELAY" default:"0s"`
	TimeoutDelay time.Duration `envconfig:"MOCK_TIMEOUT_DELAY" default:"12s"`

	// Webhook emitter.
	WebhookURL        string        `envconfig:"MOCK_WEBHOOK_URL" default:"http://localhost:8080/v1/webhooks/instagram"`
	AppSecret         string        `envconfig:"MOCK_APP_SECRET" default:"mock_app_secret"`
	WebhookMaxRetries int           `envconfig:"MOCK_WEBHOOK_MAX_RETRIES" default:"5"`
	WebhookRetryBase  time.Duration `envconfig:"MOCK_WEBHOOK_RETRY_BASE" default:"250ms"`
	WebhookRetryMax   time.Duration `envconfig:"MOCK_WEBHOOK_RETRY_MAX" default:"10s"`

	Outcomes []string
}

type sentMessage struct {
	MessageID   string    `json:"messageId"`
	AccountID   string    `json:"accountId"`
	RecipientID string    `json:"recipientId"`
	Text        string    `json:"text"`
	Outcome     string    `json:"outcome"`
	At          time.Time `json:"at"`
}

type server struct {
	cfg    config
	idx    uint64
	rng    *rand.Rand
	rngMu  sync.Mutex
	client *http.Client

	mu   sync.Mutex
	sent []sentMessage
}

func main() {
	cfg := loadConfig()
	logging.Init("mock-provider", cfg.LogFormat, cfg.LogLevel)

	s := &server{
		cfg:    cfg,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		client: &http.Client{Timeout: 5 * time.Second},
	}

	srv := httpserver.New()
	srv.Mux.Use(httpserver.Logging)
	s.register(srv.Mux)

	slog.Info("mock provider listening", "port", cfg.Port, "outcomes", cfg.Outcomes, "mode", cfg.OutcomeMode)
	if err := http.ListenAndServe(":"+cfg.Port, srv.Mux); err != nil {
		slog.Error("mock provider server failed", "err", err)
		os.Exit(1)
	}
}

func (s *server) register(r *mux.Router) {
	r.HandleFunc("/{version}/{account}/messages", s.handleSend).Methods(http.MethodPost)
	r.HandleFunc("/mock/messages", s.handleListSent).Methods(http.MethodGet)
	r.HandleFunc("/mock/emit", s.handleEmit).Methods(http.MethodPost)
}

func loadConfig() config {
	var cfg config
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	cfg.Outcomes = parseCSV(cfg.OutcomesRaw)
	if len(cfg.Outcomes) == 0 {
		cfg.Outcomes = []string{"ok"}
	}
	return cfg
}

type graphSendBody struct {
	Recipient struct {
		ID string `json:"id"`
	} `json:"recipient"`
	Message struct {
		Text string `json:"text"`
	} `json:"message"`
}

func (s *server) handleSend(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if s.cfg.AccessToken != "" && r.Header.Get("Authorization") != "Bearer "+s.cfg.AccessToken {
		writeGraphError(w, http.StatusUnauthorized, 190, "Invalid OAuth access token.")
		return
	}

	var body graphSendBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Recipient.ID == "" {
		writeGraphError(w, http.StatusBadRequest, 100, "Invalid parameter")
		return
	}

	outcome := s.nextOutcome()
	s.delay(r.Context(), start, outcome)

	msg := sentMessage{
		MessageID:   "mid." + strings.ToLower(ulid.Make().String()),
		AccountID:   mux.Vars(r)["account"],
		RecipientID: body.Recipient.ID,
		Text:        body.Message.Text,
		Outcome:     outcome,
		At:          time.Now().UTC(),
	}
	s.mu.Lock()
	s.sent = append(s.sent, msg)
	s.mu.Unlock()

	switch outcome {
	case "ok":
		writeJSON(w, http.StatusOK, map[string]string{"recipient_id": msg.RecipientID, "message_id": msg.MessageID})
	case "rate_limited":
		writeGraphError(w, http.StatusBadRequest, 4, "(#4) Application request limit reached")
	case "invalid_recipient":
		writeGraphError(w, http.StatusBadRequest, 100, "(#100) No matching user found")
	case "window_closed":
		writeGraphError(w, http.StatusBadRequest, 10, "(#10) This message is sent outside of allowed window.")
	case "timeout":
		// the client should have given up during delay
		writeGraphError(w, http.StatusGatewayTimeout, 2, "Service temporarily unavailable")
	default:
		writeGraphError(w, http.StatusInternalServerError, 1, "An unknown error has occurred.")
	}
}

func (s *server) handleListSent(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	out := append([]sentMessage(nil), s.sent...)
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"messages": out})
}

type emitRequest struct {
	Kind     string `json:"kind"`
	UserID   string `json:"userId"`
	Username string `json:"username"`
	MediaID  string `json:"mediaId"`
	// Repeat posts the identical payload again to exercise dedup.
	Repeat int `json:"repeat"`
}

func (s *server) handleEmit(w http.ResponseWriter, r *http.Request) {
	var req emitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		http.Error(w, "invalid json or missing userId", http.StatusBadRequest)
		return
	}
	body, err := buildWebhookPayload(req, time.Now().UTC())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	go func() {
		for i := 0; i <= req.Repeat; i++ {
			if err := s.postWebhookWithRetry(context.Background(), body); err != nil {
				return
			}
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true, "payload": json.RawMessage(body)})
}

// buildWebhookPayload shapes a notification the way the Graph API delivers it.
func buildWebhookPayload(req emitRequest, now time.Time) ([]byte, error) {
	from := map[string]string{"id": req.UserID}
	if req.Username != "" {
		from["username"] = req.Username
	}
	value := map[string]any{"from": from, "timestamp": now.Format("2006-01-02T15:04:05-0700")}

	var field string
	switch strings.ToUpper(strings.TrimSpace(req.Kind)) {
	case "", "FOLLOW":
		field = "follows"
	case "LIKE":
		field = "likes"
		media := req.MediaID
		if media == "" {
			media = "media_1"
		}
		value["media_id"] = media
	default:
		return nil, fmt.Errorf("unknown kind %q", req.Kind)
	}

	return json.Marshal(map[string]any{
		"object": "instagram",
		"entry": []any{map[string]any{
			"id":      "17841400000000000",
			"time":    now.Unix(),
			"changes": []any{map[string]any{"field": field, "value": value}},
		}},
	})
}

func (s *server) postWebhookWithRetry(ctx context.Context, body []byte) error {
	maxAttempts := s.cfg.WebhookMaxRetries + 1
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	sig := instagram.Sign(body, s.cfg.AppSecret)

	for attempt := 0; attempt < maxAttempts; attempt++ {
		req, _ := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.WebhookURL, bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(instagram.SignatureHeader, sig)

		resp, err := s.client.Do(req)
		status := 0
		if resp != nil {
			status = resp.StatusCode
			_ = resp.Body.Close()
		}
		if err == nil && status >= 200 && status < 300 {
			return nil
		}

		if attempt == maxAttempts-1 || (err == nil && status < 500) {
			slog.Error("mock webhook post failed", "url", s.cfg.WebhookURL, "attempt", attempt+1, "status", status, "err", err)
			if err != nil {
				return err
			}
			return fmt.Errorf("webhook post failed: status=%d", status)
		}

		wait := s.retryBackoff(attempt)
		slog.Warn("mock webhook post retrying", "attempt", attempt+1, "status", status, "wait_ms", wait.Milliseconds())
		time.Sleep(wait)
	}
	return nil
}

func (s *server) retryBackoff(attempt int) time.Duration {
	wait := s.cfg.WebhookRetryBase * time.Duration(1<<attempt)
	if wait <= 0 || wait > s.cfg.WebhookRetryMax {
		wait = s.cfg.WebhookRetryMax
	}
	// Jitter: +/- 20%.
	delta := int64(wait) / 5
	if delta <= 0 {
		return wait
	}
	s.rngMu.Lock()
	j := s.rng.Int63n(2*delta+1) - delta
	s.rngMu.Unlock()
	return time.Duration(int64(wait) + j)
}

func (s *server) nextOutcome() string {
	switch s.cfg.OutcomeMode {
	case "round_robin":
		idx := atomic.AddUint64(&s.idx, 1) - 1
		return s.cfg.Outcomes[int(idx)%len(s.cfg.Outcomes)]
	case "weighted":
		s.rngMu.Lock()
		ok := s.rng.Float64() <= s.cfg.SuccessRate
		i := s.rng.Intn(len(s.cfg.Outcomes))
		s.rngMu.Unlock()
		if ok {
			return "ok"
		}
		return s.cfg.Outcomes[i]
	default:
		return s.cfg.Outcomes[0]
	}
}

func (s *server) delay(ctx context.Context, start time.Time, outcome string) {
	d := s.cfg.Delay
	if outcome == "timeout" {
		d = s.cfg.TimeoutDelay
	}
	d -= time.Since(start)
	if d <= 0 {
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

func writeGraphError(w http.ResponseWriter, status, code int, msg string) {
	writeJSON(w, status, map[string]any{"error": map[string]any{
		"message":    msg,
		"type":       "OAuthException",
		"code":       code,
		"fbtrace_id": ulid.Make().String(),
	}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func parseCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
