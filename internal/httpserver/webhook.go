package httpserver

import (
	"context"
	"crypto/subtle"
	"errors"
	"io"
	"iter"
	"log/slog"
	"net/http"

	goerrors "github.com/goliatone/go-errors"
	"github.com/gorilla/mux"

	"dmagent/internal/domain"
	"dmagent/internal/observability"
	"dmagent/internal/providers/instagram"
	"dmagent/internal/service"
	"dmagent/internal/store"
)

const WebhookPath = "/v1/webhooks/instagram"

type Ingester interface {
	Ingest(ctx context.Context, events iter.Seq[domain.IncomingEvent]) (service.IngestResult, error)
}

// Webhook receives Instagram notifications. It only persists events; delivery
// happens in the processor.
type Webhook struct {
	Settings     store.SettingsStore
	Ingest       Ingester
	AppSecret    string
	MaxBodyBytes int64
}

func (wh *Webhook) Register(m *mux.Router) {
	m.HandleFunc(WebhookPath, wh.handleVerify).Methods(http.MethodGet)
	m.HandleFunc(WebhookPath, wh.handleNotify).Methods(http.MethodPost)
}

// handleVerify answers the subscription handshake with the raw challenge.
func (wh *Webhook) handleVerify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	param := func(name string) string {
		if v := q.Get("hub." + name); v != "" {
			return v
		}
		return q.Get(name)
	}
	mode, token, challenge := param("mode"), param("verify_token"), param("challenge")

	settings, found, err := wh.Settings.GetSettings(r.Context())
	if err != nil {
		observability.WebhookRequests.WithLabelValues(http.MethodGet, "error").Inc()
		writeError(w, r, domain.DependencyError("load settings", err))
		return
	}

	if !found || mode != "subscribe" || challenge == "" || settings.VerifyToken == "" ||
		subtle.ConstantTimeCompare([]byte(token), []byte(settings.VerifyToken)) != 1 {
		observability.WebhookRequests.WithLabelValues(http.MethodGet, "rejected").Inc()
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	observability.WebhookRequests.WithLabelValues(http.MethodGet, "ok").Inc()
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, challenge)
}

func (wh *Webhook) handleNotify(w http.ResponseWriter, r *http.Request) {
	reject := func(result string, err error) {
		observability.WebhookRequests.WithLabelValues(http.MethodPost, result).Inc()
		writeError(w, r, err)
	}

	limit := wh.MaxBodyBytes
	if limit <= 0 {
		limit = 1 << 20
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			reject("too_large", newEnvelope(ErrBodyTooLarge, goerrors.CategoryBadInput, http.StatusRequestEntityTooLarge, domain.TextCodeBadInput))
			return
		}
		reject("bad_body", badJSON(err))
		return
	}

	// 1) signature over the raw bytes
	if !instagram.VerifySignature(body, wh.AppSecret, r.Header.Get(instagram.SignatureHeader)) {
		reject("bad_signature", domain.ErrInvalidSignature)
		return
	}

	// 2) payload shape
	payload, err := instagram.ParsePayload(body)
	if err != nil {
		reject("bad_payload", err)
		return
	}

	// 3) configuration must exist before anything is stored
	_, found, err := wh.Settings.GetSettings(r.Context())
	if err != nil {
		reject("error", domain.DependencyError("load settings", err))
		return
	}
	if !found {
		reject("not_configured", domain.ErrNotConfigured)
		return
	}

	// 4) persist; a failure here lets the platform redeliver and dedup absorbs it
	res, err := wh.Ingest.Ingest(r.Context(), payload.Events())
	if err != nil {
		slog.Error("webhook ingest failed", "err", err, "inserted", res.Inserted)
		reject("error", domain.DependencyError("store events", err))
		return
	}

	observability.WebhookRequests.WithLabelValues(http.MethodPost, "ok").Inc()
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":         true,
		"inserted":   res.Inserted,
		"duplicates": res.Duplicates,
	})
}
