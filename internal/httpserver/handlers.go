package httpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"dmagent/internal/domain"
	"dmagent/internal/service"
)

type Processor interface {
	ProcessPending(ctx context.Context) (int, error)
}

type MessageSender interface {
	Send(ctx context.Context, req domain.SendRequest) (domain.SendResponse, error)
}

// API is the operator surface: manual processing, manual send, settings and the
// dashboard summary.
type API struct {
	Processor Processor
	Messages  MessageSender
	Settings  *service.SettingsService
	Dashboard *service.DashboardService
}

func (a *API) Register(m *mux.Router) {
	m.HandleFunc("/v1/events/process", a.handleProcess).Methods(http.MethodPost)
	m.HandleFunc("/v1/messages/send", a.handleSend).Methods(http.MethodPost)
	m.HandleFunc("/v1/messages", a.handleListMessages).Methods(http.MethodGet)
	m.HandleFunc("/v1/settings", a.handleGetSettings).Methods(http.MethodGet)
	m.HandleFunc("/v1/settings", a.handlePutSettings).Methods(http.MethodPut, http.MethodPost)
	m.HandleFunc("/v1/dashboard", a.handleDashboard).Methods(http.MethodGet)
}

func (a *API) handleProcess(w http.ResponseWriter, r *http.Request) {
	n, err := a.Processor.ProcessPending(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "processedCount": n})
}

func (a *API) handleSend(w http.ResponseWriter, r *http.Request) {
	var req domain.SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, badJSON(err))
		return
	}
	resp, err := a.Messages.Send(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleListMessages(w http.ResponseWriter, r *http.Request) {
	logs, err := a.Dashboard.RecentLogs(r.Context(), limitParam(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": logs})
}

// handleGetSettings writes null when nothing has been saved yet.
func (a *API) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	s, err := a.Settings.Get(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (a *API) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	var u domain.SettingsUpdate
	if err := json.NewDecoder(r.Body).Decode(&u); err != nil {
		writeError(w, r, badJSON(err))
		return
	}
	saved, err := a.Settings.Put(r.Context(), u)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

func (a *API) handleDashboard(w http.ResponseWriter, r *http.Request) {
	d, err := a.Dashboard.Dashboard(r.Context(), limitParam(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// limitParam returns 0 for a missing or malformed ?limit; the service clamps it.
func limitParam(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil {
		return 0
	}
	return n
}
