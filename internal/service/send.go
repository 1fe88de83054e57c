package service

import (
	"context"
	"errors"
	"strings"

	"dmagent/internal/delivery"
	"dmagent/internal/domain"
	"dmagent/internal/store"
	"dmagent/internal/util"
)

type Deliverer interface {
	Deliver(ctx context.Context, a delivery.Attempt) (delivery.Outcome, error)
}

// MessageService is the operator path for sending one message directly. It
// ignores the automation toggles and never touches events.
type MessageService struct {
	Settings  store.SettingsStore
	Deliverer Deliverer
}

func (s *MessageService) Send(ctx context.Context, req domain.SendRequest) (domain.SendResponse, error) {
	// 1) validate
	if err := req.Validate(); err != nil {
		return domain.SendResponse{}, err
	}
	kind, _ := req.Kind()

	// 2) settings snapshot
	settings, found, err := s.Settings.GetSettings(ctx)
	if err != nil {
		return domain.SendResponse{}, domain.DependencyError("load settings", err)
	}
	if !found {
		return domain.SendResponse{}, domain.ErrNotConfigured
	}

	// 3) message: trimmed override, else the kind's template
	body := strings.TrimSpace(req.Message)
	if body == "" {
		body = settings.Template(kind)
	}
	username := strings.TrimSpace(req.Username)

	// 4) deliver
	out, err := s.Deliverer.Deliver(ctx, delivery.Attempt{
		Settings:          settings,
		RecipientID:       strings.TrimSpace(req.RecipientID),
		RecipientUsername: username,
		Kind:              kind,
		Message:           util.RenderTemplate(body, username),
	})
	if errors.Is(err, delivery.ErrNotAttempted) {
		if cerr := ctx.Err(); cerr != nil {
			return domain.SendResponse{}, cerr
		}
		return domain.SendResponse{}, domain.DeliveryUnavailable(err, errors.Is(err, delivery.ErrLocalRateLimit))
	}
	if err != nil && out.LogID == "" {
		return domain.SendResponse{}, domain.DependencyError("record message log", err)
	}

	resp := domain.SendResponse{OK: out.Status == domain.StatusSent, LogID: out.LogID, Status: out.Status}
	if out.Err != nil {
		return resp, domain.DeliveryError(out.LogID, out.Err)
	}
	if err != nil {
		return resp, domain.DependencyError("resolve message log", err)
	}
	return resp, nil
}
