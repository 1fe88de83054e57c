package service

import (
	"context"
	"time"

	"dmagent/internal/domain"
	"dmagent/internal/store"
	"dmagent/internal/util"
)

type SettingsService struct {
	Store store.SettingsStore
	Now   func() time.Time
}

// Get returns nil when nothing has been saved yet.
func (s *SettingsService) Get(ctx context.Context) (*domain.Settings, error) {
	cur, found, err := s.Store.GetSettings(ctx)
	if err != nil {
		return nil, domain.DependencyError("load settings", err)
	}
	if !found {
		return nil, nil
	}
	return &cur, nil
}

// Put replaces the singleton settings with a validated full update.
func (s *SettingsService) Put(ctx context.Context, u domain.SettingsUpdate) (domain.Settings, error) {
	if err := u.Validate(); err != nil {
		return domain.Settings{}, err
	}
	now := util.NowUTC()
	if s.Now != nil {
		now = s.Now()
	}
	next := u.Settings(now)
	if err := s.Store.PutSettings(ctx, next); err != nil {
		return domain.Settings{}, domain.DependencyError("save settings", err)
	}
	return next, nil
}
