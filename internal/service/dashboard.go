package service

import (
	"context"
	"time"

	"dmagent/internal/domain"
	"dmagent/internal/store"
	"dmagent/internal/util"
)

const (
	DefaultRecentLogs = 20
	MaxRecentLogs     = 200
)

type DashboardStore interface {
	store.SettingsStore
	store.MessageLogStore
	store.StatsReader
}

type Dashboard struct {
	Configured bool                `json:"configured"`
	Stats      store.Stats         `json:"stats"`
	RecentLogs []domain.MessageLog `json:"recentLogs"`
}

type DashboardService struct {
	Store DashboardStore
	Now   func() time.Time
}

// ClampLimit maps a non-positive limit to DefaultRecentLogs and caps it at MaxRecentLogs.
func ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultRecentLogs
	case limit > MaxRecentLogs:
		return MaxRecentLogs
	}
	return limit
}

func (s *DashboardService) Dashboard(ctx context.Context, limit int) (Dashboard, error) {
	now := util.NowUTC()
	if s.Now != nil {
		now = s.Now()
	}

	_, configured, err := s.Store.GetSettings(ctx)
	if err != nil {
		return Dashboard{}, domain.DependencyError("load settings", err)
	}
	stats, err := s.Store.Stats(ctx, now)
	if err != nil {
		return Dashboard{}, domain.DependencyError("load stats", err)
	}
	logs, err := s.RecentLogs(ctx, limit)
	if err != nil {
		return Dashboard{}, err
	}
	return Dashboard{Configured: configured, Stats: stats, RecentLogs: logs}, nil
}

// RecentLogs returns newest first, never nil.
func (s *DashboardService) RecentLogs(ctx context.Context, limit int) ([]domain.MessageLog, error) {
	logs, err := s.Store.RecentMessageLogs(ctx, ClampLimit(limit))
	if err != nil {
		return nil, domain.DependencyError("load message logs", err)
	}
	if logs == nil {
		logs = []domain.MessageLog{}
	}
	return logs, nil
}
