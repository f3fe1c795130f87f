// Package schedule selects the notification configurations that are due.
package schedule

import (
	"context"
	"fmt"
	"time"

	"notify-dispatch/internal/common/errors"
	"notify-dispatch/internal/common/logger"
	"notify-dispatch/internal/models"
)

// ConfigSource reads stored configurations.
type ConfigSource interface {
	ListConfigsByKind(ctx context.Context, kind models.ConfigKind) ([]models.NotificationConfig, error)
	GetConfig(ctx context.Context, id string) (*models.NotificationConfig, error)
}

type Scanner struct {
	source ConfigSource
	logger logger.Logger
}

func NewScanner(source ConfigSource, log logger.Logger) *Scanner {
	return &Scanner{source: source, logger: logger.Component(log, "scanner")}
}

// FindDue returns the enabled configurations of kind whose interval has
// elapsed at asOf. A configuration never processed is due. Configurations
// with an unusable schedule are logged and left out.
func (s *Scanner) FindDue(ctx context.Context, kind models.ConfigKind, asOf time.Time) ([]models.NotificationConfig, error) {
	configs, err := s.source.ListConfigsByKind(ctx, kind)
	if err != nil {
		return nil, fmt.Errorf("list %s configurations: %w", kind, err)
	}
	return s.filterDue(kind, configs, asOf), nil
}

// FindDueConfig loads one configuration and returns it when it is enabled
// and due at asOf. An unknown id, a configuration of another kind or an
// unusable schedule is an error; one that is simply not due yields nothing.
func (s *Scanner) FindDueConfig(ctx context.Context, kind models.ConfigKind, id string, asOf time.Time) ([]models.NotificationConfig, error) {
	cfg, err := s.source.GetConfig(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get configuration %s: %w", id, err)
	}
	if cfg.Kind != kind {
		return nil, errors.NewInvalidConfigurationDataError(string(kind), fmt.Sprintf("configuration %s is of kind %s", id, cfg.Kind))
	}
	if cfg.Status == models.ConfigDisabled {
		return nil, nil
	}
	ok, err := IsDue(*cfg, asOf)
	if err != nil {
		return nil, errors.NewInvalidConfigurationDataError(string(kind), fmt.Sprintf("configuration %s schedule: %v", id, err))
	}
	if !ok {
		return nil, nil
	}
	return []models.NotificationConfig{*cfg}, nil
}

func (s *Scanner) filterDue(kind models.ConfigKind, configs []models.NotificationConfig, asOf time.Time) []models.NotificationConfig {
	due := make([]models.NotificationConfig, 0, len(configs))
	for _, cfg := range configs {
		if cfg.Status == models.ConfigDisabled {
			continue
		}
		ok, err := IsDue(cfg, asOf)
		if err != nil {
			s.logger.Warn("skipping configuration with invalid schedule", map[string]interface{}{
				"configId": cfg.ID,
				"kind":     string(kind),
				"error":    err.Error(),
			})
			continue
		}
		if ok {
			due = append(due, cfg)
		}
	}
	return due
}

// IsDue reports whether asOf is at or past last_processed_at plus the schedule interval.
func IsDue(cfg models.NotificationConfig, asOf time.Time) (bool, error) {
	interval, err := cfg.Schedule.Duration()
	if err != nil {
		return false, err
	}
	if cfg.LastProcessedAt == nil {
		return true, nil
	}
	return !asOf.Before(cfg.LastProcessedAt.Add(interval)), nil
}
