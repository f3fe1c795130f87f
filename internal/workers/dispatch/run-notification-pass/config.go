// internal/workers/dispatch/run-notification-pass/config.go
package runnotificationpass

import (
	"time"

	"notify-dispatch/internal/models"
)

type Config struct {
	Timeout time.Duration
	Kinds   []models.ConfigKind
}

func LoadConfig(kinds []models.ConfigKind) *Config {
	return &Config{
		Timeout: 2 * time.Minute,
		Kinds:   kinds,
	}
}
