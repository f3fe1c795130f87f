// internal/common/config/loader.go
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Load reads configs/config.yaml, merges config.<APP_ENVIRONMENT>.yaml over it
// and applies environment overrides.
func Load() (*Config, error) {
	loadEnvFile()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./configs")
	v.AddConfigPath("../../configs")
	v.AddConfigPath(".")
	bindEnv(v)

	env := os.Getenv("APP_ENVIRONMENT")
	if env == "" {
		env = "development"
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading base config: %w", err)
		}
	}

	v.SetConfigName(fmt.Sprintf("config.%s", env))
	_ = v.MergeInConfig() // optional

	return finish(v)
}

// LoadFromFile loads configuration from a specific file path
func LoadFromFile(path string) (*Config, error) {
	loadEnvFile()

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	bindEnv(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	return finish(v)
}

func bindEnv(v *viper.Viper) {
	// database.postgres.host -> DATABASE_POSTGRES_HOST
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
}

func finish(v *viper.Viper) (*Config, error) {
	expandEnvVars(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(&cfg)
	overrideEmptyConfig(&cfg)

	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func loadEnvFile() {
	possiblePaths := []string{
		".env",
		"../.env",
		"../../.env",
		"../../../.env",
	}
	if rootDir := findProjectRoot(); rootDir != "" {
		possiblePaths = append(possiblePaths, filepath.Join(rootDir, ".env"))
	}

	for _, path := range possiblePaths {
		if _, err := os.Stat(path); err == nil {
			if err := godotenv.Load(path); err == nil {
				return
			}
		}
	}
}

// findProjectRoot walks up from the working directory looking for go.mod.
func findProjectRoot() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// expandEnvVars resolves ${VAR} placeholders in string values.
func expandEnvVars(v *viper.Viper) {
	for _, key := range v.AllKeys() {
		strVal, ok := v.Get(key).(string)
		if !ok {
			continue
		}
		if strings.Contains(strVal, "${") || (strings.HasPrefix(strVal, "$") && len(strVal) > 1) {
			expanded := os.ExpandEnv(strVal)
			if expanded != strVal && expanded != "" {
				v.Set(key, expanded)
			}
		}
	}
}

// overrideEmptyConfig fills secrets from their conventional variable names
// when the config file left them blank.
func overrideEmptyConfig(cfg *Config) {
	if cfg.Database.Postgres.User == "" {
		cfg.Database.Postgres.User = os.Getenv("DB_USER")
	}
	if cfg.Database.Postgres.Password == "" {
		cfg.Database.Postgres.Password = os.Getenv("DB_PASSWORD")
	}
	if cfg.Database.Analytics.Postgres.Password == "" {
		cfg.Database.Analytics.Postgres.Password = os.Getenv("ANALYTICS_DB_PASSWORD")
	}
	if cfg.Channels.Telegram.Token == "" {
		cfg.Channels.Telegram.Token = os.Getenv("TELEGRAM_BOT_TOKEN")
	}
	if cfg.Channels.Email.SMTP.Password == "" {
		cfg.Channels.Email.SMTP.Password = os.Getenv("SMTP_PASSWORD")
	}
}

// applyDefaults sets default values for optional configuration fields
func applyDefaults(cfg *Config) {
	if cfg.App.Name == "" {
		cfg.App.Name = "notify-dispatch"
	}
	if cfg.Server.Address == "" {
		cfg.Server.Address = ":8080"
	}

	pg := &cfg.Database.Postgres
	if pg.Port == 0 {
		pg.Port = 5432
	}
	if pg.MaxConnections == 0 {
		pg.MaxConnections = 25
	}
	if pg.MaxIdle == 0 {
		pg.MaxIdle = 5
	}
	if pg.SSLMode == "" {
		pg.SSLMode = "disable"
	}

	an := &cfg.Database.Analytics
	if an.Driver == "" {
		an.Driver = "postgres"
	}
	// The analytic pool reuses the primary coordinates unless given its own.
	if an.Postgres.Host == "" {
		maxConns, maxIdle := an.Postgres.MaxConnections, an.Postgres.MaxIdle
		an.Postgres = *pg
		an.Postgres.MaxConnections, an.Postgres.MaxIdle = maxConns, maxIdle
	}
	if an.Postgres.MaxConnections == 0 {
		an.Postgres.MaxConnections = 5
	}
	if an.Postgres.MaxIdle == 0 {
		an.Postgres.MaxIdle = 2
	}
	if an.Postgres.SSLMode == "" {
		an.Postgres.SSLMode = "disable"
	}
	if an.QueryTimeout == 0 {
		an.QueryTimeout = 15000
	}

	d := &cfg.Dispatch
	if d.TickInterval == 0 {
		d.TickInterval = 10000
	}
	if d.MaxAttempts == 0 {
		d.MaxAttempts = 3
	}
	if d.BatchSize == 0 {
		d.BatchSize = 100
	}
	if d.SendTimeout == 0 {
		d.SendTimeout = 30000
	}
	if d.ShutdownTimeout == 0 {
		d.ShutdownTimeout = 30000
	}
	if len(d.Kinds) == 0 {
		d.Kinds = []string{"COLD_CHAIN", "SCHEDULED"}
	}
	if d.Backoff.Policy == "" {
		d.Backoff.Policy = "exponential"
	}
	if d.Backoff.Base == 0 {
		d.Backoff.Base = 30000
	}
	if d.Backoff.Max == 0 {
		d.Backoff.Max = 3600000
	}

	if cfg.Templates.Directory == "" {
		cfg.Templates.Directory = "templates"
	}

	if cfg.Channels.Email.Provider == "" {
		cfg.Channels.Email.Provider = "ses"
	}
	if cfg.Channels.Email.SMTP.Port == 0 {
		cfg.Channels.Email.SMTP.Port = 587
	}
	tg := &cfg.Channels.Telegram
	if tg.PollTimeout == 0 {
		tg.PollTimeout = 60000
	}
	if tg.RetryDelay == 0 {
		tg.RetryDelay = 5000
	}
	if tg.RatePerSecond == 0 {
		tg.RatePerSecond = 25
	}
	if tg.BroadcastBuffer == 0 {
		tg.BroadcastBuffer = 64
	}

	if cfg.MailQueue.Key == "" {
		cfg.MailQueue.Key = "notify:mail_queue"
	}
	if cfg.MailQueue.BatchSize == 0 {
		cfg.MailQueue.BatchSize = 50
	}

	if cfg.Camunda.MaxJobsActive == 0 {
		cfg.Camunda.MaxJobsActive = 5
	}
	if cfg.Camunda.Timeout == 0 {
		cfg.Camunda.Timeout = 60000
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stdout"
	}
}

// validateConfig validates critical configuration fields
func validateConfig(cfg *Config) error {
	if cfg.Database.Postgres.Host == "" {
		return fmt.Errorf("database.postgres.host is required")
	}
	if cfg.Database.Postgres.Database == "" {
		return fmt.Errorf("database.postgres.database is required")
	}
	if cfg.Database.Postgres.User == "" {
		return fmt.Errorf("database.postgres.user is required")
	}

	switch cfg.Database.Analytics.Driver {
	case "postgres":
	case "elasticsearch":
		if len(cfg.Database.Elasticsearch.Addresses) == 0 {
			return fmt.Errorf("database.elasticsearch.addresses is required for the elasticsearch analytics driver")
		}
	default:
		return fmt.Errorf("database.analytics.driver must be postgres or elasticsearch, got %q", cfg.Database.Analytics.Driver)
	}

	if cfg.Dispatch.MaxAttempts < 1 {
		return fmt.Errorf("dispatch.max_attempts must be at least 1")
	}
	switch cfg.Dispatch.Backoff.Policy {
	case "exponential", "linear":
	default:
		return fmt.Errorf("dispatch.backoff.policy must be exponential or linear, got %q", cfg.Dispatch.Backoff.Policy)
	}
	if (cfg.Dispatch.LockTTL > 0 || cfg.MailQueue.Enabled) && cfg.Database.Redis.Address == "" {
		return fmt.Errorf("database.redis.address is required when the tick lock or mail queue is enabled")
	}

	email := cfg.Channels.Email
	if email.Enabled {
		if email.FromEmail == "" {
			return fmt.Errorf("channels.email.from_email is required")
		}
		switch email.Provider {
		case "ses":
			if email.Region == "" {
				return fmt.Errorf("channels.email.region is required for ses")
			}
		case "smtp":
			if email.SMTP.Host == "" {
				return fmt.Errorf("channels.email.smtp.host is required for smtp")
			}
		default:
			return fmt.Errorf("channels.email.provider must be ses or smtp, got %q", email.Provider)
		}
	}
	if cfg.MailQueue.Enabled && !email.Enabled {
		return fmt.Errorf("mail_queue requires channels.email to be enabled")
	}
	if cfg.Channels.SMS.Enabled && cfg.Channels.SMS.Region == "" {
		return fmt.Errorf("channels.sms.region is required")
	}
	if cfg.Channels.Telegram.Enabled && cfg.Channels.Telegram.Token == "" {
		return fmt.Errorf("channels.telegram.token is required")
	}
	if cfg.Camunda.Enabled && cfg.Camunda.BrokerAddress == "" {
		return fmt.Errorf("camunda.broker_address is required")
	}
	if cfg.Tracing.Enabled && cfg.Tracing.Endpoint == "" {
		return fmt.Errorf("tracing.endpoint is required")
	}
	return nil
}
