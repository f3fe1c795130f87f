// internal/common/config/config.go
package config

import (
	"fmt"
	"time"
)

// Config is the main application configuration struct.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Dispatch  DispatchConfig  `mapstructure:"dispatch"`
	Templates TemplateConfig  `mapstructure:"templates"`
	Channels  ChannelsConfig  `mapstructure:"channels"`
	MailQueue MailQueueConfig `mapstructure:"mail_queue"`
	Camunda   CamundaConfig   `mapstructure:"camunda"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
}

// --- Core App/Infrastructure Config ---
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
}

// ServerConfig is the health/metrics listener.
type ServerConfig struct {
	Address string `mapstructure:"address"`
}

type DatabaseConfig struct {
	Postgres      PostgresConfig      `mapstructure:"postgres"`
	Analytics     AnalyticsConfig     `mapstructure:"analytics"`
	Elasticsearch ElasticsearchConfig `mapstructure:"elasticsearch"`
	Redis         RedisConfig         `mapstructure:"redis"`
}

type PostgresConfig struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Database       string `mapstructure:"database"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	MaxConnections int    `mapstructure:"max_connections"`
	MaxIdle        int    `mapstructure:"max_idle"`
	SSLMode        string `mapstructure:"sslmode"`
	Migrate        bool   `mapstructure:"migrate"`
}

// GetDSN returns the PostgreSQL connection string
func (p PostgresConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

// AnalyticsConfig is the read-only source used for SQL recipient lists. It is
// pooled separately from the primary store.
type AnalyticsConfig struct {
	Driver       string         `mapstructure:"driver"` // postgres | elasticsearch
	Postgres     PostgresConfig `mapstructure:"postgres"`
	QueryTimeout int            `mapstructure:"query_timeout"` // milliseconds
}

type ElasticsearchConfig struct {
	Addresses []string `mapstructure:"addresses"`
	Username  string   `mapstructure:"username"`
	Password  string   `mapstructure:"password"`
}

type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// DispatchConfig drives the delivery tick loop and the scheduled passes.
type DispatchConfig struct {
	TickInterval    int           `mapstructure:"tick_interval"` // milliseconds
	MaxAttempts     int           `mapstructure:"max_attempts"`
	BatchSize       int           `mapstructure:"batch_size"`
	SendTimeout     int           `mapstructure:"send_timeout"`     // milliseconds
	ShutdownTimeout int           `mapstructure:"shutdown_timeout"` // milliseconds
	LockTTL         int           `mapstructure:"lock_ttl"`         // milliseconds, 0 disables the redis tick lock
	Kinds           []string      `mapstructure:"kinds"`
	Backoff         BackoffConfig `mapstructure:"backoff"`
}

type BackoffConfig struct {
	Policy string `mapstructure:"policy"` // exponential | linear
	Base   int    `mapstructure:"base"`   // milliseconds
	Max    int    `mapstructure:"max"`    // milliseconds
}

type TemplateConfig struct {
	Directory string `mapstructure:"directory"`
}

type ChannelsConfig struct {
	Email    EmailConfig    `mapstructure:"email"`
	SMS      SMSConfig      `mapstructure:"sms"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

type EmailConfig struct {
	Enabled   bool       `mapstructure:"enabled"`
	Provider  string     `mapstructure:"provider"` // ses | smtp
	FromEmail string     `mapstructure:"from_email"`
	Region    string     `mapstructure:"region"`
	SMTP      SMTPConfig `mapstructure:"smtp"`
}

type SMTPConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

type SMSConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Region   string `mapstructure:"region"`
	SenderID string `mapstructure:"sender_id"`
}

type TelegramConfig struct {
	Enabled         bool    `mapstructure:"enabled"`
	Token           string  `mapstructure:"token"`
	APIURL          string  `mapstructure:"api_url"`
	PollTimeout     int     `mapstructure:"poll_timeout"` // milliseconds
	RetryDelay      int     `mapstructure:"retry_delay"`  // milliseconds
	RatePerSecond   float64 `mapstructure:"rate_per_second"`
	BroadcastBuffer int     `mapstructure:"broadcast_buffer"`
}

type MailQueueConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Key       string `mapstructure:"key"`
	BatchSize int    `mapstructure:"batch_size"`
}

type CamundaConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	BrokerAddress string `mapstructure:"broker_address"`
	MaxJobsActive int    `mapstructure:"max_jobs_active"`
	Timeout       int    `mapstructure:"timeout"` // milliseconds
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

type TracingConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Endpoint string `mapstructure:"endpoint"`
}

// GetDuration converts milliseconds from config to time.Duration
func GetDuration(milliseconds int) time.Duration {
	return time.Duration(milliseconds) * time.Millisecond
}
