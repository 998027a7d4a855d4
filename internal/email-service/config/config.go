// Package config loads the email service's runtime configuration once at
// process start. The resulting Config is passed explicitly to constructors.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	TransportLog  = "log"
	TransportSMTP = "smtp"
)

type Config struct {
	// Port is the TCP port the HTTP server listens on (EMAIL_PORT).
	Port      int
	Mail      MailConfig
	SMTP      SMTPConfig
	Redis     RedisConfig
	Audit     AuditConfig
	Telemetry TelemetryConfig
}

type MailConfig struct {
	Transport string
	From      string
	Subject   string
	Timeout   time.Duration
}

type SMTPConfig struct {
	Host string
	Port int
	User string
	Pass string
}

// RedisConfig enables the idempotency guard when Addr is set.
type RedisConfig struct {
	Addr           string
	IdempotencyTTL time.Duration
}

// AuditConfig enables the SQLite delivery log when Path is set.
type AuditConfig struct {
	Path string
}

type TelemetryConfig struct {
	ServiceName     string
	Environment     string
	TracesEndpoint  string
	MetricsEndpoint string
}

// Load reads environment variables (and a .env file when present), applies
// defaults and reports every invalid or missing value in one error.
func Load() (*Config, error) {
	_ = godotenv.Load()

	ldr := &envLoader{}

	cfg := &Config{}
	cfg.Port = ldr.getInt("EMAIL_PORT", 0, true)
	if len(ldr.errs) == 0 && (cfg.Port < 1 || cfg.Port > 65535) {
		ldr.addError(fmt.Sprintf("EMAIL_PORT must be between 1 and 65535, got %d", cfg.Port))
	}

	cfg.Mail.Transport = strings.ToLower(ldr.getString("MAIL_TRANSPORT", TransportLog, false))
	cfg.Mail.From = ldr.getString("MAIL_FROM", "no-reply@example.com", false)
	cfg.Mail.Subject = ldr.getString("MAIL_SUBJECT", "Your confirmation email", false)
	cfg.Mail.Timeout = ldr.getDuration("MAIL_TIMEOUT", 10*time.Second)

	switch cfg.Mail.Transport {
	case TransportLog:
	case TransportSMTP:
		cfg.SMTP.Host = ldr.getString("SMTP_HOST", "", true)
	default:
		ldr.addError(fmt.Sprintf("MAIL_TRANSPORT must be %q or %q", TransportLog, TransportSMTP))
	}
	cfg.SMTP.Port = ldr.getInt("SMTP_PORT", 25, false)
	cfg.SMTP.User = ldr.getString("SMTP_USER", "", false)
	cfg.SMTP.Pass = ldr.getString("SMTP_PASS", "", false)

	cfg.Redis.Addr = ldr.getString("REDIS_ADDR", "", false)
	cfg.Redis.IdempotencyTTL = ldr.getDuration("IDEMPOTENCY_TTL", 24*time.Hour)

	cfg.Audit.Path = ldr.getString("DELIVERY_LOG_PATH", "", false)

	cfg.Telemetry.ServiceName = ldr.getString("OTEL_SERVICE_NAME", "email", false)
	cfg.Telemetry.Environment = ldr.getString("DEPLOYMENT_ENVIRONMENT", "local", false)
	cfg.Telemetry.TracesEndpoint = ldr.getString("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317", false)
	cfg.Telemetry.MetricsEndpoint = ldr.getString("OTEL_EXPORTER_OTLP_METRICS_ENDPOINT", "", false)

	if err := ldr.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

type envLoader struct {
	errs []string
}

func (l *envLoader) validate() error {
	if len(l.errs) == 0 {
		return nil
	}
	return fmt.Errorf("config validation failed: %s", strings.Join(l.errs, "; "))
}

func (l *envLoader) lookup(key string, required bool) (string, bool) {
	if val, ok := os.LookupEnv(key); ok {
		if val = strings.TrimSpace(val); val != "" {
			return val, true
		}
	}
	if required {
		l.addError(fmt.Sprintf("%s is required", key))
	}
	return "", false
}

func (l *envLoader) getString(key, def string, required bool) string {
	if val, ok := l.lookup(key, required); ok {
		return val
	}
	return def
}

func (l *envLoader) getInt(key string, def int, required bool) int {
	val, ok := l.lookup(key, required)
	if !ok {
		return def
	}
	i, err := strconv.Atoi(val)
	if err != nil {
		l.addError(fmt.Sprintf("%s must be a valid integer", key))
		return def
	}
	return i
}

func (l *envLoader) getDuration(key string, def time.Duration) time.Duration {
	val, ok := l.lookup(key, false)
	if !ok {
		return def
	}
	d, err := time.ParseDuration(val)
	if err != nil || d <= 0 {
		l.addError(fmt.Sprintf("%s must be a positive duration", key))
		return def
	}
	return d
}

func (l *envLoader) addError(err string) {
	l.errs = append(l.errs, err)
}
