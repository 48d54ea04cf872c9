package config

import (
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/sirupsen/logrus"
)

// NewLogger configures the standard logrus logger, which the utils helpers also write to
func NewLogger(cfg Config) *logrus.Logger {
	logger := logrus.StandardLogger()

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if cfg.Environment == "production" {
		logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return logger
}

// InitSentry enables error reporting when a DSN is configured. The returned func flushes
// buffered events and must run before the process exits.
func InitSentry(cfg Config) (func(), error) {
	if cfg.SentryDSN == "" {
		return func() {}, nil
	}
	err := sentry.Init(sentry.ClientOptions{
		Dsn:              cfg.SentryDSN,
		Environment:      cfg.Environment,
		AttachStacktrace: true,
	})
	if err != nil {
		return nil, fmt.Errorf("sentry init failed: %w", err)
	}
	return func() { sentry.Flush(2 * time.Second) }, nil
}
