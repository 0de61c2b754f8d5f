package config

import (
	"fmt"
	"os"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/sirupsen/logrus"
)

// SetupLogger configures the standard logrus logger for the current environment
func SetupLogger() {
	logrus.SetOutput(os.Stdout)
	if AppConfig.Environment == "production" {
		logrus.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	level, err := logrus.ParseLevel(AppConfig.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)
}

// InitSentry enables error reporting when a DSN is configured
func InitSentry() error {
	if AppConfig.SentryDSN == "" {
		return nil
	}
	if err := sentry.Init(sentry.ClientOptions{
		Dsn:              AppConfig.SentryDSN,
		Environment:      AppConfig.Environment,
		AttachStacktrace: true,
	}); err != nil {
		return fmt.Errorf("sentry init: %w", err)
	}
	return nil
}

// FlushSentry waits for buffered events before shutdown
func FlushSentry() {
	if AppConfig.SentryDSN != "" {
		sentry.Flush(2 * time.Second)
	}
}
