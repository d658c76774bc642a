// Package bootstrap turns a Config into the pieces every binary needs: a logger, the token
// store, the captcha service options and the telemetry/audit pipeline.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"capgate/internal/audit"
	"capgate/internal/captcha/repository"
	"capgate/internal/captcha/service"
	"capgate/internal/config"
	"capgate/internal/logging"
	"capgate/internal/telemetry"
	"capgate/internal/telemetry/otel"
	"capgate/internal/telemetry/producer"
)

// Logger builds the process logger from LOG_LEVEL and LOG_FORMAT.
func Logger(cfg *config.Config, w io.Writer) *slog.Logger {
	return logging.New(w, cfg.LogLevel, cfg.LogFormat)
}

// StoreConfig maps the store settings onto repository.StoreConfig.
func StoreConfig(cfg *config.Config, logger *slog.Logger) repository.StoreConfig {
	return repository.StoreConfig{
		Backend:       cfg.StoreBackend,
		DatabaseURL:   cfg.DatabaseURL,
		SQLitePath:    cfg.SQLitePath,
		ValkeyURL:     cfg.ValkeyURL,
		ValkeyCluster: cfg.ValkeyCluster,
		BadgerDir:     cfg.BadgerDir,
		AutoMigrate:   cfg.StoreAutoMigrate,
		Logger:        logger,
	}
}

// ServiceOptions maps the CAP_* settings onto service.Options.
func ServiceOptions(cfg *config.Config) service.Options {
	opts := service.DefaultOptions()
	opts.Count = cfg.ChallengeCount
	opts.SaltSize = cfg.SaltSize
	opts.Difficulty = cfg.Difficulty
	opts.ChallengeTTL = cfg.ChallengeTTL
	opts.SolutionTTL = cfg.SolutionTTL
	opts.Bypass = cfg.Bypass
	return opts
}

// WarnBypass logs the bypass state at startup: error level in production, warn elsewhere.
func WarnBypass(ctx context.Context, cfg *config.Config, logger *slog.Logger) {
	switch {
	case cfg.BypassHazard():
		logger.ErrorContext(ctx, "CAP_BYPASS is enabled in production; every challenge and token will be accepted")
	case cfg.Bypass:
		logger.WarnContext(ctx, "CAP_BYPASS is enabled; challenges are not verified")
	}
}

// Telemetry holds the OTel providers, the optional Kafka producer and the audit recorder built on them.
type Telemetry struct {
	Providers *otel.Providers
	Kafka     *producer.KafkaProducer
	Audit     *audit.Logger
}

// NewTelemetry builds OTel providers from OTEL_* settings and installs them globally, then an
// audit recorder fanning out to the OTel log pipeline and, when KAFKA_BROKERS is set, to Kafka.
func NewTelemetry(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Telemetry, error) {
	providers, err := otel.NewProviders(ctx, cfg.OTelEndpoint, cfg.OTelServiceName, cfg.OTelInsecure)
	if err != nil {
		return nil, fmt.Errorf("otel: %w", err)
	}
	providers.SetGlobal()

	emitters := []telemetry.EventEmitter{otel.NewEventEmitter(providers.LoggerProvider)}
	kp, err := producer.NewKafkaProducer(cfg.KafkaBrokersList(), cfg.AuditKafkaTopic)
	if err != nil {
		_ = providers.Shutdown(ctx)
		return nil, fmt.Errorf("kafka: %w", err)
	}
	if kp != nil {
		emitters = append(emitters, kp)
		logger.InfoContext(ctx, "audit events published to kafka", "topic", kp.Topic())
	}
	return &Telemetry{
		Providers: providers,
		Kafka:     kp,
		Audit:     audit.NewLogger(logger, cfg.OTelServiceName, emitters...),
	}, nil
}

// Shutdown closes the Kafka writer and flushes the OTel providers.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}
	var errs []error
	if err := t.Kafka.Close(); err != nil {
		errs = append(errs, fmt.Errorf("kafka: %w", err))
	}
	if t.Providers != nil && t.Providers.Shutdown != nil {
		if err := t.Providers.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("otel: %w", err))
		}
	}
	return errors.Join(errs...)
}
