// Package pipeline runs the scheduling trigger: one scan-resolve-render-enqueue
// pass over the due configurations of a kind.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"notify-dispatch/internal/common/errors"
	"notify-dispatch/internal/common/logger"
	"notify-dispatch/internal/common/metrics"
	"notify-dispatch/internal/common/observability"
	"notify-dispatch/internal/content"
	"notify-dispatch/internal/models"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

type Scanner interface {
	FindDue(ctx context.Context, kind models.ConfigKind, asOf time.Time) ([]models.NotificationConfig, error)
	FindDueConfig(ctx context.Context, kind models.ConfigKind, id string, asOf time.Time) ([]models.NotificationConfig, error)
}

type Validator interface {
	Validate(kind models.ConfigKind, data []byte) error
}

type Resolver interface {
	Resolve(ctx context.Context, cfg models.NotificationConfig) ([]models.Recipient, error)
}

type Composer interface {
	Compose(kind models.ConfigKind, fallbackTitle string, data map[string]interface{}, channels []models.ChannelType) (content.Message, error)
}

type Enqueuer interface {
	Enqueue(ctx context.Context, cfg models.NotificationConfig, recipients []models.Recipient, msg content.Message, asOf time.Time) (int, error)
}

// Pass holds the collaborators of one dispatch pass. It is safe for
// concurrent use when its collaborators are.
type Pass struct {
	scanner   Scanner
	validator Validator
	resolver  Resolver
	composer  Composer
	enqueuer  Enqueuer
	obs       *observability.Observability
	tracer    *observability.Tracer
	logger    logger.Logger
}

func NewPass(scanner Scanner, validator Validator, resolver Resolver, composer Composer, enqueuer Enqueuer, log logger.Logger) *Pass {
	return &Pass{
		scanner:   scanner,
		validator: validator,
		resolver:  resolver,
		composer:  composer,
		enqueuer:  enqueuer,
		logger:    logger.Component(log, "pipeline"),
	}
}

// Instrument attaches the OpenTelemetry meter and tracer. Either may be nil.
func (p *Pass) Instrument(obs *observability.Observability, tracer *observability.Tracer) {
	p.obs = obs
	p.tracer = tracer
}

// Result summarizes one pass.
type Result struct {
	Kind      models.ConfigKind
	Due       int
	Processed int
	Failed    int
	Events    int
}

// Run processes every configuration of kind due at asOf. A failure for one
// configuration is logged and skipped; only a failed scan fails the pass.
// Processed counts configurations whose enqueue committed, including those
// that produced no events.
func (p *Pass) Run(ctx context.Context, kind models.ConfigKind, asOf time.Time) (Result, error) {
	return p.run(ctx, kind, asOf, func(ctx context.Context) ([]models.NotificationConfig, error) {
		return p.scanner.FindDue(ctx, kind, asOf)
	})
}

// RunConfig is Run restricted to one configuration. A configuration that
// is not due yields an empty result; an unknown one fails the pass.
func (p *Pass) RunConfig(ctx context.Context, kind models.ConfigKind, configID string, asOf time.Time) (Result, error) {
	return p.run(ctx, kind, asOf, func(ctx context.Context) ([]models.NotificationConfig, error) {
		return p.scanner.FindDueConfig(ctx, kind, configID, asOf)
	}, attribute.String("configId", configID))
}

func (p *Pass) run(ctx context.Context, kind models.ConfigKind, asOf time.Time, scan func(context.Context) ([]models.NotificationConfig, error), attrs ...attribute.KeyValue) (Result, error) {
	start := time.Now()
	res := Result{Kind: kind}

	attrs = append(attrs,
		attribute.String("kind", string(kind)),
		attribute.String("asOf", asOf.UTC().Format(time.RFC3339)),
	)
	ctx, span := p.tracer.Start(ctx, "dispatch.pass", attrs...)
	defer span.End()

	due, err := scan(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "scan failed")
		p.obs.RecordPass(ctx, string(kind), "failed", time.Since(start))
		return res, fmt.Errorf("scan %s: %w", kind, err)
	}
	res.Due = len(due)

	for _, cfg := range due {
		if ctx.Err() != nil {
			break
		}
		created, err := p.processConfig(ctx, cfg, asOf)
		if err != nil {
			res.Failed++
			metrics.PassConfigs.WithLabelValues(string(kind), "failed").Inc()
			p.logger.Error("notification config skipped", map[string]interface{}{
				"configId": cfg.ID,
				"kind":     string(kind),
				"code":     string(errors.CodeOf(err)),
				"error":    err.Error(),
			})
			continue
		}
		res.Processed++
		res.Events += created
		metrics.PassConfigs.WithLabelValues(string(kind), "enqueued").Inc()
		metrics.EventsEnqueued.WithLabelValues(string(kind)).Add(float64(created))
	}

	elapsed := time.Since(start)
	metrics.PassDuration.WithLabelValues(string(kind)).Observe(elapsed.Seconds())
	p.obs.RecordPass(ctx, string(kind), "ok", elapsed)
	span.SetAttributes(
		attribute.Int("due", res.Due),
		attribute.Int("processed", res.Processed),
		attribute.Int("events", res.Events),
	)

	if res.Due > 0 {
		p.logger.Info("dispatch pass completed", map[string]interface{}{
			"kind":       string(kind),
			"due":        res.Due,
			"processed":  res.Processed,
			"failed":     res.Failed,
			"events":     res.Events,
			"durationMs": elapsed.Milliseconds(),
		})
	}
	return res, nil
}

func (p *Pass) processConfig(ctx context.Context, cfg models.NotificationConfig, asOf time.Time) (created int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.NewInternalError("process config "+cfg.ID, fmt.Errorf("panic: %v", r))
		}
	}()

	if err := p.validator.Validate(cfg.Kind, cfg.ConfigurationData); err != nil {
		return 0, err
	}

	recipients, err := p.resolver.Resolve(ctx, cfg)
	if err != nil {
		return 0, err
	}

	data, err := cfg.Data()
	if err != nil {
		return 0, errors.NewInvalidConfigurationDataError(string(cfg.Kind), err.Error())
	}

	msg, err := p.composer.Compose(cfg.Kind, cfg.Title, renderContext(cfg, data, recipients, asOf), channelsOf(recipients))
	if err != nil {
		return 0, err
	}

	return p.enqueuer.Enqueue(ctx, cfg, recipients, msg, asOf)
}

// renderContext is the data templates see:
//
//	.config          id, title and kind of the configuration
//	.data            configuration_data
//	.asOf            pass timestamp
//	.recipientCount  size of the resolved set
func renderContext(cfg models.NotificationConfig, data map[string]interface{}, recipients []models.Recipient, asOf time.Time) map[string]interface{} {
	return map[string]interface{}{
		"config": map[string]interface{}{
			"id":    cfg.ID,
			"title": cfg.Title,
			"kind":  string(cfg.Kind),
		},
		"data":           data,
		"asOf":           asOf.UTC(),
		"recipientCount": len(recipients),
	}
}

// channelsOf lists the distinct channel types in first-seen order.
func channelsOf(recipients []models.Recipient) []models.ChannelType {
	seen := make(map[models.ChannelType]struct{})
	var out []models.ChannelType
	for _, r := range recipients {
		if _, ok := seen[r.ChannelType]; ok {
			continue
		}
		seen[r.ChannelType] = struct{}{}
		out = append(out, r.ChannelType)
	}
	return out
}
