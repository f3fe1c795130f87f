// Package delivery drives queued notification events through channel sends
// and the Queued/Errored/Sent/Failed state machine.
package delivery

import (
	"context"
	"fmt"
	"time"

	"notify-dispatch/internal/channels"
	"notify-dispatch/internal/common/errors"
	"notify-dispatch/internal/common/logger"
	"notify-dispatch/internal/common/metrics"
	"notify-dispatch/internal/common/observability"
	"notify-dispatch/internal/models"

	"go.opentelemetry.io/otel/attribute"
)

// EventStore is the event persistence the engine needs.
type EventStore interface {
	SelectDeliverable(ctx context.Context, maxAttempts, limit int, now time.Time) ([]models.NotificationEvent, error)
	ClaimAttempt(ctx context.Context, eventID string, seenAttempts int, at time.Time) (bool, error)
	MarkSent(ctx context.Context, eventID string, at time.Time) error
	MarkFailedAttempt(ctx context.Context, eventID string, status models.EventStatus, message string, at, next time.Time) error
}

// ChannelLookup resolves the channel for an event's channel type.
type ChannelLookup interface {
	Get(ct models.ChannelType) (channels.Channel, error)
}

// Drainer empties an outbound queue on every tick.
type Drainer interface {
	Drain(ctx context.Context) (int, error)
}

// TickHook is an extension invoked on every tick.
type TickHook interface {
	Name() string
	Tick(ctx context.Context) error
}

// Locker serializes ticks across replicas. TryLock returns an empty token
// when the lock is held elsewhere.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (string, error)
	Unlock(ctx context.Context, key, token string) error
}

const lockKey = "notify:delivery:tick"

type Options struct {
	MaxAttempts int
	BatchSize   int
	SendTimeout time.Duration
	LockTTL     time.Duration
	Backoff     Backoff
}

func (o *Options) setDefaults() {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = 30 * time.Second
	}
	if o.LockTTL <= 0 {
		o.LockTTL = time.Minute
	}
	if o.Backoff == nil {
		o.Backoff = Exponential{Base: 30 * time.Second, Max: time.Hour}
	}
}

type namedDrainer struct {
	name string
	d    Drainer
}

type Engine struct {
	store    EventStore
	channels ChannelLookup
	opts     Options
	logger   logger.Logger
	now      func() time.Time

	locker   Locker
	drainers []namedDrainer
	hooks    []TickHook

	obs    *observability.Observability
	tracer *observability.Tracer
}

func NewEngine(store EventStore, lookup ChannelLookup, opts Options, log logger.Logger) *Engine {
	opts.setDefaults()
	return &Engine{
		store:    store,
		channels: lookup,
		opts:     opts,
		logger:   logger.Component(log, "delivery"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (e *Engine) SetLocker(l Locker) { e.locker = l }

func (e *Engine) AddDrainer(name string, d Drainer) {
	e.drainers = append(e.drainers, namedDrainer{name: name, d: d})
}

func (e *Engine) AddHook(h TickHook) { e.hooks = append(e.hooks, h) }

// Instrument attaches the OpenTelemetry meter and tracer. Either may be nil.
func (e *Engine) Instrument(obs *observability.Observability, tracer *observability.Tracer) {
	e.obs = obs
	e.tracer = tracer
}

// TickResult counts what one tick did with the events it selected.
type TickResult struct {
	Selected int
	Sent     int
	Errored  int
	Failed   int
	Skipped  int
}

// Tick runs one delivery pass followed by the drainers and hooks, all under
// the tick lock when a locker is set. A tick whose lock is held by another
// replica does nothing. Failures of individual events, drainers or hooks are
// logged and never stop the rest.
func (e *Engine) Tick(ctx context.Context) TickResult {
	start := time.Now()
	defer func() { metrics.TickDuration.Observe(time.Since(start).Seconds()) }()

	ctx, span := e.tracer.Start(ctx, "delivery.tick")
	defer span.End()

	release, ok := e.acquire(ctx)
	if !ok {
		return TickResult{}
	}
	defer release()

	res := e.deliver(ctx)
	e.obs.RecordTick(ctx, res.Sent, res.Failed)
	span.SetAttributes(
		attribute.Int("selected", res.Selected),
		attribute.Int("sent", res.Sent),
		attribute.Int("failed", res.Failed),
	)

	for _, nd := range e.drainers {
		n, err := nd.d.Drain(ctx)
		if err != nil {
			metrics.TickDutyFailures.WithLabelValues(nd.name).Inc()
			e.logger.Error("drain failed", map[string]interface{}{"drainer": nd.name, "error": err.Error()})
			continue
		}
		if n > 0 {
			e.logger.Debug("queue drained", map[string]interface{}{"drainer": nd.name, "count": n})
		}
	}
	for _, h := range e.hooks {
		if err := e.runHook(ctx, h); err != nil {
			metrics.TickDutyFailures.WithLabelValues(h.Name()).Inc()
			e.logger.Error("tick hook failed", map[string]interface{}{"hook": h.Name(), "error": err.Error()})
		}
	}
	return res
}

// acquire takes the tick lock. It reports false when another replica holds
// it. An unreachable lock backend does not stop the tick: claims are
// compare-and-set and enqueue locks the config row.
func (e *Engine) acquire(ctx context.Context) (release func(), ok bool) {
	if e.locker == nil {
		return func() {}, true
	}
	token, err := e.locker.TryLock(ctx, lockKey, e.opts.LockTTL)
	switch {
	case err != nil:
		e.logger.Warn("tick lock unavailable, continuing without it", map[string]interface{}{"error": err.Error()})
		return func() {}, true
	case token == "":
		e.logger.Debug("tick lock held by another replica", nil)
		return nil, false
	}
	return func() {
		if err := e.locker.Unlock(context.WithoutCancel(ctx), lockKey, token); err != nil {
			e.logger.Warn("tick lock release failed", map[string]interface{}{"error": err.Error()})
		}
	}, true
}

func (e *Engine) runHook(ctx context.Context, h TickHook) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return h.Tick(ctx)
}

func (e *Engine) deliver(ctx context.Context) TickResult {
	var res TickResult

	now := e.now()
	events, err := e.store.SelectDeliverable(ctx, e.opts.MaxAttempts, e.opts.BatchSize, now)
	if err != nil {
		e.logger.Error("select deliverable events failed", map[string]interface{}{"error": err.Error()})
		return res
	}

	for _, ev := range events {
		if !e.eligible(ev, now) {
			continue
		}
		res.Selected++
		switch e.process(ctx, ev) {
		case models.EventSent:
			res.Sent++
		case models.EventErrored:
			res.Errored++
		case models.EventFailed:
			res.Failed++
		default:
			res.Skipped++
		}
	}

	if res.Selected > 0 {
		e.logger.Info("delivery tick finished", map[string]interface{}{
			"selected": res.Selected,
			"sent":     res.Sent,
			"errored":  res.Errored,
			"failed":   res.Failed,
			"skipped":  res.Skipped,
		})
	}
	return res
}

// eligible applies the retry rules: Queued events always go, Errored events
// go once their next attempt is due. Rows written before next_attempt_at
// existed fall back to the backoff since the last attempt.
func (e *Engine) eligible(ev models.NotificationEvent, now time.Time) bool {
	switch ev.Status {
	case models.EventQueued:
		return true
	case models.EventErrored:
		if ev.AttemptCount >= e.opts.MaxAttempts {
			return false
		}
		if ev.NextAttemptAt != nil {
			return !now.Before(*ev.NextAttemptAt)
		}
		if ev.LastAttemptedAt == nil {
			return true
		}
		return !now.Before(ev.LastAttemptedAt.Add(e.opts.Backoff.Delay(ev.AttemptCount)))
	default:
		return false
	}
}

// process makes one attempt and returns the status it stored, or "" when
// the event was not attempted.
func (e *Engine) process(ctx context.Context, ev models.NotificationEvent) (status models.EventStatus) {
	log := e.logger.WithFields(map[string]interface{}{
		"eventId":  ev.ID,
		"configId": ev.ConfigID,
		"channel":  string(ev.ChannelType),
	})
	defer func() {
		if p := recover(); p != nil {
			log.Error("event processing panicked", map[string]interface{}{"panic": fmt.Sprint(p)})
			status = ""
		}
	}()

	at := e.now()
	claimed, err := e.store.ClaimAttempt(ctx, ev.ID, ev.AttemptCount, at)
	if err != nil {
		log.Error("claim attempt failed", map[string]interface{}{"error": err.Error()})
		return ""
	}
	if !claimed {
		log.Debug("event claimed elsewhere", nil)
		return ""
	}
	attempts := ev.AttemptCount + 1

	sendErr := e.send(ctx, ev)
	done := e.now()
	// State writes must land even when shutdown cancels ctx.
	writeCtx := context.WithoutCancel(ctx)

	if sendErr == nil {
		metrics.DeliveryAttempts.WithLabelValues(string(ev.ChannelType), "sent").Inc()
		if err := e.store.MarkSent(writeCtx, ev.ID, done); err != nil {
			log.Error("mark sent failed", map[string]interface{}{"error": err.Error()})
		}
		log.Info("notification sent", map[string]interface{}{"attempt": attempts})
		return models.EventSent
	}

	status = models.EventErrored
	if attempts >= e.opts.MaxAttempts || !errors.IsRetryable(sendErr) {
		status = models.EventFailed
	}
	metrics.DeliveryAttempts.WithLabelValues(string(ev.ChannelType), string(status)).Inc()
	next := done.Add(e.opts.Backoff.Delay(attempts))
	if err := e.store.MarkFailedAttempt(writeCtx, ev.ID, status, sendErr.Error(), done, next); err != nil {
		log.Error("mark attempt failed", map[string]interface{}{"error": err.Error()})
	}

	fields := map[string]interface{}{"attempt": attempts, "status": string(status), "error": sendErr.Error()}
	if status == models.EventFailed {
		log.Error("notification failed permanently", fields)
	} else {
		log.Warn("notification send failed, will retry", fields)
	}
	return status
}

func (e *Engine) send(ctx context.Context, ev models.NotificationEvent) error {
	ch, err := e.channels.Get(ev.ChannelType)
	if err != nil {
		return err
	}
	// In-flight sends outlive shutdown cancellation and are bounded by the
	// send timeout instead.
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.opts.SendTimeout)
	defer cancel()

	start := time.Now()
	err = ch.Send(sendCtx, ev.ToAddress, ev.Title, ev.Message)
	metrics.DeliveryDuration.WithLabelValues(string(ev.ChannelType)).Observe(time.Since(start).Seconds())
	return err
}
