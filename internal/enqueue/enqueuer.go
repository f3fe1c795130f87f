// Package enqueue turns a resolved recipient set into queued notification
// events, one transaction per configuration.
package enqueue

import (
	"context"
	"time"

	"notify-dispatch/internal/common/errors"
	"notify-dispatch/internal/common/logger"
	"notify-dispatch/internal/content"
	"notify-dispatch/internal/models"
	"notify-dispatch/internal/store"

	"github.com/google/uuid"
)

// Transactor opens store transactions.
type Transactor interface {
	WithTransaction(ctx context.Context, fn func(tx store.Tx) error) error
}

type Enqueuer struct {
	store  Transactor
	logger logger.Logger
	now    func() time.Time
	newID  func() string
}

func NewEnqueuer(s Transactor, log logger.Logger) *Enqueuer {
	return &Enqueuer{
		store:  s,
		logger: logger.Component(log, "enqueuer"),
		now:    func() time.Time { return time.Now().UTC() },
		newID:  func() string { return uuid.New().String() },
	}
}

// Enqueue creates one Queued event per recipient that has no event for cfg
// inside the current due window, marks cfg processed at asOf and writes an
// audit entry. Events are created at asOf, so the window (asOf-interval, asOf]
// of the next pass never contains them. Either all of it commits or none of
// it does. It returns the number of events created.
//
// The config row is locked for the whole transaction. A pass that finds the
// config already processed inside the window, by a concurrent pass on this
// or another replica, creates nothing.
func (e *Enqueuer) Enqueue(ctx context.Context, cfg models.NotificationConfig, recipients []models.Recipient, msg content.Message, asOf time.Time) (int, error) {
	window, err := cfg.Schedule.Duration()
	if err != nil {
		return 0, errors.NewEnqueueError(cfg.ID, err)
	}
	since := asOf.Add(-window)

	created := 0
	skipped := 0
	superseded := false
	err = e.store.WithTransaction(ctx, func(tx store.Tx) error {
		created, skipped, superseded = 0, 0, false
		last, err := tx.LockConfig(ctx, cfg.ID)
		if err != nil {
			return err
		}
		if last != nil && last.After(since) {
			superseded = true
			return nil
		}

		now := e.now()
		for _, r := range recipients {
			dup, err := tx.EventExistsSince(ctx, cfg.ID, r.ID, since)
			if err != nil {
				return err
			}
			if dup {
				skipped++
				continue
			}
			event := models.NotificationEvent{
				ID:            e.newID(),
				ConfigID:      cfg.ID,
				RecipientID:   r.ID,
				RecipientName: r.Name,
				ChannelType:   r.ChannelType,
				ToAddress:     r.Address,
				Title:         msg.Title,
				Message:       msg.BodyFor(r.ChannelType),
				Status:        models.EventQueued,
				CreatedAt:     asOf,
				UpdatedAt:     now,
			}
			if err := tx.InsertEvent(ctx, event); err != nil {
				return err
			}
			created++
		}

		if err := tx.MarkConfigProcessed(ctx, cfg.ID, asOf); err != nil {
			return err
		}
		return tx.InsertAuditLog(ctx, models.AuditLogEntry{
			ID:          e.newID(),
			LogType:     models.AuditEventsEnqueued,
			ReferenceID: cfg.ID,
			Timestamp:   now,
		})
	})
	if err != nil {
		return 0, errors.NewEnqueueError(cfg.ID, err)
	}
	if superseded {
		e.logger.Info("config already processed in this window, skipping", map[string]interface{}{
			"configId": cfg.ID,
			"asOf":     asOf,
		})
		return 0, nil
	}

	e.logger.Info("notification events enqueued", map[string]interface{}{
		"configId":   cfg.ID,
		"kind":       string(cfg.Kind),
		"created":    created,
		"duplicates": skipped,
	})
	return created, nil
}
