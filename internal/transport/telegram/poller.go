package telegram

import (
	"context"
	"time"

	"notify-dispatch/internal/common/logger"
	"notify-dispatch/internal/common/metrics"
	"notify-dispatch/internal/transport/broadcast"

	tele "gopkg.in/telebot.v4"
)

// UpdateSource is the long-poll side of the Bot API.
type UpdateSource interface {
	GetUpdates(ctx context.Context, offset int) ([]tele.Update, error)
}

// Poller republishes every inbound update on a broadcaster. It has no
// terminal failure: errors are logged and the poll is retried after a delay.
type Poller struct {
	source     UpdateSource
	bus        *broadcast.Broadcaster[tele.Update]
	retryDelay time.Duration
	logger     logger.Logger
}

func NewPoller(source UpdateSource, bus *broadcast.Broadcaster[tele.Update], retryDelay time.Duration, log logger.Logger) *Poller {
	if retryDelay <= 0 {
		retryDelay = 5 * time.Second
	}
	return &Poller{
		source:     source,
		bus:        bus,
		retryDelay: retryDelay,
		logger:     logger.Component(log, "telegram-poller"),
	}
}

// Run polls until ctx is done.
func (p *Poller) Run(ctx context.Context) {
	p.logger.Info("polling started", nil)
	offset := 0
	for {
		if ctx.Err() != nil {
			p.logger.Info("polling stopped", nil)
			return
		}

		updates, err := p.source.GetUpdates(ctx, offset)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			metrics.ChatPollErrors.Inc()
			p.logger.Warn("poll failed, retrying", map[string]interface{}{
				"error":      err.Error(),
				"retryDelay": p.retryDelay.String(),
			})
			select {
			case <-time.After(p.retryDelay):
			case <-ctx.Done():
			}
			continue
		}

		for _, u := range updates {
			if u.ID >= offset {
				offset = u.ID + 1
			}
			metrics.ChatUpdatesReceived.Inc()
			p.bus.Publish(u)
		}
	}
}
