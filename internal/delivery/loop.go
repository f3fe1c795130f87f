package delivery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"notify-dispatch/internal/common/logger"

	"github.com/robfig/cron/v3"
)

// Ticker is one unit of scheduled work.
type Ticker interface {
	Tick(ctx context.Context) TickResult
}

// Loop fires the ticker on a fixed interval. A tick that is still running
// when the next one is due causes that next one to be skipped, so ticks
// never overlap.
type Loop struct {
	ticker   Ticker
	interval time.Duration
	logger   logger.Logger

	mu     sync.Mutex
	c      *cron.Cron
	cancel context.CancelFunc
}

func NewLoop(ticker Ticker, interval time.Duration, log logger.Logger) *Loop {
	return &Loop{ticker: ticker, interval: interval, logger: logger.Component(log, "delivery-loop")}
}

func (l *Loop) Start(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.c != nil {
		return
	}

	tickCtx, cancel := context.WithCancel(ctx)
	cl := cronLogger{l.logger}
	c := cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	c.Schedule(cron.Every(l.interval), cron.FuncJob(func() {
		if tickCtx.Err() != nil {
			return
		}
		l.ticker.Tick(tickCtx)
	}))
	c.Start()

	l.c = c
	l.cancel = cancel
	l.logger.Info("delivery loop started", map[string]interface{}{"interval": l.interval.String()})
}

// Stop prevents new ticks and waits for the running one, bounded by ctx.
// In-flight sends are not cancelled; they end on their own send timeout.
func (l *Loop) Stop(ctx context.Context) error {
	l.mu.Lock()
	c, cancel := l.c, l.cancel
	l.c, l.cancel = nil, nil
	l.mu.Unlock()

	if c == nil {
		return nil
	}
	done := c.Stop().Done()
	cancel()

	select {
	case <-done:
		l.logger.Info("delivery loop stopped", nil)
		return nil
	case <-ctx.Done():
		return fmt.Errorf("delivery loop did not stop in time: %w", ctx.Err())
	}
}

// cronLogger routes cron's internal logging into the dispatcher logger.
type cronLogger struct {
	l logger.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug("cron: "+msg, kvFields(keysAndValues))
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	fields := kvFields(keysAndValues)
	fields["error"] = err.Error()
	c.l.Error("cron: "+msg, fields)
}

func kvFields(kv []interface{}) map[string]interface{} {
	fields := make(map[string]interface{}, len(kv)/2+1)
	for i := 0; i+1 < len(kv); i += 2 {
		fields[fmt.Sprint(kv[i])] = kv[i+1]
	}
	return fields
}
