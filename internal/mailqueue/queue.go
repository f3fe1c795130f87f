// Package mailqueue is the outbound mail queue drained on every delivery
// tick. Jobs are JSON documents on a Redis list, written by other services:
// producers LPUSH, the drain RPOPs, so the oldest job is sent first.
package mailqueue

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	"notify-dispatch/internal/channels"
	"notify-dispatch/internal/common/errors"
	"notify-dispatch/internal/common/logger"
	"notify-dispatch/internal/common/metrics"

	"github.com/redis/go-redis/v9"
)

const (
	DefaultKey   = "notify:mail_queue"
	DefaultBatch = 50
)

// Job is one queued mail, as producers write it.
type Job struct {
	ID         string    `json:"id"`
	To         string    `json:"to"`
	Subject    string    `json:"subject"`
	Body       string    `json:"body"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

type RedisQueue struct {
	client  redis.Cmdable
	key     string
	batch   int
	channel channels.Channel
	logger  logger.Logger
}

func NewRedisQueue(client redis.Cmdable, key string, batch int, channel channels.Channel, log logger.Logger) *RedisQueue {
	if key == "" {
		key = DefaultKey
	}
	if batch <= 0 {
		batch = DefaultBatch
	}
	return &RedisQueue{
		client:  client,
		key:     key,
		batch:   batch,
		channel: channel,
		logger:  logger.Component(log, "mailqueue"),
	}
}

// Len reports the number of queued jobs.
func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.key).Result()
}

func (q *RedisQueue) recordDepth(ctx context.Context) {
	n, err := q.Len(context.WithoutCancel(ctx))
	if err != nil {
		q.logger.Debug("mail queue length unavailable", map[string]interface{}{"error": err.Error()})
		return
	}
	metrics.MailQueueDepth.Set(float64(n))
}

// Drain sends up to one batch of jobs and returns how many were sent.
// Malformed jobs and permanently rejected mails are dropped. A retryable
// send failure puts the job back at the head of the queue and ends the
// drain for this tick.
func (q *RedisQueue) Drain(ctx context.Context) (int, error) {
	defer q.recordDepth(ctx)

	sent := 0
	for i := 0; i < q.batch; i++ {
		if ctx.Err() != nil {
			return sent, ctx.Err()
		}

		raw, err := q.client.RPop(ctx, q.key).Result()
		if stderrors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			return sent, fmt.Errorf("pop mail job: %w", err)
		}

		var job Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			metrics.MailQueueDrained.WithLabelValues("dropped").Inc()
			q.logger.Warn("dropping malformed mail job", map[string]interface{}{"error": err.Error()})
			continue
		}

		err = q.channel.Send(ctx, job.To, job.Subject, job.Body)
		if err == nil {
			sent++
			metrics.MailQueueDrained.WithLabelValues("sent").Inc()
			continue
		}

		fields := map[string]interface{}{
			"jobId": job.ID,
			"error": err.Error(),
		}
		if !errors.IsRetryable(err) {
			metrics.MailQueueDrained.WithLabelValues("dropped").Inc()
			q.logger.Warn("dropping rejected mail job", fields)
			continue
		}

		if perr := q.client.RPush(context.WithoutCancel(ctx), q.key, raw).Err(); perr != nil {
			q.logger.Error("mail job lost, requeue failed", map[string]interface{}{
				"jobId": job.ID,
				"error": perr.Error(),
			})
			return sent, fmt.Errorf("requeue mail job %s: %w", job.ID, perr)
		}
		metrics.MailQueueDrained.WithLabelValues("requeued").Inc()
		q.logger.Info("mail job requeued", fields)
		return sent, fmt.Errorf("send mail job %s: %w", job.ID, err)
	}

	if sent > 0 {
		q.logger.Debug("mail queue drained", map[string]interface{}{"sent": sent})
	}
	return sent, nil
}
