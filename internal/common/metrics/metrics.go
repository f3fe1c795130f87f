// internal/common/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PassConfigs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notification_pass_configs_total",
			Help: "Due configurations handled by a notification pass, by result",
		},
		[]string{"kind", "result"},
	)

	PassDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "notification_pass_duration_seconds",
			Help: "Duration of one scan-resolve-render-enqueue pass in seconds",
		},
		[]string{"kind"},
	)

	EventsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notification_events_enqueued_total",
			Help: "Notification events created by the enqueuer",
		},
		[]string{"kind"},
	)

	DeliveryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notification_delivery_attempts_total",
			Help: "Delivery attempts by channel and outcome (sent, errored, failed)",
		},
		[]string{"channel", "outcome"},
	)

	DeliveryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "notification_delivery_duration_seconds",
			Help:    "Duration of channel sends in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"channel"},
	)

	TickDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name: "notification_tick_duration_seconds",
			Help: "Duration of one delivery tick in seconds",
		},
	)

	TickDutyFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notification_tick_duty_failures_total",
			Help: "Failures of mail queue drains and tick hooks",
		},
		[]string{"duty"},
	)

	MailQueueDrained = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mail_queue_items_total",
			Help: "Mail queue items handled by outcome (sent, requeued, dropped)",
		},
		[]string{"outcome"},
	)

	MailQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mail_queue_depth",
			Help: "Mail jobs waiting after the last drain",
		},
	)

	ChatUpdatesReceived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_updates_received_total",
			Help: "Updates received from the chat long poll",
		},
	)

	ChatUpdatesDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_updates_dropped_total",
			Help: "Updates dropped because a subscriber buffer was full",
		},
	)

	ChatPollErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_poll_errors_total",
			Help: "Failed chat long poll calls",
		},
	)

	WorkerJobsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_jobs_completed_total",
			Help: "Total number of jobs completed by worker",
		},
		[]string{"task_type"},
	)

	WorkerJobsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_jobs_failed_total",
			Help: "Total number of jobs failed by worker",
		},
		[]string{"task_type", "error_code"},
	)

	WorkerJobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "worker_job_duration_seconds",
			Help: "Duration of job processing in seconds",
		},
		[]string{"task_type"},
	)
)
