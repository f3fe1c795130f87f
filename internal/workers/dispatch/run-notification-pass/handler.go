// internal/workers/dispatch/run-notification-pass/handler.go
package runnotificationpass

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"notify-dispatch/internal/common/camunda"
	"notify-dispatch/internal/common/errors"
	"notify-dispatch/internal/common/logger"
	"notify-dispatch/internal/common/metrics"
	"notify-dispatch/internal/models"
	"notify-dispatch/internal/pipeline"

	"github.com/camunda/zeebe/clients/go/v8/pkg/entities"
	"github.com/camunda/zeebe/clients/go/v8/pkg/worker"
)

const (
	TaskType = "run-notification-pass"
)

type Handler struct {
	config *Config
	runner pipeline.Runner
	logger logger.Logger
	now    func() time.Time
}

func NewHandler(config *Config, runner pipeline.Runner, log logger.Logger) *Handler {
	return &Handler{
		config: config,
		runner: runner,
		logger: log.WithFields(map[string]interface{}{"taskType": TaskType}),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (h *Handler) Handle(client worker.JobClient, job entities.Job) error {
	start := time.Now()
	defer func() { metrics.WorkerJobDuration.WithLabelValues(TaskType).Observe(time.Since(start).Seconds()) }()

	h.logger.Info("processing job", map[string]interface{}{
		"jobKey":      job.Key,
		"workflowKey": job.ProcessInstanceKey,
	})

	var input Input
	if err := json.Unmarshal([]byte(job.Variables), &input); err != nil {
		return h.failJob(client, job, errors.NewInvalidConfigurationDataError("job variables", err.Error()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.config.Timeout)
	defer cancel()

	output, err := h.execute(ctx, &input)
	if err != nil {
		return h.failJob(client, job, err)
	}
	return h.completeJob(client, job, output)
}

func (h *Handler) execute(ctx context.Context, input *Input) (*Output, error) {
	kind, err := h.parseKind(input.Kind)
	if err != nil {
		return nil, err
	}

	asOf := h.now()
	if input.AsOf != "" {
		asOf, err = time.Parse(time.RFC3339, input.AsOf)
		if err != nil {
			return nil, errors.NewInvalidConfigurationDataError(string(kind), fmt.Sprintf("asOf: %v", err))
		}
	}

	var res pipeline.Result
	configID := strings.TrimSpace(input.ConfigID)
	if configID != "" {
		res, err = h.runner.RunConfig(ctx, kind, configID, asOf)
	} else {
		res, err = h.runner.Run(ctx, kind, asOf)
	}
	if err != nil {
		if !errors.IsRetryable(err) {
			return nil, err
		}
		return nil, errors.NewInternalError("run notification pass", err)
	}

	return &Output{
		Kind:      string(kind),
		AsOf:      asOf.UTC().Format(time.RFC3339),
		ConfigID:  configID,
		Due:       res.Due,
		Processed: res.Processed,
		Failed:    res.Failed,
		Events:    res.Events,
	}, nil
}

func (h *Handler) parseKind(raw string) (models.ConfigKind, error) {
	kind := models.ConfigKind(strings.ToUpper(strings.TrimSpace(raw)))
	for _, k := range h.config.Kinds {
		if k == kind {
			return kind, nil
		}
	}
	return "", errors.NewInvalidConfigurationDataError(raw, "kind is not dispatched by this service")
}

func (h *Handler) completeJob(client worker.JobClient, job entities.Job, output *Output) error {
	err := camunda.ExecuteWithRetry(context.Background(), camunda.DefaultRetryConfig, func(ctx context.Context) error {
		cmd, err := client.NewCompleteJobCommand().
			JobKey(job.Key).
			VariablesFromObject(output)
		if err != nil {
			return err
		}
		_, err = cmd.Send(ctx)
		return err
	}, "complete job")
	if err != nil {
		h.logger.Error("failed to complete job", map[string]interface{}{
			"jobKey": job.Key,
			"error":  err.Error(),
		})
		return err
	}

	metrics.WorkerJobsCompleted.WithLabelValues(TaskType).Inc()
	h.logger.Info("job completed", map[string]interface{}{
		"jobKey":    job.Key,
		"kind":      output.Kind,
		"processed": output.Processed,
		"events":    output.Events,
	})
	return nil
}

// failJob throws a BPMN error for permanent failures and fails the job with
// one retry less for transient ones.
func (h *Handler) failJob(client worker.JobClient, job entities.Job, err error) error {
	code := string(errors.CodeOf(err))
	metrics.WorkerJobsFailed.WithLabelValues(TaskType, code).Inc()

	h.logger.Error("job failed", map[string]interface{}{
		"jobKey":    job.Key,
		"errorCode": code,
		"error":     err.Error(),
		"retryable": errors.IsRetryable(err),
	})

	var sendErr error
	if errors.IsRetryable(err) {
		retries := job.Retries - 1
		if retries < 0 {
			retries = 0
		}
		_, sendErr = client.NewFailJobCommand().
			JobKey(job.Key).
			Retries(retries).
			ErrorMessage(fmt.Sprintf("[%s] %s", code, err.Error())).
			Send(context.Background())
	} else {
		_, sendErr = client.NewThrowErrorCommand().
			JobKey(job.Key).
			ErrorCode(code).
			ErrorMessage(err.Error()).
			Send(context.Background())
	}
	if sendErr != nil {
		h.logger.Error("failed to report job failure", map[string]interface{}{
			"jobKey": job.Key,
			"error":  sendErr.Error(),
		})
	}
	return err
}
