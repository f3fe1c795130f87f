// internal/common/camunda/worker.go
package camunda

import (
	"notify-dispatch/internal/common/logger"

	"github.com/camunda/zeebe/clients/go/v8/pkg/entities"
	"github.com/camunda/zeebe/clients/go/v8/pkg/worker"
	"github.com/camunda/zeebe/clients/go/v8/pkg/zbc"
)

// JobHandler handles one activated job. A returned error has already been
// reported to the broker and is only logged here.
type JobHandler interface {
	Handle(client worker.JobClient, job entities.Job) error
}

type CamundaWorker struct {
	worker   worker.JobWorker
	logger   logger.Logger
	taskType string
}

func NewWorker(
	client zbc.Client,
	taskType string,
	maxJobsActive int,
	handler JobHandler,
	log logger.Logger,
) *CamundaWorker {
	log = log.WithFields(map[string]interface{}{"taskType": taskType})
	if maxJobsActive <= 0 {
		maxJobsActive = 1
	}

	jobWorker := client.NewJobWorker().
		JobType(taskType).
		Handler(func(client worker.JobClient, job entities.Job) {
			if err := handler.Handle(client, job); err != nil {
				log.Error("handler returned error", map[string]interface{}{
					"jobKey": job.Key,
					"error":  err.Error(),
				})
			}
		}).
		MaxJobsActive(maxJobsActive).
		Open()

	log.Info("worker started", nil)
	return &CamundaWorker{worker: jobWorker, logger: log, taskType: taskType}
}

// Stop closes the job worker and waits for in-flight handlers.
func (w *CamundaWorker) Stop() {
	w.logger.Info("stopping worker", nil)
	w.worker.Close()
	w.worker.AwaitClose()
}
