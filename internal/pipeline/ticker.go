package pipeline

import (
	"context"
	stderrors "errors"
	"time"

	"notify-dispatch/internal/models"
)

// Runner runs one pass. *Pass implements it.
type Runner interface {
	Run(ctx context.Context, kind models.ConfigKind, asOf time.Time) (Result, error)
	RunConfig(ctx context.Context, kind models.ConfigKind, configID string, asOf time.Time) (Result, error)
}

// KindTicker runs a pass for each kind on every delivery tick, as of the
// tick's wall clock time.
type KindTicker struct {
	runner Runner
	kinds  []models.ConfigKind
	now    func() time.Time
}

func NewKindTicker(runner Runner, kinds []models.ConfigKind) *KindTicker {
	return &KindTicker{
		runner: runner,
		kinds:  kinds,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (k *KindTicker) Name() string { return "dispatch-pass" }

// Tick returns the joined scan errors; every kind is attempted.
func (k *KindTicker) Tick(ctx context.Context) error {
	asOf := k.now()
	var errs []error
	for _, kind := range k.kinds {
		if _, err := k.runner.Run(ctx, kind, asOf); err != nil {
			errs = append(errs, err)
		}
	}
	return stderrors.Join(errs...)
}
