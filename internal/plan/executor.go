package plan

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aitachi/envom/internal/capability"
	"github.com/aitachi/envom/pkg/dispatch"
)

// Executor runs plans step by step through a dispatcher.
type Executor struct {
	dispatcher capability.Dispatcher
	logger     *zap.Logger
	now        func() time.Time
}

// NewExecutor creates an executor. A nil logger disables logging.
func NewExecutor(d capability.Dispatcher, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{dispatcher: d, logger: logger.Named("executor"), now: time.Now}
}

// Sorted returns the steps ordered by Order. Steps sharing an order keep
// their relative position.
func Sorted(steps []Step) []Step {
	out := make([]Step, len(steps))
	copy(out, steps)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out
}

// Execute runs every step in order and returns one result per step. A
// failing step never stops the steps after it.
func (e *Executor) Execute(ctx context.Context, p Plan) []StepResult {
	var ledger Ledger
	steps := Sorted(p.Steps)
	for i, step := range steps {
		id := "exec-" + step.Capability + "-" + uuid.NewString()
		resp := e.dispatcher.Dispatch(ctx, dispatch.NewCall(id, step.Capability, step.Parameters))
		ledger.Append(StepResult{Step: step, Outcome: resp, Timestamp: e.now()})

		fields := []zap.Field{
			zap.Int("step", i+1),
			zap.Int("of", len(steps)),
			zap.String("capability", step.Capability),
		}
		if resp.Success {
			e.logger.Info("step succeeded", fields...)
		} else {
			e.logger.Warn("step failed", append(fields, zap.String("error", resp.ErrorText()))...)
		}
	}
	return ledger.Results()
}
