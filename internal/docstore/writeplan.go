package docstore

import (
	"context"

	"go.uber.org/zap"
)

// Step is one independent single-key write in a WritePlan.
type Step struct {
	Name string
	Do   func(ctx context.Context) error
}

// PartialWrite describes a plan that stopped part-way.
type PartialWrite struct {
	Operation string
	Completed []string
	Failed    string
	Err       error
}

// FailureHook observes partial writes. It is the extension point for compensation or retry;
// the default does nothing beyond the warning WritePlan logs itself.
type FailureHook func(ctx context.Context, failure PartialWrite)

// WritePlan runs steps in program order, stopping at the first failure. Completed steps are
// never rolled back: the store is left partially written and the failure is reported.
type WritePlan struct {
	logger *zap.Logger
	hook   FailureHook
}

// NewWritePlan constructs a plan runner.
func NewWritePlan(logger *zap.Logger, hook FailureHook) WritePlan {
	return WritePlan{logger: loggerOrNop(logger), hook: hook}
}

// Run executes steps for operation.
func (p WritePlan) Run(ctx context.Context, operation string, steps ...Step) error {
	completed := make([]string, 0, len(steps))
	for _, step := range steps {
		if err := step.Do(ctx); err != nil {
			if len(completed) > 0 {
				loggerOrNop(p.logger).Warn("partial write left in store",
					zap.String("operation", operation),
					zap.Strings("completed", completed),
					zap.String("failed", step.Name),
					zap.Error(err))
			}
			if p.hook != nil {
				p.hook(ctx, PartialWrite{
					Operation: operation,
					Completed: completed,
					Failed:    step.Name,
					Err:       err,
				})
			}
			return err
		}
		completed = append(completed, step.Name)
	}
	return nil
}
