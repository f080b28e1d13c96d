// Package conditional implements the CONDITIONAL step processor. The outcome
// is recorded as a result; later steps branch on it through their own
// skip conditions, e.g. {"field": "<step>.branch", "operator": "equals", "value": "true"}.
package conditional

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dukex/stepflow/pkg/conditions"
	"github.com/dukex/stepflow/pkg/models"
	"github.com/dukex/stepflow/pkg/protocol"
)

const (
	BranchTrue  = "true"
	BranchFalse = "false"
)

type Processor struct {
	logger *slog.Logger
}

func NewProcessor(logger *slog.Logger) *Processor {
	return &Processor{logger: logger.With("module", "conditional_processor")}
}

func (p *Processor) Process(ctx context.Context, config models.StepConfig, run *models.RunContext) (*protocol.StepResult, error) {
	cfg, ok := config.(*models.ConditionalConfig)
	if !ok {
		return nil, fmt.Errorf("%w: %T", protocol.ErrUnexpectedConfig, config)
	}

	if cfg.Condition != nil && !cfg.Condition.Operator.Known() {
		p.logger.WarnContext(ctx, "Unknown operator evaluates to true",
			"execution_id", run.ExecutionID,
			"operator", cfg.Condition.Operator)
	}

	outcome := conditions.Evaluate(cfg.Condition, run.StepResults)

	branch := BranchFalse
	if outcome {
		branch = BranchTrue
	}

	return &protocol.StepResult{
		Success: true,
		Result:  map[string]any{"result": outcome, "branch": branch},
		Logs:    "condition evaluated to " + branch,
	}, nil
}
