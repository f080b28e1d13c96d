// Package transform implements the TRANSFORM step processor.
package transform

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dukex/stepflow/pkg/datapath"
	"github.com/dukex/stepflow/pkg/models"
	"github.com/dukex/stepflow/pkg/protocol"
)

// ErrSourceNotFound is returned when the source step has no stored result.
var ErrSourceNotFound = errors.New("transform source step has no result")

// Processor reshapes a prior step's result through an ordered list of
// transformations.
type Processor struct {
	logger *slog.Logger
}

func NewProcessor(logger *slog.Logger) *Processor {
	return &Processor{logger: logger.With("module", "transform_processor")}
}

func (p *Processor) Process(ctx context.Context, config models.StepConfig, run *models.RunContext) (*protocol.StepResult, error) {
	cfg, ok := config.(*models.TransformConfig)
	if !ok {
		return nil, fmt.Errorf("%w: %T", protocol.ErrUnexpectedConfig, config)
	}

	source, ok := run.Result(cfg.Source)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSourceNotFound, cfg.Source)
	}

	current, err := datapath.Normalize(source)
	if err != nil {
		return nil, err
	}

	applied := 0

	for i, transformation := range cfg.Transformations {
		switch transformation.Type {
		case models.TransformTypeMap:
			current = applyMap(current, transformation.Mapping)
			applied++
		default:
			// Definitions are validated on save; this only guards records written before that.
			p.logger.WarnContext(ctx, "Skipping unknown transformation",
				"execution_id", run.ExecutionID,
				"index", i,
				"type", transformation.Type)
		}
	}

	return &protocol.StepResult{
		Success: true,
		Result:  current,
		Logs:    fmt.Sprintf("applied %d of %d transformations to %s", applied, len(cfg.Transformations), cfg.Source),
	}, nil
}

// applyMap builds a new object whose keys take the values found at the mapped paths.
func applyMap(data any, mapping map[string]string) map[string]any {
	out := make(map[string]any, len(mapping))

	for key, path := range mapping {
		value, _ := datapath.Lookup(data, path)
		out[key] = value
	}

	return out
}
