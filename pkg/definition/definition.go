// Package definition reads workflow and trigger definitions from YAML or
// JSON files and imports them into a store.
package definition

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/dukex/stepflow/pkg/models"
	"github.com/dukex/stepflow/pkg/persistence"
	"github.com/dukex/stepflow/pkg/triggers/schedule"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

var ErrInvalidDefinition = errors.New("invalid definition")

// Definition is the content of one or more definition files.
type Definition struct {
	Workflows []*models.Workflow `yaml:"workflows" json:"workflows"`
	Triggers  []*models.Trigger  `yaml:"triggers"  json:"triggers"`
}

// Parse decodes a YAML document. JSON documents parse as well.
func Parse(data []byte) (*Definition, error) {
	var def Definition

	err := yaml.Unmarshal(data, &def)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidDefinition, err)
	}

	for _, workflow := range def.Workflows {
		assignPositions(workflow)
	}

	return &def, nil
}

// Load reads a definition file, or every .yaml, .yml and .json file of a
// directory merged in name order.
func Load(path string) (*Definition, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read definition %s: %w", path, err)
	}

	if !info.IsDir() {
		return loadFile(path)
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read definition directory %s: %w", path, err)
	}

	merged := &Definition{}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".yaml", ".yml", ".json":
		default:
			continue
		}

		def, err := loadFile(filepath.Join(path, entry.Name()))
		if err != nil {
			return nil, err
		}

		merged.Workflows = append(merged.Workflows, def.Workflows...)
		merged.Triggers = append(merged.Triggers, def.Triggers...)
	}

	return merged, nil
}

func loadFile(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file %s: %w", path, err)
	}

	def, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	return def, nil
}

// assignPositions numbers the steps in file order when none sets a position.
func assignPositions(workflow *models.Workflow) {
	if workflow == nil || len(workflow.Steps) < 2 {
		return
	}

	for _, step := range workflow.Steps {
		if step.Position != 0 {
			return
		}
	}

	for i, step := range workflow.Steps {
		step.Position = i
	}
}

// Validate checks every workflow and trigger and reports all problems at once.
// Triggers may reference workflows outside the definition; Import checks those.
func (d *Definition) Validate() error {
	var errs []error

	ids := make(map[string]struct{}, len(d.Workflows))

	for i, workflow := range d.Workflows {
		if workflow == nil {
			errs = append(errs, fmt.Errorf("workflows[%d]: empty entry", i))

			continue
		}

		if workflow.ID != "" {
			if _, dup := ids[workflow.ID]; dup {
				errs = append(errs, fmt.Errorf("workflows[%d]: duplicate id %q", i, workflow.ID))
			}

			ids[workflow.ID] = struct{}{}
		}

		if err := workflow.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("workflows[%d] %s: %w", i, workflow.Name, err))
		}
	}

	for i, trigger := range d.Triggers {
		if trigger == nil {
			errs = append(errs, fmt.Errorf("triggers[%d]: empty entry", i))

			continue
		}

		if err := validateTrigger(trigger); err != nil {
			errs = append(errs, fmt.Errorf("triggers[%d] %s: %w", i, trigger.Name, err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidDefinition, errors.Join(errs...))
	}

	return nil
}

func validateTrigger(trigger *models.Trigger) error {
	err := trigger.Validate()
	if err != nil {
		return err
	}

	if trigger.Type != models.TriggerTypeSchedule {
		return nil
	}

	config, err := models.DecodeTriggerConfig(trigger.Type, trigger.Config)
	if err != nil {
		return err
	}

	_, err = schedule.Parse(config.(*models.ScheduleConfig))

	return err
}

// Summary counts what Import stored.
type Summary struct {
	Workflows int
	Triggers  int
}

// Import validates the definition and saves its workflows, then its
// triggers. Records with an id replace the stored record of that id.
func Import(ctx context.Context, def *Definition, p persistence.Persistence) (Summary, error) {
	var summary Summary

	err := def.Validate()
	if err != nil {
		return summary, err
	}

	known := make([]string, 0, len(def.Workflows))

	for _, workflow := range def.Workflows {
		if workflow.ID == "" {
			workflow.ID = uuid.NewString()
		}

		err := p.WorkflowRepository().Save(ctx, workflow)
		if err != nil {
			return summary, fmt.Errorf("failed to save workflow %s: %w", workflow.Name, err)
		}

		known = append(known, workflow.ID)
		summary.Workflows++
	}

	for _, trigger := range def.Triggers {
		if !slices.Contains(known, trigger.WorkflowID) {
			_, err := p.WorkflowRepository().GetByID(ctx, trigger.WorkflowID)
			if err != nil {
				return summary, fmt.Errorf("trigger %s: %w", trigger.Name, err)
			}
		}

		if trigger.ID == "" {
			trigger.ID = uuid.NewString()
		}

		err := p.TriggerRepository().Save(ctx, trigger)
		if err != nil {
			return summary, fmt.Errorf("failed to save trigger %s: %w", trigger.ID, err)
		}

		summary.Triggers++
	}

	return summary, nil
}
