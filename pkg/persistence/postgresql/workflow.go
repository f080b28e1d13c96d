package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/stepflow/pkg/models"
	"github.com/dukex/stepflow/pkg/persistence"
)

// WorkflowRepository handles workflow-related database operations.
type WorkflowRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewWorkflowRepository creates a new workflow repository.
func NewWorkflowRepository(db *sql.DB, logger *slog.Logger) *WorkflowRepository {
	return &WorkflowRepository{db: db, logger: logger}
}

// GetAll returns all workflows from the database.
func (r *WorkflowRepository) GetAll(ctx context.Context) ([]*models.Workflow, error) {
	query := `
		SELECT
			id
		  , name
		  , description
		  , active
		  , variables
		  , created_at
		  , updated_at
		FROM workflows
		ORDER BY created_at DESC
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query workflows: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	workflows := make([]*models.Workflow, 0)

	for rows.Next() {
		workflow, err := r.scanWorkflow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan workflow: %w", err)
		}

		workflows = append(workflows, workflow)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating workflows: %w", err)
	}

	for _, workflow := range workflows {
		workflow.Steps, err = r.loadSteps(ctx, workflow.ID)
		if err != nil {
			return nil, err
		}
	}

	return workflows, nil
}

func (r *WorkflowRepository) GetByID(ctx context.Context, id string) (*models.Workflow, error) {
	query := `
		SELECT
			id
		  , name
		  , description
		  , active
		  , variables
		  , created_at
		  , updated_at
		FROM workflows
		WHERE id = $1
	`

	workflow, err := r.scanWorkflow(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewWorkflowError("GetByID", id, persistence.ErrWorkflowNotFound)
		}

		return nil, fmt.Errorf("failed to scan workflow: %w", err)
	}

	workflow.Steps, err = r.loadSteps(ctx, id)
	if err != nil {
		return nil, err
	}

	return workflow, nil
}

// Save upserts a workflow and replaces its steps in one transaction.
func (r *WorkflowRepository) Save(ctx context.Context, workflow *models.Workflow) error {
	now := time.Now().UTC()
	if workflow.CreatedAt.IsZero() {
		workflow.CreatedAt = now
	}

	workflow.UpdatedAt = now

	variables, err := jsonParam(workflow.Variables)
	if err != nil {
		return err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		_ = tx.Rollback()
	}()

	err = tx.QueryRowContext(ctx, `
		INSERT INTO workflows (id, name, description, active, variables, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name
		  , description = EXCLUDED.description
		  , active = EXCLUDED.active
		  , variables = EXCLUDED.variables
		  , updated_at = EXCLUDED.updated_at
		RETURNING created_at
	`, workflow.ID, workflow.Name, workflow.Description, workflow.Active, variables, workflow.CreatedAt, workflow.UpdatedAt).
		Scan(&workflow.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save workflow %s: %w", workflow.ID, err)
	}

	_, err = tx.ExecContext(ctx, "DELETE FROM workflow_steps WHERE workflow_id = $1", workflow.ID)
	if err != nil {
		return fmt.Errorf("failed to clear steps of workflow %s: %w", workflow.ID, err)
	}

	for _, step := range workflow.Steps {
		err = r.insertStep(ctx, tx, workflow.ID, step)
		if err != nil {
			return err
		}
	}

	err = tx.Commit()
	if err != nil {
		return fmt.Errorf("failed to commit workflow %s: %w", workflow.ID, err)
	}

	return nil
}

func (r *WorkflowRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, "DELETE FROM workflows WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("failed to delete workflow %s: %w", id, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete workflow %s: %w", id, err)
	}

	if affected == 0 {
		return persistence.NewWorkflowError("Delete", id, persistence.ErrWorkflowNotFound)
	}

	return nil
}

func (r *WorkflowRepository) insertStep(ctx context.Context, tx *sql.Tx, workflowID string, step *models.Step) error {
	config, err := jsonParam(step.Config)
	if err != nil {
		return err
	}

	var conditions any
	if step.Conditions != nil {
		conditions, err = jsonParam(step.Conditions)
		if err != nil {
			return err
		}
	}

	var retries any
	if step.Retries != nil {
		retries = *step.Retries
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO workflow_steps (workflow_id, id, name, step_type, config, position, retries, timeout_ms, conditions)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, workflowID, step.ID, step.Name, string(step.Type), config, step.Position, retries, step.Timeout, conditions)
	if err != nil {
		return fmt.Errorf("failed to save step %s of workflow %s: %w", step.ID, workflowID, err)
	}

	return nil
}

func (r *WorkflowRepository) loadSteps(ctx context.Context, workflowID string) ([]*models.Step, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT
			id
		  , name
		  , step_type
		  , config
		  , position
		  , retries
		  , timeout_ms
		  , conditions
		FROM workflow_steps
		WHERE workflow_id = $1
		ORDER BY position ASC
	`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to query steps of workflow %s: %w", workflowID, err)
	}

	defer closeRows(ctx, r.logger, rows)

	steps := make([]*models.Step, 0)

	for rows.Next() {
		var (
			step       models.Step
			stepType   string
			config     []byte
			retries    sql.NullInt64
			conditions []byte
		)

		err := rows.Scan(&step.ID, &step.Name, &stepType, &config, &step.Position, &retries, &step.Timeout, &conditions)
		if err != nil {
			return nil, fmt.Errorf("failed to scan step: %w", err)
		}

		step.Type = models.StepType(stepType)

		if err := scanJSON(config, &step.Config); err != nil {
			return nil, fmt.Errorf("failed to decode config of step %s: %w", step.ID, err)
		}

		if len(conditions) > 0 {
			step.Conditions = &models.Condition{}
			if err := scanJSON(conditions, step.Conditions); err != nil {
				return nil, fmt.Errorf("failed to decode conditions of step %s: %w", step.ID, err)
			}
		}

		if retries.Valid {
			n := int(retries.Int64)
			step.Retries = &n
		}

		steps = append(steps, &step)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating steps: %w", err)
	}

	return steps, nil
}

func (r *WorkflowRepository) scanWorkflow(row scanner) (*models.Workflow, error) {
	var (
		workflow  models.Workflow
		variables []byte
	)

	err := row.Scan(
		&workflow.ID,
		&workflow.Name,
		&workflow.Description,
		&workflow.Active,
		&variables,
		&workflow.CreatedAt,
		&workflow.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := scanJSON(variables, &workflow.Variables); err != nil {
		return nil, fmt.Errorf("failed to decode variables: %w", err)
	}

	return &workflow, nil
}
