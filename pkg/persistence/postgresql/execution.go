package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dukex/stepflow/pkg/models"
	"github.com/dukex/stepflow/pkg/persistence"
	"github.com/lib/pq"
)

const executionColumns = `
	id
  , workflow_id
  , status
  , started_at
  , finished_at
  , triggered_by
  , trigger_data
  , step_results
  , error
`

// ExecutionRepository handles workflow run rows.
type ExecutionRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewExecutionRepository(db *sql.DB, logger *slog.Logger) *ExecutionRepository {
	return &ExecutionRepository{db: db, logger: logger}
}

func (r *ExecutionRepository) Create(ctx context.Context, execution *models.WorkflowExecution) error {
	triggerData, err := jsonParam(execution.TriggerData)
	if err != nil {
		return err
	}

	stepResults := execution.StepResults
	if stepResults == nil {
		stepResults = map[string]any{}
	}

	results, err := jsonParam(stepResults)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO workflow_executions (id, workflow_id, status, started_at, finished_at, triggered_by, trigger_data, step_results, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, execution.ID, execution.WorkflowID, string(execution.Status), execution.StartedAt, execution.FinishedAt,
		execution.TriggeredBy, triggerData, results, execution.Error)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return persistence.NewExecutionError("Create", execution.ID, persistence.ErrExecutionAlreadyExists)
		}

		return fmt.Errorf("failed to create execution %s: %w", execution.ID, err)
	}

	return nil
}

func (r *ExecutionRepository) Update(ctx context.Context, id string, update persistence.ExecutionUpdate) error {
	affected, err := r.update(ctx, id, update, "")
	if err != nil {
		return err
	}

	if affected == 0 {
		return persistence.NewExecutionError("Update", id, persistence.ErrExecutionNotFound)
	}

	return nil
}

func (r *ExecutionRepository) UpdateIfActive(ctx context.Context, id string, update persistence.ExecutionUpdate) (bool, error) {
	affected, err := r.update(ctx, id, update, "AND status IN ('PENDING', 'RUNNING')")
	if err != nil {
		return false, err
	}

	if affected > 0 {
		return true, nil
	}

	var exists bool
	if err := r.db.QueryRowContext(ctx, "SELECT EXISTS (SELECT 1 FROM workflow_executions WHERE id = $1)", id).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to update execution %s: %w", id, err)
	}

	if !exists {
		return false, persistence.NewExecutionError("UpdateIfActive", id, persistence.ErrExecutionNotFound)
	}

	return false, nil
}

// update runs a single UPDATE so the status condition and the write are one statement.
func (r *ExecutionRepository) update(ctx context.Context, id string, update persistence.ExecutionUpdate, condition string) (int64, error) {
	var status any
	if update.Status != nil {
		status = string(*update.Status)
	}

	var results any

	if update.StepResults != nil {
		var err error

		results, err = jsonParam(update.StepResults)
		if err != nil {
			return 0, err
		}
	}

	result, err := r.db.ExecContext(ctx, `
		UPDATE workflow_executions SET
			status = COALESCE($2, status)
		  , finished_at = COALESCE($3, finished_at)
		  , step_results = COALESCE($4::jsonb, step_results)
		  , error = COALESCE($5, error)
		WHERE id = $1 `+condition, id, status, update.FinishedAt, results, update.Error)
	if err != nil {
		return 0, fmt.Errorf("failed to update execution %s: %w", id, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to update execution %s: %w", id, err)
	}

	return affected, nil
}

func (r *ExecutionRepository) GetByID(ctx context.Context, id string) (*models.WorkflowExecution, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+executionColumns+" FROM workflow_executions WHERE id = $1", id)

	execution, err := scanExecution(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewExecutionError("GetByID", id, persistence.ErrExecutionNotFound)
		}

		return nil, fmt.Errorf("failed to scan execution: %w", err)
	}

	return execution, nil
}

func (r *ExecutionRepository) GetByWorkflow(ctx context.Context, workflowID string) ([]*models.WorkflowExecution, error) {
	return r.query(ctx, "SELECT "+executionColumns+` FROM workflow_executions
		WHERE workflow_id = $1 ORDER BY started_at DESC`, workflowID)
}

func (r *ExecutionRepository) GetByStatus(ctx context.Context, statuses ...models.ExecutionStatus) ([]*models.WorkflowExecution, error) {
	values := make([]string, len(statuses))
	for i, status := range statuses {
		values[i] = string(status)
	}

	return r.query(ctx, "SELECT "+executionColumns+` FROM workflow_executions
		WHERE status = ANY($1) ORDER BY started_at DESC`, pq.Array(values))
}

func (r *ExecutionRepository) query(ctx context.Context, query string, args ...any) ([]*models.WorkflowExecution, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query executions: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	executions := make([]*models.WorkflowExecution, 0)

	for rows.Next() {
		execution, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}

		executions = append(executions, execution)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating executions: %w", err)
	}

	return executions, nil
}

func scanExecution(row scanner) (*models.WorkflowExecution, error) {
	var (
		execution   models.WorkflowExecution
		status      string
		finishedAt  sql.NullTime
		triggerData []byte
		stepResults []byte
	)

	err := row.Scan(
		&execution.ID,
		&execution.WorkflowID,
		&status,
		&execution.StartedAt,
		&finishedAt,
		&execution.TriggeredBy,
		&triggerData,
		&stepResults,
		&execution.Error,
	)
	if err != nil {
		return nil, err
	}

	execution.Status = models.ExecutionStatus(status)

	if finishedAt.Valid {
		execution.FinishedAt = &finishedAt.Time
	}

	if err := scanJSON(triggerData, &execution.TriggerData); err != nil {
		return nil, fmt.Errorf("failed to decode trigger data: %w", err)
	}

	if err := scanJSON(stepResults, &execution.StepResults); err != nil {
		return nil, fmt.Errorf("failed to decode step results: %w", err)
	}

	return &execution, nil
}

// StepExecutionRepository handles step execution rows.
type StepExecutionRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewStepExecutionRepository(db *sql.DB, logger *slog.Logger) *StepExecutionRepository {
	return &StepExecutionRepository{db: db, logger: logger}
}

func (r *StepExecutionRepository) Create(ctx context.Context, step *models.StepExecution) error {
	output, err := jsonParam(step.Output)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO step_executions (id, execution_id, step_id, position, status, started_at, finished_at, max_attempts, attempt_number, output, logs, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, step.ID, step.ExecutionID, step.StepID, step.Position, string(step.Status), step.StartedAt, step.FinishedAt,
		step.MaxAttempts, step.AttemptNumber, output, step.Logs, step.Error)
	if err != nil {
		return fmt.Errorf("failed to create step execution %s: %w", step.ID, err)
	}

	return nil
}

func (r *StepExecutionRepository) Update(ctx context.Context, id string, update persistence.StepExecutionUpdate) error {
	var status any
	if update.Status != nil {
		status = string(*update.Status)
	}

	output, err := jsonParam(update.Output)
	if err != nil {
		return err
	}

	result, err := r.db.ExecContext(ctx, `
		UPDATE step_executions SET
			status = COALESCE($2, status)
		  , finished_at = COALESCE($3, finished_at)
		  , attempt_number = COALESCE($4, attempt_number)
		  , output = COALESCE($5::jsonb, output)
		  , logs = COALESCE($6, logs)
		  , error = COALESCE($7, error)
		WHERE id = $1
	`, id, status, update.FinishedAt, update.AttemptNumber, output, update.Logs, update.Error)
	if err != nil {
		return fmt.Errorf("failed to update step execution %s: %w", id, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update step execution %s: %w", id, err)
	}

	if affected == 0 {
		return persistence.NewStepExecutionError("Update", id, persistence.ErrStepExecutionNotFound)
	}

	return nil
}

const stepExecutionColumns = `
	id
  , execution_id
  , step_id
  , position
  , status
  , started_at
  , finished_at
  , max_attempts
  , attempt_number
  , output
  , logs
  , error
`

func (r *StepExecutionRepository) GetByExecution(ctx context.Context, executionID string) ([]*models.StepExecution, error) {
	return r.query(ctx, "SELECT "+stepExecutionColumns+` FROM step_executions
		WHERE execution_id = $1 ORDER BY started_at ASC, position ASC, seq ASC`, executionID)
}

func (r *StepExecutionRepository) GetByStatus(ctx context.Context, status models.StepStatus) ([]*models.StepExecution, error) {
	return r.query(ctx, "SELECT "+stepExecutionColumns+` FROM step_executions
		WHERE status = $1 ORDER BY started_at ASC, position ASC, seq ASC`, string(status))
}

func (r *StepExecutionRepository) query(ctx context.Context, query string, args ...any) ([]*models.StepExecution, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query step executions: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	steps := make([]*models.StepExecution, 0)

	for rows.Next() {
		var (
			step       models.StepExecution
			status     string
			finishedAt sql.NullTime
			output     []byte
		)

		err := rows.Scan(
			&step.ID,
			&step.ExecutionID,
			&step.StepID,
			&step.Position,
			&status,
			&step.StartedAt,
			&finishedAt,
			&step.MaxAttempts,
			&step.AttemptNumber,
			&output,
			&step.Logs,
			&step.Error,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan step execution: %w", err)
		}

		step.Status = models.StepStatus(status)

		if finishedAt.Valid {
			step.FinishedAt = &finishedAt.Time
		}

		if err := scanJSON(output, &step.Output); err != nil {
			return nil, fmt.Errorf("failed to decode step output: %w", err)
		}

		steps = append(steps, &step)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating step executions: %w", err)
	}

	return steps, nil
}
