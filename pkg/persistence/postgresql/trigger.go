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

const triggerColumns = `
	id
  , workflow_id
  , name
  , trigger_type
  , config
  , active
  , created_at
  , updated_at
`

// TriggerRepository handles trigger rows.
type TriggerRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewTriggerRepository(db *sql.DB, logger *slog.Logger) *TriggerRepository {
	return &TriggerRepository{db: db, logger: logger}
}

func (r *TriggerRepository) GetAll(ctx context.Context) ([]*models.Trigger, error) {
	return r.query(ctx, "SELECT "+triggerColumns+" FROM triggers ORDER BY created_at ASC")
}

func (r *TriggerRepository) GetByWorkflow(ctx context.Context, workflowID string) ([]*models.Trigger, error) {
	return r.query(ctx, "SELECT "+triggerColumns+" FROM triggers WHERE workflow_id = $1 ORDER BY created_at ASC", workflowID)
}

func (r *TriggerRepository) GetByID(ctx context.Context, id string) (*models.Trigger, error) {
	trigger, err := scanTrigger(r.db.QueryRowContext(ctx, "SELECT "+triggerColumns+" FROM triggers WHERE id = $1", id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrTriggerNotFound
		}

		return nil, fmt.Errorf("failed to scan trigger: %w", err)
	}

	return trigger, nil
}

func (r *TriggerRepository) Save(ctx context.Context, trigger *models.Trigger) error {
	now := time.Now().UTC()
	if trigger.CreatedAt.IsZero() {
		trigger.CreatedAt = now
	}

	trigger.UpdatedAt = now

	config, err := jsonParam(trigger.Config)
	if err != nil {
		return err
	}

	err = r.db.QueryRowContext(ctx, `
		INSERT INTO triggers (id, workflow_id, name, trigger_type, config, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			workflow_id = EXCLUDED.workflow_id
		  , name = EXCLUDED.name
		  , trigger_type = EXCLUDED.trigger_type
		  , config = EXCLUDED.config
		  , active = EXCLUDED.active
		  , updated_at = EXCLUDED.updated_at
		RETURNING created_at
	`, trigger.ID, trigger.WorkflowID, trigger.Name, string(trigger.Type), config, trigger.Active, trigger.CreatedAt, trigger.UpdatedAt).
		Scan(&trigger.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save trigger %s: %w", trigger.ID, err)
	}

	return nil
}

func (r *TriggerRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, "DELETE FROM triggers WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("failed to delete trigger %s: %w", id, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete trigger %s: %w", id, err)
	}

	if affected == 0 {
		return persistence.ErrTriggerNotFound
	}

	return nil
}

func (r *TriggerRepository) query(ctx context.Context, query string, args ...any) ([]*models.Trigger, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query triggers: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	triggers := make([]*models.Trigger, 0)

	for rows.Next() {
		trigger, err := scanTrigger(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trigger: %w", err)
		}

		triggers = append(triggers, trigger)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating triggers: %w", err)
	}

	return triggers, nil
}

func scanTrigger(row scanner) (*models.Trigger, error) {
	var (
		trigger     models.Trigger
		triggerType string
		config      []byte
	)

	err := row.Scan(
		&trigger.ID,
		&trigger.WorkflowID,
		&trigger.Name,
		&triggerType,
		&config,
		&trigger.Active,
		&trigger.CreatedAt,
		&trigger.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	trigger.Type = models.TriggerType(triggerType)

	if err := scanJSON(config, &trigger.Config); err != nil {
		return nil, fmt.Errorf("failed to decode trigger config: %w", err)
	}

	return &trigger, nil
}
