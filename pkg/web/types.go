// Package web serves the management API and the webhook endpoints.
package web

import "github.com/dukex/stepflow/pkg/models"

// WorkflowRequest is the body of workflow create and replace calls.
type WorkflowRequest struct {
	ID          string         `json:"id,omitempty"`
	Name        string         `json:"name"                validate:"required,min=3"`
	Description string         `json:"description"`
	Active      *bool          `json:"active,omitempty"`
	Variables   map[string]any `json:"variables,omitempty"`
	Steps       []*models.Step `json:"steps"               validate:"dive"`
}

// Workflow builds the model; Active defaults to true.
func (r *WorkflowRequest) Workflow(id string) *models.Workflow {
	active := true
	if r.Active != nil {
		active = *r.Active
	}

	return &models.Workflow{
		ID:          id,
		Name:        r.Name,
		Description: r.Description,
		Active:      active,
		Variables:   r.Variables,
		Steps:       r.Steps,
	}
}

type ExecuteWorkflowRequest struct {
	TriggerData map[string]any `json:"trigger_data,omitempty"`
}

type CancelExecutionRequest struct {
	Reason string `json:"reason,omitempty"`
}

// CreateTriggerRequest is the body of POST /triggers.
type CreateTriggerRequest struct {
	WorkflowID string         `json:"workflow_id"      validate:"required"`
	Type       string         `json:"type"             validate:"required,oneof=SCHEDULE WEBHOOK EVENT"`
	Config     map[string]any `json:"config"           validate:"required"`
	Name       string         `json:"name,omitempty"`
	Active     *bool          `json:"active,omitempty"`
}

func (r *CreateTriggerRequest) Trigger() *models.Trigger {
	active := true
	if r.Active != nil {
		active = *r.Active
	}

	return &models.Trigger{
		WorkflowID: r.WorkflowID,
		Name:       r.Name,
		Type:       models.TriggerType(r.Type),
		Config:     r.Config,
		Active:     active,
	}
}
