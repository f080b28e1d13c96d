package web

import (
	"errors"
	"fmt"

	"github.com/dukex/stepflow/pkg/engine"
	"github.com/dukex/stepflow/pkg/models"
	"github.com/dukex/stepflow/pkg/persistence"
	"github.com/dukex/stepflow/pkg/triggers"
	"github.com/dukex/stepflow/pkg/triggers/schedule"
	"github.com/dukex/stepflow/pkg/triggers/webhook"
	"github.com/gofiber/fiber/v3"
	"github.com/moogar0880/problems"
)

func problem(c fiber.Ctx, status int, kind, detail string) error {
	p := problems.NewStatusProblem(status).
		WithInstance(c.Path()).
		WithType(kind).
		WithDetail(detail)

	return c.Status(status).JSON(p)
}

func badRequest(c fiber.Ctx, detail string) error {
	return problem(c, fiber.StatusBadRequest, "validation_error", detail)
}

func internalError(c fiber.Ctx, err error) error {
	p := problems.NewStatusProblem(fiber.StatusInternalServerError).
		WithInstance(c.Path()).
		WithType("internal_error").
		WithError(err)

	return c.Status(fiber.StatusInternalServerError).JSON(p)
}

func isValidationError(err error) bool {
	for _, target := range []error{
		models.ErrInvalidWorkflow,
		models.ErrInvalidStepConfig,
		models.ErrUnsupportedStepType,
		models.ErrInvalidTriggerConfig,
		models.ErrUnsupportedTriggerType,
		engine.ErrInvalidStep,
		schedule.ErrInvalidCron,
	} {
		if errors.Is(err, target) {
			return true
		}
	}

	return false
}

// handleError maps engine, trigger and persistence errors to problem responses.
func handleError(c fiber.Ctx, err error) error {
	switch {
	case persistence.IsWorkflowNotFound(err):
		return problem(c, fiber.StatusNotFound, "workflow_not_found", "workflow not found")
	case persistence.IsExecutionNotFound(err):
		return problem(c, fiber.StatusNotFound, "execution_not_found", "execution not found")
	case persistence.IsTriggerNotFound(err):
		return problem(c, fiber.StatusNotFound, "trigger_not_found", "trigger not found")
	case isValidationError(err):
		return badRequest(c, err.Error())
	case errors.Is(err, engine.ErrWorkflowInactive):
		return problem(c, fiber.StatusConflict, "workflow_inactive", err.Error())
	case errors.Is(err, engine.ErrExecutionFinished):
		return problem(c, fiber.StatusConflict, "execution_finished", err.Error())
	case errors.Is(err, triggers.ErrEndpointInUse):
		return problem(c, fiber.StatusConflict, "conflict", err.Error())
	case errors.Is(err, engine.ErrEngineStopped):
		return problem(c, fiber.StatusServiceUnavailable, "engine_stopped", err.Error())
	default:
		return internalError(c, err)
	}
}

// webhookStatus picks the HTTP status of a failed webhook call.
func webhookStatus(err error) int {
	switch {
	case errors.Is(err, triggers.ErrEndpointNotFound), persistence.IsWorkflowNotFound(err):
		return fiber.StatusNotFound
	case errors.Is(err, webhook.ErrUnauthorized):
		return fiber.StatusUnauthorized
	case errors.Is(err, webhook.ErrMethodNotAllowed):
		return fiber.StatusMethodNotAllowed
	case errors.Is(err, engine.ErrWorkflowInactive):
		return fiber.StatusConflict
	case isValidationError(err):
		return fiber.StatusUnprocessableEntity
	case errors.Is(err, engine.ErrEngineStopped):
		return fiber.StatusServiceUnavailable
	default:
		return fiber.StatusInternalServerError
	}
}

func wrapInvalid(err error) error {
	return fmt.Errorf("%w: %w", models.ErrInvalidWorkflow, err)
}
