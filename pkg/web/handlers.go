package web

import (
	"bytes"
	"context"
	"net/http"
	"time"

	"github.com/dukex/stepflow/pkg/engine"
	"github.com/dukex/stepflow/pkg/models"
	"github.com/dukex/stepflow/pkg/persistence"
	"github.com/dukex/stepflow/pkg/registry"
	"github.com/dukex/stepflow/pkg/triggers"
	"github.com/dukex/stepflow/pkg/triggers/webhook"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
)

// SourceHeader names the producer of an event posted to /events/:type.
const SourceHeader = "X-Event-Source"

type APIHandlers struct {
	engine      *engine.Engine
	triggers    *triggers.Manager
	persistence persistence.Persistence
	registry    *registry.Registry
	validator   *validator.Validate
}

func NewAPIHandlers(
	eng *engine.Engine,
	manager *triggers.Manager,
	p persistence.Persistence,
	reg *registry.Registry,
	validator *validator.Validate,
) *APIHandlers {
	return &APIHandlers{
		engine:      eng,
		triggers:    manager,
		persistence: p,
		registry:    reg,
		validator:   validator,
	}
}

// Routes mounts every endpoint on app.
func (h *APIHandlers) Routes(app *fiber.App) {
	app.Get("/health", h.HealthCheck)

	w := app.Group("/workflows")
	w.Get("/", h.GetWorkflows)
	w.Post("/", h.CreateWorkflow)
	w.Get("/:id", h.GetWorkflow)
	w.Put("/:id", h.UpdateWorkflow)
	w.Delete("/:id", h.DeleteWorkflow)
	w.Post("/:id/execute", h.ExecuteWorkflow)
	w.Get("/:id/executions", h.GetWorkflowExecutions)

	e := app.Group("/executions")
	e.Get("/:id", h.GetExecution)
	e.Post("/:id/cancel", h.CancelExecution)
	e.Get("/:id/steps", h.GetExecutionSteps)

	t := app.Group("/triggers")
	t.Get("/", h.GetTriggers)
	t.Post("/", h.CreateTrigger)
	t.Delete("/:id", h.DeleteTrigger)

	app.Post("/events/:type", h.PostEvent)
	app.All("/webhooks/*", h.HandleWebhook)
}

func (h *APIHandlers) GetWorkflows(c fiber.Ctx) error {
	workflows, err := h.persistence.WorkflowRepository().GetAll(c.Context())
	if err != nil {
		return handleError(c, err)
	}

	return c.JSON(workflows)
}

func (h *APIHandlers) GetWorkflow(c fiber.Ctx) error {
	workflow, err := h.persistence.WorkflowRepository().GetByID(c.Context(), c.Params("id"))
	if err != nil {
		return handleError(c, err)
	}

	return c.JSON(workflow)
}

func (h *APIHandlers) CreateWorkflow(c fiber.Ctx) error {
	var req WorkflowRequest

	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}

	_, err := h.persistence.WorkflowRepository().GetByID(c.Context(), id)
	if err == nil {
		return problem(c, fiber.StatusConflict, "conflict", "workflow "+id+" already exists")
	}

	if !persistence.IsWorkflowNotFound(err) {
		return handleError(c, err)
	}

	workflow, err := h.saveWorkflow(c.Context(), &req, id)
	if err != nil {
		return handleError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(workflow)
}

// UpdateWorkflow replaces a workflow. Runs already started keep the steps
// they were started with.
func (h *APIHandlers) UpdateWorkflow(c fiber.Ctx) error {
	id := c.Params("id")

	var req WorkflowRequest

	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	_, err := h.persistence.WorkflowRepository().GetByID(c.Context(), id)
	if err != nil {
		return handleError(c, err)
	}

	workflow, err := h.saveWorkflow(c.Context(), &req, id)
	if err != nil {
		return handleError(c, err)
	}

	return c.JSON(workflow)
}

func (h *APIHandlers) saveWorkflow(ctx context.Context, req *WorkflowRequest, id string) (*models.Workflow, error) {
	if err := h.validator.Struct(req); err != nil {
		return nil, wrapInvalid(err)
	}

	workflow := req.Workflow(id)

	if err := workflow.Validate(); err != nil {
		return nil, err
	}

	if err := h.persistence.WorkflowRepository().Save(ctx, workflow); err != nil {
		return nil, err
	}

	return workflow, nil
}

// DeleteWorkflow removes a workflow along with its triggers. Past runs stay.
func (h *APIHandlers) DeleteWorkflow(c fiber.Ctx) error {
	id := c.Params("id")

	_, err := h.persistence.WorkflowRepository().GetByID(c.Context(), id)
	if err != nil {
		return handleError(c, err)
	}

	bound, err := h.triggers.List(c.Context(), id)
	if err != nil {
		return handleError(c, err)
	}

	for _, trigger := range bound {
		if err := h.triggers.Delete(c.Context(), trigger.ID); err != nil {
			return handleError(c, err)
		}
	}

	if err := h.persistence.WorkflowRepository().Delete(c.Context(), id); err != nil {
		return handleError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func (h *APIHandlers) ExecuteWorkflow(c fiber.Ctx) error {
	var req ExecuteWorkflowRequest

	if len(c.Body()) > 0 {
		if err := c.Bind().JSON(&req); err != nil {
			return badRequest(c, "Invalid JSON format")
		}
	}

	executionID, err := h.engine.ExecuteWorkflow(c.Context(), c.Params("id"), req.TriggerData, models.TriggeredByManual)
	if err != nil {
		return handleError(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"execution_id": executionID})
}

func (h *APIHandlers) GetWorkflowExecutions(c fiber.Ctx) error {
	id := c.Params("id")

	_, err := h.persistence.WorkflowRepository().GetByID(c.Context(), id)
	if err != nil {
		return handleError(c, err)
	}

	executions, err := h.engine.ListExecutions(c.Context(), id)
	if err != nil {
		return handleError(c, err)
	}

	return c.JSON(executions)
}

func (h *APIHandlers) GetExecution(c fiber.Ctx) error {
	execution, err := h.engine.GetExecution(c.Context(), c.Params("id"))
	if err != nil {
		return handleError(c, err)
	}

	return c.JSON(execution)
}

func (h *APIHandlers) CancelExecution(c fiber.Ctx) error {
	var req CancelExecutionRequest

	if len(c.Body()) > 0 {
		if err := c.Bind().JSON(&req); err != nil {
			return badRequest(c, "Invalid JSON format")
		}
	}

	id := c.Params("id")

	if err := h.engine.CancelExecution(c.Context(), id, req.Reason); err != nil {
		return handleError(c, err)
	}

	execution, err := h.engine.GetExecution(c.Context(), id)
	if err != nil {
		return handleError(c, err)
	}

	return c.JSON(execution)
}

func (h *APIHandlers) GetExecutionSteps(c fiber.Ctx) error {
	steps, err := h.engine.ListStepExecutions(c.Context(), c.Params("id"))
	if err != nil {
		return handleError(c, err)
	}

	return c.JSON(steps)
}

func (h *APIHandlers) GetTriggers(c fiber.Ctx) error {
	list, err := h.triggers.List(c.Context(), c.Query("workflow_id"))
	if err != nil {
		return handleError(c, err)
	}

	return c.JSON(list)
}

func (h *APIHandlers) CreateTrigger(c fiber.Ctx) error {
	var req CreateTriggerRequest

	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	trigger, err := h.triggers.Create(c.Context(), req.Trigger())
	if err != nil {
		return handleError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(trigger)
}

func (h *APIHandlers) DeleteTrigger(c fiber.Ctx) error {
	if err := h.triggers.Delete(c.Context(), c.Params("id")); err != nil {
		return handleError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

// PostEvent fires the event triggers listening for :type. The body is the
// event data.
func (h *APIHandlers) PostEvent(c fiber.Ctx) error {
	data := map[string]any{}

	if len(c.Body()) > 0 {
		if err := c.Bind().JSON(&data); err != nil {
			return badRequest(c, "Invalid JSON format")
		}
	}

	source := c.Query("source")
	if source == "" {
		source = c.Get(SourceHeader)
	}

	results := h.triggers.HandleEventTrigger(c.Context(), c.Params("type"), data, source)

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"triggered": results})
}

// HandleWebhook routes a call on /webhooks/<endpoint> to its webhook trigger.
func (h *APIHandlers) HandleWebhook(c fiber.Ctx) error {
	headers := http.Header{}

	for key, values := range c.GetReqHeaders() {
		for _, value := range values {
			headers.Add(key, value)
		}
	}

	req := webhook.Request{
		Method:  c.Method(),
		Headers: headers,
		Query:   c.Queries(),
		Body:    bytes.Clone(c.Body()),
	}

	result := h.triggers.HandleWebhookTrigger(c.Context(), "/"+c.Params("*"), req)
	if !result.Success {
		return c.Status(webhookStatus(result.Err)).JSON(result)
	}

	return c.Status(fiber.StatusAccepted).JSON(result)
}

// HealthCheck reports the state of every component; any unhealthy one makes
// the whole check fail.
func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.Context(), 5*time.Second)
	defer cancel()

	checks := fiber.Map{}
	healthy := true

	record := func(name, message string, ok bool) {
		status := "healthy"
		if !ok {
			status = "unhealthy"
			healthy = false
		}

		checks[name] = fiber.Map{"status": status, "message": message}
	}

	if err := h.persistence.HealthCheck(ctx); err != nil {
		record("persistence", err.Error(), false)
	} else {
		record("persistence", "persistence reachable", true)
	}

	message, ok := h.registry.HealthCheck()
	record("registry", message, ok)

	message, ok = h.engine.HealthCheck()
	record("engine", message, ok)

	message, ok = h.triggers.HealthCheck()
	record("triggers", message, ok)

	status := fiber.StatusOK
	overall := "healthy"

	if !healthy {
		status = fiber.StatusServiceUnavailable
		overall = "unhealthy"
	}

	return c.Status(status).JSON(fiber.Map{
		"status":    overall,
		"checks":    checks,
		"timestamp": time.Now().UTC(),
	})
}
