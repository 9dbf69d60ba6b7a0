package web

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/dukex/taskflow/pkg/engine"
	"github.com/dukex/taskflow/pkg/persistence"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
)

type APIHandlers struct {
	engine    *engine.Engine
	store     persistence.DocumentStore
	validator *validator.Validate
}

func NewAPIHandlers(
	eng *engine.Engine,
	store persistence.DocumentStore,
	validate *validator.Validate,
) *APIHandlers {
	return &APIHandlers{
		engine:    eng,
		store:     store,
		validator: validate,
	}
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	status := "healthy"
	message := "Taskflow is healthy"
	httpStatus := http.StatusOK
	storeCheck := "ok"

	if err := h.store.HealthCheck(c.Context()); err != nil {
		status = "unhealthy"
		message = "Taskflow is unhealthy"
		httpStatus = http.StatusInternalServerError
		storeCheck = err.Error()
	}

	return c.Status(httpStatus).JSON(fiber.Map{
		"status":  status,
		"message": message,
		"checkers": fiber.Map{
			"store": storeCheck,
		},
		"timestamp": time.Now().UTC(),
	})
}

func (h *APIHandlers) StartRun(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Workflow ID is required")
	}

	var req StartRunRequest
	if len(c.Body()) > 0 {
		if err := c.Bind().JSON(&req); err != nil {
			return badRequest(c, "Invalid JSON format")
		}
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	run, err := h.engine.StartWorkflow(c.Context(), engine.StartRequest{
		WorkflowID:   id,
		InputPayload: req.InputPayload,
		TaskDefaults: req.TaskDefaults,
		ActorID:      req.ActorID,
		ActorType:    req.ActorType,
	})
	if err != nil {
		return handleEngineError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(run)
}

func (h *APIHandlers) GetRun(c fiber.Ctx) error {
	run, err := h.engine.GetWorkflowRun(c.Context(), c.Params("runId"))
	if err != nil {
		return handleEngineError(c, err)
	}

	return c.JSON(run)
}

func (h *APIHandlers) GetRunTasks(c fiber.Ctx) error {
	tasks, err := h.engine.RunTasks(c.Context(), c.Params("runId"))
	if err != nil {
		return handleEngineError(c, err)
	}

	return c.JSON(TasksResponse{Tasks: tasks, Total: len(tasks)})
}

func (h *APIHandlers) CancelRun(c fiber.Ctx) error {
	var req CancelRunRequest
	if len(c.Body()) > 0 {
		if err := c.Bind().JSON(&req); err != nil {
			return badRequest(c, "Invalid JSON format")
		}
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	run, err := h.engine.CancelWorkflowRun(c.Context(), c.Params("runId"), engine.Actor{ID: req.ActorID, Type: req.ActorType})
	if err != nil {
		return handleEngineError(c, err)
	}

	return c.JSON(run)
}

// Callback accepts an external system's result for a waiting step. The secret
// comes from the X-Callback-Secret header or the secret query parameter.
func (h *APIHandlers) Callback(c fiber.Ctx) error {
	payload := map[string]any{}

	if body := c.Body(); len(body) > 0 {
		if err := json.Unmarshal(body, &payload); err != nil {
			return badRequest(c, "Callback body must be a JSON object")
		}
	}

	secret := c.Get(engine.CallbackSecretHeader)
	if secret == "" {
		secret = c.Query("secret")
	}

	info := engine.RequestInfo{
		URL:     c.Path(),
		Method:  c.Method(),
		Headers: flattenHeaders(c.GetReqHeaders()),
	}

	result, err := h.engine.HandleCallback(c.Context(), c.Params("runId"), c.Params("stepId"), payload, secret, info)
	if err != nil {
		return handleEngineError(c, err)
	}

	return c.JSON(result)
}

func (h *APIHandlers) RerunJoin(c fiber.Ctx) error {
	satisfied, err := h.engine.RerunJoin(c.Context(), c.Params("runId"), c.Params("taskId"))
	if err != nil {
		return handleEngineError(c, err)
	}

	return c.JSON(RerunJoinResponse{Satisfied: satisfied})
}

func (h *APIHandlers) UpdateTaskStatus(c fiber.Ctx) error {
	var req UpdateTaskStatusRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	task, err := h.engine.UpdateTaskStatus(c.Context(), c.Params("id"), req.Status, req.Output)
	if err != nil {
		return handleEngineError(c, err)
	}

	return c.JSON(task)
}

func flattenHeaders(headers map[string][]string) map[string]string {
	out := make(map[string]string, len(headers))

	for name, values := range headers {
		out[name] = strings.Join(values, ", ")
	}

	return out
}
