package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/dukex/taskflow/pkg/events"
	"github.com/dukex/taskflow/pkg/models"
	"github.com/dukex/taskflow/pkg/otelhelper"
	"github.com/dukex/taskflow/pkg/outbound"
	"github.com/dukex/taskflow/pkg/persistence"
	"github.com/dukex/taskflow/pkg/template"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// initialStatus is the status a step's task is created with.
func initialStatus(stepType models.StepType) models.TaskStatus {
	switch stepType {
	case models.StepTypeForeach, models.StepTypeJoin:
		return models.TaskStatusWaiting
	case models.StepTypeAgent, models.StepTypeManual, models.StepTypeFlow:
		return models.TaskStatusPending
	default:
		return models.TaskStatusInProgress
	}
}

// Execute materializes the task of a step under parent and performs the
// step's side effects. It returns the task as last persisted.
func (e *Engine) Execute(
	ctx context.Context,
	run *models.WorkflowRun,
	def *models.WorkflowDefinition,
	step *models.Step,
	parent *models.Task,
	payload map[string]any,
) (*models.Task, error) {
	return e.execute(ctx, run, def, step, parent, payload, nil)
}

// execute is Execute with the task a join step awaits already known. A nil
// await lets the join resolve it from the run.
func (e *Engine) execute(
	ctx context.Context,
	run *models.WorkflowRun,
	def *models.WorkflowDefinition,
	step *models.Step,
	parent *models.Task,
	payload map[string]any,
	await *models.Task,
) (*models.Task, error) {
	ctx, span := e.tracer.Start(ctx, "engine.execute_step", trace.WithAttributes(
		attribute.String(otelhelper.RunIDKey, run.ID),
		attribute.String(otelhelper.StepIDKey, step.ID),
		attribute.String(otelhelper.StepTypeKey, string(step.Type)),
	))
	defer span.End()

	if payload == nil {
		payload = map[string]any{}
	}

	task := e.newTask(run, step, parent, initialStatus(step.Type), payload)

	if cfg, ok := step.Config.(models.CallConfig); ok {
		task.WebhookConfig = &models.WebhookState{
			URL:      cfg.URL,
			Method:   cfg.Method,
			Mode:     cfg.Mode,
			Attempts: []*models.WebhookAttempt{},
		}

		if step.Type == models.StepTypeExternal || cfg.Mode == models.CallModeCallback {
			task.ExternalConfig = &models.ExternalState{CallbackSecret: newSecret()}
		}
	}

	if cfg, ok := step.Config.(models.FlowConfig); ok && cfg.WorkflowID != "" {
		task.Metadata["flowWorkflowId"] = cfg.WorkflowID
	}

	if err := e.createTask(ctx, task); err != nil {
		otelhelper.SetError(span, err)

		return nil, err
	}

	span.SetAttributes(attribute.String(otelhelper.TaskIDKey, task.ID))

	e.logger.InfoContext(ctx, "Executing step",
		"workflow_run_id", run.ID, "step_id", step.ID, "step_type", step.Type, "task_id", task.ID)

	e.publishRunEvent(ctx, events.WorkflowStepStartedEvent, run, func(event *events.WorkflowRunEvent) {
		event.StepID = step.ID
		event.TaskID = task.ID
	})

	var err error

	switch step.Type {
	case models.StepTypeTrigger:
		task, _, err = e.transition(ctx, task, models.TaskStatusCompleted, nil)
	case models.StepTypeAgent, models.StepTypeManual, models.StepTypeFlow:
		// Completion arrives through the task status hook.
	case models.StepTypeExternal, models.StepTypeWebhook:
		task, err = e.executeCall(ctx, run, def, step, task, payload)
	case models.StepTypeDecision:
		task, err = e.executeDecision(ctx, run, def, step, task, payload)
	case models.StepTypeForeach:
		task, err = e.executeForeach(ctx, run, def, step, task, payload)
	case models.StepTypeJoin:
		task, err = e.executeJoin(ctx, run, step, task, payload, await)
	default:
		err = fmt.Errorf("%w: unsupported step type %q", ErrStepNotFound, step.Type)
	}

	if err != nil {
		otelhelper.SetError(span, err)

		return task, fmt.Errorf("failed to execute step %s: %w", step.ID, err)
	}

	return task, nil
}

// callContext is the template context of an outbound call.
func (e *Engine) callContext(
	run *models.WorkflowRun,
	def *models.WorkflowDefinition,
	step *models.Step,
	task *models.Task,
	payload map[string]any,
) template.Context {
	secret := run.CallbackSecret
	if task.ExternalConfig != nil {
		secret = task.ExternalConfig.CallbackSecret
	}

	ctx := template.Context{
		BaseURL:        e.config.CallbackBaseURL,
		RunID:          run.ID,
		StepID:         step.ID,
		TaskID:         task.ID,
		WorkflowID:     run.WorkflowID,
		CallbackSecret: secret,
		Input:          payload,
	}

	for _, conn := range step.Connections {
		if next, ok := def.Step(conn.TargetStepID); ok && next.Type == models.StepTypeForeach {
			ctx.NextForeachStepID = next.ID

			break
		}
	}

	return ctx
}

func (e *Engine) buildRequest(cfg models.CallConfig, tctx template.Context) (outbound.Request, error) {
	body, err := template.ResolveBody(cfg.Body, tctx)
	if err != nil {
		return outbound.Request{}, fmt.Errorf("failed to resolve request body: %w", err)
	}

	timeout := e.config.HTTPTimeout
	if cfg.TimeoutMs > 0 {
		timeout = time.Duration(cfg.TimeoutMs) * time.Millisecond
	}

	return outbound.Request{
		URL:        template.Resolve(cfg.URL, tctx),
		Method:     cfg.Method,
		Headers:    template.ResolveHeaders(cfg.Headers, tctx),
		Body:       body,
		Timeout:    timeout,
		Retries:    cfg.RetryCount,
		RetryDelay: time.Duration(cfg.RetryDelayMs) * time.Millisecond,
		IsSuccess:  cfg.IsSuccess,
	}, nil
}

// executeCall issues the outbound call of an external or webhook step. In
// complete mode the response settles the task. In callback mode the call runs
// in the background and the task waits for an inbound callback.
func (e *Engine) executeCall(
	ctx context.Context,
	run *models.WorkflowRun,
	def *models.WorkflowDefinition,
	step *models.Step,
	task *models.Task,
	payload map[string]any,
) (*models.Task, error) {
	cfg, _ := step.Config.(models.CallConfig)
	logger := e.logger.With("workflow_run_id", run.ID, "step_id", step.ID, "task_id", task.ID)

	req, err := e.buildRequest(cfg, e.callContext(run, def, step, task, payload))
	if err != nil {
		updated, _, terr := e.transition(ctx, task, models.TaskStatusFailed, map[string]any{"metadata.error": err.Error()})
		if terr != nil {
			return task, terr
		}

		return updated, nil
	}

	_, err = e.store.Update(ctx, persistence.CollectionTasks, task.ID, nil, persistence.Patch{
		Set: map[string]any{"webhookConfig.url": req.URL},
	})
	if err != nil {
		return task, fmt.Errorf("failed to record resolved url: %w", err)
	}

	if cfg.Mode == models.CallModeCallback {
		e.background.Add(1)

		go func() {
			defer e.background.Done()

			bgCtx := context.WithoutCancel(ctx)
			result := e.caller.Do(bgCtx, req)

			if err := e.recordAttempts(bgCtx, task.ID, result); err != nil {
				logger.ErrorContext(bgCtx, "Failed to record callback-mode attempts", "error", err)
			}

			if result.Err != nil {
				logger.WarnContext(bgCtx, "Callback-mode call failed, waiting for callback anyway", "error", result.Err)
			}
		}()

		return task, nil
	}

	result := e.caller.Do(ctx, req)
	if err := e.recordAttempts(ctx, task.ID, result); err != nil {
		return task, err
	}

	if result.Succeeded() {
		updated, _, err := e.transition(ctx, task, models.TaskStatusCompleted, map[string]any{
			"metadata.response": result.Response,
		})

		return updated, err
	}

	logger.WarnContext(ctx, "Outbound call failed", "error", result.Err, "attempts", len(result.Attempts))

	message := "no response"
	if result.Err != nil {
		message = result.Err.Error()
	}

	set := map[string]any{"metadata.error": message}
	if result.Response != nil {
		set["metadata.response"] = result.Response
	}

	updated, _, err := e.transition(ctx, task, models.TaskStatusFailed, set)

	return updated, err
}

func (e *Engine) recordAttempts(ctx context.Context, taskID string, result *outbound.Result) error {
	if len(result.Attempts) == 0 {
		return nil
	}

	attempts := make(persistence.Each, len(result.Attempts))
	for i, attempt := range result.Attempts {
		attempts[i] = attempt
	}

	_, err := e.store.Update(ctx, persistence.CollectionTasks, taskID, nil, persistence.Patch{
		Set:  map[string]any{"updatedAt": e.stamp()},
		Push: map[string]any{"webhookConfig.attempts": attempts},
	})
	if err != nil {
		return fmt.Errorf("failed to record attempts of task %s: %w", taskID, err)
	}

	return nil
}
