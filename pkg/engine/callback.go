package engine

import (
	"context"
	"crypto/subtle"
	"fmt"
	"strings"

	"github.com/dukex/taskflow/pkg/models"
	"github.com/dukex/taskflow/pkg/otelhelper"
	"github.com/dukex/taskflow/pkg/pathexpr"
	"github.com/dukex/taskflow/pkg/persistence"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// CallbackSecretHeader carries the callback secret. It is never written to the audit log.
const CallbackSecretHeader = "X-Callback-Secret"

const workflowUpdateKey = "workflowUpdate"

// RequestInfo describes the inbound HTTP request of a callback for auditing.
type RequestInfo struct {
	URL     string
	Method  string
	Headers map[string]string
}

// CallbackResult reports what a callback did to its target task.
type CallbackResult struct {
	TaskID        string          `json:"taskId"`
	TaskType      models.StepType `json:"taskType"`
	ChildTaskIDs  []string        `json:"childTaskIds"`
	ReceivedCount int             `json:"receivedCount"`
	ExpectedCount int             `json:"expectedCount"`
	IsComplete    bool            `json:"isComplete"`
}

// callbackShape is a callback payload split into items and stream control.
type callbackShape struct {
	items    []any
	value    any
	total    *int
	complete bool
}

// shapeOf detects the payload shape: an explicit item, an items batch, or the
// whole payload without workflowUpdate as a single item.
func shapeOf(payload map[string]any) callbackShape {
	var shape callbackShape

	if update, ok := payload[workflowUpdateKey].(map[string]any); ok {
		if total, ok := pathexpr.ToInt(update["total"]); ok {
			shape.total = &total
		}

		shape.complete, _ = update["complete"].(bool)
	}

	if item, ok := payload["item"]; ok {
		shape.items = []any{item}
		shape.value = item

		return shape
	}

	if items, ok := pathexpr.GetSlice(payload, "items"); ok {
		shape.items = items
		shape.value = items

		return shape
	}

	rest := make(map[string]any, len(payload))

	for key, value := range payload {
		if key != workflowUpdateKey {
			rest[key] = value
		}
	}

	if len(rest) > 0 {
		shape.items = []any{rest}
	}

	shape.value = rest

	return shape
}

// HandleCallback routes an inbound external callback to the waiting task of
// (run, step). Foreach tasks receive items and spawn children; any other task
// stores the payload and completes. Every attempt is audited on the task.
func (e *Engine) HandleCallback(
	ctx context.Context,
	runID, stepID string,
	payload map[string]any,
	secret string,
	info RequestInfo,
) (*CallbackResult, error) {
	ctx, span := e.tracer.Start(ctx, "engine.handle_callback", trace.WithAttributes(
		attribute.String(otelhelper.RunIDKey, runID),
		attribute.String(otelhelper.StepIDKey, stepID),
	))
	defer span.End()

	result, err := e.handleCallback(ctx, runID, stepID, payload, secret, info)
	if err != nil {
		otelhelper.SetError(span, err)
		e.logger.WarnContext(ctx, "Callback rejected", "workflow_run_id", runID, "step_id", stepID, "error", err)

		return nil, err
	}

	return result, nil
}

func (e *Engine) handleCallback(
	ctx context.Context,
	runID, stepID string,
	payload map[string]any,
	secret string,
	info RequestInfo,
) (*CallbackResult, error) {
	run, err := e.getRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	if payload == nil {
		payload = map[string]any{}
	}

	audit := e.newAuditEntry(info, payload)

	task, err := e.latestStepTask(ctx, runID, stepID, models.TaskStatusWaiting, models.TaskStatusInProgress)
	if err != nil {
		return nil, err
	}

	if task == nil || run.Status != models.RunStatusRunning {
		cause := ErrNoWaitingTask
		if run.Status != models.RunStatusRunning {
			cause = ErrRunNotRunning
		}

		if task == nil {
			task, err = e.latestStepTask(ctx, runID, stepID)
			if err != nil {
				return nil, err
			}
		}

		if task != nil {
			e.appendAudit(ctx, task.ID, failedEntry(audit, cause))
		}

		return nil, newError("HandleCallback", runID+"/"+stepID, cause)
	}

	def, err := e.definitions.Get(ctx, run.WorkflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to load definition %s: %w", run.WorkflowID, err)
	}

	step, ok := def.Step(stepID)
	if !ok {
		return nil, newError("HandleCallback", stepID, ErrStepNotFound)
	}

	if !e.authenticate(ctx, run, def, step, task, secret) {
		e.appendAudit(ctx, task.ID, failedEntry(audit, ErrInvalidCallbackSecret))

		return nil, newError("HandleCallback", task.ID, ErrInvalidCallbackSecret)
	}

	shape := shapeOf(payload)

	if task.TaskType == models.StepTypeForeach {
		return e.feedForeach(ctx, run, def, step, task, shape, audit)
	}

	completed, changed, err := e.transition(ctx, task, models.TaskStatusCompleted, map[string]any{
		"metadata.callbackPayload": shape.value,
	})
	if err != nil {
		return nil, err
	}

	if !changed {
		e.appendAudit(ctx, task.ID, failedEntry(audit, ErrNoWaitingTask))

		return nil, newError("HandleCallback", task.ID, ErrNoWaitingTask)
	}

	audit.ItemCount = len(shape.items)
	e.appendAudit(ctx, task.ID, audit)

	e.logger.InfoContext(ctx, "Callback completed task",
		"workflow_run_id", run.ID, "step_id", stepID, "task_id", task.ID, "task_type", task.TaskType)

	return &CallbackResult{
		TaskID:        completed.ID,
		TaskType:      completed.TaskType,
		ChildTaskIDs:  []string{},
		ReceivedCount: len(shape.items),
		IsComplete:    true,
	}, nil
}

// feedForeach spawns one set of children per received item and updates the
// stream counters. The foreach itself completes once its children settle.
func (e *Engine) feedForeach(
	ctx context.Context,
	run *models.WorkflowRun,
	def *models.WorkflowDefinition,
	step *models.Step,
	task *models.Task,
	shape callbackShape,
	audit *models.CallbackRequest,
) (*CallbackResult, error) {
	unlock := e.locks.Lock("run:" + run.ID)
	defer unlock()

	patch := persistence.Patch{
		Set: map[string]any{"updatedAt": e.stamp()},
		Inc: map[string]int64{"batchCounters.receivedCount": int64(len(shape.items))},
	}

	if shape.total != nil {
		patch.Set["batchCounters.expectedCount"] = *shape.total
	}

	if shape.complete {
		patch.Set["foreachConfig.streamComplete"] = true
	}

	foreach, err := persistence.UpdateAs[models.Task](ctx, e.store, persistence.CollectionTasks, task.ID,
		persistence.Filter{"status": statusIn(models.ActiveTaskStatuses...)}, patch)
	if persistence.IsConditionFailed(err) {
		e.appendAudit(ctx, task.ID, failedEntry(audit, ErrNoWaitingTask))

		return nil, newError("HandleCallback", task.ID, ErrNoWaitingTask)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to record callback items on %s: %w", task.ID, err)
	}

	var received, expected int
	if foreach.BatchCounters != nil {
		received = foreach.BatchCounters.ReceivedCount
		expected = foreach.BatchCounters.ExpectedCount
	}

	total := expected
	if total == 0 {
		total = received
	}

	input, _ := foreach.Metadata["input"].(map[string]any)

	childIDs, spawnErr := e.spawnItems(ctx, run, def, foreach, childSteps(def, step),
		input, shape.items, received-len(shape.items), total)

	audit.ItemCount = len(shape.items)
	audit.CreatedChildTaskIDs = childIDs

	if spawnErr != nil {
		e.appendAudit(ctx, task.ID, failedEntry(audit, spawnErr))

		return nil, fmt.Errorf("failed to spawn callback items: %w", spawnErr)
	}

	e.appendAudit(ctx, task.ID, audit)

	complete := shape.complete || (expected > 0 && received >= expected)
	if complete {
		if err := e.reconcileForeach(ctx, run, def, foreach); err != nil {
			e.logger.ErrorContext(ctx, "Failed to reconcile foreach after callback", "task_id", task.ID, "error", err)
		}
	}

	e.logger.InfoContext(ctx, "Callback fed foreach",
		"workflow_run_id", run.ID, "task_id", task.ID, "items", len(shape.items),
		"received_count", received, "expected_count", expected, "complete", complete)

	if childIDs == nil {
		childIDs = []string{}
	}

	return &CallbackResult{
		TaskID:        foreach.ID,
		TaskType:      foreach.TaskType,
		ChildTaskIDs:  childIDs,
		ReceivedCount: received,
		ExpectedCount: expected,
		IsComplete:    complete,
	}, nil
}

// authenticate accepts the task's own secret, the run secret, or for foreach
// tasks the secret of the preceding external step once it completed.
func (e *Engine) authenticate(
	ctx context.Context,
	run *models.WorkflowRun,
	def *models.WorkflowDefinition,
	step *models.Step,
	task *models.Task,
	secret string,
) bool {
	if secret == "" {
		return false
	}

	if task.ExternalConfig != nil && secretsEqual(task.ExternalConfig.CallbackSecret, secret) {
		return true
	}

	if secretsEqual(run.CallbackSecret, secret) {
		return true
	}

	if task.TaskType != models.StepTypeForeach {
		return false
	}

	for _, predecessor := range def.Predecessors(step.ID) {
		if predecessor.Type != models.StepTypeExternal {
			continue
		}

		external, err := e.latestStepTask(ctx, run.ID, predecessor.ID, models.TaskStatusCompleted)
		if err != nil {
			e.logger.WarnContext(ctx, "Failed to load preceding external task", "step_id", predecessor.ID, "error", err)

			continue
		}

		if external != nil && external.ExternalConfig != nil &&
			secretsEqual(external.ExternalConfig.CallbackSecret, secret) {
			return true
		}
	}

	return false
}

func secretsEqual(expected, given string) bool {
	return expected != "" && subtle.ConstantTimeCompare([]byte(expected), []byte(given)) == 1
}

func (e *Engine) newAuditEntry(info RequestInfo, body map[string]any) *models.CallbackRequest {
	headers := make(map[string]string, len(info.Headers))

	for name, value := range info.Headers {
		if strings.EqualFold(name, CallbackSecretHeader) {
			continue
		}

		headers[name] = value
	}

	return &models.CallbackRequest{
		ID:         uuid.NewString(),
		ReceivedAt: e.stamp(),
		URL:        info.URL,
		Method:     info.Method,
		Headers:    headers,
		Body:       body,
		Outcome:    models.CallbackOutcomeSuccess,
	}
}

// failedEntry is a copy of entry recording a rejection.
func failedEntry(entry *models.CallbackRequest, err error) *models.CallbackRequest {
	failed := *entry
	failed.Outcome = models.CallbackOutcomeFailed
	failed.Error = err.Error()

	return &failed
}

func (e *Engine) appendAudit(ctx context.Context, taskID string, entry *models.CallbackRequest) {
	_, err := e.store.Update(ctx, persistence.CollectionTasks, taskID, nil, persistence.Patch{
		Push: map[string]any{"callbackRequests": entry},
	})
	if err != nil {
		e.logger.ErrorContext(ctx, "Failed to append callback audit entry", "task_id", taskID, "error", err)
	}
}
