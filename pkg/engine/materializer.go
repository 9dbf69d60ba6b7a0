package engine

import (
	"context"
	"fmt"

	"github.com/dukex/taskflow/pkg/events"
	"github.com/dukex/taskflow/pkg/models"
	"github.com/dukex/taskflow/pkg/persistence"
	"github.com/dukex/taskflow/pkg/template"
	"github.com/google/uuid"
)

func (e *Engine) getRun(ctx context.Context, runID string) (*models.WorkflowRun, error) {
	run, err := persistence.GetAs[models.WorkflowRun](ctx, e.store, persistence.CollectionWorkflowRuns, runID)
	if persistence.IsNotFound(err) {
		return nil, newError("GetWorkflowRun", runID, ErrRunNotFound)
	}

	return run, err
}

func (e *Engine) getTask(ctx context.Context, taskID string) (*models.Task, error) {
	task, err := persistence.GetAs[models.Task](ctx, e.store, persistence.CollectionTasks, taskID)
	if persistence.IsNotFound(err) {
		return nil, newError("GetTask", taskID, ErrTaskNotFound)
	}

	return task, err
}

func (e *Engine) findTasks(ctx context.Context, query persistence.Query) ([]*models.Task, error) {
	return persistence.FindAs[models.Task](ctx, e.store, persistence.CollectionTasks, query)
}

// children returns the direct children of a task in creation order.
func (e *Engine) children(ctx context.Context, parentID string) ([]*models.Task, error) {
	return e.findTasks(ctx, persistence.Query{
		Filter: persistence.Filter{"parentId": parentID},
		SortBy: "createdAt",
	})
}

// latestTask returns the most recently created task matching filter, or nil.
func (e *Engine) latestTask(ctx context.Context, filter persistence.Filter) (*models.Task, error) {
	tasks, err := e.findTasks(ctx, persistence.Query{
		Filter:     filter,
		SortBy:     "createdAt",
		Descending: true,
		Limit:      1,
	})
	if err != nil || len(tasks) == 0 {
		return nil, err
	}

	return tasks[0], nil
}

// latestStepTask returns the newest task of a step in a run, optionally
// restricted to some statuses.
func (e *Engine) latestStepTask(
	ctx context.Context,
	runID, stepID string,
	statuses ...models.TaskStatus,
) (*models.Task, error) {
	filter := persistence.Filter{"workflowRunId": runID, "workflowStepId": stepID}
	if len(statuses) > 0 {
		filter["status"] = statusIn(statuses...)
	}

	return e.latestTask(ctx, filter)
}

func statusIn(statuses ...models.TaskStatus) persistence.In {
	in := make(persistence.In, len(statuses))
	for i, status := range statuses {
		in[i] = string(status)
	}

	return in
}

func typeIn(types ...models.StepType) persistence.In {
	in := make(persistence.In, len(types))
	for i, t := range types {
		in[i] = string(t)
	}

	return in
}

// newTask builds the task of a step execution without storing it.
func (e *Engine) newTask(
	run *models.WorkflowRun,
	step *models.Step,
	parent *models.Task,
	status models.TaskStatus,
	payload map[string]any,
) *models.Task {
	now := e.stamp()
	task := &models.Task{
		ID:             uuid.NewString(),
		Title:          step.Name,
		Description:    step.AdditionalInstructions,
		Status:         status,
		TaskType:       step.Type,
		WorkflowRunID:  run.ID,
		WorkflowStepID: step.ID,
		AssigneeID:     step.DefaultAssigneeID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if parent != nil {
		task.ParentID = parent.ID
	}

	if task.AssigneeID == "" {
		task.AssigneeID = stringDefault(run.TaskDefaults, "assigneeId")
	}

	if step.TitleTemplate != "" {
		task.Title = template.Resolve(step.TitleTemplate, template.Context{
			RunID:      run.ID,
			StepID:     step.ID,
			TaskID:     task.ID,
			WorkflowID: run.WorkflowID,
			Input:      payload,
		})
	}

	if step.Type == models.StepTypeTrigger {
		task.Metadata = persistence.Clone(payload)
	} else {
		task.Metadata = map[string]any{"input": persistence.Clone(payload)}
	}

	if task.Metadata == nil {
		task.Metadata = map[string]any{}
	}

	return task
}

// createTask stores a new task and records its step as current on the run.
func (e *Engine) createTask(ctx context.Context, task *models.Task) error {
	if err := persistence.InsertAs(ctx, e.store, persistence.CollectionTasks, task); err != nil {
		return fmt.Errorf("failed to create task for step %s: %w", task.WorkflowStepID, err)
	}

	_, err := e.store.Update(ctx, persistence.CollectionWorkflowRuns, task.WorkflowRunID, nil, persistence.Patch{
		Set:      map[string]any{"updatedAt": e.stamp()},
		AddToSet: map[string]any{"currentStepIds": task.WorkflowStepID},
	})
	if err != nil {
		return fmt.Errorf("failed to record current step %s: %w", task.WorkflowStepID, err)
	}

	return nil
}

// sourceStatuses lists the statuses a task may move to `to` from.
func sourceStatuses(to models.TaskStatus) []models.TaskStatus {
	var from []models.TaskStatus

	for _, status := range models.ActiveTaskStatuses {
		if models.CanTransition(status, to) {
			from = append(from, status)
		}
	}

	return from
}

// transition moves a task to a new status, applying set in the same write. It
// reports false when the task already left every status the move is allowed
// from, which makes concurrent settles of the same task harmless.
func (e *Engine) transition(
	ctx context.Context,
	task *models.Task,
	to models.TaskStatus,
	set map[string]any,
) (*models.Task, bool, error) {
	now := e.stamp()
	patch := persistence.Patch{Set: map[string]any{"status": to, "updatedAt": now}}

	for key, value := range set {
		patch.Set[key] = value
	}

	if to.IsTerminal() {
		patch.Set["completedAt"] = now
	}

	updated, err := persistence.UpdateAs[models.Task](ctx, e.store, persistence.CollectionTasks, task.ID,
		persistence.Filter{"status": statusIn(sourceStatuses(to)...)}, patch)
	if persistence.IsConditionFailed(err) {
		return task, false, nil
	}

	if err != nil {
		return nil, false, fmt.Errorf("failed to move task %s to %s: %w", task.ID, to, err)
	}

	e.logger.DebugContext(ctx, "Task status changed",
		"task_id", task.ID, "step_id", task.WorkflowStepID, "from", task.Status, "to", to)

	e.publishTaskStatus(ctx, updated)

	return updated, true, nil
}

// publishTaskStatus announces a task status change. Terminal changes of step
// tasks also produce a step event.
func (e *Engine) publishTaskStatus(ctx context.Context, task *models.Task) {
	event := events.NewTaskStatusChanged(e.bus.GenerateID(), task)
	if err := e.bus.Publish(ctx, task.WorkflowRunID, event); err != nil {
		e.logger.ErrorContext(ctx, "Failed to publish task status", "task_id", task.ID, "error", err)
	}

	if task.WorkflowStepID == "" {
		return
	}

	var stepEvent events.EventType

	switch task.Status {
	case models.TaskStatusCompleted:
		stepEvent = events.WorkflowStepCompletedEvent
	case models.TaskStatusFailed:
		stepEvent = events.WorkflowStepFailedEvent
	default:
		return
	}

	run, err := e.getRun(ctx, task.WorkflowRunID)
	if err != nil {
		e.logger.ErrorContext(ctx, "Failed to load run for step event", "task_id", task.ID, "error", err)

		return
	}

	e.publishRunEvent(ctx, stepEvent, run, func(event *events.WorkflowRunEvent) {
		event.StepID = task.WorkflowStepID
		event.TaskID = task.ID
		event.Error = metadataString(task.Metadata, "error")
	})
}

func (e *Engine) publishRunEvent(
	ctx context.Context,
	eventType events.EventType,
	run *models.WorkflowRun,
	mutate func(*events.WorkflowRunEvent),
) {
	event := events.NewWorkflowRunEvent(e.bus.GenerateID(), eventType, run)
	if mutate != nil {
		mutate(event)
	}

	if err := e.bus.Publish(ctx, run.ID, event); err != nil {
		e.logger.ErrorContext(ctx, "Failed to publish run event",
			"workflow_run_id", run.ID, "event_type", eventType, "error", err)
	}
}

func metadataString(metadata map[string]any, key string) string {
	value, _ := metadata[key].(string)

	return value
}
