package engine

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/dukex/taskflow/pkg/condition"
	"github.com/dukex/taskflow/pkg/events"
	"github.com/dukex/taskflow/pkg/models"
	"github.com/dukex/taskflow/pkg/otelhelper"
	"github.com/dukex/taskflow/pkg/pathexpr"
	"github.com/dukex/taskflow/pkg/persistence"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

const (
	inputPathAll        = "all"
	inputPathAllResults = "allResults"
	inputPathSteps      = "steps."
	inputPathJoin       = "join"
	inputPathExternal   = "external"
)

// HandleTaskEvent advances a run after one of its tasks completed or failed.
// Redelivered events are skipped by their dedup key. Events for tasks outside
// a workflow, non-terminal statuses and runs that left running are ignored.
func (e *Engine) HandleTaskEvent(ctx context.Context, event *events.TaskStatusChanged) error {
	if event.WorkflowRunID == "" || event.WorkflowStepID == "" {
		return nil
	}

	if event.Status != models.TaskStatusCompleted && event.Status != models.TaskStatusFailed {
		return nil
	}

	logger := e.logger.With("workflow_run_id", event.WorkflowRunID, "step_id", event.WorkflowStepID, "task_id", event.TaskID)

	seen, err := e.dedup.MarkSeen(ctx, event.DedupKey())
	if err != nil {
		logger.WarnContext(ctx, "Dedup store unavailable, advancing anyway", "error", err)
	} else if seen {
		logger.DebugContext(ctx, "Skipping duplicate task event", "status", event.Status)

		return nil
	}

	ctx, span := e.tracer.Start(ctx, "engine.advance", trace.WithAttributes(
		attribute.String(otelhelper.RunIDKey, event.WorkflowRunID),
		attribute.String(otelhelper.StepIDKey, event.WorkflowStepID),
		attribute.String(otelhelper.TaskIDKey, event.TaskID),
	))
	defer span.End()

	unlock := e.locks.Lock("run:" + event.WorkflowRunID)
	defer unlock()

	if err := e.advance(ctx, event); err != nil {
		otelhelper.SetError(span, err)

		return err
	}

	return nil
}

func (e *Engine) advance(ctx context.Context, event *events.TaskStatusChanged) error {
	run, err := e.getRun(ctx, event.WorkflowRunID)
	if err != nil {
		return err
	}

	if run.Status != models.RunStatusRunning {
		return nil
	}

	task, err := e.getTask(ctx, event.TaskID)
	if err != nil {
		return err
	}

	if task.Status != models.TaskStatusCompleted && task.Status != models.TaskStatusFailed {
		return nil
	}

	def, err := e.definitions.Get(ctx, run.WorkflowID)
	if err != nil {
		return fmt.Errorf("failed to load definition %s: %w", run.WorkflowID, err)
	}

	step, ok := def.Step(task.WorkflowStepID)
	if !ok {
		return newError("advance", task.WorkflowStepID, ErrStepNotFound)
	}

	if err := e.recheckJoinsAwaiting(ctx, task); err != nil {
		return err
	}

	foreach, err := e.foreachAncestor(ctx, run, task)
	if err != nil {
		return err
	}

	if foreach != nil {
		return e.reconcileForeach(ctx, run, def, foreach)
	}

	if task.Status == models.TaskStatusFailed {
		if task.TaskType == models.StepTypeDecision {
			return e.endBranch(ctx, run, task)
		}

		e.failRun(ctx, run.ID, step.ID, task.ID,
			fmt.Sprintf("step %s failed (task %s): %s", step.ID, task.ID, metadataString(task.Metadata, "error")))

		return nil
	}

	if err := e.recordProgress(ctx, run.ID, step, task); err != nil {
		return err
	}

	switch task.TaskType {
	case models.StepTypeDecision:
		return nil
	case models.StepTypeForeach:
		join, err := e.latestTask(ctx, persistence.Filter{
			"workflowRunId":          run.ID,
			"joinConfig.awaitTaskId": task.ID,
		})
		if err != nil || join != nil {
			return err
		}
	}

	next, err := e.nextSteps(ctx, def, step, task)
	if err != nil {
		return err
	}

	if task.ForeachConfig != nil {
		next = slices.DeleteFunc(next, func(candidate *models.Step) bool {
			return candidate.Type == models.StepTypeJoin || slices.Contains(task.ForeachConfig.ChildStepIDs, candidate.ID)
		})
	}

	if len(next) == 0 {
		return e.endBranch(ctx, run, task)
	}

	root, err := e.getTask(ctx, run.RootTaskID)
	if err != nil {
		return err
	}

	base := advancementInput(task)

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(e.config.MaxParallel)

	for _, nextStep := range next {
		joined, err := e.alreadyJoining(ctx, nextStep, task)
		if err != nil {
			return err
		}

		if joined {
			continue
		}

		input := e.narrowInput(groupCtx, run.ID, nextStep, base)

		group.Go(func() error {
			_, err := e.Execute(groupCtx, run, def, nextStep, root, input)

			return err
		})
	}

	return group.Wait()
}

// foreachAncestor returns the nearest foreach task above task, below the root.
func (e *Engine) foreachAncestor(ctx context.Context, run *models.WorkflowRun, task *models.Task) (*models.Task, error) {
	parentID := task.ParentID

	for parentID != "" && parentID != run.RootTaskID {
		parent, err := e.getTask(ctx, parentID)
		if err != nil {
			return nil, err
		}

		if parent.TaskType == models.StepTypeForeach {
			return parent, nil
		}

		parentID = parent.ParentID
	}

	return nil, nil
}

// recheckJoinsAwaiting re-evaluates joins that await task directly, such as a
// join on an external step.
func (e *Engine) recheckJoinsAwaiting(ctx context.Context, task *models.Task) error {
	if task.TaskType == models.StepTypeForeach {
		return nil
	}

	joins, err := e.findTasks(ctx, persistence.Query{Filter: persistence.Filter{
		"workflowRunId":          task.WorkflowRunID,
		"joinConfig.awaitTaskId": task.ID,
		"status":                 statusIn(models.ActiveTaskStatuses...),
	}})
	if err != nil {
		return err
	}

	for _, join := range joins {
		if _, err := e.CheckJoinCondition(ctx, join.ID, task.ID); err != nil {
			return err
		}
	}

	return nil
}

// alreadyJoining reports whether step is a join that already awaits task,
// created before task settled.
func (e *Engine) alreadyJoining(ctx context.Context, step *models.Step, task *models.Task) (bool, error) {
	if step.Type != models.StepTypeJoin {
		return false, nil
	}

	join, err := e.latestTask(ctx, persistence.Filter{
		"workflowRunId":          task.WorkflowRunID,
		"workflowStepId":         step.ID,
		"joinConfig.awaitTaskId": task.ID,
	})

	return join != nil, err
}

// recordProgress moves a completed step from current to completed on the run.
// A foreach takes its per-item steps along.
func (e *Engine) recordProgress(ctx context.Context, runID string, step *models.Step, task *models.Task) error {
	stepIDs := persistence.Each{step.ID}

	if task.ForeachConfig != nil {
		for _, childStepID := range task.ForeachConfig.ChildStepIDs {
			stepIDs = append(stepIDs, childStepID)
		}
	}

	_, err := e.store.Update(ctx, persistence.CollectionWorkflowRuns, runID, nil, persistence.Patch{
		Set:      map[string]any{"updatedAt": e.stamp()},
		AddToSet: map[string]any{"completedStepIds": stepIDs},
		Pull:     map[string]any{"currentStepIds": stepIDs},
	})
	if err != nil {
		return fmt.Errorf("failed to record progress of step %s: %w", step.ID, err)
	}

	return nil
}

// nextSteps resolves the steps following a completed task: its connections
// whose condition matches, else the next step in declaration order unless a
// connection already leads there. A join with neither continues with the
// connections of the foreach it joined, except the join and the per-item steps.
func (e *Engine) nextSteps(
	ctx context.Context,
	def *models.WorkflowDefinition,
	step *models.Step,
	task *models.Task,
) ([]*models.Step, error) {
	var next []*models.Step

	input := advancementInput(task)

	for _, conn := range step.Connections {
		if conn.Condition != "" {
			matched, err := condition.Evaluate(conn.Condition, input)
			if err != nil {
				e.logger.WarnContext(ctx, "Connection condition failed to evaluate",
					"step_id", step.ID, "condition", conn.Condition, "error", err)

				continue
			}

			if !matched {
				continue
			}
		}

		if target, ok := def.Step(conn.TargetStepID); ok {
			next = append(next, target)
		}
	}

	if len(step.Connections) > 0 {
		return next, nil
	}

	if index := def.StepIndex(step.ID); index >= 0 && index+1 < len(def.Steps) {
		following := def.Steps[index+1]
		if len(def.Predecessors(following.ID)) == 0 {
			return []*models.Step{following}, nil
		}
	}

	if task.TaskType != models.StepTypeJoin || task.JoinConfig == nil {
		return nil, nil
	}

	foreach, err := e.getTask(ctx, task.JoinConfig.AwaitTaskID)
	if err != nil {
		return nil, err
	}

	foreachStep, ok := def.Step(foreach.WorkflowStepID)
	if !ok {
		return nil, nil
	}

	var skip []string
	if foreach.ForeachConfig != nil {
		skip = foreach.ForeachConfig.ChildStepIDs
	}

	for _, conn := range foreachStep.Connections {
		if conn.TargetStepID == step.ID || slices.Contains(skip, conn.TargetStepID) {
			continue
		}

		if target, ok := def.Step(conn.TargetStepID); ok {
			next = append(next, target)
		}
	}

	return next, nil
}

// advancementInput exposes a task's metadata both as is and under "output".
func advancementInput(task *models.Task) map[string]any {
	input := persistence.Clone(task.Metadata)
	if input == nil {
		input = map[string]any{}
	}

	input["output"] = persistence.Clone(task.Metadata)

	return input
}

// narrowInput applies the inputPath of the next step. Unresolvable paths keep
// the full input.
func (e *Engine) narrowInput(ctx context.Context, runID string, step *models.Step, base map[string]any) map[string]any {
	if step.InputPath == "" {
		return base
	}

	value, ok, err := e.resolveInputPath(ctx, runID, step.InputPath, base)
	if err != nil || !ok {
		e.logger.WarnContext(ctx, "Input path did not resolve, passing full input",
			"step_id", step.ID, "input_path", step.InputPath, "error", err)

		return base
	}

	if narrowed, isMap := value.(map[string]any); isMap {
		return narrowed
	}

	return map[string]any{"value": value}
}

func (e *Engine) resolveInputPath(ctx context.Context, runID, path string, base map[string]any) (any, bool, error) {
	switch {
	case path == inputPathAll || path == inputPathAllResults:
		results, err := e.completedOutputs(ctx, runID)

		return results, err == nil, err
	case strings.HasPrefix(path, inputPathSteps):
		stepID, rest, _ := strings.Cut(strings.TrimPrefix(path, inputPathSteps), ".")

		task, err := e.latestStepTask(ctx, runID, stepID, models.TaskStatusCompleted)
		if err != nil || task == nil {
			return nil, false, err
		}

		return pathexpr.Select(ctx, task.Metadata, rest)
	case path == inputPathJoin || strings.HasPrefix(path, inputPathJoin+"."):
		return e.selectLatestOfType(ctx, runID, models.StepTypeJoin, strings.TrimPrefix(path, inputPathJoin))
	case path == inputPathExternal || strings.HasPrefix(path, inputPathExternal+"."):
		return e.selectLatestOfType(ctx, runID, models.StepTypeExternal, strings.TrimPrefix(path, inputPathExternal))
	default:
		return pathexpr.Select(ctx, base, path)
	}
}

func (e *Engine) selectLatestOfType(ctx context.Context, runID string, stepType models.StepType, rest string) (any, bool, error) {
	task, err := e.latestTask(ctx, persistence.Filter{
		"workflowRunId": runID,
		"taskType":      string(stepType),
		"status":        string(models.TaskStatusCompleted),
	})
	if err != nil || task == nil {
		return nil, false, err
	}

	return pathexpr.Select(ctx, task.Metadata, rest)
}

// completedOutputs maps each step id to the metadata of its newest completed task.
func (e *Engine) completedOutputs(ctx context.Context, runID string) (map[string]any, error) {
	tasks, err := e.findTasks(ctx, persistence.Query{
		Filter: persistence.Filter{"workflowRunId": runID, "status": string(models.TaskStatusCompleted)},
		SortBy: "createdAt",
	})
	if err != nil {
		return nil, err
	}

	outputs := map[string]any{}

	for _, task := range tasks {
		if task.WorkflowStepID == "" {
			continue
		}

		outputs[task.WorkflowStepID] = task.Metadata
	}

	return outputs, nil
}

// endBranch handles a branch with nowhere to go. The run completes once no
// other task is active, ignoring leftover children of a settled foreach. A
// branch that ended by failure and was the last one fails the run instead.
func (e *Engine) endBranch(ctx context.Context, run *models.WorkflowRun, task *models.Task) error {
	active, err := e.findTasks(ctx, persistence.Query{Filter: persistence.Filter{
		"workflowRunId": run.ID,
		"status":        statusIn(models.ActiveTaskStatuses...),
	}})
	if err != nil {
		return err
	}

	others := 0
	settled := map[string]bool{}

	for _, other := range active {
		if other.ID == run.RootTaskID || other.ID == task.ID {
			continue
		}

		if other.ParentID != "" && other.ParentID != run.RootTaskID {
			done, seen := settled[other.ParentID]
			if !seen {
				parent, err := e.getTask(ctx, other.ParentID)
				if err != nil {
					return err
				}

				done = parent.TaskType == models.StepTypeForeach && parent.Status.IsTerminal()
				settled[other.ParentID] = done
			}

			// Stragglers of a foreach whose join already settled.
			if done {
				continue
			}
		}

		others++
	}

	if others > 0 {
		e.logger.InfoContext(ctx, "Branch finished, other branches still active",
			"workflow_run_id", run.ID, "step_id", task.WorkflowStepID, "active_tasks", others)

		return nil
	}

	if task.Status == models.TaskStatusFailed {
		e.failRun(ctx, run.ID, task.WorkflowStepID, task.ID,
			fmt.Sprintf("step %s failed (task %s): %s", task.WorkflowStepID, task.ID, metadataString(task.Metadata, "error")))

		return nil
	}

	return e.completeRun(ctx, run)
}

// completeRun aggregates every completed step's output and completes the run
// and its root task.
func (e *Engine) completeRun(ctx context.Context, run *models.WorkflowRun) error {
	outputs, err := e.completedOutputs(ctx, run.ID)
	if err != nil {
		return err
	}

	now := e.stamp()

	updated, err := persistence.UpdateAs[models.WorkflowRun](ctx, e.store, persistence.CollectionWorkflowRuns, run.ID,
		persistence.Filter{"status": string(models.RunStatusRunning)},
		persistence.Patch{Set: map[string]any{
			"status":         models.RunStatusCompleted,
			"outputPayload":  outputs,
			"currentStepIds": []string{},
			"updatedAt":      now,
			"completedAt":    now,
		}})
	if persistence.IsConditionFailed(err) {
		return nil
	}

	if err != nil {
		return fmt.Errorf("failed to complete run %s: %w", run.ID, err)
	}

	if root, err := e.getTask(ctx, run.RootTaskID); err == nil {
		if _, _, err := e.transition(ctx, root, models.TaskStatusCompleted, nil); err != nil {
			e.logger.ErrorContext(ctx, "Failed to complete root task", "workflow_run_id", run.ID, "error", err)
		}
	}

	e.logger.InfoContext(ctx, "Workflow run completed", "workflow_run_id", run.ID, "steps", len(outputs))
	e.publishRunEvent(ctx, events.WorkflowRunCompletedEvent, updated, nil)

	return nil
}

// failRun marks a running run and its root task failed.
func (e *Engine) failRun(ctx context.Context, runID, stepID, taskID, message string) {
	now := e.stamp()

	updated, err := persistence.UpdateAs[models.WorkflowRun](ctx, e.store, persistence.CollectionWorkflowRuns, runID,
		persistence.Filter{"status": string(models.RunStatusRunning)},
		persistence.Patch{Set: map[string]any{
			"status":       models.RunStatusFailed,
			"error":        message,
			"failedStepId": stepID,
			"updatedAt":    now,
			"completedAt":  now,
		}})
	if persistence.IsConditionFailed(err) {
		return
	}

	if err != nil {
		e.logger.ErrorContext(ctx, "Failed to mark run failed", "workflow_run_id", runID, "error", err)

		return
	}

	if root, err := e.getTask(ctx, updated.RootTaskID); err == nil {
		if _, _, err := e.transition(ctx, root, models.TaskStatusFailed, map[string]any{"metadata.error": message}); err != nil {
			e.logger.ErrorContext(ctx, "Failed to fail root task", "workflow_run_id", runID, "error", err)
		}
	}

	e.logger.WarnContext(ctx, "Workflow run failed", "workflow_run_id", runID, "step_id", stepID, "error", message)
	e.publishRunEvent(ctx, events.WorkflowRunFailedEvent, updated, func(event *events.WorkflowRunEvent) {
		event.StepID = stepID
		event.TaskID = taskID
		event.Error = message
	})
}
