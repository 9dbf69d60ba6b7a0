package engine

import (
	"context"
	"fmt"
	"maps"

	"github.com/dukex/taskflow/pkg/models"
	"github.com/dukex/taskflow/pkg/pathexpr"
	"github.com/dukex/taskflow/pkg/persistence"
	"golang.org/x/sync/errgroup"
)

// childSteps are the steps a foreach runs once per item: its connection
// targets, minus joins.
func childSteps(def *models.WorkflowDefinition, step *models.Step) []*models.Step {
	var steps []*models.Step

	for _, conn := range step.Connections {
		target, ok := def.Step(conn.TargetStepID)
		if !ok || target.Type == models.StepTypeJoin {
			continue
		}

		steps = append(steps, target)
	}

	return steps
}

// joinStepFor finds the join that fans a foreach back in: one awaiting it
// explicitly, else the first join downstream of the foreach or its children.
func joinStepFor(def *models.WorkflowDefinition, foreach *models.Step) *models.Step {
	for _, step := range def.Steps {
		if cfg, ok := step.Config.(models.JoinConfig); ok && cfg.AwaitStepID == foreach.ID {
			return step
		}
	}

	candidates := append([]*models.Step{foreach}, childSteps(def, foreach)...)

	for _, candidate := range candidates {
		for _, conn := range candidate.Connections {
			target, ok := def.Step(conn.TargetStepID)
			if !ok || target.Type != models.StepTypeJoin {
				continue
			}

			if cfg, ok := target.Config.(models.JoinConfig); ok && cfg.AwaitStepID != "" && cfg.AwaitStepID != foreach.ID {
				continue
			}

			return target
		}
	}

	return nil
}

// itemPayload is the input of one foreach child.
func itemPayload(payload map[string]any, variable string, item any, index, total int) map[string]any {
	out := make(map[string]any, len(payload)+3)
	maps.Copy(out, payload)

	out[variable] = item
	out["_index"] = index
	out["_total"] = total

	return out
}

// executeForeach fans the items found at itemsPath out into child tasks. When
// there are no items yet the task waits for them to arrive by callback.
func (e *Engine) executeForeach(
	ctx context.Context,
	run *models.WorkflowRun,
	def *models.WorkflowDefinition,
	step *models.Step,
	task *models.Task,
	payload map[string]any,
) (*models.Task, error) {
	cfg, _ := step.Config.(models.ForeachConfig)
	children := childSteps(def, step)

	snapshot := &models.ForeachSnapshot{
		ItemsPath:    cfg.ItemsPath,
		ItemVariable: cfg.ItemVariable,
		MaxItems:     cfg.MaxItems,
		ChildStepIDs: make([]string, 0, len(children)),
	}
	for _, child := range children {
		snapshot.ChildStepIDs = append(snapshot.ChildStepIDs, child.ID)
	}

	var items []any

	if cfg.ItemsPath != "" {
		found, ok, err := pathexpr.Select(ctx, payload, cfg.ItemsPath)
		if err != nil {
			e.logger.WarnContext(ctx, "Foreach items path failed", "step_id", step.ID, "error", err)
		}

		if ok {
			items, _ = pathexpr.GetSlice(found, "")
		}
	}

	if len(items) == 0 {
		expected := 0
		if cfg.ExpectedCount != nil {
			expected = *cfg.ExpectedCount
		} else if cfg.ExpectedCountPath != "" {
			expected, _ = pathexpr.GetInt(payload, cfg.ExpectedCountPath)
		}

		e.logger.InfoContext(ctx, "Foreach waiting for items by callback",
			"workflow_run_id", run.ID, "step_id", step.ID, "expected_count", expected)

		return persistence.UpdateAs[models.Task](ctx, e.store, persistence.CollectionTasks, task.ID, nil, persistence.Patch{
			Set: map[string]any{
				"foreachConfig": snapshot,
				"batchCounters": models.BatchCounters{ExpectedCount: expected},
				"updatedAt":     e.stamp(),
			},
		})
	}

	if cfg.MaxItems > 0 && len(items) > cfg.MaxItems {
		items = items[:cfg.MaxItems]
	}

	expected := len(items)
	if cfg.ExpectedCount != nil {
		expected = *cfg.ExpectedCount
	}

	updated, err := persistence.UpdateAs[models.Task](ctx, e.store, persistence.CollectionTasks, task.ID, nil, persistence.Patch{
		Set: map[string]any{
			"foreachConfig": snapshot,
			"batchCounters": models.BatchCounters{ExpectedCount: expected, ReceivedCount: len(items)},
			"updatedAt":     e.stamp(),
		},
	})
	if err != nil {
		return task, fmt.Errorf("failed to snapshot foreach %s: %w", task.ID, err)
	}

	if _, err := e.spawnItems(ctx, run, def, updated, children, payload, items, 0, len(items)); err != nil {
		return updated, err
	}

	return updated, nil
}

// spawnItems executes every child step once per item under the foreach task,
// bounded by MaxParallel. Indexes start at offset.
func (e *Engine) spawnItems(
	ctx context.Context,
	run *models.WorkflowRun,
	def *models.WorkflowDefinition,
	foreach *models.Task,
	children []*models.Step,
	payload map[string]any,
	items []any,
	offset, total int,
) ([]string, error) {
	variable := "item"
	if foreach.ForeachConfig != nil && foreach.ForeachConfig.ItemVariable != "" {
		variable = foreach.ForeachConfig.ItemVariable
	}

	created := make([][]string, len(items))

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(e.config.MaxParallel)

	for i, item := range items {
		input := itemPayload(payload, variable, item, offset+i, total)

		group.Go(func() error {
			for _, child := range children {
				task, err := e.Execute(groupCtx, run, def, child, foreach, input)
				if task != nil {
					created[i] = append(created[i], task.ID)
				}

				if err != nil {
					return err
				}
			}

			return nil
		})
	}

	err := group.Wait()

	var ids []string
	for _, taskIDs := range created {
		ids = append(ids, taskIDs...)
	}

	e.logger.InfoContext(ctx, "Foreach items spawned",
		"workflow_run_id", run.ID, "task_id", foreach.ID, "items", len(items), "children", len(ids))

	return ids, err
}

// foreachProgress recounts the children of a foreach and stores the counters.
func (e *Engine) foreachProgress(ctx context.Context, foreach *models.Task) (*models.Task, []*models.Task, error) {
	children, err := e.children(ctx, foreach.ID)
	if err != nil {
		return nil, nil, err
	}

	processed, failed := 0, 0

	for _, child := range children {
		switch child.Status {
		case models.TaskStatusCompleted:
			processed++
		case models.TaskStatusFailed:
			failed++
		}
	}

	updated, err := persistence.UpdateAs[models.Task](ctx, e.store, persistence.CollectionTasks, foreach.ID, nil, persistence.Patch{
		Set: map[string]any{
			"batchCounters.processedCount": processed,
			"batchCounters.failedCount":    failed,
		},
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to update batch counters of %s: %w", foreach.ID, err)
	}

	return updated, children, nil
}

// reconcileForeach brings the fan-in of a foreach up to date: it finds or
// lazily creates the join, then re-evaluates the barrier. A foreach without a
// join completes once every expected child has settled.
func (e *Engine) reconcileForeach(
	ctx context.Context,
	run *models.WorkflowRun,
	def *models.WorkflowDefinition,
	foreach *models.Task,
) error {
	foreach, children, err := e.foreachProgress(ctx, foreach)
	if err != nil {
		return err
	}

	join, err := e.latestTask(ctx, persistence.Filter{
		"workflowRunId":          run.ID,
		"taskType":               string(models.StepTypeJoin),
		"joinConfig.awaitTaskId": foreach.ID,
	})
	if err != nil {
		return err
	}

	if join != nil {
		if join.Status.IsTerminal() {
			return nil
		}

		_, err := e.CheckJoinCondition(ctx, join.ID, foreach.ID)

		return err
	}

	step, ok := def.Step(foreach.WorkflowStepID)
	if !ok {
		return newError("reconcileForeach", foreach.WorkflowStepID, ErrStepNotFound)
	}

	if joinStep := joinStepFor(def, step); joinStep != nil {
		active, err := e.latestStepTask(ctx, run.ID, joinStep.ID, models.ActiveTaskStatuses...)
		if err != nil {
			return err
		}

		if active != nil {
			e.logger.DebugContext(ctx, "Join already active for another task",
				"workflow_run_id", run.ID, "step_id", joinStep.ID, "task_id", active.ID)

			return nil
		}

		root, err := e.getTask(ctx, run.RootTaskID)
		if err != nil {
			return err
		}

		_, err = e.execute(ctx, run, def, joinStep, root, foreach.Metadata, foreach)

		return err
	}

	counters := foreach.BatchCounters
	if counters == nil || foreach.Status.IsTerminal() {
		return nil
	}

	streamDone := foreach.ForeachConfig != nil && foreach.ForeachConfig.StreamComplete

	expected := counters.ExpectedCount
	if expected == 0 && streamDone {
		expected = len(children)
	}

	if expected == 0 && !streamDone || counters.ProcessedCount+counters.FailedCount < expected {
		return nil
	}

	_, _, err = e.transition(ctx, foreach, models.TaskStatusCompleted, map[string]any{
		"metadata.successCount": counters.ProcessedCount,
		"metadata.failureCount": counters.FailedCount,
	})

	return err
}
