package engine

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/dukex/taskflow/pkg/models"
	"github.com/dukex/taskflow/pkg/otelhelper"
	"github.com/dukex/taskflow/pkg/pathexpr"
	"github.com/dukex/taskflow/pkg/persistence"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// joinOutcome is the state of a join barrier over a set of children.
type joinOutcome struct {
	Expected  int
	Required  int
	Completed int
	Failed    int
	Percent   float64
	Satisfied bool
	Met       bool
	Reason    string
}

// evaluateJoin computes the barrier. Expected count precedence is the join's
// own override, the foreach's expected counter, then the live children count.
// A foreach still streaming items with no known total is never satisfied.
func evaluateJoin(cfg *models.JoinSnapshot, await *models.Task, children []*models.Task) joinOutcome {
	if len(children) == 0 && await.TaskType != models.StepTypeForeach {
		children = []*models.Task{await}
	}

	var outcome joinOutcome

	for _, child := range children {
		switch child.Status {
		case models.TaskStatusCompleted:
			outcome.Completed++
		case models.TaskStatusFailed:
			outcome.Failed++
		}
	}

	streaming := await.TaskType == models.StepTypeForeach &&
		(await.ForeachConfig == nil || !await.ForeachConfig.StreamComplete)

	switch {
	case cfg.ExpectedCount != nil:
		outcome.Expected = *cfg.ExpectedCount
	case await.BatchCounters != nil && await.BatchCounters.ExpectedCount > 0:
		outcome.Expected = await.BatchCounters.ExpectedCount
	case streaming:
		// Items arrive by callback and neither a total nor the end of the
		// stream was announced yet.
		return outcome
	default:
		outcome.Expected = len(children)
	}

	outcome.score(cfg.MinSuccessPercent)

	return outcome
}

// score derives the threshold, the success percentage and the verdict from
// the counts and Expected.
func (o *joinOutcome) score(minPercent float64) {
	o.Required = int(math.Ceil(float64(o.Expected) * minPercent / 100))

	if o.Expected > 0 {
		o.Percent = float64(o.Completed) / float64(o.Expected) * 100
	} else {
		o.Percent = 100
	}

	o.Met = o.Completed >= o.Required
	o.Satisfied = o.Met || o.Completed+o.Failed >= o.Expected

	if o.Met {
		o.Reason = fmt.Sprintf("%d of %d succeeded (%.1f%%), required %d (%.1f%%)",
			o.Completed, o.Expected, o.Percent, o.Required, minPercent)
	} else {
		o.Reason = fmt.Sprintf("%d of %d succeeded (%.1f%%), below required %d (%.1f%%)",
			o.Completed, o.Expected, o.Percent, o.Required, minPercent)
	}
}

// executeJoin resolves the task to join on unless await is given, snapshots
// the barrier settings and evaluates it at once, since children may have
// settled already.
func (e *Engine) executeJoin(
	ctx context.Context,
	run *models.WorkflowRun,
	step *models.Step,
	task *models.Task,
	payload map[string]any,
	await *models.Task,
) (*models.Task, error) {
	cfg, _ := step.Config.(models.JoinConfig)

	if await == nil {
		var err error

		await, err = e.awaitedTask(ctx, run, cfg)
		if err != nil {
			return task, err
		}
	}

	if await == nil {
		updated, _, err := e.transition(ctx, task, models.TaskStatusFailed, map[string]any{
			"metadata.error": "no foreach or external task to join",
		})

		return updated, err
	}

	snapshot := &models.JoinSnapshot{
		AwaitStepID:       cfg.AwaitStepID,
		AwaitTaskID:       await.ID,
		Scope:             models.JoinScopeChildren,
		MinSuccessPercent: cfg.MinSuccessPercent,
		ExpectedCount:     cfg.ExpectedCount,
		InputPath:         cfg.InputPath,
		Boundary:          cfg.Boundary,
	}

	if snapshot.ExpectedCount == nil && cfg.ExpectedCountPath != "" {
		if expected, ok := e.expectedFromPath(ctx, run.ID, cfg.ExpectedCountPath, payload); ok {
			snapshot.ExpectedCount = &expected
		}
	}

	if cfg.Boundary != nil && cfg.Boundary.TimeoutSeconds > 0 {
		deadline := e.now().UTC().Add(time.Duration(cfg.Boundary.TimeoutSeconds) * time.Second)
		snapshot.DeadlineAt = &deadline
	}

	if _, err := e.store.Update(ctx, persistence.CollectionTasks, task.ID, nil, persistence.Patch{
		Set: map[string]any{"joinConfig": snapshot, "updatedAt": e.stamp()},
	}); err != nil {
		return task, fmt.Errorf("failed to snapshot join %s: %w", task.ID, err)
	}

	if _, err := e.CheckJoinCondition(ctx, task.ID, await.ID); err != nil {
		return task, err
	}

	return e.getTask(ctx, task.ID)
}

// awaitedTask is the task named by awaitStepId, else the newest foreach or
// external task of the run still waiting or in progress, else the newest one.
// Per-item tasks of a foreach are never joined on implicitly.
func (e *Engine) awaitedTask(ctx context.Context, run *models.WorkflowRun, cfg models.JoinConfig) (*models.Task, error) {
	if cfg.AwaitStepID != "" {
		return e.latestStepTask(ctx, run.ID, cfg.AwaitStepID)
	}

	candidates, err := e.findTasks(ctx, persistence.Query{
		Filter: persistence.Filter{
			"workflowRunId": run.ID,
			"taskType":      typeIn(models.StepTypeForeach, models.StepTypeExternal),
		},
		SortBy:     "createdAt",
		Descending: true,
	})
	if err != nil {
		return nil, err
	}

	var newest *models.Task

	for _, candidate := range candidates {
		foreach, err := e.foreachAncestor(ctx, run, candidate)
		if err != nil {
			return nil, err
		}

		if foreach != nil {
			continue
		}

		if candidate.Status == models.TaskStatusWaiting || candidate.Status == models.TaskStatusInProgress {
			return candidate, nil
		}

		if newest == nil {
			newest = candidate
		}
	}

	return newest, nil
}

// expectedFromPath reads an expected count from the newest external task's
// output, falling back to the join's own input.
func (e *Engine) expectedFromPath(ctx context.Context, runID, path string, payload map[string]any) (int, bool) {
	external, err := e.latestTask(ctx, persistence.Filter{
		"workflowRunId": runID,
		"taskType":      string(models.StepTypeExternal),
	})
	if err != nil {
		e.logger.WarnContext(ctx, "Failed to load external task for expected count", "error", err)
	}

	if external != nil {
		for _, prefix := range []string{"", "response.body.", "callbackPayload."} {
			if n, ok := pathexpr.GetInt(external.Metadata, prefix+pathexpr.Normalize(path)); ok {
				return n, true
			}
		}
	}

	return pathexpr.GetInt(payload, path)
}

// CheckJoinCondition evaluates the barrier of a join over the children of the
// awaited task and settles the join when it is satisfied. A join that already
// settled is left untouched; RerunJoin re-aggregates it explicitly.
func (e *Engine) CheckJoinCondition(ctx context.Context, joinTaskID, foreachTaskID string) (bool, error) {
	return e.checkJoin(ctx, joinTaskID, foreachTaskID, false)
}

func (e *Engine) checkJoin(ctx context.Context, joinTaskID, awaitTaskID string, force bool) (bool, error) {
	ctx, span := e.tracer.Start(ctx, "engine.check_join", trace.WithAttributes(
		attribute.String(otelhelper.TaskIDKey, joinTaskID),
	))
	defer span.End()

	unlock := e.locks.Lock("join:" + joinTaskID)
	defer unlock()

	join, err := e.getTask(ctx, joinTaskID)
	if err != nil {
		return false, err
	}

	if join.JoinConfig == nil {
		return false, newError("CheckJoinCondition", joinTaskID, ErrNotJoinTask)
	}

	if join.Status.IsTerminal() && !force {
		return true, nil
	}

	await, err := e.getTask(ctx, awaitTaskID)
	if err != nil {
		return false, err
	}

	children, err := e.children(ctx, await.ID)
	if err != nil {
		return false, err
	}

	outcome := evaluateJoin(join.JoinConfig, await, children)

	e.logger.DebugContext(ctx, "Join barrier evaluated",
		"task_id", join.ID, "await_task_id", await.ID, "expected", outcome.Expected,
		"completed", outcome.Completed, "failed", outcome.Failed, "satisfied", outcome.Satisfied)

	if !outcome.Satisfied {
		return false, nil
	}

	if err := e.settleJoin(ctx, join, await, children, outcome); err != nil {
		otelhelper.SetError(span, err)

		return true, err
	}

	return true, nil
}

// settleJoin aggregates completed children, settles the join, and completes
// the awaited foreach. Re-settling a terminal join overwrites its aggregate and
// announces it again.
func (e *Engine) settleJoin(
	ctx context.Context,
	join, await *models.Task,
	children []*models.Task,
	outcome joinOutcome,
) error {
	if len(children) == 0 && await.TaskType != models.StepTypeForeach {
		children = []*models.Task{await}
	}

	results := make([]any, 0, outcome.Completed)

	for _, child := range children {
		if child.Status != models.TaskStatusCompleted {
			continue
		}

		var value any = child.Metadata

		if join.JoinConfig.InputPath != "" {
			projected, ok, err := pathexpr.Select(ctx, child.Metadata, join.JoinConfig.InputPath)
			if err != nil {
				e.logger.WarnContext(ctx, "Join input path failed", "task_id", child.ID, "error", err)
			}

			if !ok {
				continue
			}

			value = projected
		}

		results = append(results, value)
	}

	status := models.TaskStatusCompleted
	if !outcome.Met {
		status = models.TaskStatusFailed
	}

	set := map[string]any{
		"metadata.results":              results,
		"metadata.successCount":         outcome.Completed,
		"metadata.failureCount":         outcome.Failed,
		"metadata.expectedCount":        outcome.Expected,
		"metadata.requiredSuccessCount": outcome.Required,
		"metadata.successPercent":       outcome.Percent,
		"metadata.reason":               outcome.Reason,
	}

	if !outcome.Met {
		set["metadata.error"] = outcome.Reason
	}

	if join.Status.IsTerminal() {
		now := e.stamp()
		set["status"] = status
		set["updatedAt"] = now
		set["completedAt"] = now

		updated, err := persistence.UpdateAs[models.Task](ctx, e.store, persistence.CollectionTasks, join.ID, nil,
			persistence.Patch{Set: set, Unset: unsetErrorWhen(outcome.Met)})
		if err != nil {
			return fmt.Errorf("failed to re-aggregate join %s: %w", join.ID, err)
		}

		e.publishTaskStatus(ctx, updated)
	} else if _, _, err := e.transition(ctx, join, status, set); err != nil {
		return err
	}

	e.logger.InfoContext(ctx, "Join settled",
		"workflow_run_id", join.WorkflowRunID, "task_id", join.ID, "status", status, "reason", outcome.Reason)

	if await.TaskType == models.StepTypeForeach && !await.Status.IsTerminal() {
		if _, _, err := e.transition(ctx, await, models.TaskStatusCompleted, map[string]any{
			"metadata.successCount": outcome.Completed,
			"metadata.failureCount": outcome.Failed,
		}); err != nil {
			return err
		}
	}

	return nil
}

func unsetErrorWhen(met bool) []string {
	if met {
		return []string{"metadata.error"}
	}

	return nil
}

// RerunJoin re-aggregates a join and announces its outcome again, so a run
// stuck behind it can advance.
func (e *Engine) RerunJoin(ctx context.Context, runID, joinTaskID string) (bool, error) {
	if _, err := e.getRun(ctx, runID); err != nil {
		return false, err
	}

	join, err := e.getTask(ctx, joinTaskID)
	if err != nil {
		return false, err
	}

	if join.WorkflowRunID != runID {
		return false, newError("RerunJoin", joinTaskID, ErrTaskNotFound)
	}

	if join.TaskType != models.StepTypeJoin || join.JoinConfig == nil || join.JoinConfig.AwaitTaskID == "" {
		return false, newError("RerunJoin", joinTaskID, ErrNotJoinTask)
	}

	e.logger.InfoContext(ctx, "Rerunning join", "workflow_run_id", runID, "task_id", joinTaskID)

	return e.checkJoin(ctx, joinTaskID, join.JoinConfig.AwaitTaskID, true)
}

// SweepExpiredJoins settles waiting joins whose deadline passed and returns
// how many it settled.
func (e *Engine) SweepExpiredJoins(ctx context.Context) (int, error) {
	joins, err := e.findTasks(ctx, persistence.Query{
		Filter: persistence.Filter{
			"taskType": string(models.StepTypeJoin),
			"status":   string(models.TaskStatusWaiting),
		},
		SortBy: "createdAt",
	})
	if err != nil {
		return 0, err
	}

	now := e.now().UTC()
	settled := 0

	for _, join := range joins {
		if join.JoinConfig == nil || join.JoinConfig.DeadlineAt == nil || join.JoinConfig.DeadlineAt.After(now) {
			continue
		}

		ok, err := e.expireJoin(ctx, join.ID)
		if err != nil {
			e.logger.ErrorContext(ctx, "Failed to expire join", "task_id", join.ID, "error", err)

			continue
		}

		if ok {
			settled++
		}
	}

	return settled, nil
}

func (e *Engine) expireJoin(ctx context.Context, joinTaskID string) (bool, error) {
	unlock := e.locks.Lock("join:" + joinTaskID)
	defer unlock()

	join, err := e.getTask(ctx, joinTaskID)
	if err != nil {
		return false, err
	}

	if join.Status.IsTerminal() {
		return false, nil
	}

	run, err := e.getRun(ctx, join.WorkflowRunID)
	if err != nil {
		return false, err
	}

	if run.Status != models.RunStatusRunning {
		return false, nil
	}

	await, err := e.getTask(ctx, join.JoinConfig.AwaitTaskID)
	if err != nil {
		return false, err
	}

	children, err := e.children(ctx, await.ID)
	if err != nil {
		return false, err
	}

	outcome := evaluateJoin(join.JoinConfig, await, children)
	if outcome.Expected == 0 {
		outcome.Expected = len(children)
		outcome.score(join.JoinConfig.MinSuccessPercent)
	}

	outcome.Satisfied = true

	if join.JoinConfig.Boundary != nil && join.JoinConfig.Boundary.OnTimeout == models.JoinTimeoutProceed {
		outcome.Met = true
		outcome.Reason = fmt.Sprintf("deadline passed, proceeding with %d of %d succeeded", outcome.Completed, outcome.Expected)
	} else {
		outcome.Met = outcome.Expected > 0 && outcome.Completed >= outcome.Required
		outcome.Reason = fmt.Sprintf("deadline passed with %d of %d succeeded, required %d",
			outcome.Completed, outcome.Expected, outcome.Required)
	}

	e.logger.InfoContext(ctx, "Join deadline passed", "workflow_run_id", run.ID, "task_id", join.ID, "met", outcome.Met)

	return true, e.settleJoin(ctx, join, await, children, outcome)
}
