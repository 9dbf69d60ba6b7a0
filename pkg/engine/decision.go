package engine

import (
	"context"
	"fmt"

	"github.com/dukex/taskflow/pkg/condition"
	"github.com/dukex/taskflow/pkg/models"
)

// route picks the connection a decision follows: the first matching
// condition, then the default connection, then the first unconditioned one.
func (e *Engine) route(ctx context.Context, step *models.Step, payload map[string]any) *models.DecisionResult {
	for _, conn := range step.Connections {
		if conn.Condition == "" {
			continue
		}

		matched, err := condition.Evaluate(conn.Condition, payload)
		if err != nil {
			e.logger.WarnContext(ctx, "Decision condition failed to evaluate",
				"step_id", step.ID, "condition", conn.Condition, "error", err)

			continue
		}

		if matched {
			return &models.DecisionResult{
				TargetStepID:     conn.TargetStepID,
				MatchedCondition: conn.Condition,
				Label:            conn.Label,
				Reason:           "condition matched",
			}
		}
	}

	if step.DefaultConnection != "" {
		return &models.DecisionResult{TargetStepID: step.DefaultConnection, Reason: "default connection"}
	}

	for _, conn := range step.Connections {
		if conn.Condition == "" {
			return &models.DecisionResult{
				TargetStepID: conn.TargetStepID,
				Label:        conn.Label,
				Reason:       "unconditioned connection",
			}
		}
	}

	return &models.DecisionResult{
		Reason: "no route",
		Error:  fmt.Sprintf("no connection of decision %s matched and no default is declared", step.ID),
	}
}

// executeDecision records the chosen route and executes the target step right
// away, under the decision task. A decision without a route fails only its
// own branch.
func (e *Engine) executeDecision(
	ctx context.Context,
	run *models.WorkflowRun,
	def *models.WorkflowDefinition,
	step *models.Step,
	task *models.Task,
	payload map[string]any,
) (*models.Task, error) {
	result := e.route(ctx, step, payload)

	if result.TargetStepID == "" {
		updated, _, err := e.transition(ctx, task, models.TaskStatusFailed, map[string]any{
			"decisionResult":    result,
			"metadata.error":    result.Error,
			"metadata.decision": result,
		})

		return updated, err
	}

	next, ok := def.Step(result.TargetStepID)
	if !ok {
		result.Error = fmt.Sprintf("target step %s does not exist", result.TargetStepID)

		updated, _, err := e.transition(ctx, task, models.TaskStatusFailed, map[string]any{
			"decisionResult":    result,
			"metadata.error":    result.Error,
			"metadata.decision": result,
		})

		return updated, err
	}

	updated, _, err := e.transition(ctx, task, models.TaskStatusCompleted, map[string]any{
		"decisionResult":    result,
		"metadata.decision": result,
	})
	if err != nil {
		return task, err
	}

	e.logger.InfoContext(ctx, "Decision routed",
		"workflow_run_id", run.ID, "step_id", step.ID, "target_step_id", next.ID, "reason", result.Reason)

	if _, err := e.Execute(ctx, run, def, next, updated, payload); err != nil {
		return updated, err
	}

	return updated, nil
}
