// Package web exposes the engine over HTTP.
package web

import "github.com/dukex/taskflow/pkg/models"

// StartRunRequest is the body of POST /workflows/:id/runs.
type StartRunRequest struct {
	InputPayload map[string]any `json:"inputPayload"`
	TaskDefaults map[string]any `json:"taskDefaults"`
	ActorID      string         `json:"actorId"      validate:"omitempty,max=255"`
	ActorType    string         `json:"actorType"    validate:"omitempty,max=64"`
}

// CancelRunRequest is the optional body of POST /workflow-runs/:runId/cancel.
type CancelRunRequest struct {
	ActorID   string `json:"actorId"   validate:"omitempty,max=255"`
	ActorType string `json:"actorType" validate:"omitempty,max=64"`
}

// UpdateTaskStatusRequest is the body of POST /tasks/:id/status.
type UpdateTaskStatusRequest struct {
	Status models.TaskStatus `json:"status" validate:"required,oneof=pending waiting in_progress completed failed"`
	Output map[string]any    `json:"output"`
}

// RerunJoinResponse reports whether the join's threshold is met.
type RerunJoinResponse struct {
	Satisfied bool `json:"satisfied"`
}

// TasksResponse lists the tasks of a run.
type TasksResponse struct {
	Tasks []*models.Task `json:"tasks"`
	Total int            `json:"total"`
}
