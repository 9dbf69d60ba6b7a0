package models

import "time"

// RunStatus is the lifecycle state of a workflow run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// IsTerminal reports whether the run has left running. Terminal runs never change again.
func (s RunStatus) IsTerminal() bool {
	return s != RunStatusRunning
}

// WorkflowRun is one execution of one workflow definition.
type WorkflowRun struct {
	ID               string         `json:"id"`
	WorkflowID       string         `json:"workflowId"`
	Status           RunStatus      `json:"status"`
	CurrentStepIDs   []string       `json:"currentStepIds"`
	CompletedStepIDs []string       `json:"completedStepIds"`
	CallbackSecret   string         `json:"callbackSecret"`
	InputPayload     map[string]any `json:"inputPayload,omitempty"`
	TaskDefaults     map[string]any `json:"taskDefaults,omitempty"`
	OutputPayload    map[string]any `json:"outputPayload,omitempty"`
	RootTaskID       string         `json:"rootTaskId"`
	Error            string         `json:"error,omitempty"`
	FailedStepID     string         `json:"failedStepId,omitempty"`
	ActorID          string         `json:"actorId,omitempty"`
	ActorType        string         `json:"actorType,omitempty"`
	CreatedAt        time.Time      `json:"createdAt"`
	UpdatedAt        time.Time      `json:"updatedAt"`
	CompletedAt      *time.Time     `json:"completedAt,omitempty"`
}
