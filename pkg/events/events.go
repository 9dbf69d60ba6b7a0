// Package events defines the run and task lifecycle events exchanged on the event bus.
package events

import (
	"time"

	"github.com/dukex/taskflow/pkg/models"
)

type EventType string

// Topic carries every lifecycle event.
const Topic = "taskflow.events"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	// Workflow run lifecycle events.
	WorkflowRunStartedEvent   EventType = "workflow.run.started"
	WorkflowRunCompletedEvent EventType = "workflow.run.completed"
	WorkflowRunFailedEvent    EventType = "workflow.run.failed"
	WorkflowRunCancelledEvent EventType = "workflow.run.cancelled"

	// Step progress within a run.
	WorkflowStepStartedEvent   EventType = "workflow.run.step.started"
	WorkflowStepCompletedEvent EventType = "workflow.run.step.completed"
	WorkflowStepFailedEvent    EventType = "workflow.run.step.failed"

	// Task status changes consumed by the advancement controller.
	TaskCompletedEvent EventType = "task.completed"
	TaskFailedEvent    EventType = "task.failed"
	TaskUpdatedEvent   EventType = "task.updated"
)

// RunEventTypes lists every run-scoped event type.
var RunEventTypes = []EventType{
	WorkflowRunStartedEvent,
	WorkflowRunCompletedEvent,
	WorkflowRunFailedEvent,
	WorkflowRunCancelledEvent,
	WorkflowStepStartedEvent,
	WorkflowStepCompletedEvent,
	WorkflowStepFailedEvent,
}

// TaskEventTypes lists every task status event type.
var TaskEventTypes = []EventType{TaskCompletedEvent, TaskFailedEvent, TaskUpdatedEvent}

// WorkflowRunEvent reports a run or step transition. RunSnapshot is the run
// as persisted right after the transition.
type WorkflowRunEvent struct {
	ID            string              `json:"id"`
	Type          EventType           `json:"type"`
	WorkflowRunID string              `json:"workflowRunId"`
	WorkflowID    string              `json:"workflowId"`
	RunSnapshot   *models.WorkflowRun `json:"runSnapshot,omitempty"`
	StepID        string              `json:"stepId,omitempty"`
	TaskID        string              `json:"taskId,omitempty"`
	Error         string              `json:"error,omitempty"`
	ActorID       string              `json:"actorId,omitempty"`
	ActorType     string              `json:"actorType,omitempty"`
	Timestamp     time.Time           `json:"timestamp"`
}

func (e WorkflowRunEvent) GetType() EventType {
	return e.Type
}

// NewWorkflowRunEvent builds a run event from the current run state.
func NewWorkflowRunEvent(id string, eventType EventType, run *models.WorkflowRun) *WorkflowRunEvent {
	return &WorkflowRunEvent{
		ID:            id,
		Type:          eventType,
		WorkflowRunID: run.ID,
		WorkflowID:    run.WorkflowID,
		RunSnapshot:   run,
		ActorID:       run.ActorID,
		ActorType:     run.ActorType,
		Timestamp:     time.Now().UTC(),
	}
}

// TaskStatusChanged reports a task status change. UpdatedAt is the task's own
// update timestamp and together with TaskID and Status identifies the change.
type TaskStatusChanged struct {
	ID             string            `json:"id"`
	Type           EventType         `json:"type"`
	TaskID         string            `json:"taskId"`
	WorkflowRunID  string            `json:"workflowRunId,omitempty"`
	WorkflowStepID string            `json:"workflowStepId,omitempty"`
	Status         models.TaskStatus `json:"status"`
	UpdatedAt      time.Time         `json:"updatedAt"`
	Timestamp      time.Time         `json:"timestamp"`
}

func (e TaskStatusChanged) GetType() EventType {
	return e.Type
}

// TaskEventType maps a task status to the event announcing it.
func TaskEventType(status models.TaskStatus) EventType {
	switch status {
	case models.TaskStatusCompleted:
		return TaskCompletedEvent
	case models.TaskStatusFailed:
		return TaskFailedEvent
	default:
		return TaskUpdatedEvent
	}
}

// NewTaskStatusChanged builds the status event of a task.
func NewTaskStatusChanged(id string, task *models.Task) *TaskStatusChanged {
	return &TaskStatusChanged{
		ID:             id,
		Type:           TaskEventType(task.Status),
		TaskID:         task.ID,
		WorkflowRunID:  task.WorkflowRunID,
		WorkflowStepID: task.WorkflowStepID,
		Status:         task.Status,
		UpdatedAt:      task.UpdatedAt,
		Timestamp:      time.Now().UTC(),
	}
}

// DedupKey identifies one task status change across redeliveries.
func (e TaskStatusChanged) DedupKey() string {
	return e.TaskID + "|" + string(e.Status) + "|" + e.UpdatedAt.UTC().Format(time.RFC3339Nano)
}
