package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	t.Parallel()

	tests := []struct {
		from TaskStatus
		to   TaskStatus
		want bool
	}{
		{TaskStatusPending, TaskStatusWaiting, true},
		{TaskStatusPending, TaskStatusInProgress, true},
		{TaskStatusPending, TaskStatusCompleted, true},
		{TaskStatusPending, TaskStatusFailed, true},
		{TaskStatusWaiting, TaskStatusInProgress, true},
		{TaskStatusWaiting, TaskStatusCompleted, true},
		{TaskStatusWaiting, TaskStatusPending, false},
		{TaskStatusInProgress, TaskStatusCompleted, true},
		{TaskStatusInProgress, TaskStatusWaiting, false},
		{TaskStatusCompleted, TaskStatusFailed, false},
		{TaskStatusFailed, TaskStatusCompleted, false},
		{TaskStatusPending, TaskStatusCancelled, false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, CanTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestTaskStatus_IsTerminal(t *testing.T) {
	t.Parallel()

	for _, status := range ActiveTaskStatuses {
		assert.False(t, status.IsTerminal(), status)
	}

	assert.True(t, TaskStatusCompleted.IsTerminal())
	assert.True(t, TaskStatusFailed.IsTerminal())
	assert.True(t, TaskStatusCancelled.IsTerminal())
	assert.False(t, TaskStatus("unknown").IsValid())
}

func TestTask_IsWorkflowManaged(t *testing.T) {
	t.Parallel()

	assert.True(t, (&Task{WorkflowRunID: "run-1", WorkflowStepID: "step-1"}).IsWorkflowManaged())
	assert.False(t, (&Task{WorkflowRunID: "run-1"}).IsWorkflowManaged())
	assert.False(t, (&Task{}).IsWorkflowManaged())
}

func TestRunStatus_IsTerminal(t *testing.T) {
	t.Parallel()

	assert.False(t, RunStatusRunning.IsTerminal())
	assert.True(t, RunStatusCompleted.IsTerminal())
	assert.True(t, RunStatusFailed.IsTerminal())
	assert.True(t, RunStatusCancelled.IsTerminal())
}
