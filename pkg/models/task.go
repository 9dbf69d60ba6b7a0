package models

import "time"

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusWaiting    TaskStatus = "waiting"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
	TaskStatusCancelled  TaskStatus = "cancelled"
)

// ActiveTaskStatuses are the non-terminal statuses.
var ActiveTaskStatuses = []TaskStatus{TaskStatusPending, TaskStatusWaiting, TaskStatusInProgress}

// IsTerminal reports whether the status is completed, failed or cancelled.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusCancelled
}

// IsValid reports whether s is a known status.
func (s TaskStatus) IsValid() bool {
	switch s {
	case TaskStatusPending, TaskStatusWaiting, TaskStatusInProgress,
		TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskStatusPending:    {TaskStatusWaiting, TaskStatusInProgress, TaskStatusCompleted, TaskStatusFailed},
	TaskStatusWaiting:    {TaskStatusInProgress, TaskStatusCompleted, TaskStatusFailed},
	TaskStatusInProgress: {TaskStatusCompleted, TaskStatusFailed},
}

// CanTransition reports whether a task may move from one status to another.
// Cancellation is reserved for run cancellation and is not a regular transition.
func CanTransition(from, to TaskStatus) bool {
	for _, allowed := range taskTransitions[from] {
		if allowed == to {
			return true
		}
	}

	return false
}

// Task is the persisted working state of one step execution, or one foreach item.
type Task struct {
	ID               string             `json:"id"`
	Title            string             `json:"title"`
	Description      string             `json:"description,omitempty"`
	Status           TaskStatus         `json:"status"`
	TaskType         StepType           `json:"taskType"`
	ParentID         string             `json:"parentId,omitempty"`
	WorkflowRunID    string             `json:"workflowRunId,omitempty"`
	WorkflowStepID   string             `json:"workflowStepId,omitempty"`
	AssigneeID       string             `json:"assigneeId,omitempty"`
	Metadata         map[string]any     `json:"metadata"`
	ForeachConfig    *ForeachSnapshot   `json:"foreachConfig,omitempty"`
	BatchCounters    *BatchCounters     `json:"batchCounters,omitempty"`
	JoinConfig       *JoinSnapshot      `json:"joinConfig,omitempty"`
	WebhookConfig    *WebhookState      `json:"webhookConfig,omitempty"`
	ExternalConfig   *ExternalState     `json:"externalConfig,omitempty"`
	DecisionResult   *DecisionResult    `json:"decisionResult,omitempty"`
	ExpectedQuantity *int               `json:"expectedQuantity,omitempty"`
	CallbackRequests []*CallbackRequest `json:"callbackRequests,omitempty"`
	CreatedAt        time.Time          `json:"createdAt"`
	UpdatedAt        time.Time          `json:"updatedAt"`
	CompletedAt      *time.Time         `json:"completedAt,omitempty"`
}

// IsWorkflowManaged reports whether the engine owns the task's advancement.
func (t *Task) IsWorkflowManaged() bool {
	return t.WorkflowRunID != "" && t.WorkflowStepID != ""
}

// ForeachSnapshot is the foreach configuration captured when the task was created.
type ForeachSnapshot struct {
	ItemsPath      string   `json:"itemsPath,omitempty"`
	ItemVariable   string   `json:"itemVariable"`
	MaxItems       int      `json:"maxItems,omitempty"`
	ChildStepIDs   []string `json:"childStepIds"`
	StreamComplete bool     `json:"streamComplete,omitempty"`
}

// BatchCounters track fan-out progress of a foreach task.
type BatchCounters struct {
	ExpectedCount  int `json:"expectedCount"`
	ReceivedCount  int `json:"receivedCount"`
	ProcessedCount int `json:"processedCount"`
	FailedCount    int `json:"failedCount"`
}

// JoinScopeChildren joins on the direct children of the awaited task.
const JoinScopeChildren = "children"

// JoinSnapshot is the join configuration captured when the join task was created.
type JoinSnapshot struct {
	AwaitStepID       string        `json:"awaitStepId,omitempty"`
	AwaitTaskID       string        `json:"awaitTaskId"`
	Scope             string        `json:"scope"`
	MinSuccessPercent float64       `json:"minSuccessPercent"`
	ExpectedCount     *int          `json:"expectedCount,omitempty"`
	InputPath         string        `json:"inputPath,omitempty"`
	Boundary          *JoinBoundary `json:"boundary,omitempty"`
	DeadlineAt        *time.Time    `json:"deadlineAt,omitempty"`
}

// WebhookState records the outbound call of an external or webhook task.
type WebhookState struct {
	URL      string            `json:"url"`
	Method   string            `json:"method"`
	Mode     CallMode          `json:"mode"`
	Attempts []*WebhookAttempt `json:"attempts"`
}

// AttemptStatus is the outcome of a single outbound call.
type AttemptStatus string

const (
	AttemptStatusSuccess AttemptStatus = "success"
	AttemptStatusFailed  AttemptStatus = "failed"
)

// WebhookAttempt is one outbound HTTP call.
type WebhookAttempt struct {
	AttemptNumber int           `json:"attemptNumber"`
	StartedAt     time.Time     `json:"startedAt"`
	CompletedAt   time.Time     `json:"completedAt"`
	Status        AttemptStatus `json:"status"`
	HTTPStatus    int           `json:"httpStatus,omitempty"`
	ResponseBody  string        `json:"responseBody,omitempty"`
	DurationMs    int64         `json:"durationMs"`
	Error         string        `json:"error,omitempty"`
}

// ExternalState holds the per-task secret external systems use to call back.
type ExternalState struct {
	CallbackSecret string `json:"callbackSecret"`
}

// DecisionResult is the route a decision step chose.
type DecisionResult struct {
	TargetStepID     string `json:"targetStepId,omitempty"`
	MatchedCondition string `json:"matchedCondition,omitempty"`
	Label            string `json:"label,omitempty"`
	Reason           string `json:"reason"`
	Error            string `json:"error,omitempty"`
}

// CallbackOutcome is the result of an inbound callback attempt.
type CallbackOutcome string

const (
	CallbackOutcomeSuccess CallbackOutcome = "success"
	CallbackOutcomeFailed  CallbackOutcome = "failed"
)

// CallbackRequest is one entry of a task's append-only callback audit log.
type CallbackRequest struct {
	ID                  string            `json:"id"`
	ReceivedAt          time.Time         `json:"receivedAt"`
	URL                 string            `json:"url,omitempty"`
	Method              string            `json:"method,omitempty"`
	Headers             map[string]string `json:"headers,omitempty"`
	Body                map[string]any    `json:"body,omitempty"`
	Outcome             CallbackOutcome   `json:"outcome"`
	Error               string            `json:"error,omitempty"`
	ItemCount           int               `json:"itemCount"`
	CreatedChildTaskIDs []string          `json:"createdChildTaskIds,omitempty"`
}
