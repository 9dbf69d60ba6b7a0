// Package models defines the core domain models for task-driven workflow execution.
package models

// StepType identifies the behavior of a workflow step. Tasks mirror it in TaskType.
type StepType string

const (
	StepTypeTrigger  StepType = "trigger"
	StepTypeAgent    StepType = "agent"
	StepTypeManual   StepType = "manual"
	StepTypeExternal StepType = "external"
	StepTypeWebhook  StepType = "webhook"
	StepTypeDecision StepType = "decision"
	StepTypeForeach  StepType = "foreach"
	StepTypeJoin     StepType = "join"
	StepTypeFlow     StepType = "flow"

	// TaskTypeWorkflow marks the root task of a run. It is never a step type.
	TaskTypeWorkflow StepType = "workflow"
)

// StepTypes lists every step type a definition may declare.
var StepTypes = []StepType{
	StepTypeTrigger,
	StepTypeAgent,
	StepTypeManual,
	StepTypeExternal,
	StepTypeWebhook,
	StepTypeDecision,
	StepTypeForeach,
	StepTypeJoin,
	StepTypeFlow,
}

// IsValid reports whether t is a declarable step type.
func (t StepType) IsValid() bool {
	for _, known := range StepTypes {
		if t == known {
			return true
		}
	}

	return false
}

// WorkflowDefinition is the normalized, read-only graph the engine executes.
type WorkflowDefinition struct {
	ID                    string  `json:"id"`
	Name                  string  `json:"name"`
	IsActive              bool    `json:"isActive"`
	Steps                 []*Step `json:"steps"`
	RootTaskTitleTemplate string  `json:"rootTaskTitleTemplate,omitempty"`
}

// Step returns the step with the given id.
func (d *WorkflowDefinition) Step(id string) (*Step, bool) {
	for _, step := range d.Steps {
		if step.ID == id {
			return step, true
		}
	}

	return nil, false
}

// StepIndex returns the position of the step in the ordered step list, or -1.
func (d *WorkflowDefinition) StepIndex(id string) int {
	for i, step := range d.Steps {
		if step.ID == id {
			return i
		}
	}

	return -1
}

// Predecessors returns the steps with a connection targeting id, in declaration order.
func (d *WorkflowDefinition) Predecessors(id string) []*Step {
	var steps []*Step

	for _, step := range d.Steps {
		for _, conn := range step.Connections {
			if conn.TargetStepID == id {
				steps = append(steps, step)

				break
			}
		}
	}

	return steps
}

// Connection is an outgoing edge of a step.
type Connection struct {
	TargetStepID string `json:"targetStepId"`
	Condition    string `json:"condition,omitempty"`
	Label        string `json:"label,omitempty"`
}

// Step is one node of a workflow definition. Config carries the type-specific
// settings and always matches Type.
type Step struct {
	ID                     string        `json:"id"`
	Name                   string        `json:"name"`
	Type                   StepType      `json:"stepType"`
	Connections            []*Connection `json:"connections,omitempty"`
	DefaultConnection      string        `json:"defaultConnection,omitempty"`
	InputPath              string        `json:"inputPath,omitempty"`
	TitleTemplate          string        `json:"titleTemplate,omitempty"`
	DefaultAssigneeID      string        `json:"defaultAssigneeId,omitempty"`
	AdditionalInstructions string        `json:"additionalInstructions,omitempty"`
	Config                 StepConfig    `json:"-"`
}

// StepConfig is the tagged union of per-type step settings.
type StepConfig interface {
	StepType() StepType
}

type TriggerConfig struct{}

func (TriggerConfig) StepType() StepType { return StepTypeTrigger }

// HumanConfig covers agent and manual steps whose completion is exogenous.
type HumanConfig struct {
	Kind StepType
}

func (c HumanConfig) StepType() StepType { return c.Kind }

// CallMode selects how an outbound call settles its task.
type CallMode string

const (
	// CallModeComplete settles the task from the HTTP response status.
	CallModeComplete CallMode = "complete"
	// CallModeCallback leaves the task in progress until an inbound callback arrives.
	CallModeCallback CallMode = "callback"
)

// DefaultSuccessStatuses are the HTTP statuses accepted when none are configured.
var DefaultSuccessStatuses = []int{200, 201, 202, 204}

// CallConfig covers external and webhook steps.
type CallConfig struct {
	Kind            StepType
	URL             string
	Method          string
	Headers         map[string]string
	Body            any
	TimeoutMs       int
	SuccessStatuses []int
	Mode            CallMode
	RetryCount      int
	RetryDelayMs    int
}

func (c CallConfig) StepType() StepType { return c.Kind }

// IsSuccess reports whether status is in the configured allow-list.
func (c CallConfig) IsSuccess(status int) bool {
	allowed := c.SuccessStatuses
	if len(allowed) == 0 {
		allowed = DefaultSuccessStatuses
	}

	for _, s := range allowed {
		if s == status {
			return true
		}
	}

	return false
}

type DecisionConfig struct{}

func (DecisionConfig) StepType() StepType { return StepTypeDecision }

type ForeachConfig struct {
	ItemsPath         string
	ItemVariable      string
	MaxItems          int
	ExpectedCount     *int
	ExpectedCountPath string
}

func (ForeachConfig) StepType() StepType { return StepTypeForeach }

// JoinTimeoutAction decides the outcome of a join whose deadline passed.
type JoinTimeoutAction string

const (
	JoinTimeoutFail    JoinTimeoutAction = "fail"
	JoinTimeoutProceed JoinTimeoutAction = "proceed"
)

// JoinBoundary bounds how long a join waits for its children.
type JoinBoundary struct {
	TimeoutSeconds int               `json:"timeoutSeconds,omitempty"`
	OnTimeout      JoinTimeoutAction `json:"onTimeout,omitempty"`
}

type JoinConfig struct {
	AwaitStepID       string
	MinSuccessPercent float64
	ExpectedCount     *int
	ExpectedCountPath string
	InputPath         string
	Boundary          *JoinBoundary
}

func (JoinConfig) StepType() StepType { return StepTypeJoin }

// FlowConfig is reserved for nested workflow delegation.
type FlowConfig struct {
	WorkflowID string
}

func (FlowConfig) StepType() StepType { return StepTypeFlow }
