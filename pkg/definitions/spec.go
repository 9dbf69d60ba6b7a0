// Package definitions loads, validates and normalizes workflow definitions.
package definitions

// WorkflowSpec is the wire format of a workflow definition, as stored and as
// written in definition files.
type WorkflowSpec struct {
	ID                    string      `json:"id" validate:"required"`
	Name                  string      `json:"name" validate:"required"`
	IsActive              *bool       `json:"isActive,omitempty"`
	RootTaskTitleTemplate string      `json:"rootTaskTitleTemplate,omitempty"`
	Steps                 []*StepSpec `json:"steps" validate:"dive,required"`
}

type ConnectionSpec struct {
	TargetStepID string `json:"targetStepId" validate:"required"`
	Condition    string `json:"condition,omitempty"`
	Label        string `json:"label,omitempty"`
}

type StepSpec struct {
	ID                     string            `json:"id" validate:"required"`
	Name                   string            `json:"name"`
	StepType               string            `json:"stepType" validate:"required,oneof=trigger agent manual external webhook decision foreach join flow"`
	Connections            []*ConnectionSpec `json:"connections,omitempty" validate:"dive,required"`
	DefaultConnection      string            `json:"defaultConnection,omitempty"`
	InputPath              string            `json:"inputPath,omitempty"`
	TitleTemplate          string            `json:"titleTemplate,omitempty"`
	DefaultAssigneeID      string            `json:"defaultAssigneeId,omitempty"`
	AdditionalInstructions string            `json:"additionalInstructions,omitempty"`
	WebhookConfig          *CallSpec         `json:"webhookConfig,omitempty"`
	ExternalConfig         *CallSpec         `json:"externalConfig,omitempty"`

	// Foreach and join settings written directly on the step.
	ItemsPath         string        `json:"itemsPath,omitempty"`
	ItemVariable      string        `json:"itemVariable,omitempty"`
	MaxItems          int           `json:"maxItems,omitempty" validate:"gte=0"`
	ExpectedCountPath string        `json:"expectedCountPath,omitempty"`
	AwaitStepID       string        `json:"awaitStepId,omitempty"`
	MinSuccessPercent *float64      `json:"minSuccessPercent,omitempty" validate:"omitempty,gte=0,lte=100"`
	JoinBoundary      *BoundarySpec `json:"joinBoundary,omitempty"`

	// Block form of the same settings. Fields set on the step take precedence.
	ForeachConfig *ForeachSpec `json:"foreachConfig,omitempty"`
	JoinConfig    *JoinSpec    `json:"joinConfig,omitempty"`
	FlowConfig    *FlowSpec    `json:"flowConfig,omitempty"`
}

// Foreach merges the step-level foreach fields over the foreachConfig block.
func (s *StepSpec) Foreach() ForeachSpec {
	var merged ForeachSpec
	if s.ForeachConfig != nil {
		merged = *s.ForeachConfig
	}

	if s.ItemsPath != "" {
		merged.ItemsPath = s.ItemsPath
	}

	if s.ItemVariable != "" {
		merged.ItemVariable = s.ItemVariable
	}

	if s.MaxItems > 0 {
		merged.MaxItems = s.MaxItems
	}

	if s.ExpectedCountPath != "" {
		merged.ExpectedCountPath = s.ExpectedCountPath
	}

	return merged
}

// Join merges the step-level join fields over the joinConfig block.
func (s *StepSpec) Join() JoinSpec {
	var merged JoinSpec
	if s.JoinConfig != nil {
		merged = *s.JoinConfig
	}

	if s.AwaitStepID != "" {
		merged.AwaitStepID = s.AwaitStepID
	}

	if s.MinSuccessPercent != nil {
		merged.MinSuccessPercent = s.MinSuccessPercent
	}

	if s.ExpectedCountPath != "" {
		merged.ExpectedCountPath = s.ExpectedCountPath
	}

	if s.JoinBoundary != nil {
		merged.Boundary = s.JoinBoundary
	}

	return merged
}

// CallSpec configures an outbound call. Unset fields fall back to the other
// call block of the step, then to defaults.
type CallSpec struct {
	URL             string            `json:"url,omitempty"`
	Method          string            `json:"method,omitempty" validate:"omitempty,oneof=GET POST PUT PATCH DELETE get post put patch delete"`
	Headers         map[string]string `json:"headers,omitempty"`
	Body            any               `json:"body,omitempty"`
	TimeoutMs       *int              `json:"timeoutMs,omitempty" validate:"omitempty,gte=0"`
	SuccessStatuses []int             `json:"successStatuses,omitempty" validate:"dive,gte=100,lte=599"`
	Mode            string            `json:"mode,omitempty" validate:"omitempty,oneof=complete callback"`
	RetryCount      *int              `json:"retryCount,omitempty" validate:"omitempty,gte=0"`
	RetryDelayMs    *int              `json:"retryDelayMs,omitempty" validate:"omitempty,gte=0"`
}

type ForeachSpec struct {
	ItemsPath         string `json:"itemsPath,omitempty"`
	ItemVariable      string `json:"itemVariable,omitempty"`
	MaxItems          int    `json:"maxItems,omitempty" validate:"gte=0"`
	ExpectedCount     *int   `json:"expectedCount,omitempty" validate:"omitempty,gte=0"`
	ExpectedCountPath string `json:"expectedCountPath,omitempty"`
}

type BoundarySpec struct {
	TimeoutSeconds int    `json:"timeoutSeconds,omitempty" validate:"gte=0"`
	OnTimeout      string `json:"onTimeout,omitempty" validate:"omitempty,oneof=fail proceed"`
}

type JoinSpec struct {
	AwaitStepID       string        `json:"awaitStepId,omitempty"`
	MinSuccessPercent *float64      `json:"minSuccessPercent,omitempty" validate:"omitempty,gte=0,lte=100"`
	ExpectedCount     *int          `json:"expectedCount,omitempty" validate:"omitempty,gte=0"`
	ExpectedCountPath string        `json:"expectedCountPath,omitempty"`
	InputPath         string        `json:"inputPath,omitempty"`
	Boundary          *BoundarySpec `json:"boundary,omitempty"`
}

type FlowSpec struct {
	WorkflowID string `json:"workflowId,omitempty"`
}
