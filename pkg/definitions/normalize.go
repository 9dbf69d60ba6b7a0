package definitions

import (
	"net/http"
	"strings"

	"github.com/dukex/taskflow/pkg/models"
)

const (
	defaultItemVariable      = "item"
	defaultMinSuccessPercent = 100
)

// Normalize converts a validated spec into the engine's definition, resolving
// every per-type default once.
func Normalize(spec *WorkflowSpec) *models.WorkflowDefinition {
	def := &models.WorkflowDefinition{
		ID:                    spec.ID,
		Name:                  spec.Name,
		IsActive:              spec.IsActive == nil || *spec.IsActive,
		RootTaskTitleTemplate: spec.RootTaskTitleTemplate,
		Steps:                 make([]*models.Step, 0, len(spec.Steps)),
	}

	for _, stepSpec := range spec.Steps {
		def.Steps = append(def.Steps, normalizeStep(stepSpec))
	}

	return def
}

func normalizeStep(spec *StepSpec) *models.Step {
	step := &models.Step{
		ID:                     spec.ID,
		Name:                   spec.Name,
		Type:                   models.StepType(spec.StepType),
		DefaultConnection:      spec.DefaultConnection,
		InputPath:              spec.InputPath,
		TitleTemplate:          spec.TitleTemplate,
		DefaultAssigneeID:      spec.DefaultAssigneeID,
		AdditionalInstructions: spec.AdditionalInstructions,
	}

	if step.Name == "" {
		step.Name = spec.ID
	}

	for _, conn := range spec.Connections {
		step.Connections = append(step.Connections, &models.Connection{
			TargetStepID: conn.TargetStepID,
			Condition:    conn.Condition,
			Label:        conn.Label,
		})
	}

	switch step.Type {
	case models.StepTypeTrigger:
		step.Config = models.TriggerConfig{}
	case models.StepTypeAgent, models.StepTypeManual:
		step.Config = models.HumanConfig{Kind: step.Type}
	case models.StepTypeExternal, models.StepTypeWebhook:
		step.Config = normalizeCall(step.Type, mergeCall(spec))
	case models.StepTypeDecision:
		step.Config = models.DecisionConfig{}
	case models.StepTypeForeach:
		step.Config = normalizeForeach(spec.Foreach())
	case models.StepTypeJoin:
		step.Config = normalizeJoin(spec.Join())
	case models.StepTypeFlow:
		cfg := models.FlowConfig{}
		if spec.FlowConfig != nil {
			cfg.WorkflowID = spec.FlowConfig.WorkflowID
		}

		step.Config = cfg
	}

	return step
}

// mergeCall overlays externalConfig on webhookConfig field by field.
func mergeCall(spec *StepSpec) CallSpec {
	var merged CallSpec

	for _, layer := range []*CallSpec{spec.WebhookConfig, spec.ExternalConfig} {
		if layer == nil {
			continue
		}

		if layer.URL != "" {
			merged.URL = layer.URL
		}

		if layer.Method != "" {
			merged.Method = layer.Method
		}

		if len(layer.Headers) > 0 {
			if merged.Headers == nil {
				merged.Headers = map[string]string{}
			}

			for key, value := range layer.Headers {
				merged.Headers[key] = value
			}
		}

		if layer.Body != nil {
			merged.Body = layer.Body
		}

		if layer.TimeoutMs != nil {
			merged.TimeoutMs = layer.TimeoutMs
		}

		if len(layer.SuccessStatuses) > 0 {
			merged.SuccessStatuses = layer.SuccessStatuses
		}

		if layer.Mode != "" {
			merged.Mode = layer.Mode
		}

		if layer.RetryCount != nil {
			merged.RetryCount = layer.RetryCount
		}

		if layer.RetryDelayMs != nil {
			merged.RetryDelayMs = layer.RetryDelayMs
		}
	}

	return merged
}

func normalizeCall(kind models.StepType, spec CallSpec) models.CallConfig {
	cfg := models.CallConfig{
		Kind:            kind,
		URL:             spec.URL,
		Method:          strings.ToUpper(spec.Method),
		Headers:         spec.Headers,
		Body:            spec.Body,
		SuccessStatuses: spec.SuccessStatuses,
		Mode:            models.CallMode(spec.Mode),
	}

	if cfg.Method == "" {
		cfg.Method = http.MethodPost
	}

	if cfg.Mode == "" {
		cfg.Mode = models.CallModeComplete
		if kind == models.StepTypeExternal {
			cfg.Mode = models.CallModeCallback
		}
	}

	if spec.TimeoutMs != nil {
		cfg.TimeoutMs = *spec.TimeoutMs
	}

	if spec.RetryCount != nil {
		cfg.RetryCount = *spec.RetryCount
	}

	if spec.RetryDelayMs != nil {
		cfg.RetryDelayMs = *spec.RetryDelayMs
	}

	return cfg
}

func normalizeForeach(spec ForeachSpec) models.ForeachConfig {
	cfg := models.ForeachConfig{ItemVariable: defaultItemVariable}
	cfg.ItemsPath = spec.ItemsPath
	cfg.MaxItems = spec.MaxItems
	cfg.ExpectedCount = spec.ExpectedCount
	cfg.ExpectedCountPath = spec.ExpectedCountPath

	if spec.ItemVariable != "" {
		cfg.ItemVariable = spec.ItemVariable
	}

	return cfg
}

func normalizeJoin(spec JoinSpec) models.JoinConfig {
	cfg := models.JoinConfig{MinSuccessPercent: defaultMinSuccessPercent}
	cfg.AwaitStepID = spec.AwaitStepID
	cfg.ExpectedCount = spec.ExpectedCount
	cfg.ExpectedCountPath = spec.ExpectedCountPath
	cfg.InputPath = spec.InputPath

	if spec.MinSuccessPercent != nil {
		cfg.MinSuccessPercent = *spec.MinSuccessPercent
	}

	if spec.Boundary != nil && spec.Boundary.TimeoutSeconds > 0 {
		cfg.Boundary = &models.JoinBoundary{
			TimeoutSeconds: spec.Boundary.TimeoutSeconds,
			OnTimeout:      models.JoinTimeoutAction(spec.Boundary.OnTimeout),
		}

		if cfg.Boundary.OnTimeout == "" {
			cfg.Boundary.OnTimeout = models.JoinTimeoutFail
		}
	}

	return cfg
}
