package definitions

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dukex/taskflow/pkg/condition"
	"github.com/dukex/taskflow/pkg/models"
	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Parse validates a decoded definition document and returns its spec.
func Parse(document map[string]any) (*WorkflowSpec, error) {
	id, _ := document["id"].(string)

	problems, err := validateDocument(document)
	if err != nil {
		return nil, fmt.Errorf("failed to validate definition %q: %w", id, err)
	}

	if len(problems) > 0 {
		return nil, &ValidationError{WorkflowID: id, Errors: problems}
	}

	raw, err := json.Marshal(document)
	if err != nil {
		return nil, fmt.Errorf("failed to encode definition %q: %w", id, err)
	}

	var spec WorkflowSpec
	if err := json.Unmarshal(raw, &spec); err != nil {
		return nil, &ValidationError{WorkflowID: id, Errors: []string{err.Error()}}
	}

	if err := Validate(&spec); err != nil {
		return nil, err
	}

	return &spec, nil
}

// Validate checks struct constraints and graph consistency of a spec.
func Validate(spec *WorkflowSpec) error {
	var problems []string

	if err := validate.Struct(spec); err != nil {
		if fieldErrors, ok := err.(validator.ValidationErrors); ok {
			for _, fieldError := range fieldErrors {
				problems = append(problems, fmt.Sprintf("%s failed on %s", fieldError.Namespace(), fieldError.Tag()))
			}
		} else {
			problems = append(problems, err.Error())
		}
	}

	if len(problems) == 0 {
		problems = append(problems, graphProblems(spec)...)
	}

	if len(problems) > 0 {
		return &ValidationError{WorkflowID: spec.ID, Errors: problems}
	}

	return nil
}

func graphProblems(spec *WorkflowSpec) []string {
	var problems []string

	ids := make(map[string]bool, len(spec.Steps))

	for _, step := range spec.Steps {
		if ids[step.ID] {
			problems = append(problems, fmt.Sprintf("duplicate step id %q", step.ID))
		}

		ids[step.ID] = true
	}

	for _, step := range spec.Steps {
		for _, conn := range step.Connections {
			if !ids[conn.TargetStepID] {
				problems = append(problems, fmt.Sprintf("step %q connects to unknown step %q", step.ID, conn.TargetStepID))
			}

			if conn.TargetStepID == step.ID {
				problems = append(problems, fmt.Sprintf("step %q connects to itself", step.ID))
			}

			if conn.Condition != "" {
				if _, err := condition.Parse(conn.Condition); err != nil {
					problems = append(problems, fmt.Sprintf("step %q: %v", step.ID, err))
				}
			}
		}

		if step.DefaultConnection != "" && !ids[step.DefaultConnection] {
			problems = append(problems, fmt.Sprintf("step %q has unknown default connection %q", step.ID, step.DefaultConnection))
		}

		switch models.StepType(step.StepType) {
		case models.StepTypeExternal, models.StepTypeWebhook:
			if strings.TrimSpace(mergeCall(step).URL) == "" {
				problems = append(problems, fmt.Sprintf("step %q requires a url", step.ID))
			}
		case models.StepTypeJoin:
			if await := step.Join().AwaitStepID; await != "" && !ids[await] {
				problems = append(problems, fmt.Sprintf("join %q awaits unknown step %q", step.ID, await))
			}
		case models.StepTypeDecision:
			if len(step.Connections) == 0 && step.DefaultConnection == "" {
				problems = append(problems, fmt.Sprintf("decision %q has no connections", step.ID))
			}
		}
	}

	return problems
}
