package definitions

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidDefinition indicates a definition failed validation.
	ErrInvalidDefinition = errors.New("invalid workflow definition")

	// ErrDefinitionNotFound indicates no definition exists for the given id.
	ErrDefinitionNotFound = errors.New("workflow definition not found")
)

// ValidationError lists every problem found in one definition.
type ValidationError struct {
	WorkflowID string
	Errors     []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%v %q: %s", ErrInvalidDefinition, e.WorkflowID, strings.Join(e.Errors, "; "))
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidDefinition
}

// IsInvalidDefinition checks if an error indicates a definition failed validation.
func IsInvalidDefinition(err error) bool {
	return errors.Is(err, ErrInvalidDefinition)
}
