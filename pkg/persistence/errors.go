package persistence

import (
	"errors"
	"fmt"
)

// Standard persistence error types that all implementations should use.
var (
	// ErrNotFound indicates no document exists for the given identifier.
	ErrNotFound = errors.New("document not found")

	// ErrAlreadyExists indicates a document with the same identifier already exists.
	ErrAlreadyExists = errors.New("document already exists")

	// ErrConditionFailed indicates a conditional update found the document in another state.
	ErrConditionFailed = errors.New("document condition failed")

	// ErrInvalidDocument indicates a document without an id or that cannot be encoded.
	ErrInvalidDocument = errors.New("invalid document")
)

// DocumentError wraps document errors with the operation and target.
type DocumentError struct {
	Op         string // Operation being performed (e.g., "Get", "Insert", "Update")
	Collection string
	ID         string
	Err        error
}

func (e *DocumentError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("%s operation failed on %s: %v", e.Op, e.Collection, e.Err)
	}

	return fmt.Sprintf("%s operation failed for %s/%s: %v", e.Op, e.Collection, e.ID, e.Err)
}

func (e *DocumentError) Unwrap() error {
	return e.Err
}

// Is implements error comparison for document errors.
func (e *DocumentError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewDocumentError creates a new document error with context.
func NewDocumentError(op, collection, id string, err error) *DocumentError {
	return &DocumentError{
		Op:         op,
		Collection: collection,
		ID:         id,
		Err:        err,
	}
}

// IsNotFound checks if an error indicates a document was not found.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsAlreadyExists checks if an error indicates a duplicate document.
func IsAlreadyExists(err error) bool {
	return errors.Is(err, ErrAlreadyExists)
}

// IsConditionFailed checks if an error indicates a lost conditional write.
func IsConditionFailed(err error) bool {
	return errors.Is(err, ErrConditionFailed)
}
