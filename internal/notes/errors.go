package notes

import "fmt"

// PermissionError reports an ownership-restricted operation attempted by a non-owner.
type PermissionError struct {
	Operation string
	NoteID    NoteID
	UserID    UserID
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("notes: %s cannot %s note %s: only the owner may", e.UserID, e.Operation, e.NoteID)
}

// ServiceError carries an operation.reason code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

// NewServiceError builds a ServiceError with an operation.reason code.
func NewServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}
