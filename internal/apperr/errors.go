// Package apperr carries business rule violations up to the HTTP layer with
// their status and machine-readable code.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func New(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

func Validation(message string, details any) *DomainError {
	return New(http.StatusUnprocessableEntity, "VALIDATION_ERROR", message, details)
}

func BadRequest(code, message string, details any) *DomainError {
	return New(http.StatusBadRequest, code, message, details)
}

func NotFound(message string) *DomainError {
	return New(http.StatusNotFound, "NOT_FOUND", message, nil)
}

func Forbidden(message string) *DomainError {
	return New(http.StatusForbidden, "FORBIDDEN", message, nil)
}

func Conflict(code, message string, details any) *DomainError {
	return New(http.StatusConflict, code, message, details)
}

// InvalidStatus reports a workflow transition attempted from the wrong state.
func InvalidStatus(entity, current, action string) *DomainError {
	return New(http.StatusConflict, "INVALID_STATUS",
		fmt.Sprintf("%s in status %s cannot be %s", entity, current, action),
		map[string]any{"currentStatus": current})
}

func Locked(message string, details any) *DomainError {
	return New(http.StatusLocked, "ENTITY_LOCKED", message, details)
}

// As unwraps err to a DomainError.
func As(err error) (*DomainError, bool) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr, true
	}
	return nil, false
}
