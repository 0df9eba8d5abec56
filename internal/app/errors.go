package app

import (
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

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

// forbiddenError carries the specific denial reason so callers can tell
// not_creator from not_creator_or_assignee.
func forbiddenError(reason string) *DomainError {
	return domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", map[string]any{"reason": reason})
}

// notFoundError is deliberately uniform: a resource that exists but belongs
// to someone else looks exactly like one that never existed.
func notFoundError() *DomainError {
	return domainError(http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func validationError(message string) *DomainError {
	return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", message, nil)
}
