package app

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"

	"chronicle/anchoredit/internal/annotation"
	"chronicle/anchoredit/internal/apply"
	"chronicle/anchoredit/internal/auth"
	"chronicle/anchoredit/internal/authpw"
	"chronicle/anchoredit/internal/docrepo"
	"chronicle/anchoredit/internal/lease"
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

// applyStatus maps an apply failure kind to an HTTP status.
func applyStatus(kind apply.Kind) int {
	switch kind {
	case apply.KindInvalidInput, apply.KindEmptyReplacement:
		return http.StatusUnprocessableEntity
	case apply.KindRecordNotFound:
		return http.StatusNotFound
	case apply.KindAlreadyResolved, apply.KindLocked,
		apply.KindAnchorNotFound, apply.KindAnchorAmbiguous,
		apply.KindConflictElsewhere, apply.KindConflictInTarget:
		return http.StatusConflict
	case apply.KindCancelled:
		return 499
	case apply.KindSurfaceUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// applyDomainError wraps an engine error and the result view for the client.
func applyDomainError(err error, view ApplyView) *DomainError {
	var applyErr *apply.Error
	if !errors.As(err, &applyErr) {
		return domainError(http.StatusInternalServerError, "SERVER_ERROR", "Apply failed", map[string]any{"result": view})
	}
	message := apply.UserMessage(applyErr.Kind)
	if message == "" {
		message = applyErr.Message
	}
	details := map[string]any{"result": view}
	for key, value := range applyErr.Details {
		details[key] = value
	}
	return domainError(applyStatus(applyErr.Kind), string(applyErr.Kind), message, details)
}

func validationError(err error) *DomainError {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
	}
	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		fields[fe.Field()] = fe.Tag()
	}
	return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Invalid input", map[string]any{"fields": fields})
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, annotation.ErrNotFound) || errors.Is(err, docrepo.ErrDocumentNotFound) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, docrepo.ErrInvalidDocumentID) {
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Invalid document id", nil
	}
	if errors.Is(err, lease.ErrHeld) {
		return http.StatusConflict, string(apply.KindLocked), apply.UserMessage(apply.KindLocked), nil
	}
	if errors.Is(err, authpw.ErrInvalidCredentials) {
		return http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid username or password", nil
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
