package app

import (
	"errors"
	"fmt"
	"net/http"

	"waypoint/api/internal/auth"
	"waypoint/api/internal/movement"
)

// DomainError is an error the HTTP layer knows how to present.
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

// mapError translates service errors into HTTP responses. Movement
// refusals keep their classification in the code field so clients can
// react without parsing messages.
func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	var moveErr *movement.Error
	if errors.As(err, &moveErr) {
		switch moveErr.Kind {
		case movement.PolicyViolation:
			return http.StatusForbidden, "POLICY_VIOLATION", moveErr.Message, nil
		case movement.HookRejection:
			return http.StatusBadRequest, "HOOK_REJECTION", moveErr.Message, nil
		case movement.LimitExceeded:
			return http.StatusBadRequest, "LIMIT_EXCEEDED", moveErr.Message, nil
		case movement.CommitConflict:
			return http.StatusConflict, "COMMIT_CONFLICT", moveErr.Message, nil
		case movement.SideEffectFailure:
			return http.StatusInternalServerError, "SIDE_EFFECT_FAILURE", moveErr.Message, nil
		}
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrBadCredentials) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "INTERNAL", "Internal error", nil
}
