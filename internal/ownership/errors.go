package ownership

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrUnauthorized      = errors.New("actor does not own this story")
	ErrSafetyBlocked     = errors.New("blocked by cultural safety policy")
	ErrTenantUnresolved  = errors.New("tenant could not be resolved")
	ErrValidation        = errors.New("validation failed")
	ErrEmbedsDisabled    = errors.New("embeds are disabled for this story")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// SafetyError reports why the cultural safety policy refused an operation.
type SafetyError struct {
	Rule                  string
	Reason                string
	RequiresElderApproval bool
	SensitivityLevel      Sensitivity
}

func (e *SafetyError) Error() string {
	return "cultural safety: " + e.Reason
}

func (e *SafetyError) Unwrap() error { return ErrSafetyBlocked }

// PartialError lists the failed sub-steps of a composite operation.
type PartialError struct {
	Op     string
	Errors []string
}

func (e *PartialError) Error() string {
	return fmt.Sprintf("%s: %d step(s) failed: %s", e.Op, len(e.Errors), strings.Join(e.Errors, "; "))
}

// Validationf wraps ErrValidation with a formatted message.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
