package profiles

import (
	"errors"
	"fmt"
)

var (
	ErrNoRegistryConfigured = errors.New("no profile registry configured")
	ErrRegistryNotFound     = errors.New("registry not found")
	ErrProfileNotFound      = errors.New("profile not found")
	ErrVersionConflict      = errors.New("version conflict")
	ErrPolicyViolation      = errors.New("policy violation")
	ErrValidation           = errors.New("validation error")
	ErrReadOnlyStore        = errors.New("store is read-only")
)

// VersionConflictError is returned when SaveOptions.ExpectedVersion does not
// match the stored version.
type VersionConflictError struct {
	Resource string
	Slug     string
	Expected uint64
	Actual   uint64
}

func (e *VersionConflictError) Error() string {
	if e == nil {
		return ErrVersionConflict.Error()
	}
	return fmt.Sprintf("%s %q: expected version %d, found %d", e.Resource, e.Slug, e.Expected, e.Actual)
}

func (e *VersionConflictError) Is(target error) bool { return target == ErrVersionConflict }

// PolicyViolationError reports a request override the profile policy denies.
type PolicyViolationError struct {
	ProfileSlug ProfileSlug
	Key         OverrideKey
	Reason      string
}

func (e *PolicyViolationError) Error() string {
	if e == nil {
		return ErrPolicyViolation.Error()
	}
	msg := ErrPolicyViolation.Error()
	if !e.ProfileSlug.IsZero() {
		msg += fmt.Sprintf(" for profile %q", e.ProfileSlug)
	}
	if e.Key != "" {
		msg += fmt.Sprintf(" on key %q", e.Key)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *PolicyViolationError) Is(target error) bool { return target == ErrPolicyViolation }

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e == nil {
		return ErrValidation.Error()
	}
	if e.Field == "" {
		return fmt.Sprintf("%s: %s", ErrValidation, e.Reason)
	}
	return fmt.Sprintf("%s: %s %s", ErrValidation, e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }
