package pack

import (
	"errors"
	"fmt"
)

var (
	// ErrDomainPackNotFound indicates no domain pack is registered for the binding
	ErrDomainPackNotFound = errors.New("domain pack not found")

	// ErrTenantPolicyNotFound indicates no tenant policy pack is registered for the binding
	ErrTenantPolicyNotFound = errors.New("tenant policy pack not found")

	// ErrVersionNotFound indicates the requested pack version is not registered
	ErrVersionNotFound = errors.New("pack version not found")

	// ErrVersionExists indicates the pack version is already registered
	ErrVersionExists = errors.New("pack version already registered")

	// ErrNoActiveVersion indicates the binding has registered versions but none active
	ErrNoActiveVersion = errors.New("no active pack version")

	// ErrPackRejected indicates ingest validation found errors
	ErrPackRejected = errors.New("pack rejected by validation")

	// ErrInvalidPackFile indicates a pack file could not be decoded
	ErrInvalidPackFile = errors.New("invalid pack file")

	// ErrMissingRequiredField indicates a required field is missing
	ErrMissingRequiredField = errors.New("missing required field")

	// ErrInvalidValue indicates a field has an invalid value
	ErrInvalidValue = errors.New("invalid field value")

	// ErrInvalidReference indicates an invalid cross-reference inside a pack
	ErrInvalidReference = errors.New("invalid pack reference")
)

// ValidationError wraps pack validation errors with context
type ValidationError struct {
	Component string // Component being validated (domain_pack, tenant_policy, exception_type, tool, playbook)
	ID        string // ID of the component
	Field     string // Field name (optional)
	Err       error  // Underlying error
}

// Error returns formatted error message
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s '%s': field '%s': %v", e.Component, e.ID, e.Field, e.Err)
	}
	return fmt.Sprintf("%s '%s': %v", e.Component, e.ID, e.Err)
}

// Unwrap returns the underlying error
func (e *ValidationError) Unwrap() error {
	return e.Err
}

// NewValidationError creates a new validation error
func NewValidationError(component, id, field string, err error) *ValidationError {
	return &ValidationError{
		Component: component,
		ID:        id,
		Field:     field,
		Err:       err,
	}
}

// LoadError wraps pack loading errors with file context
type LoadError struct {
	File string // Pack file being loaded
	Err  error  // Underlying error
}

// Error returns formatted error message
func (e *LoadError) Error() string {
	return fmt.Sprintf("failed to load %s: %v", e.File, e.Err)
}

// Unwrap returns the underlying error
func (e *LoadError) Unwrap() error {
	return e.Err
}

// NewLoadError creates a new load error
func NewLoadError(file string, err error) *LoadError {
	return &LoadError{
		File: file,
		Err:  err,
	}
}
