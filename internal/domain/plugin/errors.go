package plugin

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for programmatic error handling.
var (
	// ErrNilDescriptor indicates a nil descriptor was provided.
	ErrNilDescriptor = errors.New("descriptor cannot be nil")
	// ErrEmptyPluginID indicates a plugin id was empty.
	ErrEmptyPluginID = errors.New("plugin id cannot be empty")
	// ErrPluginNotFound indicates the plugin id is not registered.
	ErrPluginNotFound = errors.New("plugin not found")
)

// PluginExistsError indicates a plugin id is already registered.
//
//nolint:revive // Name mirrors the other *Error types in this package
type PluginExistsError struct {
	ID string
}

func (e *PluginExistsError) Error() string {
	return fmt.Sprintf("plugin %q already registered", e.ID)
}

// MissingDependencyError indicates a declared dependency is not registered.
type MissingDependencyError struct {
	ID         string
	Dependency string
}

func (e *MissingDependencyError) Error() string {
	return fmt.Sprintf("plugin %q requires %q, which is not registered", e.ID, e.Dependency)
}

// CyclicDependencyError indicates adding an edge would close a cycle.
type CyclicDependencyError struct {
	Cycle []string
}

func (e *CyclicDependencyError) Error() string {
	return fmt.Sprintf("cyclic dependency detected: %s", strings.Join(e.Cycle, " -> "))
}

// DependentBlockError indicates disable or unregister was refused because
// another plugin still depends on the target.
type DependentBlockError struct {
	Op        string
	ID        string
	Dependent string
}

func (e *DependentBlockError) Error() string {
	return fmt.Sprintf("cannot %s plugin %q: %q depends on it", e.Op, e.ID, e.Dependent)
}

// InvalidTransitionError indicates a lifecycle move that the state machine
// does not permit.
type InvalidTransitionError struct {
	ID   string
	From State
	To   State
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("plugin %q: invalid transition %s -> %s", e.ID, e.From, e.To)
}

// LifecycleError wraps a failure inside a hook, Initialize or Destroy.
type LifecycleError struct {
	ID    string
	Phase string
	Err   error
}

func (e *LifecycleError) Error() string {
	return fmt.Sprintf("plugin %q: %s failed: %v", e.ID, e.Phase, e.Err)
}

func (e *LifecycleError) Unwrap() error { return e.Err }

// ValidationError collects multiple validation failures.
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	if len(e.Errors) == 1 {
		return e.Errors[0]
	}
	return fmt.Sprintf("validation failed: %s", strings.Join(e.Errors, "; "))
}

// Add adds an error message to the collection.
func (e *ValidationError) Add(msg string) {
	e.Errors = append(e.Errors, msg)
}

// Addf adds a formatted error message to the collection.
func (e *ValidationError) Addf(format string, args ...any) {
	e.Errors = append(e.Errors, fmt.Sprintf(format, args...))
}

// HasErrors returns true if there are validation errors.
func (e *ValidationError) HasErrors() bool {
	return len(e.Errors) > 0
}

// ChecksumError indicates a manifest checksum verification failure.
type ChecksumError struct {
	Path     string
	Expected string
	Actual   string
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("checksum mismatch for %s: expected %s, got %s", e.Path, e.Expected, e.Actual)
}

// IsConfiguration reports whether err belongs to the configuration error
// class: duplicate id, missing dependency, cycle, blocked dependent or a
// descriptor validation failure. Configuration errors are raised
// synchronously and never leave partial mutations behind.
func IsConfiguration(err error) bool {
	var (
		exists     *PluginExistsError
		missing    *MissingDependencyError
		cyclic     *CyclicDependencyError
		blocked    *DependentBlockError
		validation *ValidationError
	)
	return errors.As(err, &exists) ||
		errors.As(err, &missing) ||
		errors.As(err, &cyclic) ||
		errors.As(err, &blocked) ||
		errors.As(err, &validation) ||
		errors.Is(err, ErrNilDescriptor) ||
		errors.Is(err, ErrEmptyPluginID)
}

// IsCyclicDependency returns true if the error is a cyclic dependency error.
func IsCyclicDependency(err error) bool {
	var cyclicErr *CyclicDependencyError
	return errors.As(err, &cyclicErr)
}

// IsDependentBlock returns true if the error indicates a blocking dependent.
func IsDependentBlock(err error) bool {
	var blockErr *DependentBlockError
	return errors.As(err, &blockErr)
}

// IsLifecycle returns true if the error wraps a hook or behavior failure.
func IsLifecycle(err error) bool {
	var lifecycleErr *LifecycleError
	return errors.As(err, &lifecycleErr)
}

// IsValidationError returns true if the error is a validation error.
func IsValidationError(err error) bool {
	var validationErr *ValidationError
	return errors.As(err, &validationErr)
}
