// Package bgerrors defines the typed error taxonomy shared across the
// engine so the driver can choose an exit code by type-switching
// instead of matching error strings.
package bgerrors

import (
	"fmt"
	"strings"
)

// DuplicateTargetError is a registration error: a target name collided
// with one already registered.
type DuplicateTargetError struct {
	Name          string
	ExistingOwner string
}

func (e *DuplicateTargetError) Error() string {
	return fmt.Sprintf("target %q is already registered (by %s)", e.Name, e.ExistingOwner)
}

// BadArgumentError is a registration error raised for malformed rule
// arguments (empty outputs, nil action, etc).
type BadArgumentError struct {
	Detail string
}

func (e *BadArgumentError) Error() string {
	return fmt.Sprintf("bad argument: %s", e.Detail)
}

// CycleError is a resolution error reporting the on-stack path that
// closed a cycle.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("circular dependency detected: %s", strings.Join(e.Path, " -> "))
}

// MissingInputError is a resolution error: a dependency name names
// neither a registered target nor an existing path on disk.
type MissingInputError struct {
	Input  string
	Target string
}

func (e *MissingInputError) Error() string {
	return fmt.Sprintf("dependency %q not found for target %q, and no rule available to create it", e.Input, e.Target)
}

// UnknownGoalError is a resolution error: an explicitly requested goal
// is not registered.
type UnknownGoalError struct {
	Goal string
}

func (e *UnknownGoalError) Error() string {
	return fmt.Sprintf("unknown goal %q", e.Goal)
}

// ActionFailedError is an execution error: the action returned a
// non-nil error, or an I/O failure during stat/hash/unlink was
// attributed to the target.
type ActionFailedError struct {
	Target string
	Err    error
}

func (e *ActionFailedError) Error() string {
	return fmt.Sprintf("action for target %q failed: %v", e.Target, e.Err)
}

func (e *ActionFailedError) Unwrap() error { return e.Err }

// OutputMissingError is an execution error: the action returned
// successfully but a declared output does not exist on disk.
type OutputMissingError struct {
	Target string
	Output string
}

func (e *OutputMissingError) Error() string {
	return fmt.Sprintf("target %q: declared output %q does not exist after a successful action", e.Target, e.Output)
}
