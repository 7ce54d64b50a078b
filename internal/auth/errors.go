// internal/auth/errors.go
package auth

import (
	"fmt"
	"strings"
	"time"
)

// FieldNotFillableError indicates every fill strategy was exhausted for a
// selector. Fatal for the current attempt, not for the orchestration run.
type FieldNotFillableError struct {
	Selector string
	Tried    []string
}

func (e *FieldNotFillableError) Error() string {
	return fmt.Sprintf("field %q could not be filled; strategies tried: %s",
		e.Selector, strings.Join(e.Tried, ", "))
}

// SubmissionTimeoutError indicates a bounded wait inside credential
// submission overran. The page may simply be slow, so callers downgrade this
// to an unknown state rather than treating it as a login failure.
type SubmissionTimeoutError struct {
	Stage   string
	Timeout time.Duration
	Err     error
}

func (e *SubmissionTimeoutError) Error() string {
	return fmt.Sprintf("submission stage %q exceeded %s: %v", e.Stage, e.Timeout, e.Err)
}

func (e *SubmissionTimeoutError) Unwrap() error { return e.Err }

// CleanupActionError wraps a failure inside one remediation action. It is
// logged and swallowed; cleanup must never become the reason authentication
// fails.
type CleanupActionError struct {
	Action string
	Err    error
}

func (e *CleanupActionError) Error() string {
	return fmt.Sprintf("cleanup action %q failed: %v", e.Action, e.Err)
}

func (e *CleanupActionError) Unwrap() error { return e.Err }
