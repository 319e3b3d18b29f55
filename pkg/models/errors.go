package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned when a requested row does not exist
	ErrNotFound = errors.New("not found")
	// ErrAlreadyResolved is returned when a verdict targets a resolved review item
	ErrAlreadyResolved = errors.New("review item already resolved")
	// ErrAlreadyReversed is returned when a merge record already has a reversal
	ErrAlreadyReversed = errors.New("merge record already reversed")
	// ErrNotReversible is returned for merge records that have no inverse
	ErrNotReversible = errors.New("merge record kind is not reversible")
	// ErrStaleReversal is returned when entities changed after the merge being reversed
	ErrStaleReversal = errors.New("entities changed since merge; reverse later records first")
	// ErrTransient marks storage errors that are safe to retry
	ErrTransient = errors.New("transient storage error")
	// ErrInvalidTransition is returned for relationship status changes that need a reversal
	ErrInvalidTransition = errors.New("invalid relationship status transition")
)

// ValidationError reports a malformed input record. Nothing is written.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
}

// NewValidationError builds a ValidationError
func NewValidationError(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// MatchConflictError reports deterministic keys that resolve to different entities
type MatchConflictError struct {
	EntityIDs []string
	Keys      []DeterministicKey
}

func (e *MatchConflictError) Error() string {
	return fmt.Sprintf("deterministic keys resolve to %d different entities: %s", len(e.EntityIDs), strings.Join(e.EntityIDs, ", "))
}

// ScorerUnavailableError reports a Tier 2 scoring failure
type ScorerUnavailableError struct {
	RelationshipType string
	ModelVersion     string
	Err              error
}

func (e *ScorerUnavailableError) Error() string {
	return fmt.Sprintf("scorer unavailable for %q (model %q): %v", e.RelationshipType, e.ModelVersion, e.Err)
}

func (e *ScorerUnavailableError) Unwrap() error {
	return e.Err
}

// EscalationTimeoutError reports a Tier 3 call that exceeded its bound
type EscalationTimeoutError struct {
	CacheKey string
	Timeout  time.Duration
}

func (e *EscalationTimeoutError) Error() string {
	return fmt.Sprintf("escalation %s timed out after %s", e.CacheKey, e.Timeout)
}

// GateFailureError blocks a threshold change or scorer deployment
type GateFailureError struct {
	Action       string
	FailingGates []string
}

func (e *GateFailureError) Error() string {
	return fmt.Sprintf("%s blocked by release gates: %s", e.Action, strings.Join(e.FailingGates, ", "))
}

// IsTransient reports whether err is marked as retryable
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}
