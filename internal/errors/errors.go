// Package errors provides structured error types for the workflow engine.
package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors for common failure modes.
var (
	ErrNotFound        = errors.New("resource not found")
	ErrDenied          = errors.New("access denied")
	ErrInvalidInput    = errors.New("invalid input")
	ErrTimeout         = errors.New("operation timed out")
	ErrAuthFailure     = errors.New("authentication failed")
	ErrRateLimit       = errors.New("rate limit exceeded")
	ErrUnavailable     = errors.New("service unavailable")
	ErrStageLocked     = errors.New("stage content is locked")
	ErrStaleAssessment = errors.New("assessment is stale: content changed during scoring")
)

// APIError represents an error from the external generation/scoring capability.
type APIError struct {
	Service    string
	StatusCode int
	Message    string
	Err        error
}

func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s API error (status %d): %s: %v", e.Service, e.StatusCode, e.Message, e.Err)
	}
	return fmt.Sprintf("%s API error (status %d): %s", e.Service, e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error { return e.Err }

// NewAPIError creates a new API error.
func NewAPIError(service string, statusCode int, message string) *APIError {
	return &APIError{Service: service, StatusCode: statusCode, Message: message}
}

// InvalidStageTransitionError reports an out-of-order or malformed stage
// operation. Caller error, never retried by the engine.
type InvalidStageTransitionError struct {
	Current   string
	Requested string
	Reason    string
}

func (e *InvalidStageTransitionError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("invalid stage transition %s -> %s: %s", e.Current, e.Requested, e.Reason)
	}
	return fmt.Sprintf("invalid stage transition %s -> %s", e.Current, e.Requested)
}

// QualityGateNotMetError reports a failed quality gate with the achieved
// score and the gap to the threshold.
type QualityGateNotMetError struct {
	Stage     string
	Score     float64
	Threshold float64
}

func (e *QualityGateNotMetError) Error() string {
	return fmt.Sprintf("quality gate not met for %s: score %.1f, threshold %.1f, gap %.1f",
		e.Stage, e.Score, e.Threshold, e.Gap())
}

// Gap returns the distance to the threshold.
func (e *QualityGateNotMetError) Gap() float64 { return e.Threshold - e.Score }

// VersionConflictError reports an optimistic-concurrency mismatch.
// Retryable: the caller re-reads and retries.
type VersionConflictError struct {
	Resource string
	Expected int
	Actual   int
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("version conflict on %s: expected %d, found %d", e.Resource, e.Expected, e.Actual)
}

// CollaborationConflictError reports an edit escalated to user-choice.
// Carries both competing versions for the presentation layer.
type CollaborationConflictError struct {
	ConflictID string
	Section    string
	Theirs     string
	Yours      string
}

func (e *CollaborationConflictError) Error() string {
	return fmt.Sprintf("collaboration conflict %s on section %q: explicit resolution required", e.ConflictID, e.Section)
}

// BudgetExceededError is advisory: the ledger reports it, the engine does not
// block on it.
type BudgetExceededError struct {
	ProjectID string
	Spent     float64
	Budget    float64
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("budget exceeded for project %s: spent $%.2f of $%.2f", e.ProjectID, e.Spent, e.Budget)
}

// TransformationIncompleteError reports a playbook request against a project
// with no completed stage.
type TransformationIncompleteError struct {
	ProjectID string
	Completed int
}

func (e *TransformationIncompleteError) Error() string {
	return fmt.Sprintf("cannot transform project %s: %d stages complete", e.ProjectID, e.Completed)
}

// IsRetryable returns true if the error is transient and worth retrying.
// Gate failures and malformed transitions are deliberately excluded: the
// caller must change its input, not repeat it.
func IsRetryable(err error) bool {
	var vc *VersionConflictError
	if errors.As(err, &vc) {
		return true
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case 429, 500, 502, 503, 504:
			return true
		}
	}
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrRateLimit) || errors.Is(err, ErrUnavailable)
}
