/*
errors.go - Centralized error types for the reward distribution engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Every failure a caller can act on is a typed value; only programmer errors
  (unsupported period type handed to the pure clock) panic.

ERROR CATEGORIES:
  1. Validation   - malformed identifier, overlapping/empty tier ranges.
                    Rejected before any mutation; retry after fixing input.
  2. Conflict     - already distributed, illegal status transition.
                    Resolved by an explicit force=true resubmission.
  3. In progress  - another admin holds the period lock. Retryable.
  4. Failed       - a crediting step failed mid-transaction. The period was
                    rolled back and left in status=failed for operator retry.
  5. Not found    - unknown tier, quest, or period.

USAGE:
  if errors.Is(err, generic.ErrAlreadyDistributed) {
      // ask the admin whether to force
  }

  var failed *generic.DistributionFailedError
  if errors.As(err, &failed) {
      log.Println(failed.CustomerID, failed.Cause)
  }

SEE ALSO:
  - rewards/engine.go: Produces most of these
  - api/handlers.go: Maps them to HTTP status codes
*/
package generic

import (
	"errors"
	"fmt"
	"time"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrValidation is returned for malformed input. Nothing was changed.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound is returned when a referenced tier, quest or period doesn't exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when the request contradicts the current state.
	ErrConflict = errors.New("conflict")

	// ErrAlreadyDistributed is returned when a period was already paid out and
	// the caller did not ask to force a redistribution. Wraps ErrConflict.
	ErrAlreadyDistributed = fmt.Errorf("period already distributed: %w", ErrConflict)

	// ErrInvalidTransition is returned for a status change the state machine
	// does not allow. Wraps ErrConflict.
	ErrInvalidTransition = fmt.Errorf("invalid status transition: %w", ErrConflict)

	// ErrDistributionInProgress is returned when another caller holds the
	// period lock. Safe to retry.
	ErrDistributionInProgress = errors.New("distribution in progress")

	// ErrDistributionFailed is returned when crediting failed and the period
	// was rolled back.
	ErrDistributionFailed = errors.New("distribution failed")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError describes a rejected input field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// OverlappingRangeError reports two tiers whose rank ranges intersect.
type OverlappingRangeError struct {
	First  RankRange
	Second RankRange
}

func (e *OverlappingRangeError) Error() string {
	return fmt.Sprintf("overlapping rank ranges %s and %s", e.First, e.Second)
}

func (e *OverlappingRangeError) Unwrap() error { return ErrValidation }

// EmptyRangeError reports a tier with rank_from > rank_to or a non-positive rank.
type EmptyRangeError struct {
	Range RankRange
}

func (e *EmptyRangeError) Error() string {
	return fmt.Sprintf("empty rank range %s", e.Range)
}

func (e *EmptyRangeError) Unwrap() error { return ErrValidation }

// AlreadyDistributedError carries who paid out the period and when.
type AlreadyDistributedError struct {
	Period        PeriodKey
	DistributedAt *time.Time
	DistributedBy string
}

func (e *AlreadyDistributedError) Error() string {
	if e.DistributedAt != nil {
		return fmt.Sprintf("period %s already distributed at %s by %q",
			e.Period, e.DistributedAt.Format(time.RFC3339), e.DistributedBy)
	}
	return fmt.Sprintf("period %s already distributed", e.Period)
}

func (e *AlreadyDistributedError) Unwrap() error { return ErrAlreadyDistributed }

// InvalidTransitionError reports a rejected status change.
type InvalidTransitionError struct {
	Period PeriodKey
	From   DistributionStatus
	To     DistributionStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("period %s: cannot move from %s to %s", e.Period, e.From, e.To)
}

func (e *InvalidTransitionError) Unwrap() error { return ErrInvalidTransition }

// DistributionFailedError reports the recipient whose credit aborted the run.
type DistributionFailedError struct {
	Period     PeriodKey
	CustomerID CustomerID
	Cause      error
}

func (e *DistributionFailedError) Error() string {
	if e.CustomerID != "" {
		return fmt.Sprintf("distribution of %s failed crediting %s: %v", e.Period, e.CustomerID, e.Cause)
	}
	return fmt.Sprintf("distribution of %s failed: %v", e.Period, e.Cause)
}

// Unwrap exposes both the sentinel and the underlying cause.
func (e *DistributionFailedError) Unwrap() []error {
	return []error{ErrDistributionFailed, e.Cause}
}

// NotFoundError names the missing object.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("%s %q not found", e.Kind, e.ID) }

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrDistributionInProgress)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsConflict returns true for already-distributed and illegal transitions.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
