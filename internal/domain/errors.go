package domain

import (
	"errors"
	"fmt"
)

// Error taxonomy for the call-orchestration flow. Provider failures are
// recovered into failed call records, never surfaced raw to the dashboard.
var (
	// ErrValidation marks a bad request shape, rejected before touching any record.
	ErrValidation = errors.New("validation error")

	// ErrNotFound marks an unknown call/agent/contact id.
	ErrNotFound = errors.New("not found")

	// ErrStateConflict marks an event that arrived for a call already in a
	// terminal state. Not a failure; callers drop the event silently.
	ErrStateConflict = errors.New("state conflict")

	// ErrInternalInconsistency marks missing or unparseable correlation data.
	// The event is logged and dropped; the call self-heals via its own
	// terminal callback or the client's timeout path.
	ErrInternalInconsistency = errors.New("internal inconsistency")
)

// ProviderError is a business-level rejection or transport failure from an
// external API (telephony provider or voice API).
type ProviderError struct {
	Provider    string
	Reason      string
	Unreachable bool
	Err         error
}

func (e *ProviderError) Error() string {
	if e.Unreachable {
		return fmt.Sprintf("%s unreachable: %s", e.Provider, e.Reason)
	}
	return fmt.Sprintf("%s rejected request: %s", e.Provider, e.Reason)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// NewProviderRejected builds a business-level rejection (regulatory block,
// invalid number, unknown agent).
func NewProviderRejected(provider, reason string, err error) *ProviderError {
	return &ProviderError{Provider: provider, Reason: reason, Err: err}
}

// NewProviderUnreachable builds a network/5xx failure.
func NewProviderUnreachable(provider, reason string, err error) *ProviderError {
	return &ProviderError{Provider: provider, Reason: reason, Unreachable: true, Err: err}
}

// IsProviderUnreachable reports whether err is a transport-level provider failure.
func IsProviderUnreachable(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Unreachable
}

// FailureReason extracts the user-facing reason string from a provider error,
// or falls back to a generic message.
func FailureReason(err error) string {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Reason
	}
	return "internal error"
}
