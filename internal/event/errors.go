package event

import "errors"

// Expected handler error conditions. Handlers wrap these with context via
// fmt.Errorf("...: %w", ...) so the dispatcher can classify outcomes with
// errors.Is while logs keep the identifiers involved.
var (
	// ErrNotFound means an event referenced a domain record that does not
	// exist (e.g., a subscription update for an unknown subscription id).
	// Retryable: the record may appear once an earlier event is delivered.
	ErrNotFound = errors.New("domain record not found")

	// ErrStateConflict means the event asked for an out-of-order state
	// transition (e.g., activating a canceled subscription). Terminal:
	// redelivery would conflict forever.
	ErrStateConflict = errors.New("conflicting state transition")

	// ErrMalformedPayload means the payload parsed as JSON at the adapter but
	// is missing fields the handler requires. Terminal.
	ErrMalformedPayload = errors.New("malformed payload")
)
