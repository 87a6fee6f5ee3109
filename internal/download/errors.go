package download

import "fmt"

// DuplicateIDError is returned by the queue when an enqueue request reuses
// the id of a record that is still in the visible list.
type DuplicateIDError struct {
	ID string // Identifier that collided with an existing record
}

func (e *DuplicateIDError) Error() string {
	return fmt.Sprintf("download %q already exists in the queue", e.ID)
}

// NetworkError represents network failures and API errors during a transfer,
// including 5xx responses and connection resets.
type NetworkError struct {
	Operation  string // The operation that failed (e.g., "fetch", "read_chunk")
	StatusCode int    // HTTP status code, if applicable (0 for non-HTTP errors)
	Err        error  // Underlying error, if any
}

func (e *NetworkError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("network error during %s (HTTP %d)", e.Operation, e.StatusCode)
	}

	return fmt.Sprintf("network error during %s: %v", e.Operation, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// AuthenticationError represents an authentication failure that survived the
// one-shot credential refresh, i.e. a second 403 on the retried request.
type AuthenticationError struct {
	Operation string // The operation that required authentication
	Err       error  // Underlying error, if any
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication failed during %s", e.Operation)
}

func (e *AuthenticationError) Unwrap() error {
	return e.Err
}

// DeliveryError represents a failure to hand a finished download to the
// delivery sink. The transfer itself succeeded; the local write did not.
type DeliveryError struct {
	Filename string // Save-as name of the download being delivered
	Err      error  // Underlying error, if any
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("failed to deliver %q: %v", e.Filename, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}
