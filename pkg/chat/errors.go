package chat

import (
	"fmt"
	"time"
)

// ConflictError rejects a turn submitted while another is active on the
// same session. The running turn is unaffected.
type ConflictError struct {
	SessionID    string
	ActiveTurnID string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("session %s already has an active turn %s", e.SessionID, e.ActiveTurnID)
}

// InvalidStateError fires on use of a closed session. Always a caller defect.
type InvalidStateError struct {
	SessionID string
	Op        string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("session %s is closed: %s rejected", e.SessionID, e.Op)
}

// UnsupportedModalityError rejects a request whose modalities exceed the
// endpoint's declared capabilities. Raised before any network call.
type UnsupportedModalityError struct {
	Endpoint string
	Modality Modality
}

func (e *UnsupportedModalityError) Error() string {
	return fmt.Sprintf("endpoint %s does not accept %s content", e.Endpoint, e.Modality)
}

// AdapterTimeoutError marks an idle gap between fragments that exceeded the
// configured limit.
type AdapterTimeoutError struct {
	Endpoint string
	Idle     time.Duration
}

func (e *AdapterTimeoutError) Error() string {
	return fmt.Sprintf("endpoint %s produced no output for %s", e.Endpoint, e.Idle)
}

// AdapterTransportError wraps a connection or mid-stream transport failure.
type AdapterTransportError struct {
	Endpoint string
	Err      error
}

func (e *AdapterTransportError) Error() string {
	return fmt.Sprintf("endpoint %s transport failure: %v", e.Endpoint, e.Err)
}

func (e *AdapterTransportError) Unwrap() error { return e.Err }
