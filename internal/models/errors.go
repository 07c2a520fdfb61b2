package models

import "fmt"

// ObjectNotFoundError is returned when a requested database or table does not
// exist in the catalog, or appears not to because the catalog masked it.
// Not retryable.
type ObjectNotFoundError struct {
	DatabaseName string
	TableName    string
}

func (e *ObjectNotFoundError) Error() string {
	if e.TableName != "" {
		return fmt.Sprintf("table %s does not exist in %s", e.TableName, e.DatabaseName)
	}
	return fmt.Sprintf("database %s does not exist", e.DatabaseName)
}

// InvalidStateTransitionError is returned when a status change is outside the
// transition table, or when the conditional write lost a race to a concurrent
// writer. Retryable after a fresh read of the current status.
type InvalidStateTransitionError struct {
	SubscriptionID string
	To             Status
	Reason         string
}

func (e *InvalidStateTransitionError) Error() string {
	msg := fmt.Sprintf("invalid state transition to %s for subscription %s", e.To, e.SubscriptionID)
	if e.Reason != "" {
		msg = msg + ": " + e.Reason
	}
	return msg
}

// StoreUnavailableError wraps a failure of the durable store itself. Fatal to
// the in-flight operation; retry policy belongs to the caller.
type StoreUnavailableError struct {
	Op  string
	Err error
}

func (e *StoreUnavailableError) Error() string {
	return fmt.Sprintf("subscription store unavailable during %s: %v", e.Op, e.Err)
}

func (e *StoreUnavailableError) Unwrap() error {
	return e.Err
}

// IdentityUnavailableError wraps a failure to resolve the acting principal.
// No anonymous identity is ever substituted.
type IdentityUnavailableError struct {
	Err error
}

func (e *IdentityUnavailableError) Error() string {
	return fmt.Sprintf("unable to resolve caller identity: %v", e.Err)
}

func (e *IdentityUnavailableError) Unwrap() error {
	return e.Err
}
