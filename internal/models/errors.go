package models

import "errors"

// Store errors drive state-machine branching in the finalizer. They are
// expected outcomes under races and duplicate webhooks, not incidents.
var (
	// ErrDuplicateTransaction indicates a non-expired pending transaction
	// already exists for the same transaction id.
	ErrDuplicateTransaction = errors.New("pending transaction already exists")

	// ErrTransactionNotFound indicates the transaction is absent or its
	// payment window has expired.
	ErrTransactionNotFound = errors.New("pending transaction not found or expired")

	// ErrAlreadyConsumed indicates the transaction was already consumed by
	// a concurrent or earlier finalization.
	ErrAlreadyConsumed = errors.New("pending transaction already consumed")
)
