/**
 * @description
 * Error taxonomy for the ledger-service core. Handlers map these sentinels to
 * the structured HTTP error envelope; everything else stays an opaque 500.
 */

package app

import "errors"

var (
	// ErrValidation marks malformed or missing input.
	ErrValidation = errors.New("validation failed")
	// ErrInvalidState marks an illegal lifecycle transition.
	ErrInvalidState = errors.New("invalid state transition")
	// ErrConflict marks a duplicate or racing mutation, including a webhook
	// trying to move a terminal transaction to a different terminal status.
	ErrConflict = errors.New("conflicting mutation")
	// ErrIdempotencyConflict marks an idempotency key reused for a different payload.
	ErrIdempotencyConflict = errors.New("idempotency key reused with different payload")
	// ErrMissingIdempotencyKey marks a mutating request without the required key header.
	ErrMissingIdempotencyKey = errors.New("idempotency key required")
	// ErrStaleTimestamp marks a client timestamp outside the clock-drift window.
	ErrStaleTimestamp = errors.New("request timestamp outside acceptable window")
	// ErrAlreadyRunning marks a settlement run attempted while one is in flight.
	ErrAlreadyRunning = errors.New("settlement run already in progress")
	// ErrReconciliation marks a provider poll disagreeing with a recorded terminal status.
	ErrReconciliation = errors.New("provider status disagrees with recorded status")
	// ErrOrphanWebhook marks a webhook whose reference matches nothing we own.
	// The sender is still acknowledged; the miss is logged for manual follow-up.
	ErrOrphanWebhook = errors.New("no transaction matches webhook reference")
)
