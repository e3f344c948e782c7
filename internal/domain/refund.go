/**
 * @description
 * Refund and Chargeback domain models. Both are compensating records layered
 * on top of a successful/completed Transaction; each eventually produces a
 * compensating ledger movement (immediately for instant refunds, at settlement
 * time for accepted chargebacks).
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// Refund options and types.
const (
	RefundOptionInstant = "instant"
	RefundOptionRequest = "request"

	RefundTypePartial = "partial"
	RefundTypeFull    = "full"
)

// Refund statuses.
const (
	RefundPending    = "pending"
	RefundProcessing = "processing"
	RefundSuccessful = "successful"
	RefundCompleted  = "completed"
	RefundFailed     = "failed"
)

// Refund is one compensating record per refund request against a transaction.
// RefundedTxnID links the payout transaction created when the refund executes.
type Refund struct {
	ID            uuid.UUID  `json:"id"`
	TransactionID uuid.UUID  `json:"transaction_id"`
	BusinessID    uuid.UUID  `json:"business_id"`
	Option        string     `json:"option"` // 'instant', 'request'
	Type          string     `json:"type"`   // 'partial', 'full'
	Status        string     `json:"status"`
	Amount        int64      `json:"amount"` // in minor units
	RefundedTxnID *uuid.UUID `json:"refunded_txn_id,omitempty"`
	ProviderRef   *string    `json:"provider_ref,omitempty"`
	SettlementID  *uuid.UUID `json:"settlement_id,omitempty"`
	BankCode      *string    `json:"bank_code,omitempty"`
	BankAccount   *string    `json:"bank_account,omitempty"`
	FailureReason *string    `json:"failure_reason,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// IsTerminalRefundStatus reports whether a refund status admits no further change.
func IsTerminalRefundStatus(status string) bool {
	switch status {
	case RefundCompleted, RefundFailed:
		return true
	}
	return false
}

// Chargeback escalation levels.
const (
	ChargebackLevel1         = "level1"
	ChargebackLevel2         = "level2"
	ChargebackPreArbitration = "pre-arbitration"
	ChargebackArbitration    = "arbitration"
)

// Chargeback statuses.
const (
	ChargebackPending   = "pending"
	ChargebackAccepted  = "accepted"
	ChargebackDeclined  = "declined"
	ChargebackCompleted = "completed"
)

// Chargeback is a dispute lifecycle record. Accepting a chargeback does not
// move funds; the wallet deduction is deferred to the next settlement run so
// dispute resolution never races in-flight settlement aggregation.
type Chargeback struct {
	ID            uuid.UUID  `json:"id"`
	TransactionID uuid.UUID  `json:"transaction_id"`
	BusinessID    uuid.UUID  `json:"business_id"`
	Level         string     `json:"level"`
	Status        string     `json:"status"`
	Amount        int64      `json:"amount"` // in minor units
	DueAt         time.Time  `json:"due_at"`
	TimelineAt    time.Time  `json:"timeline_at"`
	Reason        *string    `json:"reason,omitempty"`
	EvidenceURL   *string    `json:"evidence_url,omitempty"`
	SettlementID  *uuid.UUID `json:"settlement_id,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}
