/**
 * @description
 * Data transfer objects for incoming API requests. Kept separate from the
 * persistence models so the wire shapes can evolve independently.
 */

package domain

import "github.com/google/uuid"

// CreateTransactionRequest initiates a payment/payout transaction.
type CreateTransactionRequest struct {
	BusinessID uuid.UUID `json:"business_id"`
	Provider   string    `json:"provider"`
	Amount     int64     `json:"amount"` // in minor units
	Feature    string    `json:"feature"`
	Reference  string    `json:"reference,omitempty"` // allocated when omitted
	Narration  string    `json:"narration,omitempty"`
}

// WalletTransferRequest moves funds from a business wallet to an external bank
// account. Protected by the idempotency guard.
type WalletTransferRequest struct {
	BusinessID  uuid.UUID `json:"business_id"`
	Provider    string    `json:"provider"`
	Amount      int64     `json:"amount"` // in minor units
	BankCode    string    `json:"bank_code"`
	BankAccount string    `json:"bank_account"`
	Narration   string    `json:"narration,omitempty"`
}

// WalletWithdrawRequest moves funds from a business wallet to the business's
// registered settlement bank account. Protected by the idempotency guard.
type WalletWithdrawRequest struct {
	BusinessID uuid.UUID `json:"business_id"`
	Provider   string    `json:"provider"`
	Amount     int64     `json:"amount"` // in minor units
	Narration  string    `json:"narration,omitempty"`
}

// CreateRefundRequest opens a refund against a completed transaction.
type CreateRefundRequest struct {
	TransactionRef string  `json:"transaction_reference"`
	Option         string  `json:"option"` // 'instant', 'request'
	Type           string  `json:"type"`   // 'partial', 'full'
	Amount         int64   `json:"amount,omitempty"`
	BankCode       *string `json:"bank_code,omitempty"`
	BankAccount    *string `json:"bank_account,omitempty"`
}

// CreateChargebackRequest opens a dispute against a transaction.
type CreateChargebackRequest struct {
	TransactionRef string `json:"transaction_reference"`
	Level          string `json:"level,omitempty"` // defaults to level1
	Amount         int64  `json:"amount,omitempty"`
	DueAt          string `json:"due_at"`      // RFC 3339
	TimelineAt     string `json:"timeline_at"` // RFC 3339
}

// DeclineChargebackRequest declines a dispute with supporting evidence.
type DeclineChargebackRequest struct {
	Reason   string `json:"reason"`
	Evidence string `json:"evidence"` // base64-encoded attachment
}
