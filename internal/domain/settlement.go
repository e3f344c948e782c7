/**
 * @description
 * Settlement domain models. A Settlement is the batch record for one period's
 * run; SettlementGroup is the per-business, per-channel breakdown persisted
 * alongside it and used for payout and reporting.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// Settlement statuses.
const (
	SettlementPending    = "pending"
	SettlementProcessing = "processing"
	SettlementCompleted  = "completed"
)

// Settlement is the batch covering one run. `IsRunning` is the single
// mutual-exclusion point in the system: a second concurrent run for the same
// period must observe the flag and abort.
type Settlement struct {
	ID               uuid.UUID  `json:"id"`
	PeriodKey        string     `json:"period_key"` // e.g. "2026-08-28"
	Status           string     `json:"status"`
	IsRunning        bool       `json:"is_running"`
	TotalAmount      int64      `json:"total_amount"`
	TotalFees        int64      `json:"total_fees"`
	TotalVAT         int64      `json:"total_vat"`
	TotalRevenue     int64      `json:"total_revenue"`
	TotalPayable     int64      `json:"total_payable"`
	TransactionCount int        `json:"transaction_count"`
	CreatedAt        time.Time  `json:"created_at"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
}

// SettlementGroup is the per-business, per-channel subtotal inside a
// settlement. Deductions cover refund-requests and accepted chargebacks booked
// against the business for the period; Shortfall carries any deduction the
// group's proceeds could not absorb into the next run.
type SettlementGroup struct {
	ID               uuid.UUID `json:"id"`
	SettlementID     uuid.UUID `json:"settlement_id"`
	BusinessID       uuid.UUID `json:"business_id"`
	Channel          string    `json:"channel"` // transaction feature, e.g. 'payment-link'
	Amount           int64     `json:"amount"`
	Fees             int64     `json:"fees"`
	VAT              int64     `json:"vat"`
	Revenue          int64     `json:"revenue"`
	Deductions       int64     `json:"deductions"`
	Payable          int64     `json:"payable"`
	Shortfall        int64     `json:"shortfall"`
	TransactionCount int       `json:"transaction_count"`
	CreatedAt        time.Time `json:"created_at"`
}

// SettlementRunReport summarizes one settlement run for the caller. Skipped
// transactions are reported, not allowed to abort the run.
type SettlementRunReport struct {
	Settlement *Settlement           `json:"settlement"`
	Groups     []SettlementGroup     `json:"groups"`
	Skipped    []SkippedTransaction  `json:"skipped,omitempty"`
	Deductions []SettlementDeduction `json:"deductions,omitempty"`
}

// SkippedTransaction records a transaction excluded from a settlement run and why.
type SkippedTransaction struct {
	Reference string `json:"reference"`
	Reason    string `json:"reason"`
}

// SettlementDeduction records a refund or chargeback amount withheld from a
// business's payable figure during a run.
type SettlementDeduction struct {
	BusinessID uuid.UUID `json:"business_id"`
	Source     string    `json:"source"` // 'refund', 'chargeback', 'carryover'
	SourceID   uuid.UUID `json:"source_id"`
	Amount     int64     `json:"amount"`
}
