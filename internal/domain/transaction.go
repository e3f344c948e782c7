/**
 * @description
 * This file defines the core domain models for the ledger-service: the merchant
 * Business, its Wallet, provider Accounts, the Provider reference data, and the
 * central Transaction record together with its status transition graph.
 *
 * @notes
 * - Amounts are stored as `int64` in the smallest currency unit (minor units),
 *   which avoids floating-point inaccuracies with financial data.
 * - Status transitions are validated through `CanTransition`; repositories and
 *   the state machine never write a status the graph does not permit.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// Transaction statuses. A transaction only ever moves forward through the
// transition graph below; terminal states are final except for the refund and
// chargeback flows layered on top of successful/completed transactions.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusSuccessful = "successful"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusRefunded   = "refunded"
	StatusCancelled  = "cancelled"
)

// Transaction features describe what kind of money movement a record captures.
const (
	FeaturePaymentLink    = "payment-link"
	FeatureVirtualAccount = "virtual-account"
	FeatureCardPayment    = "card-payment"
	FeatureWalletTransfer = "wallet-transfer"
	FeatureBankSettlement = "bank-settlement"
	FeatureRefundPayout   = "refund-payout"
)

// transitions is the forward-only status graph for transactions.
var transitions = map[string][]string{
	StatusPending:    {StatusProcessing, StatusSuccessful, StatusFailed, StatusCancelled},
	StatusProcessing: {StatusSuccessful, StatusFailed, StatusCancelled},
	StatusSuccessful: {StatusCompleted, StatusRefunded},
	StatusCompleted:  {StatusRefunded},
}

// CanTransition reports whether a transaction may move from one status to another.
func CanTransition(from, to string) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminalStatus reports whether webhook processing treats a status as terminal.
// successful still admits completed/refunded, but a provider event may not move a
// terminal status to a different terminal status.
func IsTerminalStatus(status string) bool {
	switch status {
	case StatusSuccessful, StatusCompleted, StatusFailed, StatusRefunded, StatusCancelled:
		return true
	}
	return false
}

// IsSettleableFeature reports whether a transaction feature represents inbound
// payment proceeds that the settlement engine may batch.
func IsSettleableFeature(feature string) bool {
	switch feature {
	case FeaturePaymentLink, FeatureVirtualAccount, FeatureCardPayment:
		return true
	}
	return false
}

// IsRefundableFeature reports whether a transaction of this feature can be the
// source of a refund. Only inbound payment proceeds are refundable.
func IsRefundableFeature(feature string) bool {
	return IsSettleableFeature(feature)
}

// Business represents a merchant tenant on the platform.
type Business struct {
	ID                    uuid.UUID `json:"id"`
	Name                  string    `json:"name"`
	Email                 string    `json:"email"`
	Status                string    `json:"status"` // 'active', 'suspended'
	SettlementBankCode    *string   `json:"settlement_bank_code,omitempty"`
	SettlementBankAccount *string   `json:"settlement_bank_account,omitempty"`
	SettlementBankName    *string   `json:"settlement_bank_name,omitempty"`
	CreatedAt             time.Time `json:"created_at"`
	UpdatedAt             time.Time `json:"updated_at"`
}

// Wallet is the one-per-business running balance used for instant payouts and
// fee deduction. It is mutated exclusively through repository Debit/Credit.
type Wallet struct {
	ID         uuid.UUID `json:"id"`
	BusinessID uuid.UUID `json:"business_id"`
	Balance    int64     `json:"balance"` // in minor units
	UpdatedAt  time.Time `json:"updated_at"`
}

// Account is a provider-specific virtual account bound to a business+provider
// pair. Immutable once generated except for the status flag.
type Account struct {
	ID            uuid.UUID `json:"id"`
	BusinessID    uuid.UUID `json:"business_id"`
	ProviderID    uuid.UUID `json:"provider_id"`
	AccountNumber string    `json:"account_number"`
	BankName      string    `json:"bank_name"`
	Status        string    `json:"status"` // 'active', 'disabled'
	CreatedAt     time.Time `json:"created_at"`
}

// Provider types.
const (
	ProviderTypeBank  = "bank"
	ProviderTypeCard  = "card"
	ProviderTypeBills = "bills"
)

// FeeConfig captures a provider's fee schedule. Percentages are expressed in
// basis points so all fee arithmetic stays in integers.
type FeeConfig struct {
	FlatFee        int64 `json:"flat_fee"`         // minor units added to every transaction
	PercentBps     int64 `json:"percent_bps"`      // percent of amount, in basis points
	Cap            int64 `json:"cap"`              // upper bound on the fee; 0 means uncapped
	VATRateBps     int64 `json:"vat_rate_bps"`     // VAT charged on the fee
	ProviderCutBps int64 `json:"provider_cut_bps"` // provider's share of the fee
}

// Provider describes one payment rail. Read-mostly reference data.
type Provider struct {
	ID            uuid.UUID `json:"id"`
	Name          string    `json:"name"`
	Type          string    `json:"type"` // 'bank', 'card', 'bills'
	Enabled       bool      `json:"enabled"`
	FeeConfig     FeeConfig `json:"fee_config"`
	WebhookSecret string    `json:"-"`
	CreatedAt     time.Time `json:"created_at"`
}

// FeeBreakdown is the result of applying a provider's fee schedule to an amount.
type FeeBreakdown struct {
	Fee     int64 `json:"fee"`
	VATFee  int64 `json:"vat_fee"`
	Revenue int64 `json:"revenue"`
}

// ComputeFees applies the fee schedule to an amount. VAT is charged on the fee
// (the provider's documented base) and the platform's revenue is the fee net of
// the provider's cut. All divisions round half up.
func (c FeeConfig) ComputeFees(amount int64) FeeBreakdown {
	fee := c.FlatFee + bpsOf(amount, c.PercentBps)
	if c.Cap > 0 && fee > c.Cap {
		fee = c.Cap
	}
	if fee > amount {
		fee = amount
	}
	vat := bpsOf(fee, c.VATRateBps)
	if fee+vat > amount {
		vat = amount - fee
	}
	revenue := fee - bpsOf(fee, c.ProviderCutBps)
	return FeeBreakdown{Fee: fee, VATFee: vat, Revenue: revenue}
}

// bpsOf returns value*bps/10000 rounded half up.
func bpsOf(value, bps int64) int64 {
	if value <= 0 || bps <= 0 {
		return 0
	}
	return (value*bps + 5000) / 10000
}

// Transaction is the central ledger record for any money movement. Records are
// never deleted; terminal states are final except for the refund and
// chargeback flows.
type Transaction struct {
	ID            uuid.UUID  `json:"id"`
	Reference     string     `json:"reference"`
	ProviderRef   *string    `json:"provider_ref,omitempty"`
	BusinessID    uuid.UUID  `json:"business_id"`
	ProviderID    uuid.UUID  `json:"provider_id"`
	Feature       string     `json:"feature"`
	Status        string     `json:"status"`
	Amount        int64      `json:"amount"`  // in minor units
	Fee           int64      `json:"fee"`     // in minor units
	VATFee        int64      `json:"vat_fee"` // in minor units
	Revenue       int64      `json:"revenue"` // in minor units
	SettlementID  *uuid.UUID `json:"settlement_id,omitempty"`
	Narration     string     `json:"narration"`
	FailureReason *string    `json:"failure_reason,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}
