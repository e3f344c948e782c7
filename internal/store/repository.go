/**
 * @description
 * This file defines the `Repository` interface, the contract for all data
 * access the ledger-service needs. Business logic depends on this interface
 * rather than the PostgreSQL implementation, which keeps the state machines
 * testable against hand-written stubs.
 *
 * @dependencies
 * - context, time: Standard Go libraries.
 * - github.com/google/uuid: For UUID handling.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/corepay/ledger-service/internal/domain"
)

var (
	ErrBusinessNotFound    = errors.New("business not found")
	ErrWalletNotFound      = errors.New("wallet not found")
	ErrAccountNotFound     = errors.New("account not found")
	ErrProviderNotFound    = errors.New("provider not found")
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrRefundNotFound      = errors.New("refund not found")
	ErrChargebackNotFound  = errors.New("chargeback not found")
	ErrSettlementNotFound  = errors.New("settlement not found")
	ErrInsufficientFunds   = errors.New("insufficient funds")
	ErrDuplicateReference  = errors.New("duplicate transaction reference")
	ErrStaleWrite          = errors.New("entity changed since read")
	ErrSettlementRunning   = errors.New("settlement run already in progress")
	ErrSettlementCompleted = errors.New("settlement already completed")
)

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// Business and wallet methods
	FindBusinessByID(ctx context.Context, businessID uuid.UUID) (*domain.Business, error)
	UpdateBusinessStatus(ctx context.Context, businessID uuid.UUID, status string) error
	UpdateBusinessSettlementBank(ctx context.Context, businessID uuid.UUID, code, account, name *string) error
	FindWalletByBusinessID(ctx context.Context, businessID uuid.UUID) (*domain.Wallet, error)
	// DebitWallet fails with ErrInsufficientFunds when the balance would go negative.
	DebitWallet(ctx context.Context, businessID uuid.UUID, amount int64) error
	CreditWallet(ctx context.Context, businessID uuid.UUID, amount int64) error

	// Provider and account methods
	FindProviderByName(ctx context.Context, name string) (*domain.Provider, error)
	FindProviderByID(ctx context.Context, providerID uuid.UUID) (*domain.Provider, error)
	FindAccountByBusinessAndProvider(ctx context.Context, businessID, providerID uuid.UUID) (*domain.Account, error)

	// Transaction methods
	CreateTransaction(ctx context.Context, tx *domain.Transaction) error
	FindTransactionByID(ctx context.Context, transactionID uuid.UUID) (*domain.Transaction, error)
	FindTransactionByReference(ctx context.Context, reference string) (*domain.Transaction, error)
	// UpdateTransactionStatus performs an optimistic write: the row must still
	// be in fromStatus or ErrStaleWrite is returned.
	UpdateTransactionStatus(ctx context.Context, transactionID uuid.UUID, fromStatus, toStatus string, providerRef, failureReason *string) error
	// ApplySuccessfulTransition atomically records the status change, the fee
	// breakdown, and the wallet credit for the first transition into successful.
	ApplySuccessfulTransition(ctx context.Context, transactionID uuid.UUID, fromStatus string, providerRef *string, fees domain.FeeBreakdown, walletCredit int64) error

	// Settlement methods
	EnsureSettlementForPeriod(ctx context.Context, periodKey string) (*domain.Settlement, error)
	// AcquireSettlementRun flips is_running on the period's settlement row.
	// Returns ErrSettlementRunning when the flag is already set and
	// ErrSettlementCompleted when the settlement is immutable.
	AcquireSettlementRun(ctx context.Context, periodKey string) (*domain.Settlement, error)
	ReleaseSettlementRun(ctx context.Context, settlementID uuid.UUID) error
	ListSettleableTransactions(ctx context.Context, periodStart, periodEnd time.Time) ([]domain.Transaction, error)
	SaveSettlementGroups(ctx context.Context, settlementID uuid.UUID, groups []domain.SettlementGroup) error
	// AttachTransactionsToSettlement stamps the settlement id on the
	// participant rows and promotes successful transactions to completed.
	AttachTransactionsToSettlement(ctx context.Context, settlementID uuid.UUID, transactionIDs []uuid.UUID) error
	CompleteSettlement(ctx context.Context, settlement *domain.Settlement) error
	FindSettlementByPeriod(ctx context.Context, periodKey string) (*domain.Settlement, error)
	ListSettlementGroups(ctx context.Context, settlementID uuid.UUID) ([]domain.SettlementGroup, error)

	// Refund methods
	CreateRefund(ctx context.Context, refund *domain.Refund) error
	FindRefundByID(ctx context.Context, refundID uuid.UUID) (*domain.Refund, error)
	FindOpenRefundByTransactionID(ctx context.Context, transactionID uuid.UUID) (*domain.Refund, error)
	FindRefundByProviderRef(ctx context.Context, providerRef string) (*domain.Refund, error)
	UpdateRefundStatus(ctx context.Context, refundID uuid.UUID, fromStatus, toStatus string, failureReason *string) error
	AttachRefundPayout(ctx context.Context, refundID, payoutTxnID uuid.UUID) error
	SetRefundProviderRef(ctx context.Context, refundID uuid.UUID, providerRef string) error
	// ListDeductibleRefunds returns request-option refunds in processing or
	// completed status whose wallet deduction has not been taken by a
	// settlement run.
	ListDeductibleRefunds(ctx context.Context) ([]domain.Refund, error)
	MarkRefundDeducted(ctx context.Context, refundID, settlementID uuid.UUID) error

	// Chargeback methods
	CreateChargeback(ctx context.Context, cb *domain.Chargeback) error
	FindChargebackByID(ctx context.Context, chargebackID uuid.UUID) (*domain.Chargeback, error)
	UpdateChargebackStatus(ctx context.Context, chargebackID uuid.UUID, fromStatus, toStatus string) error
	UpdateChargebackDeclined(ctx context.Context, chargebackID uuid.UUID, reason, evidenceURL string) error
	ListAcceptedChargebacks(ctx context.Context) ([]domain.Chargeback, error)
	MarkChargebackSettled(ctx context.Context, chargebackID, settlementID uuid.UUID) error

	// Deduction carry-over methods (shortfall recovery across runs)
	GetDeductionCarryover(ctx context.Context, businessID uuid.UUID) (int64, error)
	SetDeductionCarryover(ctx context.Context, businessID uuid.UUID, amount int64) error
}
