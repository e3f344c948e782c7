/**
 * @description
 * Transaction lifecycle logic: intent creation, wallet payouts, the webhook
 * reconciliation state machine, and active verification against a rail.
 *
 * @notes
 * - Every status write goes through the repository's optimistic updates, so a
 *   racing webhook and verify call can never double-apply a transition.
 * - Wallet credits for successful payments happen inside the same database
 *   transaction as the status change (ApplySuccessfulTransition).
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"

	"github.com/corepay/ledger-service/internal/domain"
	"github.com/corepay/ledger-service/internal/provider"
	"github.com/corepay/ledger-service/internal/store"
)

// CreateTransaction records a new inbound payment intent in pending status.
// Fees are not charged until the provider confirms success.
func (s *Service) CreateTransaction(ctx context.Context, req domain.CreateTransactionRequest) (*domain.Transaction, error) {
	if req.Amount <= 0 {
		return nil, fmt.Errorf("amount must be positive: %w", ErrValidation)
	}
	if !domain.IsSettleableFeature(req.Feature) {
		return nil, fmt.Errorf("feature %q cannot be created directly: %w", req.Feature, ErrValidation)
	}

	business, err := s.resolveActiveBusiness(ctx, req.BusinessID)
	if err != nil {
		return nil, err
	}
	prov, err := s.resolveEnabledProvider(ctx, req.Provider)
	if err != nil {
		return nil, err
	}
	// Inbound payments land on the business's virtual account with the rail;
	// without one the provider has nowhere to receive the money.
	if _, err := s.repo.FindAccountByBusinessAndProvider(ctx, business.ID, prov.ID); err != nil {
		if errors.Is(err, store.ErrAccountNotFound) {
			return nil, fmt.Errorf("business %s has no account on rail %s: %w", business.ID, prov.Name, ErrValidation)
		}
		return nil, fmt.Errorf("failed to load rail account: %w", err)
	}

	reference := req.Reference
	if reference == "" {
		reference = newReference()
	}

	txn := &domain.Transaction{
		ID:         uuid.New(),
		Reference:  reference,
		BusinessID: business.ID,
		ProviderID: prov.ID,
		Feature:    req.Feature,
		Status:     domain.StatusPending,
		Amount:     req.Amount,
		Narration:  req.Narration,
	}
	if err := s.repo.CreateTransaction(ctx, txn); err != nil {
		if errors.Is(err, store.ErrDuplicateReference) {
			return nil, fmt.Errorf("reference %s already exists: %w", reference, ErrConflict)
		}
		return nil, fmt.Errorf("failed to create transaction: %w", err)
	}

	s.recordAudit("transaction.created", "transaction", txn.ID.String(), fmt.Sprintf("feature=%s amount=%d", txn.Feature, txn.Amount))
	return txn, nil
}

// WalletTransfer debits a business wallet and pushes the funds to an external
// bank account through the named rail. The wallet debit, which covers the
// amount plus the payout fees, happens before the provider call; a definitive
// provider failure refunds it.
func (s *Service) WalletTransfer(ctx context.Context, req domain.WalletTransferRequest) (*domain.Transaction, error) {
	if req.Amount <= 0 {
		return nil, fmt.Errorf("amount must be positive: %w", ErrValidation)
	}
	if req.BankCode == "" || req.BankAccount == "" {
		return nil, fmt.Errorf("bank_code and bank_account are required: %w", ErrValidation)
	}

	business, err := s.resolveActiveBusiness(ctx, req.BusinessID)
	if err != nil {
		return nil, err
	}
	prov, err := s.resolveEnabledProvider(ctx, req.Provider)
	if err != nil {
		return nil, err
	}
	driver, err := s.providers.Resolve(prov.Name)
	if err != nil {
		return nil, err
	}

	fees := prov.FeeConfig.ComputeFees(req.Amount)
	totalDebit := req.Amount + fees.Fee + fees.VATFee

	if err := s.repo.DebitWallet(ctx, business.ID, totalDebit); err != nil {
		if errors.Is(err, store.ErrInsufficientFunds) {
			return nil, fmt.Errorf("wallet balance below %d: %w", totalDebit, store.ErrInsufficientFunds)
		}
		return nil, fmt.Errorf("failed to debit wallet: %w", err)
	}

	txn := &domain.Transaction{
		ID:         uuid.New(),
		Reference:  newReference(),
		BusinessID: business.ID,
		ProviderID: prov.ID,
		Feature:    domain.FeatureWalletTransfer,
		Status:     domain.StatusProcessing,
		Amount:     req.Amount,
		Fee:        fees.Fee,
		VATFee:     fees.VATFee,
		Revenue:    fees.Revenue,
		Narration:  req.Narration,
	}
	if err := s.repo.CreateTransaction(ctx, txn); err != nil {
		// The debit must not be left dangling when the record cannot be written.
		if creditErr := s.repo.CreditWallet(ctx, business.ID, totalDebit); creditErr != nil {
			log.Printf("level=error component=app msg=\"failed to reverse debit after create failure\" business_id=%s amount=%d error=%q", business.ID, totalDebit, creditErr)
		}
		return nil, fmt.Errorf("failed to create transfer record: %w", err)
	}

	result, err := driver.InitiatePayout(ctx, provider.PayoutInstruction{
		Reference:   txn.Reference,
		Amount:      req.Amount,
		BankCode:    req.BankCode,
		BankAccount: req.BankAccount,
		Narration:   req.Narration,
	})
	if err != nil {
		if errors.Is(err, provider.ErrTimeout) {
			// Outcome unknown. The record stays processing until a verify call
			// or webhook settles it; funds stay reserved.
			log.Printf("level=warn component=app msg=\"payout outcome unknown after timeout\" reference=%s provider=%s", txn.Reference, prov.Name)
			return txn, nil
		}
		reason := err.Error()
		if updateErr := s.repo.UpdateTransactionStatus(ctx, txn.ID, domain.StatusProcessing, domain.StatusFailed, nil, &reason); updateErr != nil {
			return nil, fmt.Errorf("failed to record payout failure: %w", updateErr)
		}
		if creditErr := s.repo.CreditWallet(ctx, business.ID, totalDebit); creditErr != nil {
			log.Printf("level=error component=app msg=\"failed to reverse debit after payout failure\" business_id=%s amount=%d error=%q", business.ID, totalDebit, creditErr)
		}
		txn.Status = domain.StatusFailed
		txn.FailureReason = &reason
		return txn, nil
	}

	if err := s.repo.UpdateTransactionStatus(ctx, txn.ID, domain.StatusProcessing, domain.StatusSuccessful, &result.ProviderRef, nil); err != nil {
		return nil, fmt.Errorf("failed to record payout success: %w", err)
	}
	txn.Status = domain.StatusSuccessful
	txn.ProviderRef = &result.ProviderRef

	s.recordAudit("transaction.transferred", "transaction", txn.ID.String(), fmt.Sprintf("amount=%d provider=%s", txn.Amount, prov.Name))
	return txn, nil
}

// WalletWithdraw pushes wallet funds to the business's registered settlement
// bank account. It is a transfer whose destination is fixed by the tenant's
// own settlement bank details.
func (s *Service) WalletWithdraw(ctx context.Context, req domain.WalletWithdrawRequest) (*domain.Transaction, error) {
	business, err := s.resolveActiveBusiness(ctx, req.BusinessID)
	if err != nil {
		return nil, err
	}
	if business.SettlementBankCode == nil || business.SettlementBankAccount == nil {
		return nil, fmt.Errorf("business %s has no settlement bank on file: %w", business.ID, ErrValidation)
	}
	return s.WalletTransfer(ctx, domain.WalletTransferRequest{
		BusinessID:  req.BusinessID,
		Provider:    req.Provider,
		Amount:      req.Amount,
		BankCode:    *business.SettlementBankCode,
		BankAccount: *business.SettlementBankAccount,
		Narration:   req.Narration,
	})
}

// ApplyProviderEvent is the single entry point for provider-reported outcomes,
// whether they arrive by webhook or by an active verify call. It is idempotent:
// replaying the same event is a no-op.
func (s *Service) ApplyProviderEvent(ctx context.Context, event *domain.ProviderEvent) error {
	txn, err := s.repo.FindTransactionByReference(ctx, event.Reference)
	if err != nil {
		if errors.Is(err, store.ErrTransactionNotFound) {
			return s.applyRefundProviderEvent(ctx, event)
		}
		return fmt.Errorf("failed to load transaction %s: %w", event.Reference, err)
	}

	if txn.Status == event.Status {
		return nil
	}
	if domain.IsTerminalStatus(txn.Status) {
		if domain.IsTerminalStatus(event.Status) {
			return fmt.Errorf("transaction %s is already %s, event says %s: %w", txn.Reference, txn.Status, event.Status, ErrConflict)
		}
		// A late pending/processing echo after a terminal outcome carries no
		// new information.
		return nil
	}
	if !domain.CanTransition(txn.Status, event.Status) {
		return fmt.Errorf("transaction %s cannot move %s -> %s: %w", txn.Reference, txn.Status, event.Status, ErrInvalidState)
	}
	if event.Amount > 0 && event.Amount != txn.Amount {
		return fmt.Errorf("transaction %s amount mismatch: recorded %d, provider says %d: %w", txn.Reference, txn.Amount, event.Amount, ErrReconciliation)
	}

	var providerRef *string
	if event.ProviderRef != "" {
		providerRef = &event.ProviderRef
	}

	switch event.Status {
	case domain.StatusSuccessful:
		return s.applySuccess(ctx, txn, providerRef)
	case domain.StatusFailed:
		return s.applyFailure(ctx, txn, providerRef, "provider reported failure")
	default:
		if err := s.repo.UpdateTransactionStatus(ctx, txn.ID, txn.Status, event.Status, providerRef, nil); err != nil {
			if errors.Is(err, store.ErrStaleWrite) {
				// A concurrent event won the race; the replayed transition is moot.
				return nil
			}
			return fmt.Errorf("failed to update transaction %s: %w", txn.Reference, err)
		}
		return nil
	}
}

// applySuccess records a confirmed payment or payout. Inbound payments charge
// fees now and credit the wallet with the net proceeds in one transaction.
func (s *Service) applySuccess(ctx context.Context, txn *domain.Transaction, providerRef *string) error {
	if !domain.IsSettleableFeature(txn.Feature) {
		// Payout features charged their fees at creation; success only seals
		// the status.
		if err := s.repo.UpdateTransactionStatus(ctx, txn.ID, txn.Status, domain.StatusSuccessful, providerRef, nil); err != nil {
			if errors.Is(err, store.ErrStaleWrite) {
				return nil
			}
			return fmt.Errorf("failed to record payout success for %s: %w", txn.Reference, err)
		}
		s.recordAudit("transaction.succeeded", "transaction", txn.ID.String(), "feature="+txn.Feature)
		return nil
	}

	prov, err := s.repo.FindProviderByID(ctx, txn.ProviderID)
	if err != nil {
		return fmt.Errorf("failed to load provider for %s: %w", txn.Reference, err)
	}
	fees := prov.FeeConfig.ComputeFees(txn.Amount)
	credit := txn.Amount - fees.Fee - fees.VATFee

	if err := s.repo.ApplySuccessfulTransition(ctx, txn.ID, txn.Status, providerRef, fees, credit); err != nil {
		if errors.Is(err, store.ErrStaleWrite) {
			return nil
		}
		return fmt.Errorf("failed to record success for %s: %w", txn.Reference, err)
	}

	s.recordAudit("transaction.succeeded", "transaction", txn.ID.String(), fmt.Sprintf("amount=%d fee=%d vat=%d", txn.Amount, fees.Fee, fees.VATFee))
	return nil
}

// applyFailure records a definitive failure. Payout features refund the wallet
// reservation taken at creation.
func (s *Service) applyFailure(ctx context.Context, txn *domain.Transaction, providerRef *string, reason string) error {
	if err := s.repo.UpdateTransactionStatus(ctx, txn.ID, txn.Status, domain.StatusFailed, providerRef, &reason); err != nil {
		if errors.Is(err, store.ErrStaleWrite) {
			return nil
		}
		return fmt.Errorf("failed to record failure for %s: %w", txn.Reference, err)
	}
	if !domain.IsSettleableFeature(txn.Feature) {
		refund := txn.Amount + txn.Fee + txn.VATFee
		if err := s.repo.CreditWallet(ctx, txn.BusinessID, refund); err != nil {
			log.Printf("level=error component=app msg=\"failed to reverse reservation after payout failure\" reference=%s amount=%d error=%q", txn.Reference, refund, err)
		}
	}
	s.recordAudit("transaction.failed", "transaction", txn.ID.String(), "reason="+reason)
	return nil
}

// VerifyTransaction polls the rail for the authoritative status of a
// transaction and applies the outcome through the state machine. A terminal
// disagreement between the ledger and the rail is surfaced, never papered over.
func (s *Service) VerifyTransaction(ctx context.Context, reference string) (*domain.Transaction, error) {
	txn, err := s.repo.FindTransactionByReference(ctx, reference)
	if err != nil {
		return nil, err
	}
	prov, err := s.repo.FindProviderByID(ctx, txn.ProviderID)
	if err != nil {
		return nil, err
	}
	driver, err := s.providers.Resolve(prov.Name)
	if err != nil {
		return nil, err
	}

	event, err := driver.VerifyTransaction(ctx, reference)
	if err != nil {
		return nil, fmt.Errorf("verification against %s failed: %w", prov.Name, err)
	}

	if err := s.ApplyProviderEvent(ctx, event); err != nil {
		if errors.Is(err, ErrConflict) {
			return nil, fmt.Errorf("ledger says %s, %s says %s: %w", txn.Status, prov.Name, event.Status, ErrReconciliation)
		}
		return nil, err
	}
	return s.repo.FindTransactionByReference(ctx, reference)
}

// CancelTransaction aborts a transaction that has not reached a terminal state.
func (s *Service) CancelTransaction(ctx context.Context, reference string) (*domain.Transaction, error) {
	txn, err := s.repo.FindTransactionByReference(ctx, reference)
	if err != nil {
		return nil, err
	}
	if !domain.CanTransition(txn.Status, domain.StatusCancelled) {
		return nil, fmt.Errorf("transaction %s is %s: %w", reference, txn.Status, ErrInvalidState)
	}
	if err := s.repo.UpdateTransactionStatus(ctx, txn.ID, txn.Status, domain.StatusCancelled, nil, nil); err != nil {
		if errors.Is(err, store.ErrStaleWrite) {
			return nil, fmt.Errorf("transaction %s changed concurrently: %w", reference, ErrConflict)
		}
		return nil, err
	}
	txn.Status = domain.StatusCancelled
	s.recordAudit("transaction.cancelled", "transaction", txn.ID.String(), "")
	return txn, nil
}

// GetTransaction returns a transaction by its platform reference.
func (s *Service) GetTransaction(ctx context.Context, reference string) (*domain.Transaction, error) {
	return s.repo.FindTransactionByReference(ctx, reference)
}

// GetWallet returns the running balance for a business.
func (s *Service) GetWallet(ctx context.Context, businessID uuid.UUID) (*domain.Wallet, error) {
	return s.repo.FindWalletByBusinessID(ctx, businessID)
}
