/**
 * @description
 * Refund engine. Two execution options share one record shape:
 *
 *   - instant: the business wallet is debited immediately and the money is
 *     pushed to the customer's bank account through the settlement rail.
 *   - request: the refund is lodged with the card provider; the wallet
 *     deduction is taken by the next settlement run and the terminal status
 *     arrives by webhook.
 *
 * A full refund moves the source transaction to refunded; partial refunds
 * leave it in place so further partials remain possible up to the original
 * amount.
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

// CreateRefund opens and, for the instant option, executes a refund against a
// successful or completed transaction.
func (s *Service) CreateRefund(ctx context.Context, req domain.CreateRefundRequest) (*domain.Refund, error) {
	txn, err := s.repo.FindTransactionByReference(ctx, req.TransactionRef)
	if err != nil {
		return nil, err
	}
	if txn.Status != domain.StatusSuccessful && txn.Status != domain.StatusCompleted {
		return nil, fmt.Errorf("transaction %s is %s, only successful or completed transactions are refundable: %w", txn.Reference, txn.Status, ErrInvalidState)
	}
	if !domain.IsRefundableFeature(txn.Feature) {
		return nil, fmt.Errorf("feature %s is not refundable: %w", txn.Feature, ErrValidation)
	}

	amount := req.Amount
	switch req.Type {
	case domain.RefundTypeFull:
		amount = txn.Amount
	case domain.RefundTypePartial:
		if amount <= 0 {
			return nil, fmt.Errorf("partial refund needs a positive amount: %w", ErrValidation)
		}
		if amount >= txn.Amount {
			return nil, fmt.Errorf("partial refund of %d must be below the transaction amount %d: %w", amount, txn.Amount, ErrValidation)
		}
	default:
		return nil, fmt.Errorf("refund type must be %q or %q: %w", domain.RefundTypeFull, domain.RefundTypePartial, ErrValidation)
	}

	switch req.Option {
	case domain.RefundOptionInstant:
		if req.BankCode == nil || req.BankAccount == nil {
			return nil, fmt.Errorf("instant refunds need bank_code and bank_account: %w", ErrValidation)
		}
	case domain.RefundOptionRequest:
	default:
		return nil, fmt.Errorf("refund option must be %q or %q: %w", domain.RefundOptionInstant, domain.RefundOptionRequest, ErrValidation)
	}

	if open, err := s.repo.FindOpenRefundByTransactionID(ctx, txn.ID); err == nil && open != nil {
		return nil, fmt.Errorf("refund %s is still open for transaction %s: %w", open.ID, txn.Reference, ErrConflict)
	} else if err != nil && !errors.Is(err, store.ErrRefundNotFound) {
		return nil, fmt.Errorf("failed to check open refunds: %w", err)
	}

	refund := &domain.Refund{
		ID:            uuid.New(),
		TransactionID: txn.ID,
		BusinessID:    txn.BusinessID,
		Option:        req.Option,
		Type:          req.Type,
		Status:        domain.RefundPending,
		Amount:        amount,
		BankCode:      req.BankCode,
		BankAccount:   req.BankAccount,
	}
	if err := s.repo.CreateRefund(ctx, refund); err != nil {
		return nil, fmt.Errorf("failed to create refund: %w", err)
	}
	s.recordAudit("refund.created", "refund", refund.ID.String(),
		fmt.Sprintf("transaction=%s option=%s amount=%d", txn.Reference, refund.Option, refund.Amount))

	if req.Option == domain.RefundOptionInstant {
		return s.executeInstantRefund(ctx, refund, txn)
	}
	return s.lodgeRefundRequest(ctx, refund, txn)
}

// executeInstantRefund debits the wallet and pushes the money to the customer
// through the settlement rail. A definitive payout failure reverses the debit
// and fails the refund.
func (s *Service) executeInstantRefund(ctx context.Context, refund *domain.Refund, txn *domain.Transaction) (*domain.Refund, error) {
	prov, err := s.repo.FindProviderByName(ctx, s.settlementRail)
	if err != nil {
		return nil, fmt.Errorf("settlement rail unavailable: %w", err)
	}
	driver, err := s.providers.Resolve(prov.Name)
	if err != nil {
		return nil, err
	}

	if err := s.repo.DebitWallet(ctx, refund.BusinessID, refund.Amount); err != nil {
		reason := "wallet balance insufficient for refund"
		if updateErr := s.repo.UpdateRefundStatus(ctx, refund.ID, domain.RefundPending, domain.RefundFailed, &reason); updateErr != nil {
			return nil, fmt.Errorf("failed to fail refund after debit error: %w", updateErr)
		}
		refund.Status = domain.RefundFailed
		refund.FailureReason = &reason
		if errors.Is(err, store.ErrInsufficientFunds) {
			return refund, nil
		}
		return nil, fmt.Errorf("failed to debit wallet: %w", err)
	}

	payout := &domain.Transaction{
		ID:         uuid.New(),
		Reference:  newReference(),
		BusinessID: refund.BusinessID,
		ProviderID: prov.ID,
		Feature:    domain.FeatureRefundPayout,
		Status:     domain.StatusProcessing,
		Amount:     refund.Amount,
		Narration:  "Refund for " + txn.Reference,
	}
	if err := s.repo.CreateTransaction(ctx, payout); err != nil {
		if creditErr := s.repo.CreditWallet(ctx, refund.BusinessID, refund.Amount); creditErr != nil {
			log.Printf("level=error component=refund msg=\"failed to reverse debit after create failure\" refund_id=%s error=%q", refund.ID, creditErr)
		}
		return nil, fmt.Errorf("failed to create refund payout record: %w", err)
	}
	if err := s.repo.AttachRefundPayout(ctx, refund.ID, payout.ID); err != nil {
		return nil, fmt.Errorf("failed to link refund payout: %w", err)
	}
	if err := s.repo.UpdateRefundStatus(ctx, refund.ID, domain.RefundPending, domain.RefundProcessing, nil); err != nil {
		return nil, fmt.Errorf("failed to advance refund: %w", err)
	}
	refund.Status = domain.RefundProcessing
	refund.RefundedTxnID = &payout.ID

	result, err := driver.InitiatePayout(ctx, provider.PayoutInstruction{
		Reference:   payout.Reference,
		Amount:      refund.Amount,
		BankCode:    *refund.BankCode,
		BankAccount: *refund.BankAccount,
		Narration:   payout.Narration,
	})
	if err != nil {
		if errors.Is(err, provider.ErrTimeout) {
			log.Printf("level=warn component=refund msg=\"payout outcome unknown after timeout\" refund_id=%s reference=%s", refund.ID, payout.Reference)
			return refund, nil
		}
		reason := err.Error()
		if updateErr := s.repo.UpdateTransactionStatus(ctx, payout.ID, domain.StatusProcessing, domain.StatusFailed, nil, &reason); updateErr != nil {
			return nil, fmt.Errorf("failed to record payout failure: %w", updateErr)
		}
		if updateErr := s.repo.UpdateRefundStatus(ctx, refund.ID, domain.RefundProcessing, domain.RefundFailed, &reason); updateErr != nil {
			return nil, fmt.Errorf("failed to fail refund: %w", updateErr)
		}
		if creditErr := s.repo.CreditWallet(ctx, refund.BusinessID, refund.Amount); creditErr != nil {
			log.Printf("level=error component=refund msg=\"failed to reverse debit after payout failure\" refund_id=%s error=%q", refund.ID, creditErr)
		}
		refund.Status = domain.RefundFailed
		refund.FailureReason = &reason
		return refund, nil
	}

	if err := s.repo.UpdateTransactionStatus(ctx, payout.ID, domain.StatusProcessing, domain.StatusSuccessful, &result.ProviderRef, nil); err != nil {
		return nil, fmt.Errorf("failed to record payout success: %w", err)
	}
	if err := s.repo.UpdateRefundStatus(ctx, refund.ID, domain.RefundProcessing, domain.RefundCompleted, nil); err != nil {
		return nil, fmt.Errorf("failed to complete refund: %w", err)
	}
	refund.Status = domain.RefundCompleted

	if refund.Type == domain.RefundTypeFull {
		if err := s.markSourceRefunded(ctx, txn); err != nil {
			return nil, err
		}
	}
	s.recordAudit("refund.completed", "refund", refund.ID.String(), fmt.Sprintf("amount=%d", refund.Amount))
	return refund, nil
}

// lodgeRefundRequest files the refund with the provider that processed the
// original payment. The outcome arrives by webhook; the wallet deduction is
// taken by the next settlement run.
func (s *Service) lodgeRefundRequest(ctx context.Context, refund *domain.Refund, txn *domain.Transaction) (*domain.Refund, error) {
	if txn.ProviderRef == nil {
		reason := "transaction has no provider reference"
		if updateErr := s.repo.UpdateRefundStatus(ctx, refund.ID, domain.RefundPending, domain.RefundFailed, &reason); updateErr != nil {
			return nil, updateErr
		}
		refund.Status = domain.RefundFailed
		refund.FailureReason = &reason
		return refund, nil
	}

	prov, err := s.repo.FindProviderByID(ctx, txn.ProviderID)
	if err != nil {
		return nil, err
	}
	driver, err := s.providers.Resolve(prov.Name)
	if err != nil {
		return nil, err
	}

	result, err := driver.RequestRefund(ctx, *txn.ProviderRef, refund.Amount)
	if err != nil {
		if errors.Is(err, provider.ErrTimeout) {
			log.Printf("level=warn component=refund msg=\"refund request outcome unknown after timeout\" refund_id=%s", refund.ID)
			return refund, nil
		}
		reason := err.Error()
		if updateErr := s.repo.UpdateRefundStatus(ctx, refund.ID, domain.RefundPending, domain.RefundFailed, &reason); updateErr != nil {
			return nil, fmt.Errorf("failed to fail refund: %w", updateErr)
		}
		refund.Status = domain.RefundFailed
		refund.FailureReason = &reason
		return refund, nil
	}

	if result.ProviderRef != "" {
		if err := s.repo.SetRefundProviderRef(ctx, refund.ID, result.ProviderRef); err != nil {
			return nil, fmt.Errorf("failed to store refund provider ref: %w", err)
		}
		refund.ProviderRef = &result.ProviderRef
	}
	if err := s.repo.UpdateRefundStatus(ctx, refund.ID, domain.RefundPending, domain.RefundProcessing, nil); err != nil {
		return nil, fmt.Errorf("failed to advance refund: %w", err)
	}
	refund.Status = domain.RefundProcessing
	return refund, nil
}

// applyRefundProviderEvent resolves a webhook that matched no transaction
// against the open refund requests, keyed by the provider's own reference.
func (s *Service) applyRefundProviderEvent(ctx context.Context, event *domain.ProviderEvent) error {
	key := event.ProviderRef
	if key == "" {
		key = event.Reference
	}
	refund, err := s.repo.FindRefundByProviderRef(ctx, key)
	if err != nil {
		if errors.Is(err, store.ErrRefundNotFound) {
			return fmt.Errorf("reference %s: %w", event.Reference, ErrOrphanWebhook)
		}
		return fmt.Errorf("failed to match webhook to refund: %w", err)
	}
	if domain.IsTerminalRefundStatus(refund.Status) {
		return nil
	}

	switch event.Status {
	case domain.StatusSuccessful:
		if err := s.repo.UpdateRefundStatus(ctx, refund.ID, refund.Status, domain.RefundCompleted, nil); err != nil {
			if errors.Is(err, store.ErrStaleWrite) {
				return nil
			}
			return fmt.Errorf("failed to complete refund %s: %w", refund.ID, err)
		}
		if refund.Type == domain.RefundTypeFull {
			txn, err := s.repo.FindTransactionByID(ctx, refund.TransactionID)
			if err != nil {
				return err
			}
			if err := s.markSourceRefunded(ctx, txn); err != nil {
				return err
			}
		}
		s.recordAudit("refund.completed", "refund", refund.ID.String(), fmt.Sprintf("amount=%d", refund.Amount))
		return nil
	case domain.StatusFailed:
		reason := "provider reported refund failure"
		if err := s.repo.UpdateRefundStatus(ctx, refund.ID, refund.Status, domain.RefundFailed, &reason); err != nil {
			if errors.Is(err, store.ErrStaleWrite) {
				return nil
			}
			return fmt.Errorf("failed to fail refund %s: %w", refund.ID, err)
		}
		if refund.SettlementID != nil {
			// A settlement run already withheld this refund from the business's
			// proceeds; the failed refund returns that deduction.
			if err := s.repo.CreditWallet(ctx, refund.BusinessID, refund.Amount); err != nil {
				log.Printf("level=error component=refund msg=\"failed to restore deducted amount after refund failure\" refund_id=%s amount=%d error=%q", refund.ID, refund.Amount, err)
			}
		}
		s.recordAudit("refund.failed", "refund", refund.ID.String(), "")
		return nil
	default:
		return nil
	}
}

// markSourceRefunded moves the refunded source transaction to its final status.
func (s *Service) markSourceRefunded(ctx context.Context, txn *domain.Transaction) error {
	if txn.Status == domain.StatusRefunded {
		return nil
	}
	if err := s.repo.UpdateTransactionStatus(ctx, txn.ID, txn.Status, domain.StatusRefunded, nil, nil); err != nil {
		if errors.Is(err, store.ErrStaleWrite) {
			// The row may have been promoted to completed by a settlement run
			// between our read and this write; retry from the fresh status.
			fresh, findErr := s.repo.FindTransactionByID(ctx, txn.ID)
			if findErr != nil {
				return findErr
			}
			if fresh.Status == domain.StatusRefunded {
				return nil
			}
			return s.repo.UpdateTransactionStatus(ctx, fresh.ID, fresh.Status, domain.StatusRefunded, nil, nil)
		}
		return fmt.Errorf("failed to mark transaction %s refunded: %w", txn.Reference, err)
	}
	return nil
}

// GetRefund returns a refund by id.
func (s *Service) GetRefund(ctx context.Context, refundID uuid.UUID) (*domain.Refund, error) {
	return s.repo.FindRefundByID(ctx, refundID)
}
