/**
 * @description
 * Chargeback engine. A chargeback is a dispute record escalating through
 * level1, level2, pre-arbitration, and arbitration. Accepting one never moves
 * money directly; the wallet deduction is deferred to the next settlement run
 * so dispute resolution cannot race an in-flight aggregation.
 */

package app

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/corepay/ledger-service/internal/domain"
	"github.com/corepay/ledger-service/internal/store"
)

// chargebackLevels orders the escalation ladder.
var chargebackLevels = map[string]int{
	domain.ChargebackLevel1:         1,
	domain.ChargebackLevel2:         2,
	domain.ChargebackPreArbitration: 3,
	domain.ChargebackArbitration:    4,
}

// CreateChargeback opens a dispute against a successful or completed
// transaction on behalf of the issuing side.
func (s *Service) CreateChargeback(ctx context.Context, req domain.CreateChargebackRequest) (*domain.Chargeback, error) {
	txn, err := s.repo.FindTransactionByReference(ctx, req.TransactionRef)
	if err != nil {
		return nil, err
	}
	if txn.Status != domain.StatusSuccessful && txn.Status != domain.StatusCompleted {
		return nil, fmt.Errorf("transaction %s is %s, only successful or completed transactions are disputable: %w", txn.Reference, txn.Status, ErrInvalidState)
	}

	level := req.Level
	if level == "" {
		level = domain.ChargebackLevel1
	}
	if _, ok := chargebackLevels[level]; !ok {
		return nil, fmt.Errorf("unknown chargeback level %q: %w", level, ErrValidation)
	}

	amount := req.Amount
	if amount == 0 {
		amount = txn.Amount
	}
	if amount <= 0 || amount > txn.Amount {
		return nil, fmt.Errorf("chargeback amount %d must be within (0, %d]: %w", amount, txn.Amount, ErrValidation)
	}

	dueAt, err := time.Parse(time.RFC3339, req.DueAt)
	if err != nil {
		return nil, fmt.Errorf("due_at must be RFC 3339: %w", ErrValidation)
	}
	timelineAt, err := time.Parse(time.RFC3339, req.TimelineAt)
	if err != nil {
		return nil, fmt.Errorf("timeline_at must be RFC 3339: %w", ErrValidation)
	}
	if !timelineAt.After(dueAt) {
		return nil, fmt.Errorf("timeline_at must be after due_at: %w", ErrValidation)
	}

	cb := &domain.Chargeback{
		ID:            uuid.New(),
		TransactionID: txn.ID,
		BusinessID:    txn.BusinessID,
		Level:         level,
		Status:        domain.ChargebackPending,
		Amount:        amount,
		DueAt:         dueAt,
		TimelineAt:    timelineAt,
	}
	if err := s.repo.CreateChargeback(ctx, cb); err != nil {
		return nil, fmt.Errorf("failed to create chargeback: %w", err)
	}
	s.recordAudit("chargeback.created", "chargeback", cb.ID.String(),
		fmt.Sprintf("transaction=%s level=%s amount=%d", txn.Reference, level, amount))
	return cb, nil
}

// AcceptChargeback concedes a pending dispute. The deduction is taken by the
// next settlement run.
func (s *Service) AcceptChargeback(ctx context.Context, chargebackID uuid.UUID) (*domain.Chargeback, error) {
	cb, err := s.repo.FindChargebackByID(ctx, chargebackID)
	if err != nil {
		return nil, err
	}
	if cb.Status != domain.ChargebackPending {
		return nil, fmt.Errorf("chargeback %s is %s: %w", cb.ID, cb.Status, ErrInvalidState)
	}
	if err := s.repo.UpdateChargebackStatus(ctx, cb.ID, domain.ChargebackPending, domain.ChargebackAccepted); err != nil {
		if errors.Is(err, store.ErrStaleWrite) {
			return nil, fmt.Errorf("chargeback %s changed concurrently: %w", cb.ID, ErrConflict)
		}
		return nil, err
	}
	cb.Status = domain.ChargebackAccepted
	s.recordAudit("chargeback.accepted", "chargeback", cb.ID.String(), fmt.Sprintf("amount=%d", cb.Amount))
	return cb, nil
}

// DeclineChargeback contests a pending dispute with supporting evidence. The
// evidence is expected as a base64 attachment; its storage location is
// recorded on the dispute.
func (s *Service) DeclineChargeback(ctx context.Context, chargebackID uuid.UUID, req domain.DeclineChargebackRequest) (*domain.Chargeback, error) {
	if req.Reason == "" {
		return nil, fmt.Errorf("a decline needs a reason: %w", ErrValidation)
	}
	if req.Evidence == "" {
		return nil, fmt.Errorf("a decline needs supporting evidence: %w", ErrValidation)
	}
	if _, err := base64.StdEncoding.DecodeString(req.Evidence); err != nil {
		return nil, fmt.Errorf("evidence must be base64-encoded: %w", ErrValidation)
	}

	cb, err := s.repo.FindChargebackByID(ctx, chargebackID)
	if err != nil {
		return nil, err
	}
	if cb.Status != domain.ChargebackPending {
		return nil, fmt.Errorf("chargeback %s is %s: %w", cb.ID, cb.Status, ErrInvalidState)
	}
	if time.Now().UTC().After(cb.DueAt) {
		return nil, fmt.Errorf("response window for chargeback %s closed at %s: %w", cb.ID, cb.DueAt.Format(time.RFC3339), ErrInvalidState)
	}

	evidenceURL := "evidence://chargebacks/" + cb.ID.String()
	if err := s.repo.UpdateChargebackDeclined(ctx, cb.ID, req.Reason, evidenceURL); err != nil {
		if errors.Is(err, store.ErrStaleWrite) {
			return nil, fmt.Errorf("chargeback %s changed concurrently: %w", cb.ID, ErrConflict)
		}
		return nil, err
	}
	cb.Status = domain.ChargebackDeclined
	cb.Reason = &req.Reason
	cb.EvidenceURL = &evidenceURL
	s.recordAudit("chargeback.declined", "chargeback", cb.ID.String(), "reason="+req.Reason)
	return cb, nil
}

// GetChargeback returns a chargeback by id.
func (s *Service) GetChargeback(ctx context.Context, chargebackID uuid.UUID) (*domain.Chargeback, error) {
	return s.repo.FindChargebackByID(ctx, chargebackID)
}
