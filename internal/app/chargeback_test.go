package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/corepay/ledger-service/internal/domain"
	"github.com/corepay/ledger-service/internal/provider"
	"github.com/corepay/ledger-service/internal/store"
)

type chargebackRepoStub struct {
	store.Repository

	tx *domain.Transaction
	cb *domain.Chargeback

	created        *domain.Chargeback
	statusUpdateTo string
	declined       bool
	declinedReason string
}

func (s *chargebackRepoStub) FindTransactionByReference(ctx context.Context, reference string) (*domain.Transaction, error) {
	if s.tx == nil {
		return nil, store.ErrTransactionNotFound
	}
	return s.tx, nil
}

func (s *chargebackRepoStub) CreateChargeback(ctx context.Context, cb *domain.Chargeback) error {
	s.created = cb
	return nil
}

func (s *chargebackRepoStub) FindChargebackByID(ctx context.Context, chargebackID uuid.UUID) (*domain.Chargeback, error) {
	if s.cb == nil {
		return nil, store.ErrChargebackNotFound
	}
	return s.cb, nil
}

func (s *chargebackRepoStub) UpdateChargebackStatus(ctx context.Context, chargebackID uuid.UUID, fromStatus, toStatus string) error {
	s.statusUpdateTo = toStatus
	return nil
}

func (s *chargebackRepoStub) UpdateChargebackDeclined(ctx context.Context, chargebackID uuid.UUID, reason, evidenceURL string) error {
	s.declined = true
	s.declinedReason = reason
	return nil
}

func newChargebackService(repo store.Repository) *Service {
	return NewService(repo, provider.NewRegistry(), nil, "bank")
}

func TestCreateChargeback_DefaultsLevelAndAmount(t *testing.T) {
	tx := refundableTransaction(domain.StatusCompleted)
	repo := &chargebackRepoStub{tx: tx}
	svc := newChargebackService(repo)

	due := time.Now().UTC().Add(48 * time.Hour).Format(time.RFC3339)
	timeline := time.Now().UTC().Add(96 * time.Hour).Format(time.RFC3339)
	cb, err := svc.CreateChargeback(context.Background(), domain.CreateChargebackRequest{
		TransactionRef: "TXN-1",
		DueAt:          due,
		TimelineAt:     timeline,
	})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if cb.Level != domain.ChargebackLevel1 {
		t.Errorf("expected default level1, got %s", cb.Level)
	}
	if cb.Amount != tx.Amount {
		t.Errorf("expected default amount %d, got %d", tx.Amount, cb.Amount)
	}
	if cb.Status != domain.ChargebackPending {
		t.Errorf("expected pending status, got %s", cb.Status)
	}
}

func TestCreateChargeback_RejectsAmountAboveTransaction(t *testing.T) {
	repo := &chargebackRepoStub{tx: refundableTransaction(domain.StatusCompleted)}
	svc := newChargebackService(repo)

	due := time.Now().UTC().Add(48 * time.Hour).Format(time.RFC3339)
	timeline := time.Now().UTC().Add(96 * time.Hour).Format(time.RFC3339)
	_, err := svc.CreateChargeback(context.Background(), domain.CreateChargebackRequest{
		TransactionRef: "TXN-1",
		Amount:         20000,
		DueAt:          due,
		TimelineAt:     timeline,
	})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestCreateChargeback_RejectsTimelineBeforeDue(t *testing.T) {
	repo := &chargebackRepoStub{tx: refundableTransaction(domain.StatusCompleted)}
	svc := newChargebackService(repo)

	due := time.Now().UTC().Add(96 * time.Hour).Format(time.RFC3339)
	timeline := time.Now().UTC().Add(48 * time.Hour).Format(time.RFC3339)
	_, err := svc.CreateChargeback(context.Background(), domain.CreateChargebackRequest{
		TransactionRef: "TXN-1",
		DueAt:          due,
		TimelineAt:     timeline,
	})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestAcceptChargeback_MovesPendingToAccepted(t *testing.T) {
	repo := &chargebackRepoStub{
		cb: &domain.Chargeback{ID: uuid.New(), Status: domain.ChargebackPending, Amount: 1000},
	}
	svc := newChargebackService(repo)

	cb, err := svc.AcceptChargeback(context.Background(), repo.cb.ID)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if cb.Status != domain.ChargebackAccepted || repo.statusUpdateTo != domain.ChargebackAccepted {
		t.Error("expected chargeback to move to accepted")
	}
}

func TestAcceptChargeback_RejectsNonPending(t *testing.T) {
	repo := &chargebackRepoStub{
		cb: &domain.Chargeback{ID: uuid.New(), Status: domain.ChargebackDeclined},
	}
	svc := newChargebackService(repo)

	_, err := svc.AcceptChargeback(context.Background(), repo.cb.ID)
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

func TestDeclineChargeback_RequiresEvidenceAndOpenWindow(t *testing.T) {
	repo := &chargebackRepoStub{
		cb: &domain.Chargeback{
			ID:     uuid.New(),
			Status: domain.ChargebackPending,
			DueAt:  time.Now().UTC().Add(24 * time.Hour),
		},
	}
	svc := newChargebackService(repo)

	_, err := svc.DeclineChargeback(context.Background(), repo.cb.ID, domain.DeclineChargebackRequest{Reason: "goods delivered"})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation without evidence, got %v", err)
	}

	cb, err := svc.DeclineChargeback(context.Background(), repo.cb.ID, domain.DeclineChargebackRequest{
		Reason:   "goods delivered",
		Evidence: "ZGVsaXZlcnkgcmVjZWlwdA==",
	})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if cb.Status != domain.ChargebackDeclined || !repo.declined {
		t.Error("expected chargeback to be declined")
	}
}

func TestDeclineChargeback_RejectsAfterDueDate(t *testing.T) {
	repo := &chargebackRepoStub{
		cb: &domain.Chargeback{
			ID:     uuid.New(),
			Status: domain.ChargebackPending,
			DueAt:  time.Now().UTC().Add(-time.Hour),
		},
	}
	svc := newChargebackService(repo)

	_, err := svc.DeclineChargeback(context.Background(), repo.cb.ID, domain.DeclineChargebackRequest{
		Reason:   "goods delivered",
		Evidence: "ZGVsaXZlcnkgcmVjZWlwdA==",
	})
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}
