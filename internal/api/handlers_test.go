package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/corepay/ledger-service/internal/app"
	"github.com/corepay/ledger-service/internal/domain"
	"github.com/corepay/ledger-service/internal/provider"
	"github.com/corepay/ledger-service/internal/store"
)

// transferRepoStub backs the wallet-transfer handler tests with a mutable
// wallet balance.
type transferRepoStub struct {
	store.Repository

	business *domain.Business
	provider *domain.Provider
	wallet   int64
}

func (s *transferRepoStub) FindBusinessByID(ctx context.Context, businessID uuid.UUID) (*domain.Business, error) {
	return s.business, nil
}

func (s *transferRepoStub) FindProviderByName(ctx context.Context, name string) (*domain.Provider, error) {
	return s.provider, nil
}

func (s *transferRepoStub) DebitWallet(ctx context.Context, businessID uuid.UUID, amount int64) error {
	if s.wallet < amount {
		return store.ErrInsufficientFunds
	}
	s.wallet -= amount
	return nil
}

func (s *transferRepoStub) CreditWallet(ctx context.Context, businessID uuid.UUID, amount int64) error {
	s.wallet += amount
	return nil
}

func (s *transferRepoStub) CreateTransaction(ctx context.Context, tx *domain.Transaction) error {
	return nil
}

func (s *transferRepoStub) UpdateTransactionStatus(ctx context.Context, transactionID uuid.UUID, fromStatus, toStatus string, providerRef, failureReason *string) error {
	return nil
}

type bankDriverStub struct{}

func (d *bankDriverStub) Name() string { return "bank" }

func (d *bankDriverStub) InitiatePayout(ctx context.Context, instruction provider.PayoutInstruction) (*provider.PayoutResult, error) {
	return &provider.PayoutResult{ProviderRef: "trf_1", Status: domain.StatusSuccessful}, nil
}

func (d *bankDriverStub) ResolveBankAccount(ctx context.Context, bankCode, accountNumber string) (*provider.BankAccount, error) {
	return nil, errors.New("not implemented")
}

func (d *bankDriverStub) VerifyTransaction(ctx context.Context, reference string) (*domain.ProviderEvent, error) {
	return nil, errors.New("not implemented")
}

func (d *bankDriverStub) RequestRefund(ctx context.Context, providerRef string, amount int64) (*provider.PayoutResult, error) {
	return nil, errors.New("not implemented")
}

func (d *bankDriverStub) ParseWebhook(payload []byte, signatureHeader string) (*domain.ProviderEvent, error) {
	return nil, errors.New("not implemented")
}

// memoryIdempotencyStore tracks claims so the tests can observe releases.
type memoryIdempotencyStore struct {
	claims map[string]string
}

func newMemoryIdempotencyStore() *memoryIdempotencyStore {
	return &memoryIdempotencyStore{claims: make(map[string]string)}
}

func (s *memoryIdempotencyStore) Claim(ctx context.Context, key, payloadHash string, ttl time.Duration) (string, bool, error) {
	if existing, ok := s.claims[key]; ok {
		return existing, false, nil
	}
	s.claims[key] = payloadHash
	return payloadHash, true, nil
}

func (s *memoryIdempotencyStore) Release(ctx context.Context, key string) error {
	delete(s.claims, key)
	return nil
}

func newTransferHandlers(repo *transferRepoStub, idem app.IdempotencyStore) *LedgerHandlers {
	svc := app.NewService(repo, provider.NewRegistry(&bankDriverStub{}), nil, "bank")
	return NewLedgerHandlers(svc, provider.NewRegistry(&bankDriverStub{}), idem, 24*time.Hour, 5*time.Minute)
}

func transferRequest(t *testing.T, businessID uuid.UUID, key string) *http.Request {
	t.Helper()
	body, err := json.Marshal(domain.WalletTransferRequest{
		BusinessID:  businessID,
		Provider:    "bank",
		Amount:      5000,
		BankCode:    "058",
		BankAccount: "0123456789",
	})
	if err != nil {
		t.Fatalf("failed to marshal request: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/wallets/transfer", bytes.NewReader(body))
	req.Header.Set("x-idempotent-key", key)
	return req
}

func TestWalletTransferHandler_MissingKeyForbidden(t *testing.T) {
	repo := &transferRepoStub{
		business: &domain.Business{ID: uuid.New(), Status: "active"},
		provider: &domain.Provider{ID: uuid.New(), Name: "bank", Enabled: true},
		wallet:   10000,
	}
	h := newTransferHandlers(repo, newMemoryIdempotencyStore())

	rec := httptest.NewRecorder()
	h.WalletTransferHandler(rec, transferRequest(t, repo.business.ID, ""))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestWalletTransferHandler_FailedAttemptDoesNotPoisonKey(t *testing.T) {
	repo := &transferRepoStub{
		business: &domain.Business{ID: uuid.New(), Status: "active"},
		provider: &domain.Provider{ID: uuid.New(), Name: "bank", Enabled: true},
		wallet:   0,
	}
	idem := newMemoryIdempotencyStore()
	h := newTransferHandlers(repo, idem)

	rec := httptest.NewRecorder()
	h.WalletTransferHandler(rec, transferRequest(t, repo.business.ID, "key-1"))
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 on empty wallet, got %d", rec.Code)
	}
	if _, claimed := idem.claims["key-1"]; claimed {
		t.Fatal("expected the claim released after the failed attempt")
	}

	// The client funds the wallet and retries with the same key; the retry
	// must execute, not be acknowledged as a duplicate.
	repo.wallet = 10000
	rec = httptest.NewRecorder()
	h.WalletTransferHandler(rec, transferRequest(t, repo.business.ID, "key-1"))
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 on retry, got %d body=%s", rec.Code, rec.Body.String())
	}
	if repo.wallet != 5000 {
		t.Errorf("expected the retry to move the money, wallet=%d", repo.wallet)
	}
}

func TestWalletTransferHandler_ReplayAfterSuccessAcknowledged(t *testing.T) {
	repo := &transferRepoStub{
		business: &domain.Business{ID: uuid.New(), Status: "active"},
		provider: &domain.Provider{ID: uuid.New(), Name: "bank", Enabled: true},
		wallet:   10000,
	}
	h := newTransferHandlers(repo, newMemoryIdempotencyStore())

	rec := httptest.NewRecorder()
	h.WalletTransferHandler(rec, transferRequest(t, repo.business.ID, "key-1"))
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d body=%s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	h.WalletTransferHandler(rec, transferRequest(t, repo.business.ID, "key-1"))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 replay acknowledgement, got %d", rec.Code)
	}
	if repo.wallet != 5000 {
		t.Errorf("expected the replay to move no money, wallet=%d", repo.wallet)
	}
}
