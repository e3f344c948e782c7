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

type settlementRepoStub struct {
	store.Repository

	acquireErr   error
	settlement   *domain.Settlement
	transactions []domain.Transaction
	chargebacks  []domain.Chargeback
	refunds      []domain.Refund
	carryover    map[uuid.UUID]int64
	provider     *domain.Provider
	business     *domain.Business
	wallet       int64

	saveGroupsErr error

	savedGroups        []domain.SettlementGroup
	attachedIDs        []uuid.UUID
	completed          bool
	released           bool
	storedCarryover    map[uuid.UUID]int64
	chargebacksSettled []uuid.UUID
	refundsDeducted    []uuid.UUID
	debits             []int64
	credits            []int64
	payouts            []*domain.Transaction
	payoutStatusTo     string
}

func newSettlementRepoStub() *settlementRepoStub {
	return &settlementRepoStub{
		settlement: &domain.Settlement{
			ID:        uuid.New(),
			PeriodKey: "2026-08-27",
			Status:    domain.SettlementProcessing,
			IsRunning: true,
		},
		carryover:       map[uuid.UUID]int64{},
		storedCarryover: map[uuid.UUID]int64{},
	}
}

func (s *settlementRepoStub) AcquireSettlementRun(ctx context.Context, periodKey string) (*domain.Settlement, error) {
	if s.acquireErr != nil {
		return nil, s.acquireErr
	}
	return s.settlement, nil
}

func (s *settlementRepoStub) ReleaseSettlementRun(ctx context.Context, settlementID uuid.UUID) error {
	s.released = true
	return nil
}

func (s *settlementRepoStub) ListSettleableTransactions(ctx context.Context, periodStart, periodEnd time.Time) ([]domain.Transaction, error) {
	return s.transactions, nil
}

func (s *settlementRepoStub) ListAcceptedChargebacks(ctx context.Context) ([]domain.Chargeback, error) {
	return s.chargebacks, nil
}

func (s *settlementRepoStub) ListDeductibleRefunds(ctx context.Context) ([]domain.Refund, error) {
	return s.refunds, nil
}

func (s *settlementRepoStub) GetDeductionCarryover(ctx context.Context, businessID uuid.UUID) (int64, error) {
	return s.carryover[businessID], nil
}

func (s *settlementRepoStub) SetDeductionCarryover(ctx context.Context, businessID uuid.UUID, amount int64) error {
	s.storedCarryover[businessID] = amount
	return nil
}

// MarkChargebackSettled mirrors the conditional store write: it succeeds only
// while the chargeback is still accepted.
func (s *settlementRepoStub) MarkChargebackSettled(ctx context.Context, chargebackID, settlementID uuid.UUID) error {
	for i := range s.chargebacks {
		if s.chargebacks[i].ID != chargebackID {
			continue
		}
		if s.chargebacks[i].Status != domain.ChargebackAccepted {
			return store.ErrStaleWrite
		}
		s.chargebacks[i].Status = domain.ChargebackCompleted
		s.chargebacks[i].SettlementID = &settlementID
		s.chargebacksSettled = append(s.chargebacksSettled, chargebackID)
		return nil
	}
	return store.ErrStaleWrite
}

// MarkRefundDeducted mirrors the conditional store write: a refund deducts
// into at most one settlement.
func (s *settlementRepoStub) MarkRefundDeducted(ctx context.Context, refundID, settlementID uuid.UUID) error {
	for i := range s.refunds {
		if s.refunds[i].ID != refundID {
			continue
		}
		if s.refunds[i].SettlementID != nil {
			return store.ErrStaleWrite
		}
		s.refunds[i].SettlementID = &settlementID
		s.refundsDeducted = append(s.refundsDeducted, refundID)
		return nil
	}
	return store.ErrStaleWrite
}

func (s *settlementRepoStub) SaveSettlementGroups(ctx context.Context, settlementID uuid.UUID, groups []domain.SettlementGroup) error {
	if s.saveGroupsErr != nil {
		return s.saveGroupsErr
	}
	s.savedGroups = groups
	return nil
}

func (s *settlementRepoStub) AttachTransactionsToSettlement(ctx context.Context, settlementID uuid.UUID, transactionIDs []uuid.UUID) error {
	s.attachedIDs = transactionIDs
	return nil
}

func (s *settlementRepoStub) CompleteSettlement(ctx context.Context, settlement *domain.Settlement) error {
	s.completed = true
	return nil
}

// Without a configured provider payouts are deferred, which keeps the
// aggregation tests focused on the numbers.
func (s *settlementRepoStub) FindProviderByName(ctx context.Context, name string) (*domain.Provider, error) {
	if s.provider == nil {
		return nil, store.ErrProviderNotFound
	}
	return s.provider, nil
}

func (s *settlementRepoStub) FindBusinessByID(ctx context.Context, businessID uuid.UUID) (*domain.Business, error) {
	if s.business == nil {
		return nil, store.ErrBusinessNotFound
	}
	return s.business, nil
}

func (s *settlementRepoStub) DebitWallet(ctx context.Context, businessID uuid.UUID, amount int64) error {
	if s.wallet < amount {
		return store.ErrInsufficientFunds
	}
	s.wallet -= amount
	s.debits = append(s.debits, amount)
	return nil
}

func (s *settlementRepoStub) CreditWallet(ctx context.Context, businessID uuid.UUID, amount int64) error {
	s.wallet += amount
	s.credits = append(s.credits, amount)
	return nil
}

func (s *settlementRepoStub) CreateTransaction(ctx context.Context, tx *domain.Transaction) error {
	s.payouts = append(s.payouts, tx)
	return nil
}

func (s *settlementRepoStub) UpdateTransactionStatus(ctx context.Context, transactionID uuid.UUID, fromStatus, toStatus string, providerRef, failureReason *string) error {
	s.payoutStatusTo = toStatus
	return nil
}

func newSettlementService(repo store.Repository) *Service {
	return NewService(repo, provider.NewRegistry(), nil, "bank")
}

func settledTxn(businessID uuid.UUID, feature string, amount, fee, vat, revenue int64) domain.Transaction {
	return domain.Transaction{
		ID:         uuid.New(),
		Reference:  "TXN-" + uuid.New().String()[:8],
		BusinessID: businessID,
		ProviderID: uuid.New(),
		Feature:    feature,
		Status:     domain.StatusSuccessful,
		Amount:     amount,
		Fee:        fee,
		VATFee:     vat,
		Revenue:    revenue,
	}
}

func TestRunSettlement_AggregatesPerBusinessAndChannel(t *testing.T) {
	businessA := uuid.New()
	businessB := uuid.New()
	repo := newSettlementRepoStub()
	repo.transactions = []domain.Transaction{
		settledTxn(businessA, domain.FeaturePaymentLink, 10000, 150, 11, 100),
		settledTxn(businessA, domain.FeaturePaymentLink, 5000, 150, 11, 100),
		settledTxn(businessA, domain.FeatureCardPayment, 20000, 300, 22, 200),
		settledTxn(businessB, domain.FeaturePaymentLink, 8000, 150, 11, 100),
	}
	svc := newSettlementService(repo)

	report, err := svc.RunSettlement(context.Background(), "2026-08-27")
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}

	if len(report.Groups) != 3 {
		t.Fatalf("expected 3 groups, got %d", len(report.Groups))
	}
	var totalAmount, totalFees, totalVAT, totalPayable int64
	for _, g := range report.Groups {
		if g.Payable != g.Amount-g.Fees-g.VAT-g.Deductions {
			t.Errorf("group %s/%s breaks payable invariant: %+v", g.BusinessID, g.Channel, g)
		}
		totalAmount += g.Amount
		totalFees += g.Fees
		totalVAT += g.VAT
		totalPayable += g.Payable
	}
	if totalAmount != 43000 {
		t.Errorf("expected total amount 43000, got %d", totalAmount)
	}
	if report.Settlement.TotalAmount != totalAmount ||
		report.Settlement.TotalFees != totalFees ||
		report.Settlement.TotalVAT != totalVAT ||
		report.Settlement.TotalPayable != totalPayable {
		t.Errorf("settlement totals disagree with groups: %+v", report.Settlement)
	}
	if report.Settlement.TransactionCount != 4 {
		t.Errorf("expected 4 transactions, got %d", report.Settlement.TransactionCount)
	}
	if len(repo.attachedIDs) != 4 {
		t.Errorf("expected all 4 transactions attached, got %d", len(repo.attachedIDs))
	}
	if !repo.completed {
		t.Error("expected settlement to complete")
	}
	if repo.released {
		t.Error("run flag must not be released on success; completion clears it")
	}
}

func TestRunSettlement_SkipsInvalidTransactionsWithoutAborting(t *testing.T) {
	businessID := uuid.New()
	repo := newSettlementRepoStub()
	pending := settledTxn(businessID, domain.FeaturePaymentLink, 3000, 0, 0, 0)
	pending.Status = domain.StatusPending
	payout := settledTxn(businessID, domain.FeatureWalletTransfer, 4000, 0, 0, 0)
	repo.transactions = []domain.Transaction{
		settledTxn(businessID, domain.FeaturePaymentLink, 10000, 150, 11, 100),
		pending,
		payout,
	}
	svc := newSettlementService(repo)

	report, err := svc.RunSettlement(context.Background(), "2026-08-27")
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if len(report.Skipped) != 2 {
		t.Fatalf("expected 2 skipped transactions, got %d", len(report.Skipped))
	}
	if report.Settlement.TransactionCount != 1 {
		t.Errorf("expected 1 settled transaction, got %d", report.Settlement.TransactionCount)
	}
}

func TestRunSettlement_SecondRunRejected(t *testing.T) {
	repo := newSettlementRepoStub()
	repo.acquireErr = store.ErrSettlementRunning
	svc := newSettlementService(repo)

	_, err := svc.RunSettlement(context.Background(), "2026-08-27")
	if !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
}

func TestRunSettlement_CompletedPeriodImmutable(t *testing.T) {
	repo := newSettlementRepoStub()
	repo.acquireErr = store.ErrSettlementCompleted
	svc := newSettlementService(repo)

	_, err := svc.RunSettlement(context.Background(), "2026-08-27")
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestRunSettlement_RejectsMalformedPeriodKey(t *testing.T) {
	svc := newSettlementService(newSettlementRepoStub())
	_, err := svc.RunSettlement(context.Background(), "27/08/2026")
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestRunSettlement_DeductionsReducePayable(t *testing.T) {
	businessID := uuid.New()
	repo := newSettlementRepoStub()
	repo.transactions = []domain.Transaction{
		settledTxn(businessID, domain.FeaturePaymentLink, 10000, 150, 11, 100),
	}
	cb := domain.Chargeback{ID: uuid.New(), BusinessID: businessID, Status: domain.ChargebackAccepted, Amount: 2000}
	rf := domain.Refund{ID: uuid.New(), BusinessID: businessID, Option: domain.RefundOptionRequest, Status: domain.RefundProcessing, Amount: 1000}
	repo.chargebacks = []domain.Chargeback{cb}
	repo.refunds = []domain.Refund{rf}
	svc := newSettlementService(repo)

	report, err := svc.RunSettlement(context.Background(), "2026-08-27")
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if len(report.Groups) != 1 {
		t.Fatalf("expected 1 group, got %d", len(report.Groups))
	}
	group := report.Groups[0]
	if group.Deductions != 3000 {
		t.Errorf("expected deductions 3000, got %d", group.Deductions)
	}
	wantPayable := int64(10000 - 150 - 11 - 3000)
	if group.Payable != wantPayable {
		t.Errorf("expected payable %d, got %d", wantPayable, group.Payable)
	}
	if len(repo.chargebacksSettled) != 1 || repo.chargebacksSettled[0] != cb.ID {
		t.Error("expected accepted chargeback to be settled")
	}
	if repo.chargebacks[0].Status != domain.ChargebackCompleted {
		t.Errorf("expected chargeback completed, got %s", repo.chargebacks[0].Status)
	}
	if repo.chargebacks[0].SettlementID == nil || *repo.chargebacks[0].SettlementID != repo.settlement.ID {
		t.Error("expected chargeback to reference the settlement that took its deduction")
	}
	if len(repo.refundsDeducted) != 1 || repo.refundsDeducted[0] != rf.ID {
		t.Error("expected refund deduction to be marked")
	}
	if repo.storedCarryover[businessID] != 0 {
		t.Errorf("expected no carryover, got %d", repo.storedCarryover[businessID])
	}
}

func TestRunSettlement_ShortfallCarriesOver(t *testing.T) {
	businessID := uuid.New()
	repo := newSettlementRepoStub()
	repo.transactions = []domain.Transaction{
		settledTxn(businessID, domain.FeaturePaymentLink, 2000, 150, 11, 100),
	}
	repo.chargebacks = []domain.Chargeback{
		{ID: uuid.New(), BusinessID: businessID, Status: domain.ChargebackAccepted, Amount: 5000},
	}
	svc := newSettlementService(repo)

	report, err := svc.RunSettlement(context.Background(), "2026-08-27")
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	group := report.Groups[0]
	gross := int64(2000 - 150 - 11)
	if group.Payable != 0 {
		t.Errorf("expected payable 0, got %d", group.Payable)
	}
	if group.Deductions != gross {
		t.Errorf("expected deductions %d, got %d", gross, group.Deductions)
	}
	wantCarryover := 5000 - gross
	if group.Shortfall != wantCarryover {
		t.Errorf("expected shortfall %d, got %d", wantCarryover, group.Shortfall)
	}
	if repo.storedCarryover[businessID] != wantCarryover {
		t.Errorf("expected carryover %d, got %d", wantCarryover, repo.storedCarryover[businessID])
	}
}

func TestRunSettlement_AbortedPersistenceLeavesDeductionsUnconsumed(t *testing.T) {
	businessID := uuid.New()
	repo := newSettlementRepoStub()
	repo.saveGroupsErr = errors.New("write refused")
	repo.transactions = []domain.Transaction{
		settledTxn(businessID, domain.FeaturePaymentLink, 10000, 150, 11, 100),
	}
	repo.chargebacks = []domain.Chargeback{
		{ID: uuid.New(), BusinessID: businessID, Status: domain.ChargebackAccepted, Amount: 2000},
	}
	repo.refunds = []domain.Refund{
		{ID: uuid.New(), BusinessID: businessID, Option: domain.RefundOptionRequest, Status: domain.RefundProcessing, Amount: 1000},
	}
	svc := newSettlementService(repo)

	_, err := svc.RunSettlement(context.Background(), "2026-08-27")
	if err == nil {
		t.Fatal("expected the run to fail")
	}
	if !repo.released {
		t.Error("expected the run flag to be released")
	}
	if len(repo.chargebacksSettled) != 0 || len(repo.refundsDeducted) != 0 {
		t.Error("expected no deduction source consumed by an aborted run")
	}
	if repo.chargebacks[0].Status != domain.ChargebackAccepted || repo.chargebacks[0].SettlementID != nil {
		t.Error("expected the chargeback to stay deductible for the retry")
	}
	if len(repo.storedCarryover) != 0 {
		t.Errorf("expected no carryover written, got %v", repo.storedCarryover)
	}
}

func TestRunSettlement_PayoutDebitsWallet(t *testing.T) {
	businessID := uuid.New()
	repo := newSettlementRepoStub()
	repo.transactions = []domain.Transaction{
		settledTxn(businessID, domain.FeaturePaymentLink, 10000, 150, 11, 100),
	}
	repo.provider = &domain.Provider{ID: uuid.New(), Name: "bank", Enabled: true}
	business := activeBusinessWithBank()
	business.ID = businessID
	repo.business = business
	repo.wallet = 10000 - 150 - 11
	driver := &payoutDriverStub{name: "bank", result: provider.PayoutResult{ProviderRef: "trf_9", Status: domain.StatusSuccessful}}
	svc := NewService(repo, provider.NewRegistry(driver), nil, "bank")

	_, err := svc.RunSettlement(context.Background(), "2026-08-27")
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	payable := int64(10000 - 150 - 11)
	if len(repo.debits) != 1 || repo.debits[0] != payable {
		t.Fatalf("expected a single wallet debit of %d, got %v", payable, repo.debits)
	}
	if len(repo.credits) != 0 {
		t.Errorf("expected no compensating credit on success, got %v", repo.credits)
	}
	if repo.wallet != 0 {
		t.Errorf("expected the wallet emptied by the payout, got %d", repo.wallet)
	}
	if len(repo.payouts) != 1 || repo.payouts[0].Feature != domain.FeatureBankSettlement || repo.payouts[0].Amount != payable {
		t.Fatalf("unexpected payout record: %+v", repo.payouts)
	}
	if repo.payoutStatusTo != domain.StatusSuccessful {
		t.Errorf("expected payout marked successful, got %q", repo.payoutStatusTo)
	}
}

func TestRunSettlement_PayoutFailureRestoresWallet(t *testing.T) {
	businessID := uuid.New()
	repo := newSettlementRepoStub()
	repo.transactions = []domain.Transaction{
		settledTxn(businessID, domain.FeaturePaymentLink, 10000, 150, 11, 100),
	}
	repo.provider = &domain.Provider{ID: uuid.New(), Name: "bank", Enabled: true}
	business := activeBusinessWithBank()
	business.ID = businessID
	repo.business = business
	payable := int64(10000 - 150 - 11)
	repo.wallet = payable
	driver := &payoutDriverStub{name: "bank", payoutErr: errors.New("counterparty rejected")}
	svc := NewService(repo, provider.NewRegistry(driver), nil, "bank")

	_, err := svc.RunSettlement(context.Background(), "2026-08-27")
	if err != nil {
		t.Fatalf("expected the run to complete despite the payout failure, got %v", err)
	}
	if len(repo.debits) != 1 || repo.debits[0] != payable {
		t.Fatalf("expected a single wallet debit of %d, got %v", payable, repo.debits)
	}
	if len(repo.credits) != 1 || repo.credits[0] != payable {
		t.Fatalf("expected the debit restored after the failure, got %v", repo.credits)
	}
	if repo.wallet != payable {
		t.Errorf("expected wallet balance back at %d, got %d", payable, repo.wallet)
	}
	if repo.payoutStatusTo != domain.StatusFailed {
		t.Errorf("expected payout marked failed, got %q", repo.payoutStatusTo)
	}
	if !repo.completed {
		t.Error("expected the settlement to complete")
	}
}

func TestRunSettlement_CarryoverAbsorbedNextRun(t *testing.T) {
	businessID := uuid.New()
	repo := newSettlementRepoStub()
	repo.carryover[businessID] = 500
	repo.transactions = []domain.Transaction{
		settledTxn(businessID, domain.FeaturePaymentLink, 10000, 150, 11, 100),
	}
	svc := newSettlementService(repo)

	report, err := svc.RunSettlement(context.Background(), "2026-08-27")
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	group := report.Groups[0]
	if group.Deductions != 500 {
		t.Errorf("expected carryover deduction 500, got %d", group.Deductions)
	}
	if repo.storedCarryover[businessID] != 0 {
		t.Errorf("expected carryover cleared, got %d", repo.storedCarryover[businessID])
	}
	found := false
	for _, d := range report.Deductions {
		if d.Source == "carryover" && d.Amount == 500 {
			found = true
		}
	}
	if !found {
		t.Error("expected carryover deduction in the report")
	}
}
