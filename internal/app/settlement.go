/**
 * @description
 * Settlement engine: batches the settleable transactions of one period into a
 * Settlement with per-business, per-channel groups, applies refund and
 * chargeback deductions, and pays each business its net proceeds.
 *
 * @notes
 * - Mutual exclusion is the settlement row's is_running flag; a second run for
 *   the same period observes it and aborts with ErrAlreadyRunning.
 * - Deductions a business's proceeds cannot absorb are carried over to the
 *   next run instead of driving the payable negative.
 * - Individually invalid transactions are skipped and reported; they never
 *   abort the run.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/corepay/ledger-service/internal/domain"
	"github.com/corepay/ledger-service/internal/provider"
	"github.com/corepay/ledger-service/internal/store"
)

const periodKeyLayout = "2006-01-02"

// businessBatch accumulates one business's share of a settlement run.
type businessBatch struct {
	businessID   uuid.UUID
	groups       map[string]*domain.SettlementGroup // keyed by channel
	transactions []uuid.UUID
	gross        int64 // sum of amount-fee-vat across all groups
}

// RunSettlement executes the settlement run for one period key (a UTC day,
// "2006-01-02"). Safe to call repeatedly: a completed period is immutable and
// a concurrent run is rejected.
func (s *Service) RunSettlement(ctx context.Context, periodKey string) (*domain.SettlementRunReport, error) {
	periodStart, err := time.ParseInLocation(periodKeyLayout, periodKey, time.UTC)
	if err != nil {
		return nil, fmt.Errorf("period key must be a UTC date (%s): %w", periodKeyLayout, ErrValidation)
	}
	periodEnd := periodStart.Add(24 * time.Hour)

	settlement, err := s.repo.AcquireSettlementRun(ctx, periodKey)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrSettlementRunning):
			return nil, fmt.Errorf("period %s: %w", periodKey, ErrAlreadyRunning)
		case errors.Is(err, store.ErrSettlementCompleted):
			return nil, fmt.Errorf("period %s already settled: %w", periodKey, ErrConflict)
		}
		return nil, fmt.Errorf("failed to acquire settlement run: %w", err)
	}

	report, err := s.executeSettlementRun(ctx, settlement, periodStart, periodEnd)
	if err != nil {
		if releaseErr := s.repo.ReleaseSettlementRun(ctx, settlement.ID); releaseErr != nil {
			log.Printf("level=error component=settlement msg=\"failed to release run flag\" period=%s error=%q", periodKey, releaseErr)
		}
		return nil, err
	}
	return report, nil
}

func (s *Service) executeSettlementRun(ctx context.Context, settlement *domain.Settlement, periodStart, periodEnd time.Time) (*domain.SettlementRunReport, error) {
	transactions, err := s.repo.ListSettleableTransactions(ctx, periodStart, periodEnd)
	if err != nil {
		return nil, fmt.Errorf("failed to list settleable transactions: %w", err)
	}

	report := &domain.SettlementRunReport{Settlement: settlement}
	batches := make(map[uuid.UUID]*businessBatch)

	for i := range transactions {
		txn := &transactions[i]
		if txn.Status != domain.StatusSuccessful {
			report.Skipped = append(report.Skipped, domain.SkippedTransaction{Reference: txn.Reference, Reason: "status is " + txn.Status})
			continue
		}
		if !domain.IsSettleableFeature(txn.Feature) {
			report.Skipped = append(report.Skipped, domain.SkippedTransaction{Reference: txn.Reference, Reason: "feature " + txn.Feature + " is not settleable"})
			continue
		}
		if txn.SettlementID != nil {
			report.Skipped = append(report.Skipped, domain.SkippedTransaction{Reference: txn.Reference, Reason: "already attached to a settlement"})
			continue
		}
		net := txn.Amount - txn.Fee - txn.VATFee
		if net < 0 {
			report.Skipped = append(report.Skipped, domain.SkippedTransaction{Reference: txn.Reference, Reason: "fees exceed amount"})
			continue
		}

		batch, ok := batches[txn.BusinessID]
		if !ok {
			batch = &businessBatch{businessID: txn.BusinessID, groups: make(map[string]*domain.SettlementGroup)}
			batches[txn.BusinessID] = batch
		}
		group, ok := batch.groups[txn.Feature]
		if !ok {
			group = &domain.SettlementGroup{
				ID:           uuid.New(),
				SettlementID: settlement.ID,
				BusinessID:   txn.BusinessID,
				Channel:      txn.Feature,
			}
			batch.groups[txn.Feature] = group
		}
		group.Amount += txn.Amount
		group.Fees += txn.Fee
		group.VAT += txn.VATFee
		group.Revenue += txn.Revenue
		group.Payable += net
		group.TransactionCount++
		batch.transactions = append(batch.transactions, txn.ID)
		batch.gross += net

		settlement.TotalAmount += txn.Amount
		settlement.TotalFees += txn.Fee
		settlement.TotalVAT += txn.VATFee
		settlement.TotalRevenue += txn.Revenue
		settlement.TransactionCount++
	}

	plan, err := s.planDeductions(ctx, batches)
	if err != nil {
		return nil, err
	}
	report.Deductions = plan.applied

	groups, transactionIDs := flattenBatches(batches)
	for i := range groups {
		settlement.TotalPayable += groups[i].Payable
	}
	report.Groups = groups

	if len(groups) > 0 {
		if err := s.repo.SaveSettlementGroups(ctx, settlement.ID, groups); err != nil {
			return nil, fmt.Errorf("failed to save settlement groups: %w", err)
		}
	}
	if len(transactionIDs) > 0 {
		if err := s.repo.AttachTransactionsToSettlement(ctx, settlement.ID, transactionIDs); err != nil {
			return nil, fmt.Errorf("failed to attach transactions: %w", err)
		}
	}

	// Deduction sources are consumed only once the settlement rows exist, so
	// an aborted run leaves every refund and chargeback deductible by the
	// retry.
	if err := s.commitDeductions(ctx, settlement.ID, plan); err != nil {
		return nil, err
	}

	s.payOutBatches(ctx, settlement, batches)

	settlement.Status = domain.SettlementCompleted
	settlement.IsRunning = false
	now := time.Now().UTC()
	settlement.CompletedAt = &now
	if err := s.repo.CompleteSettlement(ctx, settlement); err != nil {
		return nil, fmt.Errorf("failed to complete settlement: %w", err)
	}

	s.recordAudit("settlement.completed", "settlement", settlement.ID.String(),
		fmt.Sprintf("period=%s transactions=%d payable=%d", settlement.PeriodKey, settlement.TransactionCount, settlement.TotalPayable))
	log.Printf("level=info component=settlement msg=\"run completed\" period=%s businesses=%d transactions=%d payable=%d skipped=%d",
		settlement.PeriodKey, len(batches), settlement.TransactionCount, settlement.TotalPayable, len(report.Skipped))
	return report, nil
}

// deductionPlan is the in-memory outcome of deduction planning. The consuming
// writes it feeds are deferred until the settlement rows have been persisted.
type deductionPlan struct {
	applied   []domain.SettlementDeduction
	carryover map[uuid.UUID]int64
}

// planDeductions withholds carried-over shortfalls, accepted chargebacks, and
// in-flight refund-requests from each business's payable. Deductions that
// cannot be absorbed become the next run's carryover. Nothing is written here;
// the plan is committed by commitDeductions.
func (s *Service) planDeductions(ctx context.Context, batches map[uuid.UUID]*businessBatch) (*deductionPlan, error) {
	chargebacks, err := s.repo.ListAcceptedChargebacks(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list accepted chargebacks: %w", err)
	}
	refunds, err := s.repo.ListDeductibleRefunds(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list deductible refunds: %w", err)
	}

	perBusiness := make(map[uuid.UUID][]domain.SettlementDeduction)
	for _, cb := range chargebacks {
		perBusiness[cb.BusinessID] = append(perBusiness[cb.BusinessID], domain.SettlementDeduction{
			BusinessID: cb.BusinessID, Source: "chargeback", SourceID: cb.ID, Amount: cb.Amount,
		})
	}
	for _, rf := range refunds {
		perBusiness[rf.BusinessID] = append(perBusiness[rf.BusinessID], domain.SettlementDeduction{
			BusinessID: rf.BusinessID, Source: "refund", SourceID: rf.ID, Amount: rf.Amount,
		})
	}

	// Businesses with proceeds this run must absorb their carryover even when
	// no new deduction record exists for them.
	affected := make(map[uuid.UUID]struct{}, len(perBusiness)+len(batches))
	for businessID := range perBusiness {
		affected[businessID] = struct{}{}
	}
	for businessID := range batches {
		affected[businessID] = struct{}{}
	}

	plan := &deductionPlan{carryover: make(map[uuid.UUID]int64)}
	for businessID := range affected {
		items := perBusiness[businessID]
		carryover, err := s.repo.GetDeductionCarryover(ctx, businessID)
		if err != nil {
			return nil, fmt.Errorf("failed to load carryover for %s: %w", businessID, err)
		}

		total := carryover
		for _, item := range items {
			total += item.Amount
		}
		if total == 0 {
			continue
		}
		if carryover > 0 {
			plan.applied = append(plan.applied, domain.SettlementDeduction{
				BusinessID: businessID, Source: "carryover", SourceID: businessID, Amount: carryover,
			})
		}
		plan.applied = append(plan.applied, items...)

		batch := batches[businessID]
		var absorbed int64
		if batch != nil {
			absorbed = total
			if absorbed > batch.gross {
				absorbed = batch.gross
			}
			distributeDeduction(batch, absorbed, total-absorbed)
		}
		plan.carryover[businessID] = total - absorbed
	}

	return plan, nil
}

// commitDeductions consumes the planned deduction sources. The records are
// consumed whether or not the proceeds covered them; the unabsorbed remainder
// lives on only as carryover. MarkChargebackSettled completes the chargeback
// and stamps the settlement in one conditional write.
func (s *Service) commitDeductions(ctx context.Context, settlementID uuid.UUID, plan *deductionPlan) error {
	for businessID, amount := range plan.carryover {
		if err := s.repo.SetDeductionCarryover(ctx, businessID, amount); err != nil {
			return fmt.Errorf("failed to store carryover for %s: %w", businessID, err)
		}
	}
	for _, item := range plan.applied {
		switch item.Source {
		case "chargeback":
			if err := s.repo.MarkChargebackSettled(ctx, item.SourceID, settlementID); err != nil {
				return fmt.Errorf("failed to mark chargeback %s settled: %w", item.SourceID, err)
			}
		case "refund":
			if err := s.repo.MarkRefundDeducted(ctx, item.SourceID, settlementID); err != nil {
				return fmt.Errorf("failed to mark refund %s deducted: %w", item.SourceID, err)
			}
		}
	}
	return nil
}

// distributeDeduction spreads an absorbed deduction across a business's groups
// and records any unabsorbed remainder as shortfall on the last group.
func distributeDeduction(batch *businessBatch, absorbed, shortfall int64) {
	channels := make([]string, 0, len(batch.groups))
	for channel := range batch.groups {
		channels = append(channels, channel)
	}
	sort.Strings(channels)

	remaining := absorbed
	var last *domain.SettlementGroup
	for _, channel := range channels {
		group := batch.groups[channel]
		last = group
		if remaining == 0 {
			continue
		}
		take := remaining
		if take > group.Payable {
			take = group.Payable
		}
		group.Deductions += take
		group.Payable -= take
		remaining -= take
	}
	batch.gross -= absorbed
	if last != nil {
		last.Shortfall += shortfall
	}
}

// payOutBatches pushes each business's payable to its settlement bank through
// the settlement rail. Each payout debits the wallet first; a definitive
// failure restores the funds. Failures are logged and never abort the run.
func (s *Service) payOutBatches(ctx context.Context, settlement *domain.Settlement, batches map[uuid.UUID]*businessBatch) {
	prov, err := s.repo.FindProviderByName(ctx, s.settlementRail)
	if err != nil {
		log.Printf("level=error component=settlement msg=\"settlement rail unavailable, payouts deferred\" rail=%s error=%q", s.settlementRail, err)
		return
	}
	driver, err := s.providers.Resolve(prov.Name)
	if err != nil {
		log.Printf("level=error component=settlement msg=\"settlement rail has no driver, payouts deferred\" rail=%s error=%q", s.settlementRail, err)
		return
	}

	for businessID, batch := range batches {
		var payable int64
		for _, group := range batch.groups {
			payable += group.Payable
		}
		if payable <= 0 {
			continue
		}

		business, err := s.repo.FindBusinessByID(ctx, businessID)
		if err != nil {
			log.Printf("level=error component=settlement msg=\"business lookup failed, payout deferred\" business_id=%s error=%q", businessID, err)
			continue
		}
		if business.Status != "active" {
			log.Printf("level=warn component=settlement msg=\"business suspended, payout withheld\" business_id=%s payable=%d", businessID, payable)
			continue
		}
		if business.SettlementBankCode == nil || business.SettlementBankAccount == nil {
			log.Printf("level=warn component=settlement msg=\"no settlement bank on file, payout withheld\" business_id=%s payable=%d", businessID, payable)
			continue
		}

		if err := s.payOutBusiness(ctx, settlement, prov, driver, business, payable); err != nil {
			log.Printf("level=error component=settlement msg=\"payout failed\" business_id=%s payable=%d error=%q", businessID, payable, err)
		}
	}
}

// payOutBusiness moves the payable out of the wallet and onto the settlement
// rail. The wallet holds the net proceeds credited at payment success, so the
// debit here is what actually discharges the platform's liability; a failure
// webhook for the payout then credits the reservation back symmetrically.
func (s *Service) payOutBusiness(ctx context.Context, settlement *domain.Settlement, prov *domain.Provider, driver provider.Driver, business *domain.Business, payable int64) error {
	if err := s.repo.DebitWallet(ctx, business.ID, payable); err != nil {
		return fmt.Errorf("failed to reserve payout funds: %w", err)
	}

	txn := &domain.Transaction{
		ID:         uuid.New(),
		Reference:  newReference(),
		BusinessID: business.ID,
		ProviderID: prov.ID,
		Feature:    domain.FeatureBankSettlement,
		Status:     domain.StatusProcessing,
		Amount:     payable,
		Narration:  "Settlement " + settlement.PeriodKey,
	}
	if err := s.repo.CreateTransaction(ctx, txn); err != nil {
		if creditErr := s.repo.CreditWallet(ctx, business.ID, payable); creditErr != nil {
			log.Printf("level=error component=settlement msg=\"failed to reverse debit after create failure\" business_id=%s amount=%d error=%q", business.ID, payable, creditErr)
		}
		return fmt.Errorf("failed to create settlement payout record: %w", err)
	}

	result, err := driver.InitiatePayout(ctx, provider.PayoutInstruction{
		Reference:   txn.Reference,
		Amount:      payable,
		BankCode:    *business.SettlementBankCode,
		BankAccount: *business.SettlementBankAccount,
		Narration:   txn.Narration,
	})
	if err != nil {
		if errors.Is(err, provider.ErrTimeout) {
			// Outcome unknown. The record stays processing and the funds stay
			// reserved until a verify call or webhook settles it.
			log.Printf("level=warn component=settlement msg=\"payout outcome unknown after timeout\" reference=%s", txn.Reference)
			return nil
		}
		reason := err.Error()
		if updateErr := s.repo.UpdateTransactionStatus(ctx, txn.ID, domain.StatusProcessing, domain.StatusFailed, nil, &reason); updateErr != nil {
			return fmt.Errorf("failed to record payout failure: %w", updateErr)
		}
		if creditErr := s.repo.CreditWallet(ctx, business.ID, payable); creditErr != nil {
			log.Printf("level=error component=settlement msg=\"failed to reverse debit after payout failure\" business_id=%s amount=%d error=%q", business.ID, payable, creditErr)
		}
		return err
	}

	if err := s.repo.UpdateTransactionStatus(ctx, txn.ID, domain.StatusProcessing, domain.StatusSuccessful, &result.ProviderRef, nil); err != nil {
		return fmt.Errorf("failed to record payout success: %w", err)
	}
	s.recordAudit("settlement.payout", "transaction", txn.ID.String(),
		fmt.Sprintf("business_id=%s amount=%d", business.ID, payable))
	return nil
}

// GetSettlement returns the settlement record and groups for one period.
func (s *Service) GetSettlement(ctx context.Context, periodKey string) (*domain.Settlement, []domain.SettlementGroup, error) {
	settlement, err := s.repo.FindSettlementByPeriod(ctx, periodKey)
	if err != nil {
		return nil, nil, err
	}
	groups, err := s.repo.ListSettlementGroups(ctx, settlement.ID)
	if err != nil {
		return nil, nil, err
	}
	return settlement, groups, nil
}

// flattenBatches collapses the per-business batches into deterministic slices.
func flattenBatches(batches map[uuid.UUID]*businessBatch) ([]domain.SettlementGroup, []uuid.UUID) {
	businessIDs := make([]uuid.UUID, 0, len(batches))
	for id := range batches {
		businessIDs = append(businessIDs, id)
	}
	sort.Slice(businessIDs, func(i, j int) bool { return businessIDs[i].String() < businessIDs[j].String() })

	var groups []domain.SettlementGroup
	var transactionIDs []uuid.UUID
	for _, id := range businessIDs {
		batch := batches[id]
		channels := make([]string, 0, len(batch.groups))
		for channel := range batch.groups {
			channels = append(channels, channel)
		}
		sort.Strings(channels)
		for _, channel := range channels {
			groups = append(groups, *batch.groups[channel])
		}
		transactionIDs = append(transactionIDs, batch.transactions...)
	}
	return groups, transactionIDs
}
