/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository`
 * interface. It contains all the SQL needed for businesses, wallets,
 * providers, transactions, settlements, refunds and chargebacks.
 *
 * @dependencies
 * - context, errors, time: Standard Go libraries.
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/corepay/ledger-service/internal/domain"
)

const uniqueViolationCode = "23505"

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// FindBusinessByID retrieves a merchant business by its ID.
func (r *PostgresRepository) FindBusinessByID(ctx context.Context, businessID uuid.UUID) (*domain.Business, error) {
	var b domain.Business
	query := `
		SELECT id, name, email, status, settlement_bank_code, settlement_bank_account, settlement_bank_name, created_at, updated_at
		FROM businesses
		WHERE id = $1
	`
	err := r.db.QueryRow(ctx, query, businessID).Scan(
		&b.ID, &b.Name, &b.Email, &b.Status,
		&b.SettlementBankCode, &b.SettlementBankAccount, &b.SettlementBankName,
		&b.CreatedAt, &b.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrBusinessNotFound
		}
		return nil, err
	}
	return &b, nil
}

// UpdateBusinessStatus activates or suspends a business.
func (r *PostgresRepository) UpdateBusinessStatus(ctx context.Context, businessID uuid.UUID, status string) error {
	result, err := r.db.Exec(ctx, `UPDATE businesses SET status = $1, updated_at = NOW() WHERE id = $2`, status, businessID)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrBusinessNotFound
	}
	return nil
}

// UpdateBusinessSettlementBank records the bank a business is settled into.
func (r *PostgresRepository) UpdateBusinessSettlementBank(ctx context.Context, businessID uuid.UUID, code, account, name *string) error {
	query := `
		UPDATE businesses
		SET settlement_bank_code = COALESCE($1, settlement_bank_code),
		    settlement_bank_account = COALESCE($2, settlement_bank_account),
		    settlement_bank_name = COALESCE($3, settlement_bank_name),
		    updated_at = NOW()
		WHERE id = $4
	`
	result, err := r.db.Exec(ctx, query, code, account, name, businessID)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrBusinessNotFound
	}
	return nil
}

// FindWalletByBusinessID retrieves a business's wallet.
func (r *PostgresRepository) FindWalletByBusinessID(ctx context.Context, businessID uuid.UUID) (*domain.Wallet, error) {
	var w domain.Wallet
	query := `SELECT id, business_id, balance, updated_at FROM wallets WHERE business_id = $1`
	err := r.db.QueryRow(ctx, query, businessID).Scan(&w.ID, &w.BusinessID, &w.Balance, &w.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrWalletNotFound
		}
		return nil, err
	}
	return &w, nil
}

// DebitWallet subtracts from a wallet balance. The balance guard lives in the
// WHERE clause so the debit can never drive the balance negative.
func (r *PostgresRepository) DebitWallet(ctx context.Context, businessID uuid.UUID, amount int64) error {
	query := `
		UPDATE wallets
		SET balance = balance - $1, updated_at = NOW()
		WHERE business_id = $2 AND balance >= $1
	`
	result, err := r.db.Exec(ctx, query, amount, businessID)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		// Distinguish a missing wallet from an underfunded one.
		if _, lookupErr := r.FindWalletByBusinessID(ctx, businessID); lookupErr != nil {
			return lookupErr
		}
		return ErrInsufficientFunds
	}
	return nil
}

// CreditWallet adds to a wallet balance.
func (r *PostgresRepository) CreditWallet(ctx context.Context, businessID uuid.UUID, amount int64) error {
	query := `UPDATE wallets SET balance = balance + $1, updated_at = NOW() WHERE business_id = $2`
	result, err := r.db.Exec(ctx, query, amount, businessID)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrWalletNotFound
	}
	return nil
}

const providerColumns = `id, name, type, enabled, flat_fee, percent_bps, fee_cap, vat_rate_bps, provider_cut_bps, webhook_secret, created_at`

func scanProvider(row pgx.Row) (*domain.Provider, error) {
	var p domain.Provider
	err := row.Scan(
		&p.ID, &p.Name, &p.Type, &p.Enabled,
		&p.FeeConfig.FlatFee, &p.FeeConfig.PercentBps, &p.FeeConfig.Cap,
		&p.FeeConfig.VATRateBps, &p.FeeConfig.ProviderCutBps,
		&p.WebhookSecret, &p.CreatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrProviderNotFound
		}
		return nil, err
	}
	return &p, nil
}

// FindProviderByName retrieves a payment rail provider by name.
func (r *PostgresRepository) FindProviderByName(ctx context.Context, name string) (*domain.Provider, error) {
	query := `SELECT ` + providerColumns + ` FROM providers WHERE lower(name) = lower($1)`
	return scanProvider(r.db.QueryRow(ctx, query, name))
}

// FindProviderByID retrieves a payment rail provider by ID.
func (r *PostgresRepository) FindProviderByID(ctx context.Context, providerID uuid.UUID) (*domain.Provider, error) {
	query := `SELECT ` + providerColumns + ` FROM providers WHERE id = $1`
	return scanProvider(r.db.QueryRow(ctx, query, providerID))
}

// FindAccountByBusinessAndProvider retrieves the virtual account bound to a
// business+provider pair.
func (r *PostgresRepository) FindAccountByBusinessAndProvider(ctx context.Context, businessID, providerID uuid.UUID) (*domain.Account, error) {
	var a domain.Account
	query := `
		SELECT id, business_id, provider_id, account_number, bank_name, status, created_at
		FROM accounts
		WHERE business_id = $1 AND provider_id = $2 AND status = 'active'
	`
	err := r.db.QueryRow(ctx, query, businessID, providerID).Scan(
		&a.ID, &a.BusinessID, &a.ProviderID, &a.AccountNumber, &a.BankName, &a.Status, &a.CreatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return &a, nil
}

const transactionColumns = `id, reference, provider_ref, business_id, provider_id, feature, status, amount, fee, vat_fee, revenue, settlement_id, narration, failure_reason, created_at, updated_at`

func scanTransaction(row pgx.Row) (*domain.Transaction, error) {
	var t domain.Transaction
	err := row.Scan(
		&t.ID, &t.Reference, &t.ProviderRef, &t.BusinessID, &t.ProviderID,
		&t.Feature, &t.Status, &t.Amount, &t.Fee, &t.VATFee, &t.Revenue,
		&t.SettlementID, &t.Narration, &t.FailureReason, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	return &t, nil
}

// CreateTransaction inserts a new ledger record. A reference collision maps to
// ErrDuplicateReference so callers can treat retried creates as conflicts.
func (r *PostgresRepository) CreateTransaction(ctx context.Context, tx *domain.Transaction) error {
	query := `
		INSERT INTO transactions (id, reference, provider_ref, business_id, provider_id, feature, status, amount, fee, vat_fee, revenue, narration, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW(), NOW())
	`
	_, err := r.db.Exec(ctx, query,
		tx.ID, tx.Reference, tx.ProviderRef, tx.BusinessID, tx.ProviderID,
		tx.Feature, tx.Status, tx.Amount, tx.Fee, tx.VATFee, tx.Revenue, tx.Narration,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode {
			return ErrDuplicateReference
		}
		return err
	}
	return nil
}

// FindTransactionByID retrieves a transaction by its ID.
func (r *PostgresRepository) FindTransactionByID(ctx context.Context, transactionID uuid.UUID) (*domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE id = $1`
	return scanTransaction(r.db.QueryRow(ctx, query, transactionID))
}

// FindTransactionByReference retrieves a transaction by its unique reference.
func (r *PostgresRepository) FindTransactionByReference(ctx context.Context, reference string) (*domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE reference = $1`
	return scanTransaction(r.db.QueryRow(ctx, query, reference))
}

// UpdateTransactionStatus performs an optimistic status write; the row must
// still be in fromStatus or ErrStaleWrite is returned.
func (r *PostgresRepository) UpdateTransactionStatus(ctx context.Context, transactionID uuid.UUID, fromStatus, toStatus string, providerRef, failureReason *string) error {
	query := `
		UPDATE transactions
		SET status = $1,
		    provider_ref = COALESCE($2, provider_ref),
		    failure_reason = COALESCE($3, failure_reason),
		    updated_at = NOW()
		WHERE id = $4 AND status = $5
	`
	result, err := r.db.Exec(ctx, query, toStatus, providerRef, failureReason, transactionID, fromStatus)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrStaleWrite
	}
	return nil
}

// ApplySuccessfulTransition records, in one database transaction, the first
// move into successful: status, provider reference, fee breakdown, and the
// wallet credit of the net proceeds.
func (r *PostgresRepository) ApplySuccessfulTransition(ctx context.Context, transactionID uuid.UUID, fromStatus string, providerRef *string, fees domain.FeeBreakdown, walletCredit int64) error {
	dbtx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer dbtx.Rollback(ctx)

	query := `
		UPDATE transactions
		SET status = $1, provider_ref = COALESCE($2, provider_ref), fee = $3, vat_fee = $4, revenue = $5, updated_at = NOW()
		WHERE id = $6 AND status = $7
		RETURNING business_id
	`
	var businessID uuid.UUID
	err = dbtx.QueryRow(ctx, query,
		domain.StatusSuccessful, providerRef, fees.Fee, fees.VATFee, fees.Revenue,
		transactionID, fromStatus,
	).Scan(&businessID)
	if err != nil {
		if err == pgx.ErrNoRows {
			return ErrStaleWrite
		}
		return err
	}

	if walletCredit > 0 {
		result, err := dbtx.Exec(ctx,
			`UPDATE wallets SET balance = balance + $1, updated_at = NOW() WHERE business_id = $2`,
			walletCredit, businessID,
		)
		if err != nil {
			return err
		}
		if result.RowsAffected() == 0 {
			return ErrWalletNotFound
		}
	}

	return dbtx.Commit(ctx)
}

// EnsureSettlementForPeriod creates the period's settlement row if absent and
// returns it.
func (r *PostgresRepository) EnsureSettlementForPeriod(ctx context.Context, periodKey string) (*domain.Settlement, error) {
	insert := `
		INSERT INTO settlements (id, period_key, status, is_running, created_at)
		VALUES ($1, $2, $3, FALSE, NOW())
		ON CONFLICT (period_key) DO NOTHING
	`
	if _, err := r.db.Exec(ctx, insert, uuid.New(), periodKey, domain.SettlementPending); err != nil {
		return nil, err
	}
	return r.FindSettlementByPeriod(ctx, periodKey)
}

// AcquireSettlementRun flips the is_running flag on the period's settlement.
// This flag is the system's only explicit mutual-exclusion point.
func (r *PostgresRepository) AcquireSettlementRun(ctx context.Context, periodKey string) (*domain.Settlement, error) {
	settlement, err := r.EnsureSettlementForPeriod(ctx, periodKey)
	if err != nil {
		return nil, err
	}
	if settlement.Status == domain.SettlementCompleted {
		return nil, ErrSettlementCompleted
	}

	query := `
		UPDATE settlements
		SET is_running = TRUE, status = $1
		WHERE period_key = $2 AND is_running = FALSE AND status <> $3
		RETURNING id, period_key, status, is_running, total_amount, total_fees, total_vat, total_revenue, total_payable, transaction_count, created_at, completed_at
	`
	row := r.db.QueryRow(ctx, query, domain.SettlementProcessing, periodKey, domain.SettlementCompleted)
	acquired, err := scanSettlement(row)
	if err != nil {
		if errors.Is(err, ErrSettlementNotFound) {
			return nil, ErrSettlementRunning
		}
		return nil, err
	}
	return acquired, nil
}

// ReleaseSettlementRun clears the is_running flag without completing the run.
func (r *PostgresRepository) ReleaseSettlementRun(ctx context.Context, settlementID uuid.UUID) error {
	query := `UPDATE settlements SET is_running = FALSE, status = $1 WHERE id = $2 AND status <> $3`
	_, err := r.db.Exec(ctx, query, domain.SettlementPending, settlementID, domain.SettlementCompleted)
	return err
}

func scanSettlement(row pgx.Row) (*domain.Settlement, error) {
	var s domain.Settlement
	err := row.Scan(
		&s.ID, &s.PeriodKey, &s.Status, &s.IsRunning,
		&s.TotalAmount, &s.TotalFees, &s.TotalVAT, &s.TotalRevenue, &s.TotalPayable,
		&s.TransactionCount, &s.CreatedAt, &s.CompletedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrSettlementNotFound
		}
		return nil, err
	}
	return &s, nil
}

// FindSettlementByPeriod retrieves the settlement row for a period key.
func (r *PostgresRepository) FindSettlementByPeriod(ctx context.Context, periodKey string) (*domain.Settlement, error) {
	query := `
		SELECT id, period_key, status, is_running, total_amount, total_fees, total_vat, total_revenue, total_payable, transaction_count, created_at, completed_at
		FROM settlements
		WHERE period_key = $1
	`
	return scanSettlement(r.db.QueryRow(ctx, query, periodKey))
}

// ListSettleableTransactions selects successful/completed payment transactions
// within the period window that are not yet attached to a settlement.
func (r *PostgresRepository) ListSettleableTransactions(ctx context.Context, periodStart, periodEnd time.Time) ([]domain.Transaction, error) {
	query := `
		SELECT ` + transactionColumns + `
		FROM transactions
		WHERE status IN ($1, $2)
		  AND feature IN ($3, $4, $5)
		  AND settlement_id IS NULL
		  AND created_at >= $6 AND created_at < $7
		ORDER BY business_id, feature, created_at
	`
	rows, err := r.db.Query(ctx, query,
		domain.StatusSuccessful, domain.StatusCompleted,
		domain.FeaturePaymentLink, domain.FeatureVirtualAccount, domain.FeatureCardPayment,
		periodStart, periodEnd,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var transactions []domain.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, *tx)
	}
	return transactions, rows.Err()
}

// SaveSettlementGroups persists the grouped breakdown for a run.
func (r *PostgresRepository) SaveSettlementGroups(ctx context.Context, settlementID uuid.UUID, groups []domain.SettlementGroup) error {
	dbtx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer dbtx.Rollback(ctx)

	query := `
		INSERT INTO settlement_groups (id, settlement_id, business_id, channel, amount, fees, vat, revenue, deductions, payable, shortfall, transaction_count, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW())
	`
	for _, g := range groups {
		if _, err := dbtx.Exec(ctx, query,
			g.ID, settlementID, g.BusinessID, g.Channel,
			g.Amount, g.Fees, g.VAT, g.Revenue, g.Deductions, g.Payable, g.Shortfall,
			g.TransactionCount,
		); err != nil {
			return err
		}
	}
	return dbtx.Commit(ctx)
}

// AttachTransactionsToSettlement stamps participants with the settlement id and
// promotes successful transactions to completed.
func (r *PostgresRepository) AttachTransactionsToSettlement(ctx context.Context, settlementID uuid.UUID, transactionIDs []uuid.UUID) error {
	if len(transactionIDs) == 0 {
		return nil
	}
	query := `
		UPDATE transactions
		SET settlement_id = $1,
		    status = CASE WHEN status = $2 THEN $3 ELSE status END,
		    updated_at = NOW()
		WHERE id = ANY($4) AND settlement_id IS NULL
	`
	result, err := r.db.Exec(ctx, query, settlementID, domain.StatusSuccessful, domain.StatusCompleted, transactionIDs)
	if err != nil {
		return err
	}
	if int(result.RowsAffected()) != len(transactionIDs) {
		return fmt.Errorf("attached %d of %d transactions to settlement %s: %w",
			result.RowsAffected(), len(transactionIDs), settlementID, ErrStaleWrite)
	}
	return nil
}

// CompleteSettlement writes the aggregate figures and marks the run finished.
func (r *PostgresRepository) CompleteSettlement(ctx context.Context, settlement *domain.Settlement) error {
	query := `
		UPDATE settlements
		SET status = $1, is_running = FALSE,
		    total_amount = $2, total_fees = $3, total_vat = $4, total_revenue = $5, total_payable = $6,
		    transaction_count = $7, completed_at = NOW()
		WHERE id = $8 AND is_running = TRUE
	`
	result, err := r.db.Exec(ctx, query,
		domain.SettlementCompleted,
		settlement.TotalAmount, settlement.TotalFees, settlement.TotalVAT,
		settlement.TotalRevenue, settlement.TotalPayable, settlement.TransactionCount,
		settlement.ID,
	)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrStaleWrite
	}
	return nil
}

// ListSettlementGroups retrieves the persisted breakdown for a settlement.
func (r *PostgresRepository) ListSettlementGroups(ctx context.Context, settlementID uuid.UUID) ([]domain.SettlementGroup, error) {
	query := `
		SELECT id, settlement_id, business_id, channel, amount, fees, vat, revenue, deductions, payable, shortfall, transaction_count, created_at
		FROM settlement_groups
		WHERE settlement_id = $1
		ORDER BY business_id, channel
	`
	rows, err := r.db.Query(ctx, query, settlementID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var groups []domain.SettlementGroup
	for rows.Next() {
		var g domain.SettlementGroup
		if err := rows.Scan(
			&g.ID, &g.SettlementID, &g.BusinessID, &g.Channel,
			&g.Amount, &g.Fees, &g.VAT, &g.Revenue, &g.Deductions, &g.Payable, &g.Shortfall,
			&g.TransactionCount, &g.CreatedAt,
		); err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

const refundColumns = `id, transaction_id, business_id, refund_option, refund_type, status, amount, refunded_txn_id, provider_ref, settlement_id, bank_code, bank_account, failure_reason, created_at, updated_at`

func scanRefund(row pgx.Row) (*domain.Refund, error) {
	var rf domain.Refund
	err := row.Scan(
		&rf.ID, &rf.TransactionID, &rf.BusinessID, &rf.Option, &rf.Type, &rf.Status,
		&rf.Amount, &rf.RefundedTxnID, &rf.ProviderRef, &rf.SettlementID,
		&rf.BankCode, &rf.BankAccount, &rf.FailureReason,
		&rf.CreatedAt, &rf.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrRefundNotFound
		}
		return nil, err
	}
	return &rf, nil
}

// CreateRefund inserts a new refund record.
func (r *PostgresRepository) CreateRefund(ctx context.Context, refund *domain.Refund) error {
	query := `
		INSERT INTO refunds (id, transaction_id, business_id, refund_option, refund_type, status, amount, bank_code, bank_account, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), NOW())
	`
	_, err := r.db.Exec(ctx, query,
		refund.ID, refund.TransactionID, refund.BusinessID, refund.Option, refund.Type,
		refund.Status, refund.Amount, refund.BankCode, refund.BankAccount,
	)
	return err
}

// FindRefundByID retrieves a refund by its ID.
func (r *PostgresRepository) FindRefundByID(ctx context.Context, refundID uuid.UUID) (*domain.Refund, error) {
	query := `SELECT ` + refundColumns + ` FROM refunds WHERE id = $1`
	return scanRefund(r.db.QueryRow(ctx, query, refundID))
}

// FindOpenRefundByTransactionID returns a non-terminal refund for a
// transaction if one exists.
func (r *PostgresRepository) FindOpenRefundByTransactionID(ctx context.Context, transactionID uuid.UUID) (*domain.Refund, error) {
	query := `
		SELECT ` + refundColumns + `
		FROM refunds
		WHERE transaction_id = $1 AND status NOT IN ($2, $3)
		ORDER BY created_at DESC
		LIMIT 1
	`
	return scanRefund(r.db.QueryRow(ctx, query, transactionID, domain.RefundCompleted, domain.RefundFailed))
}

// FindRefundByProviderRef resolves a refund from the provider's own reference,
// used when a refund-status webhook arrives.
func (r *PostgresRepository) FindRefundByProviderRef(ctx context.Context, providerRef string) (*domain.Refund, error) {
	query := `SELECT ` + refundColumns + ` FROM refunds WHERE provider_ref = $1`
	return scanRefund(r.db.QueryRow(ctx, query, providerRef))
}

// UpdateRefundStatus performs an optimistic refund status write.
func (r *PostgresRepository) UpdateRefundStatus(ctx context.Context, refundID uuid.UUID, fromStatus, toStatus string, failureReason *string) error {
	query := `
		UPDATE refunds
		SET status = $1, failure_reason = COALESCE($2, failure_reason), updated_at = NOW()
		WHERE id = $3 AND status = $4
	`
	result, err := r.db.Exec(ctx, query, toStatus, failureReason, refundID, fromStatus)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrStaleWrite
	}
	return nil
}

// AttachRefundPayout links the compensating payout transaction to the refund.
func (r *PostgresRepository) AttachRefundPayout(ctx context.Context, refundID, payoutTxnID uuid.UUID) error {
	query := `UPDATE refunds SET refunded_txn_id = $1, updated_at = NOW() WHERE id = $2`
	result, err := r.db.Exec(ctx, query, payoutTxnID, refundID)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrRefundNotFound
	}
	return nil
}

// SetRefundProviderRef stores the provider's reference for a redirected refund.
func (r *PostgresRepository) SetRefundProviderRef(ctx context.Context, refundID uuid.UUID, providerRef string) error {
	query := `UPDATE refunds SET provider_ref = $1, updated_at = NOW() WHERE id = $2`
	result, err := r.db.Exec(ctx, query, providerRef, refundID)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrRefundNotFound
	}
	return nil
}

// ListDeductibleRefunds returns request-option refunds whose wallet deduction
// has not been taken by a settlement run. Only refunds the provider has
// acknowledged (processing) or finished (completed) deduct; pending lodgements
// and failed refunds never do.
func (r *PostgresRepository) ListDeductibleRefunds(ctx context.Context) ([]domain.Refund, error) {
	query := `
		SELECT ` + refundColumns + `
		FROM refunds
		WHERE refund_option = $1 AND settlement_id IS NULL AND status IN ($2, $3)
		ORDER BY created_at
	`
	rows, err := r.db.Query(ctx, query, domain.RefundOptionRequest, domain.RefundProcessing, domain.RefundCompleted)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var refunds []domain.Refund
	for rows.Next() {
		rf, err := scanRefund(rows)
		if err != nil {
			return nil, err
		}
		refunds = append(refunds, *rf)
	}
	return refunds, rows.Err()
}

// MarkRefundDeducted stamps the settlement that took the refund's deduction.
func (r *PostgresRepository) MarkRefundDeducted(ctx context.Context, refundID, settlementID uuid.UUID) error {
	query := `UPDATE refunds SET settlement_id = $1, updated_at = NOW() WHERE id = $2 AND settlement_id IS NULL`
	result, err := r.db.Exec(ctx, query, settlementID, refundID)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrStaleWrite
	}
	return nil
}

const chargebackColumns = `id, transaction_id, business_id, level, status, amount, due_at, timeline_at, reason, evidence_url, settlement_id, created_at, updated_at`

func scanChargeback(row pgx.Row) (*domain.Chargeback, error) {
	var cb domain.Chargeback
	err := row.Scan(
		&cb.ID, &cb.TransactionID, &cb.BusinessID, &cb.Level, &cb.Status, &cb.Amount,
		&cb.DueAt, &cb.TimelineAt, &cb.Reason, &cb.EvidenceURL, &cb.SettlementID,
		&cb.CreatedAt, &cb.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrChargebackNotFound
		}
		return nil, err
	}
	return &cb, nil
}

// CreateChargeback inserts a new dispute record.
func (r *PostgresRepository) CreateChargeback(ctx context.Context, cb *domain.Chargeback) error {
	query := `
		INSERT INTO chargebacks (id, transaction_id, business_id, level, status, amount, due_at, timeline_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())
	`
	_, err := r.db.Exec(ctx, query,
		cb.ID, cb.TransactionID, cb.BusinessID, cb.Level, cb.Status, cb.Amount, cb.DueAt, cb.TimelineAt,
	)
	return err
}

// FindChargebackByID retrieves a chargeback by its ID.
func (r *PostgresRepository) FindChargebackByID(ctx context.Context, chargebackID uuid.UUID) (*domain.Chargeback, error) {
	query := `SELECT ` + chargebackColumns + ` FROM chargebacks WHERE id = $1`
	return scanChargeback(r.db.QueryRow(ctx, query, chargebackID))
}

// UpdateChargebackStatus performs an optimistic chargeback status write.
func (r *PostgresRepository) UpdateChargebackStatus(ctx context.Context, chargebackID uuid.UUID, fromStatus, toStatus string) error {
	query := `UPDATE chargebacks SET status = $1, updated_at = NOW() WHERE id = $2 AND status = $3`
	result, err := r.db.Exec(ctx, query, toStatus, chargebackID, fromStatus)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrStaleWrite
	}
	return nil
}

// UpdateChargebackDeclined records the decline reason and evidence attachment.
func (r *PostgresRepository) UpdateChargebackDeclined(ctx context.Context, chargebackID uuid.UUID, reason, evidenceURL string) error {
	query := `
		UPDATE chargebacks
		SET status = $1, reason = $2, evidence_url = $3, updated_at = NOW()
		WHERE id = $4 AND status = $5
	`
	result, err := r.db.Exec(ctx, query, domain.ChargebackDeclined, reason, evidenceURL, chargebackID, domain.ChargebackPending)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrStaleWrite
	}
	return nil
}

// ListAcceptedChargebacks returns accepted chargebacks whose wallet deduction
// has not been taken by a settlement run yet.
func (r *PostgresRepository) ListAcceptedChargebacks(ctx context.Context) ([]domain.Chargeback, error) {
	query := `
		SELECT ` + chargebackColumns + `
		FROM chargebacks
		WHERE status = $1 AND settlement_id IS NULL
		ORDER BY created_at
	`
	rows, err := r.db.Query(ctx, query, domain.ChargebackAccepted)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chargebacks []domain.Chargeback
	for rows.Next() {
		cb, err := scanChargeback(rows)
		if err != nil {
			return nil, err
		}
		chargebacks = append(chargebacks, *cb)
	}
	return chargebacks, rows.Err()
}

// MarkChargebackSettled completes an accepted chargeback once a settlement run
// has taken its deduction.
func (r *PostgresRepository) MarkChargebackSettled(ctx context.Context, chargebackID, settlementID uuid.UUID) error {
	query := `
		UPDATE chargebacks
		SET status = $1, settlement_id = $2, updated_at = NOW()
		WHERE id = $3 AND status = $4
	`
	result, err := r.db.Exec(ctx, query, domain.ChargebackCompleted, settlementID, chargebackID, domain.ChargebackAccepted)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrStaleWrite
	}
	return nil
}

// GetDeductionCarryover returns the deduction shortfall carried for a business.
func (r *PostgresRepository) GetDeductionCarryover(ctx context.Context, businessID uuid.UUID) (int64, error) {
	var amount int64
	err := r.db.QueryRow(ctx,
		`SELECT amount FROM deduction_carryovers WHERE business_id = $1`, businessID,
	).Scan(&amount)
	if err != nil {
		if err == pgx.ErrNoRows {
			return 0, nil
		}
		return 0, err
	}
	return amount, nil
}

// SetDeductionCarryover upserts the deduction shortfall carried for a business.
func (r *PostgresRepository) SetDeductionCarryover(ctx context.Context, businessID uuid.UUID, amount int64) error {
	query := `
		INSERT INTO deduction_carryovers (business_id, amount, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (business_id) DO UPDATE SET amount = EXCLUDED.amount, updated_at = NOW()
	`
	_, err := r.db.Exec(ctx, query, businessID, amount)
	return err
}
