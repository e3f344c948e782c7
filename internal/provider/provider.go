/**
 * @description
 * This package is the uniform abstraction over heterogeneous payment-rail
 * vendors. Each rail implements the `Driver` interface; the `Registry`
 * dispatches by provider name so the rest of the service never branches on a
 * vendor identity.
 *
 * @notes
 * - `ParseWebhook` fails closed: a payload whose signature does not verify is
 *   rejected with ErrSignature before any field is inspected.
 * - Driver network errors caused by deadlines surface as ErrTimeout so the
 *   transaction state machine can leave the record in processing for a later
 *   verify call.
 */

package provider

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/corepay/ledger-service/internal/domain"
)

var (
	ErrSignature       = errors.New("webhook signature mismatch")
	ErrUnknownProvider = errors.New("unknown provider")
	ErrTimeout         = errors.New("provider request timed out")
)

// PayoutInstruction describes a payout the platform wants a rail to execute.
type PayoutInstruction struct {
	Reference   string
	Amount      int64 // in minor units
	BankCode    string
	BankAccount string
	Narration   string
}

// PayoutResult is the rail's acknowledgement of an initiated payout or refund.
type PayoutResult struct {
	ProviderRef string
	Status      string // canonical transaction status
	Fee         int64
}

// BankAccount is the result of resolving an account number against a rail.
type BankAccount struct {
	AccountNumber string
	AccountName   string
	BankCode      string
}

// Driver is the capability set every payment rail must provide.
type Driver interface {
	Name() string
	InitiatePayout(ctx context.Context, instruction PayoutInstruction) (*PayoutResult, error)
	ResolveBankAccount(ctx context.Context, bankCode, accountNumber string) (*BankAccount, error)
	VerifyTransaction(ctx context.Context, reference string) (*domain.ProviderEvent, error)
	RequestRefund(ctx context.Context, providerRef string, amount int64) (*PayoutResult, error)
	// ParseWebhook verifies the vendor signature and maps the payload into the
	// canonical event shape.
	ParseWebhook(payload []byte, signatureHeader string) (*domain.ProviderEvent, error)
}

// Registry resolves drivers by provider name.
type Registry struct {
	drivers map[string]Driver
}

// NewRegistry builds a registry from the given drivers.
func NewRegistry(drivers ...Driver) *Registry {
	reg := &Registry{drivers: make(map[string]Driver, len(drivers))}
	for _, d := range drivers {
		reg.drivers[strings.ToLower(d.Name())] = d
	}
	return reg
}

// Resolve returns the driver registered under the given name.
func (r *Registry) Resolve(name string) (Driver, error) {
	d, ok := r.drivers[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, ErrUnknownProvider
	}
	return d, nil
}

// normalizeStatus maps vendor status vocabulary onto the canonical transaction
// status enum. Unknown values map to processing so an unexpected vocabulary
// addition can never fake a terminal state.
func normalizeStatus(status string) string {
	switch strings.TrimSpace(strings.ToLower(status)) {
	case "successful", "success", "paid", "completed":
		return domain.StatusSuccessful
	case "failed", "failure", "reversed", "declined":
		return domain.StatusFailed
	case "cancelled", "abandoned":
		return domain.StatusCancelled
	default:
		return domain.StatusProcessing
	}
}

// asDriverError classifies transport failures, surfacing deadline errors as
// ErrTimeout.
func asDriverError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrTimeout
	}
	return err
}
