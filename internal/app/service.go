/**
 * @description
 * This file contains the core Service for the ledger-service. The Service
 * orchestrates all money movement: transaction lifecycle, wallet transfers and
 * withdrawals, settlement runs, refunds and chargebacks. It coordinates the
 * repository, the provider registry, and the audit dispatcher.
 *
 * @dependencies
 * - context, fmt, strings, time: Standard Go libraries.
 * - github.com/google/uuid: For UUID and reference generation.
 * - internal/domain, internal/store, internal/provider: Models, data access,
 *   and the payment-rail abstraction.
 */

package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/corepay/ledger-service/internal/domain"
	"github.com/corepay/ledger-service/internal/provider"
	"github.com/corepay/ledger-service/internal/store"
)

// Service provides the core business logic for the money-movement core.
// settlementRail names the provider used for settlement and refund payouts.
type Service struct {
	repo           store.Repository
	providers      *provider.Registry
	audit          *AuditDispatcher
	settlementRail string
}

// NewService creates a new ledger service instance.
func NewService(repo store.Repository, providers *provider.Registry, audit *AuditDispatcher, settlementRail string) *Service {
	return &Service{
		repo:           repo,
		providers:      providers,
		audit:          audit,
		settlementRail: settlementRail,
	}
}

// newReference allocates a unique transaction reference. The timestamp prefix
// keeps references roughly ordered; the UUID tail guarantees uniqueness.
func newReference() string {
	return fmt.Sprintf("TXN-%d-%s", time.Now().UTC().UnixMilli(), strings.ToUpper(uuid.New().String()[:8]))
}

// recordAudit publishes an audit event without ever blocking the caller.
func (s *Service) recordAudit(action, entityType, entityID, detail string) {
	if s.audit == nil {
		return
	}
	s.audit.Record(domain.AuditEvent{
		Actor:      "ledger-service",
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		Detail:     detail,
		Timestamp:  time.Now().UTC(),
	})
}

// resolveActiveBusiness loads a business and rejects suspended tenants.
func (s *Service) resolveActiveBusiness(ctx context.Context, businessID uuid.UUID) (*domain.Business, error) {
	business, err := s.repo.FindBusinessByID(ctx, businessID)
	if err != nil {
		return nil, err
	}
	if business.Status != "active" {
		return nil, fmt.Errorf("business %s is suspended: %w", business.ID, ErrValidation)
	}
	return business, nil
}

// resolveEnabledProvider loads a provider by name and rejects disabled rails.
func (s *Service) resolveEnabledProvider(ctx context.Context, name string) (*domain.Provider, error) {
	prov, err := s.repo.FindProviderByName(ctx, name)
	if err != nil {
		return nil, err
	}
	if !prov.Enabled {
		return nil, fmt.Errorf("provider %s is disabled: %w", prov.Name, ErrValidation)
	}
	return prov, nil
}
