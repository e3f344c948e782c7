/**
 * @description
 * Event bus consumers. The ledger keeps its Business records current by
 * consuming platform events: compliance decisions drive tenant
 * activation/suspension, and owner profile updates carry new settlement bank
 * details.
 *
 * Handlers return true to acknowledge the delivery and false to requeue it.
 * Malformed payloads are acknowledged so a poison message cannot wedge the
 * queue.
 */

package app

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/corepay/ledger-service/internal/domain"
)

const consumerTimeout = 10 * time.Second

// HandleComplianceUpdated applies a compliance decision to the tenant.
func (s *Service) HandleComplianceUpdated(body []byte) bool {
	var event domain.ComplianceUpdatedEvent
	if err := json.Unmarshal(body, &event); err != nil {
		log.Printf("level=error component=consumer msg=\"malformed compliance.updated payload\" error=%q", err)
		return true
	}
	if event.Status != "active" && event.Status != "suspended" {
		log.Printf("level=error component=consumer msg=\"unknown compliance status\" business_id=%s status=%s", event.BusinessID, event.Status)
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), consumerTimeout)
	defer cancel()

	if err := s.repo.UpdateBusinessStatus(ctx, event.BusinessID, event.Status); err != nil {
		log.Printf("level=error component=consumer msg=\"failed to apply compliance status\" business_id=%s error=%q", event.BusinessID, err)
		return false
	}
	log.Printf("level=info component=consumer msg=\"business status updated\" business_id=%s status=%s", event.BusinessID, event.Status)
	s.recordAudit("business.status_changed", "business", event.BusinessID.String(), "status="+event.Status)
	return true
}

// HandleUserUpdated applies new settlement bank details to the tenant.
func (s *Service) HandleUserUpdated(body []byte) bool {
	var event domain.UserUpdatedEvent
	if err := json.Unmarshal(body, &event); err != nil {
		log.Printf("level=error component=consumer msg=\"malformed user.updated payload\" error=%q", err)
		return true
	}
	if event.BankCode == nil && event.BankAccount == nil && event.BankName == nil {
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), consumerTimeout)
	defer cancel()

	if err := s.repo.UpdateBusinessSettlementBank(ctx, event.BusinessID, event.BankCode, event.BankAccount, event.BankName); err != nil {
		log.Printf("level=error component=consumer msg=\"failed to apply settlement bank update\" business_id=%s error=%q", event.BusinessID, err)
		return false
	}
	log.Printf("level=info component=consumer msg=\"settlement bank updated\" business_id=%s", event.BusinessID)
	s.recordAudit("business.bank_updated", "business", event.BusinessID.String(), "")
	return true
}
