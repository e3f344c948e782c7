/**
 * @description
 * Event payloads exchanged with the rest of the platform: the canonical
 * provider webhook event produced by the provider abstraction, the audit
 * events this core publishes for every state-changing operation, and the
 * compliance/user events it consumes to keep Business records current.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// ProviderEvent is the normalized form of a provider webhook or verification
// response. Vendor-specific payloads are mapped into this shape before the
// transaction state machine sees them.
type ProviderEvent struct {
	Reference   string `json:"reference"`
	Status      string `json:"status"` // canonical transaction status
	ProviderRef string `json:"provider_ref"`
	Amount      int64  `json:"amount"` // in minor units; 0 when the vendor omits it
}

// AuditEvent is published (fire-and-forget) for every state-changing operation
// in this core.
type AuditEvent struct {
	Actor      string    `json:"actor"`
	Action     string    `json:"action"`
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	Detail     string    `json:"detail,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// ComplianceUpdatedEvent is consumed from the event bus when a business's
// compliance standing changes. It drives activation/suspension of the tenant.
type ComplianceUpdatedEvent struct {
	BusinessID uuid.UUID `json:"business_id"`
	Status     string    `json:"status"` // 'active', 'suspended'
	Reason     *string   `json:"reason,omitempty"`
}

// UserUpdatedEvent is consumed when an owner updates merchant details that
// affect settlement, currently the settlement bank.
type UserUpdatedEvent struct {
	BusinessID  uuid.UUID `json:"business_id"`
	BankCode    *string   `json:"bank_code,omitempty"`
	BankAccount *string   `json:"bank_account,omitempty"`
	BankName    *string   `json:"bank_name,omitempty"`
}
