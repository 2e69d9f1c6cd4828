/**
 * @description
 * This file defines the core domain models for the settlement-service.
 * These structs represent the claim and settlement entities used throughout
 * the service's business logic, database interactions, and API layers.
 *
 * @notes
 * - Amounts are stored as `int64` to represent the value in the smallest currency
 *   unit (kobo), which avoids floating-point inaccuracies with financial data.
 * - The settlement fields live on the claim row itself; each payout attempt is
 *   identified by a caller-assigned transfer reference that changes on retry.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// SettlementStatus is the persisted lifecycle state of a claim payout.
type SettlementStatus string

const (
	SettlementPending    SettlementStatus = "pending"
	SettlementProcessing SettlementStatus = "processing"
	SettlementCompleted  SettlementStatus = "completed"
	SettlementFailed     SettlementStatus = "failed"
	SettlementStalled    SettlementStatus = "stalled"
)

// Rank maps a settlement status onto the monotonic ordering used by the
// transition guard: pending < processing < {completed, failed, stalled}.
// Unknown statuses rank lowest so they can never overwrite stored state.
func (s SettlementStatus) Rank() int {
	switch s {
	case SettlementPending:
		return 0
	case SettlementProcessing:
		return 1
	case SettlementCompleted, SettlementFailed, SettlementStalled:
		return 2
	default:
		return -1
	}
}

// Terminal reports whether no further transition is permitted for the
// current attempt. A retry starts a logically new attempt.
func (s SettlementStatus) Terminal() bool {
	return s == SettlementCompleted || s == SettlementFailed || s == SettlementStalled
}

// RecipientDetails is the claimant bank account a payout is sent to.
// It is re-read fresh on every retry because the details may have been
// corrected between attempts.
type RecipientDetails struct {
	AccountName   string `json:"account_name"`
	AccountNumber string `json:"account_number"`
	BankCode      string `json:"bank_code"`
}

// Claim is the persisted claim record with its embedded settlement state.
// This struct maps directly to the `claims` table in the database.
type Claim struct {
	ID                uuid.UUID        `json:"id"`
	ClaimantID        uuid.UUID        `json:"claimant_id"`
	PolicyNumber      string           `json:"policy_number"`
	Status            string           `json:"status"` // claim workflow status, e.g. 'approved'
	SettlementStatus  SettlementStatus `json:"settlement_status"`
	SettlementAmount  int64            `json:"settlement_amount"` // in kobo
	TransferCode      *string          `json:"transfer_code,omitempty"`
	TransferReference *string          `json:"transfer_reference,omitempty"`
	RecipientCode     *string          `json:"recipient_code,omitempty"`
	Recipient         RecipientDetails `json:"recipient"`
	RetryCount        int              `json:"retry_count"`
	FailureReason     *string          `json:"failure_reason,omitempty"`
	SettlementDate    *time.Time       `json:"settlement_date,omitempty"`
	PremiumSettled    bool             `json:"premium_settled"`
	CreatedAt         time.Time        `json:"created_at"`
	UpdatedAt         time.Time        `json:"updated_at"`
}

// PaymentActionLogEntry is one append-only audit record. Entries are written
// on every initiation attempt and every transition (accepted or rejected)
// and are never read back by the state machine itself.
type PaymentActionLogEntry struct {
	ID        int64     `json:"id"`
	ClaimID   uuid.UUID `json:"claim_id"`
	Action    string    `json:"action"` // e.g. 'initiate_transfer', 'webhook_transition', 'poll_transition'
	Status    string    `json:"status"`
	Details   string    `json:"details"`
	CreatedAt time.Time `json:"created_at"`
}

// InitiateSettlementRequest is the DTO for the settlement initiation endpoint.
// The recipient details are optional; when omitted they are read from the claim.
type InitiateSettlementRequest struct {
	Amount    int64             `json:"amount"` // in kobo
	Reason    string            `json:"reason"`
	Reference string            `json:"reference,omitempty"`
	Recipient *RecipientDetails `json:"recipient,omitempty"`
}

// SettlementView is the API representation of a claim's settlement state.
// The consuming UI drives its status badge solely from these fields.
type SettlementView struct {
	ClaimID           uuid.UUID        `json:"claim_id"`
	SettlementStatus  SettlementStatus `json:"settlement_status"`
	SettlementAmount  int64            `json:"settlement_amount"`
	TransferCode      *string          `json:"transfer_code,omitempty"`
	TransferReference *string          `json:"transfer_reference,omitempty"`
	RetryCount        int              `json:"retry_count"`
	FailureReason     *string          `json:"failure_reason,omitempty"`
	SettlementDate    *time.Time       `json:"settlement_date,omitempty"`
	Retryable         bool             `json:"retryable"`
}

// ViewOf builds the settlement view for a claim.
func ViewOf(c *Claim) SettlementView {
	return SettlementView{
		ClaimID:           c.ID,
		SettlementStatus:  c.SettlementStatus,
		SettlementAmount:  c.SettlementAmount,
		TransferCode:      c.TransferCode,
		TransferReference: c.TransferReference,
		RetryCount:        c.RetryCount,
		FailureReason:     c.FailureReason,
		SettlementDate:    c.SettlementDate,
		Retryable:         c.SettlementStatus == SettlementFailed,
	}
}
