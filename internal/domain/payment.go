package domain

import (
	"time"

	"github.com/google/uuid"
)

// Payment is an inbound customer charge (premium or deductible), as opposed
// to an outbound claim settlement. It maps to the `payments` table.
type Payment struct {
	ID        uuid.UUID  `json:"id"`
	UserID    uuid.UUID  `json:"user_id"`
	ClaimID   *uuid.UUID `json:"claim_id,omitempty"`
	Reference string     `json:"reference"`
	Purpose   string     `json:"purpose"` // e.g. 'premium', 'deductible'
	Status    string     `json:"status"`  // 'pending', 'paid', 'failed'
	Amount    int64      `json:"amount"`  // in kobo
	Channel   *string    `json:"channel,omitempty"`
	Fees      int64      `json:"fees"`
	PaidAt    *time.Time `json:"paid_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// PaymentVerification is the API response for the verify-payment endpoint.
type PaymentVerification struct {
	Status    bool                   `json:"status"`
	Reference string                 `json:"reference"`
	Amount    int64                  `json:"amount"`
	PaidAt    *time.Time             `json:"paid_at,omitempty"`
	Channel   string                 `json:"channel,omitempty"`
	Fees      int64                  `json:"fees"`
	Customer  string                 `json:"customer,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}
