package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Notification is the user-facing message created as a side effect of an
// accepted settlement transition. It is never a source of truth for
// settlement state.
type Notification struct {
	ID        uuid.UUID              `json:"id"`
	UserID    uuid.UUID              `json:"user_id"`
	Type      string                 `json:"type"` // e.g. 'settlement_completed', 'settlement_failed'
	Title     string                 `json:"title"`
	Message   string                 `json:"message"`
	Data      map[string]interface{} `json:"data,omitempty"`
	ReadAt    *time.Time             `json:"read_at,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

// NotificationOutboxMessage is one row of the notification outbox. Rows are
// written in the same call path as the settlement transition they describe
// and published to RabbitMQ by the dispatcher. The dedupe key is unique per
// (claim, event, attempt reference) so a redelivered webhook cannot enqueue
// a second copy.
type NotificationOutboxMessage struct {
	ID          int64           `json:"id"`
	DedupeKey   string          `json:"dedupe_key"`
	Exchange    string          `json:"exchange"`
	RoutingKey  string          `json:"routing_key"`
	Payload     json.RawMessage `json:"payload"`
	Status      string          `json:"status"` // 'pending', 'processing', 'published', 'failed'
	Attempts    int             `json:"attempts"`
	NextAttempt time.Time       `json:"next_attempt_at"`
	CreatedAt   time.Time       `json:"created_at"`
}

// SettlementNotificationEvent is the payload published for settlement
// lifecycle notifications.
type SettlementNotificationEvent struct {
	ClaimID    uuid.UUID `json:"claim_id"`
	UserID     uuid.UUID `json:"user_id"`
	Type       string    `json:"type"`
	Title      string    `json:"title"`
	Message    string    `json:"message"`
	Amount     int64     `json:"amount"`
	Reference  string    `json:"reference"`
	OccurredAt time.Time `json:"occurred_at"`
}
