/**
 * @description
 * This file defines the `Repository` interface, which specifies the contract for all
 * data access operations required by the settlement-service. By defining an interface,
 * we decouple the application's business logic from the specific database implementation
 * (e.g., PostgreSQL), making the code more modular and easier to test.
 *
 * @dependencies
 * - context, time: Standard Go libraries.
 * - github.com/google/uuid: For UUID handling.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"time"

	"github.com/coverly/settlement-service/internal/domain"
	"github.com/google/uuid"
)

// BeginAttemptParams carries the field group written atomically when a
// settlement attempt enters processing.
type BeginAttemptParams struct {
	TransferCode      string
	TransferReference string
	Amount            int64
	// IsRetry bumps retry_count by exactly one and requires the stored
	// status to be 'failed'; a first attempt requires 'pending'.
	IsRetry bool
}

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// Claim and settlement methods
	FindClaimByID(ctx context.Context, claimID uuid.UUID) (*domain.Claim, error)
	FindClaimByTransferReference(ctx context.Context, reference string) (*domain.Claim, error)
	FindClaimByTransferCode(ctx context.Context, transferCode string) (*domain.Claim, error)
	SaveRecipientCode(ctx context.Context, claimID uuid.UUID, recipientCode string) error
	// BeginSettlementAttempt writes transfer_code, transfer_reference, amount and
	// settlement_status='processing' in one conditional update. Returns
	// ErrInvalidSettlementState when the stored status does not permit the attempt.
	BeginSettlementAttempt(ctx context.Context, claimID uuid.UUID, params BeginAttemptParams) error
	// TransitionSettlementStatus applies the monotonic-transition guard at the
	// storage layer: the update only lands when the new status ranks strictly
	// above the stored one and, when reference is non-empty, the stored attempt
	// reference matches. Returns applied=false for a rejected (conflicting)
	// write; callers treat that as a logged no-op, never an error.
	TransitionSettlementStatus(ctx context.Context, claimID uuid.UUID, reference string, status domain.SettlementStatus, failureReason *string) (applied bool, err error)
	// FindProcessingSettlements returns claims stuck in 'processing' that have a
	// transfer code, for the reconciliation sweep to re-adopt after a restart.
	FindProcessingSettlements(ctx context.Context, updatedBefore time.Time) ([]domain.Claim, error)

	// Append-only payment action log
	AppendPaymentAction(ctx context.Context, entry domain.PaymentActionLogEntry) error
	ListPaymentActions(ctx context.Context, claimID uuid.UUID) ([]domain.PaymentActionLogEntry, error)

	// Inbound payment (premium/deductible) methods
	FindPaymentByReference(ctx context.Context, reference string) (*domain.Payment, error)
	MarkPaymentPaid(ctx context.Context, reference string, channel string, fees int64, paidAt time.Time) (*domain.Payment, error)
	MarkPaymentFailed(ctx context.Context, reference string, reason string) error
	MarkClaimPremiumSettled(ctx context.Context, claimID uuid.UUID) error

	// Notification methods
	CreateNotification(ctx context.Context, n domain.Notification) error
	// EnqueueNotification inserts an outbox row keyed by dedupeKey; a duplicate
	// key is dropped at insert and reported via inserted=false.
	EnqueueNotification(ctx context.Context, dedupeKey, exchange, routingKey string, payload interface{}) (inserted bool, err error)
	ClaimNotificationOutbox(ctx context.Context, batchSize int, staleAfterSeconds int) ([]domain.NotificationOutboxMessage, error)
	MarkOutboxPublished(ctx context.Context, id int64) error
	MarkOutboxFailed(ctx context.Context, id int64, retryAfterSeconds int, reason string) error
}
