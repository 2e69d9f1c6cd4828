/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface.
 * It contains all the necessary SQL queries to interact with the database tables
 * related to claims, settlements, payments, the payment action log and the
 * notification outbox.
 *
 * The monotonic-transition guard lives here, in SQL: settlement statuses are
 * mapped onto ordinals inside the UPDATE so that two racing writers (webhook
 * receiver and status poller) converge without any application-level lock.
 *
 * @dependencies
 * - context, time, errors: Standard Go libraries.
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/coverly/settlement-service/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrClaimNotFound          = errors.New("claim not found")
	ErrPaymentNotFound        = errors.New("payment not found")
	ErrInvalidSettlementState = errors.New("settlement is not in a state that permits this operation")
)

const claimColumns = `id, claimant_id, policy_number, status, settlement_status, settlement_amount,
	transfer_code, transfer_reference, recipient_code,
	recipient_account_name, recipient_account_number, recipient_bank_code,
	retry_count, failure_reason, settlement_date, premium_settled, created_at, updated_at`

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func scanClaim(row pgx.Row) (*domain.Claim, error) {
	var c domain.Claim
	err := row.Scan(
		&c.ID, &c.ClaimantID, &c.PolicyNumber, &c.Status, &c.SettlementStatus, &c.SettlementAmount,
		&c.TransferCode, &c.TransferReference, &c.RecipientCode,
		&c.Recipient.AccountName, &c.Recipient.AccountNumber, &c.Recipient.BankCode,
		&c.RetryCount, &c.FailureReason, &c.SettlementDate, &c.PremiumSettled, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrClaimNotFound
		}
		return nil, err
	}
	return &c, nil
}

// FindClaimByID retrieves a claim from the database by its ID.
func (r *PostgresRepository) FindClaimByID(ctx context.Context, claimID uuid.UUID) (*domain.Claim, error) {
	query := `SELECT ` + claimColumns + ` FROM claims WHERE id = $1`
	return scanClaim(r.db.QueryRow(ctx, query, claimID))
}

// FindClaimByTransferReference resolves a claim by the caller-assigned
// reference of its current settlement attempt.
func (r *PostgresRepository) FindClaimByTransferReference(ctx context.Context, reference string) (*domain.Claim, error) {
	query := `SELECT ` + claimColumns + ` FROM claims WHERE transfer_reference = $1`
	return scanClaim(r.db.QueryRow(ctx, query, reference))
}

// FindClaimByTransferCode resolves a claim by the processor-assigned transfer code.
func (r *PostgresRepository) FindClaimByTransferCode(ctx context.Context, transferCode string) (*domain.Claim, error) {
	query := `SELECT ` + claimColumns + ` FROM claims WHERE transfer_code = $1`
	return scanClaim(r.db.QueryRow(ctx, query, transferCode))
}

// SaveRecipientCode persists the processor-assigned recipient code for a claim.
func (r *PostgresRepository) SaveRecipientCode(ctx context.Context, claimID uuid.UUID, recipientCode string) error {
	result, err := r.db.Exec(ctx,
		`UPDATE claims SET recipient_code = $2, updated_at = NOW() WHERE id = $1`,
		claimID, recipientCode,
	)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrClaimNotFound
	}
	return nil
}

// BeginSettlementAttempt atomically records the identifiers of a new attempt
// and moves the settlement into 'processing'. A first attempt is only valid
// from 'pending'; a retry only from 'failed'.
func (r *PostgresRepository) BeginSettlementAttempt(ctx context.Context, claimID uuid.UUID, params BeginAttemptParams) error {
	requiredStatus := domain.SettlementPending
	retryIncrement := 0
	if params.IsRetry {
		requiredStatus = domain.SettlementFailed
		retryIncrement = 1
	}

	query := `
		UPDATE claims
		SET transfer_code = $2,
			transfer_reference = $3,
			settlement_amount = $4,
			settlement_status = 'processing',
			failure_reason = NULL,
			retry_count = retry_count + $5,
			updated_at = NOW()
		WHERE id = $1 AND settlement_status = $6
	`
	result, err := r.db.Exec(ctx, query,
		claimID, params.TransferCode, params.TransferReference, params.Amount, retryIncrement, string(requiredStatus),
	)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		// Distinguish a missing claim from one in the wrong state.
		if _, findErr := r.FindClaimByID(ctx, claimID); findErr != nil {
			return findErr
		}
		return ErrInvalidSettlementState
	}
	return nil
}

// TransitionSettlementStatus is the single conditional-update primitive behind
// the state machine. The WHERE clause enforces the forward-only ordering and,
// when a reference is supplied, pins the write to the attempt it belongs to,
// so a late event for a superseded attempt cannot touch a newer one.
func (r *PostgresRepository) TransitionSettlementStatus(ctx context.Context, claimID uuid.UUID, reference string, status domain.SettlementStatus, failureReason *string) (bool, error) {
	query := `
		UPDATE claims
		SET settlement_status = $2,
			failure_reason = CASE WHEN $2 IN ('failed', 'stalled') THEN $3 ELSE NULL END,
			settlement_date = CASE WHEN $2 = 'completed' AND settlement_date IS NULL THEN NOW() ELSE settlement_date END,
			updated_at = NOW()
		WHERE id = $1
		  AND ($4 = '' OR transfer_reference = $4)
		  AND (CASE settlement_status
				WHEN 'pending' THEN 0
				WHEN 'processing' THEN 1
				WHEN 'completed' THEN 2
				WHEN 'failed' THEN 2
				WHEN 'stalled' THEN 2
				ELSE -1
			END) < (CASE $2
				WHEN 'pending' THEN 0
				WHEN 'processing' THEN 1
				WHEN 'completed' THEN 2
				WHEN 'failed' THEN 2
				WHEN 'stalled' THEN 2
				ELSE -1
			END)
	`
	result, err := r.db.Exec(ctx, query, claimID, string(status), failureReason, reference)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() > 0, nil
}

// FindProcessingSettlements returns claims still marked 'processing' with a
// transfer code assigned, last touched before the given cutoff.
func (r *PostgresRepository) FindProcessingSettlements(ctx context.Context, updatedBefore time.Time) ([]domain.Claim, error) {
	query := `SELECT ` + claimColumns + `
		FROM claims
		WHERE settlement_status = 'processing' AND transfer_code IS NOT NULL AND updated_at < $1
		ORDER BY updated_at ASC`
	rows, err := r.db.Query(ctx, query, updatedBefore)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var claims []domain.Claim
	for rows.Next() {
		c, err := scanClaim(rows)
		if err != nil {
			return nil, err
		}
		claims = append(claims, *c)
	}
	return claims, rows.Err()
}

// AppendPaymentAction writes one append-only audit record. Entries are never
// updated or deleted.
func (r *PostgresRepository) AppendPaymentAction(ctx context.Context, entry domain.PaymentActionLogEntry) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO payment_action_logs (claim_id, action, status, details, created_at)
		 VALUES ($1, $2, $3, $4, NOW())`,
		entry.ClaimID, entry.Action, entry.Status, entry.Details,
	)
	return err
}

// ListPaymentActions returns the audit trail for a claim, oldest first.
func (r *PostgresRepository) ListPaymentActions(ctx context.Context, claimID uuid.UUID) ([]domain.PaymentActionLogEntry, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, claim_id, action, status, details, created_at
		 FROM payment_action_logs WHERE claim_id = $1 ORDER BY id ASC`,
		claimID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.PaymentActionLogEntry
	for rows.Next() {
		var e domain.PaymentActionLogEntry
		if err := rows.Scan(&e.ID, &e.ClaimID, &e.Action, &e.Status, &e.Details, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// FindPaymentByReference retrieves an inbound payment record by reference.
func (r *PostgresRepository) FindPaymentByReference(ctx context.Context, reference string) (*domain.Payment, error) {
	var p domain.Payment
	query := `SELECT id, user_id, claim_id, reference, purpose, status, amount, channel, fees, paid_at, created_at, updated_at
		FROM payments WHERE reference = $1`
	err := r.db.QueryRow(ctx, query, reference).Scan(
		&p.ID, &p.UserID, &p.ClaimID, &p.Reference, &p.Purpose, &p.Status,
		&p.Amount, &p.Channel, &p.Fees, &p.PaidAt, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrPaymentNotFound
		}
		return nil, err
	}
	return &p, nil
}

// MarkPaymentPaid records a confirmed inbound charge. The status filter keeps
// the update idempotent: a redelivered charge.success cannot rewrite paid_at.
func (r *PostgresRepository) MarkPaymentPaid(ctx context.Context, reference string, channel string, fees int64, paidAt time.Time) (*domain.Payment, error) {
	var p domain.Payment
	query := `
		UPDATE payments
		SET status = 'paid', channel = $2, fees = $3, paid_at = $4, updated_at = NOW()
		WHERE reference = $1 AND status <> 'paid'
		RETURNING id, user_id, claim_id, reference, purpose, status, amount, channel, fees, paid_at, created_at, updated_at
	`
	err := r.db.QueryRow(ctx, query, reference, channel, fees, paidAt).Scan(
		&p.ID, &p.UserID, &p.ClaimID, &p.Reference, &p.Purpose, &p.Status,
		&p.Amount, &p.Channel, &p.Fees, &p.PaidAt, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			// Already paid or unknown; let the caller disambiguate.
			return r.FindPaymentByReference(ctx, reference)
		}
		return nil, err
	}
	return &p, nil
}

// MarkPaymentFailed records a failed inbound charge. Paid payments are left untouched.
func (r *PostgresRepository) MarkPaymentFailed(ctx context.Context, reference string, reason string) error {
	result, err := r.db.Exec(ctx,
		`UPDATE payments SET status = 'failed', failure_reason = $2, updated_at = NOW()
		 WHERE reference = $1 AND status = 'pending'`,
		reference, reason,
	)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrPaymentNotFound
	}
	return nil
}

// MarkClaimPremiumSettled flags the claim linked to a confirmed premium or
// deductible payment.
func (r *PostgresRepository) MarkClaimPremiumSettled(ctx context.Context, claimID uuid.UUID) error {
	result, err := r.db.Exec(ctx,
		`UPDATE claims SET premium_settled = TRUE, updated_at = NOW() WHERE id = $1`,
		claimID,
	)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrClaimNotFound
	}
	return nil
}

// CreateNotification inserts one in-app notification row.
func (r *PostgresRepository) CreateNotification(ctx context.Context, n domain.Notification) error {
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	dataJSON, err := json.Marshal(n.Data)
	if err != nil {
		return err
	}
	_, err = r.db.Exec(ctx,
		`INSERT INTO notifications (id, user_id, type, title, message, data, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, NOW())`,
		n.ID, n.UserID, n.Type, n.Title, n.Message, dataJSON,
	)
	return err
}

// EnqueueNotification inserts an outbox row; the unique dedupe key drops
// duplicate enqueues from redelivered webhooks at the database.
func (r *PostgresRepository) EnqueueNotification(ctx context.Context, dedupeKey, exchange, routingKey string, payload interface{}) (bool, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return false, err
	}
	result, err := r.db.Exec(ctx,
		`INSERT INTO notification_outbox (dedupe_key, exchange, routing_key, payload, status, attempts, next_attempt_at, created_at)
		 VALUES ($1, $2, $3, $4, 'pending', 0, NOW(), NOW())
		 ON CONFLICT (dedupe_key) DO NOTHING`,
		dedupeKey, exchange, routingKey, body,
	)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() > 0, nil
}

// ClaimNotificationOutbox marks a batch of due rows as processing and returns
// them. Rows stuck in processing longer than staleAfterSeconds are reclaimed.
func (r *PostgresRepository) ClaimNotificationOutbox(ctx context.Context, batchSize int, staleAfterSeconds int) ([]domain.NotificationOutboxMessage, error) {
	query := `
		UPDATE notification_outbox
		SET status = 'processing', updated_at = NOW()
		WHERE id IN (
			SELECT id FROM notification_outbox
			WHERE (status = 'pending' AND next_attempt_at <= NOW())
			   OR (status = 'processing' AND updated_at < NOW() - ($2 * INTERVAL '1 second'))
			ORDER BY id ASC
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, dedupe_key, exchange, routing_key, payload, status, attempts, next_attempt_at, created_at
	`
	rows, err := r.db.Query(ctx, query, batchSize, staleAfterSeconds)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []domain.NotificationOutboxMessage
	for rows.Next() {
		var m domain.NotificationOutboxMessage
		if err := rows.Scan(&m.ID, &m.DedupeKey, &m.Exchange, &m.RoutingKey, &m.Payload, &m.Status, &m.Attempts, &m.NextAttempt, &m.CreatedAt); err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// MarkOutboxPublished finalizes a delivered outbox row.
func (r *PostgresRepository) MarkOutboxPublished(ctx context.Context, id int64) error {
	_, err := r.db.Exec(ctx,
		`UPDATE notification_outbox SET status = 'published', published_at = NOW(), updated_at = NOW() WHERE id = $1`,
		id,
	)
	return err
}

// MarkOutboxFailed schedules a retry for an outbox row that failed to publish.
func (r *PostgresRepository) MarkOutboxFailed(ctx context.Context, id int64, retryAfterSeconds int, reason string) error {
	_, err := r.db.Exec(ctx,
		`UPDATE notification_outbox
		 SET status = 'pending', attempts = attempts + 1, last_error = $3,
		     next_attempt_at = NOW() + ($2 * INTERVAL '1 second'), updated_at = NOW()
		 WHERE id = $1`,
		id, retryAfterSeconds, reason,
	)
	return err
}
