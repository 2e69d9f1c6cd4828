/**
 * @description
 * This file contains the core business logic for the settlement-service. The `Service`
 * struct orchestrates claim payouts, coordinating between the database repository,
 * the Paystack API client, the status poll manager, and the notification outbox.
 *
 * Key features:
 * - Implements settlement initiation and explicit retry (never automatic).
 * - Funnels every status writer (webhook, poller, manual status check) through a
 *   single guarded transition so racing, duplicated or out-of-order reports
 *   converge on the same stored state.
 * - Emits notifications through the outbox so delivery can be retried and
 *   deduplicated independently of the state transition itself.
 *
 * @dependencies
 * - context, errors, fmt, log, time: Standard Go libraries.
 * - github.com/google/uuid: For UUID handling.
 * - internal/domain, internal/store: For domain models and data access.
 * - pkg/paystackclient: For external processor communication.
 */

package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/coverly/settlement-service/internal/domain"
	"github.com/coverly/settlement-service/internal/store"
	"github.com/coverly/settlement-service/pkg/paystackclient"
	"github.com/google/uuid"
)

const (
	// NotificationExchange is the topic exchange notification events are published to.
	NotificationExchange = "coverly.events"
	// NotificationRoutingKey routes settlement notifications to downstream consumers.
	NotificationRoutingKey = "settlement.notification"
)

var (
	// ErrValidation marks malformed caller input; it is never retried
	// automatically and is surfaced verbatim to the caller.
	ErrValidation = errors.New("invalid settlement request")
)

// ProcessorClient is the subset of the Paystack client the service depends on.
type ProcessorClient interface {
	CreateRecipient(ctx context.Context, req paystackclient.CreateRecipientRequest) (*paystackclient.RecipientResponse, error)
	InitiateTransfer(ctx context.Context, req paystackclient.InitiateTransferRequest) (*paystackclient.TransferResponse, error)
	FetchTransfer(ctx context.Context, transferCode string) (*paystackclient.TransferResponse, error)
	VerifyTransaction(ctx context.Context, reference string) (*paystackclient.VerifyTransactionResponse, error)
}

// Service provides the core business logic for claim settlements.
type Service struct {
	repo      store.Repository
	processor ProcessorClient
	pollers   *PollManager
}

// NewService creates a new settlement service instance.
func NewService(repo store.Repository, processor ProcessorClient) *Service {
	return &Service{
		repo:      repo,
		processor: processor,
	}
}

// SetPollManager wires the poll manager after construction; the manager needs
// the service for its transition path, so the two are linked in two steps.
func (s *Service) SetPollManager(pm *PollManager) {
	s.pollers = pm
}

// GetSettlement returns the persisted settlement view for a claim.
func (s *Service) GetSettlement(ctx context.Context, claimID uuid.UUID) (*domain.Claim, error) {
	return s.repo.FindClaimByID(ctx, claimID)
}

// ListSettlementActions returns the append-only audit trail for a claim.
func (s *Service) ListSettlementActions(ctx context.Context, claimID uuid.UUID) ([]domain.PaymentActionLogEntry, error) {
	return s.repo.ListPaymentActions(ctx, claimID)
}

// InitiateSettlement starts the first payout attempt for an approved claim.
// It validates input, registers the recipient with the processor if needed,
// initiates the transfer, and persists the processing state atomically.
// There is no retry loop here; retries are a distinct, explicit operation.
func (s *Service) InitiateSettlement(ctx context.Context, claimID uuid.UUID, req domain.InitiateSettlementRequest) (*domain.Claim, error) {
	claim, err := s.repo.FindClaimByID(ctx, claimID)
	if err != nil {
		return nil, err
	}
	// State precheck before anything touches the processor: a transfer
	// initiated for a claim already processing or settled would move real
	// money with no row to record it. The conditional update inside
	// BeginSettlementAttempt remains the backstop for a race between two
	// concurrent initiations.
	if claim.SettlementStatus != domain.SettlementPending {
		return nil, store.ErrInvalidSettlementState
	}
	return s.startAttempt(ctx, claim, req, false)
}

// RetrySettlement re-invokes the initiation path for a failed settlement.
// Recipient details are re-read fresh from the claim (they may have been
// corrected since the failed attempt), a new reference is generated, and
// retry_count is incremented exactly once by the conditional update.
func (s *Service) RetrySettlement(ctx context.Context, claimID uuid.UUID, reason string) (*domain.Claim, error) {
	claim, err := s.repo.FindClaimByID(ctx, claimID)
	if err != nil {
		return nil, err
	}
	if claim.SettlementStatus != domain.SettlementFailed {
		return nil, store.ErrInvalidSettlementState
	}

	req := domain.InitiateSettlementRequest{
		Amount: claim.SettlementAmount,
		Reason: reason,
	}
	if req.Reason == "" {
		req.Reason = fmt.Sprintf("Claim settlement retry %d", claim.RetryCount+1)
	}
	return s.startAttempt(ctx, claim, req, true)
}

// startAttempt is the shared initiation path for first attempts and retries.
func (s *Service) startAttempt(ctx context.Context, claim *domain.Claim, req domain.InitiateSettlementRequest, isRetry bool) (*domain.Claim, error) {
	recipient := claim.Recipient
	if req.Recipient != nil {
		recipient = *req.Recipient
	}

	if err := validateAttempt(recipient, req.Amount); err != nil {
		return nil, err
	}

	reference := strings.TrimSpace(req.Reference)
	if reference == "" {
		reference = generateReference(claim.ID)
	}

	recipientCode, err := s.ensureRecipient(ctx, claim, recipient, isRetry)
	if err != nil {
		s.logAction(ctx, claim.ID, "create_recipient", "failed", err.Error())
		return nil, err
	}

	reason := req.Reason
	if reason == "" {
		reason = "Insurance claim settlement"
	}

	transfer, err := s.processor.InitiateTransfer(ctx, paystackclient.InitiateTransferRequest{
		Reason:    reason,
		Amount:    req.Amount,
		Recipient: recipientCode,
		Reference: reference,
		Metadata: map[string]interface{}{
			"claim_id":    claim.ID.String(),
			"retry_count": claim.RetryCount,
		},
	})
	if err != nil {
		// Processor rejection: audit it and surface the typed error. No automatic retry.
		s.logAction(ctx, claim.ID, "initiate_transfer", "failed", err.Error())
		return nil, err
	}

	transferCode := transfer.Data.TransferCode
	if err := s.repo.BeginSettlementAttempt(ctx, claim.ID, store.BeginAttemptParams{
		TransferCode:      transferCode,
		TransferReference: reference,
		Amount:            req.Amount,
		IsRetry:           isRetry,
	}); err != nil {
		log.Printf("level=error component=settlement op=begin_attempt claim_id=%s transfer_code=%s err=%v", claim.ID, transferCode, err)
		return nil, err
	}

	s.logAction(ctx, claim.ID, "initiate_transfer", "processing",
		fmt.Sprintf("transfer_code=%s reference=%s amount=%d retry=%t", transferCode, reference, req.Amount, isRetry))

	if s.pollers != nil {
		s.pollers.StartPolling(claim.ID, transferCode, reference)
	}

	return s.repo.FindClaimByID(ctx, claim.ID)
}

// ensureRecipient registers the claimant bank account with the processor when
// the claim has no recipient code yet. A retry always re-registers, because
// the whole point of retrying is that the bank details may have changed.
func (s *Service) ensureRecipient(ctx context.Context, claim *domain.Claim, recipient domain.RecipientDetails, isRetry bool) (string, error) {
	if claim.RecipientCode != nil && *claim.RecipientCode != "" && !isRetry {
		return *claim.RecipientCode, nil
	}

	resp, err := s.processor.CreateRecipient(ctx, paystackclient.CreateRecipientRequest{
		Name:          recipient.AccountName,
		AccountNumber: recipient.AccountNumber,
		BankCode:      recipient.BankCode,
		Metadata: map[string]interface{}{
			"claim_id": claim.ID.String(),
		},
	})
	if err != nil {
		return "", err
	}

	code := resp.Data.RecipientCode
	if err := s.repo.SaveRecipientCode(ctx, claim.ID, code); err != nil {
		log.Printf("level=warn component=settlement op=save_recipient_code claim_id=%s err=%v", claim.ID, err)
	}
	return code, nil
}

// GetTransferStatus fetches the live transfer state from the processor and,
// when it reports a terminal outcome, applies the same guarded transition the
// webhook path uses.
func (s *Service) GetTransferStatus(ctx context.Context, transferCode string) (*domain.Claim, *paystackclient.TransferResponse, error) {
	claim, err := s.repo.FindClaimByTransferCode(ctx, transferCode)
	if err != nil {
		return nil, nil, err
	}

	transfer, err := s.processor.FetchTransfer(ctx, transferCode)
	if err != nil {
		return nil, nil, err
	}

	reason := transfer.Data.FailureReason
	if reason == "" {
		reason = transfer.Data.Reason
	}
	s.ApplyTransferUpdate(ctx, "status_check", claim, transfer.Data.Reference, transfer.Data.Status, reason)

	fresh, err := s.repo.FindClaimByID(ctx, claim.ID)
	if err != nil {
		return nil, nil, err
	}
	return fresh, transfer, nil
}

// ApplyTransferUpdate maps a processor-reported transfer status onto the
// settlement state machine and applies it through the storage-layer guard.
// reference is the attempt the report belongs to (the event's own reference
// for webhooks, the poller's attempt for polls); the guard pins the write to
// it, so a late report for a superseded attempt cannot touch the attempt
// that replaced it. It returns true only when the stored status actually
// moved. A rejected (backward, sideways, or wrong-attempt) write is recorded
// in the action log and otherwise ignored — this is the convergence point
// for all racing writers.
func (s *Service) ApplyTransferUpdate(ctx context.Context, source string, claim *domain.Claim, reference, processorStatus, reason string) bool {
	target := normalizeTransferStatus(processorStatus)
	if target == "" {
		// Non-terminal report (pending, otp, etc.); nothing to converge.
		return false
	}

	var failureReason *string
	if target == domain.SettlementFailed {
		r := reason
		if r == "" {
			r = "Transfer " + strings.ToLower(strings.TrimSpace(processorStatus))
		}
		failureReason = &r
	}

	// A referenceless report (some status-check payloads) can only be about
	// the claim's current attempt.
	if reference == "" && claim.TransferReference != nil {
		reference = *claim.TransferReference
	}

	applied, err := s.repo.TransitionSettlementStatus(ctx, claim.ID, reference, target, failureReason)
	if err != nil {
		log.Printf("level=error component=settlement op=transition source=%s claim_id=%s target=%s err=%v", source, claim.ID, target, err)
		return false
	}

	if !applied {
		// Accepted for logging purposes only; the stored status is preserved.
		log.Printf("level=info component=settlement op=transition source=%s claim_id=%s target=%s outcome=conflict stored=%s", source, claim.ID, target, claim.SettlementStatus)
		s.logAction(ctx, claim.ID, source+"_transition", "conflict",
			fmt.Sprintf("rejected %s from %s (reference=%s)", target, claim.SettlementStatus, reference))
		return false
	}

	s.logAction(ctx, claim.ID, source+"_transition", string(target),
		fmt.Sprintf("processor_status=%s reason=%s reference=%s", processorStatus, reason, reference))
	s.emitSettlementNotification(ctx, claim, target, reference, reason)

	if target.Terminal() && s.pollers != nil {
		s.pollers.StopPolling(claim.ID)
	}
	return true
}

// HandleTransferEvent processes one transfer.* webhook event. The claim is
// resolved by attempt reference first, falling back to the claim id carried
// in the transfer metadata.
func (s *Service) HandleTransferEvent(ctx context.Context, eventType string, data domain.TransferEventData) error {
	claim, err := s.resolveClaim(ctx, data)
	if err != nil {
		if errors.Is(err, store.ErrClaimNotFound) {
			log.Printf("level=warn component=settlement op=webhook event=%s reference=%s msg=\"no claim for transfer event; acknowledging\"", eventType, data.Reference)
			return nil
		}
		return err
	}

	// The write is pinned to the event's own reference: a claim resolved via
	// the metadata fallback after a retry carries a newer attempt, and the
	// guard must reject the stale report against it.
	switch eventType {
	case domain.EventTransferSuccess:
		s.ApplyTransferUpdate(ctx, "webhook", claim, data.Reference, "success", "")
	case domain.EventTransferFailed:
		s.ApplyTransferUpdate(ctx, "webhook", claim, data.Reference, "failed", data.Reason)
	case domain.EventTransferReversed:
		reason := data.Reason
		if reason == "" {
			reason = "Transfer reversed by processor"
		}
		s.ApplyTransferUpdate(ctx, "webhook", claim, data.Reference, "reversed", reason)
	}
	return nil
}

// HandleChargeEvent processes one charge.* webhook event. Charges are inbound
// premium/deductible payments, not settlement payouts; a confirmed charge
// linked to a claim marks that claim premium-settled.
func (s *Service) HandleChargeEvent(ctx context.Context, eventType string, data domain.ChargeEventData) error {
	switch eventType {
	case domain.EventChargeSuccess:
		paidAt := time.Now().UTC()
		if t, err := time.Parse(time.RFC3339, data.PaidAt); err == nil {
			paidAt = t
		}
		payment, err := s.repo.MarkPaymentPaid(ctx, data.Reference, data.Channel, data.Fees, paidAt)
		if err != nil {
			if errors.Is(err, store.ErrPaymentNotFound) {
				log.Printf("level=warn component=settlement op=webhook event=%s reference=%s msg=\"no payment for charge event; acknowledging\"", eventType, data.Reference)
				return nil
			}
			return err
		}
		if payment.ClaimID != nil {
			if err := s.repo.MarkClaimPremiumSettled(ctx, *payment.ClaimID); err != nil {
				log.Printf("level=warn component=settlement op=mark_premium_settled claim_id=%s err=%v", *payment.ClaimID, err)
			}
		}
	case domain.EventChargeFailed:
		reason := data.GatewayResponse
		if reason == "" {
			reason = "Charge failed"
		}
		if err := s.repo.MarkPaymentFailed(ctx, data.Reference, reason); err != nil && !errors.Is(err, store.ErrPaymentNotFound) {
			return err
		}
	}
	return nil
}

// VerifyPayment confirms an inbound charge with the processor and applies the
// same payment-record side effects as a charge.success webhook.
func (s *Service) VerifyPayment(ctx context.Context, reference string) (*domain.PaymentVerification, error) {
	resp, err := s.processor.VerifyTransaction(ctx, reference)
	if err != nil {
		return nil, err
	}

	verification := &domain.PaymentVerification{
		Status:    resp.Data.Status == "success",
		Reference: resp.Data.Reference,
		Amount:    resp.Data.Amount,
		Channel:   resp.Data.Channel,
		Fees:      resp.Data.Fees,
		Customer:  resp.Data.Customer.Email,
		Metadata:  resp.Data.Metadata,
	}
	if t, err := time.Parse(time.RFC3339, resp.Data.PaidAt); err == nil {
		verification.PaidAt = &t
	}

	if verification.Status {
		paidAt := time.Now().UTC()
		if verification.PaidAt != nil {
			paidAt = *verification.PaidAt
		}
		payment, err := s.repo.MarkPaymentPaid(ctx, reference, resp.Data.Channel, resp.Data.Fees, paidAt)
		if err != nil {
			if !errors.Is(err, store.ErrPaymentNotFound) {
				return nil, err
			}
		} else if payment.ClaimID != nil {
			if err := s.repo.MarkClaimPremiumSettled(ctx, *payment.ClaimID); err != nil {
				log.Printf("level=warn component=settlement op=mark_premium_settled claim_id=%s err=%v", *payment.ClaimID, err)
			}
		}
	}
	return verification, nil
}

// MarkStalled records that polling exhausted its budget with the settlement
// still in processing. Stalled is terminal for the attempt and forward-only,
// so a webhook that already landed a real outcome wins.
func (s *Service) MarkStalled(ctx context.Context, claimID uuid.UUID, reference string) {
	reason := "Status polling exhausted without a terminal report from the processor"
	applied, err := s.repo.TransitionSettlementStatus(ctx, claimID, reference, domain.SettlementStalled, &reason)
	if err != nil {
		log.Printf("level=error component=settlement op=mark_stalled claim_id=%s err=%v", claimID, err)
		return
	}
	if !applied {
		return
	}

	s.logAction(ctx, claimID, "poll_exhausted", string(domain.SettlementStalled), reason)
	if claim, err := s.repo.FindClaimByID(ctx, claimID); err == nil {
		s.emitSettlementNotification(ctx, claim, domain.SettlementStalled, reference, reason)
	}
	log.Printf("level=warn component=settlement op=mark_stalled claim_id=%s reference=%s msg=\"settlement stalled; operator attention required\"", claimID, reference)
}

func (s *Service) resolveClaim(ctx context.Context, data domain.TransferEventData) (*domain.Claim, error) {
	if data.Reference != "" {
		claim, err := s.repo.FindClaimByTransferReference(ctx, data.Reference)
		if err == nil {
			return claim, nil
		}
		if !errors.Is(err, store.ErrClaimNotFound) {
			return nil, err
		}
	}
	if raw, ok := data.Metadata["claim_id"].(string); ok {
		if claimID, err := uuid.Parse(raw); err == nil {
			return s.repo.FindClaimByID(ctx, claimID)
		}
	}
	return nil, store.ErrClaimNotFound
}

// emitSettlementNotification writes the in-app notification and enqueues the
// outbox row for the broker publish. The dedupe key pins the notification to
// (claim, outcome, attempt), so a redelivered event cannot produce a second one.
func (s *Service) emitSettlementNotification(ctx context.Context, claim *domain.Claim, status domain.SettlementStatus, reference, reason string) {
	title, message, notifType := notificationContent(status, claim.SettlementAmount, reason)
	if title == "" {
		return
	}

	event := domain.SettlementNotificationEvent{
		ClaimID:    claim.ID,
		UserID:     claim.ClaimantID,
		Type:       notifType,
		Title:      title,
		Message:    message,
		Amount:     claim.SettlementAmount,
		Reference:  reference,
		OccurredAt: time.Now().UTC(),
	}

	dedupeKey := fmt.Sprintf("settlement:%s:%s:%s", claim.ID, status, reference)
	inserted, err := s.repo.EnqueueNotification(ctx, dedupeKey, NotificationExchange, NotificationRoutingKey, event)
	if err != nil {
		log.Printf("level=error component=settlement op=enqueue_notification claim_id=%s err=%v", claim.ID, err)
		return
	}
	if !inserted {
		return
	}

	if err := s.repo.CreateNotification(ctx, domain.Notification{
		UserID:  claim.ClaimantID,
		Type:    notifType,
		Title:   title,
		Message: message,
		Data: map[string]interface{}{
			"claim_id":  claim.ID.String(),
			"reference": reference,
			"amount":    claim.SettlementAmount,
		},
	}); err != nil {
		log.Printf("level=warn component=settlement op=create_notification claim_id=%s err=%v", claim.ID, err)
	}
}

func notificationContent(status domain.SettlementStatus, amount int64, reason string) (title, message, notifType string) {
	switch status {
	case domain.SettlementCompleted:
		return "Claim settled",
			fmt.Sprintf("Your claim payout of %s has been sent to your bank account.", FormatKobo(amount)),
			"settlement_completed"
	case domain.SettlementFailed:
		msg := fmt.Sprintf("Your claim payout of %s could not be completed.", FormatKobo(amount))
		if reason != "" {
			msg = fmt.Sprintf("%s Reason: %s.", msg, strings.TrimSuffix(reason, "."))
		}
		return "Claim payout failed", msg, "settlement_failed"
	case domain.SettlementStalled:
		return "Claim payout delayed",
			fmt.Sprintf("Your claim payout of %s is taking longer than expected. Our team is looking into it.", FormatKobo(amount)),
			"settlement_stalled"
	default:
		return "", "", ""
	}
}

func (s *Service) logAction(ctx context.Context, claimID uuid.UUID, action, status, details string) {
	if err := s.repo.AppendPaymentAction(ctx, domain.PaymentActionLogEntry{
		ClaimID: claimID,
		Action:  action,
		Status:  status,
		Details: details,
	}); err != nil {
		log.Printf("level=warn component=settlement op=append_action claim_id=%s action=%s err=%v", claimID, action, err)
	}
}

func validateAttempt(recipient domain.RecipientDetails, amount int64) error {
	if strings.TrimSpace(recipient.AccountName) == "" {
		return fmt.Errorf("%w: recipient account name is required", ErrValidation)
	}
	if strings.TrimSpace(recipient.AccountNumber) == "" {
		return fmt.Errorf("%w: recipient account number is required", ErrValidation)
	}
	if strings.TrimSpace(recipient.BankCode) == "" {
		return fmt.Errorf("%w: recipient bank code is required", ErrValidation)
	}
	if amount <= 0 {
		return fmt.Errorf("%w: amount must be greater than zero", ErrValidation)
	}
	return nil
}

// generateReference builds a caller-assigned transfer reference that is
// globally unique per attempt: a claim prefix, a nanosecond timestamp and a
// random suffix.
func generateReference(claimID uuid.UUID) string {
	suffix := make([]byte, 4)
	if _, err := rand.Read(suffix); err != nil {
		// Fall back to the timestamp alone; uniqueness still holds at
		// nanosecond resolution for a single claim.
		return fmt.Sprintf("STL-%s-%d", shortClaimID(claimID), time.Now().UnixNano())
	}
	return fmt.Sprintf("STL-%s-%d-%s", shortClaimID(claimID), time.Now().UnixNano(), hex.EncodeToString(suffix))
}

func shortClaimID(claimID uuid.UUID) string {
	return strings.Split(claimID.String(), "-")[0]
}

// normalizeTransferStatus maps the processor's transfer vocabulary onto the
// settlement state machine. Non-terminal statuses map to the empty string.
func normalizeTransferStatus(status string) domain.SettlementStatus {
	switch strings.TrimSpace(strings.ToLower(status)) {
	case "success", "successful":
		return domain.SettlementCompleted
	case "failed", "failure":
		return domain.SettlementFailed
	case "reversed":
		return domain.SettlementFailed
	default:
		return ""
	}
}

// FormatKobo renders a kobo amount as a naira string, e.g. 50000 -> "₦500.00".
func FormatKobo(amount int64) string {
	naira := amount / 100
	kobo := amount % 100
	if kobo < 0 {
		kobo = -kobo
	}

	digits := fmt.Sprintf("%d", naira)
	negative := strings.HasPrefix(digits, "-")
	digits = strings.TrimPrefix(digits, "-")

	var b strings.Builder
	for i, d := range digits {
		if i > 0 && (len(digits)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(d)
	}

	sign := ""
	if negative {
		sign = "-"
	}
	return fmt.Sprintf("%s₦%s.%02d", sign, b.String(), kobo)
}
