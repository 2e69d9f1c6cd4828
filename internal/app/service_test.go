package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coverly/settlement-service/internal/domain"
	"github.com/coverly/settlement-service/internal/store"
	"github.com/coverly/settlement-service/pkg/paystackclient"
	"github.com/google/uuid"
)

// settlementRepoStub is an in-memory Repository covering the settlement
// methods the service exercises. The transition guard mirrors the SQL
// conditional update: forward-only by rank, pinned to the attempt reference.
type settlementRepoStub struct {
	store.Repository

	mu            sync.Mutex
	claim         *domain.Claim
	actions       []domain.PaymentActionLogEntry
	notifications []domain.Notification
	outboxKeys    map[string]int
	beginCalls    int
}

func newSettlementRepoStub(claim *domain.Claim) *settlementRepoStub {
	return &settlementRepoStub{
		claim:      claim,
		outboxKeys: make(map[string]int),
	}
}

func (s *settlementRepoStub) snapshot() domain.Claim {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.claim
}

func (s *settlementRepoStub) FindClaimByID(ctx context.Context, claimID uuid.UUID) (*domain.Claim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.claim == nil || s.claim.ID != claimID {
		return nil, store.ErrClaimNotFound
	}
	c := *s.claim
	return &c, nil
}

func (s *settlementRepoStub) FindClaimByTransferReference(ctx context.Context, reference string) (*domain.Claim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.claim != nil && s.claim.TransferReference != nil && *s.claim.TransferReference == reference {
		c := *s.claim
		return &c, nil
	}
	return nil, store.ErrClaimNotFound
}

func (s *settlementRepoStub) FindClaimByTransferCode(ctx context.Context, transferCode string) (*domain.Claim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.claim != nil && s.claim.TransferCode != nil && *s.claim.TransferCode == transferCode {
		c := *s.claim
		return &c, nil
	}
	return nil, store.ErrClaimNotFound
}

func (s *settlementRepoStub) SaveRecipientCode(ctx context.Context, claimID uuid.UUID, recipientCode string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.claim.RecipientCode = &recipientCode
	return nil
}

func (s *settlementRepoStub) BeginSettlementAttempt(ctx context.Context, claimID uuid.UUID, params store.BeginAttemptParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.beginCalls++

	required := domain.SettlementPending
	if params.IsRetry {
		required = domain.SettlementFailed
	}
	if s.claim.SettlementStatus != required {
		return store.ErrInvalidSettlementState
	}

	s.claim.TransferCode = &params.TransferCode
	s.claim.TransferReference = &params.TransferReference
	s.claim.SettlementAmount = params.Amount
	s.claim.SettlementStatus = domain.SettlementProcessing
	s.claim.FailureReason = nil
	if params.IsRetry {
		s.claim.RetryCount++
	}
	return nil
}

func (s *settlementRepoStub) TransitionSettlementStatus(ctx context.Context, claimID uuid.UUID, reference string, status domain.SettlementStatus, failureReason *string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if reference != "" && (s.claim.TransferReference == nil || *s.claim.TransferReference != reference) {
		return false, nil
	}
	if s.claim.SettlementStatus.Rank() >= status.Rank() {
		return false, nil
	}

	s.claim.SettlementStatus = status
	if status == domain.SettlementFailed || status == domain.SettlementStalled {
		s.claim.FailureReason = failureReason
	} else {
		s.claim.FailureReason = nil
	}
	if status == domain.SettlementCompleted && s.claim.SettlementDate == nil {
		now := time.Now().UTC()
		s.claim.SettlementDate = &now
	}
	return true, nil
}

func (s *settlementRepoStub) AppendPaymentAction(ctx context.Context, entry domain.PaymentActionLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.actions = append(s.actions, entry)
	return nil
}

func (s *settlementRepoStub) CreateNotification(ctx context.Context, n domain.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifications = append(s.notifications, n)
	return nil
}

func (s *settlementRepoStub) EnqueueNotification(ctx context.Context, dedupeKey, exchange, routingKey string, payload interface{}) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outboxKeys[dedupeKey]++
	return s.outboxKeys[dedupeKey] == 1, nil
}

func (s *settlementRepoStub) actionCount(action string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, a := range s.actions {
		if a.Action == action {
			count++
		}
	}
	return count
}

// processorStub implements ProcessorClient with scripted responses.
type processorStub struct {
	mu sync.Mutex

	transferCode  string
	initiateErr   error
	recipientErr  error
	fetchStatuses []string
	fetchErr      error

	initiateCalls  int
	recipientCalls int
	fetchCalls     int
	lastInitiate   paystackclient.InitiateTransferRequest
}

func (p *processorStub) CreateRecipient(ctx context.Context, req paystackclient.CreateRecipientRequest) (*paystackclient.RecipientResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.recipientCalls++
	if p.recipientErr != nil {
		return nil, p.recipientErr
	}
	resp := &paystackclient.RecipientResponse{Status: true}
	resp.Data.RecipientCode = fmt.Sprintf("RCP_%d", p.recipientCalls)
	resp.Data.Active = true
	return resp, nil
}

func (p *processorStub) InitiateTransfer(ctx context.Context, req paystackclient.InitiateTransferRequest) (*paystackclient.TransferResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.initiateCalls++
	p.lastInitiate = req
	if p.initiateErr != nil {
		return nil, p.initiateErr
	}
	code := p.transferCode
	if code == "" {
		code = fmt.Sprintf("TRF_%d", p.initiateCalls)
	}
	resp := &paystackclient.TransferResponse{Status: true}
	resp.Data.TransferCode = code
	resp.Data.Reference = req.Reference
	resp.Data.Status = "pending"
	resp.Data.Amount = req.Amount
	resp.Data.Currency = "NGN"
	return resp, nil
}

func (p *processorStub) FetchTransfer(ctx context.Context, transferCode string) (*paystackclient.TransferResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fetchCalls++
	if p.fetchErr != nil {
		return nil, p.fetchErr
	}
	status := "pending"
	if len(p.fetchStatuses) > 0 {
		idx := p.fetchCalls - 1
		if idx >= len(p.fetchStatuses) {
			idx = len(p.fetchStatuses) - 1
		}
		status = p.fetchStatuses[idx]
	}
	resp := &paystackclient.TransferResponse{Status: true}
	resp.Data.TransferCode = transferCode
	resp.Data.Status = status
	return resp, nil
}

func (p *processorStub) VerifyTransaction(ctx context.Context, reference string) (*paystackclient.VerifyTransactionResponse, error) {
	return nil, errors.New("not scripted")
}

func (p *processorStub) fetchCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fetchCalls
}

func pendingClaim() *domain.Claim {
	return &domain.Claim{
		ID:               uuid.New(),
		ClaimantID:       uuid.New(),
		PolicyNumber:     "POL-2024-0001",
		Status:           "approved",
		SettlementStatus: domain.SettlementPending,
		Recipient: domain.RecipientDetails{
			AccountName:   "Ada Obi",
			AccountNumber: "0123456789",
			BankCode:      "058",
		},
	}
}

func TestInitiateSettlement_RejectsInvalidInputWithoutProcessorCall(t *testing.T) {
	cases := []struct {
		name      string
		mutate    func(*domain.Claim, *domain.InitiateSettlementRequest)
	}{
		{"zero amount", func(c *domain.Claim, r *domain.InitiateSettlementRequest) { r.Amount = 0 }},
		{"negative amount", func(c *domain.Claim, r *domain.InitiateSettlementRequest) { r.Amount = -50 }},
		{"missing account name", func(c *domain.Claim, r *domain.InitiateSettlementRequest) { c.Recipient.AccountName = " " }},
		{"missing account number", func(c *domain.Claim, r *domain.InitiateSettlementRequest) { c.Recipient.AccountNumber = "" }},
		{"missing bank code", func(c *domain.Claim, r *domain.InitiateSettlementRequest) { c.Recipient.BankCode = "" }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			claim := pendingClaim()
			req := domain.InitiateSettlementRequest{Amount: 50000, Reason: "Claim settlement"}
			tc.mutate(claim, &req)

			repo := newSettlementRepoStub(claim)
			processor := &processorStub{}
			service := NewService(repo, processor)

			_, err := service.InitiateSettlement(context.Background(), claim.ID, req)
			if !errors.Is(err, ErrValidation) {
				t.Fatalf("expected ErrValidation, got %v", err)
			}
			if processor.recipientCalls != 0 || processor.initiateCalls != 0 {
				t.Fatal("processor must not be contacted for invalid input")
			}
			if repo.snapshot().SettlementStatus != domain.SettlementPending {
				t.Fatal("settlement state must not change on validation failure")
			}
		})
	}
}

func TestInitiateSettlement_PersistsProcessingState(t *testing.T) {
	claim := pendingClaim()
	repo := newSettlementRepoStub(claim)
	processor := &processorStub{transferCode: "TRF_abc"}
	service := NewService(repo, processor)

	got, err := service.InitiateSettlement(context.Background(), claim.ID, domain.InitiateSettlementRequest{
		Amount: 50000,
		Reason: "Claim settlement",
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}

	if got.SettlementStatus != domain.SettlementProcessing {
		t.Fatalf("expected processing, got %s", got.SettlementStatus)
	}
	if got.TransferCode == nil || *got.TransferCode != "TRF_abc" {
		t.Fatal("expected transfer code to be persisted")
	}
	if got.TransferReference == nil || !strings.HasPrefix(*got.TransferReference, "STL-") {
		t.Fatalf("expected generated reference, got %v", got.TransferReference)
	}
	if got.SettlementAmount != 50000 {
		t.Fatalf("expected amount 50000, got %d", got.SettlementAmount)
	}
	if repo.actionCount("initiate_transfer") != 1 {
		t.Fatal("expected one processing action log entry")
	}
	if processor.lastInitiate.Metadata["claim_id"] != claim.ID.String() {
		t.Fatal("expected claim id in transfer metadata")
	}
}

func TestInitiateSettlement_ProcessorRejectionIsAuditedAndSurfaced(t *testing.T) {
	claim := pendingClaim()
	repo := newSettlementRepoStub(claim)
	rejection := &paystackclient.ErrorResponse{StatusCode: 400, Message: "Insufficient balance"}
	processor := &processorStub{initiateErr: rejection}
	service := NewService(repo, processor)

	_, err := service.InitiateSettlement(context.Background(), claim.ID, domain.InitiateSettlementRequest{
		Amount: 50000,
	})

	var apiErr *paystackclient.ErrorResponse
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected processor error to be surfaced verbatim, got %v", err)
	}
	if repo.snapshot().SettlementStatus != domain.SettlementPending {
		t.Fatal("settlement must stay pending after processor rejection")
	}
	if repo.actionCount("initiate_transfer") != 1 {
		t.Fatal("expected a failed action log entry for the rejection")
	}
	if repo.beginCalls != 0 {
		t.Fatal("no attempt must be persisted after processor rejection")
	}
}

func TestRetrySettlement_OnlyCallableWhileFailed(t *testing.T) {
	for _, status := range []domain.SettlementStatus{
		domain.SettlementPending,
		domain.SettlementProcessing,
		domain.SettlementCompleted,
	} {
		claim := pendingClaim()
		claim.SettlementStatus = status
		repo := newSettlementRepoStub(claim)
		service := NewService(repo, &processorStub{})

		if _, err := service.RetrySettlement(context.Background(), claim.ID, ""); !errors.Is(err, store.ErrInvalidSettlementState) {
			t.Fatalf("status %s: expected ErrInvalidSettlementState, got %v", status, err)
		}
	}
}

func TestRetrySettlement_NewReferenceAndIncrementedCounter(t *testing.T) {
	claim := pendingClaim()
	oldRef := "STL-old-ref"
	oldReason := "Invalid account"
	claim.SettlementStatus = domain.SettlementFailed
	claim.SettlementAmount = 50000
	claim.TransferReference = &oldRef
	claim.FailureReason = &oldReason
	claim.RetryCount = 1
	oldCode := "RCP_stale"
	claim.RecipientCode = &oldCode

	repo := newSettlementRepoStub(claim)
	processor := &processorStub{}
	service := NewService(repo, processor)

	got, err := service.RetrySettlement(context.Background(), claim.ID, "")
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}

	if got.SettlementStatus != domain.SettlementProcessing {
		t.Fatalf("expected processing after retry, got %s", got.SettlementStatus)
	}
	if got.RetryCount != 2 {
		t.Fatalf("expected retry_count 2, got %d", got.RetryCount)
	}
	if got.TransferReference == nil || *got.TransferReference == oldRef {
		t.Fatal("expected a fresh reference distinct from the failed attempt")
	}
	if got.FailureReason != nil {
		t.Fatal("expected failure reason cleared on retry")
	}
	// Bank details may have been corrected, so a retry re-registers the recipient.
	if processor.recipientCalls != 1 {
		t.Fatalf("expected recipient re-registration on retry, got %d calls", processor.recipientCalls)
	}
}

func TestApplyTransferUpdate_MonotonicGuardPreservesTerminalState(t *testing.T) {
	claim := pendingClaim()
	ref := "STL-ref-1"
	claim.SettlementStatus = domain.SettlementCompleted
	claim.TransferReference = &ref
	now := time.Now().UTC()
	claim.SettlementDate = &now

	repo := newSettlementRepoStub(claim)
	service := NewService(repo, &processorStub{})

	current := repo.snapshot()
	if applied := service.ApplyTransferUpdate(context.Background(), "webhook", &current, ref, "failed", "late failure replay"); applied {
		t.Fatal("expected backward transition to be rejected")
	}

	after := repo.snapshot()
	if after.SettlementStatus != domain.SettlementCompleted {
		t.Fatalf("stored terminal status must be preserved, got %s", after.SettlementStatus)
	}
	if after.FailureReason != nil {
		t.Fatal("failure reason must not be written on a rejected transition")
	}
	if repo.actionCount("webhook_transition") != 1 {
		t.Fatal("rejected transition must still be recorded in the action log")
	}
	if len(repo.notifications) != 0 {
		t.Fatal("rejected transition must not emit a notification")
	}
}

func TestApplyTransferUpdate_CompletedTransitionEmitsOneNotification(t *testing.T) {
	claim := pendingClaim()
	ref := "STL-ref-1"
	claim.SettlementStatus = domain.SettlementProcessing
	claim.SettlementAmount = 50000
	claim.TransferReference = &ref

	repo := newSettlementRepoStub(claim)
	service := NewService(repo, &processorStub{})

	current := repo.snapshot()
	if applied := service.ApplyTransferUpdate(context.Background(), "webhook", &current, ref, "success", ""); !applied {
		t.Fatal("expected first success report to apply")
	}

	after := repo.snapshot()
	if after.SettlementStatus != domain.SettlementCompleted {
		t.Fatalf("expected completed, got %s", after.SettlementStatus)
	}
	if after.SettlementDate == nil {
		t.Fatal("expected settlement_date to be set on completion")
	}
	if len(repo.notifications) != 1 {
		t.Fatalf("expected exactly one notification, got %d", len(repo.notifications))
	}
	if !strings.Contains(repo.notifications[0].Message, "₦500.00") {
		t.Fatalf("expected formatted amount in notification, got %q", repo.notifications[0].Message)
	}

	// The identical report delivered again is a no-op end to end.
	current = repo.snapshot()
	if applied := service.ApplyTransferUpdate(context.Background(), "webhook", &current, ref, "success", ""); applied {
		t.Fatal("expected duplicate success report to be rejected by the guard")
	}
	if len(repo.notifications) != 1 {
		t.Fatal("duplicate report must not produce a second notification")
	}
	if !repo.snapshot().SettlementDate.Equal(*after.SettlementDate) {
		t.Fatal("settlement_date must be set exactly once")
	}
}

func TestHandleTransferEvent_StaleAttemptCannotTouchNewerAttempt(t *testing.T) {
	// A claim retried onto attempt 2; a delayed event for attempt 1 arrives
	// afterwards. The stale reference no longer resolves a claim, so the
	// event falls back to the claim id in the transfer metadata — and must
	// still be rejected by the reference pin.
	claim := pendingClaim()
	currentRef := "STL-attempt-2"
	claim.SettlementStatus = domain.SettlementProcessing
	claim.TransferReference = &currentRef

	repo := newSettlementRepoStub(claim)
	service := NewService(repo, &processorStub{})

	for _, eventType := range []string{domain.EventTransferFailed, domain.EventTransferSuccess} {
		err := service.HandleTransferEvent(context.Background(), eventType, domain.TransferEventData{
			Reference:    "STL-attempt-1",
			TransferCode: "TRF_old",
			Reason:       "old attempt outcome",
			Metadata:     map[string]interface{}{"claim_id": claim.ID.String()},
		})
		if err != nil {
			t.Fatalf("%s: expected stale event to be acknowledged, got %v", eventType, err)
		}
	}

	after := repo.snapshot()
	if after.SettlementStatus != domain.SettlementProcessing {
		t.Fatalf("current attempt must be unaffected by stale events, got %s", after.SettlementStatus)
	}
	if after.FailureReason != nil {
		t.Fatal("stale event must not write a failure reason onto the new attempt")
	}
	if repo.actionCount("webhook_transition") != 2 {
		t.Fatal("rejected stale events must be recorded in the action log")
	}
	if len(repo.notifications) != 0 {
		t.Fatal("stale events must not emit notifications")
	}
}

func TestInitiateSettlement_RejectedUnlessPendingWithoutProcessorCall(t *testing.T) {
	for _, status := range []domain.SettlementStatus{
		domain.SettlementProcessing,
		domain.SettlementCompleted,
		domain.SettlementFailed,
		domain.SettlementStalled,
	} {
		claim := pendingClaim()
		claim.SettlementStatus = status
		repo := newSettlementRepoStub(claim)
		processor := &processorStub{}
		service := NewService(repo, processor)

		_, err := service.InitiateSettlement(context.Background(), claim.ID, domain.InitiateSettlementRequest{Amount: 50000})
		if !errors.Is(err, store.ErrInvalidSettlementState) {
			t.Fatalf("status %s: expected ErrInvalidSettlementState, got %v", status, err)
		}
		// No recipient registration and, above all, no transfer at the
		// processor for a claim that is not awaiting its first attempt.
		if processor.recipientCalls != 0 || processor.initiateCalls != 0 {
			t.Fatalf("status %s: processor must not be contacted", status)
		}
	}
}

func TestGenerateReference_Unique(t *testing.T) {
	claimID := uuid.New()
	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		ref := generateReference(claimID)
		if seen[ref] {
			t.Fatalf("duplicate reference generated: %s", ref)
		}
		seen[ref] = true
	}
}

func TestFormatKobo(t *testing.T) {
	cases := []struct {
		amount int64
		want   string
	}{
		{50000, "₦500.00"},
		{100, "₦1.00"},
		{5, "₦0.05"},
		{123456789, "₦1,234,567.89"},
		{0, "₦0.00"},
	}
	for _, tc := range cases {
		if got := FormatKobo(tc.amount); got != tc.want {
			t.Fatalf("FormatKobo(%d) = %q, want %q", tc.amount, got, tc.want)
		}
	}
}
