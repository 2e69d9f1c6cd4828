package app

import (
	"testing"
	"time"

	"github.com/coverly/settlement-service/internal/domain"
)

func testSchedule(maxPolls int) PollSchedule {
	return PollSchedule{
		FastInterval:   2 * time.Millisecond,
		MediumInterval: 2 * time.Millisecond,
		SlowInterval:   2 * time.Millisecond,
		MaxPolls:       maxPolls,
		RequestTimeout: time.Second,
	}
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestPollSchedule_DelayFor(t *testing.T) {
	s := DefaultPollSchedule()
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 10 * time.Second},
		{12, 10 * time.Second},
		{13, 30 * time.Second},
		{22, 30 * time.Second},
		{23, 60 * time.Second},
		{60, 60 * time.Second},
	}
	for _, tc := range cases {
		if got := s.DelayFor(tc.attempt); got != tc.want {
			t.Fatalf("DelayFor(%d) = %s, want %s", tc.attempt, got, tc.want)
		}
	}
	if s.MaxPolls != 60 {
		t.Fatalf("expected a 60 poll budget, got %d", s.MaxPolls)
	}
}

func TestPoller_StopsOnTerminalStatus(t *testing.T) {
	claim := pendingClaim()
	ref := "STL-poll-1"
	code := "TRF_poll"
	claim.SettlementStatus = domain.SettlementProcessing
	claim.SettlementAmount = 50000
	claim.TransferReference = &ref
	claim.TransferCode = &code

	repo := newSettlementRepoStub(claim)
	processor := &processorStub{fetchStatuses: []string{"pending", "pending", "success"}}
	service := NewService(repo, processor)
	pm := NewPollManager(service, testSchedule(60))
	service.SetPollManager(pm)

	pm.StartPolling(claim.ID, code, ref)

	waitUntil(t, time.Second, func() bool { return !pm.IsPolling(claim.ID) })

	if got := repo.snapshot().SettlementStatus; got != domain.SettlementCompleted {
		t.Fatalf("expected completed after terminal poll, got %s", got)
	}
	if got := processor.fetchCount(); got != 3 {
		t.Fatalf("expected polling to stop after the terminal report, got %d fetches", got)
	}
	if repo.actionCount("poll_transition") != 1 {
		t.Fatal("expected the poll transition to be recorded in the action log")
	}
}

func TestPoller_MarksStalledWhenBudgetExhausted(t *testing.T) {
	claim := pendingClaim()
	ref := "STL-poll-2"
	code := "TRF_poll"
	claim.SettlementStatus = domain.SettlementProcessing
	claim.SettlementAmount = 50000
	claim.TransferReference = &ref
	claim.TransferCode = &code

	repo := newSettlementRepoStub(claim)
	processor := &processorStub{} // always pending
	service := NewService(repo, processor)
	pm := NewPollManager(service, testSchedule(3))
	service.SetPollManager(pm)

	pm.StartPolling(claim.ID, code, ref)

	waitUntil(t, time.Second, func() bool { return !pm.IsPolling(claim.ID) })
	waitUntil(t, time.Second, func() bool {
		return repo.snapshot().SettlementStatus == domain.SettlementStalled
	})

	if got := processor.fetchCount(); got != 3 {
		t.Fatalf("expected exactly 3 polls before giving up, got %d", got)
	}
	if repo.actionCount("poll_exhausted") != 1 {
		t.Fatal("expected the exhaustion to be recorded in the action log")
	}
	if len(repo.notifications) != 1 {
		t.Fatalf("expected one stalled notification, got %d", len(repo.notifications))
	}
	if repo.snapshot().FailureReason == nil {
		t.Fatal("expected a failure reason describing the stall")
	}
}

func TestPollManager_StopPreventsFurtherTicks(t *testing.T) {
	claim := pendingClaim()
	claim.SettlementStatus = domain.SettlementProcessing

	repo := newSettlementRepoStub(claim)
	processor := &processorStub{}
	service := NewService(repo, processor)
	schedule := testSchedule(60)
	schedule.FastInterval = 50 * time.Millisecond
	pm := NewPollManager(service, schedule)
	service.SetPollManager(pm)

	pm.StartPolling(claim.ID, "TRF_poll", "STL-poll-3")
	pm.StopPolling(claim.ID)

	time.Sleep(120 * time.Millisecond)
	if got := processor.fetchCount(); got != 0 {
		t.Fatalf("expected no ticks after stop, got %d", got)
	}
	if pm.IsPolling(claim.ID) {
		t.Fatal("expected the poller to be deregistered")
	}
}

func TestPollManager_RestartReplacesExistingLoop(t *testing.T) {
	claim := pendingClaim()
	claim.SettlementStatus = domain.SettlementProcessing

	repo := newSettlementRepoStub(claim)
	processor := &processorStub{}
	service := NewService(repo, processor)
	schedule := testSchedule(60)
	schedule.FastInterval = time.Hour // no tick fires during the test
	pm := NewPollManager(service, schedule)
	service.SetPollManager(pm)

	pm.StartPolling(claim.ID, "TRF_first", "STL-attempt-1")
	pm.StartPolling(claim.ID, "TRF_second", "STL-attempt-2")

	if !pm.IsPolling(claim.ID) {
		t.Fatal("expected a live poller after restart")
	}

	pm.StopAll()
	if pm.IsPolling(claim.ID) {
		t.Fatal("expected StopAll to drain every poller")
	}
	if got := processor.fetchCount(); got != 0 {
		t.Fatalf("expected no ticks before the first interval, got %d", got)
	}
}
