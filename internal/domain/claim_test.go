package domain

import "testing"

func TestSettlementStatusRank_OrdersForwardOnly(t *testing.T) {
	if !(SettlementPending.Rank() < SettlementProcessing.Rank()) {
		t.Fatal("pending must rank below processing")
	}
	for _, terminal := range []SettlementStatus{SettlementCompleted, SettlementFailed, SettlementStalled} {
		if !(SettlementProcessing.Rank() < terminal.Rank()) {
			t.Fatalf("processing must rank below %s", terminal)
		}
	}
	// Terminal outcomes are peers; one can never overwrite another.
	if SettlementCompleted.Rank() != SettlementFailed.Rank() || SettlementFailed.Rank() != SettlementStalled.Rank() {
		t.Fatal("terminal outcomes must share a rank")
	}
	if SettlementStatus("bogus").Rank() != -1 {
		t.Fatal("unknown statuses must rank below every real status")
	}
}

func TestSettlementStatusTerminal(t *testing.T) {
	cases := map[SettlementStatus]bool{
		SettlementPending:    false,
		SettlementProcessing: false,
		SettlementCompleted:  true,
		SettlementFailed:     true,
		SettlementStalled:    true,
	}
	for status, want := range cases {
		if got := status.Terminal(); got != want {
			t.Fatalf("Terminal(%s) = %t, want %t", status, got, want)
		}
	}
}

func TestViewOf_RetryableOnlyWhenFailed(t *testing.T) {
	claim := &Claim{SettlementStatus: SettlementFailed}
	if !ViewOf(claim).Retryable {
		t.Fatal("a failed settlement must be retryable")
	}
	for _, status := range []SettlementStatus{SettlementPending, SettlementProcessing, SettlementCompleted, SettlementStalled} {
		claim.SettlementStatus = status
		if ViewOf(claim).Retryable {
			t.Fatalf("%s settlement must not be retryable", status)
		}
	}
}
