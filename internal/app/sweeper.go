/**
 * @description
 * Scheduled reconciliation sweep. Pollers live in process memory, so a
 * restart orphans any settlement that was mid-poll: the row stays in
 * 'processing' with nobody watching it. The sweep re-adopts those claims by
 * starting a fresh poll loop for each one that has no live poller.
 */
package app

import (
	"context"
	"log"
	"time"

	"github.com/coverly/settlement-service/internal/store"
	"github.com/robfig/cron/v3"
)

// Sweeper runs the scheduled reconciliation jobs.
type Sweeper struct {
	repo     store.Repository
	pollers  *PollManager
	cron     *cron.Cron
	schedule string
	// Settlements untouched for at least this long are considered orphaned.
	orphanAge time.Duration
}

// NewSweeper creates a sweeper with the given cron schedule (e.g. "@every 1m")
// and orphan age. A non-positive orphan age falls back to two minutes.
func NewSweeper(repo store.Repository, pollers *PollManager, schedule string, orphanAge time.Duration) *Sweeper {
	if schedule == "" {
		schedule = "@every 1m"
	}
	if orphanAge <= 0 {
		orphanAge = 2 * time.Minute
	}
	return &Sweeper{
		repo:      repo,
		pollers:   pollers,
		cron:      cron.New(),
		schedule:  schedule,
		orphanAge: orphanAge,
	}
}

// Start registers the sweep job and starts the cron scheduler.
func (s *Sweeper) Start() error {
	if _, err := s.cron.AddFunc(s.schedule, s.ReconcileProcessingSettlements); err != nil {
		return err
	}
	s.cron.Start()
	log.Printf("level=info component=sweeper msg=\"reconciliation sweep scheduled\" schedule=%q", s.schedule)
	return nil
}

// Stop gracefully stops the cron scheduler and waits for a running sweep.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}

// ReconcileProcessingSettlements finds claims stuck in 'processing' without a
// live poller and restarts polling for each.
func (s *Sweeper) ReconcileProcessingSettlements() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cutoff := time.Now().Add(-s.orphanAge)
	claims, err := s.repo.FindProcessingSettlements(ctx, cutoff)
	if err != nil {
		log.Printf("level=warn component=sweeper msg=\"orphan scan failed\" err=%v", err)
		return
	}

	adopted := 0
	for _, claim := range claims {
		if s.pollers.IsPolling(claim.ID) {
			continue
		}
		if claim.TransferCode == nil || claim.TransferReference == nil {
			continue
		}
		s.pollers.StartPolling(claim.ID, *claim.TransferCode, *claim.TransferReference)
		adopted++
	}

	if adopted > 0 {
		log.Printf("level=info component=sweeper msg=\"re-adopted orphaned settlements\" count=%d", adopted)
	}
}
