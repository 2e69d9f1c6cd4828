/**
 * @description
 * This file implements the status poller: the active pull side of settlement
 * reconciliation. One cooperative timer loop runs per in-flight settlement
 * attempt, querying the processor on an adaptive schedule until a terminal
 * status is observed, polling is cancelled, or the poll budget is exhausted.
 *
 * Key properties:
 * - The next poll is computed from a pure function of the attempt count, so
 *   no mutable closure state survives a reschedule.
 * - Cancellation is context-driven and total: once Stop returns, no pending
 *   tick can fire.
 * - A stalled network call fails only its own tick; the loop keeps its cadence.
 *
 * @dependencies
 * - context, log, sync, time: Standard Go libraries.
 * - github.com/google/uuid: For claim identifiers.
 */

package app

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// PollSchedule describes the adaptive poll cadence. The delay for a given
// attempt is a pure function of the attempt number.
type PollSchedule struct {
	FastInterval   time.Duration // polls 1-12
	MediumInterval time.Duration // polls 13-22
	SlowInterval   time.Duration // polls 23+
	MaxPolls       int
	RequestTimeout time.Duration
}

// DefaultPollSchedule polls every 10s for two minutes, every 30s for the next
// five, then every 60s, giving up after 60 polls (~100 minutes).
func DefaultPollSchedule() PollSchedule {
	return PollSchedule{
		FastInterval:   10 * time.Second,
		MediumInterval: 30 * time.Second,
		SlowInterval:   60 * time.Second,
		MaxPolls:       60,
		RequestTimeout: 15 * time.Second,
	}
}

// DelayFor returns the wait before the given poll attempt (1-based).
func (s PollSchedule) DelayFor(attempt int) time.Duration {
	switch {
	case attempt <= 12:
		return s.FastInterval
	case attempt <= 22:
		return s.MediumInterval
	default:
		return s.SlowInterval
	}
}

// Poller drives the poll loop for a single settlement attempt.
type Poller struct {
	claimID      uuid.UUID
	transferCode string
	reference    string
	schedule     PollSchedule
	service      *Service

	cancel context.CancelFunc
	done   chan struct{}
}

// PollManager owns the set of live pollers, at most one per claim. Starting a
// poller for a claim that already has one cancels the old loop first, so a
// retried settlement always begins with a fresh poll counter.
type PollManager struct {
	mu       sync.Mutex
	pollers  map[uuid.UUID]*Poller
	service  *Service
	schedule PollSchedule
}

// NewPollManager creates a poll manager bound to the settlement service.
func NewPollManager(service *Service, schedule PollSchedule) *PollManager {
	if schedule.MaxPolls <= 0 {
		schedule = DefaultPollSchedule()
	}
	return &PollManager{
		pollers:  make(map[uuid.UUID]*Poller),
		service:  service,
		schedule: schedule,
	}
}

// StartPolling begins (or restarts) the poll loop for a settlement attempt.
func (m *PollManager) StartPolling(claimID uuid.UUID, transferCode, reference string) {
	m.mu.Lock()
	if existing, ok := m.pollers[claimID]; ok {
		existing.cancel()
		delete(m.pollers, claimID)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Poller{
		claimID:      claimID,
		transferCode: transferCode,
		reference:    reference,
		schedule:     m.schedule,
		service:      m.service,
		cancel:       cancel,
		done:         make(chan struct{}),
	}
	m.pollers[claimID] = p
	m.mu.Unlock()

	log.Printf("level=info component=status_poller op=start claim_id=%s transfer_code=%s", claimID, transferCode)
	go func() {
		defer m.remove(claimID, p)
		p.run(ctx)
	}()
}

// StopPolling cancels the poll loop for a claim, if one is live. It does not
// wait for the loop goroutine to unwind; cancellation itself is immediate and
// no further tick can fire once the context is cancelled.
func (m *PollManager) StopPolling(claimID uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.pollers[claimID]; ok {
		p.cancel()
		delete(m.pollers, claimID)
	}
}

// IsPolling reports whether a claim currently has a live poll loop.
func (m *PollManager) IsPolling(claimID uuid.UUID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.pollers[claimID]
	return ok
}

// StopAll cancels every live poller and waits for the loops to unwind. Used
// during graceful shutdown.
func (m *PollManager) StopAll() {
	m.mu.Lock()
	live := make([]*Poller, 0, len(m.pollers))
	for id, p := range m.pollers {
		p.cancel()
		live = append(live, p)
		delete(m.pollers, id)
	}
	m.mu.Unlock()

	for _, p := range live {
		<-p.done
	}
}

func (m *PollManager) remove(claimID uuid.UUID, p *Poller) {
	m.mu.Lock()
	if current, ok := m.pollers[claimID]; ok && current == p {
		delete(m.pollers, claimID)
	}
	m.mu.Unlock()
}

// run executes the poll loop. The next poll is scheduled only after the
// previous tick has returned, so a single attempt never has overlapping
// status queries in flight.
func (p *Poller) run(ctx context.Context) {
	defer close(p.done)

	for attempt := 1; attempt <= p.schedule.MaxPolls; attempt++ {
		timer := time.NewTimer(p.schedule.DelayFor(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		if p.tick(ctx, attempt) {
			return
		}
		if ctx.Err() != nil {
			return
		}
	}

	log.Printf("level=warn component=status_poller op=exhausted claim_id=%s transfer_code=%s polls=%d", p.claimID, p.transferCode, p.schedule.MaxPolls)
	stallCtx, cancel := context.WithTimeout(context.Background(), p.schedule.RequestTimeout)
	defer cancel()
	p.service.MarkStalled(stallCtx, p.claimID, p.reference)
}

// tick performs one status query. It returns true when polling should stop
// because the processor reported a terminal outcome. Errors are tick-local:
// a timeout or connectivity failure is logged and the loop continues.
func (p *Poller) tick(ctx context.Context, attempt int) bool {
	tickCtx, cancel := context.WithTimeout(ctx, p.schedule.RequestTimeout)
	defer cancel()

	transfer, err := p.service.processor.FetchTransfer(tickCtx, p.transferCode)
	if err != nil {
		if ctx.Err() != nil {
			return true
		}
		log.Printf("level=warn component=status_poller op=tick claim_id=%s attempt=%d err=%v", p.claimID, attempt, err)
		return false
	}

	status := transfer.Data.Status
	if normalizeTransferStatus(status) == "" {
		return false
	}

	claim, err := p.service.repo.FindClaimByID(tickCtx, p.claimID)
	if err != nil {
		log.Printf("level=warn component=status_poller op=tick claim_id=%s attempt=%d err=%v", p.claimID, attempt, err)
		return false
	}

	reason := transfer.Data.FailureReason
	if reason == "" {
		reason = transfer.Data.Reason
	}
	p.service.ApplyTransferUpdate(tickCtx, "poll", claim, p.reference, status, reason)

	// Terminal either way: if the guard rejected the write, a racing webhook
	// already recorded an outcome for this attempt.
	return true
}
