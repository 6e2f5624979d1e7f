/*
sweeper.go - Pending-hold expiry

PURPOSE:
  A pending appointment holds its slot while the client confirms. The
  sweeper periodically cancels pending appointments older than the
  configured hold TTL so abandoned checkouts release their slots.

DESIGN:
  - Background goroutine with a configurable check interval
  - Cancels through the Coordinator, so serialization, versioning and
    change records all hold
  - A version conflict during the sweep means someone confirmed or moved
    the appointment concurrently; the sweep skips it and moves on
*/
package engine

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Sweeper expires stale pending appointments.
type Sweeper struct {
	Coordinator   *Coordinator
	Store         FactStore
	HoldTTL       time.Duration // how long a pending appointment keeps its slot
	CheckInterval time.Duration

	log    *zap.Logger
	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewSweeper builds a sweeper with sane defaults: a 30 minute hold
// checked every 5 minutes.
func NewSweeper(coord *Coordinator, store FactStore, log *zap.Logger) *Sweeper {
	if log == nil {
		log = zap.NewNop()
	}
	return &Sweeper{
		Coordinator:   coord,
		Store:         store,
		HoldTTL:       30 * time.Minute,
		CheckInterval: 5 * time.Minute,
		log:           log,
		stop:          make(chan struct{}),
	}
}

// Start begins the background sweep.
func (s *Sweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ticker = time.NewTicker(s.CheckInterval)
	s.wg.Add(1)
	go s.run()
	s.log.Info("sweeper started",
		zap.Duration("hold_ttl", s.HoldTTL),
		zap.Duration("check_interval", s.CheckInterval))
}

// Stop stops the sweep and waits for an in-flight pass to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker != nil {
		s.ticker.Stop()
		close(s.stop)
		s.wg.Wait()
		s.log.Info("sweeper stopped")
	}
}

func (s *Sweeper) run() {
	defer s.wg.Done()

	s.Sweep(context.Background())
	for {
		select {
		case <-s.ticker.C:
			s.Sweep(context.Background())
		case <-s.stop:
			return
		}
	}
}

// Sweep runs one pass immediately. Exposed for tests and admin use.
func (s *Sweeper) Sweep(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-s.HoldTTL)
	stale, err := s.Store.ListPendingBefore(ctx, cutoff)
	if err != nil {
		s.log.Warn("sweep: listing pending appointments failed", zap.Error(err))
		return
	}

	expired := 0
	for _, appt := range stale {
		_, err := s.Coordinator.Cancel(ctx, appt.ID, appt.Version, Actor{ID: "system", Role: "system"})
		switch {
		case err == nil:
			expired++
		case IsRetryable(err) || IsClientError(err):
			// Confirmed, moved or cancelled since we listed it.
			continue
		default:
			s.log.Warn("sweep: cancel failed",
				zap.String("appointment", string(appt.ID)), zap.Error(err))
		}
	}
	if expired > 0 {
		s.log.Info("sweep: expired pending holds", zap.Int("count", expired))
	}
}
