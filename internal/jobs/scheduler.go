// Package jobs wires the background schedules: the reservation expiry
// sweep and the reconciliation run.
package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/quizforge/billing/internal/config"
	"github.com/quizforge/billing/internal/ledger"
	"github.com/quizforge/billing/internal/reconcile"
)

// Scheduler owns the cron instance running the periodic jobs.
type Scheduler struct {
	cron *cron.Cron
	log  zerolog.Logger
}

// Start registers the expiry sweep and the reconciliation job and starts
// the schedule.  Call Stop for a graceful shutdown.
func Start(cfg config.LedgerConfig, svc *ledger.Service, rec *reconcile.Reconciler, log zerolog.Logger) (*Scheduler, error) {
	c := cron.New()
	_, err := c.AddFunc(fmt.Sprintf("@every %s", cfg.SweepInterval), func() {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.SweepInterval)
		defer cancel()
		if _, serr := svc.ExpireActiveReservations(ctx, time.Now().UTC()); serr != nil {
			log.Warn().Err(serr).Msg("reservation expiry sweep failed")
		}
	})
	if err != nil {
		return nil, fmt.Errorf("schedule expiry sweep: %w", err)
	}
	_, err = c.AddFunc(fmt.Sprintf("@every %s", cfg.ReconcileInterval), func() {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.ReconcileInterval)
		defer cancel()
		if _, rerr := rec.Run(ctx); rerr != nil {
			log.Warn().Err(rerr).Msg("reconciliation run failed")
		}
	})
	if err != nil {
		return nil, fmt.Errorf("schedule reconciliation: %w", err)
	}
	c.Start()
	return &Scheduler{cron: c, log: log}, nil
}

// Stop halts the schedule and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}
