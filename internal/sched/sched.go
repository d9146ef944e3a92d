// Package sched drives the periodic fleet batches. It is a thin layer over
// robfig/cron: intervals come from configuration, re-entrancy is enforced by
// the fleet service's own guards, and a manual run-now shares those guards so
// the scheduler and the API can never double-run a batch.
package sched

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/updeck/updeck/internal/fleet"
)

// Scheduler owns the cron runner. Zero-value intervals disable the
// corresponding job.
type Scheduler struct {
	Fleet *fleet.Service

	CheckEvery   time.Duration
	AnalyzeEvery time.Duration

	cron *cron.Cron
}

func New(svc *fleet.Service, checkEvery, analyzeEvery time.Duration) *Scheduler {
	return &Scheduler{
		Fleet:        svc,
		CheckEvery:   checkEvery,
		AnalyzeEvery: analyzeEvery,
		cron:         cron.New(),
	}
}

// Start registers the enabled jobs and launches the cron loop.
func (s *Scheduler) Start() error {
	if s.CheckEvery > 0 {
		if err := s.add(s.CheckEvery, "check_updates", s.Fleet.CheckAllHosts); err != nil {
			return err
		}
	}
	if s.AnalyzeEvery > 0 {
		if err := s.add(s.AnalyzeEvery, "analyze", s.Fleet.AnalyzeAllHosts); err != nil {
			return err
		}
	}
	s.cron.Start()
	slog.Info("scheduler started", "checkEvery", s.CheckEvery, "analyzeEvery", s.AnalyzeEvery)
	return nil
}

func (s *Scheduler) add(every time.Duration, kind string, run func(context.Context) (*fleet.BatchReport, error)) error {
	spec := fmt.Sprintf("@every %s", every)
	_, err := s.cron.AddFunc(spec, func() {
		if _, err := run(context.Background()); err != nil {
			if errors.Is(err, fleet.ErrBusy) {
				// The previous sweep is still going; this tick is dropped,
				// not queued.
				slog.Warn("scheduled run skipped, previous still running", "kind", kind)
				return
			}
			slog.Error("scheduled run failed", "kind", kind, "err", err)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule %s: %w", kind, err)
	}
	return nil
}

// Stop halts the cron loop and waits for in-flight jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	slog.Info("scheduler stopped")
}

// RunCheckNow triggers an update check outside the schedule. It shares the
// fleet guard: a run already in progress yields fleet.ErrBusy.
func (s *Scheduler) RunCheckNow(ctx context.Context) (*fleet.BatchReport, error) {
	return s.Fleet.CheckAllHosts(ctx)
}

// RunAnalyzeNow triggers an analysis sweep outside the schedule.
func (s *Scheduler) RunAnalyzeNow(ctx context.Context) (*fleet.BatchReport, error) {
	return s.Fleet.AnalyzeAllHosts(ctx)
}
