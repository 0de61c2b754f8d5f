package worker

import (
	"context"
	"fmt"
	"time"

	"coldreach/services"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

const claimReleaseSchedule = "@every 1m"

// DispatchWorker runs the send sweep on a cron schedule and returns abandoned claims to the queue
type DispatchWorker struct {
	dispatcher  *services.Dispatcher
	enrollments *services.EnrollmentService
	schedule    string
	staleAfter  time.Duration
	logger      *logrus.Entry
}

func NewDispatchWorker(dispatcher *services.Dispatcher, enrollments *services.EnrollmentService, schedule string, staleAfter time.Duration, logger *logrus.Entry) *DispatchWorker {
	return &DispatchWorker{
		dispatcher:  dispatcher,
		enrollments: enrollments,
		schedule:    schedule,
		staleAfter:  staleAfter,
		logger:      logger,
	}
}

// Start registers the jobs and blocks until ctx is done. Running jobs finish before it returns.
func (w *DispatchWorker) Start(ctx context.Context) error {
	cronLog := cron.PrintfLogger(w.logger)
	c := cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cronLog),
		cron.Recover(cronLog),
	))

	if _, err := c.AddFunc(w.schedule, func() { w.sweep(ctx) }); err != nil {
		return fmt.Errorf("invalid dispatch schedule '%s': %w", w.schedule, err)
	}
	if _, err := c.AddFunc(claimReleaseSchedule, w.releaseStale); err != nil {
		return fmt.Errorf("failed to schedule claim release: %w", err)
	}

	w.logger.WithField("schedule", w.schedule).Info("Starting dispatch worker")
	c.Start()

	<-ctx.Done()
	w.logger.Info("Stopping dispatch worker")
	<-c.Stop().Done()
	return nil
}

func (w *DispatchWorker) sweep(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	result, err := w.dispatcher.Sweep(ctx, services.SweepOptions{Trigger: services.TriggerSchedule})
	if err != nil {
		w.logger.WithError(err).Error("Scheduled dispatch failed")
		return
	}
	if result.EmailsSent > 0 || result.Failed > 0 {
		w.logger.WithFields(logrus.Fields{
			"sent":      result.EmailsSent,
			"campaigns": result.CampaignsProcessed,
			"deferred":  result.Deferred,
			"failed":    result.Failed,
		}).Info("Scheduled dispatch finished")
	}
}

func (w *DispatchWorker) releaseStale() {
	if _, err := w.enrollments.ReleaseStaleClaims(w.staleAfter); err != nil {
		w.logger.WithError(err).Error("Failed to release stale claims")
	}
}
