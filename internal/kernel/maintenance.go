package kernel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/cerebrum/internal/common"
	"github.com/ternarybob/cerebrum/internal/interfaces"
	"github.com/ternarybob/cerebrum/internal/models"
)

const (
	// MaintenanceDaemonID is the built-in maintenance daemon's registry
	// ID.
	MaintenanceDaemonID = "kernel-maintenance"

	defaultRetentionKeepFor  = 168 * time.Hour
	defaultRetentionMaxKept  = 10000
	defaultRetentionSchedule = "*/5 * * * *"
	defaultStaleFor          = 15 * time.Minute
)

// maintenanceDaemon sweeps the job queue on a cron schedule: terminal
// jobs past retention are deleted and running jobs whose heartbeat went
// quiet are failed.
type maintenanceDaemon struct {
	jobs   interfaces.JobStorage
	logger arbor.ILogger

	keepFor  time.Duration
	maxKept  int
	schedule string
	staleFor time.Duration

	mu        sync.Mutex
	cron      *cron.Cron
	lastSweep time.Time
	lastErr   error
}

func newMaintenanceDaemon(config *common.RetentionConfig, jobs interfaces.JobStorage, logger arbor.ILogger) *maintenanceDaemon {
	maxKept := config.MaxKept
	if maxKept <= 0 {
		maxKept = defaultRetentionMaxKept
	}
	schedule := config.Schedule
	if schedule == "" {
		schedule = defaultRetentionSchedule
	}
	return &maintenanceDaemon{
		jobs:     jobs,
		logger:   logger,
		keepFor:  common.ParseDuration(config.KeepFor, defaultRetentionKeepFor),
		maxKept:  maxKept,
		schedule: schedule,
		staleFor: common.ParseDuration(config.StaleFor, defaultStaleFor),
	}
}

func (d *maintenanceDaemon) Start(ctx context.Context) error {
	scheduler := cron.New()
	if _, err := scheduler.AddFunc(d.schedule, d.sweep); err != nil {
		return fmt.Errorf("invalid maintenance schedule %q: %w", d.schedule, err)
	}
	scheduler.Start()

	d.mu.Lock()
	d.cron = scheduler
	d.mu.Unlock()

	d.logger.Info().
		Str("schedule", d.schedule).
		Dur("keep_for", d.keepFor).
		Int("max_kept", d.maxKept).
		Msg("Maintenance daemon started")
	return nil
}

func (d *maintenanceDaemon) Stop(ctx context.Context) error {
	d.mu.Lock()
	scheduler := d.cron
	d.cron = nil
	d.mu.Unlock()
	if scheduler == nil {
		return nil
	}

	select {
	case <-scheduler.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *maintenanceDaemon) HealthCheck(ctx context.Context) interfaces.Health {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.lastErr != nil {
		return interfaces.Health{
			Status:  interfaces.HealthWarning,
			Message: fmt.Sprintf("last sweep failed: %v", d.lastErr),
		}
	}
	if d.lastSweep.IsZero() {
		return interfaces.Health{Status: interfaces.HealthHealthy, Message: "no sweep yet"}
	}
	return interfaces.Health{
		Status:  interfaces.HealthHealthy,
		Message: fmt.Sprintf("last sweep %s", d.lastSweep.Format(time.RFC3339)),
	}
}

// sweep runs one retention pass followed by the stale-job check.
func (d *maintenanceDaemon) sweep() {
	ctx := context.Background()
	var firstErr error

	cutoff := time.Now().Add(-d.keepFor)
	deleted, err := d.jobs.DeleteTerminalJobsBefore(ctx, cutoff.Unix(), d.maxKept)
	if err != nil {
		firstErr = err
		d.logger.Error().Err(err).Msg("Retention sweep failed")
	} else if deleted > 0 {
		d.logger.Info().Int("deleted", deleted).Msg("Retention sweep removed terminal jobs")
	}

	if err := d.failStaleJobs(ctx); err != nil && firstErr == nil {
		firstErr = err
	}

	d.mu.Lock()
	d.lastSweep = time.Now()
	d.lastErr = firstErr
	d.mu.Unlock()
}

// failStaleJobs fails running jobs whose heartbeat has been quiet
// longer than the stale window. A worker crash mid-job leaves exactly
// this state behind.
func (d *maintenanceDaemon) failStaleJobs(ctx context.Context) error {
	staleMinutes := int(d.staleFor.Minutes())
	if staleMinutes < 1 {
		staleMinutes = 1
	}
	stale, err := d.jobs.StaleRunningJobs(ctx, staleMinutes)
	if err != nil {
		d.logger.Error().Err(err).Msg("Stale job scan failed")
		return err
	}

	for _, job := range stale {
		job.MarkFailed(time.Now(), &models.JobError{
			Message: fmt.Sprintf("no heartbeat for %s", d.staleFor),
			Kind:    "timeout",
		})
		if err := d.jobs.UpdateJob(ctx, job); err != nil {
			d.logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to fail stale job")
			continue
		}
		d.logger.Warn().
			Str("job_id", job.ID).
			Str("job_type", job.Type).
			Msg("Stale running job failed")
	}
	return nil
}
