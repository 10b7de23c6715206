// Package state tracks in-flight job progress: smoothed rate and ETA
// estimation, emission throttling, and heartbeat persistence.
package state

import (
	"context"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"golang.org/x/time/rate"

	"github.com/ternarybob/cerebrum/internal/interfaces"
	"github.com/ternarybob/cerebrum/internal/models"
)

const (
	// flushInterval drives heartbeat persistence and emission of the
	// last coalesced update.
	flushInterval = 500 * time.Millisecond
	// maxEventsPerSecond caps job-progress emission per job.
	maxEventsPerSecond = 10
	// emaWeight is the smoothing factor for the rate estimate.
	emaWeight = 0.3
)

// jobProgress is the tracked state of one running job.
type jobProgress struct {
	job       *models.Job
	current   int
	total     int
	message   string
	operation string

	emaRate    float64
	lastSample time.Time
	lastValue  int

	limiter *rate.Limiter
	// pendingEmit marks a throttled update the flush loop must still
	// publish; pendingBeat marks a heartbeat write.
	pendingEmit bool
	pendingBeat bool
}

// Monitor owns progress for all running jobs. Reports are coalesced to
// at most ten events per second per job; the flush loop persists
// heartbeats and publishes the last suppressed update so subscribers
// always converge on the latest state.
type Monitor struct {
	bus    interfaces.MessageBus
	jobs   interfaces.JobStorage
	logs   interfaces.JobLogStorage
	logger arbor.ILogger

	mu      sync.Mutex
	tracked map[string]*jobProgress

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewMonitor creates a progress monitor
func NewMonitor(busService interfaces.MessageBus, jobs interfaces.JobStorage, logs interfaces.JobLogStorage, logger arbor.ILogger) *Monitor {
	return &Monitor{
		bus:     busService,
		jobs:    jobs,
		logs:    logs,
		logger:  logger,
		tracked: make(map[string]*jobProgress),
		stop:    make(chan struct{}),
	}
}

// Start launches the flush loop
func (m *Monitor) Start() {
	m.wg.Add(1)
	go m.flushLoop()
}

// Stop halts the flush loop
func (m *Monitor) Stop() {
	close(m.stop)
	m.wg.Wait()
}

// Track begins monitoring a claimed job and returns its reporter.
func (m *Monitor) Track(job *models.Job, cancelled func() bool) interfaces.ProgressReporter {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.tracked[job.ID] = &jobProgress{
		job:        job,
		lastSample: time.Now(),
		limiter:    rate.NewLimiter(rate.Limit(maxEventsPerSecond), 1),
	}
	return &reporter{monitor: m, jobID: job.ID, cancelled: cancelled}
}

// Finish emits the terminal event for a job and stops tracking it. The
// terminal event bypasses throttling.
func (m *Monitor) Finish(job *models.Job) {
	m.mu.Lock()
	progress, ok := m.tracked[job.ID]
	if ok {
		delete(m.tracked, job.ID)
	}
	m.mu.Unlock()

	event := &models.JobProgressEvent{
		JobID:     job.ID,
		RootJobID: job.RootJobID,
		JobType:   job.Type,
		Status:    job.Status,
		Metadata:  job.Metadata,
	}
	if ok {
		event.Current = progress.current
		event.Total = progress.total
		event.Message = progress.message
		event.Operation = progress.operation
		event.Percentage = percentage(progress.current, progress.total)
	}
	m.emit(job, event)
}

// report applies one progress update. Current values are monotone;
// regressions are ignored.
func (m *Monitor) report(jobID string, current, total int, message, operation string) {
	m.mu.Lock()
	progress, ok := m.tracked[jobID]
	if !ok {
		m.mu.Unlock()
		return
	}
	if current < progress.current {
		m.mu.Unlock()
		return
	}

	now := time.Now()
	if elapsed := now.Sub(progress.lastSample).Seconds(); elapsed > 0 && current > progress.lastValue {
		sample := float64(current-progress.lastValue) / elapsed
		if progress.emaRate == 0 {
			progress.emaRate = sample
		} else {
			progress.emaRate = emaWeight*sample + (1-emaWeight)*progress.emaRate
		}
		progress.lastSample = now
		progress.lastValue = current
	}

	progress.current = current
	progress.total = total
	progress.message = message
	progress.operation = operation
	progress.pendingBeat = true

	allow := progress.limiter.Allow()
	if !allow {
		progress.pendingEmit = true
		m.mu.Unlock()
		return
	}
	progress.pendingEmit = false
	event := progress.snapshot()
	job := progress.job
	m.mu.Unlock()

	m.emit(job, event)
}

// appendLog persists one job log line.
func (m *Monitor) appendLog(jobID, level, message string) {
	entry := models.JobLogEntry{
		JobID:     jobID,
		Timestamp: time.Now(),
		Level:     level,
		Message:   message,
	}
	if err := m.logs.AppendLog(context.Background(), entry); err != nil {
		m.logger.Warn().Err(err).Str("job_id", jobID).Msg("Failed to persist job log")
	}
}

func (p *jobProgress) snapshot() *models.JobProgressEvent {
	event := &models.JobProgressEvent{
		JobID:      p.job.ID,
		RootJobID:  p.job.RootJobID,
		JobType:    p.job.Type,
		Status:     models.JobStatusRunning,
		Current:    p.current,
		Total:      p.total,
		Message:    p.message,
		Operation:  p.operation,
		Percentage: percentage(p.current, p.total),
		Rate:       p.emaRate,
		Metadata:   p.job.Metadata,
	}
	if p.emaRate > 0 && p.total > p.current {
		event.ETASeconds = float64(p.total-p.current) / p.emaRate
	}
	return event
}

func percentage(current, total int) float64 {
	if total <= 0 {
		return 0
	}
	return 100 * float64(current) / float64(total)
}

// emit publishes a job-progress event targeted at the owning interface.
func (m *Monitor) emit(job *models.Job, event *models.JobProgressEvent) {
	msg := &models.Message{
		Type:      models.TopicJobProgress,
		Source:    "queue",
		Target:    job.Metadata.InterfaceID,
		Broadcast: true,
		Payload:   event,
	}
	m.bus.Send(context.Background(), msg)
}

// flushLoop persists heartbeats and publishes suppressed updates.
func (m *Monitor) flushLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.flush()
		}
	}
}

func (m *Monitor) flush() {
	type emission struct {
		job   *models.Job
		event *models.JobProgressEvent
	}
	var beats []string
	var emissions []emission

	m.mu.Lock()
	for jobID, progress := range m.tracked {
		if progress.pendingBeat {
			progress.pendingBeat = false
			beats = append(beats, jobID)
		}
		if progress.pendingEmit && progress.limiter.Allow() {
			progress.pendingEmit = false
			emissions = append(emissions, emission{job: progress.job, event: progress.snapshot()})
		}
	}
	m.mu.Unlock()

	ctx := context.Background()
	for _, jobID := range beats {
		if err := m.jobs.Heartbeat(ctx, jobID); err != nil {
			m.logger.Warn().Err(err).Str("job_id", jobID).Msg("Heartbeat write failed")
		}
	}
	for _, e := range emissions {
		m.emit(e.job, e.event)
	}
}

// reporter is the per-invocation handle handed to handlers.
type reporter struct {
	monitor   *Monitor
	jobID     string
	cancelled func() bool
}

func (r *reporter) ReportProgress(current, total int, message, operation string) {
	r.monitor.report(r.jobID, current, total, message, operation)
}

func (r *reporter) IsCancelled() bool {
	if r.cancelled == nil {
		return false
	}
	return r.cancelled()
}

func (r *reporter) Log(level, message string) {
	r.monitor.appendLog(r.jobID, level, message)
}
