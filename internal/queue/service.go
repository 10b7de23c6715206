package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/cerebrum/internal/common"
	"github.com/ternarybob/cerebrum/internal/interfaces"
	"github.com/ternarybob/cerebrum/internal/kernelerr"
	"github.com/ternarybob/cerebrum/internal/models"
	"github.com/ternarybob/cerebrum/internal/queue/state"
	"github.com/ternarybob/cerebrum/internal/schema"
)

const (
	defaultPollInterval = 250 * time.Millisecond
	defaultBackoffBase  = time.Second
	defaultBackoffCap   = 5 * time.Minute
	defaultMaxAttempts  = 3
)

// Service implements the JobQueue interface: durable prioritized jobs
// with bounded retries, cooperative cancellation, batches, and
// progress events. Handlers register before Start; the set is fixed
// while workers run.
type Service struct {
	storage interfaces.JobStorage
	batches interfaces.BatchStorage
	bus     interfaces.MessageBus
	monitor *state.Monitor
	logger  arbor.ILogger
	ident   common.Identifier

	concurrency  int
	pollInterval time.Duration
	backoffBase  time.Duration
	backoffCap   time.Duration
	maxAttempts  int

	handlerMu sync.RWMutex
	handlers  map[string]interfaces.JobHandler

	cancelMu  sync.Mutex
	cancelled map[string]struct{}

	runMu   sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewService creates the job queue service
func NewService(
	config *common.QueueConfig,
	storage interfaces.JobStorage,
	batches interfaces.BatchStorage,
	logs interfaces.JobLogStorage,
	busService interfaces.MessageBus,
	logger arbor.ILogger,
) *Service {
	concurrency := config.Concurrency
	if concurrency <= 0 {
		concurrency = runtime.NumCPU()
	}
	maxAttempts := config.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}

	return &Service{
		storage:      storage,
		batches:      batches,
		bus:          busService,
		monitor:      state.NewMonitor(busService, storage, logs, logger),
		logger:       logger,
		ident:        common.NewIdentifier(),
		concurrency:  concurrency,
		pollInterval: common.ParseDuration(config.PollInterval, defaultPollInterval),
		backoffBase:  common.ParseDuration(config.BackoffBase, defaultBackoffBase),
		backoffCap:   common.ParseDuration(config.BackoffCap, defaultBackoffCap),
		maxAttempts:  maxAttempts,
		handlers:     make(map[string]interfaces.JobHandler),
		cancelled:    make(map[string]struct{}),
	}
}

// RegisterHandler registers the processor for one job type.
func (s *Service) RegisterHandler(jobType string, handler interfaces.JobHandler) error {
	if jobType == "" {
		return kernelerr.Validation("job type is required", nil)
	}
	if handler.Process == nil {
		return kernelerr.Validation(fmt.Sprintf("handler for %q has no process function", jobType), nil)
	}
	if len(handler.Schema) > 0 {
		// Fail registration on a bad schema rather than every enqueue
		if _, err := schema.Compile(handler.Schema); err != nil {
			return err
		}
	}

	s.handlerMu.Lock()
	defer s.handlerMu.Unlock()
	if _, exists := s.handlers[jobType]; exists {
		return kernelerr.Conflict(fmt.Sprintf("handler already registered for job type %q", jobType), nil)
	}
	s.handlers[jobType] = handler

	s.logger.Debug().Str("job_type", jobType).Msg("Job handler registered")
	return nil
}

func (s *Service) handler(jobType string) (interfaces.JobHandler, bool) {
	s.handlerMu.RLock()
	defer s.handlerMu.RUnlock()
	handler, ok := s.handlers[jobType]
	return handler, ok
}

// Enqueue validates, persists, and schedules one job.
func (s *Service) Enqueue(ctx context.Context, jobType string, data interface{}, opts *models.EnqueueOptions) (string, error) {
	job, err := s.buildJob(jobType, data, opts)
	if err != nil {
		return "", err
	}
	if err := s.storage.SaveJob(ctx, job); err != nil {
		return "", err
	}

	s.logger.Debug().
		Str("job_id", job.ID).
		Str("job_type", jobType).
		Int("priority", job.Priority).
		Msg("Job enqueued")
	return job.ID, nil
}

// EnqueueBatch persists a batch and its member jobs. Members share the
// batch ID; batch-progress events fire as members finish.
func (s *Service) EnqueueBatch(ctx context.Context, specs []interfaces.BatchJobSpec) (string, error) {
	if len(specs) == 0 {
		return "", kernelerr.Validation("batch requires at least one job", nil)
	}

	batchID := common.NewBatchID(s.ident)
	jobs := make([]*models.Job, 0, len(specs))
	for i, spec := range specs {
		opts := spec.Opts
		if opts == nil {
			opts = &models.EnqueueOptions{}
		}
		opts.BatchID = batchID
		job, err := s.buildJob(spec.Type, spec.Data, opts)
		if err != nil {
			return "", fmt.Errorf("batch member %d: %w", i, err)
		}
		jobs = append(jobs, job)
	}

	batch := &models.Batch{ID: batchID, CreatedAt: time.Now()}
	for _, job := range jobs {
		batch.JobIDs = append(batch.JobIDs, job.ID)
	}
	if err := s.batches.SaveBatch(ctx, batch); err != nil {
		return "", err
	}
	for _, job := range jobs {
		if err := s.storage.SaveJob(ctx, job); err != nil {
			return "", err
		}
	}

	s.logger.Info().
		Str("batch_id", batchID).
		Int("jobs", len(jobs)).
		Msg("Batch enqueued")
	return batchID, nil
}

// buildJob assembles a validated pending job. Children inherit the
// parent's root so ownership lookup stays O(1) at any chain depth.
func (s *Service) buildJob(jobType string, data interface{}, opts *models.EnqueueOptions) (*models.Job, error) {
	handler, ok := s.handler(jobType)
	if !ok {
		return nil, kernelerr.NotFound(fmt.Sprintf("no handler registered for job type %q", jobType), nil)
	}

	encoded, err := json.Marshal(data)
	if err != nil {
		return nil, kernelerr.Validation("job data is not serializable", err)
	}
	if len(handler.Schema) > 0 {
		var decoded interface{}
		if err := json.Unmarshal(encoded, &decoded); err != nil {
			return nil, kernelerr.Validation("job data is not valid JSON", err)
		}
		if err := schema.Validate(handler.Schema, decoded); err != nil {
			return nil, err
		}
	}

	if opts == nil {
		opts = &models.EnqueueOptions{}
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = s.maxAttempts
	}

	job := &models.Job{
		ID:          common.NewJobID(s.ident),
		Type:        jobType,
		Data:        encoded,
		Status:      models.JobStatusPending,
		MaxAttempts: maxAttempts,
		Priority:    opts.Priority,
		BatchID:     opts.BatchID,
		Metadata:    opts.Metadata,
		CreatedAt:   time.Now(),
	}

	if opts.ParentJob != nil {
		job.RootJobID = opts.ParentJob.RootJobID
		// Attribution flows down unless the child overrides it
		if job.Metadata.InterfaceID == "" {
			job.Metadata.InterfaceID = opts.ParentJob.Metadata.InterfaceID
		}
		if job.Metadata.UserID == "" {
			job.Metadata.UserID = opts.ParentJob.Metadata.UserID
		}
	} else {
		job.RootJobID = job.ID
	}
	job.Metadata.RootJobID = job.RootJobID

	return job, nil
}

func (s *Service) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	return s.storage.GetJob(ctx, jobID)
}

func (s *Service) ListActiveJobs(ctx context.Context, filter *models.JobFilter) ([]*models.Job, error) {
	jobs, err := s.storage.ListJobs(ctx, filter)
	if err != nil {
		return nil, err
	}
	if filter != nil && filter.Status != "" {
		return jobs, nil
	}
	active := make([]*models.Job, 0, len(jobs))
	for _, job := range jobs {
		if !job.IsTerminal() {
			active = append(active, job)
		}
	}
	return active, nil
}

// CancelJob cancels a pending job immediately. Running jobs get their
// cancel flag set and must observe it through the reporter.
func (s *Service) CancelJob(ctx context.Context, jobID string) error {
	job, err := s.storage.GetJob(ctx, jobID)
	if err != nil {
		return err
	}

	switch job.Status {
	case models.JobStatusPending:
		job.MarkCancelled(time.Now())
		if err := s.storage.UpdateJob(ctx, job); err != nil {
			return err
		}
		s.monitor.Finish(job)
		s.notifyBatch(ctx, job)
		return nil
	case models.JobStatusRunning:
		s.cancelMu.Lock()
		s.cancelled[jobID] = struct{}{}
		s.cancelMu.Unlock()
		s.logger.Info().Str("job_id", jobID).Msg("Cancellation requested for running job")
		return nil
	default:
		// Terminal jobs are already settled
		return nil
	}
}

func (s *Service) isCancelled(jobID string) bool {
	s.cancelMu.Lock()
	defer s.cancelMu.Unlock()
	_, ok := s.cancelled[jobID]
	return ok
}

func (s *Service) clearCancelled(jobID string) {
	s.cancelMu.Lock()
	defer s.cancelMu.Unlock()
	delete(s.cancelled, jobID)
}

func (s *Service) Stats(ctx context.Context) (*models.QueueStats, error) {
	return s.storage.Stats(ctx)
}

// Start recovers orphaned jobs and launches the worker pool.
func (s *Service) Start() error {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.running {
		return kernelerr.Conflict("queue already started", nil)
	}

	reset, err := s.storage.ResetRunningJobs(context.Background())
	if err != nil {
		return fmt.Errorf("crash recovery failed: %w", err)
	}
	if reset > 0 {
		s.logger.Warn().Int("jobs", reset).Msg("Recovered jobs left running by a previous process")
	}

	s.stopCh = make(chan struct{})
	s.monitor.Start()
	for i := 0; i < s.concurrency; i++ {
		s.wg.Add(1)
		go s.workerLoop(i)
	}
	s.running = true

	s.logger.Info().
		Int("workers", s.concurrency).
		Dur("poll_interval", s.pollInterval).
		Msg("Job queue started")
	return nil
}

// Stop halts workers and waits for in-flight jobs to settle.
func (s *Service) Stop() error {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if !s.running {
		return nil
	}

	close(s.stopCh)
	s.wg.Wait()
	s.monitor.Stop()
	s.running = false

	s.logger.Info().Msg("Job queue stopped")
	return nil
}
