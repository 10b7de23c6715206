package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ternarybob/cerebrum/internal/interfaces"
	"github.com/ternarybob/cerebrum/internal/kernelerr"
	"github.com/ternarybob/cerebrum/internal/models"
)

// workerLoop polls for ready jobs until Stop. Claims are atomic at the
// storage layer, so concurrent workers never double-process.
func (s *Service) workerLoop(workerID int) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			// Drain all ready jobs before sleeping again
			for {
				job, err := s.storage.ClaimNextJob(context.Background())
				if err == models.ErrNoJob {
					break
				}
				if err != nil {
					s.logger.Error().Err(err).Int("worker", workerID).Msg("Claim failed")
					break
				}
				s.processJob(workerID, job)

				select {
				case <-s.stopCh:
					return
				default:
				}
			}
		}
	}
}

// processJob runs one claimed job to a terminal state or a retry.
func (s *Service) processJob(workerID int, job *models.Job) {
	logger := s.logger.WithCorrelationId(job.ID)
	logger.Info().
		Str("job_type", job.Type).
		Int("attempt", job.Attempts).
		Int("worker", workerID).
		Msg("Processing job")

	handler, ok := s.handler(job.Type)
	if !ok {
		// Handler set changed across a restart; the job cannot run
		s.settleFailure(job, &models.JobError{
			Message: fmt.Sprintf("no handler registered for job type %q", job.Type),
			Kind:    string(kernelerr.KindHandler),
		}, false)
		return
	}

	reporter := s.monitor.Track(job, func() bool { return s.isCancelled(job.ID) })
	result, err := s.invokeHandler(handler, job, reporter)

	switch {
	case err == nil:
		s.settleSuccess(job, result)
	case kernelerr.IsKind(err, kernelerr.KindCancelled):
		s.settleCancelled(job)
	default:
		kind := kernelerr.KindOf(err)
		if kind == "" {
			kind = kernelerr.KindHandler
		}
		jobErr := &models.JobError{
			Message: err.Error(),
			Kind:    string(kind),
		}
		if structured := kernelerr.From(err); structured != nil {
			jobErr.Context = structured.Context
		}
		s.settleFailure(job, jobErr, job.Attempts < job.MaxAttempts)
	}

	s.clearCancelled(job.ID)
}

// invokeHandler calls the handler with panic recovery. A panicking
// handler fails its job instead of killing the worker.
func (s *Service) invokeHandler(handler interfaces.JobHandler, job *models.Job, reporter interfaces.ProgressReporter) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().
				Str("job_id", job.ID).
				Str("panic", fmt.Sprintf("%v", r)).
				Msg("Job handler panicked")
			err = kernelerr.Handler(fmt.Sprintf("handler panicked: %v", r), nil)
		}
	}()
	return handler.Process(context.Background(), job.Data, job.ID, reporter)
}

func (s *Service) settleSuccess(job *models.Job, result interface{}) {
	var encoded json.RawMessage
	if result != nil {
		if data, err := json.Marshal(result); err == nil {
			encoded = data
		}
	}
	job.MarkSucceeded(time.Now(), encoded)
	s.persistTerminal(job)
}

func (s *Service) settleCancelled(job *models.Job) {
	job.MarkCancelled(time.Now())
	s.persistTerminal(job)
}

// settleFailure retries with exponential backoff while attempts remain,
// otherwise fails the job for good.
func (s *Service) settleFailure(job *models.Job, jobErr *models.JobError, retry bool) {
	if retry {
		backoff := s.backoffFor(job.Attempts)
		job.Error = jobErr
		job.RequeueForRetry(time.Now().Add(backoff))
		if err := s.storage.UpdateJob(context.Background(), job); err != nil {
			s.logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to requeue job")
		}
		s.logger.Warn().
			Str("job_id", job.ID).
			Int("attempt", job.Attempts).
			Int("max_attempts", job.MaxAttempts).
			Dur("backoff", backoff).
			Str("error", jobErr.Message).
			Msg("Job attempt failed, retrying")
		return
	}

	job.MarkFailed(time.Now(), jobErr)
	s.persistTerminal(job)
	s.logger.Error().
		Str("job_id", job.ID).
		Str("error", jobErr.Message).
		Msg("Job failed permanently")
}

// backoffFor doubles from the base per completed attempt, capped.
func (s *Service) backoffFor(attempts int) time.Duration {
	backoff := s.backoffBase
	for i := 1; i < attempts; i++ {
		backoff *= 2
		if backoff >= s.backoffCap {
			return s.backoffCap
		}
	}
	if backoff > s.backoffCap {
		return s.backoffCap
	}
	return backoff
}

// persistTerminal writes a terminal transition and emits the follow-on
// events.
func (s *Service) persistTerminal(job *models.Job) {
	ctx := context.Background()
	if err := s.storage.UpdateJob(ctx, job); err != nil {
		s.logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to persist terminal job state")
		return
	}
	s.monitor.Finish(job)
	s.notifyBatch(ctx, job)
}

// notifyBatch emits batch-progress for a finished member and the batch
// completion exactly once.
func (s *Service) notifyBatch(ctx context.Context, job *models.Job) {
	if job.BatchID == "" {
		return
	}

	progress, err := s.batches.BatchProgress(ctx, job.BatchID)
	if err != nil {
		s.logger.Warn().Err(err).Str("batch_id", job.BatchID).Msg("Failed to derive batch progress")
		return
	}

	s.bus.Send(ctx, &models.Message{
		Type:      models.TopicBatchProgress,
		Source:    "queue",
		Target:    job.Metadata.InterfaceID,
		Broadcast: true,
		Payload:   progress,
	})

	if !progress.Terminal() {
		return
	}
	already, err := s.batches.MarkCompletionEmitted(ctx, job.BatchID)
	if err != nil {
		s.logger.Warn().Err(err).Str("batch_id", job.BatchID).Msg("Failed to mark batch completion")
		return
	}
	if already {
		return
	}
	s.logger.Info().
		Str("batch_id", job.BatchID).
		Int("completed", progress.Completed).
		Int("failed", progress.Failed).
		Int("cancelled", progress.Cancelled).
		Msg("Batch finished")
}
