package badger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/ternarybob/cerebrum/internal/interfaces"
	"github.com/ternarybob/cerebrum/internal/kernelerr"
	"github.com/ternarybob/cerebrum/internal/models"
)

// BatchStorage implements the BatchStorage interface for Badger. Batch
// progress is derived from member job states rather than kept as a
// counter, so it survives crashes without reconciliation.
type BatchStorage struct {
	db     *BadgerDB
	jobs   interfaces.JobStorage
	logger arbor.ILogger

	// emitMu serializes the completion-emitted check-and-set.
	emitMu sync.Mutex
}

// NewBatchStorage creates a new BatchStorage instance
func NewBatchStorage(db *BadgerDB, jobs interfaces.JobStorage, logger arbor.ILogger) interfaces.BatchStorage {
	return &BatchStorage{
		db:     db,
		jobs:   jobs,
		logger: logger,
	}
}

func (s *BatchStorage) SaveBatch(ctx context.Context, batch *models.Batch) error {
	if batch.ID == "" {
		return kernelerr.Validation("batch ID is required", nil)
	}
	if batch.CreatedAt.IsZero() {
		batch.CreatedAt = time.Now()
	}
	if err := s.db.Store().Upsert(batch.ID, batch); err != nil {
		return fmt.Errorf("failed to save batch: %w", err)
	}
	return nil
}

func (s *BatchStorage) GetBatch(ctx context.Context, batchID string) (*models.Batch, error) {
	var batch models.Batch
	if err := s.db.Store().Get(batchID, &batch); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, kernelerr.NotFound(fmt.Sprintf("batch not found: %s", batchID), nil)
		}
		return nil, fmt.Errorf("failed to get batch: %w", err)
	}
	return &batch, nil
}

func (s *BatchStorage) BatchProgress(ctx context.Context, batchID string) (*models.BatchProgress, error) {
	batch, err := s.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}

	progress := &models.BatchProgress{
		BatchID: batchID,
		Total:   len(batch.JobIDs),
	}
	for _, jobID := range batch.JobIDs {
		job, err := s.jobs.GetJob(ctx, jobID)
		if err != nil {
			if kernelerr.IsKind(err, kernelerr.KindNotFound) {
				// Retention swept the member after it finished.
				progress.Completed++
				continue
			}
			return nil, err
		}
		switch job.Status {
		case models.JobStatusSucceeded:
			progress.Completed++
		case models.JobStatusFailed:
			progress.Failed++
		case models.JobStatusCancelled:
			progress.Cancelled++
		}
	}
	return progress, nil
}

func (s *BatchStorage) MarkCompletionEmitted(ctx context.Context, batchID string) (bool, error) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	batch, err := s.GetBatch(ctx, batchID)
	if err != nil {
		return false, err
	}
	if batch.CompletionEmitted {
		return true, nil
	}
	batch.CompletionEmitted = true
	if err := s.db.Store().Upsert(batch.ID, batch); err != nil {
		return false, fmt.Errorf("failed to mark batch completion: %w", err)
	}
	return false, nil
}
