package badger

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/cerebrum/internal/interfaces"
	"github.com/ternarybob/cerebrum/internal/kernelerr"
	"github.com/ternarybob/cerebrum/internal/models"
)

const (
	jobKeyPrefix   = "job:"
	jobIndexPrefix = "jobidx:"
)

// JobStorage implements the JobStorage interface on raw Badger
// transactions. Jobs are stored as JSON at job:{id}; pending jobs also
// carry a ready-index key whose byte order encodes the claim order
// (priority descending, then created ascending). Claiming deletes the
// index entry and persists the running transition in one transaction,
// so at most one worker ever holds a job.
type JobStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewJobStorage creates a new JobStorage instance
func NewJobStorage(db *BadgerDB, logger arbor.ILogger) interfaces.JobStorage {
	return &JobStorage{
		db:     db,
		logger: logger,
	}
}

func jobKey(id string) []byte {
	return []byte(jobKeyPrefix + id)
}

// jobIndexKey builds the ready-index key for a pending job. Priority is
// inverted and offset so higher priorities, including negative ones,
// sort first under ascending iteration; NotBefore and CreatedAt are
// zero-padded nanosecond timestamps.
func jobIndexKey(job *models.Job) []byte {
	priority := job.Priority
	if priority < -999 {
		priority = -999
	}
	if priority > 999 {
		priority = 999
	}
	notBefore := int64(0)
	if !job.NotBefore.IsZero() {
		notBefore = job.NotBefore.UnixNano()
	}
	return []byte(fmt.Sprintf("%s%04d:%020d:%020d:%s",
		jobIndexPrefix, 999-priority, notBefore, job.CreatedAt.UnixNano(), job.ID))
}

// parseIndexKey extracts the NotBefore timestamp and job ID from a
// ready-index key.
func parseIndexKey(key []byte) (notBefore time.Time, id string, err error) {
	rest := strings.TrimPrefix(string(key), jobIndexPrefix)
	parts := strings.SplitN(rest, ":", 4)
	if len(parts) != 4 {
		return time.Time{}, "", fmt.Errorf("malformed index key: %s", key)
	}
	nanos, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("malformed index timestamp: %w", err)
	}
	if nanos > 0 {
		notBefore = time.Unix(0, nanos)
	}
	return notBefore, parts[3], nil
}

func (s *JobStorage) SaveJob(ctx context.Context, job *models.Job) error {
	if err := job.Validate(); err != nil {
		return kernelerr.Validation("invalid job", err)
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	return s.db.Store().Badger().Update(func(txn *badgerdb.Txn) error {
		if err := txn.Set(jobKey(job.ID), data); err != nil {
			return err
		}
		if job.Status == models.JobStatusPending {
			return txn.Set(jobIndexKey(job), []byte{})
		}
		return nil
	})
}

func (s *JobStorage) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	var job models.Job
	err := s.db.Store().Badger().View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get(jobKey(jobID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &job)
		})
	})
	if err == badgerdb.ErrKeyNotFound {
		return nil, kernelerr.NotFound(fmt.Sprintf("job not found: %s", jobID), nil)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return &job, nil
}

// ClaimNextJob scans the ready index in key order, skips delayed
// entries, and claims the first ready job by deleting its index entry
// and persisting the running transition in the same transaction.
func (s *JobStorage) ClaimNextJob(ctx context.Context) (*models.Job, error) {
	var claimed *models.Job

	err := s.db.Store().Badger().Update(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(jobIndexPrefix)
		now := time.Now()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().KeyCopy(nil)

			notBefore, id, err := parseIndexKey(key)
			if err != nil {
				continue // Skip malformed keys
			}
			if notBefore.After(now) {
				// Later entries in this priority band are delayed further,
				// but a lower priority band may still hold ready jobs.
				continue
			}

			item, err := txn.Get(jobKey(id))
			if err != nil {
				if err == badgerdb.ErrKeyNotFound {
					// Index without a job is inconsistent state, clean it up
					if derr := txn.Delete(key); derr != nil {
						return derr
					}
					continue
				}
				return err
			}

			var job models.Job
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &job)
			}); err != nil {
				return err
			}

			if job.Status != models.JobStatusPending {
				// Stale index entry left by a concurrent transition
				if derr := txn.Delete(key); derr != nil {
					return derr
				}
				continue
			}

			job.MarkRunning(now)

			data, err := json.Marshal(&job)
			if err != nil {
				return err
			}
			if err := txn.Set(jobKey(job.ID), data); err != nil {
				return err
			}
			if err := txn.Delete(key); err != nil {
				return err
			}

			claimed = &job
			return nil
		}

		return models.ErrNoJob
	})

	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// UpdateJob persists a state change and keeps the ready index in sync
// with the previous persisted state.
func (s *JobStorage) UpdateJob(ctx context.Context, job *models.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	return s.db.Store().Badger().Update(func(txn *badgerdb.Txn) error {
		item, err := txn.Get(jobKey(job.ID))
		if err == nil {
			var previous models.Job
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &previous)
			}); err != nil {
				return err
			}
			if previous.Status == models.JobStatusPending {
				if err := txn.Delete(jobIndexKey(&previous)); err != nil && err != badgerdb.ErrKeyNotFound {
					return err
				}
			}
		} else if err != badgerdb.ErrKeyNotFound {
			return err
		}

		if err := txn.Set(jobKey(job.ID), data); err != nil {
			return err
		}
		if job.Status == models.JobStatusPending {
			return txn.Set(jobIndexKey(job), []byte{})
		}
		return nil
	})
}

func (s *JobStorage) ListJobs(ctx context.Context, filter *models.JobFilter) ([]*models.Job, error) {
	var jobs []*models.Job

	err := s.forEachJob(func(job *models.Job) error {
		if filter != nil {
			if filter.Type != "" && job.Type != filter.Type {
				return nil
			}
			if filter.Status != "" && job.Status != filter.Status {
				return nil
			}
			if filter.BatchID != "" && job.BatchID != filter.BatchID {
				return nil
			}
			if filter.RootJobID != "" && job.RootJobID != filter.RootJobID {
				return nil
			}
		}
		jobs = append(jobs, job)
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})
	if filter != nil && filter.Limit > 0 && len(jobs) > filter.Limit {
		jobs = jobs[:filter.Limit]
	}
	return jobs, nil
}

func (s *JobStorage) Heartbeat(ctx context.Context, jobID string) error {
	return s.db.Store().Badger().Update(func(txn *badgerdb.Txn) error {
		item, err := txn.Get(jobKey(jobID))
		if err == badgerdb.ErrKeyNotFound {
			return kernelerr.NotFound(fmt.Sprintf("job not found: %s", jobID), nil)
		}
		if err != nil {
			return err
		}

		var job models.Job
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &job)
		}); err != nil {
			return err
		}
		if job.Status != models.JobStatusRunning {
			return nil
		}

		now := time.Now()
		job.Heartbeat = &now
		data, err := json.Marshal(&job)
		if err != nil {
			return err
		}
		return txn.Set(jobKey(job.ID), data)
	})
}

// ResetRunningJobs reverts orphaned running jobs at startup. Jobs with
// a remaining retry budget go back to pending; exhausted jobs fail.
func (s *JobStorage) ResetRunningJobs(ctx context.Context) (int, error) {
	var running []*models.Job
	err := s.forEachJob(func(job *models.Job) error {
		if job.Status == models.JobStatusRunning {
			running = append(running, job)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	now := time.Now()
	for _, job := range running {
		if job.Attempts >= job.MaxAttempts {
			job.MarkFailed(now, &models.JobError{
				Message: "interrupted by shutdown with no attempts remaining",
				Kind:    string(kernelerr.KindHandler),
			})
		} else {
			job.RequeueForRetry(now)
		}
		if err := s.UpdateJob(ctx, job); err != nil {
			return 0, fmt.Errorf("failed to reset job %s: %w", job.ID, err)
		}
	}

	if len(running) > 0 {
		s.logger.Info().Int("count", len(running)).Msg("Reset orphaned running jobs")
	}
	return len(running), nil
}

func (s *JobStorage) StaleRunningJobs(ctx context.Context, olderThanMinutes int) ([]*models.Job, error) {
	cutoff := time.Now().Add(-time.Duration(olderThanMinutes) * time.Minute)
	var stale []*models.Job

	err := s.forEachJob(func(job *models.Job) error {
		if job.Status != models.JobStatusRunning {
			return nil
		}
		last := job.StartedAt
		if job.Heartbeat != nil {
			last = job.Heartbeat
		}
		if last != nil && last.Before(cutoff) {
			stale = append(stale, job)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stale, nil
}

// DeleteTerminalJobsBefore removes terminal jobs completed before the
// cutoff, then trims the remaining terminal set down to maxKept newest.
func (s *JobStorage) DeleteTerminalJobsBefore(ctx context.Context, cutoffUnix int64, maxKept int) (int, error) {
	cutoff := time.Unix(cutoffUnix, 0)
	var terminal []*models.Job

	err := s.forEachJob(func(job *models.Job) error {
		if job.IsTerminal() {
			terminal = append(terminal, job)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	// Newest first so the keep window is a prefix.
	sort.Slice(terminal, func(i, j int) bool {
		return completedAt(terminal[i]).After(completedAt(terminal[j]))
	})

	var doomed []*models.Job
	kept := 0
	for _, job := range terminal {
		if completedAt(job).Before(cutoff) {
			doomed = append(doomed, job)
			continue
		}
		kept++
		if maxKept > 0 && kept > maxKept {
			doomed = append(doomed, job)
		}
	}

	for _, job := range doomed {
		if err := s.deleteJob(job.ID); err != nil {
			return 0, fmt.Errorf("failed to delete job %s: %w", job.ID, err)
		}
	}
	return len(doomed), nil
}

func completedAt(job *models.Job) time.Time {
	if job.CompletedAt != nil {
		return *job.CompletedAt
	}
	return job.CreatedAt
}

func (s *JobStorage) deleteJob(jobID string) error {
	return s.db.Store().Badger().Update(func(txn *badgerdb.Txn) error {
		err := txn.Delete(jobKey(jobID))
		if err != nil && err != badgerdb.ErrKeyNotFound {
			return err
		}
		return nil
	})
}

func (s *JobStorage) Stats(ctx context.Context) (*models.QueueStats, error) {
	stats := &models.QueueStats{}
	err := s.forEachJob(func(job *models.Job) error {
		switch job.Status {
		case models.JobStatusPending:
			stats.Pending++
		case models.JobStatusRunning:
			stats.Running++
		case models.JobStatusSucceeded:
			stats.Succeeded++
		case models.JobStatusFailed:
			stats.Failed++
		case models.JobStatusCancelled:
			stats.Cancelled++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// forEachJob iterates every stored job in one read transaction.
func (s *JobStorage) forEachJob(fn func(job *models.Job) error) error {
	return s.db.Store().Badger().View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(jobKeyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			var job models.Job
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &job)
			}); err != nil {
				return err
			}
			if err := fn(&job); err != nil {
				return err
			}
		}
		return nil
	})
}
