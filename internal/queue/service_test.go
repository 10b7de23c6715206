package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/cerebrum/internal/bus"
	"github.com/ternarybob/cerebrum/internal/common"
	"github.com/ternarybob/cerebrum/internal/interfaces"
	"github.com/ternarybob/cerebrum/internal/kernelerr"
	"github.com/ternarybob/cerebrum/internal/models"
	badgerstore "github.com/ternarybob/cerebrum/internal/storage/badger"
)

type queueHarness struct {
	service *Service
	bus     *bus.Bus
	storage interfaces.StorageManager
}

func newQueueHarness(t *testing.T) *queueHarness {
	t.Helper()
	logger := arbor.NewLogger()

	manager, err := badgerstore.NewManager(logger, &common.StorageConfig{
		EntityPath:       t.TempDir(),
		QueuePath:        t.TempDir(),
		ConversationPath: t.TempDir(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { manager.Close() })

	messageBus := bus.NewBus(logger)
	t.Cleanup(func() { messageBus.Close() })

	service := NewService(
		&common.QueueConfig{
			Concurrency:  2,
			PollInterval: "10ms",
			BackoffBase:  "20ms",
			BackoffCap:   "100ms",
			MaxAttempts:  3,
		},
		manager.JobStorage(),
		manager.BatchStorage(),
		manager.JobLogStorage(),
		messageBus,
		logger,
	)

	return &queueHarness{service: service, bus: messageBus, storage: manager}
}

func (h *queueHarness) start(t *testing.T) {
	t.Helper()
	require.NoError(t, h.service.Start())
	t.Cleanup(func() { h.service.Stop() })
}

func (h *queueHarness) waitTerminal(t *testing.T, jobID string) *models.Job {
	t.Helper()
	var job *models.Job
	require.Eventually(t, func() bool {
		got, err := h.service.GetJob(context.Background(), jobID)
		if err != nil {
			return false
		}
		job = got
		return job.IsTerminal()
	}, 5*time.Second, 10*time.Millisecond)
	return job
}

func TestEnqueueRequiresHandler(t *testing.T) {
	h := newQueueHarness(t)

	_, err := h.service.Enqueue(context.Background(), "unregistered", nil, nil)
	assert.True(t, kernelerr.IsKind(err, kernelerr.KindNotFound))
}

func TestEnqueueValidatesJobData(t *testing.T) {
	h := newQueueHarness(t)

	require.NoError(t, h.service.RegisterHandler("typed", interfaces.JobHandler{
		Schema: map[string]interface{}{
			"type":     "object",
			"required": []interface{}{"target"},
			"properties": map[string]interface{}{
				"target": map[string]interface{}{"type": "string"},
			},
		},
		Process: func(ctx context.Context, data json.RawMessage, jobID string, reporter interfaces.ProgressReporter) (interface{}, error) {
			return nil, nil
		},
	}))

	_, err := h.service.Enqueue(context.Background(), "typed", map[string]interface{}{"wrong": 1}, nil)
	assert.True(t, kernelerr.IsKind(err, kernelerr.KindValidation))

	_, err = h.service.Enqueue(context.Background(), "typed", map[string]interface{}{"target": "ok"}, nil)
	assert.NoError(t, err)
}

func TestJobRunsToSuccess(t *testing.T) {
	h := newQueueHarness(t)

	var processed sync.Map
	require.NoError(t, h.service.RegisterHandler("echo", interfaces.JobHandler{
		Process: func(ctx context.Context, data json.RawMessage, jobID string, reporter interfaces.ProgressReporter) (interface{}, error) {
			var payload map[string]interface{}
			if err := json.Unmarshal(data, &payload); err != nil {
				return nil, err
			}
			processed.Store(jobID, payload["value"])
			reporter.ReportProgress(1, 1, "done", "echo")
			return map[string]interface{}{"echoed": payload["value"]}, nil
		},
	}))
	h.start(t)

	jobID, err := h.service.Enqueue(context.Background(), "echo", map[string]interface{}{"value": "hi"}, nil)
	require.NoError(t, err)

	job := h.waitTerminal(t, jobID)
	assert.Equal(t, models.JobStatusSucceeded, job.Status)

	value, ok := processed.Load(jobID)
	require.True(t, ok)
	assert.Equal(t, "hi", value)

	var result map[string]interface{}
	require.NoError(t, json.Unmarshal(job.Result, &result))
	assert.Equal(t, "hi", result["echoed"])
}

func TestFailingJobRetriesThenFails(t *testing.T) {
	h := newQueueHarness(t)

	var mu sync.Mutex
	attempts := 0
	require.NoError(t, h.service.RegisterHandler("flaky", interfaces.JobHandler{
		Process: func(ctx context.Context, data json.RawMessage, jobID string, reporter interfaces.ProgressReporter) (interface{}, error) {
			mu.Lock()
			attempts++
			mu.Unlock()
			return nil, errors.New("always breaks")
		},
	}))
	h.start(t)

	jobID, err := h.service.Enqueue(context.Background(), "flaky", nil, &models.EnqueueOptions{MaxAttempts: 2})
	require.NoError(t, err)

	job := h.waitTerminal(t, jobID)
	assert.Equal(t, models.JobStatusFailed, job.Status)
	require.NotNil(t, job.Error)
	assert.Contains(t, job.Error.Message, "always breaks")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, attempts)
}

func TestRecoverableJobSucceedsOnRetry(t *testing.T) {
	h := newQueueHarness(t)

	var mu sync.Mutex
	attempts := 0
	require.NoError(t, h.service.RegisterHandler("second-try", interfaces.JobHandler{
		Process: func(ctx context.Context, data json.RawMessage, jobID string, reporter interfaces.ProgressReporter) (interface{}, error) {
			mu.Lock()
			attempts++
			n := attempts
			mu.Unlock()
			if n == 1 {
				return nil, errors.New("transient")
			}
			return nil, nil
		},
	}))
	h.start(t)

	jobID, err := h.service.Enqueue(context.Background(), "second-try", nil, nil)
	require.NoError(t, err)

	job := h.waitTerminal(t, jobID)
	assert.Equal(t, models.JobStatusSucceeded, job.Status)
	assert.Equal(t, 2, job.Attempts)
}

func TestPanickingHandlerFailsJob(t *testing.T) {
	h := newQueueHarness(t)

	require.NoError(t, h.service.RegisterHandler("bomb", interfaces.JobHandler{
		Process: func(ctx context.Context, data json.RawMessage, jobID string, reporter interfaces.ProgressReporter) (interface{}, error) {
			panic("kaboom")
		},
	}))
	h.start(t)

	jobID, err := h.service.Enqueue(context.Background(), "bomb", nil, &models.EnqueueOptions{MaxAttempts: 1})
	require.NoError(t, err)

	job := h.waitTerminal(t, jobID)
	assert.Equal(t, models.JobStatusFailed, job.Status)
	require.NotNil(t, job.Error)
	assert.Contains(t, job.Error.Message, "kaboom")
}

func TestCancelPendingJob(t *testing.T) {
	h := newQueueHarness(t)

	require.NoError(t, h.service.RegisterHandler("idle", interfaces.JobHandler{
		Process: func(ctx context.Context, data json.RawMessage, jobID string, reporter interfaces.ProgressReporter) (interface{}, error) {
			return nil, nil
		},
	}))
	// Queue not started: the job stays pending

	jobID, err := h.service.Enqueue(context.Background(), "idle", nil, nil)
	require.NoError(t, err)

	require.NoError(t, h.service.CancelJob(context.Background(), jobID))

	job, err := h.service.GetJob(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, job.Status)

	// Cancelling a terminal job is a no-op
	assert.NoError(t, h.service.CancelJob(context.Background(), jobID))
}

func TestCancelRunningJobCooperatively(t *testing.T) {
	h := newQueueHarness(t)

	started := make(chan string, 1)
	require.NoError(t, h.service.RegisterHandler("loop", interfaces.JobHandler{
		Process: func(ctx context.Context, data json.RawMessage, jobID string, reporter interfaces.ProgressReporter) (interface{}, error) {
			started <- jobID
			for i := 0; i < 200; i++ {
				if reporter.IsCancelled() {
					return nil, kernelerr.Cancelled("stopped at caller request")
				}
				time.Sleep(10 * time.Millisecond)
			}
			return nil, nil
		},
	}))
	h.start(t)

	jobID, err := h.service.Enqueue(context.Background(), "loop", nil, nil)
	require.NoError(t, err)

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("job never started")
	}

	require.NoError(t, h.service.CancelJob(context.Background(), jobID))

	job := h.waitTerminal(t, jobID)
	assert.Equal(t, models.JobStatusCancelled, job.Status)
}

func TestPriorityOrderUnderSingleWorker(t *testing.T) {
	logger := arbor.NewLogger()
	manager, err := badgerstore.NewManager(logger, &common.StorageConfig{
		EntityPath:       t.TempDir(),
		QueuePath:        t.TempDir(),
		ConversationPath: t.TempDir(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { manager.Close() })
	messageBus := bus.NewBus(logger)
	t.Cleanup(func() { messageBus.Close() })

	service := NewService(
		&common.QueueConfig{Concurrency: 1, PollInterval: "10ms"},
		manager.JobStorage(), manager.BatchStorage(), manager.JobLogStorage(), messageBus, logger,
	)

	var mu sync.Mutex
	var order []string
	require.NoError(t, service.RegisterHandler("ordered", interfaces.JobHandler{
		Process: func(ctx context.Context, data json.RawMessage, jobID string, reporter interfaces.ProgressReporter) (interface{}, error) {
			var payload map[string]interface{}
			json.Unmarshal(data, &payload)
			mu.Lock()
			order = append(order, payload["name"].(string))
			mu.Unlock()
			return nil, nil
		},
	}))

	// Enqueue before starting so ordering is purely the claim order
	ctx := context.Background()
	for _, spec := range []struct {
		name     string
		priority int
	}{
		{"low-first", 1},
		{"low-second", 1},
		{"high", 10},
	} {
		_, err := service.Enqueue(ctx, "ordered", map[string]interface{}{"name": spec.name}, &models.EnqueueOptions{Priority: spec.priority})
		require.NoError(t, err)
	}

	require.NoError(t, service.Start())
	t.Cleanup(func() { service.Stop() })

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 3
	}, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"high", "low-first", "low-second"}, order)
}

func TestRootJobInheritance(t *testing.T) {
	h := newQueueHarness(t)

	require.NoError(t, h.service.RegisterHandler("chain", interfaces.JobHandler{
		Process: func(ctx context.Context, data json.RawMessage, jobID string, reporter interfaces.ProgressReporter) (interface{}, error) {
			return nil, nil
		},
	}))

	ctx := context.Background()
	rootID, err := h.service.Enqueue(ctx, "chain", nil, &models.EnqueueOptions{
		Metadata: models.JobMetadata{InterfaceID: "cli:42", UserID: "u1"},
	})
	require.NoError(t, err)

	root, err := h.service.GetJob(ctx, rootID)
	require.NoError(t, err)
	assert.True(t, root.IsRoot())
	assert.Equal(t, rootID, root.Metadata.RootJobID)

	childID, err := h.service.Enqueue(ctx, "chain", nil, &models.EnqueueOptions{ParentJob: root})
	require.NoError(t, err)
	child, err := h.service.GetJob(ctx, childID)
	require.NoError(t, err)

	grandchildID, err := h.service.Enqueue(ctx, "chain", nil, &models.EnqueueOptions{ParentJob: child})
	require.NoError(t, err)
	grandchild, err := h.service.GetJob(ctx, grandchildID)
	require.NoError(t, err)

	// Any depth flattens to the same root, and attribution flows down
	assert.Equal(t, rootID, child.RootJobID)
	assert.Equal(t, rootID, grandchild.RootJobID)
	assert.False(t, grandchild.IsRoot())
	assert.Equal(t, "cli:42", grandchild.Metadata.InterfaceID)
	assert.Equal(t, "u1", grandchild.Metadata.UserID)
}

func TestBatchCompletionEmittedExactlyOnce(t *testing.T) {
	h := newQueueHarness(t)

	require.NoError(t, h.service.RegisterHandler("member", interfaces.JobHandler{
		Process: func(ctx context.Context, data json.RawMessage, jobID string, reporter interfaces.ProgressReporter) (interface{}, error) {
			var payload map[string]interface{}
			json.Unmarshal(data, &payload)
			if payload["fail"] == true {
				return nil, errors.New("member failed")
			}
			return nil, nil
		},
	}))

	var mu sync.Mutex
	var terminalEvents int
	var lastProgress *models.BatchProgress
	h.bus.Subscribe(models.TopicBatchProgress, func(ctx context.Context, msg *models.Message) (models.Response, error) {
		progress, ok := msg.Payload.(*models.BatchProgress)
		if !ok {
			return models.Response{Success: true}, nil
		}
		mu.Lock()
		lastProgress = progress
		if progress.Terminal() {
			terminalEvents++
		}
		mu.Unlock()
		return models.Response{Success: true}, nil
	}, nil)

	h.start(t)

	batchID, err := h.service.EnqueueBatch(context.Background(), []interfaces.BatchJobSpec{
		{Type: "member", Data: map[string]interface{}{"fail": false}, Opts: &models.EnqueueOptions{MaxAttempts: 1}},
		{Type: "member", Data: map[string]interface{}{"fail": true}, Opts: &models.EnqueueOptions{MaxAttempts: 1}},
		{Type: "member", Data: map[string]interface{}{"fail": false}, Opts: &models.EnqueueOptions{MaxAttempts: 1}},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		progress, err := h.storage.BatchStorage().BatchProgress(context.Background(), batchID)
		return err == nil && progress.Terminal()
	}, 5*time.Second, 10*time.Millisecond)

	// Give the final event time to propagate, then verify counts
	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.NotNil(t, lastProgress)
	assert.Equal(t, 2, lastProgress.Completed)
	assert.Equal(t, 1, lastProgress.Failed)

	already, err := h.storage.BatchStorage().MarkCompletionEmitted(context.Background(), batchID)
	require.NoError(t, err)
	assert.True(t, already, "worker should have emitted completion first")
}

func TestStatsReflectQueueState(t *testing.T) {
	h := newQueueHarness(t)

	require.NoError(t, h.service.RegisterHandler("noop", interfaces.JobHandler{
		Process: func(ctx context.Context, data json.RawMessage, jobID string, reporter interfaces.ProgressReporter) (interface{}, error) {
			return nil, nil
		},
	}))

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := h.service.Enqueue(ctx, "noop", nil, nil)
		require.NoError(t, err)
	}

	stats, err := h.service.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Pending)
}
