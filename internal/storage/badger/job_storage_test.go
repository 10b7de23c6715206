package badger

import (
	"context"
	"testing"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/cerebrum/internal/models"
)

func openTestDB(t *testing.T) *BadgerDB {
	t.Helper()
	logger := arbor.NewLogger()
	db, err := NewBadgerDB(logger, t.TempDir(), false)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func pendingJob(id string, priority int, createdAt time.Time) *models.Job {
	return &models.Job{
		ID:          id,
		Type:        "test-job",
		Status:      models.JobStatusPending,
		MaxAttempts: 3,
		Priority:    priority,
		RootJobID:   id,
		CreatedAt:   createdAt,
	}
}

func TestClaimNextJobOrdering(t *testing.T) {
	db := openTestDB(t)
	storage := NewJobStorage(db, arbor.NewLogger())
	ctx := context.Background()

	base := time.Now().Add(-time.Minute)

	// Same priority: FIFO. Higher priority wins regardless of age.
	jobs := []*models.Job{
		pendingJob("low-old", 1, base),
		pendingJob("low-new", 1, base.Add(10*time.Second)),
		pendingJob("high-new", 5, base.Add(20*time.Second)),
	}
	for _, job := range jobs {
		if err := storage.SaveJob(ctx, job); err != nil {
			t.Fatalf("Failed to save job %s: %v", job.ID, err)
		}
	}

	wantOrder := []string{"high-new", "low-old", "low-new"}
	for _, want := range wantOrder {
		claimed, err := storage.ClaimNextJob(ctx)
		if err != nil {
			t.Fatalf("Failed to claim job: %v", err)
		}
		if claimed.ID != want {
			t.Errorf("Expected to claim %s, got %s", want, claimed.ID)
		}
		if claimed.Status != models.JobStatusRunning {
			t.Errorf("Claimed job should be running, got %s", claimed.Status)
		}
		if claimed.Attempts != 1 {
			t.Errorf("Expected 1 attempt, got %d", claimed.Attempts)
		}
	}

	if _, err := storage.ClaimNextJob(ctx); err != models.ErrNoJob {
		t.Errorf("Expected ErrNoJob on empty queue, got %v", err)
	}
}

func TestClaimNextJobNegativePriorities(t *testing.T) {
	db := openTestDB(t)
	storage := NewJobStorage(db, arbor.NewLogger())
	ctx := context.Background()

	base := time.Now().Add(-time.Minute)

	// Negative priorities keep their relative order below zero instead
	// of collapsing into one band.
	jobs := []*models.Job{
		pendingJob("background", -5, base),
		pendingJob("low", -1, base.Add(time.Second)),
		pendingJob("normal", 0, base.Add(2*time.Second)),
		pendingJob("urgent", 1, base.Add(3*time.Second)),
	}
	for _, job := range jobs {
		if err := storage.SaveJob(ctx, job); err != nil {
			t.Fatalf("Failed to save job %s: %v", job.ID, err)
		}
	}

	wantOrder := []string{"urgent", "normal", "low", "background"}
	for _, want := range wantOrder {
		claimed, err := storage.ClaimNextJob(ctx)
		if err != nil {
			t.Fatalf("Failed to claim job: %v", err)
		}
		if claimed.ID != want {
			t.Errorf("Expected to claim %s, got %s", want, claimed.ID)
		}
	}
}

func TestClaimNextJobHonorsNotBefore(t *testing.T) {
	db := openTestDB(t)
	storage := NewJobStorage(db, arbor.NewLogger())
	ctx := context.Background()

	delayed := pendingJob("delayed", 10, time.Now())
	delayed.NotBefore = time.Now().Add(time.Hour)
	if err := storage.SaveJob(ctx, delayed); err != nil {
		t.Fatal(err)
	}
	ready := pendingJob("ready", 1, time.Now())
	if err := storage.SaveJob(ctx, ready); err != nil {
		t.Fatal(err)
	}

	// The delayed job has higher priority but is not yet visible.
	claimed, err := storage.ClaimNextJob(ctx)
	if err != nil {
		t.Fatalf("Failed to claim job: %v", err)
	}
	if claimed.ID != "ready" {
		t.Errorf("Expected ready job, got %s", claimed.ID)
	}

	if _, err := storage.ClaimNextJob(ctx); err != models.ErrNoJob {
		t.Errorf("Delayed job should not be claimable yet, got %v", err)
	}
}

func TestClaimedJobNotClaimableTwice(t *testing.T) {
	db := openTestDB(t)
	storage := NewJobStorage(db, arbor.NewLogger())
	ctx := context.Background()

	if err := storage.SaveJob(ctx, pendingJob("only", 0, time.Now())); err != nil {
		t.Fatal(err)
	}

	first, err := storage.ClaimNextJob(ctx)
	if err != nil {
		t.Fatalf("First claim failed: %v", err)
	}
	if first.ID != "only" {
		t.Fatalf("Unexpected job claimed: %s", first.ID)
	}

	if _, err := storage.ClaimNextJob(ctx); err != models.ErrNoJob {
		t.Errorf("Second claim should find nothing, got %v", err)
	}
}

func TestRequeueForRetryBecomesClaimable(t *testing.T) {
	db := openTestDB(t)
	storage := NewJobStorage(db, arbor.NewLogger())
	ctx := context.Background()

	if err := storage.SaveJob(ctx, pendingJob("retry-me", 0, time.Now())); err != nil {
		t.Fatal(err)
	}

	job, err := storage.ClaimNextJob(ctx)
	if err != nil {
		t.Fatal(err)
	}

	// Requeue with an elapsed backoff
	job.RequeueForRetry(time.Now().Add(-time.Second))
	if err := storage.UpdateJob(ctx, job); err != nil {
		t.Fatalf("Failed to requeue job: %v", err)
	}

	again, err := storage.ClaimNextJob(ctx)
	if err != nil {
		t.Fatalf("Requeued job should be claimable: %v", err)
	}
	if again.ID != "retry-me" {
		t.Errorf("Expected retry-me, got %s", again.ID)
	}
	if again.Attempts != 2 {
		t.Errorf("Expected 2 attempts after second claim, got %d", again.Attempts)
	}
}

func TestResetRunningJobs(t *testing.T) {
	db := openTestDB(t)
	storage := NewJobStorage(db, arbor.NewLogger())
	ctx := context.Background()

	// Orphaned running job with budget left
	recoverable := pendingJob("recoverable", 0, time.Now())
	if err := storage.SaveJob(ctx, recoverable); err != nil {
		t.Fatal(err)
	}
	if _, err := storage.ClaimNextJob(ctx); err != nil {
		t.Fatal(err)
	}

	// Orphaned running job with attempts exhausted
	exhausted := pendingJob("exhausted", 0, time.Now())
	exhausted.MaxAttempts = 1
	if err := storage.SaveJob(ctx, exhausted); err != nil {
		t.Fatal(err)
	}
	if _, err := storage.ClaimNextJob(ctx); err != nil {
		t.Fatal(err)
	}

	count, err := storage.ResetRunningJobs(ctx)
	if err != nil {
		t.Fatalf("Failed to reset running jobs: %v", err)
	}
	if count != 2 {
		t.Errorf("Expected 2 jobs reset, got %d", count)
	}

	got, err := storage.GetJob(ctx, "recoverable")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.JobStatusPending {
		t.Errorf("Recoverable job should be pending, got %s", got.Status)
	}

	got, err = storage.GetJob(ctx, "exhausted")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.JobStatusFailed {
		t.Errorf("Exhausted job should be failed, got %s", got.Status)
	}
}

func TestDeleteTerminalJobsBefore(t *testing.T) {
	db := openTestDB(t)
	storage := NewJobStorage(db, arbor.NewLogger())
	ctx := context.Background()

	old := time.Now().Add(-48 * time.Hour)
	recent := time.Now().Add(-time.Hour)

	makeTerminal := func(id string, completed time.Time) {
		job := pendingJob(id, 0, completed.Add(-time.Minute))
		job.Status = models.JobStatusSucceeded
		job.CompletedAt = &completed
		if err := storage.SaveJob(ctx, job); err != nil {
			t.Fatal(err)
		}
	}
	makeTerminal("old-1", old)
	makeTerminal("old-2", old)
	makeTerminal("recent-1", recent)

	// Pending jobs survive retention regardless of age
	if err := storage.SaveJob(ctx, pendingJob("still-pending", 0, old)); err != nil {
		t.Fatal(err)
	}

	cutoff := time.Now().Add(-24 * time.Hour).Unix()
	deleted, err := storage.DeleteTerminalJobsBefore(ctx, cutoff, 100)
	if err != nil {
		t.Fatalf("Retention sweep failed: %v", err)
	}
	if deleted != 2 {
		t.Errorf("Expected 2 jobs deleted, got %d", deleted)
	}

	if _, err := storage.GetJob(ctx, "recent-1"); err != nil {
		t.Errorf("Recent terminal job should survive: %v", err)
	}
	if _, err := storage.GetJob(ctx, "still-pending"); err != nil {
		t.Errorf("Pending job should survive: %v", err)
	}
	if _, err := storage.GetJob(ctx, "old-1"); err == nil {
		t.Error("Old terminal job should be deleted")
	}
}

func TestStats(t *testing.T) {
	db := openTestDB(t)
	storage := NewJobStorage(db, arbor.NewLogger())
	ctx := context.Background()

	if err := storage.SaveJob(ctx, pendingJob("p1", 0, time.Now())); err != nil {
		t.Fatal(err)
	}
	if err := storage.SaveJob(ctx, pendingJob("p2", 0, time.Now())); err != nil {
		t.Fatal(err)
	}
	if _, err := storage.ClaimNextJob(ctx); err != nil {
		t.Fatal(err)
	}

	stats, err := storage.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Pending != 1 {
		t.Errorf("Expected 1 pending, got %d", stats.Pending)
	}
	if stats.Running != 1 {
		t.Errorf("Expected 1 running, got %d", stats.Running)
	}
}
