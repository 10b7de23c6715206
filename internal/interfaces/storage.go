package interfaces

import (
	"context"

	"github.com/ternarybob/cerebrum/internal/models"
)

// EntityStorage persists entities in the Entity DB.
type EntityStorage interface {
	SaveEntity(ctx context.Context, entity *models.Entity) error
	GetEntity(ctx context.Context, entityType, id string) (*models.Entity, error)
	DeleteEntity(ctx context.Context, entityType, id string) error
	ListEntities(ctx context.Context, entityType string, opts *models.ListOptions) ([]*models.Entity, error)
	SearchEntities(ctx context.Context, opts *models.SearchOptions) ([]*models.Entity, error)
	SetEmbedding(ctx context.Context, entityType, id string, embedding []float32) error
	CountEntities(ctx context.Context, entityType string) (int, error)
}

// JobStorage persists jobs in the Job Queue DB. Claiming is atomic:
// at most one worker ever holds a running job.
type JobStorage interface {
	SaveJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, jobID string) (*models.Job, error)
	// ClaimNextJob atomically selects the highest-priority ready
	// pending job (priority DESC, createdAt ASC), transitions it to
	// running, and returns it. Returns models.ErrNoJob when nothing is
	// ready.
	ClaimNextJob(ctx context.Context) (*models.Job, error)
	UpdateJob(ctx context.Context, job *models.Job) error
	ListJobs(ctx context.Context, filter *models.JobFilter) ([]*models.Job, error)
	Heartbeat(ctx context.Context, jobID string) error
	// ResetRunningJobs is crash recovery: running jobs revert to
	// pending, or failed when their attempts are exhausted. Returns the
	// number of jobs touched.
	ResetRunningJobs(ctx context.Context) (int, error)
	// StaleRunningJobs returns running jobs whose heartbeat is older
	// than the cutoff.
	StaleRunningJobs(ctx context.Context, olderThanMinutes int) ([]*models.Job, error)
	// DeleteTerminalJobsBefore implements retention sweeps; returns the
	// number deleted.
	DeleteTerminalJobsBefore(ctx context.Context, cutoffUnix int64, maxKept int) (int, error)
	Stats(ctx context.Context) (*models.QueueStats, error)
}

// BatchStorage persists batches in the Job Queue DB.
type BatchStorage interface {
	SaveBatch(ctx context.Context, batch *models.Batch) error
	GetBatch(ctx context.Context, batchID string) (*models.Batch, error)
	// BatchProgress derives aggregate progress from member job states.
	BatchProgress(ctx context.Context, batchID string) (*models.BatchProgress, error)
	MarkCompletionEmitted(ctx context.Context, batchID string) (already bool, err error)
}

// JobLogStorage persists per-job log lines in the Job Queue DB.
type JobLogStorage interface {
	AppendLog(ctx context.Context, entry models.JobLogEntry) error
	GetLogs(ctx context.Context, jobID string, limit int) ([]models.JobLogEntry, error)
	DeleteLogs(ctx context.Context, jobID string) error
}

// ConversationStorage persists conversations in the Conversation DB.
type ConversationStorage interface {
	SaveConversation(ctx context.Context, conversation *models.Conversation) error
	GetConversation(ctx context.Context, id string) (*models.Conversation, error)
	AppendMessage(ctx context.Context, message *models.ChatMessage) error
	GetMessages(ctx context.Context, conversationID string, limit int) ([]*models.ChatMessage, error)
	CountMessages(ctx context.Context, conversationID string) (int, error)
	GetSummaryTracking(ctx context.Context, conversationID string) (*models.SummaryTracking, error)
	SaveSummaryTracking(ctx context.Context, tracking *models.SummaryTracking) error
}

// KeyValueStorage is kernel-level key/value state in the Entity DB,
// used for gateway API keys and similar small settings.
type KeyValueStorage interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	GetAll(ctx context.Context) (map[string]string, error)
}

// StorageManager owns the three kernel databases. Each database carries
// its own schema version and forward migrations run at startup.
type StorageManager interface {
	EntityStorage() EntityStorage
	JobStorage() JobStorage
	BatchStorage() BatchStorage
	JobLogStorage() JobLogStorage
	ConversationStorage() ConversationStorage
	KeyValueStorage() KeyValueStorage
	Close() error
}
