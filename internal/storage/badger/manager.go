package badger

import (
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/cerebrum/internal/common"
	"github.com/ternarybob/cerebrum/internal/interfaces"
)

// Manager implements the StorageManager interface over three Badger
// databases: entity, job queue, and conversation. Each opens and
// migrates independently.
type Manager struct {
	entityDB       *BadgerDB
	queueDB        *BadgerDB
	conversationDB *BadgerDB

	entity       interfaces.EntityStorage
	job          interfaces.JobStorage
	batch        interfaces.BatchStorage
	jobLog       interfaces.JobLogStorage
	conversation interfaces.ConversationStorage
	kv           interfaces.KeyValueStorage

	logger arbor.ILogger
}

// NewManager opens the three kernel databases and runs their pending
// migrations.
func NewManager(logger arbor.ILogger, config *common.StorageConfig) (interfaces.StorageManager, error) {
	entityDB, err := NewBadgerDB(logger, config.EntityPath, config.ResetOnStartup)
	if err != nil {
		return nil, err
	}
	queueDB, err := NewBadgerDB(logger, config.QueuePath, config.ResetOnStartup)
	if err != nil {
		entityDB.Close()
		return nil, err
	}
	conversationDB, err := NewBadgerDB(logger, config.ConversationPath, config.ResetOnStartup)
	if err != nil {
		entityDB.Close()
		queueDB.Close()
		return nil, err
	}

	if err := runMigrations(logger, entityDB, "entity", entityMigrations); err != nil {
		closeAll(entityDB, queueDB, conversationDB)
		return nil, err
	}
	if err := runMigrations(logger, queueDB, "queue", queueMigrations); err != nil {
		closeAll(entityDB, queueDB, conversationDB)
		return nil, err
	}
	if err := runMigrations(logger, conversationDB, "conversation", conversationMigrations); err != nil {
		closeAll(entityDB, queueDB, conversationDB)
		return nil, err
	}

	job := NewJobStorage(queueDB, logger)

	manager := &Manager{
		entityDB:       entityDB,
		queueDB:        queueDB,
		conversationDB: conversationDB,
		entity:         NewEntityStorage(entityDB, logger),
		job:            job,
		batch:          NewBatchStorage(queueDB, job, logger),
		jobLog:         NewJobLogStorage(queueDB, logger),
		conversation:   NewConversationStorage(conversationDB, logger),
		kv:             NewKVStorage(entityDB, logger),
		logger:         logger,
	}

	logger.Info().
		Str("entity", config.EntityPath).
		Str("queue", config.QueuePath).
		Str("conversation", config.ConversationPath).
		Msg("Badger storage manager initialized")

	return manager, nil
}

func closeAll(dbs ...*BadgerDB) {
	for _, db := range dbs {
		if db != nil {
			db.Close()
		}
	}
}

// EntityStorage returns the Entity storage interface
func (m *Manager) EntityStorage() interfaces.EntityStorage {
	return m.entity
}

// JobStorage returns the Job storage interface
func (m *Manager) JobStorage() interfaces.JobStorage {
	return m.job
}

// BatchStorage returns the Batch storage interface
func (m *Manager) BatchStorage() interfaces.BatchStorage {
	return m.batch
}

// JobLogStorage returns the JobLog storage interface
func (m *Manager) JobLogStorage() interfaces.JobLogStorage {
	return m.jobLog
}

// ConversationStorage returns the Conversation storage interface
func (m *Manager) ConversationStorage() interfaces.ConversationStorage {
	return m.conversation
}

// KeyValueStorage returns the KeyValue storage interface
func (m *Manager) KeyValueStorage() interfaces.KeyValueStorage {
	return m.kv
}

// Close closes all three database connections
func (m *Manager) Close() error {
	var firstErr error
	for _, db := range []*BadgerDB{m.entityDB, m.queueDB, m.conversationDB} {
		if db == nil {
			continue
		}
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
