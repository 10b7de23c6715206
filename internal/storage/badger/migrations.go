package badger

import (
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"
)

// SchemaVersion records the migration level of one database. Each of
// the three kernel databases carries its own record so they can evolve
// independently.
type SchemaVersion struct {
	Store     string    `badgerhold:"key"`
	Version   int       `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Migration is one forward schema step. Steps never run twice and never
// run backwards.
type Migration struct {
	Version int
	Apply   func(db *BadgerDB) error
}

// entityMigrations, queueMigrations, and conversationMigrations are the
// ordered forward migrations for each database. Version 1 is the
// baseline schema created implicitly by badgerhold.
var (
	entityMigrations       = []Migration{}
	queueMigrations        = []Migration{}
	conversationMigrations = []Migration{}
)

const baselineVersion = 1

// runMigrations applies pending forward migrations for one database.
func runMigrations(logger arbor.ILogger, db *BadgerDB, storeName string, migrations []Migration) error {
	var record SchemaVersion
	err := db.Store().Get(storeName, &record)
	if err == badgerhold.ErrNotFound {
		record = SchemaVersion{Store: storeName, Version: baselineVersion, UpdatedAt: time.Now()}
		if err := db.Store().Upsert(storeName, &record); err != nil {
			return fmt.Errorf("failed to write baseline schema version: %w", err)
		}
	} else if err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	if record.Version > highestVersion(migrations) {
		// A newer binary wrote this database. Refuse rather than guess.
		if record.Version > baselineVersion && len(migrations) == 0 {
			return fmt.Errorf("database %s schema version %d is newer than this build supports", storeName, record.Version)
		}
	}

	for _, m := range migrations {
		if m.Version <= record.Version {
			continue
		}
		logger.Info().Str("store", storeName).Int("version", m.Version).Msg("Applying schema migration")
		if err := m.Apply(db); err != nil {
			return fmt.Errorf("migration %d for %s failed: %w", m.Version, storeName, err)
		}
		record.Version = m.Version
		record.UpdatedAt = time.Now()
		if err := db.Store().Upsert(storeName, &record); err != nil {
			return fmt.Errorf("failed to record schema version %d: %w", m.Version, err)
		}
	}

	logger.Debug().Str("store", storeName).Int("version", record.Version).Msg("Schema up to date")
	return nil
}

func highestVersion(migrations []Migration) int {
	highest := baselineVersion
	for _, m := range migrations {
		if m.Version > highest {
			highest = m.Version
		}
	}
	return highest
}
