package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationTrimProfilePhones     = "2026-03-01_trim_profile_phones"
	migrationDemoteDuplicateLatest = "2026-03-04_demote_duplicate_latest_takes"
	demoteDuplicateLatestTakesSQL  = `UPDATE takes SET status = 'overwritten'
WHERE status = 'latest' AND EXISTS (
	SELECT 1 FROM takes AS newer
	WHERE newer.prop_id = takes.prop_id
	  AND newer.identity = takes.identity
	  AND newer.status = 'latest'
	  AND (newer.created_at > takes.created_at OR (newer.created_at = takes.created_at AND newer.id > takes.id))
)`
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationTrimProfilePhones, apply: trimProfilePhones},
		{name: migrationDemoteDuplicateLatest, apply: demoteDuplicateLatestTakes},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// trimProfilePhones strips whitespace imported with legacy profiles so phone lookups match inbound senders.
func trimProfilePhones(db *gorm.DB) error {
	return db.Exec("UPDATE profiles SET phone = trim(phone) WHERE phone <> trim(phone)").Error
}

// demoteDuplicateLatestTakes keeps only the newest latest take per prop and identity.
func demoteDuplicateLatestTakes(db *gorm.DB) error {
	return db.Exec(demoteDuplicateLatestTakesSQL).Error
}
