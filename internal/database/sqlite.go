package database

import (
	"fmt"

	"github.com/MarcoPoloResearchLab/takes/backend/internal/conversations"
	"github.com/MarcoPoloResearchLab/takes/backend/internal/packs"
	"github.com/MarcoPoloResearchLab/takes/backend/internal/profiles"
	"github.com/MarcoPoloResearchLab/takes/backend/internal/takes"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// OpenSQLite establishes a SQLite connection and performs schema migrations.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := Migrate(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("path", path))
	}

	return db, nil
}

// Migrate creates every table the service owns, applies data repairs, and then
// installs the single-latest take index the repairs make satisfiable.
func Migrate(db *gorm.DB, logger *zap.Logger) error {
	models := append([]any{}, packs.Models()...)
	models = append(models, profiles.Models()...)
	models = append(models, &conversations.Session{}, &takes.Take{}, &migrationRecord{})
	if err := db.AutoMigrate(models...); err != nil {
		return err
	}
	if err := applyMigrations(db, logger); err != nil {
		return err
	}
	return takes.EnsureSchema(db)
}
