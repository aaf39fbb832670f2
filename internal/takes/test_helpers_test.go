package takes

import (
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/takes/backend/internal/packs"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type sequenceIDProvider struct {
	next atomic.Int64
}

func (p *sequenceIDProvider) NewID() (string, error) {
	return fmt.Sprintf("take-%d", p.next.Add(1)), nil
}

func newTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	databasePath := filepath.Join(t.TempDir(), "takes.db")
	db, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := db.AutoMigrate(packs.Models()...); err != nil {
		t.Fatalf("failed to migrate pack schema: %v", err)
	}
	if err := EnsureSchema(db); err != nil {
		t.Fatalf("failed to migrate take schema: %v", err)
	}
	return db
}

func newTestService(t *testing.T, db *gorm.DB) *Service {
	t.Helper()
	service, err := NewService(ServiceConfig{
		Database:   db,
		IDProvider: &sequenceIDProvider{},
		Clock: func() time.Time {
			return time.Date(2026, 3, 1, 18, 0, 0, 0, time.UTC)
		},
	})
	if err != nil {
		t.Fatalf("failed to construct service: %v", err)
	}
	return service
}

func mustCreateProp(t *testing.T, db *gorm.DB, prop packs.Prop) packs.Prop {
	t.Helper()
	if prop.PackID == "" {
		prop.PackID = "pack-1"
	}
	if prop.Status == "" {
		prop.Status = packs.PropStatusOpen
	}
	if err := db.Create(&prop).Error; err != nil {
		t.Fatalf("failed to create prop %s: %v", prop.ID, err)
	}
	return prop
}

func countLatest(t *testing.T, db *gorm.DB, propID, identity string) int64 {
	t.Helper()
	var count int64
	if err := db.Model(&Take{}).
		Where("prop_id = ? AND identity = ? AND status = ?", propID, identity, StatusLatest).
		Count(&count).Error; err != nil {
		t.Fatalf("failed to count latest takes: %v", err)
	}
	return count
}
