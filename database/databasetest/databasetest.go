// Package databasetest provides throwaway databases for tests.
package databasetest

import (
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/teai-io/teai-backend/config"
	"github.com/teai-io/teai-backend/database"
	"gorm.io/gorm"
)

// New returns a migrated in-memory SQLite database that is closed when the
// test ends.
func New(t testing.TB) *gorm.DB {
	t.Helper()

	log := logrus.New()
	log.SetOutput(io.Discard)

	db, err := database.Open(config.DatabaseConfig{Driver: "sqlite", DSN: ":memory:"}, log)
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	if err := database.Migrate(db); err != nil {
		t.Fatalf("migrate test database: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}
