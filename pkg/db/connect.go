package db

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Open connects to the primary store. Supported drivers are "sqlite" (dsn is a
// file path or ":memory:") and "mysql" (a go-sql-driver DSN).
func Open(driver, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch driver {
	case "sqlite":
		if dsn != ":memory:" && !strings.HasPrefix(dsn, "file:") {
			if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
				return nil, fmt.Errorf("db: create data dir for %s: %w", dsn, err)
			}
		}
		dialector = sqlite.Open(withSQLitePragmas(dsn))
	case "mysql":
		if !strings.Contains(dsn, "parseTime=") {
			sep := "?"
			if strings.Contains(dsn, "?") {
				sep = "&"
			}
			dsn += sep + "parseTime=true"
		}
		dialector = mysql.Open(dsn)
	default:
		return nil, fmt.Errorf("db: unsupported driver %q", driver)
	}

	gdb, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("db: open %s: %w", driver, err)
	}

	if driver == "sqlite" {
		// sqlite allows one writer; a single connection serializes transactions
		// instead of surfacing SQLITE_BUSY to callers.
		sqlDB, err := gdb.DB()
		if err != nil {
			return nil, fmt.Errorf("db: get sql handle: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}
	return gdb, nil
}

func withSQLitePragmas(dsn string) string {
	if strings.Contains(dsn, "_pragma=") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
}

// AutoMigrate creates or updates every table owned by this module.
func AutoMigrate(gdb *gorm.DB) error {
	if err := gdb.AutoMigrate(
		&Conversation{},
		&Message{},
		&ConversationSnapshot{},
		&KnowledgeChunk{},
		&StaffMember{},
		&Quote{},
		&QuoteLineItem{},
		&Folder{},
		&Form{},
		&StoredFile{},
		&SignableDocument{},
		&FolderItem{},
	); err != nil {
		return fmt.Errorf("db: auto migrate: %w", err)
	}
	// Slugs used to be unique across tenants.
	if m := gdb.Migrator(); m.HasIndex(&Form{}, "idx_forms_public_slug") {
		if err := m.DropIndex(&Form{}, "idx_forms_public_slug"); err != nil {
			return fmt.Errorf("db: drop global form slug index: %w", err)
		}
	}
	return nil
}
