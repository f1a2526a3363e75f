package database

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	_ "modernc.org/sqlite"
)

// DB wraps the database connection
type DB struct {
	conn *gorm.DB
}

// New creates a new database connection and migrates the schema.
// dsn supports both SQLite and MySQL:
//   - SQLite: "./data/cogstac.db", ":memory:" or "file:..."
//   - MySQL: "user:password@tcp(host:port)/dbname?charset=utf8mb4&parseTime=True&loc=Local"
func New(dsn string) (*DB, error) {
	if dsn == "" {
		dsn = "./data/cogstac.db"
	}

	var dialector gorm.Dialector
	if isSQLite(dsn) {
		if !strings.HasPrefix(dsn, "file:") && dsn != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(dsn), 0755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
		// Pure Go driver registered by modernc.org/sqlite
		dialector = sqlite.Dialector{DriverName: "sqlite", DSN: dsn}
	} else {
		dialector = mysql.Open(dsn)
	}

	conn, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB, err := conn.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database handle: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if isSQLite(dsn) {
		// SQLite allows a single writer
		sqlDB.SetMaxOpenConns(1)
	}

	db := &DB{conn: conn}

	if err := db.initSchema(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return db, nil
}

func isSQLite(dsn string) bool {
	return dsn == ":memory:" ||
		strings.HasPrefix(dsn, "file:") ||
		strings.HasSuffix(dsn, ".db") ||
		strings.HasSuffix(dsn, ".sqlite")
}

// Close closes the database connection
func (db *DB) Close() error {
	sqlDB, err := db.conn.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// GetConn returns the underlying gorm handle
func (db *DB) GetConn() *gorm.DB {
	return db.conn
}

// initSchema creates all necessary tables
func (db *DB) initSchema() error {
	return db.conn.AutoMigrate(
		&RunModel{},
		&JobModel{},
		&TileModel{},
		&SourceFileModel{},
	)
}
