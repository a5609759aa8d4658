package database

import (
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/codyseavey/coin-tracker/internal/models"
)

var DB *gorm.DB

// Initialize opens the database named by dsn, migrates the schema and
// stores the handle for GetDB. Postgres URLs and keyword DSNs use the
// postgres driver; anything else is treated as a SQLite path.
func Initialize(dsn string) error {
	db, err := Open(dsn)
	if err != nil {
		return err
	}
	DB = db
	return nil
}

// Open connects and migrates without touching the package-level handle
func Open(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(Dialector(dsn), &gorm.Config{
		Logger: newGormLogger(),
	})
	if err != nil {
		return nil, err
	}

	log.Printf("Database connected successfully (%s)", db.Dialector.Name())

	if err := Migrate(db); err != nil {
		return nil, err
	}

	log.Println("Database migration completed")
	return db, nil
}

// Migrate deduplicates coin_snapshots and brings the schema up to date
func Migrate(db *gorm.DB) error {
	if err := cleanupDuplicateCoinSnapshots(db); err != nil {
		return err
	}
	if err := db.AutoMigrate(&models.CoinSnapshot{}, &models.HistoryRecord{}); err != nil {
		return err
	}
	return RunMigrations(db)
}

// Dialector picks the gorm driver for a connection string
func Dialector(dsn string) gorm.Dialector {
	if IsPostgresDSN(dsn) {
		return postgres.Open(dsn)
	}
	return sqlite.Open(dsn)
}

// IsPostgresDSN reports whether dsn addresses a PostgreSQL server
func IsPostgresDSN(dsn string) bool {
	lower := strings.ToLower(strings.TrimSpace(dsn))
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") {
		return true
	}
	// keyword/value form: "host=localhost user=coins dbname=coins"
	return strings.Contains(lower, "host=") && strings.Contains(lower, "dbname=")
}

func newGormLogger() logger.Interface {
	level := logger.Warn
	if log.IsLevelEnabled(log.DebugLevel) {
		level = logger.Info
	}
	return logger.New(log.StandardLogger(), logger.Config{
		SlowThreshold:             500 * time.Millisecond,
		LogLevel:                  level,
		IgnoreRecordNotFoundError: true,
	})
}

func GetDB() *gorm.DB {
	return DB
}
