package database

import (
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// cleanupDuplicateCoinSnapshots keeps one row per coin when coin_snapshots
// carries a surrogate id column instead of the coin_id primary key.
// This runs BEFORE AutoMigrate and is a no-op for tables keyed on coin_id.
func cleanupDuplicateCoinSnapshots(db *gorm.DB) error {
	if !db.Migrator().HasTable("coin_snapshots") || !db.Migrator().HasColumn("coin_snapshots", "id") {
		return nil
	}

	// Keep the newest observation per coin
	result := db.Exec(`
		DELETE FROM coin_snapshots
		WHERE id NOT IN (
			SELECT MAX(id)
			FROM coin_snapshots
			GROUP BY coin_id
		)
	`)
	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected > 0 {
		log.Printf("Cleaned up %d duplicate coin_snapshots entries", result.RowsAffected)
	}

	return nil
}

// RunMigrations runs any custom data migrations after schema changes
func RunMigrations(db *gorm.DB) error {
	return migrateSymbolCase(db)
}

// migrateSymbolCase uppercases symbols written before normalization existed.
// Safe to run repeatedly; it only touches rows that are not already uppercase.
func migrateSymbolCase(db *gorm.DB) error {
	for _, table := range []string{"coin_snapshots", "history_records"} {
		if !db.Migrator().HasColumn(table, "symbol") {
			continue
		}
		result := db.Exec(`UPDATE ` + table + ` SET symbol = UPPER(symbol) WHERE symbol <> UPPER(symbol)`)
		if result.Error != nil {
			log.Warnf("failed to normalize %s symbols: %v", table, result.Error)
			continue
		}
		if result.RowsAffected > 0 {
			log.Printf("Normalized %d %s symbols to uppercase", result.RowsAffected, table)
		}
	}
	return nil
}
