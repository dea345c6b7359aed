// internal/db/migrations.go
package db

import (
	"fmt"

	"gorm.io/gorm"
)

// MigrateEventUniqueIndex — составной уникальный индекс истории
// (actuator_uuid, timestamp): второй триггер в тот же момент подавляется,
// а не перезаписывается. Идемпотентно.
func MigrateEventUniqueIndex(db *gorm.DB) error {
	if db == nil {
		return nil
	}
	dialect := db.Dialector.Name()

	switch dialect {
	case "mysql":
		if db.Migrator().HasIndex("actuation_events", "ux_event_actuator_ts") {
			return nil
		}
		return db.Exec("CREATE UNIQUE INDEX `ux_event_actuator_ts` ON `actuation_events` (`actuator_uuid`, `timestamp`)").Error

	case "postgres":
		return db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS ux_event_actuator_ts ON "actuation_events" ("actuator_uuid", "timestamp")`).Error

	case "sqlite":
		return db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS ux_event_actuator_ts ON actuation_events (actuator_uuid, timestamp)`).Error

	default:
		return fmt.Errorf("unsupported dialect: %s", dialect)
	}
}

// MigrateDriverTypeDefault — одноразовый backfill driver_type для строк,
// созданных до появления колонки (раньше тип был только "servo").
func MigrateDriverTypeDefault(db *gorm.DB) error {
	if db == nil {
		return nil
	}
	if !db.Migrator().HasTable("actuators") || !db.Migrator().HasColumn("actuators", "driver_type") {
		return nil
	}
	return db.Exec(`UPDATE actuators SET driver_type = 'servo' WHERE driver_type IS NULL OR driver_type = ''`).Error
}
