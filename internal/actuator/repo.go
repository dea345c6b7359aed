package actuator

import (
	"errors"
	"time"

	"vivarium/internal/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Repo — gorm-реализация Store.
type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo { return &Repo{db: db} }

func (r *Repo) List() ([]models.Actuator, error) {
	var out []models.Actuator
	err := r.db.Preload("Schedules").Order("id").Find(&out).Error
	return out, err
}

func (r *Repo) Get(id string) (models.Actuator, error) {
	var a models.Actuator
	if err := r.db.Preload("Schedules").Where("uuid = ?", id).First(&a).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.Actuator{}, ErrNotFound
		}
		return models.Actuator{}, err
	}
	return a, nil
}

// checkConflict — внутри транзакции, до записи.
func checkConflict(tx *gorm.DB, a models.Actuator) error {
	if !a.Enabled {
		return nil
	}
	var n int64
	err := tx.Model(&models.Actuator{}).
		Where("driver_type = ? AND hardware = ? AND enabled = ? AND uuid <> ?",
			a.DriverType, a.Hardware, true, a.UUID).
		Count(&n).Error
	if err != nil {
		return err
	}
	if n > 0 {
		return ErrConflict
	}
	return nil
}

func (r *Repo) Create(a models.Actuator) (models.Actuator, error) {
	if a.UUID == "" {
		a.UUID = uuid.NewString()
	}
	for i := range a.Schedules {
		a.Schedules[i].ActuatorUUID = a.UUID
	}
	err := r.db.Transaction(func(tx *gorm.DB) error {
		if err := checkConflict(tx, a); err != nil {
			return err
		}
		return tx.Create(&a).Error
	})
	if err != nil {
		return models.Actuator{}, err
	}
	return r.Get(a.UUID)
}

// Update — только полная замена записи, расписание перезаписывается целиком
// (никаких частичных правок железа на лету).
func (r *Repo) Update(id string, a models.Actuator) (models.Actuator, error) {
	err := r.db.Transaction(func(tx *gorm.DB) error {
		var cur models.Actuator
		if err := tx.Where("uuid = ?", id).First(&cur).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		a.UUID = id
		if err := checkConflict(tx, a); err != nil {
			return err
		}

		cur.EnclosureID = a.EnclosureID
		cur.Name = a.Name
		cur.DriverType = a.DriverType
		cur.Hardware = a.Hardware
		cur.Enabled = a.Enabled
		cur.Notify = a.Notify
		cur.Params = a.Params
		if err := tx.Save(&cur).Error; err != nil {
			return err
		}

		// replace-all расписания
		if err := tx.Where("actuator_uuid = ?", id).Delete(&models.ScheduleEntry{}).Error; err != nil {
			return err
		}
		for i := range a.Schedules {
			s := a.Schedules[i]
			s.ID = 0
			s.ActuatorUUID = id
			if err := tx.Create(&s).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return models.Actuator{}, err
	}
	return r.Get(id)
}

func (r *Repo) Delete(id string) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		var cur models.Actuator
		if err := tx.Where("uuid = ?", id).First(&cur).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		if err := tx.Where("actuator_uuid = ?", id).Delete(&models.ScheduleEntry{}).Error; err != nil {
			return err
		}
		// история каскадом, как в схеме
		if err := tx.Where("actuator_uuid = ?", id).Delete(&models.ActuationEvent{}).Error; err != nil {
			return err
		}
		return tx.Delete(&cur).Error
	})
}

// AppendEvent: дубль по составному ключу (actuator, timestamp) гасится
// самой БД, чтение-перед-записью гонялось бы с конкурентным триггером.
func (r *Repo) AppendEvent(ev models.ActuationEvent) error {
	return r.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&ev).Error
}

func (r *Repo) HasEventSince(id string, since time.Time) (bool, error) {
	var n int64
	err := r.db.Model(&models.ActuationEvent{}).
		Where("actuator_uuid = ? AND timestamp >= ?", id, since).
		Count(&n).Error
	return n > 0, err
}

func (r *Repo) EventsSince(id string, since time.Time) ([]models.ActuationEvent, error) {
	var out []models.ActuationEvent
	err := r.db.
		Where("actuator_uuid = ? AND timestamp >= ?", id, since).
		Order("timestamp ASC, id ASC").
		Find(&out).Error
	return out, err
}
