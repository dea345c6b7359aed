package models

import (
	"time"

	"gorm.io/gorm"
)

// Поддерживаемые типы приводов (колонка driver_type, бывший hardware_type).
const (
	DriverServo = "servo" // SG90 на GPIO/PWM
	DriverESP32 = "esp32" // беспроводная кормушка ESP32-C3 (HTTP)
	DriverMQTT  = "mqtt"  // удалённый микроконтроллер через MQTT
)

// Params — закрытый набор параметров актуации. Неизвестные поля
// отклоняются на границе API, дефолты задаются при создании.
type Params struct {
	ActiveAngle  int     `gorm:"column:active_angle" json:"active_angle"`
	RestAngle    int     `gorm:"column:rest_angle" json:"rest_angle"`
	TransitionMs int     `gorm:"column:transition_ms" json:"transition_ms"`
	HoldMs       int     `gorm:"column:hold_ms" json:"hold_ms"`
	PortionSize  float64 `gorm:"column:portion_size" json:"portion_size"`
}

// DefaultParams — параметры SG90 по умолчанию.
func DefaultParams() Params {
	return Params{
		ActiveAngle:  90,
		RestAngle:    0,
		TransitionMs: 1000,
		HoldMs:       1500,
		PortionSize:  1.0,
	}
}

// ParamsOverride — частичное переопределение параметров; nil = наследуем.
type ParamsOverride struct {
	ActiveAngle  *int     `json:"active_angle,omitempty"`
	RestAngle    *int     `json:"rest_angle,omitempty"`
	TransitionMs *int     `json:"transition_ms,omitempty"`
	HoldMs       *int     `json:"hold_ms,omitempty"`
	PortionSize  *float64 `json:"portion_size,omitempty"`
}

func (o ParamsOverride) IsZero() bool {
	return o.ActiveAngle == nil && o.RestAngle == nil && o.TransitionMs == nil &&
		o.HoldMs == nil && o.PortionSize == nil
}

// Merge применяет override поверх базовых параметров, поле за полем.
func (p Params) Merge(o ParamsOverride) Params {
	out := p
	if o.ActiveAngle != nil {
		out.ActiveAngle = *o.ActiveAngle
	}
	if o.RestAngle != nil {
		out.RestAngle = *o.RestAngle
	}
	if o.TransitionMs != nil {
		out.TransitionMs = *o.TransitionMs
	}
	if o.HoldMs != nil {
		out.HoldMs = *o.HoldMs
	}
	if o.PortionSize != nil {
		out.PortionSize = *o.PortionSize
	}
	return out
}

// Actuator — управляемое устройство (кормушка) одного вольера.
type Actuator struct {
	gorm.Model
	UUID        string `gorm:"column:uuid;uniqueIndex" json:"uuid"`
	EnclosureID string `gorm:"column:enclosure_id;index" json:"enclosure_id"`
	Name        string `json:"name"`
	DriverType  string `gorm:"column:driver_type;default:servo" json:"driver_type"`
	// Hardware — непрозрачный адрес, интерпретирует драйвер:
	// servo — номер PWM-канала, esp32 — IP, mqtt — device id.
	Hardware string `json:"hardware"`
	Enabled  bool   `gorm:"default:true" json:"enabled"`
	Notify   bool   `gorm:"default:true" json:"notify"`

	Params Params `gorm:"embedded" json:"params"`

	Schedules []ScheduleEntry `gorm:"foreignKey:ActuatorUUID;references:UUID" json:"schedules"`
}

// ScheduleEntry — именованный триггер времени суток, живёт внутри записи
// актуатора и обновляется целиком вместе с ним.
type ScheduleEntry struct {
	gorm.Model   `json:"-"`
	ActuatorUUID string `gorm:"index;size:36" json:"-"`
	Name         string `json:"name"`
	// At — время срабатывания "HH:MM", сравнение точное по минуте.
	At      string `gorm:"size:5" json:"at"`
	Enabled bool   `gorm:"default:true" json:"enabled"`

	Override ParamsOverride `gorm:"embedded;embeddedPrefix:ovr_" json:"override"`
}

// Статусы записей истории.
const (
	EventSuccess = "success"
	EventFailed  = "failed"
	EventPartial = "partial"
)

// ActuationEvent — неизменяемая запись одной попытки актуации.
// Составной ключ (actuator, timestamp): повтор в тот же момент подавляется.
type ActuationEvent struct {
	ID           uint      `gorm:"primaryKey" json:"-"`
	ActuatorUUID string    `gorm:"size:36;index;uniqueIndex:ux_event_actuator_ts,priority:1" json:"actuator_uuid"`
	Timestamp    time.Time `gorm:"uniqueIndex:ux_event_actuator_ts,priority:2" json:"timestamp"`
	Status       string    `json:"status"`
	PortionSize  float64   `json:"portion_size"`
	HoldMs       int       `json:"hold_ms"`
	Message      string    `json:"message,omitempty"`
}
