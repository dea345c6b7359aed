package actuator

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"vivarium/internal/models"

	"github.com/google/uuid"
)

// Store — контракт хранилища актуаторов и истории.
// Чтения конкурентны (цикл контроллера + API); записи сериализуются
// по записи актуатора, чтобы правка расписания не гонялась с due-check.
type Store interface {
	List() ([]models.Actuator, error)
	Get(uuid string) (models.Actuator, error)
	Create(a models.Actuator) (models.Actuator, error)
	Update(uuid string, a models.Actuator) (models.Actuator, error)
	Delete(uuid string) error

	// AppendEvent пишет одну запись истории; дубль по (actuator, timestamp)
	// подавляется молча.
	AppendEvent(ev models.ActuationEvent) error
	// HasEventSince — есть ли запись для актуатора с timestamp >= since.
	HasEventSince(uuid string, since time.Time) (bool, error)
	// EventsSince — записи с timestamp >= since, от старых к новым.
	EventsSince(uuid string, since time.Time) ([]models.ActuationEvent, error)
}

var reTimeOfDay = regexp.MustCompile(`^([01][0-9]|2[0-3]):[0-5][0-9]$`)

// ValidateSpec нормализует и проверяет спецификацию актуатора.
func ValidateSpec(a *models.Actuator) error {
	a.Name = strings.TrimSpace(a.Name)
	a.Hardware = strings.TrimSpace(a.Hardware)
	if a.Name == "" {
		return fmt.Errorf("name required")
	}
	if a.Hardware == "" {
		return fmt.Errorf("hardware address required")
	}
	if a.DriverType == "" {
		a.DriverType = models.DriverServo
	}
	switch a.DriverType {
	case models.DriverServo, models.DriverESP32, models.DriverMQTT:
	default:
		return fmt.Errorf("unknown driver type %q", a.DriverType)
	}
	if err := validateParams(a.Params); err != nil {
		return err
	}
	for i := range a.Schedules {
		s := &a.Schedules[i]
		s.Name = strings.TrimSpace(s.Name)
		if s.Name == "" {
			return fmt.Errorf("schedule entry %d: name required", i)
		}
		if !reTimeOfDay.MatchString(s.At) {
			return fmt.Errorf("schedule entry %q: time must be HH:MM, got %q", s.Name, s.At)
		}
		if err := validateParams(a.Params.Merge(s.Override)); err != nil {
			return fmt.Errorf("schedule entry %q: %v", s.Name, err)
		}
	}
	return nil
}

func validateParams(p models.Params) error {
	if p.ActiveAngle < 0 || p.ActiveAngle > 180 {
		return fmt.Errorf("active_angle out of range [0..180]")
	}
	if p.RestAngle < 0 || p.RestAngle > 180 {
		return fmt.Errorf("rest_angle out of range [0..180]")
	}
	if p.TransitionMs <= 0 || p.TransitionMs > 10000 {
		return fmt.Errorf("transition_ms out of range (0..10000]")
	}
	if p.HoldMs < 0 || p.HoldMs > 60000 {
		return fmt.Errorf("hold_ms out of range [0..60000]")
	}
	if p.PortionSize < 0 {
		return fmt.Errorf("portion_size must be >= 0")
	}
	return nil
}

// hardwareConflict: адрес уникален среди ВКЛЮЧЁННЫХ актуаторов одного типа
// драйвера — два актуатора не должны делить физический пин.
func hardwareConflict(existing []models.Actuator, a models.Actuator) bool {
	if !a.Enabled {
		return false
	}
	for _, e := range existing {
		if e.UUID == a.UUID {
			continue
		}
		if e.Enabled && e.DriverType == a.DriverType && e.Hardware == a.Hardware {
			return true
		}
	}
	return false
}

// ─────────────────────────── in-memory store (fallback) ───────────────────────────

type memStore struct {
	mu     sync.RWMutex
	byUUID map[string]models.Actuator
	events map[string][]models.ActuationEvent
}

func NewMemStore() *memStore {
	return &memStore{
		byUUID: make(map[string]models.Actuator),
		events: make(map[string][]models.ActuationEvent),
	}
}

func (m *memStore) List() ([]models.Actuator, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Actuator, 0, len(m.byUUID))
	for _, a := range m.byUUID {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UUID < out[j].UUID })
	return out, nil
}

func (m *memStore) Get(id string) (models.Actuator, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.byUUID[id]
	if !ok {
		return models.Actuator{}, ErrNotFound
	}
	return a, nil
}

func (m *memStore) Create(a models.Actuator) (models.Actuator, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.UUID == "" {
		a.UUID = uuid.NewString()
	}
	existing := make([]models.Actuator, 0, len(m.byUUID))
	for _, e := range m.byUUID {
		existing = append(existing, e)
	}
	if hardwareConflict(existing, a) {
		return models.Actuator{}, ErrConflict
	}
	now := time.Now()
	a.CreatedAt, a.UpdatedAt = now, now
	for i := range a.Schedules {
		a.Schedules[i].ActuatorUUID = a.UUID
	}
	m.byUUID[a.UUID] = a
	return a, nil
}

func (m *memStore) Update(id string, a models.Actuator) (models.Actuator, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.byUUID[id]
	if !ok {
		return models.Actuator{}, ErrNotFound
	}
	a.UUID = id
	existing := make([]models.Actuator, 0, len(m.byUUID))
	for _, e := range m.byUUID {
		existing = append(existing, e)
	}
	if hardwareConflict(existing, a) {
		return models.Actuator{}, ErrConflict
	}
	a.CreatedAt = cur.CreatedAt
	a.UpdatedAt = time.Now()
	for i := range a.Schedules {
		a.Schedules[i].ActuatorUUID = id
	}
	m.byUUID[id] = a
	return a, nil
}

func (m *memStore) Delete(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byUUID[id]; !ok {
		return ErrNotFound
	}
	delete(m.byUUID, id)
	delete(m.events, id) // история каскадом, как в схеме БД
	return nil
}

func (m *memStore) AppendEvent(ev models.ActuationEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.events[ev.ActuatorUUID] {
		if e.Timestamp.Equal(ev.Timestamp) {
			return nil // дубль по составному ключу — подавляем
		}
	}
	m.events[ev.ActuatorUUID] = append(m.events[ev.ActuatorUUID], ev)
	return nil
}

func (m *memStore) HasEventSince(id string, since time.Time) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, e := range m.events[id] {
		if !e.Timestamp.Before(since) {
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) EventsSince(id string, since time.Time) ([]models.ActuationEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.ActuationEvent
	for _, e := range m.events[id] {
		if !e.Timestamp.Before(since) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}
