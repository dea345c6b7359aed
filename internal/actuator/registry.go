package actuator

import (
	"sync"

	"vivarium/internal/logs"
	"vivarium/internal/models"
)

// DriverFactory строит драйвер под запись актуатора.
type DriverFactory func(a models.Actuator) (Driver, error)

// Registry — таблица живых драйверов. Явный объект в composition root,
// а не глобальное состояние: цикл контроллера и API получают его ссылкой,
// в тестах подменяется фабрикой с фейками.
type Registry struct {
	mu      sync.RWMutex
	factory DriverFactory
	drivers map[string]Driver
}

func NewRegistry(f DriverFactory) *Registry {
	return &Registry{factory: f, drivers: make(map[string]Driver)}
}

// Load строит драйвер для актуатора, заменяя (и освобождая) старый.
// Выключенные актуаторы драйвер не держат.
func (r *Registry) Load(a models.Actuator) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.drivers[a.UUID]; ok {
		old.Release()
		delete(r.drivers, a.UUID)
	}
	if !a.Enabled {
		return nil
	}
	d, err := r.factory(a)
	if err != nil {
		logs.Logger.Errorf("actuator %q (%s): driver load failed: %v", a.Name, a.UUID, err)
		return err
	}
	r.drivers[a.UUID] = d
	return nil
}

// Get возвращает живой драйвер или ErrNotLoaded.
func (r *Registry) Get(uuid string) (Driver, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.drivers[uuid]
	if !ok {
		return nil, ErrNotLoaded
	}
	return d, nil
}

// Remove освобождает драйвер; зовётся ДО удаления записи из БД,
// чтобы не осталось захваченного железа без хозяина.
func (r *Registry) Remove(uuid string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.drivers[uuid]; ok {
		d.Release()
		delete(r.drivers, uuid)
	}
}

// Rebuild перестраивает таблицу под текущую конфигурацию.
// Ошибка загрузки одного актуатора не мешает остальным (NotLoaded до reload).
func (r *Registry) Rebuild(list []models.Actuator) {
	for _, a := range list {
		_ = r.Load(a)
	}
}

// Close освобождает все драйверы (teardown).
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, d := range r.drivers {
		d.Release()
		delete(r.drivers, id)
	}
}
