package actuator

import (
	"context"
	"time"

	"vivarium/internal/logs"
	"vivarium/internal/models"
)

// EventSink получает завершённые актуации (WebSocket-рассылка и т.п.).
type EventSink func(ev models.ActuationEvent)

// Scheduler — цикл контроллера: раз в тик сверяет расписания с текущей
// минутой и асинхронно диспатчит кормления. Отдельный компонент,
// зависит только от Store (чтение), Registry и Pool.
type Scheduler struct {
	store Store
	reg   *Registry
	pool  *Pool
	tick  time.Duration
	sink  EventSink

	// now подменяется в тестах
	now func() time.Time
}

func NewScheduler(store Store, reg *Registry, pool *Pool, tick time.Duration, sink EventSink) *Scheduler {
	if tick <= 0 {
		tick = 30 * time.Second
	}
	return &Scheduler{
		store: store,
		reg:   reg,
		pool:  pool,
		tick:  tick,
		sink:  sink,
		now:   time.Now,
	}
}

// Run крутит тики до отмены ctx. Ошибка одного актуатора никогда
// не валит тик целиком.
func (s *Scheduler) Run(ctx context.Context) {
	t := time.NewTicker(s.tick)
	defer t.Stop()
	logs.Logger.Infof("feeder scheduler started (tick %s)", s.tick)
	for {
		select {
		case <-ctx.Done():
			logs.Logger.Info("feeder scheduler stopped")
			return
		case <-t.C:
			s.tickOnce()
		}
	}
}

// tickOnce — один проход due-check.
//
// Сверка точная по минуте ("HH:MM" == "HH:MM"), не оконная: при тике
// реже минуты совпадение молча пропускается. Идемпотентность внутри
// минуты — по записи истории за последние 60 секунд.
func (s *Scheduler) tickOnce() {
	now := s.now()
	nowMin := now.Format("15:04")

	list, err := s.store.List()
	if err != nil {
		logs.Logger.Errorf("scheduler: list actuators: %v", err)
		return
	}

	for _, a := range list {
		if !a.Enabled {
			continue
		}
		for _, entry := range a.Schedules {
			if !entry.Enabled || entry.At != nowMin {
				continue
			}
			fired, err := s.store.HasEventSince(a.UUID, now.Add(-60*time.Second))
			if err != nil {
				logs.Logger.Errorf("scheduler: history check for %s: %v", a.UUID, err)
				continue
			}
			if fired {
				logs.Logger.Debugf("actuator %q already fired this minute, skipping %q", a.Name, entry.Name)
				continue
			}
			// две записи на одну минуту — два независимых диспатча;
			// вторая может получить Busy от драйвера
			s.dispatch(a, entry)
		}
	}
}

func (s *Scheduler) dispatch(a models.Actuator, entry models.ScheduleEntry) {
	params := a.Params.Merge(entry.Override)
	// margin к дедлайну добавит пул, здесь только бюджет последовательности
	budget := WatchdogBudget(params, 0)

	ok := s.pool.Submit(a.Name, budget, func(ctx context.Context) {
		drv, err := s.reg.Get(a.UUID)
		if err != nil {
			logs.Logger.Errorf("actuator %q (%s): %v", a.Name, a.UUID, err)
			return
		}
		logs.Logger.Infof("actuator %q: schedule %q due, dispatching (portion %.2f)",
			a.Name, entry.Name, params.PortionSize)

		out := drv.Activate(ctx, params)
		if out.Busy() {
			// железо не дёргалось — записи истории нет
			logs.Logger.Warnf("actuator %q: schedule %q skipped, driver busy", a.Name, entry.Name)
			return
		}
		s.record(a, params, out)
	})
	if !ok {
		logs.Logger.Warnf("actuator %q: schedule %q dropped, pool exhausted", a.Name, entry.Name)
	}
}

// record пишет ровно одну запись истории по завершении актуации.
func (s *Scheduler) record(a models.Actuator, params models.Params, out Outcome) {
	ts := out.Timestamp
	if ts.IsZero() {
		ts = s.now()
	}
	ev := models.ActuationEvent{
		ActuatorUUID: a.UUID,
		Timestamp:    ts,
		Status:       out.Status,
		PortionSize:  out.PortionSize,
		HoldMs:       params.HoldMs,
		Message:      out.Message,
	}
	if err := s.store.AppendEvent(ev); err != nil {
		logs.Logger.Errorf("actuator %q: append event: %v", a.Name, err)
		return
	}
	if s.sink != nil && a.Notify {
		s.sink(ev)
	}
}
