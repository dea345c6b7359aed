package actuator

import (
	"context"
	"sync"
	"testing"
	"time"

	"vivarium/internal/models"
)

// fakeDriver counts activations and returns a configurable outcome.
// Timestamps are left zero so the recorder stamps them with its own clock.
type fakeDriver struct {
	mu          sync.Mutex
	activations []models.Params
	deadlines   []time.Time
	tests       []models.Params
	outcome     *Outcome
	released    bool

	// gate, когда выставлен, держит активацию до закрытия канала
	gate chan struct{}
}

func (f *fakeDriver) Activate(ctx context.Context, p models.Params) Outcome {
	f.mu.Lock()
	f.activations = append(f.activations, p)
	if dl, ok := ctx.Deadline(); ok {
		f.deadlines = append(f.deadlines, dl)
	}
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if f.outcome != nil {
		return *f.outcome
	}
	return Outcome{Status: StatusSuccess, PortionSize: p.PortionSize}
}

func (f *fakeDriver) Test(_ context.Context, p models.Params) Outcome {
	f.mu.Lock()
	f.tests = append(f.tests, p)
	f.mu.Unlock()
	return Outcome{Status: StatusSuccess}
}

func (f *fakeDriver) Release() {
	f.mu.Lock()
	f.released = true
	f.mu.Unlock()
}

func (f *fakeDriver) activationCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.activations)
}

func fakeFactory(drivers map[string]*fakeDriver) DriverFactory {
	return func(a models.Actuator) (Driver, error) {
		d := &fakeDriver{}
		drivers[a.UUID] = d
		return d, nil
	}
}

func schedulerFixture(t *testing.T) (*Scheduler, *memStore, map[string]*fakeDriver, *Pool) {
	t.Helper()
	store := NewMemStore()
	drivers := make(map[string]*fakeDriver)
	reg := NewRegistry(fakeFactory(drivers))
	pool := NewPool(4, 100*time.Millisecond)
	s := NewScheduler(store, reg, pool, 30*time.Second, nil)
	return s, store, drivers, pool
}

func seedActuator(t *testing.T, store *memStore, reg *Registry, entries ...models.ScheduleEntry) models.Actuator {
	t.Helper()
	a := models.Actuator{
		Name:       "tank feeder",
		DriverType: models.DriverServo,
		Hardware:   "17",
		Enabled:    true,
		Notify:     true,
		Params:     models.Params{ActiveAngle: 90, RestAngle: 0, TransitionMs: 1000, HoldMs: 1500, PortionSize: 1},
		Schedules:  entries,
	}
	created, err := store.Create(a)
	if err != nil {
		t.Fatalf("seed actuator: %v", err)
	}
	if err := reg.Load(created); err != nil {
		t.Fatalf("load driver: %v", err)
	}
	return created
}

func at(clock string) func() time.Time {
	ts, _ := time.Parse("2006-01-02 15:04:05", "2026-08-30 "+clock)
	return func() time.Time { return ts }
}

func TestSchedulerDispatchesOnExactMinute(t *testing.T) {
	s, store, drivers, pool := schedulerFixture(t)
	a := seedActuator(t, store, s.reg, models.ScheduleEntry{Name: "morning", At: "08:00", Enabled: true})

	s.now = at("08:00:00")
	s.tickOnce()
	pool.Drain(time.Second)

	if n := drivers[a.UUID].activationCount(); n != 1 {
		t.Fatalf("activations = %d, want 1", n)
	}
	events, _ := store.EventsSince(a.UUID, time.Time{})
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	if events[0].Status != models.EventSuccess {
		t.Fatalf("event status = %s, want success", events[0].Status)
	}
}

func TestSchedulerSuppressesRepeatWithinMinute(t *testing.T) {
	s, store, drivers, pool := schedulerFixture(t)
	a := seedActuator(t, store, s.reg, models.ScheduleEntry{Name: "morning", At: "08:00", Enabled: true})

	// первый тик минуты — срабатывание
	s.now = at("08:00:00")
	s.tickOnce()
	pool.Drain(time.Second)
	if n := drivers[a.UUID].activationCount(); n != 1 {
		t.Fatalf("after first tick: activations = %d, want 1", n)
	}

	// второй тик в той же минуте — запись истории уже есть, пропуск
	s.now = at("08:00:30")
	s.tickOnce()
	pool.Drain(time.Second)
	if n := drivers[a.UUID].activationCount(); n != 1 {
		t.Fatalf("after second tick: activations = %d, want 1 (idempotent)", n)
	}

	events, _ := store.EventsSince(a.UUID, time.Time{})
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
}

func TestSchedulerNoMatchNoDispatch(t *testing.T) {
	s, store, drivers, pool := schedulerFixture(t)
	a := seedActuator(t, store, s.reg, models.ScheduleEntry{Name: "morning", At: "08:00", Enabled: true})

	s.now = at("08:01:00")
	s.tickOnce()
	pool.Drain(time.Second)

	if n := drivers[a.UUID].activationCount(); n != 0 {
		t.Fatalf("activations = %d, want 0", n)
	}
}

func TestSchedulerZeroEntriesNeverFires(t *testing.T) {
	s, store, drivers, pool := schedulerFixture(t)
	a := seedActuator(t, store, s.reg) // без расписания

	for _, clock := range []string{"00:00:00", "08:00:00", "12:30:00", "23:59:00"} {
		s.now = at(clock)
		s.tickOnce()
	}
	pool.Drain(time.Second)

	if n := drivers[a.UUID].activationCount(); n != 0 {
		t.Fatalf("activations = %d, want 0", n)
	}
}

func TestSchedulerDisabledActuatorSkipped(t *testing.T) {
	s, store, drivers, pool := schedulerFixture(t)
	a := seedActuator(t, store, s.reg, models.ScheduleEntry{Name: "morning", At: "08:00", Enabled: true})

	cur, _ := store.Get(a.UUID)
	cur.Enabled = false
	if _, err := store.Update(a.UUID, cur); err != nil {
		t.Fatalf("disable: %v", err)
	}

	s.now = at("08:00:00")
	s.tickOnce()
	pool.Drain(time.Second)

	if n := drivers[a.UUID].activationCount(); n != 0 {
		t.Fatalf("disabled actuator fired %d times", n)
	}
}

func TestSchedulerDisabledEntrySkipped(t *testing.T) {
	s, store, drivers, pool := schedulerFixture(t)
	a := seedActuator(t, store, s.reg, models.ScheduleEntry{Name: "morning", At: "08:00", Enabled: false})

	s.now = at("08:00:00")
	s.tickOnce()
	pool.Drain(time.Second)

	if n := drivers[a.UUID].activationCount(); n != 0 {
		t.Fatalf("disabled entry fired %d times", n)
	}
}

func TestSchedulerOverrideParamsWin(t *testing.T) {
	s, store, drivers, pool := schedulerFixture(t)
	hold := 3000
	portion := 2.5
	a := seedActuator(t, store, s.reg, models.ScheduleEntry{
		Name:    "dinner",
		At:      "18:00",
		Enabled: true,
		Override: models.ParamsOverride{
			HoldMs:      &hold,
			PortionSize: &portion,
		},
	})

	s.now = at("18:00:00")
	s.tickOnce()
	pool.Drain(time.Second)

	d := drivers[a.UUID]
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.activations) != 1 {
		t.Fatalf("activations = %d, want 1", len(d.activations))
	}
	got := d.activations[0]
	if got.HoldMs != 3000 || got.PortionSize != 2.5 {
		t.Fatalf("override not applied: hold=%d portion=%v", got.HoldMs, got.PortionSize)
	}
	if got.ActiveAngle != 90 {
		t.Fatalf("base param lost: active_angle=%d", got.ActiveAngle)
	}
}

func TestSchedulerTwoEntriesSameMinute(t *testing.T) {
	s, store, drivers, pool := schedulerFixture(t)
	a := seedActuator(t, store, s.reg,
		models.ScheduleEntry{Name: "first", At: "08:00", Enabled: true},
		models.ScheduleEntry{Name: "second", At: "08:00", Enabled: true},
	)

	// держим обе активации открытыми, чтобы первая не успела записать
	// историю до due-check второй записи
	gate := make(chan struct{})
	drivers[a.UUID].gate = gate

	s.now = at("08:00:00")
	s.tickOnce()
	close(gate)
	pool.Drain(time.Second)

	// обе записи — независимые диспатчи
	if n := drivers[a.UUID].activationCount(); n != 2 {
		t.Fatalf("activations = %d, want 2", n)
	}
}

func TestSchedulerFailureRecordedAndIsolated(t *testing.T) {
	s, store, drivers, pool := schedulerFixture(t)
	bad := seedActuator(t, store, s.reg, models.ScheduleEntry{Name: "morning", At: "08:00", Enabled: true})
	drivers[bad.UUID].outcome = &Outcome{Status: StatusFailed, Message: "simulated fault"}

	good := models.Actuator{
		Name: "other tank", DriverType: models.DriverServo, Hardware: "27",
		Enabled: true, Params: models.DefaultParams(),
		Schedules: []models.ScheduleEntry{{Name: "morning", At: "08:00", Enabled: true}},
	}
	goodCreated, err := store.Create(good)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.reg.Load(goodCreated); err != nil {
		t.Fatalf("load: %v", err)
	}

	s.now = at("08:00:00")
	s.tickOnce()
	pool.Drain(time.Second)

	// отказ одного актуатора не мешает другому
	if n := drivers[goodCreated.UUID].activationCount(); n != 1 {
		t.Fatalf("healthy actuator activations = %d, want 1", n)
	}
	events, _ := store.EventsSince(bad.UUID, time.Time{})
	if len(events) != 1 || events[0].Status != models.EventFailed {
		t.Fatalf("failed actuation not recorded: %+v", events)
	}
}

func TestSchedulerWatchdogMarginCountedOnce(t *testing.T) {
	store := NewMemStore()
	drivers := make(map[string]*fakeDriver)
	reg := NewRegistry(fakeFactory(drivers))
	pool := NewPool(1, 2*time.Second)
	s := NewScheduler(store, reg, pool, 30*time.Second, nil)
	a := seedActuator(t, store, reg, models.ScheduleEntry{Name: "morning", At: "08:00", Enabled: true})

	start := time.Now()
	s.now = at("08:00:00")
	s.tickOnce()
	pool.Drain(time.Second)

	d := drivers[a.UUID]
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.deadlines) != 1 {
		t.Fatalf("deadlines = %d, want 1", len(d.deadlines))
	}
	// последовательность 2×1000+1500 = 3.5s, margin 2s: дедлайн около 5.5s;
	// двойной учёт margin дал бы 7.5s
	budget := 3500 * time.Millisecond
	margin := 2 * time.Second
	if limit := start.Add(budget + margin + 900*time.Millisecond); d.deadlines[0].After(limit) {
		t.Fatalf("watchdog deadline %s out, margin counted twice", d.deadlines[0].Sub(start))
	}
	if d.deadlines[0].Before(start.Add(budget)) {
		t.Fatalf("watchdog deadline %s shorter than the sequence", d.deadlines[0].Sub(start))
	}
}

func TestSchedulerBusyLeavesNoEvent(t *testing.T) {
	s, store, drivers, pool := schedulerFixture(t)
	a := seedActuator(t, store, s.reg, models.ScheduleEntry{Name: "morning", At: "08:00", Enabled: true})
	drivers[a.UUID].outcome = &Outcome{Status: StatusBusy, Message: "actuation already in flight"}

	s.now = at("08:00:00")
	s.tickOnce()
	pool.Drain(time.Second)

	events, _ := store.EventsSince(a.UUID, time.Time{})
	if len(events) != 0 {
		t.Fatalf("busy dispatch must not write history, got %d events", len(events))
	}
}
