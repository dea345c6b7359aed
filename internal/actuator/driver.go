package actuator

import (
	"context"
	"errors"
	"time"

	"vivarium/internal/models"
)

// Статусы результата актуации.
const (
	StatusSuccess = models.EventSuccess
	StatusFailed  = models.EventFailed
	StatusPartial = models.EventPartial
	StatusBusy    = "busy"
)

// Outcome — результат одной попытки актуации.
type Outcome struct {
	Status      string    `json:"status"`
	Message     string    `json:"message,omitempty"`
	PortionSize float64   `json:"portion_size"`
	Timestamp   time.Time `json:"timestamp"`
}

func (o Outcome) Busy() bool { return o.Status == StatusBusy }

// Driver — контракт привода: одна физическая железка за ним.
// Activate обязан быть безопасным при конкурентных вызовах: второй вызов,
// пока идёт первый, получает Busy, а не очередь — перекрывающиеся
// последовательности сигналов на один пин есть undefined behavior.
type Driver interface {
	// Activate выполняет полную последовательность
	// active → hold → rest → idle и возвращает исход. Никогда не ретраит:
	// корм нельзя сыпать вслепую повторно.
	Activate(ctx context.Context, p models.Params) Outcome
	// Test — та же последовательность с минимальным hold, в историю не пишется.
	Test(ctx context.Context, p models.Params) Outcome
	// Release освобождает железо; идемпотентно.
	Release()
}

// StatusReporter — опциональный отчёт о состоянии железа (батарея ESP32 и т.п.).
type StatusReporter interface {
	HardwareStatus(ctx context.Context) (map[string]any, error)
}

// Ошибки уровня реестра/хранилища.
var (
	ErrNotFound  = errors.New("actuator not found")
	ErrConflict  = errors.New("hardware address already in use")
	ErrNotLoaded = errors.New("driver not loaded")
)

// WatchdogBudget — жёсткая верхняя граница актуации:
// два перехода + удержание + запас. Превышение = принудительный idle
// и Outcome failed("timeout").
func WatchdogBudget(p models.Params, margin time.Duration) time.Duration {
	return 2*time.Duration(p.TransitionMs)*time.Millisecond +
		time.Duration(p.HoldMs)*time.Millisecond + margin
}

// sleepCtx спит d или возвращает ошибку контекста (watchdog/shutdown).
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func failedOutcome(err error, now time.Time) Outcome {
	msg := "actuation failed"
	if errors.Is(err, context.DeadlineExceeded) {
		msg = "timeout"
	} else if err != nil {
		msg = err.Error()
	}
	return Outcome{Status: StatusFailed, Message: msg, Timestamp: now}
}
