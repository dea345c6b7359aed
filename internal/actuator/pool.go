package actuator

import (
	"context"
	"sync"
	"time"

	"vivarium/internal/logs"
)

// Pool — ограниченный пул задач актуации. Не "fire and forget" поток на
// каждое кормление: слотов фиксированное число, watchdog-дедлайн навешивает
// пул, Drain дожидается хвоста при остановке.
type Pool struct {
	sem    chan struct{}
	wg     sync.WaitGroup
	margin time.Duration
}

func NewPool(size int, margin time.Duration) *Pool {
	if size <= 0 {
		size = 1
	}
	return &Pool{sem: make(chan struct{}, size), margin: margin}
}

// Submit запускает fn с дедлайном budget+margin. Если свободных слотов нет,
// задача отбрасывается (false) — тик контроллера никогда не блокируется.
func (p *Pool) Submit(name string, budget time.Duration, fn func(ctx context.Context)) bool {
	select {
	case p.sem <- struct{}{}:
	default:
		logs.Logger.Warnf("dispatch pool full, dropping actuation for %s", name)
		return false
	}
	p.wg.Add(1)
	go func() {
		defer func() {
			<-p.sem
			p.wg.Done()
		}()
		ctx, cancel := context.WithTimeout(context.Background(), budget+p.margin)
		defer cancel()
		fn(ctx)
	}()
	return true
}

// Drain ждёт завершения всех задач, но не дольше timeout.
func (p *Pool) Drain(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		logs.Logger.Warn("dispatch pool drain timed out")
		return false
	}
}
