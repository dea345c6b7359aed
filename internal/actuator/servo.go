package actuator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"vivarium/internal/logs"
	"vivarium/internal/models"
)

// Параметры SG90: импульс 0.5–2.5 мс при 50 Гц.
const (
	servoMinPulseMs  = 0.5
	servoMaxPulseMs  = 2.5
	servoFrequencyHz = 50
)

// angleToDuty переводит угол 0–180 в скважность 0–1.
// 0° = 0.5ms, 90° = 1.5ms, 180° = 2.5ms.
func angleToDuty(angle int) float64 {
	if angle < 0 {
		angle = 0
	}
	if angle > 180 {
		angle = 180
	}
	pulseMs := servoMinPulseMs + float64(angle)/180.0*(servoMaxPulseMs-servoMinPulseMs)
	periodMs := 1000.0 / servoFrequencyHz
	d := pulseMs / periodMs
	if d < 0 {
		return 0
	}
	if d > 1 {
		return 1
	}
	return d
}

// pwmDevice — минимальный контракт PWM-выхода. duty=0 — явный stop-сигнал.
type pwmDevice interface {
	SetDuty(duty float64) error
	Close() error
}

// sysfsPWM — PWM через /sys/class/pwm. Адрес: "chip:channel" или просто
// номер канала на pwmchip0.
type sysfsPWM struct {
	dir      string // /sys/class/pwm/pwmchipN/pwmM
	periodNs int
}

func openSysfsPWM(hardware string) (*sysfsPWM, error) {
	chip, channel := 0, 0
	var err error
	if i := strings.IndexByte(hardware, ':'); i >= 0 {
		if chip, err = strconv.Atoi(hardware[:i]); err != nil {
			return nil, fmt.Errorf("bad pwm chip in %q: %w", hardware, err)
		}
		if channel, err = strconv.Atoi(hardware[i+1:]); err != nil {
			return nil, fmt.Errorf("bad pwm channel in %q: %w", hardware, err)
		}
	} else if channel, err = strconv.Atoi(strings.TrimSpace(hardware)); err != nil {
		return nil, fmt.Errorf("bad pwm address %q: %w", hardware, err)
	}

	chipDir := fmt.Sprintf("/sys/class/pwm/pwmchip%d", chip)
	dev := &sysfsPWM{
		dir:      filepath.Join(chipDir, fmt.Sprintf("pwm%d", channel)),
		periodNs: int(time.Second / servoFrequencyHz),
	}

	// export канала (EBUSY допустим — уже экспортирован)
	if _, err := os.Stat(dev.dir); err != nil {
		if werr := os.WriteFile(filepath.Join(chipDir, "export"), []byte(strconv.Itoa(channel)), 0o644); werr != nil {
			return nil, fmt.Errorf("pwm export %s: %w", hardware, werr)
		}
	}
	if err := dev.writeAttr("period", strconv.Itoa(dev.periodNs)); err != nil {
		return nil, err
	}
	if err := dev.writeAttr("duty_cycle", "0"); err != nil {
		return nil, err
	}
	if err := dev.writeAttr("enable", "1"); err != nil {
		return nil, err
	}
	return dev, nil
}

func (d *sysfsPWM) writeAttr(name, value string) error {
	if err := os.WriteFile(filepath.Join(d.dir, name), []byte(value), 0o644); err != nil {
		return fmt.Errorf("pwm %s: %w", name, err)
	}
	return nil
}

func (d *sysfsPWM) SetDuty(duty float64) error {
	ns := int(duty * float64(d.periodNs))
	return d.writeAttr("duty_cycle", strconv.Itoa(ns))
}

func (d *sysfsPWM) Close() error {
	_ = d.writeAttr("duty_cycle", "0")
	return d.writeAttr("enable", "0")
}

// ServoDriver — серво-кормушка на локальном PWM.
type ServoDriver struct {
	name     string
	hardware string
	dev      pwmDevice

	mu      sync.Mutex
	release sync.Once
}

// NewServoDriver открывает PWM-канал; ошибка здесь = NotLoaded для актуатора.
func NewServoDriver(name, hardware string) (*ServoDriver, error) {
	dev, err := openSysfsPWM(hardware)
	if err != nil {
		return nil, err
	}
	logs.Logger.Infof("feeder %q loaded on pwm %s", name, hardware)
	return &ServoDriver{name: name, hardware: hardware, dev: dev}, nil
}

func newServoWithDevice(name string, dev pwmDevice) *ServoDriver {
	return &ServoDriver{name: name, hardware: "test", dev: dev}
}

// Activate — полная последовательность кормления:
// поворот в active (transition) → hold → поворот в rest (transition) → stop.
func (s *ServoDriver) Activate(ctx context.Context, p models.Params) Outcome {
	return s.run(ctx, p, time.Duration(p.HoldMs)*time.Millisecond, p.PortionSize)
}

// Test — та же механика с минимальным удержанием; порция не считается.
func (s *ServoDriver) Test(ctx context.Context, p models.Params) Outcome {
	return s.run(ctx, p, 0, 0)
}

func (s *ServoDriver) run(ctx context.Context, p models.Params, hold time.Duration, portion float64) Outcome {
	if !s.mu.TryLock() {
		return Outcome{Status: StatusBusy, Message: "actuation already in flight", Timestamp: time.Now()}
	}
	defer s.mu.Unlock()

	transition := time.Duration(p.TransitionMs) * time.Millisecond

	seq := func() error {
		if err := s.dev.SetDuty(angleToDuty(p.ActiveAngle)); err != nil {
			return err
		}
		if err := sleepCtx(ctx, transition); err != nil {
			return err
		}
		if err := sleepCtx(ctx, hold); err != nil {
			return err
		}
		if err := s.dev.SetDuty(angleToDuty(p.RestAngle)); err != nil {
			return err
		}
		return sleepCtx(ctx, transition)
	}

	err := seq()
	// stop-сигнал шлём всегда, даже после ошибки в середине последовательности
	if stopErr := s.dev.SetDuty(0); stopErr != nil && err == nil {
		err = stopErr
	}
	if err != nil {
		logs.Logger.Errorf("feeder %q sequence failed: %v", s.name, err)
		return failedOutcome(err, time.Now())
	}
	return Outcome{Status: StatusSuccess, PortionSize: portion, Timestamp: time.Now()}
}

// Release гасит PWM и закрывает канал ровно один раз.
func (s *ServoDriver) Release() {
	s.release.Do(func() {
		_ = s.dev.SetDuty(0)
		if err := s.dev.Close(); err != nil {
			logs.Logger.Errorf("feeder %q release: %v", s.name, err)
			return
		}
		logs.Logger.Infof("feeder %q released", s.name)
	})
}
