package actuator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"vivarium/internal/logs"
	"vivarium/internal/models"
)

// ESP32Driver — беспроводная кормушка на ESP32-C3: простое REST API по WiFi,
// сервомеханикой плата управляет сама. Hardware = IP адрес платы.
type ESP32Driver struct {
	name    string
	baseURL string
	client  *http.Client

	mu      sync.Mutex
	release sync.Once
}

const (
	esp32StatusTimeout = 5 * time.Second
	esp32FeedTimeout   = 15 * time.Second // кормление дольше обычного запроса
	esp32TestTimeout   = 10 * time.Second
)

// NewESP32Driver проверяет доступность платы (GET /status);
// недоступность = NotLoaded.
func NewESP32Driver(name, hardware string) (*ESP32Driver, error) {
	d := &ESP32Driver{
		name:    name,
		baseURL: "http://" + hardware,
		client:  &http.Client{},
	}
	ctx, cancel := context.WithTimeout(context.Background(), esp32StatusTimeout)
	defer cancel()
	st, err := d.HardwareStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("esp32 %s unreachable: %w", hardware, err)
	}
	logs.Logger.Infof("esp32 feeder %q loaded at %s (battery: %v%%)", name, hardware, st["battery_percent"])
	return d, nil
}

func newESP32WithBase(name, baseURL string) *ESP32Driver {
	return &ESP32Driver{name: name, baseURL: baseURL, client: &http.Client{}}
}

type esp32FeedPayload struct {
	FeedAngle        int     `json:"feed_angle"`
	RestAngle        int     `json:"rest_angle"`
	RotateDuration   int     `json:"rotate_duration"`
	FeedHoldDuration int     `json:"feed_hold_duration"`
	PortionSize      float64 `json:"portion_size,omitempty"`
}

func (d *ESP32Driver) post(ctx context.Context, path string, timeout time.Duration, payload esp32FeedPayload) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, _ := json.Marshal(payload)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("esp32 returned %s", resp.Status)
	}
	return nil
}

func (d *ESP32Driver) Activate(ctx context.Context, p models.Params) Outcome {
	if !d.mu.TryLock() {
		return Outcome{Status: StatusBusy, Message: "actuation already in flight", Timestamp: time.Now()}
	}
	defer d.mu.Unlock()

	err := d.post(ctx, "/feed", esp32FeedTimeout, esp32FeedPayload{
		FeedAngle:        p.ActiveAngle,
		RestAngle:        p.RestAngle,
		RotateDuration:   p.TransitionMs,
		FeedHoldDuration: p.HoldMs,
		PortionSize:      p.PortionSize,
	})
	if err != nil {
		logs.Logger.Errorf("esp32 feeder %q feed failed: %v", d.name, err)
		return failedOutcome(err, time.Now())
	}
	return Outcome{Status: StatusSuccess, PortionSize: p.PortionSize, Timestamp: time.Now()}
}

func (d *ESP32Driver) Test(ctx context.Context, p models.Params) Outcome {
	if !d.mu.TryLock() {
		return Outcome{Status: StatusBusy, Message: "actuation already in flight", Timestamp: time.Now()}
	}
	defer d.mu.Unlock()

	err := d.post(ctx, "/test", esp32TestTimeout, esp32FeedPayload{
		FeedAngle:      p.ActiveAngle,
		RestAngle:      p.RestAngle,
		RotateDuration: p.TransitionMs,
	})
	if err != nil {
		logs.Logger.Errorf("esp32 feeder %q test failed: %v", d.name, err)
		return failedOutcome(err, time.Now())
	}
	return Outcome{Status: StatusSuccess, Timestamp: time.Now()}
}

// HardwareStatus — GET /status: батарея, RSSI, аптайм.
func (d *ESP32Driver) HardwareStatus(ctx context.Context) (map[string]any, error) {
	ctx, cancel := context.WithTimeout(ctx, esp32StatusTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.baseURL+"/status", nil)
	if err != nil {
		return nil, err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("esp32 returned %s", resp.Status)
	}
	var st map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return nil, err
	}
	if st == nil {
		// прошивка может ответить 200 с телом null
		st = map[string]any{}
	}
	st["online"] = true
	return st, nil
}

// Release: плата остаётся под своим питанием, закрывать нечего.
func (d *ESP32Driver) Release() {
	d.release.Do(func() {
		d.client.CloseIdleConnections()
		logs.Logger.Infof("esp32 feeder %q released (board stays powered)", d.name)
	})
}
