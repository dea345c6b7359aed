package actuator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"vivarium/internal/logs"
	"vivarium/internal/models"
)

// MQTTDriver — удалённая кормушка на своём микроконтроллере:
// команда в feeder/<id>/command, подтверждение из feeder/<id>/ack.
// Hardware = device id на брокере.
type MQTTDriver struct {
	name     string
	deviceID string
	client   mqtt.Client

	mu      sync.Mutex
	release sync.Once
}

const mqttConnectTimeout = 5 * time.Second

type mqttCommand struct {
	Action           string  `json:"action"` // feed|test
	FeedAngle        int     `json:"feed_angle"`
	RestAngle        int     `json:"rest_angle"`
	RotateDuration   int     `json:"rotate_duration"`
	FeedHoldDuration int     `json:"feed_hold_duration"`
	PortionSize      float64 `json:"portion_size,omitempty"`
}

type mqttAck struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// NewMQTTDriver подключается к брокеру; неудача = NotLoaded.
func NewMQTTDriver(name, deviceID, broker string) (*MQTTDriver, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID("vivarium-feeder-" + deviceID).
		SetConnectTimeout(mqttConnectTimeout).
		SetAutoReconnect(true)
	c := mqtt.NewClient(opts)
	if token := c.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", broker, token.Error())
	}
	logs.Logger.Infof("mqtt feeder %q loaded (device %s via %s)", name, deviceID, broker)
	return &MQTTDriver{name: name, deviceID: deviceID, client: c}, nil
}

func newMQTTWithClient(name, deviceID string, c mqtt.Client) *MQTTDriver {
	return &MQTTDriver{name: name, deviceID: deviceID, client: c}
}

func (d *MQTTDriver) commandTopic() string { return "feeder/" + d.deviceID + "/command" }
func (d *MQTTDriver) ackTopic() string     { return "feeder/" + d.deviceID + "/ack" }

// exchange публикует команду и ждёт ack в пределах ctx (watchdog).
func (d *MQTTDriver) exchange(ctx context.Context, cmd mqttCommand) (mqttAck, error) {
	acks := make(chan mqttAck, 1)
	token := d.client.Subscribe(d.ackTopic(), 1, func(_ mqtt.Client, m mqtt.Message) {
		var a mqttAck
		if err := json.Unmarshal(m.Payload(), &a); err != nil {
			logs.Logger.Warnf("mqtt feeder %q bad ack payload: %v", d.name, err)
			return
		}
		select {
		case acks <- a:
		default:
		}
	})
	if token.Wait() && token.Error() != nil {
		return mqttAck{}, token.Error()
	}
	defer d.client.Unsubscribe(d.ackTopic())

	payload, _ := json.Marshal(cmd)
	if token := d.client.Publish(d.commandTopic(), 1, false, payload); token.Wait() && token.Error() != nil {
		return mqttAck{}, token.Error()
	}

	select {
	case a := <-acks:
		return a, nil
	case <-ctx.Done():
		return mqttAck{}, ctx.Err()
	}
}

func (d *MQTTDriver) run(ctx context.Context, cmd mqttCommand, portion float64) Outcome {
	if !d.mu.TryLock() {
		return Outcome{Status: StatusBusy, Message: "actuation already in flight", Timestamp: time.Now()}
	}
	defer d.mu.Unlock()

	ack, err := d.exchange(ctx, cmd)
	if err != nil {
		logs.Logger.Errorf("mqtt feeder %q %s failed: %v", d.name, cmd.Action, err)
		return failedOutcome(err, time.Now())
	}
	switch ack.Status {
	case StatusSuccess:
		return Outcome{Status: StatusSuccess, Message: ack.Message, PortionSize: portion, Timestamp: time.Now()}
	case StatusPartial:
		return Outcome{Status: StatusPartial, Message: ack.Message, PortionSize: portion, Timestamp: time.Now()}
	default:
		return Outcome{Status: StatusFailed, Message: ack.Message, Timestamp: time.Now()}
	}
}

func (d *MQTTDriver) Activate(ctx context.Context, p models.Params) Outcome {
	return d.run(ctx, mqttCommand{
		Action:           "feed",
		FeedAngle:        p.ActiveAngle,
		RestAngle:        p.RestAngle,
		RotateDuration:   p.TransitionMs,
		FeedHoldDuration: p.HoldMs,
		PortionSize:      p.PortionSize,
	}, p.PortionSize)
}

func (d *MQTTDriver) Test(ctx context.Context, p models.Params) Outcome {
	return d.run(ctx, mqttCommand{
		Action:         "test",
		FeedAngle:      p.ActiveAngle,
		RestAngle:      p.RestAngle,
		RotateDuration: p.TransitionMs,
	}, 0)
}

func (d *MQTTDriver) Release() {
	d.release.Do(func() {
		d.client.Disconnect(250)
		logs.Logger.Infof("mqtt feeder %q released", d.name)
	})
}
