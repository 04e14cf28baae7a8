package uplink

import (
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// TelemetryPublisher pushes periodic device status to an MQTT broker
// when one is configured. Purely additive: mesh and queue behaviour do
// not depend on it, and a dead broker only costs log noise.
type TelemetryPublisher struct {
	client mqtt.Client
	topic  string
	log    *zap.Logger
}

// DeviceStatus is the published telemetry document.
type DeviceStatus struct {
	DeviceID     string    `json:"device_id"`
	Time         time.Time `json:"time"`
	RouteCount   int       `json:"route_count"`
	QueueDepth   int       `json:"queue_depth"`
	DirectLink   bool      `json:"direct_link"`
	RadioFrames  uint64    `json:"radio_frames_rx"`
	RadioBad     uint64    `json:"radio_frames_bad"`
	BatteryLevel int       `json:"battery_level,omitempty"`
}

// NewTelemetryPublisher connects to the broker. Returns an error when
// the initial connect fails; auto-reconnect covers later drops.
func NewTelemetryPublisher(broker, clientID string, nodeID uint32, log *zap.Logger) (*TelemetryPublisher, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetKeepAlive(60 * time.Second).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(10 * time.Second).
		SetCleanSession(true)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Warn("uplink: mqtt connection lost", zap.Error(err))
	})

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("uplink: mqtt connect: %w", token.Error())
	}

	return &TelemetryPublisher{
		client: client,
		topic:  fmt.Sprintf("fieldbeacon/%08x/status", nodeID),
		log:    log,
	}, nil
}

// Publish sends one status document at QoS 0. Fire-and-forget.
func (p *TelemetryPublisher) Publish(status *DeviceStatus) {
	if !p.client.IsConnected() {
		return
	}
	body, err := json.Marshal(status)
	if err != nil {
		p.log.Warn("uplink: marshal telemetry", zap.Error(err))
		return
	}
	p.client.Publish(p.topic, 0, false, body)
}

// Close disconnects from the broker.
func (p *TelemetryPublisher) Close() {
	if p.client.IsConnected() {
		p.client.Disconnect(250)
	}
}
