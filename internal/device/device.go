// Package device runs the cooperative main loop that ties the mesh
// engine, transport manager, phone bridge, and Meshtastic emulation
// together. All cross-component state changes happen on this loop;
// callbacks from other goroutines only enqueue.
package device

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fieldbeacon/fieldbeacon/internal/bridge"
	"github.com/fieldbeacon/fieldbeacon/internal/gateway"
	"github.com/fieldbeacon/fieldbeacon/internal/mesh"
	"github.com/fieldbeacon/fieldbeacon/internal/meshtastic"
	"github.com/fieldbeacon/fieldbeacon/internal/radio"
	"github.com/fieldbeacon/fieldbeacon/internal/report"
	"github.com/fieldbeacon/fieldbeacon/internal/transport"
	"github.com/fieldbeacon/fieldbeacon/internal/uplink"
)

// sendTimeout bounds one transport attempt from the loop.
const sendTimeout = 30 * time.Second

// Deps is everything the loop drives. Telemetry may be nil.
type Deps struct {
	Radio     radio.Radio
	Engine    *mesh.Engine
	Transport *transport.Manager
	Bridge    *bridge.Service
	Session   *meshtastic.Session
	Bus       *gateway.EventBus
	Direct    *uplink.Client
	Queue     QueueDepth
	Telemetry *uplink.TelemetryPublisher
	Log       *zap.Logger
}

// QueueDepth is the queue-size probe for status documents.
type QueueDepth interface {
	PendingCount() (int, error)
}

// Device is the main loop host.
type Device struct {
	Deps

	tick        time.Duration
	statusEvery time.Duration
	lastStatus  time.Time

	mu     sync.Mutex
	lat    float64
	lon    float64
	alt    float64
	hasFix bool
}

// New builds the loop host around already-constructed components.
func New(deps Deps) *Device {
	return &Device{
		Deps:        deps,
		tick:        500 * time.Millisecond,
		statusEvery: 30 * time.Second,
	}
}

// SetPosition records the device's own fix, used to enrich phone reports
// that arrive without one.
func (d *Device) SetPosition(lat, lon, alt float64) {
	d.mu.Lock()
	d.lat, d.lon, d.alt, d.hasFix = lat, lon, alt, true
	d.mu.Unlock()
}

// Position implements bridge.PositionFunc.
func (d *Device) Position() (lat, lon, alt float64, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lat, d.lon, d.alt, d.hasFix
}

// Run drives the cooperative loop until ctx is cancelled.
func (d *Device) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.tick)
	defer ticker.Stop()

	d.Log.Info("device loop running",
		zap.Duration("tick", d.tick),
		zap.Uint32("node_id", d.Engine.NodeID()),
	)

	for {
		select {
		case <-ctx.Done():
			d.Log.Info("device loop stopping")
			return ctx.Err()
		case <-ticker.C:
			now := time.Now()
			d.Engine.Update(now)
			d.pumpInbound()
			d.Bridge.Drain()

			sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
			d.Transport.ProcessQueue(sendCtx, now)
			cancel()

			if now.Sub(d.lastStatus) >= d.statusEvery {
				d.publishStatus(now)
				d.lastStatus = now
			}
		}
	}
}

// pumpInbound moves received mesh messages to the phone bridge and any
// polling Meshtastic client.
func (d *Device) pumpInbound() {
	for d.Engine.HasMessage() {
		msg, ok := d.Engine.Receive()
		if !ok {
			return
		}

		envelope := meshEnvelope(&msg)
		d.Bridge.NotifyMesh(envelope)
		d.Bus.PublishMessage(envelope)

		d.Session.QueuePacket(&meshtastic.MeshPacket{
			ID:      msg.Sequence,
			From:    msg.Source,
			To:      meshtastic.BroadcastAddr,
			PortNum: meshtastic.PortTextMessage,
			Payload: []byte(summarize(&msg)),
			RxTime:  uint32(msg.Timestamp.Unix()),
		})
	}
}

// HandleMeshtasticPacket is the session's inbound handler: a stock
// client app wrote a packet for the mesh. Text messages become
// low-priority incident broadcasts; everything else is logged and
// dropped.
func (d *Device) HandleMeshtasticPacket(p *meshtastic.MeshPacket) {
	if p.PortNum != meshtastic.PortTextMessage {
		d.Log.Debug("meshtastic packet ignored",
			zap.String("port", meshtastic.PortLabel(p.PortNum)))
		return
	}
	inc := &report.Incident{
		Priority:    report.PriorityLow,
		Category:    "text",
		Description: string(p.Payload),
		DeviceID:    d.Engine.NodeID(),
		ReportedAt:  time.Now().UTC(),
	}
	if lat, lon, alt, ok := d.Position(); ok {
		inc.Latitude, inc.Longitude, inc.Altitude = lat, lon, alt
	}

	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	res := d.Transport.SendIncident(ctx, inc, nil)
	d.Log.Info("meshtastic text forwarded", zap.String("result", res.String()))
}

// ── status ────────────────────────────────────────────────────────────────

// StatusDoc is the device health snapshot served to phones, the
// diagnostics API, and telemetry.
type StatusDoc struct {
	NodeID     string    `json:"node_id"`
	Time       time.Time `json:"time"`
	RouteCount int       `json:"route_count"`
	QueueDepth int       `json:"queue_depth"`
	DirectLink bool      `json:"direct_link"`
	Clients    int       `json:"ble_clients"`
	FramesRX   uint64    `json:"radio_frames_rx"`
	FramesBad  uint64    `json:"radio_frames_bad"`
	RSSI       int       `json:"rssi"`
	SNR        float64   `json:"snr"`
}

// Status builds the current snapshot.
func (d *Device) Status() *StatusDoc {
	depth, err := d.Queue.PendingCount()
	if err != nil {
		d.Log.Warn("status: queue depth", zap.Error(err))
	}
	q := d.Radio.LinkQuality()
	return &StatusDoc{
		NodeID:     fmt.Sprintf("!%08x", d.Engine.NodeID()),
		Time:       time.Now().UTC(),
		RouteCount: d.Engine.RouteCount(),
		QueueDepth: depth,
		DirectLink: d.Direct.Available(),
		Clients:    d.Bridge.ClientCount(),
		FramesRX:   q.FramesRX,
		FramesBad:  q.BadFrames,
		RSSI:       q.RSSI,
		SNR:        q.SNR,
	}
}

// StatusJSON implements the bridge's status characteristic.
func (d *Device) StatusJSON() []byte {
	body, err := json.Marshal(d.Status())
	if err != nil {
		return []byte("{}")
	}
	return body
}

func (d *Device) publishStatus(now time.Time) {
	doc := d.Status()
	d.Bridge.NotifyStatus(d.StatusJSON())
	d.Bus.PublishStatus(doc)

	if d.Telemetry != nil {
		d.Telemetry.Publish(&uplink.DeviceStatus{
			DeviceID:    doc.NodeID,
			Time:        now.UTC(),
			RouteCount:  doc.RouteCount,
			QueueDepth:  doc.QueueDepth,
			DirectLink:  doc.DirectLink,
			RadioFrames: doc.FramesRX,
			RadioBad:    doc.FramesBad,
		})
	}
}

// Sender adapts the transport manager to the bridge's context-free
// surface. Each forwarded report gets its own bounded context.
type Sender struct {
	m *transport.Manager
}

// NewSender wraps the manager for bridge wiring.
func NewSender(m *transport.Manager) Sender { return Sender{m: m} }

// SendIncident implements bridge.Sender.
func (s Sender) SendIncident(inc *report.Incident, media []transport.MediaBlob) transport.Result {
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	return s.m.SendIncident(ctx, inc, media)
}

// ── helpers ───────────────────────────────────────────────────────────────

// meshEnvelope is the JSON pushed to phones for an inbound mesh message.
func meshEnvelope(m *mesh.Message) map[string]interface{} {
	return map[string]interface{}{
		"source":    fmt.Sprintf("!%08x", m.Source),
		"sequence":  m.Sequence,
		"type":      m.Type.String(),
		"priority":  m.Priority.String(),
		"hop_count": m.HopCount,
		"timestamp": m.Timestamp.UTC().Format(time.RFC3339),
		"payload":   string(m.Payload),
	}
}

// summarize renders a mesh message as a single text line for Meshtastic
// clients, which only understand text on this path.
func summarize(m *mesh.Message) string {
	switch m.Type {
	case radio.MsgIncident:
		if inc, err := report.DecodeMesh(m.Payload); err == nil {
			return fmt.Sprintf("[%s] %s: %s", inc.Priority.String(), inc.Category, inc.Description)
		}
	}
	return fmt.Sprintf("[%s] %s", m.Type.String(), string(m.Payload))
}
