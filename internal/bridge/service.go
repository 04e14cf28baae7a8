// Package bridge exposes the device to locally-paired phones over a
// GATT-style service: incident submission, mesh notifications, status,
// config, and chunked media transfer.
//
// The wireless stack invokes callbacks from its own task context. Those
// callbacks only parse and enqueue; all engine/transport state is
// touched exclusively by the main loop draining the command channel.
package bridge

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fieldbeacon/fieldbeacon/internal/report"
	"github.com/fieldbeacon/fieldbeacon/internal/transport"
)

// Characteristic UUIDs of the primary bridge service.
const (
	ServiceUUID    = "8f1d9a60-52f4-4a34-9e2b-1c6f0a5e7d31"
	IncidentTxUUID = "8f1d9a61-52f4-4a34-9e2b-1c6f0a5e7d31" // write
	MeshRxUUID     = "8f1d9a62-52f4-4a34-9e2b-1c6f0a5e7d31" // notify
	StatusUUID     = "8f1d9a63-52f4-4a34-9e2b-1c6f0a5e7d31" // read + notify
	ConfigUUID     = "8f1d9a64-52f4-4a34-9e2b-1c6f0a5e7d31" // read + write
	MediaUUID      = "8f1d9a65-52f4-4a34-9e2b-1c6f0a5e7d31" // write, chunked
)

// Media chunk framing: 8-byte header + up to MaxChunkPayload bytes.
//
//	0  1  chunk index
//	1  1  total chunks
//	2  4  total size (u32 BE)
//	6  2  reserved
const (
	chunkHeaderSize = 8
	MaxChunkPayload = 504
	// maxMediaSize bounds a single reassembled blob.
	maxMediaSize = 255 * MaxChunkPayload
)

// PositionFunc supplies the device's own fix for enriching phone
// reports that arrive without one.
type PositionFunc func() (lat, lon, alt float64, ok bool)

// ConfigHandler backs the config characteristic.
type ConfigHandler interface {
	ReadConfig() []byte
	WriteConfig(data []byte) error
}

// Sender is the TransportManager dependency.
type Sender interface {
	SendIncident(inc *report.Incident, media []transport.MediaBlob) transport.Result
}

// Notifier delivers a notification to one subscribed connection.
type Notifier func(charUUID string, data []byte)

// command is one unit of work handed from a wireless-stack callback to
// the main loop.
type command struct {
	incident *report.Incident
	media    []transport.MediaBlob
}

// connState tracks per-connection subscriptions and media reassembly.
type connState struct {
	notify    Notifier
	meshSub   bool
	statusSub bool
	assembly  *mediaAssembly
	pending   []transport.MediaBlob // completed blobs awaiting an incident
}

type mediaAssembly struct {
	total     int
	totalSize int
	chunks    map[int][]byte
	started   time.Time
}

// Service is the bridge core. Safe for concurrent use from the wireless
// stack's task context; Drain must be called from the main loop.
type Service struct {
	sender   Sender
	position PositionFunc
	config   ConfigHandler
	statusFn func() []byte
	deviceID uint32
	log      *zap.Logger

	commands chan command

	mu    sync.Mutex
	conns map[string]*connState
}

// New builds the bridge service.
func New(sender Sender, position PositionFunc, config ConfigHandler, statusFn func() []byte, deviceID uint32, log *zap.Logger) *Service {
	return &Service{
		sender:   sender,
		position: position,
		config:   config,
		statusFn: statusFn,
		deviceID: deviceID,
		log:      log,
		commands: make(chan command, 32),
		conns:    make(map[string]*connState),
	}
}

// ── connection lifecycle (wireless-stack context) ─────────────────────────

// Connect registers a new phone connection.
func (s *Service) Connect(connID string, notify Notifier) {
	s.mu.Lock()
	s.conns[connID] = &connState{notify: notify}
	n := len(s.conns)
	s.mu.Unlock()
	s.log.Info("bridge: client connected",
		zap.String("conn", connID), zap.Int("clients", n))
}

// Disconnect drops a connection and any partial media it left behind.
func (s *Service) Disconnect(connID string) {
	s.mu.Lock()
	delete(s.conns, connID)
	n := len(s.conns)
	s.mu.Unlock()
	s.log.Info("bridge: client disconnected",
		zap.String("conn", connID), zap.Int("clients", n))
}

// Subscribe marks a connection as wanting notifications on a
// characteristic.
func (s *Service) Subscribe(connID, charUUID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conns[connID]
	if !ok {
		return
	}
	switch charUUID {
	case MeshRxUUID:
		c.meshSub = true
	case StatusUUID:
		c.statusSub = true
	}
}

// ── characteristic writes (wireless-stack context) ────────────────────────

// incidentWrite is the phone's JSON for the incident-tx characteristic.
type incidentWrite struct {
	Latitude    float64 `json:"latitude"`
	Longitude   float64 `json:"longitude"`
	Altitude    float64 `json:"altitude"`
	Priority    string  `json:"priority"`
	Category    string  `json:"category"`
	Description string  `json:"description"`
}

// WriteIncident handles a write to the incident-tx characteristic. The
// report is enriched with the device's own fix when the phone sent none,
// then queued for the main loop; the callback never blocks on transport.
func (s *Service) WriteIncident(connID string, data []byte) error {
	var w incidentWrite
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("bridge: invalid incident JSON: %w", err)
	}

	inc := &report.Incident{
		Latitude:    w.Latitude,
		Longitude:   w.Longitude,
		Altitude:    w.Altitude,
		Priority:    report.ParsePriority(w.Priority),
		Category:    w.Category,
		Description: w.Description,
		DeviceID:    s.deviceID,
		ReportedAt:  time.Now().UTC(),
	}
	if !inc.HasPosition() && s.position != nil {
		if lat, lon, alt, ok := s.position(); ok {
			inc.Latitude, inc.Longitude, inc.Altitude = lat, lon, alt
		}
	}

	var media []transport.MediaBlob
	s.mu.Lock()
	if c, ok := s.conns[connID]; ok && len(c.pending) > 0 {
		media = c.pending
		c.pending = nil
	}
	s.mu.Unlock()

	select {
	case s.commands <- command{incident: inc, media: media}:
		return nil
	default:
		return fmt.Errorf("bridge: command queue full")
	}
}

// WriteMedia handles one chunk written to the media characteristic.
// Chunks carry an 8-byte header; the blob is reassembled per connection
// and attached to that connection's next incident.
func (s *Service) WriteMedia(connID string, data []byte) error {
	if len(data) < chunkHeaderSize {
		return fmt.Errorf("bridge: media chunk too short (%d bytes)", len(data))
	}
	index := int(data[0])
	total := int(data[1])
	totalSize := int(uint32(data[2])<<24 | uint32(data[3])<<16 | uint32(data[4])<<8 | uint32(data[5]))
	payload := data[chunkHeaderSize:]

	if total == 0 || index >= total {
		return fmt.Errorf("bridge: bad chunk index %d/%d", index, total)
	}
	if len(payload) > MaxChunkPayload {
		return fmt.Errorf("bridge: chunk payload %d exceeds %d", len(payload), MaxChunkPayload)
	}
	if totalSize > maxMediaSize {
		return fmt.Errorf("bridge: media size %d exceeds %d", totalSize, maxMediaSize)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conns[connID]
	if !ok {
		return fmt.Errorf("bridge: unknown connection %s", connID)
	}

	if c.assembly == nil || c.assembly.total != total || c.assembly.totalSize != totalSize {
		c.assembly = &mediaAssembly{
			total:     total,
			totalSize: totalSize,
			chunks:    make(map[int][]byte),
			started:   time.Now(),
		}
	}
	c.assembly.chunks[index] = append([]byte(nil), payload...)

	if len(c.assembly.chunks) < total {
		return nil
	}

	// All chunks in: stitch and verify the advertised size.
	blob := make([]byte, 0, totalSize)
	for i := 0; i < total; i++ {
		part, ok := c.assembly.chunks[i]
		if !ok {
			return fmt.Errorf("bridge: missing chunk %d", i)
		}
		blob = append(blob, part...)
	}
	c.assembly = nil
	if len(blob) != totalSize {
		return fmt.Errorf("bridge: media size mismatch (want %d, got %d)", totalSize, len(blob))
	}

	c.pending = append(c.pending, transport.MediaBlob{
		Name: fmt.Sprintf("media-%s-%d", connID, time.Now().UnixNano()),
		Data: blob,
	})
	s.log.Debug("bridge: media reassembled",
		zap.String("conn", connID), zap.Int("bytes", len(blob)))
	return nil
}

// WriteConfig applies a config characteristic write.
func (s *Service) WriteConfig(data []byte) error {
	if s.config == nil {
		return fmt.Errorf("bridge: config not available")
	}
	return s.config.WriteConfig(data)
}

// ── characteristic reads (wireless-stack context) ─────────────────────────

// ReadStatus serves the status characteristic.
func (s *Service) ReadStatus() []byte {
	if s.statusFn == nil {
		return []byte("{}")
	}
	return s.statusFn()
}

// ReadConfig serves the config characteristic.
func (s *Service) ReadConfig() []byte {
	if s.config == nil {
		return []byte("{}")
	}
	return s.config.ReadConfig()
}

// ── main-loop side ────────────────────────────────────────────────────────

// Drain processes queued phone commands. Called from the main loop; this
// is the only place bridge traffic reaches the transport manager.
func (s *Service) Drain() {
	for {
		select {
		case cmd := <-s.commands:
			res := s.sender.SendIncident(cmd.incident, cmd.media)
			s.log.Info("bridge: incident forwarded",
				zap.String("result", res.String()),
				zap.String("priority", cmd.incident.Priority.String()),
			)
		default:
			return
		}
	}
}

// NotifyMesh pushes an inbound mesh message to every subscribed phone.
// The payload is a small JSON envelope, not raw frame bytes.
func (s *Service) NotifyMesh(envelope interface{}) {
	body, err := json.Marshal(envelope)
	if err != nil {
		s.log.Warn("bridge: marshal mesh notify", zap.Error(err))
		return
	}
	s.fanout(MeshRxUUID, body, func(c *connState) bool { return c.meshSub })
}

// NotifyStatus pushes a status update to subscribed phones.
func (s *Service) NotifyStatus(body []byte) {
	s.fanout(StatusUUID, body, func(c *connState) bool { return c.statusSub })
}

func (s *Service) fanout(charUUID string, body []byte, want func(*connState) bool) {
	s.mu.Lock()
	targets := make([]Notifier, 0, len(s.conns))
	for _, c := range s.conns {
		if want(c) && c.notify != nil {
			targets = append(targets, c.notify)
		}
	}
	s.mu.Unlock()

	for _, notify := range targets {
		notify(charUUID, body)
	}
}

// ClientCount returns the number of connected phones.
func (s *Service) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}
