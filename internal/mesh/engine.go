package mesh

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fieldbeacon/fieldbeacon/internal/radio"
	"github.com/fieldbeacon/fieldbeacon/internal/report"
	"github.com/fieldbeacon/fieldbeacon/internal/store"
)

// Options tune the engine. Zero values pick the field defaults.
type Options struct {
	MaxHops           int
	TTL               time.Duration
	HeartbeatInterval time.Duration
	CleanupInterval   time.Duration
	StalenessWindow   time.Duration
	SyncWord          byte
}

func (o *Options) applyDefaults() {
	if o.MaxHops == 0 {
		o.MaxHops = 5
	}
	if o.TTL == 0 {
		o.TTL = 60 * time.Second
	}
	if o.HeartbeatInterval == 0 {
		o.HeartbeatInterval = 30 * time.Second
	}
	if o.CleanupInterval == 0 {
		o.CleanupInterval = 60 * time.Second
	}
	if o.StalenessWindow == 0 {
		o.StalenessWindow = 5 * time.Minute
	}
	if o.SyncWord == 0 {
		o.SyncWord = radio.DefaultSync
	}
}

// EventSink receives diagnostics events. The gateway event bus satisfies
// it; a nil sink is valid.
type EventSink interface {
	PublishMessage(data interface{})
	PublishNodeUpdate(data interface{})
}

// seqPersistEvery bounds identity writes: the high-water mark is saved
// once per this many assignments, and the boot counter skips past the
// stored mark by the same margin.
const seqPersistEvery = 32

// Engine is the mesh protocol engine. All exported methods are safe for
// concurrent use; Update must be driven from the device's main loop.
type Engine struct {
	radio radio.Radio
	db    *store.DB
	log   *zap.Logger
	sink  EventSink
	opts  Options

	nodeID uint32

	mu            sync.Mutex
	seq           uint32
	inbound       []Message // FIFO of messages addressed to this node
	lastHeartbeat time.Time
	lastCleanup   time.Time

	state *meshState
}

// NewEngine builds an engine around a radio and the persistent identity
// store. sink may be nil.
func NewEngine(r radio.Radio, db *store.DB, hardwareID string, opts Options, sink EventSink, log *zap.Logger) (*Engine, error) {
	opts.applyDefaults()

	ident, err := db.LoadOrCreateIdentity(hardwareID)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		radio:  r,
		db:     db,
		log:    log,
		sink:   sink,
		opts:   opts,
		nodeID: ident.NodeID,
		// Skip past the stored mark so sequences stay unique even when
		// the last few assignments were never persisted.
		seq:   ident.SeqHWM + seqPersistEvery,
		state: newMeshState(),
	}
	log.Info("mesh: engine ready",
		zap.Uint32("node_id", e.nodeID),
		zap.Uint32("seq_start", e.seq),
		zap.Int("max_hops", opts.MaxHops),
	)
	return e, nil
}

// NodeID returns this node's persistent identity.
func (e *Engine) NodeID() uint32 { return e.nodeID }

// Routes exposes the routing table snapshot for diagnostics.
func (e *Engine) Routes() []*RouteEntry { return e.state.Routes() }

// RouteCount returns the number of known destinations.
func (e *Engine) RouteCount() int { return e.state.RouteCount() }

// ── outbound ──────────────────────────────────────────────────────────────

// SendIncident encodes a report and broadcasts it. Returns false when
// the radio cannot take the frame; the caller decides queue-or-drop.
func (e *Engine) SendIncident(inc *report.Incident) bool {
	payload, err := inc.EncodeMesh(MaxAppPayload)
	if err != nil {
		e.log.Warn("mesh: encode incident", zap.Error(err))
		return false
	}
	msg := Message{
		Destination: Broadcast,
		Type:        radio.MsgIncident,
		Priority:    inc.Priority,
		TTL:         e.opts.TTL,
		Payload:     payload,
		Timestamp:   time.Now().UTC(),
	}
	if !e.Send(&msg) {
		return false
	}
	// Callers correlate ACKs and queue bookkeeping by this sequence.
	inc.Sequence = msg.Sequence
	return true
}

// Send transmits one message. Source, sequence and timestamp are filled
// in when unset. Never blocks on the radio; false means busy/unavailable
// and the engine does not retry internally.
func (e *Engine) Send(msg *Message) bool {
	msg.Source = e.nodeID
	if msg.Sequence == 0 {
		msg.Sequence = e.nextSeq()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	if msg.TTL == 0 {
		msg.TTL = e.opts.TTL
	}

	raw, err := msg.EncodeFrame(e.opts.SyncWord)
	if err != nil {
		e.log.Warn("mesh: encode frame", zap.Error(err))
		return false
	}

	// Our own frame may echo back through a relay; pre-mark it seen.
	e.state.markSeen(msg.Source, msg.Sequence, time.Now().UTC())

	if err := e.radio.Send(raw); err != nil {
		e.log.Debug("mesh: send failed", zap.Error(err),
			zap.String("type", msg.Type.String()))
		return false
	}
	return true
}

// ── inbound ───────────────────────────────────────────────────────────────

// HasMessage reports whether the inbound FIFO is non-empty.
func (e *Engine) HasMessage() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.inbound) > 0
}

// Receive pops the oldest inbound message addressed to this node.
func (e *Engine) Receive() (Message, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.inbound) == 0 {
		return Message{}, false
	}
	msg := e.inbound[0]
	e.inbound = e.inbound[1:]
	return msg, true
}

// ── tick ──────────────────────────────────────────────────────────────────

// Update drives the engine: drains the radio, emits heartbeats, and runs
// periodic cleanup. Must be called regularly from the main loop.
func (e *Engine) Update(now time.Time) {
drain:
	for {
		select {
		case f := <-e.radio.Frames():
			e.handleFrame(f, now)
		default:
			break drain
		}
	}

	e.mu.Lock()
	heartbeatDue := now.Sub(e.lastHeartbeat) >= e.opts.HeartbeatInterval
	if heartbeatDue {
		e.lastHeartbeat = now
	}
	cleanupDue := now.Sub(e.lastCleanup) >= e.opts.CleanupInterval
	if cleanupDue {
		e.lastCleanup = now
	}
	e.mu.Unlock()

	if heartbeatDue {
		e.Send(&Message{
			Destination: Broadcast,
			Type:        radio.MsgHeartbeat,
			Priority:    report.PriorityLow,
			Timestamp:   now,
		})
	}
	if cleanupDue {
		routes, seen := e.state.cleanup(now, e.opts.StalenessWindow)
		if routes > 0 || seen > 0 {
			e.log.Debug("mesh: cleanup",
				zap.Int("routes_evicted", routes),
				zap.Int("seen_evicted", seen),
			)
		}
	}
}

func (e *Engine) handleFrame(f radio.Frame, now time.Time) {
	msg, err := DecodeFrame(f)
	if err != nil {
		e.log.Debug("mesh: discarding frame", zap.Error(err))
		return
	}
	if msg.Source == e.nodeID {
		return // our own echo
	}

	// Duplicate or loop: neither processed nor relayed.
	if !e.state.markSeen(msg.Source, msg.Sequence, now) {
		return
	}

	// The frame arrived directly from its last relayer, so the source is
	// reachable through it at the reported hop count.
	e.state.upsertRoute(msg.Source, msg.Source, msg.HopCount, now)
	if e.sink != nil {
		e.sink.PublishNodeUpdate(&RouteEntry{
			Destination: msg.Source,
			NextHop:     msg.Source,
			HopCount:    msg.HopCount,
			LastSeen:    now,
		})
	}

	if msg.Type != radio.MsgHeartbeat {
		if err := e.db.LogFrame(&store.FrameRecord{
			Sender:     msg.Source,
			MsgType:    uint8(msg.Type),
			Sequence:   msg.Sequence,
			HopCount:   msg.HopCount,
			ReceivedAt: now,
		}); err != nil {
			e.log.Warn("mesh: frame log", zap.Error(err))
		}
	}

	addressedHere := msg.Destination == e.nodeID || msg.IsBroadcast()
	if addressedHere && msg.Type != radio.MsgHeartbeat {
		e.mu.Lock()
		e.inbound = append(e.inbound, msg)
		e.mu.Unlock()

		if e.sink != nil {
			e.sink.PublishMessage(&msg)
		}

		// Unicasts get an ACK so the sender's app can stop worrying.
		// ACKing an ACK would ping-pong forever.
		if !msg.IsBroadcast() && msg.Type != radio.MsgAck && msg.Type != radio.MsgNack {
			e.sendAck(&msg, now)
		}
	}

	if e.shouldRelay(&msg, now) {
		e.relay(&msg)
	}
}

// sendAck synthesizes a high-priority ACK referencing the original
// sequence number.
func (e *Engine) sendAck(orig *Message, now time.Time) {
	payload := make([]byte, 4)
	payload[0] = byte(orig.Sequence >> 24)
	payload[1] = byte(orig.Sequence >> 16)
	payload[2] = byte(orig.Sequence >> 8)
	payload[3] = byte(orig.Sequence)
	e.Send(&Message{
		Destination: orig.Source,
		Type:        radio.MsgAck,
		Priority:    report.PriorityHigh,
		Payload:     payload,
		Timestamp:   now,
	})
}

// shouldRelay applies the flood-routing bounds: hop ceiling, lifetime,
// no re-flooding of ACK/NACK or heartbeats, and never bouncing a
// unicast addressed to this node back out. Heartbeats are single-hop
// neighbour beacons; relaying one would advertise reachability the
// relayer cannot vouch for.
func (e *Engine) shouldRelay(msg *Message, now time.Time) bool {
	if int(msg.HopCount) >= e.opts.MaxHops {
		return false
	}
	if msg.Expired(now) {
		return false
	}
	switch msg.Type {
	case radio.MsgAck, radio.MsgNack, radio.MsgHeartbeat:
		return false
	}
	return msg.IsBroadcast() || msg.Destination != e.nodeID
}

// relay resends the message with hop count incremented and everything
// else unchanged. Keeping the sequence intact is what lets downstream
// nodes dedupe it.
func (e *Engine) relay(msg *Message) {
	out := *msg
	out.HopCount++
	raw, err := out.EncodeFrame(e.opts.SyncWord)
	if err != nil {
		e.log.Warn("mesh: encode relay", zap.Error(err))
		return
	}
	if err := e.radio.Send(raw); err != nil {
		// Relay is best-effort; the flood reaches the node another way
		// or not at all.
		e.log.Debug("mesh: relay dropped", zap.Error(err))
	}
}

func (e *Engine) nextSeq() uint32 {
	e.mu.Lock()
	e.seq++
	seq := e.seq
	e.mu.Unlock()

	if seq%seqPersistEvery == 0 {
		if err := e.db.SaveSeqHWM(seq); err != nil {
			e.log.Warn("mesh: persist sequence", zap.Error(err))
		}
	}
	return seq
}
