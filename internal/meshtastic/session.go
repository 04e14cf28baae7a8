package meshtastic

import (
	"sync"

	"go.uber.org/zap"
)

// SessionState is the handshake progression for one connected client.
// Transitions are strictly forward within a session; the only way back
// is a full session reset (reconnect or protocol violation).
type SessionState int

const (
	StateNothingSent SessionState = iota
	StateMyInfoSent
	StateNodeInfoSent
	StateConfigCompleteSent
	StateSteady
)

func (s SessionState) String() string {
	switch s {
	case StateMyInfoSent:
		return "my-node-info-sent"
	case StateNodeInfoSent:
		return "own-node-info-sent"
	case StateConfigCompleteSent:
		return "config-complete-sent"
	case StateSteady:
		return "steady-state"
	default:
		return "nothing-sent"
	}
}

// PacketHandler receives packets a client writes for the mesh.
type PacketHandler func(p *MeshPacket)

// Session emulates the Meshtastic device side of one client connection.
// Clients poll by reading the from-device characteristic; each read
// returns the next preamble message exactly once, in order, then queued
// outbound packets one per read. Real client apps reject any deviation,
// so Advance is the single transition point.
type Session struct {
	identity NodeIdentity
	handler  PacketHandler
	log      *zap.Logger

	mu       sync.Mutex
	state    SessionState
	nonce    uint32
	started  bool
	outbound [][]byte // encoded FromRadio{packet} frames
	fromNum  uint32

	// onFromNum fires (outside the lock) whenever a new outbound packet
	// becomes available, so the transport can notify the counter
	// characteristic.
	onFromNum func(n uint32)
}

// NewSession creates a session in the nothing-sent state.
func NewSession(identity NodeIdentity, handler PacketHandler, log *zap.Logger) *Session {
	return &Session{identity: identity, handler: handler, log: log}
}

// SetFromNumHandler registers the new-data notification callback.
func (s *Session) SetFromNumHandler(fn func(n uint32)) {
	s.mu.Lock()
	s.onFromNum = fn
	s.mu.Unlock()
}

// State returns the current handshake state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Reset returns the session to nothing-sent. Called on client reconnect
// and on protocol violation; the connection itself survives.
func (s *Session) Reset() {
	s.mu.Lock()
	s.state = StateNothingSent
	s.nonce = 0
	s.started = false
	s.outbound = nil
	s.mu.Unlock()
}

// HandleWrite processes a client write to the to-device characteristic.
func (s *Session) HandleWrite(data []byte) error {
	tr, err := DecodeToRadio(data)
	if err != nil {
		// Garbage in: reset this client's session, keep the connection.
		s.log.Warn("meshtastic: malformed ToRadio, resetting session", zap.Error(err))
		s.Reset()
		return err
	}

	if tr.HasWantConfig {
		s.mu.Lock()
		if s.started && s.state != StateSteady {
			// Config restart mid-preamble is a protocol violation;
			// start the session over rather than continuing a broken
			// sequence.
			s.log.Warn("meshtastic: config restart mid-handshake",
				zap.String("state", s.state.String()))
		}
		s.state = StateNothingSent
		s.nonce = tr.WantConfigID
		s.started = true
		s.outbound = nil
		s.mu.Unlock()
		s.log.Debug("meshtastic: config start", zap.Uint32("nonce", tr.WantConfigID))
		return nil
	}

	if tr.Disconnect {
		s.Reset()
		return nil
	}

	if tr.Packet != nil {
		if s.handler != nil {
			s.handler(tr.Packet)
		}
		return nil
	}
	return nil
}

// NextRead returns the bytes for the next read of the from-device
// characteristic. An empty slice means "nothing for you right now",
// which clients interpret as end-of-stream for this poll round.
func (s *Session) NextRead() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return nil
	}

	switch s.state {
	case StateNothingSent:
		s.state = StateMyInfoSent
		return EncodeMyInfo(s.identity)
	case StateMyInfoSent:
		s.state = StateNodeInfoSent
		return EncodeNodeInfo(s.identity)
	case StateNodeInfoSent:
		s.state = StateConfigCompleteSent
		return EncodeConfigComplete(s.nonce)
	case StateConfigCompleteSent:
		s.state = StateSteady
		return s.popOutboundLocked()
	default:
		return s.popOutboundLocked()
	}
}

func (s *Session) popOutboundLocked() []byte {
	if len(s.outbound) == 0 {
		return nil
	}
	out := s.outbound[0]
	s.outbound = s.outbound[1:]
	return out
}

// QueuePacket makes an outbound mesh packet available to the client and
// bumps the from-num counter. Packets queued before the handshake
// finishes wait their turn; the preamble always wins.
func (s *Session) QueuePacket(p *MeshPacket) {
	s.mu.Lock()
	s.outbound = append(s.outbound, EncodePacket(p))
	s.fromNum++
	n := s.fromNum
	notify := s.onFromNum
	s.mu.Unlock()

	if notify != nil {
		notify(n)
	}
}

// FromNum returns the counter characteristic's current value.
func (s *Session) FromNum() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fromNum
}
