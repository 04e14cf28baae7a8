package meshtastic

import (
	"encoding/binary"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/fieldbeacon/fieldbeacon/internal/radio"
)

// Mode selects how outbound traffic is split across the two protocols
// sharing the radio.
type Mode int

const (
	// ModeNative speaks only the device's own protocol.
	ModeNative Mode = iota
	// ModeMeshtastic speaks only Meshtastic on air.
	ModeMeshtastic
	// ModeHybrid routes by content: critical/structured traffic native,
	// plain text via Meshtastic so stock clients can read it.
	ModeHybrid
	// ModeBridge transmits every message via both protocols.
	ModeBridge
)

func (m Mode) String() string {
	switch m {
	case ModeMeshtastic:
		return "meshtastic"
	case ModeHybrid:
		return "hybrid"
	case ModeBridge:
		return "bridge"
	default:
		return "native"
	}
}

// Adapter multiplexes the native protocol and Meshtastic over one
// radio. Switching protocols means reprogramming the radio's sync word,
// so every send holds the adapter lock across the switch + transmit:
// no frame ever goes out mid-reconfiguration.
//
// Adapter implements radio.Radio; the mesh engine sends through it
// without knowing the second protocol exists.
type Adapter struct {
	inner       radio.Radio
	log         *zap.Logger
	nativeSync  byte
	foreignSync byte

	mu      sync.Mutex
	mode    Mode
	current byte // sync word the radio is currently programmed with
	nextID  uint32
	nodeNum uint32
}

// NewAdapter wraps the radio. The radio is assumed to start on the
// native sync word.
func NewAdapter(inner radio.Radio, nativeSync, foreignSync byte, nodeNum uint32, log *zap.Logger) *Adapter {
	return &Adapter{
		inner:       inner,
		log:         log,
		nativeSync:  nativeSync,
		foreignSync: foreignSync,
		current:     nativeSync,
		mode:        ModeNative,
		nodeNum:     nodeNum,
	}
}

// SetMode switches the protocol policy.
func (a *Adapter) SetMode(m Mode) {
	a.mu.Lock()
	a.mode = m
	a.mu.Unlock()
	a.log.Info("meshtastic: protocol mode changed", zap.String("mode", m.String()))
}

// Mode returns the current policy.
func (a *Adapter) Mode() Mode {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.mode
}

// ── radio.Radio ───────────────────────────────────────────────────────────

// Send routes one native-encoded frame according to the current mode.
// Hybrid inspects the frame's message type to decide; bridge sends on
// both networks.
func (a *Adapter) Send(frame []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch a.mode {
	case ModeNative:
		return a.sendNativeLocked(frame)
	case ModeMeshtastic:
		return a.sendForeignLocked(frame)
	case ModeBridge:
		if err := a.sendNativeLocked(frame); err != nil {
			return err
		}
		return a.sendForeignLocked(frame)
	default: // ModeHybrid
		if a.wantsForeign(frame) {
			return a.sendForeignLocked(frame)
		}
		return a.sendNativeLocked(frame)
	}
}

// wantsForeign decides the hybrid split: plain text/location traffic
// goes out as Meshtastic, everything critical or structured stays
// native. Undecodable frames stay native too.
func (a *Adapter) wantsForeign(frame []byte) bool {
	f, err := radio.Decode(frame)
	if err != nil {
		return false
	}
	switch radio.MsgType(f.Type) {
	case radio.MsgLocation:
		return true
	default:
		return false
	}
}

func (a *Adapter) sendNativeLocked(frame []byte) error {
	if err := a.ensureSyncLocked(a.nativeSync); err != nil {
		return err
	}
	return a.inner.Send(frame)
}

func (a *Adapter) sendForeignLocked(nativeFrame []byte) error {
	air, err := a.translateLocked(nativeFrame)
	if err != nil {
		return err
	}
	if err := a.ensureSyncLocked(a.foreignSync); err != nil {
		return err
	}
	return a.inner.Send(air)
}

func (a *Adapter) ensureSyncLocked(sync byte) error {
	if a.current == sync {
		return nil
	}
	if err := a.inner.SetSyncWord(sync); err != nil {
		return fmt.Errorf("meshtastic: sync switch: %w", err)
	}
	a.current = sync
	return nil
}

// translateLocked turns a native frame into a Meshtastic air packet
// carrying the payload as a text message. Confidentiality is a future
// layer; the packet goes out unencrypted on the primary channel.
func (a *Adapter) translateLocked(nativeFrame []byte) ([]byte, error) {
	f, err := radio.Decode(nativeFrame)
	if err != nil {
		return nil, fmt.Errorf("meshtastic: translate: %w", err)
	}
	a.nextID++
	pkt := AirPacket{
		To:       BroadcastAddr,
		From:     a.nodeNum,
		ID:       a.nextID,
		HopLimit: 3,
		PortNum:  PortTextMessage,
		Payload:  f.Payload,
	}
	return pkt.Encode()
}

// Frames passes the inner radio's inbound channel through. Only the
// currently-programmed network is audible; that is inherent to a single
// radio.
func (a *Adapter) Frames() <-chan radio.Frame { return a.inner.Frames() }

func (a *Adapter) LinkQuality() radio.Quality { return a.inner.LinkQuality() }

// SetSyncWord is part of radio.Radio but external callers must not
// fight the adapter's own switching; it records the value as native.
func (a *Adapter) SetSyncWord(sync byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nativeSync = sync
	return a.ensureSyncLocked(sync)
}

func (a *Adapter) Close() error { return a.inner.Close() }

// ── Meshtastic on-air framing ─────────────────────────────────────────────

// AirPacket is the Meshtastic RF packet layout: a 16-byte little-endian
// header followed by the Data protobuf.
//
//	offset width field
//	0      4     destination (LE)
//	4      4     source (LE)
//	8      4     packet id (LE)
//	12     1     flags (hop limit in bits 0–2)
//	13     1     channel hash
//	14     1     next hop
//	15     1     relay node
type AirPacket struct {
	To       uint32
	From     uint32
	ID       uint32
	HopLimit uint8
	Channel  uint8
	PortNum  PortNum
	Payload  []byte
}

const airHeaderSize = 16

// Encode serialises the air packet.
func (p *AirPacket) Encode() ([]byte, error) {
	var data []byte
	data = protowire.AppendTag(data, dataPortnumField, protowire.VarintType)
	data = protowire.AppendVarint(data, uint64(p.PortNum))
	data = protowire.AppendTag(data, dataPayloadField, protowire.BytesType)
	data = protowire.AppendBytes(data, p.Payload)

	if airHeaderSize+len(data) > radio.MaxFrameSize {
		return nil, fmt.Errorf("meshtastic: air packet %d bytes too large", airHeaderSize+len(data))
	}

	buf := make([]byte, airHeaderSize, airHeaderSize+len(data))
	binary.LittleEndian.PutUint32(buf[0:4], p.To)
	binary.LittleEndian.PutUint32(buf[4:8], p.From)
	binary.LittleEndian.PutUint32(buf[8:12], p.ID)
	buf[12] = p.HopLimit & 0x07
	buf[13] = p.Channel
	return append(buf, data...), nil
}

// DecodeAirPacket parses a Meshtastic RF packet.
func DecodeAirPacket(raw []byte) (*AirPacket, error) {
	if len(raw) < airHeaderSize {
		return nil, fmt.Errorf("meshtastic: air packet too short (%d bytes)", len(raw))
	}
	p := &AirPacket{
		To:       binary.LittleEndian.Uint32(raw[0:4]),
		From:     binary.LittleEndian.Uint32(raw[4:8]),
		ID:       binary.LittleEndian.Uint32(raw[8:12]),
		HopLimit: raw[12] & 0x07,
		Channel:  raw[13],
	}
	var pkt MeshPacket
	if err := decodeData(raw[airHeaderSize:], &pkt); err != nil {
		return nil, err
	}
	p.PortNum = pkt.PortNum
	p.Payload = pkt.Payload
	return p, nil
}
