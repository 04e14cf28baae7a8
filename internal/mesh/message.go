// Package mesh implements the flood-routing protocol engine: duplicate
// suppression, hop/lifetime bounding, best-known-route tracking, and the
// inbound/outbound message API.
package mesh

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/fieldbeacon/fieldbeacon/internal/radio"
	"github.com/fieldbeacon/fieldbeacon/internal/report"
)

// Broadcast is the reserved all-nodes destination.
const Broadcast uint32 = 0xFFFFFFFF

// Message is the on-air unit above the radio frame. Sequence is 32-bit
// and monotonic per source; the radio header carries its low half and the
// mesh sub-header the high half.
type Message struct {
	Source      uint32
	Destination uint32
	Sequence    uint32
	Type        radio.MsgType
	Priority    report.Priority
	HopCount    uint8
	TTL         time.Duration // remaining lifetime from Timestamp
	Payload     []byte
	Timestamp   time.Time
}

// IsBroadcast reports whether the message addresses all nodes.
func (m *Message) IsBroadcast() bool { return m.Destination == Broadcast }

// Age is the elapsed time since origination.
func (m *Message) Age(now time.Time) time.Duration { return now.Sub(m.Timestamp) }

// Expired reports whether the message has outlived its TTL.
func (m *Message) Expired(now time.Time) bool { return m.Age(now) > m.TTL }

// ── frame codec ───────────────────────────────────────────────────────────
//
// Mesh sub-header inside the radio frame payload:
//
//	offset width field
//	0      4     destination (u32 BE)
//	4      2     sequence high half (u16 BE)
//	6      1     priority
//	7      1     hop count
//	8      2     ttl (u16 BE, seconds)
//	10     8     origination time (i64 BE, unix seconds)
//	18     n     application payload

const subHeaderSize = 18

// MaxAppPayload is the application payload budget per message.
const MaxAppPayload = radio.MaxPayload - subHeaderSize

// EncodeFrame serialises the message into an on-air frame.
func (m *Message) EncodeFrame(sync byte) ([]byte, error) {
	if len(m.Payload) > MaxAppPayload {
		return nil, fmt.Errorf("mesh: payload %d exceeds %d bytes", len(m.Payload), MaxAppPayload)
	}
	ttlSec := int64(m.TTL / time.Second)
	if ttlSec < 0 || ttlSec > 0xFFFF {
		return nil, fmt.Errorf("mesh: ttl %s out of range", m.TTL)
	}

	body := make([]byte, subHeaderSize, subHeaderSize+len(m.Payload))
	binary.BigEndian.PutUint32(body[0:4], m.Destination)
	binary.BigEndian.PutUint16(body[4:6], uint16(m.Sequence>>16))
	body[6] = byte(m.Priority)
	body[7] = m.HopCount
	binary.BigEndian.PutUint16(body[8:10], uint16(ttlSec))
	binary.BigEndian.PutUint64(body[10:18], uint64(m.Timestamp.Unix()))
	body = append(body, m.Payload...)

	f := radio.Frame{
		Sync:     sync,
		Sender:   m.Source,
		Type:     byte(m.Type),
		Sequence: uint16(m.Sequence & 0xFFFF),
		Payload:  body,
	}
	return f.Encode()
}

// DecodeFrame parses a validated radio frame into a Message.
func DecodeFrame(f radio.Frame) (Message, error) {
	if len(f.Payload) < subHeaderSize {
		return Message{}, fmt.Errorf("mesh: frame payload too short (%d bytes)", len(f.Payload))
	}
	body := f.Payload
	prio := report.Priority(body[6])
	if prio > report.PriorityLow {
		return Message{}, fmt.Errorf("mesh: invalid priority %d", body[6])
	}

	seq := uint32(binary.BigEndian.Uint16(body[4:6]))<<16 | uint32(f.Sequence)
	return Message{
		Source:      f.Sender,
		Destination: binary.BigEndian.Uint32(body[0:4]),
		Sequence:    seq,
		Type:        radio.MsgType(f.Type),
		Priority:    prio,
		HopCount:    body[7],
		TTL:         time.Duration(binary.BigEndian.Uint16(body[8:10])) * time.Second,
		Timestamp:   time.Unix(int64(binary.BigEndian.Uint64(body[10:18])), 0).UTC(),
		Payload:     append([]byte(nil), body[subHeaderSize:]...),
	}, nil
}
