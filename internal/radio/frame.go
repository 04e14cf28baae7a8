package radio

import (
	"encoding/binary"
	"fmt"
	"time"
)

// On-air frame layout (fixed, wire-compatible with deployed devices):
//
//	offset width field
//	0      1     sync byte
//	1      1     protocol version
//	2      4     sender node id (BE)
//	6      1     message type
//	7      2     sequence (u16 BE, low half of the 32-bit mesh sequence)
//	9      1     payload length
//	10     2     CRC16-CCITT (BE) over bytes [2..10) + payload
//	12     n     payload
//
// Total frame must fit the radio's 255-byte maximum.

const (
	HeaderSize   = 12
	MaxFrameSize = 255
	// MaxPayload is the largest payload a single frame can carry.
	MaxPayload = MaxFrameSize - HeaderSize

	ProtocolVersion = 0x01
	DefaultSync     = 0xAB
)

// Frame is a validated on-air frame.
type Frame struct {
	Sync     byte
	Version  byte
	Sender   uint32
	Type     byte
	Sequence uint16
	Payload  []byte
	Received time.Time
}

// Encode serialises the frame. The sync byte defaults to DefaultSync
// when unset.
func (f *Frame) Encode() ([]byte, error) {
	if len(f.Payload) > MaxPayload {
		return nil, fmt.Errorf("radio: payload %d exceeds %d bytes", len(f.Payload), MaxPayload)
	}
	sync := f.Sync
	if sync == 0 {
		sync = DefaultSync
	}
	version := f.Version
	if version == 0 {
		version = ProtocolVersion
	}

	buf := make([]byte, HeaderSize+len(f.Payload))
	buf[0] = sync
	buf[1] = version
	binary.BigEndian.PutUint32(buf[2:6], f.Sender)
	buf[6] = f.Type
	binary.BigEndian.PutUint16(buf[7:9], f.Sequence)
	buf[9] = byte(len(f.Payload))
	copy(buf[HeaderSize:], f.Payload)

	crc := crc16(buf[2:10])
	crc = crc16Update(crc, f.Payload)
	binary.BigEndian.PutUint16(buf[10:12], crc)
	return buf, nil
}

// Decode parses and validates raw bytes into a Frame. Length and CRC are
// checked before any field is trusted.
func Decode(data []byte) (Frame, error) {
	if len(data) < HeaderSize {
		return Frame{}, fmt.Errorf("radio: frame too short (%d bytes)", len(data))
	}
	if len(data) > MaxFrameSize {
		return Frame{}, fmt.Errorf("radio: frame too long (%d bytes)", len(data))
	}
	plen := int(data[9])
	if len(data) != HeaderSize+plen {
		return Frame{}, fmt.Errorf("radio: length mismatch (header says %d, have %d)", plen, len(data)-HeaderSize)
	}

	want := binary.BigEndian.Uint16(data[10:12])
	got := crc16(data[2:10])
	got = crc16Update(got, data[HeaderSize:])
	if want != got {
		return Frame{}, fmt.Errorf("radio: bad CRC (want %04x, got %04x)", want, got)
	}

	return Frame{
		Sync:     data[0],
		Version:  data[1],
		Sender:   binary.BigEndian.Uint32(data[2:6]),
		Type:     data[6],
		Sequence: binary.BigEndian.Uint16(data[7:9]),
		Payload:  append([]byte(nil), data[HeaderSize:]...),
	}, nil
}

// ── CRC16-CCITT (poly 0x1021, init 0xFFFF) ────────────────────────────────

func crc16(data []byte) uint16 {
	return crc16Update(0xFFFF, data)
}

func crc16Update(crc uint16, data []byte) uint16 {
	for _, b := range data {
		crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ 0x1021
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}
