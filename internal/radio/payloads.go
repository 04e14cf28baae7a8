package radio

import (
	"encoding/binary"
	"fmt"
)

// MsgType is the frame header's message type byte. Values 0x01–0x08 are
// mesh control/application types; 0x10–0x14 are the structured report
// frames carried by deployed devices. The numeric values are wire-frozen.
type MsgType byte

const (
	MsgHeartbeat    MsgType = 0x01
	MsgIncident     MsgType = 0x02
	MsgLocation     MsgType = 0x03
	MsgAck          MsgType = 0x04
	MsgNack         MsgType = 0x05
	MsgRouteRequest MsgType = 0x06
	MsgRouteReply   MsgType = 0x07
	MsgDataChunk    MsgType = 0x08

	MsgCommand       MsgType = 0x10
	MsgMedevac       MsgType = 0x11
	MsgContactReport MsgType = 0x12
	MsgSitrep        MsgType = 0x13
	MsgPhotoFragment MsgType = 0x14
)

func (t MsgType) String() string {
	switch t {
	case MsgHeartbeat:
		return "heartbeat"
	case MsgIncident:
		return "incident"
	case MsgLocation:
		return "location"
	case MsgAck:
		return "ack"
	case MsgNack:
		return "nack"
	case MsgRouteRequest:
		return "route-request"
	case MsgRouteReply:
		return "route-reply"
	case MsgDataChunk:
		return "data-chunk"
	case MsgCommand:
		return "command"
	case MsgMedevac:
		return "medevac"
	case MsgContactReport:
		return "contact-report"
	case MsgSitrep:
		return "sitrep"
	case MsgPhotoFragment:
		return "photo-fragment"
	default:
		return fmt.Sprintf("unknown(0x%02x)", byte(t))
	}
}

// Payload is the tagged-variant interface over the structured report
// frames. Exactly one concrete type exists per MsgType; DecodePayload is
// the only place raw bytes become a variant.
type Payload interface {
	Kind() MsgType
	Marshal() ([]byte, error)
}

// DecodePayload parses the type-specific body of a structured report
// frame. Mesh control types (heartbeat, ack, …) have no structured body
// and return nil.
func DecodePayload(t MsgType, data []byte) (Payload, error) {
	switch t {
	case MsgCommand:
		return decodeCommand(data)
	case MsgMedevac:
		return decodeMedevac(data)
	case MsgContactReport:
		return decodeContactReport(data)
	case MsgSitrep:
		return decodeSitrep(data)
	case MsgPhotoFragment:
		return decodePhotoFragment(data)
	default:
		return nil, nil
	}
}

// ── Command (fixed 11 bytes) ──────────────────────────────────────────────
//
//	0  2  command id (u16 BE)
//	2  4  target node (u32 BE)
//	6  1  opcode
//	7  4  argument (u32 BE)

type Command struct {
	CommandID uint16
	Target    uint32
	Opcode    uint8
	Arg       uint32
}

const commandSize = 11

func (c *Command) Kind() MsgType { return MsgCommand }

func (c *Command) Marshal() ([]byte, error) {
	buf := make([]byte, commandSize)
	binary.BigEndian.PutUint16(buf[0:2], c.CommandID)
	binary.BigEndian.PutUint32(buf[2:6], c.Target)
	buf[6] = c.Opcode
	binary.BigEndian.PutUint32(buf[7:11], c.Arg)
	return buf, nil
}

func decodeCommand(data []byte) (*Command, error) {
	if len(data) < commandSize {
		return nil, fmt.Errorf("radio: command frame too short (%d bytes)", len(data))
	}
	return &Command{
		CommandID: binary.BigEndian.Uint16(data[0:2]),
		Target:    binary.BigEndian.Uint32(data[2:6]),
		Opcode:    data[6],
		Arg:       binary.BigEndian.Uint32(data[7:11]),
	}, nil
}

// ── MEDEVAC 9-line (fixed 27 bytes) ───────────────────────────────────────
//
//	0   4  latitude  (i32 BE, degrees × 1e7)
//	4   4  longitude (i32 BE, degrees × 1e7)
//	8   8  callsign  (ASCII, NUL-padded)
//	16  4  frequency (u32 BE, Hz)
//	20  1  precedence
//	21  1  patients, litter
//	22  1  patients, ambulatory
//	23  1  special equipment
//	24  1  security at pickup
//	25  1  site marking method
//	26  1  nationality/status

type Medevac struct {
	Lat        int32
	Lon        int32
	Callsign   [8]byte
	Frequency  uint32
	Precedence uint8
	Litter     uint8
	Ambulatory uint8
	Equipment  uint8
	Security   uint8
	Marking    uint8
	Status     uint8
}

const medevacSize = 27

func (m *Medevac) Kind() MsgType { return MsgMedevac }

func (m *Medevac) Marshal() ([]byte, error) {
	buf := make([]byte, medevacSize)
	binary.BigEndian.PutUint32(buf[0:4], uint32(m.Lat))
	binary.BigEndian.PutUint32(buf[4:8], uint32(m.Lon))
	copy(buf[8:16], m.Callsign[:])
	binary.BigEndian.PutUint32(buf[16:20], m.Frequency)
	buf[20] = m.Precedence
	buf[21] = m.Litter
	buf[22] = m.Ambulatory
	buf[23] = m.Equipment
	buf[24] = m.Security
	buf[25] = m.Marking
	buf[26] = m.Status
	return buf, nil
}

func decodeMedevac(data []byte) (*Medevac, error) {
	if len(data) < medevacSize {
		return nil, fmt.Errorf("radio: medevac frame too short (%d bytes)", len(data))
	}
	m := &Medevac{
		Lat:        int32(binary.BigEndian.Uint32(data[0:4])),
		Lon:        int32(binary.BigEndian.Uint32(data[4:8])),
		Frequency:  binary.BigEndian.Uint32(data[16:20]),
		Precedence: data[20],
		Litter:     data[21],
		Ambulatory: data[22],
		Equipment:  data[23],
		Security:   data[24],
		Marking:    data[25],
		Status:     data[26],
	}
	copy(m.Callsign[:], data[8:16])
	return m, nil
}

// ── Contact report (fixed 22 bytes) ───────────────────────────────────────
//
//	0   8  observed-at (i64 BE, unix seconds)
//	8   4  latitude  (i32 BE, degrees × 1e7)
//	12  4  longitude (i32 BE, degrees × 1e7)
//	16  1  activity code
//	17  2  unit count (u16 BE)
//	19  2  heading (u16 BE, degrees)
//	21  1  speed (km/h)

type ContactReport struct {
	ObservedAt int64
	Lat        int32
	Lon        int32
	Activity   uint8
	Count      uint16
	Heading    uint16
	Speed      uint8
}

const contactReportSize = 22

func (c *ContactReport) Kind() MsgType { return MsgContactReport }

func (c *ContactReport) Marshal() ([]byte, error) {
	buf := make([]byte, contactReportSize)
	binary.BigEndian.PutUint64(buf[0:8], uint64(c.ObservedAt))
	binary.BigEndian.PutUint32(buf[8:12], uint32(c.Lat))
	binary.BigEndian.PutUint32(buf[12:16], uint32(c.Lon))
	buf[16] = c.Activity
	binary.BigEndian.PutUint16(buf[17:19], c.Count)
	binary.BigEndian.PutUint16(buf[19:21], c.Heading)
	buf[21] = c.Speed
	return buf, nil
}

func decodeContactReport(data []byte) (*ContactReport, error) {
	if len(data) < contactReportSize {
		return nil, fmt.Errorf("radio: contact report frame too short (%d bytes)", len(data))
	}
	return &ContactReport{
		ObservedAt: int64(binary.BigEndian.Uint64(data[0:8])),
		Lat:        int32(binary.BigEndian.Uint32(data[8:12])),
		Lon:        int32(binary.BigEndian.Uint32(data[12:16])),
		Activity:   data[16],
		Count:      binary.BigEndian.Uint16(data[17:19]),
		Heading:    binary.BigEndian.Uint16(data[19:21]),
		Speed:      data[21],
	}, nil
}

// ── SITREP (fixed 15 bytes) ───────────────────────────────────────────────
//
//	0   4  latitude  (i32 BE, degrees × 1e7)
//	4   4  longitude (i32 BE, degrees × 1e7)
//	8   1  personnel effective
//	9   1  personnel wounded
//	10  1  personnel missing
//	11  1  ammunition state (0–4)
//	12  1  fuel state (0–4)
//	13  1  supplies state (0–4)
//	14  1  morale (0–4)

type Sitrep struct {
	Lat       int32
	Lon       int32
	Effective uint8
	Wounded   uint8
	Missing   uint8
	Ammo      uint8
	Fuel      uint8
	Supplies  uint8
	Morale    uint8
}

const sitrepSize = 15

func (s *Sitrep) Kind() MsgType { return MsgSitrep }

func (s *Sitrep) Marshal() ([]byte, error) {
	buf := make([]byte, sitrepSize)
	binary.BigEndian.PutUint32(buf[0:4], uint32(s.Lat))
	binary.BigEndian.PutUint32(buf[4:8], uint32(s.Lon))
	buf[8] = s.Effective
	buf[9] = s.Wounded
	buf[10] = s.Missing
	buf[11] = s.Ammo
	buf[12] = s.Fuel
	buf[13] = s.Supplies
	buf[14] = s.Morale
	return buf, nil
}

func decodeSitrep(data []byte) (*Sitrep, error) {
	if len(data) < sitrepSize {
		return nil, fmt.Errorf("radio: sitrep frame too short (%d bytes)", len(data))
	}
	return &Sitrep{
		Lat:       int32(binary.BigEndian.Uint32(data[0:4])),
		Lon:       int32(binary.BigEndian.Uint32(data[4:8])),
		Effective: data[8],
		Wounded:   data[9],
		Missing:   data[10],
		Ammo:      data[11],
		Fuel:      data[12],
		Supplies:  data[13],
		Morale:    data[14],
	}, nil
}

// ── Photo fragment (8-byte header + data) ─────────────────────────────────
//
//	0  2  photo id (u16 BE)
//	2  1  fragment index
//	3  1  fragment total
//	4  4  total photo size (u32 BE)
//	8  n  fragment bytes
//
// Layout kept for wire compatibility. The current transport policy never
// emits photo fragments; media travels only over the direct uplink.

type PhotoFragment struct {
	PhotoID   uint16
	Index     uint8
	Total     uint8
	TotalSize uint32
	Data      []byte
}

const photoFragmentHeader = 8

func (p *PhotoFragment) Kind() MsgType { return MsgPhotoFragment }

func (p *PhotoFragment) Marshal() ([]byte, error) {
	if photoFragmentHeader+len(p.Data) > MaxPayload {
		return nil, fmt.Errorf("radio: photo fragment %d bytes exceeds frame budget", len(p.Data))
	}
	buf := make([]byte, photoFragmentHeader, photoFragmentHeader+len(p.Data))
	binary.BigEndian.PutUint16(buf[0:2], p.PhotoID)
	buf[2] = p.Index
	buf[3] = p.Total
	binary.BigEndian.PutUint32(buf[4:8], p.TotalSize)
	return append(buf, p.Data...), nil
}

func decodePhotoFragment(data []byte) (*PhotoFragment, error) {
	if len(data) < photoFragmentHeader {
		return nil, fmt.Errorf("radio: photo fragment too short (%d bytes)", len(data))
	}
	return &PhotoFragment{
		PhotoID:   binary.BigEndian.Uint16(data[0:2]),
		Index:     data[2],
		Total:     data[3],
		TotalSize: binary.BigEndian.Uint32(data[4:8]),
		Data:      append([]byte(nil), data[photoFragmentHeader:]...),
	}, nil
}
