// Package meshtastic lets the device masquerade as a Meshtastic node:
// it speaks the FromRadio/ToRadio protobuf surface to locally-connected
// client apps and can emit Meshtastic-framed traffic on air. Messages
// are hand-framed with protowire against the published field numbers, so
// no generated code is carried.
package meshtastic

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// PortNum mirrors the Meshtastic PortNum enum values this device uses.
type PortNum uint32

const (
	PortUnknown     PortNum = 0
	PortTextMessage PortNum = 1  // TEXT_MESSAGE_APP
	PortPosition    PortNum = 3  // POSITION_APP
	PortNodeInfo    PortNum = 4  // NODEINFO_APP
	PortRouting     PortNum = 5  // ROUTING_APP
	PortTelemetry   PortNum = 67 // TELEMETRY_APP
)

// BroadcastAddr is Meshtastic's all-nodes destination.
const BroadcastAddr uint32 = 0xFFFFFFFF

// Published field numbers. Wire compatibility with real client apps
// depends on these staying exact.
const (
	// ToRadio
	toRadioPacketField       = 1
	toRadioWantConfigField   = 3
	toRadioDisconnectField   = 4
	toRadioHeartbeatField    = 7

	// FromRadio
	fromRadioPacketField         = 2
	fromRadioMyInfoField         = 3
	fromRadioNodeInfoField       = 4
	fromRadioConfigCompleteField = 7

	// MyNodeInfo
	myInfoNodeNumField = 1

	// NodeInfo
	nodeInfoNumField  = 1
	nodeInfoUserField = 2

	// User
	userIDField        = 1
	userLongNameField  = 2
	userShortNameField = 3
	userHwModelField   = 5

	// MeshPacket
	packetFromField     = 1
	packetToField       = 2
	packetChannelField  = 3
	packetDecodedField  = 4
	packetIDField       = 6
	packetRxTimeField   = 7
	packetHopLimitField = 9
	packetWantAckField  = 10

	// Data
	dataPortnumField = 1
	dataPayloadField = 2
)

// NodeIdentity is the device identity presented to Meshtastic clients.
type NodeIdentity struct {
	NodeNum   uint32
	LongName  string
	ShortName string
	HwModel   uint32
}

// MeshPacket is the decoded subset of a Meshtastic packet this device
// handles.
type MeshPacket struct {
	ID       uint32
	From     uint32
	To       uint32
	Channel  uint32
	PortNum  PortNum
	Payload  []byte
	HopLimit uint32
	WantAck  bool
	RxTime   uint32
}

// ── FromRadio encoders (device → client) ──────────────────────────────────

// EncodeMyInfo frames FromRadio{my_info{my_node_num}}.
func EncodeMyInfo(id NodeIdentity) []byte {
	var inner []byte
	inner = protowire.AppendTag(inner, myInfoNodeNumField, protowire.VarintType)
	inner = protowire.AppendVarint(inner, uint64(id.NodeNum))

	var out []byte
	out = protowire.AppendTag(out, fromRadioMyInfoField, protowire.BytesType)
	out = protowire.AppendBytes(out, inner)
	return out
}

// EncodeNodeInfo frames FromRadio{node_info{num, user}} describing this
// device itself.
func EncodeNodeInfo(id NodeIdentity) []byte {
	var user []byte
	user = protowire.AppendTag(user, userIDField, protowire.BytesType)
	user = protowire.AppendString(user, fmt.Sprintf("!%08x", id.NodeNum))
	user = protowire.AppendTag(user, userLongNameField, protowire.BytesType)
	user = protowire.AppendString(user, id.LongName)
	user = protowire.AppendTag(user, userShortNameField, protowire.BytesType)
	user = protowire.AppendString(user, id.ShortName)
	user = protowire.AppendTag(user, userHwModelField, protowire.VarintType)
	user = protowire.AppendVarint(user, uint64(id.HwModel))

	var info []byte
	info = protowire.AppendTag(info, nodeInfoNumField, protowire.VarintType)
	info = protowire.AppendVarint(info, uint64(id.NodeNum))
	info = protowire.AppendTag(info, nodeInfoUserField, protowire.BytesType)
	info = protowire.AppendBytes(info, user)

	var out []byte
	out = protowire.AppendTag(out, fromRadioNodeInfoField, protowire.BytesType)
	out = protowire.AppendBytes(out, info)
	return out
}

// EncodeConfigComplete frames FromRadio{config_complete_id} echoing the
// client's nonce.
func EncodeConfigComplete(nonce uint32) []byte {
	var out []byte
	out = protowire.AppendTag(out, fromRadioConfigCompleteField, protowire.VarintType)
	out = protowire.AppendVarint(out, uint64(nonce))
	return out
}

// EncodePacket frames FromRadio{packet{...decoded{portnum, payload}}}.
func EncodePacket(p *MeshPacket) []byte {
	var data []byte
	data = protowire.AppendTag(data, dataPortnumField, protowire.VarintType)
	data = protowire.AppendVarint(data, uint64(p.PortNum))
	data = protowire.AppendTag(data, dataPayloadField, protowire.BytesType)
	data = protowire.AppendBytes(data, p.Payload)

	var pkt []byte
	pkt = protowire.AppendTag(pkt, packetFromField, protowire.VarintType)
	pkt = protowire.AppendVarint(pkt, uint64(p.From))
	pkt = protowire.AppendTag(pkt, packetToField, protowire.VarintType)
	pkt = protowire.AppendVarint(pkt, uint64(p.To))
	if p.Channel != 0 {
		pkt = protowire.AppendTag(pkt, packetChannelField, protowire.VarintType)
		pkt = protowire.AppendVarint(pkt, uint64(p.Channel))
	}
	pkt = protowire.AppendTag(pkt, packetDecodedField, protowire.BytesType)
	pkt = protowire.AppendBytes(pkt, data)
	pkt = protowire.AppendTag(pkt, packetIDField, protowire.VarintType)
	pkt = protowire.AppendVarint(pkt, uint64(p.ID))
	if p.RxTime != 0 {
		pkt = protowire.AppendTag(pkt, packetRxTimeField, protowire.VarintType)
		pkt = protowire.AppendVarint(pkt, uint64(p.RxTime))
	}
	if p.HopLimit != 0 {
		pkt = protowire.AppendTag(pkt, packetHopLimitField, protowire.VarintType)
		pkt = protowire.AppendVarint(pkt, uint64(p.HopLimit))
	}

	var out []byte
	out = protowire.AppendTag(out, fromRadioPacketField, protowire.BytesType)
	out = protowire.AppendBytes(out, pkt)
	return out
}

// ── ToRadio decoder (client → device) ─────────────────────────────────────

// ToRadio is the decoded subset of a client write.
type ToRadio struct {
	WantConfigID  uint32
	HasWantConfig bool
	Packet        *MeshPacket
	Disconnect    bool
}

// DecodeToRadio parses a client's ToRadio write, validating structure
// before trusting any field.
func DecodeToRadio(data []byte) (*ToRadio, error) {
	var tr ToRadio
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("meshtastic: bad tag: %w", protowire.ParseError(n))
		}
		data = data[n:]

		switch {
		case num == toRadioWantConfigField && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("meshtastic: bad want_config_id")
			}
			tr.WantConfigID = uint32(v)
			tr.HasWantConfig = true
			data = data[n:]

		case num == toRadioPacketField && typ == protowire.BytesType:
			raw, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("meshtastic: bad packet bytes")
			}
			pkt, err := decodeMeshPacket(raw)
			if err != nil {
				return nil, err
			}
			tr.Packet = pkt
			data = data[n:]

		case num == toRadioDisconnectField && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("meshtastic: bad disconnect")
			}
			tr.Disconnect = v != 0
			data = data[n:]

		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("meshtastic: bad field %d", num)
			}
			data = data[n:]
		}
	}
	return &tr, nil
}

func decodeMeshPacket(data []byte) (*MeshPacket, error) {
	var p MeshPacket
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("meshtastic: bad packet tag")
		}
		data = data[n:]

		switch {
		case num == packetFromField && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("meshtastic: bad from")
			}
			p.From = uint32(v)
			data = data[n:]
		case num == packetToField && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("meshtastic: bad to")
			}
			p.To = uint32(v)
			data = data[n:]
		case num == packetChannelField && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("meshtastic: bad channel")
			}
			p.Channel = uint32(v)
			data = data[n:]
		case num == packetIDField && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("meshtastic: bad id")
			}
			p.ID = uint32(v)
			data = data[n:]
		case num == packetHopLimitField && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("meshtastic: bad hop_limit")
			}
			p.HopLimit = uint32(v)
			data = data[n:]
		case num == packetWantAckField && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("meshtastic: bad want_ack")
			}
			p.WantAck = v != 0
			data = data[n:]
		case num == packetDecodedField && typ == protowire.BytesType:
			raw, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("meshtastic: bad decoded bytes")
			}
			if err := decodeData(raw, &p); err != nil {
				return nil, err
			}
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("meshtastic: bad packet field %d", num)
			}
			data = data[n:]
		}
	}
	return &p, nil
}

func decodeData(data []byte, p *MeshPacket) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("meshtastic: bad data tag")
		}
		data = data[n:]

		switch {
		case num == dataPortnumField && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return fmt.Errorf("meshtastic: bad portnum")
			}
			p.PortNum = PortNum(v)
			data = data[n:]
		case num == dataPayloadField && typ == protowire.BytesType:
			raw, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return fmt.Errorf("meshtastic: bad payload")
			}
			p.Payload = append([]byte(nil), raw...)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return fmt.Errorf("meshtastic: bad data field %d", num)
			}
			data = data[n:]
		}
	}
	return nil
}

// PortLabel returns a human-readable label for a PortNum.
func PortLabel(p PortNum) string {
	switch p {
	case PortTextMessage:
		return "TEXT_MESSAGE_APP"
	case PortPosition:
		return "POSITION_APP"
	case PortNodeInfo:
		return "NODEINFO_APP"
	case PortTelemetry:
		return "TELEMETRY_APP"
	case PortRouting:
		return "ROUTING_APP"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", p)
	}
}
