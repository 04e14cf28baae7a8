package meshtastic

import (
	"bytes"
	"testing"

	"google.golang.org/protobuf/encoding/protowire"
)

func wantConfigWrite(nonce uint32) []byte {
	var out []byte
	out = protowire.AppendTag(out, toRadioWantConfigField, protowire.VarintType)
	out = protowire.AppendVarint(out, uint64(nonce))
	return out
}

func disconnectWrite() []byte {
	var out []byte
	out = protowire.AppendTag(out, toRadioDisconnectField, protowire.VarintType)
	out = protowire.AppendVarint(out, 1)
	return out
}

func packetWrite(p *MeshPacket) []byte {
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
	pkt = protowire.AppendTag(pkt, packetDecodedField, protowire.BytesType)
	pkt = protowire.AppendBytes(pkt, data)
	pkt = protowire.AppendTag(pkt, packetIDField, protowire.VarintType)
	pkt = protowire.AppendVarint(pkt, uint64(p.ID))

	var out []byte
	out = protowire.AppendTag(out, toRadioPacketField, protowire.BytesType)
	out = protowire.AppendBytes(out, pkt)
	return out
}

func TestDecodeToRadioWantConfig(t *testing.T) {
	tr, err := DecodeToRadio(wantConfigWrite(0xCAFE))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !tr.HasWantConfig || tr.WantConfigID != 0xCAFE {
		t.Errorf("want_config not decoded: %+v", tr)
	}
	if tr.Packet != nil || tr.Disconnect {
		t.Errorf("spurious fields: %+v", tr)
	}
}

func TestDecodeToRadioZeroNonce(t *testing.T) {
	// Nonce 0 is legal; presence must not be inferred from the value.
	tr, err := DecodeToRadio(wantConfigWrite(0))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !tr.HasWantConfig {
		t.Error("zero nonce lost its presence bit")
	}
}

func TestDecodeToRadioPacket(t *testing.T) {
	in := &MeshPacket{
		ID:      77,
		From:    0x10,
		To:      BroadcastAddr,
		PortNum: PortTextMessage,
		Payload: []byte("hi mesh"),
	}
	tr, err := DecodeToRadio(packetWrite(in))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if tr.Packet == nil {
		t.Fatal("packet missing")
	}
	p := tr.Packet
	if p.ID != 77 || p.From != 0x10 || p.To != BroadcastAddr {
		t.Errorf("addressing mismatch: %+v", p)
	}
	if p.PortNum != PortTextMessage || !bytes.Equal(p.Payload, []byte("hi mesh")) {
		t.Errorf("data mismatch: %+v", p)
	}
}

func TestDecodeToRadioDisconnect(t *testing.T) {
	tr, err := DecodeToRadio(disconnectWrite())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !tr.Disconnect {
		t.Error("disconnect not decoded")
	}
}

func TestDecodeToRadioRejectsGarbage(t *testing.T) {
	if _, err := DecodeToRadio([]byte{0xFF, 0xFF, 0xFF}); err == nil {
		t.Fatal("expected error for garbage bytes")
	}
}

func TestDecodeToRadioSkipsUnknownFields(t *testing.T) {
	// A newer client may send fields this device does not know.
	var out []byte
	out = protowire.AppendTag(out, 60, protowire.BytesType)
	out = protowire.AppendBytes(out, []byte("future"))
	out = append(out, wantConfigWrite(5)...)

	tr, err := DecodeToRadio(out)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !tr.HasWantConfig || tr.WantConfigID != 5 {
		t.Errorf("known field lost: %+v", tr)
	}
}

func TestEncodePacketRoundTrip(t *testing.T) {
	in := &MeshPacket{
		ID:       0xABCD,
		From:     0x11,
		To:       0x22,
		Channel:  1,
		PortNum:  PortPosition,
		Payload:  []byte{9, 8, 7},
		HopLimit: 3,
		RxTime:   1721000000,
	}
	raw := EncodePacket(in)

	// Strip the FromRadio{packet=2} envelope, then reuse the packet parser.
	num, typ, n := protowire.ConsumeTag(raw)
	if n < 0 || num != fromRadioPacketField || typ != protowire.BytesType {
		t.Fatalf("envelope field = %d", num)
	}
	inner, n := protowire.ConsumeBytes(raw[n:])
	if n < 0 {
		t.Fatal("bad envelope bytes")
	}
	got, err := decodeMeshPacket(inner)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != in.ID || got.From != in.From || got.To != in.To || got.Channel != in.Channel {
		t.Errorf("header mismatch: %+v", got)
	}
	if got.PortNum != PortPosition || !bytes.Equal(got.Payload, in.Payload) {
		t.Errorf("data mismatch: %+v", got)
	}
	if got.HopLimit != 3 {
		t.Errorf("hop limit = %d", got.HopLimit)
	}
}

func TestAirPacketRoundTrip(t *testing.T) {
	in := &AirPacket{
		To:       BroadcastAddr,
		From:     0x4321,
		ID:       99,
		HopLimit: 3,
		Channel:  8,
		PortNum:  PortTextMessage,
		Payload:  []byte("over the air"),
	}
	raw, err := in.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := DecodeAirPacket(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.To != in.To || got.From != in.From || got.ID != in.ID {
		t.Errorf("header mismatch: %+v", got)
	}
	if got.HopLimit != 3 || got.Channel != 8 {
		t.Errorf("flags mismatch: %+v", got)
	}
	if got.PortNum != PortTextMessage || !bytes.Equal(got.Payload, in.Payload) {
		t.Errorf("payload mismatch: %+v", got)
	}
}

func TestAirPacketHopLimitMasked(t *testing.T) {
	in := &AirPacket{To: 1, From: 2, ID: 3, HopLimit: 7, PortNum: PortTextMessage, Payload: []byte("x")}
	raw, err := in.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := DecodeAirPacket(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	// The wire carries only three hop bits.
	if got.HopLimit != 7 {
		t.Errorf("hop limit = %d, want 7", got.HopLimit)
	}
}
