package mesh

import (
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/fieldbeacon/fieldbeacon/internal/radio"
	"github.com/fieldbeacon/fieldbeacon/internal/report"
	"github.com/fieldbeacon/fieldbeacon/internal/store"
)

func newTestEngine(t *testing.T, net *radio.LoopbackNet, hardwareID string, opts Options) (*Engine, *radio.LoopbackRadio) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "engine.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := store.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	r := net.Join(radio.DefaultSync)
	e, err := NewEngine(r, db, hardwareID, opts, nil, zap.NewNop())
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	return e, r
}

// inject encodes msg and transmits it from a bare radio, as if a remote
// node originated it.
func inject(t *testing.T, from *radio.LoopbackRadio, msg *Message) {
	t.Helper()
	raw, err := msg.EncodeFrame(radio.DefaultSync)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := from.Send(raw); err != nil {
		t.Fatalf("send: %v", err)
	}
}

// drainFrames empties a radio's inbound channel into decoded messages.
func drainFrames(t *testing.T, r *radio.LoopbackRadio) []Message {
	t.Helper()
	var out []Message
	for {
		select {
		case f := <-r.Frames():
			msg, err := DecodeFrame(f)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			out = append(out, msg)
		default:
			return out
		}
	}
}

// ofType filters out the engine's own periodic heartbeats when a test
// cares about a specific traffic type.
func ofType(msgs []Message, mt radio.MsgType) []Message {
	var out []Message
	for _, m := range msgs {
		if m.Type == mt {
			out = append(out, m)
		}
	}
	return out
}

func TestSendIncidentReachesPeer(t *testing.T) {
	net := radio.NewLoopbackNet()
	a, _ := newTestEngine(t, net, "node-a", Options{})
	b, _ := newTestEngine(t, net, "node-b", Options{})

	inc := &report.Incident{
		Latitude:    1.5,
		Longitude:   2.5,
		Priority:    report.PriorityCritical,
		Category:    "medical",
		Description: "casualty at grid",
		ReportedAt:  time.Now().UTC(),
	}
	if !a.SendIncident(inc) {
		t.Fatal("send failed")
	}
	if inc.Sequence == 0 {
		t.Fatal("sequence not assigned to the report")
	}

	b.Update(time.Now())
	if !b.HasMessage() {
		t.Fatal("peer received nothing")
	}
	msg, _ := b.Receive()
	if msg.Type != radio.MsgIncident {
		t.Fatalf("type = %v", msg.Type)
	}
	if msg.Source != a.NodeID() {
		t.Errorf("source = %08x, want %08x", msg.Source, a.NodeID())
	}
	got, err := report.DecodeMesh(msg.Payload)
	if err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if got.Category != "medical" || got.Priority != report.PriorityCritical {
		t.Errorf("report mismatch: %+v", got)
	}

	// The sender is now a known route.
	if b.RouteCount() != 1 {
		t.Errorf("route count = %d", b.RouteCount())
	}
}

func TestDuplicateSuppression(t *testing.T) {
	net := radio.NewLoopbackNet()
	b, _ := newTestEngine(t, net, "node-b", Options{})
	inj := net.Join(radio.DefaultSync)

	msg := &Message{
		Source:      0x1234,
		Destination: Broadcast,
		Sequence:    42,
		Type:        radio.MsgIncident,
		TTL:         60 * time.Second,
		Timestamp:   time.Now().UTC(),
		Payload:     mustEncodeReport(t),
	}
	// Same frame three times, as an RF echo would deliver it.
	inject(t, inj, msg)
	inject(t, inj, msg)
	inject(t, inj, msg)

	now := time.Now()
	b.Update(now)

	count := 0
	for b.HasMessage() {
		b.Receive()
		count++
	}
	if count != 1 {
		t.Fatalf("processed %d copies, want 1", count)
	}

	// Exactly one relay went back out despite three deliveries.
	relayed := ofType(drainFrames(t, inj), radio.MsgIncident)
	if len(relayed) != 1 {
		t.Fatalf("relayed %d times, want 1", len(relayed))
	}
	if relayed[0].Sequence != 42 {
		t.Errorf("relay changed sequence to %d", relayed[0].Sequence)
	}
	if relayed[0].HopCount != 1 {
		t.Errorf("relay hop count = %d, want 1", relayed[0].HopCount)
	}
}

func TestRelayHonorsHopCeiling(t *testing.T) {
	net := radio.NewLoopbackNet()
	b, _ := newTestEngine(t, net, "node-b", Options{MaxHops: 5})
	inj := net.Join(radio.DefaultSync)

	inject(t, inj, &Message{
		Source:      0x1234,
		Destination: Broadcast,
		Sequence:    7,
		Type:        radio.MsgIncident,
		HopCount:    5, // already at the ceiling
		TTL:         60 * time.Second,
		Timestamp:   time.Now().UTC(),
		Payload:     mustEncodeReport(t),
	})
	b.Update(time.Now())

	if !b.HasMessage() {
		t.Fatal("message at hop ceiling must still be processed")
	}
	if frames := ofType(drainFrames(t, inj), radio.MsgIncident); len(frames) != 0 {
		t.Fatalf("relayed %d frames past the hop ceiling", len(frames))
	}
}

func TestRelayHonorsTTL(t *testing.T) {
	net := radio.NewLoopbackNet()
	b, _ := newTestEngine(t, net, "node-b", Options{})
	inj := net.Join(radio.DefaultSync)

	inject(t, inj, &Message{
		Source:      0x1234,
		Destination: Broadcast,
		Sequence:    8,
		Type:        radio.MsgIncident,
		TTL:         30 * time.Second,
		Timestamp:   time.Now().Add(-2 * time.Minute).UTC(),
		Payload:     mustEncodeReport(t),
	})
	b.Update(time.Now())

	if frames := ofType(drainFrames(t, inj), radio.MsgIncident); len(frames) != 0 {
		t.Fatalf("relayed %d expired frames", len(frames))
	}
}

func TestUnicastGetsAck(t *testing.T) {
	net := radio.NewLoopbackNet()
	b, _ := newTestEngine(t, net, "node-b", Options{})
	inj := net.Join(radio.DefaultSync)

	const origSeq = 0x00030405
	inject(t, inj, &Message{
		Source:      0x1234,
		Destination: b.NodeID(),
		Sequence:    origSeq,
		Type:        radio.MsgIncident,
		TTL:         60 * time.Second,
		Timestamp:   time.Now().UTC(),
		Payload:     mustEncodeReport(t),
	})
	b.Update(time.Now())

	frames := drainFrames(t, inj)
	var ack *Message
	for i := range frames {
		if frames[i].Type == radio.MsgAck {
			ack = &frames[i]
		}
	}
	if ack == nil {
		t.Fatal("no ACK for unicast")
	}
	if ack.Destination != 0x1234 {
		t.Errorf("ACK destination = %08x", ack.Destination)
	}
	if len(ack.Payload) != 4 {
		t.Fatalf("ACK payload %d bytes", len(ack.Payload))
	}
	ref := uint32(ack.Payload[0])<<24 | uint32(ack.Payload[1])<<16 |
		uint32(ack.Payload[2])<<8 | uint32(ack.Payload[3])
	if ref != origSeq {
		t.Errorf("ACK references %08x, want %08x", ref, origSeq)
	}

	// A unicast addressed here must not also be relayed.
	for i := range frames {
		if frames[i].Type == radio.MsgIncident {
			t.Error("unicast addressed to this node was re-flooded")
		}
	}
}

func TestAckNotAcked(t *testing.T) {
	net := radio.NewLoopbackNet()
	b, _ := newTestEngine(t, net, "node-b", Options{})
	inj := net.Join(radio.DefaultSync)

	inject(t, inj, &Message{
		Source:      0x1234,
		Destination: b.NodeID(),
		Sequence:    9,
		Type:        radio.MsgAck,
		TTL:         60 * time.Second,
		Timestamp:   time.Now().UTC(),
		Payload:     []byte{0, 0, 0, 1},
	})
	b.Update(time.Now())

	frames := drainFrames(t, inj)
	for _, f := range frames {
		if f.Type == radio.MsgAck || f.Type == radio.MsgNack {
			t.Fatalf("inbound ACK triggered a %v reply", f.Type)
		}
	}
}

func TestHeartbeatRefreshesRoutesOnly(t *testing.T) {
	net := radio.NewLoopbackNet()
	b, _ := newTestEngine(t, net, "node-b", Options{})
	inj := net.Join(radio.DefaultSync)

	inject(t, inj, &Message{
		Source:      0x1234,
		Destination: Broadcast,
		Sequence:    10,
		Type:        radio.MsgHeartbeat,
		TTL:         60 * time.Second,
		Timestamp:   time.Now().UTC(),
	})
	b.Update(time.Now())

	if b.HasMessage() {
		t.Error("heartbeat must not reach the inbound FIFO")
	}
	if b.RouteCount() != 1 {
		t.Errorf("heartbeat did not establish a route: %d", b.RouteCount())
	}
}

func TestHeartbeatNotRelayed(t *testing.T) {
	net := radio.NewLoopbackNet()
	b, _ := newTestEngine(t, net, "node-b", Options{})
	inj := net.Join(radio.DefaultSync)

	inject(t, inj, &Message{
		Source:      0x1234,
		Destination: Broadcast,
		Sequence:    11,
		Type:        radio.MsgHeartbeat,
		TTL:         60 * time.Second,
		Timestamp:   time.Now().UTC(),
	})
	b.Update(time.Now())

	// The engine's own beacon may go out; a relayed one would keep the
	// remote source.
	for _, f := range drainFrames(t, inj) {
		if f.Type == radio.MsgHeartbeat && f.Source == 0x1234 {
			t.Fatal("neighbour heartbeat was re-flooded")
		}
	}
}

func TestPeriodicHeartbeatEmission(t *testing.T) {
	net := radio.NewLoopbackNet()
	b, _ := newTestEngine(t, net, "node-b", Options{HeartbeatInterval: 30 * time.Second})
	inj := net.Join(radio.DefaultSync)

	now := time.Now()
	b.Update(now) // first tick: interval elapsed since zero time
	frames := drainFrames(t, inj)
	if len(frames) != 1 || frames[0].Type != radio.MsgHeartbeat {
		t.Fatalf("expected one heartbeat, got %d frames", len(frames))
	}

	// Within the interval: silent.
	b.Update(now.Add(10 * time.Second))
	if frames := drainFrames(t, inj); len(frames) != 0 {
		t.Fatalf("heartbeat before interval elapsed")
	}

	// Past the interval: next beat.
	b.Update(now.Add(31 * time.Second))
	frames = drainFrames(t, inj)
	if len(frames) != 1 || frames[0].Type != radio.MsgHeartbeat {
		t.Fatalf("expected second heartbeat, got %d frames", len(frames))
	}
}

func TestSendFailsWhenRadioBusy(t *testing.T) {
	net := radio.NewLoopbackNet()
	b, r := newTestEngine(t, net, "node-b", Options{})
	r.SetBusy(true)

	inc := &report.Incident{Category: "x", ReportedAt: time.Now()}
	if b.SendIncident(inc) {
		t.Fatal("send reported success on a busy radio")
	}
}

func mustEncodeReport(t *testing.T) []byte {
	t.Helper()
	inc := &report.Incident{
		Latitude:    1,
		Longitude:   2,
		Category:    "test",
		Description: "payload",
		ReportedAt:  time.Now().UTC(),
	}
	raw, err := inc.EncodeMesh(MaxAppPayload)
	if err != nil {
		t.Fatal(err)
	}
	return raw
}
