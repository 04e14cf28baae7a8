package meshtastic

import (
	"bytes"
	"testing"

	"go.uber.org/zap"

	"github.com/fieldbeacon/fieldbeacon/internal/radio"
)

const (
	testNativeSync  = 0xAB
	testForeignSync = 0x2B
)

// recordingRadio captures every transmission with the sync word active
// at send time.
type recordingRadio struct {
	sync   byte
	sent   [][]byte
	syncAt []byte // sync word in effect for each sent frame
	frames chan radio.Frame
}

func newRecordingRadio() *recordingRadio {
	return &recordingRadio{sync: testNativeSync, frames: make(chan radio.Frame, 8)}
}

func (r *recordingRadio) Send(frame []byte) error {
	r.sent = append(r.sent, append([]byte(nil), frame...))
	r.syncAt = append(r.syncAt, r.sync)
	return nil
}

func (r *recordingRadio) Frames() <-chan radio.Frame  { return r.frames }
func (r *recordingRadio) LinkQuality() radio.Quality  { return radio.Quality{} }
func (r *recordingRadio) SetSyncWord(sync byte) error { r.sync = sync; return nil }
func (r *recordingRadio) Close() error                { return nil }

func nativeFrame(t *testing.T, msgType radio.MsgType, payload []byte) []byte {
	t.Helper()
	f := radio.Frame{Sync: testNativeSync, Sender: 0x99, Type: byte(msgType), Sequence: 1, Payload: payload}
	raw, err := f.Encode()
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

func newTestAdapter(r radio.Radio) *Adapter {
	return NewAdapter(r, testNativeSync, testForeignSync, 0xDEAD01, zap.NewNop())
}

func TestNativeModePassesFramesThrough(t *testing.T) {
	rec := newRecordingRadio()
	a := newTestAdapter(rec)

	raw := nativeFrame(t, radio.MsgIncident, []byte("incident"))
	if err := a.Send(raw); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(rec.sent) != 1 {
		t.Fatalf("sent %d frames", len(rec.sent))
	}
	if !bytes.Equal(rec.sent[0], raw) {
		t.Error("native frame modified in native mode")
	}
	if rec.syncAt[0] != testNativeSync {
		t.Errorf("sent on sync %02x", rec.syncAt[0])
	}
}

func TestMeshtasticModeTranslates(t *testing.T) {
	rec := newRecordingRadio()
	a := newTestAdapter(rec)
	a.SetMode(ModeMeshtastic)

	payload := []byte("text for stock clients")
	if err := a.Send(nativeFrame(t, radio.MsgLocation, payload)); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(rec.sent) != 1 {
		t.Fatalf("sent %d frames", len(rec.sent))
	}
	if rec.syncAt[0] != testForeignSync {
		t.Errorf("air packet sent on sync %02x, want %02x", rec.syncAt[0], testForeignSync)
	}

	pkt, err := DecodeAirPacket(rec.sent[0])
	if err != nil {
		t.Fatalf("decode air packet: %v", err)
	}
	if pkt.To != BroadcastAddr || pkt.From != 0xDEAD01 {
		t.Errorf("addressing: %+v", pkt)
	}
	if pkt.PortNum != PortTextMessage || !bytes.Equal(pkt.Payload, payload) {
		t.Errorf("payload mismatch: %+v", pkt)
	}
}

func TestBridgeModeSendsBoth(t *testing.T) {
	rec := newRecordingRadio()
	a := newTestAdapter(rec)
	a.SetMode(ModeBridge)

	if err := a.Send(nativeFrame(t, radio.MsgIncident, []byte("x"))); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(rec.sent) != 2 {
		t.Fatalf("sent %d frames, want 2", len(rec.sent))
	}
	if rec.syncAt[0] != testNativeSync || rec.syncAt[1] != testForeignSync {
		t.Errorf("sync sequence %02x, %02x", rec.syncAt[0], rec.syncAt[1])
	}
}

func TestHybridSplitsByContent(t *testing.T) {
	rec := newRecordingRadio()
	a := newTestAdapter(rec)
	a.SetMode(ModeHybrid)

	// Location traffic is readable by stock clients: goes foreign.
	if err := a.Send(nativeFrame(t, radio.MsgLocation, []byte("pos"))); err != nil {
		t.Fatal(err)
	}
	// Structured incident traffic stays native.
	if err := a.Send(nativeFrame(t, radio.MsgIncident, []byte("inc"))); err != nil {
		t.Fatal(err)
	}

	if len(rec.sent) != 2 {
		t.Fatalf("sent %d frames", len(rec.sent))
	}
	if rec.syncAt[0] != testForeignSync {
		t.Errorf("location frame on sync %02x", rec.syncAt[0])
	}
	if rec.syncAt[1] != testNativeSync {
		t.Errorf("incident frame on sync %02x", rec.syncAt[1])
	}
	// The native leg is untouched by translation.
	if _, err := radio.Decode(rec.sent[1]); err != nil {
		t.Errorf("native frame corrupted: %v", err)
	}
}

func TestHybridKeepsUndecodableFramesNative(t *testing.T) {
	rec := newRecordingRadio()
	a := newTestAdapter(rec)
	a.SetMode(ModeHybrid)

	if err := a.Send([]byte{0x01, 0x02, 0x03}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if rec.syncAt[0] != testNativeSync {
		t.Errorf("garbage routed foreign (sync %02x)", rec.syncAt[0])
	}
}

func TestSyncSwitchedOnlyWhenNeeded(t *testing.T) {
	rec := newRecordingRadio()
	a := newTestAdapter(rec)
	a.SetMode(ModeMeshtastic)

	for i := 0; i < 3; i++ {
		if err := a.Send(nativeFrame(t, radio.MsgLocation, []byte("p"))); err != nil {
			t.Fatal(err)
		}
	}
	for i, s := range rec.syncAt {
		if s != testForeignSync {
			t.Errorf("frame %d on sync %02x", i, s)
		}
	}

	// Back to native: exactly one switch, then stable.
	a.SetMode(ModeNative)
	if err := a.Send(nativeFrame(t, radio.MsgIncident, []byte("n"))); err != nil {
		t.Fatal(err)
	}
	if last := rec.syncAt[len(rec.syncAt)-1]; last != testNativeSync {
		t.Errorf("frame after mode change on sync %02x", last)
	}
}

func TestAdapterModeString(t *testing.T) {
	cases := map[Mode]string{
		ModeNative:     "native",
		ModeMeshtastic: "meshtastic",
		ModeHybrid:     "hybrid",
		ModeBridge:     "bridge",
	}
	for m, want := range cases {
		if m.String() != want {
			t.Errorf("%d.String() = %q", m, m.String())
		}
	}
}
