package mesh

import (
	"testing"
	"time"

	"github.com/fieldbeacon/fieldbeacon/internal/radio"
)

func TestMarkSeen(t *testing.T) {
	s := newMeshState()
	now := time.Now()

	if !s.markSeen(1, 100, now) {
		t.Fatal("first sighting reported as duplicate")
	}
	if s.markSeen(1, 100, now) {
		t.Fatal("duplicate not detected")
	}
	// Same sequence from a different source is a distinct message.
	if !s.markSeen(2, 100, now) {
		t.Fatal("(source, sequence) pair not keyed correctly")
	}
	if !s.markSeen(1, 101, now) {
		t.Fatal("next sequence from same source rejected")
	}
}

func TestUpsertRouteKeepsBestPath(t *testing.T) {
	s := newMeshState()
	t0 := time.Now()

	s.upsertRoute(5, 9, 3, t0)
	if s.RouteCount() != 1 {
		t.Fatalf("route count = %d", s.RouteCount())
	}

	// A worse (more hops) sighting refreshes LastSeen but keeps the route.
	t1 := t0.Add(time.Second)
	s.upsertRoute(5, 7, 4, t1)
	rt := s.Routes()[0]
	if rt.HopCount != 3 || rt.NextHop != 9 {
		t.Errorf("route degraded: %+v", rt)
	}
	if !rt.LastSeen.Equal(t1) {
		t.Errorf("last seen not refreshed: %v", rt.LastSeen)
	}

	// A better sighting replaces it.
	s.upsertRoute(5, 2, 1, t1)
	rt = s.Routes()[0]
	if rt.HopCount != 1 || rt.NextHop != 2 {
		t.Errorf("better route not adopted: %+v", rt)
	}
}

func TestCleanupEvictsStale(t *testing.T) {
	s := newMeshState()
	old := time.Now().Add(-10 * time.Minute)
	fresh := time.Now()

	s.upsertRoute(1, 1, 1, old)
	s.upsertRoute(2, 2, 1, fresh)
	s.markSeen(1, 1, old)
	s.markSeen(2, 2, fresh)

	routes, seen := s.cleanup(time.Now(), 5*time.Minute)
	if routes != 1 || seen != 1 {
		t.Fatalf("evicted (%d routes, %d seen), want (1, 1)", routes, seen)
	}
	if s.RouteCount() != 1 {
		t.Errorf("route count = %d, want 1", s.RouteCount())
	}
	if s.Routes()[0].Destination != 2 {
		t.Errorf("wrong route survived: %+v", s.Routes()[0])
	}
	// The evicted seen record makes the old message "new" again.
	if !s.markSeen(1, 1, fresh) {
		t.Error("seen record not evicted")
	}
}

func TestMessageExpiry(t *testing.T) {
	now := time.Now()
	m := &Message{Timestamp: now.Add(-90 * time.Second), TTL: 60 * time.Second}
	if !m.Expired(now) {
		t.Error("message past its TTL not expired")
	}
	m.TTL = 120 * time.Second
	if m.Expired(now) {
		t.Error("message within its TTL expired")
	}
}

func TestMessageFrameRoundTrip(t *testing.T) {
	src := Message{
		Source:      0x11223344,
		Destination: 0x55667788,
		Sequence:    0x00A1B2C3,
		Type:        2,
		Priority:    1,
		HopCount:    3,
		TTL:         90 * time.Second,
		Payload:     []byte("payload"),
		Timestamp:   time.Unix(1721000000, 0).UTC(),
	}
	raw, err := src.EncodeFrame(0xAB)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	f, err := radio.Decode(raw)
	if err != nil {
		t.Fatalf("radio decode: %v", err)
	}
	got, err := DecodeFrame(f)
	if err != nil {
		t.Fatalf("mesh decode: %v", err)
	}

	if got.Source != src.Source || got.Destination != src.Destination {
		t.Errorf("addressing mismatch: %+v", got)
	}
	if got.Sequence != src.Sequence {
		t.Errorf("sequence = %08x, want %08x (high half must survive)", got.Sequence, src.Sequence)
	}
	if got.HopCount != 3 || got.TTL != 90*time.Second {
		t.Errorf("metadata mismatch: %+v", got)
	}
	if !got.Timestamp.Equal(src.Timestamp) {
		t.Errorf("timestamp = %v", got.Timestamp)
	}
	if string(got.Payload) != "payload" {
		t.Errorf("payload = %q", got.Payload)
	}
}
