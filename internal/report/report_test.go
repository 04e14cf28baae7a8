package report

import (
	"strings"
	"testing"
	"time"
)

func TestParsePriority(t *testing.T) {
	cases := []struct {
		in   string
		want Priority
	}{
		{"critical", PriorityCritical},
		{"CRITICAL", PriorityCritical},
		{"high", PriorityHigh},
		{"medium", PriorityMedium},
		{"low", PriorityLow},
		{"", PriorityLow},
		{"bogus", PriorityLow},
	}
	for _, c := range cases {
		if got := ParsePriority(c.in); got != c.want {
			t.Errorf("ParsePriority(%q) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestHasPosition(t *testing.T) {
	if (&Incident{}).HasPosition() {
		t.Error("zero incident should have no position")
	}
	if !(&Incident{Latitude: 51.5}).HasPosition() {
		t.Error("incident with latitude should have a position")
	}
}

func TestMeshCodecRoundTrip(t *testing.T) {
	inc := &Incident{
		Latitude:    48.858222,
		Longitude:   2.2945,
		Altitude:    324.5,
		Priority:    PriorityHigh,
		Category:    "flood",
		Description: "bridge washed out, road impassable",
		ReportedAt:  time.Unix(1721000000, 0).UTC(),
	}

	raw, err := inc.EncodeMesh(225)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := DecodeMesh(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if got.Latitude != inc.Latitude || got.Longitude != inc.Longitude {
		t.Errorf("position mismatch: %v,%v", got.Latitude, got.Longitude)
	}
	// Altitude survives only at float32 precision.
	if got.Altitude < 324.4 || got.Altitude > 324.6 {
		t.Errorf("altitude = %v", got.Altitude)
	}
	if got.Priority != PriorityHigh {
		t.Errorf("priority = %v", got.Priority)
	}
	if got.Category != inc.Category || got.Description != inc.Description {
		t.Errorf("text mismatch: %q / %q", got.Category, got.Description)
	}
	if !got.ReportedAt.Equal(inc.ReportedAt) {
		t.Errorf("reported at = %v", got.ReportedAt)
	}
}

func TestEncodeMeshTruncatesDescription(t *testing.T) {
	inc := &Incident{
		Category:    "fire",
		Description: strings.Repeat("x", 500),
		ReportedAt:  time.Now(),
	}
	const budget = 100
	raw, err := inc.EncodeMesh(budget)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(raw) > budget {
		t.Fatalf("encoded %d bytes, budget %d", len(raw), budget)
	}
	got, err := DecodeMesh(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Category != "fire" {
		t.Errorf("category truncated: %q", got.Category)
	}
	want := budget - 31 - len("fire")
	if len(got.Description) != want {
		t.Errorf("description length %d, want %d", len(got.Description), want)
	}
}

func TestEncodeMeshBudgetTooSmall(t *testing.T) {
	inc := &Incident{ReportedAt: time.Now()}
	if _, err := inc.EncodeMesh(10); err == nil {
		t.Fatal("expected budget error")
	}
}

func TestDecodeMeshRejectsMalformed(t *testing.T) {
	t.Run("short", func(t *testing.T) {
		if _, err := DecodeMesh(make([]byte, 10)); err == nil {
			t.Error("expected error for short payload")
		}
	})
	t.Run("bad priority", func(t *testing.T) {
		inc := &Incident{ReportedAt: time.Now()}
		raw, _ := inc.EncodeMesh(64)
		raw[20] = 0x7F
		if _, err := DecodeMesh(raw); err == nil {
			t.Error("expected error for invalid priority")
		}
	})
	t.Run("lying category length", func(t *testing.T) {
		inc := &Incident{Category: "a", ReportedAt: time.Now()}
		raw, _ := inc.EncodeMesh(64)
		raw[29] = 0xFF
		if _, err := DecodeMesh(raw); err == nil {
			t.Error("expected error for truncated category")
		}
	})
}
