// Package report defines the IncidentReport exchanged between the field
// device, the mesh, and the backend. Media bytes are never part of a
// report; only references to externally-uploaded blobs travel with it.
package report

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"time"
)

// Priority orders reports for transport decisions. Lower value = more urgent.
type Priority uint8

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityMedium
	PriorityLow
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	default:
		return "low"
	}
}

// ParsePriority maps a priority string back to its value. Unknown
// strings come back as low, matching the backend's lenient parsing.
func ParsePriority(s string) Priority {
	switch strings.ToLower(s) {
	case "critical":
		return PriorityCritical
	case "high":
		return PriorityHigh
	case "medium":
		return PriorityMedium
	default:
		return PriorityLow
	}
}

// Incident is the application payload: position, free text, and routing
// metadata. Sequence is assigned by the mesh engine at send time and keys
// the offline queue.
type Incident struct {
	Sequence    uint32    `json:"-"`
	Latitude    float64   `json:"latitude"`
	Longitude   float64   `json:"longitude"`
	Altitude    float64   `json:"altitude"`
	Priority    Priority  `json:"-"`
	Category    string    `json:"category"`
	Description string    `json:"description"`
	DeviceID    uint32    `json:"-"`
	ReportedAt  time.Time `json:"-"`
	MediaRefs   []string  `json:"media_urls,omitempty"`
}

// HasPosition reports whether the incident carries a usable fix.
func (i *Incident) HasPosition() bool {
	return i.Latitude != 0 || i.Longitude != 0
}

// ── mesh payload codec ────────────────────────────────────────────────────

// The mesh carries a compact fixed-offset layout, not JSON:
//
//	offset width field
//	0      8     latitude  (float64 BE)
//	8      8     longitude (float64 BE)
//	16     4     altitude  (float32 BE)
//	20     1     priority
//	21     8     reported-at (unix seconds, int64 BE)
//	29     1     category length
//	30     n     category (UTF-8)
//	30+n   1     description length
//	31+n   m     description (UTF-8, truncated to fit the frame)
//
// Media references never cross the mesh.

const meshPayloadFixed = 31

// MaxMeshPayload bounds EncodeMesh output; callers size it to the radio's
// frame budget.
func (i *Incident) EncodeMesh(max int) ([]byte, error) {
	if max < meshPayloadFixed {
		return nil, fmt.Errorf("report: payload budget %d too small", max)
	}
	cat := i.Category
	if len(cat) > 255 {
		cat = cat[:255]
	}
	desc := i.Description
	room := max - meshPayloadFixed - len(cat)
	if room < 0 {
		room = 0
	}
	if len(desc) > room {
		desc = desc[:room]
	}
	if len(desc) > 255 {
		desc = desc[:255]
	}

	buf := make([]byte, 0, meshPayloadFixed+len(cat)+len(desc))
	buf = binary.BigEndian.AppendUint64(buf, math.Float64bits(i.Latitude))
	buf = binary.BigEndian.AppendUint64(buf, math.Float64bits(i.Longitude))
	buf = binary.BigEndian.AppendUint32(buf, math.Float32bits(float32(i.Altitude)))
	buf = append(buf, byte(i.Priority))
	buf = binary.BigEndian.AppendUint64(buf, uint64(i.ReportedAt.Unix()))
	buf = append(buf, byte(len(cat)))
	buf = append(buf, cat...)
	buf = append(buf, byte(len(desc)))
	buf = append(buf, desc...)
	return buf, nil
}

// DecodeMesh parses a mesh incident payload, validating every length
// before trusting it.
func DecodeMesh(data []byte) (*Incident, error) {
	if len(data) < meshPayloadFixed {
		return nil, fmt.Errorf("report: payload too short (%d bytes)", len(data))
	}
	inc := &Incident{
		Latitude:   math.Float64frombits(binary.BigEndian.Uint64(data[0:8])),
		Longitude:  math.Float64frombits(binary.BigEndian.Uint64(data[8:16])),
		Altitude:   float64(math.Float32frombits(binary.BigEndian.Uint32(data[16:20]))),
		Priority:   Priority(data[20]),
		ReportedAt: time.Unix(int64(binary.BigEndian.Uint64(data[21:29])), 0).UTC(),
	}
	if inc.Priority > PriorityLow {
		return nil, fmt.Errorf("report: invalid priority %d", data[20])
	}

	catLen := int(data[29])
	if len(data) < 30+catLen+1 {
		return nil, fmt.Errorf("report: truncated category")
	}
	inc.Category = string(data[30 : 30+catLen])

	descOff := 30 + catLen
	descLen := int(data[descOff])
	if len(data) < descOff+1+descLen {
		return nil, fmt.Errorf("report: truncated description")
	}
	inc.Description = string(data[descOff+1 : descOff+1+descLen])
	return inc, nil
}
