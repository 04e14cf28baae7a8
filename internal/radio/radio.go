// Package radio is the send/receive abstraction over the packet radio,
// plus the on-air frame codec. The codec is the single trust boundary:
// nothing above it sees unvalidated bytes.
package radio

import (
	"errors"
	"time"
)

// ErrRadioBusy is returned when the radio cannot accept a frame right
// now. Callers decide whether to queue or drop; the radio never retries.
var ErrRadioBusy = errors.New("radio: busy")

// ErrNotConnected is returned when the link to the modem is down.
var ErrNotConnected = errors.New("radio: not connected")

// Quality is a snapshot of link metrics, for diagnostics only.
type Quality struct {
	RSSI      int       // dBm, 0 when unknown
	SNR       float64   // dB
	LastRX    time.Time // zero when nothing received yet
	FramesRX  uint64
	FramesTX  uint64
	BadFrames uint64 // CRC/size failures, counted and discarded
}

// Radio is the transport contract. Send is fire-and-forget: failure is
// reported synchronously by the returned error, never by blocking.
// Implementations must be safe for concurrent use.
type Radio interface {
	// Send transmits one encoded frame. Returns ErrRadioBusy or
	// ErrNotConnected when the frame cannot be accepted.
	Send(frame []byte) error
	// Frames returns the inbound channel of validated frames.
	Frames() <-chan Frame
	// LinkQuality reports current link metrics.
	LinkQuality() Quality
	// SetSyncWord reconfigures the network discriminator. No frame may
	// be in flight while the switch is happening; the protocol adapter
	// serializes calls.
	SetSyncWord(sync byte) error
	// Close tears the link down.
	Close() error
}
